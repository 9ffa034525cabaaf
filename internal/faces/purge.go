package faces

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/your-org/eventfaces/internal/faceindex"
	"github.com/your-org/eventfaces/internal/observability"
)

// Purge deletes every face of the event collection that is not tracked: faces
// of users or photos that left the event, user faces other than the user's
// current profile face, and photo faces without a PhotoFace record. It
// returns the number of faces deleted.
func (o *Orchestrator) Purge(ctx context.Context, eventID int64) (int, error) {
	unlock := o.eventLocks.lock(eventKey(eventID))
	defer unlock()
	return o.purge(ctx, eventID)
}

func (o *Orchestrator) purge(ctx context.Context, eventID int64) (int, error) {
	if err := o.EnsureCollection(ctx, eventID); err != nil {
		return 0, err
	}
	coll := o.CollectionID(eventID)

	var all []faceindex.IndexedFace
	token := ""
	for {
		page, next, err := o.index.ListFaces(ctx, coll, token)
		if err != nil {
			return 0, fmt.Errorf("list faces: %w", err)
		}
		all = append(all, page...)
		if next == "" {
			break
		}
		token = next
	}

	found, err := o.findOrphans(ctx, eventID, all)
	if err != nil {
		return 0, err
	}
	if len(found.refs) > 0 {
		if err := o.index.DeleteFaces(ctx, coll, found.refs); err != nil {
			return 0, fmt.Errorf("delete orphans: %w", err)
		}
	}
	for _, userID := range found.departedUsers {
		o.profiles.Invalidate(profileKey(eventID, userID))
		if err := o.store.DeleteProfile(ctx, eventID, userID); err != nil {
			slog.Warn("delete departed profile", "event_id", eventID, "user_id", userID, "error", err)
		}
	}

	observability.OrphansPurged.Add(float64(len(found.refs)))
	slog.Info("collection purged",
		"event_id", eventID,
		"faces", len(all),
		"orphans", len(found.refs),
	)
	return len(found.refs), nil
}

// purgeIfDirty samples the first faces of the collection and runs a full
// purge when any of them is an orphan. Callers hold the event lock.
func (o *Orchestrator) purgeIfDirty(ctx context.Context, eventID int64) error {
	coll := o.CollectionID(eventID)

	var sample []faceindex.IndexedFace
	token := ""
	for len(sample) < o.opts.PurgeScanLimit {
		page, next, err := o.index.ListFaces(ctx, coll, token)
		if err != nil {
			return fmt.Errorf("sample faces: %w", err)
		}
		sample = append(sample, page...)
		if next == "" {
			break
		}
		token = next
	}
	if len(sample) > o.opts.PurgeScanLimit {
		sample = sample[:o.opts.PurgeScanLimit]
	}

	found, err := o.findOrphans(ctx, eventID, sample)
	if err != nil {
		return err
	}
	if len(found.refs) == 0 {
		return nil
	}
	slog.Info("orphan faces sampled, purging", "event_id", eventID, "sampled", len(sample), "orphans", len(found.refs))
	_, err = o.purge(ctx, eventID)
	return err
}

type orphans struct {
	refs []string
	// departedUsers had faces but are no longer participants.
	departedUsers []int64
}

func (o *Orchestrator) findOrphans(ctx context.Context, eventID int64, faces []faceindex.IndexedFace) (orphans, error) {
	var (
		out      orphans
		userIDs  []int64
		photoIDs []int64
	)
	for _, f := range faces {
		if id, ok := faceindex.ParseUserTag(f.Tag); ok {
			userIDs = append(userIDs, id)
		} else if id, ok := faceindex.ParsePhotoTag(f.Tag); ok {
			photoIDs = append(photoIDs, id)
		}
	}

	users, err := o.catalog.ExistingUsers(ctx, eventID, userIDs)
	if err != nil {
		return out, fmt.Errorf("check users: %w", err)
	}
	photos, err := o.catalog.ExistingPhotos(ctx, eventID, photoIDs)
	if err != nil {
		return out, fmt.Errorf("check photos: %w", err)
	}
	profiles, err := o.store.ListProfiles(ctx, eventID)
	if err != nil {
		return out, fmt.Errorf("list profiles: %w", err)
	}
	current := make(map[int64]string, len(profiles))
	for _, p := range profiles {
		current[p.UserID] = p.FaceRef
	}

	tracked, err := o.trackedPhotoFaces(ctx, photos)
	if err != nil {
		return out, err
	}

	departed := map[int64]bool{}
	for _, f := range faces {
		if id, ok := faceindex.ParseUserTag(f.Tag); ok {
			ref, hasProfile := current[id]
			switch {
			case !users[id]:
				out.refs = append(out.refs, f.FaceRef)
				if hasProfile && !departed[id] {
					departed[id] = true
					out.departedUsers = append(out.departedUsers, id)
				}
			case ref != f.FaceRef:
				out.refs = append(out.refs, f.FaceRef)
			}
			continue
		}
		if id, ok := faceindex.ParsePhotoTag(f.Tag); ok {
			if !photos[id] || !tracked[f.FaceRef] {
				out.refs = append(out.refs, f.FaceRef)
			}
			continue
		}
		// Tags from older schemas map to nothing.
		out.refs = append(out.refs, f.FaceRef)
	}
	return out, nil
}

// trackedPhotoFaces returns the recorded face refs of the existing photos.
// Each photo is read under its lock so a re-index in flight is either fully
// recorded or not yet started.
func (o *Orchestrator) trackedPhotoFaces(ctx context.Context, photos map[int64]bool) (map[string]bool, error) {
	tracked := map[string]bool{}
	for id, exists := range photos {
		if !exists {
			continue
		}
		unlock := o.photoLocks.lock(photoKey(id))
		records, err := o.store.PhotoFaces(ctx, id)
		unlock()
		if err != nil {
			return nil, fmt.Errorf("list faces of photo %d: %w", id, err)
		}
		for _, r := range records {
			tracked[r.FaceRef] = true
		}
	}
	return tracked, nil
}
