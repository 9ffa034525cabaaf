// Package faces maps events, users and photos onto per-event collections of
// the face index and keeps those collections consistent with the relational
// store. It is the only writer of FaceProfile and PhotoFace rows.
package faces

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/your-org/eventfaces/internal/blob"
	"github.com/your-org/eventfaces/internal/faceindex"
	"github.com/your-org/eventfaces/internal/faults"
	"github.com/your-org/eventfaces/internal/models"
	"github.com/your-org/eventfaces/internal/storage"
	"github.com/your-org/eventfaces/internal/vision"
)

const cropQuality = 95

// DefaultMaxSearchResults bounds a single search. Photo faces of the same
// person rank alongside selfies, so the limit stays well above the number
// of photos one user usually appears in.
const DefaultMaxSearchResults = 1000

type Options struct {
	CollectionPrefix    string
	DetectionConfidence float64
	CropPadding         float64 // fraction of the face box added on every side
	MinCropSize         int     // crops are upsampled to at least this many pixels
	MaxSearchResults    int
	// PurgeScanLimit is how many faces the orphan heuristic samples.
	PurgeScanLimit int
}

// Caches are the process-local memos of the orchestrator. Nil fields get a
// MapCache.
type Caches struct {
	// IndexedEvents holds events whose participants were indexed.
	IndexedEvents Cache[bool]
	// Profiles maps event/user to the user's current face reference.
	Profiles Cache[string]
	// Collections holds collections known to exist.
	Collections Cache[bool]
	// PurgeChecked holds events the orphan heuristic already ran for.
	PurgeChecked Cache[bool]
}

type Orchestrator struct {
	index   faceindex.Service
	catalog storage.Catalog
	store   storage.FaceStore
	blobs   blob.Store
	opts    Options

	indexedEvents Cache[bool]
	profiles      Cache[string]
	collections   Cache[bool]
	purgeChecked  Cache[bool]
	eventLocks    *keyedMutex

	// photoLocks serialize index writes of a photo with its record updates.
	// Taken after the event lock when both are held.
	photoLocks *keyedMutex
}

func New(index faceindex.Service, catalog storage.Catalog, store storage.FaceStore, blobs blob.Store, opts Options, caches Caches) *Orchestrator {
	if opts.MaxSearchResults <= 0 {
		opts.MaxSearchResults = DefaultMaxSearchResults
	}
	if opts.PurgeScanLimit <= 0 {
		opts.PurgeScanLimit = 1000
	}
	o := &Orchestrator{
		index:         index,
		catalog:       catalog,
		store:         store,
		blobs:         blobs,
		opts:          opts,
		indexedEvents: caches.IndexedEvents,
		profiles:      caches.Profiles,
		collections:   caches.Collections,
		purgeChecked:  caches.PurgeChecked,
		eventLocks:    newKeyedMutex(),
		photoLocks:    newKeyedMutex(),
	}
	if o.indexedEvents == nil {
		o.indexedEvents = NewMapCache[bool]()
	}
	if o.profiles == nil {
		o.profiles = NewMapCache[string]()
	}
	if o.collections == nil {
		o.collections = NewMapCache[bool]()
	}
	if o.purgeChecked == nil {
		o.purgeChecked = NewMapCache[bool]()
	}
	return o
}

func (o *Orchestrator) CollectionID(eventID int64) string {
	return faceindex.CollectionID(o.opts.CollectionPrefix, eventID)
}

func (o *Orchestrator) EnsureCollection(ctx context.Context, eventID int64) error {
	coll := o.CollectionID(eventID)
	if _, ok := o.collections.Get(coll); ok {
		return nil
	}
	if err := o.index.EnsureCollection(ctx, coll); err != nil {
		return fmt.Errorf("ensure collection %s: %w", coll, err)
	}
	o.collections.Put(coll, true)
	return nil
}

// EnsureUsersIndexed indexes the selfie of every participant of the event
// that has no face profile yet. It runs once per event per process; a run
// with transient per-user failures is repeated on the next call. The first
// run also samples the collection for orphans and purges them if any.
func (o *Orchestrator) EnsureUsersIndexed(ctx context.Context, eventID int64) error {
	if _, ok := o.indexedEvents.Get(eventKey(eventID)); ok {
		return nil
	}
	unlock := o.eventLocks.lock(eventKey(eventID))
	defer unlock()
	if _, ok := o.indexedEvents.Get(eventKey(eventID)); ok {
		return nil
	}

	if err := o.EnsureCollection(ctx, eventID); err != nil {
		return err
	}
	participants, err := o.catalog.Participants(ctx, eventID)
	if err != nil {
		return fmt.Errorf("list participants: %w", err)
	}

	complete := true
	indexed := 0
	for _, p := range participants {
		if p.SelfieKey == "" {
			continue
		}
		ok, err := o.hasProfile(ctx, eventID, p.UserID)
		if err != nil {
			return err
		}
		if ok {
			continue
		}

		if err := o.indexParticipant(ctx, p); err != nil {
			slog.Warn("index participant selfie",
				"event_id", eventID,
				"user_id", p.UserID,
				"error", err,
			)
			if faults.IsTransient(err) {
				complete = false
			}
			continue
		}
		indexed++
	}

	if _, checked := o.purgeChecked.Get(eventKey(eventID)); !checked {
		if err := o.purgeIfDirty(ctx, eventID); err != nil {
			slog.Warn("orphan scan failed", "event_id", eventID, "error", err)
		} else {
			o.purgeChecked.Put(eventKey(eventID), true)
		}
	}

	if complete {
		o.indexedEvents.Put(eventKey(eventID), true)
	}
	slog.Info("event users indexed",
		"event_id", eventID,
		"participants", len(participants),
		"indexed", indexed,
		"complete", complete,
	)
	return nil
}

func (o *Orchestrator) hasProfile(ctx context.Context, eventID, userID int64) (bool, error) {
	if _, ok := o.profiles.Get(profileKey(eventID, userID)); ok {
		return true, nil
	}
	p, err := o.store.GetProfile(ctx, eventID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get profile: %w", err)
	}
	o.profiles.Put(profileKey(eventID, userID), p.FaceRef)
	return true, nil
}

func (o *Orchestrator) indexParticipant(ctx context.Context, p models.Participant) error {
	data, err := o.blobs.Get(ctx, p.SelfieKey)
	if err != nil {
		return fmt.Errorf("fetch selfie %s: %w", p.SelfieKey, err)
	}
	_, err = o.indexUserFace(ctx, p.EventID, p.UserID, data)
	return err
}

// IndexUserFace replaces the user's face in the event collection with the
// best face of image and returns its reference. Without a detectable face
// the whole image is indexed.
func (o *Orchestrator) IndexUserFace(ctx context.Context, eventID, userID int64, data []byte) (string, error) {
	if err := o.EnsureCollection(ctx, eventID); err != nil {
		return "", err
	}
	unlock := o.eventLocks.lock(eventKey(eventID))
	defer unlock()
	return o.indexUserFace(ctx, eventID, userID, data)
}

func (o *Orchestrator) indexUserFace(ctx context.Context, eventID, userID int64, data []byte) (string, error) {
	coll := o.CollectionID(eventID)
	key := profileKey(eventID, userID)

	var prior []string
	if ok, err := o.hasProfile(ctx, eventID, userID); err != nil {
		return "", err
	} else if ok {
		ref, _ := o.profiles.Get(key)
		prior = append(prior, ref)
	}
	tagged, err := o.taggedRefs(ctx, coll, faceindex.UserTag(userID))
	if err != nil {
		return "", err
	}
	if prior = union(prior, tagged); len(prior) > 0 {
		if err := o.index.DeleteFaces(ctx, coll, prior); err != nil {
			return "", fmt.Errorf("delete prior user face: %w", err)
		}
	}

	sample, err := o.bestFace(ctx, data)
	if err != nil {
		return "", err
	}
	indexed, err := o.index.Index(ctx, coll, sample, faceindex.UserTag(userID), 1)
	if err == nil && len(indexed) == 0 {
		err = faults.Permanent("index user face", faceindex.ErrNoFace)
	}
	if err != nil {
		// The prior face is gone; a profile pointing at it would be stale.
		o.profiles.Invalidate(key)
		if derr := o.store.DeleteProfile(ctx, eventID, userID); derr != nil {
			slog.Warn("drop stale profile", "event_id", eventID, "user_id", userID, "error", derr)
		}
		return "", fmt.Errorf("index user face: %w", err)
	}

	ref := indexed[0].FaceRef
	err = o.store.UpsertProfile(ctx, models.FaceProfile{
		UserID:    userID,
		EventID:   eventID,
		FaceRef:   ref,
		IndexedAt: time.Now().UTC(),
	})
	if err != nil {
		o.profiles.Invalidate(key)
		o.dropUntracked(ctx, coll, []string{ref})
		return "", fmt.Errorf("save profile: %w", err)
	}
	o.profiles.Put(key, ref)

	slog.Debug("user face indexed", "event_id", eventID, "user_id", userID, "face_ref", ref)
	return ref, nil
}

// bestFace returns the crop of the sharpest face (largest on ties), or the
// image itself when none is detected.
func (o *Orchestrator) bestFace(ctx context.Context, data []byte) ([]byte, error) {
	boxes, err := o.index.DetectFaces(ctx, data, o.opts.DetectionConfidence)
	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}
	if len(boxes) == 0 {
		return data, nil
	}

	best := boxes[0]
	for _, b := range boxes[1:] {
		if b.Sharpness > best.Sharpness || (b.Sharpness == best.Sharpness && b.Area() > best.Area()) {
			best = b
		}
	}

	img, err := vision.Decode(data)
	if err != nil {
		return nil, faults.Permanent("decode image", err)
	}
	crop, err := o.crop(img, best)
	if err != nil {
		return nil, err
	}
	if crop == nil {
		return data, nil
	}
	return crop, nil
}

// crop cuts box out of img with padding and encodes it as JPEG. It returns
// nil when the box lies outside the image.
func (o *Orchestrator) crop(img image.Image, box faceindex.BoundingBox) ([]byte, error) {
	r := vision.RelativeRect(img.Bounds(), box.Left, box.Top, box.Width, box.Height)
	face := vision.CropFace(img, r, o.opts.CropPadding, o.opts.MinCropSize)
	if face == nil {
		return nil, nil
	}
	out, err := vision.EncodeJPEG(face, cropQuality)
	if err != nil {
		return nil, faults.Permanent("encode crop", err)
	}
	return out, nil
}

// IndexPhotoFaces re-indexes every face of the photo. Every prior face of
// the photo is removed first, tracked or not, so repeated calls never
// accumulate faces. Without a face that can be cropped the whole image is
// indexed under the photo tag. When some faces fail to index the ones that
// did are still recorded and the error is returned.
func (o *Orchestrator) IndexPhotoFaces(ctx context.Context, eventID, photoID int64, data []byte) ([]string, error) {
	if err := o.EnsureCollection(ctx, eventID); err != nil {
		return nil, err
	}
	unlock := o.photoLocks.lock(photoKey(photoID))
	defer unlock()

	coll := o.CollectionID(eventID)
	tag := faceindex.PhotoTag(photoID)

	if err := o.removePhotoFaces(ctx, coll, tag, photoID); err != nil {
		return nil, err
	}

	boxes, err := o.index.DetectFaces(ctx, data, o.opts.DetectionConfidence)
	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}
	var crops [][]byte
	if len(boxes) > 0 {
		if crops, err = o.cropAll(data, boxes); err != nil {
			return nil, err
		}
	}

	var (
		refs     []string
		indexErr error
	)
	if len(crops) == 0 {
		refs, indexErr = o.indexWhole(ctx, coll, tag, data)
	} else {
		refs, indexErr = o.indexCrops(ctx, coll, tag, crops)
	}

	if indexErr == nil || len(refs) > 0 {
		if err := o.store.ReplacePhotoFaces(ctx, eventID, photoID, refs); err != nil {
			o.dropUntracked(ctx, coll, refs)
			return nil, fmt.Errorf("save photo faces: %w", err)
		}
	}
	if indexErr != nil {
		return nil, indexErr
	}
	slog.Debug("photo faces indexed",
		"event_id", eventID,
		"photo_id", photoID,
		"detected", len(boxes),
		"indexed", len(refs),
	)
	return refs, nil
}

// cropAll crops every box that lies inside the image.
func (o *Orchestrator) cropAll(data []byte, boxes []faceindex.BoundingBox) ([][]byte, error) {
	img, err := vision.Decode(data)
	if err != nil {
		return nil, faults.Permanent("decode image", err)
	}
	crops := make([][]byte, 0, len(boxes))
	for _, box := range boxes {
		crop, err := o.crop(img, box)
		if err != nil {
			return nil, err
		}
		if crop != nil {
			crops = append(crops, crop)
		}
	}
	return crops, nil
}

func (o *Orchestrator) indexWhole(ctx context.Context, coll, tag string, data []byte) ([]string, error) {
	indexed, err := o.index.Index(ctx, coll, data, tag, 1)
	if err != nil {
		return nil, fmt.Errorf("index whole photo: %w", err)
	}
	refs := make([]string, 0, len(indexed))
	for _, f := range indexed {
		refs = append(refs, f.FaceRef)
	}
	return refs, nil
}

// indexCrops indexes every crop and returns the refs of those that made it
// along with the first failure.
func (o *Orchestrator) indexCrops(ctx context.Context, coll, tag string, crops [][]byte) ([]string, error) {
	var (
		refs     []string
		failed   int
		firstErr error
	)
	for i, crop := range crops {
		indexed, err := o.index.Index(ctx, coll, crop, tag, 1)
		if err != nil {
			slog.Warn("index face crop", "tag", tag, "face", i, "error", err)
			failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, f := range indexed {
			refs = append(refs, f.FaceRef)
		}
	}
	if firstErr != nil {
		return refs, fmt.Errorf("index face crops: %d of %d failed: %w", failed, len(crops), firstErr)
	}
	return refs, nil
}

// dropUntracked deletes faces that could not be recorded. Whatever remains
// is found by purge.
func (o *Orchestrator) dropUntracked(ctx context.Context, coll string, refs []string) {
	if len(refs) == 0 {
		return
	}
	if err := o.index.DeleteFaces(ctx, coll, refs); err != nil {
		slog.Warn("delete untracked faces", "collection", coll, "faces", len(refs), "error", err)
	}
}

// taggedRefs lists the faces of coll carrying tag. Services without a tag
// lookup yield nothing and leave strays to purge.
func (o *Orchestrator) taggedRefs(ctx context.Context, coll, tag string) ([]string, error) {
	faces, err := faceindex.FacesByTag(ctx, o.index, coll, tag)
	if errors.Is(err, faceindex.ErrNoTagLookup) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list faces tagged %s: %w", tag, err)
	}
	refs := make([]string, 0, len(faces))
	for _, f := range faces {
		refs = append(refs, f.FaceRef)
	}
	return refs, nil
}

// removePhotoFaces deletes the recorded faces of the photo and any face
// still carrying its tag. Callers hold the photo lock.
func (o *Orchestrator) removePhotoFaces(ctx context.Context, coll, tag string, photoID int64) error {
	prior, err := o.store.PhotoFaces(ctx, photoID)
	if err != nil {
		return fmt.Errorf("list photo faces: %w", err)
	}
	tagged, err := o.taggedRefs(ctx, coll, tag)
	if err != nil {
		return err
	}

	refs := make([]string, 0, len(prior))
	for _, f := range prior {
		refs = append(refs, f.FaceRef)
	}
	if refs = union(refs, tagged); len(refs) > 0 {
		if err := o.index.DeleteFaces(ctx, coll, refs); err != nil {
			return fmt.Errorf("delete prior photo faces: %w", err)
		}
	}
	if len(prior) == 0 {
		return nil
	}
	if err := o.store.DeletePhotoFaces(ctx, photoID); err != nil {
		return fmt.Errorf("delete photo face rows: %w", err)
	}
	return nil
}

// DeletePhotoFaces removes the photo's faces from the index and its
// PhotoFace rows. Records carry their event, so eventID may be zero when the
// photo row is already gone; untracked faces are then left to purge.
func (o *Orchestrator) DeletePhotoFaces(ctx context.Context, eventID, photoID int64) error {
	unlock := o.photoLocks.lock(photoKey(photoID))
	defer unlock()

	records, err := o.store.PhotoFaces(ctx, photoID)
	if err != nil {
		return fmt.Errorf("list photo faces: %w", err)
	}

	byEvent := map[int64][]string{}
	for _, r := range records {
		ev := r.EventID
		if ev == 0 {
			ev = eventID
		}
		byEvent[ev] = append(byEvent[ev], r.FaceRef)
	}
	if eventID != 0 {
		if err := o.EnsureCollection(ctx, eventID); err != nil {
			return err
		}
		tagged, err := o.taggedRefs(ctx, o.CollectionID(eventID), faceindex.PhotoTag(photoID))
		if err != nil {
			return err
		}
		byEvent[eventID] = union(byEvent[eventID], tagged)
	}
	for ev, refs := range byEvent {
		if len(refs) == 0 {
			continue
		}
		if err := o.index.DeleteFaces(ctx, o.CollectionID(ev), refs); err != nil {
			return fmt.Errorf("delete photo faces: %w", err)
		}
	}
	if len(records) == 0 {
		return nil
	}
	if err := o.store.DeletePhotoFaces(ctx, photoID); err != nil {
		return fmt.Errorf("delete photo face rows: %w", err)
	}
	return nil
}

func (o *Orchestrator) SearchByRef(ctx context.Context, eventID int64, faceRef string, threshold float64) ([]faceindex.Match, error) {
	matches, err := o.index.SearchByRef(ctx, o.CollectionID(eventID), faceRef, o.opts.MaxSearchResults, threshold)
	if err != nil {
		return nil, fmt.Errorf("search by face %s: %w", faceRef, err)
	}
	return matches, nil
}

func (o *Orchestrator) SearchByImage(ctx context.Context, eventID int64, data []byte, threshold float64) ([]faceindex.Match, error) {
	matches, err := o.index.SearchByImage(ctx, o.CollectionID(eventID), data, o.opts.MaxSearchResults, threshold)
	if err != nil {
		return nil, fmt.Errorf("search by image: %w", err)
	}
	return matches, nil
}

// union appends the refs of b missing from a.
func union(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]bool, len(a))
	for _, r := range a {
		seen[r] = true
	}
	for _, r := range b {
		if !seen[r] {
			seen[r] = true
			a = append(a, r)
		}
	}
	return a
}
