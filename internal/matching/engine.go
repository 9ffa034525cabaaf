// Package matching turns face index search results into FaceMatch rows.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/your-org/eventfaces/internal/faceindex"
	"github.com/your-org/eventfaces/internal/observability"
	"github.com/your-org/eventfaces/internal/storage"
)

// Faces is the part of the face index orchestrator the engine drives.
type Faces interface {
	EnsureUsersIndexed(ctx context.Context, eventID int64) error
	IndexPhotoFaces(ctx context.Context, eventID, photoID int64, image []byte) ([]string, error)
	IndexUserFace(ctx context.Context, eventID, userID int64, image []byte) (string, error)
	SearchByRef(ctx context.Context, eventID int64, faceRef string, threshold float64) ([]faceindex.Match, error)
	SearchByImage(ctx context.Context, eventID int64, image []byte, threshold float64) ([]faceindex.Match, error)
}

type Options struct {
	// Threshold is the minimum similarity (0-100) of a match.
	Threshold float64
	// Fanout bounds concurrent face searches for one photo.
	Fanout int
}

type Engine struct {
	faces   Faces
	catalog storage.Catalog
	matches storage.MatchStore
	opts    Options
}

func New(faces Faces, catalog storage.Catalog, matches storage.MatchStore, opts Options) *Engine {
	if opts.Fanout < 1 {
		opts.Fanout = 1
	}
	return &Engine{faces: faces, catalog: catalog, matches: matches, opts: opts}
}

// PhotoResult summarizes one photo reconciliation.
type PhotoResult struct {
	Faces     int
	Matched   int
	Retracted int
}

// ProcessPhoto indexes the photo's faces, searches each of them against the
// event's users and makes the result the photo's complete match set.
func (e *Engine) ProcessPhoto(ctx context.Context, eventID, photoID int64, image []byte) (PhotoResult, error) {
	var res PhotoResult

	if err := e.faces.EnsureUsersIndexed(ctx, eventID); err != nil {
		return res, fmt.Errorf("ensure users indexed: %w", err)
	}

	refs, err := e.faces.IndexPhotoFaces(ctx, eventID, photoID, image)
	if err != nil {
		return res, fmt.Errorf("index photo faces: %w", err)
	}
	res.Faces = len(refs)

	var hits [][]faceindex.Match
	if len(refs) == 0 {
		m, err := e.faces.SearchByImage(ctx, eventID, image, e.opts.Threshold)
		if err != nil {
			return res, fmt.Errorf("search whole photo: %w", err)
		}
		hits = [][]faceindex.Match{m}
	} else {
		hits, err = e.searchFaces(ctx, eventID, refs)
		if err != nil {
			return res, err
		}
	}

	scores := bestUserScores(hits, e.opts.Threshold)
	scores, err = e.dropUnknownUsers(ctx, eventID, scores)
	if err != nil {
		return res, err
	}

	written, retracted, err := e.matches.ReconcilePhoto(ctx, photoID, scores)
	if err != nil {
		return res, fmt.Errorf("reconcile matches: %w", err)
	}
	res.Matched = written
	res.Retracted = retracted
	observability.MatchesWritten.Add(float64(written))
	observability.MatchesRetracted.Add(float64(retracted))

	slog.Info("photo matched",
		"event_id", eventID,
		"photo_id", photoID,
		"faces", res.Faces,
		"matches", res.Matched,
		"retracted", res.Retracted,
	)
	return res, nil
}

// searchFaces searches every face reference with bounded parallelism. A
// failed search does not stop its siblings, but any failure fails the call:
// reconciling on partial results would retract valid matches.
func (e *Engine) searchFaces(ctx context.Context, eventID int64, refs []string) ([][]faceindex.Match, error) {
	hits := make([][]faceindex.Match, len(refs))
	var (
		mu   sync.Mutex
		errs []error
	)

	var g errgroup.Group
	g.SetLimit(e.opts.Fanout)
	for i, ref := range refs {
		g.Go(func() error {
			m, err := e.faces.SearchByRef(ctx, eventID, ref, e.opts.Threshold)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			hits[i] = m
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		return nil, fmt.Errorf("search %d of %d faces failed: %w", len(errs), len(refs), errors.Join(errs...))
	}
	return hits, nil
}

// bestUserScores keeps the highest similarity per user tag at or above
// threshold.
func bestUserScores(hits [][]faceindex.Match, threshold float64) map[int64]float64 {
	scores := map[int64]float64{}
	for _, face := range hits {
		for _, m := range face {
			userID, ok := faceindex.ParseUserTag(m.Tag)
			if !ok || m.Similarity < threshold {
				continue
			}
			if m.Similarity > scores[userID] {
				scores[userID] = clampScore(m.Similarity)
			}
		}
	}
	return scores
}

func clampScore(s float64) float64 {
	return min(max(s, 0), 100)
}

func (e *Engine) dropUnknownUsers(ctx context.Context, eventID int64, scores map[int64]float64) (map[int64]float64, error) {
	if len(scores) == 0 {
		return scores, nil
	}
	ids := make([]int64, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	valid, err := e.catalog.ExistingUsers(ctx, eventID, ids)
	if err != nil {
		return nil, fmt.Errorf("check matched users: %w", err)
	}
	for _, id := range ids {
		if !valid[id] {
			slog.Debug("dropping match for unknown user", "event_id", eventID, "user_id", id)
			delete(scores, id)
		}
	}
	return scores, nil
}

// ProcessSelfieUpdate re-indexes the user's face and adds matches with the
// event's photos. Existing matches that are not found again are kept.
func (e *Engine) ProcessSelfieUpdate(ctx context.Context, eventID, userID int64, image []byte) (int, error) {
	ref, err := e.faces.IndexUserFace(ctx, eventID, userID, image)
	if err != nil {
		return 0, fmt.Errorf("index user face: %w", err)
	}

	hits, err := e.faces.SearchByRef(ctx, eventID, ref, e.opts.Threshold)
	if err != nil {
		return 0, fmt.Errorf("search user face: %w", err)
	}

	scores := map[int64]float64{}
	for _, m := range hits {
		photoID, ok := faceindex.ParsePhotoTag(m.Tag)
		if !ok || m.Similarity < e.opts.Threshold {
			continue
		}
		if m.Similarity > scores[photoID] {
			scores[photoID] = clampScore(m.Similarity)
		}
	}
	if len(scores) == 0 {
		return 0, nil
	}

	ids := make([]int64, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	valid, err := e.catalog.ExistingPhotos(ctx, eventID, ids)
	if err != nil {
		return 0, fmt.Errorf("check matched photos: %w", err)
	}

	count := 0
	for _, photoID := range ids {
		if !valid[photoID] {
			slog.Debug("dropping match for unknown photo", "event_id", eventID, "photo_id", photoID)
			continue
		}
		if err := e.matches.UpsertMax(ctx, photoID, userID, scores[photoID]); err != nil {
			return count, fmt.Errorf("upsert match: %w", err)
		}
		count++
	}
	observability.MatchesWritten.Add(float64(count))

	slog.Info("selfie matched", "event_id", eventID, "user_id", userID, "matches", count)
	return count, nil
}
