package faceindex

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/your-org/eventfaces/internal/faults"
	"github.com/your-org/eventfaces/internal/observability"
	"github.com/your-org/eventfaces/internal/retry"
)

// Guard wraps a Service with the process-wide call limit, an optional rate
// limit and the shared retry policy. The semaphore is held only while a call
// is in flight, never during backoff.
type Guard struct {
	next    Service
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	policy  retry.Policy
}

var (
	_ Service   = (*Guard)(nil)
	_ TagLister = (*Guard)(nil)
)

// NewGuard bounds next to maxConcurrent calls. A positive rps adds a token
// bucket with a burst of maxConcurrent.
func NewGuard(next Service, maxConcurrent int, rps float64, policy retry.Policy) *Guard {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	g := &Guard{
		next:   next,
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		policy: policy,
	}
	if rps > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(rps), maxConcurrent)
	}
	return g
}

func (g *Guard) call(ctx context.Context, op string, fn func(context.Context) error) error {
	return g.policy.Do(ctx, "faceindex."+op, func(ctx context.Context) error {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return faults.Permanent(op, err)
			}
		}
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return faults.Permanent(op, err)
		}
		defer g.sem.Release(1)

		observability.FaceIndexInFlight.Inc()
		defer observability.FaceIndexInFlight.Dec()

		start := time.Now()
		err := fn(ctx)
		observability.FaceIndexDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		observability.FaceIndexCalls.WithLabelValues(op, outcome(err)).Inc()
		return err
	})
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if k := faults.KindOf(err); k != faults.KindUnknown {
		return string(k)
	}
	return "error"
}

func (g *Guard) EnsureCollection(ctx context.Context, collection string) error {
	return g.call(ctx, "ensure_collection", func(ctx context.Context) error {
		return g.next.EnsureCollection(ctx, collection)
	})
}

func (g *Guard) Index(ctx context.Context, collection string, image []byte, tag string, maxFaces int) ([]IndexedFace, error) {
	var out []IndexedFace
	err := g.call(ctx, "index", func(ctx context.Context) error {
		var err error
		out, err = g.next.Index(ctx, collection, image, tag, maxFaces)
		return err
	})
	return out, err
}

func (g *Guard) SearchByRef(ctx context.Context, collection, faceRef string, maxResults int, threshold float64) ([]Match, error) {
	var out []Match
	err := g.call(ctx, "search_by_ref", func(ctx context.Context) error {
		var err error
		out, err = g.next.SearchByRef(ctx, collection, faceRef, maxResults, threshold)
		return err
	})
	return out, err
}

func (g *Guard) SearchByImage(ctx context.Context, collection string, image []byte, maxResults int, threshold float64) ([]Match, error) {
	var out []Match
	err := g.call(ctx, "search_by_image", func(ctx context.Context) error {
		var err error
		out, err = g.next.SearchByImage(ctx, collection, image, maxResults, threshold)
		return err
	})
	return out, err
}

func (g *Guard) ListFaces(ctx context.Context, collection, pageToken string) ([]IndexedFace, string, error) {
	var (
		out  []IndexedFace
		next string
	)
	err := g.call(ctx, "list_faces", func(ctx context.Context) error {
		var err error
		out, next, err = g.next.ListFaces(ctx, collection, pageToken)
		return err
	})
	return out, next, err
}

func (g *Guard) DeleteFaces(ctx context.Context, collection string, faceRefs []string) error {
	if len(faceRefs) == 0 {
		return nil
	}
	return g.call(ctx, "delete_faces", func(ctx context.Context) error {
		return g.next.DeleteFaces(ctx, collection, faceRefs)
	})
}

func (g *Guard) DetectFaces(ctx context.Context, image []byte, minConfidence float64) ([]BoundingBox, error) {
	var out []BoundingBox
	err := g.call(ctx, "detect_faces", func(ctx context.Context) error {
		var err error
		out, err = g.next.DetectFaces(ctx, image, minConfidence)
		return err
	})
	return out, err
}

// FacesByTag forwards to the wrapped service when it is a TagLister.
func (g *Guard) FacesByTag(ctx context.Context, collection, tag string) ([]IndexedFace, error) {
	tl, ok := g.next.(TagLister)
	if !ok {
		return nil, ErrNoTagLookup
	}
	var out []IndexedFace
	err := g.call(ctx, "faces_by_tag", func(ctx context.Context) error {
		var err error
		out, err = tl.FacesByTag(ctx, collection, tag)
		return err
	})
	return out, err
}
