package blob

import (
	"context"

	"github.com/your-org/eventfaces/internal/retry"
)

// Retrying runs every call of a Store under a retry policy. DeleteBatch is
// retried only when the backend could not be reached; per-key failures are
// returned to the caller as they are.
type Retrying struct {
	next   Store
	policy retry.Policy
}

var _ Store = (*Retrying)(nil)

func NewRetrying(next Store, policy retry.Policy) *Retrying {
	return &Retrying{next: next, policy: policy}
}

func (r *Retrying) Get(ctx context.Context, key string) ([]byte, error) {
	return retry.Value(ctx, r.policy, "blob.get", func(ctx context.Context) ([]byte, error) {
		return r.next.Get(ctx, key)
	})
}

func (r *Retrying) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return r.policy.Do(ctx, "blob.put", func(ctx context.Context) error {
		return r.next.Put(ctx, key, data, contentType)
	})
}

func (r *Retrying) DeleteBatch(ctx context.Context, keys []string) (DeleteResult, error) {
	return retry.Value(ctx, r.policy, "blob.delete_batch", func(ctx context.Context) (DeleteResult, error) {
		return r.next.DeleteBatch(ctx, keys)
	})
}

// Ping is not retried so readiness reports the backend as it is now.
func (r *Retrying) Ping(ctx context.Context) error {
	return r.next.Ping(ctx)
}
