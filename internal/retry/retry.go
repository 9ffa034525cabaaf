// Package retry implements the single backoff policy shared by every external
// call site (face index, blob store).
package retry

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/your-org/eventfaces/internal/faults"
	"github.com/your-org/eventfaces/internal/observability"
)

// Policy retries an operation with exponential backoff.
type Policy struct {
	MaxAttempts int           // total attempts including the first one
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // cap for a single delay
	// Retryable decides whether an error is worth another attempt.
	// Defaults to faults.IsTransient.
	Retryable func(error) bool
}

// New returns a policy that retries transient faults.
func New(maxAttempts int, baseDelay, maxDelay time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		Retryable:   faults.IsTransient,
	}
}

// None performs exactly one attempt.
func None() Policy {
	return Policy{MaxAttempts: 1}
}

// Do runs fn until it succeeds, returns a non-retryable error, runs out of
// attempts, or ctx is done. The last error is returned unchanged.
func (p Policy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = faults.IsTransient
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || attempt >= attempts || !retryable(err) {
			return err
		}

		wait := p.backoff(attempt)
		observability.Retries.WithLabelValues(op).Inc()
		slog.Debug("retrying operation",
			"op", op,
			"attempt", attempt,
			"max_attempts", attempts,
			"wait", wait.String(),
			"error", err,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// backoff returns the delay after the given attempt: base*2^(attempt-1),
// capped at MaxDelay, with the upper half jittered.
func (p Policy) backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay << (attempt - 1)
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half)
}
