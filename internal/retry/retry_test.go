package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/eventfaces/internal/faults"
)

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	p := New(4, time.Millisecond, 2*time.Millisecond)
	calls := 0
	err := p.Do(context.Background(), "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return faults.Transient("op", errors.New("throttled"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	p := New(5, time.Millisecond, time.Millisecond)
	calls := 0
	perm := faults.Permanent("op", errors.New("bad image"))
	err := p.Do(context.Background(), "test", func(context.Context) error {
		calls++
		return perm
	})
	assert.ErrorIs(t, err, perm)
	assert.Equal(t, 1, calls)
}

func TestDoDoesNotRetryUnclassified(t *testing.T) {
	calls := 0
	err := New(5, time.Millisecond, time.Millisecond).Do(context.Background(), "test", func(context.Context) error {
		calls++
		return errors.New("mystery")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := New(3, time.Millisecond, time.Millisecond).Do(context.Background(), "test", func(context.Context) error {
		calls++
		return faults.Transient("op", errors.New("throttled"))
	})
	assert.True(t, faults.IsTransient(err))
	assert.Equal(t, 3, calls)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := New(10, time.Hour, time.Hour).Do(ctx, "test", func(context.Context) error {
		calls++
		cancel()
		return faults.Transient("op", errors.New("throttled"))
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestValue(t *testing.T) {
	calls := 0
	v, err := Value(context.Background(), New(3, time.Millisecond, time.Millisecond), "test", func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, faults.Transient("op", errors.New("again"))
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestBackoffBounds(t *testing.T) {
	p := New(10, 100*time.Millisecond, time.Second)
	for attempt := 1; attempt <= 8; attempt++ {
		full := min(100*time.Millisecond<<(attempt-1), time.Second)
		d := p.backoff(attempt)
		assert.GreaterOrEqual(t, d, full/2)
		assert.Less(t, d, full)
	}
}
