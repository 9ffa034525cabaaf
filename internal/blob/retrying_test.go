package blob

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/eventfaces/internal/faults"
	"github.com/your-org/eventfaces/internal/retry"
)

// flakyStore fails the next failures calls with err.
type flakyStore struct {
	*Memory
	err      error
	failures int
	calls    int
}

func (s *flakyStore) fail() error {
	s.calls++
	if s.failures > 0 {
		s.failures--
		return s.err
	}
	return nil
}

func (s *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	return s.Memory.Get(ctx, key)
}

func (s *flakyStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := s.fail(); err != nil {
		return err
	}
	return s.Memory.Put(ctx, key, data, contentType)
}

func (s *flakyStore) DeleteBatch(ctx context.Context, keys []string) (DeleteResult, error) {
	if err := s.fail(); err != nil {
		return DeleteResult{}, err
	}
	return s.Memory.DeleteBatch(ctx, keys)
}

func testPolicy() retry.Policy {
	return retry.New(3, time.Millisecond, 2*time.Millisecond)
}

func TestRetryingGetRetriesTransient(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{Memory: NewMemory(), err: faults.Transient("get", errors.New("connection reset")), failures: 2}
	require.NoError(t, flaky.Memory.Put(ctx, "k", []byte("data"), "text/plain"))

	data, err := NewRetrying(flaky, testPolicy()).Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)
	assert.Equal(t, 3, flaky.calls)
}

func TestRetryingGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{Memory: NewMemory(), err: faults.Transient("put", errors.New("503")), failures: 5}

	err := NewRetrying(flaky, testPolicy()).Put(ctx, "k", []byte("data"), "text/plain")
	require.Error(t, err)
	assert.True(t, faults.IsTransient(err))
	assert.Equal(t, 3, flaky.calls)
	assert.False(t, flaky.Has("k"))
}

func TestRetryingDoesNotRetryMissingKeys(t *testing.T) {
	flaky := &flakyStore{Memory: NewMemory()}

	_, err := NewRetrying(flaky, testPolicy()).Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, flaky.calls)
}

func TestRetryingDeleteBatchKeepsPerKeyErrors(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	mem.FailDelete = map[string]error{"b": errors.New("access denied")}
	require.NoError(t, mem.Put(ctx, "a", []byte("1"), "text/plain"))
	require.NoError(t, mem.Put(ctx, "b", []byte("2"), "text/plain"))
	flaky := &flakyStore{Memory: mem, err: faults.Transient("delete", errors.New("timeout")), failures: 1}

	res, err := NewRetrying(flaky, testPolicy()).DeleteBatch(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, res.Deleted)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "b", res.Errors[0].Key)
	assert.Equal(t, 2, flaky.calls)
}
