package blob

import (
	"context"
	"fmt"
	"sync"

	"github.com/your-org/eventfaces/internal/faults"
)

// Memory is an in-process blob store for tests and local runs.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
	// FailDelete makes DeleteBatch report these keys as failed.
	FailDelete map[string]error
	// DeleteCalls counts DeleteBatch invocations.
	DeleteCalls int
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, faults.Permanent("get "+key, fmt.Errorf("%w: %s", ErrNotFound, key))
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Put(ctx context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) DeleteBatch(ctx context.Context, keys []string) (DeleteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls++

	var res DeleteResult
	for _, key := range keys {
		if err, ok := m.FailDelete[key]; ok {
			res.Errors = append(res.Errors, KeyError{Key: key, Err: err})
			continue
		}
		delete(m.objects, key)
		res.Deleted = append(res.Deleted, key)
	}
	return res, nil
}

// Has reports whether key is stored.
func (m *Memory) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}
