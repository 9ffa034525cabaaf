// Package blob stores raw image bytes by key.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("blob not found")

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// DeleteBatch removes keys in as few requests as the backend allows.
	// Per-key failures are reported in the result; the error is set only when
	// the backend could not be reached at all.
	DeleteBatch(ctx context.Context, keys []string) (DeleteResult, error)
	Ping(ctx context.Context) error
}

type KeyError struct {
	Key string
	Err error
}

type DeleteResult struct {
	Deleted []string
	Errors  []KeyError
}
