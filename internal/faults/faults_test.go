package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", base, KindUnknown},
		{"transient", Transient("search", base), KindTransient},
		{"wrapped permanent", fmt.Errorf("index photo: %w", Permanent("index", base)), KindPermanent},
		{"outermost wins", Invariant("claim", DataIntegrity("load", base)), KindInvariant},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"canceled", fmt.Errorf("call: %w", context.Canceled), KindPermanent},
		{"canceled beats transient", Transient("call", context.Canceled), KindPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestNewNil(t *testing.T) {
	assert.NoError(t, Transient("op", nil))
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	base := errors.New("throttled")
	err := Transient("rekognition.SearchFaces", base)
	assert.Equal(t, "rekognition.SearchFaces: throttled", err.Error())
	assert.ErrorIs(t, err, base)
	assert.True(t, IsTransient(err))
	assert.False(t, IsPermanent(err))
}
