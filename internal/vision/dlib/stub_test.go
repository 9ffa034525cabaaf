//go:build !dlib

package dlib

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWithoutDlib(t *testing.T) {
	_, err := New("models")
	require.ErrorIs(t, err, ErrUnavailable)
}
