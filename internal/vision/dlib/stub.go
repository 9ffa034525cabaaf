//go:build !dlib

package dlib

import (
	"errors"
	"image"

	"github.com/your-org/eventfaces/internal/vision"
)

// ErrUnavailable is returned by New in binaries built without the dlib tag.
var ErrUnavailable = errors.New("built without dlib support (build with -tags dlib)")

type Engine struct{}

var _ vision.Engine = (*Engine)(nil)

func New(string) (*Engine, error) {
	return nil, ErrUnavailable
}

func (*Engine) Detect(image.Image) ([]vision.Face, error) { return nil, ErrUnavailable }
func (*Engine) Embed(image.Image) ([]float32, error)      { return nil, ErrUnavailable }
func (*Engine) Dim() int                                  { return 128 }
func (*Engine) Close()                                    {}
