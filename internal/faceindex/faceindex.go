// Package faceindex defines the external face recognition service the
// pipeline indexes into and searches. Collections are per event; every
// indexed face carries a tag mapping it back to a user or a photo.
package faceindex

import (
	"context"
	"errors"
)

// ErrNoFace is returned when an operation needs a face and none was found.
var ErrNoFace = errors.New("no face in image")

// BoundingBox is a detected face. Coordinates are fractions of the image
// size; Confidence and Sharpness are 0-100.
type BoundingBox struct {
	Left       float64
	Top        float64
	Width      float64
	Height     float64
	Confidence float64
	Sharpness  float64
}

// Area is the box area as a fraction of the image area.
func (b BoundingBox) Area() float64 {
	return b.Width * b.Height
}

type IndexedFace struct {
	FaceRef string
	Tag     string
}

type Match struct {
	FaceRef    string
	Tag        string
	Similarity float64 // 0-100
}

type Service interface {
	// EnsureCollection creates the collection if it does not exist.
	EnsureCollection(ctx context.Context, collection string) error
	Index(ctx context.Context, collection string, image []byte, tag string, maxFaces int) ([]IndexedFace, error)
	SearchByRef(ctx context.Context, collection, faceRef string, maxResults int, threshold float64) ([]Match, error)
	SearchByImage(ctx context.Context, collection string, image []byte, maxResults int, threshold float64) ([]Match, error)
	// ListFaces returns one page of faces. An empty next token ends the listing.
	ListFaces(ctx context.Context, collection, pageToken string) (faces []IndexedFace, next string, err error)
	DeleteFaces(ctx context.Context, collection string, faceRefs []string) error
	DetectFaces(ctx context.Context, image []byte, minConfidence float64) ([]BoundingBox, error)
}

// ErrNoTagLookup is returned by FacesByTag for services that can only list
// whole collections.
var ErrNoTagLookup = errors.New("face lookup by tag not supported")

// TagLister is implemented by services that can look faces up by tag
// without listing the whole collection.
type TagLister interface {
	FacesByTag(ctx context.Context, collection, tag string) ([]IndexedFace, error)
}

// FacesByTag returns every face of collection carrying tag, or
// ErrNoTagLookup when svc is not a TagLister.
func FacesByTag(ctx context.Context, svc Service, collection, tag string) ([]IndexedFace, error) {
	if tl, ok := svc.(TagLister); ok {
		return tl.FacesByTag(ctx, collection, tag)
	}
	return nil, ErrNoTagLookup
}
