package memindex

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/eventfaces/internal/faults"
)

func TestIndexLargestFirst(t *testing.T) {
	ctx := context.Background()
	x := New()
	require.NoError(t, x.EnsureCollection(ctx, "c"))

	img := Picture(200, 200,
		Spot{Colour: Red, Rect: image.Rect(0, 0, 40, 40)},
		Spot{Colour: Blue, Rect: image.Rect(100, 100, 160, 160)},
	)
	faces, err := x.Index(ctx, "c", img, "photo:1", 1)
	require.NoError(t, err)
	require.Len(t, faces, 1)

	matches, err := x.SearchByImage(ctx, "c", Portrait(Blue), 10, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, faces[0].FaceRef, matches[0].FaceRef)
}

func TestBlankImageIndexesOneFace(t *testing.T) {
	ctx := context.Background()
	x := New()
	require.NoError(t, x.EnsureCollection(ctx, "c"))

	faces, err := x.Index(ctx, "c", Blank(), "photo:9", 5)
	require.NoError(t, err)
	require.Len(t, faces, 1)

	matches, err := x.SearchByRef(ctx, "c", faces[0].FaceRef, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestSearchByRefUsesSimilarity(t *testing.T) {
	ctx := context.Background()
	x := New()
	require.NoError(t, x.EnsureCollection(ctx, "c"))

	user := x.AddFace("c", "user:1", Red)
	x.AddFace("c", "user:2", Green)
	x.AddFace("c", "photo:3", Red)
	x.SetSimilarity(Red, Green, 65)

	matches, err := x.SearchByRef(ctx, "c", user, 10, 70)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "photo:3", matches[0].Tag)
	assert.InDelta(t, DefaultSimilarity, matches[0].Similarity, 0.001)

	matches, err = x.SearchByRef(ctx, "c", user, 10, 60)
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestUnknownCollectionIsPermanent(t *testing.T) {
	_, err := New().Index(context.Background(), "missing", Blank(), "photo:1", 1)
	require.ErrorIs(t, err, ErrUnknownCollection)
	assert.True(t, faults.IsPermanent(err))
}

func TestListFacesPages(t *testing.T) {
	ctx := context.Background()
	x := New()
	x.PageSize = 2
	require.NoError(t, x.EnsureCollection(ctx, "c"))
	for range 5 {
		x.AddFace("c", "photo:1", Red)
	}

	var all []string
	token := ""
	for {
		faces, next, err := x.ListFaces(ctx, "c", token)
		require.NoError(t, err)
		for _, f := range faces {
			all = append(all, f.FaceRef)
		}
		if next == "" {
			break
		}
		token = next
	}
	assert.Len(t, all, 5)
}

func TestDetectFacesBoxes(t *testing.T) {
	x := New()
	x.SetSharpness(Green, 90)

	img := Picture(200, 100,
		Spot{Colour: Green, Rect: image.Rect(100, 50, 150, 100)},
		Spot{Colour: Red, Rect: image.Rect(0, 0, 2, 2)},
	)
	boxes, err := x.DetectFaces(context.Background(), img, 50)
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	assert.InDelta(t, 0.5, boxes[0].Left, 1e-9)
	assert.InDelta(t, 0.5, boxes[0].Top, 1e-9)
	assert.InDelta(t, 0.25, boxes[0].Width, 1e-9)
	assert.InDelta(t, 90, boxes[0].Sharpness, 1e-9)
}

func TestFailInjection(t *testing.T) {
	ctx := context.Background()
	x := New()
	boom := faults.Transient("test", errors.New("throttled"))
	x.Fail("EnsureCollection", boom, 2)

	require.ErrorIs(t, x.EnsureCollection(ctx, "c"), boom)
	require.ErrorIs(t, x.EnsureCollection(ctx, "c"), boom)
	require.NoError(t, x.EnsureCollection(ctx, "c"))
	assert.Equal(t, 3, x.Calls("EnsureCollection"))
}
