package vision

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkerboard(w, h, cell int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{A: 255}
			if (x/cell+y/cell)%2 == 0 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.Set(x, y, c)
		}
	}
	return img
}

func flat(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	return img
}

func TestPadRectClampsToBounds(t *testing.T) {
	bounds := image.Rect(0, 0, 100, 100)
	got := PadRect(image.Rect(10, 10, 50, 30), 0.25, bounds)
	assert.Equal(t, image.Rect(0, 5, 60, 35), got)

	edge := PadRect(image.Rect(90, 90, 100, 100), 0.5, bounds)
	assert.Equal(t, image.Rect(85, 85, 100, 100), edge)
}

func TestCropFaceUpsamplesSmallCrops(t *testing.T) {
	img := checkerboard(400, 300, 8)
	crop := CropFace(img, image.Rect(100, 100, 140, 150), 0.1, 240)
	require.NotNil(t, crop)
	b := crop.Bounds()
	assert.GreaterOrEqual(t, min(b.Dx(), b.Dy()), 240)
	// aspect ratio is kept: padded region is 48x60
	assert.InDelta(t, 48.0/60.0, float64(b.Dx())/float64(b.Dy()), 0.02)
}

func TestCropFaceKeepsLargeCrops(t *testing.T) {
	img := checkerboard(800, 800, 8)
	crop := CropFace(img, image.Rect(100, 100, 400, 400), 0, 240)
	require.NotNil(t, crop)
	assert.Equal(t, 300, crop.Bounds().Dx())
}

func TestCropFaceEmptyRegion(t *testing.T) {
	assert.Nil(t, CropFace(flat(10, 10), image.Rect(20, 20, 30, 30), 0.1, 0))
}

func TestRelativeRect(t *testing.T) {
	r := RelativeRect(image.Rect(0, 0, 200, 100), 0.25, 0.25, 0.5, 0.5)
	assert.Equal(t, image.Rect(50, 25, 150, 75), r)
}

func TestSharpnessPrefersDetail(t *testing.T) {
	sharp := Sharpness(checkerboard(120, 120, 2))
	blurry := Sharpness(flat(120, 120))
	assert.Greater(t, sharp, blurry)
	assert.Equal(t, 0.0, blurry)
	assert.LessOrEqual(t, sharp, 100.0)
}

func TestDecodeRoundTripJPEG(t *testing.T) {
	data, err := EncodeJPEG(checkerboard(64, 48, 4), 90)
	require.NoError(t, err)
	img, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())

	_, err = Decode([]byte("not an image"))
	assert.ErrorIs(t, err, ErrDecode)
}

func TestDownscale(t *testing.T) {
	small := flat(100, 50)
	assert.Same(t, small, Downscale(small, 200))

	big := Downscale(flat(1000, 500), 200)
	assert.Equal(t, 200, big.Bounds().Dx())
	assert.Equal(t, 100, big.Bounds().Dy())
}

func TestSuppressKeepsBestOfOverlaps(t *testing.T) {
	boxes := []box{
		{x1: 0, y1: 0, x2: 10, y2: 10, score: 0.8},
		{x1: 1, y1: 1, x2: 11, y2: 11, score: 0.9},
		{x1: 50, y1: 50, x2: 60, y2: 60, score: 0.7},
	}
	kept := suppress(boxes, 0.4)
	require.Len(t, kept, 2)
	assert.Equal(t, float32(0.9), kept[0].score)
	assert.Equal(t, float32(0.7), kept[1].score)
}

func TestBoxIoU(t *testing.T) {
	a := box{x1: 0, y1: 0, x2: 10, y2: 10}
	assert.InDelta(t, 1.0, a.iou(a), 1e-6)
	assert.InDelta(t, 25.0/175.0, a.iou(box{x1: 5, y1: 5, x2: 15, y2: 15}), 1e-6)
	assert.Zero(t, a.iou(box{x1: 10, y1: 0, x2: 20, y2: 10}))
}

func TestNormalize(t *testing.T) {
	v := []float32{3, 4}
	Normalize(v)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := []float32{0, 0}
	Normalize(zero)
	assert.Equal(t, []float32{0, 0}, zero)
}
