package vision

import (
	"image"
	"math"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

// PadRect grows r by padding (a fraction of its width and height) on every
// side and clamps it to bounds.
func PadRect(r image.Rectangle, padding float64, bounds image.Rectangle) image.Rectangle {
	padW := int(math.Round(float64(r.Dx()) * padding))
	padH := int(math.Round(float64(r.Dy()) * padding))
	return image.Rect(r.Min.X-padW, r.Min.Y-padH, r.Max.X+padW, r.Max.Y+padH).Intersect(bounds)
}

// CropFace cuts r out of img with padding and upsamples the result so that
// its shorter side is at least minSize. It returns nil for an empty region.
func CropFace(img image.Image, r image.Rectangle, padding float64, minSize int) image.Image {
	region := PadRect(r, padding, img.Bounds())
	if region.Empty() {
		return nil
	}

	crop := image.NewRGBA(image.Rect(0, 0, region.Dx(), region.Dy()))
	draw.Draw(crop, crop.Bounds(), img, region.Min, draw.Src)

	short := min(region.Dx(), region.Dy())
	if minSize <= 0 || short >= minSize {
		return crop
	}
	scale := float64(minSize) / float64(short)
	w := uint(math.Ceil(float64(region.Dx()) * scale))
	h := uint(math.Ceil(float64(region.Dy()) * scale))
	return resize.Resize(w, h, crop, resize.Lanczos3)
}

// RelativeRect converts a box given in fractions of the image size into
// pixel coordinates of img.
func RelativeRect(img image.Rectangle, left, top, width, height float64) image.Rectangle {
	w, h := float64(img.Dx()), float64(img.Dy())
	return image.Rect(
		img.Min.X+int(math.Floor(left*w)),
		img.Min.Y+int(math.Floor(top*h)),
		img.Min.X+int(math.Ceil((left+width)*w)),
		img.Min.Y+int(math.Ceil((top+height)*h)),
	).Intersect(img)
}

// Sharpness is the variance of the Laplacian of the grayscale image, scaled
// to 0-100. Blurry crops score low.
func Sharpness(img image.Image) float64 {
	small := Downscale(img, 256)
	b := small.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 3 || h < 3 {
		return 0
	}

	gray := image.NewGray(image.Rect(0, 0, w, h))
	draw.Draw(gray, gray.Bounds(), small, b.Min, draw.Src)

	var sum, sumSq float64
	n := 0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			c := float64(gray.GrayAt(x, y).Y)
			lap := float64(gray.GrayAt(x-1, y).Y) + float64(gray.GrayAt(x+1, y).Y) +
				float64(gray.GrayAt(x, y-1).Y) + float64(gray.GrayAt(x, y+1).Y) - 4*c
			sum += lap
			sumSq += lap * lap
			n++
		}
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	// A Laplacian variance of ~1000 is already a crisp face crop.
	return math.Min(100, variance/10)
}
