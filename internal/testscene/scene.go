// Package testscene renders deterministic synthetic frames for image tests.
package testscene

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"gocv.io/x/gocv"
)

// Scene renders a w x h BGR image full of random filled shapes. Pixel
// values stay within [20,200] so pure black or white markers remain distinct.
func Scene(w, h int, seed int64) gocv.Mat {
	rng := rand.New(rand.NewSource(seed))
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(110, 110, 110, 0), h, w, gocv.MatTypeCV8UC3)

	shade := func() color.RGBA {
		return color.RGBA{
			R: uint8(20 + rng.Intn(181)),
			G: uint8(20 + rng.Intn(181)),
			B: uint8(20 + rng.Intn(181)),
			A: 255,
		}
	}

	shapes := w * h / 600
	for i := 0; i < shapes; i++ {
		x, y := rng.Intn(w), rng.Intn(h)
		switch rng.Intn(3) {
		case 0:
			r := image.Rect(x, y, x+4+rng.Intn(24), y+4+rng.Intn(24))
			gocv.Rectangle(&img, r, shade(), -1)
		case 1:
			gocv.Circle(&img, image.Pt(x, y), 3+rng.Intn(12), shade(), -1)
		default:
			end := image.Pt(x+rng.Intn(40)-20, y+rng.Intn(40)-20)
			gocv.Line(&img, image.Pt(x, y), end, shade(), 2)
		}
	}
	return img
}

// Crop returns an independent copy of r from img.
func Crop(img gocv.Mat, r image.Rectangle) gocv.Mat {
	roi := img.Region(r)
	defer roi.Close()
	return roi.Clone()
}

// Marker paints a filled size x size square of col centred on c.
func Marker(img *gocv.Mat, c image.Point, size int, col color.RGBA) {
	half := size / 2
	gocv.Rectangle(img, image.Rect(c.X-half, c.Y-half, c.X-half+size, c.Y-half+size), col, -1)
}

// Solid returns a w x h image of one colour.
func Solid(w, h int, c color.RGBA) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(
		gocv.NewScalar(float64(c.B), float64(c.G), float64(c.R), 0), h, w, gocv.MatTypeCV8UC3)
}

// Sinusoid returns a smooth BGR test pattern whose channels vary slowly,
// suitable for interpolation round trips.
func Sinusoid(w, h int) gocv.Mat {
	img := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			fx, fy := float64(x), float64(y)
			img.SetUCharAt(y, x*3+0, uint8(128+100*math.Sin(fx/17)))
			img.SetUCharAt(y, x*3+1, uint8(128+100*math.Cos(fy/13)))
			img.SetUCharAt(y, x*3+2, uint8(128+100*math.Sin((fx+fy)/23)))
		}
	}
	return img
}

// Gradient returns a single-channel horizontal ramp, which histogram
// equalisation leaves close to unchanged.
func Gradient(w, h int) gocv.Mat {
	img := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8U)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetUCharAt(y, x, uint8(x*255/max(w-1, 1)))
		}
	}
	return img
}

// PixelAt returns the BGR value at (x, y) of a 3-channel image.
func PixelAt(img gocv.Mat, x, y int) [3]uint8 {
	return [3]uint8{
		img.GetUCharAt(y, x*3+0),
		img.GetUCharAt(y, x*3+1),
		img.GetUCharAt(y, x*3+2),
	}
}

// MeanAbsDiff returns the mean absolute per-byte difference of two equally
// sized 8-bit images and the largest single difference.
func MeanAbsDiff(a, b gocv.Mat) (mean float64, maxDiff int) {
	ab, _ := a.DataPtrUint8()
	bb, _ := b.DataPtrUint8()
	n := min(len(ab), len(bb))
	if n == 0 {
		return 0, 0
	}
	var sum int
	for i := 0; i < n; i++ {
		d := int(ab[i]) - int(bb[i])
		if d < 0 {
			d = -d
		}
		sum += d
		maxDiff = max(maxDiff, d)
	}
	return float64(sum) / float64(n), maxDiff
}
