// Package backend abstracts the per-frame image operations so that one
// stitching pipeline can run on host memory or on a CUDA device.
package backend

import (
	"errors"
	"fmt"
	"image"

	"panoviewer/pkg/geometry"

	"gocv.io/x/gocv"
)

var (
	// ErrAcceleratorUnavailable is returned when no usable CUDA device exists
	// or the binary was built without CUDA support.
	ErrAcceleratorUnavailable = errors.New("accelerator unavailable")
	// ErrForeignImage is returned when an Image from another backend is passed in.
	ErrForeignImage = errors.New("image belongs to a different backend")
)

// Image is a frame resident in a backend's memory. Every Image returned by
// a Backend is owned by the caller and must be closed.
type Image interface {
	Size() image.Point
	Channels() int
	Close() error
}

// Backend is the set of operations the pipeline needs per frame.
// Operations never modify their inputs.
type Backend interface {
	Name() string

	// Upload copies a host frame into backend memory.
	Upload(m gocv.Mat) (Image, error)
	// Download copies an image back into a new host Mat.
	Download(img Image) (gocv.Mat, error)
	// NewImage allocates a zeroed 8-bit image.
	NewImage(size image.Point, channels int) (Image, error)

	ConvertColor(src Image, code gocv.ColorConversionCode) (Image, error)
	Split(src Image) ([]Image, error)
	Merge(channels []Image) (Image, error)
	// EqualizeHist equalises a single-channel 8-bit image.
	EqualizeHist(src Image) (Image, error)
	// Flip mirrors around the vertical axis (code 1), horizontal (0) or both (-1).
	Flip(src Image, code int) (Image, error)
	// WarpPerspective maps src through h into an image of the given size using
	// bilinear sampling. Destination pixels with no source stay zero.
	WarpPerspective(src Image, h geometry.Homography, size image.Point) (Image, error)
	// CopyRegion overwrites dst[r] with src[r].
	CopyRegion(dst, src Image, r image.Rectangle) error

	Close() error
}

// Kind selects a backend implementation.
type Kind string

const (
	KindAuto Kind = "auto"
	KindCPU  Kind = "cpu"
	KindCUDA Kind = "cuda"
)

// New returns the backend for kind. KindAuto prefers CUDA and falls back to
// the CPU when no device is usable.
func New(kind Kind) (Backend, error) {
	switch kind {
	case KindCPU:
		return NewCPU(), nil
	case KindCUDA:
		return NewCUDA()
	case KindAuto, "":
		if b, err := NewCUDA(); err == nil {
			return b, nil
		}
		return NewCPU(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}

// CloseAll closes every non-nil image and returns the first error.
func CloseAll(imgs ...Image) error {
	var first error
	for _, img := range imgs {
		if img == nil {
			continue
		}
		if err := img.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// homographyMat converts h into a 3x3 CV_64F Mat for OpenCV warps.
func homographyMat(h geometry.Homography) gocv.Mat {
	m := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.SetDoubleAt(r, c, h.At(r, c))
		}
	}
	return m
}

func matType(channels int) (gocv.MatType, error) {
	switch channels {
	case 1:
		return gocv.MatTypeCV8UC1, nil
	case 3:
		return gocv.MatTypeCV8UC3, nil
	case 4:
		return gocv.MatTypeCV8UC4, nil
	default:
		return 0, fmt.Errorf("unsupported channel count %d", channels)
	}
}

// checkRegion verifies r lies inside both images.
func checkRegion(dst, src Image, r image.Rectangle) error {
	if r.Empty() {
		return fmt.Errorf("empty copy region %v", r)
	}
	if !r.In(image.Rectangle{Max: dst.Size()}) || !r.In(image.Rectangle{Max: src.Size()}) {
		return fmt.Errorf("copy region %v exceeds source %v or destination %v", r, src.Size(), dst.Size())
	}
	if dst.Channels() != src.Channels() {
		return fmt.Errorf("channel mismatch: %d vs %d", dst.Channels(), src.Channels())
	}
	return nil
}
