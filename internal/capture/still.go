package capture

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"

	"gocv.io/x/gocv"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// StillSource replays one frame on every Read. It stands in for a camera
// when calibrating from photographs and in tests.
type StillSource struct {
	mu     sync.Mutex
	frame  gocv.Mat
	closed bool
}

// NewStill returns a source replaying a copy of frame.
func NewStill(frame gocv.Mat) *StillSource {
	return &StillSource{frame: frame.Clone()}
}

// OpenStill decodes the image at path into a replaying source.
func OpenStill(path string) (*StillSource, error) {
	m, err := LoadImage(path)
	if err != nil {
		return nil, err
	}
	defer m.Close()
	return NewStill(m), nil
}

// LoadImage decodes a PNG, JPEG, TIFF, BMP or WebP file into a BGR Mat.
func LoadImage(path string) (gocv.Mat, error) {
	f, err := os.Open(path)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("%w: decode %s: %v", ErrOpenFailed, path, err)
	}

	m, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("convert %s: %w", path, err)
	}
	return m, nil
}

// Read returns a fresh copy of the frame.
func (s *StillSource) Read() (gocv.Mat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.frame.Empty() {
		return gocv.Mat{}, false
	}
	return s.frame.Clone(), true
}

// Close releases the frame. Later reads fail.
func (s *StillSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.frame.Close()
}
