// Package capture opens the three camera feeds as frame sources.
package capture

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"panoviewer/internal/config"

	"gocv.io/x/gocv"
)

// ErrOpenFailed is returned when a device, stream or file cannot be opened.
var ErrOpenFailed = errors.New("failed to open source")

// Role names a camera position.
type Role string

const (
	Left   Role = "left"
	Middle Role = "middle"
	Right  Role = "right"
)

// Roles lists the cameras in stitching order.
var Roles = []Role{Left, Middle, Right}

// Source yields frames from one camera. Read blocks until a frame arrives
// or the read fails; ok is false when no frame was produced. The returned
// Mat is owned by the caller.
type Source interface {
	Read() (frame gocv.Mat, ok bool)
	Close() error
}

// Opener creates the source for a camera role.
type Opener interface {
	Open(role Role) (Source, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(role Role) (Source, error)

// Open calls f.
func (f OpenerFunc) Open(role Role) (Source, error) {
	return f(role)
}

// ConfigOpener opens sources from the cameras section of the config.
type ConfigOpener struct {
	Cameras config.Cameras
}

// Open implements Opener.
func (o ConfigOpener) Open(role Role) (Source, error) {
	var cam config.Camera
	switch role {
	case Left:
		cam = o.Cameras.Left
	case Middle:
		cam = o.Cameras.Middle
	case Right:
		cam = o.Cameras.Right
	default:
		return nil, fmt.Errorf("unknown camera role %q", role)
	}
	src, err := OpenDevice(cam.Device, cam.Width, cam.Height)
	if err != nil {
		return nil, fmt.Errorf("%s camera: %w", role, err)
	}
	return src, nil
}

// OpenDevice opens device as a capture index ("0"), a still image path, or
// anything else VideoCapture understands (URLs, GStreamer pipelines, video
// files). width and height are requested from live devices; zero keeps the
// device default. Devices may not honour the request exactly.
func OpenDevice(device string, width, height int) (Source, error) {
	device = strings.TrimSpace(device)
	if device == "" {
		return nil, fmt.Errorf("%w: empty device", ErrOpenFailed)
	}

	if isStillImage(device) {
		still, err := OpenStill(device)
		if err != nil {
			return nil, err
		}
		return still, nil
	}

	var (
		vc  *gocv.VideoCapture
		err error
	)
	if idx, convErr := strconv.Atoi(device); convErr == nil {
		vc, err = gocv.OpenVideoCapture(idx)
	} else {
		vc, err = gocv.OpenVideoCapture(device)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOpenFailed, device, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: %s", ErrOpenFailed, device)
	}

	if width > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(width))
	}
	if height > 0 {
		vc.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}

	return &deviceSource{vc: vc}, nil
}

type deviceSource struct {
	vc *gocv.VideoCapture
}

func (s *deviceSource) Read() (gocv.Mat, bool) {
	frame := gocv.NewMat()
	if ok := s.vc.Read(&frame); !ok || frame.Empty() {
		frame.Close()
		return gocv.Mat{}, false
	}
	return frame, true
}

func (s *deviceSource) Close() error {
	return s.vc.Close()
}

func isStillImage(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".bmp", ".webp":
	default:
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
