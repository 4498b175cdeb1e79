package capture

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"panoviewer/internal/config"

	"golang.org/x/image/bmp"
)

func writeImage(t *testing.T, path string, encode func(*os.File, image.Image) error) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 6, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 6; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 10, B: 30, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestOpenStillDecodesBGR(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]func(*os.File, image.Image) error{
		"frame.png": func(f *os.File, img image.Image) error { return png.Encode(f, img) },
		"frame.bmp": func(f *os.File, img image.Image) error { return bmp.Encode(f, img) },
	}
	for name, enc := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			writeImage(t, path, enc)

			src, err := OpenDevice(path, 0, 0)
			if err != nil {
				t.Fatalf("OpenDevice: %v", err)
			}
			defer src.Close()

			for i := 0; i < 2; i++ {
				frame, ok := src.Read()
				if !ok {
					t.Fatalf("read %d failed", i)
				}
				if frame.Cols() != 6 || frame.Rows() != 4 || frame.Channels() != 3 {
					t.Fatalf("unexpected frame shape %dx%dx%d", frame.Cols(), frame.Rows(), frame.Channels())
				}
				b, g, r := frame.GetUCharAt(1, 3), frame.GetUCharAt(1, 4), frame.GetUCharAt(1, 5)
				if b != 30 || g != 10 || r != 200 {
					t.Errorf("pixel = (%d,%d,%d), want BGR (30,10,200)", b, g, r)
				}
				frame.Close()
			}
		})
	}
}

func TestStillSourceFailsAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.png")
	writeImage(t, path, func(f *os.File, img image.Image) error { return png.Encode(f, img) })

	src, err := OpenStill(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := src.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := src.Read(); ok {
		t.Fatalf("expected read to fail after close")
	}
	if err := src.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestOpenDeviceErrors(t *testing.T) {
	if _, err := OpenDevice("  ", 0, 0); !errors.Is(err, ErrOpenFailed) {
		t.Errorf("empty device: %v", err)
	}
	if _, err := LoadImage(filepath.Join(t.TempDir(), "missing.png")); !errors.Is(err, ErrOpenFailed) {
		t.Errorf("missing file: %v", err)
	}

	bad := filepath.Join(t.TempDir(), "bad.png")
	if err := os.WriteFile(bad, []byte("not a png"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenDevice(bad, 0, 0); !errors.Is(err, ErrOpenFailed) {
		t.Errorf("corrupt file: %v", err)
	}
}

func TestConfigOpenerRoles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.png")
	writeImage(t, path, func(f *os.File, img image.Image) error { return png.Encode(f, img) })

	cams := config.Default().Cameras
	cams.Right.Device = path
	o := ConfigOpener{Cameras: cams}

	src, err := o.Open(Right)
	if err != nil {
		t.Fatalf("Open(right): %v", err)
	}
	src.Close()

	if _, err := o.Open(Role("top")); err == nil {
		t.Fatalf("expected unknown role error")
	}
}
