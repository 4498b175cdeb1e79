package display

import (
	"image"
	"time"

	"gocv.io/x/gocv"
)

// Window shows frames in an OpenCV highgui window.
type Window struct {
	size image.Point
	win  *gocv.Window
}

// NewWindow returns a sink whose window is created on the first Show and
// resized to size.
func NewWindow(size image.Point) *Window {
	return &Window{size: size}
}

func (w *Window) Show(name string, frame gocv.Mat) error {
	if w.win == nil {
		w.win = gocv.NewWindow(name)
		if w.size.X > 0 && w.size.Y > 0 {
			w.win.ResizeWindow(w.size.X, w.size.Y)
		}
	}
	w.win.IMShow(frame)
	return nil
}

// PollKey also pumps the highgui event loop, so it must be called after
// every Show for the window to repaint.
func (w *Window) PollKey(timeout time.Duration) (rune, bool) {
	if w.win == nil {
		time.Sleep(timeout)
		return 0, false
	}
	ms := int(timeout / time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	key := w.win.WaitKey(ms)
	if key < 0 {
		return 0, false
	}
	return rune(key & 0xff), true
}

func (w *Window) Close() error {
	if w.win == nil {
		return nil
	}
	err := w.win.Close()
	w.win = nil
	return err
}
