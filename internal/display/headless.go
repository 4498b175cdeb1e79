package display

import (
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
)

// Headless discards frames and never reports a key. It is used for
// benchmarking and for runs that only log.
type Headless struct {
	frames atomic.Int64
}

// NewHeadless returns a sink with no output.
func NewHeadless() *Headless {
	return &Headless{}
}

func (h *Headless) Show(string, gocv.Mat) error {
	h.frames.Add(1)
	return nil
}

func (h *Headless) PollKey(timeout time.Duration) (rune, bool) {
	time.Sleep(timeout)
	return 0, false
}

// Frames returns how many frames were shown.
func (h *Headless) Frames() int64 {
	return h.frames.Load()
}

func (h *Headless) Close() error { return nil }
