// Package display shows composed panoramas and reports key presses back to
// the pipeline.
package display

import (
	"fmt"
	"image"
	"time"

	"panoviewer/internal/config"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"
)

// Sink receives composed frames.
type Sink interface {
	// Show displays frame under the given window name. The sink does not
	// keep a reference to frame after returning.
	Show(name string, frame gocv.Mat) error
	// PollKey waits up to timeout for a key press.
	PollKey(timeout time.Duration) (key rune, ok bool)
	Close() error
}

// Runner is implemented by sinks whose event loop must own the main
// goroutine. Run blocks until the sink is closed.
type Runner interface {
	Run()
}

// New builds the sink selected by cfg.Kind.
func New(cfg config.Display, log zerolog.Logger) (Sink, error) {
	log = log.With().Str("component", "display").Str("sink", cfg.Kind).Logger()
	size := image.Pt(cfg.Width, cfg.Height)

	switch cfg.Kind {
	case "highgui", "":
		return NewWindow(size), nil
	case "fyne":
		return NewFyne(cfg.Window, size, log), nil
	case "web":
		return NewWeb(cfg.Addr, log)
	case "none":
		return NewHeadless(), nil
	default:
		return nil, fmt.Errorf("unknown display kind %q", cfg.Kind)
	}
}
