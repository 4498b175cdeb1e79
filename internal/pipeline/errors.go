package pipeline

import (
	"errors"
	"fmt"

	"panoviewer/internal/alignment"
)

// ErrAcquisition means a camera produced no frame.
var ErrAcquisition = errors.New("frame acquisition failed")

// Kind classifies why a pipeline run ended.
type Kind int

const (
	// None is the kind of a nil error.
	None Kind = iota
	Acquisition
	InsufficientCorrespondences
	DegenerateHomography
	Unrecoverable
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case Acquisition:
		return "acquisition"
	case InsufficientCorrespondences:
		return "insufficient_correspondences"
	case DegenerateHomography:
		return "degenerate_homography"
	case Unrecoverable:
		return "unrecoverable"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is returned by Run for every failure. Stage names the step that
// failed, e.g. "calibrate/left-middle" or "stitch".
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf classifies err. Errors that did not come from the pipeline are
// classified by the sentinel they wrap, and default to Unrecoverable.
func KindOf(err error) Kind {
	if err == nil {
		return None
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, alignment.ErrInsufficientCorrespondences),
		errors.Is(err, alignment.ErrNoConsensus):
		return InsufficientCorrespondences
	case errors.Is(err, alignment.ErrDegenerateHomography):
		return DegenerateHomography
	case errors.Is(err, ErrAcquisition):
		return Acquisition
	}
	return Unrecoverable
}

func wrap(stage string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Kind: classify(err), Stage: stage, Err: err}
}

func unrecoverable(stage string, err error) error {
	return &Error{Kind: Unrecoverable, Stage: stage, Err: err}
}
