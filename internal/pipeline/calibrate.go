package pipeline

import (
	"context"
	"fmt"
	"time"

	"panoviewer/internal/alignment"
	"panoviewer/internal/capture"
	"panoviewer/pkg/geometry"

	"gocv.io/x/gocv"
)

// frameSet is one frame per camera, owned by the current iteration.
type frameSet struct {
	left, middle, right gocv.Mat
	filled              []capture.Role
}

func (f *frameSet) set(role capture.Role, m gocv.Mat) {
	*f.slot(role) = m
	f.filled = append(f.filled, role)
}

func (f *frameSet) slot(role capture.Role) *gocv.Mat {
	switch role {
	case capture.Left:
		return &f.left
	case capture.Middle:
		return &f.middle
	default:
		return &f.right
	}
}

func (f *frameSet) Close() {
	for _, role := range f.filled {
		f.slot(role).Close()
	}
	f.filled = nil
}

// calibrate acquires one frame per camera and estimates both transforms.
func (p *PipelineContext) calibrate(ctx context.Context) (*Calibration, error) {
	frames, err := p.acquireCalibrationFrames(ctx)
	if err != nil {
		return nil, err
	}
	defer frames.Close()

	p.setState(Calibrating)
	start := time.Now()
	cal := &Calibration{Mirrored: p.opts.MirrorLeftMiddle}

	left, middle := frames.left, frames.middle
	if cal.Mirrored {
		left = alignment.FlipHorizontal(frames.left)
		defer left.Close()
		middle = alignment.FlipHorizontal(frames.middle)
		defer middle.Close()
	}

	lm, err := p.aligner.EstimatePair(left, middle)
	cal.LeftMiddle = pairStats(lm)
	if err != nil {
		p.logPair("left-middle", cal.LeftMiddle, err)
		return nil, wrap("calibrate/left-middle", err)
	}
	cal.LeftToMiddle = lm.H()
	p.logPair("left-middle", cal.LeftMiddle, nil)

	composite, err := p.composeHost(left, middle, cal.LeftToMiddle)
	if err != nil {
		return nil, unrecoverable("calibrate/compose", err)
	}
	defer composite.Close()

	ref := composite
	if cal.Mirrored {
		ref = alignment.FlipHorizontal(composite)
		defer ref.Close()
	}

	rlm, err := p.aligner.EstimatePair(frames.right, ref)
	cal.RightLeftMiddle = pairStats(rlm)
	if err != nil {
		p.logPair("right-left_middle", cal.RightLeftMiddle, err)
		return nil, wrap("calibrate/right-left_middle", err)
	}
	cal.RightToLeftMiddle = rlm.H()
	p.logPair("right-left_middle", cal.RightLeftMiddle, nil)

	cal.Duration = time.Since(start)
	p.log.Info().
		Dur("duration", cal.Duration).
		Str("h_lm", cal.LeftToMiddle.String()).
		Str("h_r_lm", cal.RightToLeftMiddle.String()).
		Msg("calibration complete")

	return cal, nil
}

func (p *PipelineContext) logPair(pair string, s PairStats, err error) {
	ev := p.log.Info()
	if err != nil {
		ev = p.log.Warn().Err(err)
	}
	ev.Str("pair", pair).
		Int("correspondences", s.Correspondences).
		Int("inliers", s.Inliers).
		Float64("mean_error", s.MeanError).
		Msg("pair estimated")
}

// acquireCalibrationFrames reads every camera, retrying each failed read up
// to AcquireAttempts times.
func (p *PipelineContext) acquireCalibrationFrames(ctx context.Context) (*frameSet, error) {
	frames := &frameSet{}
	for _, role := range capture.Roles {
		m, err := p.readWithRetry(ctx, role)
		if err != nil {
			frames.Close()
			return nil, err
		}
		frames.set(role, m)
	}
	return frames, nil
}

func (p *PipelineContext) readWithRetry(ctx context.Context, role capture.Role) (gocv.Mat, error) {
	src := p.sources[role]
	for attempt := 1; attempt <= p.opts.AcquireAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return gocv.Mat{}, err
		}
		frame, ok := src.Read()
		if ok && !frame.Empty() {
			return frame, nil
		}
		if ok {
			frame.Close()
		}
		p.log.Debug().Str("camera", string(role)).Int("attempt", attempt).Msg("no frame")
	}
	return gocv.Mat{}, unrecoverable("acquire/"+string(role),
		fmt.Errorf("%s camera: %w after %d attempts", role, ErrAcquisition, p.opts.AcquireAttempts))
}

// composeHost runs the compositor on host frames, for calibration.
func (p *PipelineContext) composeHost(src, ref gocv.Mat, h geometry.Homography) (gocv.Mat, error) {
	s, err := p.backend.Upload(src)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("upload: %w", err)
	}
	defer s.Close()
	r, err := p.backend.Upload(ref)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("upload: %w", err)
	}
	defer r.Close()

	out, err := p.compositor.Compose(s, r, h)
	if err != nil {
		return gocv.Mat{}, err
	}
	defer out.Close()
	return p.backend.Download(out)
}
