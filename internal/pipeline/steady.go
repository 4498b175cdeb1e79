package pipeline

import (
	"context"
	"fmt"
	"time"

	"panoviewer/internal/backend"
	"panoviewer/internal/capture"

	"gocv.io/x/gocv"
)

// steady stitches frames until the stop key or ctx ends the run. The stop
// key and ctx are only checked between iterations.
func (p *PipelineContext) steady(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			p.log.Info().Msg("stitching cancelled")
			return nil
		}

		if err := p.iterate(); err != nil {
			return err
		}

		if key, ok := p.sink.PollKey(p.opts.PollInterval); ok && key == p.opts.StopKey {
			p.log.Info().
				Int("frames", p.stats.Frames).
				Int("dropped", p.stats.Dropped).
				Dur("mean_iteration", p.stats.MeanIteration()).
				Msg("stop key pressed")
			return nil
		}
	}
}

// iterate produces and shows one panorama. A camera without a frame skips
// the iteration.
func (p *PipelineContext) iterate() error {
	start := time.Now()

	frames, ok := p.readFrames()
	if !ok {
		p.stats.Dropped++
		p.stats.ConsecutiveDropped++
		if limit := p.opts.MaxDroppedIterations; limit > 0 && p.stats.ConsecutiveDropped >= limit {
			return unrecoverable("acquire", fmt.Errorf("%w: %d consecutive iterations without frames",
				ErrAcquisition, p.stats.ConsecutiveDropped))
		}
		return nil
	}
	p.stats.ConsecutiveDropped = 0

	pano, err := p.stitch(frames)
	frames.Close()
	if err != nil {
		return unrecoverable("stitch", err)
	}
	defer pano.Close()

	elapsed := time.Since(start)
	p.stats.Frames++
	p.stats.LastIteration = elapsed
	p.stats.TotalIteration += elapsed
	p.log.Debug().Int("frame", p.stats.Frames).Dur("elapsed", elapsed).Msg("frame stitched")

	if err := p.sink.Show(p.opts.Window, pano); err != nil {
		return unrecoverable("display", err)
	}
	return nil
}

// readFrames reads once from every camera.
func (p *PipelineContext) readFrames() (*frameSet, bool) {
	frames := &frameSet{}
	for _, role := range capture.Roles {
		m, ok := p.sources[role].Read()
		if !ok || m.Empty() {
			if ok {
				m.Close()
			}
			p.log.Debug().Str("camera", string(role)).Msg("no frame, skipping iteration")
			frames.Close()
			return nil, false
		}
		frames.set(role, m)
	}
	return frames, true
}

// stitch normalizes the three frames and composes them with the
// calibrated transforms, entirely on the backend.
func (p *PipelineContext) stitch(frames *frameSet) (gocv.Mat, error) {
	var owned []backend.Image
	defer func() { backend.CloseAll(owned...) }()
	keep := func(img backend.Image, err error) (backend.Image, error) {
		if err != nil {
			return nil, err
		}
		owned = append(owned, img)
		return img, nil
	}

	prepare := func(m gocv.Mat) (backend.Image, error) {
		img, err := keep(p.backend.Upload(m))
		if err != nil {
			return nil, fmt.Errorf("upload: %w", err)
		}
		img, err = keep(p.normalizer.Normalize(img))
		if err != nil {
			return nil, fmt.Errorf("normalize: %w", err)
		}
		return img, nil
	}

	left, err := prepare(frames.left)
	if err != nil {
		return gocv.Mat{}, err
	}
	middle, err := prepare(frames.middle)
	if err != nil {
		return gocv.Mat{}, err
	}
	right, err := prepare(frames.right)
	if err != nil {
		return gocv.Mat{}, err
	}

	cal := p.calibration
	if cal.Mirrored {
		if left, err = keep(p.backend.Flip(left, 1)); err != nil {
			return gocv.Mat{}, fmt.Errorf("mirror: %w", err)
		}
		if middle, err = keep(p.backend.Flip(middle, 1)); err != nil {
			return gocv.Mat{}, fmt.Errorf("mirror: %w", err)
		}
	}

	lm, err := keep(p.compositor.Compose(left, middle, cal.LeftToMiddle))
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("compose left-middle: %w", err)
	}
	if cal.Mirrored {
		if lm, err = keep(p.backend.Flip(lm, 1)); err != nil {
			return gocv.Mat{}, fmt.Errorf("mirror: %w", err)
		}
	}

	pano, err := keep(p.compositor.Compose(right, lm, cal.RightToLeftMiddle))
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("compose right: %w", err)
	}

	return p.backend.Download(pano)
}
