// Package pipeline runs one stitching session: it calibrates the three
// cameras once and then composes and displays panoramas until stopped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"panoviewer/internal/alignment"
	"panoviewer/internal/backend"
	"panoviewer/internal/capture"
	"panoviewer/internal/config"
	"panoviewer/internal/display"
	"panoviewer/internal/features"
	"panoviewer/internal/normalize"
	"panoviewer/internal/panorama"
	"panoviewer/pkg/geometry"

	"github.com/rs/zerolog"
)

// Options configures a pipeline run.
type Options struct {
	Alignment        alignment.Options
	MirrorLeftMiddle bool
	// AcquireAttempts bounds the reads per camera while calibrating.
	AcquireAttempts int
	// MaxDroppedIterations turns that many consecutive skipped iterations
	// into a failure. 0 disables the limit.
	MaxDroppedIterations int
	Overlap              panorama.OverlapPolicy

	Window       string
	StopKey      rune
	PollInterval time.Duration

	// OnState, if set, is called on every state transition.
	OnState func(State)
}

// DefaultOptions mirrors config.Default.
func DefaultOptions() Options {
	opts, _ := OptionsFromConfig(config.Default())
	return opts
}

// OptionsFromConfig translates the calibration, stitching and display
// sections of cfg.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	det, err := features.ParseDetector(cfg.Calibration.Detector)
	if err != nil {
		return Options{}, err
	}
	overlap, err := panorama.ParseOverlapPolicy(cfg.Stitching.Overlap)
	if err != nil {
		return Options{}, err
	}

	cal := cfg.Calibration
	return Options{
		Alignment: alignment.Options{
			Detector: det,
			Ratio:    cal.Ratio,
			RANSAC: alignment.RANSACOptions{
				Threshold:          cal.ReprojThreshold,
				MaxIterations:      cal.MaxIterations,
				Confidence:         cal.Confidence,
				MinCorrespondences: cal.MinCorrespondences,
				MinInliers:         cal.MinInliers,
				Refine:             true,
				Seed:               cal.Seed,
			},
			RejectDegenerate: cal.RejectDegenerate,
			MaxAreaScale:     cal.MaxAreaScale,
		},
		MirrorLeftMiddle:     cal.MirrorLeftMiddle,
		AcquireAttempts:      cal.AcquireAttempts,
		MaxDroppedIterations: cfg.Stitching.MaxDroppedIterations,
		Overlap:              overlap,
		Window:               cfg.Display.Window,
		StopKey:              cfg.Display.StopRune(),
		PollInterval:         cfg.Display.PollInterval.Duration,
	}, nil
}

// PairStats summarises one pairwise estimation.
type PairStats struct {
	Correspondences int
	Inliers         int
	MeanError       float64
	MaxError        float64
}

func pairStats(res *alignment.PairResult) PairStats {
	var s PairStats
	if res == nil {
		return s
	}
	if res.Matches != nil {
		s.Correspondences = res.Matches.Len()
	}
	if res.Estimate != nil {
		s.Inliers = len(res.Estimate.Inliers)
		s.MeanError = res.Estimate.MeanError
		s.MaxError = res.Estimate.MaxError
	}
	return s
}

// Calibration is produced once per run and read-only afterwards.
//
// LeftToMiddle maps left pixels into the middle camera's plane. When
// mirroring is enabled both frames are mirrored first, so it acts on
// mirrored coordinates. RightToLeftMiddle maps right pixels into the
// unmirrored left+middle composite.
type Calibration struct {
	LeftToMiddle      geometry.Homography
	RightToLeftMiddle geometry.Homography
	LeftMiddle        PairStats
	RightLeftMiddle   PairStats
	Mirrored          bool
	Duration          time.Duration
}

// StitchStats counts steady-state work.
type StitchStats struct {
	Frames             int
	Dropped            int
	ConsecutiveDropped int
	LastIteration      time.Duration
	TotalIteration     time.Duration
}

// MeanIteration returns the average time to stitch one frame.
func (s StitchStats) MeanIteration() time.Duration {
	if s.Frames == 0 {
		return 0
	}
	return s.TotalIteration / time.Duration(s.Frames)
}

// PipelineContext owns everything one run needs: the camera sources, the
// calibration and the image operations. It is not safe for concurrent use.
type PipelineContext struct {
	opts Options
	log  zerolog.Logger

	sources map[capture.Role]capture.Source
	sink    display.Sink
	backend backend.Backend

	aligner    *alignment.Aligner
	normalizer *normalize.Normalizer
	compositor *panorama.Compositor

	state       State
	calibration *Calibration
	stats       StitchStats
}

// New opens the three sources through opener. The backend and sink stay
// owned by the caller; Close releases only the sources.
func New(opts Options, opener capture.Opener, b backend.Backend, sink display.Sink, log zerolog.Logger) (*PipelineContext, error) {
	if opts.AcquireAttempts < 1 {
		opts.AcquireAttempts = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 40 * time.Millisecond
	}
	if opts.StopKey == 0 {
		opts.StopKey = 'q'
	}

	aligner, err := alignment.NewAligner(opts.Alignment)
	if err != nil {
		return nil, unrecoverable("setup", err)
	}

	p := &PipelineContext{
		opts:       opts,
		log:        log,
		sources:    make(map[capture.Role]capture.Source, len(capture.Roles)),
		sink:       sink,
		backend:    b,
		aligner:    aligner,
		normalizer: normalize.New(b),
		compositor: panorama.NewCompositor(b, opts.Overlap),
		state:      Uncalibrated,
	}

	for _, role := range capture.Roles {
		src, err := opener.Open(role)
		if err != nil {
			p.Close()
			return nil, unrecoverable("open/"+string(role), err)
		}
		p.sources[role] = src
	}

	return p, nil
}

// State returns the current phase.
func (p *PipelineContext) State() State {
	return p.state
}

// Calibration returns the transforms, or nil before calibration finished.
func (p *PipelineContext) Calibration() *Calibration {
	return p.calibration
}

// Stats returns the steady-state counters so far.
func (p *PipelineContext) Stats() StitchStats {
	return p.stats
}

func (p *PipelineContext) setState(s State) {
	if p.state == s {
		return
	}
	p.log.Debug().Stringer("from", p.state).Stringer("to", s).Msg("state transition")
	p.state = s
	if p.opts.OnState != nil {
		p.opts.OnState(s)
	}
}

// Run calibrates and then stitches until the stop key is pressed or ctx is
// cancelled, both of which return nil. Any other outcome is an *Error.
// A PipelineContext runs once.
func (p *PipelineContext) Run(ctx context.Context) error {
	if p.state != Uncalibrated {
		return unrecoverable("run", fmt.Errorf("pipeline already ran (state %s)", p.state))
	}
	defer p.setState(Terminated)

	cal, err := p.calibrate(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	}
	p.calibration = cal

	p.setState(SteadyState)
	return p.steady(ctx)
}

// Close releases the camera sources.
func (p *PipelineContext) Close() error {
	var first error
	for role, src := range p.sources {
		if err := src.Close(); err != nil && first == nil {
			first = fmt.Errorf("close %s source: %w", role, err)
		}
		delete(p.sources, role)
	}
	return first
}
