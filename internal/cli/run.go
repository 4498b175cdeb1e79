package cli

import (
	"context"
	"fmt"
	"time"

	"panoviewer/internal/backend"
	"panoviewer/internal/config"
	"panoviewer/internal/display"
	"panoviewer/internal/logger"
	"panoviewer/internal/pipeline"
	"panoviewer/internal/supervisor"
	"panoviewer/internal/version"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const configDebounce = 250 * time.Millisecond

// runFlags override config values when set on the command line.
type runFlags struct {
	left, middle, right string
	width, height       int
	detector            string
	ratio               float64
	backend             string
	overlap             string
	display             string
	addr                string
	stopKey             string
	maxRestarts         int
	maxDropped          int
	noMirror            bool

	watch   bool
	rebuild bool
}

func (f *runFlags) apply(changed func(string) bool, cfg *config.Config) {
	cams := []*config.Camera{&cfg.Cameras.Left, &cfg.Cameras.Middle, &cfg.Cameras.Right}
	if changed("left") {
		cfg.Cameras.Left.Device = f.left
	}
	if changed("middle") {
		cfg.Cameras.Middle.Device = f.middle
	}
	if changed("right") {
		cfg.Cameras.Right.Device = f.right
	}
	for _, c := range cams {
		if changed("width") {
			c.Width = f.width
		}
		if changed("height") {
			c.Height = f.height
		}
	}
	if changed("detector") {
		cfg.Calibration.Detector = f.detector
	}
	if changed("ratio") {
		cfg.Calibration.Ratio = f.ratio
	}
	if changed("no-mirror") {
		cfg.Calibration.MirrorLeftMiddle = !f.noMirror
	}
	if changed("backend") {
		cfg.Stitching.Backend = f.backend
	}
	if changed("overlap") {
		cfg.Stitching.Overlap = f.overlap
	}
	if changed("max-dropped") {
		cfg.Stitching.MaxDroppedIterations = f.maxDropped
	}
	if changed("display") {
		cfg.Display.Kind = f.display
	}
	if changed("addr") {
		cfg.Display.Addr = f.addr
	}
	if changed("stop-key") {
		cfg.Display.StopKey = f.stopKey
	}
	if changed("max-restarts") {
		cfg.Supervisor.MaxRestarts = f.maxRestarts
	}
}

func newRunCmd(r *Root) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Calibrate the cameras and show the live panorama",
		Long: `Opens the left, middle and right cameras, estimates the transforms between
them from one set of frames, then stitches every following frame set until
the stop key is pressed. Failed runs are restarted with backoff.

Camera devices may be capture indexes, stream URLs, GStreamer pipelines or
still image paths.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := r.config()
			flags.apply(cmd.Flags().Changed, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid settings: %w", err)
			}
			return r.runStitcher(cmd.Context(), &flags, cmd.Flags().Changed)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&flags.left, "left", "", "left camera device")
	fs.StringVar(&flags.middle, "middle", "", "middle camera device")
	fs.StringVar(&flags.right, "right", "", "right camera device")
	fs.IntVar(&flags.width, "width", 0, "requested frame width for all cameras")
	fs.IntVar(&flags.height, "height", 0, "requested frame height for all cameras")
	fs.StringVar(&flags.detector, "detector", "", "feature detector: sift or orb")
	fs.Float64Var(&flags.ratio, "ratio", 0, "ratio test threshold in (0,1]")
	fs.BoolVar(&flags.noMirror, "no-mirror", false, "do not mirror left and middle frames before aligning them")
	fs.StringVar(&flags.backend, "backend", "", "image backend: auto, cpu or cuda")
	fs.StringVar(&flags.overlap, "overlap", "", "frame kept in overlaps: reference or warped")
	fs.IntVar(&flags.maxDropped, "max-dropped", 0, "consecutive frameless iterations before failing (0 = unlimited)")
	fs.StringVar(&flags.display, "display", "", "display: highgui, fyne, web or none")
	fs.StringVar(&flags.addr, "addr", "", "listen address of the web display")
	fs.StringVar(&flags.stopKey, "stop-key", "", "key that stops the pipeline")
	fs.IntVar(&flags.maxRestarts, "max-restarts", 0, "restarts after failures before giving up (0 = unlimited)")
	fs.BoolVar(&flags.watch, "watch", true, "restart the pipeline when the config file changes")
	fs.BoolVar(&flags.rebuild, "reexec-on-rebuild", false, "restart the process when its binary is rebuilt")

	return cmd
}

// runStitcher owns the display sink for the whole session and lets the
// supervisor restart pipeline runs inside it.
func (r *Root) runStitcher(ctx context.Context, flags *runFlags, changed func(string) bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := r.config()
	r.log.Info().Str("version", version.String()).Str("config", r.cfgPath).Msg("starting")

	sink, err := r.newSink(cfg.Display, r.log)
	if err != nil {
		return fmt.Errorf("display: %w", err)
	}

	sup := supervisor.New(
		supervisor.OptionsFromConfig(cfg.Supervisor),
		func(ctx context.Context, a supervisor.Attempt) error {
			return r.runPipeline(ctx, a, sink)
		},
		logger.Component(r.log, "supervisor"),
	)

	if flags.watch {
		stop := r.watchConfig(ctx, flags, changed, sup)
		defer stop()
	}

	var rebuilt *binaryWatcher
	if flags.rebuild {
		rebuilt = newBinaryWatcher(2*time.Second, logger.Component(r.log, "rebuild"))
		if rebuilt != nil {
			rebuilt.Start(cancel)
			defer rebuilt.Stop()
		}
	}

	if runner, ok := sink.(display.Runner); ok {
		// The sink's event loop needs this goroutine.
		errc := make(chan error, 1)
		go func() {
			errc <- sup.Run(ctx)
			sink.Close()
		}()
		runner.Run()
		cancel()
		err = <-errc
	} else {
		err = sup.Run(ctx)
		sink.Close()
	}

	if err == nil && rebuilt != nil && rebuilt.Updated() {
		return rebuilt.Reexec()
	}
	return err
}

// runPipeline is one supervised run with the current configuration.
func (r *Root) runPipeline(ctx context.Context, a supervisor.Attempt, sink display.Sink) error {
	cfg := r.config()
	log := logger.Component(a.Log, "pipeline")

	opts, err := pipeline.OptionsFromConfig(cfg)
	if err != nil {
		return &pipeline.Error{Kind: pipeline.Unrecoverable, Stage: "setup", Err: err}
	}

	b, err := r.newBackend(backend.Kind(cfg.Stitching.Backend))
	if err != nil {
		return &pipeline.Error{Kind: pipeline.Unrecoverable, Stage: "backend", Err: err}
	}
	defer b.Close()

	p, err := pipeline.New(opts, r.newOpener(cfg.Cameras), b, sink, log)
	if err != nil {
		return err
	}
	defer p.Close()

	log.Info().Str("backend", b.Name()).Msg("pipeline starting")
	return p.Run(ctx)
}

// watchConfig restarts the pipeline whenever the config file changes to a
// valid configuration. It returns a function that stops watching.
func (r *Root) watchConfig(ctx context.Context, flags *runFlags, changed func(string) bool, sup *supervisor.Supervisor) func() {
	log := logger.Component(r.log, "config")
	w, err := config.NewWatcher(r.cfgPath, configDebounce, log)
	if err != nil {
		log.Warn().Err(err).Msg("config changes will not be picked up")
		return func() {}
	}
	w.Start()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.Changes():
				r.reloadConfig(flags, changed, sup, log)
			}
		}
	}()

	return func() {
		if err := w.Stop(); err != nil {
			log.Debug().Err(err).Msg("stopping config watcher")
		}
	}
}

func (r *Root) reloadConfig(flags *runFlags, changed func(string) bool, sup *supervisor.Supervisor, log zerolog.Logger) {
	cfg, err := config.LoadFile(r.cfgPath)
	if err == nil {
		flags.apply(changed, cfg)
		err = cfg.Validate()
	}
	if err != nil {
		log.Warn().Err(err).Msg("ignoring config change")
		return
	}

	old := r.config()
	if old.Display != cfg.Display {
		log.Warn().Msg("display settings apply after a process restart")
	}
	r.setConfig(cfg)
	log.Info().Msg("config changed, recalibrating")
	sup.Restart()
}
