// Package supervisor restarts the stitching pipeline when a run fails,
// backing off exponentially between consecutive failures.
package supervisor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"panoviewer/internal/config"
	"panoviewer/internal/pipeline"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options controls restart behaviour.
type Options struct {
	RetryDelay    time.Duration // delay after the first failure
	MaxRetryDelay time.Duration // cap on the doubling delay
	MaxRestarts   int           // restarts after failures; 0 = unlimited
}

// DefaultOptions returns 1s doubling up to 30s, without a restart limit.
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default().Supervisor)
}

// OptionsFromConfig converts the supervisor config section.
func OptionsFromConfig(cfg config.Supervisor) Options {
	return Options{
		RetryDelay:    cfg.RetryDelay.Duration,
		MaxRetryDelay: cfg.MaxRetryDelay.Duration,
		MaxRestarts:   cfg.MaxRestarts,
	}
}

// Attempt identifies one pipeline run.
type Attempt struct {
	ID     string // uuid, also logged as run_id
	Number int    // 1 for the first run
	Log    zerolog.Logger
}

// RunFunc runs the pipeline once. Returning nil means an orderly stop.
type RunFunc func(ctx context.Context, a Attempt) error

// Supervisor runs a RunFunc until it stops cleanly, the context ends or
// the restart limit is reached.
type Supervisor struct {
	opts Options
	log  zerolog.Logger
	run  RunFunc

	restart  chan struct{}
	restarts atomic.Int64
}

// New creates a supervisor for run.
func New(opts Options, run RunFunc, log zerolog.Logger) *Supervisor {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.MaxRetryDelay < opts.RetryDelay {
		opts.MaxRetryDelay = opts.RetryDelay
	}
	return &Supervisor{
		opts:    opts,
		log:     log,
		run:     run,
		restart: make(chan struct{}, 1),
	}
}

// Restart cancels the current run and starts a fresh one without backoff.
// Requests arriving while a restart is already pending are merged.
func (s *Supervisor) Restart() {
	select {
	case s.restart <- struct{}{}:
	default:
	}
}

// Restarts returns how many times a failed run was restarted.
func (s *Supervisor) Restarts() int {
	return int(s.restarts.Load())
}

// Run blocks until the pipeline stops cleanly or ctx ends, both returning
// nil. It returns the last run's error once MaxRestarts is exceeded.
// The RunFunc is called on the caller's goroutine.
func (s *Supervisor) Run(ctx context.Context) error {
	failures := 0
	for number := 1; ; number++ {
		if ctx.Err() != nil {
			return nil
		}

		a := Attempt{ID: uuid.NewString(), Number: number}
		a.Log = s.log.With().Str("run_id", a.ID).Int("attempt", number).Logger()

		started := time.Now()
		requested, err := s.runOnce(ctx, a)
		elapsed := time.Since(started)

		switch {
		case ctx.Err() != nil:
			a.Log.Info().Msg("supervisor stopping")
			return nil
		case requested:
			a.Log.Info().Msg("restart requested")
			failures = 0
			continue
		case err == nil:
			a.Log.Info().Dur("elapsed", elapsed).Msg("pipeline stopped")
			return nil
		}

		// A run that survived longer than the longest delay starts the
		// backoff sequence over.
		if elapsed >= s.opts.MaxRetryDelay {
			failures = 0
		}
		failures++

		if s.opts.MaxRestarts > 0 && s.Restarts() >= s.opts.MaxRestarts {
			a.Log.Error().Err(err).Stringer("kind", pipeline.KindOf(err)).
				Int("max_restarts", s.opts.MaxRestarts).Msg("restart limit reached")
			return fmt.Errorf("giving up after %d restarts: %w", s.Restarts(), err)
		}

		delay := Backoff(failures, s.opts.RetryDelay, s.opts.MaxRetryDelay)
		a.Log.Warn().Err(err).
			Stringer("kind", pipeline.KindOf(err)).
			Dur("elapsed", elapsed).
			Dur("delay", delay).
			Msg("pipeline failed, restarting")

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-s.restart:
			t.Stop()
			failures = 0
		case <-ctx.Done():
			t.Stop()
			return nil
		}
		s.restarts.Add(1)
	}
}

// runOnce calls run with a context that a Restart request cancels.
func (s *Supervisor) runOnce(ctx context.Context, a Attempt) (requested bool, err error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var req atomic.Bool
	done := make(chan struct{})
	go func() {
		select {
		case <-s.restart:
			req.Store(true)
			cancel()
		case <-done:
		}
	}()

	err = s.run(runCtx, a)
	close(done)
	return req.Load(), err
}

// Backoff returns base * 2^(attempt-1), capped at limit.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := min(attempt-1, 30)
	delay := base * time.Duration(1<<uint(shift))
	if delay > limit || delay <= 0 {
		delay = limit
	}
	return delay
}
