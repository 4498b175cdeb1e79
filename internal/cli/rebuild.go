package cli

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// binaryWatcher polls the running executable and reports when it has been
// rebuilt, so a development session picks up new code without a manual
// restart.
type binaryWatcher struct {
	execPath string
	baseline time.Time
	interval time.Duration
	log      zerolog.Logger

	updated  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// newBinaryWatcher returns nil when the executable cannot be located.
func newBinaryWatcher(interval time.Duration, log zerolog.Logger) *binaryWatcher {
	execPath, err := os.Executable()
	if err != nil {
		log.Warn().Err(err).Msg("cannot locate executable")
		return nil
	}
	// go build replaces the file behind any symlink.
	if resolved, err := filepath.EvalSymlinks(execPath); err == nil {
		execPath = resolved
	}
	return newBinaryWatcherFor(execPath, interval, log)
}

func newBinaryWatcherFor(path string, interval time.Duration, log zerolog.Logger) *binaryWatcher {
	info, err := os.Stat(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("cannot stat executable")
		return nil
	}
	return &binaryWatcher{
		execPath: path,
		baseline: info.ModTime(),
		interval: interval,
		log:      log,
		stopCh:   make(chan struct{}),
	}
}

// Start polls in the background and calls onUpdate once after a rebuild.
func (b *binaryWatcher) Start(onUpdate func()) {
	b.log.Info().Str("path", b.execPath).Msg("watching for rebuilds")
	go func() {
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-b.stopCh:
				return
			case <-ticker.C:
				if b.changed() {
					b.updated.Store(true)
					b.log.Info().Msg("newer binary detected, restarting")
					onUpdate()
					return
				}
			}
		}
	}()
}

func (b *binaryWatcher) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Updated reports whether a rebuild was seen.
func (b *binaryWatcher) Updated() bool {
	return b.updated.Load()
}

func (b *binaryWatcher) changed() bool {
	info, err := os.Stat(b.execPath)
	if err != nil {
		return false
	}
	return info.ModTime().After(b.baseline)
}

// Reexec replaces the process with the rebuilt binary, keeping arguments
// and environment. It only returns on failure.
func (b *binaryWatcher) Reexec() error {
	return syscall.Exec(b.execPath, os.Args, os.Environ())
}
