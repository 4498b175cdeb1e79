package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"panoviewer/internal/alignment"
	"panoviewer/internal/config"
	"panoviewer/internal/display"
	"panoviewer/internal/supervisor"
	"panoviewer/internal/testscene"
	"panoviewer/internal/version"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"
)

// stopSink records frame sizes and stops after the first frame.
type stopSink struct {
	sizes []image.Point
}

func (s *stopSink) Show(_ string, frame gocv.Mat) error {
	s.sizes = append(s.sizes, image.Pt(frame.Cols(), frame.Rows()))
	return nil
}

func (s *stopSink) PollKey(time.Duration) (rune, bool) {
	return 'q', len(s.sizes) > 0
}

func (s *stopSink) Close() error { return nil }

func newTestRoot(t *testing.T, sink display.Sink) (*Root, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	r := NewRoot(out, io.Discard)
	if sink != nil {
		r.newSink = func(config.Display, zerolog.Logger) (display.Sink, error) { return sink, nil }
	}
	return r, out
}

func writeConfig(t *testing.T, dir string, mutate func(*config.Config)) string {
	t.Helper()
	cfg := config.Default()
	cfg.Supervisor.RetryDelay = config.Duration{Duration: time.Millisecond}
	cfg.Supervisor.MaxRetryDelay = config.Duration{Duration: 2 * time.Millisecond}
	cfg.Calibration.Seed = 1
	cfg.Display.PollInterval = config.Duration{Duration: time.Millisecond}
	if mutate != nil {
		mutate(cfg)
	}
	data, err := cfg.JSON()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// writeViews stores three overlapping 320x240 views of one scene.
func writeViews(t *testing.T, dir string, blankRight bool) (left, middle, right string) {
	t.Helper()
	scene := testscene.Scene(720, 240, 11)
	defer scene.Close()

	paths := make([]string, 3)
	for i, x := range []int{0, 200, 400} {
		view := testscene.Crop(scene, image.Rect(x, 0, x+320, 240))
		if i == 2 && blankRight {
			view.Close()
			view = testscene.Solid(320, 240, color.RGBA{R: 60, G: 60, B: 60, A: 255})
		}
		paths[i] = filepath.Join(dir, []string{"left", "middle", "right"}[i]+".png")
		ok := gocv.IMWrite(paths[i], view)
		view.Close()
		if !ok {
			t.Fatalf("write %s", paths[i])
		}
	}
	return paths[0], paths[1], paths[2]
}

func TestVersionCommand(t *testing.T) {
	dir := t.TempDir()
	r, out := newTestRoot(t, nil)
	if err := r.Run(context.Background(), []string{"--config", filepath.Join(dir, "none.json"), "version"}); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.String()) != version.String() {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestConfigShowPrintsEffectiveConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, func(c *config.Config) { c.Calibration.Detector = "orb" })

	r, out := newTestRoot(t, nil)
	if err := r.Run(context.Background(), []string{"--config", path, "--log-level", "debug", "config", "show"}); err != nil {
		t.Fatal(err)
	}

	var got config.Config
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if got.Calibration.Detector != "orb" {
		t.Errorf("detector = %q", got.Calibration.Detector)
	}
	if got.Logging.Level != "debug" {
		t.Errorf("--log-level not applied: %q", got.Logging.Level)
	}
}

func TestConfigValidateRejectsBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"calibration":{"ratio":1.5}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	r, _ := newTestRoot(t, nil)
	err := r.Run(context.Background(), []string{"--config", path, "config", "validate"})
	if err == nil || !strings.Contains(err.Error(), "ratio") {
		t.Fatalf("expected ratio error, got %v", err)
	}
}

func TestRunStitchesStillImages(t *testing.T) {
	dir := t.TempDir()
	left, middle, right := writeViews(t, dir, false)
	path := writeConfig(t, dir, nil)

	sink := &stopSink{}
	r, _ := newTestRoot(t, sink)
	args := []string{"--config", path, "run",
		"--left", left, "--middle", middle, "--right", right,
		"--backend", "cpu", "--watch=false"}
	if err := r.Run(context.Background(), args); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sink.sizes) != 1 || sink.sizes[0] != image.Pt(960, 240) {
		t.Fatalf("unexpected frames %v", sink.sizes)
	}
}

func TestRunGivesUpWhenCalibrationKeepsFailing(t *testing.T) {
	dir := t.TempDir()
	left, middle, right := writeViews(t, dir, true)
	path := writeConfig(t, dir, nil)

	sink := &stopSink{}
	r, _ := newTestRoot(t, sink)
	args := []string{"--config", path, "run",
		"--left", left, "--middle", middle, "--right", right,
		"--backend", "cpu", "--watch=false", "--max-restarts", "1"}
	err := r.Run(context.Background(), args)
	if !errors.Is(err, alignment.ErrInsufficientCorrespondences) {
		t.Fatalf("expected insufficient correspondences, got %v", err)
	}
	if len(sink.sizes) != 0 {
		t.Fatalf("frames shown without calibration")
	}
}

func TestRunFlagsOverrideConfig(t *testing.T) {
	flags := runFlags{left: "rtsp://cam/left", width: 1280, ratio: 0.5, noMirror: true, display: "web"}
	set := map[string]bool{"left": true, "width": true, "ratio": true, "no-mirror": true, "display": true}
	cfg := config.Default()
	flags.apply(func(name string) bool { return set[name] }, cfg)

	if cfg.Cameras.Left.Device != "rtsp://cam/left" || cfg.Cameras.Middle.Device != "1" {
		t.Errorf("devices: %+v", cfg.Cameras)
	}
	if cfg.Cameras.Right.Width != 1280 || cfg.Cameras.Right.Height != 600 {
		t.Errorf("sizes: %+v", cfg.Cameras.Right)
	}
	if cfg.Calibration.Ratio != 0.5 || cfg.Calibration.MirrorLeftMiddle {
		t.Errorf("calibration: %+v", cfg.Calibration)
	}
	if cfg.Display.Kind != "web" || cfg.Stitching.Backend != "auto" {
		t.Errorf("unset flags changed config")
	}
}

func TestReloadConfigKeepsFlagsAndRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, nil)

	r, _ := newTestRoot(t, nil)
	r.cfgPath = path
	r.setConfig(config.Default())
	sup := supervisor.New(supervisor.DefaultOptions(), func(context.Context, supervisor.Attempt) error { return nil }, zerolog.Nop())

	flags := &runFlags{detector: "orb"}
	changed := func(name string) bool { return name == "detector" }

	writeConfig(t, dir, func(c *config.Config) { c.Calibration.Ratio = 0.6 })
	r.reloadConfig(flags, changed, sup, zerolog.Nop())
	if got := r.config(); got.Calibration.Ratio != 0.6 || got.Calibration.Detector != "orb" {
		t.Fatalf("reload not applied: %+v", got.Calibration)
	}

	if err := os.WriteFile(path, []byte(`{"calibration":{"ratio":-1}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	r.reloadConfig(flags, changed, sup, zerolog.Nop())
	if r.config().Calibration.Ratio != 0.6 {
		t.Fatalf("invalid config replaced the running one")
	}
}

func TestBinaryWatcherDetectsRebuild(t *testing.T) {
	path := filepath.Join(t.TempDir(), "panoviewer")
	if err := os.WriteFile(path, []byte("v1"), 0o755); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	w := newBinaryWatcherFor(path, 5*time.Millisecond, zerolog.Nop())
	if w == nil {
		t.Fatal("watcher not created")
	}
	fired := make(chan struct{})
	w.Start(func() { close(fired) })
	defer w.Stop()

	if err := os.Chtimes(path, time.Now(), time.Now()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("rebuild not detected")
	}
	if !w.Updated() {
		t.Fatal("Updated() false after detection")
	}

	if newBinaryWatcherFor(filepath.Join(t.TempDir(), "missing"), time.Second, zerolog.Nop()) != nil {
		t.Fatal("watcher created for a missing file")
	}
}
