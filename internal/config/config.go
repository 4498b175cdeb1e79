// Package config loads the JSON settings file that drives cameras,
// calibration, stitching, display and supervision.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// EnvPath overrides the default config file location.
	EnvPath           = "PANOVIEWER_CONFIG"
	defaultConfigPath = "~/.config/panoviewer/config.json"
)

// Config holds user-editable settings.
type Config struct {
	Cameras     Cameras     `json:"cameras"`
	Calibration Calibration `json:"calibration"`
	Stitching   Stitching   `json:"stitching"`
	Display     Display     `json:"display"`
	Supervisor  Supervisor  `json:"supervisor"`
	Logging     Logging     `json:"logging"`
}

// Cameras configures the three frame sources.
type Cameras struct {
	Left   Camera `json:"left"`
	Middle Camera `json:"middle"`
	Right  Camera `json:"right"`
}

// Camera is one frame source. Device is a capture index ("0"), a URL or
// GStreamer pipeline string, or the path of a still image.
type Camera struct {
	Device string `json:"device"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Calibration controls feature matching and homography estimation.
type Calibration struct {
	Detector           string  `json:"detector"` // sift, orb
	Ratio              float64 `json:"ratio"`
	ReprojThreshold    float64 `json:"reproj_threshold"`
	MaxIterations      int     `json:"max_iterations"`
	Confidence         float64 `json:"confidence"`
	MinCorrespondences int     `json:"min_correspondences"`
	MinInliers         int     `json:"min_inliers"`
	RejectDegenerate   bool    `json:"reject_degenerate"`
	MaxAreaScale       float64 `json:"max_area_scale"`
	MirrorLeftMiddle   bool    `json:"mirror_left_middle"`
	AcquireAttempts    int     `json:"acquire_attempts"`
	Seed               int64   `json:"seed"` // 0 picks a time-based seed
}

// Stitching controls the steady-state loop.
type Stitching struct {
	Backend              string `json:"backend"` // auto, cpu, cuda
	Overlap              string `json:"overlap"` // reference, warped
	MaxDroppedIterations int    `json:"max_dropped_iterations"`
}

// Display selects and sizes the output sink.
type Display struct {
	Kind         string   `json:"kind"` // highgui, fyne, web, none
	Window       string   `json:"window"`
	Width        int      `json:"width"`
	Height       int      `json:"height"`
	StopKey      string   `json:"stop_key"`
	PollInterval Duration `json:"poll_interval"`
	Addr         string   `json:"addr"`
}

// Supervisor controls restart behaviour around the pipeline.
type Supervisor struct {
	RetryDelay    Duration `json:"retry_delay"`
	MaxRetryDelay Duration `json:"max_retry_delay"`
	MaxRestarts   int      `json:"max_restarts"` // 0 = unlimited
}

// Logging controls verbosity and output format.
type Logging struct {
	Level  string `json:"level"`  // trace, debug, info, warn, error
	Format string `json:"format"` // console, json
}

// Duration is a time.Duration that reads and writes as "40ms" style strings.
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of milliseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		d.Duration = time.Duration(val * float64(time.Millisecond))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// Path returns the config file location, honouring PANOVIEWER_CONFIG.
func Path() (string, error) {
	p := os.Getenv(EnvPath)
	if p == "" {
		p = defaultConfigPath
	}
	return expandUser(p)
}

// Load reads configuration from the default location, falling back to
// defaults when the file does not exist.
func Load() (*Config, error) {
	p, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFile(p)
}

// LoadFile reads configuration from path. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Cameras: Cameras{
			Left:   Camera{Device: "0", Width: 800, Height: 600},
			Middle: Camera{Device: "1", Width: 800, Height: 600},
			Right:  Camera{Device: "2", Width: 800, Height: 600},
		},
		Calibration: Calibration{
			Detector:           "sift",
			Ratio:              0.75,
			ReprojThreshold:    4.0,
			MaxIterations:      2000,
			Confidence:         0.995,
			MinCorrespondences: 5,
			MinInliers:         8,
			RejectDegenerate:   true,
			MaxAreaScale:       10,
			MirrorLeftMiddle:   true,
			AcquireAttempts:    100,
		},
		Stitching: Stitching{
			Backend: "auto",
			Overlap: "reference",
		},
		Display: Display{
			Kind:         "highgui",
			Window:       "Video Feed",
			Width:        1366,
			Height:       340,
			StopKey:      "q",
			PollInterval: Duration{40 * time.Millisecond},
			Addr:         ":8090",
		},
		Supervisor: Supervisor{
			RetryDelay:    Duration{time.Second},
			MaxRetryDelay: Duration{30 * time.Second},
		},
		Logging: Logging{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	for name, cam := range map[string]Camera{
		"left": c.Cameras.Left, "middle": c.Cameras.Middle, "right": c.Cameras.Right,
	} {
		if strings.TrimSpace(cam.Device) == "" {
			return fmt.Errorf("cameras.%s.device is empty", name)
		}
		if cam.Width < 0 || cam.Height < 0 {
			return fmt.Errorf("cameras.%s has negative size", name)
		}
	}

	cal := c.Calibration
	if !oneOf(cal.Detector, "sift", "orb") {
		return fmt.Errorf("calibration.detector %q is not sift or orb", cal.Detector)
	}
	if cal.Ratio <= 0 || cal.Ratio > 1 {
		return fmt.Errorf("calibration.ratio %v must be in (0,1]", cal.Ratio)
	}
	if cal.ReprojThreshold <= 0 {
		return fmt.Errorf("calibration.reproj_threshold must be positive")
	}
	if cal.MaxIterations <= 0 {
		return fmt.Errorf("calibration.max_iterations must be positive")
	}
	if cal.Confidence <= 0 || cal.Confidence >= 1 {
		return fmt.Errorf("calibration.confidence %v must be in (0,1)", cal.Confidence)
	}
	if cal.MinCorrespondences < 5 {
		return fmt.Errorf("calibration.min_correspondences must be at least 5")
	}
	if cal.MinInliers < 1 {
		return fmt.Errorf("calibration.min_inliers must be at least 1")
	}
	if cal.RejectDegenerate && cal.MaxAreaScale <= 1 {
		return fmt.Errorf("calibration.max_area_scale must be greater than 1")
	}
	if cal.AcquireAttempts < 1 {
		return fmt.Errorf("calibration.acquire_attempts must be at least 1")
	}

	if !oneOf(c.Stitching.Backend, "auto", "cpu", "cuda") {
		return fmt.Errorf("stitching.backend %q is not auto, cpu or cuda", c.Stitching.Backend)
	}
	if !oneOf(c.Stitching.Overlap, "reference", "warped") {
		return fmt.Errorf("stitching.overlap %q is not reference or warped", c.Stitching.Overlap)
	}
	if c.Stitching.MaxDroppedIterations < 0 {
		return fmt.Errorf("stitching.max_dropped_iterations must not be negative")
	}

	if !oneOf(c.Display.Kind, "highgui", "fyne", "web", "none") {
		return fmt.Errorf("display.kind %q is not highgui, fyne, web or none", c.Display.Kind)
	}
	if len([]rune(c.Display.StopKey)) != 1 {
		return fmt.Errorf("display.stop_key must be a single character")
	}
	if c.Display.PollInterval.Duration <= 0 {
		return fmt.Errorf("display.poll_interval must be positive")
	}

	if c.Supervisor.RetryDelay.Duration <= 0 {
		return fmt.Errorf("supervisor.retry_delay must be positive")
	}
	if c.Supervisor.MaxRetryDelay.Duration < c.Supervisor.RetryDelay.Duration {
		return fmt.Errorf("supervisor.max_retry_delay must not be below retry_delay")
	}
	if c.Supervisor.MaxRestarts < 0 {
		return fmt.Errorf("supervisor.max_restarts must not be negative")
	}

	if !oneOf(c.Logging.Format, "console", "json") {
		return fmt.Errorf("logging.format %q is not console or json", c.Logging.Format)
	}
	return nil
}

// StopRune returns the configured stop key.
func (d Display) StopRune() rune {
	for _, r := range d.StopKey {
		return r
	}
	return 'q'
}

// JSON renders the effective configuration.
func (c *Config) JSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
