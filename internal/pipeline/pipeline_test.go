package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"sync"
	"testing"
	"time"

	"panoviewer/internal/alignment"
	"panoviewer/internal/backend"
	"panoviewer/internal/capture"
	"panoviewer/internal/config"
	"panoviewer/internal/testscene"
	"panoviewer/pkg/colorutil"
	"panoviewer/pkg/geometry"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"
)

// scriptedSource returns copies of one frame; fail(n) decides whether the
// n-th read (1-based) produces nothing.
type scriptedSource struct {
	mu     sync.Mutex
	frame  gocv.Mat
	reads  int
	fail   func(n int) bool
	closed bool
}

func (s *scriptedSource) Read() (gocv.Mat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.closed || (s.fail != nil && s.fail(s.reads)) {
		return gocv.Mat{}, false
	}
	return s.frame.Clone(), true
}

func (s *scriptedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// recordingSink keeps a copy of every frame. PollKey replays keys, then
// reports stop once stopAfter frames were shown.
type recordingSink struct {
	frames    []gocv.Mat
	names     []string
	keys      []rune
	stopAfter int
	onShow    func(n int)
}

func (s *recordingSink) Show(name string, frame gocv.Mat) error {
	s.frames = append(s.frames, frame.Clone())
	s.names = append(s.names, name)
	if s.onShow != nil {
		s.onShow(len(s.frames))
	}
	return nil
}

func (s *recordingSink) PollKey(time.Duration) (rune, bool) {
	if len(s.keys) > 0 {
		k := s.keys[0]
		s.keys = s.keys[1:]
		return k, true
	}
	if s.stopAfter > 0 && len(s.frames) >= s.stopAfter {
		return 'q', true
	}
	return 0, false
}

func (s *recordingSink) Close() error {
	for i := range s.frames {
		s.frames[i].Close()
	}
	return nil
}

// Scene layout: three 320x240 views of a 720x240 scene at x = 0, 200 and
// 400. Each view holds one black marker no other camera sees.
var (
	sceneMarkers = map[capture.Role]image.Point{
		capture.Left:   image.Pt(100, 60),
		capture.Middle: image.Pt(360, 120),
		capture.Right:  image.Pt(620, 180),
	}
	viewOrigins = map[capture.Role]int{capture.Left: 0, capture.Middle: 200, capture.Right: 400}
)

const (
	viewW, viewH = 320, 240
	markerSize   = 14
)

func cameraViews(t *testing.T) map[capture.Role]gocv.Mat {
	t.Helper()
	scene := testscene.Scene(720, viewH, 7)
	defer scene.Close()
	for _, c := range sceneMarkers {
		testscene.Marker(&scene, c, markerSize, colorutil.Black)
	}

	views := make(map[capture.Role]gocv.Mat)
	for _, role := range capture.Roles {
		x := viewOrigins[role]
		views[role] = testscene.Crop(scene, image.Rect(x, 0, x+viewW, viewH))
	}
	t.Cleanup(func() {
		for _, m := range views {
			m.Close()
		}
	})
	return views
}

func testOptions(states *[]State) Options {
	opts := DefaultOptions()
	opts.Alignment.RANSAC.Seed = 1
	opts.AcquireAttempts = 3
	opts.PollInterval = time.Millisecond
	if states != nil {
		opts.OnState = func(s State) { *states = append(*states, s) }
	}
	return opts
}

func newTestPipeline(t *testing.T, opts Options, sources map[capture.Role]capture.Source, sink *recordingSink) *PipelineContext {
	t.Helper()
	opener := capture.OpenerFunc(func(role capture.Role) (capture.Source, error) {
		return sources[role], nil
	})
	p, err := New(opts, opener, backend.NewCPU(), sink, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		p.Close()
		sink.Close()
	})
	return p
}

func stillSources(views map[capture.Role]gocv.Mat) map[capture.Role]capture.Source {
	sources := make(map[capture.Role]capture.Source)
	for role, m := range views {
		sources[role] = &scriptedSource{frame: m}
	}
	return sources
}

func maxCornerDeviation(h, want geometry.Homography, w, hgt int) float64 {
	worst := 0.0
	for _, c := range geometry.Corners(w, hgt) {
		p, q := h.Apply(c), want.Apply(c)
		worst = math.Max(worst, math.Hypot(p.X-q.X, p.Y-q.Y))
	}
	return worst
}

// markerCentroid locates the dark pixels within radius of want.
func markerCentroid(img gocv.Mat, want image.Point, radius int) (geometry.Point2D, int) {
	var sx, sy float64
	n := 0
	for y := max(0, want.Y-radius); y < min(img.Rows(), want.Y+radius); y++ {
		for x := max(0, want.X-radius); x < min(img.Cols(), want.X+radius); x++ {
			px := testscene.PixelAt(img, x, y)
			if px[0] <= 10 && px[1] <= 10 && px[2] <= 10 {
				sx += float64(x)
				sy += float64(y)
				n++
			}
		}
	}
	if n == 0 {
		return geometry.Point2D{}, 0
	}
	return geometry.Point2D{X: sx / float64(n), Y: sy / float64(n)}, n
}

func TestStitchThreeCameras(t *testing.T) {
	views := cameraViews(t)
	var states []State
	sink := &recordingSink{stopAfter: 2}
	p := newTestPipeline(t, testOptions(&states), stillSources(views), sink)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []State{Calibrating, SteadyState, Terminated}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}

	cal := p.Calibration()
	if cal == nil {
		t.Fatal("no calibration recorded")
	}
	// Mirrored left and middle views differ by +200 px; the right view sits
	// 520 px into the left+middle composite, whose first 120 columns are empty.
	if d := maxCornerDeviation(cal.LeftToMiddle, geometry.TranslationHomography(200, 0), viewW, viewH); d > 1.0 {
		t.Errorf("left->middle deviates %.3f px from ground truth: %s", d, cal.LeftToMiddle)
	}
	if d := maxCornerDeviation(cal.RightToLeftMiddle, geometry.TranslationHomography(520, 0), viewW, viewH); d > 1.5 {
		t.Errorf("right->left+middle deviates %.3f px from ground truth: %s", d, cal.RightToLeftMiddle)
	}
	if cal.LeftMiddle.Inliers < wantMinInliers || cal.RightLeftMiddle.Inliers < wantMinInliers {
		t.Errorf("too few inliers: %+v %+v", cal.LeftMiddle, cal.RightLeftMiddle)
	}

	if len(sink.frames) != 2 {
		t.Fatalf("expected 2 frames shown, got %d", len(sink.frames))
	}
	if sink.names[0] != "Video Feed" {
		t.Errorf("window name %q", sink.names[0])
	}
	pano := sink.frames[0]
	if pano.Cols() != 3*viewW || pano.Rows() != viewH {
		t.Fatalf("panorama is %dx%d, want %dx%d", pano.Cols(), pano.Rows(), 3*viewW, viewH)
	}

	// Output column c shows scene column c-120.
	for role, m := range sceneMarkers {
		expect := image.Pt(m.X+120, m.Y)
		got, n := markerCentroid(pano, expect, 25)
		if n < markerSize*markerSize/2 {
			t.Errorf("%s marker missing near %v (%d dark pixels)", role, expect, n)
			continue
		}
		if d := math.Hypot(got.X-float64(expect.X), got.Y-float64(expect.Y)); d > 2 {
			t.Errorf("%s marker at (%.1f,%.1f), want %v", role, got.X, got.Y, expect)
		}
	}

	stats := p.Stats()
	if stats.Frames != 2 || stats.Dropped != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

// wantMinInliers is the evidence a clean synthetic pair must produce.
const wantMinInliers = 20

func TestCalibrationFailsWithoutOverlap(t *testing.T) {
	views := cameraViews(t)
	blank := testscene.Solid(viewW, viewH, color.RGBA{R: 90, G: 90, B: 90, A: 255})
	defer blank.Close()

	sources := stillSources(views)
	sources[capture.Right] = &scriptedSource{frame: blank}

	var states []State
	sink := &recordingSink{stopAfter: 1}
	p := newTestPipeline(t, testOptions(&states), sources, sink)

	err := p.Run(context.Background())
	if err == nil {
		t.Fatal("expected calibration failure")
	}
	if KindOf(err) != InsufficientCorrespondences {
		t.Fatalf("kind = %s, want insufficient_correspondences (%v)", KindOf(err), err)
	}
	if !errors.Is(err, alignment.ErrInsufficientCorrespondences) {
		t.Errorf("sentinel not wrapped: %v", err)
	}
	var pe *Error
	if errors.As(err, &pe) && pe.Stage != "calibrate/right-left_middle" {
		t.Errorf("stage = %q", pe.Stage)
	}
	if len(sink.frames) != 0 {
		t.Errorf("a panorama was shown after failed calibration")
	}
	if p.Calibration() != nil {
		t.Errorf("calibration stored despite failure")
	}
	if len(states) != 2 || states[0] != Calibrating || states[1] != Terminated {
		t.Errorf("states = %v", states)
	}
}

func TestCalibrationFailsOnUnrelatedTexturedView(t *testing.T) {
	views := cameraViews(t)
	elsewhere := testscene.Scene(viewW, viewH, 99)
	defer elsewhere.Close()

	sources := stillSources(views)
	sources[capture.Right] = &scriptedSource{frame: elsewhere}

	var states []State
	sink := &recordingSink{stopAfter: 1}
	p := newTestPipeline(t, testOptions(&states), sources, sink)

	err := p.Run(context.Background())
	if err == nil {
		t.Fatalf("calibrated against an unrelated view: %v", p.Calibration().RightToLeftMiddle)
	}
	if k := KindOf(err); k != InsufficientCorrespondences && k != DegenerateHomography {
		t.Fatalf("kind = %s (%v)", k, err)
	}
	var pe *Error
	if errors.As(err, &pe) && pe.Stage != "calibrate/right-left_middle" {
		t.Errorf("stage = %q", pe.Stage)
	}
	if len(sink.frames) != 0 || p.Calibration() != nil {
		t.Errorf("failed calibration left frames or transforms behind")
	}
}

func TestCalibrationRetriesAcquisition(t *testing.T) {
	views := cameraViews(t)
	sources := stillSources(views)
	middle := sources[capture.Middle].(*scriptedSource)
	middle.fail = func(n int) bool { return n <= 2 }

	sink := &recordingSink{stopAfter: 1}
	p := newTestPipeline(t, testOptions(nil), sources, sink)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if middle.reads < 3 {
		t.Errorf("expected retries, middle read %d times", middle.reads)
	}
}

func TestCalibrationGivesUpOnDeadCamera(t *testing.T) {
	views := cameraViews(t)
	sources := stillSources(views)
	left := sources[capture.Left].(*scriptedSource)
	left.fail = func(int) bool { return true }

	var states []State
	sink := &recordingSink{}
	p := newTestPipeline(t, testOptions(&states), sources, sink)

	err := p.Run(context.Background())
	if KindOf(err) != Unrecoverable || !errors.Is(err, ErrAcquisition) {
		t.Fatalf("expected unrecoverable acquisition failure, got %v", err)
	}
	if left.reads != 3 {
		t.Errorf("expected 3 attempts, got %d", left.reads)
	}
	// Never left Uncalibrated.
	if len(states) != 1 || states[0] != Terminated {
		t.Errorf("states = %v", states)
	}
}

func TestSteadyStateSkipsMissingFrames(t *testing.T) {
	views := cameraViews(t)
	sources := stillSources(views)
	right := sources[capture.Right].(*scriptedSource)
	right.fail = func(n int) bool { return n == 2 || n == 3 }

	sink := &recordingSink{stopAfter: 2}
	p := newTestPipeline(t, testOptions(nil), sources, sink)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stats := p.Stats()
	if stats.Dropped != 2 || stats.Frames != 2 || stats.ConsecutiveDropped != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestSteadyStateGivesUpAfterMaxDrops(t *testing.T) {
	views := cameraViews(t)
	sources := stillSources(views)
	middle := sources[capture.Middle].(*scriptedSource)
	middle.fail = func(n int) bool { return n > 1 }

	opts := testOptions(nil)
	opts.MaxDroppedIterations = 3
	sink := &recordingSink{}
	p := newTestPipeline(t, opts, sources, sink)

	err := p.Run(context.Background())
	if KindOf(err) != Unrecoverable || !errors.Is(err, ErrAcquisition) {
		t.Fatalf("expected persistent acquisition failure, got %v", err)
	}
	if p.Stats().Dropped != 3 {
		t.Errorf("dropped = %d, want 3", p.Stats().Dropped)
	}
	if len(sink.frames) != 0 {
		t.Errorf("frames shown without a middle camera")
	}
}

func TestOtherKeysDoNotStop(t *testing.T) {
	views := cameraViews(t)
	sink := &recordingSink{keys: []rune{'x', 'Q'}, stopAfter: 3}
	p := newTestPipeline(t, testOptions(nil), stillSources(views), sink)
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sink.frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(sink.frames))
	}
}

func TestCancelEndsRun(t *testing.T) {
	views := cameraViews(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recordingSink{onShow: func(n int) {
		if n == 1 {
			cancel()
		}
	}}
	p := newTestPipeline(t, testOptions(nil), stillSources(views), sink)
	if err := p.Run(ctx); err != nil {
		t.Fatalf("cancelled run returned %v", err)
	}
	if len(sink.frames) != 1 {
		t.Fatalf("expected 1 frame before cancel, got %d", len(sink.frames))
	}
	if p.State() != Terminated {
		t.Fatalf("state = %s", p.State())
	}

	if err := p.Run(context.Background()); KindOf(err) != Unrecoverable {
		t.Fatalf("second Run should fail, got %v", err)
	}
}

func TestNewClosesSourcesOnOpenFailure(t *testing.T) {
	opened := map[capture.Role]*scriptedSource{}
	opener := capture.OpenerFunc(func(role capture.Role) (capture.Source, error) {
		if role == capture.Right {
			return nil, capture.ErrOpenFailed
		}
		s := &scriptedSource{}
		opened[role] = s
		return s, nil
	})

	_, err := New(testOptions(nil), opener, backend.NewCPU(), &recordingSink{}, zerolog.Nop())
	if KindOf(err) != Unrecoverable || !errors.Is(err, capture.ErrOpenFailed) {
		t.Fatalf("unexpected error %v", err)
	}
	for role, s := range opened {
		if !s.closed {
			t.Errorf("%s source left open", role)
		}
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Calibration.Detector = "orb"
	cfg.Calibration.Ratio = 0.6
	cfg.Stitching.Overlap = "warped"
	cfg.Display.StopKey = "x"

	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Alignment.Detector != "orb" || opts.Alignment.Ratio != 0.6 {
		t.Errorf("alignment options not mapped: %+v", opts.Alignment)
	}
	if opts.StopKey != 'x' || opts.Overlap.String() != "warped" {
		t.Errorf("display/stitching options not mapped: %+v", opts)
	}
	if opts.Alignment.RANSAC.MinCorrespondences != 5 || !opts.MirrorLeftMiddle {
		t.Errorf("defaults lost: %+v", opts)
	}

	cfg.Calibration.Detector = "surf"
	if _, err := OptionsFromConfig(cfg); err == nil {
		t.Error("expected error for unknown detector")
	}
}
