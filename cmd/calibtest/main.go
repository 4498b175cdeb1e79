// Command calibtest calibrates three still images, stitches them once and
// prints the transforms and residuals.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"panoviewer/internal/alignment"
	"panoviewer/internal/backend"
	"panoviewer/internal/capture"
	"panoviewer/internal/config"
	"panoviewer/internal/logger"
	"panoviewer/internal/pipeline"

	"gocv.io/x/gocv"
)

// firstFrame keeps the first panorama and then asks the pipeline to stop.
type firstFrame struct {
	frame gocv.Mat
	got   bool
}

func (s *firstFrame) Show(_ string, frame gocv.Mat) error {
	if !s.got {
		s.frame = frame.Clone()
		s.got = true
	}
	return nil
}

func (s *firstFrame) PollKey(time.Duration) (rune, bool) { return 'q', s.got }

func (s *firstFrame) Close() error {
	if s.got {
		return s.frame.Close()
	}
	return nil
}

func main() {
	left := flag.String("l", "", "Path to left image")
	middle := flag.String("m", "", "Path to middle image")
	right := flag.String("r", "", "Path to right image")
	output := flag.String("o", "", "Write the panorama to this file")
	matches := flag.String("matches", "", "Write the left-middle match visualisation to this file")
	detector := flag.String("detector", "", "Feature detector (sift or orb); defaults to the config file")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	if *left == "" || *middle == "" || *right == "" {
		fmt.Println("Usage: calibtest -l <left> -m <middle> -r <right> [-o pano.png] [-matches matches.png]")
		os.Exit(1)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	log := logger.NewConsole(level)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *detector != "" {
		cfg.Calibration.Detector = *detector
	}
	if cfg.Calibration.Seed == 0 {
		cfg.Calibration.Seed = 1
	}
	opts, err := pipeline.OptionsFromConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid options: %v\n", err)
		os.Exit(1)
	}
	opts.PollInterval = time.Millisecond

	fmt.Printf("=== Loading images ===\n")
	paths := map[capture.Role]string{capture.Left: *left, capture.Middle: *middle, capture.Right: *right}
	frames := make(map[capture.Role]gocv.Mat)
	for _, role := range capture.Roles {
		m, err := capture.LoadImage(paths[role])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load %s: %v\n", role, err)
			os.Exit(1)
		}
		defer m.Close()
		frames[role] = m
		fmt.Printf("%-6s %s (%dx%d)\n", role, paths[role], m.Cols(), m.Rows())
	}

	opener := capture.OpenerFunc(func(role capture.Role) (capture.Source, error) {
		return capture.NewStill(frames[role].Clone()), nil
	})
	sink := &firstFrame{}
	defer sink.Close()

	b := backend.NewCPU()
	p, err := pipeline.New(opts, opener, b, sink, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open sources: %v\n", err)
		os.Exit(1)
	}
	defer p.Close()

	fmt.Printf("\n=== Calibrating (%s) ===\n", opts.Alignment.Detector)
	runErr := p.Run(context.Background())
	if cal := p.Calibration(); cal != nil {
		printCalibration(cal)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Calibration failed (%s): %v\n", pipeline.KindOf(runErr), runErr)
	}

	if *matches != "" {
		writeMatches(*matches, frames[capture.Left], frames[capture.Middle], opts)
	}

	if runErr != nil {
		os.Exit(1)
	}

	fmt.Printf("\n=== Panorama ===\n")
	fmt.Printf("Size: %dx%d\n", sink.frame.Cols(), sink.frame.Rows())
	if st := p.Stats(); st.Frames > 0 {
		fmt.Printf("Stitch time: %v\n", st.LastIteration)
	}
	if *output != "" {
		if ok := gocv.IMWrite(*output, sink.frame); !ok {
			fmt.Fprintf(os.Stderr, "Failed to write %s\n", *output)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s\n", *output)
	}
}

func printCalibration(cal *pipeline.Calibration) {
	fmt.Printf("Duration: %v\n", cal.Duration)
	fmt.Printf("Mirrored left/middle: %v\n", cal.Mirrored)
	fmt.Printf("\nLeft -> middle:\n  %s\n", cal.LeftToMiddle)
	fmt.Printf("  correspondences=%d inliers=%d mean=%.3f px max=%.3f px\n",
		cal.LeftMiddle.Correspondences, cal.LeftMiddle.Inliers, cal.LeftMiddle.MeanError, cal.LeftMiddle.MaxError)
	fmt.Printf("\nRight -> left+middle:\n  %s\n", cal.RightToLeftMiddle)
	fmt.Printf("  correspondences=%d inliers=%d mean=%.3f px max=%.3f px\n",
		cal.RightLeftMiddle.Correspondences, cal.RightLeftMiddle.Inliers, cal.RightLeftMiddle.MeanError, cal.RightLeftMiddle.MaxError)
}

// writeMatches re-runs the left-middle estimate to draw its matches and
// list the worst inlier residuals.
func writeMatches(path string, left, middle gocv.Mat, opts pipeline.Options) {
	aligner, err := alignment.NewAligner(opts.Alignment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Aligner: %v\n", err)
		return
	}

	l, m := left, middle
	if opts.MirrorLeftMiddle {
		l = alignment.FlipHorizontal(left)
		defer l.Close()
		m = alignment.FlipHorizontal(middle)
		defer m.Close()
	}

	res, err := aligner.EstimatePair(l, m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Left-middle estimate: %v\n", err)
	}
	vis := alignment.VisualizeMatches(l, m, res)
	defer vis.Close()
	if ok := gocv.IMWrite(path, vis); !ok {
		fmt.Fprintf(os.Stderr, "Failed to write %s\n", path)
		return
	}
	fmt.Printf("\nWrote %s\n", path)

	if res == nil || res.Estimate == nil {
		return
	}
	printResiduals(res)
}

func printResiduals(res *alignment.PairResult) {
	type entry struct {
		x, y, err float64
	}
	entries := make([]entry, 0, len(res.Estimate.Inliers))
	for _, k := range res.Estimate.Inliers {
		src, dst := res.Matches.Src[k], res.Matches.Dst[k]
		entries = append(entries, entry{src.X, src.Y, res.H().ReprojectionError(src, dst)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].err > entries[j].err })

	fmt.Printf("\nWorst inlier residuals (left-middle, mirrored coordinates):\n")
	for i, e := range entries {
		if i == 10 {
			break
		}
		fmt.Printf("  X=%6.1f Y=%6.1f  err=%.2f px\n", e.x, e.y, e.err)
	}
}
