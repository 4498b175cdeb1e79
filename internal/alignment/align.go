// Package alignment estimates the projective transform between two
// overlapping camera views from matched features.
package alignment

import (
	"fmt"
	"image"

	"panoviewer/internal/features"
	"panoviewer/internal/matching"
	"panoviewer/pkg/colorutil"
	"panoviewer/pkg/geometry"

	"gocv.io/x/gocv"
)

// Options configures pairwise alignment.
type Options struct {
	Detector         features.Detector
	Ratio            float64 // Lowe ratio threshold
	RANSAC           RANSACOptions
	RejectDegenerate bool
	MaxAreaScale     float64
}

// DefaultOptions returns default alignment options.
func DefaultOptions() Options {
	return Options{
		Detector:         features.DetectorSIFT,
		Ratio:            matching.DefaultRatio,
		RANSAC:           DefaultRANSACOptions(),
		RejectDegenerate: true,
		MaxAreaScale:     10,
	}
}

// PairResult holds everything computed while aligning one image pair.
type PairResult struct {
	Source    *features.Set
	Reference *features.Set
	Matches   *matching.Result
	Estimate  *Estimate
}

// H returns the source to reference transform.
func (r *PairResult) H() geometry.Homography {
	return r.Estimate.H
}

// Aligner reuses one extractor and matcher across image pairs.
type Aligner struct {
	opts      Options
	extractor *features.Extractor
	matcher   *matching.Matcher
}

// NewAligner validates opts and builds the feature pipeline.
func NewAligner(opts Options) (*Aligner, error) {
	ext, err := features.NewExtractor(opts.Detector)
	if err != nil {
		return nil, fmt.Errorf("extractor: %w", err)
	}
	m, err := matching.New(opts.Ratio)
	if err != nil {
		return nil, fmt.Errorf("matcher: %w", err)
	}
	return &Aligner{opts: opts, extractor: ext, matcher: m}, nil
}

// Options returns the aligner's configuration.
func (a *Aligner) Options() Options {
	return a.opts
}

// EstimatePair computes the transform mapping src pixels into ref's plane.
// On failure the partial result is still returned for diagnostics.
func (a *Aligner) EstimatePair(src, ref gocv.Mat) (*PairResult, error) {
	if src.Empty() || ref.Empty() {
		return nil, fmt.Errorf("empty input image")
	}

	// Step 1: detect and describe both images
	srcSet, err := a.extractor.Extract(src)
	if err != nil {
		return nil, fmt.Errorf("source features: %w", err)
	}
	refSet, err := a.extractor.Extract(ref)
	if err != nil {
		return nil, fmt.Errorf("reference features: %w", err)
	}
	res := &PairResult{Source: srcSet, Reference: refSet}

	// Step 2: ratio-tested correspondences
	res.Matches, err = a.matcher.Match(srcSet, refSet)
	if err != nil {
		return res, fmt.Errorf("match: %w", err)
	}

	// Step 3: robust fit
	res.Estimate, err = EstimateHomography(res.Matches.Src, res.Matches.Dst, a.opts.RANSAC)
	if err != nil {
		return res, fmt.Errorf("estimate (%d/%d keypoints, %d matches): %w",
			srcSet.Len(), refSet.Len(), res.Matches.Len(), err)
	}

	// Step 4: reject transforms that fold or blow up the source
	if a.opts.RejectDegenerate {
		if err := ValidateHomography(res.Estimate.H, src.Cols(), src.Rows(), a.opts.MaxAreaScale); err != nil {
			return res, err
		}
	}

	return res, nil
}

// FlipHorizontal mirrors an image around its vertical axis.
func FlipHorizontal(img gocv.Mat) gocv.Mat {
	dst := gocv.NewMat()
	gocv.Flip(img, &dst, 1)
	return dst
}

// VisualizeMatches draws src and ref side by side with a line per
// correspondence. Inliers get a palette colour, rejected matches are grey.
func VisualizeMatches(src, ref gocv.Mat, res *PairResult) gocv.Mat {
	w := src.Cols() + ref.Cols()
	h := max(src.Rows(), ref.Rows())
	canvas := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)

	left := canvas.Region(image.Rect(0, 0, src.Cols(), src.Rows()))
	src.CopyTo(&left)
	left.Close()
	right := canvas.Region(image.Rect(src.Cols(), 0, w, ref.Rows()))
	ref.CopyTo(&right)
	right.Close()

	if res == nil || res.Matches == nil {
		return canvas
	}

	inlier := make(map[int]bool)
	if res.Estimate != nil {
		for _, k := range res.Estimate.Inliers {
			inlier[k] = true
		}
	}

	grey := colorutil.White
	grey.R, grey.G, grey.B = 128, 128, 128
	for i := range res.Matches.Src {
		p := image.Pt(int(res.Matches.Src[i].X), int(res.Matches.Src[i].Y))
		q := image.Pt(int(res.Matches.Dst[i].X)+src.Cols(), int(res.Matches.Dst[i].Y))
		col := grey
		if inlier[i] {
			col = colorutil.Cycle(i)
		}
		gocv.Line(&canvas, p, q, col, 1)
		gocv.Circle(&canvas, p, 3, col, 1)
		gocv.Circle(&canvas, q, 3, col, 1)
	}

	return canvas
}
