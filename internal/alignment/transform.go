package alignment

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"panoviewer/pkg/geometry"

	"gonum.org/v1/gonum/mat"
)

// MinCorrespondences is the smallest point set a transform is fitted from.
const MinCorrespondences = 5

// DefaultMinInliers asks for four points beyond the minimal sample to agree
// before a transform is accepted. Any 4-point sample fits itself exactly, so
// a lower bound only guards against unrelated views by luck.
const DefaultMinInliers = 8

var (
	// ErrInsufficientCorrespondences means too few matched points to attempt a fit.
	ErrInsufficientCorrespondences = errors.New("insufficient correspondences")
	// ErrNoConsensus means no hypothesis gathered enough inliers.
	ErrNoConsensus = errors.New("no consensus transform")
	// ErrDegenerateHomography means the fitted transform is singular or wildly distorting.
	ErrDegenerateHomography = errors.New("degenerate homography")
)

// RANSACOptions configures robust homography estimation.
type RANSACOptions struct {
	Threshold          float64 // max reprojection error of an inlier, in pixels
	MaxIterations      int
	Confidence         float64 // stop early once this probability of success is reached
	MinCorrespondences int
	MinInliers         int
	Refine             bool  // refit on all inliers of the best hypothesis
	Seed               int64 // 0 seeds from the clock
}

// DefaultRANSACOptions returns the options used for camera calibration.
func DefaultRANSACOptions() RANSACOptions {
	return RANSACOptions{
		Threshold:          4.0,
		MaxIterations:      2000,
		Confidence:         0.995,
		MinCorrespondences: MinCorrespondences,
		MinInliers:         DefaultMinInliers,
		Refine:             true,
	}
}

// Estimate is a fitted transform and the evidence for it.
type Estimate struct {
	H          geometry.Homography
	Inliers    []int // indices into the input point slices
	Iterations int
	MeanError  float64 // mean reprojection error over inliers
	MaxError   float64
}

// EstimateHomography fits H with dst ≈ H(src) using RANSAC over 4-point
// samples, then optionally refines it on the consensus set.
func EstimateHomography(src, dst []geometry.Point2D, opts RANSACOptions) (*Estimate, error) {
	if len(src) != len(dst) {
		return nil, fmt.Errorf("point count mismatch: %d vs %d", len(src), len(dst))
	}
	minCorr := max(opts.MinCorrespondences, MinCorrespondences)
	if len(src) < minCorr {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientCorrespondences, len(src), minCorr)
	}
	if opts.Threshold <= 0 {
		return nil, fmt.Errorf("threshold must be positive, got %v", opts.Threshold)
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultRANSACOptions().MaxIterations
	}

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	n := len(src)
	var (
		bestH       geometry.Homography
		bestInliers []int
		bestErr     = math.Inf(1)
	)

	limit := opts.MaxIterations
	iter := 0
	for ; iter < limit; iter++ {
		// Randomly sample 4 distinct points
		idx := sample4(rng, n)

		s := [4]geometry.Point2D{src[idx[0]], src[idx[1]], src[idx[2]], src[idx[3]]}
		d := [4]geometry.Point2D{dst[idx[0]], dst[idx[1]], dst[idx[2]], dst[idx[3]]}
		if hasCollinearTriple(s[:]) || hasCollinearTriple(d[:]) {
			continue
		}

		h, err := fitDLT(s[:], d[:])
		if err != nil {
			continue
		}

		// Count inliers
		inliers, total := scoreInliers(h, src, dst, opts.Threshold)
		if len(inliers) > len(bestInliers) ||
			(len(inliers) == len(bestInliers) && len(inliers) > 0 && total < bestErr) {
			bestH = h
			bestInliers = inliers
			bestErr = total

			limit = min(opts.MaxIterations, adaptiveIterations(len(inliers), n, opts.Confidence))
		}
	}

	minInliers := max(opts.MinInliers, 1)
	if len(bestInliers) < minInliers {
		return nil, fmt.Errorf("%w: best hypothesis has %d inliers, need %d",
			ErrNoConsensus, len(bestInliers), minInliers)
	}

	// Recompute transform using all inliers
	if opts.Refine && len(bestInliers) >= 4 {
		inSrc := make([]geometry.Point2D, len(bestInliers))
		inDst := make([]geometry.Point2D, len(bestInliers))
		for i, k := range bestInliers {
			inSrc[i] = src[k]
			inDst[i] = dst[k]
		}
		if refined, err := fitDLT(inSrc, inDst); err == nil {
			inliers, total := scoreInliers(refined, src, dst, opts.Threshold)
			if len(inliers) >= len(bestInliers) {
				bestH, bestInliers, bestErr = refined, inliers, total
			}
		}
	}

	est := &Estimate{
		H:          bestH.Normalized(),
		Inliers:    bestInliers,
		Iterations: iter,
	}
	for _, k := range bestInliers {
		e := est.H.ReprojectionError(src[k], dst[k])
		est.MeanError += e
		est.MaxError = math.Max(est.MaxError, e)
	}
	est.MeanError /= float64(len(bestInliers))

	return est, nil
}

// adaptiveIterations returns how many samples give the requested confidence
// of drawing one all-inlier sample at the observed inlier ratio.
func adaptiveIterations(inliers, n int, confidence float64) int {
	if confidence <= 0 || confidence >= 1 {
		return math.MaxInt32
	}
	w := float64(inliers) / float64(n)
	p := math.Pow(w, 4)
	if p >= 1 {
		return 1
	}
	if p <= 0 {
		return math.MaxInt32
	}
	k := math.Log(1-confidence) / math.Log(1-p)
	if k > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(math.Ceil(k))
}

func sample4(rng *rand.Rand, n int) [4]int {
	var idx [4]int
	for i := 0; i < 4; {
		k := rng.Intn(n)
		dup := false
		for j := 0; j < i; j++ {
			if idx[j] == k {
				dup = true
				break
			}
		}
		if !dup {
			idx[i] = k
			i++
		}
	}
	return idx
}

// hasCollinearTriple reports whether any three of the points are
// (nearly) collinear, which makes a 4-point fit ill-posed.
func hasCollinearTriple(p []geometry.Point2D) bool {
	for i := 0; i < len(p); i++ {
		for j := i + 1; j < len(p); j++ {
			for k := j + 1; k < len(p); k++ {
				ab := p[j].Sub(p[i])
				ac := p[k].Sub(p[i])
				cross := math.Abs(ab.X*ac.Y - ab.Y*ac.X)
				scale := math.Max(ab.X*ab.X+ab.Y*ab.Y, ac.X*ac.X+ac.Y*ac.Y)
				if cross <= 1e-6*scale || scale == 0 {
					return true
				}
			}
		}
	}
	return false
}

func scoreInliers(h geometry.Homography, src, dst []geometry.Point2D, threshold float64) ([]int, float64) {
	var (
		inliers []int
		total   float64
	)
	for i := range src {
		e := h.ReprojectionError(src[i], dst[i])
		if e < threshold {
			inliers = append(inliers, i)
			total += e
		}
	}
	return inliers, total
}

// fitDLT solves for H from four or more correspondences with the
// normalised direct linear transform.
func fitDLT(src, dst []geometry.Point2D) (geometry.Homography, error) {
	if len(src) < 4 || len(src) != len(dst) {
		return geometry.Homography{}, fmt.Errorf("need at least 4 point pairs, got %d", len(src))
	}

	tSrc, err := normalizingTransform(src)
	if err != nil {
		return geometry.Homography{}, err
	}
	tDst, err := normalizingTransform(dst)
	if err != nil {
		return geometry.Homography{}, err
	}

	// Accumulate AᵀA for the 2n x 9 system A h = 0.
	ata := mat.NewSymDense(9, nil)
	row := make([]float64, 9)
	addRow := func() {
		for i := 0; i < 9; i++ {
			if row[i] == 0 {
				continue
			}
			for j := i; j < 9; j++ {
				ata.SetSym(i, j, ata.At(i, j)+row[i]*row[j])
			}
		}
	}
	for i := range src {
		s := tSrc.Apply(src[i])
		d := tDst.Apply(dst[i])

		row[0], row[1], row[2] = -s.X, -s.Y, -1
		row[3], row[4], row[5] = 0, 0, 0
		row[6], row[7], row[8] = d.X*s.X, d.X*s.Y, d.X
		addRow()

		row[0], row[1], row[2] = 0, 0, 0
		row[3], row[4], row[5] = -s.X, -s.Y, -1
		row[6], row[7], row[8] = d.Y*s.X, d.Y*s.Y, d.Y
		addRow()
	}

	// The solution is the right singular vector of the smallest singular value.
	var svd mat.SVD
	if ok := svd.Factorize(ata, mat.SVDFull); !ok {
		return geometry.Homography{}, fmt.Errorf("SVD failed")
	}
	var v mat.Dense
	svd.VTo(&v)

	var hn geometry.Homography
	for i := 0; i < 9; i++ {
		hn[i] = v.At(i, 8)
	}

	tDstInv, ok := tDst.Inverse()
	if !ok {
		return geometry.Homography{}, fmt.Errorf("normalisation not invertible")
	}
	h := tDstInv.Compose(hn).Compose(tSrc)
	if h[8] == 0 || !isFinite(h) {
		return geometry.Homography{}, fmt.Errorf("transform at infinity")
	}
	return h.Normalized(), nil
}

// normalizingTransform moves the centroid to the origin and scales the mean
// distance from it to sqrt(2).
func normalizingTransform(pts []geometry.Point2D) (geometry.Homography, error) {
	c := geometry.Centroid(pts)
	var mean float64
	for _, p := range pts {
		mean += p.Distance(c)
	}
	mean /= float64(len(pts))
	if mean < 1e-9 {
		return geometry.Homography{}, fmt.Errorf("points are coincident")
	}
	s := math.Sqrt2 / mean
	return geometry.Homography{s, 0, -s * c.X, 0, s, -s * c.Y, 0, 0, 1}, nil
}

func isFinite(h geometry.Homography) bool {
	for _, v := range h {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
