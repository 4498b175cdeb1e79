// Package matching pairs keypoints between two images by descriptor
// similarity and filters the pairs with Lowe's ratio test.
package matching

import (
	"errors"
	"fmt"
	"math"

	"panoviewer/internal/features"
	"panoviewer/pkg/geometry"

	"gocv.io/x/gocv"
)

// DefaultRatio is the ratio test threshold used when none is configured.
const DefaultRatio = 0.75

// ErrInvalidRatio is returned for ratios outside (0,1].
var ErrInvalidRatio = errors.New("ratio must be in (0,1]")

// Neighbor is one candidate in set B for a query descriptor in set A.
type Neighbor struct {
	TrainIdx int
	Distance float64
}

// Correspondence asserts that keypoint QueryIdx in A and TrainIdx in B show
// the same physical point.
type Correspondence struct {
	QueryIdx       int
	TrainIdx       int
	Distance       float64
	SecondDistance float64
}

// Result is the filtered match set with the point pairs the estimator needs.
// Src[i] and Dst[i] belong to Correspondences[i].
type Result struct {
	Correspondences []Correspondence
	Src             []geometry.Point2D
	Dst             []geometry.Point2D
	Candidates      int // queries that had two neighbours
}

// Len returns the number of surviving correspondences.
func (r *Result) Len() int {
	return len(r.Correspondences)
}

// Matcher runs brute-force 2-nearest-neighbour search plus the ratio test.
type Matcher struct {
	ratio float64
}

// New returns a matcher with the given ratio threshold.
func New(ratio float64) (*Matcher, error) {
	if ratio <= 0 || ratio > 1 || math.IsNaN(ratio) {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidRatio, ratio)
	}
	return &Matcher{ratio: ratio}, nil
}

// Match finds correspondences from a to b. An empty result is valid.
func (m *Matcher) Match(a, b *features.Set) (*Result, error) {
	if a.Descriptors.Kind != b.Descriptors.Kind {
		return nil, fmt.Errorf("descriptor kinds differ: %s vs %s",
			a.Descriptors.Kind, b.Descriptors.Kind)
	}

	knn := KNN(a.Descriptors, b.Descriptors, 2)

	res := &Result{}
	for q, nn := range knn {
		// Without a second neighbour there is nothing to compare against.
		if len(nn) < 2 {
			continue
		}
		res.Candidates++
		best, second := nn[0], nn[1]
		if !(best.Distance < m.ratio*second.Distance) {
			continue
		}
		res.Correspondences = append(res.Correspondences, Correspondence{
			QueryIdx:       q,
			TrainIdx:       best.TrainIdx,
			Distance:       best.Distance,
			SecondDistance: second.Distance,
		})
		res.Src = append(res.Src, a.Keypoints[q].Point)
		res.Dst = append(res.Dst, b.Keypoints[best.TrainIdx].Point)
	}

	return res, nil
}

// KNN returns, for each descriptor in a, up to k nearest descriptors in b
// sorted by increasing distance. The search is OpenCV's brute-force matcher
// with the L2 norm for float descriptors and Hamming for binary ones.
func KNN(a, b features.Descriptors, k int) [][]Neighbor {
	out := make([][]Neighbor, a.Len())
	if a.Len() == 0 || b.Len() == 0 || k <= 0 {
		return out
	}

	query := a.Mat()
	defer query.Close()
	train := b.Mat()
	defer train.Close()

	bf := gocv.NewBFMatcherWithParams(normFor(a.Kind), false)
	defer bf.Close()

	for _, row := range bf.KnnMatch(query, train, k) {
		if len(row) == 0 {
			continue
		}
		q := row[0].QueryIdx
		nn := make([]Neighbor, 0, len(row))
		for _, m := range row {
			nn = append(nn, Neighbor{TrainIdx: m.TrainIdx, Distance: m.Distance})
		}
		out[q] = nn
	}
	return out
}

func normFor(kind features.DescriptorKind) gocv.NormType {
	if kind == features.KindBinary {
		return gocv.NormHamming
	}
	return gocv.NormL2
}
