package alignment

import (
	"fmt"
	"math"

	"panoviewer/pkg/geometry"
)

// maxCondition bounds the 2-norm condition number of the normalised matrix.
// Pixel-unit translations of a few thousand stay several orders below it.
const maxCondition = 1e10

// ValidateHomography rejects transforms that cannot place a w x h source
// image sensibly: singular or ill-conditioned matrices, corners mapped behind the camera,
// folded (non-convex) outlines and local area scales outside
// [1/maxAreaScale, maxAreaScale]. A maxAreaScale <= 1 skips the scale check.
func ValidateHomography(h geometry.Homography, w, hgt int, maxAreaScale float64) error {
	if !isFinite(h) {
		return fmt.Errorf("%w: non-finite coefficients", ErrDegenerateHomography)
	}

	n := h.Normalized()
	if det := n.Det(); math.Abs(det) < 1e-9 || math.IsNaN(det) {
		return fmt.Errorf("%w: determinant %.3g", ErrDegenerateHomography, det)
	}
	if c := n.Cond(); c > maxCondition || math.IsNaN(c) {
		return fmt.Errorf("%w: condition number %.3g", ErrDegenerateHomography, c)
	}

	corners := geometry.Corners(w, hgt)
	mapped := make([]geometry.Point2D, len(corners))
	for i, c := range corners {
		q, s := n.Project(c)
		if s <= 0 {
			return fmt.Errorf("%w: corner (%g,%g) maps behind the camera", ErrDegenerateHomography, c.X, c.Y)
		}
		mapped[i] = q
	}
	if !geometry.IsConvex(mapped) {
		return fmt.Errorf("%w: warped outline is not convex", ErrDegenerateHomography)
	}

	if maxAreaScale > 1 {
		probes := append(corners, geometry.Point2D{X: float64(w) / 2, Y: float64(hgt) / 2})
		for _, p := range probes {
			a := n.AreaScale(p)
			if a < 1/maxAreaScale || a > maxAreaScale {
				return fmt.Errorf("%w: area scale %.3g at (%g,%g)", ErrDegenerateHomography, a, p.X, p.Y)
			}
		}
	}
	return nil
}
