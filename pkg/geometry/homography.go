package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Homography represents a 3x3 projective transform stored in row-major order.
// [h0 h1 h2]
// [h3 h4 h5]
// [h6 h7 h8]
type Homography [9]float64

// IdentityHomography returns the identity transform.
func IdentityHomography() Homography {
	return Homography{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// TranslationHomography returns a pure translation.
func TranslationHomography(tx, ty float64) Homography {
	return Homography{1, 0, tx, 0, 1, ty, 0, 0, 1}
}

// HomographyFromDense copies a 3x3 gonum matrix into a Homography.
func HomographyFromDense(m mat.Matrix) (Homography, error) {
	r, c := m.Dims()
	if r != 3 || c != 3 {
		return Homography{}, fmt.Errorf("homography must be 3x3, got %dx%d", r, c)
	}
	var h Homography
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			h[i*3+j] = m.At(i, j)
		}
	}
	return h, nil
}

// At returns the element at the given row and column.
func (h Homography) At(row, col int) float64 {
	return h[row*3+col]
}

// Dense returns the transform as a gonum matrix.
func (h Homography) Dense() *mat.Dense {
	vals := make([]float64, 9)
	copy(vals, h[:])
	return mat.NewDense(3, 3, vals)
}

// Project maps p and also returns the homogeneous scale w.
func (h Homography) Project(p Point2D) (Point2D, float64) {
	w := h[6]*p.X + h[7]*p.Y + h[8]
	if w == 0 {
		return Point2D{X: math.Inf(1), Y: math.Inf(1)}, 0
	}
	return Point2D{
		X: (h[0]*p.X + h[1]*p.Y + h[2]) / w,
		Y: (h[3]*p.X + h[4]*p.Y + h[5]) / w,
	}, w
}

// Apply maps a point through the transform.
func (h Homography) Apply(p Point2D) Point2D {
	q, _ := h.Project(p)
	return q
}

// Compose returns this transform composed with another (this * other),
// i.e. other is applied first.
func (h Homography) Compose(other Homography) Homography {
	var out Homography
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var sum float64
			for k := 0; k < 3; k++ {
				sum += h[i*3+k] * other[k*3+j]
			}
			out[i*3+j] = sum
		}
	}
	return out
}

// Normalized returns the transform scaled so that h8 == 1.
// Transforms with h8 == 0 are returned unchanged.
func (h Homography) Normalized() Homography {
	if h[8] == 0 {
		return h
	}
	var out Homography
	for i := range h {
		out[i] = h[i] / h[8]
	}
	return out
}

// Det returns the determinant of the 3x3 matrix.
func (h Homography) Det() float64 {
	return h[0]*(h[4]*h[8]-h[5]*h[7]) -
		h[1]*(h[3]*h[8]-h[5]*h[6]) +
		h[2]*(h[3]*h[7]-h[4]*h[6])
}

// Inverse returns the inverse transform, if it exists.
func (h Homography) Inverse() (Homography, bool) {
	if math.Abs(h.Det()) < 1e-12 {
		return Homography{}, false
	}

	var inv mat.Dense
	if err := inv.Inverse(h.Dense()); err != nil {
		return Homography{}, false
	}

	out, err := HomographyFromDense(&inv)
	if err != nil {
		return Homography{}, false
	}
	return out.Normalized(), true
}

// Cond returns the 2-norm condition number of the matrix.
func (h Homography) Cond() float64 {
	return mat.Cond(h.Dense(), 2)
}

// AreaScale returns the local area magnification of the mapping at p,
// det(H) / w^3 for the normalised transform.
func (h Homography) AreaScale(p Point2D) float64 {
	n := h.Normalized()
	w := n[6]*p.X + n[7]*p.Y + n[8]
	if w == 0 {
		return math.Inf(1)
	}
	return n.Det() / (w * w * w)
}

// Footprint returns the bounding box of a w x h image after mapping.
// ok is false when any corner maps to or behind the line at infinity.
func (h Homography) Footprint(w, hgt int) (Rect, bool) {
	corners := Corners(w, hgt)
	mapped := make([]Point2D, len(corners))
	for i, c := range corners {
		q, s := h.Project(c)
		if s <= 0 {
			return Rect{}, false
		}
		mapped[i] = q
	}
	return BoundingBox(mapped), true
}

// ReprojectionError returns the distance between the mapped src and dst.
func (h Homography) ReprojectionError(src, dst Point2D) float64 {
	return h.Apply(src).Distance(dst)
}

// String formats the transform as three bracketed rows.
func (h Homography) String() string {
	return fmt.Sprintf("[%.6g %.6g %.6g; %.6g %.6g %.6g; %.6g %.6g %.6g]",
		h[0], h[1], h[2], h[3], h[4], h[5], h[6], h[7], h[8])
}
