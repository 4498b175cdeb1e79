// Package panorama warps one frame into another's plane and lays both onto
// a single canvas with a hard seam.
package panorama

import (
	"fmt"
	"image"
	"strings"

	"panoviewer/internal/backend"
	"panoviewer/pkg/geometry"
)

// OverlapPolicy decides which frame wins where the warped source and the
// reference cover the same canvas pixels.
type OverlapPolicy int

const (
	// ReferenceOnTop copies the warped source first and the reference over
	// it, so the reference camera keeps priority in the overlap.
	ReferenceOnTop OverlapPolicy = iota
	// WarpedOnTop copies the reference first and the warped source over it.
	// The warped buffer spans the whole canvas width, so the reference only
	// survives where the warp left pixels black.
	WarpedOnTop
)

func (p OverlapPolicy) String() string {
	switch p {
	case ReferenceOnTop:
		return "reference"
	case WarpedOnTop:
		return "warped"
	default:
		return "unknown"
	}
}

// ParseOverlapPolicy converts a config string into an OverlapPolicy.
func ParseOverlapPolicy(s string) (OverlapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reference", "":
		return ReferenceOnTop, nil
	case "warped":
		return WarpedOnTop, nil
	default:
		return 0, fmt.Errorf("unknown overlap policy %q", s)
	}
}

// CanvasSize returns the output size for a source and reference frame:
// the widths summed, the reference height.
func CanvasSize(src, ref image.Point) image.Point {
	return image.Pt(src.X+ref.X, ref.Y)
}

// Compositor composes frame pairs on one backend.
type Compositor struct {
	b      backend.Backend
	policy OverlapPolicy
}

// NewCompositor returns a compositor using the given overlap policy.
func NewCompositor(b backend.Backend, policy OverlapPolicy) *Compositor {
	return &Compositor{b: b, policy: policy}
}

// Compose warps src through h (src -> ref plane) and places it with ref on a
// zeroed canvas of CanvasSize. The warp scratch buffer is
// (srcWidth+refWidth) x srcHeight and only its first min(srcHeight, refHeight)
// rows reach the canvas. No blending happens across the seam.
func (c *Compositor) Compose(src, ref backend.Image, h geometry.Homography) (backend.Image, error) {
	ss, rs := src.Size(), ref.Size()
	if ss.X <= 0 || ss.Y <= 0 || rs.X <= 0 || rs.Y <= 0 {
		return nil, fmt.Errorf("compose: empty frame (source %v, reference %v)", ss, rs)
	}
	if src.Channels() != ref.Channels() {
		return nil, fmt.Errorf("compose: channel mismatch %d vs %d", src.Channels(), ref.Channels())
	}

	warped, err := c.b.WarpPerspective(src, h, image.Pt(ss.X+rs.X, ss.Y))
	if err != nil {
		return nil, fmt.Errorf("warp: %w", err)
	}
	defer warped.Close()

	canvas, err := c.b.NewImage(CanvasSize(ss, rs), ref.Channels())
	if err != nil {
		return nil, fmt.Errorf("canvas: %w", err)
	}

	warpRect := image.Rect(0, 0, ss.X+rs.X, min(ss.Y, rs.Y))
	refRect := image.Rect(0, 0, rs.X, rs.Y)

	type layer struct {
		img backend.Image
		r   image.Rectangle
	}
	order := []layer{{warped, warpRect}, {ref, refRect}}
	if c.policy == WarpedOnTop {
		order[0], order[1] = order[1], order[0]
	}

	for _, l := range order {
		if err := c.b.CopyRegion(canvas, l.img, l.r); err != nil {
			canvas.Close()
			return nil, fmt.Errorf("copy: %w", err)
		}
	}

	return canvas, nil
}
