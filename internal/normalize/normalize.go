// Package normalize reduces exposure and white balance differences between
// cameras before their frames are composited.
//
// Colour frames get two equalisation passes: first the Y channel of YUV,
// then each of B, G and R. The second pass shifts hue and saturation, which
// trades colour fidelity for less visible seams between sensors. Dropping
// either pass changes the output, so both are kept.
package normalize

import (
	"fmt"

	"panoviewer/internal/backend"

	"gocv.io/x/gocv"
)

// Normalizer runs histogram equalisation on a backend.
type Normalizer struct {
	b backend.Backend
}

// New returns a normalizer bound to b.
func New(b backend.Backend) *Normalizer {
	return &Normalizer{b: b}
}

// Normalize returns a new equalised image; src is left untouched.
// Single-channel images get one plain equalisation.
func (n *Normalizer) Normalize(src backend.Image) (backend.Image, error) {
	switch src.Channels() {
	case 1:
		return n.b.EqualizeHist(src)
	case 3:
	default:
		return nil, fmt.Errorf("normalize: unsupported channel count %d", src.Channels())
	}

	lum, err := n.equalizeLuminance(src)
	if err != nil {
		return nil, fmt.Errorf("luminance pass: %w", err)
	}
	defer lum.Close()

	out, err := n.equalizeChannels(lum, 0, 1, 2)
	if err != nil {
		return nil, fmt.Errorf("channel pass: %w", err)
	}
	return out, nil
}

// equalizeLuminance equalises Y in YUV and converts back to BGR.
func (n *Normalizer) equalizeLuminance(src backend.Image) (backend.Image, error) {
	yuv, err := n.b.ConvertColor(src, gocv.ColorBGRToYUV)
	if err != nil {
		return nil, err
	}
	defer yuv.Close()

	eq, err := n.equalizeChannels(yuv, 0)
	if err != nil {
		return nil, err
	}
	defer eq.Close()

	return n.b.ConvertColor(eq, gocv.ColorYUVToBGR)
}

// equalizeChannels splits img, equalises the listed planes and merges.
func (n *Normalizer) equalizeChannels(img backend.Image, which ...int) (backend.Image, error) {
	planes, err := n.b.Split(img)
	if err != nil {
		return nil, err
	}
	defer func() { backend.CloseAll(planes...) }()

	for _, i := range which {
		if i >= len(planes) {
			return nil, fmt.Errorf("channel %d out of range", i)
		}
		eq, err := n.b.EqualizeHist(planes[i])
		if err != nil {
			return nil, err
		}
		planes[i].Close()
		planes[i] = eq
	}

	return n.b.Merge(planes)
}
