package backend

import (
	"fmt"
	"image"
	"image/color"

	"panoviewer/pkg/geometry"

	"gocv.io/x/gocv"
)

type cpuImage struct {
	mat gocv.Mat
}

func (i *cpuImage) Size() image.Point {
	return image.Pt(i.mat.Cols(), i.mat.Rows())
}

func (i *cpuImage) Channels() int {
	return i.mat.Channels()
}

func (i *cpuImage) Close() error {
	return i.mat.Close()
}

// CPU runs every operation on host memory with OpenCV.
type CPU struct{}

// NewCPU returns the host backend.
func NewCPU() *CPU {
	return &CPU{}
}

func (b *CPU) Name() string { return string(KindCPU) }

func (b *CPU) Close() error { return nil }

func (b *CPU) get(img Image) (gocv.Mat, error) {
	ci, ok := img.(*cpuImage)
	if !ok || ci == nil {
		return gocv.Mat{}, ErrForeignImage
	}
	return ci.mat, nil
}

func (b *CPU) Upload(m gocv.Mat) (Image, error) {
	if m.Empty() {
		return nil, fmt.Errorf("upload: empty frame")
	}
	return &cpuImage{mat: m.Clone()}, nil
}

func (b *CPU) Download(img Image) (gocv.Mat, error) {
	m, err := b.get(img)
	if err != nil {
		return gocv.Mat{}, err
	}
	return m.Clone(), nil
}

func (b *CPU) NewImage(size image.Point, channels int) (Image, error) {
	mt, err := matType(channels)
	if err != nil {
		return nil, err
	}
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("invalid image size %v", size)
	}
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), size.Y, size.X, mt)
	return &cpuImage{mat: m}, nil
}

func (b *CPU) ConvertColor(src Image, code gocv.ColorConversionCode) (Image, error) {
	m, err := b.get(src)
	if err != nil {
		return nil, err
	}
	dst := gocv.NewMat()
	gocv.CvtColor(m, &dst, code)
	return &cpuImage{mat: dst}, nil
}

func (b *CPU) Split(src Image) ([]Image, error) {
	m, err := b.get(src)
	if err != nil {
		return nil, err
	}
	planes := gocv.Split(m)
	out := make([]Image, len(planes))
	for i, p := range planes {
		out[i] = &cpuImage{mat: p}
	}
	return out, nil
}

func (b *CPU) Merge(channels []Image) (Image, error) {
	mats := make([]gocv.Mat, len(channels))
	for i, c := range channels {
		m, err := b.get(c)
		if err != nil {
			return nil, err
		}
		mats[i] = m
	}
	dst := gocv.NewMat()
	gocv.Merge(mats, &dst)
	return &cpuImage{mat: dst}, nil
}

func (b *CPU) EqualizeHist(src Image) (Image, error) {
	m, err := b.get(src)
	if err != nil {
		return nil, err
	}
	if m.Channels() != 1 {
		return nil, fmt.Errorf("equalize: expected 1 channel, got %d", m.Channels())
	}
	dst := gocv.NewMat()
	gocv.EqualizeHist(m, &dst)
	return &cpuImage{mat: dst}, nil
}

func (b *CPU) Flip(src Image, code int) (Image, error) {
	m, err := b.get(src)
	if err != nil {
		return nil, err
	}
	dst := gocv.NewMat()
	gocv.Flip(m, &dst, code)
	return &cpuImage{mat: dst}, nil
}

func (b *CPU) WarpPerspective(src Image, h geometry.Homography, size image.Point) (Image, error) {
	m, err := b.get(src)
	if err != nil {
		return nil, err
	}
	hm := homographyMat(h)
	defer hm.Close()

	dst := gocv.NewMat()
	gocv.WarpPerspectiveWithParams(m, &dst, hm, size,
		gocv.InterpolationLinear, gocv.BorderConstant, color.RGBA{})
	return &cpuImage{mat: dst}, nil
}

func (b *CPU) CopyRegion(dst, src Image, r image.Rectangle) error {
	d, err := b.get(dst)
	if err != nil {
		return err
	}
	s, err := b.get(src)
	if err != nil {
		return err
	}
	if err := checkRegion(dst, src, r); err != nil {
		return err
	}

	from := s.Region(r)
	defer from.Close()
	to := d.Region(r)
	defer to.Close()
	from.CopyTo(&to)
	return nil
}
