//go:build cuda

package backend

import (
	"fmt"
	"image"
	"image/color"

	"panoviewer/pkg/geometry"

	"gocv.io/x/gocv"
	"gocv.io/x/gocv/cuda"
)

type gpuImage struct {
	mat cuda.GpuMat
}

func (i *gpuImage) Size() image.Point {
	return image.Pt(i.mat.Cols(), i.mat.Rows())
}

func (i *gpuImage) Channels() int {
	return i.mat.Channels()
}

func (i *gpuImage) Close() error {
	return i.mat.Close()
}

// CUDA keeps frames in device memory and runs each operation as a
// synchronous kernel launch.
type CUDA struct {
	device int
}

// NewCUDA selects the first CUDA device.
func NewCUDA() (Backend, error) {
	if cuda.GetCudaEnabledDeviceCount() < 1 {
		return nil, fmt.Errorf("%w: no CUDA device found", ErrAcceleratorUnavailable)
	}
	cuda.SetDevice(0)
	return &CUDA{device: 0}, nil
}

func (b *CUDA) Name() string { return string(KindCUDA) }

func (b *CUDA) Close() error {
	cuda.ResetDevice()
	return nil
}

func (b *CUDA) get(img Image) (cuda.GpuMat, error) {
	gi, ok := img.(*gpuImage)
	if !ok || gi == nil {
		return cuda.GpuMat{}, ErrForeignImage
	}
	return gi.mat, nil
}

func (b *CUDA) Upload(m gocv.Mat) (Image, error) {
	if m.Empty() {
		return nil, fmt.Errorf("upload: empty frame")
	}
	g := cuda.NewGpuMat()
	g.Upload(m)
	return &gpuImage{mat: g}, nil
}

func (b *CUDA) Download(img Image) (gocv.Mat, error) {
	g, err := b.get(img)
	if err != nil {
		return gocv.Mat{}, err
	}
	m := gocv.NewMat()
	g.Download(&m)
	return m, nil
}

func (b *CUDA) NewImage(size image.Point, channels int) (Image, error) {
	mt, err := matType(channels)
	if err != nil {
		return nil, err
	}
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("invalid image size %v", size)
	}
	host := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), size.Y, size.X, mt)
	defer host.Close()
	return b.Upload(host)
}

func (b *CUDA) ConvertColor(src Image, code gocv.ColorConversionCode) (Image, error) {
	g, err := b.get(src)
	if err != nil {
		return nil, err
	}
	dst := cuda.NewGpuMat()
	cuda.CvtColor(g, &dst, code)
	return &gpuImage{mat: dst}, nil
}

func (b *CUDA) Split(src Image) ([]Image, error) {
	g, err := b.get(src)
	if err != nil {
		return nil, err
	}
	planes := make([]cuda.GpuMat, g.Channels())
	for i := range planes {
		planes[i] = cuda.NewGpuMat()
	}
	cuda.Split(g, planes)

	out := make([]Image, len(planes))
	for i, p := range planes {
		out[i] = &gpuImage{mat: p}
	}
	return out, nil
}

func (b *CUDA) Merge(channels []Image) (Image, error) {
	mats := make([]cuda.GpuMat, len(channels))
	for i, c := range channels {
		g, err := b.get(c)
		if err != nil {
			return nil, err
		}
		mats[i] = g
	}
	dst := cuda.NewGpuMat()
	cuda.Merge(mats, &dst)
	return &gpuImage{mat: dst}, nil
}

func (b *CUDA) EqualizeHist(src Image) (Image, error) {
	g, err := b.get(src)
	if err != nil {
		return nil, err
	}
	if g.Channels() != 1 {
		return nil, fmt.Errorf("equalize: expected 1 channel, got %d", g.Channels())
	}
	dst := cuda.NewGpuMat()
	cuda.EqualizeHist(g, &dst)
	return &gpuImage{mat: dst}, nil
}

func (b *CUDA) Flip(src Image, code int) (Image, error) {
	g, err := b.get(src)
	if err != nil {
		return nil, err
	}
	dst := cuda.NewGpuMat()
	cuda.Flip(g, &dst, code)
	return &gpuImage{mat: dst}, nil
}

func (b *CUDA) WarpPerspective(src Image, h geometry.Homography, size image.Point) (Image, error) {
	g, err := b.get(src)
	if err != nil {
		return nil, err
	}
	hm := homographyMat(h)
	defer hm.Close()

	dst := cuda.NewGpuMat()
	cuda.WarpPerspective(g, &dst, hm, size, cuda.InterpolationLinear, cuda.BorderConstant, color.RGBA{})
	return &gpuImage{mat: dst}, nil
}

// CopyRegion round-trips through host memory because gocv/cuda has no
// GpuMat region views. Each call downloads both images in full and uploads
// dst again, so a composite costs two canvas downloads and one upload per
// layer on top of the warp. On small frames this can erase the GPU's gain
// over the CPU backend.
func (b *CUDA) CopyRegion(dst, src Image, r image.Rectangle) error {
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

	hostDst := gocv.NewMat()
	defer hostDst.Close()
	d.Download(&hostDst)
	hostSrc := gocv.NewMat()
	defer hostSrc.Close()
	s.Download(&hostSrc)

	from := hostSrc.Region(r)
	defer from.Close()
	to := hostDst.Region(r)
	defer to.Close()
	from.CopyTo(&to)

	d.Upload(hostDst)
	return nil
}
