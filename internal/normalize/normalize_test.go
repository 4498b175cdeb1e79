package normalize

import (
	"testing"

	"panoviewer/internal/backend"
	"panoviewer/internal/testscene"

	"gocv.io/x/gocv"
)

func run(t *testing.T, n *Normalizer, b backend.Backend, m gocv.Mat) gocv.Mat {
	t.Helper()
	img, err := b.Upload(m)
	if err != nil {
		t.Fatal(err)
	}
	defer img.Close()
	out, err := n.Normalize(img)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	defer out.Close()
	res, err := b.Download(out)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestNormalizeIdempotentOnEqualizedPlane(t *testing.T) {
	b := backend.NewCPU()
	n := New(b)

	ramp := testscene.Gradient(256, 64)
	defer ramp.Close()

	once := run(t, n, b, ramp)
	defer once.Close()
	twice := run(t, n, b, once)
	defer twice.Close()

	mean, maxDiff := testscene.MeanAbsDiff(once, twice)
	if mean > 2 || maxDiff > 10 {
		t.Fatalf("second pass changed output: mean %.2f max %d", mean, maxDiff)
	}
}

func TestNormalizeStretchesContrast(t *testing.T) {
	b := backend.NewCPU()
	n := New(b)

	// Squash a textured frame into a narrow dark band.
	scene := testscene.Scene(160, 120, 21)
	defer scene.Close()
	dark := gocv.NewMat()
	defer dark.Close()
	scene.ConvertToWithParams(&dark, gocv.MatTypeCV8UC3, 0.25, 10)

	out := run(t, n, b, dark)
	defer out.Close()

	if out.Cols() != 160 || out.Rows() != 120 || out.Channels() != 3 {
		t.Fatalf("unexpected output shape %dx%dx%d", out.Cols(), out.Rows(), out.Channels())
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(out, &gray, gocv.ColorBGRToGray)
	minVal, maxVal, _, _ := gocv.MinMaxLoc(gray)
	if maxVal-minVal < 200 {
		t.Fatalf("expected stretched range, got [%v,%v]", minVal, maxVal)
	}
}

// equalizePlanes equalises the listed planes of src directly with gocv.
func equalizePlanes(src gocv.Mat, which ...int) gocv.Mat {
	planes := gocv.Split(src)
	defer func() {
		for _, p := range planes {
			p.Close()
		}
	}()
	for _, i := range which {
		eq := gocv.NewMat()
		gocv.EqualizeHist(planes[i], &eq)
		planes[i].Close()
		planes[i] = eq
	}
	out := gocv.NewMat()
	gocv.Merge(planes, &out)
	return out
}

// lumaOnly equalises Y of YUV and returns to BGR.
func lumaOnly(src gocv.Mat) gocv.Mat {
	yuv := gocv.NewMat()
	defer yuv.Close()
	gocv.CvtColor(src, &yuv, gocv.ColorBGRToYUV)
	eq := equalizePlanes(yuv, 0)
	defer eq.Close()
	bgr := gocv.NewMat()
	gocv.CvtColor(eq, &bgr, gocv.ColorYUVToBGR)
	return bgr
}

func TestNormalizeRunsLuminanceThenChannelPass(t *testing.T) {
	b := backend.NewCPU()
	n := New(b)

	scene := testscene.Scene(160, 120, 23)
	defer scene.Close()
	dim := gocv.NewMat()
	defer dim.Close()
	scene.ConvertToWithParams(&dim, gocv.MatTypeCV8UC3, 0.5, 30)

	luma := lumaOnly(dim)
	defer luma.Close()
	want := equalizePlanes(luma, 0, 1, 2)
	defer want.Close()
	perChannel := equalizePlanes(dim, 0, 1, 2)
	defer perChannel.Close()

	got := run(t, n, b, dim)
	defer got.Close()

	if mean, maxDiff := testscene.MeanAbsDiff(got, want); maxDiff != 0 {
		t.Fatalf("output differs from Y then B,G,R equalisation: mean %.3f max %d", mean, maxDiff)
	}
	if mean, _ := testscene.MeanAbsDiff(got, luma); mean < 0.5 {
		t.Errorf("output matches a luminance-only pass (mean diff %.3f)", mean)
	}
	if _, maxDiff := testscene.MeanAbsDiff(got, perChannel); maxDiff == 0 {
		t.Errorf("output matches a channel-only pass")
	}
}

func TestNormalizeLeavesInputUntouched(t *testing.T) {
	b := backend.NewCPU()
	n := New(b)

	scene := testscene.Scene(64, 48, 22)
	defer scene.Close()
	img, err := b.Upload(scene)
	if err != nil {
		t.Fatal(err)
	}
	defer img.Close()

	out, err := n.Normalize(img)
	if err != nil {
		t.Fatal(err)
	}
	out.Close()

	again, err := b.Download(img)
	if err != nil {
		t.Fatal(err)
	}
	defer again.Close()
	if mean, _ := testscene.MeanAbsDiff(scene, again); mean != 0 {
		t.Fatalf("input modified, mean diff %v", mean)
	}
}

func TestNormalizeRejectsTwoChannels(t *testing.T) {
	b := backend.NewCPU()
	two := gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8UC2)
	defer two.Close()
	img, err := b.Upload(two)
	if err != nil {
		t.Fatal(err)
	}
	defer img.Close()
	if _, err := New(b).Normalize(img); err == nil {
		t.Fatalf("expected error")
	}
}
