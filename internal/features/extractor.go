// Package features converts frames into sparse, scale and rotation invariant
// keypoints with index-aligned descriptor vectors.
package features

import (
	"fmt"
	"strings"

	"panoviewer/pkg/geometry"

	"gocv.io/x/gocv"
)

// Detector names a keypoint detector/descriptor pair.
type Detector string

const (
	DetectorSIFT Detector = "sift" // float descriptors, compared with L2
	DetectorORB  Detector = "orb"  // binary descriptors, compared with Hamming
)

// ParseDetector converts a config string into a Detector.
func ParseDetector(s string) (Detector, error) {
	switch Detector(strings.ToLower(strings.TrimSpace(s))) {
	case DetectorSIFT, "":
		return DetectorSIFT, nil
	case DetectorORB:
		return DetectorORB, nil
	default:
		return "", fmt.Errorf("unknown detector %q", s)
	}
}

// DescriptorKind selects the distance metric descriptors are compared with.
type DescriptorKind int

const (
	KindFloat DescriptorKind = iota
	KindBinary
)

func (k DescriptorKind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Keypoint is a detected location in one image's coordinate space.
type Keypoint struct {
	Point    geometry.Point2D
	Size     float64
	Angle    float64
	Response float64
	Octave   int
}

// Descriptors holds one row per keypoint. Only the slice matching Kind is set.
type Descriptors struct {
	Kind   DescriptorKind
	Float  [][]float32
	Binary [][]uint64
}

// Len returns the number of descriptor rows.
func (d Descriptors) Len() int {
	if d.Kind == KindBinary {
		return len(d.Binary)
	}
	return len(d.Float)
}

// Mat rebuilds the OpenCV descriptor matrix: CV_32F rows for float
// descriptors, CV_8U rows with the packed words unpacked for binary ones.
// The caller closes it.
func (d Descriptors) Mat() gocv.Mat {
	if d.Len() == 0 {
		return gocv.NewMat()
	}
	if d.Kind == KindBinary {
		m := gocv.NewMatWithSize(len(d.Binary), len(d.Binary[0])*8, gocv.MatTypeCV8U)
		for r, row := range d.Binary {
			for c := 0; c < m.Cols(); c++ {
				m.SetUCharAt(r, c, uint8(row[c/8]>>(8*uint(c%8))))
			}
		}
		return m
	}
	m := gocv.NewMatWithSize(len(d.Float), len(d.Float[0]), gocv.MatTypeCV32F)
	for r, row := range d.Float {
		for c, v := range row {
			m.SetFloatAt(r, c, v)
		}
	}
	return m
}

// Set is the output of one extraction: Keypoints[i] is described by row i.
type Set struct {
	Keypoints   []Keypoint
	Descriptors Descriptors
}

// Len returns the number of keypoints.
func (s *Set) Len() int {
	return len(s.Keypoints)
}

// Points returns the keypoint locations selected by idx, in order.
func (s *Set) Points(idx []int) []geometry.Point2D {
	pts := make([]geometry.Point2D, len(idx))
	for i, k := range idx {
		pts[i] = s.Keypoints[k].Point
	}
	return pts
}

// Extractor detects and describes keypoints.
type Extractor struct {
	detector Detector
}

// NewExtractor returns an extractor for the given detector.
func NewExtractor(d Detector) (*Extractor, error) {
	if _, err := ParseDetector(string(d)); err != nil {
		return nil, err
	}
	if d == "" {
		d = DetectorSIFT
	}
	return &Extractor{detector: d}, nil
}

// Detector returns the configured detector.
func (e *Extractor) Detector() Detector {
	return e.detector
}

// Extract converts img to grayscale and returns its keypoints and descriptors.
// An image with no detectable features yields an empty Set, not an error.
func (e *Extractor) Extract(img gocv.Mat) (*Set, error) {
	if img.Empty() {
		return nil, fmt.Errorf("empty input image")
	}

	gray, err := toGray(img)
	if err != nil {
		return nil, err
	}
	defer gray.Close()

	mask := gocv.NewMat()
	defer mask.Close()

	var (
		kps  []gocv.KeyPoint
		desc gocv.Mat
	)
	switch e.detector {
	case DetectorORB:
		orb := gocv.NewORB()
		defer orb.Close()
		kps, desc = orb.DetectAndCompute(gray, mask)
	default:
		sift := gocv.NewSIFT()
		defer sift.Close()
		kps, desc = sift.DetectAndCompute(gray, mask)
	}
	defer desc.Close()

	set := &Set{Keypoints: make([]Keypoint, 0, len(kps))}
	for _, kp := range kps {
		set.Keypoints = append(set.Keypoints, Keypoint{
			Point:    geometry.Point2D{X: kp.X, Y: kp.Y},
			Size:     kp.Size,
			Angle:    kp.Angle,
			Response: kp.Response,
			Octave:   kp.Octave,
		})
	}

	if e.detector == DetectorORB {
		set.Descriptors = Descriptors{Kind: KindBinary, Binary: binaryRows(desc)}
	} else {
		set.Descriptors = Descriptors{Kind: KindFloat, Float: floatRows(desc)}
	}

	if set.Descriptors.Len() != len(set.Keypoints) {
		return nil, fmt.Errorf("descriptor rows (%d) do not match keypoints (%d)",
			set.Descriptors.Len(), len(set.Keypoints))
	}

	return set, nil
}

// toGray returns a single-channel copy of img.
func toGray(img gocv.Mat) (gocv.Mat, error) {
	gray := gocv.NewMat()
	switch img.Channels() {
	case 1:
		img.CopyTo(&gray)
	case 3:
		gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	case 4:
		gocv.CvtColor(img, &gray, gocv.ColorBGRAToGray)
	default:
		gray.Close()
		return gocv.Mat{}, fmt.Errorf("unsupported channel count %d", img.Channels())
	}
	return gray, nil
}

func floatRows(desc gocv.Mat) [][]float32 {
	if desc.Empty() {
		return nil
	}
	rows := make([][]float32, desc.Rows())
	for r := range rows {
		row := make([]float32, desc.Cols())
		for c := range row {
			row[c] = desc.GetFloatAt(r, c)
		}
		rows[r] = row
	}
	return rows
}

// binaryRows packs each byte row into little-endian 64-bit words.
func binaryRows(desc gocv.Mat) [][]uint64 {
	if desc.Empty() {
		return nil
	}
	words := (desc.Cols() + 7) / 8
	rows := make([][]uint64, desc.Rows())
	for r := range rows {
		row := make([]uint64, words)
		for c := 0; c < desc.Cols(); c++ {
			row[c/8] |= uint64(desc.GetUCharAt(r, c)) << (8 * uint(c%8))
		}
		rows[r] = row
	}
	return rows
}
