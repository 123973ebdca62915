// Package samples collects chessboard correspondences from images and persists them.
package samples

import (
	"image"
	"strings"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/camcal/pattern"
)

// ErrImageSizeMismatch is returned when a sample's image size differs from its set's.
var ErrImageSizeMismatch = errors.New("sample image size does not match the set")

// Side tags which camera of a rig a sample was taken with.
type Side int

// Known sides.
const (
	Mono Side = iota
	Left
	Right
)

func (s Side) String() string {
	switch s {
	case Mono:
		return "mono"
	case Left:
		return "left"
	case Right:
		return "right"
	}
	return "unknown"
}

// MarshalText encodes the side by name.
func (s Side) MarshalText() ([]byte, error) {
	if s < Mono || s > Right {
		return nil, errors.Errorf("invalid side %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a side name.
func (s *Side) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "mono", "":
		*s = Mono
	case "left":
		*s = Left
	case "right":
		*s = Right
	default:
		return errors.Errorf("unknown side %q", string(text))
	}
	return nil
}

// PatternSample is one view of the board: 3D corners in board coordinates and the matching 2D
// detections, in the same order.
type PatternSample struct {
	Name         string
	ObjectPoints []r3.Vector
	ImagePoints  []r2.Point
	ImageSize    image.Point
	Side         Side
}

// SampleSet is an ordered set of samples sharing one image size and board.
type SampleSet struct {
	ImageSize  image.Point
	Pattern    pattern.Geometry
	SquareSize float64
	Side       Side
	Samples    []PatternSample
}

// NewSampleSet returns an empty set. Its image size is fixed by the first sample added.
func NewSampleSet(geometry pattern.Geometry, squareSize float64, side Side) *SampleSet {
	return &SampleSet{Pattern: geometry, SquareSize: squareSize, Side: side}
}

// Len is the number of samples.
func (s *SampleSet) Len() int {
	return len(s.Samples)
}

// Add appends a sample. It refuses samples whose image size differs from the set's, and samples
// whose point counts do not match the board.
func (s *SampleSet) Add(sample PatternSample) error {
	if len(s.Samples) == 0 && s.ImageSize == (image.Point{}) {
		s.ImageSize = sample.ImageSize
	}
	if sample.ImageSize != s.ImageSize {
		return errors.Wrapf(ErrImageSizeMismatch, "%s is %v, set is %v", sample.Name, sample.ImageSize, s.ImageSize)
	}
	n := s.Pattern.Count()
	if len(sample.ObjectPoints) != n || len(sample.ImagePoints) != n {
		return errors.Errorf("%s has %d object and %d image points, board has %d corners",
			sample.Name, len(sample.ObjectPoints), len(sample.ImagePoints), n)
	}
	s.Samples = append(s.Samples, sample)
	return nil
}

// Clone returns a deep copy, so a calibration run can never alter the caller's set.
func (s *SampleSet) Clone() *SampleSet {
	out := *s
	out.Samples = make([]PatternSample, len(s.Samples))
	for i, sample := range s.Samples {
		sample.ObjectPoints = append([]r3.Vector(nil), sample.ObjectPoints...)
		sample.ImagePoints = append([]r2.Point(nil), sample.ImagePoints...)
		out.Samples[i] = sample
	}
	return &out
}
