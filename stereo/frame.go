// Package stereo pairs the latest frames of a left and a right camera.
package stereo

import (
	"image"
	"image/draw"
	"time"

	"go.viam.com/camcal/video"
)

// Stable names used for saved calibration captures.
const (
	LeftName  = "left"
	RightName = "right"
)

// NamedFrame is a frame tagged with the side it came from.
type NamedFrame struct {
	Name  string
	Frame *video.Frame
}

// StereoFrame is one left/right pair read back to back under a single timestamp.
type StereoFrame struct {
	Left      *video.Frame
	Right     *video.Frame
	LeftName  string
	RightName string
	Timestamp time.Time

	good bool
}

// NewStereoFrame builds a pair. It is good only when both reads succeeded and both frames carry
// pixels.
func NewStereoFrame(leftOK bool, left *video.Frame, rightOK bool, right *video.Frame, ts time.Time) *StereoFrame {
	return &StereoFrame{
		Left:      left,
		Right:     right,
		LeftName:  LeftName,
		RightName: RightName,
		Timestamp: ts,
		good:      leftOK && rightOK && !left.Empty() && !right.Empty(),
	}
}

// Frames returns the left and right frames.
func (sf *StereoFrame) Frames() (*video.Frame, *video.Frame) {
	return sf.Left, sf.Right
}

// CalibrationNamedFrames returns the frames tagged "left" and "right", in that order.
func (sf *StereoFrame) CalibrationNamedFrames() []NamedFrame {
	return []NamedFrame{{LeftName, sf.Left}, {RightName, sf.Right}}
}

// IsGood reports whether both frames are usable.
func (sf *StereoFrame) IsGood() bool {
	return sf.good
}

// StackedSize is the size of both frames placed side by side.
func (sf *StereoFrame) StackedSize() image.Point {
	l, r := sf.Left.Size(), sf.Right.Size()
	return image.Pt(l.X+r.X, max(l.Y, r.Y))
}

// Stack draws the left frame then the right frame side by side into a new image.
func (sf *StereoFrame) Stack() *image.RGBA {
	out := image.NewRGBA(image.Rectangle{Max: sf.StackedSize()})
	offset := 0
	for _, f := range []*video.Frame{sf.Left, sf.Right} {
		if f.Empty() {
			continue
		}
		size := f.Size()
		draw.Draw(out, image.Rect(offset, 0, offset+size.X, size.Y), f.Image, image.Point{}, draw.Src)
		offset += size.X
	}
	return out
}
