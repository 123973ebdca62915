// Package video acquires frames from cameras, streams and files on a background worker and
// publishes the latest one for lock free readers.
package video

import (
	"image"
	"image/draw"
)

// Frame is one captured image. Seq is the capture sequence number of its FrameSource, starting
// at 1; Seq 0 marks the placeholder handed out before the first real frame. A published Frame is
// never mutated.
type Frame struct {
	Image *image.RGBA
	Seq   uint64
}

// ZeroFrame returns a black placeholder frame of the given size.
func ZeroFrame(size image.Point) *Frame {
	return &Frame{Image: image.NewRGBA(image.Rectangle{Max: size})}
}

// NewFrame wraps img as a frame, copying it into an RGBA buffer rooted at the origin when needed.
func NewFrame(img image.Image, seq uint64) *Frame {
	return &Frame{Image: ToRGBA(img), Seq: seq}
}

// Size is the frame's width and height. A nil frame has no size.
func (f *Frame) Size() image.Point {
	if f == nil || f.Image == nil {
		return image.Point{}
	}
	return f.Image.Bounds().Size()
}

// Empty reports whether the frame carries no pixels.
func (f *Frame) Empty() bool {
	size := f.Size()
	return size.X == 0 || size.Y == 0
}

// Clone returns a deep copy of the frame that the caller may draw on.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	out := &Frame{Seq: f.Seq}
	if f.Image != nil {
		out.Image = image.NewRGBA(f.Image.Rect)
		copy(out.Image.Pix, f.Image.Pix)
	}
	return out
}

// ToRGBA returns img as an *image.RGBA whose bounds start at the origin. It is returned as is
// when it already is one.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	bounds := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)
	return rgba
}
