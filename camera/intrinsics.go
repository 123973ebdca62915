package camera

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrInvalidIntrinsics is returned for focal lengths that are not finite and positive.
var ErrInvalidIntrinsics = errors.New("invalid camera intrinsics")

// Intrinsics are the focal lengths and principal point of a camera, in pixels.
type Intrinsics struct {
	Fx float64 `json:"fx"`
	Fy float64 `json:"fy"`
	Cx float64 `json:"cx"`
	Cy float64 `json:"cy"`
}

// CheckValid checks that every parameter is finite and both focal lengths are positive.
func (in Intrinsics) CheckValid() error {
	for _, v := range []float64{in.Fx, in.Fy, in.Cx, in.Cy} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Wrapf(ErrInvalidIntrinsics, "non-finite parameter in %+v", in)
		}
	}
	if in.Fx <= 0 || in.Fy <= 0 {
		return errors.Wrap(ErrInvalidIntrinsics, fmt.Sprintf("non-positive focal length (%g, %g)", in.Fx, in.Fy))
	}
	return nil
}

// Matrix is the camera matrix
//
//	[[fx 0  cx]
//	 [0  fy cy]
//	 [0  0  1 ]]
func (in Intrinsics) Matrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		in.Fx, 0, in.Cx,
		0, in.Fy, in.Cy,
		0, 0, 1,
	})
}

// IntrinsicsFromMatrix reads the focal lengths and principal point of a camera matrix.
func IntrinsicsFromMatrix(m mat.Matrix) (Intrinsics, error) {
	if r, c := m.Dims(); r != 3 || c != 3 {
		return Intrinsics{}, errors.Errorf("camera matrix must be 3x3, got %dx%d", r, c)
	}
	in := Intrinsics{Fx: m.At(0, 0), Fy: m.At(1, 1), Cx: m.At(0, 2), Cy: m.At(1, 2)}
	return in, in.CheckValid()
}

// Scale multiplies every parameter by s, i.e. the camera matrix of the same lens at s times the
// resolution.
func (in Intrinsics) Scale(s float64) Intrinsics {
	return Intrinsics{Fx: in.Fx * s, Fy: in.Fy * s, Cx: in.Cx * s, Cy: in.Cy * s}
}

// ToPixel maps a normalized point to pixels.
func (in Intrinsics) ToPixel(p r2.Point) r2.Point {
	return r2.Point{X: in.Fx*p.X + in.Cx, Y: in.Fy*p.Y + in.Cy}
}

// ToNormalized maps a pixel to normalized coordinates.
func (in Intrinsics) ToNormalized(p r2.Point) r2.Point {
	return r2.Point{X: (p.X - in.Cx) / in.Fx, Y: (p.Y - in.Cy) / in.Fy}
}

// Params is the flat vector fx, fy, cx, cy.
func (in Intrinsics) Params() []float64 {
	return []float64{in.Fx, in.Fy, in.Cx, in.Cy}
}

// IntrinsicsFromParams is the inverse of Params.
func IntrinsicsFromParams(p []float64) Intrinsics {
	return Intrinsics{Fx: p[0], Fy: p[1], Cx: p[2], Cy: p[3]}
}
