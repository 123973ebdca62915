package calib

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/camcal/camera"
)

// EstimateNewCameraMatrix picks the camera matrix of the undistorted, rotated view of a camera.
// The midpoints of the image edges are undistorted and rotated by rot (identity when nil); a
// balance of 0 zooms until no invalid border shows, a balance of 1 keeps every source pixel, and
// values in between blend the two focal lengths. fovScale divides the focal length when
// positive. The matrix is scaled to newSize when it is set and differs from size.
func EstimateNewCameraMatrix(
	model camera.Model,
	k camera.Intrinsics,
	d []float64,
	size image.Point,
	rot mat.Matrix,
	balance float64,
	newSize image.Point,
	fovScale float64,
) (camera.Intrinsics, error) {
	if size.X <= 0 || size.Y <= 0 {
		return camera.Intrinsics{}, errors.Errorf("invalid image size %v", size)
	}
	if err := k.CheckValid(); err != nil {
		return camera.Intrinsics{}, err
	}
	balance = math.Min(math.Max(balance, 0), 1)
	w, h := float64(size.X), float64(size.Y)

	edges := []r2.Point{{X: w / 2, Y: 0}, {X: w, Y: h / 2}, {X: w / 2, Y: h}, {X: 0, Y: h / 2}}
	aspect := k.Fx / k.Fy
	pts := make([]r2.Point, len(edges))
	var center r2.Point
	for i, e := range edges {
		n := model.Undistort(d, k.ToNormalized(e))
		if rot != nil {
			v := camera.MulVec(rot, r3.Vector{X: n.X, Y: n.Y, Z: 1})
			n = r2.Point{X: v.X / v.Z, Y: v.Y / v.Z}
		}
		n.Y *= aspect
		pts[i] = n
		center = center.Add(n.Mul(1 / float64(len(edges))))
	}

	minX, maxX := math.Inf(1), math.Inf(-1)
	minY, maxY := math.Inf(1), math.Inf(-1)
	for _, p := range pts {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}
	fs := []float64{
		w * 0.5 / (center.X - minX),
		w * 0.5 / (maxX - center.X),
		h * 0.5 * aspect / (center.Y - minY),
		h * 0.5 * aspect / (maxY - center.Y),
	}
	fmin, fmax := math.Inf(1), math.Inf(-1)
	for _, f := range fs {
		if !finite(f) || f <= 0 {
			return camera.Intrinsics{}, errors.Wrap(ErrIllConditioned, "image edges collapse after undistortion")
		}
		fmin, fmax = math.Min(fmin, f), math.Max(fmax, f)
	}
	f := balance*fmin + (1-balance)*fmax
	if fovScale > 0 {
		f /= fovScale
	}

	out := camera.Intrinsics{
		Fx: f,
		Fy: f / aspect,
		Cx: -center.X*f + w*0.5,
		Cy: (-center.Y*f + h*aspect*0.5) / aspect,
	}
	if newSize.X > 0 && newSize.Y > 0 && newSize != size {
		rx, ry := float64(newSize.X)/w, float64(newSize.Y)/h
		out = camera.Intrinsics{Fx: out.Fx * rx, Fy: out.Fy * ry, Cx: out.Cx * rx, Cy: out.Cy * ry}
	}
	return out, out.CheckValid()
}

// StereoRectification holds the rectifying rotations R1, R2 and the 3x4 projections P1, P2 of
// a rig for one balance, along with the 4x4 disparity-to-depth matrix Q.
type StereoRectification struct {
	R1, R2  *mat.Dense
	P1, P2  *mat.Dense
	Q       *mat.Dense
	Balance float64
}

// LeftIntrinsics is the camera matrix of the rectified left view.
func (sr *StereoRectification) LeftIntrinsics() camera.Intrinsics {
	return projectionIntrinsics(sr.P1)
}

// RightIntrinsics is the camera matrix of the rectified right view.
func (sr *StereoRectification) RightIntrinsics() camera.Intrinsics {
	return projectionIntrinsics(sr.P2)
}

func projectionIntrinsics(p mat.Matrix) camera.Intrinsics {
	return camera.Intrinsics{Fx: p.At(0, 0), Fy: p.At(1, 1), Cx: p.At(0, 2), Cy: p.At(1, 2)}
}

// StereoRectify computes the rectification of a rig: each camera is rotated half way towards
// the other, then both are turned so the baseline lies along x. Both views share a focal length
// and principal point, so disparity is zero at infinity.
func StereoRectify(res *StereoResult, balance float64) (*StereoRectification, error) {
	if res.T.Norm() == 0 {
		return nil, errors.Wrap(ErrIllConditioned, "zero stereo baseline")
	}
	half := camera.Rodrigues(camera.RotationToRodrigues(res.R).Mul(-0.5))
	t := camera.MulVec(half, res.T)
	axis := r3.Vector{X: -1}
	if t.X > 0 {
		axis.X = 1
	}
	ww := t.Cross(axis)
	if nw := ww.Norm(); nw > 0 {
		ww = ww.Mul(math.Acos(math.Min(1, math.Abs(t.X)/t.Norm())) / nw)
	}
	wr := camera.Rodrigues(ww)

	var r1, r2 mat.Dense
	r1.Mul(wr, half.T())
	r2.Mul(wr, half)
	tNew := camera.MulVec(&r2, res.T)

	model := res.CameraModel()
	k1, err := EstimateNewCameraMatrix(model, res.KLeft, res.DLeft, res.ImageSize, &r1, balance, res.ImageSize, 1)
	if err != nil {
		return nil, errors.Wrap(err, "left")
	}
	k2, err := EstimateNewCameraMatrix(model, res.KRight, res.DRight, res.ImageSize, &r2, balance, res.ImageSize, 1)
	if err != nil {
		return nil, errors.Wrap(err, "right")
	}

	fc := math.Min(k1.Fy, k2.Fy)
	cx := (k1.Cx + k2.Cx) / 2
	cy := (k1.Cy + k2.Cy) / 2
	p1 := mat.NewDense(3, 4, []float64{
		fc, 0, cx, 0,
		0, fc, cy, 0,
		0, 0, 1, 0,
	})
	p2 := mat.NewDense(3, 4, []float64{
		fc, 0, cx, tNew.X * fc,
		0, fc, cy, 0,
		0, 0, 1, 0,
	})
	q := mat.NewDense(4, 4, []float64{
		1, 0, 0, -cx,
		0, 1, 0, -cy,
		0, 0, 0, fc,
		0, 0, -1 / tNew.X, 0,
	})
	return &StereoRectification{R1: &r1, R2: &r2, P1: p1, P2: p2, Q: q, Balance: balance}, nil
}
