package camera

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// BoardPlane drops the z coordinate of planar board points.
func BoardPlane(pts []r3.Vector) []r2.Point {
	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		out[i] = r2.Point{X: p.X, Y: p.Y}
	}
	return out
}

// InitIntrinsics estimates focal lengths from board homographies with the principal point fixed
// at the image center, using the orthogonality of the first two rotation columns (Zhang's
// method as done by OpenCV's initIntrinsicParams2D).
func InitIntrinsics(homographies []*mat.Dense, size image.Point) (Intrinsics, error) {
	if len(homographies) == 0 {
		return Intrinsics{}, errors.Wrap(ErrDegenerate, "no homographies")
	}
	cx, cy := float64(size.X-1)/2, float64(size.Y-1)/2

	a := mat.NewDense(2*len(homographies), 2, nil)
	b := mat.NewVecDense(2*len(homographies), nil)
	for i, hm := range homographies {
		var h [3][3]float64
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h[r][c] = hm.At(r, c)
			}
		}
		// Move the principal point to the origin.
		for c := 0; c < 3; c++ {
			h[0][c] -= h[2][c] * cx
			h[1][c] -= h[2][c] * cy
		}

		var hv, vv, d1, d2 r3.Vector
		hv = r3.Vector{X: h[0][0], Y: h[1][0], Z: h[2][0]}
		vv = r3.Vector{X: h[0][1], Y: h[1][1], Z: h[2][1]}
		d1 = hv.Add(vv).Mul(0.5)
		d2 = hv.Sub(vv).Mul(0.5)
		hv, vv, d1, d2 = hv.Normalize(), vv.Normalize(), d1.Normalize(), d2.Normalize()

		a.SetRow(2*i, []float64{hv.X * vv.X, hv.Y * vv.Y})
		a.SetRow(2*i+1, []float64{d1.X * d2.X, d1.Y * d2.Y})
		b.SetVec(2*i, -hv.Z*vv.Z)
		b.SetVec(2*i+1, -d1.Z*d2.Z)
	}

	var f mat.VecDense
	if err := f.SolveVec(a, b); err != nil {
		return Intrinsics{}, errors.Wrap(ErrDegenerate, err.Error())
	}
	in := Intrinsics{
		Fx: math.Sqrt(math.Abs(1 / f.AtVec(0))),
		Fy: math.Sqrt(math.Abs(1 / f.AtVec(1))),
		Cx: cx,
		Cy: cy,
	}
	if err := in.CheckValid(); err != nil {
		return Intrinsics{}, err
	}
	return in, nil
}

// InitPose estimates a board pose from its corners given the camera. The corners are undistorted
// first, a homography is fit to normalized coordinates and decomposed into a rotation (the
// nearest orthonormal matrix) and a translation in front of the camera.
func InitPose(model Model, in Intrinsics, d []float64, obj []r3.Vector, img []r2.Point) (Pose, error) {
	normalized := make([]r2.Point, len(img))
	for i, p := range img {
		normalized[i] = model.Undistort(d, in.ToNormalized(p))
	}
	h, err := FindHomography(BoardPlane(obj), normalized)
	if err != nil {
		return Pose{}, err
	}

	h1 := r3.Vector{X: h.At(0, 0), Y: h.At(1, 0), Z: h.At(2, 0)}
	h2 := r3.Vector{X: h.At(0, 1), Y: h.At(1, 1), Z: h.At(2, 1)}
	h3 := r3.Vector{X: h.At(0, 2), Y: h.At(1, 2), Z: h.At(2, 2)}
	norm := (h1.Norm() + h2.Norm()) / 2
	if norm < 1e-12 {
		return Pose{}, errors.Wrap(ErrDegenerate, "homography has no rotation part")
	}
	lambda := 1 / norm
	if h3.Z < 0 {
		lambda = -lambda
	}
	r1, r2v, t := h1.Mul(lambda), h2.Mul(lambda), h3.Mul(lambda)
	r3v := r1.Cross(r2v)
	rot := mat.NewDense(3, 3, []float64{
		r1.X, r2v.X, r3v.X,
		r1.Y, r2v.Y, r3v.Y,
		r1.Z, r2v.Z, r3v.Z,
	})
	return Pose{Rvec: RotationToRodrigues(rot), Tvec: t}, nil
}

// InitFisheyeIntrinsics is the usual fisheye starting point: an equidistant lens whose image
// circle spans the larger image side, centered.
func InitFisheyeIntrinsics(size image.Point) Intrinsics {
	f := float64(max(size.X, size.Y)) / math.Pi
	return Intrinsics{Fx: f, Fy: f, Cx: float64(size.X) / 2, Cy: float64(size.Y) / 2}
}
