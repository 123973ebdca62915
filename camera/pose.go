package camera

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Rodrigues converts an axis-angle vector to a rotation matrix.
func Rodrigues(rvec r3.Vector) *mat.Dense {
	theta := rvec.Norm()
	if theta < 1e-12 {
		// First order: I + [r]x.
		return mat.NewDense(3, 3, []float64{
			1, -rvec.Z, rvec.Y,
			rvec.Z, 1, -rvec.X,
			-rvec.Y, rvec.X, 1,
		})
	}
	k := rvec.Mul(1 / theta)
	c, s := math.Cos(theta), math.Sin(theta)
	v := 1 - c
	return mat.NewDense(3, 3, []float64{
		c + k.X*k.X*v, k.X*k.Y*v - k.Z*s, k.X*k.Z*v + k.Y*s,
		k.Y*k.X*v + k.Z*s, c + k.Y*k.Y*v, k.Y*k.Z*v - k.X*s,
		k.Z*k.X*v - k.Y*s, k.Z*k.Y*v + k.X*s, c + k.Z*k.Z*v,
	})
}

// RotationToRodrigues converts a rotation matrix to an axis-angle vector. The input is
// re-orthonormalized first so that small numerical drift does not matter.
func RotationToRodrigues(m mat.Matrix) r3.Vector {
	rot := Orthonormalize(m)
	tr := rot.At(0, 0) + rot.At(1, 1) + rot.At(2, 2)
	cosTheta := math.Max(-1, math.Min(1, (tr-1)/2))
	theta := math.Acos(cosTheta)
	axis := r3.Vector{
		X: rot.At(2, 1) - rot.At(1, 2),
		Y: rot.At(0, 2) - rot.At(2, 0),
		Z: rot.At(1, 0) - rot.At(0, 1),
	}

	switch {
	case theta < 1e-12:
		return axis.Mul(0.5)
	case math.Pi-theta < 1e-6:
		// sin θ vanishes; recover the axis from (R + I) / 2 = k kᵀ.
		b := [3]float64{(rot.At(0, 0) + 1) / 2, (rot.At(1, 1) + 1) / 2, (rot.At(2, 2) + 1) / 2}
		i := 0
		for j := 1; j < 3; j++ {
			if b[j] > b[i] {
				i = j
			}
		}
		ki := math.Sqrt(b[i])
		col := [3]float64{}
		for j := 0; j < 3; j++ {
			col[j] = (rot.At(j, i) + rot.At(i, j)) / 4 / ki
		}
		col[i] = ki
		return r3.Vector{X: col[0], Y: col[1], Z: col[2]}.Mul(theta)
	default:
		return axis.Mul(theta / (2 * math.Sin(theta)))
	}
}

// Orthonormalize returns the rotation closest to m in the Frobenius norm.
func Orthonormalize(m mat.Matrix) *mat.Dense {
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDFull) {
		return eye(3)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var rot mat.Dense
	rot.Mul(&u, v.T())
	if mat.Det(&rot) < 0 {
		// Flip the axis of the smallest singular value.
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		rot.Mul(&u, v.T())
	}
	return &rot
}

// Pose places the board in camera coordinates: X_cam = R(Rvec) X_board + Tvec.
type Pose struct {
	Rvec r3.Vector
	Tvec r3.Vector
}

// Rotation is R(Rvec).
func (p Pose) Rotation() *mat.Dense {
	return Rodrigues(p.Rvec)
}

// Transform maps a board point into camera coordinates.
func (p Pose) Transform(x r3.Vector) r3.Vector {
	return mulVec(p.Rotation(), x).Add(p.Tvec)
}

// Project maps board points to pixels. The second result is false for any point at or behind
// the camera plane.
func Project(model Model, in Intrinsics, d []float64, pose Pose, pts []r3.Vector) ([]r2.Point, bool) {
	rot := pose.Rotation()
	out := make([]r2.Point, len(pts))
	ok := true
	for i, x := range pts {
		c := mulVec(rot, x).Add(pose.Tvec)
		if c.Z <= 0 {
			ok = false
			continue
		}
		out[i] = in.ToPixel(model.Distort(d, r2.Point{X: c.X / c.Z, Y: c.Y / c.Z}))
	}
	return out, ok
}

func mulVec(m mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

// MulVec multiplies a 3x3 matrix by a vector.
func MulVec(m mat.Matrix, v r3.Vector) r3.Vector {
	return mulVec(m, v)
}

// eye creates an identity matrix of size nxn.
func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
