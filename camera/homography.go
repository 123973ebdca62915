package camera

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrDegenerate is returned when points do not determine a homography.
var ErrDegenerate = errors.New("degenerate point configuration")

// normalizePoints moves the centroid to the origin and scales the mean distance to √2, as in
// Multiple View Geometry, Alg 4.2. It returns the moved points and the transform that moves them.
func normalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense, error) {
	n := float64(len(pts))
	mu := r2.Point{}
	for _, pt := range pts {
		mu = mu.Add(pt)
	}
	mu = mu.Mul(1 / n)

	d := 0.0
	for _, pt := range pts {
		d += pt.Sub(mu).Norm() / n
	}
	if d < 1e-12 {
		return nil, nil, ErrDegenerate
	}
	scale := math.Sqrt2 / d
	t := mat.NewDense(3, 3, []float64{
		scale, 0, -scale * mu.X,
		0, scale, -scale * mu.Y,
		0, 0, 1,
	})
	out := make([]r2.Point, len(pts))
	for i, pt := range pts {
		out[i] = pt.Sub(mu).Mul(scale)
	}
	return out, t, nil
}

// FindHomography estimates H with dst ~ H src from at least four correspondences by the
// normalized direct linear transform. H is scaled so that H[2][2] = 1 when possible.
func FindHomography(src, dst []r2.Point) (*mat.Dense, error) {
	if len(src) != len(dst) {
		return nil, errors.Errorf("homography needs matching point counts, got %d and %d", len(src), len(dst))
	}
	if len(src) < 4 {
		return nil, errors.Wrapf(ErrDegenerate, "homography needs 4 points, got %d", len(src))
	}
	ns, ts, err := normalizePoints(src)
	if err != nil {
		return nil, err
	}
	nd, td, err := normalizePoints(dst)
	if err != nil {
		return nil, err
	}

	a := mat.NewDense(2*len(src), 9, nil)
	for i := range ns {
		x, y := ns[i].X, ns[i].Y
		u, v := nd[i].X, nd[i].Y
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFullV) {
		return nil, errors.Wrap(ErrDegenerate, "svd failed")
	}
	values := svd.Values(nil)
	if values[7] < 1e-10*values[0] {
		return nil, errors.Wrap(ErrDegenerate, "points are collinear or too few")
	}
	var v mat.Dense
	svd.VTo(&v)
	hn := mat.NewDense(3, 3, mat.Col(nil, 8, &v))

	// H = Td⁻¹ Hn Ts.
	var tdInv mat.Dense
	if err := tdInv.Inverse(td); err != nil {
		return nil, errors.Wrap(ErrDegenerate, err.Error())
	}
	var h mat.Dense
	h.Mul(&tdInv, hn)
	h.Mul(&h, ts)
	if s := h.At(2, 2); math.Abs(s) > 1e-12 {
		h.Scale(1/s, &h)
	}
	return &h, nil
}

// Apply maps a point through a homography.
func Apply(h mat.Matrix, p r2.Point) r2.Point {
	w := h.At(2, 0)*p.X + h.At(2, 1)*p.Y + h.At(2, 2)
	return r2.Point{
		X: (h.At(0, 0)*p.X + h.At(0, 1)*p.Y + h.At(0, 2)) / w,
		Y: (h.At(1, 0)*p.X + h.At(1, 1)*p.Y + h.At(1, 2)) / w,
	}
}
