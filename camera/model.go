// Package camera holds the geometric camera models used for calibration and rectification.
package camera

import (
	"math"
	"strings"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
)

// Kind names a camera model.
type Kind int

// Known camera models.
const (
	Pinhole Kind = iota
	Fisheye
)

func (k Kind) String() string {
	switch k {
	case Pinhole:
		return "pinhole"
	case Fisheye:
		return "fisheye"
	}
	return "unknown"
}

// ParseKind parses a model name, case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pinhole", "":
		return Pinhole, nil
	case "fisheye":
		return Fisheye, nil
	}
	return Pinhole, errors.Errorf("do not know how to parse %q camera model", s)
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	if k != Pinhole && k != Fisheye {
		return nil, errors.Errorf("invalid camera model %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText decodes a model name.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Model is a lens distortion model acting on normalized image coordinates (x/z, y/z).
type Model interface {
	Kind() Kind
	// NumDistortion is the length of the coefficient vector.
	NumDistortion() int
	// Distort maps an ideal normalized point to where the lens images it.
	Distort(d []float64, p r2.Point) r2.Point
	// Undistort inverts Distort.
	Undistort(d []float64, p r2.Point) r2.Point
}

// ModelFor returns the model of a kind.
func ModelFor(kind Kind) (Model, error) {
	switch kind {
	case Pinhole:
		return BrownConrady{}, nil
	case Fisheye:
		return KannalaBrandt{}, nil
	}
	return nil, errors.Errorf("unknown camera model %d", int(kind))
}

// BrownConrady is the pinhole distortion model with coefficients ordered k1, k2, p1, p2, k3.
//
//	x_d = x * (1 + k1*r² + k2*r⁴ + k3*r⁶) + 2*p1*x*y + p2*(r² + 2*x²)
//	y_d = y * (1 + k1*r² + k2*r⁴ + k3*r⁶) + p1*(r² + 2*y²) + 2*p2*x*y
type BrownConrady struct{}

// Kind is Pinhole.
func (BrownConrady) Kind() Kind { return Pinhole }

// NumDistortion is 5.
func (BrownConrady) NumDistortion() int { return 5 }

func brownConradyCoeffs(d []float64) (k1, k2, p1, p2, k3 float64) {
	c := [5]float64{}
	copy(c[:], d)
	return c[0], c[1], c[2], c[3], c[4]
}

// Distort applies the forward model.
func (BrownConrady) Distort(d []float64, p r2.Point) r2.Point {
	k1, k2, p1, p2, k3 := brownConradyCoeffs(d)
	x, y := p.X, p.Y
	r2 := x*x + y*y
	radial := 1 + r2*(k1+r2*(k2+r2*k3))
	return r2Point(
		x*radial+2*p1*x*y+p2*(r2+2*x*x),
		y*radial+p1*(r2+2*y*y)+2*p2*x*y,
	)
}

// Undistort solves Distort(d, u) = p for u by Newton-Raphson, starting from p.
func (BrownConrady) Undistort(d []float64, p r2.Point) r2.Point {
	k1, k2, p1, p2, k3 := brownConradyCoeffs(d)
	xu, yu := p.X, p.Y

	const maxIterations = 20
	const tolerance = 1e-12
	for i := 0; i < maxIterations; i++ {
		r2 := xu*xu + yu*yu
		radial := 1 + r2*(k1+r2*(k2+r2*k3))
		errX := xu*radial + 2*p1*xu*yu + p2*(r2+2*xu*xu) - p.X
		errY := yu*radial + p1*(r2+2*yu*yu) + 2*p2*xu*yu - p.Y
		if errX*errX+errY*errY < tolerance*tolerance {
			break
		}

		dRadial := 2 * (k1 + r2*(2*k2+3*k3*r2))
		dxdx := radial + xu*xu*dRadial + 2*p1*yu + 6*p2*xu
		dxdy := xu*yu*dRadial + 2*p1*xu + 2*p2*yu
		dydx := xu*yu*dRadial + 2*p1*xu + 2*p2*yu
		dydy := radial + yu*yu*dRadial + 6*p1*yu + 2*p2*xu

		det := dxdx*dydy - dxdy*dydx
		if det == 0 {
			break
		}
		xu -= (dydy*errX - dxdy*errY) / det
		yu -= (-dydx*errX + dxdx*errY) / det
	}
	return r2Point(xu, yu)
}

// KannalaBrandt is the fisheye model with coefficients k1..k4 acting on the incidence angle:
//
//	θ = atan(r), θ_d = θ * (1 + k1*θ² + k2*θ⁴ + k3*θ⁶ + k4*θ⁸), p_d = p * θ_d / r
type KannalaBrandt struct{}

// Kind is Fisheye.
func (KannalaBrandt) Kind() Kind { return Fisheye }

// NumDistortion is 4.
func (KannalaBrandt) NumDistortion() int { return 4 }

func kannalaBrandtCoeffs(d []float64) (k1, k2, k3, k4 float64) {
	c := [4]float64{}
	copy(c[:], d)
	return c[0], c[1], c[2], c[3]
}

// Distort applies the forward model.
func (KannalaBrandt) Distort(d []float64, p r2.Point) r2.Point {
	k1, k2, k3, k4 := kannalaBrandtCoeffs(d)
	r := math.Hypot(p.X, p.Y)
	if r < 1e-8 {
		return p
	}
	theta := math.Atan(r)
	t2 := theta * theta
	thetaD := theta * (1 + t2*(k1+t2*(k2+t2*(k3+t2*k4))))
	return p.Mul(thetaD / r)
}

// Undistort solves for θ by Newton-Raphson and maps back through tan θ. Distorted radii beyond
// π/2 are clamped there.
func (KannalaBrandt) Undistort(d []float64, p r2.Point) r2.Point {
	k1, k2, k3, k4 := kannalaBrandtCoeffs(d)
	thetaD := math.Hypot(p.X, p.Y)
	if thetaD < 1e-8 {
		return p
	}
	clamped := math.Min(thetaD, math.Pi/2)

	theta := clamped
	const maxIterations = 20
	for i := 0; i < maxIterations; i++ {
		t2 := theta * theta
		f := theta*(1+t2*(k1+t2*(k2+t2*(k3+t2*k4)))) - clamped
		df := 1 + t2*(3*k1+t2*(5*k2+t2*(7*k3+9*t2*k4)))
		if df == 0 {
			break
		}
		step := f / df
		theta -= step
		if math.Abs(step) < 1e-12 {
			break
		}
	}
	return p.Mul(math.Tan(theta) / thetaD)
}

func r2Point(x, y float64) r2.Point {
	return r2.Point{X: x, Y: y}
}
