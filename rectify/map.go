// Package rectify builds per pixel lookup maps from a calibration and remaps live frames with
// them.
package rectify

import (
	"context"
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/camcal/camera"
	"go.viam.com/camcal/utils"
)

// Map tells, for every output pixel, where to sample the source frame. Entry y*Size.X+x holds
// the source coordinates of output pixel (x, y); negative coordinates mark pixels with no source.
type Map struct {
	MapX    []float32
	MapY    []float32
	Size    image.Point
	Source  image.Point
	Balance float64
}

// MapParams describes one camera's rectification: the lens (Model, K, D) at the source
// resolution, the rectifying rotation R (identity when nil) and the camera matrix NewK of the
// output view.
type MapParams struct {
	Model  camera.Model
	K      camera.Intrinsics
	D      []float64
	R      mat.Matrix
	NewK   camera.Intrinsics
	Source image.Point
	Size   image.Point
}

// BuildMap computes the lookup for params. Each output pixel is cast as a ray through NewK,
// rotated back into the camera by Rᵀ and pushed through the lens model.
func BuildMap(ctx context.Context, params MapParams, balance float64) (*Map, error) {
	if params.Size.X <= 0 || params.Size.Y <= 0 {
		return nil, errors.Errorf("invalid output size %v", params.Size)
	}
	if params.Source.X <= 0 || params.Source.Y <= 0 {
		return nil, errors.Errorf("invalid source size %v", params.Source)
	}
	if err := params.NewK.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "new camera matrix")
	}
	if err := params.K.CheckValid(); err != nil {
		return nil, err
	}
	var rt mat.Matrix
	if params.R != nil {
		rt = params.R.T()
	}

	w, h := params.Size.X, params.Size.Y
	m := &Map{
		MapX:    make([]float32, w*h),
		MapY:    make([]float32, w*h),
		Size:    params.Size,
		Source:  params.Source,
		Balance: balance,
	}
	err := utils.ParallelRows(ctx, h, func(y int) {
		for x := 0; x < w; x++ {
			i := y*w + x
			n := params.NewK.ToNormalized(r2.Point{X: float64(x), Y: float64(y)})
			ray := r3.Vector{X: n.X, Y: n.Y, Z: 1}
			if rt != nil {
				ray = camera.MulVec(rt, ray)
			}
			if ray.Z <= 0 {
				m.MapX[i], m.MapY[i] = -1, -1
				continue
			}
			p := params.K.ToPixel(params.Model.Distort(params.D, r2.Point{X: ray.X / ray.Z, Y: ray.Y / ray.Z}))
			if math.IsNaN(p.X) || math.IsNaN(p.Y) {
				m.MapX[i], m.MapY[i] = -1, -1
				continue
			}
			m.MapX[i], m.MapY[i] = float32(p.X), float32(p.Y)
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// At is the source coordinate of output pixel (x, y).
func (m *Map) At(x, y int) (float32, float32) {
	i := y*m.Size.X + x
	return m.MapX[i], m.MapY[i]
}

// Remap samples src through the map with bilinear interpolation. Output pixels whose source
// falls outside src are opaque black. A src of another size but the same aspect ratio as the map's
// source is sampled at scaled coordinates, so the output is always Size.
func (m *Map) Remap(ctx context.Context, src *image.RGBA) (*image.RGBA, error) {
	size := src.Bounds().Size()
	if size.X <= 0 || size.Y <= 0 || !sameAspect(size, m.Source) {
		return nil, errors.Wrapf(ErrAspectRatioMismatch, "frame is %v, map expects the shape of %v", size, m.Source)
	}
	scale := float32(size.X) / float32(m.Source.X)
	dst := image.NewRGBA(image.Rectangle{Max: m.Size})
	sw, sh := size.X, size.Y
	maxX, maxY := float32(sw-1), float32(sh-1)
	origin := src.Rect.Min

	err := utils.ParallelRows(ctx, m.Size.Y, func(y int) {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+m.Size.X*4]
		for x := 0; x < m.Size.X; x++ {
			out := row[x*4 : x*4+4]
			out[3] = 0xff
			sx, sy := m.At(x, y)
			if sx < 0 || sy < 0 {
				continue
			}
			sx, sy = sx*scale, sy*scale
			if sx > maxX || sy > maxY {
				continue
			}
			x0, y0 := int(sx), int(sy)
			x1, y1 := min(x0+1, sw-1), min(y0+1, sh-1)
			fx, fy := sx-float32(x0), sy-float32(y0)

			p00 := src.PixOffset(origin.X+x0, origin.Y+y0)
			p10 := src.PixOffset(origin.X+x1, origin.Y+y0)
			p01 := src.PixOffset(origin.X+x0, origin.Y+y1)
			p11 := src.PixOffset(origin.X+x1, origin.Y+y1)
			for c := 0; c < 3; c++ {
				top := float32(src.Pix[p00+c])*(1-fx) + float32(src.Pix[p10+c])*fx
				bottom := float32(src.Pix[p01+c])*(1-fx) + float32(src.Pix[p11+c])*fx
				out[c] = uint8(top*(1-fy) + bottom*fy + 0.5)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return dst, nil
}

// scaleTo rescales a camera matrix from one image size to another, per axis.
func scaleTo(k camera.Intrinsics, from, to image.Point) camera.Intrinsics {
	if from == to || from.X == 0 || from.Y == 0 {
		return k
	}
	rx, ry := float64(to.X)/float64(from.X), float64(to.Y)/float64(from.Y)
	return camera.Intrinsics{Fx: k.Fx * rx, Fy: k.Fy * ry, Cx: k.Cx * rx, Cy: k.Cy * ry}
}

// sameAspect reports whether a and b have equal width to height ratios.
func sameAspect(a, b image.Point) bool {
	return a.X*b.Y == a.Y*b.X
}
