package rectify

import (
	"context"
	"image"
	"image/color"
	"math/rand"
	"testing"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/camcal/calib"
	"go.viam.com/camcal/camera"
	"go.viam.com/camcal/logging"
	"go.viam.com/camcal/video"
)

var (
	smallSize = image.Pt(64, 48)
	smallK    = camera.Intrinsics{Fx: 60, Fy: 60, Cx: 32, Cy: 24}
	noD       = []float64{0, 0, 0, 0, 0}
)

func noiseImage(size image.Point, seed int64) *image.RGBA {
	r := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rectangle{Max: size})
	for i := range img.Pix {
		img.Pix[i] = uint8(r.Intn(256))
		if i%4 == 3 {
			img.Pix[i] = 0xff
		}
	}
	return img
}

func filledImage(size image.Point, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rectangle{Max: size})
	for y := 0; y < size.Y; y++ {
		for x := 0; x < size.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestBuildMapIdentity(t *testing.T) {
	params := MapParams{
		Model:  camera.BrownConrady{},
		K:      smallK,
		D:      noD,
		NewK:   smallK,
		Source: smallSize,
		Size:   smallSize,
	}
	m, err := BuildMap(context.Background(), params, 0.5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Size, test.ShouldResemble, smallSize)
	test.That(t, m.Balance, test.ShouldEqual, 0.5)
	test.That(t, len(m.MapX), test.ShouldEqual, smallSize.X*smallSize.Y)
	for _, p := range []image.Point{{0, 0}, {63, 47}, {10, 30}} {
		sx, sy := m.At(p.X, p.Y)
		test.That(t, sx, test.ShouldAlmostEqual, float32(p.X), 1e-3)
		test.That(t, sy, test.ShouldAlmostEqual, float32(p.Y), 1e-3)
	}

	src := noiseImage(smallSize, 1)
	out, err := m.Remap(context.Background(), src)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Pix, test.ShouldResemble, src.Pix)

	half := noiseImage(image.Pt(32, 24), 1)
	scaled, err := m.Remap(context.Background(), half)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, scaled.Bounds().Size(), test.ShouldResemble, smallSize)
	test.That(t, scaled.RGBAAt(0, 0), test.ShouldResemble, half.RGBAAt(0, 0))
	test.That(t, scaled.RGBAAt(10, 6), test.ShouldResemble, half.RGBAAt(5, 3))

	_, err = m.Remap(context.Background(), noiseImage(image.Pt(64, 64), 1))
	test.That(t, errors.Is(err, ErrAspectRatioMismatch), test.ShouldBeTrue)

	t.Run("invalid", func(t *testing.T) {
		bad := params
		bad.Size = image.Point{}
		_, err := BuildMap(context.Background(), bad, 0)
		test.That(t, err, test.ShouldNotBeNil)

		bad = params
		bad.NewK = camera.Intrinsics{}
		_, err = BuildMap(context.Background(), bad, 0)
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := BuildMap(ctx, params, 0)
		test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	})
}

func TestBuildMapUndistortsFisheye(t *testing.T) {
	model := camera.KannalaBrandt{}
	k := camera.Intrinsics{Fx: 300, Fy: 299, Cx: 321, Cy: 238}
	d := []float64{0.05, -0.01, 0.002, -0.0003}
	newK := camera.Intrinsics{Fx: 240, Fy: 240, Cx: 320, Cy: 240}
	size := image.Pt(640, 480)

	m, err := BuildMap(context.Background(), MapParams{Model: model, K: k, D: d, NewK: newK, Source: size, Size: size}, 0)
	test.That(t, err, test.ShouldBeNil)
	for _, p := range []image.Point{{320, 240}, {100, 80}, {600, 400}, {20, 460}} {
		sx, sy := m.At(p.X, p.Y)
		test.That(t, sx, test.ShouldBeGreaterThanOrEqualTo, float32(0))
		n := model.Undistort(d, k.ToNormalized(r2.Point{X: float64(sx), Y: float64(sy)}))
		back := newK.ToPixel(n)
		test.That(t, back.X, test.ShouldAlmostEqual, float64(p.X), 1e-2)
		test.That(t, back.Y, test.ShouldAlmostEqual, float64(p.Y), 1e-2)
	}
}

func TestRemapBlackBorder(t *testing.T) {
	zoomedOut := camera.Intrinsics{Fx: smallK.Fx / 2, Fy: smallK.Fy / 2, Cx: smallK.Cx, Cy: smallK.Cy}
	m, err := BuildMap(context.Background(), MapParams{
		Model: camera.BrownConrady{}, K: smallK, D: noD, NewK: zoomedOut, Source: smallSize, Size: smallSize,
	}, 1)
	test.That(t, err, test.ShouldBeNil)

	white := color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	out, err := m.Remap(context.Background(), filledImage(smallSize, white))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.RGBAAt(0, 0), test.ShouldResemble, color.RGBA{A: 0xff})
	test.That(t, out.RGBAAt(63, 47), test.ShouldResemble, color.RGBA{A: 0xff})
	test.That(t, out.RGBAAt(32, 24), test.ShouldResemble, white)
}

func TestBuildMapBehindCamera(t *testing.T) {
	// A quarter turn about y sends the left half of the output view behind the camera.
	m, err := BuildMap(context.Background(), MapParams{
		Model:  camera.BrownConrady{},
		K:      smallK,
		D:      noD,
		R:      camera.Rodrigues(r3.Vector{Y: 1.5707963267948966}),
		NewK:   smallK,
		Source: smallSize,
		Size:   smallSize,
	}, 0)
	test.That(t, err, test.ShouldBeNil)
	sx, sy := m.At(0, 24)
	test.That(t, sx, test.ShouldEqual, float32(-1))
	test.That(t, sy, test.ShouldEqual, float32(-1))
}

func monoResult() *calib.Result {
	return &calib.Result{Model: camera.Pinhole, K: smallK, D: noD, ImageSize: smallSize, CID: "pinhole"}
}

func TestRectifier(t *testing.T) {
	logger := logging.NewTestLogger(t)

	t.Run("lazy build", func(t *testing.T) {
		r := NewRectifier(monoResult(), 0.5, logger)
		test.That(t, r.Map(), test.ShouldBeNil)
		frame := video.NewFrame(noiseImage(smallSize, 2), 7)
		for i := 0; i < 3; i++ {
			out, cost, err := r.Correct(frame)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, out.Size(), test.ShouldResemble, smallSize)
			test.That(t, out.Seq, test.ShouldEqual, uint64(7))
			test.That(t, cost.Duration(), test.ShouldBeGreaterThanOrEqualTo, time.Duration(0))
		}
		test.That(t, r.Builds(), test.ShouldEqual, 1)
		test.That(t, r.Map().Balance, test.ShouldEqual, 0.5)
	})

	t.Run("scaled frames", func(t *testing.T) {
		r := NewRectifier(monoResult(), 0.5, logger)
		out, _, err := r.Correct(video.NewFrame(noiseImage(image.Pt(32, 24), 3), 1))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, out.Size(), test.ShouldResemble, image.Pt(32, 24))

		// Same shape, other size: remapped onto the existing map's output size.
		out, _, err = r.Correct(video.NewFrame(noiseImage(smallSize, 3), 2))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, out.Size(), test.ShouldResemble, image.Pt(32, 24))
		test.That(t, out.Seq, test.ShouldEqual, uint64(2))
		test.That(t, r.Builds(), test.ShouldEqual, 1)

		_, _, err = r.Correct(video.NewFrame(noiseImage(image.Pt(64, 64), 3), 3))
		test.That(t, errors.Is(err, ErrAspectRatioMismatch), test.ShouldBeTrue)
		test.That(t, r.Builds(), test.ShouldEqual, 1)
	})

	t.Run("size and balance", func(t *testing.T) {
		r := NewRectifier(monoResult(), 0, logger)
		frame := video.NewFrame(noiseImage(smallSize, 4), 1)
		test.That(t, r.SetSize(40, 30, frame), test.ShouldBeNil)
		out, _, err := r.Correct(frame)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, out.Size(), test.ShouldResemble, image.Pt(40, 30))
		test.That(t, r.Builds(), test.ShouldEqual, 1)

		test.That(t, r.SetBalance(1, frame), test.ShouldBeNil)
		test.That(t, r.Builds(), test.ShouldEqual, 2)
		test.That(t, r.Map().Balance, test.ShouldEqual, 1.0)
		test.That(t, r.Map().Size, test.ShouldResemble, image.Pt(40, 30))

		test.That(t, r.SetMap(frame, image.Point{}, 0.25), test.ShouldBeNil)
		test.That(t, r.Map().Size, test.ShouldResemble, smallSize)
		test.That(t, r.Builds(), test.ShouldEqual, 3)
	})

	t.Run("aspect mismatch", func(t *testing.T) {
		r := NewRectifier(monoResult(), 0.5, logger)
		_, _, err := r.Correct(video.NewFrame(noiseImage(image.Pt(64, 64), 5), 1))
		test.That(t, errors.Is(err, ErrAspectRatioMismatch), test.ShouldBeTrue)
		test.That(t, r.Builds(), test.ShouldEqual, 0)
	})
}

func stereoResult() *calib.StereoResult {
	return &calib.StereoResult{
		Model:     camera.Pinhole,
		KLeft:     smallK,
		DLeft:     noD,
		KRight:    camera.Intrinsics{Fx: 61, Fy: 60.5, Cx: 31, Cy: 25},
		DRight:    noD,
		R:         camera.Rodrigues(r3.Vector{X: 0.01, Y: -0.02, Z: 0.005}),
		T:         r3.Vector{X: -0.06, Y: 0.0005, Z: 0.001},
		ImageSize: smallSize,
		CID:       "rig",
	}
}

func TestStereoRectifier(t *testing.T) {
	logger := logging.NewTestLogger(t)
	s, err := NewStereoRectifier(stereoResult(), 0.5, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Rectification().Balance, test.ShouldEqual, 0.5)

	left := video.NewFrame(noiseImage(smallSize, 6), 11)
	right := video.NewFrame(noiseImage(smallSize, 7), 12)
	for i := 0; i < 2; i++ {
		outL, outR, _, err := s.Correct(left, right)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, outL.Size(), test.ShouldResemble, smallSize)
		test.That(t, outR.Size(), test.ShouldResemble, smallSize)
		test.That(t, outL.Seq, test.ShouldEqual, uint64(11))
		test.That(t, outR.Seq, test.ShouldEqual, uint64(12))
	}
	test.That(t, s.Builds(), test.ShouldEqual, 1)
	mapL, mapR := s.Maps()
	test.That(t, mapL.MapX, test.ShouldNotResemble, mapR.MapX)

	test.That(t, s.SetBalance(1, left), test.ShouldBeNil)
	test.That(t, s.Rectification().Balance, test.ShouldEqual, 1.0)
	test.That(t, s.Builds(), test.ShouldEqual, 2)

	test.That(t, s.SetSize(32, 24, left), test.ShouldBeNil)
	outL, _, _, err := s.Correct(left, right)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, outL.Size(), test.ShouldResemble, image.Pt(32, 24))

	halfL := video.NewFrame(noiseImage(image.Pt(32, 24), 8), 13)
	halfR := video.NewFrame(noiseImage(image.Pt(32, 24), 9), 14)
	_, _, _, err = s.Correct(left, halfR)
	test.That(t, errors.Is(err, ErrFrameSizeMismatch), test.ShouldBeTrue)

	outL, outR, _, err := s.Correct(halfL, halfR)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, outL.Size(), test.ShouldResemble, image.Pt(32, 24))
	test.That(t, outR.Seq, test.ShouldEqual, uint64(14))
	test.That(t, s.Builds(), test.ShouldEqual, 3)

	square := video.NewFrame(noiseImage(image.Pt(48, 48), 10), 15)
	_, _, _, err = s.Correct(square, square)
	test.That(t, errors.Is(err, ErrAspectRatioMismatch), test.ShouldBeTrue)

	err = s.SetMaps(video.NewFrame(noiseImage(image.Pt(48, 48), 9), 1), image.Point{}, 0.5)
	test.That(t, errors.Is(err, ErrAspectRatioMismatch), test.ShouldBeTrue)

	flat := stereoResult()
	flat.T = r3.Vector{}
	_, err = NewStereoRectifier(flat, 0.5, logger)
	test.That(t, errors.Is(err, calib.ErrIllConditioned), test.ShouldBeTrue)
}
