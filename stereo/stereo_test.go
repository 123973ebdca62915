package stereo

import (
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/camcal/logging"
	"go.viam.com/camcal/video"
)

type fakeEye struct {
	name    string
	ok      bool
	frame   *video.Frame
	started bool
	stopped bool
}

func (e *fakeEye) Read() (bool, *video.Frame) { return e.ok, e.frame }
func (e *fakeEye) Name() string               { return e.name }
func (e *fakeEye) Start()                     { e.started = true }
func (e *fakeEye) Stop()                      { e.stopped = true }
func (e *fakeEye) Close() error               { e.Stop(); return nil }

func filled(w, h int, c color.RGBA) *video.Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return &video.Frame{Image: img, Seq: 1}
}

func TestSynchronizerRejectsIdentical(t *testing.T) {
	logger := logging.NewTestLogger(t)
	eye := &fakeEye{name: "cam"}
	_, err := NewSynchronizer(eye, eye, nil, logger)
	test.That(t, err, test.ShouldBeError, ErrIdenticalSources)

	src, err := video.ParseSource("0")
	test.That(t, err, test.ShouldBeNil)
	opened := 0
	_, err = OpenSynchronizer(src, src, func(video.Source) (video.Grabber, error) {
		opened++
		return video.NewStaticGrabber(image.Pt(4, 4)), nil
	}, nil, logger)
	test.That(t, errors.Is(err, ErrIdenticalSources), test.ShouldBeTrue)
	test.That(t, opened, test.ShouldEqual, 0)
}

func TestSynchronizerRead(t *testing.T) {
	clk := clock.NewMock()
	clk.Add(time.Hour)
	left := &fakeEye{name: LeftName, ok: true, frame: filled(4, 3, color.RGBA{R: 255, A: 255})}
	right := &fakeEye{name: RightName, ok: true, frame: filled(4, 3, color.RGBA{B: 255, A: 255})}
	sync, err := NewSynchronizer(left, right, clk, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	sync.Start()
	test.That(t, left.started && right.started, test.ShouldBeTrue)

	good, pair := sync.Read()
	test.That(t, good, test.ShouldBeTrue)
	test.That(t, pair.IsGood(), test.ShouldBeTrue)
	test.That(t, pair.Timestamp, test.ShouldEqual, clk.Now())
	l, r := pair.Frames()
	test.That(t, l, test.ShouldEqual, left.frame)
	test.That(t, r, test.ShouldEqual, right.frame)

	named := pair.CalibrationNamedFrames()
	test.That(t, named, test.ShouldHaveLength, 2)
	test.That(t, named[0].Name, test.ShouldEqual, "left")
	test.That(t, named[1].Name, test.ShouldEqual, "right")

	test.That(t, pair.StackedSize(), test.ShouldResemble, image.Pt(8, 3))
	stacked := pair.Stack()
	test.That(t, stacked.RGBAAt(0, 0), test.ShouldResemble, color.RGBA{R: 255, A: 255})
	test.That(t, stacked.RGBAAt(7, 2), test.ShouldResemble, color.RGBA{B: 255, A: 255})

	test.That(t, sync.Close(), test.ShouldBeNil)
	test.That(t, left.stopped && right.stopped, test.ShouldBeTrue)
}

func TestSynchronizerNotGood(t *testing.T) {
	for _, tc := range []struct {
		name        string
		left, right *fakeEye
	}{
		{
			"left failed",
			&fakeEye{ok: false, frame: filled(2, 2, color.RGBA{})},
			&fakeEye{ok: true, frame: filled(2, 2, color.RGBA{})},
		},
		{
			"right failed",
			&fakeEye{ok: true, frame: filled(2, 2, color.RGBA{})},
			&fakeEye{ok: false, frame: filled(2, 2, color.RGBA{})},
		},
		{
			"empty frame",
			&fakeEye{ok: true, frame: &video.Frame{Image: image.NewRGBA(image.Rectangle{})}},
			&fakeEye{ok: true, frame: filled(2, 2, color.RGBA{})},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sync, err := NewSynchronizer(tc.left, tc.right, clock.NewMock(), logging.NewTestLogger(t))
			test.That(t, err, test.ShouldBeNil)
			good, pair := sync.Read()
			test.That(t, good, test.ShouldBeFalse)
			test.That(t, pair.IsGood(), test.ShouldBeFalse)
		})
	}
}

func TestOpenSynchronizerWithFrameSources(t *testing.T) {
	size := image.Pt(6, 4)
	img := filled(6, 4, color.RGBA{G: 200, A: 255}).Image
	logger := logging.NewTestLogger(t)

	leftSrc, _ := video.ParseSource("0")
	rightSrc, _ := video.ParseSource("1")
	sync, err := OpenSynchronizer(leftSrc, rightSrc, func(video.Source) (video.Grabber, error) {
		return video.NewStaticGrabber(size, img), nil
	}, clock.New(), logger)
	test.That(t, err, test.ShouldBeNil)

	// Before start, both eyes hand out placeholders.
	good, pair := sync.Read()
	test.That(t, good, test.ShouldBeFalse)
	test.That(t, pair.Left.Size(), test.ShouldResemble, size)

	sync.Start()
	deadline := time.Now().Add(5 * time.Second)
	for !good && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
		good, pair = sync.Read()
	}
	test.That(t, good, test.ShouldBeTrue)
	test.That(t, pair.Right.Image.RGBAAt(0, 0), test.ShouldResemble, color.RGBA{G: 200, A: 255})
	test.That(t, sync.Close(), test.ShouldBeNil)
}
