package video

import (
	"image"
	"image/color"
	"testing"
	"time"

	"go.viam.com/test"

	"go.viam.com/camcal/logging"
)

func solid(size image.Point, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rectangle{Max: size})
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

// gatedGrabber blocks every Grab until the test hands it a result.
type gatedGrabber struct {
	size    image.Point
	results chan image.Image
}

func newGatedGrabber(size image.Point) *gatedGrabber {
	return &gatedGrabber{size: size, results: make(chan image.Image)}
}

func (g *gatedGrabber) NativeSize() image.Point { return g.size }

func (g *gatedGrabber) Grab() (image.Image, bool) {
	img, open := <-g.results
	if !open {
		return nil, false
	}
	return img, img != nil
}

func (g *gatedGrabber) Close() error { return nil }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestParseSource(t *testing.T) {
	for _, tc := range []struct {
		input    string
		expected Source
	}{
		{"0", Source{Kind: DeviceIndex, Index: 0}},
		{" 2 ", Source{Kind: DeviceIndex, Index: 2}},
		{"rtsp://10.0.0.2:554/left", Source{Kind: URL, Target: "rtsp://10.0.0.2:554/left"}},
		{"data/left.mp4", Source{Kind: FilePath, Target: "data/left.mp4"}},
	} {
		t.Run(tc.input, func(t *testing.T) {
			source, err := ParseSource(tc.input)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, source, test.ShouldResemble, tc.expected)
		})
	}

	_, err := ParseSource("  ")
	test.That(t, err, test.ShouldBeError, ErrEmptySource)
	_, err = ParseSource("-1")
	test.That(t, err, test.ShouldNotBeNil)

	left, _ := ParseSource("1")
	right, _ := ParseSource("1")
	test.That(t, left == right, test.ShouldBeTrue)
	test.That(t, left.String(), test.ShouldEqual, "device:1")
}

func TestZeroFrameBeforeFirstGrab(t *testing.T) {
	size := image.Pt(64, 48)
	grabber := newGatedGrabber(size)
	fs := NewFrameSource("left", grabber, logging.NewTestLogger(t))
	fs.Start()

	ok, frame := fs.Read()
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, frame.Seq, test.ShouldEqual, uint64(0))
	test.That(t, frame.Size(), test.ShouldResemble, size)
	for _, p := range frame.Image.Pix {
		test.That(t, p, test.ShouldEqual, uint8(0))
	}

	red := solid(size, color.RGBA{R: 255, A: 255})
	grabber.results <- red
	waitFor(t, func() bool { ok, _ := fs.Read(); return ok })
	ok, frame = fs.Read()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, frame.Seq, test.ShouldEqual, uint64(1))
	test.That(t, frame.Image.Pix[0], test.ShouldEqual, uint8(255))

	// A failed grab keeps the previous frame but reports not ok.
	grabber.results <- nil
	waitFor(t, func() bool { return fs.Stats().Failures == 1 })
	ok, frame = fs.Read()
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, frame.Seq, test.ShouldEqual, uint64(1))

	close(grabber.results)
	fs.Stop()
	test.That(t, fs.Close(), test.ShouldBeNil)
}

func TestFrameSourceStats(t *testing.T) {
	size := image.Pt(8, 8)
	grabber := newGatedGrabber(size)
	fs := NewFrameSource("right", grabber, logging.NewTestLogger(t))
	fs.Start()
	// Start is idempotent.
	fs.Start()

	img := solid(size, color.RGBA{G: 255, A: 255})
	for i := 0; i < 3; i++ {
		grabber.results <- img
	}
	waitFor(t, func() bool { return fs.Stats().Acquired == 3 })

	// Frames 1 and 2 were never read, frame 3 is still readable.
	stats := fs.Stats()
	test.That(t, stats, test.ShouldResemble, Stats{Acquired: 3, Read: 0, Dropped: 2})

	fs.Read()
	fs.Read()
	stats = fs.Stats()
	test.That(t, stats, test.ShouldResemble, Stats{Acquired: 3, Read: 1, Dropped: 2})

	close(grabber.results)
	fs.Stop()
}

func TestStaticGrabber(t *testing.T) {
	size := image.Pt(4, 4)
	a := solid(size, color.RGBA{R: 1, A: 255})
	g := NewStaticGrabber(size, a, nil)
	test.That(t, g.NativeSize(), test.ShouldResemble, size)

	img, ok := g.Grab()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, img, test.ShouldEqual, a)
	_, ok = g.Grab()
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = g.Grab()
	test.That(t, ok, test.ShouldBeTrue)

	test.That(t, g.Close(), test.ShouldBeNil)
	_, ok = g.Grab()
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, g.Grabs(), test.ShouldEqual, 4)
}

func TestToRGBA(t *testing.T) {
	gray := image.NewGray(image.Rect(10, 10, 14, 12))
	gray.SetGray(10, 10, color.Gray{Y: 200})
	rgba := ToRGBA(gray)
	test.That(t, rgba.Bounds(), test.ShouldResemble, image.Rect(0, 0, 4, 2))
	test.That(t, rgba.RGBAAt(0, 0), test.ShouldResemble, color.RGBA{200, 200, 200, 255})

	frame := NewFrame(rgba, 3)
	test.That(t, frame.Image, test.ShouldEqual, rgba)
	clone := frame.Clone()
	clone.Image.Pix[0] = 1
	test.That(t, frame.Image.Pix[0], test.ShouldEqual, uint8(200))
	test.That(t, (*Frame)(nil).Empty(), test.ShouldBeTrue)
}

func TestFrameSourceRestart(t *testing.T) {
	size := image.Pt(4, 4)
	fs := NewFrameSource("mono", NewStaticGrabber(size, solid(size, color.RGBA{B: 255, A: 255})), logging.NewTestLogger(t))
	fs.Start()
	waitFor(t, func() bool { return fs.Stats().Acquired > 0 })
	fs.Stop()
	stopped := fs.Stats().Acquired
	time.Sleep(20 * time.Millisecond)
	test.That(t, fs.Stats().Acquired, test.ShouldEqual, stopped)
	// Stopping twice is harmless.
	fs.Stop()

	fs.Start()
	waitFor(t, func() bool { return fs.Stats().Acquired > stopped })
	ok, frame := fs.Read()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, frame.Seq, test.ShouldBeGreaterThan, stopped)
	test.That(t, fs.Close(), test.ShouldBeNil)
}
