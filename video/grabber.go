package video

import (
	"image"
	"os"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gocv.io/x/gocv"
)

// Grabber is an opaque frame grabbing capability. Grab blocks until the device yields a frame
// or fails; a false result is a failed grab, not the end of the stream.
type Grabber interface {
	NativeSize() image.Point
	Grab() (image.Image, bool)
	Close() error
}

type captureGrabber struct {
	mu      sync.Mutex
	source  Source
	capture *gocv.VideoCapture
	mat     gocv.Mat
	size    image.Point
}

// OpenCapture opens an OpenCV capture for the source.
func OpenCapture(source Source) (Grabber, error) {
	var (
		capture *gocv.VideoCapture
		err     error
	)
	switch source.Kind {
	case DeviceIndex:
		capture, err = gocv.OpenVideoCapture(source.Index)
	case FilePath:
		if _, statErr := os.Stat(source.Target); statErr != nil {
			return nil, errors.Wrapf(statErr, "cannot open %s", source)
		}
		capture, err = gocv.VideoCaptureFile(source.Target)
	case URL:
		capture, err = gocv.OpenVideoCapture(source.Target)
	default:
		return nil, errors.Errorf("unknown source kind %d", int(source.Kind))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open %s", source)
	}
	if !capture.IsOpened() {
		return nil, multierr.Combine(errors.Errorf("%s is not open", source), capture.Close())
	}

	return &captureGrabber{
		source:  source,
		capture: capture,
		mat:     gocv.NewMat(),
		size: image.Pt(
			int(capture.Get(gocv.VideoCaptureFrameWidth)),
			int(capture.Get(gocv.VideoCaptureFrameHeight)),
		),
	}, nil
}

func (g *captureGrabber) NativeSize() image.Point {
	return g.size
}

func (g *captureGrabber) Grab() (image.Image, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ok := g.capture.Read(&g.mat); !ok || g.mat.Empty() {
		return nil, false
	}
	img, err := g.mat.ToImage()
	if err != nil {
		return nil, false
	}
	return img, true
}

func (g *captureGrabber) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return multierr.Combine(g.mat.Close(), g.capture.Close())
}

// StaticGrabber replays a fixed list of images in a loop. A nil entry is a failed grab.
type StaticGrabber struct {
	mu     sync.Mutex
	size   image.Point
	images []image.Image
	next   int
	grabs  int
	closed bool
}

// NewStaticGrabber returns a grabber of the given native size replaying images.
func NewStaticGrabber(size image.Point, images ...image.Image) *StaticGrabber {
	return &StaticGrabber{size: size, images: images}
}

// NativeSize returns the size given at construction.
func (g *StaticGrabber) NativeSize() image.Point {
	return g.size
}

// Grab returns the next image. It fails once closed or when it holds no images.
func (g *StaticGrabber) Grab() (image.Image, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grabs++
	if g.closed || len(g.images) == 0 {
		return nil, false
	}
	img := g.images[g.next]
	g.next = (g.next + 1) % len(g.images)
	return img, img != nil
}

// Grabs is how many times Grab was called.
func (g *StaticGrabber) Grabs() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.grabs
}

// Close makes every later Grab fail.
func (g *StaticGrabber) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}
