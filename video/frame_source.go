package video

import (
	"context"
	"image"
	"sync"
	"time"

	"go.uber.org/atomic"

	"go.viam.com/camcal/logging"
	"go.viam.com/camcal/utils"
)

// Reader hands out the most recently published frame without blocking on device I/O.
type Reader interface {
	Read() (bool, *Frame)
}

// Stats counts a FrameSource's activity.
type Stats struct {
	// Acquired is the number of successful grabs.
	Acquired uint64
	// Read is the number of distinct frames handed to at least one reader.
	Read uint64
	// Dropped is the number of acquired frames replaced before anyone read them.
	Dropped uint64
	// Failures is the number of failed grabs.
	Failures uint64
}

// slot is an immutable publication. Readers see a whole slot or none of it.
type slot struct {
	ok    bool
	frame *Frame
}

// failurePause is slept after a failed grab so a dead device does not spin the loop.
const failurePause = 10 * time.Millisecond

// FrameSource runs a grab loop on a background worker and publishes the latest frame.
type FrameSource struct {
	name    string
	grabber Grabber
	logger  logging.Logger

	latest       atomic.Pointer[slot]
	acquired     atomic.Uint64
	failures     atomic.Uint64
	distinctRead atomic.Uint64
	lastReadSeq  atomic.Uint64

	mu      sync.Mutex
	workers utils.StoppableWorkers
}

// NewFrameSource wraps a grabber. Until the first successful grab, Read returns a black frame of
// the grabber's native size with ok=false.
func NewFrameSource(name string, grabber Grabber, logger logging.Logger) *FrameSource {
	fs := &FrameSource{
		name:    name,
		grabber: grabber,
		logger:  logger,
	}
	fs.latest.Store(&slot{ok: false, frame: ZeroFrame(grabber.NativeSize())})
	return fs
}

// Name is the source's display name.
func (fs *FrameSource) Name() string {
	return fs.name
}

// NativeSize is the grabber's native resolution.
func (fs *FrameSource) NativeSize() image.Point {
	return fs.grabber.NativeSize()
}

// Start launches the acquisition loop and returns immediately. Calling it while running is a
// no-op; after Stop it starts a fresh loop that keeps counting where the last one stopped.
func (fs *FrameSource) Start() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.workers != nil {
		return
	}
	fs.logger.Debugw("starting frame source", "name", fs.name, "size", fs.grabber.NativeSize())
	fs.workers = utils.NewStoppableWorkers(utils.Loop(fs.grabOnce, failurePause))
}

func (fs *FrameSource) grabOnce(ctx context.Context) bool {
	img, ok := fs.grabber.Grab()
	if !ok || img == nil || img.Bounds().Empty() {
		n := fs.failures.Inc()
		prev := fs.latest.Load()
		fs.latest.Store(&slot{ok: false, frame: prev.frame})
		if n == 1 || n%100 == 0 {
			fs.logger.Warnw("frame grab failed", "name", fs.name, "failures", n)
		}
		return false
	}
	seq := fs.acquired.Inc()
	fs.latest.Store(&slot{ok: true, frame: NewFrame(img, seq)})
	return true
}

// Read returns the latest slot. It never blocks on the device.
func (fs *FrameSource) Read() (bool, *Frame) {
	s := fs.latest.Load()
	if seq := s.frame.Seq; seq != 0 {
		for {
			last := fs.lastReadSeq.Load()
			if seq <= last {
				break
			}
			if fs.lastReadSeq.CompareAndSwap(last, seq) {
				fs.distinctRead.Inc()
				break
			}
		}
	}
	return s.ok, s.frame
}

// Stats returns a snapshot of the counters. The latest frame is not counted as dropped while it
// can still be read.
func (fs *FrameSource) Stats() Stats {
	acquired := fs.acquired.Load()
	read := fs.distinctRead.Load()
	var dropped uint64
	if acquired > read {
		dropped = acquired - read
		if fs.latest.Load().frame.Seq > fs.lastReadSeq.Load() {
			dropped--
		}
	}
	return Stats{
		Acquired: acquired,
		Read:     read,
		Dropped:  dropped,
		Failures: fs.failures.Load(),
	}
}

// Stop signals the loop and waits for it to exit. An in-flight grab completes first.
func (fs *FrameSource) Stop() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.workers == nil {
		return
	}
	fs.workers.Stop()
	fs.workers = nil
	stats := fs.Stats()
	fs.logger.Debugw("stopped frame source", "name", fs.name,
		"acquired", stats.Acquired, "read", stats.Read, "dropped", stats.Dropped, "failures", stats.Failures)
}

// Close stops the loop and releases the grabber.
func (fs *FrameSource) Close() error {
	fs.Stop()
	return fs.grabber.Close()
}
