package stereo

import (
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/camcal/logging"
	"go.viam.com/camcal/video"
)

// ErrIdenticalSources is returned when both eyes would read the same camera.
var ErrIdenticalSources = errors.New("left and right sources must be different")

// Eye is one side of the rig.
type Eye interface {
	video.Reader
	Name() string
	Start()
	Stop()
	Close() error
}

// Synchronizer reads both eyes back to back. Pairing is best effort: there is no barrier and no
// sub-frame alignment, so the two frames of a pair may come from different instants.
type Synchronizer struct {
	left   Eye
	right  Eye
	clock  clock.Clock
	logger logging.Logger
}

// NewSynchronizer pairs two eyes. A nil clock uses the real one.
func NewSynchronizer(left, right Eye, clk clock.Clock, logger logging.Logger) (*Synchronizer, error) {
	if left == right {
		return nil, ErrIdenticalSources
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Synchronizer{left: left, right: right, clock: clk, logger: logger}, nil
}

// Opener opens a grabber for a source.
type Opener func(video.Source) (video.Grabber, error)

// OpenSynchronizer opens both sources with open and pairs them. Identical sources are rejected
// before anything is opened.
func OpenSynchronizer(
	leftSource, rightSource video.Source,
	open Opener,
	clk clock.Clock,
	logger logging.Logger,
) (*Synchronizer, error) {
	if leftSource == rightSource {
		return nil, errors.Wrapf(ErrIdenticalSources, "both eyes use %s", leftSource)
	}
	leftGrabber, err := open(leftSource)
	if err != nil {
		return nil, errors.Wrap(err, "left eye")
	}
	rightGrabber, err := open(rightSource)
	if err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "right eye"), leftGrabber.Close())
	}
	left := video.NewFrameSource(LeftName, leftGrabber, logger.Sublogger(LeftName))
	right := video.NewFrameSource(RightName, rightGrabber, logger.Sublogger(RightName))
	return NewSynchronizer(left, right, clk, logger)
}

// Start starts both eyes.
func (s *Synchronizer) Start() {
	s.left.Start()
	s.right.Start()
}

// Stop stops both eyes and waits for their loops.
func (s *Synchronizer) Stop() {
	s.left.Stop()
	s.right.Stop()
}

// Close stops both eyes and releases their devices.
func (s *Synchronizer) Close() error {
	return multierr.Combine(s.left.Close(), s.right.Close())
}

// Read returns the latest pair stamped with the clock's time at the start of the read.
func (s *Synchronizer) Read() (bool, *StereoFrame) {
	ts := s.clock.Now()
	leftOK, left := s.left.Read()
	rightOK, right := s.right.Read()
	frame := NewStereoFrame(leftOK, left, rightOK, right, ts)
	if !frame.IsGood() {
		s.logger.Debugw("stereo pair not usable", "left_ok", leftOK, "right_ok", rightOK)
	}
	return frame.IsGood(), frame
}
