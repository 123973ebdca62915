package rectify

import (
	"context"
	"image"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"go.viam.com/camcal/calib"
	"go.viam.com/camcal/logging"
	"go.viam.com/camcal/utils"
	"go.viam.com/camcal/video"
)

// StereoRectifier rectifies frame pairs of a calibrated rig so that matching points share a row.
// Like Rectifier, its maps are built on the first pair and only rebuilt on explicit changes; the
// rig's rectification is recomputed whenever the balance changes.
type StereoRectifier struct {
	mu          sync.Mutex
	res         *calib.StereoResult
	rect        *calib.StereoRectification
	target      image.Point
	left, right *Map
	builds      int
	stopwatch   utils.Stopwatch
	logger      logging.Logger
}

// NewStereoRectifier computes the rectification of res at balance.
func NewStereoRectifier(res *calib.StereoResult, balance float64, logger logging.Logger) (*StereoRectifier, error) {
	rect, err := calib.StereoRectify(res, balance)
	if err != nil {
		return nil, err
	}
	return &StereoRectifier{res: res, rect: rect, stopwatch: utils.NewStopwatch(nil), logger: logger}, nil
}

// Rectification is the current rectification of the rig.
func (s *StereoRectifier) Rectification() *calib.StereoRectification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rect
}

// Builds is the number of map pairs built so far.
func (s *StereoRectifier) Builds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.builds
}

// Maps are the current left and right maps, nil before the first pair.
func (s *StereoRectifier) Maps() (*Map, *Map) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.left, s.right
}

// SetMaps builds both maps for frames shaped like frame.
func (s *StereoRectifier) SetMaps(frame *video.Frame, target image.Point, balance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setMaps(frame.Size(), target, balance)
}

// SetBalance recomputes the rectification for a new balance and rebuilds both maps.
func (s *StereoRectifier) SetBalance(balance float64, frame *video.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setMaps(frame.Size(), s.target, balance)
}

// SetSize rebuilds both maps for a new output size.
func (s *StereoRectifier) SetSize(w, h int, frame *video.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setMaps(frame.Size(), image.Pt(w, h), s.rect.Balance)
}

func (s *StereoRectifier) setMaps(source, target image.Point, balance float64) error {
	if source.X <= 0 || source.Y <= 0 {
		return errors.New("cannot size a rectification map from an empty frame")
	}
	if !sameAspect(source, s.res.ImageSize) {
		return errors.Wrapf(ErrAspectRatioMismatch, "frame is %v, calibration is %v", source, s.res.ImageSize)
	}
	rect := s.rect
	if balance != rect.Balance {
		var err error
		if rect, err = calib.StereoRectify(s.res, balance); err != nil {
			return err
		}
	}
	size := target
	if size == (image.Point{}) {
		size = source
	}

	scale := float64(source.X) / float64(s.res.ImageSize.X)
	model := s.res.CameraModel()
	params := [2]MapParams{
		{
			Model: model, K: s.res.KLeft.Scale(scale), D: s.res.DLeft, R: rect.R1,
			NewK:   scaleTo(rect.LeftIntrinsics().Scale(scale), source, size),
			Source: source, Size: size,
		},
		{
			Model: model, K: s.res.KRight.Scale(scale), D: s.res.DRight, R: rect.R2,
			NewK:   scaleTo(rect.RightIntrinsics().Scale(scale), source, size),
			Source: source, Size: size,
		},
	}
	var maps [2]*Map
	g, ctx := errgroup.WithContext(context.Background())
	for i := range params {
		g.Go(func() error {
			m, err := BuildMap(ctx, params[i], balance)
			maps[i] = m
			return errors.Wrap(err, []string{"left", "right"}[i])
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.rect, s.target = rect, target
	s.left, s.right = maps[0], maps[1]
	s.builds++
	s.logger.Debugw("built stereo rectification maps", "source", source, "size", size, "balance", balance)
	return nil
}

// Correct rectifies a frame pair, building the maps on the very first pair. Like Rectifier, a pair
// of another size with the calibration's aspect ratio comes out at the maps' size.
func (s *StereoRectifier) Correct(left, right *video.Frame) (*video.Frame, *video.Frame, utils.Cost, error) {
	done := s.stopwatch.Start()
	s.mu.Lock()
	defer s.mu.Unlock()
	if left.Size() != right.Size() {
		return nil, nil, done(), errors.Wrapf(ErrFrameSizeMismatch, "left is %v, right is %v", left.Size(), right.Size())
	}
	if size := left.Size(); !sameAspect(size, s.res.ImageSize) {
		return nil, nil, done(), errors.Wrapf(ErrAspectRatioMismatch, "frames are %v, calibration is %v", size, s.res.ImageSize)
	}
	if s.left == nil {
		if err := s.setMaps(left.Size(), s.target, s.rect.Balance); err != nil {
			return nil, nil, done(), err
		}
	}

	maps := [2]*Map{s.left, s.right}
	frames := [2]*video.Frame{left, right}
	var out [2]*image.RGBA
	g, ctx := errgroup.WithContext(context.Background())
	for i := range maps {
		g.Go(func() error {
			img, err := maps[i].Remap(ctx, frames[i].Image)
			out[i] = img
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, done(), err
	}
	return &video.Frame{Image: out[0], Seq: left.Seq}, &video.Frame{Image: out[1], Seq: right.Seq}, done(), nil
}
