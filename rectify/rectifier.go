package rectify

import (
	"context"
	"image"
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/camcal/calib"
	"go.viam.com/camcal/logging"
	"go.viam.com/camcal/utils"
	"go.viam.com/camcal/video"
)

var (
	// ErrAspectRatioMismatch is returned for frames whose shape differs from the calibration's.
	ErrAspectRatioMismatch = errors.New("frame aspect ratio differs from the calibration")
	// ErrFrameSizeMismatch is returned when the two frames of a stereo pair differ in size.
	ErrFrameSizeMismatch = errors.New("stereo frames differ in size")
)

// Rectifier undistorts frames of a single calibrated camera. Its map is built from the first
// frame it sees and rebuilt only when the balance or output size is changed explicitly.
type Rectifier struct {
	mu        sync.Mutex
	res       *calib.Result
	balance   float64
	target    image.Point
	m         *Map
	builds    int
	stopwatch utils.Stopwatch
	logger    logging.Logger
}

// NewRectifier returns a rectifier for res. An output size is not fixed until SetSize; by
// default frames keep their own size.
func NewRectifier(res *calib.Result, balance float64, logger logging.Logger) *Rectifier {
	return &Rectifier{res: res, balance: balance, stopwatch: utils.NewStopwatch(nil), logger: logger}
}

// Builds is the number of maps built so far.
func (r *Rectifier) Builds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.builds
}

// Map is the current map, nil before the first frame.
func (r *Rectifier) Map() *Map {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m
}

// SetMap builds and caches the map for frames shaped like frame, producing target sized output
// (the frame's own size when target is zero).
func (r *Rectifier) SetMap(frame *video.Frame, target image.Point, balance float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setMap(frame.Size(), target, balance)
}

func (r *Rectifier) setMap(source, target image.Point, balance float64) error {
	params, err := monoParams(r.res, source, target, balance)
	if err != nil {
		return err
	}
	m, err := BuildMap(context.Background(), params, balance)
	if err != nil {
		return err
	}
	r.m, r.target, r.balance = m, target, balance
	r.builds++
	r.logger.Debugw("built rectification map", "source", source, "size", m.Size, "balance", balance, "new_k", params.NewK)
	return nil
}

func monoParams(res *calib.Result, source, target image.Point, balance float64) (MapParams, error) {
	if source.X <= 0 || source.Y <= 0 {
		return MapParams{}, errors.New("cannot size a rectification map from an empty frame")
	}
	if !sameAspect(source, res.ImageSize) {
		return MapParams{}, errors.Wrapf(ErrAspectRatioMismatch, "frame is %v, calibration is %v", source, res.ImageSize)
	}
	if target == (image.Point{}) {
		target = source
	}
	model := res.CameraModel()
	k := res.K.Scale(float64(source.X) / float64(res.ImageSize.X))
	newK, err := calib.EstimateNewCameraMatrix(model, k, res.D, source, nil, balance, target, 1)
	if err != nil {
		return MapParams{}, err
	}
	return MapParams{Model: model, K: k, D: res.D, NewK: newK, Source: source, Size: target}, nil
}

// SetBalance rebuilds the map for a new balance.
func (r *Rectifier) SetBalance(balance float64, frame *video.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setMap(frame.Size(), r.target, balance)
}

// SetSize rebuilds the map for a new output size.
func (r *Rectifier) SetSize(w, h int, frame *video.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setMap(frame.Size(), image.Pt(w, h), r.balance)
}

// Correct rectifies frame with the cached map, building it on the very first frame. A frame of
// another size but the calibration's aspect ratio is remapped without a rebuild and comes out at
// the map's size. The output keeps the input's sequence number.
func (r *Rectifier) Correct(frame *video.Frame) (*video.Frame, utils.Cost, error) {
	done := r.stopwatch.Start()
	r.mu.Lock()
	defer r.mu.Unlock()
	if size := frame.Size(); !sameAspect(size, r.res.ImageSize) {
		return nil, done(), errors.Wrapf(ErrAspectRatioMismatch, "frame is %v, calibration is %v", size, r.res.ImageSize)
	}
	if r.m == nil {
		if err := r.setMap(frame.Size(), r.target, r.balance); err != nil {
			return nil, done(), err
		}
	}
	img, err := r.m.Remap(context.Background(), frame.Image)
	if err != nil {
		return nil, done(), err
	}
	return &video.Frame{Image: img, Seq: frame.Seq}, done(), nil
}
