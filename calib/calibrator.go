package calib

import (
	"context"
	"image"
	"math"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/camcal/camera"
	"go.viam.com/camcal/logging"
	"go.viam.com/camcal/samples"
	"go.viam.com/camcal/utils"
)

// Result is a solved single camera. It is never mutated once returned.
type Result struct {
	Model camera.Kind
	K     camera.Intrinsics
	D     []float64
	// Rvecs and Tvecs are the board poses of the picked samples, in pick order.
	Rvecs     []r3.Vector
	Tvecs     []r3.Vector
	RMS       float64
	ImageSize image.Point
	CID       string
	// Time is the creation time in whole seconds since the epoch, UTC.
	Time     int64
	Seed     int64
	PickSize int
}

// CameraModel is the projection model the result was solved with.
func (r *Result) CameraModel() camera.Model {
	if r.Model == camera.Fisheye {
		return camera.KannalaBrandt{}
	}
	return camera.BrownConrady{}
}

// Poses pairs up Rvecs and Tvecs.
func (r *Result) Poses() []camera.Pose {
	poses := make([]camera.Pose, len(r.Rvecs))
	for i := range poses {
		poses[i] = camera.Pose{Rvec: r.Rvecs[i], Tvec: r.Tvecs[i]}
	}
	return poses
}

// CreatedAt is Time as a UTC time.
func (r *Result) CreatedAt() time.Time {
	return time.Unix(r.Time, 0).UTC()
}

// Subsample picks k samples of set, seeded for reproducibility: image points are drawn with
// replacement and paired with the object points of the first k samples. The input is not
// modified.
func Subsample(set *samples.SampleSet, seed int64, k int) (*samples.SampleSet, error) {
	if k < MinPickSize {
		return nil, errors.Wrapf(ErrSetTooSmall, "a set of %d is too small, need at least %d", k, MinPickSize)
	}
	n := set.Len()
	if k > n {
		return nil, errors.Wrapf(ErrPickTooLarge, "cannot pick %d of %d samples", k, n)
	}

	out := samples.NewSampleSet(set.Pattern, set.SquareSize, set.Side)
	out.ImageSize = set.ImageSize
	out.Samples = make([]samples.PatternSample, k)
	r := rand.New(rand.NewSource(seed))
	for j := 0; j < k; j++ {
		drawn := set.Samples[r.Intn(n)]
		out.Samples[j] = samples.PatternSample{
			Name:         drawn.Name,
			ObjectPoints: append([]r3.Vector(nil), set.Samples[j].ObjectPoints...),
			ImagePoints:  append([]r2.Point(nil), drawn.ImagePoints...),
			ImageSize:    drawn.ImageSize,
			Side:         drawn.Side,
		}
	}
	return out, nil
}

// Calibrator solves single cameras of one model.
type Calibrator struct {
	model    camera.Model
	solver   Solver
	criteria Criteria
	clock    clock.Clock
	cid      string
	logger   logging.Logger

	fixIntrinsics bool
}

// Option configures a Calibrator.
type Option func(*Calibrator)

// WithSolver replaces the default Levenberg-Marquardt solver.
func WithSolver(solver Solver) Option {
	return func(c *Calibrator) { c.solver = solver }
}

// WithCriteria replaces the model's default stop criteria.
func WithCriteria(criteria Criteria) Option {
	return func(c *Calibrator) { c.criteria = criteria }
}

// WithClock sets the clock results are timestamped with.
func WithClock(clk clock.Clock) Option {
	return func(c *Calibrator) { c.clock = clk }
}

// WithCalibrationID sets the id stamped on results, used to tie a calibration file to a device.
func WithCalibrationID(cid string) Option {
	return func(c *Calibrator) { c.cid = cid }
}

// WithFixedIntrinsics keeps the mono intrinsics and distortion fixed during stereo calibration,
// solving only the relative pose and board poses.
func WithFixedIntrinsics(fixed bool) Option {
	return func(c *Calibrator) { c.fixIntrinsics = fixed }
}

// NewCalibrator returns a calibrator for the given camera model. The calibration id defaults to
// the model name.
func NewCalibrator(kind camera.Kind, logger logging.Logger, opts ...Option) (*Calibrator, error) {
	model, err := camera.ModelFor(kind)
	if err != nil {
		return nil, err
	}
	c := &Calibrator{
		model:    model,
		solver:   LMSolver{},
		criteria: DefaultCriteria,
		clock:    clock.New(),
		cid:      kind.String(),
		logger:   logger,
	}
	if kind == camera.Fisheye {
		c.criteria = FisheyeCriteria
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Model is the calibrator's camera model.
func (c *Calibrator) Model() camera.Model {
	return c.model
}

// Calibrate picks k samples of set with the given seed and solves intrinsics, distortion and
// one board pose per picked sample. k below MinPickSize fails before any solving.
func (c *Calibrator) Calibrate(ctx context.Context, set *samples.SampleSet, seed int64, k int) (*Result, error) {
	picked, err := Subsample(set, seed, k)
	if err != nil {
		return nil, err
	}
	done := utils.NewStopwatch(c.clock).Start()
	c.logger.Infow("calibrating", "model", c.model.Kind(), "samples", picked.Len(), "seed", seed, "image_size", picked.ImageSize)

	in, poses, err := c.initialize(picked)
	if err != nil {
		return nil, err
	}
	d := make([]float64, c.model.NumDistortion())
	problem := monoProblem(c.model, in, d, poses, picked)
	summary, err := c.solver.Solve(ctx, problem, c.criteria)
	if err != nil {
		return nil, err
	}

	in = camera.IntrinsicsFromParams(problem.Global)
	d = append([]float64(nil), problem.Global[4:]...)
	if err := checkSolution(in, d); err != nil {
		return nil, err
	}
	res := &Result{
		Model:     c.model.Kind(),
		K:         in,
		D:         d,
		Rvecs:     make([]r3.Vector, len(problem.Views)),
		Tvecs:     make([]r3.Vector, len(problem.Views)),
		RMS:       summary.RMS(),
		ImageSize: picked.ImageSize,
		CID:       c.cid,
		Time:      c.clock.Now().UTC().Unix(),
		Seed:      seed,
		PickSize:  k,
	}
	for i, view := range problem.Views {
		pose := poseFromParams(view)
		res.Rvecs[i], res.Tvecs[i] = pose.Rvec, pose.Tvec
	}
	c.logger.Infow("calibrated",
		"model", res.Model, "rms", res.RMS, "iterations", summary.Iterations, "converged", summary.Converged,
		"initial_cost", summary.InitialCost, "duration", done().Duration())
	return res, nil
}

// CalibratePair calibrates both eyes of a rig concurrently with the same seed and pick size.
func (c *Calibrator) CalibratePair(
	ctx context.Context,
	left, right *samples.SampleSet,
	seed int64,
	k int,
) (*Result, *Result, error) {
	var leftRes, rightRes *Result
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		leftRes, err = c.Calibrate(ctx, left, seed, k)
		return errors.Wrap(err, "left")
	})
	g.Go(func() error {
		var err error
		rightRes, err = c.Calibrate(ctx, right, seed, k)
		return errors.Wrap(err, "right")
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return leftRes, rightRes, nil
}

// initialize guesses the intrinsics and poses. Fisheye lenses try both the homography guess and
// an equidistant guess and keep whichever reprojects better.
func (c *Calibrator) initialize(set *samples.SampleSet) (camera.Intrinsics, []camera.Pose, error) {
	var guesses []camera.Intrinsics
	hs := make([]*mat.Dense, 0, set.Len())
	var herr error
	for _, s := range set.Samples {
		h, err := camera.FindHomography(camera.BoardPlane(s.ObjectPoints), s.ImagePoints)
		if err != nil {
			herr = errors.Wrapf(err, "sample %q", s.Name)
			break
		}
		hs = append(hs, h)
	}
	if herr == nil {
		in, err := camera.InitIntrinsics(hs, set.ImageSize)
		if err == nil {
			guesses = append(guesses, in)
		} else {
			herr = err
		}
	}
	if c.model.Kind() == camera.Fisheye {
		guesses = append(guesses, camera.InitFisheyeIntrinsics(set.ImageSize))
	}
	if len(guesses) == 0 {
		return camera.Intrinsics{}, nil, illConditioned(herr)
	}

	d := make([]float64, c.model.NumDistortion())
	bestCost := math.Inf(1)
	var best camera.Intrinsics
	var bestPoses []camera.Pose
	var lastErr error
	for _, guess := range guesses {
		poses, err := initPoses(c.model, guess, d, set)
		if err != nil {
			lastErr = err
			continue
		}
		problem := monoProblem(c.model, guess, d, poses, set)
		cost := problem.cost(problem.pack())
		if finite(cost) && cost < bestCost {
			best, bestPoses, bestCost = guess, poses, cost
		}
	}
	if bestPoses == nil {
		if lastErr == nil {
			lastErr = errors.New("initial reprojection is not finite")
		}
		return camera.Intrinsics{}, nil, illConditioned(lastErr)
	}
	c.logger.Debugw("initial guess", "intrinsics", best, "cost", bestCost)
	return best, bestPoses, nil
}

func initPoses(model camera.Model, in camera.Intrinsics, d []float64, set *samples.SampleSet) ([]camera.Pose, error) {
	poses := make([]camera.Pose, set.Len())
	for i, s := range set.Samples {
		pose, err := camera.InitPose(model, in, d, s.ObjectPoints, s.ImagePoints)
		if err != nil {
			return nil, errors.Wrapf(err, "pose of sample %q", s.Name)
		}
		poses[i] = pose
	}
	return poses, nil
}

func checkSolution(in camera.Intrinsics, ds ...[]float64) error {
	if err := in.CheckValid(); err != nil {
		return illConditioned(err)
	}
	for _, d := range ds {
		for _, v := range d {
			if !finite(v) {
				return errors.Wrapf(ErrIllConditioned, "non-finite distortion %v", d)
			}
		}
	}
	return nil
}

func poseParams(p camera.Pose) []float64 {
	return []float64{p.Rvec.X, p.Rvec.Y, p.Rvec.Z, p.Tvec.X, p.Tvec.Y, p.Tvec.Z}
}

func poseFromParams(v []float64) camera.Pose {
	return camera.Pose{
		Rvec: r3.Vector{X: v[0], Y: v[1], Z: v[2]},
		Tvec: r3.Vector{X: v[3], Y: v[4], Z: v[5]},
	}
}

// behindPenalty is the residual of a point that lands at or behind the camera plane.
const behindPenalty = 1e4

func reproject(model camera.Model, in camera.Intrinsics, d []float64, pose camera.Pose, obj []r3.Vector, img []r2.Point, out []float64) {
	reprojectRT(model, in, d, pose.Rotation(), pose.Tvec, obj, img, out)
}

func reprojectRT(
	model camera.Model,
	in camera.Intrinsics,
	d []float64,
	rot mat.Matrix,
	t r3.Vector,
	obj []r3.Vector,
	img []r2.Point,
	out []float64,
) {
	for j, x := range obj {
		pc := camera.MulVec(rot, x).Add(t)
		if pc.Z <= 0 {
			out[2*j], out[2*j+1] = behindPenalty, behindPenalty
			continue
		}
		p := in.ToPixel(model.Distort(d, r2.Point{X: pc.X / pc.Z, Y: pc.Y / pc.Z}))
		out[2*j] = p.X - img[j].X
		out[2*j+1] = p.Y - img[j].Y
	}
}

// monoProblem lays out intrinsics and distortion as the global block and one pose per view.
func monoProblem(model camera.Model, in camera.Intrinsics, d []float64, poses []camera.Pose, set *samples.SampleSet) *Problem {
	p := &Problem{
		Global:       append(in.Params(), d...),
		Views:        make([][]float64, len(poses)),
		NumResiduals: make([]int, len(poses)),
	}
	for i, pose := range poses {
		p.Views[i] = poseParams(pose)
		p.NumResiduals[i] = 2 * len(set.Samples[i].ImagePoints)
	}
	p.Residuals = func(i int, global, view, out []float64) {
		s := set.Samples[i]
		reproject(model, camera.IntrinsicsFromParams(global), global[4:], poseFromParams(view), s.ObjectPoints, s.ImagePoints, out)
	}
	return p
}

// MeanReprojectionError is the mean over views of the per view L2 norm of pixel residuals
// divided by the point count. set must be the set the result was picked from.
func MeanReprojectionError(res *Result, set *samples.SampleSet) (float64, error) {
	picked, err := Subsample(set, res.Seed, res.PickSize)
	if err != nil {
		return 0, err
	}
	if len(res.Rvecs) != picked.Len() {
		return 0, errors.Errorf("result has %d poses for %d picked samples", len(res.Rvecs), picked.Len())
	}
	model := res.CameraModel()
	total := 0.0
	for i, pose := range res.Poses() {
		s := picked.Samples[i]
		out := make([]float64, 2*len(s.ImagePoints))
		reproject(model, res.K, res.D, pose, s.ObjectPoints, s.ImagePoints, out)
		total += norm(out) / float64(len(s.ImagePoints))
	}
	return total / float64(picked.Len()), nil
}
