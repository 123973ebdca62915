package calib

import (
	"context"
	"image"
	"time"

	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/camcal/camera"
	"go.viam.com/camcal/samples"
	"go.viam.com/camcal/utils"
)

// StereoResult is a solved stereo rig. R and T map left camera coordinates to right camera
// coordinates: X_right = R X_left + T.
type StereoResult struct {
	Model     camera.Kind
	KLeft     camera.Intrinsics
	DLeft     []float64
	KRight    camera.Intrinsics
	DRight    []float64
	R         *mat.Dense
	T         r3.Vector
	RMS       float64
	ImageSize image.Point
	CID       string
	Time      int64
	Seed      int64
	PickSize  int
}

// CameraModel is the projection model of both eyes.
func (s *StereoResult) CameraModel() camera.Model {
	return (&Result{Model: s.Model}).CameraModel()
}

// CreatedAt is Time as a UTC time.
func (s *StereoResult) CreatedAt() time.Time {
	return time.Unix(s.Time, 0).UTC()
}

// Left is the left eye as a single camera result without poses.
func (s *StereoResult) Left() *Result {
	return s.eye(s.KLeft, s.DLeft)
}

// Right is the right eye as a single camera result without poses.
func (s *StereoResult) Right() *Result {
	return s.eye(s.KRight, s.DRight)
}

func (s *StereoResult) eye(k camera.Intrinsics, d []float64) *Result {
	return &Result{
		Model:     s.Model,
		K:         k,
		D:         append([]float64(nil), d...),
		RMS:       s.RMS,
		ImageSize: s.ImageSize,
		CID:       s.CID,
		Time:      s.Time,
		Seed:      s.Seed,
		PickSize:  s.PickSize,
	}
}

// StereoCalibrate refines two mono calibrations of a rig into a joint one. Both sets must hold
// the same number of samples, paired by index, and are picked with the left result's seed and
// pick size so the views line up with the mono solves. The relative pose starts at the per view
// median.
func (c *Calibrator) StereoCalibrate(
	ctx context.Context,
	left, right *Result,
	leftSet, rightSet *samples.SampleSet,
) (*StereoResult, error) {
	if leftSet.Len() != rightSet.Len() {
		return nil, errors.Wrapf(ErrSampleCountMismatch, "%d left and %d right samples", leftSet.Len(), rightSet.Len())
	}
	if left.Model != c.model.Kind() || right.Model != c.model.Kind() {
		return nil, errors.Errorf("cannot stereo calibrate %s and %s eyes as %s", left.Model, right.Model, c.model.Kind())
	}
	if leftSet.ImageSize != rightSet.ImageSize {
		return nil, errors.Wrapf(samples.ErrImageSizeMismatch, "left is %v, right is %v", leftSet.ImageSize, rightSet.ImageSize)
	}
	leftPicked, err := Subsample(leftSet, left.Seed, left.PickSize)
	if err != nil {
		return nil, errors.Wrap(err, "left")
	}
	rightPicked, err := Subsample(rightSet, left.Seed, left.PickSize)
	if err != nil {
		return nil, errors.Wrap(err, "right")
	}
	done := utils.NewStopwatch(c.clock).Start()
	c.logger.Infow("stereo calibrating", "model", c.model.Kind(), "pairs", leftPicked.Len(), "fixed_intrinsics", c.fixIntrinsics)

	leftPoses, err := initPoses(c.model, left.K, left.D, leftPicked)
	if err != nil {
		return nil, illConditioned(errors.Wrap(err, "left"))
	}
	rightPoses, err := initPoses(c.model, right.K, right.D, rightPicked)
	if err != nil {
		return nil, illConditioned(errors.Wrap(err, "right"))
	}
	rvec, tvec, err := medianRelativePose(leftPoses, rightPoses)
	if err != nil {
		return nil, err
	}
	c.logger.Debugw("initial relative pose", "rvec", rvec, "tvec", tvec)

	problem := stereoProblem(c.model, left, right, rvec, tvec, leftPoses, leftPicked, rightPicked)
	if c.fixIntrinsics {
		problem.Fixed = make([]bool, len(problem.Global))
		for i := 0; i < len(problem.Global)-6; i++ {
			problem.Fixed[i] = true
		}
	}
	summary, err := c.solver.Solve(ctx, problem, c.criteria)
	if err != nil {
		return nil, err
	}

	nd := c.model.NumDistortion()
	g := problem.Global
	kl, dl := camera.IntrinsicsFromParams(g), append([]float64(nil), g[4:4+nd]...)
	kr, dr := camera.IntrinsicsFromParams(g[4+nd:]), append([]float64(nil), g[8+nd:8+2*nd]...)
	if err := checkSolution(kl, dl); err != nil {
		return nil, errors.Wrap(err, "left")
	}
	if err := checkSolution(kr, dr); err != nil {
		return nil, errors.Wrap(err, "right")
	}
	rel := g[8+2*nd:]
	res := &StereoResult{
		Model:     c.model.Kind(),
		KLeft:     kl,
		DLeft:     dl,
		KRight:    kr,
		DRight:    dr,
		R:         camera.Rodrigues(r3.Vector{X: rel[0], Y: rel[1], Z: rel[2]}),
		T:         r3.Vector{X: rel[3], Y: rel[4], Z: rel[5]},
		RMS:       summary.RMS(),
		ImageSize: leftPicked.ImageSize,
		CID:       c.cid,
		Time:      c.clock.Now().UTC().Unix(),
		Seed:      left.Seed,
		PickSize:  left.PickSize,
	}
	c.logger.Infow("stereo calibrated",
		"rms", res.RMS, "baseline", res.T.Norm(), "iterations", summary.Iterations, "duration", done().Duration())
	return res, nil
}

// medianRelativePose takes the component wise median of the per view right-from-left poses.
func medianRelativePose(leftPoses, rightPoses []camera.Pose) (r3.Vector, r3.Vector, error) {
	comps := make([][]float64, 6)
	for i := range leftPoses {
		rl := leftPoses[i].Rotation()
		rr := rightPoses[i].Rotation()
		var rel mat.Dense
		rel.Mul(rr, rl.T())
		rvec := camera.RotationToRodrigues(&rel)
		tvec := rightPoses[i].Tvec.Sub(camera.MulVec(&rel, leftPoses[i].Tvec))
		for j, v := range []float64{rvec.X, rvec.Y, rvec.Z, tvec.X, tvec.Y, tvec.Z} {
			comps[j] = append(comps[j], v)
		}
	}
	med := make([]float64, 6)
	for j, data := range comps {
		m, err := stats.Median(data)
		if err != nil {
			return r3.Vector{}, r3.Vector{}, illConditioned(err)
		}
		med[j] = m
	}
	return r3.Vector{X: med[0], Y: med[1], Z: med[2]}, r3.Vector{X: med[3], Y: med[4], Z: med[5]}, nil
}

// stereoProblem lays out both eyes' intrinsics and distortion followed by the relative rvec and
// tvec as the global block, and the left board pose per view. Each view's residuals are its left
// residuals followed by its right ones.
func stereoProblem(
	model camera.Model,
	left, right *Result,
	rvec, tvec r3.Vector,
	leftPoses []camera.Pose,
	leftSet, rightSet *samples.SampleSet,
) *Problem {
	nd := model.NumDistortion()
	global := append(left.K.Params(), padded(left.D, nd)...)
	global = append(global, right.K.Params()...)
	global = append(global, padded(right.D, nd)...)
	global = append(global, rvec.X, rvec.Y, rvec.Z, tvec.X, tvec.Y, tvec.Z)

	p := &Problem{
		Global:       global,
		Views:        make([][]float64, len(leftPoses)),
		NumResiduals: make([]int, len(leftPoses)),
	}
	for i, pose := range leftPoses {
		p.Views[i] = poseParams(pose)
		p.NumResiduals[i] = 2 * (len(leftSet.Samples[i].ImagePoints) + len(rightSet.Samples[i].ImagePoints))
	}
	p.Residuals = func(i int, global, view, out []float64) {
		ls, rs := leftSet.Samples[i], rightSet.Samples[i]
		kl := camera.IntrinsicsFromParams(global)
		dl := global[4 : 4+nd]
		kr := camera.IntrinsicsFromParams(global[4+nd:])
		dr := global[8+nd : 8+2*nd]
		rel := global[8+2*nd:]

		pose := poseFromParams(view)
		rl := pose.Rotation()
		rrel := camera.Rodrigues(r3.Vector{X: rel[0], Y: rel[1], Z: rel[2]})
		var rr mat.Dense
		rr.Mul(rrel, rl)
		tr := camera.MulVec(rrel, pose.Tvec).Add(r3.Vector{X: rel[3], Y: rel[4], Z: rel[5]})

		nl := 2 * len(ls.ImagePoints)
		reprojectRT(model, kl, dl, rl, pose.Tvec, ls.ObjectPoints, ls.ImagePoints, out[:nl])
		reprojectRT(model, kr, dr, &rr, tr, rs.ObjectPoints, rs.ImagePoints, out[nl:])
	}
	return p
}

func padded(d []float64, n int) []float64 {
	out := make([]float64, n)
	copy(out, d)
	return out
}
