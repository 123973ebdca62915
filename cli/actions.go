package cli

import (
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/camcal/calib"
	"go.viam.com/camcal/config"
	"go.viam.com/camcal/pattern"
	"go.viam.com/camcal/rectify"
	"go.viam.com/camcal/samples"
	"go.viam.com/camcal/stereo"
	"go.viam.com/camcal/video"
)

const (
	defaultCaptureInterval = 2 * time.Second
	capturePollInterval    = 50 * time.Millisecond
)

// loadJob reads the job named by --config, or the default job, and applies the command's flag
// overrides before validating it.
func loadJob(c *cli.Context) (*config.Job, error) {
	job := config.Default()
	if path := c.String(configFlag); path != "" {
		var err error
		if job, err = config.Read(path); err != nil {
			return nil, err
		}
	}
	if c.IsSet(modelFlag) {
		job.Model = c.String(modelFlag)
	}
	if c.IsSet(pickSizeFlag) {
		job.PickSize = c.Int(pickSizeFlag)
	}
	if c.IsSet(saltFlag) {
		job.Salt = c.Int64(saltFlag)
	}
	if c.IsSet(balanceFlag) {
		job.Balance = c.Float64(balanceFlag)
	}
	if c.IsSet(solverFlag) {
		job.Solver = c.String(solverFlag)
	}
	if err := job.Validate("job"); err != nil {
		return nil, err
	}
	return job, nil
}

// override returns flag when it is set and fallback otherwise, failing when neither is.
func override(c *cli.Context, flag, fallback, what string) (string, error) {
	if v := c.String(flag); v != "" {
		return v, nil
	}
	if fallback == "" {
		return "", errors.Errorf("no %s given, set --%s or the job's %s", what, flag, what)
	}
	return fallback, nil
}

// BoardAction writes a printable chessboard.
func BoardAction(c *cli.Context) error {
	g := pattern.Geometry{Rows: c.Int(rowsFlag), Cols: c.Int(colsFlag)}
	if err := g.Validate(); err != nil {
		return err
	}
	squarePx, marginPx := c.Int(squarePxFlag), c.Int(marginPxFlag)
	if squarePx <= 0 || marginPx < 0 {
		return errors.Errorf("square must be positive and margin non-negative, got %d and %d", squarePx, marginPx)
	}
	board := pattern.RenderBoard(g, squarePx, marginPx)
	out := c.String(outputFlag)
	if err := board.SavePNG(out); err != nil {
		return err
	}
	size := board.Image.Bounds().Size()
	printf(c.App.Writer, "wrote %dx%d corner board (%dx%d px) to %s", g.Cols, g.Rows, size.X, size.Y, out)
	return nil
}

// CollectAction detects the board in a folder of images and saves the image points.
func CollectAction(c *cli.Context) error {
	job, err := loadJob(c)
	if err != nil {
		return err
	}
	dir, err := override(c, inputFlag, job.InputFolder, "input_folder")
	if err != nil {
		return err
	}
	out, err := override(c, outputFlag, job.ImagePointsFile, "image_points_file")
	if err != nil {
		return err
	}
	candidates, err := samples.LoadImageCandidates(dir, c.String(globFlag))
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return errors.Errorf("no images matching %q in %s", c.String(globFlag), dir)
	}

	logger := loggerFrom(c)
	collector := samples.NewCollector(logger.Sublogger("samples"))
	set, _, err := collector.Collect(c.Context, candidates, job.Pattern.Geometry(), job.Pattern.SquareSize, samples.Mono)
	if err != nil {
		return err
	}
	if err := samples.Save(out, set); err != nil {
		return err
	}
	printf(c.App.Writer, "found the board in %d of %d images, saved to %s", set.Len(), len(candidates), out)
	return nil
}

// CaptureStereoAction saves left/right pairs from the live rig whenever both eyes see the board.
// It stops after --count pairs or on interrupt.
func CaptureStereoAction(c *cli.Context) (err error) {
	job, err := loadJob(c)
	if err != nil {
		return err
	}
	leftEye, rightEye, err := job.Eyes()
	if err != nil {
		return err
	}
	dir, err := override(c, outputFlag, job.InputFolder, "input_folder")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "cannot create %s", dir)
	}

	logger := loggerFrom(c)
	detector, err := pattern.NewDetector(job.Pattern.Geometry(), logger.Sublogger("pattern"))
	if err != nil {
		return err
	}
	rig, err := stereo.OpenSynchronizer(leftEye, rightEye, video.OpenCapture, nil, logger.Sublogger("stereo"))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, rig.Close())
	}()
	rig.Start()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	count, interval := c.Int(countFlag), c.Duration(intervalFlag)
	saved := 0
	var last time.Time
	for saved < count && goutils.SelectContextOrWait(ctx, capturePollInterval) {
		ok, pair := rig.Read()
		if !ok || time.Since(last) < interval {
			continue
		}
		both := true
		for _, named := range pair.CalibrationNamedFrames() {
			_, found, err := detector.Corners(named.Frame.Image, true)
			if err != nil {
				return err
			}
			both = both && found
		}
		if !both {
			continue
		}
		saved++
		for _, named := range pair.CalibrationNamedFrames() {
			if err := samples.SaveJPEG(filepath.Join(dir, samples.CaptureName(named.Name, saved)), named.Frame.Image); err != nil {
				return err
			}
		}
		last = time.Now()
		logger.Infow("saved stereo pair", "count", saved, "of", count)
	}
	printf(c.App.Writer, "saved %d pairs to %s", saved, dir)
	return nil
}

// newCalibrator builds the job's calibrator with its solver.
func newCalibrator(c *cli.Context, job *config.Job) (*calib.Calibrator, error) {
	kind, err := job.Kind()
	if err != nil {
		return nil, err
	}
	solver, err := job.CalibrationSolver()
	if err != nil {
		return nil, err
	}
	return calib.NewCalibrator(kind, loggerFrom(c).Sublogger("calib"),
		calib.WithCalibrationID(job.CalibrationID()), calib.WithSolver(solver))
}

// CalibrateAction solves a single camera from a sample file.
func CalibrateAction(c *cli.Context) error {
	job, err := loadJob(c)
	if err != nil {
		return err
	}
	kind, err := job.Kind()
	if err != nil {
		return err
	}
	in, err := override(c, inputFlag, job.ImagePointsFile, "image_points_file")
	if err != nil {
		return err
	}
	out, err := override(c, outputFlag, job.CalibrationFile, "calibration_file")
	if err != nil {
		return err
	}
	set, err := samples.Load(in)
	if err != nil {
		return err
	}

	calibrator, err := newCalibrator(c, job)
	if err != nil {
		return err
	}
	res, err := calibrator.Calibrate(c.Context, set, job.Salt, job.PickSize)
	if err != nil {
		return err
	}
	meanErr, err := calib.MeanReprojectionError(res, set)
	if err != nil {
		return err
	}
	if err := calib.SaveResult(out, res); err != nil {
		return err
	}
	printf(c.App.Writer, "%s calibration saved to %s: rms %.4f px, mean error %.4f px", kind, out, res.RMS, meanErr)
	return nil
}

// loadStereoSets collects paired captures from dir and saves their points to the job's stereo
// sample files when set. With no capture folder the job's stereo sample files are loaded instead.
func loadStereoSets(c *cli.Context, job *config.Job) (*samples.SampleSet, *samples.SampleSet, error) {
	dir := c.String(inputFlag)
	if dir == "" {
		dir = job.InputFolder
	}
	if dir == "" {
		if job.StereoImagePoints.Empty() {
			return nil, nil, errors.New("no input_folder or stereo_image_points given")
		}
		left, err := samples.Load(job.StereoImagePoints.Left)
		if err != nil {
			return nil, nil, err
		}
		right, err := samples.Load(job.StereoImagePoints.Right)
		if err != nil {
			return nil, nil, err
		}
		return left, right, nil
	}

	leftCandidates, rightCandidates, err := samples.LoadPairCandidates(dir)
	if err != nil {
		return nil, nil, err
	}
	collector := samples.NewCollector(loggerFrom(c).Sublogger("samples"))
	left, right, err := collector.CollectPairs(c.Context, leftCandidates, rightCandidates, job.Pattern.Geometry(), job.Pattern.SquareSize)
	if err != nil {
		return nil, nil, err
	}
	if !job.StereoImagePoints.Empty() {
		if err := multierr.Combine(
			samples.Save(job.StereoImagePoints.Left, left),
			samples.Save(job.StereoImagePoints.Right, right),
		); err != nil {
			return nil, nil, err
		}
	}
	return left, right, nil
}

// CalibrateStereoAction solves both eyes and then the rig.
func CalibrateStereoAction(c *cli.Context) error {
	job, err := loadJob(c)
	if err != nil {
		return err
	}
	out, err := override(c, outputFlag, job.StereoCalibrationFile, "stereo_calibration_file")
	if err != nil {
		return err
	}
	leftSet, rightSet, err := loadStereoSets(c, job)
	if err != nil {
		return err
	}

	calibrator, err := newCalibrator(c, job)
	if err != nil {
		return err
	}
	left, right, err := calibrator.CalibratePair(c.Context, leftSet, rightSet, job.Salt, job.PickSize)
	if err != nil {
		return err
	}
	res, err := calibrator.StereoCalibrate(c.Context, left, right, leftSet, rightSet)
	if err != nil {
		return err
	}
	if err := calib.SaveStereo(out, res); err != nil {
		return err
	}
	printf(c.App.Writer, "stereo calibration saved to %s: left rms %.4f px, right rms %.4f px, rig rms %.4f px, baseline %.4f m",
		out, left.RMS, right.RMS, res.RMS, res.T.Norm())
	return nil
}

// rectifiedName is the output name of an input image, always a JPEG.
func rectifiedName(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name)) + ".jpg"
}

// UndistortAction rectifies every matching image of a folder into the output folder. With
// --stereo it rectifies the folder's left/right pairs with a stereo calibration instead. Images
// that cannot be decoded are logged and skipped.
func UndistortAction(c *cli.Context) error {
	job, err := loadJob(c)
	if err != nil {
		return err
	}
	dir, err := override(c, inputFlag, job.InputFolder, "input_folder")
	if err != nil {
		return err
	}
	outDir := c.String(outputFlag)
	if c.Bool(stereoFlag) {
		return undistortPairs(c, job, dir, outDir)
	}

	path, err := override(c, calibrationFlag, job.CalibrationFile, "calibration_file")
	if err != nil {
		return err
	}
	loaded := calib.LoadResult(path)
	if !loaded.Available() {
		return errors.Wrapf(loaded.Err, "calibration %s: %s", path, loaded.Status)
	}
	candidates, err := samples.LoadImageCandidates(dir, c.String(globFlag))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrapf(err, "cannot create %s", outDir)
	}

	logger := loggerFrom(c)
	rectifier := rectify.NewRectifier(loaded.Value, job.Balance, logger.Sublogger("rectify"))
	rectified := 0
	for i, candidate := range candidates {
		img, err := candidate.Load()
		if err != nil {
			logger.Warnw("skipping image", "image", candidate.Name, "error", err)
			continue
		}
		out, cost, err := rectifier.Correct(video.NewFrame(img, uint64(i+1)))
		if err != nil {
			return errors.Wrap(err, candidate.Name)
		}
		if err := samples.SaveJPEG(filepath.Join(outDir, rectifiedName(candidate.Name)), out.Image); err != nil {
			return err
		}
		rectified++
		logger.Debugw("rectified", "image", candidate.Name, "took", cost.Duration())
	}
	printf(c.App.Writer, "rectified %d images into %s", rectified, outDir)
	return nil
}

func undistortPairs(c *cli.Context, job *config.Job, dir, outDir string) error {
	path, err := override(c, calibrationFlag, job.StereoCalibrationFile, "stereo_calibration_file")
	if err != nil {
		return err
	}
	loaded := calib.LoadStereo(path)
	if !loaded.Available() {
		return errors.Wrapf(loaded.Err, "stereo calibration %s: %s", path, loaded.Status)
	}
	lefts, rights, err := samples.LoadPairCandidates(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrapf(err, "cannot create %s", outDir)
	}

	logger := loggerFrom(c)
	rectifier, err := rectify.NewStereoRectifier(loaded.Value, job.Balance, logger.Sublogger("rectify"))
	if err != nil {
		return err
	}
	rectified := 0
	for i := range lefts {
		leftImg, leftErr := lefts[i].Load()
		rightImg, rightErr := rights[i].Load()
		if err := multierr.Combine(leftErr, rightErr); err != nil {
			logger.Warnw("skipping pair", "left", lefts[i].Name, "right", rights[i].Name, "error", err)
			continue
		}
		seq := uint64(i + 1)
		left, right, cost, err := rectifier.Correct(video.NewFrame(leftImg, seq), video.NewFrame(rightImg, seq))
		if err != nil {
			return errors.Wrap(err, lefts[i].Name)
		}
		if err := multierr.Combine(
			samples.SaveJPEG(filepath.Join(outDir, rectifiedName(lefts[i].Name)), left.Image),
			samples.SaveJPEG(filepath.Join(outDir, rectifiedName(rights[i].Name)), right.Image),
		); err != nil {
			return err
		}
		rectified++
		logger.Debugw("rectified pair", "left", lefts[i].Name, "took", cost.Duration())
	}
	printf(c.App.Writer, "rectified %d pairs into %s", rectified, outDir)
	return nil
}

// ShowAction prints a saved calibration.
func ShowAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("show needs exactly one calibration file")
	}
	path := c.Args().First()
	if c.Bool(stereoFlag) {
		loaded := calib.LoadStereo(path)
		if !loaded.Available() {
			return errors.Wrapf(loaded.Err, "stereo calibration %s: %s", path, loaded.Status)
		}
		printf(c.App.Writer, "%s", stereoTable(loaded.Value))
		return nil
	}
	loaded := calib.LoadResult(path)
	if !loaded.Available() {
		return errors.Wrapf(loaded.Err, "calibration %s: %s", path, loaded.Status)
	}
	printf(c.App.Writer, "%s", resultTable(loaded.Value))
	return nil
}
