// Package config reads the JSON job files that describe a calibration run.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/a8m/envsubst"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/camcal/calib"
	"go.viam.com/camcal/camera"
	"go.viam.com/camcal/pattern"
	"go.viam.com/camcal/video"
)

// Defaults applied to fields a job file leaves out.
const (
	DefaultSalt     = 888
	DefaultPickSize = 50
	DefaultBalance  = 0.5
)

// Pattern describes the printed chessboard.
type Pattern struct {
	Rows       int     `json:"rows"`
	Cols       int     `json:"cols"`
	SquareSize float64 `json:"square_size"`
}

// Geometry is the board's internal corner layout.
func (p Pattern) Geometry() pattern.Geometry {
	return pattern.Geometry{Rows: p.Rows, Cols: p.Cols}
}

// Validate ensures all parts of the config are valid.
func (p *Pattern) Validate(path string) error {
	if err := p.Geometry().Validate(); err != nil {
		return goutils.NewConfigValidationError(path, err)
	}
	if p.SquareSize <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("square_size must be positive"))
	}
	return nil
}

// Pair names the left and right halves of a stereo artifact.
type Pair struct {
	Left  string `json:"left"`
	Right string `json:"right"`
}

// Empty reports whether neither side is set.
func (p Pair) Empty() bool {
	return p.Left == "" && p.Right == ""
}

// Validate ensures all parts of the config are valid.
func (p *Pair) Validate(path string) error {
	if p.Left == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "left")
	}
	if p.Right == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "right")
	}
	if p.Left == p.Right {
		return goutils.NewConfigValidationError(path, errors.New("left and right must differ"))
	}
	return nil
}

// Job is one calibration run: where the captures are, how they are sampled and where the results
// go. Stereo fields are only needed by the stereo commands.
type Job struct {
	Pattern         Pattern `json:"pattern"`
	Model           string  `json:"model"`
	Solver          string  `json:"solver,omitempty"`
	Salt            int64   `json:"salt"`
	PickSize        int     `json:"pick_size"`
	CID             string  `json:"cid,omitempty"`
	Balance         float64 `json:"balance"`
	InputFolder     string  `json:"input_folder"`
	ImagePointsFile string  `json:"image_points_file,omitempty"`
	CalibrationFile string  `json:"calibration_file,omitempty"`

	StereoImagePoints     Pair   `json:"stereo_image_points"`
	StereoCalibrationFile string `json:"stereo_calibration_file,omitempty"`
	LeftEye               string `json:"left_eye,omitempty"`
	RightEye              string `json:"right_eye,omitempty"`
}

// Default is the job a file with no fields describes.
func Default() *Job {
	return &Job{
		Pattern: Pattern{
			Rows:       pattern.DefaultGeometry.Rows,
			Cols:       pattern.DefaultGeometry.Cols,
			SquareSize: pattern.DefaultSquareSize,
		},
		Model:    camera.Fisheye.String(),
		Salt:     DefaultSalt,
		PickSize: DefaultPickSize,
		Balance:  DefaultBalance,
	}
}

// Kind is the parsed camera model.
func (j *Job) Kind() (camera.Kind, error) {
	return camera.ParseKind(j.Model)
}

// CalibrationSolver is the parsed solver, Levenberg-Marquardt when unset.
func (j *Job) CalibrationSolver() (calib.Solver, error) {
	return calib.ParseSolver(j.Solver)
}

// CalibrationID is the id stamped into results, the model name when unset.
func (j *Job) CalibrationID() string {
	if j.CID != "" {
		return j.CID
	}
	return j.Model
}

// Eyes parses the live stereo sources.
func (j *Job) Eyes() (video.Source, video.Source, error) {
	left, err := video.ParseSource(j.LeftEye)
	if err != nil {
		return video.Source{}, video.Source{}, errors.Wrap(err, "left_eye")
	}
	right, err := video.ParseSource(j.RightEye)
	if err != nil {
		return video.Source{}, video.Source{}, errors.Wrap(err, "right_eye")
	}
	return left, right, nil
}

// Validate ensures all parts of the config are valid.
func (j *Job) Validate(path string) error {
	if err := j.Pattern.Validate(fmt.Sprintf("%s.%s", path, "pattern")); err != nil {
		return err
	}
	if _, err := j.Kind(); err != nil {
		return goutils.NewConfigValidationError(path, err)
	}
	if _, err := j.CalibrationSolver(); err != nil {
		return goutils.NewConfigValidationError(path, err)
	}
	if j.PickSize < calib.MinPickSize {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("pick_size must be at least %d, got %d", calib.MinPickSize, j.PickSize))
	}
	if j.Balance < 0 || j.Balance > 1 {
		return goutils.NewConfigValidationError(path, errors.Errorf("balance must be within [0, 1], got %v", j.Balance))
	}
	if !j.StereoImagePoints.Empty() {
		if err := j.StereoImagePoints.Validate(fmt.Sprintf("%s.%s", path, "stereo_image_points")); err != nil {
			return err
		}
	}
	if j.LeftEye != "" || j.RightEye != "" {
		eyes := Pair{Left: j.LeftEye, Right: j.RightEye}
		if err := eyes.Validate(fmt.Sprintf("%s.%s", path, "eyes")); err != nil {
			return err
		}
	}
	return nil
}

// Read reads a job from the given file, substituting ${VAR} references from the environment.
func Read(filePath string) (*Job, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return FromReader(filePath, bytes.NewReader(buf))
}

// FromReader reads a job from r on top of the defaults and validates it. originalPath names the
// source in errors.
func FromReader(originalPath string, r io.Reader) (*Job, error) {
	job := Default()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(job); err != nil {
		return nil, errors.Wrapf(err, "cannot parse job %s", originalPath)
	}
	if err := job.Validate("job"); err != nil {
		return nil, err
	}
	return job, nil
}
