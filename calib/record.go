package calib

import (
	"encoding/json"
	"image"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/camcal/camera"
)

// LoadStatus tells what happened when loading a calibration file.
type LoadStatus int

// Load outcomes.
const (
	Found LoadStatus = iota
	NotFound
	IOError
	ParseError
)

func (s LoadStatus) String() string {
	switch s {
	case Found:
		return "found"
	case NotFound:
		return "not found"
	case IOError:
		return "io error"
	case ParseError:
		return "parse error"
	}
	return "unknown"
}

// Loaded is the outcome of loading a calibration file. Value is set only when Status is Found.
type Loaded[T any] struct {
	Value  *T
	Status LoadStatus
	Err    error
}

// Available reports whether Value can be used.
func (l Loaded[T]) Available() bool {
	return l.Status == Found && l.Value != nil
}

type resultDocument struct {
	Model        camera.Kind   `json:"model"`
	CameraMatrix [3][3]float64 `json:"camera_matrix"`
	Distortion   []float64     `json:"distortion_coeffs"`
	ImageSize    [2]int        `json:"image_size"`
	Salt         int64         `json:"salt"`
	PickSize     int           `json:"pick_size"`
	Error        float64       `json:"error"`
	CID          string        `json:"cid"`
	Time         int64         `json:"time"`
	Rvecs        [][3]float64  `json:"rvecs"`
	Tvecs        [][3]float64  `json:"tvecs"`
}

type stereoDocument struct {
	Model     camera.Kind   `json:"model"`
	KLeft     [3][3]float64 `json:"K_left"`
	DLeft     []float64     `json:"D_left"`
	KRight    [3][3]float64 `json:"K_right"`
	DRight    []float64     `json:"D_right"`
	R         [3][3]float64 `json:"R"`
	T         [3][1]float64 `json:"T"`
	ImageSize [2]int        `json:"image_size"`
	Salt      int64         `json:"salt"`
	PickSize  int           `json:"pick_size"`
	Error     float64       `json:"error"`
	CID       string        `json:"cid"`
	Time      int64         `json:"time"`
}

func matrixArray(m mat.Matrix) [3][3]float64 {
	var out [3][3]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r][c] = m.At(r, c)
		}
	}
	return out
}

func arrayMatrix(a [3][3]float64) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		a[0][0], a[0][1], a[0][2],
		a[1][0], a[1][1], a[1][2],
		a[2][0], a[2][1], a[2][2],
	})
}

func vectors(vs []r3.Vector) [][3]float64 {
	out := make([][3]float64, len(vs))
	for i, v := range vs {
		out[i] = [3]float64{v.X, v.Y, v.Z}
	}
	return out
}

func fromVectors(vs [][3]float64) []r3.Vector {
	out := make([]r3.Vector, len(vs))
	for i, v := range vs {
		out[i] = r3.Vector{X: v[0], Y: v[1], Z: v[2]}
	}
	return out
}

func writeDocument(path string, doc interface{}) error {
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return errors.Wrap(err, "cannot encode calibration")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "cannot write calibration to %s", path)
	}
	return nil
}

// readDocument reads and decodes path into doc, classifying any failure.
func readDocument(path string, doc interface{}) (LoadStatus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NotFound, errors.Wrapf(err, "calibration file %s not found", path)
		}
		return IOError, errors.Wrapf(err, "cannot read calibration file %s", path)
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return ParseError, errors.Wrapf(err, "cannot parse calibration file %s", path)
	}
	return Found, nil
}

// SaveResult writes a single camera calibration as an indented json document.
func SaveResult(path string, res *Result) error {
	return writeDocument(path, resultDocument{
		Model:        res.Model,
		CameraMatrix: matrixArray(res.K.Matrix()),
		Distortion:   res.D,
		ImageSize:    [2]int{res.ImageSize.X, res.ImageSize.Y},
		Salt:         res.Seed,
		PickSize:     res.PickSize,
		Error:        res.RMS,
		CID:          res.CID,
		Time:         res.Time,
		Rvecs:        vectors(res.Rvecs),
		Tvecs:        vectors(res.Tvecs),
	})
}

// LoadResult reads a file written by SaveResult. It never fails outright; the outcome is in the
// returned status.
func LoadResult(path string) Loaded[Result] {
	var doc resultDocument
	if status, err := readDocument(path, &doc); err != nil {
		return Loaded[Result]{Status: status, Err: err}
	}
	res, err := doc.result()
	if err != nil {
		return Loaded[Result]{Status: ParseError, Err: errors.Wrapf(err, "invalid calibration file %s", path)}
	}
	return Loaded[Result]{Value: res, Status: Found}
}

func (doc *resultDocument) result() (*Result, error) {
	k, err := camera.IntrinsicsFromMatrix(arrayMatrix(doc.CameraMatrix))
	if err != nil {
		return nil, err
	}
	if len(doc.Rvecs) != len(doc.Tvecs) {
		return nil, errors.Errorf("%d rvecs but %d tvecs", len(doc.Rvecs), len(doc.Tvecs))
	}
	if err := checkDistortion(doc.Model, doc.Distortion); err != nil {
		return nil, err
	}
	return &Result{
		Model:     doc.Model,
		K:         k,
		D:         doc.Distortion,
		Rvecs:     fromVectors(doc.Rvecs),
		Tvecs:     fromVectors(doc.Tvecs),
		RMS:       doc.Error,
		ImageSize: image.Pt(doc.ImageSize[0], doc.ImageSize[1]),
		CID:       doc.CID,
		Time:      doc.Time,
		Seed:      doc.Salt,
		PickSize:  doc.PickSize,
	}, nil
}

func checkDistortion(kind camera.Kind, d []float64) error {
	model, err := camera.ModelFor(kind)
	if err != nil {
		return err
	}
	if len(d) > model.NumDistortion() {
		return errors.Errorf("%s model takes %d distortion coefficients, got %d", kind, model.NumDistortion(), len(d))
	}
	return nil
}

// SaveStereo writes a stereo calibration as an indented json document.
func SaveStereo(path string, res *StereoResult) error {
	return writeDocument(path, stereoDocument{
		Model:     res.Model,
		KLeft:     matrixArray(res.KLeft.Matrix()),
		DLeft:     res.DLeft,
		KRight:    matrixArray(res.KRight.Matrix()),
		DRight:    res.DRight,
		R:         matrixArray(res.R),
		T:         [3][1]float64{{res.T.X}, {res.T.Y}, {res.T.Z}},
		ImageSize: [2]int{res.ImageSize.X, res.ImageSize.Y},
		Salt:      res.Seed,
		PickSize:  res.PickSize,
		Error:     res.RMS,
		CID:       res.CID,
		Time:      res.Time,
	})
}

// LoadStereo reads a file written by SaveStereo. Files without a model are fisheye rigs.
func LoadStereo(path string) Loaded[StereoResult] {
	doc := stereoDocument{Model: camera.Fisheye}
	if status, err := readDocument(path, &doc); err != nil {
		return Loaded[StereoResult]{Status: status, Err: err}
	}
	res, err := doc.result()
	if err != nil {
		return Loaded[StereoResult]{Status: ParseError, Err: errors.Wrapf(err, "invalid stereo calibration file %s", path)}
	}
	return Loaded[StereoResult]{Value: res, Status: Found}
}

func (doc *stereoDocument) result() (*StereoResult, error) {
	kl, err := camera.IntrinsicsFromMatrix(arrayMatrix(doc.KLeft))
	if err != nil {
		return nil, errors.Wrap(err, "K_left")
	}
	kr, err := camera.IntrinsicsFromMatrix(arrayMatrix(doc.KRight))
	if err != nil {
		return nil, errors.Wrap(err, "K_right")
	}
	if err := checkDistortion(doc.Model, doc.DLeft); err != nil {
		return nil, errors.Wrap(err, "D_left")
	}
	if err := checkDistortion(doc.Model, doc.DRight); err != nil {
		return nil, errors.Wrap(err, "D_right")
	}
	r := arrayMatrix(doc.R)
	if det := mat.Det(r); det < 0.99 || det > 1.01 {
		return nil, errors.Errorf("R is not a rotation, det %g", det)
	}
	return &StereoResult{
		Model:     doc.Model,
		KLeft:     kl,
		DLeft:     doc.DLeft,
		KRight:    kr,
		DRight:    doc.DRight,
		R:         r,
		T:         r3.Vector{X: doc.T[0][0], Y: doc.T[1][0], Z: doc.T[2][0]},
		ImageSize: image.Pt(doc.ImageSize[0], doc.ImageSize[1]),
		RMS:       doc.Error,
		CID:       doc.CID,
		Time:      doc.Time,
		Seed:      doc.Salt,
		PickSize:  doc.PickSize,
	}, nil
}
