package pattern

import (
	"image"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"go.viam.com/camcal/logging"
)

// Sub-pixel refinement parameters.
var (
	subPixWindow   = image.Pt(11, 11)
	subPixZeroZone = image.Pt(-1, -1)
	subPixCriteria = gocv.NewTermCriteria(gocv.MaxIter|gocv.EPS, 30, 0.001)
)

// Detector finds the internal corners of one chessboard geometry.
type Detector struct {
	geometry Geometry
	logger   logging.Logger
}

// NewDetector returns a detector for geometry.
func NewDetector(geometry Geometry, logger logging.Logger) (*Detector, error) {
	if err := geometry.Validate(); err != nil {
		return nil, err
	}
	return &Detector{geometry: geometry, logger: logger}, nil
}

// Geometry is the board this detector looks for.
func (d *Detector) Geometry() Geometry {
	return d.geometry
}

// Corners looks for the board in img. With fast set, it only runs OpenCV's quick rejection pass
// and skips sub-pixel refinement, which suits live previews. Otherwise it thresholds adaptively,
// normalizes and refines every corner. A missing board is (nil, false, nil).
func (d *Detector) Corners(img image.Image, fast bool) ([]r2.Point, bool, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, false, errors.New("cannot detect corners in an empty image")
	}
	bgr, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, false, errors.Wrap(err, "cannot convert image")
	}
	defer bgr.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(bgr, &gray, gocv.ColorBGRToGray)

	corners := gocv.NewMat()
	defer corners.Close()

	flags := gocv.CalibCBAdaptiveThresh | gocv.CalibCBNormalizeImage
	if fast {
		flags |= gocv.CalibCBFastCheck
	}
	found := gocv.FindChessboardCorners(gray, d.geometry.Size(), &corners, flags)
	if !found || corners.Rows() != d.geometry.Count() {
		return nil, false, nil
	}

	if !fast {
		gocv.CornerSubPix(gray, &corners, subPixWindow, subPixZeroZone, subPixCriteria)
	}

	pts := make([]r2.Point, corners.Rows())
	for i := range pts {
		v := corners.GetVecfAt(i, 0)
		pts[i] = r2.Point{X: float64(v[0]), Y: float64(v[1])}
	}
	return pts, true, nil
}

// Draw overlays corners found by this detector on img in place.
func (d *Detector) Draw(img *image.RGBA, corners []r2.Point, found bool) {
	d.geometry.Draw(img, corners, found)
}
