// Package pattern finds, draws and renders chessboard calibration targets.
package pattern

import (
	"image"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Geometry is the number of internal corners of a chessboard, i.e. one less than its squares
// along each side.
type Geometry struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// DefaultGeometry is the 9x6 internal corner board the tools print by default.
var DefaultGeometry = Geometry{Rows: 6, Cols: 9}

// DefaultSquareSize is the default square side in meters.
const DefaultSquareSize = 0.023

// Count is the number of internal corners.
func (g Geometry) Count() int {
	return g.Rows * g.Cols
}

// Size is the OpenCV pattern size: corners per row, then per column.
func (g Geometry) Size() image.Point {
	return image.Pt(g.Cols, g.Rows)
}

// Validate checks that the board has at least two corners each way.
func (g Geometry) Validate() error {
	if g.Rows < 2 || g.Cols < 2 {
		return errors.Errorf("pattern needs at least 2x2 internal corners, got %dx%d", g.Rows, g.Cols)
	}
	return nil
}

// ObjectPoints returns the board's corners in its own plane (z = 0), row-major with x varying
// fastest, spaced by square.
func (g Geometry) ObjectPoints(square float64) []r3.Vector {
	pts := make([]r3.Vector, g.Count())
	for i := range pts {
		pts[i] = r3.Vector{X: float64(i%g.Cols) * square, Y: float64(i/g.Cols) * square}
	}
	return pts
}
