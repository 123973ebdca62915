package pattern

import (
	"image"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/camcal/logging"
)

func TestObjectPoints(t *testing.T) {
	g := Geometry{Rows: 2, Cols: 3}
	test.That(t, g.Count(), test.ShouldEqual, 6)
	test.That(t, g.Size(), test.ShouldResemble, image.Pt(3, 2))
	test.That(t, g.ObjectPoints(0.5), test.ShouldResemble, []r3.Vector{
		{X: 0, Y: 0}, {X: 0.5, Y: 0}, {X: 1, Y: 0},
		{X: 0, Y: 0.5}, {X: 0.5, Y: 0.5}, {X: 1, Y: 0.5},
	})

	test.That(t, DefaultGeometry.Count(), test.ShouldEqual, 54)
	test.That(t, Geometry{Rows: 1, Cols: 9}.Validate(), test.ShouldNotBeNil)
	_, err := NewDetector(Geometry{Rows: 6, Cols: 0}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

// orderings lists the index permutations a detector may legitimately report a board in.
func orderings(g Geometry) [][]int {
	n := g.Count()
	forward := make([]int, n)
	reversed := make([]int, n)
	flipX := make([]int, n)
	flipY := make([]int, n)
	for i := 0; i < n; i++ {
		row, col := i/g.Cols, i%g.Cols
		forward[i] = i
		reversed[i] = n - 1 - i
		flipX[i] = row*g.Cols + (g.Cols - 1 - col)
		flipY[i] = (g.Rows-1-row)*g.Cols + col
	}
	return [][]int{forward, reversed, flipX, flipY}
}

func matchesSomeOrdering(g Geometry, got, expected []r2.Point, tol float64) bool {
	for _, order := range orderings(g) {
		ok := true
		for i, j := range order {
			if got[i].Sub(expected[j]).Norm() > tol {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func TestDetectSyntheticBoard(t *testing.T) {
	logger := logging.NewTestLogger(t)
	for _, g := range []Geometry{DefaultGeometry, {Rows: 4, Cols: 5}} {
		board := RenderBoard(g, 40, 60)
		d, err := NewDetector(g, logger)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, d.Geometry(), test.ShouldResemble, g)

		for _, fast := range []bool{false, true} {
			corners, found, err := d.Corners(board.Image, fast)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, found, test.ShouldBeTrue)
			test.That(t, corners, test.ShouldHaveLength, g.Count())
			tol := 1.0
			if fast {
				tol = 3.0
			}
			test.That(t, matchesSomeOrdering(g, corners, board.Corners, tol), test.ShouldBeTrue)
		}
	}
}

func TestDetectNoBoard(t *testing.T) {
	d, err := NewDetector(DefaultGeometry, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	blank := image.NewRGBA(image.Rect(0, 0, 320, 240))
	corners, found, err := d.Corners(blank, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, found, test.ShouldBeFalse)
	test.That(t, corners, test.ShouldBeNil)

	// A board with a different corner count is not this board.
	other := RenderBoard(Geometry{Rows: 4, Cols: 5}, 40, 60)
	_, found, err = d.Corners(other.Image, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, found, test.ShouldBeFalse)

	_, _, err = d.Corners(image.NewRGBA(image.Rectangle{}), false)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDrawAndSave(t *testing.T) {
	g := Geometry{Rows: 3, Cols: 4}
	board := RenderBoard(g, 30, 30)
	test.That(t, board.Image.Bounds().Size(), test.ShouldResemble, image.Pt(5*30+60, 4*30+60))
	// Top-left square is black, margin is white.
	test.That(t, board.Image.RGBAAt(45, 45).R, test.ShouldEqual, uint8(0))
	test.That(t, board.Image.RGBAAt(5, 5).R, test.ShouldEqual, uint8(255))

	canvas := image.NewRGBA(board.Image.Bounds())
	g.Draw(canvas, board.Corners, true)
	p := board.Corners[0]
	// The circle outline passes through (x + radius, y).
	hit := false
	for dx := 1; dx <= 6; dx++ {
		if canvas.RGBAAt(int(p.X)+dx, int(p.Y)).A != 0 {
			hit = true
		}
	}
	test.That(t, hit, test.ShouldBeTrue)

	// Nothing to draw.
	empty := image.NewRGBA(image.Rect(0, 0, 10, 10))
	g.Draw(empty, nil, false)
	for _, px := range empty.Pix {
		test.That(t, px, test.ShouldEqual, uint8(0))
	}

	path := filepath.Join(t.TempDir(), "board.png")
	test.That(t, board.SavePNG(path), test.ShouldBeNil)
}
