package pattern

import (
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/golang/geo/r2"
)

// Row colors cycle like OpenCV's corner overlay.
var rowColors = []color.RGBA{
	{R: 255, A: 255},
	{R: 255, G: 128, A: 255},
	{R: 200, G: 200, A: 255},
	{G: 255, A: 255},
	{G: 200, B: 200, A: 255},
	{B: 255, A: 255},
	{R: 255, B: 255, A: 255},
}

// Draw overlays corners on img in place. A found board gets colored rows joined by a polyline;
// a partial or failed detection gets red circles only.
func (g Geometry) Draw(img *image.RGBA, corners []r2.Point, found bool) {
	if len(corners) == 0 {
		return
	}
	dc := gg.NewContextForRGBA(img)
	radius := float64(img.Bounds().Dx()) / 320
	if radius < 3 {
		radius = 3
	}
	dc.SetLineWidth(radius / 2)

	if !found || len(corners) != g.Count() {
		dc.SetColor(rowColors[0])
		for _, p := range corners {
			dc.DrawCircle(p.X, p.Y, radius)
			dc.Stroke()
		}
		return
	}

	for i, p := range corners {
		dc.SetColor(rowColors[(i/g.Cols)%len(rowColors)])
		dc.DrawCircle(p.X, p.Y, radius)
		dc.Stroke()
		if i > 0 {
			prev := corners[i-1]
			dc.DrawLine(prev.X, prev.Y, p.X, p.Y)
			dc.Stroke()
		}
	}
}

// Board is a rendered chessboard and the pixel positions of its internal corners, ordered like
// Geometry.ObjectPoints.
type Board struct {
	Image   *image.RGBA
	Corners []r2.Point
}

// RenderBoard draws g as black and white squares of squarePx pixels with a white margin of
// marginPx pixels. The top-left square is black.
func RenderBoard(g Geometry, squarePx, marginPx int) Board {
	squaresX, squaresY := g.Cols+1, g.Rows+1
	w := squaresX*squarePx + 2*marginPx
	h := squaresY*squarePx + 2*marginPx

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	dc := gg.NewContextForRGBA(img)
	dc.SetRGB(1, 1, 1)
	dc.Clear()
	dc.SetRGB(0, 0, 0)
	for y := 0; y < squaresY; y++ {
		for x := 0; x < squaresX; x++ {
			if (x+y)%2 != 0 {
				continue
			}
			dc.DrawRectangle(
				float64(marginPx+x*squarePx), float64(marginPx+y*squarePx),
				float64(squarePx), float64(squarePx))
		}
	}
	dc.Fill()

	// Pixel centers sit on integer coordinates, so a square boundary is half a pixel before it.
	corners := make([]r2.Point, 0, g.Count())
	for y := 1; y <= g.Rows; y++ {
		for x := 1; x <= g.Cols; x++ {
			corners = append(corners, r2.Point{
				X: float64(marginPx+x*squarePx) - 0.5,
				Y: float64(marginPx+y*squarePx) - 0.5,
			})
		}
	}
	return Board{Image: img, Corners: corners}
}

// SavePNG writes the board image to path.
func (b Board) SavePNG(path string) error {
	return gg.SavePNG(path, b.Image)
}
