package cli

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/camcal/calib"
	"go.viam.com/camcal/camera"
)

func formatFloats(vs []float64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = fmt.Sprintf("%.6g", v)
	}
	return strings.Join(parts, ", ")
}

func formatIntrinsics(k camera.Intrinsics) string {
	return fmt.Sprintf("fx:%.3f fy:%.3f cx:%.3f cy:%.3f", k.Fx, k.Fy, k.Cx, k.Cy)
}

func formatMatrix(m mat.Matrix) string {
	r, c := m.Dims()
	rows := make([]string, r)
	for i := range rows {
		row := make([]float64, c)
		for j := range row {
			row[j] = m.At(i, j)
		}
		rows[i] = "[" + formatFloats(row) + "]"
	}
	return strings.Join(rows, "\n")
}

// resultTable prints out a table of a mono calibration.
func resultTable(res *calib.Result) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Field", "Value"})
	t.AppendRows([]table.Row{
		{"Model", res.Model},
		{"CID", res.CID},
		{"Created", res.CreatedAt().Format("2006-01-02 15:04:05 MST")},
		{"Image size", fmt.Sprintf("%dx%d", res.ImageSize.X, res.ImageSize.Y)},
		{"Intrinsics", formatIntrinsics(res.K)},
		{"Distortion", formatFloats(res.D)},
		{"RMS (px)", fmt.Sprintf("%.4f", res.RMS)},
		{"Salt", res.Seed},
		{"Pick size", res.PickSize},
		{"Poses", len(res.Rvecs)},
	})
	return t.Render()
}

// stereoTable prints out a table of a stereo calibration, one column per eye.
func stereoTable(res *calib.StereoResult) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Field", "Left", "Right"})
	t.AppendRows([]table.Row{
		{"Intrinsics", formatIntrinsics(res.KLeft), formatIntrinsics(res.KRight)},
		{"Distortion", formatFloats(res.DLeft), formatFloats(res.DRight)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Model", res.Model, ""},
		{"CID", res.CID, ""},
		{"Created", res.CreatedAt().Format("2006-01-02 15:04:05 MST"), ""},
		{"Image size", fmt.Sprintf("%dx%d", res.ImageSize.X, res.ImageSize.Y), ""},
		{"R", formatMatrix(res.R), ""},
		{"T (m)", formatFloats([]float64{res.T.X, res.T.Y, res.T.Z}), ""},
		{"RMS (px)", fmt.Sprintf("%.4f", res.RMS), ""},
		{"Salt", res.Seed, ""},
		{"Pick size", res.PickSize, ""},
	})
	return t.Render()
}
