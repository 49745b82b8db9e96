package mesh

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// ErrNoTrace is returned when a result carries no torque history, as with
// the SVD method or a fallback.
var ErrNoTrace = errors.New("result has no convergence trace")

// tracePlotFloor keeps zero torques representable on the log axis
const tracePlotFloor = 1e-16

// PlotConvergence charts the torque magnitude per iteration of a rig's last
// solve on a log scale. width and height are in pixels; format is any
// gonum/plot format ("png", "svg", ...).
func PlotConvergence(snap RigSnapshot, width, height int, format string) (io.WriterTo, error) {
	trace := snap.Result.Trace
	if len(trace) == 0 {
		return nil, ErrNoTrace
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid plot size %dx%d", width, height)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s: %d steps, converged=%t", snap.RigID, snap.Result.Steps, snap.Result.Converged)
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "torque"
	p.Y.Scale = plot.LogScale{}
	p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(trace))
	for i, v := range trace {
		pts[i].X = float64(i)
		pts[i].Y = math.Max(v, tracePlotFloor)
	}

	line, points, err := plotter.NewLinePoints(pts)
	if err != nil {
		return nil, fmt.Errorf("building convergence line: %w", err)
	}
	rigColor := parseHexColor(snap.Color)
	line.Color = rigColor
	points.Color = rigColor
	points.Radius = vg.Points(2)
	p.Add(line, points)

	threshold := plotter.NewFunction(func(float64) float64 { return 1e-9 })
	threshold.Color = color.RGBA{178, 34, 34, 255}
	threshold.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
	p.Add(threshold)
	p.Legend.Add("torque", line, points)
	p.Legend.Add("threshold", threshold)

	// a log axis needs a positive, non-empty range; keep the threshold in view
	lo, hi := 1e-10, 1e-8
	for _, pt := range pts {
		lo = math.Min(lo, pt.Y)
		hi = math.Max(hi, pt.Y)
	}
	p.Y.Min, p.Y.Max = lo, hi

	// vgimg renders at 96 DPI
	wt, err := p.WriterTo(vg.Length(width)*vg.Inch/96, vg.Length(height)*vg.Inch/96, format)
	if err != nil {
		return nil, fmt.Errorf("rendering convergence plot: %w", err)
	}
	return wt, nil
}
