package telemetry

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// ErrNoSamples is returned when a run has no pose samples to plot.
var ErrNoSamples = errors.New("no pose samples")

// PlotOptions sets the arena frame drawn behind a trajectory.
type PlotOptions struct {
	Title       string
	GridSpacing float64
	Min, Max    float64
	Size        vg.Length
}

func DefaultPlotOptions() PlotOptions {
	return PlotOptions{GridSpacing: 30, Min: -30, Max: 360, Size: 6 * vg.Inch}
}

var (
	pathColor       = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	correctionColor = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	startColor      = color.RGBA{R: 44, G: 160, B: 44, A: 255}
)

// TrajectoryPlot draws the sampled path with the grid lines and marks each
// correction at its corrected position.
func TrajectoryPlot(samples []PoseSample, corrections []CorrectionEvent, o PlotOptions) (*plot.Plot, error) {
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}

	p := plot.New()
	p.Title.Text = o.Title
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"
	p.X.Min, p.X.Max = o.Min, o.Max
	p.Y.Min, p.Y.Max = o.Min, o.Max
	if o.GridSpacing > 0 {
		ticks := gridTicks(o.Min, o.Max, o.GridSpacing)
		p.X.Tick.Marker = ticks
		p.Y.Tick.Marker = ticks
		p.Add(plotter.NewGrid())
	}

	path := make(plotter.XYs, len(samples))
	for i, s := range samples {
		path[i] = plotter.XY{X: s.Pose.X, Y: s.Pose.Y}
	}
	line, err := plotter.NewLine(path)
	if err != nil {
		return nil, fmt.Errorf("path: %w", err)
	}
	line.Color = pathColor
	line.Width = vg.Points(1.5)
	p.Add(line)
	p.Legend.Add("path", line)

	start, err := plotter.NewScatter(path[:1])
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	start.GlyphStyle = draw.GlyphStyle{Color: startColor, Radius: vg.Points(4), Shape: draw.BoxGlyph{}}
	p.Add(start)
	p.Legend.Add("start", start)

	if len(corrections) > 0 {
		pts := make(plotter.XYs, len(corrections))
		for i, c := range corrections {
			pts[i] = plotter.XY{X: c.After.X, Y: c.After.Y}
		}
		sc, err := plotter.NewScatter(pts)
		if err != nil {
			return nil, fmt.Errorf("corrections: %w", err)
		}
		sc.GlyphStyle = draw.GlyphStyle{Color: correctionColor, Radius: vg.Points(3), Shape: draw.CrossGlyph{}}
		p.Add(sc)
		p.Legend.Add("correction", sc)
	}

	p.Legend.Top = true
	return p, nil
}

// gridTicks labels every grid line from the first multiple of spacing at or
// above min.
func gridTicks(min, max, spacing float64) plot.ConstantTicks {
	var ticks plot.ConstantTicks
	first := spacing * float64(int(min/spacing))
	if first < min {
		first += spacing
	}
	for v := first; v <= max; v += spacing {
		ticks = append(ticks, plot.Tick{Value: v, Label: strconv.FormatFloat(v, 'f', -1, 64)})
	}
	return ticks
}

// WriteTrajectoryPNG renders the run's trajectory as PNG to w.
func (s *Store) WriteTrajectoryPNG(w io.Writer, runID string, o PlotOptions) error {
	if _, err := s.Run(runID); err != nil {
		return err
	}
	samples, err := s.Trajectory(runID)
	if err != nil {
		return err
	}
	corrections, err := s.Corrections(runID)
	if err != nil {
		return err
	}
	if o.Title == "" {
		o.Title = "run " + runID
	}
	p, err := TrajectoryPlot(samples, corrections, o)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(o.Size, o.Size, "png")
	if err != nil {
		return fmt.Errorf("render trajectory: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}
