// Package scope renders cached series and CV cycles as PNG charts.
package scope

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/itohio/gocgm/pkg/monitor"
	"github.com/itohio/gocgm/pkg/sample"
)

const (
	DefaultWidth  = 800
	DefaultHeight = 480
	maxSize       = 4096
)

var background = color.RGBA{R: 250, G: 250, B: 250, A: 255}

// Scope renders charts of a fixed pixel size. It is safe for concurrent use.
type Scope struct {
	width  int
	height int

	// Points per series line, at most one per pixel column
	maxDisplayPoints int
}

// New creates a Scope. Non-positive or oversized dimensions fall back to the
// defaults.
func New(width, height int) *Scope {
	if width <= 0 || width > maxSize {
		width = DefaultWidth
	}
	if height <= 0 || height > maxSize {
		height = DefaultHeight
	}
	return &Scope{
		width:            width,
		height:           height,
		maxDisplayPoints: width,
	}
}

// Labels returns the axis labels of a series.
func Labels(kind monitor.SeriesKind) (x, y string) {
	switch kind {
	case monitor.TimeGlucose:
		return "Time (s)", "Glucose (mA)"
	case monitor.VoltUric:
		return "Voltage (V)", "Uric acid (uA)"
	case monitor.VoltAscorbic:
		return "Voltage (V)", "Ascorbic acid (uA)"
	default:
		return "Voltage (V)", "Glucose (mA)"
	}
}

// Series writes a PNG line chart of points.
func (s *Scope) Series(w io.Writer, kind monitor.SeriesKind, points []sample.Point) error {
	p := s.newPlot(kind)

	display := sample.Downsample(nil, points, s.maxDisplayPoints)
	if len(display) > 0 {
		line, err := plotter.NewLine(toXYs(display))
		if err != nil {
			return fmt.Errorf("failed to build line: %w", err)
		}
		line.Color = plotutil.Color(0)
		p.Add(line)
		autoScale(p, display)
	}

	return s.write(w, p)
}

// Cycles writes a PNG chart with one colored line per sweep. An
// unsegmented view is drawn as a single line without a legend.
func (s *Scope) Cycles(w io.Writer, kind monitor.SeriesKind, view monitor.View) error {
	p := s.newPlot(kind)
	p.Title.Text = fmt.Sprintf("%s (%d sweeps)", kind, len(view.Cycles))
	if !view.Segmented {
		p.Title.Text = kind.String()
	}

	var all []sample.Point
	for i, c := range view.Cycles {
		if len(c) == 0 {
			continue
		}
		line, err := plotter.NewLine(toXYs(c))
		if err != nil {
			return fmt.Errorf("failed to build sweep %d: %w", i, err)
		}
		line.Color = plotutil.Color(i)
		p.Add(line)
		if view.Segmented {
			p.Legend.Add(fmt.Sprintf("sweep %d", i+1), line)
		}
		all = append(all, c...)
	}
	autoScale(p, all)

	return s.write(w, p)
}

func (s *Scope) newPlot(kind monitor.SeriesKind) *plot.Plot {
	p := plot.New()
	p.Title.Text = kind.String()
	p.X.Label.Text, p.Y.Label.Text = Labels(kind)
	p.BackgroundColor = background
	p.Legend.Top = true
	p.Legend.Padding = vg.Points(5)
	p.Add(plotter.NewGrid())
	return p
}

func (s *Scope) write(w io.Writer, p *plot.Plot) error {
	// vg lengths are points; the png canvas renders at 96 dpi
	px := vg.Inch / 96
	wt, err := p.WriterTo(vg.Length(s.width)*px, vg.Length(s.height)*px, "png")
	if err != nil {
		return fmt.Errorf("failed to create png canvas: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write png: %w", err)
	}
	return nil
}

// autoScale fits the Y axis to the data with a 10% margin.
func autoScale(p *plot.Plot, points []sample.Point) {
	if len(points) == 0 {
		return
	}

	yMin, yMax := points[0].Y, points[0].Y
	for _, pt := range points {
		yMin = min(yMin, pt.Y)
		yMax = max(yMax, pt.Y)
	}

	span := yMax - yMin
	if span == 0 {
		span = 1.0
	}
	margin := span * 0.1
	p.Y.Min = yMin - margin
	p.Y.Max = yMax + margin
}

func toXYs(points []sample.Point) plotter.XYs {
	xys := make(plotter.XYs, len(points))
	for i, pt := range points {
		xys[i].X = pt.X
		xys[i].Y = pt.Y
	}
	return xys
}
