package monitor

import (
	"fmt"
	"math"

	"github.com/itohio/gocgm/pkg/sample"
)

// SeriesKind identifies one of the cached plot series.
type SeriesKind int

const (
	TimeGlucose SeriesKind = iota
	VoltUric
	VoltAscorbic
	VoltGlucose

	numSeries = 4
)

var seriesNames = [...]string{
	TimeGlucose:  "time_glucose",
	VoltUric:     "volt_uric",
	VoltAscorbic: "volt_ascorbic",
	VoltGlucose:  "volt_glucose",
}

func (k SeriesKind) String() string {
	if k < 0 || int(k) >= len(seriesNames) {
		return fmt.Sprintf("SeriesKind(%d)", int(k))
	}
	return seriesNames[k]
}

// ParseSeriesKind parses a series name such as "volt_glucose".
func ParseSeriesKind(s string) (SeriesKind, error) {
	for i, name := range seriesNames {
		if name == s {
			return SeriesKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown series %q", s)
}

// IsVoltage reports whether the series is plotted against voltage.
func (k SeriesKind) IsVoltage() bool {
	return k == VoltUric || k == VoltAscorbic || k == VoltGlucose
}

// point extracts the series point from a sample.
func (k SeriesKind) point(s sample.Sample) sample.Point {
	switch k {
	case TimeGlucose:
		return sample.Point{X: s.Elapsed, Y: s.Glucose}
	case VoltUric:
		return sample.Point{X: s.Voltage, Y: s.Uric}
	case VoltAscorbic:
		return sample.Point{X: s.Voltage, Y: s.Ascorbic}
	default:
		return sample.Point{X: s.Voltage, Y: s.Glucose}
	}
}

// Series is a bounded FIFO of points, ordered oldest first.
//
// A window series drops points whose X is older than the newest X minus the
// window and ignores points with a non-finite X. A count series keeps at most
// maxPoints points. Eviction runs on every Add.
type Series struct {
	points    []sample.Point
	window    float64
	maxPoints int
}

// NewWindowSeries creates a series bounded by an X window.
func NewWindowSeries(window float64) *Series {
	return &Series{window: window}
}

// NewCountSeries creates a series bounded by a point count.
func NewCountSeries(maxPoints int) *Series {
	return &Series{maxPoints: maxPoints}
}

// Add appends p and evicts points that fall outside the bound.
func (s *Series) Add(p sample.Point) {
	if s.window > 0 && (math.IsNaN(p.X) || math.IsInf(p.X, 0)) {
		return
	}
	s.points = append(s.points, p)

	if s.window > 0 {
		cutoff := p.X - s.window
		cut := 0
		// A NaN X compares false and is evicted as well
		for cut < len(s.points)-1 && !(s.points[cut].X >= cutoff) {
			cut++
		}
		if cut > 0 {
			s.points = s.points[cut:]
		}
	}

	if s.maxPoints > 0 && len(s.points) > s.maxPoints {
		s.points = s.points[len(s.points)-s.maxPoints:]
	}
}

// Len returns the number of points.
func (s *Series) Len() int {
	return len(s.points)
}

// Points returns a copy of the last n points (all when n <= 0).
func (s *Series) Points(n int) []sample.Point {
	src := s.points
	if n > 0 && len(src) > n {
		src = src[len(src)-n:]
	}
	out := make([]sample.Point, len(src))
	copy(out, src)
	return out
}

// Clear removes every point.
func (s *Series) Clear() {
	s.points = nil
}

// History is a bounded FIFO of samples backing the record list.
type History struct {
	records  []sample.Sample
	capacity int
}

// NewHistory creates a history of the given capacity.
func NewHistory(capacity int) *History {
	return &History{capacity: capacity}
}

// Add appends s, evicting the oldest record beyond capacity.
func (h *History) Add(s sample.Sample) {
	h.records = append(h.records, s)
	if h.capacity > 0 && len(h.records) > h.capacity {
		h.records = h.records[len(h.records)-h.capacity:]
	}
}

// Len returns the number of records.
func (h *History) Len() int {
	return len(h.records)
}

// Records returns a copy of the last n records (all when n <= 0).
func (h *History) Records(n int) []sample.Sample {
	src := h.records
	if n > 0 && len(src) > n {
		src = src[len(src)-n:]
	}
	out := make([]sample.Sample, len(src))
	copy(out, src)
	return out
}

// Clear removes every record.
func (h *History) Clear() {
	h.records = nil
}
