// Package cycle splits a cyclic-voltammetry trace into monotonic sweeps.
package cycle

import (
	"math"

	"github.com/itohio/gocgm/pkg/sample"
)

// Cycle is one monotonic voltage sweep; X is voltage, Y is current.
type Cycle []sample.Point

// Segment partitions points into sweeps at every voltage direction reversal.
//
// Steps with |dv| < deadband are treated as noise: the point joins the current
// sweep without touching the direction. On a reversal the current sweep is
// emitted if it holds at least minPoints points, and the next sweep starts
// with the turning point followed by the current point.
//
// An empty result means no sweep qualified and the trace should be drawn as a
// single line. This includes traces whose steps never leave the deadband.
func Segment(points []sample.Point, deadband float64, minPoints int) []Cycle {
	if len(points) < 2 {
		return nil
	}

	var (
		cycles  []Cycle
		current = Cycle{points[0]}
		prev    = points[0]
		dir     int // +1 rising, -1 falling, 0 not yet known
	)

	for _, p := range points[1:] {
		dv := p.X - prev.X

		switch {
		case math.Abs(dv) < deadband:
			current = append(current, p)
		case dir == 0:
			dir = sign(dv)
			current = append(current, p)
		case sign(dv) == dir:
			current = append(current, p)
		default:
			if len(current) >= minPoints {
				cycles = append(cycles, current)
			}
			current = Cycle{prev, p}
			dir = sign(dv)
		}

		prev = p
	}

	if dir != 0 && len(current) >= minPoints {
		cycles = append(cycles, current)
	}

	return cycles
}

func sign(v float64) int {
	if v > 0 {
		return 1
	}
	return -1
}
