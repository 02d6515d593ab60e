package cycle

import (
	"testing"

	"github.com/itohio/gocgm/pkg/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pts(xy ...float64) []sample.Point {
	out := make([]sample.Point, 0, len(xy)/2)
	for i := 0; i+1 < len(xy); i += 2 {
		out = append(out, sample.Point{X: xy[i], Y: xy[i+1]})
	}
	return out
}

func TestSegment_UpThenDown(t *testing.T) {
	points := pts(0, 0, 0.1, 1, 0.2, 2, 0.15, 3, 0.05, 4)

	cycles := Segment(points, 0.02, 2)

	require.Len(t, cycles, 2)
	assert.Equal(t, Cycle(pts(0, 0, 0.1, 1, 0.2, 2)), cycles[0])
	assert.Equal(t, Cycle(pts(0.2, 2, 0.15, 3, 0.05, 4)), cycles[1])
	// Turning point is shared for continuity
	assert.Equal(t, cycles[0][len(cycles[0])-1], cycles[1][0])
}

func TestSegment_PureNoiseIsEmpty(t *testing.T) {
	points := pts(0, 0, 0.0005, 1, -0.0005, 2, 0.0005, 3, 0, 4, 0.001, 5)

	assert.Empty(t, Segment(points, 0.002, 2))
}

func TestSegment_TooFewPoints(t *testing.T) {
	assert.Empty(t, Segment(nil, 0.01, 2))
	assert.Empty(t, Segment(pts(0, 0), 0.01, 1))
}

func TestSegment_SingleSweep(t *testing.T) {
	points := pts(0, 0, 0.1, 1, 0.2, 2, 0.3, 3)

	cycles := Segment(points, 0.01, 2)
	require.Len(t, cycles, 1)
	assert.Len(t, cycles[0], 4)
}

func TestSegment_NoiseJoinsCurrentSweep(t *testing.T) {
	// 0.2 -> 0.199 is inside the deadband and must not reverse the sweep
	points := pts(0, 0, 0.1, 1, 0.2, 2, 0.199, 3, 0.3, 4, 0.2, 5, 0.1, 6)

	cycles := Segment(points, 0.01, 2)

	require.Len(t, cycles, 2)
	assert.Equal(t, Cycle(pts(0, 0, 0.1, 1, 0.2, 2, 0.199, 3, 0.3, 4)), cycles[0])
	assert.Equal(t, Cycle(pts(0.3, 4, 0.2, 5, 0.1, 6)), cycles[1])
}

func TestSegment_ShortSweepsDropped(t *testing.T) {
	// Zig-zag: every sweep holds only two points
	points := pts(0, 0, 0.1, 1, 0, 2, 0.1, 3, 0, 4)

	assert.Empty(t, Segment(points, 0.01, 3))

	cycles := Segment(points, 0.01, 2)
	assert.Len(t, cycles, 4)
	for _, c := range cycles {
		assert.Len(t, c, 2)
	}
}

func TestSegment_TriangleWave(t *testing.T) {
	var points []sample.Point
	// Three full up/down sweeps of 11 points each
	for c := 0; c < 3; c++ {
		for i := 0; i <= 10; i++ {
			points = append(points, sample.Point{X: float64(i) * 0.1, Y: float64(len(points))})
		}
		for i := 9; i >= 1; i-- {
			points = append(points, sample.Point{X: float64(i) * 0.1, Y: float64(len(points))})
		}
	}

	cycles := Segment(points, 0.002, 5)

	require.Len(t, cycles, 6)
	for i, c := range cycles {
		for j := 1; j < len(c); j++ {
			dv := c[j].X - c[j-1].X
			if i%2 == 0 {
				assert.Greater(t, dv, 0.0, "cycle %d must rise", i)
			} else {
				assert.Less(t, dv, 0.0, "cycle %d must fall", i)
			}
		}
	}
}
