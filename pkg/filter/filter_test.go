package filter

import (
	"testing"

	"github.com/itohio/gocgm/pkg/config"
	"github.com/itohio/gocgm/pkg/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(mode string, window int) *Engine {
	cfg := config.Default().Filter
	cfg.Mode = mode
	cfg.Window = window
	return New(cfg)
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{Passthrough, MovingAverage, Median, Kalman} {
		got, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}

	_, err := ParseMode("lowpass")
	assert.Error(t, err)
}

func TestNew_InvalidConfigFallsBack(t *testing.T) {
	e := New(config.FilterConfig{Mode: "bogus", Window: 1, KalmanQ: -1, KalmanR: 0})
	s := e.Settings()

	assert.Equal(t, MovingAverage, s.Mode)
	assert.Equal(t, 5, s.Window)
	assert.Equal(t, 0.01, s.KalmanQ)
	assert.Equal(t, 0.1, s.KalmanR)
}

func TestSetWindow_ForcedOdd(t *testing.T) {
	e := newEngine("moving_avg", 5)

	for w := 3; w <= 20; w++ {
		got, err := e.SetWindow(w)
		require.NoError(t, err)
		if w%2 == 0 {
			assert.Equal(t, w+1, got)
		} else {
			assert.Equal(t, w, got)
		}
		assert.Equal(t, got, e.Settings().Window)
	}
}

func TestSetWindow_RejectsBelowMinimum(t *testing.T) {
	e := newEngine("moving_avg", 7)

	for _, w := range []int{2, 1, 0, -3} {
		got, err := e.SetWindow(w)
		assert.ErrorIs(t, err, ErrInvalidWindow)
		assert.Equal(t, 7, got)
	}
	assert.Equal(t, 7, e.Settings().Window)
}

func TestMovingAverage(t *testing.T) {
	e := newEngine("moving_avg", 5)

	var out float64
	for _, v := range []float64{1, 2, 3, 4, 5} {
		out = e.Apply(Glucose, v)
	}
	assert.Equal(t, 3.0, out)

	// Window slides over the last five values
	assert.Equal(t, 4.0, e.Apply(Glucose, 6))
}

func TestMovingAverage_PartialWindow(t *testing.T) {
	e := newEngine("moving_avg", 5)

	assert.Equal(t, 10.0, e.Apply(Uric, 10))
	assert.Equal(t, 15.0, e.Apply(Uric, 20))
}

func TestMedian(t *testing.T) {
	e := newEngine("median", 5)

	var out float64
	for _, v := range []float64{1, 2, 3, 4, 5} {
		out = e.Apply(Ascorbic, v)
	}
	assert.Equal(t, 3.0, out)
}

func TestMedian_RejectsOutliers(t *testing.T) {
	e := newEngine("median", 3)

	e.Apply(Uric, 1)
	e.Apply(Uric, 1)
	assert.Equal(t, 1.0, e.Apply(Uric, 100))
}

func TestMedian_EvenCountUsesIndexHalf(t *testing.T) {
	e := newEngine("median", 5)

	e.Apply(Uric, 4)
	// Sorted [1 4], index 1
	assert.Equal(t, 4.0, e.Apply(Uric, 1))
}

func TestChannelsAreIndependent(t *testing.T) {
	e := newEngine("moving_avg", 3)

	e.Apply(Uric, 100)
	e.Apply(Uric, 100)
	assert.Equal(t, 1.0, e.Apply(Glucose, 1))
	assert.Equal(t, 100.0, e.Apply(Uric, 100))
}

func TestHistoryBounded(t *testing.T) {
	e := newEngine("moving_avg", 5)

	for i := 0; i < 100; i++ {
		e.Apply(Uric, float64(i))
		assert.LessOrEqual(t, len(e.history[Uric]), 10)
	}

	_, err := e.SetWindow(3)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(e.history[Uric]), 6, "shrinking the window trims history")
}

func TestPassthrough(t *testing.T) {
	e := newEngine("none", 5)

	assert.Equal(t, 42.0, e.Apply(Uric, 42))
	assert.Equal(t, -1.0, e.Apply(Glucose, -1))
	assert.Empty(t, e.history[Uric], "passthrough keeps no state")
}

func TestKalman_FirstObservationIsExact(t *testing.T) {
	e := newEngine("kalman", 5)
	assert.Equal(t, 3.25, e.Apply(Glucose, 3.25))
}

func TestKalman_Update(t *testing.T) {
	e := newEngine("kalman", 5)
	q, r := 0.01, 0.1

	e.Apply(Glucose, 1.0)
	got := e.Apply(Glucose, 2.0)

	pPred := InitialCovariance + q
	k := pPred / (pPred + r)
	want := 1.0 + k*(2.0-1.0)
	assert.InDelta(t, want, got, 1e-12)

	// Covariance update
	assert.InDelta(t, (1-k)*pPred, e.kalman[Glucose].covariance, 1e-12)
}

func TestKalman_ConvergesToConstant(t *testing.T) {
	e := newEngine("kalman", 5)

	e.Apply(Uric, 0)
	var out float64
	for i := 0; i < 200; i++ {
		out = e.Apply(Uric, 10)
	}
	assert.InDelta(t, 10.0, out, 0.01)
}

func TestKalman_ParamChangeResets(t *testing.T) {
	e := newEngine("kalman", 5)

	e.Apply(Uric, 1)
	e.Apply(Uric, 2)
	require.True(t, e.kalman[Uric].valid)

	require.NoError(t, e.SetKalmanQ(0.5))
	assert.False(t, e.kalman[Uric].valid)
	assert.Equal(t, 7.0, e.Apply(Uric, 7), "lazy re-initialization after reset")

	require.NoError(t, e.SetKalmanR(0.2))
	assert.Equal(t, 9.0, e.Apply(Uric, 9))
}

func TestKalman_InvalidParamsRejected(t *testing.T) {
	e := newEngine("kalman", 5)
	e.Apply(Uric, 1)

	assert.ErrorIs(t, e.SetKalmanQ(0), ErrInvalidKalman)
	assert.ErrorIs(t, e.SetKalmanR(-1), ErrInvalidKalman)

	s := e.Settings()
	assert.Equal(t, 0.01, s.KalmanQ)
	assert.Equal(t, 0.1, s.KalmanR)
	assert.True(t, e.kalman[Uric].valid, "rejected values must not reset state")
}

func TestSetMode_ResetsKalmanKeepsBuffers(t *testing.T) {
	e := newEngine("moving_avg", 5)
	e.Apply(Uric, 1)
	e.Apply(Uric, 2)

	e.SetMode(Kalman)
	e.Apply(Uric, 5)
	require.True(t, e.kalman[Uric].valid)
	assert.Len(t, e.history[Uric], 2, "buffers are dormant while in kalman mode")

	e.SetMode(MovingAverage)
	assert.False(t, e.kalman[Uric].valid)
	assert.Equal(t, 2.0, e.Apply(Uric, 3))
}

func TestFilter_Sample(t *testing.T) {
	e := newEngine("kalman", 5)
	in := sample.Sample{Elapsed: 1.5, Uric: 1, Ascorbic: 2, Glucose: 3, Voltage: 0.4}

	out := e.Filter(in)
	assert.Equal(t, in, out, "first kalman observation passes through")

	next := e.Filter(sample.Sample{Elapsed: 1.6, Uric: 2, Ascorbic: 3, Glucose: 4, Voltage: 0.5})
	assert.Equal(t, 1.6, next.Elapsed)
	assert.Equal(t, 0.5, next.Voltage)
	assert.Less(t, next.Uric, 2.0)
	assert.Greater(t, next.Uric, 1.0)

	// The input sample is left untouched
	assert.Equal(t, 1.0, in.Uric)
}

func TestApply_UnknownChannel(t *testing.T) {
	e := newEngine("moving_avg", 5)
	assert.Equal(t, 5.0, e.Apply(Channel(7), 5))
}
