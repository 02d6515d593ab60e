// Package filter implements the per-channel real-time filters applied to
// chemical channel currents.
package filter

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/itohio/gocgm/pkg/config"
	"github.com/itohio/gocgm/pkg/sample"
)

const (
	// MinWindow is the smallest accepted moving-average/median window.
	MinWindow = 3
	// InitialCovariance is the Kalman error covariance after (re)initialization.
	InitialCovariance = 0.1
)

var (
	// ErrInvalidWindow is returned for windows below MinWindow.
	ErrInvalidWindow = errors.New("filter: window must be at least 3")
	// ErrInvalidKalman is returned for non-positive Kalman noise parameters.
	ErrInvalidKalman = errors.New("filter: kalman noise must be positive")
)

// Mode selects the filter algorithm.
type Mode int

const (
	Passthrough Mode = iota
	MovingAverage
	Median
	Kalman
)

var modeNames = [...]string{
	Passthrough:   "none",
	MovingAverage: "moving_avg",
	Median:        "median",
	Kalman:        "kalman",
}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("Mode(%d)", int(m))
	}
	return modeNames[m]
}

// ParseMode parses a mode name as used in configuration.
func ParseMode(s string) (Mode, error) {
	for i, name := range modeNames {
		if name == s {
			return Mode(i), nil
		}
	}
	return Passthrough, fmt.Errorf("filter: unknown mode %q", s)
}

// Channel identifies a filtered measurement series.
type Channel int

const (
	Uric Channel = iota
	Ascorbic
	Glucose

	NumChannels = 3
)

func (c Channel) String() string {
	switch c {
	case Uric:
		return "uric"
	case Ascorbic:
		return "ascorbic"
	case Glucose:
		return "glucose"
	default:
		return fmt.Sprintf("Channel(%d)", int(c))
	}
}

// Settings is a snapshot of the engine configuration.
type Settings struct {
	Mode    Mode    `json:"-"`
	Window  int     `json:"window"`
	KalmanQ float64 `json:"kalmanQ"`
	KalmanR float64 `json:"kalmanR"`
}

type kalmanState struct {
	valid      bool
	estimate   float64
	covariance float64
}

func (k *kalmanState) reset() {
	k.valid = false
	k.estimate = 0
	k.covariance = InitialCovariance
}

func (k *kalmanState) update(z, q, r float64) float64 {
	if !k.valid {
		k.valid = true
		k.estimate = z
		k.covariance = InitialCovariance
		return z
	}

	predicted := k.covariance + q
	gain := predicted / (predicted + r)
	k.estimate += gain * (z - k.estimate)
	k.covariance = (1 - gain) * predicted
	return k.estimate
}

// Engine holds filter state for every channel. It is safe for concurrent use:
// settings may change while samples are being filtered.
type Engine struct {
	mu      sync.Mutex
	mode    Mode
	window  int
	q, r    float64
	history [NumChannels][]float64
	kalman  [NumChannels]kalmanState
	scratch []float64
}

// New creates an engine from configuration. Invalid values fall back to
// the defaults from config.Default.
func New(cfg config.FilterConfig) *Engine {
	def := config.Default().Filter

	e := &Engine{
		window: def.Window,
		q:      def.KalmanQ,
		r:      def.KalmanR,
	}
	if m, err := ParseMode(cfg.Mode); err == nil {
		e.mode = m
	} else {
		e.mode, _ = ParseMode(def.Mode)
	}
	if cfg.Window >= MinWindow {
		e.window = oddWindow(cfg.Window)
	}
	if validNoise(cfg.KalmanQ) {
		e.q = cfg.KalmanQ
	}
	if validNoise(cfg.KalmanR) {
		e.r = cfg.KalmanR
	}
	e.resetKalman()

	return e
}

// Settings returns the current configuration.
func (e *Engine) Settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Settings{Mode: e.mode, Window: e.window, KalmanQ: e.q, KalmanR: e.r}
}

// SetMode switches the algorithm. Kalman state is reset on every change;
// moving-average and median history is kept.
func (e *Engine) SetMode(m Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if m == e.mode {
		return
	}
	e.mode = m
	e.resetKalman()
}

// SetWindow sets the moving-average/median window. Even sizes are bumped to
// the next odd size; sizes below MinWindow are rejected and the previous
// window is kept. Returns the effective window.
func (e *Engine) SetWindow(w int) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if w < MinWindow {
		return e.window, ErrInvalidWindow
	}
	e.window = oddWindow(w)

	limit := 2 * e.window
	for ch := range e.history {
		if n := len(e.history[ch]); n > limit {
			e.history[ch] = append(e.history[ch][:0], e.history[ch][n-limit:]...)
		}
	}

	return e.window, nil
}

// SetKalmanQ sets the process noise and resets Kalman state.
func (e *Engine) SetKalmanQ(q float64) error {
	if !validNoise(q) {
		return ErrInvalidKalman
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.q = q
	e.resetKalman()
	return nil
}

// SetKalmanR sets the measurement noise and resets Kalman state.
func (e *Engine) SetKalmanR(r float64) error {
	if !validNoise(r) {
		return ErrInvalidKalman
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.r = r
	e.resetKalman()
	return nil
}

// Apply filters a single value of a channel.
func (e *Engine) Apply(ch Channel, v float64) float64 {
	if ch < 0 || ch >= NumChannels {
		return v
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.apply(ch, v)
}

// Filter returns a copy of s with the chemical channels filtered.
// Voltage and elapsed time pass through unchanged.
func (e *Engine) Filter(s sample.Sample) sample.Sample {
	e.mu.Lock()
	defer e.mu.Unlock()

	s.Uric = e.apply(Uric, s.Uric)
	s.Ascorbic = e.apply(Ascorbic, s.Ascorbic)
	s.Glucose = e.apply(Glucose, s.Glucose)
	return s
}

func (e *Engine) apply(ch Channel, v float64) float64 {
	switch e.mode {
	case Kalman:
		return e.kalman[ch].update(v, e.q, e.r)
	case MovingAverage, Median:
		window := e.push(ch, v)
		if e.mode == MovingAverage {
			return stat.Mean(window, nil)
		}
		return e.median(window)
	default:
		return v
	}
}

// push appends v to the channel history and returns the last window values.
func (e *Engine) push(ch Channel, v float64) []float64 {
	buf := append(e.history[ch], v)
	if limit := 2 * e.window; len(buf) > limit {
		buf = append(buf[:0], buf[len(buf)-limit:]...)
	}
	e.history[ch] = buf

	n := min(e.window, len(buf))
	return buf[len(buf)-n:]
}

func (e *Engine) median(window []float64) float64 {
	e.scratch = append(e.scratch[:0], window...)
	slices.Sort(e.scratch)
	return e.scratch[len(e.scratch)/2]
}

func (e *Engine) resetKalman() {
	for ch := range e.kalman {
		e.kalman[ch].reset()
	}
}

func oddWindow(w int) int {
	if w%2 == 0 {
		return w + 1
	}
	return w
}

func validNoise(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}
