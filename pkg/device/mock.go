package device

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/itohio/gocgm/pkg/command"
	"github.com/itohio/gocgm/pkg/config"
	"github.com/itohio/gocgm/pkg/sample"
)

// noiseEvery controls how often a garbage line is interleaved with frames.
const noiseEvery = 25

// Mock simulates the sensor by streaming a triangular cyclic-voltammetry
// sweep as JSON frames. Frames are written in randomly sized chunks with
// occasional non-JSON noise between them.
type Mock struct {
	cfg config.MockConfig
}

// NewMock creates a simulated sensor dialer.
func NewMock(cfg *config.MockConfig) *Mock {
	if cfg == nil {
		cfg = &config.Default().Mock
	}
	c := *cfg
	def := config.Default().Mock
	if c.SampleRate <= 0 {
		c.SampleRate = def.SampleRate
	}
	if c.SweepStep <= 0 {
		c.SweepStep = def.SweepStep
	}
	if c.SweepHigh <= c.SweepLow {
		c.SweepLow, c.SweepHigh = def.SweepLow, def.SweepHigh
	}
	return &Mock{cfg: c}
}

// Name returns "mock".
func (m *Mock) Name() string {
	return "mock"
}

// Dial starts a new simulated stream.
func (m *Mock) Dial(ctx context.Context) (Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r, w := io.Pipe()
	p := &mockPort{
		cfg:     m.cfg,
		r:       r,
		w:       w,
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
		voltage: m.cfg.SweepLow,
		dir:     1,
		noise:   distuv.Normal{Mu: 0, Sigma: m.cfg.NoiseLevel},
	}

	go p.generate()

	return p, nil
}

// wireFrame mirrors the sensor's JSON frame.
type wireFrame struct {
	Seconds  int `json:"Seconds"`
	Uric     int `json:"Uric"`
	Ascorbic int `json:"Ascorbic"`
	Glucose  int `json:"Glucose"`
	Volt     int `json:"Volt"`
}

type mockPort struct {
	cfg config.MockConfig
	r   *io.PipeReader
	w   *io.PipeWriter

	mu      sync.Mutex
	paused  bool
	closed  bool
	pending []byte

	// generator state, owned by generate
	elapsed time.Duration
	voltage float64
	dir     float64
	frames  int
	noise   distuv.Normal

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (p *mockPort) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

// Write interprets newline-terminated text commands. Binary payloads are
// accepted and ignored.
func (p *mockPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, io.ErrClosedPipe
	}

	p.pending = append(p.pending, b...)
	for {
		i := bytes.IndexByte(p.pending, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(p.pending[:i]))
		p.pending = p.pending[i+1:]
		p.handleCommand(line)
	}

	return len(b), nil
}

// handleCommand must be called with mu held.
func (p *mockPort) handleCommand(cmd string) {
	switch cmd {
	case command.Pause, command.ForcePause:
		p.paused = true
	case command.Start, command.Resume:
		p.paused = false
	case "":
		return
	default:
		log.Debug().Str("component", "mock").Str("command", cmd).Msg("ignoring unknown command")
		return
	}
	log.Debug().Str("component", "mock").Str("command", cmd).Bool("paused", p.paused).Msg("command")
}

func (p *mockPort) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *mockPort) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		close(p.stop)
		// Unblocks a generator stuck in a pipe write
		p.r.Close()
		p.w.Close()
		<-p.done
	})
	return nil
}

func (p *mockPort) generate() {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.SampleRate)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if p.isPaused() {
				continue
			}
			if err := p.writeChunked(p.nextFrame()); err != nil {
				return
			}
		}
	}
}

// writeChunked splits data into random pieces to mimic a radio link.
func (p *mockPort) writeChunked(data []byte) error {
	for len(data) > 0 {
		n := 1 + rand.Intn(len(data))
		if _, err := p.w.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (p *mockPort) nextFrame() []byte {
	p.elapsed += p.cfg.SampleRate
	p.step()

	v := p.voltage
	f := wireFrame{
		Seconds:  int(p.elapsed.Milliseconds()),
		Uric:     currentCode(p.withNoise(voltammogram(v, p.dir, 0.25, 30)), sample.UricGain),
		Ascorbic: currentCode(p.withNoise(voltammogram(v, p.dir, 0.05, 120)), sample.AscorbicGain),
		Glucose:  currentCode(p.withNoise(voltammogram(v, p.dir, 0.45, 2.5)), sample.GlucoseGain),
		Volt:     voltCode(v),
	}

	data, _ := json.Marshal(f)

	p.frames++
	if p.frames%noiseEvery == 0 {
		data = append([]byte("\r\nOK\r\n"), data...)
	}
	return data
}

// step advances the triangular sweep by one increment.
func (p *mockPort) step() {
	p.voltage += p.dir * p.cfg.SweepStep
	if p.voltage >= p.cfg.SweepHigh {
		p.voltage = p.cfg.SweepHigh
		p.dir = -1
	} else if p.voltage <= p.cfg.SweepLow {
		p.voltage = p.cfg.SweepLow
		p.dir = 1
	}
}

func (p *mockPort) withNoise(i float64) float64 {
	if p.cfg.NoiseLevel <= 0 {
		return i
	}
	return i * (1 + p.noise.Rand())
}

// voltammogram returns a simplified CV response: a capacitive offset that
// follows the sweep direction plus an oxidation peak on the forward sweep
// and a smaller reduction peak on the reverse sweep.
func voltammogram(v, dir, peakV, scale float64) float64 {
	capacitive := 0.1 * dir
	peak := math.Exp(-math.Pow((v-peakV)/0.08, 2))
	if dir < 0 {
		peak = -0.6 * math.Exp(-math.Pow((v-peakV+0.06)/0.08, 2))
	}
	return scale * (0.3*v + capacitive + peak) / 2
}

// currentCode is the inverse of sample.Current.
func currentCode(i, gain float64) int {
	return clampCode((i*gain + sample.RefVolt) * sample.ADCPerVolt)
}

// voltCode is the inverse of sample.SupplyVoltage.
func voltCode(v float64) int {
	return clampCode((sample.RefVolt - v) * sample.ADCPerVolt)
}

func clampCode(c float64) int {
	return int(math.Round(math.Max(0, math.Min(4095, c))))
}
