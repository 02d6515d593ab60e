// Package monitor drains filtered samples into bounded caches on a fixed
// cadence and derives CV cycle views from them.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/itohio/gocgm/pkg/config"
	"github.com/itohio/gocgm/pkg/cycle"
	"github.com/itohio/gocgm/pkg/metrics"
	"github.com/itohio/gocgm/pkg/sample"
)

// UpdateFunc receives each drained batch in arrival order.
type UpdateFunc func(batch []sample.Sample)

// View is the result of segmenting a voltage series.
type View struct {
	Series    string        `json:"series"`
	Segmented bool          `json:"segmented"` // false: Cycles holds one unsegmented line
	Cycles    []cycle.Cycle `json:"cycles"`
}

// Monitor owns the record history and the plot series. Only the drain
// mutates them; readers take snapshots.
type Monitor struct {
	queue   *Queue
	metrics *metrics.Metrics

	interval  time.Duration
	batchSize int
	cycleCfg  config.CycleConfig

	mu      sync.RWMutex
	history *History
	series  [numSeries]*Series

	callbacks []UpdateFunc
	cbMu      sync.RWMutex
}

// New creates a Monitor draining queue according to cfg.
func New(cfg *config.Config, queue *Queue, m *metrics.Metrics) *Monitor {
	mon := &Monitor{
		queue:     queue,
		metrics:   m,
		interval:  cfg.Drain.Interval,
		batchSize: cfg.Drain.BatchSize,
		cycleCfg:  cfg.Cycle,
		history:   NewHistory(cfg.Cache.MaxRecords),
	}
	mon.series[TimeGlucose] = NewWindowSeries(cfg.Cache.TimeWindowSeconds)
	mon.series[VoltUric] = NewCountSeries(cfg.Cache.MaxVoltPoints)
	mon.series[VoltAscorbic] = NewCountSeries(cfg.Cache.MaxVoltPoints)
	mon.series[VoltGlucose] = NewCountSeries(cfg.Cache.MaxVoltPoints)

	if mon.interval <= 0 {
		mon.interval = 50 * time.Millisecond
	}
	if mon.batchSize <= 0 {
		mon.batchSize = 50
	}

	return mon
}

// OnUpdate registers a callback invoked after every non-empty drain.
// The callback should return quickly; it runs on the drain goroutine.
func (m *Monitor) OnUpdate(cb UpdateFunc) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Run drains the queue every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Debug().Str("component", "monitor").Dur("interval", m.interval).Int("batch", m.batchSize).Msg("drain started")
	defer log.Debug().Str("component", "monitor").Msg("drain stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Drain()
		}
	}
}

// Drain moves up to one batch from the queue into the caches and notifies
// callbacks. Returns the number of samples drained.
func (m *Monitor) Drain() int {
	batch := m.queue.PopBatch(m.batchSize)
	if len(batch) == 0 {
		return 0
	}

	start := time.Now()

	m.mu.Lock()
	for _, s := range batch {
		m.history.Add(s)
		for k, series := range m.series {
			series.Add(SeriesKind(k).point(s))
		}
	}
	m.mu.Unlock()

	m.metrics.SamplesDrained(len(batch))
	m.metrics.ObserveDrain(time.Since(start).Seconds())

	m.notifyCallbacks(batch)
	return len(batch)
}

// Records returns up to the last n records (all when n <= 0).
func (m *Monitor) Records(n int) []sample.Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.history.Records(n)
}

// Series returns up to the last n points of a series (all when n <= 0).
func (m *Monitor) Series(kind SeriesKind, n int) []sample.Point {
	if kind < 0 || kind >= numSeries {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.series[kind].Points(n)
}

// Cycles segments the most recent points of a voltage series into sweeps.
// When no sweep qualifies the whole trace is returned as a single
// unsegmented line. Fewer than two points yield an empty view.
func (m *Monitor) Cycles(kind SeriesKind) (View, error) {
	if !kind.IsVoltage() {
		return View{}, fmt.Errorf("series %s is not plotted against voltage", kind)
	}

	points := m.Series(kind, m.cycleCfg.MaxPoints)
	view := View{Series: kind.String()}
	if len(points) < 2 {
		return view, nil
	}

	cycles := cycle.Segment(points, m.cycleCfg.Deadband, m.cycleCfg.MinPoints)
	if len(cycles) == 0 {
		view.Cycles = []cycle.Cycle{points}
		return view, nil
	}

	view.Segmented = true
	view.Cycles = cycles
	return view, nil
}

// Pending returns the queue length and how many samples it has dropped.
func (m *Monitor) Pending() (int, uint64) {
	return m.queue.Len(), m.queue.Dropped()
}

// Reset clears the history, the series and any pending samples.
func (m *Monitor) Reset() {
	m.queue.Clear()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.history.Clear()
	for _, s := range m.series {
		s.Clear()
	}
}

// notifyCallbacks invokes all registered callbacks without holding any locks.
func (m *Monitor) notifyCallbacks(batch []sample.Sample) {
	m.cbMu.RLock()
	callbacks := make([]UpdateFunc, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.cbMu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb(batch)
		}
	}
}
