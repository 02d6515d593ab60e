// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Disconnect reasons.
const (
	ReasonUser  = "user"
	ReasonEOF   = "eof"
	ReasonError = "error"
)

// Metrics holds the collectors of one pipeline. All methods are safe on a
// nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	bytesRead      prometheus.Counter
	framesDecoded  prometheus.Counter
	framesDropped  prometheus.Counter
	samplesQueued  prometheus.Counter
	samplesDropped prometheus.Counter
	samplesDrained prometheus.Counter
	queueDepth     prometheus.Gauge
	connects       prometheus.Counter
	disconnects    *prometheus.CounterVec
	drainDuration  prometheus.Histogram
}

// New creates collectors registered on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cgm_stream_bytes_read_total",
			Help: "Bytes read from the sensor stream",
		}),
		framesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cgm_frames_decoded_total",
			Help: "Frames successfully decoded",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cgm_frames_dropped_total",
			Help: "Frames discarded because they failed to decode",
		}),
		samplesQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cgm_samples_queued_total",
			Help: "Filtered samples pushed to the pending queue",
		}),
		samplesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cgm_samples_dropped_total",
			Help: "Samples evicted from a full pending queue",
		}),
		samplesDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cgm_samples_drained_total",
			Help: "Samples moved from the pending queue into the caches",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cgm_pending_queue_depth",
			Help: "Samples waiting in the pending queue",
		}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cgm_session_connects_total",
			Help: "Successful connections to the sensor",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cgm_session_disconnects_total",
			Help: "Session terminations by reason",
		}, []string{"reason"}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cgm_drain_duration_seconds",
			Help:    "Time spent draining one batch",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),
	}

	m.registry.MustRegister(
		m.bytesRead,
		m.framesDecoded,
		m.framesDropped,
		m.samplesQueued,
		m.samplesDropped,
		m.samplesDrained,
		m.queueDepth,
		m.connects,
		m.disconnects,
		m.drainDuration,
	)

	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the collected metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) BytesRead(n int) {
	if m != nil {
		m.bytesRead.Add(float64(n))
	}
}

func (m *Metrics) FrameDecoded() {
	if m != nil {
		m.framesDecoded.Inc()
	}
}

func (m *Metrics) FrameDropped() {
	if m != nil {
		m.framesDropped.Inc()
	}
}

func (m *Metrics) SampleQueued() {
	if m != nil {
		m.samplesQueued.Inc()
	}
}

func (m *Metrics) SampleDropped() {
	if m != nil {
		m.samplesDropped.Inc()
	}
}

func (m *Metrics) SamplesDrained(n int) {
	if m != nil {
		m.samplesDrained.Add(float64(n))
	}
}

func (m *Metrics) QueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *Metrics) Connected() {
	if m != nil {
		m.connects.Inc()
	}
}

func (m *Metrics) Disconnected(reason string) {
	if m != nil {
		m.disconnects.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ObserveDrain(seconds float64) {
	if m != nil {
		m.drainDuration.Observe(seconds)
	}
}

// Snapshot is a point-in-time copy of the pipeline counters.
type Snapshot struct {
	BytesRead      float64            `json:"bytesRead"`
	FramesDecoded  float64            `json:"framesDecoded"`
	FramesDropped  float64            `json:"framesDropped"`
	SamplesQueued  float64            `json:"samplesQueued"`
	SamplesDropped float64            `json:"samplesDropped"`
	SamplesDrained float64            `json:"samplesDrained"`
	QueueDepth     float64            `json:"queueDepth"`
	Connects       float64            `json:"connects"`
	Disconnects    map[string]float64 `json:"disconnects"`
}

// Snapshot gathers the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{Disconnects: map[string]float64{}}
	if m == nil {
		return snap
	}

	families, err := m.registry.Gather()
	if err != nil {
		return snap
	}

	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			var v float64
			switch {
			case metric.GetCounter() != nil:
				v = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				v = metric.GetGauge().GetValue()
			default:
				continue
			}

			switch mf.GetName() {
			case "cgm_stream_bytes_read_total":
				snap.BytesRead = v
			case "cgm_frames_decoded_total":
				snap.FramesDecoded = v
			case "cgm_frames_dropped_total":
				snap.FramesDropped = v
			case "cgm_samples_queued_total":
				snap.SamplesQueued = v
			case "cgm_samples_dropped_total":
				snap.SamplesDropped = v
			case "cgm_samples_drained_total":
				snap.SamplesDrained = v
			case "cgm_pending_queue_depth":
				snap.QueueDepth = v
			case "cgm_session_connects_total":
				snap.Connects = v
			case "cgm_session_disconnects_total":
				for _, l := range metric.GetLabel() {
					if l.GetName() == "reason" {
						snap.Disconnects[l.GetValue()] = v
					}
				}
			}
		}
	}

	return snap
}
