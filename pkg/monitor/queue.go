package monitor

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/itohio/gocgm/pkg/metrics"
	"github.com/itohio/gocgm/pkg/sample"
)

// Queue is the pending queue between ingestion and the drain scheduler.
// The lock is held only while the slice is mutated.
type Queue struct {
	mu       sync.Mutex
	items    []sample.Sample
	capacity int
	dropped  uint64

	metrics *metrics.Metrics
}

// NewQueue creates a queue holding at most capacity samples; the oldest
// sample is evicted when a push would exceed it.
func NewQueue(capacity int, m *metrics.Metrics) *Queue {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Queue{
		items:    make([]sample.Sample, 0, min(capacity, 1024)),
		capacity: capacity,
		metrics:  m,
	}
}

// Push appends a sample.
func (q *Queue) Push(s sample.Sample) {
	q.mu.Lock()
	evicted := false
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		q.dropped++
		evicted = true
	}
	q.items = append(q.items, s)
	depth := len(q.items)
	dropped := q.dropped
	q.mu.Unlock()

	q.metrics.SampleQueued()
	q.metrics.QueueDepth(depth)
	if evicted {
		q.metrics.SampleDropped()
		// One warning per thousand drops
		if dropped%1000 == 1 {
			log.Warn().Str("component", "queue").Uint64("dropped", dropped).Msg("pending queue full, dropping oldest samples")
		}
	}
}

// PopBatch removes and returns up to limit samples in arrival order.
func (q *Queue) PopBatch(limit int) []sample.Sample {
	q.mu.Lock()
	n := min(limit, len(q.items))
	if n <= 0 {
		q.mu.Unlock()
		return nil
	}
	batch := make([]sample.Sample, n)
	copy(batch, q.items[:n])
	rest := copy(q.items, q.items[n:])
	q.items = q.items[:rest]
	q.mu.Unlock()

	q.metrics.QueueDepth(rest)
	return batch
}

// Len returns the number of pending samples.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the number of samples evicted because the queue was full.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Clear discards all pending samples.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = q.items[:0]
	q.mu.Unlock()

	q.metrics.QueueDepth(0)
}
