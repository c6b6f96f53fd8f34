package ratelimit

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time read of the limiter's counters.
type Snapshot struct {
	Requests          int64
	Throttled         int64
	AvgProcessingTime time.Duration
}

// Metrics tracks request/throttle counts and a running-mean processing
// time, so the dashboard can show average admission cost without this
// package keeping a sample history.
type Metrics struct {
	mu        sync.Mutex
	requests  int64
	throttled int64
	meanNanos float64
}

func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) observe(d time.Duration, allowed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests++
	if !allowed && err == nil {
		m.throttled++
	}
	// Incremental running mean: mean += (x - mean) / n, avoids storing a
	// growing sample slice.
	m.meanNanos += (float64(d.Nanoseconds()) - m.meanNanos) / float64(m.requests)
}

func (m *Metrics) snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Requests:          m.requests,
		Throttled:         m.throttled,
		AvgProcessingTime: time.Duration(m.meanNanos),
	}
}
