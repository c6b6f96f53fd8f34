package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// aggregate holds the incrementally-maintained counters: totals,
// delivered, failed, dead-letter,
// circuit-breaker blocks, rate-limited count, retry count, plus
// average/peak delivery time. Guarded by the owning Tracker's mutex, not
// its own — these numbers only ever change alongside a trace transition.
type aggregate struct {
	total              int64
	delivered          int64
	failed             int64
	deadLetter         int64
	circuitBreakerBlks int64
	rateLimited        int64
	retries            int64

	totalDeliveryMillis int64 // sum, for the running average
	peakDeliveryMillis  int64
}

func (a *aggregate) deliveryRatePercent() float64 {
	if a.total == 0 {
		return 100
	}
	return float64(a.delivered) / float64(a.total) * 100
}

func (a *aggregate) failureRatePercent() float64 {
	if a.total == 0 {
		return 0
	}
	return float64(a.failed+a.deadLetter) / float64(a.total) * 100
}

func (a *aggregate) avgDeliveryMillis() float64 {
	if a.delivered == 0 {
		return 0
	}
	return float64(a.totalDeliveryMillis) / float64(a.delivered)
}

func (a *aggregate) recordDelivery(millis int64) {
	a.delivered++
	a.totalDeliveryMillis += millis
	if millis > a.peakDeliveryMillis {
		a.peakDeliveryMillis = millis
	}
}

// collectors bundles the prometheus.Registry and metric objects the
// Tracker updates alongside the in-memory aggregate. This package only
// builds and updates the collectors; serving the registry over HTTP is an
// external surface's job.
type collectors struct {
	registry       *prometheus.Registry
	totalCounter   prometheus.Counter
	delivered      prometheus.Counter
	failedCounter  prometheus.Counter
	deadLetter     prometheus.Counter
	breakerBlocks  prometheus.Counter
	rateLimited    prometheus.Counter
	retries        prometheus.Counter
	deliveryRate   prometheus.Gauge
	avgDeliveryMs  prometheus.Gauge
	peakDeliveryMs prometheus.Gauge
	activeTraces   prometheus.Gauge
}

func newCollectors() *collectors {
	reg := prometheus.NewRegistry()
	c := &collectors{
		registry: reg,
		totalCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventbridge_tracker_total", Help: "Total events admitted for tracking.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventbridge_tracker_delivered_total", Help: "Traces that reached Delivered.",
		}),
		failedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventbridge_tracker_failed_total", Help: "Traces that reached Failed.",
		}),
		deadLetter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventbridge_tracker_dead_letter_total", Help: "Traces that reached DeadLetter.",
		}),
		breakerBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventbridge_tracker_circuit_breaker_blocks_total", Help: "CircuitBreakerBlocked transitions observed.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventbridge_tracker_rate_limited_total", Help: "RateWaiting transitions observed.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventbridge_tracker_retries_total", Help: "Retrying transitions observed.",
		}),
		deliveryRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eventbridge_tracker_delivery_rate_percent", Help: "delivered / total * 100.",
		}),
		avgDeliveryMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eventbridge_tracker_avg_delivery_ms", Help: "Running average delivery time in milliseconds.",
		}),
		peakDeliveryMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eventbridge_tracker_peak_delivery_ms", Help: "Peak observed delivery time in milliseconds.",
		}),
		activeTraces: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eventbridge_tracker_active_traces", Help: "Traces not yet in a terminal state.",
		}),
	}
	reg.MustRegister(c.totalCounter, c.delivered, c.failedCounter, c.deadLetter,
		c.breakerBlocks, c.rateLimited, c.retries, c.deliveryRate, c.avgDeliveryMs,
		c.peakDeliveryMs, c.activeTraces)
	return c
}
