package tier

import (
	"sync"
	"time"

	"eventbridge/internal/infra/retry"
)

// healthEWMAAlpha is the EWMA smoothing factor for the rolling success
// rate.
const healthEWMAAlpha = 0.1

// Health is one tier's rolling health state, owned by the dispatcher.
// One instance per tier, updated after every attempt and by the
// background prober.
type Health struct {
	mu sync.Mutex

	healthy             bool
	lastCheck           time.Time
	successRate         float64
	consecutiveFailures int
	lastResponseTime    time.Duration
	breaker             *retry.Engine
}

// newHealth starts a tier healthy with a perfect rolling success rate,
// matching the optimistic-until-proven-otherwise posture a freshly started
// process should take (no prior attempts to judge it by).
func newHealth(breaker *retry.Engine) *Health {
	return &Health{
		healthy:     true,
		successRate: 1.0,
		breaker:     breaker,
	}
}

// recordAttempt folds one send attempt's outcome into the rolling health
// state.
func (h *Health) recordAttempt(success bool, responseTime time.Duration, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sample := 0.0
	if success {
		sample = 1.0
		h.consecutiveFailures = 0
	} else {
		h.consecutiveFailures++
	}
	h.successRate = healthEWMAAlpha*sample + (1-healthEWMAAlpha)*h.successRate
	h.lastResponseTime = responseTime
	h.lastCheck = now
	h.healthy = h.successRate >= minHealthySuccessRate
}

// minHealthySuccessRate is the threshold below which the probe/recorder
// marks a tier unhealthy even if its breaker is still closed — the
// breaker trips on consecutive failures, this on a sustained low rate.
const minHealthySuccessRate = 0.5

// recordProbe folds a background health-check ping's result into the
// same rolling state.
func (h *Health) recordProbe(ok bool, now time.Time) {
	h.recordAttempt(ok, 0, now)
}

// Snapshot is the read-only view exposed to the selection strategies and
// to an external health dashboard.
type Snapshot struct {
	Healthy             bool
	LastCheck           time.Time
	SuccessRate         float64
	ConsecutiveFailures int
	LastResponseTime    time.Duration
	BreakerState        string
}

func (h *Health) snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Snapshot{
		Healthy:             h.healthy,
		LastCheck:           h.lastCheck,
		SuccessRate:         h.successRate,
		ConsecutiveFailures: h.consecutiveFailures,
		LastResponseTime:    h.lastResponseTime,
		BreakerState:        breakerStateName(h.breaker),
	}
}

// breakerStateName renders gobreaker's State via its own String method
// (closed/half-open/open) rather than re-encoding the enum here.
func breakerStateName(e *retry.Engine) string {
	return e.State().String()
}

// available reports whether this tier may be tried right now: enabled,
// breaker not open, and healthy.
func (h *Health) available(enabled bool) bool {
	if !enabled {
		return false
	}
	snap := h.snapshot()
	return snap.Healthy && snap.BreakerState != "open"
}
