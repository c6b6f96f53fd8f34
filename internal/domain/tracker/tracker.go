package tracker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"eventbridge/internal/domain/event"
	"eventbridge/internal/infra/logger"
)

// Config bundles the Tracker's capacity and sampling knobs.
type Config struct {
	// ActiveLimit bounds live traces; admitting past it evicts the oldest
	// non-terminal trace as Failed("capacity").
	ActiveLimit int
	// CompletedRing is how many terminal traces are kept for dashboard
	// history.
	CompletedRing int
	// SnapshotMinInterval is the sampling floor for the expensive Snapshot
	// read: calls arriving sooner than this after the previous full
	// computation are served the cached snapshot, keeping instrumentation
	// overhead inside the monitoring budget.
	SnapshotMinInterval time.Duration
	// Thresholds drive alert synthesis on snapshot.
	Thresholds AlertThresholds
}

// DefaultConfig: 1000 active traces, a 100-entry completed ring.
func DefaultConfig() Config {
	return Config{
		ActiveLimit:         1000,
		CompletedRing:       100,
		SnapshotMinInterval: time.Second,
		Thresholds:          DefaultAlertThresholds(),
	}
}

// Snapshot is the dashboard view synthesized from the aggregate counters
// plus alerts.
type Snapshot struct {
	Total                int64
	Delivered            int64
	Failed               int64
	DeadLetter           int64
	CircuitBreakerBlocks int64
	RateLimited          int64
	Retries              int64
	Active               int
	QueueDepth           int

	DeliveryRatePercent float64
	FailureRatePercent  float64
	AvgDeliveryMillis   float64
	PeakDeliveryMillis  int64

	Alerts      []Alert
	GeneratedAt time.Time
}

// Tracker exclusively owns Trace storage; other components hand it
// correlation ids and status updates, never Trace pointers. Safe for
// concurrent use: writes to a given trace come from the single admitting
// task, snapshots take a shared lock.
type Tracker struct {
	cfg Config

	mu         sync.RWMutex
	active     map[string]*Trace
	admitOrder []string // correlation ids in admit order, for capacity eviction
	completed  []*Trace // ring buffer of terminal traces
	nextRing   int
	agg        aggregate

	snapMu   sync.Mutex
	lastSnap Snapshot
	snapAt   time.Time

	col *collectors

	// queueDepth is consulted at snapshot time for the depth alert; nil
	// means "unknown", reported as zero.
	queueDepth func() int

	now func() time.Time
}

// New constructs a Tracker with its own prometheus registry.
func New(cfg Config) *Tracker {
	if cfg.ActiveLimit <= 0 {
		cfg.ActiveLimit = 1000
	}
	if cfg.CompletedRing <= 0 {
		cfg.CompletedRing = 100
	}
	return &Tracker{
		cfg:       cfg,
		active:    make(map[string]*Trace),
		completed: make([]*Trace, 0, cfg.CompletedRing),
		col:       newCollectors(),
		now:       time.Now,
	}
}

// SetQueueDepthFunc wires the Persistent Queue's pending-count reader in
// for the queue-depth alert; called once at assembly time.
func (t *Tracker) SetQueueDepthFunc(f func() int) {
	t.mu.Lock()
	t.queueDepth = f
	t.mu.Unlock()
}

// Registry exposes the prometheus collectors for the out-of-scope /metrics
// surface to serve.
func (t *Tracker) Registry() *prometheus.Registry { return t.col.registry }

// Start mints a correlation id (distinct from the event id), admits a
// Queued trace, and evicts the oldest non-terminal trace if the active
// set is at capacity.
func (t *Tracker) Start(ev *event.Event, chatID string) string {
	corr := uuid.NewString()
	now := t.now()

	t.mu.Lock()
	if len(t.active) >= t.cfg.ActiveLimit {
		t.evictOldestLocked(now)
	}
	t.active[corr] = newTrace(corr, ev.ID, chatID, now)
	t.admitOrder = append(t.admitOrder, corr)
	// admitOrder keeps ids of already-terminal traces until compacted;
	// bound it so a long-running process doesn't accumulate one string per
	// admit ever made.
	if len(t.admitOrder) > 2*t.cfg.ActiveLimit {
		t.compactAdmitOrderLocked()
	}
	t.agg.total++
	t.mu.Unlock()

	t.col.totalCounter.Inc()
	t.col.activeTraces.Inc()
	return corr
}

// evictOldestLocked drops the oldest non-terminal trace as
// Failed("capacity"). Caller holds t.mu.
func (t *Tracker) evictOldestLocked(now time.Time) {
	for i, corr := range t.admitOrder {
		tr, ok := t.active[corr]
		if !ok {
			continue
		}
		t.admitOrder = t.admitOrder[i+1:]
		logger.Warnf("tracker: active trace capacity reached, evicting %s", corr)
		t.terminateLocked(tr, Failed("capacity"), now)
		return
	}
	t.admitOrder = t.admitOrder[:0]
}

// compactAdmitOrderLocked drops ids whose trace already completed,
// preserving admit order for the rest. Caller holds t.mu.
func (t *Tracker) compactAdmitOrderLocked() {
	kept := t.admitOrder[:0]
	for _, corr := range t.admitOrder {
		if _, ok := t.active[corr]; ok {
			kept = append(kept, corr)
		}
	}
	t.admitOrder = kept
}

// Update appends one status transition. Updates on unknown or
// already-terminal correlations are dropped with a log line rather than
// an error: the admitting task may legitimately race an eviction.
func (t *Tracker) Update(corr string, u StatusUpdate) {
	now := t.now()

	t.mu.Lock()
	tr, ok := t.active[corr]
	if !ok {
		t.mu.Unlock()
		logger.Debugf("tracker: update for unknown correlation %s dropped", corr)
		return
	}

	if u.Status.Terminal() {
		t.terminateLocked(tr, u, now)
		t.mu.Unlock()
		return
	}

	tr.apply(u, now)
	switch u.Status {
	case StatusRateWaiting:
		t.agg.rateLimited++
		t.col.rateLimited.Inc()
	case StatusRetrying:
		t.agg.retries++
		t.col.retries.Inc()
	case StatusCircuitBreakerBlocked:
		t.agg.circuitBreakerBlks++
		t.col.breakerBlocks.Inc()
	}
	t.mu.Unlock()
}

// terminateLocked applies a terminal status, folds the outcome into the
// aggregate, and moves the trace to the completed ring. Caller holds t.mu.
func (t *Tracker) terminateLocked(tr *Trace, u StatusUpdate, now time.Time) {
	tr.apply(u, now)
	delete(t.active, tr.CorrelationID)
	t.col.activeTraces.Dec()

	switch u.Status {
	case StatusDelivered:
		millis := now.Sub(tr.CreatedAt).Milliseconds()
		t.agg.recordDelivery(millis)
		t.col.delivered.Inc()
		t.col.avgDeliveryMs.Set(t.agg.avgDeliveryMillis())
		t.col.peakDeliveryMs.Set(float64(t.agg.peakDeliveryMillis))
	case StatusFailed:
		t.agg.failed++
		t.col.failedCounter.Inc()
	case StatusDeadLetter:
		t.agg.deadLetter++
		t.col.deadLetter.Inc()
	}
	t.col.deliveryRate.Set(t.agg.deliveryRatePercent())

	if len(t.completed) < t.cfg.CompletedRing {
		t.completed = append(t.completed, tr)
		return
	}
	t.completed[t.nextRing] = tr
	t.nextRing = (t.nextRing + 1) % t.cfg.CompletedRing
}

// AddError appends err to the trace's error list.
func (t *Tracker) AddError(corr string, err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	if tr, ok := t.active[corr]; ok {
		tr.Errors = append(tr.Errors, err.Error())
		tr.UpdatedAt = t.now()
	}
	t.mu.Unlock()
}

// AddWait records one rate-limit wait duration on the trace.
func (t *Tracker) AddWait(corr string, d time.Duration) {
	t.mu.Lock()
	if tr, ok := t.active[corr]; ok {
		tr.Waits = append(tr.Waits, d)
		tr.UpdatedAt = t.now()
	}
	t.mu.Unlock()
}

// Get looks a trace up, checking the active set first and the completed
// ring second. The returned Trace is a copy.
func (t *Tracker) Get(corr string) *Trace {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if tr, ok := t.active[corr]; ok {
		return tr.clone()
	}
	for _, tr := range t.completed {
		if tr != nil && tr.CorrelationID == corr {
			return tr.clone()
		}
	}
	return nil
}

// Completed returns the terminal-trace history ring, oldest first, for
// dashboard rendering.
func (t *Tracker) Completed() []*Trace {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Trace, 0, len(t.completed))
	for i := 0; i < len(t.completed); i++ {
		idx := i
		if len(t.completed) == t.cfg.CompletedRing {
			idx = (t.nextRing + i) % t.cfg.CompletedRing
		}
		if tr := t.completed[idx]; tr != nil {
			out = append(out, tr.clone())
		}
	}
	return out
}

// Snapshot renders the dashboard view. The full computation (aggregate
// copy + alert synthesis + queue-depth read) is sampled: calls within
// SnapshotMinInterval of the last one get the cached result, which keeps
// monitoring overhead small under a polling dashboard.
func (t *Tracker) Snapshot() Snapshot {
	t.snapMu.Lock()
	defer t.snapMu.Unlock()

	now := t.now()
	if t.cfg.SnapshotMinInterval > 0 && !t.snapAt.IsZero() && now.Sub(t.snapAt) < t.cfg.SnapshotMinInterval {
		return t.lastSnap
	}

	t.mu.RLock()
	snap := Snapshot{
		Total:                t.agg.total,
		Delivered:            t.agg.delivered,
		Failed:               t.agg.failed,
		DeadLetter:           t.agg.deadLetter,
		CircuitBreakerBlocks: t.agg.circuitBreakerBlks,
		RateLimited:          t.agg.rateLimited,
		Retries:              t.agg.retries,
		Active:               len(t.active),
		DeliveryRatePercent:  t.agg.deliveryRatePercent(),
		FailureRatePercent:   t.agg.failureRatePercent(),
		AvgDeliveryMillis:    t.agg.avgDeliveryMillis(),
		PeakDeliveryMillis:   t.agg.peakDeliveryMillis,
		GeneratedAt:          now,
	}
	depthFn := t.queueDepth
	t.mu.RUnlock()

	if depthFn != nil {
		snap.QueueDepth = depthFn()
	}
	snap.Alerts = synthesize(snap, t.cfg.Thresholds, snap.QueueDepth)

	t.lastSnap = snap
	t.snapAt = now
	return snap
}
