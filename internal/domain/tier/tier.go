// Package tier implements the tiered dispatcher: it selects among
// delivery tiers (fast in-process, durable queue, filesystem fallback)
// with health-aware failover, each tier behind its own retry engine and
// circuit breaker.
package tier

import (
	"context"
	"sync/atomic"
	"time"

	"eventbridge/internal/domain/event"
	"eventbridge/internal/errs"
	"eventbridge/internal/infra/logger"
	"eventbridge/internal/infra/retry"
)

// Name identifies one of the three ranked tiers.
type Name string

const (
	Direct             Name = "Direct"
	QueuedInternal     Name = "QueuedInternal"
	FilesystemFallback Name = "FilesystemFallback"
)

// FailoverReason is the closed set of concrete reason strings a cascade
// or a non-default selection records.
type FailoverReason string

const (
	ReasonRetryExhausted FailoverReason = "retry_exhausted"
	ReasonTimeout        FailoverReason = "timeout"
	ReasonBreakerOpen    FailoverReason = "breaker_open"
	ReasonUnhealthy      FailoverReason = "unhealthy"
)

// Sender is what each tier adapts a concrete delivery path to: Direct
// calls the transport inline, QueuedInternal hands off to the persistent
// queue, FilesystemFallback writes a handoff file.
type Sender interface {
	Send(ctx context.Context, ev *event.Event, chatID string) (remoteMessageID string, err error)
}

// Prober is optionally implemented by a Sender to support cheap
// background health checks that never send real events. Tiers without a
// meaningful probe (e.g. the filesystem fallback, whose only failure mode
// is disk-full) can skip it.
type Prober interface {
	Probe(ctx context.Context) error
}

// TierConfig configures one tier's timeout, breaker thresholds, and
// selection weight.
type TierConfig struct {
	Name    Name
	Enabled bool
	Weight  int
	Timeout time.Duration
	Retry   retry.Config
}

// DefaultConfigs returns the three tiers' defaults: 100ms direct, 500ms
// queued, 5s filesystem.
func DefaultConfigs() []TierConfig {
	base := retry.DefaultConfig()
	return []TierConfig{
		{Name: Direct, Enabled: true, Weight: 3, Timeout: 100 * time.Millisecond, Retry: base},
		{Name: QueuedInternal, Enabled: true, Weight: 2, Timeout: 500 * time.Millisecond, Retry: base},
		{Name: FilesystemFallback, Enabled: true, Weight: 1, Timeout: 5 * time.Second, Retry: base},
	}
}

// FailoverEvent is emitted whenever the chosen tier isn't the
// highest-priority available one, or a cascade occurs.
type FailoverEvent struct {
	CorrelationID string
	FromTier      Name
	ToTier        Name
	Reason        FailoverReason
}

// FailoverFunc receives every FailoverEvent the dispatcher emits; the
// composition root (internal/app) logs each one as a warning.
type FailoverFunc func(FailoverEvent)

// Result is what Dispatch returns.
type Result struct {
	Delivered       bool
	RemoteMessageID string
	TierUsed        Name
	Reason          string // set when !Delivered
	// BreakerBlocked means no send was even attempted because every tier
	// was unavailable (breaker open / unhealthy / disabled); the Handler
	// Chain maps this to CircuitBreakerBlocked -> DeadLetter.
	BreakerBlocked bool
}

// RetryNotifyFunc observes each intra-tier retry attempt; the composition
// root (internal/app) wires this to Tracker.Update(corr, Retrying(n)).
type RetryNotifyFunc func(correlationID string, attempt int)

type tierEntry struct {
	cfg     TierConfig
	sender  Sender
	engine  *retry.Engine
	health  *Health
	conns   int64
}

// Dispatcher ranks and drives the delivery tiers. Safe for concurrent use.
type Dispatcher struct {
	entries    []*tierEntry
	strategy   Strategy
	healthdb   *HealthStore
	onFailover FailoverFunc
	onRetry    RetryNotifyFunc
}

// New constructs a Dispatcher over tiers in priority order (index 0 =
// fastest/least durable). healthdb may be nil to skip snapshot
// persistence.
func New(tiers []TierConfig, senders map[Name]Sender, strategy Strategy, healthdb *HealthStore, onFailover FailoverFunc) *Dispatcher {
	if strategy == nil {
		strategy = PerformanceBased()
	}
	if onFailover == nil {
		onFailover = func(FailoverEvent) {}
	}
	entries := make([]*tierEntry, 0, len(tiers))
	for _, cfg := range tiers {
		sender := senders[cfg.Name]
		if sender == nil {
			continue
		}
		engine := retry.New(string(cfg.Name), cfg.Retry)
		health := newHealth(engine)
		if healthdb != nil {
			if snap, ok, _ := healthdb.Load(string(cfg.Name)); ok {
				health.healthy = snap.Healthy
				health.successRate = snap.SuccessRate
				health.lastCheck = snap.LastCheck
			}
		}
		entries = append(entries, &tierEntry{cfg: cfg, sender: sender, engine: engine, health: health})
	}
	return &Dispatcher{entries: entries, strategy: strategy, healthdb: healthdb, onFailover: onFailover}
}

// SetRetryNotifier wires an observer for per-attempt retry reporting; call
// once at assembly time, before the dispatcher starts serving.
func (d *Dispatcher) SetRetryNotifier(f RetryNotifyFunc) { d.onRetry = f }

// Dispatch selects a tier, attempts it behind the retry engine, and
// cascades to the next available tier on failure. The dispatcher never
// blocks on an unhealthy tier; unavailable tiers are skipped without an
// attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, correlationID string, ev *event.Event, chatID string) Result {
	candidates := d.availableEntries()
	if len(candidates) == 0 {
		return Result{Delivered: false, Reason: "no tiers available", BreakerBlocked: true}
	}

	highestPriority := candidates[0].cfg.Name

	// The strategy picks the first tier only; after a failure the cascade
	// takes the remaining candidates in priority order.
	first := true
	for len(candidates) > 0 {
		idx := 0
		if first {
			idx = d.strategy(toStates(candidates))
			if idx < 0 {
				break
			}
			first = false
		}
		entry := candidates[idx]

		if entry.cfg.Name != highestPriority {
			d.onFailover(FailoverEvent{CorrelationID: correlationID, FromTier: highestPriority, ToTier: entry.cfg.Name, Reason: ReasonUnhealthy})
		}

		remoteID, reason, ok := d.attempt(ctx, entry, correlationID, ev, chatID)
		if ok {
			return Result{Delivered: true, RemoteMessageID: remoteID, TierUsed: entry.cfg.Name}
		}

		candidates = removeEntry(candidates, entry)
		if len(candidates) > 0 {
			d.onFailover(FailoverEvent{CorrelationID: correlationID, FromTier: entry.cfg.Name, ToTier: candidates[0].cfg.Name, Reason: reason})
			// The cascade already announced the move; don't re-report the
			// next pick as a non-default selection too.
			highestPriority = candidates[0].cfg.Name
		}
	}

	return Result{Delivered: false, Reason: "all tiers exhausted"}
}

// attempt runs one tier's send behind its timeout and circuit breaker,
// updating health and (if configured) persisting the snapshot.
func (d *Dispatcher) attempt(ctx context.Context, entry *tierEntry, correlationID string, ev *event.Event, chatID string) (remoteID string, reason FailoverReason, ok bool) {
	tierCtx, cancel := context.WithTimeout(ctx, entry.cfg.Timeout)
	defer cancel()

	atomic.AddInt64(&entry.conns, 1)
	defer atomic.AddInt64(&entry.conns, -1)

	var notify func(int)
	if d.onRetry != nil {
		notify = func(attempt int) { d.onRetry(correlationID, attempt) }
	}

	start := time.Now()
	err := entry.engine.ExecuteNotify(tierCtx, func(ctx context.Context) error {
		id, sendErr := entry.sender.Send(ctx, ev, chatID)
		remoteID = id
		return sendErr
	}, notify)
	elapsed := time.Since(start)

	success := err == nil
	entry.health.recordAttempt(success, elapsed, time.Now())
	d.persist(entry)

	if success {
		return remoteID, "", true
	}

	switch errs.Classify(err) {
	case errs.CircuitBreakerOpen:
		return "", ReasonBreakerOpen, false
	case errs.RetryExhausted:
		return "", ReasonRetryExhausted, false
	default:
		if tierCtx.Err() != nil {
			return "", ReasonTimeout, false
		}
		return "", ReasonUnhealthy, false
	}
}

func (d *Dispatcher) persist(entry *tierEntry) {
	if d.healthdb == nil {
		return
	}
	if err := d.healthdb.Save(string(entry.cfg.Name), entry.health.snapshot()); err != nil {
		logger.Warnf("tier: persist health for %s failed: %v", entry.cfg.Name, err)
	}
}

// availableEntries returns entries whose tier is enabled, breaker-closed,
// and healthy, in configured priority order.
func (d *Dispatcher) availableEntries() []*tierEntry {
	out := make([]*tierEntry, 0, len(d.entries))
	for _, e := range d.entries {
		if e.health.available(e.cfg.Enabled) {
			out = append(out, e)
		}
	}
	return out
}

// RunProbes pings every enabled tier's Prober (if implemented) and folds
// the result into its health.
func (d *Dispatcher) RunProbes(ctx context.Context) {
	for _, e := range d.entries {
		prober, ok := e.sender.(Prober)
		if !ok || !e.cfg.Enabled {
			continue
		}
		err := prober.Probe(ctx)
		e.health.recordProbe(err == nil, time.Now())
		d.persist(e)
	}
}

// StartProbing launches a ticker-driven RunProbes loop until ctx is done.
func (d *Dispatcher) StartProbing(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.RunProbes(ctx)
			}
		}
	}()
}

// Health returns a snapshot of every configured tier's health, keyed by
// name, for the out-of-scope /health surface to eventually serve.
func (d *Dispatcher) Health() map[Name]Snapshot {
	out := make(map[Name]Snapshot, len(d.entries))
	for _, e := range d.entries {
		out[e.cfg.Name] = e.health.snapshot()
	}
	return out
}

func toStates(entries []*tierEntry) []*state {
	out := make([]*state, len(entries))
	for i, e := range entries {
		out[i] = &state{name: string(e.cfg.Name), weight: e.cfg.Weight, health: e.health, conns: &e.conns}
	}
	return out
}

func removeEntry(entries []*tierEntry, target *tierEntry) []*tierEntry {
	out := make([]*tierEntry, 0, len(entries)-1)
	for _, e := range entries {
		if e != target {
			out = append(out, e)
		}
	}
	return out
}

