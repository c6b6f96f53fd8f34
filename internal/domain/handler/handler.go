// Package handler orchestrates one admitted event through the delivery
// pipeline: rate limiter, then deduplicator, then tier dispatcher, with
// every transition reported to the Tracker. One struct holds the injected
// domain services; dedup is consulted before the expensive send.
package handler

import (
	"context"
	"errors"
	"time"

	"eventbridge/internal/domain/dedup"
	"eventbridge/internal/domain/event"
	"eventbridge/internal/domain/tier"
	"eventbridge/internal/domain/tracker"
	"eventbridge/internal/errs"
	"eventbridge/internal/infra/logger"
)

// RateLimiter is the rate-limiter surface the chain consumes.
type RateLimiter interface {
	Check(ctx context.Context, chatID string) (bool, error)
	Wait(ctx context.Context, chatID string, timeout time.Duration) (allowed, timedOut bool, err error)
}

// Deduper is the deduplicator surface the chain consumes.
type Deduper interface {
	Check(ctx context.Context, ev *event.Event, chatID string) (dedup.Result, error)
}

// Dispatcher is the tier-dispatch surface the chain consumes.
type Dispatcher interface {
	Dispatch(ctx context.Context, correlationID string, ev *event.Event, chatID string) tier.Result
}

// DeadLetterRecorder persists events that never made it through any
// tier, so a breaker-blocked admission still leaves a durable dead-letter
// row for manual inspection. The persistent queue provides this.
type DeadLetterRecorder interface {
	RecordDeadLetter(ctx context.Context, ev *event.Event, chatID, reason string) (string, error)
}

// Config bundles the chain's own knobs; everything tier- or
// retry-specific lives with those components.
type Config struct {
	// RateWaitTimeout bounds the blocking wait once Check denies.
	RateWaitTimeout time.Duration
	// EventTimeout bounds total handler duration for one event.
	EventTimeout time.Duration
	// SimilarityBypass, when set, lets Similar dedup results proceed to
	// delivery instead of short-circuiting like Duplicates.
	SimilarityBypass bool
}

// DefaultConfig: 5s rate wait, 10s overall per-event budget.
func DefaultConfig() Config {
	return Config{
		RateWaitTimeout: 5 * time.Second,
		EventTimeout:    10 * time.Second,
	}
}

// Result reports one admitted event's terminal outcome alongside its
// correlation id, for callers (the inbox adapter, tests) that want more
// than the Tracker's async view.
type Result struct {
	CorrelationID   string
	Status          tracker.Status
	RemoteMessageID string
	TierUsed        tier.Name
	Reason          string
	// Duplicate marks the idempotent short-circuit: reported Delivered
	// with no transport call and no remote message id.
	Duplicate bool
}

// Chain runs admitted events through the pipeline. One instance serves
// every admitted event; all state lives in the injected components.
type Chain struct {
	cfg        Config
	tracker    *tracker.Tracker
	limiter    RateLimiter
	dedup      Deduper
	dispatcher Dispatcher
	deadLetter DeadLetterRecorder // optional
}

// New assembles the chain. deadLetter may be nil when no durable store is
// configured (breaker-blocked admissions then only surface via the trace).
func New(cfg Config, tr *tracker.Tracker, limiter RateLimiter, deduper Deduper, dispatcher Dispatcher, deadLetter DeadLetterRecorder) *Chain {
	if cfg.RateWaitTimeout <= 0 {
		cfg.RateWaitTimeout = 5 * time.Second
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = 10 * time.Second
	}
	return &Chain{
		cfg:        cfg,
		tracker:    tr,
		limiter:    limiter,
		dedup:      deduper,
		dispatcher: dispatcher,
		deadLetter: deadLetter,
	}
}

// Handle runs one event through the admission sequence. The returned error is
// non-nil only for events rejected before admission (validation); once a
// trace exists, failures are reported through Result.Status instead.
func (c *Chain) Handle(ctx context.Context, ev *event.Event, chatID string) (Result, error) {
	if err := ev.Validate(); err != nil {
		return Result{}, errs.New(errs.InvalidRequest, err)
	}

	corr := c.tracker.Start(ev, chatID)
	ctx, cancel := context.WithTimeout(ctx, c.cfg.EventTimeout)
	defer cancel()

	if res, done := c.admitThroughRateLimit(ctx, corr, chatID); done {
		return res, nil
	}
	if res, done := c.shortCircuitDuplicates(ctx, corr, ev, chatID); done {
		return res, nil
	}
	return c.dispatch(ctx, corr, ev, chatID), nil
}

// admitThroughRateLimit runs a fast Check, then a bounded Wait when
// denied. Returns done=true when the trace reached a terminal state here.
func (c *Chain) admitThroughRateLimit(ctx context.Context, corr, chatID string) (Result, bool) {
	c.tracker.Update(corr, tracker.Plain(tracker.StatusRateChecking))

	allowed, err := c.limiter.Check(ctx, chatID)
	if err != nil {
		// Limiter backend failure (shared store unreachable): fail open.
		// Denying every delivery because the bucket store is down would
		// invert the availability goal; the error still lands in the trace.
		c.tracker.AddError(corr, err)
		logger.Warnf("handler: rate check failed open for chat %s: %v", chatID, errs.Classify(err))
		return Result{}, false
	}
	if allowed {
		return Result{}, false
	}

	c.tracker.Update(corr, tracker.Plain(tracker.StatusRateWaiting))
	start := time.Now()
	_, timedOut, err := c.limiter.Wait(ctx, chatID, c.cfg.RateWaitTimeout)
	c.tracker.AddWait(corr, time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return c.terminateByContext(ctx, corr), true
		}
		c.tracker.AddError(corr, err)
		logger.Warnf("handler: rate wait failed open for chat %s: %v", chatID, errs.Classify(err))
		return Result{}, false
	}
	if timedOut {
		c.tracker.Update(corr, tracker.Failed("rate-limit-timeout"))
		return Result{CorrelationID: corr, Status: tracker.StatusFailed, Reason: "rate-limit-timeout"}, true
	}
	return Result{}, false
}

// shortCircuitDuplicates consults the deduplicator: Duplicate (and
// Similar, unless bypassed) admissions terminate Delivered without a
// transport call; dedup errors fail open.
func (c *Chain) shortCircuitDuplicates(ctx context.Context, corr string, ev *event.Event, chatID string) (Result, bool) {
	res, err := c.dedup.Check(ctx, ev, chatID)
	if err != nil {
		c.tracker.AddError(corr, err)
		logger.Warnf("handler: dedup check failed open for event %s: %v", ev.ID, errs.Classify(err))
		return Result{}, false
	}

	switch res.Outcome {
	case dedup.Duplicate:
		c.tracker.Update(corr, tracker.Plain(tracker.StatusDelivered))
		return Result{CorrelationID: corr, Status: tracker.StatusDelivered, Duplicate: true}, true
	case dedup.Similar:
		if !c.cfg.SimilarityBypass {
			logger.Debugf("handler: event %s similar to %s (score %.3f), suppressed", ev.ID, res.MatchedFingerprint, res.Score)
			c.tracker.Update(corr, tracker.Plain(tracker.StatusDelivered))
			return Result{CorrelationID: corr, Status: tracker.StatusDelivered, Duplicate: true}, true
		}
	}
	return Result{}, false
}

// dispatch hands off to the tier dispatcher and maps its outcome to a
// terminal trace status.
func (c *Chain) dispatch(ctx context.Context, corr string, ev *event.Event, chatID string) Result {
	if ctx.Err() != nil {
		return c.terminateByContext(ctx, corr)
	}

	c.tracker.Update(corr, tracker.Plain(tracker.StatusSending))
	dres := c.dispatcher.Dispatch(ctx, corr, ev, chatID)

	switch {
	case dres.Delivered:
		c.tracker.Update(corr, tracker.Plain(tracker.StatusDelivered))
		return Result{
			CorrelationID:   corr,
			Status:          tracker.StatusDelivered,
			RemoteMessageID: dres.RemoteMessageID,
			TierUsed:        dres.TierUsed,
		}

	case dres.BreakerBlocked:
		// Every tier rejected without an attempt: record the block, leave a
		// durable dead-letter row, and terminate the trace as DeadLetter.
		c.tracker.Update(corr, tracker.Plain(tracker.StatusCircuitBreakerBlocked))
		if c.deadLetter != nil {
			if _, err := c.deadLetter.RecordDeadLetter(ctx, ev, chatID, dres.Reason); err != nil {
				c.tracker.AddError(corr, err)
				logger.Errorf("handler: dead-letter record for %s failed: %v", ev.ID, errs.Classify(err))
			}
		}
		c.tracker.Update(corr, tracker.Plain(tracker.StatusDeadLetter))
		return Result{CorrelationID: corr, Status: tracker.StatusDeadLetter, Reason: dres.Reason}

	case ctx.Err() != nil:
		return c.terminateByContext(ctx, corr)

	default:
		c.tracker.Update(corr, tracker.Failed(dres.Reason))
		return Result{CorrelationID: corr, Status: tracker.StatusFailed, Reason: dres.Reason}
	}
}

// terminateByContext maps an expired handler context onto its reason:
// external cancellation vs. the overall event timeout.
func (c *Chain) terminateByContext(ctx context.Context, corr string) Result {
	reason := "timeout"
	if errors.Is(ctx.Err(), context.Canceled) {
		reason = "cancelled"
	}
	c.tracker.Update(corr, tracker.Failed(reason))
	return Result{CorrelationID: corr, Status: tracker.StatusFailed, Reason: reason}
}
