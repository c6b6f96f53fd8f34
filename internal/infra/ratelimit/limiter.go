// Package ratelimit implements a dual global+per-chat token bucket rate
// limiter with interchangeable in-memory and shared-store backends: a
// pure admission-check backend (Backend) wrapped by a thin orchestration
// layer (Limiter). Retrying a denied send belongs to the retry engine,
// not here; this package only answers whether a send may proceed right
// now.
package ratelimit

import (
	"context"
	"time"
)

// Backend is the interchangeable admission-check implementation:
// in-memory (single process) or shared-store (horizontal scale). Allow must consume a token from both the global and the
// chat-scoped bucket atomically with respect to each other — a denied
// request must not consume from either bucket.
type Backend interface {
	// Allow reports whether a send to chatID may proceed right now,
	// consuming one token from both buckets if and only if both yield one.
	Allow(ctx context.Context, chatID string) (bool, error)
}

// Limiter is the rate limiter's public contract: check and wait, backed
// by a pluggable Backend plus request/throttle Metrics.
type Limiter struct {
	backend Backend
	metrics *Metrics
}

// New wraps backend with request/throttle metrics tracking.
func New(backend Backend) *Limiter {
	return &Limiter{backend: backend, metrics: NewMetrics()}
}

// Check implements `check(chat_id) -> {allowed, denied}`.
func (l *Limiter) Check(ctx context.Context, chatID string) (allowed bool, err error) {
	start := time.Now()
	defer func() { l.metrics.observe(time.Since(start), allowed, err) }()

	allowed, err = l.backend.Allow(ctx, chatID)
	return allowed, err
}

// Wait implements `wait(chat_id, timeout) -> {allowed, timed_out}`: polls
// Check until it succeeds, ctx is done, or timeout elapses, backing off
// briefly between polls so a denied caller doesn't spin the CPU.
func (l *Limiter) Wait(ctx context.Context, chatID string, timeout time.Duration) (allowed bool, timedOut bool, err error) {
	deadline := time.Now().Add(timeout)
	const pollInterval = 20 * time.Millisecond

	for {
		allowed, err = l.Check(ctx, chatID)
		if err != nil {
			return false, false, err
		}
		if allowed {
			return true, false, nil
		}
		if time.Now().After(deadline) {
			return false, true, nil
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, false, ctx.Err()
		case <-timer.C:
		}
	}
}

// Metrics returns the limiter's running counters. No caller in this
// repository reads them; the Tracker does not receive them.
func (l *Limiter) Metrics() Snapshot { return l.metrics.snapshot() }
