// Package tracker records per-event correlation traces, their status
// timelines, and the aggregate metrics/alerts derived from them.
package tracker

import "fmt"

// Status is the closed per-attempt state machine a Trace moves through.
// Retrying and Failed carry data, so they are represented as a Status
// plus an associated value rather than bare consts.
type Status int

const (
	StatusQueued Status = iota
	StatusRateChecking
	StatusRateWaiting
	StatusRetrying
	StatusSending
	StatusDelivered
	StatusFailed
	StatusCircuitBreakerBlocked
	StatusDeadLetter
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRateChecking:
		return "rate-checking"
	case StatusRateWaiting:
		return "rate-waiting"
	case StatusRetrying:
		return "retrying"
	case StatusSending:
		return "sending"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	case StatusCircuitBreakerBlocked:
		return "circuit-breaker-blocked"
	case StatusDeadLetter:
		return "dead-letter"
	default:
		return "unknown"
	}
}

// Terminal reports whether this status ends a trace's lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusDeadLetter:
		return true
	default:
		return false
	}
}

// StatusUpdate is one entry in a Trace's append-only status history.
type StatusUpdate struct {
	Status Status
	Detail string // e.g. Retrying's attempt number, Failed's reason
}

func (u StatusUpdate) String() string {
	if u.Detail == "" {
		return u.Status.String()
	}
	return fmt.Sprintf("%s(%s)", u.Status, u.Detail)
}

// Retrying builds the Retrying(n) status update.
func Retrying(attempt int) StatusUpdate {
	return StatusUpdate{Status: StatusRetrying, Detail: fmt.Sprintf("%d", attempt)}
}

// Failed builds the Failed(reason) status update.
func Failed(reason string) StatusUpdate {
	return StatusUpdate{Status: StatusFailed, Detail: reason}
}

// Plain wraps any status with no detail (Queued, RateChecking, RateWaiting,
// Sending, Delivered, CircuitBreakerBlocked, DeadLetter).
func Plain(s Status) StatusUpdate {
	return StatusUpdate{Status: s}
}
