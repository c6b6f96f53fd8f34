// Package retry implements exponential backoff with jitter plus a
// per-tier circuit breaker: github.com/cenkalti/backoff/v4 supplies the
// backoff schedule, github.com/sony/gobreaker the breaker state machine,
// and this package the classification-aware loop between them.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"eventbridge/internal/errs"
)

// Config bundles the backoff schedule and circuit breaker thresholds.
type Config struct {
	InitialInterval time.Duration
	Factor          float64
	MaxInterval     time.Duration
	JitterRange     float64 // fraction, e.g. 0.10 for ±10%
	MaxAttempts     int

	FailureThreshold uint32
	FailureWindow    time.Duration
	RecoveryTimeout  time.Duration
	SuccessThreshold uint32
}

// DefaultConfig: initial 1s, factor 2.0, max 30s, jitter ±10%, max
// attempts 5.
func DefaultConfig() Config {
	return Config{
		InitialInterval:  time.Second,
		Factor:           2.0,
		MaxInterval:      30 * time.Second,
		JitterRange:      0.10,
		MaxAttempts:      5,
		FailureThreshold: 5,
		FailureWindow:    time.Minute,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}
}

// Op is the idempotent attempt the engine executes and retries. It must
// return an error whose errs.Classify reveals whether it is retryable.
type Op func(ctx context.Context) error

// Engine executes one named tier's operations behind its own circuit
// breaker.
type Engine struct {
	cfg     Config
	breaker *gobreaker.CircuitBreaker
}

// New constructs an Engine for a single tier, named for breaker
// diagnostics/logging.
func New(tierName string, cfg Config) *Engine {
	settings := gobreaker.Settings{
		Name:        tierName,
		MaxRequests: cfg.SuccessThreshold,
		Interval:    cfg.FailureWindow,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		// Only breaker-worthy kinds count as failures; a permanent error
		// (auth, malformed) aborts its own delivery but must not trip the
		// tier Open.
		IsSuccessful: func(err error) bool {
			return !errs.Classify(err).CountsTowardBreaker()
		},
	}
	return &Engine{
		cfg:     cfg,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Execute runs op, retrying transient failures with exponential backoff
// and jitter, routing every attempt through the tier's circuit breaker.
// Non-retryable errors (per errs.Kind.Retryable) abort immediately.
func (e *Engine) Execute(ctx context.Context, op Op) error {
	return e.ExecuteNotify(ctx, op, nil)
}

// ExecuteNotify is Execute with a per-call retry observer: notify(n) fires
// before the nth re-attempt's backoff sleep, letting the caller surface
// Retrying(n) into its trace without the engine knowing about tracking.
func (e *Engine) ExecuteNotify(ctx context.Context, op Op, notify func(attempt int)) error {
	boff := e.newBackoff()

	var attempt int
	for {
		_, err := e.breaker.Execute(func() (any, error) {
			return nil, op(ctx)
		})
		if err == nil {
			return nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return errs.New(errs.CircuitBreakerOpen, err)
		}

		kind := errs.Classify(err)
		if !kind.Retryable() {
			return err
		}

		attempt++
		if e.cfg.MaxAttempts <= 0 {
			// Retries disabled: the first failure surfaces as-is.
			return err
		}
		if attempt >= e.cfg.MaxAttempts {
			return errs.New(errs.RetryExhausted, err)
		}
		if notify != nil {
			notify(attempt)
		}

		delay := e.nextDelay(boff, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// nextDelay prefers a server-suggested wait (rate-limited responses)
// over the computed backoff schedule.
func (e *Engine) nextDelay(boff backoff.BackOff, err error) time.Duration {
	if wait, ok := errs.SuggestedWait(err); ok {
		return wait
	}
	d := boff.NextBackOff()
	if d == backoff.Stop {
		return e.cfg.MaxInterval
	}
	return d
}

// newBackoff builds a cenkalti/backoff/v4 ExponentialBackOff
// implementing delay(attempt) = min(initial * factor^attempt, max_delay);
// RandomizationFactor maps directly onto JitterRange, applied as
// delay * (1 +/- jitter) the way backoff/v4 already randomizes its
// interval.
func (e *Engine) newBackoff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = e.cfg.InitialInterval
	eb.Multiplier = e.cfg.Factor
	eb.MaxInterval = e.cfg.MaxInterval
	eb.MaxElapsedTime = 0 // attempt cap is enforced by Execute, not elapsed time
	eb.RandomizationFactor = e.cfg.JitterRange
	eb.Reset()
	return eb
}

// State reports the breaker's current state for health/dashboard use.
func (e *Engine) State() gobreaker.State { return e.breaker.State() }

// Counts reports the breaker's current window counters.
func (e *Engine) Counts() gobreaker.Counts { return e.breaker.Counts() }
