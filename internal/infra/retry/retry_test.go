package retry_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"eventbridge/internal/errs"
	"eventbridge/internal/infra/retry"
)

// fastConfig keeps test sleeps in the low milliseconds.
func fastConfig() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.InitialInterval = time.Millisecond
	cfg.MaxInterval = 5 * time.Millisecond
	cfg.JitterRange = 0
	cfg.MaxAttempts = 5
	cfg.FailureThreshold = 100 // keep the breaker out of the way by default
	cfg.RecoveryTimeout = time.Minute
	return cfg
}

func TestExecuteRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()
	e := retry.New("test", fastConfig())

	var calls int32
	err := e.Execute(context.Background(), func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errs.New(errs.ConnectionTimeout, errors.New("flaky"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestExecuteAbortsNonRetryable(t *testing.T) {
	t.Parallel()
	e := retry.New("test", fastConfig())

	var calls int32
	err := e.Execute(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errs.New(errs.Auth, errors.New("bad token"))
	})
	if errs.Classify(err) != errs.Auth {
		t.Fatalf("Classify = %v, want Auth", errs.Classify(err))
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry of permanent errors)", calls)
	}
}

func TestExecuteExhaustsAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.MaxAttempts = 3
	e := retry.New("test", cfg)

	var calls int32
	err := e.Execute(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errs.New(errs.ConnectionTimeout, errors.New("still down"))
	})
	if errs.Classify(err) != errs.RetryExhausted {
		t.Fatalf("Classify = %v, want RetryExhausted", errs.Classify(err))
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestExecuteZeroMaxAttemptsSurfacesFirstFailure(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.MaxAttempts = 0
	e := retry.New("test", cfg)

	var calls int32
	err := e.Execute(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errs.New(errs.ConnectionTimeout, errors.New("down"))
	})
	if errs.Classify(err) != errs.ConnectionTimeout {
		t.Fatalf("Classify = %v, want the original ConnectionTimeout", errs.Classify(err))
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want exactly 1", calls)
	}
}

func TestExecuteHonorsServerSuggestedWait(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.MaxAttempts = 2
	e := retry.New("test", cfg)

	const suggested = 40 * time.Millisecond
	var calls int32
	start := time.Now()
	err := e.Execute(context.Background(), func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errs.New(errs.RateLimited, errors.New("slow down")).WithWait(suggested)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if elapsed := time.Since(start); elapsed < suggested {
		t.Fatalf("elapsed %v < server-suggested wait %v", elapsed, suggested)
	}
}

func TestExecuteDeterministicBackoffWithoutJitter(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.InitialInterval = 10 * time.Millisecond
	cfg.Factor = 2.0
	cfg.MaxInterval = time.Second
	cfg.MaxAttempts = 3
	e := retry.New("test", cfg)

	start := time.Now()
	_ = e.Execute(context.Background(), func(ctx context.Context) error {
		return errs.New(errs.ConnectionTimeout, errors.New("down"))
	})
	// Two sleeps of 10ms and 20ms separate the three attempts.
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("elapsed %v < deterministic 30ms schedule", elapsed)
	}
}

func TestExecuteNotifyReportsAttempts(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.MaxAttempts = 3
	e := retry.New("test", cfg)

	var notified []int
	_ = e.ExecuteNotify(context.Background(), func(ctx context.Context) error {
		return errs.New(errs.ConnectionTimeout, errors.New("down"))
	}, func(attempt int) {
		notified = append(notified, attempt)
	})
	if len(notified) != 2 || notified[0] != 1 || notified[1] != 2 {
		t.Fatalf("notified = %v, want [1 2]", notified)
	}
}

func TestBreakerOpensAndRejects(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.MaxAttempts = 1 // each Execute is a single breaker-counted attempt
	cfg.FailureThreshold = 3
	cfg.RecoveryTimeout = time.Minute
	e := retry.New("test", cfg)

	failing := func(ctx context.Context) error {
		return errs.New(errs.ConnectionTimeout, errors.New("down"))
	}
	for i := 0; i < 3; i++ {
		if err := e.Execute(context.Background(), failing); err == nil {
			t.Fatalf("Execute %d succeeded unexpectedly", i)
		}
	}

	var called bool
	err := e.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if errs.Classify(err) != errs.CircuitBreakerOpen {
		t.Fatalf("Classify = %v, want CircuitBreakerOpen", errs.Classify(err))
	}
	if called {
		t.Fatalf("op executed while breaker open")
	}
}

func TestBreakerIgnoresPermanentErrors(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	cfg.FailureThreshold = 2
	cfg.RecoveryTimeout = time.Minute
	e := retry.New("test", cfg)

	// Permanent failures abort their own delivery but never count toward
	// the breaker window.
	for i := 0; i < 5; i++ {
		err := e.Execute(context.Background(), func(ctx context.Context) error {
			return errs.New(errs.Auth, errors.New("bad token"))
		})
		if errs.Classify(err) != errs.Auth {
			t.Fatalf("Execute %d: Classify = %v, want Auth", i, errs.Classify(err))
		}
	}

	var called bool
	err := e.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("Execute after permanent failures: %v", err)
	}
	if !called {
		t.Fatalf("breaker opened on permanent errors; op never ran")
	}
}

func TestExecuteObservesCancellation(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.InitialInterval = time.Second
	cfg.MaxInterval = time.Second
	e := retry.New("test", cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := e.Execute(ctx, func(ctx context.Context) error {
		return errs.New(errs.ConnectionTimeout, errors.New("down"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("cancellation not observed at the backoff suspension point")
	}
}
