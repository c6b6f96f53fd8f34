package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"eventbridge/internal/infra/ratelimit"
)

func TestMemoryBackendAllowsWithinBurst(t *testing.T) {
	t.Parallel()
	backend := ratelimit.NewMemoryBackend(10, 5)
	limiter := ratelimit.New(backend)
	ctx := context.Background()

	allowed, err := limiter.Check(ctx, "chat-1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !allowed {
		t.Fatalf("first Check denied, want allowed")
	}
}

func TestMemoryBackendDeniesOverChatLimit(t *testing.T) {
	t.Parallel()
	backend := ratelimit.NewMemoryBackend(100, 1)
	limiter := ratelimit.New(backend)
	ctx := context.Background()

	first, err := limiter.Check(ctx, "chat-1")
	if err != nil || !first {
		t.Fatalf("first Check = %v, err %v, want allowed", first, err)
	}
	second, err := limiter.Check(ctx, "chat-1")
	if err != nil {
		t.Fatalf("second Check: %v", err)
	}
	if second {
		t.Fatalf("second Check allowed immediately after exhausting burst=1, want denied")
	}
}

func TestMemoryBackendPerChatIndependence(t *testing.T) {
	t.Parallel()
	backend := ratelimit.NewMemoryBackend(100, 1)
	limiter := ratelimit.New(backend)
	ctx := context.Background()

	if allowed, err := limiter.Check(ctx, "chat-1"); err != nil || !allowed {
		t.Fatalf("chat-1 Check = %v, err %v", allowed, err)
	}
	if allowed, err := limiter.Check(ctx, "chat-2"); err != nil || !allowed {
		t.Fatalf("chat-2 Check should be allowed independently of chat-1, got %v, err %v", allowed, err)
	}
}

func TestMemoryBackendGlobalLimitDeniesAcrossChats(t *testing.T) {
	t.Parallel()
	backend := ratelimit.NewMemoryBackend(1, 100)
	limiter := ratelimit.New(backend)
	ctx := context.Background()

	if allowed, err := limiter.Check(ctx, "chat-1"); err != nil || !allowed {
		t.Fatalf("chat-1 Check = %v, err %v", allowed, err)
	}
	if allowed, err := limiter.Check(ctx, "chat-2"); err != nil || allowed {
		t.Fatalf("chat-2 Check = %v, want denied by exhausted global bucket", allowed)
	}
}

func TestWaitSucceedsAfterRefill(t *testing.T) {
	t.Parallel()
	backend := ratelimit.NewMemoryBackend(100, 5)
	limiter := ratelimit.New(backend)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if allowed, err := limiter.Check(ctx, "chat-1"); err != nil || !allowed {
			t.Fatalf("warm-up Check %d = %v, err %v", i, allowed, err)
		}
	}

	allowed, timedOut, err := limiter.Wait(ctx, "chat-1", 2*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if timedOut {
		t.Fatalf("Wait timed out, want refill within 2s at rate 5/s")
	}
	if !allowed {
		t.Fatalf("Wait returned allowed=false without timing out")
	}
}

func TestWaitTimesOut(t *testing.T) {
	t.Parallel()
	backend := ratelimit.NewMemoryBackend(1, 1)
	limiter := ratelimit.New(backend)
	ctx := context.Background()

	if allowed, err := limiter.Check(ctx, "chat-1"); err != nil || !allowed {
		t.Fatalf("warm-up Check = %v, err %v", allowed, err)
	}

	_, timedOut, err := limiter.Wait(ctx, "chat-1", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !timedOut {
		t.Fatalf("Wait did not time out despite an exhausted 1/s bucket and a 30ms budget")
	}
}

func TestMetricsTracksThrottles(t *testing.T) {
	t.Parallel()
	backend := ratelimit.NewMemoryBackend(100, 1)
	limiter := ratelimit.New(backend)
	ctx := context.Background()

	_, _ = limiter.Check(ctx, "chat-1")
	_, _ = limiter.Check(ctx, "chat-1")

	snap := limiter.Metrics()
	if snap.Requests != 2 {
		t.Fatalf("Requests = %d, want 2", snap.Requests)
	}
	if snap.Throttled != 1 {
		t.Fatalf("Throttled = %d, want 1", snap.Throttled)
	}
}

func newMiniredisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisBackendAllowsThenDenies(t *testing.T) {
	t.Parallel()
	client := newMiniredisClient(t)
	backend := ratelimit.NewRedisBackend(client, 100, 1, "test:ratelimit")
	limiter := ratelimit.New(backend)
	ctx := context.Background()

	first, err := limiter.Check(ctx, "chat-1")
	if err != nil || !first {
		t.Fatalf("first Check = %v, err %v, want allowed", first, err)
	}

	second, err := limiter.Check(ctx, "chat-1")
	if err != nil {
		t.Fatalf("second Check: %v", err)
	}
	if second {
		t.Fatalf("second Check allowed immediately after exhausting burst=1, want denied")
	}
}

func TestRedisBackendPerChatIndependence(t *testing.T) {
	t.Parallel()
	client := newMiniredisClient(t)
	backend := ratelimit.NewRedisBackend(client, 100, 1, "test:ratelimit-independence")
	limiter := ratelimit.New(backend)
	ctx := context.Background()

	if allowed, err := limiter.Check(ctx, "chat-1"); err != nil || !allowed {
		t.Fatalf("chat-1 Check = %v, err %v", allowed, err)
	}
	if allowed, err := limiter.Check(ctx, "chat-2"); err != nil || !allowed {
		t.Fatalf("chat-2 Check should be independent, got %v, err %v", allowed, err)
	}
}
