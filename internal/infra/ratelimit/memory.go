package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryBackend is the single-process Backend. Built on
// golang.org/x/time/rate: rate.Limiter already implements the lazy-refill
// token bucket, so this backend reuses it rather than re-deriving the
// arithmetic by hand.
type MemoryBackend struct {
	global *rate.Limiter

	mu        sync.Mutex
	perChat   map[string]*rate.Limiter
	chatRate  rate.Limit
	chatBurst int
}

// NewMemoryBackend constructs a backend with the given global and
// per-chat limits, both expressed as tokens/sec; bucket capacity equals
// the refill rate.
func NewMemoryBackend(globalLimit, perChatLimit int) *MemoryBackend {
	if globalLimit <= 0 {
		globalLimit = 30
	}
	if perChatLimit <= 0 {
		perChatLimit = 1
	}
	return &MemoryBackend{
		global:    rate.NewLimiter(rate.Limit(globalLimit), globalLimit),
		perChat:   make(map[string]*rate.Limiter),
		chatRate:  rate.Limit(perChatLimit),
		chatBurst: perChatLimit,
	}
}

func (b *MemoryBackend) chatLimiter(chatID string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.perChat[chatID]
	if !ok {
		l = rate.NewLimiter(b.chatRate, b.chatBurst)
		b.perChat[chatID] = l
	}
	return l
}

// Allow consumes one token from the global bucket and the chat-scoped
// bucket only if both currently have one available; otherwise neither is
// touched. Uses Reserve/Cancel rather than Allow so a denial on the second
// bucket can give back the first bucket's token.
func (b *MemoryBackend) Allow(ctx context.Context, chatID string) (bool, error) {
	now := time.Now()

	globalRes := b.global.ReserveN(now, 1)
	if !globalRes.OK() || globalRes.DelayFrom(now) > 0 {
		globalRes.CancelAt(now)
		return false, nil
	}

	chatLimiter := b.chatLimiter(chatID)
	chatRes := chatLimiter.ReserveN(now, 1)
	if !chatRes.OK() || chatRes.DelayFrom(now) > 0 {
		chatRes.CancelAt(now)
		globalRes.CancelAt(now)
		return false, nil
	}

	return true, nil
}
