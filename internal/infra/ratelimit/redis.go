package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"eventbridge/internal/errs"
)

// dualBucketScript implements the lazy-refill token bucket formula in
// one atomic round trip, so two processes sharing the store cannot race
// between read and write. It operates on a pair of hashes (global +
// chat-scoped), each storing {tokens, last_refill_unix_nanos}. Denied
// calls still refresh last_refill, so a denied caller does not bank extra
// tokens for its next attempt, but no tokens are deducted from either
// bucket unless both have one to give.
//
// KEYS[1] = global bucket hash key
// KEYS[2] = chat bucket hash key
// ARGV[1] = now (unix nanos)
// ARGV[2] = global capacity / refill rate (tokens per second)
// ARGV[3] = chat capacity / refill rate (tokens per second)
// returns 1 if allowed, 0 if denied
const dualBucketScript = `
local function refill(key, now, rate)
	local tokens = tonumber(redis.call('HGET', key, 'tokens'))
	local last = tonumber(redis.call('HGET', key, 'last'))
	if tokens == nil or last == nil then
		tokens = rate
		last = now
	end
	local elapsed = (now - last) / 1e9
	if elapsed > 0 then
		tokens = math.min(rate, tokens + elapsed * rate)
	end
	return tokens, now
end

local now = tonumber(ARGV[1])
local globalRate = tonumber(ARGV[2])
local chatRate = tonumber(ARGV[3])

local globalTokens, _ = refill(KEYS[1], now, globalRate)
local chatTokens, _ = refill(KEYS[2], now, chatRate)

local allowed = 0
if globalTokens >= 1 and chatTokens >= 1 then
	allowed = 1
	globalTokens = globalTokens - 1
	chatTokens = chatTokens - 1
end

redis.call('HSET', KEYS[1], 'tokens', globalTokens, 'last', now)
redis.call('EXPIRE', KEYS[1], 3600)
redis.call('HSET', KEYS[2], 'tokens', chatTokens, 'last', now)
redis.call('EXPIRE', KEYS[2], 3600)

return allowed
`

// RedisBackend is the shared-store Backend for horizontal deployments:
// every process consults the same pair of buckets, so the limits hold
// fleet-wide.
type RedisBackend struct {
	client       redis.Cmdable
	script       *redis.Script
	globalLimit  int
	perChatLimit int
	keyPrefix    string
}

// NewRedisBackend wires an existing redis client (real or miniredis-backed
// in tests) as the shared token-bucket store.
func NewRedisBackend(client redis.Cmdable, globalLimit, perChatLimit int, keyPrefix string) *RedisBackend {
	if globalLimit <= 0 {
		globalLimit = 30
	}
	if perChatLimit <= 0 {
		perChatLimit = 1
	}
	if keyPrefix == "" {
		keyPrefix = "eventbridge:ratelimit"
	}
	return &RedisBackend{
		client:       client,
		script:       redis.NewScript(dualBucketScript),
		globalLimit:  globalLimit,
		perChatLimit: perChatLimit,
		keyPrefix:    keyPrefix,
	}
}

func (b *RedisBackend) Allow(ctx context.Context, chatID string) (bool, error) {
	globalKey := b.keyPrefix + ":global"
	chatKey := fmt.Sprintf("%s:chat:%s", b.keyPrefix, chatID)

	res, err := b.script.Run(ctx, b.client,
		[]string{globalKey, chatKey},
		time.Now().UnixNano(), b.globalLimit, b.perChatLimit,
	).Int64()
	if err != nil {
		return false, errs.New(errs.ConnectionTimeout, err)
	}
	return res == 1, nil
}
