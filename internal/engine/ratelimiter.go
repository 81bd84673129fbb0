package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RateLimiter is a sliding one-second window kept in a Redis sorted set. The
// ingress limits per client IP and the notifier limits per target, so keys
// carry a scope prefix.
type RateLimiter struct {
	client *redis.Client
	logger zerolog.Logger
	scope  string
	seq    atomic.Uint64
}

// Removes expired entries, counts the rest, and admits the request only when
// the count is under the limit. All in one atomic step.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)
if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('EXPIRE', key, math.floor(window / 1000) + 1)
    return 1
end
return 0
`)

const rateWindowMs = int64(1000)

func NewRateLimiter(client *redis.Client, scope string, logger zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		client: client,
		scope:  scope,
		logger: logger.With().Str("component", "rate_limiter").Str("scope", scope).Logger(),
	}
}

func (rl *RateLimiter) key(id string) string {
	return fmt.Sprintf("rl:%s:%s", rl.scope, id)
}

// Allow reports whether one more request for id fits in the current window.
// A limit of zero or less disables limiting. Redis failures fail open.
func (rl *RateLimiter) Allow(ctx context.Context, id string, limit int) bool {
	if limit <= 0 {
		return true
	}

	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d:%d", now, rl.seq.Add(1))

	result, err := slidingWindowScript.Run(ctx, rl.client, []string{rl.key(id)},
		now, rateWindowMs, limit, member,
	).Int64()
	if err != nil {
		rl.logger.Error().Err(err).Str("id", id).Msg("rate limiter script failed")
		return true
	}

	if result == 0 {
		rl.logger.Debug().Str("id", id).Int("limit", limit).Msg("rate limited")
		return false
	}
	return true
}
