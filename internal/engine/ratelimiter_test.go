package engine

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func setupTestRL(t *testing.T, scope string) *RateLimiter {
	t.Helper()
	client, _ := newTestRedis(t)
	return NewRateLimiter(client, scope, zerolog.Nop())
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	rl := setupTestRL(t, "ingress")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow(ctx, "10.0.0.1", 5), "request %d", i+1)
	}
	assert.False(t, rl.Allow(ctx, "10.0.0.1", 5))
}

func TestRateLimiter_ZeroLimitAllowsAll(t *testing.T) {
	rl := setupTestRL(t, "ingress")
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		assert.True(t, rl.Allow(ctx, "10.0.0.1", 0))
	}
}

func TestRateLimiter_KeysAreIsolated(t *testing.T) {
	rl := setupTestRL(t, "notify")
	ctx := context.Background()

	rl.Allow(ctx, "a", 2)
	rl.Allow(ctx, "a", 2)

	assert.False(t, rl.Allow(ctx, "a", 2))
	assert.True(t, rl.Allow(ctx, "b", 2))
}

func TestRateLimiter_FailsOpenWhenRedisDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	rl := NewRateLimiter(client, "ingress", zerolog.Nop())

	assert.True(t, rl.Allow(context.Background(), "10.0.0.1", 1))
}
