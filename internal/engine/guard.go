package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Priya8975/billing-webhook-processor/internal/metrics"
	"github.com/Priya8975/billing-webhook-processor/internal/store"
)

const DefaultEventCacheTTL = 24 * time.Hour

// Guard decides whether a provider event id has already been applied.
//
// The applied-event marker in the ledger is authoritative: it is inserted in
// the same transaction as the state change, so a crash between the two
// cannot happen. The Redis cache only short-circuits redeliveries of events
// known to be committed; a miss or a cache error falls through to the ledger.
type Guard struct {
	cache  *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewGuard builds a guard. A nil client disables the cache.
func NewGuard(cache *redis.Client, ttl time.Duration, logger zerolog.Logger) *Guard {
	if ttl <= 0 {
		ttl = DefaultEventCacheTTL
	}
	return &Guard{
		cache:  cache,
		ttl:    ttl,
		logger: logger.With().Str("component", "guard").Logger(),
	}
}

func appliedKey(eventID string) string {
	return "webhook:applied:" + eventID
}

// RecentlyApplied reports whether the cache knows the event was committed.
func (g *Guard) RecentlyApplied(ctx context.Context, eventID string) bool {
	if g.cache == nil {
		return false
	}
	n, err := g.cache.Exists(ctx, appliedKey(eventID)).Result()
	if err != nil {
		g.logger.Warn().Err(err).Str("event_id", eventID).Msg("event cache lookup failed")
		return false
	}
	if n > 0 {
		metrics.GuardCacheHitsTotal.Inc()
		return true
	}
	return false
}

// ShouldProcess inserts the applied marker through ledger, which must be the
// transaction the event's mutation runs in. It returns false when the marker
// already exists.
func (g *Guard) ShouldProcess(ctx context.Context, ledger store.Ledger, eventID string) (bool, error) {
	err := ledger.InsertAppliedEventMarker(ctx, eventID)
	if errors.Is(err, store.ErrDuplicateEvent) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("recording applied marker: %w", err)
	}
	return true, nil
}

// Remember caches a committed event id. Call only after the ledger commit.
func (g *Guard) Remember(ctx context.Context, eventID string) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Set(ctx, appliedKey(eventID), 1, g.ttl).Err(); err != nil {
		g.logger.Warn().Err(err).Str("event_id", eventID).Msg("event cache write failed")
	}
}
