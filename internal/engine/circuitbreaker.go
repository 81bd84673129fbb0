package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Circuit breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

const (
	defaultFailureThreshold = 5
	defaultCooldown         = 30 * time.Second
)

// CircuitBreaker guards a notification target. State lives in a Redis hash so
// every worker and every replica sees the same circuit.
//
// closed: failures are counted until the threshold opens the circuit.
// open: requests are rejected until the cooldown elapses.
// half-open: trial requests pass; success closes, failure re-opens.
type CircuitBreaker struct {
	client           *redis.Client
	logger           zerolog.Logger
	failureThreshold int
	cooldown         time.Duration
	now              func() time.Time
}

// CircuitBreakerState is the admin view of a target's circuit.
type CircuitBreakerState struct {
	State        string `json:"state"`
	Failures     int    `json:"failures"`
	LastFailedAt string `json:"last_failed_at,omitempty"`
}

func NewCircuitBreaker(client *redis.Client, logger zerolog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		client:           client,
		logger:           logger.With().Str("component", "circuit_breaker").Logger(),
		failureThreshold: defaultFailureThreshold,
		cooldown:         defaultCooldown,
		now:              time.Now,
	}
}

func cbKey(target string) string {
	return "notify:cb:" + target
}

func (cb *CircuitBreaker) cooledDown(lastFailedAt int64) bool {
	return cb.now().Unix()-lastFailedAt >= int64(cb.cooldown.Seconds())
}

// AllowRequest reports the target's state and whether a delivery may proceed.
// Redis errors leave the circuit closed.
func (cb *CircuitBreaker) AllowRequest(ctx context.Context, target string) (string, bool) {
	key := cbKey(target)

	data, err := cb.client.HGetAll(ctx, key).Result()
	if err != nil || len(data) == 0 {
		return StateClosed, true
	}

	switch data["state"] {
	case StateOpen:
		lastFailedAt, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)
		if !cb.cooledDown(lastFailedAt) {
			return StateOpen, false
		}
		cb.client.HSet(ctx, key, "state", StateHalfOpen)
		cb.logger.Info().Str("target", target).Msg("circuit breaker half-open")
		return StateHalfOpen, true
	case StateHalfOpen:
		return StateHalfOpen, true
	default:
		return StateClosed, true
	}
}

// RecordSuccess closes the circuit and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, target string) {
	key := cbKey(target)

	prev, _ := cb.client.HGet(ctx, key, "state").Result()
	cb.client.HSet(ctx, key, "state", StateClosed, "failures", 0)

	if prev == StateHalfOpen {
		cb.logger.Info().Str("target", target).Msg("circuit breaker closed")
	}
}

// RecordFailure counts a failed delivery and opens the circuit at the
// threshold, or immediately when a half-open trial fails.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, target string) {
	key := cbKey(target)

	failures, err := cb.client.HIncrBy(ctx, key, "failures", 1).Result()
	if err != nil {
		cb.logger.Error().Err(err).Str("target", target).Msg("failed to record circuit breaker failure")
		return
	}
	cb.client.HSet(ctx, key, "last_failed_at", cb.now().Unix())

	state, _ := cb.client.HGet(ctx, key, "state").Result()
	switch {
	case state == StateHalfOpen:
		cb.client.HSet(ctx, key, "state", StateOpen)
		cb.logger.Warn().Str("target", target).Msg("circuit breaker re-opened after half-open trial failed")
	case failures >= int64(cb.failureThreshold):
		cb.client.HSet(ctx, key, "state", StateOpen)
		cb.logger.Warn().
			Str("target", target).
			Int64("failures", failures).
			Int("threshold", cb.failureThreshold).
			Msg("circuit breaker opened")
	case state == "":
		cb.client.HSet(ctx, key, "state", StateClosed)
	}
}

// GetState returns the target's circuit without changing it.
func (cb *CircuitBreaker) GetState(ctx context.Context, target string) CircuitBreakerState {
	data, err := cb.client.HGetAll(ctx, cbKey(target)).Result()
	if err != nil || len(data) == 0 {
		return CircuitBreakerState{State: StateClosed}
	}

	failures, _ := strconv.Atoi(data["failures"])
	lastFailedAt, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)

	state := data["state"]
	if state == "" {
		state = StateClosed
	}
	if state == StateOpen && cb.cooledDown(lastFailedAt) {
		state = StateHalfOpen
	}

	result := CircuitBreakerState{State: state, Failures: failures}
	if lastFailedAt > 0 {
		result.LastFailedAt = time.Unix(lastFailedAt, 0).UTC().Format(time.RFC3339)
	}
	return result
}
