package worker

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Priya8975/billing-webhook-processor/internal/engine"
	"github.com/Priya8975/billing-webhook-processor/internal/metrics"
)

// Dispatcher polls the notification queue for due jobs and hands them to the
// worker pool.
type Dispatcher struct {
	client       *redis.Client
	pool         *Pool
	logger       zerolog.Logger
	pollInterval time.Duration
	batchSize    int64
}

func NewDispatcher(client *redis.Client, pool *Pool, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		client:       client,
		pool:         pool,
		logger:       logger.With().Str("component", "dispatcher").Logger(),
		pollInterval: 100 * time.Millisecond,
		batchSize:    10,
	}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info().Msg("dispatcher started")

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("dispatcher stopping")
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

// poll claims up to batchSize due jobs. ZRem decides ownership, so several
// dispatchers can share one queue.
func (d *Dispatcher) poll(ctx context.Context) int {
	now := float64(time.Now().UnixMicro())

	results, err := d.client.ZRangeByScoreWithScores(ctx, engine.NotificationQueueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(now, 'f', -1, 64),
		Count: d.batchSize,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error().Err(err).Msg("failed to poll notification queue")
		}
		return 0
	}

	if depth, err := d.client.ZCard(ctx, engine.NotificationQueueKey).Result(); err == nil {
		metrics.NotificationQueueDepth.Set(float64(depth))
	}

	claimed := 0
	for _, z := range results {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}

		removed, err := d.client.ZRem(ctx, engine.NotificationQueueKey, member).Result()
		if err != nil {
			d.logger.Error().Err(err).Msg("failed to claim notification job")
			continue
		}
		if removed == 0 {
			continue
		}

		var job engine.NotificationJob
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			d.logger.Error().Err(err).Msg("dropping undecodable notification job")
			continue
		}

		if !d.pool.Submit(ctx, job) {
			// Shutting down: put the job back for the next process.
			d.client.ZAdd(context.WithoutCancel(ctx), engine.NotificationQueueKey, z)
			return claimed
		}
		claimed++
	}
	return claimed
}
