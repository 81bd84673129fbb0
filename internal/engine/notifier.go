package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	NotificationQueueKey  = "notification_queue"
	DefaultMaxNotifyTries = 5
)

// Notification kinds sent to the marketplace.
const (
	NotifySubscriptionActivated     = "subscription.activated"
	NotifySubscriptionPaymentFailed = "subscription.payment_failed"
	NotifySubscriptionUpdated       = "subscription.updated"
	NotifySubscriptionCanceled      = "subscription.canceled"
)

// NotificationJob is one outbound notification, queued in a Redis sorted set
// scored by the time it becomes due.
type NotificationJob struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	EventID        string    `json:"event_id"`
	SubscriptionID string    `json:"subscription_id"`
	UserID         string    `json:"user_id"`
	Email          string    `json:"email,omitempty"`
	PlanID         string    `json:"plan_id"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	EndDate        time.Time `json:"end_date"`
	Attempt        int       `json:"attempt"`
	MaxRetries     int       `json:"max_retries"`
}

// Enqueuer accepts notification jobs. The engine depends on this rather than
// the Redis queue so a disabled notifier is just nil.
type Enqueuer interface {
	Enqueue(ctx context.Context, job NotificationJob) error
}

// Notifier is the Redis-backed notification queue.
type Notifier struct {
	client *redis.Client
	logger zerolog.Logger
}

func NewNotifier(client *redis.Client, logger zerolog.Logger) *Notifier {
	return &Notifier{
		client: client,
		logger: logger.With().Str("component", "notifier").Logger(),
	}
}

// Enqueue queues a first attempt for immediate delivery.
func (n *Notifier) Enqueue(ctx context.Context, job NotificationJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = DefaultMaxNotifyTries
	}
	if err := n.Schedule(ctx, job, time.Now()); err != nil {
		return err
	}

	n.logger.Info().
		Str("notification_id", job.ID).
		Str("kind", job.Kind).
		Str("subscription_id", job.SubscriptionID).
		Msg("notification queued")
	return nil
}

// Schedule queues job to become due at the given time.
func (n *Notifier) Schedule(ctx context.Context, job NotificationJob, at time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling notification job: %w", err)
	}
	err = n.client.ZAdd(ctx, NotificationQueueKey, redis.Z{
		Score:  float64(at.UnixMicro()),
		Member: string(data),
	}).Err()
	if err != nil {
		return fmt.Errorf("queuing notification: %w", err)
	}
	return nil
}

// QueueDepth returns the number of jobs waiting, due or not.
func (n *Notifier) QueueDepth(ctx context.Context) (int64, error) {
	return n.client.ZCard(ctx, NotificationQueueKey).Result()
}
