package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/Priya8975/billing-webhook-processor/internal/engine"
	"github.com/Priya8975/billing-webhook-processor/internal/metrics"
	"github.com/Priya8975/billing-webhook-processor/internal/store"
	"github.com/Priya8975/billing-webhook-processor/internal/webhook"
	ws "github.com/Priya8975/billing-webhook-processor/internal/websocket"
)

const (
	SignatureHeader = "X-Billing-Signature"

	circuitRetryDelay = 5 * time.Second
	rateRetryDelay    = time.Second
)

// retryDelays is the backoff between attempts; the last entry repeats.
var retryDelays = []time.Duration{
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
}

func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(retryDelays) {
		return retryDelays[len(retryDelays)-1]
	}
	return retryDelays[attempt-1]
}

// Scheduler puts a job back on the queue.
type Scheduler interface {
	Schedule(ctx context.Context, job engine.NotificationJob, at time.Time) error
}

// AttemptRecorder is the part of the notification log the deliverer writes.
type AttemptRecorder interface {
	RecordNotificationAttempt(ctx context.Context, rec store.NotificationAttemptRecord) error
	InsertNotificationDeadLetter(ctx context.Context, rec store.NotificationDeadLetterRecord) error
}

// Broadcaster publishes delivery activity.
type Broadcaster interface {
	Broadcast(event ws.ActivityEvent)
}

// DelivererConfig wires a Deliverer.
type DelivererConfig struct {
	TargetURL      string
	Secret         string
	RateLimit      int
	HTTPClient     *http.Client
	Attempts       AttemptRecorder
	Queue          Scheduler
	CircuitBreaker *engine.CircuitBreaker
	RateLimiter    *engine.RateLimiter
	Hub            Broadcaster
}

// Deliverer posts notification jobs to the marketplace endpoint.
type Deliverer struct {
	httpClient     *http.Client
	targetURL      string
	target         string
	secret         []byte
	rateLimit      int
	attempts       AttemptRecorder
	queue          Scheduler
	circuitBreaker *engine.CircuitBreaker
	rateLimiter    *engine.RateLimiter
	hub            Broadcaster
	now            func() time.Time
	logger         zerolog.Logger
}

func NewDeliverer(cfg DelivererConfig, logger zerolog.Logger) (*Deliverer, error) {
	u, err := url.Parse(cfg.TargetURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid notification URL %q", cfg.TargetURL)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &Deliverer{
		httpClient:     client,
		targetURL:      cfg.TargetURL,
		target:         u.Host,
		secret:         []byte(cfg.Secret),
		rateLimit:      cfg.RateLimit,
		attempts:       cfg.Attempts,
		queue:          cfg.Queue,
		circuitBreaker: cfg.CircuitBreaker,
		rateLimiter:    cfg.RateLimiter,
		hub:            cfg.Hub,
		now:            time.Now,
		logger:         logger.With().Str("component", "deliverer").Logger(),
	}, nil
}

// Target is the host whose circuit breaker guards delivery.
func (d *Deliverer) Target() string {
	return d.target
}

type notificationBody struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	EventID        string    `json:"event_id"`
	SubscriptionID string    `json:"subscription_id"`
	UserID         string    `json:"user_id"`
	Email          string    `json:"email,omitempty"`
	PlanID         string    `json:"plan_id"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	EndDate        time.Time `json:"end_date"`
}

// Deliver makes one attempt for job and decides what happens next: done,
// rescheduled with backoff, or dead-lettered.
func (d *Deliverer) Deliver(ctx context.Context, job engine.NotificationJob) {
	log := d.logger.With().
		Str("notification_id", job.ID).
		Str("kind", job.Kind).
		Int("attempt", job.Attempt).
		Logger()

	if d.circuitBreaker != nil {
		if _, ok := d.circuitBreaker.AllowRequest(ctx, d.target); !ok {
			log.Debug().Msg("circuit open, deferring notification")
			d.reschedule(ctx, job, circuitRetryDelay)
			return
		}
	}
	if d.rateLimiter != nil && !d.rateLimiter.Allow(ctx, d.target, d.rateLimit) {
		d.reschedule(ctx, job, rateRetryDelay)
		return
	}

	body, err := json.Marshal(notificationBody{
		ID:             job.ID,
		Type:           job.Kind,
		EventID:        job.EventID,
		SubscriptionID: job.SubscriptionID,
		UserID:         job.UserID,
		Email:          job.Email,
		PlanID:         job.PlanID,
		Status:         job.Status,
		PreviousStatus: job.PreviousStatus,
		EndDate:        job.EndDate,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal notification")
		return
	}

	start := d.now()
	statusCode, err := d.post(ctx, job, body)
	elapsed := d.now().Sub(start).Milliseconds()

	if err == nil && statusCode >= 200 && statusCode < 300 {
		d.succeeded(ctx, job, statusCode, elapsed)
		return
	}

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	} else {
		errMsg = fmt.Sprintf("unexpected status %d", statusCode)
	}
	var code *int
	if statusCode != 0 {
		code = &statusCode
	}
	d.failed(ctx, job, code, errMsg, elapsed)
}

func (d *Deliverer) post(ctx context.Context, job engine.NotificationJob, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.targetURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+webhook.HMACHex(body, d.secret))
	req.Header.Set("X-Notification-Type", job.Kind)
	req.Header.Set("X-Notification-ID", job.ID)
	req.Header.Set("X-Notification-Attempt", strconv.Itoa(job.Attempt))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	return resp.StatusCode, nil
}

func (d *Deliverer) succeeded(ctx context.Context, job engine.NotificationJob, statusCode int, elapsed int64) {
	if d.circuitBreaker != nil {
		d.circuitBreaker.RecordSuccess(ctx, d.target)
	}
	metrics.NotificationsTotal.WithLabelValues("success").Inc()
	d.record(ctx, job, "success", &statusCode, elapsed, "", nil)
	d.broadcast(ws.ActivityNotificationSent, job, &statusCode, "")

	d.logger.Info().
		Str("notification_id", job.ID).
		Int("attempt", job.Attempt).
		Int("status_code", statusCode).
		Int64("response_time_ms", elapsed).
		Msg("notification delivered")
}

func (d *Deliverer) failed(ctx context.Context, job engine.NotificationJob, statusCode *int, errMsg string, elapsed int64) {
	if d.circuitBreaker != nil {
		d.circuitBreaker.RecordFailure(ctx, d.target)
	}

	if job.Attempt >= job.MaxRetries {
		metrics.NotificationsTotal.WithLabelValues("dead_lettered").Inc()
		d.record(ctx, job, "failed", statusCode, elapsed, errMsg, nil)
		if d.attempts != nil {
			err := d.attempts.InsertNotificationDeadLetter(ctx, store.NotificationDeadLetterRecord{
				NotificationID: job.ID,
				SubscriptionID: job.SubscriptionID,
				Kind:           job.Kind,
				TotalAttempts:  job.Attempt,
				LastHTTPStatus: statusCode,
				LastError:      errMsg,
			})
			if err != nil {
				d.logger.Error().Err(err).Str("notification_id", job.ID).Msg("failed to dead-letter notification")
			}
		}
		d.broadcast(ws.ActivityNotificationDLQ, job, statusCode, errMsg)
		d.logger.Warn().
			Str("notification_id", job.ID).
			Int("attempts", job.Attempt).
			Str("error", errMsg).
			Msg("notification dead-lettered")
		return
	}

	metrics.NotificationsTotal.WithLabelValues("retry").Inc()
	next := d.now().Add(retryDelay(job.Attempt))
	d.record(ctx, job, "retrying", statusCode, elapsed, errMsg, &next)
	d.broadcast(ws.ActivityNotificationFailed, job, statusCode, errMsg)

	retry := job
	retry.Attempt++
	if d.queue != nil {
		if err := d.queue.Schedule(ctx, retry, next); err != nil {
			d.logger.Error().Err(err).Str("notification_id", job.ID).Msg("failed to schedule retry")
		}
	}
	d.logger.Warn().
		Str("notification_id", job.ID).
		Int("attempt", job.Attempt).
		Str("error", errMsg).
		Time("next_retry_at", next).
		Msg("notification failed, retry scheduled")
}

// reschedule defers a job without spending an attempt.
func (d *Deliverer) reschedule(ctx context.Context, job engine.NotificationJob, delay time.Duration) {
	if d.queue == nil {
		return
	}
	if err := d.queue.Schedule(ctx, job, d.now().Add(delay)); err != nil {
		d.logger.Error().Err(err).Str("notification_id", job.ID).Msg("failed to defer notification")
	}
}

func (d *Deliverer) record(ctx context.Context, job engine.NotificationJob, status string, statusCode *int, elapsed int64, errMsg string, next *time.Time) {
	if d.attempts == nil {
		return
	}
	err := d.attempts.RecordNotificationAttempt(ctx, store.NotificationAttemptRecord{
		NotificationID: job.ID,
		SubscriptionID: job.SubscriptionID,
		Kind:           job.Kind,
		AttemptNumber:  job.Attempt,
		Status:         status,
		HTTPStatusCode: statusCode,
		ResponseTimeMs: int(elapsed),
		ErrorMessage:   errMsg,
		NextRetryAt:    next,
	})
	if err != nil {
		d.logger.Error().Err(err).Str("notification_id", job.ID).Msg("failed to record notification attempt")
	}
}

func (d *Deliverer) broadcast(kind string, job engine.NotificationJob, statusCode *int, errMsg string) {
	if d.hub == nil {
		return
	}
	d.hub.Broadcast(ws.ActivityEvent{
		Type:           kind,
		EventID:        job.EventID,
		SubscriptionID: job.SubscriptionID,
		Status:         job.Status,
		NotificationID: job.ID,
		Attempt:        job.Attempt,
		StatusCode:     statusCode,
		Error:          errMsg,
	})
}
