package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Priya8975/billing-webhook-processor/internal/domain"
)

// NotificationAttemptRecord holds data for inserting a notification attempt.
type NotificationAttemptRecord struct {
	NotificationID string
	SubscriptionID string
	Kind           string
	AttemptNumber  int
	Status         string
	HTTPStatusCode *int
	ResponseTimeMs int
	ErrorMessage   string
	NextRetryAt    *time.Time
}

// NotificationDeadLetterRecord holds data for a notification that ran out of retries.
type NotificationDeadLetterRecord struct {
	NotificationID string
	SubscriptionID string
	Kind           string
	TotalAttempts  int
	LastHTTPStatus *int
	LastError      string
}

// NotificationLog is the attempt history the notification workers write to.
type NotificationLog interface {
	RecordNotificationAttempt(ctx context.Context, rec NotificationAttemptRecord) error
	InsertNotificationDeadLetter(ctx context.Context, rec NotificationDeadLetterRecord) error
	ListNotificationAttempts(ctx context.Context, subscriptionID, status string, limit int) ([]domain.NotificationAttempt, error)
	ListNotificationDeadLetters(ctx context.Context, limit int) ([]domain.NotificationDeadLetter, error)
}

func (s *PostgresStore) RecordNotificationAttempt(ctx context.Context, rec NotificationAttemptRecord) error {
	var errMsg *string
	if rec.ErrorMessage != "" {
		errMsg = &rec.ErrorMessage
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO notification_attempts (notification_id, subscription_id, kind, attempt_number, status, http_status_code, response_time_ms, error_message, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.NotificationID, rec.SubscriptionID, rec.Kind, rec.AttemptNumber, rec.Status,
		rec.HTTPStatusCode, rec.ResponseTimeMs, errMsg, rec.NextRetryAt)
	if err != nil {
		return fmt.Errorf("inserting notification attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertNotificationDeadLetter(ctx context.Context, rec NotificationDeadLetterRecord) error {
	var lastErr *string
	if rec.LastError != "" {
		lastErr = &rec.LastError
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO notification_dead_letters (notification_id, subscription_id, kind, total_attempts, last_http_status, last_error)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.NotificationID, rec.SubscriptionID, rec.Kind, rec.TotalAttempts, rec.LastHTTPStatus, lastErr)
	if err != nil {
		return fmt.Errorf("inserting notification dead letter: %w", err)
	}
	return nil
}

// ListNotificationAttempts returns attempts with optional filtering.
func (s *PostgresStore) ListNotificationAttempts(ctx context.Context, subscriptionID, status string, limit int) ([]domain.NotificationAttempt, error) {
	query := `SELECT id::text, notification_id, subscription_id, kind, attempt_number, status, http_status_code, response_time_ms, error_message, next_retry_at, created_at FROM notification_attempts`
	args := []any{}
	conditions := []string{}

	if subscriptionID != "" {
		args = append(args, subscriptionID)
		conditions = append(conditions, fmt.Sprintf("subscription_id = $%d", len(args)))
	}
	if status != "" {
		args = append(args, status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY created_at DESC"

	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying notification attempts: %w", err)
	}
	defer rows.Close()

	attempts := []domain.NotificationAttempt{}
	for rows.Next() {
		var a domain.NotificationAttempt
		err := rows.Scan(
			&a.ID, &a.NotificationID, &a.SubscriptionID, &a.Kind, &a.AttemptNumber,
			&a.Status, &a.HTTPStatusCode, &a.ResponseTimeMs, &a.ErrorMessage,
			&a.NextRetryAt, &a.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning notification attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (s *PostgresStore) ListNotificationDeadLetters(ctx context.Context, limit int) ([]domain.NotificationDeadLetter, error) {
	query := `SELECT id::text, notification_id, subscription_id, kind, total_attempts, last_error, last_http_status, created_at
		FROM notification_dead_letters ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying notification dead letters: %w", err)
	}
	defer rows.Close()

	letters := []domain.NotificationDeadLetter{}
	for rows.Next() {
		var dl domain.NotificationDeadLetter
		err := rows.Scan(
			&dl.ID, &dl.NotificationID, &dl.SubscriptionID, &dl.Kind,
			&dl.TotalAttempts, &dl.LastError, &dl.LastHTTPStatus, &dl.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning notification dead letter: %w", err)
		}
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}
