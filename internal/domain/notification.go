package domain

import (
	"time"
)

type NotificationAttempt struct {
	ID             string     `json:"id"`
	NotificationID string     `json:"notification_id"`
	SubscriptionID string     `json:"subscription_id"`
	Kind           string     `json:"kind"`
	AttemptNumber  int        `json:"attempt_number"`
	Status         string     `json:"status"`
	HTTPStatusCode *int       `json:"http_status_code,omitempty"`
	ResponseTimeMs *int       `json:"response_time_ms,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

type NotificationDeadLetter struct {
	ID             string    `json:"id"`
	NotificationID string    `json:"notification_id"`
	SubscriptionID string    `json:"subscription_id"`
	Kind           string    `json:"kind"`
	TotalAttempts  int       `json:"total_attempts"`
	LastError      *string   `json:"last_error,omitempty"`
	LastHTTPStatus *int      `json:"last_http_status,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
