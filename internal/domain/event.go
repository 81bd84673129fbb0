package domain

import (
	"encoding/json"
	"time"
)

// AppliedEvent marks a provider event as applied to subscription state.
type AppliedEvent struct {
	ProviderEventID string    `json:"provider_event_id"`
	ProcessedAt     time.Time `json:"processed_at"`
}

// FailedEvent is a verified webhook whose processing failed. The raw payload is
// kept so an operator can replay it once the cause is fixed.
type FailedEvent struct {
	ID              string          `json:"id"`
	ProviderEventID string          `json:"provider_event_id"`
	EventType       string          `json:"event_type"`
	Outcome         string          `json:"outcome"`
	Error           string          `json:"error"`
	Payload         json.RawMessage `json:"payload"`
	CreatedAt       time.Time       `json:"created_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy      *string         `json:"resolved_by,omitempty"`
}
