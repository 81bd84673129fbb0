package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/Priya8975/billing-webhook-processor/internal/domain"
)

var (
	// ErrDuplicateEvent is returned by InsertAppliedEventMarker when the event
	// id has already been recorded.
	ErrDuplicateEvent = errors.New("webhook event already applied")

	// ErrDuplicatePayment is returned by InsertSubscription when a row for the
	// provider payment id already exists.
	ErrDuplicatePayment = errors.New("subscription already exists for payment")

	ErrPlanNotFound = errors.New("plan not found")
	ErrUserNotFound = errors.New("user not found")

	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrFailedEventNotFound  = errors.New("failed event not found or already resolved")
)

// Ledger is the persistence boundary for the lifecycle engine. Lookups that
// find nothing return nil, nil unless a sentinel error is documented.
type Ledger interface {
	// FindPlan returns ErrPlanNotFound for an unknown plan.
	FindPlan(ctx context.Context, planID string) (*domain.Plan, error)
	// FindUserEmail returns ErrUserNotFound for an unknown user.
	FindUserEmail(ctx context.Context, userID string) (string, error)
	FindSubscriptionByPaymentID(ctx context.Context, paymentID string) (*domain.Subscription, error)
	// FindSubscriptionByCustomerID returns the most recent subscription for the
	// customer. A non-empty userID narrows the match to that user.
	FindSubscriptionByCustomerID(ctx context.Context, customerID, userID string) (*domain.Subscription, error)
	// InsertSubscription returns ErrDuplicatePayment if the payment id is taken.
	InsertSubscription(ctx context.Context, sub *domain.Subscription) error
	UpdateSubscriptionStatus(ctx context.Context, id, status string) error
	// InsertAppliedEventMarker returns ErrDuplicateEvent if the marker exists.
	// The check and insert are a single atomic statement.
	InsertAppliedEventMarker(ctx context.Context, eventID string) error
	// InTx runs fn in one transaction. Everything fn writes commits together or
	// not at all.
	InTx(ctx context.Context, fn func(Ledger) error) error
}

// FailedEventRecord holds data for recording a webhook that could not be applied.
type FailedEventRecord struct {
	ProviderEventID string
	EventType       string
	Outcome         string
	Error           string
	Payload         json.RawMessage
}

// FailureStore keeps webhooks that failed processing for inspection and replay.
type FailureStore interface {
	RecordFailedEvent(ctx context.Context, rec FailedEventRecord) (string, error)
	ListFailedEvents(ctx context.Context, resolved bool, limit int) ([]domain.FailedEvent, error)
	GetFailedEvent(ctx context.Context, id string) (*domain.FailedEvent, error)
	ResolveFailedEvent(ctx context.Context, id, resolvedBy string) error
}

// BillingMetrics holds aggregated ledger statistics.
type BillingMetrics struct {
	TotalSubscriptions    int            `json:"total_subscriptions"`
	SubscriptionsByStatus map[string]int `json:"subscriptions_by_status"`
	AppliedEvents         int            `json:"applied_events"`
	UnresolvedFailures    int            `json:"unresolved_failures"`
}

// Backend is everything the HTTP layer needs from a store.
type Backend interface {
	Ledger
	FailureStore
	NotificationLog
	GetBillingMetrics(ctx context.Context) (*BillingMetrics, error)
	GetSubscription(ctx context.Context, id string) (*domain.Subscription, error)
	ListSubscriptionsByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Subscription, error)
	Ping(ctx context.Context) error
}
