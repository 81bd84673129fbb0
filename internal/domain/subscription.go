package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Subscription statuses written by the lifecycle engine. Subscription update
// events may also store whatever status string the provider sends.
const (
	StatusActive        = "active"
	StatusPaymentFailed = "payment_failed"
	StatusCanceled      = "canceled"
)

// Plan is a read-only catalog entry.
type Plan struct {
	ID               string `json:"id"`
	ExternalPriceRef string `json:"external_price_ref"`
	DurationDays     int    `json:"duration_days"`
	Currency         string `json:"currency"`
}

// Subscription is a user's subscription row. EndDate is fixed at creation.
type Subscription struct {
	ID                 string          `json:"id"`
	UserID             string          `json:"user_id"`
	PlanID             string          `json:"plan_id"`
	StartDate          time.Time       `json:"start_date"`
	EndDate            time.Time       `json:"end_date"`
	Status             string          `json:"status"`
	ProviderCustomerID string          `json:"provider_customer_id"`
	ProviderPaymentID  string          `json:"provider_payment_id"`
	PaymentMethod      string          `json:"payment_method,omitempty"`
	AmountPaid         decimal.Decimal `json:"amount_paid"`
	CurrencyCode       string          `json:"currency_code"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}
