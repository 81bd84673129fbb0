package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Kind is the closed set of provider events the lifecycle engine acts on.
type Kind int

const (
	// KindUnhandled covers every event type this service does not act on,
	// including types the provider adds in the future.
	KindUnhandled Kind = iota
	KindPaymentCompleted
	KindPaymentConfirmed
	KindPaymentFailed
	KindSubscriptionUpdated
	KindSubscriptionCanceled
)

var kindsByEventType = map[string]Kind{
	"transaction.completed":      KindPaymentCompleted,
	"transaction.paid":           KindPaymentConfirmed,
	"transaction.payment_failed": KindPaymentFailed,
	"subscription.updated":       KindSubscriptionUpdated,
	"subscription.canceled":      KindSubscriptionCanceled,
}

// KindOf maps a provider event type to a Kind.
func KindOf(eventType string) Kind {
	if k, ok := kindsByEventType[strings.TrimSpace(eventType)]; ok {
		return k
	}
	return KindUnhandled
}

func (k Kind) String() string {
	switch k {
	case KindPaymentCompleted:
		return "payment_completed"
	case KindPaymentConfirmed:
		return "payment_confirmed"
	case KindPaymentFailed:
		return "payment_failed"
	case KindSubscriptionUpdated:
		return "subscription_updated"
	case KindSubscriptionCanceled:
		return "subscription_canceled"
	default:
		return "unhandled"
	}
}

// Event is the typed view of a provider payload. It lives only for the
// duration of one processing call.
type Event struct {
	UserID        string
	PlanID        string
	CustomerID    string
	PaymentID     string
	PaymentMethod string
	Status        string
	CurrencyCode  string
	// Amount is in the provider's minor units.
	Amount decimal.Decimal
}

// Envelope is a parsed, verified webhook.
type Envelope struct {
	EventID    string
	EventType  string
	Kind       Kind
	OccurredAt time.Time
	Event      Event
	Raw        json.RawMessage
}

type wireEnvelope struct {
	EventID    string     `json:"event_id"`
	EventType  string     `json:"event_type"`
	OccurredAt *time.Time `json:"occurred_at"`
	Data       wireData   `json:"data"`
}

type wireData struct {
	ID           string `json:"id"`
	CustomerID   string `json:"customer_id"`
	Status       string `json:"status"`
	CurrencyCode string `json:"currency_code"`
	Details      struct {
		Totals struct {
			Total decimal.Decimal `json:"total"`
		} `json:"totals"`
	} `json:"details"`
	Payments []struct {
		MethodDetails struct {
			Type string `json:"type"`
		} `json:"method_details"`
	} `json:"payments"`
	CustomData map[string]any `json:"custom_data"`
}

// Per-kind requirements, checked with the validator.
type completionFields struct {
	PaymentID string `validate:"required"`
	UserID    string `validate:"required"`
	PlanID    string `validate:"required"`
}

type paymentFields struct {
	PaymentID string `validate:"required"`
}

type customerFields struct {
	CustomerID string `validate:"required"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Parse decodes a verified body. When the JSON itself is readable the
// envelope is returned alongside any correlation error so callers can still
// log and record the event id and type.
func Parse(body []byte) (*Envelope, error) {
	var wire wireEnvelope
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	env := &Envelope{
		EventID:   strings.TrimSpace(wire.EventID),
		EventType: strings.TrimSpace(wire.EventType),
		Kind:      KindOf(wire.EventType),
		Raw:       json.RawMessage(body),
		Event: Event{
			UserID:       correlationValue(wire.Data.CustomData, "userId"),
			PlanID:       correlationValue(wire.Data.CustomData, "planId"),
			CustomerID:   strings.TrimSpace(wire.Data.CustomerID),
			PaymentID:    strings.TrimSpace(wire.Data.ID),
			Status:       strings.TrimSpace(wire.Data.Status),
			CurrencyCode: strings.ToUpper(strings.TrimSpace(wire.Data.CurrencyCode)),
			Amount:       wire.Data.Details.Totals.Total,
		},
	}
	if wire.OccurredAt != nil {
		env.OccurredAt = wire.OccurredAt.UTC()
	}
	if len(wire.Data.Payments) > 0 {
		env.Event.PaymentMethod = wire.Data.Payments[0].MethodDetails.Type
	}

	if env.Kind == KindUnhandled {
		return env, nil
	}
	if env.EventID == "" {
		return env, ErrMissingEventID
	}
	if err := checkCorrelation(env); err != nil {
		return env, err
	}
	return env, nil
}

func checkCorrelation(env *Envelope) error {
	var required any
	switch env.Kind {
	case KindPaymentCompleted:
		required = completionFields{PaymentID: env.Event.PaymentID, UserID: env.Event.UserID, PlanID: env.Event.PlanID}
	case KindPaymentConfirmed, KindPaymentFailed:
		required = paymentFields{PaymentID: env.Event.PaymentID}
	case KindSubscriptionUpdated, KindSubscriptionCanceled:
		required = customerFields{CustomerID: env.Event.CustomerID}
	default:
		return nil
	}

	err := validate.Struct(required)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrCorrelationMissing, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return fmt.Errorf("%w: %s", ErrCorrelationMissing, strings.Join(fields, ", "))
}

// correlationValue reads a key from the provider's opaque custom data. Values
// may arrive as strings or numbers depending on how checkout attached them.
func correlationValue(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
