package webhook

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindPaymentCompleted, KindOf("transaction.completed"))
	assert.Equal(t, KindPaymentConfirmed, KindOf("transaction.paid"))
	assert.Equal(t, KindPaymentFailed, KindOf("transaction.payment_failed"))
	assert.Equal(t, KindSubscriptionUpdated, KindOf("subscription.updated"))
	assert.Equal(t, KindSubscriptionCanceled, KindOf("subscription.canceled"))
	assert.Equal(t, KindUnhandled, KindOf("adjustment.created"))
	assert.Equal(t, KindUnhandled, KindOf(""))
	assert.Equal(t, "unhandled", KindOf("report.updated").String())
}

func TestParse_PaymentCompleted(t *testing.T) {
	body := []byte(`{
		"event_id": "evt_01",
		"event_type": "transaction.completed",
		"occurred_at": "2025-01-01T00:00:00Z",
		"data": {
			"id": "txn_01",
			"customer_id": "ctm_01",
			"status": "completed",
			"currency_code": "gbp",
			"details": {"totals": {"total": "1999"}},
			"payments": [{"method_details": {"type": "card"}}],
			"custom_data": {"userId": 42, "planId": "plan_monthly"}
		}
	}`)

	env, err := Parse(body)
	require.NoError(t, err)

	assert.Equal(t, "evt_01", env.EventID)
	assert.Equal(t, KindPaymentCompleted, env.Kind)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), env.OccurredAt)
	assert.Equal(t, "42", env.Event.UserID)
	assert.Equal(t, "plan_monthly", env.Event.PlanID)
	assert.Equal(t, "txn_01", env.Event.PaymentID)
	assert.Equal(t, "ctm_01", env.Event.CustomerID)
	assert.Equal(t, "GBP", env.Event.CurrencyCode)
	assert.Equal(t, "card", env.Event.PaymentMethod)
	assert.True(t, env.Event.Amount.Equal(decimal.NewFromInt(1999)))
	assert.JSONEq(t, string(body), string(env.Raw))
}

func TestParse_NumericAmount(t *testing.T) {
	body := []byte(`{"event_id":"evt_02","event_type":"transaction.completed","data":{"id":"txn_02","details":{"totals":{"total":2500}},"custom_data":{"userId":"u1","planId":"p1"}}}`)

	env, err := Parse(body)
	require.NoError(t, err)
	assert.True(t, env.Event.Amount.Equal(decimal.NewFromInt(2500)))
	assert.True(t, env.OccurredAt.IsZero())
}

func TestParse_UnknownEventTypeIsUnhandled(t *testing.T) {
	env, err := Parse([]byte(`{"event_type":"payout.created","data":{"id":"pay_01"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindUnhandled, env.Kind)
	assert.Equal(t, "payout.created", env.EventType)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{"not json", `not-json`, ErrMalformedPayload},
		{"missing event id", `{"event_type":"transaction.paid","data":{"id":"txn_1"}}`, ErrMissingEventID},
		{"completed without user", `{"event_id":"e","event_type":"transaction.completed","data":{"id":"txn_1","custom_data":{"planId":"p"}}}`, ErrCorrelationMissing},
		{"completed without custom data", `{"event_id":"e","event_type":"transaction.completed","data":{"id":"txn_1"}}`, ErrCorrelationMissing},
		{"paid without transaction id", `{"event_id":"e","event_type":"transaction.paid","data":{}}`, ErrCorrelationMissing},
		{"canceled without customer", `{"event_id":"e","event_type":"subscription.canceled","data":{"id":"sub_1"}}`, ErrCorrelationMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParse_CorrelationErrorKeepsEnvelope(t *testing.T) {
	env, err := Parse([]byte(`{"event_id":"evt_9","event_type":"transaction.completed","data":{"id":"txn_9","custom_data":{"userId":"u"}}}`))
	require.ErrorIs(t, err, ErrCorrelationMissing)
	require.NotNil(t, env)
	assert.Equal(t, "evt_9", env.EventID)
	assert.Contains(t, err.Error(), "PlanID")
}
