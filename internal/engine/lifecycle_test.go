package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Priya8975/billing-webhook-processor/internal/domain"
	"github.com/Priya8975/billing-webhook-processor/internal/store"
	"github.com/Priya8975/billing-webhook-processor/internal/webhook"
)

var fixedNow = time.Date(2025, 3, 15, 9, 30, 0, 0, time.UTC)

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []NotificationJob
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, job NotificationJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *recordingEnqueuer) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, j := range r.jobs {
		out = append(out, j.Kind)
	}
	return out
}

type testRig struct {
	ledger   *store.MemoryStore
	engine   *Engine
	notifier *recordingEnqueuer
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	client, _ := newTestRedis(t)

	ledger := store.NewMemory()
	ledger.AddUser("42", "buyer@example.com")
	ledger.AddPlan(domain.Plan{ID: "plan-monthly", ExternalPriceRef: "pri_01", DurationDays: 30, Currency: "GBP"})

	n := &recordingEnqueuer{}
	guard := NewGuard(client, time.Hour, zerolog.Nop())
	eng := NewEngine(ledger, guard, zerolog.Nop(),
		WithClock(func() time.Time { return fixedNow }),
		WithNotifier(n),
	)
	return &testRig{ledger: ledger, engine: eng, notifier: n}
}

func envelope(t *testing.T, eventID, eventType, occurredAt string, data map[string]any) *webhook.Envelope {
	t.Helper()
	body := map[string]any{
		"event_id":   eventID,
		"event_type": eventType,
		"data":       data,
	}
	if occurredAt != "" {
		body["occurred_at"] = occurredAt
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	env, err := webhook.Parse(raw)
	require.NoError(t, err)
	return env
}

func completed(t *testing.T, eventID, paymentID string) *webhook.Envelope {
	return envelope(t, eventID, "transaction.completed", "2025-01-01T00:00:00Z", map[string]any{
		"id":            paymentID,
		"customer_id":   "ctm_1",
		"currency_code": "gbp",
		"details":       map[string]any{"totals": map[string]any{"total": "1999"}},
		"payments":      []any{map[string]any{"method_details": map[string]any{"type": "card"}}},
		"custom_data":   map[string]any{"userId": "42", "planId": "plan-monthly"},
	})
}

func paymentEvent(t *testing.T, eventID, eventType, paymentID string) *webhook.Envelope {
	return envelope(t, eventID, eventType, "", map[string]any{"id": paymentID})
}

func customerEvent(t *testing.T, eventID, eventType, customerID, status string) *webhook.Envelope {
	data := map[string]any{"customer_id": customerID}
	if status != "" {
		data["status"] = status
	}
	return envelope(t, eventID, eventType, "", data)
}

func TestProcess_CompletedCreatesSubscription(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	res := rig.engine.Process(ctx, completed(t, "evt_1", "txn_1"))
	require.Equal(t, OutcomeApplied, res.Outcome, res.Reason)

	sub, err := rig.ledger.FindSubscriptionByPaymentID(ctx, "txn_1")
	require.NoError(t, err)
	require.NotNil(t, sub)

	assert.Equal(t, domain.StatusActive, sub.Status)
	assert.Equal(t, "42", sub.UserID)
	assert.Equal(t, "ctm_1", sub.ProviderCustomerID)
	assert.Equal(t, "card", sub.PaymentMethod)
	assert.Equal(t, "GBP", sub.CurrencyCode)
	assert.True(t, sub.AmountPaid.Equal(decimal.RequireFromString("19.99")), "amount %s", sub.AmountPaid)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), sub.StartDate)
	assert.Equal(t, time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC), sub.EndDate)

	assert.Equal(t, "buyer@example.com", res.Email)
	assert.Equal(t, []string{NotifySubscriptionActivated}, rig.notifier.kinds())
	assert.Len(t, rig.ledger.AppliedEvents(), 1)
}

func TestProcess_StartDefaultsToClock(t *testing.T) {
	rig := newRig(t)
	env := completed(t, "evt_1", "txn_1")
	env.OccurredAt = time.Time{}

	res := rig.engine.Process(context.Background(), env)
	require.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, fixedNow, res.Subscription.StartDate)
	assert.Equal(t, fixedNow.AddDate(0, 0, 30), res.Subscription.EndDate)
}

func TestProcess_SameEventTwiceIsIdempotent(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	first := rig.engine.Process(ctx, completed(t, "evt_1", "txn_1"))
	second := rig.engine.Process(ctx, completed(t, "evt_1", "txn_1"))

	assert.Equal(t, OutcomeApplied, first.Outcome)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Len(t, rig.ledger.AppliedEvents(), 1)

	subs, err := rig.ledger.ListSubscriptionsByCustomer(ctx, "ctm_1", 0)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
	assert.Len(t, rig.notifier.kinds(), 1)
}

func TestProcess_DuplicateDetectedByLedgerWithoutCache(t *testing.T) {
	ledger := store.NewMemory()
	ledger.AddUser("42", "buyer@example.com")
	ledger.AddPlan(domain.Plan{ID: "plan-monthly", DurationDays: 30, Currency: "GBP"})
	eng := NewEngine(ledger, nil, zerolog.Nop())
	ctx := context.Background()

	require.Equal(t, OutcomeApplied, eng.Process(ctx, completed(t, "evt_1", "txn_1")).Outcome)
	res := eng.Process(ctx, completed(t, "evt_1", "txn_1"))
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, "event already applied", res.Reason)
}

func TestProcess_SecondEventForSamePaymentIsDuplicate(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	require.Equal(t, OutcomeApplied, rig.engine.Process(ctx, completed(t, "evt_1", "txn_1")).Outcome)
	res := rig.engine.Process(ctx, completed(t, "evt_2", "txn_1"))

	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	// The second event's marker rolled back with the no-op.
	assert.Len(t, rig.ledger.AppliedEvents(), 1)
}

func TestProcess_CompletedThenFailedWithConcurrentDuplicate(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	require.Equal(t, OutcomeApplied, rig.engine.Process(ctx, completed(t, "evt_1", "txn_1")).Outcome)

	dup := completed(t, "evt_1", "txn_1")
	failed := paymentEvent(t, "evt_2", "transaction.payment_failed", "txn_1")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		rig.engine.Process(ctx, dup)
	}()
	go func() {
		defer wg.Done()
		rig.engine.Process(ctx, failed)
	}()
	wg.Wait()

	subs, err := rig.ledger.ListSubscriptionsByCustomer(ctx, "ctm_1", 0)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, domain.StatusPaymentFailed, subs[0].Status)
}

func TestProcess_ConcurrentSameEventSingleTransition(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	const n = 8
	envs := make([]*webhook.Envelope, n)
	for i := range envs {
		envs[i] = completed(t, "evt_123", "txn_123")
	}
	results := make([]Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = rig.engine.Process(ctx, envs[i])
		}(i)
	}
	wg.Wait()

	counts := map[Outcome]int{}
	for _, r := range results {
		counts[r.Outcome]++
	}
	assert.Equal(t, 1, counts[OutcomeApplied])
	assert.Equal(t, n-1, counts[OutcomeDuplicate])
	assert.Len(t, rig.ledger.AppliedEvents(), 1)
}

func TestProcess_PaymentStatusTransitions(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()
	require.Equal(t, OutcomeApplied, rig.engine.Process(ctx, completed(t, "evt_1", "txn_1")).Outcome)

	res := rig.engine.Process(ctx, paymentEvent(t, "evt_2", "transaction.payment_failed", "txn_1"))
	require.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, domain.StatusActive, res.PreviousStatus)
	assert.Equal(t, domain.StatusPaymentFailed, res.Subscription.Status)

	res = rig.engine.Process(ctx, paymentEvent(t, "evt_3", "transaction.paid", "txn_1"))
	require.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, domain.StatusActive, res.Subscription.Status)

	// Confirming an already active subscription changes nothing visible.
	res = rig.engine.Process(ctx, paymentEvent(t, "evt_4", "transaction.paid", "txn_1"))
	require.Equal(t, OutcomeApplied, res.Outcome)

	assert.Equal(t, []string{
		NotifySubscriptionActivated,
		NotifySubscriptionPaymentFailed,
		NotifySubscriptionActivated,
	}, rig.notifier.kinds())
}

func TestProcess_PaymentEventForUnknownPaymentIsIgnored(t *testing.T) {
	rig := newRig(t)

	res := rig.engine.Process(context.Background(), paymentEvent(t, "evt_1", "transaction.payment_failed", "txn_missing"))
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Empty(t, rig.ledger.AppliedEvents())
}

func TestProcess_SubscriptionEvents(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()
	require.Equal(t, OutcomeApplied, rig.engine.Process(ctx, completed(t, "evt_1", "txn_1")).Outcome)

	res := rig.engine.Process(ctx, customerEvent(t, "evt_2", "subscription.updated", "ctm_1", "past_due"))
	require.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, "past_due", res.Subscription.Status)

	res = rig.engine.Process(ctx, customerEvent(t, "evt_3", "subscription.canceled", "ctm_1", ""))
	require.Equal(t, OutcomeApplied, res.Outcome)

	sub, err := rig.ledger.FindSubscriptionByPaymentID(ctx, "txn_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, sub.Status)
}

func TestProcess_CancelForUnknownCustomerIsNoOp(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	res := rig.engine.Process(ctx, customerEvent(t, "evt_1", "subscription.canceled", "ctm_nobody", ""))
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Empty(t, rig.ledger.AppliedEvents())
	assert.Empty(t, rig.notifier.kinds())
}

func TestProcess_UpdateWithoutStatusIsIgnored(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()
	require.Equal(t, OutcomeApplied, rig.engine.Process(ctx, completed(t, "evt_1", "txn_1")).Outcome)

	res := rig.engine.Process(ctx, customerEvent(t, "evt_2", "subscription.updated", "ctm_1", ""))
	assert.Equal(t, OutcomeIgnored, res.Outcome)
}

func TestProcess_UnknownPlanOrUserIsDropped(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	env := completed(t, "evt_1", "txn_1")
	env.Event.PlanID = "plan-gone"
	res := rig.engine.Process(ctx, env)
	assert.Equal(t, OutcomeDropped, res.Outcome)
	assert.Contains(t, res.Reason, "plan-gone")

	env = completed(t, "evt_2", "txn_2")
	env.Event.UserID = "999"
	res = rig.engine.Process(ctx, env)
	assert.Equal(t, OutcomeDropped, res.Outcome)

	assert.Empty(t, rig.ledger.AppliedEvents())
}

func TestProcess_UnhandledKind(t *testing.T) {
	rig := newRig(t)

	res := rig.engine.Process(context.Background(), envelope(t, "evt_1", "customer.created", "", map[string]any{}))
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Empty(t, rig.ledger.AppliedEvents())
}

// failingLedger fails every subscription insert made inside a transaction.
type failingLedger struct {
	store.Ledger
	err error
}

func (f *failingLedger) InTx(ctx context.Context, fn func(store.Ledger) error) error {
	return f.Ledger.InTx(ctx, func(tx store.Ledger) error {
		return fn(&failingLedger{Ledger: tx, err: f.err})
	})
}

func (f *failingLedger) InsertSubscription(context.Context, *domain.Subscription) error {
	return f.err
}

func TestProcess_StorageFailureRollsBackMarker(t *testing.T) {
	mem := store.NewMemory()
	mem.AddUser("42", "buyer@example.com")
	mem.AddPlan(domain.Plan{ID: "plan-monthly", DurationDays: 30, Currency: "GBP"})
	boom := errors.New("connection reset")

	eng := NewEngine(&failingLedger{Ledger: mem, err: boom}, nil, zerolog.Nop())
	res := eng.Process(context.Background(), completed(t, "evt_1", "txn_1"))

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, boom)
	assert.Empty(t, mem.AppliedEvents())

	// Once storage recovers the same event applies.
	eng = NewEngine(mem, nil, zerolog.Nop())
	assert.Equal(t, OutcomeApplied, eng.Process(context.Background(), completed(t, "evt_1", "txn_1")).Outcome)
}
