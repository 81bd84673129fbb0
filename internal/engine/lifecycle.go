package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Priya8975/billing-webhook-processor/internal/domain"
	"github.com/Priya8975/billing-webhook-processor/internal/metrics"
	"github.com/Priya8975/billing-webhook-processor/internal/store"
	"github.com/Priya8975/billing-webhook-processor/internal/webhook"
)

// Outcome is how the engine disposed of an event.
type Outcome string

const (
	// OutcomeApplied means the state change and the applied marker committed.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the event, or its payment, was already applied.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored covers unhandled kinds and events whose target row does
	// not exist. Nothing is written, so a later redelivery can still apply.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeDropped means correlation data was missing or pointed at an
	// unknown plan or user.
	OutcomeDropped Outcome = "dropped"
	// OutcomeFailed means the transaction rolled back on an error.
	OutcomeFailed Outcome = "failed"
)

// Result describes one processing call. Err is set only for OutcomeFailed.
type Result struct {
	EventID        string               `json:"event_id"`
	EventType      string               `json:"event_type"`
	Kind           webhook.Kind         `json:"-"`
	Outcome        Outcome              `json:"outcome"`
	Reason         string               `json:"reason,omitempty"`
	Subscription   *domain.Subscription `json:"subscription,omitempty"`
	PreviousStatus string               `json:"previous_status,omitempty"`
	Email          string               `json:"-"`
	Err            error                `json:"-"`
}

// skip rolls back the transaction without counting as a failure.
type skip struct {
	outcome Outcome
	reason  string
}

func (s *skip) Error() string { return string(s.outcome) + ": " + s.reason }

// Engine applies provider events to subscription state.
type Engine struct {
	ledger   store.Ledger
	guard    *Guard
	notifier Enqueuer
	now      func() time.Time
	logger   zerolog.Logger
}

type Option func(*Engine)

// WithClock sets the clock used when an event carries no occurred_at.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithNotifier queues a notification after each committed transition.
func WithNotifier(n Enqueuer) Option {
	return func(e *Engine) { e.notifier = n }
}

func NewEngine(ledger store.Ledger, guard *Guard, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		ledger: ledger,
		guard:  guard,
		now:    time.Now,
		logger: logger.With().Str("component", "lifecycle").Logger(),
	}
	if e.guard == nil {
		e.guard = NewGuard(nil, 0, logger)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Process applies one parsed envelope. The applied marker and the state
// change commit in one ledger transaction; nothing else is held across
// requests, so concurrent deliveries of the same event race on the marker's
// uniqueness and exactly one wins.
func (e *Engine) Process(ctx context.Context, env *webhook.Envelope) Result {
	res := Result{EventID: env.EventID, EventType: env.EventType, Kind: env.Kind}
	defer func() {
		metrics.EventsProcessedTotal.WithLabelValues(env.Kind.String(), string(res.Outcome)).Inc()
	}()

	log := e.logger.With().
		Str("event_id", env.EventID).
		Str("event_type", env.EventType).
		Logger()

	if env.Kind == webhook.KindUnhandled {
		res.Outcome = OutcomeIgnored
		res.Reason = "unhandled event type"
		log.Info().Msg("ignoring unhandled event type")
		return res
	}

	if e.guard.RecentlyApplied(ctx, env.EventID) {
		res.Outcome = OutcomeDuplicate
		log.Info().Msg("duplicate event (cached)")
		return res
	}

	err := e.ledger.InTx(ctx, func(tx store.Ledger) error {
		ok, err := e.guard.ShouldProcess(ctx, tx, env.EventID)
		if err != nil {
			return err
		}
		if !ok {
			return &skip{outcome: OutcomeDuplicate, reason: "event already applied"}
		}
		return e.apply(ctx, tx, env, &res)
	})

	var sk *skip
	switch {
	case err == nil:
		res.Outcome = OutcomeApplied
		e.guard.Remember(ctx, env.EventID)
		log.Info().
			Str("subscription_id", res.Subscription.ID).
			Str("previous_status", res.PreviousStatus).
			Str("status", res.Subscription.Status).
			Msg("event applied")
		e.notify(ctx, env, &res)
	case errors.As(err, &sk):
		res.Outcome = sk.outcome
		res.Reason = sk.reason
		if sk.outcome == OutcomeDuplicate && sk.reason == "event already applied" {
			e.guard.Remember(ctx, env.EventID)
		}
		ev := log.Info()
		if sk.outcome == OutcomeDropped {
			ev = log.Warn()
		}
		ev.Str("outcome", string(sk.outcome)).Str("reason", sk.reason).Msg("event not applied")
	default:
		res.Outcome = OutcomeFailed
		res.Err = err
		res.Subscription = nil
		log.Error().Err(err).Msg("event processing failed")
	}
	return res
}

func (e *Engine) apply(ctx context.Context, tx store.Ledger, env *webhook.Envelope, res *Result) error {
	switch env.Kind {
	case webhook.KindPaymentCompleted:
		return e.completePayment(ctx, tx, env, res)
	case webhook.KindPaymentConfirmed:
		return e.setPaymentStatus(ctx, tx, env, res, domain.StatusActive)
	case webhook.KindPaymentFailed:
		return e.setPaymentStatus(ctx, tx, env, res, domain.StatusPaymentFailed)
	case webhook.KindSubscriptionUpdated:
		if env.Event.Status == "" {
			return &skip{outcome: OutcomeIgnored, reason: "update carries no status"}
		}
		return e.setCustomerStatus(ctx, tx, env, res, env.Event.Status)
	case webhook.KindSubscriptionCanceled:
		return e.setCustomerStatus(ctx, tx, env, res, domain.StatusCanceled)
	default:
		return &skip{outcome: OutcomeIgnored, reason: "unhandled event type"}
	}
}

func (e *Engine) completePayment(ctx context.Context, tx store.Ledger, env *webhook.Envelope, res *Result) error {
	ev := env.Event

	existing, err := tx.FindSubscriptionByPaymentID(ctx, ev.PaymentID)
	if err != nil {
		return fmt.Errorf("looking up payment %s: %w", ev.PaymentID, err)
	}
	if existing != nil {
		res.Subscription = existing
		return &skip{outcome: OutcomeDuplicate, reason: "subscription already exists for payment"}
	}

	plan, err := tx.FindPlan(ctx, ev.PlanID)
	if errors.Is(err, store.ErrPlanNotFound) {
		return &skip{outcome: OutcomeDropped, reason: "unknown plan " + ev.PlanID}
	}
	if err != nil {
		return fmt.Errorf("looking up plan %s: %w", ev.PlanID, err)
	}

	email, err := tx.FindUserEmail(ctx, ev.UserID)
	if errors.Is(err, store.ErrUserNotFound) {
		return &skip{outcome: OutcomeDropped, reason: "unknown user " + ev.UserID}
	}
	if err != nil {
		return fmt.Errorf("looking up user %s: %w", ev.UserID, err)
	}

	now := e.now().UTC()
	start := env.OccurredAt
	if start.IsZero() {
		start = now
	}
	currency := ev.CurrencyCode
	if currency == "" {
		currency = plan.Currency
	}

	sub := &domain.Subscription{
		ID:                 uuid.NewString(),
		UserID:             ev.UserID,
		PlanID:             plan.ID,
		StartDate:          start,
		EndDate:            start.AddDate(0, 0, plan.DurationDays),
		Status:             domain.StatusActive,
		ProviderCustomerID: ev.CustomerID,
		ProviderPaymentID:  ev.PaymentID,
		PaymentMethod:      ev.PaymentMethod,
		AmountPaid:         domain.MinorToMajor(ev.Amount),
		CurrencyCode:       currency,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err = tx.InsertSubscription(ctx, sub)
	if errors.Is(err, store.ErrDuplicatePayment) {
		return &skip{outcome: OutcomeDuplicate, reason: "subscription already exists for payment"}
	}
	if err != nil {
		return err
	}

	res.Subscription = sub
	res.Email = email
	return nil
}

func (e *Engine) setPaymentStatus(ctx context.Context, tx store.Ledger, env *webhook.Envelope, res *Result, status string) error {
	sub, err := tx.FindSubscriptionByPaymentID(ctx, env.Event.PaymentID)
	if err != nil {
		return fmt.Errorf("looking up payment %s: %w", env.Event.PaymentID, err)
	}
	if sub == nil {
		return &skip{outcome: OutcomeIgnored, reason: "no subscription for payment " + env.Event.PaymentID}
	}
	return e.transition(ctx, tx, sub, status, res)
}

func (e *Engine) setCustomerStatus(ctx context.Context, tx store.Ledger, env *webhook.Envelope, res *Result, status string) error {
	sub, err := tx.FindSubscriptionByCustomerID(ctx, env.Event.CustomerID, env.Event.UserID)
	if err != nil {
		return fmt.Errorf("looking up customer %s: %w", env.Event.CustomerID, err)
	}
	if sub == nil {
		return &skip{outcome: OutcomeIgnored, reason: "no subscription for customer " + env.Event.CustomerID}
	}
	return e.transition(ctx, tx, sub, status, res)
}

func (e *Engine) transition(ctx context.Context, tx store.Ledger, sub *domain.Subscription, status string, res *Result) error {
	if err := tx.UpdateSubscriptionStatus(ctx, sub.ID, status); err != nil {
		return err
	}

	res.PreviousStatus = sub.Status
	sub.Status = status
	sub.UpdatedAt = e.now().UTC()
	res.Subscription = sub

	email, err := tx.FindUserEmail(ctx, sub.UserID)
	switch {
	case err == nil:
		res.Email = email
	case !errors.Is(err, store.ErrUserNotFound):
		return fmt.Errorf("looking up user %s: %w", sub.UserID, err)
	}
	return nil
}

func notificationKind(kind webhook.Kind, res *Result) string {
	switch kind {
	case webhook.KindPaymentCompleted:
		return NotifySubscriptionActivated
	case webhook.KindPaymentConfirmed:
		if res.PreviousStatus == domain.StatusActive {
			return ""
		}
		return NotifySubscriptionActivated
	case webhook.KindPaymentFailed:
		return NotifySubscriptionPaymentFailed
	case webhook.KindSubscriptionUpdated:
		return NotifySubscriptionUpdated
	case webhook.KindSubscriptionCanceled:
		return NotifySubscriptionCanceled
	default:
		return ""
	}
}

func (e *Engine) notify(ctx context.Context, env *webhook.Envelope, res *Result) {
	if e.notifier == nil || res.Subscription == nil {
		return
	}
	kind := notificationKind(env.Kind, res)
	if kind == "" {
		return
	}

	sub := res.Subscription
	job := NotificationJob{
		Kind:           kind,
		EventID:        env.EventID,
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		Email:          res.Email,
		PlanID:         sub.PlanID,
		Status:         sub.Status,
		PreviousStatus: res.PreviousStatus,
		EndDate:        sub.EndDate,
	}
	if err := e.notifier.Enqueue(ctx, job); err != nil {
		e.logger.Error().Err(err).
			Str("event_id", env.EventID).
			Str("subscription_id", sub.ID).
			Msg("failed to queue notification")
	}
}
