package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/Priya8975/billing-webhook-processor/internal/domain"
)

const subscriptionColumns = `id::text, user_id, plan_id, start_date, end_date, status,
	provider_customer_id, provider_payment_id, payment_method, amount_paid::text,
	currency_code, created_at, updated_at`

func (s *PostgresStore) FindPlan(ctx context.Context, planID string) (*domain.Plan, error) {
	var p domain.Plan
	err := s.db.QueryRow(ctx, `
		SELECT id, external_price_ref, duration_days, currency
		FROM subscription_plans WHERE id = $1
	`, planID).Scan(&p.ID, &p.ExternalPriceRef, &p.DurationDays, &p.Currency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("querying plan: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) FindUserEmail(ctx context.Context, userID string) (string, error) {
	var email string
	err := s.db.QueryRow(ctx, `SELECT email FROM users WHERE id = $1`, userID).Scan(&email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("querying user email: %w", err)
	}
	return email, nil
}

func (s *PostgresStore) FindSubscriptionByPaymentID(ctx context.Context, paymentID string) (*domain.Subscription, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM user_subscriptions WHERE provider_payment_id = $1
	`, paymentID)
	return scanSubscription(row)
}

func (s *PostgresStore) FindSubscriptionByCustomerID(ctx context.Context, customerID, userID string) (*domain.Subscription, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM user_subscriptions
		WHERE provider_customer_id = $1
		  AND ($2 = '' OR user_id = $2)
		ORDER BY created_at DESC
		LIMIT 1
	`, customerID, userID)
	return scanSubscription(row)
}

// GetSubscription returns a subscription by id, or nil if none exists.
func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM user_subscriptions WHERE id::text = $1
	`, id)
	return scanSubscription(row)
}

func (s *PostgresStore) ListSubscriptionsByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Subscription, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM user_subscriptions
		WHERE provider_customer_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []domain.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subscriptions: %w", err)
	}
	return subs, nil
}

func (s *PostgresStore) InsertSubscription(ctx context.Context, sub *domain.Subscription) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO user_subscriptions (
			id, user_id, plan_id, start_date, end_date, status,
			provider_customer_id, provider_payment_id, payment_method,
			amount_paid, currency_code, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11, $12, $13)
		ON CONFLICT (provider_payment_id) DO NOTHING
	`, sub.ID, sub.UserID, sub.PlanID, sub.StartDate, sub.EndDate, sub.Status,
		sub.ProviderCustomerID, sub.ProviderPaymentID, sub.PaymentMethod,
		sub.AmountPaid.String(), sub.CurrencyCode, sub.CreatedAt, sub.UpdatedAt)
	if isUniqueViolation(err, "user_subscriptions_provider_payment_id_key") {
		return ErrDuplicatePayment
	}
	if err != nil {
		return fmt.Errorf("inserting subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicatePayment
	}
	return nil
}

func (s *PostgresStore) UpdateSubscriptionStatus(ctx context.Context, id, status string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE user_subscriptions SET status = $2, updated_at = NOW()
		WHERE id::text = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("updating subscription status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (s *PostgresStore) InsertAppliedEventMarker(ctx context.Context, eventID string) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO applied_webhook_events (provider_event_id)
		VALUES ($1)
		ON CONFLICT (provider_event_id) DO NOTHING
	`, eventID)
	if isUniqueViolation(err, "applied_webhook_events_pkey") {
		return ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("inserting applied event marker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateEvent
	}
	return nil
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	var amount string
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &sub.StartDate, &sub.EndDate, &sub.Status,
		&sub.ProviderCustomerID, &sub.ProviderPaymentID, &sub.PaymentMethod, &amount,
		&sub.CurrencyCode, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning subscription: %w", err)
	}
	sub.AmountPaid, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parsing amount_paid %q: %w", amount, err)
	}
	return &sub, nil
}
