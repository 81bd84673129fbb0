package store

import (
	"context"
	"fmt"
)

// GetBillingMetrics returns aggregated ledger statistics from the database.
func (s *PostgresStore) GetBillingMetrics(ctx context.Context) (*BillingMetrics, error) {
	m := BillingMetrics{SubscriptionsByStatus: map[string]int{}}

	rows, err := s.db.Query(ctx, `
		SELECT status, COUNT(*) FROM user_subscriptions GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("querying subscription counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning subscription count: %w", err)
		}
		m.SubscriptionsByStatus[status] = n
		m.TotalSubscriptions += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subscription counts: %w", err)
	}

	err = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM applied_webhook_events`).Scan(&m.AppliedEvents)
	if err != nil {
		return nil, fmt.Errorf("querying applied events: %w", err)
	}

	// Unresolved failures
	err = s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM failed_webhook_events WHERE resolved_at IS NULL
	`).Scan(&m.UnresolvedFailures)
	if err != nil {
		return nil, fmt.Errorf("querying unresolved failures: %w", err)
	}

	return &m, nil
}
