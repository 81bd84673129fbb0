package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Priya8975/billing-webhook-processor/internal/domain"
)

const failedEventColumns = `id::text, provider_event_id, event_type, outcome, error,
	COALESCE(payload, 'null'::jsonb), created_at, resolved_at, resolved_by`

// RecordFailedEvent stores a webhook that could not be applied and returns its id.
func (s *PostgresStore) RecordFailedEvent(ctx context.Context, rec FailedEventRecord) (string, error) {
	id := uuid.NewString()

	var payload []byte
	if len(rec.Payload) > 0 {
		payload = rec.Payload
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO failed_webhook_events (id, provider_event_id, event_type, outcome, error, payload)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
	`, id, rec.ProviderEventID, rec.EventType, rec.Outcome, rec.Error, payload)
	if err != nil {
		return "", fmt.Errorf("inserting failed event: %w", err)
	}
	return id, nil
}

// ListFailedEvents returns failed events, newest first.
func (s *PostgresStore) ListFailedEvents(ctx context.Context, resolved bool, limit int) ([]domain.FailedEvent, error) {
	query := `SELECT ` + failedEventColumns + ` FROM failed_webhook_events`
	if resolved {
		query += " WHERE resolved_at IS NOT NULL"
	} else {
		query += " WHERE resolved_at IS NULL"
	}
	query += " ORDER BY created_at DESC"

	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying failed events: %w", err)
	}
	defer rows.Close()

	events := []domain.FailedEvent{}
	for rows.Next() {
		fe, err := scanFailedEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *fe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating failed events: %w", err)
	}
	return events, nil
}

// GetFailedEvent returns a single failed event, or nil if the id is unknown.
func (s *PostgresStore) GetFailedEvent(ctx context.Context, id string) (*domain.FailedEvent, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+failedEventColumns+`
		FROM failed_webhook_events WHERE id::text = $1
	`, id)
	fe, err := scanFailedEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return fe, err
}

// ResolveFailedEvent marks a failed event as handled.
func (s *PostgresStore) ResolveFailedEvent(ctx context.Context, id, resolvedBy string) error {
	result, err := s.db.Exec(ctx, `
		UPDATE failed_webhook_events SET resolved_at = NOW(), resolved_by = $2
		WHERE id::text = $1 AND resolved_at IS NULL
	`, id, resolvedBy)
	if err != nil {
		return fmt.Errorf("resolving failed event: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrFailedEventNotFound
	}
	return nil
}

func scanFailedEvent(row pgx.Row) (*domain.FailedEvent, error) {
	var fe domain.FailedEvent
	var payload []byte
	err := row.Scan(
		&fe.ID, &fe.ProviderEventID, &fe.EventType, &fe.Outcome, &fe.Error,
		&payload, &fe.CreatedAt, &fe.ResolvedAt, &fe.ResolvedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning failed event: %w", err)
	}
	fe.Payload = payload
	return &fe, nil
}
