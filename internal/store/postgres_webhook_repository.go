/**
 * @description
 * PostgreSQL persistence for webhook events. The insert-if-absent on the
 * external event id is the engine's deduplication mechanism; the unique
 * index on that column is load-bearing for correctness. Rows are never
 * deleted; failed events accumulate retry metadata until they succeed or
 * dead-letter.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aegisaosoft/aegis-ao-rental-sub006/internal/domain"
)

const webhookEventColumns = `
	id, external_event_id, event_type, payload, booking_id, occurred_at,
	processed, processed_at, error_message, retry_count, next_retry_at, dead_lettered, created_at`

// InsertWebhookEventIfAbsent atomically inserts the event keyed by its
// external id. Returns inserted=false when a row with the same external id
// already exists; the caller treats that as a duplicate delivery.
func (r *PostgresRepository) InsertWebhookEventIfAbsent(ctx context.Context, event *domain.WebhookEvent) (bool, error) {
	query := `
		INSERT INTO webhook_events (
			id, external_event_id, event_type, payload, booking_id, occurred_at,
			processed, retry_count, dead_lettered, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, 0, FALSE, NOW())
		ON CONFLICT (external_event_id) DO NOTHING
	`
	result, err := r.db.Exec(ctx, query,
		event.ID, event.ExternalEventID, event.EventType, event.Payload,
		event.BookingID, event.OccurredAt,
	)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func scanWebhookEvent(row pgx.Row) (*domain.WebhookEvent, error) {
	var e domain.WebhookEvent
	err := row.Scan(
		&e.ID, &e.ExternalEventID, &e.EventType, &e.Payload, &e.BookingID, &e.OccurredAt,
		&e.Processed, &e.ProcessedAt, &e.ErrorMessage, &e.RetryCount, &e.NextRetryAt,
		&e.DeadLettered, &e.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWebhookEventNotFound
		}
		return nil, err
	}
	return &e, nil
}

// FindWebhookEventByID retrieves one webhook event record.
func (r *PostgresRepository) FindWebhookEventByID(ctx context.Context, eventID uuid.UUID) (*domain.WebhookEvent, error) {
	query := `SELECT ` + webhookEventColumns + ` FROM webhook_events WHERE id = $1`
	return scanWebhookEvent(r.db.QueryRow(ctx, query, eventID))
}

// ScheduleWebhookRetry records a processing failure and when the sweep
// should pick the event up again.
func (r *PostgresRepository) ScheduleWebhookRetry(ctx context.Context, eventID uuid.UUID, errorMessage string, retryCount int, nextRetryAt time.Time) error {
	query := `
		UPDATE webhook_events
		SET error_message = $2, retry_count = $3, next_retry_at = $4
		WHERE id = $1 AND processed = FALSE
	`
	result, err := r.db.Exec(ctx, query, eventID, errorMessage, retryCount, nextRetryAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrWebhookEventNotFound
	}
	return nil
}

// MarkWebhookEventDeadLettered moves an event past the retry ceiling into
// the manual-review state. The row is retained as an audit record.
func (r *PostgresRepository) MarkWebhookEventDeadLettered(ctx context.Context, eventID uuid.UUID, errorMessage string) error {
	query := `
		UPDATE webhook_events
		SET dead_lettered = TRUE, error_message = $2, next_retry_at = NULL
		WHERE id = $1 AND processed = FALSE
	`
	result, err := r.db.Exec(ctx, query, eventID, errorMessage)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrWebhookEventNotFound
	}
	return nil
}

// MarkWebhookEventProcessed acknowledges an event outside a booking lock.
// Used for stale duplicates and events with no booking side effect.
func (r *PostgresRepository) MarkWebhookEventProcessed(ctx context.Context, eventID uuid.UUID) error {
	return markWebhookEventProcessed(ctx, r.db, eventID)
}

// ListDueWebhookEvents selects unprocessed, non-dead-lettered events whose
// retry time has come. FOR UPDATE SKIP LOCKED lets concurrent sweep workers
// partition the backlog without double-processing; the dedup insert already
// guarantees each event row is unique.
func (r *PostgresRepository) ListDueWebhookEvents(ctx context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error) {
	query := `
		SELECT ` + webhookEventColumns + `
		FROM webhook_events
		WHERE processed = FALSE
		  AND dead_lettered = FALSE
		  AND (next_retry_at IS NULL OR next_retry_at <= $1)
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	return r.queryWebhookEvents(ctx, query, now, limit)
}

// ListDeadLetteredWebhookEvents returns events awaiting manual intervention.
func (r *PostgresRepository) ListDeadLetteredWebhookEvents(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	query := `
		SELECT ` + webhookEventColumns + `
		FROM webhook_events
		WHERE dead_lettered = TRUE
		ORDER BY created_at ASC
		LIMIT $1
	`
	return r.queryWebhookEvents(ctx, query, limit)
}

func (r *PostgresRepository) queryWebhookEvents(ctx context.Context, query string, args ...any) ([]domain.WebhookEvent, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.WebhookEvent
	for rows.Next() {
		var e domain.WebhookEvent
		if err := rows.Scan(
			&e.ID, &e.ExternalEventID, &e.EventType, &e.Payload, &e.BookingID, &e.OccurredAt,
			&e.Processed, &e.ProcessedAt, &e.ErrorMessage, &e.RetryCount, &e.NextRetryAt,
			&e.DeadLettered, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
