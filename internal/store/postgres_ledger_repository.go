/**
 * @description
 * PostgreSQL persistence for the transfer ledger and the dispute/refund
 * tracker. Transfer status changes are guarded UPDATEs: the WHERE clause
 * pins the expected current status so a stale or duplicate notification
 * cannot clobber a later state. Dispute and refund records are upserted on
 * their external ids, which makes re-delivery of gateway notifications a
 * no-op at the storage layer.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aegisaosoft/aegis-ao-rental-sub006/internal/domain"
)

const transferColumns = `
	id, booking_id, amount, platform_fee, net_amount, currency, status,
	destination_account_id, gateway_transfer_id, reversal_id, failure_reason,
	created_at, updated_at`

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var t domain.Transfer
	err := row.Scan(
		&t.ID, &t.BookingID, &t.Amount, &t.PlatformFee, &t.NetAmount, &t.Currency,
		&t.Status, &t.DestinationAccountID, &t.GatewayTransferID, &t.ReversalID,
		&t.FailureReason, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return &t, nil
}

// FindTransferByID retrieves a transfer by its internal id.
func (r *PostgresRepository) FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1`
	return scanTransfer(r.db.QueryRow(ctx, query, transferID))
}

// FindTransferByGatewayID retrieves a transfer by the gateway's identifier,
// the key transfer webhooks correlate on.
func (r *PostgresRepository) FindTransferByGatewayID(ctx context.Context, gatewayTransferID string) (*domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE gateway_transfer_id = $1`
	return scanTransfer(r.db.QueryRow(ctx, query, gatewayTransferID))
}

// FindActiveTransferByBookingID returns the booking's non-reversed transfer,
// if any. At most one can exist; creation enforces the invariant.
func (r *PostgresRepository) FindActiveTransferByBookingID(ctx context.Context, bookingID uuid.UUID) (*domain.Transfer, error) {
	query := `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE booking_id = $1 AND status != 'reversed'
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanTransfer(r.db.QueryRow(ctx, query, bookingID))
}

// MarkTransferPaid moves a pending transfer to paid. A transfer in any other
// status is left untouched and the caller gets ErrTransferStateConflict.
func (r *PostgresRepository) MarkTransferPaid(ctx context.Context, transferID uuid.UUID) error {
	query := `
		UPDATE transfers
		SET status = 'paid', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	return r.guardedTransferUpdate(ctx, query, transferID)
}

// MarkTransferFailed moves a pending transfer to failed with the gateway's
// stated reason.
func (r *PostgresRepository) MarkTransferFailed(ctx context.Context, transferID uuid.UUID, reason string) error {
	query := `
		UPDATE transfers
		SET status = 'failed', failure_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	return r.guardedTransferUpdate(ctx, query, transferID, reason)
}

// ReverseTransfer moves a paid transfer to reversed, recording the gateway's
// reversal id. Only paid transfers are reversible.
func (r *PostgresRepository) ReverseTransfer(ctx context.Context, transferID uuid.UUID, reversalID string) error {
	query := `
		UPDATE transfers
		SET status = 'reversed', reversal_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'paid'
	`
	return r.guardedTransferUpdate(ctx, query, transferID, reversalID)
}

func (r *PostgresRepository) guardedTransferUpdate(ctx context.Context, query string, transferID uuid.UUID, args ...any) error {
	result, err := r.db.Exec(ctx, query, append([]any{transferID}, args...)...)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		// Distinguish a missing row from a status-guard miss.
		if _, findErr := r.FindTransferByID(ctx, transferID); findErr != nil {
			return findErr
		}
		return ErrTransferStateConflict
	}
	return nil
}

const disputeColumns = `
	id, external_dispute_id, booking_id, payment_id, amount, currency, reason,
	status, resolved_at, created_at, updated_at`

func scanDispute(row pgx.Row) (*domain.DisputeRecord, error) {
	var d domain.DisputeRecord
	err := row.Scan(
		&d.ID, &d.ExternalDisputeID, &d.BookingID, &d.PaymentID, &d.Amount,
		&d.Currency, &d.Reason, &d.Status, &d.ResolvedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDisputeNotFound
		}
		return nil, err
	}
	return &d, nil
}

// UpsertDisputeRecord inserts a dispute keyed by the gateway's dispute id.
// Re-delivery returns the existing row unchanged.
func (r *PostgresRepository) UpsertDisputeRecord(ctx context.Context, record *domain.DisputeRecord) (*domain.DisputeRecord, error) {
	query := `
		INSERT INTO disputes (
			id, external_dispute_id, booking_id, payment_id, amount, currency,
			reason, status, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (external_dispute_id) DO UPDATE SET updated_at = NOW()
		RETURNING ` + disputeColumns + `
	`
	return scanDispute(r.db.QueryRow(ctx, query,
		record.ID, record.ExternalDisputeID, record.BookingID, record.PaymentID,
		record.Amount, record.Currency, record.Reason, record.Status,
	))
}

// ResolveDispute closes a dispute with its final status. Resolving an
// already-resolved dispute to the same status is a no-op returning the row.
func (r *PostgresRepository) ResolveDispute(ctx context.Context, externalDisputeID string, status domain.DisputeStatus, resolvedAt time.Time) (*domain.DisputeRecord, error) {
	query := `
		UPDATE disputes
		SET status = $2, resolved_at = COALESCE(resolved_at, $3), updated_at = NOW()
		WHERE external_dispute_id = $1
		RETURNING ` + disputeColumns + `
	`
	return scanDispute(r.db.QueryRow(ctx, query, externalDisputeID, status, resolvedAt))
}

// FindDisputesByBookingID lists all disputes recorded against a booking.
func (r *PostgresRepository) FindDisputesByBookingID(ctx context.Context, bookingID uuid.UUID) ([]domain.DisputeRecord, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE booking_id = $1 ORDER BY created_at ASC`
	rows, err := r.db.Query(ctx, query, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.DisputeRecord
	for rows.Next() {
		var d domain.DisputeRecord
		if err := rows.Scan(
			&d.ID, &d.ExternalDisputeID, &d.BookingID, &d.PaymentID, &d.Amount,
			&d.Currency, &d.Reason, &d.Status, &d.ResolvedAt, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, d)
	}
	return records, rows.Err()
}

const refundColumns = `
	id, external_refund_id, booking_id, payment_id, amount, currency, reason,
	refunded_at, created_at`

// UpsertRefundRecord inserts a refund keyed by the gateway's refund id.
// Re-delivery returns the existing row unchanged.
func (r *PostgresRepository) UpsertRefundRecord(ctx context.Context, record *domain.RefundRecord) (*domain.RefundRecord, error) {
	query := `
		INSERT INTO refunds (
			id, external_refund_id, booking_id, payment_id, amount, currency,
			reason, refunded_at, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (external_refund_id) DO UPDATE SET external_refund_id = EXCLUDED.external_refund_id
		RETURNING ` + refundColumns + `
	`
	var out domain.RefundRecord
	err := r.db.QueryRow(ctx, query,
		record.ID, record.ExternalRefundID, record.BookingID, record.PaymentID,
		record.Amount, record.Currency, record.Reason, record.RefundedAt,
	).Scan(
		&out.ID, &out.ExternalRefundID, &out.BookingID, &out.PaymentID,
		&out.Amount, &out.Currency, &out.Reason, &out.RefundedAt, &out.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FindRefundsByBookingID lists all refunds recorded against a booking.
func (r *PostgresRepository) FindRefundsByBookingID(ctx context.Context, bookingID uuid.UUID) ([]domain.RefundRecord, error) {
	query := `SELECT ` + refundColumns + ` FROM refunds WHERE booking_id = $1 ORDER BY created_at ASC`
	rows, err := r.db.Query(ctx, query, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.RefundRecord
	for rows.Next() {
		var rec domain.RefundRecord
		if err := rows.Scan(
			&rec.ID, &rec.ExternalRefundID, &rec.BookingID, &rec.PaymentID,
			&rec.Amount, &rec.Currency, &rec.Reason, &rec.RefundedAt, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
