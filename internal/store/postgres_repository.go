/**
 * @description
 * PostgreSQL implementation of the `Repository` interface for bookings and
 * payments, including the per-booking locking primitive every settlement
 * mutation runs under.
 *
 * @dependencies
 * - context, errors, fmt, strings, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegisaosoft/aegis-ao-rental-sub006/internal/domain"
)

var (
	ErrBookingNotFound       = errors.New("booking not found")
	ErrPaymentNotFound       = errors.New("payment not found")
	ErrTransferNotFound      = errors.New("transfer not found")
	ErrWebhookEventNotFound  = errors.New("webhook event not found")
	ErrDisputeNotFound       = errors.New("dispute not found")
	ErrTransferStateConflict = errors.New("transfer is not in a state permitting this transition")
)

const bookingColumns = `
	id, tenant_id, customer_id, vehicle_id, start_date, end_date, currency,
	daily_rate_amount, subtotal_amount, tax_amount, insurance_amount, fees_amount, total_amount,
	status, payment_status,
	deposit_amount, deposit_status, deposit_charged_amount, deposit_refunded_amount,
	deposit_capture_reason, deposit_authorized_at, deposit_captured_at, deposit_released_at, deposit_refunded_at,
	platform_fee_amount, net_amount,
	gateway_payment_intent_id, gateway_transfer_id, gateway_customer_id,
	financial_hold, version, created_at, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanBooking(row pgx.Row) (*domain.Booking, error) {
	var b domain.Booking
	err := row.Scan(
		&b.ID, &b.TenantID, &b.CustomerID, &b.VehicleID, &b.StartDate, &b.EndDate, &b.Currency,
		&b.DailyRateAmount, &b.SubtotalAmount, &b.TaxAmount, &b.InsuranceAmount, &b.FeesAmount, &b.TotalAmount,
		&b.Status, &b.PaymentStatus,
		&b.DepositAmount, &b.DepositStatus, &b.DepositChargedAmount, &b.DepositRefundedAmount,
		&b.DepositCaptureReason, &b.DepositAuthorizedAt, &b.DepositCapturedAt, &b.DepositReleasedAt, &b.DepositRefundedAt,
		&b.PlatformFeeAmount, &b.NetAmount,
		&b.GatewayPaymentIntentID, &b.GatewayTransferID, &b.GatewayCustomerID,
		&b.FinancialHold, &b.Version, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	return &b, nil
}

func findBooking(ctx context.Context, q pgxQuerier, where string, arg any) (*domain.Booking, error) {
	query := fmt.Sprintf(`SELECT %s FROM bookings WHERE %s`, bookingColumns, where)
	return scanBooking(q.QueryRow(ctx, query, arg))
}

// FindBookingByID retrieves a booking by its primary key.
func (r *PostgresRepository) FindBookingByID(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error) {
	return findBooking(ctx, r.db, "id = $1", bookingID)
}

// FindBookingByPaymentIntentID resolves a booking from a gateway payment-intent reference.
func (r *PostgresRepository) FindBookingByPaymentIntentID(ctx context.Context, paymentIntentID string) (*domain.Booking, error) {
	return findBooking(ctx, r.db, "gateway_payment_intent_id = $1", paymentIntentID)
}

// WithBookingLock begins a transaction, loads the booking FOR UPDATE, and
// runs fn against a transaction-scoped view. Commit only happens if fn
// returns nil; any error rolls back every write made through the BookingTx.
func (r *PostgresRepository) WithBookingLock(ctx context.Context, bookingID uuid.UUID, fn func(tx BookingTx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin booking tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`SELECT %s FROM bookings WHERE id = $1 FOR UPDATE`, bookingColumns)
	booking, err := scanBooking(tx.QueryRow(ctx, query, bookingID))
	if err != nil {
		return err
	}

	btx := &bookingTx{tx: tx, booking: booking}
	if err := fn(btx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// bookingTx implements BookingTx on top of an open pgx transaction holding
// the booking row lock.
type bookingTx struct {
	tx      pgx.Tx
	booking *domain.Booking
}

func (b *bookingTx) Booking() *domain.Booking { return b.booking }

// UpdateBookingFinancials applies the non-nil fields and bumps the booking
// version. Only settlement-owned columns are reachable from here.
func (b *bookingTx) UpdateBookingFinancials(ctx context.Context, params UpdateBookingFinancialsParams) error {
	setClauses := []string{"version = version + 1", "updated_at = NOW()"}
	args := []any{b.booking.ID}

	add := func(column string, value any) {
		args = append(args, value)
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if params.Status != nil {
		add("status", *params.Status)
	}
	if params.PaymentStatus != nil {
		add("payment_status", *params.PaymentStatus)
	}
	if params.DepositStatus != nil {
		add("deposit_status", *params.DepositStatus)
	}
	if params.DepositChargedAmount != nil {
		add("deposit_charged_amount", *params.DepositChargedAmount)
	}
	if params.DepositRefundedAmount != nil {
		add("deposit_refunded_amount", *params.DepositRefundedAmount)
	}
	if params.DepositCaptureReason != nil {
		add("deposit_capture_reason", *params.DepositCaptureReason)
	}
	if params.DepositAuthorizedAt != nil {
		add("deposit_authorized_at", *params.DepositAuthorizedAt)
	}
	if params.DepositCapturedAt != nil {
		add("deposit_captured_at", *params.DepositCapturedAt)
	}
	if params.DepositReleasedAt != nil {
		add("deposit_released_at", *params.DepositReleasedAt)
	}
	if params.DepositRefundedAt != nil {
		add("deposit_refunded_at", *params.DepositRefundedAt)
	}
	if params.PlatformFeeAmount != nil {
		add("platform_fee_amount", *params.PlatformFeeAmount)
	}
	if params.NetAmount != nil {
		add("net_amount", *params.NetAmount)
	}
	if params.GatewayPaymentIntentID != nil {
		add("gateway_payment_intent_id", *params.GatewayPaymentIntentID)
	}
	if params.GatewayTransferID != nil {
		add("gateway_transfer_id", *params.GatewayTransferID)
	}
	if params.GatewayCustomerID != nil {
		add("gateway_customer_id", *params.GatewayCustomerID)
	}
	if params.FinancialHold != nil {
		add("financial_hold", *params.FinancialHold)
	}

	query := fmt.Sprintf(`UPDATE bookings SET %s WHERE id = $1`, strings.Join(setClauses, ", "))
	result, err := b.tx.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrBookingNotFound
	}
	return nil
}

// RecordBookingTransition appends one audit row for a lifecycle transition.
func (b *bookingTx) RecordBookingTransition(ctx context.Context, transition domain.BookingTransition) error {
	query := `
		INSERT INTO booking_transitions (id, booking_id, from_status, to_status, actor, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := b.tx.Exec(ctx, query,
		transition.ID, transition.BookingID, transition.FromStatus, transition.ToStatus,
		transition.Actor, transition.OccurredAt,
	)
	return err
}

const paymentInsertQuery = `
	INSERT INTO payments (
		id, booking_id, amount, currency, payment_type, status,
		gateway_payment_intent_id, gateway_charge_id, deposit_status,
		refund_amount, refund_date, transfer_group, disputed, created_at, updated_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
`

func (b *bookingTx) CreatePayment(ctx context.Context, p *domain.Payment) error {
	_, err := b.tx.Exec(ctx, paymentInsertQuery,
		p.ID, p.BookingID, p.Amount, p.Currency, p.Type, p.Status,
		p.GatewayPaymentIntentID, p.GatewayChargeID, p.DepositStatus,
		p.RefundAmount, p.RefundDate, p.TransferGroup, p.Disputed,
	)
	return err
}

const paymentColumns = `
	id, booking_id, amount, currency, payment_type, status,
	gateway_payment_intent_id, gateway_charge_id, deposit_status,
	refund_amount, refund_date, transfer_group, disputed, created_at, updated_at`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(
		&p.ID, &p.BookingID, &p.Amount, &p.Currency, &p.Type, &p.Status,
		&p.GatewayPaymentIntentID, &p.GatewayChargeID, &p.DepositStatus,
		&p.RefundAmount, &p.RefundDate, &p.TransferGroup, &p.Disputed, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

// FindPaymentByType returns the most recent payment of the given type for
// the locked booking.
func (b *bookingTx) FindPaymentByType(ctx context.Context, paymentType domain.PaymentType) (*domain.Payment, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM payments
		WHERE booking_id = $1 AND payment_type = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, paymentColumns)
	return scanPayment(b.tx.QueryRow(ctx, query, b.booking.ID, paymentType))
}

func (b *bookingTx) UpdatePayment(ctx context.Context, paymentID uuid.UUID, params UpdatePaymentParams) error {
	setClauses := []string{"updated_at = NOW()"}
	args := []any{paymentID}

	add := func(column string, value any) {
		args = append(args, value)
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if params.Status != nil {
		add("status", *params.Status)
	}
	if params.DepositStatus != nil {
		add("deposit_status", *params.DepositStatus)
	}
	if params.GatewayChargeID != nil {
		add("gateway_charge_id", *params.GatewayChargeID)
	}
	if params.RefundAmount != nil {
		add("refund_amount", *params.RefundAmount)
	}
	if params.RefundDate != nil {
		add("refund_date", *params.RefundDate)
	}
	if params.Disputed != nil {
		add("disputed", *params.Disputed)
	}

	query := fmt.Sprintf(`UPDATE payments SET %s WHERE id = $1`, strings.Join(setClauses, ", "))
	result, err := b.tx.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (b *bookingTx) CreateTransfer(ctx context.Context, t *domain.Transfer) error {
	query := `
		INSERT INTO transfers (
			id, booking_id, amount, platform_fee, net_amount, currency,
			destination_account_id, status, gateway_transfer_id, reversal_id,
			failure_reason, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
	`
	_, err := b.tx.Exec(ctx, query,
		t.ID, t.BookingID, t.Amount, t.PlatformFee, t.NetAmount, t.Currency,
		t.DestinationAccountID, t.Status, t.GatewayTransferID, t.ReversalID, t.FailureReason,
	)
	return err
}

func (b *bookingTx) MarkWebhookEventProcessed(ctx context.Context, eventID uuid.UUID) error {
	return markWebhookEventProcessed(ctx, b.tx, eventID)
}

// CreatePayment inserts a payment outside any booking lock; used when a
// charge or authorization is first initiated.
func (r *PostgresRepository) CreatePayment(ctx context.Context, p *domain.Payment) error {
	_, err := r.db.Exec(ctx, paymentInsertQuery,
		p.ID, p.BookingID, p.Amount, p.Currency, p.Type, p.Status,
		p.GatewayPaymentIntentID, p.GatewayChargeID, p.DepositStatus,
		p.RefundAmount, p.RefundDate, p.TransferGroup, p.Disputed,
	)
	return err
}

// FindPaymentsByBookingID retrieves all payments for a booking, newest first.
func (r *PostgresRepository) FindPaymentsByBookingID(ctx context.Context, bookingID uuid.UUID) ([]domain.Payment, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM payments
		WHERE booking_id = $1
		ORDER BY created_at DESC
	`, paymentColumns)
	rows, err := r.db.Query(ctx, query, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(
			&p.ID, &p.BookingID, &p.Amount, &p.Currency, &p.Type, &p.Status,
			&p.GatewayPaymentIntentID, &p.GatewayChargeID, &p.DepositStatus,
			&p.RefundAmount, &p.RefundDate, &p.TransferGroup, &p.Disputed, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

type pgxExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// markWebhookEventProcessed is shared between the pool-level repository and
// the booking transaction scope.
func markWebhookEventProcessed(ctx context.Context, exec pgxExecutor, eventID uuid.UUID) error {
	query := `
		UPDATE webhook_events
		SET processed = TRUE, processed_at = NOW(), error_message = NULL, next_retry_at = NULL
		WHERE id = $1
	`
	result, err := exec.Exec(ctx, query, eventID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrWebhookEventNotFound
	}
	return nil
}
