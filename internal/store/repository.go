/**
 * @description
 * This file defines the `Repository` interface: the contract for all data
 * access the settlement engine needs. Decoupling the application logic from
 * PostgreSQL keeps the state machines and the reconciler testable with stub
 * repositories.
 *
 * The per-booking serialization required by the engine (two concurrent
 * webhook deliveries must not interleave their read-modify-write of booking
 * fields) is expressed as `WithBookingLock`: the callback runs inside a
 * transaction holding a row lock on the booking, and everything written
 * through the `BookingTx` commits or rolls back atomically, including the
 * webhook event's processed flag.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aegisaosoft/aegis-ao-rental-sub006/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Booking reads
	FindBookingByID(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error)
	FindBookingByPaymentIntentID(ctx context.Context, paymentIntentID string) (*domain.Booking, error)

	// WithBookingLock runs fn inside a transaction holding a row lock on the
	// booking. All settlement mutations of booking-embedded fields go through
	// the BookingTx it provides.
	WithBookingLock(ctx context.Context, bookingID uuid.UUID, fn func(tx BookingTx) error) error

	// Payments
	CreatePayment(ctx context.Context, p *domain.Payment) error
	FindPaymentsByBookingID(ctx context.Context, bookingID uuid.UUID) ([]domain.Payment, error)

	// Webhook events. InsertWebhookEventIfAbsent is the deduplication
	// primitive: an atomic insert-if-absent keyed by the external event id,
	// deliberately outside any booking lock.
	InsertWebhookEventIfAbsent(ctx context.Context, event *domain.WebhookEvent) (inserted bool, err error)
	FindWebhookEventByID(ctx context.Context, eventID uuid.UUID) (*domain.WebhookEvent, error)
	ScheduleWebhookRetry(ctx context.Context, eventID uuid.UUID, errorMessage string, retryCount int, nextRetryAt time.Time) error
	MarkWebhookEventDeadLettered(ctx context.Context, eventID uuid.UUID, errorMessage string) error
	MarkWebhookEventProcessed(ctx context.Context, eventID uuid.UUID) error
	ListDueWebhookEvents(ctx context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error)
	ListDeadLetteredWebhookEvents(ctx context.Context, limit int) ([]domain.WebhookEvent, error)

	// Transfer ledger
	FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error)
	FindTransferByGatewayID(ctx context.Context, gatewayTransferID string) (*domain.Transfer, error)
	FindActiveTransferByBookingID(ctx context.Context, bookingID uuid.UUID) (*domain.Transfer, error)
	MarkTransferPaid(ctx context.Context, transferID uuid.UUID) error
	MarkTransferFailed(ctx context.Context, transferID uuid.UUID, reason string) error
	ReverseTransfer(ctx context.Context, transferID uuid.UUID, reversalID string) error

	// Dispute / refund tracker (idempotent upserts keyed by external id)
	UpsertDisputeRecord(ctx context.Context, record *domain.DisputeRecord) (*domain.DisputeRecord, error)
	ResolveDispute(ctx context.Context, externalDisputeID string, status domain.DisputeStatus, resolvedAt time.Time) (*domain.DisputeRecord, error)
	UpsertRefundRecord(ctx context.Context, record *domain.RefundRecord) (*domain.RefundRecord, error)
	FindDisputesByBookingID(ctx context.Context, bookingID uuid.UUID) ([]domain.DisputeRecord, error)
	FindRefundsByBookingID(ctx context.Context, bookingID uuid.UUID) ([]domain.RefundRecord, error)
}

// BookingTx is the transaction-scoped view handed to WithBookingLock
// callbacks. The booking snapshot was loaded FOR UPDATE; writes through this
// interface commit together or not at all.
type BookingTx interface {
	// Booking returns the locked snapshot the callback should reason about.
	Booking() *domain.Booking

	UpdateBookingFinancials(ctx context.Context, params UpdateBookingFinancialsParams) error
	RecordBookingTransition(ctx context.Context, transition domain.BookingTransition) error

	CreatePayment(ctx context.Context, p *domain.Payment) error
	FindPaymentByType(ctx context.Context, paymentType domain.PaymentType) (*domain.Payment, error)
	UpdatePayment(ctx context.Context, paymentID uuid.UUID, params UpdatePaymentParams) error

	CreateTransfer(ctx context.Context, t *domain.Transfer) error

	// MarkWebhookEventProcessed sets processed=true inside the same
	// transaction as the side effect, closing the "marked processed but
	// effect lost" window.
	MarkWebhookEventProcessed(ctx context.Context, eventID uuid.UUID) error
}

// UpdateBookingFinancialsParams lists the booking columns the settlement
// engine may write. Nil fields are left untouched.
type UpdateBookingFinancialsParams struct {
	Status        *domain.BookingStatus
	PaymentStatus *domain.PaymentState

	DepositStatus         *domain.DepositStatus
	DepositChargedAmount  *int64
	DepositRefundedAmount *int64
	DepositCaptureReason  *string
	DepositAuthorizedAt   *time.Time
	DepositCapturedAt     *time.Time
	DepositReleasedAt     *time.Time
	DepositRefundedAt     *time.Time

	// PlatformFeeAmount and NetAmount must always be set together.
	PlatformFeeAmount *int64
	NetAmount         *int64

	GatewayPaymentIntentID *string
	GatewayTransferID      *string
	GatewayCustomerID      *string

	FinancialHold *bool
}

// UpdatePaymentParams lists the payment columns reconciliation may write.
type UpdatePaymentParams struct {
	Status          *domain.PaymentState
	DepositStatus   *domain.DepositStatus
	GatewayChargeID *string
	RefundAmount    *int64
	RefundDate      *time.Time
	Disputed        *bool
}
