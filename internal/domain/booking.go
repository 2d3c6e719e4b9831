/**
 * @description
 * This file defines the core domain model for a rental booking as seen by the
 * settlement engine. The booking row is created by the fleet/pricing service;
 * the settlement engine only mutates its financial, deposit, and transfer
 * reference fields.
 *
 * @notes
 * - Amounts are stored as `int64` in the currency's minor unit (cents), which
 *   avoids floating-point inaccuracies with financial data.
 * - The `Version` column backs optimistic concurrency: every settlement write
 *   to a booking happens inside a row-locked transaction and bumps it.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// BookingStatus is the booking lifecycle state.
type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingPickedUp  BookingStatus = "picked_up"
	BookingActive    BookingStatus = "active"
	BookingReturned  BookingStatus = "returned"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
	BookingNoShow    BookingStatus = "no_show"
)

// IsTerminal reports whether no further lifecycle or payment-state mutation is allowed.
func (s BookingStatus) IsTerminal() bool {
	return s == BookingCompleted || s == BookingCancelled || s == BookingNoShow
}

// DepositStatus is the security-deposit sub-lifecycle attached to a booking.
type DepositStatus string

const (
	DepositPending    DepositStatus = "pending"
	DepositAuthorized DepositStatus = "authorized"
	DepositCaptured   DepositStatus = "captured"
	DepositReleased   DepositStatus = "released"
	DepositRefunded   DepositStatus = "refunded"
)

// IsTerminal reports whether the deposit sub-lifecycle has settled. A captured
// deposit is not terminal: money has been taken but a refund may still follow.
func (s DepositStatus) IsTerminal() bool {
	return s == DepositReleased || s == DepositRefunded
}

// Booking is the settlement engine's view of a reservation. Maps to the
// `bookings` table; only the financial columns are written by this service.
type Booking struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	CustomerID uuid.UUID `json:"customer_id"`
	VehicleID  uuid.UUID `json:"vehicle_id"`
	StartDate  time.Time `json:"start_date"`
	EndDate    time.Time `json:"end_date"`
	Currency   string    `json:"currency"`

	DailyRateAmount int64 `json:"daily_rate_amount"`
	SubtotalAmount  int64 `json:"subtotal_amount"`
	TaxAmount       int64 `json:"tax_amount"`
	InsuranceAmount int64 `json:"insurance_amount"`
	FeesAmount      int64 `json:"fees_amount"`
	TotalAmount     int64 `json:"total_amount"`

	Status        BookingStatus `json:"status"`
	PaymentStatus PaymentState  `json:"payment_status"`

	DepositAmount         int64         `json:"deposit_amount"`
	DepositStatus         DepositStatus `json:"deposit_status"`
	DepositChargedAmount  int64         `json:"deposit_charged_amount"`
	DepositRefundedAmount int64         `json:"deposit_refunded_amount"`
	DepositCaptureReason  *string       `json:"deposit_capture_reason,omitempty"`
	DepositAuthorizedAt   *time.Time    `json:"deposit_authorized_at,omitempty"`
	DepositCapturedAt     *time.Time    `json:"deposit_captured_at,omitempty"`
	DepositReleasedAt     *time.Time    `json:"deposit_released_at,omitempty"`
	DepositRefundedAt     *time.Time    `json:"deposit_refunded_at,omitempty"`

	PlatformFeeAmount int64 `json:"platform_fee_amount"`
	NetAmount         int64 `json:"net_amount"`

	GatewayPaymentIntentID *string `json:"gateway_payment_intent_id,omitempty"`
	GatewayTransferID      *string `json:"gateway_transfer_id,omitempty"`
	GatewayCustomerID      *string `json:"gateway_customer_id,omitempty"`

	// FinancialHold blocks all settlement mutation after a ledger integrity
	// violation was detected on read. Cleared only by manual reconciliation.
	FinancialHold bool `json:"financial_hold"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BookingTransition is the audit record written for every booking lifecycle
// transition, legal or attempted-and-applied only.
type BookingTransition struct {
	ID         uuid.UUID     `json:"id"`
	BookingID  uuid.UUID     `json:"booking_id"`
	FromStatus BookingStatus `json:"from_status"`
	ToStatus   BookingStatus `json:"to_status"`
	Actor      string        `json:"actor"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// FinancialSummary is the read model returned to dashboard and notification
// collaborators: the current booking/payment/deposit/transfer snapshot.
type FinancialSummary struct {
	Booking  *Booking        `json:"booking"`
	Payments []Payment       `json:"payments"`
	Transfer *Transfer       `json:"transfer,omitempty"`
	Disputes []DisputeRecord `json:"disputes,omitempty"`
	Refunds  []RefundRecord  `json:"refunds,omitempty"`
}
