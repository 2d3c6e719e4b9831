package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentState is the lifecycle of one money-movement record.
type PaymentState string

const (
	PaymentPending  PaymentState = "pending"
	PaymentPaid     PaymentState = "paid"
	PaymentFailed   PaymentState = "failed"
	PaymentRefunded PaymentState = "refunded"
)

// PaymentType distinguishes the logical purpose of a payment row.
type PaymentType string

const (
	PaymentRentalCharge         PaymentType = "rental_charge"
	PaymentDepositAuthorization PaymentType = "deposit_authorization"
	PaymentDepositCapture       PaymentType = "deposit_capture"
)

// Payment is one money-movement record referencing a booking. Created when a
// charge or authorization is initiated; updated only by reconciliation.
type Payment struct {
	ID        uuid.UUID    `json:"id"`
	BookingID uuid.UUID    `json:"booking_id"`
	Amount    int64        `json:"amount"`
	Currency  string       `json:"currency"`
	Type      PaymentType  `json:"payment_type"`
	Status    PaymentState `json:"status"`

	GatewayPaymentIntentID *string `json:"gateway_payment_intent_id,omitempty"`
	GatewayChargeID        *string `json:"gateway_charge_id,omitempty"`

	// DepositStatus mirrors the booking's deposit sub-state for deposit-type
	// payments so analytics can query payments without joining bookings.
	DepositStatus *DepositStatus `json:"deposit_status,omitempty"`

	RefundAmount int64      `json:"refund_amount"`
	RefundDate   *time.Time `json:"refund_date,omitempty"`

	// TransferGroup correlates the rental and deposit payments belonging to
	// one booking on the gateway side.
	TransferGroup string `json:"transfer_group"`

	Disputed  bool      `json:"disputed"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
