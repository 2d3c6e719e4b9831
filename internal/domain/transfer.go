package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransferStatus is the lifecycle of a platform-to-tenant payout.
type TransferStatus string

const (
	TransferPending  TransferStatus = "pending"
	TransferPaid     TransferStatus = "paid"
	TransferFailed   TransferStatus = "failed"
	TransferCanceled TransferStatus = "canceled"
	TransferReversed TransferStatus = "reversed"
)

// Transfer records one money movement from the platform to a tenant's
// connected account for a booking, net of the platform fee.
//
// Invariant: NetAmount = Amount - PlatformFee, always. The fee is frozen at
// transfer-creation time; later changes to the booking's fee rate never
// rewrite historical transfer math.
type Transfer struct {
	ID                   uuid.UUID      `json:"id"`
	BookingID            uuid.UUID      `json:"booking_id"`
	Amount               int64          `json:"amount"`
	PlatformFee          int64          `json:"platform_fee"`
	NetAmount            int64          `json:"net_amount"`
	Currency             string         `json:"currency"`
	DestinationAccountID string         `json:"destination_account_id"`
	Status               TransferStatus `json:"status"`
	GatewayTransferID    *string        `json:"gateway_transfer_id,omitempty"`
	ReversalID           *string        `json:"reversal_id,omitempty"`
	FailureReason        *string        `json:"failure_reason,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}
