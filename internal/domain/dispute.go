package domain

import (
	"time"

	"github.com/google/uuid"
)

// DisputeStatus tracks a chargeback's progression. A dispute never forces a
// payment to refunded; resolution in the cardholder's favour does.
type DisputeStatus string

const (
	DisputeOpen DisputeStatus = "open"
	DisputeWon  DisputeStatus = "won"
	DisputeLost DisputeStatus = "lost"
)

// DisputeRecord is an append-mostly audit record keyed by the gateway's
// dispute id. Only status/outcome fields progress after creation.
type DisputeRecord struct {
	ID                uuid.UUID     `json:"id"`
	ExternalDisputeID string        `json:"external_dispute_id"`
	BookingID         uuid.UUID     `json:"booking_id"`
	PaymentID         *uuid.UUID    `json:"payment_id,omitempty"`
	Amount            int64         `json:"amount"`
	Currency          string        `json:"currency"`
	Reason            string        `json:"reason"`
	Status            DisputeStatus `json:"status"`
	ResolvedAt        *time.Time    `json:"resolved_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// RefundRecord is an append-mostly audit record keyed by the gateway's
// refund id.
type RefundRecord struct {
	ID               uuid.UUID  `json:"id"`
	ExternalRefundID string     `json:"external_refund_id"`
	BookingID        uuid.UUID  `json:"booking_id"`
	PaymentID        *uuid.UUID `json:"payment_id,omitempty"`
	Amount           int64      `json:"amount"`
	Currency         string     `json:"currency"`
	Reason           string     `json:"reason"`
	RefundedAt       time.Time  `json:"refunded_at"`
	CreatedAt        time.Time  `json:"created_at"`
}
