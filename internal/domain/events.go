package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys for domain events published on the settlement exchange.
// Notification and analytics collaborators bind to these.
const (
	RoutingDepositAuthorized = "settlement.deposit.authorized"
	RoutingDepositCaptured   = "settlement.deposit.captured"
	RoutingDepositReleased   = "settlement.deposit.released"
	RoutingDepositRefunded   = "settlement.deposit.refunded"
	RoutingBookingConfirmed  = "settlement.booking.confirmed"
	RoutingBookingCompleted  = "settlement.booking.completed"
	RoutingTransferPaid      = "settlement.transfer.paid"
	RoutingTransferReversed  = "settlement.transfer.reversed"
	RoutingWebhookDeadLetter = "settlement.webhook.dead_letter"
)

// DepositEvent is published on deposit sub-lifecycle transitions.
type DepositEvent struct {
	BookingID uuid.UUID     `json:"booking_id"`
	TenantID  uuid.UUID     `json:"tenant_id"`
	Status    DepositStatus `json:"status"`
	Amount    int64         `json:"amount"`
	Reason    string        `json:"reason,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// BookingLifecycleEvent is published on booking state transitions of
// interest to collaborators.
type BookingLifecycleEvent struct {
	BookingID uuid.UUID     `json:"booking_id"`
	TenantID  uuid.UUID     `json:"tenant_id"`
	Status    BookingStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}

// TransferEvent is published when a payout settles or is reversed.
type TransferEvent struct {
	BookingID   uuid.UUID      `json:"booking_id"`
	TransferID  uuid.UUID      `json:"transfer_id"`
	Status      TransferStatus `json:"status"`
	Amount      int64          `json:"amount"`
	PlatformFee int64          `json:"platform_fee"`
	NetAmount   int64          `json:"net_amount"`
	Timestamp   time.Time      `json:"timestamp"`
}

// WebhookDeadLetterEvent is published when an event exhausts its retries and
// requires manual intervention. It must never be silently dropped.
type WebhookDeadLetterEvent struct {
	ExternalEventID string    `json:"external_event_id"`
	EventType       string    `json:"event_type"`
	RetryCount      int       `json:"retry_count"`
	LastError       string    `json:"last_error"`
	Timestamp       time.Time `json:"timestamp"`
}
