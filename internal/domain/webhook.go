/**
 * @description
 * This file defines the webhook-event models for the settlement engine.
 * A WebhookEvent is the immutable audit record of one inbound gateway
 * notification; a GatewayEvent is the verified, typed payload the gateway
 * adapter hands to the reconciler.
 *
 * @notes
 * - The external event id carries the uniqueness constraint that is the
 *   engine's sole deduplication mechanism. Rows are never deleted.
 */

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Gateway event types the reconciler dispatches on.
const (
	EventPaymentSucceeded  = "payment.succeeded"
	EventPaymentFailed     = "payment.failed"
	EventDepositAuthorized = "deposit.authorized"
	EventDepositCaptured   = "deposit.captured"
	EventDepositReleased   = "deposit.released"
	EventDepositRefunded   = "deposit.refunded"
	EventTransferPaid      = "transfer.paid"
	EventTransferFailed    = "transfer.failed"
	EventTransferReversed  = "transfer.reversed"
	EventDisputeCreated    = "dispute.created"
	EventDisputeClosed     = "dispute.closed"
	EventRefundSucceeded   = "refund.succeeded"
)

// WebhookEvent is the persisted record of one inbound gateway notification.
// Uniqueness on ExternalEventID is load-bearing for idempotency.
type WebhookEvent struct {
	ID              uuid.UUID  `json:"id"`
	ExternalEventID string     `json:"external_event_id"`
	EventType       string     `json:"event_type"`
	Payload         []byte     `json:"payload"`
	BookingID       *uuid.UUID `json:"booking_id,omitempty"`

	// OccurredAt is the gateway-side timestamp of the event, used to detect
	// stale redeliveries that arrive after newer state was already applied.
	OccurredAt time.Time `json:"occurred_at"`

	Processed    bool       `json:"processed"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	DeadLettered bool       `json:"dead_lettered"`
	CreatedAt    time.Time  `json:"created_at"`
}

// GatewayEvent is the verified, typed notification handed to the reconciler
// by the gateway adapter. Signature verification happened upstream.
type GatewayEvent struct {
	ExternalID string           `json:"id"`
	Type       string           `json:"type"`
	OccurredAt time.Time        `json:"occurred_at"`
	Data       GatewayEventData `json:"data"`
	Raw        json.RawMessage  `json:"-"`
}

// GatewayEventData is the common payload shape across gateway event types.
// Fields are populated per event type; absent ones stay zero.
type GatewayEventData struct {
	BookingID         uuid.UUID `json:"booking_id"`
	PaymentIntentID   string    `json:"payment_intent_id,omitempty"`
	ChargeID          string    `json:"charge_id,omitempty"`
	TransferID        string    `json:"transfer_id,omitempty"`
	ReversalID        string    `json:"reversal_id,omitempty"`
	DisputeID         string    `json:"dispute_id,omitempty"`
	RefundID          string    `json:"refund_id,omitempty"`
	Amount            int64     `json:"amount,omitempty"`
	Currency          string    `json:"currency,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	DisputeResolution string    `json:"dispute_resolution,omitempty"`
	FailureMessage    string    `json:"failure_message,omitempty"`
}

// IngestOutcome is the typed result of ingesting a gateway notification.
type IngestOutcome string

const (
	IngestAck       IngestOutcome = "ack"
	IngestDuplicate IngestOutcome = "duplicate"
	IngestRetrying  IngestOutcome = "retrying"
	IngestRejected  IngestOutcome = "rejected"
)
