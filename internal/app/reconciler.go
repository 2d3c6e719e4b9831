/**
 * @description
 * Webhook reconciler: idempotent ingestion of asynchronous payment-gateway
 * events and dispatch to the booking, deposit, transfer, and dispute
 * components.
 *
 * The algorithm:
 * 1. Insert-if-absent on the external event id, outside any booking lock.
 *    A losing insert means duplicate delivery and stops here.
 * 2. Dispatch by event type. Booking-scoped effects run inside the booking
 *    row lock and commit together with processed=true, so a processed event
 *    always had its side effect committed.
 * 3. A retryable failure schedules exponential backoff; the retry ceiling
 *    moves the event to dead-letter for manual review. It is never dropped.
 * 4. Sweep re-drives due events; handlers are re-entrant because every
 *    applier treats its own effect as an idempotent no-op on re-delivery.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/aegisaosoft/aegis-ao-rental-sub006/internal/domain"
	"github.com/aegisaosoft/aegis-ao-rental-sub006/internal/store"
)

// Ingest is the sole write entry point for the payment gateway adapter.
func (s *Service) Ingest(ctx context.Context, event *domain.GatewayEvent) (domain.IngestOutcome, error) {
	payload := []byte(event.Raw)
	if len(payload) == 0 {
		encoded, err := json.Marshal(event)
		if err != nil {
			return domain.IngestRejected, fmt.Errorf("failed to encode event payload: %w", err)
		}
		payload = encoded
	}

	record := &domain.WebhookEvent{
		ID:              uuid.New(),
		ExternalEventID: event.ExternalID,
		EventType:       event.Type,
		Payload:         payload,
		OccurredAt:      event.OccurredAt,
	}
	if event.Data.BookingID != uuid.Nil {
		bookingID := event.Data.BookingID
		record.BookingID = &bookingID
	}

	inserted, err := s.repo.InsertWebhookEventIfAbsent(ctx, record)
	if err != nil {
		return domain.IngestRetrying, fmt.Errorf("failed to record webhook event: %w", err)
	}
	if !inserted {
		log.Printf("level=info component=reconciler outcome=duplicate external_event_id=%s type=%s", event.ExternalID, event.Type)
		return domain.IngestDuplicate, nil
	}

	if err := s.processEvent(ctx, record, event); err != nil {
		if IsRetryable(err) {
			return s.scheduleRetry(ctx, record, err), nil
		}
		return s.rejectEvent(ctx, record, err), nil
	}
	return domain.IngestAck, nil
}

// Sweep re-drives unprocessed events whose retry time has come. Invoked by
// the scheduler; returns how many events succeeded and how many failed again.
func (s *Service) Sweep(ctx context.Context, limit int) (succeeded, failed int, err error) {
	due, err := s.repo.ListDueWebhookEvents(ctx, s.now(), limit)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list due webhook events: %w", err)
	}

	for i := range due {
		record := &due[i]
		event, parseErr := s.decodeStoredEvent(record)
		if parseErr != nil {
			s.rejectEvent(ctx, record, parseErr)
			failed++
			continue
		}

		if procErr := s.processEvent(ctx, record, event); procErr != nil {
			failed++
			if IsRetryable(procErr) {
				s.scheduleRetry(ctx, record, procErr)
			} else {
				s.rejectEvent(ctx, record, procErr)
			}
			continue
		}
		succeeded++
	}
	return succeeded, failed, nil
}

// decodeStoredEvent rebuilds the typed event from the persisted payload. The
// stored row is authoritative for id, type, and timestamp.
func (s *Service) decodeStoredEvent(record *domain.WebhookEvent) (*domain.GatewayEvent, error) {
	var event domain.GatewayEvent
	if err := json.Unmarshal(record.Payload, &event); err != nil {
		return nil, fmt.Errorf("stored payload for event %s is unparsable: %w", record.ExternalEventID, err)
	}
	event.ExternalID = record.ExternalEventID
	event.Type = record.EventType
	event.OccurredAt = record.OccurredAt
	event.Raw = json.RawMessage(record.Payload)
	return &event, nil
}

// processEvent dispatches one event. Success means the event's effect and
// its processed flag are both committed.
func (s *Service) processEvent(ctx context.Context, record *domain.WebhookEvent, event *domain.GatewayEvent) error {
	switch event.Type {
	case domain.EventPaymentSucceeded:
		return s.handlePaymentSucceeded(ctx, record, event)
	case domain.EventPaymentFailed:
		return s.handlePaymentFailed(ctx, record, event)
	case domain.EventDepositAuthorized, domain.EventDepositCaptured, domain.EventDepositReleased, domain.EventDepositRefunded:
		return s.handleDepositEvent(ctx, record, event)
	case domain.EventTransferPaid:
		if err := s.applyTransferPaid(ctx, event.Data.TransferID, event.OccurredAt); err != nil {
			return err
		}
		return s.repo.MarkWebhookEventProcessed(ctx, record.ID)
	case domain.EventTransferFailed:
		if err := s.applyTransferFailed(ctx, event.Data.TransferID, event.Data.FailureMessage); err != nil {
			return err
		}
		return s.repo.MarkWebhookEventProcessed(ctx, record.ID)
	case domain.EventTransferReversed:
		if err := s.applyTransferReversed(ctx, event.Data.TransferID, event.Data.ReversalID, event.OccurredAt); err != nil {
			return err
		}
		return s.repo.MarkWebhookEventProcessed(ctx, record.ID)
	case domain.EventDisputeCreated:
		return s.handleDisputeCreated(ctx, record, event)
	case domain.EventDisputeClosed:
		return s.handleDisputeClosed(ctx, record, event)
	case domain.EventRefundSucceeded:
		return s.handleRefundSucceeded(ctx, record, event)
	default:
		log.Printf("level=warn component=reconciler msg=\"unhandled event type acknowledged\" type=%s external_event_id=%s", event.Type, event.ExternalID)
		return s.repo.MarkWebhookEventProcessed(ctx, record.ID)
	}
}

func (s *Service) handlePaymentSucceeded(ctx context.Context, record *domain.WebhookEvent, event *domain.GatewayEvent) error {
	bookingID, err := s.resolveBookingID(ctx, event)
	if err != nil {
		return err
	}

	booking, err := s.repo.FindBookingByID(ctx, bookingID)
	if err != nil {
		return err
	}
	if booking.PaymentStatus == domain.PaymentPaid {
		// Redelivered success notification; state already reflects it.
		return s.repo.MarkWebhookEventProcessed(ctx, record.ID)
	}

	// Settle the payout before flipping payment state so that a transient
	// transfer failure retries the whole event with nothing half-applied.
	if _, err := s.SettleBookingTransfer(ctx, bookingID); err != nil {
		if IsRetryable(err) {
			return err
		}
		if !errors.Is(err, ErrActiveTransferExists) {
			log.Printf("level=warn component=reconciler booking_id=%s msg=\"payout not settled with payment\" err=%v", bookingID, err)
		}
	}

	err = s.repo.WithBookingLock(ctx, bookingID, func(tx store.BookingTx) error {
		b := tx.Booking()
		if b.FinancialHold {
			return ErrFinancialHold
		}
		if b.Status.IsTerminal() {
			if event.OccurredAt.Before(b.UpdatedAt) {
				return tx.MarkWebhookEventProcessed(ctx, record.ID)
			}
			return &InvalidTransitionError{Entity: "booking", From: string(b.Status), To: "paid"}
		}

		paid := domain.PaymentPaid
		if payment, findErr := tx.FindPaymentByType(ctx, domain.PaymentRentalCharge); findErr == nil {
			params := store.UpdatePaymentParams{Status: &paid}
			if event.Data.ChargeID != "" {
				chargeID := event.Data.ChargeID
				params.GatewayChargeID = &chargeID
			}
			if err := tx.UpdatePayment(ctx, payment.ID, params); err != nil {
				return err
			}
		} else if errors.Is(findErr, store.ErrPaymentNotFound) {
			// Charge was initiated outside this service; record it now.
			payment := &domain.Payment{
				ID:            uuid.New(),
				BookingID:     bookingID,
				Amount:        b.TotalAmount,
				Currency:      b.Currency,
				Type:          domain.PaymentRentalCharge,
				Status:        paid,
				TransferGroup: bookingID.String(),
			}
			if event.Data.PaymentIntentID != "" {
				intentID := event.Data.PaymentIntentID
				payment.GatewayPaymentIntentID = &intentID
			}
			if event.Data.ChargeID != "" {
				chargeID := event.Data.ChargeID
				payment.GatewayChargeID = &chargeID
			}
			if err := tx.CreatePayment(ctx, payment); err != nil {
				return err
			}
		} else {
			return findErr
		}

		if err := tx.UpdateBookingFinancials(ctx, store.UpdateBookingFinancialsParams{PaymentStatus: &paid}); err != nil {
			return err
		}
		return tx.MarkWebhookEventProcessed(ctx, record.ID)
	})
	if err != nil {
		return err
	}

	if booking.Status == domain.BookingPending {
		if confirmErr := s.TransitionBooking(ctx, bookingID, domain.BookingConfirmed, "reconciler"); confirmErr != nil {
			log.Printf("level=warn component=reconciler booking_id=%s msg=\"auto-confirm after payment declined\" err=%v", bookingID, confirmErr)
		}
	}
	return nil
}

func (s *Service) handlePaymentFailed(ctx context.Context, record *domain.WebhookEvent, event *domain.GatewayEvent) error {
	bookingID, err := s.resolveBookingID(ctx, event)
	if err != nil {
		return err
	}

	return s.repo.WithBookingLock(ctx, bookingID, func(tx store.BookingTx) error {
		b := tx.Booking()
		if b.FinancialHold {
			return ErrFinancialHold
		}
		if b.PaymentStatus == domain.PaymentPaid || b.Status.IsTerminal() {
			// The charge already succeeded, or the booking closed; a late
			// failure notification is stale.
			return tx.MarkWebhookEventProcessed(ctx, record.ID)
		}

		failed := domain.PaymentFailed
		if payment, findErr := tx.FindPaymentByType(ctx, domain.PaymentRentalCharge); findErr == nil {
			if err := tx.UpdatePayment(ctx, payment.ID, store.UpdatePaymentParams{Status: &failed}); err != nil {
				return err
			}
		} else if !errors.Is(findErr, store.ErrPaymentNotFound) {
			return findErr
		}
		if err := tx.UpdateBookingFinancials(ctx, store.UpdateBookingFinancialsParams{PaymentStatus: &failed}); err != nil {
			return err
		}
		log.Printf("level=warn component=reconciler booking_id=%s msg=\"rental payment failed\" reason=%q", bookingID, event.Data.FailureMessage)
		return tx.MarkWebhookEventProcessed(ctx, record.ID)
	})
}

func (s *Service) handleDepositEvent(ctx context.Context, record *domain.WebhookEvent, event *domain.GatewayEvent) error {
	bookingID, err := s.resolveBookingID(ctx, event)
	if err != nil {
		return err
	}

	var amount *int64
	if event.Data.Amount > 0 {
		amount = &event.Data.Amount
	}

	var depositEvent *domain.DepositEvent
	var wasPending bool
	err = s.repo.WithBookingLock(ctx, bookingID, func(tx store.BookingTx) error {
		b := tx.Booking()
		if b.FinancialHold {
			return ErrFinancialHold
		}
		wasPending = b.Status == domain.BookingPending

		var applyErr error
		switch event.Type {
		case domain.EventDepositAuthorized:
			depositEvent, applyErr = s.applyDepositAuthorized(ctx, tx, event.OccurredAt)
		case domain.EventDepositCaptured:
			depositEvent, applyErr = s.applyDepositCaptured(ctx, tx, amount, event.Data.Reason, event.OccurredAt)
		case domain.EventDepositReleased:
			depositEvent, applyErr = s.applyDepositReleased(ctx, tx, event.OccurredAt)
		case domain.EventDepositRefunded:
			depositEvent, applyErr = s.applyDepositRefunded(ctx, tx, amount, event.OccurredAt)
		}
		if applyErr != nil {
			// An event contradicting newer persisted state is a stale
			// redelivery, acknowledged without mutation.
			if errors.Is(applyErr, ErrInvalidTransition) && event.OccurredAt.Before(b.UpdatedAt) {
				depositEvent = nil
				return tx.MarkWebhookEventProcessed(ctx, record.ID)
			}
			return applyErr
		}
		return tx.MarkWebhookEventProcessed(ctx, record.ID)
	})
	if err != nil {
		return err
	}

	if depositEvent != nil {
		s.publish(ctx, depositRoutingKey(depositEvent.Status), depositEvent)
	}
	if event.Type == domain.EventDepositAuthorized && depositEvent != nil && wasPending {
		if confirmErr := s.TransitionBooking(ctx, bookingID, domain.BookingConfirmed, "reconciler"); confirmErr != nil {
			log.Printf("level=warn component=reconciler booking_id=%s msg=\"auto-confirm after deposit authorization declined\" err=%v", bookingID, confirmErr)
		}
	}
	return nil
}

func depositRoutingKey(status domain.DepositStatus) string {
	switch status {
	case domain.DepositAuthorized:
		return domain.RoutingDepositAuthorized
	case domain.DepositCaptured:
		return domain.RoutingDepositCaptured
	case domain.DepositReleased:
		return domain.RoutingDepositReleased
	default:
		return domain.RoutingDepositRefunded
	}
}

// resolveBookingID correlates an event to its booking, via the explicit id
// or the payment intent reference. A booking the engine cannot see yet is a
// retryable precondition failure, not a rejection.
func (s *Service) resolveBookingID(ctx context.Context, event *domain.GatewayEvent) (uuid.UUID, error) {
	if event.Data.BookingID != uuid.Nil {
		return event.Data.BookingID, nil
	}
	if event.Data.PaymentIntentID != "" {
		booking, err := s.repo.FindBookingByPaymentIntentID(ctx, event.Data.PaymentIntentID)
		if err != nil {
			if errors.Is(err, store.ErrBookingNotFound) {
				return uuid.Nil, fmt.Errorf("%w: no booking for intent %s", ErrPreconditionNotMet, event.Data.PaymentIntentID)
			}
			return uuid.Nil, err
		}
		return booking.ID, nil
	}
	return uuid.Nil, fmt.Errorf("event %s carries no booking correlation", event.ExternalID)
}

// scheduleRetry books the next attempt or dead-letters the event once the
// ceiling is reached. Dead-lettered events are announced; they must never be
// silently dropped.
func (s *Service) scheduleRetry(ctx context.Context, record *domain.WebhookEvent, cause error) domain.IngestOutcome {
	attempt := record.RetryCount + 1
	if attempt >= s.settings.RetryMaxAttempts {
		log.Printf("level=error component=reconciler external_event_id=%s msg=\"retries exhausted; dead-lettering\" attempts=%d err=%v", record.ExternalEventID, attempt, cause)
		if err := s.repo.MarkWebhookEventDeadLettered(ctx, record.ID, cause.Error()); err != nil {
			log.Printf("level=error component=reconciler external_event_id=%s msg=\"failed to dead-letter event\" err=%v", record.ExternalEventID, err)
			return domain.IngestRetrying
		}
		s.publish(ctx, domain.RoutingWebhookDeadLetter, &domain.WebhookDeadLetterEvent{
			ExternalEventID: record.ExternalEventID,
			EventType:       record.EventType,
			RetryCount:      attempt,
			LastError:       cause.Error(),
			Timestamp:       s.now(),
		})
		return domain.IngestRejected
	}

	nextRetryAt := s.now().Add(s.backoffDelay(record.RetryCount))
	if err := s.repo.ScheduleWebhookRetry(ctx, record.ID, cause.Error(), attempt, nextRetryAt); err != nil {
		log.Printf("level=error component=reconciler external_event_id=%s msg=\"failed to schedule retry\" err=%v", record.ExternalEventID, err)
	} else {
		log.Printf("level=info component=reconciler external_event_id=%s outcome=retrying attempt=%d next_retry_at=%s err=%v", record.ExternalEventID, attempt, nextRetryAt.Format(time.RFC3339), cause)
	}
	record.RetryCount = attempt
	return domain.IngestRetrying
}

// rejectEvent acknowledges a permanently failed event as a no-op. The error
// is retained in the log for operators; the event row stays as audit trail.
func (s *Service) rejectEvent(ctx context.Context, record *domain.WebhookEvent, cause error) domain.IngestOutcome {
	log.Printf("level=warn component=reconciler external_event_id=%s type=%s outcome=rejected err=%v", record.ExternalEventID, record.EventType, cause)
	if err := s.repo.MarkWebhookEventProcessed(ctx, record.ID); err != nil {
		log.Printf("level=error component=reconciler external_event_id=%s msg=\"failed to acknowledge rejected event\" err=%v", record.ExternalEventID, err)
	}
	return domain.IngestRejected
}

// backoffDelay grows exponentially from the configured base and saturates at
// the cap.
func (s *Service) backoffDelay(retryCount int) time.Duration {
	delay := s.settings.RetryBase
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= s.settings.RetryCap {
			return s.settings.RetryCap
		}
	}
	if delay > s.settings.RetryCap {
		return s.settings.RetryCap
	}
	return delay
}
