/**
 * @description
 * Security deposit workflow: the authorize/capture/release/refund sub-state
 * machine attached to a booking. The apply* functions run inside the booking
 * row lock and are the single write path for deposit sub-state, shared by the
 * operator-facing operations and the webhook reconciler.
 *
 * Idempotency rules, because the gateway redelivers events:
 * - Re-applying the current state is a no-op returning the existing record.
 * - An event whose precondition state has not been reached yet (capture
 *   before authorize) is retryable, not an error.
 * - An event that contradicts a terminal state (capture after release) is a
 *   permanent invalid transition.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/aegisaosoft/aegis-ao-rental-sub006/internal/domain"
	"github.com/aegisaosoft/aegis-ao-rental-sub006/internal/store"
)

// applyDepositAuthorized moves the deposit hold from pending to authorized.
// Returns a nil event when nothing changed.
func (s *Service) applyDepositAuthorized(ctx context.Context, tx store.BookingTx, eventTime time.Time) (*domain.DepositEvent, error) {
	b := tx.Booking()
	switch b.DepositStatus {
	case domain.DepositPending:
		status := domain.DepositAuthorized
		if err := tx.UpdateBookingFinancials(ctx, store.UpdateBookingFinancialsParams{
			DepositStatus:       &status,
			DepositAuthorizedAt: &eventTime,
		}); err != nil {
			return nil, err
		}
		if err := s.mirrorDepositPayment(ctx, tx, status); err != nil {
			return nil, err
		}
		return &domain.DepositEvent{
			BookingID: b.ID,
			TenantID:  b.TenantID,
			Status:    status,
			Amount:    b.DepositAmount,
			Timestamp: s.now(),
		}, nil
	default:
		// Already authorized or progressed past it: a late or duplicate
		// authorize notification, acknowledged without mutation.
		return nil, nil
	}
}

// applyDepositCaptured converts the hold into a charge. A nil amount captures
// the full authorized amount; a partial capture must not exceed it.
func (s *Service) applyDepositCaptured(ctx context.Context, tx store.BookingTx, amount *int64, reason string, eventTime time.Time) (*domain.DepositEvent, error) {
	b := tx.Booking()
	switch b.DepositStatus {
	case domain.DepositAuthorized:
		captured := b.DepositAmount
		if amount != nil {
			captured = *amount
		}
		if captured <= 0 || captured > b.DepositAmount {
			return nil, fmt.Errorf("%w: capture of %d against authorization of %d", ErrAmountExceedsAuthorization, captured, b.DepositAmount)
		}

		status := domain.DepositCaptured
		params := store.UpdateBookingFinancialsParams{
			DepositStatus:        &status,
			DepositChargedAmount: &captured,
			DepositCapturedAt:    &eventTime,
		}
		if reason != "" {
			params.DepositCaptureReason = &reason
		}
		if err := tx.UpdateBookingFinancials(ctx, params); err != nil {
			return nil, err
		}

		capturePayment := &domain.Payment{
			ID:            uuid.New(),
			BookingID:     b.ID,
			Amount:        captured,
			Currency:      b.Currency,
			Type:          domain.PaymentDepositCapture,
			Status:        domain.PaymentPaid,
			DepositStatus: &status,
			TransferGroup: b.ID.String(),
		}
		if err := tx.CreatePayment(ctx, capturePayment); err != nil {
			return nil, err
		}
		if err := s.mirrorDepositPayment(ctx, tx, status); err != nil {
			return nil, err
		}
		return &domain.DepositEvent{
			BookingID: b.ID,
			TenantID:  b.TenantID,
			Status:    status,
			Amount:    captured,
			Reason:    reason,
			Timestamp: s.now(),
		}, nil
	case domain.DepositCaptured:
		// Redelivered capture: no double charge, no error.
		return nil, nil
	case domain.DepositPending:
		return nil, fmt.Errorf("%w: capture before authorization", ErrPreconditionNotMet)
	default:
		return nil, &InvalidTransitionError{Entity: "deposit", From: string(b.DepositStatus), To: string(domain.DepositCaptured)}
	}
}

// applyDepositReleased drops the hold without charging.
func (s *Service) applyDepositReleased(ctx context.Context, tx store.BookingTx, eventTime time.Time) (*domain.DepositEvent, error) {
	b := tx.Booking()
	switch b.DepositStatus {
	case domain.DepositAuthorized:
		status := domain.DepositReleased
		if err := tx.UpdateBookingFinancials(ctx, store.UpdateBookingFinancialsParams{
			DepositStatus:     &status,
			DepositReleasedAt: &eventTime,
		}); err != nil {
			return nil, err
		}
		if err := s.mirrorDepositPayment(ctx, tx, status); err != nil {
			return nil, err
		}
		return &domain.DepositEvent{
			BookingID: b.ID,
			TenantID:  b.TenantID,
			Status:    status,
			Amount:    b.DepositAmount,
			Timestamp: s.now(),
		}, nil
	case domain.DepositReleased, domain.DepositRefunded:
		return nil, nil
	case domain.DepositPending:
		return nil, fmt.Errorf("%w: release before authorization", ErrPreconditionNotMet)
	default:
		return nil, &InvalidTransitionError{Entity: "deposit", From: string(b.DepositStatus), To: string(domain.DepositReleased)}
	}
}

// applyDepositRefunded returns part or all of a captured deposit. The
// cumulative refund may never exceed the captured amount.
func (s *Service) applyDepositRefunded(ctx context.Context, tx store.BookingTx, amount *int64, eventTime time.Time) (*domain.DepositEvent, error) {
	b := tx.Booking()
	switch b.DepositStatus {
	case domain.DepositCaptured:
		remaining := b.DepositChargedAmount - b.DepositRefundedAmount
		refunded := remaining
		if amount != nil {
			refunded = *amount
		}
		if refunded <= 0 || refunded > remaining {
			return nil, fmt.Errorf("%w: refund of %d against remaining captured %d", ErrAmountExceedsAuthorization, refunded, remaining)
		}

		status := domain.DepositRefunded
		cumulative := b.DepositRefundedAmount + refunded
		if err := tx.UpdateBookingFinancials(ctx, store.UpdateBookingFinancialsParams{
			DepositStatus:         &status,
			DepositRefundedAmount: &cumulative,
			DepositRefundedAt:     &eventTime,
		}); err != nil {
			return nil, err
		}

		if capture, err := tx.FindPaymentByType(ctx, domain.PaymentDepositCapture); err == nil {
			refundStatus := domain.PaymentRefunded
			if err := tx.UpdatePayment(ctx, capture.ID, store.UpdatePaymentParams{
				Status:        &refundStatus,
				DepositStatus: &status,
				RefundAmount:  &cumulative,
				RefundDate:    &eventTime,
			}); err != nil {
				return nil, err
			}
		} else if !errors.Is(err, store.ErrPaymentNotFound) {
			return nil, err
		}

		return &domain.DepositEvent{
			BookingID: b.ID,
			TenantID:  b.TenantID,
			Status:    status,
			Amount:    refunded,
			Timestamp: s.now(),
		}, nil
	case domain.DepositRefunded:
		return nil, nil
	case domain.DepositPending, domain.DepositAuthorized:
		return nil, fmt.Errorf("%w: refund before capture", ErrPreconditionNotMet)
	default:
		return nil, &InvalidTransitionError{Entity: "deposit", From: string(b.DepositStatus), To: string(domain.DepositRefunded)}
	}
}

// mirrorDepositPayment keeps the deposit authorization payment row's
// sub-status in step with the booking, so analytics can query payments alone.
func (s *Service) mirrorDepositPayment(ctx context.Context, tx store.BookingTx, status domain.DepositStatus) error {
	payment, err := tx.FindPaymentByType(ctx, domain.PaymentDepositAuthorization)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			return nil
		}
		return err
	}
	params := store.UpdatePaymentParams{DepositStatus: &status}
	if status == domain.DepositAuthorized {
		paid := domain.PaymentPaid
		params.Status = &paid
	}
	return tx.UpdatePayment(ctx, payment.ID, params)
}

// CaptureDeposit is the operator-facing capture: it charges the gateway hold
// and applies the captured state under the booking lock. A nil amount
// captures the full authorized amount.
func (s *Service) CaptureDeposit(ctx context.Context, bookingID uuid.UUID, amount *int64, reason string) error {
	booking, intentID, err := s.depositIntent(ctx, bookingID)
	if err != nil {
		return err
	}
	if booking.DepositStatus == domain.DepositCaptured {
		return nil
	}
	if booking.DepositStatus != domain.DepositAuthorized {
		return &InvalidTransitionError{Entity: "deposit", From: string(booking.DepositStatus), To: string(domain.DepositCaptured)}
	}

	captureAmount := booking.DepositAmount
	if amount != nil {
		captureAmount = *amount
	}
	if captureAmount <= 0 || captureAmount > booking.DepositAmount {
		return fmt.Errorf("%w: capture of %d against authorization of %d", ErrAmountExceedsAuthorization, captureAmount, booking.DepositAmount)
	}

	if _, err := s.gateway.CaptureDeposit(ctx, intentID, captureAmount); err != nil {
		return s.classifyGatewayError("capture_deposit", err)
	}

	return s.applyDepositLocked(ctx, bookingID, func(tx store.BookingTx) (*domain.DepositEvent, error) {
		return s.applyDepositCaptured(ctx, tx, &captureAmount, reason, s.now())
	}, domain.RoutingDepositCaptured)
}

// ReleaseDeposit is the operator-facing release of an authorized hold.
func (s *Service) ReleaseDeposit(ctx context.Context, bookingID uuid.UUID) error {
	booking, intentID, err := s.depositIntent(ctx, bookingID)
	if err != nil {
		return err
	}
	if booking.DepositStatus == domain.DepositReleased {
		return nil
	}
	if booking.DepositStatus != domain.DepositAuthorized {
		return &InvalidTransitionError{Entity: "deposit", From: string(booking.DepositStatus), To: string(domain.DepositReleased)}
	}

	if _, err := s.gateway.ReleaseDeposit(ctx, intentID); err != nil {
		return s.classifyGatewayError("release_deposit", err)
	}

	return s.applyDepositLocked(ctx, bookingID, func(tx store.BookingTx) (*domain.DepositEvent, error) {
		return s.applyDepositReleased(ctx, tx, s.now())
	}, domain.RoutingDepositReleased)
}

// RefundDeposit refunds part or all of a captured deposit back to the
// customer. A nil amount refunds everything still held.
func (s *Service) RefundDeposit(ctx context.Context, bookingID uuid.UUID, amount *int64) error {
	booking, err := s.repo.FindBookingByID(ctx, bookingID)
	if err != nil {
		return err
	}
	if booking.DepositStatus != domain.DepositCaptured {
		if booking.DepositStatus == domain.DepositRefunded {
			return nil
		}
		return &InvalidTransitionError{Entity: "deposit", From: string(booking.DepositStatus), To: string(domain.DepositRefunded)}
	}

	remaining := booking.DepositChargedAmount - booking.DepositRefundedAmount
	refundAmount := remaining
	if amount != nil {
		refundAmount = *amount
	}
	if refundAmount <= 0 || refundAmount > remaining {
		return fmt.Errorf("%w: refund of %d against remaining captured %d", ErrAmountExceedsAuthorization, refundAmount, remaining)
	}

	chargeID, err := s.depositChargeID(ctx, bookingID)
	if err != nil {
		return err
	}
	if _, err := s.gateway.RefundCharge(ctx, chargeID, refundAmount); err != nil {
		return s.classifyGatewayError("refund_deposit", err)
	}

	return s.applyDepositLocked(ctx, bookingID, func(tx store.BookingTx) (*domain.DepositEvent, error) {
		return s.applyDepositRefunded(ctx, tx, &refundAmount, s.now())
	}, domain.RoutingDepositRefunded)
}

// applyDepositLocked runs one deposit applier under the booking lock and
// publishes the resulting event after commit.
func (s *Service) applyDepositLocked(ctx context.Context, bookingID uuid.UUID, apply func(tx store.BookingTx) (*domain.DepositEvent, error), routingKey string) error {
	var event *domain.DepositEvent
	err := s.repo.WithBookingLock(ctx, bookingID, func(tx store.BookingTx) error {
		if tx.Booking().FinancialHold {
			return ErrFinancialHold
		}
		var applyErr error
		event, applyErr = apply(tx)
		return applyErr
	})
	if err != nil {
		return err
	}
	if event != nil {
		log.Printf("level=info component=deposit_workflow booking_id=%s status=%s amount=%d", bookingID, event.Status, event.Amount)
		s.publish(ctx, routingKey, event)
	}
	return nil
}

// depositIntent resolves the gateway payment intent backing the booking's
// deposit authorization.
func (s *Service) depositIntent(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, string, error) {
	booking, err := s.repo.FindBookingByID(ctx, bookingID)
	if err != nil {
		return nil, "", err
	}
	payments, err := s.repo.FindPaymentsByBookingID(ctx, bookingID)
	if err != nil {
		return nil, "", err
	}
	for _, p := range payments {
		if p.Type == domain.PaymentDepositAuthorization && p.GatewayPaymentIntentID != nil {
			return booking, *p.GatewayPaymentIntentID, nil
		}
	}
	return nil, "", fmt.Errorf("no deposit authorization intent found for booking %s", bookingID)
}

// depositChargeID resolves the gateway charge created by the deposit capture.
func (s *Service) depositChargeID(ctx context.Context, bookingID uuid.UUID) (string, error) {
	payments, err := s.repo.FindPaymentsByBookingID(ctx, bookingID)
	if err != nil {
		return "", err
	}
	for _, p := range payments {
		if p.Type == domain.PaymentDepositCapture && p.GatewayChargeID != nil {
			return *p.GatewayChargeID, nil
		}
		if p.Type == domain.PaymentDepositAuthorization && p.GatewayChargeID != nil {
			return *p.GatewayChargeID, nil
		}
	}
	return "", fmt.Errorf("no deposit charge found for booking %s", bookingID)
}
