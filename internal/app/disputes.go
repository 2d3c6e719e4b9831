/**
 * @description
 * Dispute and refund tracker. Both record types are idempotent upserts keyed
 * by the gateway's external id, mirroring the webhook dedup pattern. A newly
 * opened dispute only annotates the payment; the payment moves to refunded
 * only when the dispute resolves against the tenant.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/aegisaosoft/aegis-ao-rental-sub006/internal/domain"
	"github.com/aegisaosoft/aegis-ao-rental-sub006/internal/store"
)

func (s *Service) handleDisputeCreated(ctx context.Context, record *domain.WebhookEvent, event *domain.GatewayEvent) error {
	if event.Data.DisputeID == "" {
		return fmt.Errorf("dispute event %s carries no dispute id", event.ExternalID)
	}
	bookingID, err := s.resolveBookingID(ctx, event)
	if err != nil {
		return err
	}

	dispute := &domain.DisputeRecord{
		ID:                uuid.New(),
		ExternalDisputeID: event.Data.DisputeID,
		BookingID:         bookingID,
		Amount:            event.Data.Amount,
		Currency:          event.Data.Currency,
		Reason:            event.Data.Reason,
		Status:            domain.DisputeOpen,
	}
	if _, err := s.repo.UpsertDisputeRecord(ctx, dispute); err != nil {
		return fmt.Errorf("failed to record dispute %s: %w", event.Data.DisputeID, err)
	}

	return s.repo.WithBookingLock(ctx, bookingID, func(tx store.BookingTx) error {
		if tx.Booking().FinancialHold {
			return ErrFinancialHold
		}
		// Annotate, never force-transition: the dispute may resolve in the
		// tenant's favour.
		if payment, findErr := s.disputedPayment(ctx, tx, event); findErr == nil {
			disputed := true
			if err := tx.UpdatePayment(ctx, payment.ID, store.UpdatePaymentParams{Disputed: &disputed}); err != nil {
				return err
			}
		} else if !errors.Is(findErr, store.ErrPaymentNotFound) {
			return findErr
		}
		log.Printf("level=warn component=dispute_tracker booking_id=%s dispute_id=%s amount=%d reason=%q", bookingID, event.Data.DisputeID, event.Data.Amount, event.Data.Reason)
		return tx.MarkWebhookEventProcessed(ctx, record.ID)
	})
}

func (s *Service) handleDisputeClosed(ctx context.Context, record *domain.WebhookEvent, event *domain.GatewayEvent) error {
	if event.Data.DisputeID == "" {
		return fmt.Errorf("dispute event %s carries no dispute id", event.ExternalID)
	}

	status := domain.DisputeWon
	if strings.EqualFold(event.Data.DisputeResolution, "lost") {
		status = domain.DisputeLost
	}

	dispute, err := s.repo.ResolveDispute(ctx, event.Data.DisputeID, status, event.OccurredAt)
	if err != nil {
		if errors.Is(err, store.ErrDisputeNotFound) {
			// Closed notification before the created one; retry after it lands.
			return fmt.Errorf("%w: dispute %s not yet recorded", ErrPreconditionNotMet, event.Data.DisputeID)
		}
		return err
	}

	return s.repo.WithBookingLock(ctx, dispute.BookingID, func(tx store.BookingTx) error {
		if tx.Booking().FinancialHold {
			return ErrFinancialHold
		}
		if status == domain.DisputeLost {
			// The gateway already pulled the funds back; mirror that as a
			// refund-equivalent annotation on the payment.
			if payment, findErr := s.disputedPayment(ctx, tx, event); findErr == nil {
				refunded := domain.PaymentRefunded
				amount := dispute.Amount
				if err := tx.UpdatePayment(ctx, payment.ID, store.UpdatePaymentParams{
					Status:       &refunded,
					RefundAmount: &amount,
					RefundDate:   &event.OccurredAt,
				}); err != nil {
					return err
				}
			} else if !errors.Is(findErr, store.ErrPaymentNotFound) {
				return findErr
			}
		}
		log.Printf("level=info component=dispute_tracker booking_id=%s dispute_id=%s resolution=%s", dispute.BookingID, event.Data.DisputeID, status)
		return tx.MarkWebhookEventProcessed(ctx, record.ID)
	})
}

func (s *Service) handleRefundSucceeded(ctx context.Context, record *domain.WebhookEvent, event *domain.GatewayEvent) error {
	if event.Data.RefundID == "" {
		return fmt.Errorf("refund event %s carries no refund id", event.ExternalID)
	}
	bookingID, err := s.resolveBookingID(ctx, event)
	if err != nil {
		return err
	}

	refund := &domain.RefundRecord{
		ID:               uuid.New(),
		ExternalRefundID: event.Data.RefundID,
		BookingID:        bookingID,
		Amount:           event.Data.Amount,
		Currency:         event.Data.Currency,
		Reason:           event.Data.Reason,
		RefundedAt:       event.OccurredAt,
	}
	if _, err := s.repo.UpsertRefundRecord(ctx, refund); err != nil {
		return fmt.Errorf("failed to record refund %s: %w", event.Data.RefundID, err)
	}

	var amount *int64
	if event.Data.Amount > 0 {
		amount = &event.Data.Amount
	}

	return s.repo.WithBookingLock(ctx, bookingID, func(tx store.BookingTx) error {
		b := tx.Booking()
		if b.FinancialHold {
			return ErrFinancialHold
		}

		// A refund against a captured deposit settles the deposit
		// sub-lifecycle; any other refund only annotates the rental payment.
		if b.DepositStatus == domain.DepositCaptured {
			if _, applyErr := s.applyDepositRefunded(ctx, tx, amount, event.OccurredAt); applyErr != nil {
				if errors.Is(applyErr, ErrInvalidTransition) && event.OccurredAt.Before(b.UpdatedAt) {
					return tx.MarkWebhookEventProcessed(ctx, record.ID)
				}
				return applyErr
			}
			return tx.MarkWebhookEventProcessed(ctx, record.ID)
		}

		if payment, findErr := tx.FindPaymentByType(ctx, domain.PaymentRentalCharge); findErr == nil {
			refunded := domain.PaymentRefunded
			if err := tx.UpdatePayment(ctx, payment.ID, store.UpdatePaymentParams{
				Status:       &refunded,
				RefundAmount: &event.Data.Amount,
				RefundDate:   &event.OccurredAt,
			}); err != nil {
				return err
			}
			refundedState := domain.PaymentRefunded
			if err := tx.UpdateBookingFinancials(ctx, store.UpdateBookingFinancialsParams{PaymentStatus: &refundedState}); err != nil {
				return err
			}
		} else if !errors.Is(findErr, store.ErrPaymentNotFound) {
			return findErr
		}
		return tx.MarkWebhookEventProcessed(ctx, record.ID)
	})
}

// disputedPayment finds the payment a dispute notification refers to,
// preferring the charge id correlation and falling back to the rental charge.
func (s *Service) disputedPayment(ctx context.Context, tx store.BookingTx, event *domain.GatewayEvent) (*domain.Payment, error) {
	if event.Data.ChargeID != "" {
		for _, t := range []domain.PaymentType{domain.PaymentRentalCharge, domain.PaymentDepositCapture, domain.PaymentDepositAuthorization} {
			payment, err := tx.FindPaymentByType(ctx, t)
			if err != nil {
				if errors.Is(err, store.ErrPaymentNotFound) {
					continue
				}
				return nil, err
			}
			if payment.GatewayChargeID != nil && *payment.GatewayChargeID == event.Data.ChargeID {
				return payment, nil
			}
		}
	}
	return tx.FindPaymentByType(ctx, domain.PaymentRentalCharge)
}
