/**
 * @description
 * Booking lifecycle state machine. Transitions run inside the per-booking row
 * lock so concurrent webhook deliveries cannot interleave their
 * read-modify-write of booking state. Illegal transitions fail with a typed
 * error and leave state untouched.
 */

package app

import (
	"context"
	"log"

	"github.com/google/uuid"

	"github.com/aegisaosoft/aegis-ao-rental-sub006/internal/domain"
	"github.com/aegisaosoft/aegis-ao-rental-sub006/internal/store"
)

// bookingTransitions is the legal transition table. Cancellation is only
// reachable before pickup; no-show before return.
var bookingTransitions = map[domain.BookingStatus][]domain.BookingStatus{
	domain.BookingPending:   {domain.BookingConfirmed, domain.BookingCancelled, domain.BookingNoShow},
	domain.BookingConfirmed: {domain.BookingPickedUp, domain.BookingCancelled, domain.BookingNoShow},
	domain.BookingPickedUp:  {domain.BookingActive, domain.BookingNoShow},
	domain.BookingActive:    {domain.BookingReturned, domain.BookingNoShow},
	domain.BookingReturned:  {domain.BookingCompleted},
}

func canTransitionBooking(from, to domain.BookingStatus) bool {
	for _, allowed := range bookingTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionBooking moves a booking through its lifecycle. Re-requesting the
// current state is a no-op, because webhook-driven transitions may be
// redelivered. The deposit guard on completion is absolute: a booking cannot
// complete with money still held or captured-but-unsettled.
func (s *Service) TransitionBooking(ctx context.Context, bookingID uuid.UUID, to domain.BookingStatus, actor string) error {
	var confirmDepositMandatory bool
	if to == domain.BookingConfirmed {
		booking, err := s.repo.FindBookingByID(ctx, bookingID)
		if err != nil {
			return err
		}
		settings, err := s.tenants.GetTenantSettings(ctx, booking.TenantID.String())
		if err != nil {
			return s.classifyGatewayError("get_tenant_settings", err)
		}
		confirmDepositMandatory = settings.IsSecurityDepositMandatory
	}

	var published *domain.BookingLifecycleEvent
	err := s.repo.WithBookingLock(ctx, bookingID, func(tx store.BookingTx) error {
		b := tx.Booking()
		if b.FinancialHold {
			return ErrFinancialHold
		}
		if b.Status == to {
			return nil
		}
		if b.Status.IsTerminal() || !canTransitionBooking(b.Status, to) {
			return &InvalidTransitionError{Entity: "booking", From: string(b.Status), To: string(to)}
		}

		switch to {
		case domain.BookingConfirmed:
			if err := confirmationGuard(ctx, tx, b, confirmDepositMandatory); err != nil {
				return err
			}
		case domain.BookingCompleted:
			if !b.DepositStatus.IsTerminal() && b.DepositStatus != domain.DepositPending {
				return &InvalidTransitionError{Entity: "booking", From: string(b.Status), To: string(to)}
			}
		}

		if err := tx.UpdateBookingFinancials(ctx, store.UpdateBookingFinancialsParams{Status: &to}); err != nil {
			return err
		}
		if err := tx.RecordBookingTransition(ctx, domain.BookingTransition{
			ID:         uuid.New(),
			BookingID:  bookingID,
			FromStatus: b.Status,
			ToStatus:   to,
			Actor:      actor,
			OccurredAt: s.now(),
		}); err != nil {
			return err
		}

		if to == domain.BookingConfirmed || to == domain.BookingCompleted {
			published = &domain.BookingLifecycleEvent{
				BookingID: bookingID,
				TenantID:  b.TenantID,
				Status:    to,
				Timestamp: s.now(),
			}
		}
		log.Printf("level=info component=booking_state booking_id=%s from=%s to=%s actor=%s", bookingID, b.Status, to, actor)
		return nil
	})
	if err != nil {
		return err
	}

	if published != nil {
		routingKey := domain.RoutingBookingConfirmed
		if published.Status == domain.BookingCompleted {
			routingKey = domain.RoutingBookingCompleted
		}
		s.publish(ctx, routingKey, published)
	}
	return nil
}

// confirmationGuard enforces the confirmation precondition: a successful
// rental payment or an authorized deposit. Tenants that mandate a security
// deposit accept only the latter.
func confirmationGuard(ctx context.Context, tx store.BookingTx, b *domain.Booking, depositMandatory bool) error {
	depositHeld := b.DepositStatus != domain.DepositPending
	if depositMandatory {
		if depositHeld {
			return nil
		}
		return &InvalidTransitionError{Entity: "booking", From: string(b.Status), To: string(domain.BookingConfirmed)}
	}
	if depositHeld || b.PaymentStatus == domain.PaymentPaid {
		return nil
	}
	rental, err := tx.FindPaymentByType(ctx, domain.PaymentRentalCharge)
	if err == nil && rental.Status == domain.PaymentPaid {
		return nil
	}
	return &InvalidTransitionError{Entity: "booking", From: string(b.Status), To: string(domain.BookingConfirmed)}
}
