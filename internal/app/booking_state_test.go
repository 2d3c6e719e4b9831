package app

import (
	"context"
	"errors"
	"testing"

	"github.com/aegisaosoft/aegis-ao-rental-sub006/internal/domain"
)

func TestTransitionBooking_RejectsCancellationAfterPickup(t *testing.T) {
	booking := testBooking(domain.BookingActive, domain.DepositAuthorized)
	repo := newSettlementRepoStub(booking)
	svc := newTestService(repo, &gatewayStub{}, &tenantStub{feePercent: 10})

	err := svc.TransitionBooking(context.Background(), booking.ID, domain.BookingCancelled, "operator")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if repo.booking.Status != domain.BookingActive {
		t.Fatalf("expected booking to stay active, got %s", repo.booking.Status)
	}
	if len(repo.transitions) != 0 {
		t.Fatalf("expected no transition audit record, got %d", len(repo.transitions))
	}
}

func TestTransitionBooking_BlocksCompletionWhileDepositHeld(t *testing.T) {
	for _, depositStatus := range []domain.DepositStatus{domain.DepositAuthorized, domain.DepositCaptured} {
		booking := testBooking(domain.BookingReturned, depositStatus)
		repo := newSettlementRepoStub(booking)
		svc := newTestService(repo, &gatewayStub{}, &tenantStub{feePercent: 10})

		err := svc.TransitionBooking(context.Background(), booking.ID, domain.BookingCompleted, "operator")
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("deposit %s: expected ErrInvalidTransition, got %v", depositStatus, err)
		}
		if repo.booking.Status != domain.BookingReturned {
			t.Fatalf("deposit %s: expected booking to stay returned, got %s", depositStatus, repo.booking.Status)
		}
	}
}

func TestTransitionBooking_AllowsCompletionAfterDepositSettles(t *testing.T) {
	for _, depositStatus := range []domain.DepositStatus{domain.DepositPending, domain.DepositReleased, domain.DepositRefunded} {
		booking := testBooking(domain.BookingReturned, depositStatus)
		repo := newSettlementRepoStub(booking)
		publisher := &publisherStub{}
		svc := newTestService(repo, &gatewayStub{}, &tenantStub{feePercent: 10})
		svc.eventProducer = publisher

		if err := svc.TransitionBooking(context.Background(), booking.ID, domain.BookingCompleted, "operator"); err != nil {
			t.Fatalf("deposit %s: expected completion to succeed, got %v", depositStatus, err)
		}
		if repo.booking.Status != domain.BookingCompleted {
			t.Fatalf("deposit %s: expected booking completed, got %s", depositStatus, repo.booking.Status)
		}
		if len(repo.transitions) != 1 {
			t.Fatalf("deposit %s: expected one transition record, got %d", depositStatus, len(repo.transitions))
		}
		if !publisher.published(domain.RoutingBookingCompleted) {
			t.Fatalf("deposit %s: expected completion event to be published", depositStatus)
		}
	}
}

func TestTransitionBooking_SameStateIsNoOp(t *testing.T) {
	booking := testBooking(domain.BookingConfirmed, domain.DepositAuthorized)
	repo := newSettlementRepoStub(booking)
	svc := newTestService(repo, &gatewayStub{}, &tenantStub{feePercent: 10})

	if err := svc.TransitionBooking(context.Background(), booking.ID, domain.BookingConfirmed, "reconciler"); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
	if len(repo.transitions) != 0 {
		t.Fatalf("expected no transition record for a no-op, got %d", len(repo.transitions))
	}
}

func TestTransitionBooking_ConfirmationRequiresPaymentOrDeposit(t *testing.T) {
	booking := testBooking(domain.BookingPending, domain.DepositPending)
	repo := newSettlementRepoStub(booking)
	svc := newTestService(repo, &gatewayStub{}, &tenantStub{feePercent: 10})

	err := svc.TransitionBooking(context.Background(), booking.ID, domain.BookingConfirmed, "operator")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for unfunded confirmation, got %v", err)
	}
}

func TestTransitionBooking_DepositMandatoryTenantIgnoresRentalPayment(t *testing.T) {
	booking := testBooking(domain.BookingPending, domain.DepositPending)
	booking.PaymentStatus = domain.PaymentPaid
	repo := newSettlementRepoStub(booking)
	svc := newTestService(repo, &gatewayStub{}, &tenantStub{feePercent: 10, depositMandatory: true})

	err := svc.TransitionBooking(context.Background(), booking.ID, domain.BookingConfirmed, "operator")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition without a deposit hold, got %v", err)
	}

	// The same tenant confirms once the deposit is authorized.
	repo.booking.DepositStatus = domain.DepositAuthorized
	if err := svc.TransitionBooking(context.Background(), booking.ID, domain.BookingConfirmed, "operator"); err != nil {
		t.Fatalf("expected confirmation with authorized deposit, got %v", err)
	}
	if repo.booking.Status != domain.BookingConfirmed {
		t.Fatalf("expected booking confirmed, got %s", repo.booking.Status)
	}
}

func TestTransitionBooking_ConfirmsOnAuthorizedDeposit(t *testing.T) {
	booking := testBooking(domain.BookingPending, domain.DepositAuthorized)
	repo := newSettlementRepoStub(booking)
	publisher := &publisherStub{}
	svc := newTestService(repo, &gatewayStub{}, &tenantStub{feePercent: 10})
	svc.eventProducer = publisher

	if err := svc.TransitionBooking(context.Background(), booking.ID, domain.BookingConfirmed, "reconciler"); err != nil {
		t.Fatalf("expected confirmation to succeed, got %v", err)
	}
	if repo.booking.Status != domain.BookingConfirmed {
		t.Fatalf("expected booking confirmed, got %s", repo.booking.Status)
	}
	if !publisher.published(domain.RoutingBookingConfirmed) {
		t.Fatal("expected confirmation event to be published")
	}
	if len(repo.transitions) != 1 || repo.transitions[0].Actor != "reconciler" {
		t.Fatalf("expected one transition recorded by reconciler, got %+v", repo.transitions)
	}
}

func TestTransitionBooking_FinancialHoldBlocksMutation(t *testing.T) {
	booking := testBooking(domain.BookingReturned, domain.DepositReleased)
	booking.FinancialHold = true
	repo := newSettlementRepoStub(booking)
	svc := newTestService(repo, &gatewayStub{}, &tenantStub{feePercent: 10})

	err := svc.TransitionBooking(context.Background(), booking.ID, domain.BookingCompleted, "operator")
	if !errors.Is(err, ErrFinancialHold) {
		t.Fatalf("expected ErrFinancialHold, got %v", err)
	}
	if repo.booking.Status != domain.BookingReturned {
		t.Fatalf("expected booking untouched under hold, got %s", repo.booking.Status)
	}
}

func TestTransitionBooking_TerminalStateRejectsFurtherMoves(t *testing.T) {
	booking := testBooking(domain.BookingCancelled, domain.DepositPending)
	repo := newSettlementRepoStub(booking)
	svc := newTestService(repo, &gatewayStub{}, &tenantStub{feePercent: 10})

	err := svc.TransitionBooking(context.Background(), booking.ID, domain.BookingPickedUp, "operator")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from cancelled, got %v", err)
	}
}
