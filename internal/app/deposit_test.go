package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aegisaosoft/aegis-ao-rental-sub006/internal/domain"
	"github.com/aegisaosoft/aegis-ao-rental-sub006/internal/store"
)

// seedDepositAuthorization attaches the deposit hold payment a booking gets
// when the authorization was initiated.
func seedDepositAuthorization(repo *settlementRepoStub, booking *domain.Booking) *domain.Payment {
	intentID := "pi_deposit"
	chargeID := "ch_deposit"
	depositStatus := booking.DepositStatus
	payment := &domain.Payment{
		ID:                     uuid.New(),
		BookingID:              booking.ID,
		Amount:                 booking.DepositAmount,
		Currency:               booking.Currency,
		Type:                   domain.PaymentDepositAuthorization,
		Status:                 domain.PaymentPaid,
		GatewayPaymentIntentID: &intentID,
		GatewayChargeID:        &chargeID,
		DepositStatus:          &depositStatus,
		TransferGroup:          booking.ID.String(),
	}
	repo.payments = append(repo.payments, payment)
	return payment
}

func depositCapturePayments(repo *settlementRepoStub) []*domain.Payment {
	var out []*domain.Payment
	for _, p := range repo.payments {
		if p.Type == domain.PaymentDepositCapture {
			out = append(out, p)
		}
	}
	return out
}

func TestCaptureDeposit_RedeliveryDoesNotDoubleCharge(t *testing.T) {
	booking := testBooking(domain.BookingReturned, domain.DepositAuthorized)
	repo := newSettlementRepoStub(booking)
	seedDepositAuthorization(repo, booking)
	gateway := &gatewayStub{}
	svc := newTestService(repo, gateway, &tenantStub{feePercent: 10})

	if err := svc.CaptureDeposit(context.Background(), booking.ID, nil, "damage"); err != nil {
		t.Fatalf("first capture failed: %v", err)
	}
	if repo.booking.DepositStatus != domain.DepositCaptured {
		t.Fatalf("expected deposit captured, got %s", repo.booking.DepositStatus)
	}
	if repo.booking.DepositChargedAmount != booking.DepositAmount {
		t.Fatalf("expected full amount %d charged, got %d", booking.DepositAmount, repo.booking.DepositChargedAmount)
	}
	if got := depositCapturePayments(repo); len(got) != 1 {
		t.Fatalf("expected one capture payment, got %d", len(got))
	}

	if err := svc.CaptureDeposit(context.Background(), booking.ID, nil, "damage"); err != nil {
		t.Fatalf("redelivered capture should be a no-op, got %v", err)
	}
	if gateway.captureCalls != 1 {
		t.Fatalf("expected a single gateway capture call, got %d", gateway.captureCalls)
	}
	if got := depositCapturePayments(repo); len(got) != 1 {
		t.Fatalf("expected capture payment count to stay 1, got %d", len(got))
	}
}

func TestCaptureDeposit_RejectsAmountOverAuthorization(t *testing.T) {
	booking := testBooking(domain.BookingReturned, domain.DepositAuthorized)
	repo := newSettlementRepoStub(booking)
	seedDepositAuthorization(repo, booking)
	gateway := &gatewayStub{}
	svc := newTestService(repo, gateway, &tenantStub{feePercent: 10})

	over := booking.DepositAmount + 1
	err := svc.CaptureDeposit(context.Background(), booking.ID, &over, "damage")
	if !errors.Is(err, ErrAmountExceedsAuthorization) {
		t.Fatalf("expected ErrAmountExceedsAuthorization, got %v", err)
	}
	if gateway.captureCalls != 0 {
		t.Fatal("gateway must not be called for an over-authorization capture")
	}
	if repo.booking.DepositStatus != domain.DepositAuthorized {
		t.Fatalf("expected deposit to stay authorized, got %s", repo.booking.DepositStatus)
	}
}

func TestCaptureDeposit_AfterReleaseIsInvalid(t *testing.T) {
	booking := testBooking(domain.BookingReturned, domain.DepositReleased)
	repo := newSettlementRepoStub(booking)
	seedDepositAuthorization(repo, booking)
	svc := newTestService(repo, &gatewayStub{}, &tenantStub{feePercent: 10})

	err := svc.CaptureDeposit(context.Background(), booking.ID, nil, "late fee")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition capturing a released hold, got %v", err)
	}
}

func TestReleaseDeposit_IsIdempotent(t *testing.T) {
	booking := testBooking(domain.BookingReturned, domain.DepositAuthorized)
	repo := newSettlementRepoStub(booking)
	payment := seedDepositAuthorization(repo, booking)
	gateway := &gatewayStub{}
	svc := newTestService(repo, gateway, &tenantStub{feePercent: 10})

	if err := svc.ReleaseDeposit(context.Background(), booking.ID); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if repo.booking.DepositStatus != domain.DepositReleased {
		t.Fatalf("expected deposit released, got %s", repo.booking.DepositStatus)
	}
	if payment.DepositStatus == nil || *payment.DepositStatus != domain.DepositReleased {
		t.Fatal("expected authorization payment to mirror the released state")
	}

	if err := svc.ReleaseDeposit(context.Background(), booking.ID); err != nil {
		t.Fatalf("redelivered release should be a no-op, got %v", err)
	}
	if gateway.releaseCalls != 1 {
		t.Fatalf("expected a single gateway release call, got %d", gateway.releaseCalls)
	}
}

func TestRefundDeposit_PartialRefundTracksCumulativeAmount(t *testing.T) {
	booking := testBooking(domain.BookingReturned, domain.DepositAuthorized)
	booking.DepositAmount = 50000
	repo := newSettlementRepoStub(booking)
	seedDepositAuthorization(repo, booking)
	svc := newTestService(repo, &gatewayStub{}, &tenantStub{feePercent: 10})

	captureAmount := int64(7500)
	if err := svc.CaptureDeposit(context.Background(), booking.ID, &captureAmount, "cleaning"); err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	if repo.booking.DepositChargedAmount != 7500 {
		t.Fatalf("expected 7500 charged, got %d", repo.booking.DepositChargedAmount)
	}

	refundAmount := int64(2500)
	if err := svc.RefundDeposit(context.Background(), booking.ID, &refundAmount); err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if repo.booking.DepositStatus != domain.DepositRefunded {
		t.Fatalf("expected deposit refunded, got %s", repo.booking.DepositStatus)
	}
	if repo.booking.DepositRefundedAmount != 2500 {
		t.Fatalf("expected cumulative refund 2500, got %d", repo.booking.DepositRefundedAmount)
	}

	captures := depositCapturePayments(repo)
	if len(captures) != 1 {
		t.Fatalf("expected one capture payment, got %d", len(captures))
	}
	if captures[0].Status != domain.PaymentRefunded || captures[0].RefundAmount != 2500 {
		t.Fatalf("expected capture payment refunded with 2500, got %s/%d", captures[0].Status, captures[0].RefundAmount)
	}
}

func TestRefundDeposit_RejectsAmountOverRemainingCapture(t *testing.T) {
	booking := testBooking(domain.BookingReturned, domain.DepositCaptured)
	booking.DepositChargedAmount = 7500
	booking.DepositRefundedAmount = 5000
	repo := newSettlementRepoStub(booking)
	seedDepositAuthorization(repo, booking)
	gateway := &gatewayStub{}
	svc := newTestService(repo, gateway, &tenantStub{feePercent: 10})

	over := int64(2501)
	err := svc.RefundDeposit(context.Background(), booking.ID, &over)
	if !errors.Is(err, ErrAmountExceedsAuthorization) {
		t.Fatalf("expected ErrAmountExceedsAuthorization, got %v", err)
	}
	if gateway.refundCalls != 0 {
		t.Fatal("gateway must not be called for an over-capture refund")
	}
}

func TestApplyDepositCaptured_BeforeAuthorizationIsRetryable(t *testing.T) {
	booking := testBooking(domain.BookingConfirmed, domain.DepositPending)
	repo := newSettlementRepoStub(booking)
	svc := newTestService(repo, &gatewayStub{}, &tenantStub{feePercent: 10})

	err := repo.WithBookingLock(context.Background(), booking.ID, func(tx store.BookingTx) error {
		_, applyErr := svc.applyDepositCaptured(context.Background(), tx, nil, "", time.Now())
		return applyErr
	})
	if !errors.Is(err, ErrPreconditionNotMet) {
		t.Fatalf("expected ErrPreconditionNotMet, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatal("capture before authorization must be retryable")
	}
}

func TestApplyDepositAuthorized_MirrorsAuthorizationPayment(t *testing.T) {
	booking := testBooking(domain.BookingPending, domain.DepositPending)
	repo := newSettlementRepoStub(booking)
	payment := seedDepositAuthorization(repo, booking)
	payment.Status = domain.PaymentPending
	svc := newTestService(repo, &gatewayStub{}, &tenantStub{feePercent: 10})

	err := repo.WithBookingLock(context.Background(), booking.ID, func(tx store.BookingTx) error {
		event, applyErr := svc.applyDepositAuthorized(context.Background(), tx, time.Now())
		if applyErr != nil {
			return applyErr
		}
		if event == nil {
			t.Fatal("expected a deposit event for the first authorization")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("authorization failed: %v", err)
	}
	if repo.booking.DepositStatus != domain.DepositAuthorized {
		t.Fatalf("expected deposit authorized, got %s", repo.booking.DepositStatus)
	}
	if repo.booking.DepositAuthorizedAt == nil {
		t.Fatal("expected authorization timestamp to be set")
	}
	if payment.Status != domain.PaymentPaid || payment.DepositStatus == nil || *payment.DepositStatus != domain.DepositAuthorized {
		t.Fatalf("expected authorization payment mirrored to paid/authorized, got %s", payment.Status)
	}
}
