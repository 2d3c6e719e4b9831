package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aegisaosoft/aegis-ao-rental-sub006/internal/domain"
)

func TestRecordTransfer_EnforcesSingleActiveTransfer(t *testing.T) {
	booking := testBooking(domain.BookingConfirmed, domain.DepositPending)
	repo := newSettlementRepoStub(booking)
	gateway := &gatewayStub{}
	svc := newTestService(repo, gateway, &tenantStub{feePercent: 10})

	transfer, err := svc.RecordTransfer(context.Background(), booking.ID, 20000, 10, "acct_tenant")
	if err != nil {
		t.Fatalf("first transfer failed: %v", err)
	}
	if transfer.PlatformFee != 2000 || transfer.NetAmount != 18000 {
		t.Fatalf("expected 2000/18000 split, got %d/%d", transfer.PlatformFee, transfer.NetAmount)
	}
	if transfer.Status != domain.TransferPending {
		t.Fatalf("expected pending transfer, got %s", transfer.Status)
	}
	if repo.booking.GatewayTransferID == nil {
		t.Fatal("expected gateway transfer id recorded on the booking")
	}

	_, err = svc.RecordTransfer(context.Background(), booking.ID, 20000, 10, "acct_tenant")
	if !errors.Is(err, ErrActiveTransferExists) {
		t.Fatalf("expected ErrActiveTransferExists, got %v", err)
	}
	if gateway.transferCalls != 1 {
		t.Fatalf("expected one gateway transfer call, got %d", gateway.transferCalls)
	}
	if len(repo.transfers) != 1 {
		t.Fatalf("expected one ledger row, got %d", len(repo.transfers))
	}
}

func TestRecordTransfer_AllowsReplacementAfterReversal(t *testing.T) {
	booking := testBooking(domain.BookingConfirmed, domain.DepositPending)
	repo := newSettlementRepoStub(booking)
	svc := newTestService(repo, &gatewayStub{}, &tenantStub{feePercent: 10})

	first, err := svc.RecordTransfer(context.Background(), booking.ID, 20000, 10, "acct_tenant")
	if err != nil {
		t.Fatalf("first transfer failed: %v", err)
	}
	if err := svc.applyTransferPaid(context.Background(), *first.GatewayTransferID, time.Now()); err != nil {
		t.Fatalf("paid failed: %v", err)
	}
	if err := svc.applyTransferReversed(context.Background(), *first.GatewayTransferID, "trr_1", time.Now()); err != nil {
		t.Fatalf("reversal failed: %v", err)
	}

	// A reversed transfer no longer counts as active.
	second, err := svc.RecordTransfer(context.Background(), booking.ID, 20000, 12.5, "acct_tenant")
	if err != nil {
		t.Fatalf("replacement transfer failed: %v", err)
	}
	if second.PlatformFee != 2500 || second.NetAmount != 17500 {
		t.Fatalf("expected 2500/17500 split at 12.5%%, got %d/%d", second.PlatformFee, second.NetAmount)
	}
}

func TestApplyTransferPaid_DuplicateNotificationIsNoOp(t *testing.T) {
	booking := testBooking(domain.BookingConfirmed, domain.DepositPending)
	repo := newSettlementRepoStub(booking)
	publisher := &publisherStub{}
	svc := newTestService(repo, &gatewayStub{}, &tenantStub{feePercent: 10})
	svc.eventProducer = publisher

	transfer, err := svc.RecordTransfer(context.Background(), booking.ID, 20000, 10, "acct_tenant")
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	if err := svc.applyTransferPaid(context.Background(), *transfer.GatewayTransferID, time.Now()); err != nil {
		t.Fatalf("paid failed: %v", err)
	}
	if repo.transfers[0].Status != domain.TransferPaid {
		t.Fatalf("expected paid transfer, got %s", repo.transfers[0].Status)
	}
	if err := svc.applyTransferPaid(context.Background(), *transfer.GatewayTransferID, time.Now()); err != nil {
		t.Fatalf("duplicate paid notification should be a no-op, got %v", err)
	}
	if got := len(publisher.routingKeys); got != 1 {
		t.Fatalf("expected one transfer.paid publication, got %d", got)
	}
}

func TestApplyTransferReversed_BeforePaidIsRetryable(t *testing.T) {
	booking := testBooking(domain.BookingConfirmed, domain.DepositPending)
	repo := newSettlementRepoStub(booking)
	svc := newTestService(repo, &gatewayStub{}, &tenantStub{feePercent: 10})

	transfer, err := svc.RecordTransfer(context.Background(), booking.ID, 20000, 10, "acct_tenant")
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	err = svc.applyTransferReversed(context.Background(), *transfer.GatewayTransferID, "trr_1", time.Now())
	if !errors.Is(err, ErrPreconditionNotMet) {
		t.Fatalf("expected ErrPreconditionNotMet for reversal before paid, got %v", err)
	}
	if repo.transfers[0].Status != domain.TransferPending {
		t.Fatalf("expected transfer to stay pending, got %s", repo.transfers[0].Status)
	}
}

func TestReverseBookingTransfer_RequiresPaidTransfer(t *testing.T) {
	booking := testBooking(domain.BookingConfirmed, domain.DepositPending)
	repo := newSettlementRepoStub(booking)
	gateway := &gatewayStub{}
	svc := newTestService(repo, gateway, &tenantStub{feePercent: 10})

	if _, err := svc.RecordTransfer(context.Background(), booking.ID, 20000, 10, "acct_tenant"); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	err := svc.ReverseBookingTransfer(context.Background(), booking.ID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition reversing a pending transfer, got %v", err)
	}
	if gateway.reverseCalls != 0 {
		t.Fatal("gateway must not be called for an illegal reversal")
	}
}

func TestApplyTransferFailed_RecordsReason(t *testing.T) {
	booking := testBooking(domain.BookingConfirmed, domain.DepositPending)
	repo := newSettlementRepoStub(booking)
	svc := newTestService(repo, &gatewayStub{}, &tenantStub{feePercent: 10})

	transfer, err := svc.RecordTransfer(context.Background(), booking.ID, 20000, 10, "acct_tenant")
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	if err := svc.applyTransferFailed(context.Background(), *transfer.GatewayTransferID, "account_closed"); err != nil {
		t.Fatalf("failed notification errored: %v", err)
	}
	stored := repo.transfers[0]
	if stored.Status != domain.TransferFailed {
		t.Fatalf("expected failed transfer, got %s", stored.Status)
	}
	if stored.FailureReason == nil || *stored.FailureReason != "account_closed" {
		t.Fatal("expected failure reason recorded")
	}
}

func TestSettleBookingTransfer_FallsBackToDefaultFee(t *testing.T) {
	booking := testBooking(domain.BookingConfirmed, domain.DepositPending)
	repo := newSettlementRepoStub(booking)
	svc := newTestService(repo, &gatewayStub{}, &tenantStub{feePercent: 0, connectedAccount: "acct_tenant"})

	transfer, err := svc.SettleBookingTransfer(context.Background(), booking.ID)
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	// The tenant has no override, so the configured 10% default applies.
	if transfer.PlatformFee != 2000 || transfer.NetAmount != 18000 {
		t.Fatalf("expected default fee split 2000/18000, got %d/%d", transfer.PlatformFee, transfer.NetAmount)
	}
}

func TestSettleBookingTransfer_TenantOutageIsRetryable(t *testing.T) {
	booking := testBooking(domain.BookingConfirmed, domain.DepositPending)
	repo := newSettlementRepoStub(booking)
	svc := newTestService(repo, &gatewayStub{}, &tenantStub{fail: true})

	_, err := svc.SettleBookingTransfer(context.Background(), booking.ID)
	if !errors.Is(err, ErrTransientGateway) {
		t.Fatalf("expected ErrTransientGateway, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatal("a tenant-service outage must be retryable")
	}
}
