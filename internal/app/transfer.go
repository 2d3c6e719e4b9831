/**
 * @description
 * Transfer ledger: money movement from the platform to a tenant's connected
 * account, net of the platform fee. The fee is computed once at creation and
 * frozen; later fee-rate changes never rewrite historical transfer math.
 * At most one non-reversed transfer exists per booking.
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
	"github.com/aegisaosoft/aegis-ao-rental-sub006/pkg/gatewayclient"
)

// RecordTransfer creates the payout for a booking once its rental charge has
// settled. The gateway call happens while the booking lock is held so two
// workers cannot both pass the one-active-transfer check.
func (s *Service) RecordTransfer(ctx context.Context, bookingID uuid.UUID, grossAmount int64, feePercent float64, destinationAccount string) (*domain.Transfer, error) {
	var transfer *domain.Transfer
	err := s.repo.WithBookingLock(ctx, bookingID, func(tx store.BookingTx) error {
		b := tx.Booking()
		if b.FinancialHold {
			return ErrFinancialHold
		}

		existing, err := s.repo.FindActiveTransferByBookingID(ctx, bookingID)
		if err != nil && !errors.Is(err, store.ErrTransferNotFound) {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: transfer %s is %s", ErrActiveTransferExists, existing.ID, existing.Status)
		}

		fee, net, err := ComputeFee(grossAmount, feePercent)
		if err != nil {
			return err
		}

		gwTransfer, err := s.gateway.CreateTransfer(ctx, gatewayclient.TransferRequest{
			BookingID:          bookingID.String(),
			Amount:             net,
			Currency:           b.Currency,
			DestinationAccount: destinationAccount,
			TransferGroup:      bookingID.String(),
		})
		if err != nil {
			return s.classifyGatewayError("create_transfer", err)
		}

		transfer = &domain.Transfer{
			ID:                   uuid.New(),
			BookingID:            bookingID,
			Amount:               grossAmount,
			PlatformFee:          fee,
			NetAmount:            net,
			Currency:             b.Currency,
			DestinationAccountID: destinationAccount,
			Status:               domain.TransferPending,
			GatewayTransferID:    &gwTransfer.ID,
		}
		if err := tx.CreateTransfer(ctx, transfer); err != nil {
			return err
		}
		return tx.UpdateBookingFinancials(ctx, store.UpdateBookingFinancialsParams{
			GatewayTransferID: &gwTransfer.ID,
		})
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=transfer_ledger op=record booking_id=%s transfer_id=%s gross=%d fee=%d net=%d", bookingID, transfer.ID, transfer.Amount, transfer.PlatformFee, transfer.NetAmount)
	return transfer, nil
}

// ReverseBookingTransfer claws a paid transfer back, for disputes resolved
// against the tenant or administrative corrections.
func (s *Service) ReverseBookingTransfer(ctx context.Context, bookingID uuid.UUID) error {
	transfer, err := s.repo.FindActiveTransferByBookingID(ctx, bookingID)
	if err != nil {
		return err
	}
	if transfer.Status != domain.TransferPaid {
		return &InvalidTransitionError{Entity: "transfer", From: string(transfer.Status), To: string(domain.TransferReversed)}
	}
	if transfer.GatewayTransferID == nil {
		return fmt.Errorf("transfer %s has no gateway id", transfer.ID)
	}

	reversal, err := s.gateway.ReverseTransfer(ctx, *transfer.GatewayTransferID)
	if err != nil {
		return s.classifyGatewayError("reverse_transfer", err)
	}
	return s.applyTransferReversed(ctx, *transfer.GatewayTransferID, reversal.ID, s.now())
}

// applyTransferPaid settles a pending transfer on the gateway's
// confirmation. A transfer the ledger has not recorded yet means the
// creation write is still in flight, so the event retries.
func (s *Service) applyTransferPaid(ctx context.Context, gatewayTransferID string, eventTime time.Time) error {
	transfer, err := s.repo.FindTransferByGatewayID(ctx, gatewayTransferID)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			return fmt.Errorf("%w: transfer %s not yet recorded", ErrPreconditionNotMet, gatewayTransferID)
		}
		return err
	}

	switch transfer.Status {
	case domain.TransferPaid, domain.TransferReversed:
		// Paid already applied (a reversal implies it was). Duplicate.
		return nil
	case domain.TransferPending:
		if err := s.repo.MarkTransferPaid(ctx, transfer.ID); err != nil {
			if errors.Is(err, store.ErrTransferStateConflict) {
				return s.applyTransferPaid(ctx, gatewayTransferID, eventTime)
			}
			return err
		}
		s.publish(ctx, domain.RoutingTransferPaid, &domain.TransferEvent{
			BookingID:   transfer.BookingID,
			TransferID:  transfer.ID,
			Status:      domain.TransferPaid,
			Amount:      transfer.Amount,
			PlatformFee: transfer.PlatformFee,
			NetAmount:   transfer.NetAmount,
			Timestamp:   s.now(),
		})
		return nil
	default:
		return &InvalidTransitionError{Entity: "transfer", From: string(transfer.Status), To: string(domain.TransferPaid)}
	}
}

// applyTransferFailed records a gateway-side payout failure.
func (s *Service) applyTransferFailed(ctx context.Context, gatewayTransferID, reason string) error {
	transfer, err := s.repo.FindTransferByGatewayID(ctx, gatewayTransferID)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			return fmt.Errorf("%w: transfer %s not yet recorded", ErrPreconditionNotMet, gatewayTransferID)
		}
		return err
	}

	switch transfer.Status {
	case domain.TransferFailed:
		return nil
	case domain.TransferPending:
		if err := s.repo.MarkTransferFailed(ctx, transfer.ID, reason); err != nil {
			if errors.Is(err, store.ErrTransferStateConflict) {
				return s.applyTransferFailed(ctx, gatewayTransferID, reason)
			}
			return err
		}
		log.Printf("level=warn component=transfer_ledger op=failed booking_id=%s transfer_id=%s reason=%q", transfer.BookingID, transfer.ID, reason)
		return nil
	default:
		return &InvalidTransitionError{Entity: "transfer", From: string(transfer.Status), To: string(domain.TransferFailed)}
	}
}

// applyTransferReversed records a clawback. Legal only from paid; a reversal
// notification arriving before the paid notification retries until the paid
// state has been recorded.
func (s *Service) applyTransferReversed(ctx context.Context, gatewayTransferID, reversalID string, eventTime time.Time) error {
	transfer, err := s.repo.FindTransferByGatewayID(ctx, gatewayTransferID)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			return fmt.Errorf("%w: transfer %s not yet recorded", ErrPreconditionNotMet, gatewayTransferID)
		}
		return err
	}

	switch transfer.Status {
	case domain.TransferReversed:
		return nil
	case domain.TransferPending:
		return fmt.Errorf("%w: reversal before paid for transfer %s", ErrPreconditionNotMet, transfer.ID)
	case domain.TransferPaid:
		if err := s.repo.ReverseTransfer(ctx, transfer.ID, reversalID); err != nil {
			if errors.Is(err, store.ErrTransferStateConflict) {
				return s.applyTransferReversed(ctx, gatewayTransferID, reversalID, eventTime)
			}
			return err
		}
		s.publish(ctx, domain.RoutingTransferReversed, &domain.TransferEvent{
			BookingID:   transfer.BookingID,
			TransferID:  transfer.ID,
			Status:      domain.TransferReversed,
			Amount:      transfer.Amount,
			PlatformFee: transfer.PlatformFee,
			NetAmount:   transfer.NetAmount,
			Timestamp:   s.now(),
		})
		return nil
	default:
		return &InvalidTransitionError{Entity: "transfer", From: string(transfer.Status), To: string(domain.TransferReversed)}
	}
}

// SettleBookingTransfer is the end-to-end payout path invoked when a rental
// charge settles: resolve the tenant's fee and destination account, then
// record the transfer. Gross defaults to the booking total.
func (s *Service) SettleBookingTransfer(ctx context.Context, bookingID uuid.UUID) (*domain.Transfer, error) {
	booking, err := s.repo.FindBookingByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	settings, err := s.tenants.GetTenantSettings(ctx, booking.TenantID.String())
	if err != nil {
		return nil, s.classifyGatewayError("get_tenant_settings", err)
	}
	feePercent := settings.PlatformFeePercent
	if feePercent <= 0 {
		feePercent = s.settings.DefaultPlatformFeePercent
	}
	if settings.ConnectedAccountID == "" {
		return nil, fmt.Errorf("tenant %s has no connected account", booking.TenantID)
	}

	return s.RecordTransfer(ctx, bookingID, booking.TotalAmount, feePercent, settings.ConnectedAccountID)
}
