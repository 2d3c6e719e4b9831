/**
 * @description
 * This file contains the core orchestration logic for the settlement engine.
 * The `Service` struct coordinates between the database repository, the
 * payment gateway client, the tenant configuration service, and the message
 * broker.
 *
 * Key features:
 * - Single authoritative write path for a booking's platform fee and net
 *   amount.
 * - Initiates rental charges and deposit authorizations with the gateway;
 *   the resulting state changes land via webhook reconciliation.
 * - Exposes the financial summary read model with an integrity check that
 *   places the booking on hold instead of silently fixing bad arithmetic.
 * - Publishes settlement events to RabbitMQ for notification and analytics
 *   services.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/gatewayclient, pkg/tenantclient, pkg/rabbitmq: For external service
 *   communication.
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
	"github.com/aegisaosoft/aegis-ao-rental-sub006/pkg/rabbitmq"
	"github.com/aegisaosoft/aegis-ao-rental-sub006/pkg/tenantclient"
)

// PaymentGateway is the outbound surface of the payment gateway the engine
// uses. Satisfied by *gatewayclient.Client; stubbed in tests.
type PaymentGateway interface {
	CreatePaymentIntent(ctx context.Context, req gatewayclient.PaymentIntentRequest) (*gatewayclient.PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, intentID string) (*gatewayclient.PaymentIntent, error)
	CaptureDeposit(ctx context.Context, intentID string, amount int64) (*gatewayclient.PaymentIntent, error)
	ReleaseDeposit(ctx context.Context, intentID string) (*gatewayclient.PaymentIntent, error)
	RefundCharge(ctx context.Context, chargeID string, amount int64) (*gatewayclient.Refund, error)
	CreateTransfer(ctx context.Context, req gatewayclient.TransferRequest) (*gatewayclient.Transfer, error)
	ReverseTransfer(ctx context.Context, transferID string) (*gatewayclient.Reversal, error)
}

// TenantDirectory supplies per-tenant settlement configuration. Satisfied by
// *tenantclient.Client.
type TenantDirectory interface {
	GetTenantSettings(ctx context.Context, tenantID string) (*tenantclient.TenantSettings, error)
}

// Settings carries the engine's tunable knobs, bound from the environment at
// startup. Keeping them here rather than reading a clock or config inside the
// algorithms keeps the core unit-testable.
type Settings struct {
	DefaultPlatformFeePercent float64
	RetryBase                 time.Duration
	RetryCap                  time.Duration
	RetryMaxAttempts          int
}

// Service provides the core business logic for booking settlement.
type Service struct {
	repo          store.Repository
	gateway       PaymentGateway
	tenants       TenantDirectory
	eventProducer rabbitmq.Publisher
	settings      Settings
	now           func() time.Time
}

// NewService creates a new settlement service instance.
func NewService(repo store.Repository, gateway PaymentGateway, tenants TenantDirectory, producer rabbitmq.Publisher, settings Settings) *Service {
	return &Service{
		repo:          repo,
		gateway:       gateway,
		tenants:       tenants,
		eventProducer: producer,
		settings:      settings,
		now:           time.Now,
	}
}

// tenantFeePercent resolves the platform fee percentage for a booking's
// tenant, falling back to the configured default when the tenant service has
// no override. A tenant-service outage is transient; the fee must never be
// guessed.
func (s *Service) tenantFeePercent(ctx context.Context, tenantID uuid.UUID) (float64, error) {
	settings, err := s.tenants.GetTenantSettings(ctx, tenantID.String())
	if err != nil {
		return 0, fmt.Errorf("%w: tenant settings lookup failed: %v", ErrTransientGateway, err)
	}
	if settings.PlatformFeePercent <= 0 {
		return s.settings.DefaultPlatformFeePercent, nil
	}
	return settings.PlatformFeePercent, nil
}

// RecomputeBookingFee recomputes and persists platform_fee_amount and
// net_amount from the booking's current total. This is the only code path
// that writes those two columns; they change together or not at all.
func (s *Service) RecomputeBookingFee(ctx context.Context, bookingID uuid.UUID) error {
	booking, err := s.repo.FindBookingByID(ctx, bookingID)
	if err != nil {
		return err
	}

	feePercent, err := s.tenantFeePercent(ctx, booking.TenantID)
	if err != nil {
		return err
	}

	return s.repo.WithBookingLock(ctx, bookingID, func(tx store.BookingTx) error {
		b := tx.Booking()
		if b.FinancialHold {
			return ErrFinancialHold
		}
		fee, net, err := ComputeFee(b.TotalAmount, feePercent)
		if err != nil {
			return err
		}
		return tx.UpdateBookingFinancials(ctx, store.UpdateBookingFinancialsParams{
			PlatformFeeAmount: &fee,
			NetAmount:         &net,
		})
	})
}

// GetFinancialSummary returns the current booking/payment/deposit/transfer
// snapshot. The fee arithmetic is verified on every read; a violation places
// the booking on financial hold and surfaces as an integrity error rather
// than a quietly corrected number.
func (s *Service) GetFinancialSummary(ctx context.Context, bookingID uuid.UUID) (*domain.FinancialSummary, error) {
	booking, err := s.repo.FindBookingByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	if err := VerifyFeeInvariant(booking.TotalAmount, booking.PlatformFeeAmount, booking.NetAmount); err != nil {
		log.Printf("level=error component=settlement_service booking_id=%s msg=\"fee invariant violated; placing booking on financial hold\" err=%v", bookingID, err)
		if holdErr := s.placeFinancialHold(ctx, bookingID); holdErr != nil {
			log.Printf("level=error component=settlement_service booking_id=%s msg=\"failed to place financial hold\" err=%v", bookingID, holdErr)
		}
		return nil, err
	}

	payments, err := s.repo.FindPaymentsByBookingID(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	summary := &domain.FinancialSummary{Booking: booking, Payments: payments}

	transfer, err := s.repo.FindActiveTransferByBookingID(ctx, bookingID)
	if err != nil && !errors.Is(err, store.ErrTransferNotFound) {
		return nil, err
	}
	summary.Transfer = transfer

	if summary.Disputes, err = s.repo.FindDisputesByBookingID(ctx, bookingID); err != nil {
		return nil, err
	}
	if summary.Refunds, err = s.repo.FindRefundsByBookingID(ctx, bookingID); err != nil {
		return nil, err
	}
	return summary, nil
}

func (s *Service) placeFinancialHold(ctx context.Context, bookingID uuid.UUID) error {
	return s.repo.WithBookingLock(ctx, bookingID, func(tx store.BookingTx) error {
		hold := true
		return tx.UpdateBookingFinancials(ctx, store.UpdateBookingFinancialsParams{FinancialHold: &hold})
	})
}

// InitiateRentalCharge creates an automatic-capture payment intent for the
// booking total and records the pending payment row. The paid/failed outcome
// arrives asynchronously via webhook.
func (s *Service) InitiateRentalCharge(ctx context.Context, bookingID uuid.UUID) (*domain.Payment, error) {
	booking, err := s.repo.FindBookingByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.Status.IsTerminal() {
		return nil, &InvalidTransitionError{Entity: "booking", From: string(booking.Status), To: "charged"}
	}
	if booking.PaymentStatus == domain.PaymentPaid {
		return nil, fmt.Errorf("%w: booking %s is already paid", ErrInvalidTransition, bookingID)
	}

	intent, err := s.gateway.CreatePaymentIntent(ctx, gatewayclient.PaymentIntentRequest{
		BookingID:     bookingID.String(),
		Amount:        booking.TotalAmount,
		Currency:      booking.Currency,
		CaptureMethod: "automatic",
		TransferGroup: bookingID.String(),
	})
	if err != nil {
		return nil, s.classifyGatewayError("create_payment_intent", err)
	}

	payment := &domain.Payment{
		ID:                     uuid.New(),
		BookingID:              bookingID,
		Amount:                 booking.TotalAmount,
		Currency:               booking.Currency,
		Type:                   domain.PaymentRentalCharge,
		Status:                 domain.PaymentPending,
		GatewayPaymentIntentID: &intent.ID,
		TransferGroup:          bookingID.String(),
	}

	err = s.repo.WithBookingLock(ctx, bookingID, func(tx store.BookingTx) error {
		if tx.Booking().FinancialHold {
			return ErrFinancialHold
		}
		if err := tx.CreatePayment(ctx, payment); err != nil {
			return err
		}
		return tx.UpdateBookingFinancials(ctx, store.UpdateBookingFinancialsParams{
			GatewayPaymentIntentID: &intent.ID,
		})
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=settlement_service op=initiate_rental_charge booking_id=%s intent_id=%s amount=%d", bookingID, intent.ID, booking.TotalAmount)
	return payment, nil
}

// InitiateDepositAuthorization places a manual-capture hold for the booking's
// security deposit. The deposit sub-state moves to authorized only when the
// gateway confirms via webhook.
func (s *Service) InitiateDepositAuthorization(ctx context.Context, bookingID uuid.UUID) (*domain.Payment, error) {
	booking, err := s.repo.FindBookingByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.Status.IsTerminal() {
		return nil, &InvalidTransitionError{Entity: "booking", From: string(booking.Status), To: "deposit_authorized"}
	}
	if booking.DepositStatus != domain.DepositPending {
		return nil, &InvalidTransitionError{Entity: "deposit", From: string(booking.DepositStatus), To: string(domain.DepositAuthorized)}
	}
	if booking.DepositAmount <= 0 {
		return nil, fmt.Errorf("booking %s has no deposit amount configured", bookingID)
	}

	intent, err := s.gateway.CreatePaymentIntent(ctx, gatewayclient.PaymentIntentRequest{
		BookingID:     bookingID.String(),
		Amount:        booking.DepositAmount,
		Currency:      booking.Currency,
		CaptureMethod: "manual",
		TransferGroup: bookingID.String(),
	})
	if err != nil {
		return nil, s.classifyGatewayError("create_deposit_hold", err)
	}

	depositStatus := domain.DepositPending
	payment := &domain.Payment{
		ID:                     uuid.New(),
		BookingID:              bookingID,
		Amount:                 booking.DepositAmount,
		Currency:               booking.Currency,
		Type:                   domain.PaymentDepositAuthorization,
		Status:                 domain.PaymentPending,
		GatewayPaymentIntentID: &intent.ID,
		DepositStatus:          &depositStatus,
		TransferGroup:          bookingID.String(),
	}

	err = s.repo.WithBookingLock(ctx, bookingID, func(tx store.BookingTx) error {
		if tx.Booking().FinancialHold {
			return ErrFinancialHold
		}
		return tx.CreatePayment(ctx, payment)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=settlement_service op=initiate_deposit_authorization booking_id=%s intent_id=%s amount=%d", bookingID, intent.ID, booking.DepositAmount)
	return payment, nil
}

// ListDeadLetteredEvents exposes the manual-review queue to operators.
func (s *Service) ListDeadLetteredEvents(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	return s.repo.ListDeadLetteredWebhookEvents(ctx, limit)
}

// classifyGatewayError separates explicit gateway rejections (permanent) from
// timeouts and 5xx responses (transient). A timeout is never a definitive
// negative outcome.
func (s *Service) classifyGatewayError(op string, err error) error {
	var gwErr *gatewayclient.ErrorResponse
	if errors.As(err, &gwErr) && gwErr.IsExplicitRejection() {
		return fmt.Errorf("gateway rejected %s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrTransientGateway, op, err)
}

// publish emits a settlement event. Publishing is best-effort; a broker
// outage must not fail the financial write that already committed.
func (s *Service) publish(ctx context.Context, routingKey string, body interface{}) {
	if s.eventProducer == nil {
		return
	}
	if err := s.eventProducer.Publish(ctx, rabbitmq.SettlementExchange, routingKey, body); err != nil {
		log.Printf("level=warn component=settlement_service msg=\"event publish failed\" routing_key=%s err=%v", routingKey, err)
	}
}
