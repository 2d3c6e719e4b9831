package app

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aegisaosoft/aegis-ao-rental-sub006/internal/domain"
	"github.com/aegisaosoft/aegis-ao-rental-sub006/internal/store"
	"github.com/aegisaosoft/aegis-ao-rental-sub006/pkg/gatewayclient"
	"github.com/aegisaosoft/aegis-ao-rental-sub006/pkg/tenantclient"
)

// settlementRepoStub is an in-memory store.Repository covering the methods
// the settlement engine exercises. The embedded interface panics on anything
// unimplemented, which keeps unexpected calls visible in tests.
type settlementRepoStub struct {
	store.Repository

	booking     *domain.Booking
	payments    []*domain.Payment
	transfers   []*domain.Transfer
	events      map[string]*domain.WebhookEvent
	disputes    map[string]*domain.DisputeRecord
	refunds     map[string]*domain.RefundRecord
	transitions []domain.BookingTransition

	lockCount int
}

func newSettlementRepoStub(booking *domain.Booking) *settlementRepoStub {
	return &settlementRepoStub{
		booking:  booking,
		events:   make(map[string]*domain.WebhookEvent),
		disputes: make(map[string]*domain.DisputeRecord),
		refunds:  make(map[string]*domain.RefundRecord),
	}
}

func (r *settlementRepoStub) FindBookingByID(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error) {
	if r.booking == nil || r.booking.ID != bookingID {
		return nil, store.ErrBookingNotFound
	}
	snapshot := *r.booking
	return &snapshot, nil
}

func (r *settlementRepoStub) FindBookingByPaymentIntentID(ctx context.Context, paymentIntentID string) (*domain.Booking, error) {
	if r.booking != nil && r.booking.GatewayPaymentIntentID != nil && *r.booking.GatewayPaymentIntentID == paymentIntentID {
		snapshot := *r.booking
		return &snapshot, nil
	}
	return nil, store.ErrBookingNotFound
}

func (r *settlementRepoStub) WithBookingLock(ctx context.Context, bookingID uuid.UUID, fn func(tx store.BookingTx) error) error {
	if r.booking == nil || r.booking.ID != bookingID {
		return store.ErrBookingNotFound
	}
	r.lockCount++
	snapshot := *r.booking
	return fn(&stubBookingTx{repo: r, snapshot: &snapshot})
}

func (r *settlementRepoStub) CreatePayment(ctx context.Context, p *domain.Payment) error {
	clone := *p
	r.payments = append(r.payments, &clone)
	return nil
}

func (r *settlementRepoStub) FindPaymentsByBookingID(ctx context.Context, bookingID uuid.UUID) ([]domain.Payment, error) {
	var out []domain.Payment
	for _, p := range r.payments {
		if p.BookingID == bookingID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (r *settlementRepoStub) InsertWebhookEventIfAbsent(ctx context.Context, event *domain.WebhookEvent) (bool, error) {
	if _, exists := r.events[event.ExternalEventID]; exists {
		return false, nil
	}
	clone := *event
	clone.CreatedAt = time.Now()
	r.events[event.ExternalEventID] = &clone
	return true, nil
}

func (r *settlementRepoStub) eventByID(eventID uuid.UUID) *domain.WebhookEvent {
	for _, e := range r.events {
		if e.ID == eventID {
			return e
		}
	}
	return nil
}

func (r *settlementRepoStub) FindWebhookEventByID(ctx context.Context, eventID uuid.UUID) (*domain.WebhookEvent, error) {
	if e := r.eventByID(eventID); e != nil {
		snapshot := *e
		return &snapshot, nil
	}
	return nil, store.ErrWebhookEventNotFound
}

func (r *settlementRepoStub) ScheduleWebhookRetry(ctx context.Context, eventID uuid.UUID, errorMessage string, retryCount int, nextRetryAt time.Time) error {
	e := r.eventByID(eventID)
	if e == nil {
		return store.ErrWebhookEventNotFound
	}
	e.ErrorMessage = &errorMessage
	e.RetryCount = retryCount
	e.NextRetryAt = &nextRetryAt
	return nil
}

func (r *settlementRepoStub) MarkWebhookEventDeadLettered(ctx context.Context, eventID uuid.UUID, errorMessage string) error {
	e := r.eventByID(eventID)
	if e == nil {
		return store.ErrWebhookEventNotFound
	}
	e.DeadLettered = true
	e.ErrorMessage = &errorMessage
	e.NextRetryAt = nil
	return nil
}

func (r *settlementRepoStub) MarkWebhookEventProcessed(ctx context.Context, eventID uuid.UUID) error {
	e := r.eventByID(eventID)
	if e == nil {
		return store.ErrWebhookEventNotFound
	}
	now := time.Now()
	e.Processed = true
	e.ProcessedAt = &now
	e.ErrorMessage = nil
	e.NextRetryAt = nil
	return nil
}

func (r *settlementRepoStub) ListDueWebhookEvents(ctx context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error) {
	var due []domain.WebhookEvent
	for _, e := range r.events {
		if e.Processed || e.DeadLettered {
			continue
		}
		if e.NextRetryAt != nil && e.NextRetryAt.After(now) {
			continue
		}
		due = append(due, *e)
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (r *settlementRepoStub) ListDeadLetteredWebhookEvents(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	var out []domain.WebhookEvent
	for _, e := range r.events {
		if e.DeadLettered {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (r *settlementRepoStub) FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	for _, t := range r.transfers {
		if t.ID == transferID {
			snapshot := *t
			return &snapshot, nil
		}
	}
	return nil, store.ErrTransferNotFound
}

func (r *settlementRepoStub) FindTransferByGatewayID(ctx context.Context, gatewayTransferID string) (*domain.Transfer, error) {
	for _, t := range r.transfers {
		if t.GatewayTransferID != nil && *t.GatewayTransferID == gatewayTransferID {
			snapshot := *t
			return &snapshot, nil
		}
	}
	return nil, store.ErrTransferNotFound
}

func (r *settlementRepoStub) FindActiveTransferByBookingID(ctx context.Context, bookingID uuid.UUID) (*domain.Transfer, error) {
	for _, t := range r.transfers {
		if t.BookingID == bookingID && t.Status != domain.TransferReversed {
			snapshot := *t
			return &snapshot, nil
		}
	}
	return nil, store.ErrTransferNotFound
}

func (r *settlementRepoStub) transferByID(transferID uuid.UUID) *domain.Transfer {
	for _, t := range r.transfers {
		if t.ID == transferID {
			return t
		}
	}
	return nil
}

func (r *settlementRepoStub) MarkTransferPaid(ctx context.Context, transferID uuid.UUID) error {
	t := r.transferByID(transferID)
	if t == nil {
		return store.ErrTransferNotFound
	}
	if t.Status != domain.TransferPending {
		return store.ErrTransferStateConflict
	}
	t.Status = domain.TransferPaid
	return nil
}

func (r *settlementRepoStub) MarkTransferFailed(ctx context.Context, transferID uuid.UUID, reason string) error {
	t := r.transferByID(transferID)
	if t == nil {
		return store.ErrTransferNotFound
	}
	if t.Status != domain.TransferPending {
		return store.ErrTransferStateConflict
	}
	t.Status = domain.TransferFailed
	t.FailureReason = &reason
	return nil
}

func (r *settlementRepoStub) ReverseTransfer(ctx context.Context, transferID uuid.UUID, reversalID string) error {
	t := r.transferByID(transferID)
	if t == nil {
		return store.ErrTransferNotFound
	}
	if t.Status != domain.TransferPaid {
		return store.ErrTransferStateConflict
	}
	t.Status = domain.TransferReversed
	t.ReversalID = &reversalID
	return nil
}

func (r *settlementRepoStub) UpsertDisputeRecord(ctx context.Context, record *domain.DisputeRecord) (*domain.DisputeRecord, error) {
	if existing, ok := r.disputes[record.ExternalDisputeID]; ok {
		snapshot := *existing
		return &snapshot, nil
	}
	clone := *record
	clone.CreatedAt = time.Now()
	r.disputes[record.ExternalDisputeID] = &clone
	snapshot := clone
	return &snapshot, nil
}

func (r *settlementRepoStub) ResolveDispute(ctx context.Context, externalDisputeID string, status domain.DisputeStatus, resolvedAt time.Time) (*domain.DisputeRecord, error) {
	existing, ok := r.disputes[externalDisputeID]
	if !ok {
		return nil, store.ErrDisputeNotFound
	}
	existing.Status = status
	if existing.ResolvedAt == nil {
		existing.ResolvedAt = &resolvedAt
	}
	snapshot := *existing
	return &snapshot, nil
}

func (r *settlementRepoStub) UpsertRefundRecord(ctx context.Context, record *domain.RefundRecord) (*domain.RefundRecord, error) {
	if existing, ok := r.refunds[record.ExternalRefundID]; ok {
		snapshot := *existing
		return &snapshot, nil
	}
	clone := *record
	clone.CreatedAt = time.Now()
	r.refunds[record.ExternalRefundID] = &clone
	snapshot := clone
	return &snapshot, nil
}

func (r *settlementRepoStub) FindDisputesByBookingID(ctx context.Context, bookingID uuid.UUID) ([]domain.DisputeRecord, error) {
	var out []domain.DisputeRecord
	for _, d := range r.disputes {
		if d.BookingID == bookingID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (r *settlementRepoStub) FindRefundsByBookingID(ctx context.Context, bookingID uuid.UUID) ([]domain.RefundRecord, error) {
	var out []domain.RefundRecord
	for _, rec := range r.refunds {
		if rec.BookingID == bookingID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// stubBookingTx applies writes to the stub repository; the snapshot taken at
// lock time is what the callback reasons about, matching the row-lock
// semantics of the real store.
type stubBookingTx struct {
	repo     *settlementRepoStub
	snapshot *domain.Booking
}

func (tx *stubBookingTx) Booking() *domain.Booking { return tx.snapshot }

func (tx *stubBookingTx) UpdateBookingFinancials(ctx context.Context, params store.UpdateBookingFinancialsParams) error {
	b := tx.repo.booking
	if params.Status != nil {
		b.Status = *params.Status
	}
	if params.PaymentStatus != nil {
		b.PaymentStatus = *params.PaymentStatus
	}
	if params.DepositStatus != nil {
		b.DepositStatus = *params.DepositStatus
	}
	if params.DepositChargedAmount != nil {
		b.DepositChargedAmount = *params.DepositChargedAmount
	}
	if params.DepositRefundedAmount != nil {
		b.DepositRefundedAmount = *params.DepositRefundedAmount
	}
	if params.DepositCaptureReason != nil {
		b.DepositCaptureReason = params.DepositCaptureReason
	}
	if params.DepositAuthorizedAt != nil {
		b.DepositAuthorizedAt = params.DepositAuthorizedAt
	}
	if params.DepositCapturedAt != nil {
		b.DepositCapturedAt = params.DepositCapturedAt
	}
	if params.DepositReleasedAt != nil {
		b.DepositReleasedAt = params.DepositReleasedAt
	}
	if params.DepositRefundedAt != nil {
		b.DepositRefundedAt = params.DepositRefundedAt
	}
	if params.PlatformFeeAmount != nil {
		b.PlatformFeeAmount = *params.PlatformFeeAmount
	}
	if params.NetAmount != nil {
		b.NetAmount = *params.NetAmount
	}
	if params.GatewayPaymentIntentID != nil {
		b.GatewayPaymentIntentID = params.GatewayPaymentIntentID
	}
	if params.GatewayTransferID != nil {
		b.GatewayTransferID = params.GatewayTransferID
	}
	if params.GatewayCustomerID != nil {
		b.GatewayCustomerID = params.GatewayCustomerID
	}
	if params.FinancialHold != nil {
		b.FinancialHold = *params.FinancialHold
	}
	b.Version++
	b.UpdatedAt = time.Now()
	return nil
}

func (tx *stubBookingTx) RecordBookingTransition(ctx context.Context, transition domain.BookingTransition) error {
	tx.repo.transitions = append(tx.repo.transitions, transition)
	return nil
}

func (tx *stubBookingTx) CreatePayment(ctx context.Context, p *domain.Payment) error {
	return tx.repo.CreatePayment(ctx, p)
}

func (tx *stubBookingTx) FindPaymentByType(ctx context.Context, paymentType domain.PaymentType) (*domain.Payment, error) {
	for i := len(tx.repo.payments) - 1; i >= 0; i-- {
		if tx.repo.payments[i].BookingID == tx.repo.booking.ID && tx.repo.payments[i].Type == paymentType {
			snapshot := *tx.repo.payments[i]
			return &snapshot, nil
		}
	}
	return nil, store.ErrPaymentNotFound
}

func (tx *stubBookingTx) UpdatePayment(ctx context.Context, paymentID uuid.UUID, params store.UpdatePaymentParams) error {
	for _, p := range tx.repo.payments {
		if p.ID != paymentID {
			continue
		}
		if params.Status != nil {
			p.Status = *params.Status
		}
		if params.DepositStatus != nil {
			p.DepositStatus = params.DepositStatus
		}
		if params.GatewayChargeID != nil {
			p.GatewayChargeID = params.GatewayChargeID
		}
		if params.RefundAmount != nil {
			p.RefundAmount = *params.RefundAmount
		}
		if params.RefundDate != nil {
			p.RefundDate = params.RefundDate
		}
		if params.Disputed != nil {
			p.Disputed = *params.Disputed
		}
		return nil
	}
	return store.ErrPaymentNotFound
}

func (tx *stubBookingTx) CreateTransfer(ctx context.Context, t *domain.Transfer) error {
	clone := *t
	tx.repo.transfers = append(tx.repo.transfers, &clone)
	return nil
}

func (tx *stubBookingTx) MarkWebhookEventProcessed(ctx context.Context, eventID uuid.UUID) error {
	return tx.repo.MarkWebhookEventProcessed(ctx, eventID)
}

// gatewayStub fakes the payment gateway.
type gatewayStub struct {
	failTransient bool

	intentCalls   int
	captureCalls  int
	releaseCalls  int
	refundCalls   int
	transferCalls int
	reverseCalls  int
}

func (g *gatewayStub) err() error {
	return &gatewayclient.ErrorResponse{StatusCode: 503, Code: "unavailable", Message: "gateway down"}
}

func (g *gatewayStub) CreatePaymentIntent(ctx context.Context, req gatewayclient.PaymentIntentRequest) (*gatewayclient.PaymentIntent, error) {
	g.intentCalls++
	if g.failTransient {
		return nil, g.err()
	}
	return &gatewayclient.PaymentIntent{ID: "pi_stub", Status: "requires_confirmation", Amount: req.Amount, Currency: req.Currency}, nil
}

func (g *gatewayStub) GetPaymentIntent(ctx context.Context, intentID string) (*gatewayclient.PaymentIntent, error) {
	if g.failTransient {
		return nil, g.err()
	}
	return &gatewayclient.PaymentIntent{ID: intentID, Status: "succeeded"}, nil
}

func (g *gatewayStub) CaptureDeposit(ctx context.Context, intentID string, amount int64) (*gatewayclient.PaymentIntent, error) {
	g.captureCalls++
	if g.failTransient {
		return nil, g.err()
	}
	return &gatewayclient.PaymentIntent{ID: intentID, Status: "succeeded", Amount: amount, ChargeID: "ch_stub"}, nil
}

func (g *gatewayStub) ReleaseDeposit(ctx context.Context, intentID string) (*gatewayclient.PaymentIntent, error) {
	g.releaseCalls++
	if g.failTransient {
		return nil, g.err()
	}
	return &gatewayclient.PaymentIntent{ID: intentID, Status: "canceled"}, nil
}

func (g *gatewayStub) RefundCharge(ctx context.Context, chargeID string, amount int64) (*gatewayclient.Refund, error) {
	g.refundCalls++
	if g.failTransient {
		return nil, g.err()
	}
	return &gatewayclient.Refund{ID: "re_stub", Status: "succeeded", Amount: amount}, nil
}

func (g *gatewayStub) CreateTransfer(ctx context.Context, req gatewayclient.TransferRequest) (*gatewayclient.Transfer, error) {
	g.transferCalls++
	if g.failTransient {
		return nil, g.err()
	}
	return &gatewayclient.Transfer{ID: "tr_stub", Status: "pending", Amount: req.Amount}, nil
}

func (g *gatewayStub) ReverseTransfer(ctx context.Context, transferID string) (*gatewayclient.Reversal, error) {
	g.reverseCalls++
	if g.failTransient {
		return nil, g.err()
	}
	return &gatewayclient.Reversal{ID: "trr_stub", Status: "succeeded"}, nil
}

// tenantStub fakes the tenant configuration service.
type tenantStub struct {
	feePercent       float64
	depositMandatory bool
	connectedAccount string
	fail             bool
}

func (t *tenantStub) GetTenantSettings(ctx context.Context, tenantID string) (*tenantclient.TenantSettings, error) {
	if t.fail {
		return nil, context.DeadlineExceeded
	}
	account := t.connectedAccount
	if account == "" {
		account = "acct_stub"
	}
	return &tenantclient.TenantSettings{
		TenantID:                   tenantID,
		PlatformFeePercent:         t.feePercent,
		IsSecurityDepositMandatory: t.depositMandatory,
		ConnectedAccountID:         account,
	}, nil
}

// publisherStub records published routing keys.
type publisherStub struct {
	routingKeys []string
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.routingKeys = append(p.routingKeys, routingKey)
	return nil
}

func (p *publisherStub) Close() {}

func (p *publisherStub) published(routingKey string) bool {
	for _, key := range p.routingKeys {
		if key == routingKey {
			return true
		}
	}
	return false
}

func newTestService(repo *settlementRepoStub, gateway *gatewayStub, tenants *tenantStub) *Service {
	return NewService(repo, gateway, tenants, nil, Settings{
		DefaultPlatformFeePercent: 10,
		RetryBase:                 30 * time.Second,
		RetryCap:                  time.Hour,
		RetryMaxAttempts:          5,
	})
}

func testBooking(status domain.BookingStatus, depositStatus domain.DepositStatus) *domain.Booking {
	return &domain.Booking{
		ID:            uuid.New(),
		TenantID:      uuid.New(),
		CustomerID:    uuid.New(),
		VehicleID:     uuid.New(),
		Currency:      "USD",
		TotalAmount:   20000,
		Status:        status,
		PaymentStatus: domain.PaymentPending,
		DepositAmount: 50000,
		DepositStatus: depositStatus,
	}
}
