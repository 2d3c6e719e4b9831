/**
 * @description
 * This file contains the HTTP handlers for the settlement engine's API
 * endpoints. Handlers parse incoming requests, call the application service,
 * and write the HTTP response. The error mapping keeps customer-facing
 * responses free of internals: permanent domain rejections become 4xx with a
 * machine-readable reason code, transient failures become 5xx with no detail.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models,
 *   and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/aegisaosoft/aegis-ao-rental-sub006/internal/app"
	"github.com/aegisaosoft/aegis-ao-rental-sub006/internal/domain"
	"github.com/aegisaosoft/aegis-ao-rental-sub006/internal/store"
)

// SettlementHandlers holds the application service that handlers will use.
type SettlementHandlers struct {
	service         *app.Service
	rateLimiter     *app.RedisIngestRateLimiter
	ingestRateLimit int
}

// NewSettlementHandlers creates the handler set. rateLimiter may be nil when
// Redis is not configured; ingest then runs unthrottled.
func NewSettlementHandlers(service *app.Service, rateLimiter *app.RedisIngestRateLimiter, ingestRateLimit int) *SettlementHandlers {
	return &SettlementHandlers{
		service:         service,
		rateLimiter:     rateLimiter,
		ingestRateLimit: ingestRateLimit,
	}
}

type ingestResponse struct {
	Status          string `json:"status"`
	ExternalEventID string `json:"external_event_id"`
}

// IngestWebhookHandler is the sole write entry point for the payment gateway
// adapter. The adapter verified the signature upstream; this handler receives
// the typed event envelope.
func (h *SettlementHandlers) IngestWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if h.rateLimiter != nil && h.ingestRateLimit > 0 {
		count, retryAfter, err := h.rateLimiter.ConsumeRateLimit(r.Context(), "webhook_ingest", "gateway", h.ingestRateLimit, time.Minute)
		if err != nil {
			log.Printf("level=warn component=api msg=\"rate limiter unavailable; allowing request\" err=%v", err)
		} else if count > h.ingestRateLimit {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			h.writeError(w, http.StatusTooManyRequests, "ingest rate limit exceeded")
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "unable to read request body")
		return
	}

	var event domain.GatewayEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}
	if event.ExternalID == "" || event.Type == "" {
		h.writeError(w, http.StatusBadRequest, "event id and type are required")
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	event.Raw = json.RawMessage(body)

	outcome, err := h.service.Ingest(r.Context(), &event)
	if err != nil {
		log.Printf("level=error component=api op=ingest external_event_id=%s err=%v", event.ExternalID, err)
		h.writeError(w, http.StatusInternalServerError, "failed to ingest event")
		return
	}

	h.writeJSON(w, http.StatusOK, ingestResponse{Status: string(outcome), ExternalEventID: event.ExternalID})
}

type sweepResponse struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// SweepHandler re-drives due webhook events. Invoked by the scheduler and
// available to operators for manual kicks.
func (h *SettlementHandlers) SweepHandler(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	succeeded, failed, err := h.service.Sweep(r.Context(), limit)
	if err != nil {
		log.Printf("level=error component=api op=sweep err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	h.writeJSON(w, http.StatusOK, sweepResponse{Succeeded: succeeded, Failed: failed})
}

// ListDeadLetterHandler returns the events awaiting manual intervention.
func (h *SettlementHandlers) ListDeadLetterHandler(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	events, err := h.service.ListDeadLetteredEvents(r.Context(), limit)
	if err != nil {
		log.Printf("level=error component=api op=list_dead_letter err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list dead-lettered events")
		return
	}
	if events == nil {
		events = []domain.WebhookEvent{}
	}
	h.writeJSON(w, http.StatusOK, events)
}

// GetFinancialSummaryHandler returns the booking's current financial
// snapshot for dashboard and notification collaborators.
func (h *SettlementHandlers) GetFinancialSummaryHandler(w http.ResponseWriter, r *http.Request) {
	bookingID, ok := h.bookingIDParam(w, r)
	if !ok {
		return
	}
	summary, err := h.service.GetFinancialSummary(r.Context(), bookingID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

type transitionRequest struct {
	To    string `json:"to"`
	Actor string `json:"actor"`
}

// TransitionBookingHandler moves a booking through its lifecycle.
func (h *SettlementHandlers) TransitionBookingHandler(w http.ResponseWriter, r *http.Request) {
	bookingID, ok := h.bookingIDParam(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" {
		h.writeError(w, http.StatusBadRequest, "target status is required")
		return
	}
	actor := req.Actor
	if actor == "" {
		if subject, found := GetAuthSubject(r.Context()); found {
			actor = subject
		} else {
			actor = "api"
		}
	}
	if err := h.service.TransitionBooking(r.Context(), bookingID, domain.BookingStatus(req.To), actor); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": req.To})
}

// InitiateRentalChargeHandler starts the rental payment with the gateway.
func (h *SettlementHandlers) InitiateRentalChargeHandler(w http.ResponseWriter, r *http.Request) {
	bookingID, ok := h.bookingIDParam(w, r)
	if !ok {
		return
	}
	payment, err := h.service.InitiateRentalCharge(r.Context(), bookingID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, payment)
}

// InitiateDepositAuthorizationHandler places the security deposit hold.
func (h *SettlementHandlers) InitiateDepositAuthorizationHandler(w http.ResponseWriter, r *http.Request) {
	bookingID, ok := h.bookingIDParam(w, r)
	if !ok {
		return
	}
	payment, err := h.service.InitiateDepositAuthorization(r.Context(), bookingID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, payment)
}

type depositActionRequest struct {
	Amount *int64 `json:"amount,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// CaptureDepositHandler converts the deposit hold into a charge, optionally
// partial, with a stated reason (damage, late return).
func (h *SettlementHandlers) CaptureDepositHandler(w http.ResponseWriter, r *http.Request) {
	bookingID, ok := h.bookingIDParam(w, r)
	if !ok {
		return
	}
	var req depositActionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := h.service.CaptureDeposit(r.Context(), bookingID, req.Amount, req.Reason); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"deposit_status": string(domain.DepositCaptured)})
}

// ReleaseDepositHandler drops the hold without charging.
func (h *SettlementHandlers) ReleaseDepositHandler(w http.ResponseWriter, r *http.Request) {
	bookingID, ok := h.bookingIDParam(w, r)
	if !ok {
		return
	}
	if err := h.service.ReleaseDeposit(r.Context(), bookingID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"deposit_status": string(domain.DepositReleased)})
}

// RefundDepositHandler returns part or all of a captured deposit.
func (h *SettlementHandlers) RefundDepositHandler(w http.ResponseWriter, r *http.Request) {
	bookingID, ok := h.bookingIDParam(w, r)
	if !ok {
		return
	}
	var req depositActionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := h.service.RefundDeposit(r.Context(), bookingID, req.Amount); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"deposit_status": string(domain.DepositRefunded)})
}

func (h *SettlementHandlers) bookingIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "bookingID")
	bookingID, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid booking id")
		return uuid.Nil, false
	}
	return bookingID, true
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeServiceError maps domain errors onto HTTP statuses and reason codes.
func (h *SettlementHandlers) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidTransition):
		h.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "invalid_transition"})
	case errors.Is(err, app.ErrAmountExceedsAuthorization):
		h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Code: "amount_exceeds_authorization"})
	case errors.Is(err, app.ErrAmountMismatch):
		h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Code: "amount_mismatch"})
	case errors.Is(err, app.ErrActiveTransferExists):
		h.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "active_transfer_exists"})
	case errors.Is(err, app.ErrFinancialHold), errors.Is(err, app.ErrIntegrityViolation):
		h.writeJSON(w, http.StatusConflict, errorResponse{Error: "booking is on financial hold", Code: "financial_hold"})
	case errors.Is(err, store.ErrBookingNotFound),
		errors.Is(err, store.ErrPaymentNotFound),
		errors.Is(err, store.ErrTransferNotFound),
		errors.Is(err, store.ErrWebhookEventNotFound):
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found", Code: "not_found"})
	case errors.Is(err, app.ErrTransientGateway), errors.Is(err, app.ErrPreconditionNotMet):
		log.Printf("level=warn component=api msg=\"transient failure surfaced to caller\" err=%v", err)
		h.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "temporarily unavailable, retry later", Code: "transient"})
	default:
		log.Printf("level=error component=api msg=\"unhandled service error\" err=%v", err)
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Code: "internal"})
	}
}

func (h *SettlementHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}

func (h *SettlementHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}
