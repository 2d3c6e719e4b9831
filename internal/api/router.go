/**
 * @description
 * This file sets up the HTTP router for the settlement engine. It defines the
 * API endpoints, associates them with their corresponding handlers, and
 * applies the necessary middleware.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SettlementRoutes creates and returns a new router for the settlement engine.
func SettlementRoutes(h *SettlementHandlers, jwksURL, internalKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Machine-to-machine surface: the gateway webhook adapter and the retry
	// scheduler authenticate with the internal key.
	r.Group(func(r chi.Router) {
		r.Use(InternalKeyMiddleware(internalKey))

		r.Post("/webhooks/payment-gateway", h.IngestWebhookHandler)
		r.Post("/internal/reconcile/sweep", h.SweepHandler)
		r.Get("/internal/webhooks/dead-letter", h.ListDeadLetterHandler)
	})

	// Operator and dashboard surface, authenticated with JWTs.
	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(jwksURL))

		r.Get("/bookings/{bookingID}/settlement", h.GetFinancialSummaryHandler)
		r.Post("/bookings/{bookingID}/transitions", h.TransitionBookingHandler)
		r.Post("/bookings/{bookingID}/payments/rental-charge", h.InitiateRentalChargeHandler)
		r.Post("/bookings/{bookingID}/deposit/authorize", h.InitiateDepositAuthorizationHandler)
		r.Post("/bookings/{bookingID}/deposit/capture", h.CaptureDepositHandler)
		r.Post("/bookings/{bookingID}/deposit/release", h.ReleaseDepositHandler)
		r.Post("/bookings/{bookingID}/deposit/refund", h.RefundDepositHandler)
	})

	return r
}
