/**
 * @description
 * This file sets up the HTTP router for the affiliate finder backend. It
 * defines the API endpoints, associates them with their corresponding
 * handlers, and applies middleware for logging, CORS, and authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for chi.
 */

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers all service routes.
func NewRouter(h *Handlers, jwksURL, clerkAudience, clerkIssuer, allowedOrigins string) *chi.Mux {
	r := chi.NewRouter()

	// Setup middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins(allowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any major browsers
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Payment provider webhooks authenticate by signature, not by JWT.
	r.Post("/webhooks/stripe", h.StripeWebhookHandler)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		// Apply JWT authentication middleware for production
		r.Use(ClerkAuthMiddleware(jwksURL, clerkAudience, clerkIssuer))

		// Search pipeline endpoints
		r.Post("/searches", h.StartSearchHandler)
		r.Get("/searches", h.ListSearchJobsHandler)
		r.Get("/searches/{jobID}", h.PollSearchHandler)

		// Affiliate store endpoints
		r.Get("/affiliates/{store}", h.ListAffiliatesHandler)
		r.Post("/affiliates/{store}", h.AddAffiliatesHandler)
		r.Delete("/affiliates/{store}", h.RemoveAffiliateHandler)
		r.Post("/affiliates/discovered/clear", h.ClearDiscoveredHandler)

		// Credits and billing endpoints
		r.Get("/credits/{category}", h.GetCreditBalanceHandler)
		r.Post("/billing/checkout", h.BuyCreditPackHandler)
		r.Post("/billing/fulfill-pending", h.FulfillPendingHandler)
	})

	return r
}

func corsOrigins(allowedOrigins string) []string {
	if strings.TrimSpace(allowedOrigins) == "" {
		return []string{"https://*", "http://*"}
	}
	parts := strings.Split(allowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
