/**
 * @description
 * HTTP handlers for credits and billing: balance lookup, credit pack
 * checkout, the Stripe fulfillment webhook and the client-driven pending
 * purchase recheck. The webhook endpoint authenticates payloads with the
 * endpoint secret before anything touches the database.
 */

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/lightwheel10/affiliate-finder-backend/internal/domain"
	"github.com/lightwheel10/affiliate-finder-backend/internal/store"
	"github.com/lightwheel10/affiliate-finder-backend/pkg/stripeclient"
)

// maxWebhookBody caps how much of a webhook payload is read.
const maxWebhookBody = 1 << 16

// GetCreditBalanceHandler reports the user's current-period balance for one category.
func (h *Handlers) GetCreditBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r, "credit_balance")
	if !ok {
		return
	}

	category := chi.URLParam(r, "category")
	switch category {
	case domain.CreditCategoryTopicSearch, domain.CreditCategoryEmail, domain.CreditCategoryAI:
	default:
		h.writeError(w, http.StatusNotFound, codeInternal, "Unknown credit category")
		return
	}

	entry, err := h.service.GetCreditBalance(r.Context(), userID, category)
	if err != nil {
		h.handleServiceError(w, "credit_balance", err)
		return
	}

	h.writeJSON(w, http.StatusOK, entry)
}

// BuyCreditPackHandler opens a checkout session for a credit pack.
func (h *Handlers) BuyCreditPackHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r, "buy_credit_pack")
	if !ok {
		return
	}

	var req domain.BuyCreditPackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, codeInternal, "Invalid request body")
		return
	}
	req.UserID = userID.String()

	result, err := h.service.BuyCreditPack(r.Context(), req)
	if err != nil {
		h.handleServiceError(w, "buy_credit_pack", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, result)
}

// FulfillPendingHandler is the client-driven fallback fulfillment trigger.
func (h *Handlers) FulfillPendingHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r, "fulfill_pending")
	if !ok {
		return
	}

	result, err := h.service.FulfillPendingPurchases(r.Context(), userID)
	if err != nil {
		h.handleServiceError(w, "fulfill_pending", err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// StripeWebhookHandler handles checkout fulfillment webhooks. Unverifiable
// payloads are rejected; verified events for sessions we do not know are
// acknowledged so the provider stops retrying them.
func (h *Handlers) StripeWebhookHandler(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, codeInternal, "Could not read payload")
		return
	}

	event, err := h.webhookVerifier.ConstructEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, stripeclient.ErrInvalidSignature) {
			log.Printf("level=warn component=api endpoint=stripe_webhook outcome=reject reason=invalid_signature")
			h.writeError(w, http.StatusUnauthorized, codeInternal, "Invalid webhook signature")
			return
		}
		h.writeError(w, http.StatusBadRequest, codeInternal, "Invalid webhook payload")
		return
	}

	if event.Type != "checkout.session.completed" {
		h.writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	var session stripeclient.CheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		h.writeError(w, http.StatusBadRequest, codeInternal, "Invalid session object")
		return
	}

	outcome, err := h.service.HandleCheckoutCompleted(r.Context(), session.ID, session.PaymentStatus)
	if err != nil {
		// An unknown session is acknowledged, not retried forever. Anything
		// else (a store outage, say) is transient: answer 5xx so the
		// provider redelivers the event.
		if errors.Is(err, store.ErrPurchaseNotFound) {
			log.Printf("level=warn component=api endpoint=stripe_webhook session_id=%s msg=\"no purchase for session\" err=%v", session.ID, err)
			h.writeJSON(w, http.StatusOK, map[string]bool{"received": true})
			return
		}
		log.Printf("level=error component=api endpoint=stripe_webhook session_id=%s msg=\"fulfillment failed\" err=%v", session.ID, err)
		h.writeError(w, http.StatusInternalServerError, codeInternal, "Fulfillment failed, retry later")
		return
	}

	h.writeJSON(w, http.StatusOK, outcome)
}
