/**
 * @description
 * This file contains the HTTP handlers for the search pipeline endpoints.
 * Handlers are responsible for parsing incoming requests, calling the
 * appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * Errors are reported as {"error": {"code", "message"}} so clients can branch
 * on stable reason codes rather than message text.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lightwheel10/affiliate-finder-backend/internal/app"
	"github.com/lightwheel10/affiliate-finder-backend/internal/domain"
	"github.com/lightwheel10/affiliate-finder-backend/internal/store"
	"github.com/lightwheel10/affiliate-finder-backend/pkg/stripeclient"
)

// Stable error reason codes returned to clients.
const (
	codeMissingUserID        = "MISSING_USER_ID"
	codeMissingTopics        = "MISSING_TOPICS"
	codeUserNotFound         = "USER_NOT_FOUND"
	codeInsufficientCredits  = "INSUFFICIENT_CREDITS"
	codeProviderStartFailed  = "PROVIDER_START_FAILED"
	codeJobNotFound          = "JOB_NOT_FOUND"
	codePurchaseNotFound     = "PURCHASE_NOT_FOUND"
	codeSubscriptionRequired = "SUBSCRIPTION_REQUIRED"
	codeUnknownPack          = "UNKNOWN_PACK"
	codeRateLimited          = "RATE_LIMITED"
	codeInternal             = "INTERNAL"
)

// RateLimiter is the distributed limiter the poll endpoint consults.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// WebhookVerifier authenticates incoming payment webhooks.
type WebhookVerifier interface {
	ConstructEvent(payload []byte, sigHeader string) (*stripeclient.WebhookEvent, error)
}

// Handlers holds the application service that handlers will use.
type Handlers struct {
	service         *app.Service
	limiter         RateLimiter
	webhookVerifier WebhookVerifier
	pollLimitPerMin int
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(service *app.Service, limiter RateLimiter, verifier WebhookVerifier, pollLimitPerMin int) *Handlers {
	return &Handlers{
		service:         service,
		limiter:         limiter,
		webhookVerifier: verifier,
		pollLimitPerMin: pollLimitPerMin,
	}
}

// resolveUser maps the authenticated Clerk subject to the internal user UUID.
func (h *Handlers) resolveUser(w http.ResponseWriter, r *http.Request, endpoint string) (uuid.UUID, bool) {
	clerkID, ok := GetClerkUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, codeInternal, "Could not get user ID from context")
		return uuid.Nil, false
	}

	internalIDStr, err := h.service.ResolveInternalUserID(r.Context(), clerkID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=user_resolution_failed clerk_user_id=%s err=%v", endpoint, clerkID, err)
		h.writeError(w, http.StatusNotFound, codeUserNotFound, "User not found")
		return uuid.Nil, false
	}

	userID, err := uuid.Parse(internalIDStr)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, codeInternal, "Invalid internal user id")
		return uuid.Nil, false
	}
	return userID, true
}

// StartSearchHandler handles requests to start a new search job.
func (h *Handlers) StartSearchHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r, "start_search")
	if !ok {
		return
	}

	var req domain.StartSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, codeInternal, "Invalid request body")
		return
	}
	req.UserID = userID.String()

	result, err := h.service.StartSearch(r.Context(), req)
	if err != nil {
		h.handleServiceError(w, "start_search", err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, result)
}

// PollSearchHandler handles the caller-driven poll of one search job.
func (h *Handlers) PollSearchHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r, "poll_search")
	if !ok {
		return
	}

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, codeJobNotFound, "Invalid job id")
		return
	}

	if h.limiter != nil && h.pollLimitPerMin > 0 {
		count, retryAfter, limitErr := h.limiter.ConsumeRateLimit(r.Context(), "poll_search", userID.String(), h.pollLimitPerMin, time.Minute)
		if limitErr != nil {
			// A broken limiter must not block polling.
			log.Printf("level=warn component=api endpoint=poll_search msg=\"rate limiter unavailable\" err=%v", limitErr)
		} else if count > h.pollLimitPerMin {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			h.writeError(w, http.StatusTooManyRequests, codeRateLimited, "Too many poll requests")
			return
		}
	}

	snapshot, err := h.service.PollSearch(r.Context(), jobID)
	if err != nil {
		h.handleServiceError(w, "poll_search", err)
		return
	}
	if snapshot.JobID != jobID {
		h.writeError(w, http.StatusInternalServerError, codeInternal, "Snapshot mismatch")
		return
	}

	h.writeJSON(w, http.StatusOK, snapshot)
}

// ListSearchJobsHandler returns the user's search jobs, newest first.
func (h *Handlers) ListSearchJobsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r, "list_searches")
	if !ok {
		return
	}

	limit, offset := pagination(r)
	jobs, err := h.service.ListSearchJobs(r.Context(), userID, limit, offset)
	if err != nil {
		h.handleServiceError(w, "list_searches", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// handleServiceError maps service-layer errors onto HTTP statuses and codes.
func (h *Handlers) handleServiceError(w http.ResponseWriter, endpoint string, err error) {
	switch {
	case errors.Is(err, app.ErrMissingUserID):
		h.writeError(w, http.StatusBadRequest, codeMissingUserID, "A valid user id is required")
	case errors.Is(err, app.ErrMissingTopics):
		h.writeError(w, http.StatusBadRequest, codeMissingTopics, "At least one topic is required")
	case errors.Is(err, store.ErrUserNotFound):
		h.writeError(w, http.StatusNotFound, codeUserNotFound, "User not found")
	case errors.Is(err, store.ErrInsufficientCredits), errors.Is(err, store.ErrCreditBucketMissing):
		h.writeError(w, http.StatusPaymentRequired, codeInsufficientCredits, "Not enough credits for this operation")
	case errors.Is(err, app.ErrProviderStartFailed):
		h.writeError(w, http.StatusBadGateway, codeProviderStartFailed, "The search provider rejected the run")
	case errors.Is(err, store.ErrJobNotFound):
		h.writeError(w, http.StatusNotFound, codeJobNotFound, "Search job not found")
	case errors.Is(err, store.ErrPurchaseNotFound):
		h.writeError(w, http.StatusNotFound, codePurchaseNotFound, "Purchase not found")
	case errors.Is(err, app.ErrSubscriptionRequired):
		h.writeError(w, http.StatusForbidden, codeSubscriptionRequired, "An active subscription is required")
	case errors.Is(err, app.ErrUnknownPack):
		h.writeError(w, http.StatusBadRequest, codeUnknownPack, "Unknown credit pack")
	default:
		log.Printf("level=error component=api endpoint=%s msg=\"unhandled service error\" err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, codeInternal, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *Handlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
}
