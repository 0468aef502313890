/**
 * @description
 * HTTP handlers for the discovered and saved affiliate stores: listing,
 * batch inserts, removing single records and clearing the discovered store.
 */

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/lightwheel10/affiliate-finder-backend/internal/domain"
)

// storeKind maps the URL segment to a store kind, rejecting anything else.
func storeKind(r *http.Request) (string, bool) {
	switch chi.URLParam(r, "store") {
	case "discovered":
		return domain.StoreDiscovered, true
	case "saved":
		return domain.StoreSaved, true
	}
	return "", false
}

// ListAffiliatesHandler returns a page of one affiliate store.
func (h *Handlers) ListAffiliatesHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r, "list_affiliates")
	if !ok {
		return
	}
	kind, ok := storeKind(r)
	if !ok {
		h.writeError(w, http.StatusNotFound, codeInternal, "Unknown affiliate store")
		return
	}

	limit, offset := pagination(r)
	items, err := h.service.ListAffiliates(r.Context(), kind, userID, limit, offset)
	if err != nil {
		h.handleServiceError(w, "list_affiliates", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// AddAffiliatesHandler inserts a batch of items into one affiliate store.
func (h *Handlers) AddAffiliatesHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r, "add_affiliates")
	if !ok {
		return
	}
	kind, ok := storeKind(r)
	if !ok {
		h.writeError(w, http.StatusNotFound, codeInternal, "Unknown affiliate store")
		return
	}

	var req domain.AffiliateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, codeInternal, "Invalid request body")
		return
	}
	req.UserID = userID.String()

	result, err := h.service.AddAffiliates(r.Context(), kind, req)
	if err != nil {
		h.handleServiceError(w, "add_affiliates", err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// RemoveAffiliateHandler deletes one record by its link.
func (h *Handlers) RemoveAffiliateHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r, "remove_affiliate")
	if !ok {
		return
	}
	kind, ok := storeKind(r)
	if !ok {
		h.writeError(w, http.StatusNotFound, codeInternal, "Unknown affiliate store")
		return
	}

	link := r.URL.Query().Get("link")
	removed, err := h.service.RemoveAffiliate(r.Context(), kind, domain.RemoveAffiliateRequest{
		UserID: userID.String(),
		Link:   link,
	})
	if err != nil {
		h.handleServiceError(w, "remove_affiliate", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

// ClearDiscoveredHandler empties the user's discovered store.
func (h *Handlers) ClearDiscoveredHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r, "clear_discovered")
	if !ok {
		return
	}

	cleared, err := h.service.ClearDiscovered(r.Context(), userID)
	if err != nil {
		h.handleServiceError(w, "clear_discovered", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int64{"cleared": cleared})
}
