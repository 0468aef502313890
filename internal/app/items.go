/**
 * @description
 * This file implements the affiliate store use cases: promoting discovered
 * items into the saved store, listing either store, removing single records
 * and clearing the discovered store. All writes go through the dedup insert,
 * so re-saving an already saved link is a silent no-op.
 */

package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/lightwheel10/affiliate-finder-backend/internal/domain"
)

// AddAffiliates writes a batch of items into one of the user's stores:
// promoting discovered items into the saved store, or inserting externally
// sourced items into the discovered store. Items whose (owner, link) identity
// already exists are skipped, and the result reports exactly which items
// were new.
func (s *Service) AddAffiliates(ctx context.Context, kind string, req domain.AffiliateBatchRequest) (*domain.AffiliateBatchResult, error) {
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return nil, ErrMissingUserID
	}

	batch := make([]domain.Affiliate, 0, len(req.Items))
	for _, item := range req.Items {
		if item.Link == "" {
			continue
		}
		item.ID = uuid.New()
		item.UserID = userID
		batch = append(batch, item)
	}
	if len(batch) == 0 {
		return &domain.AffiliateBatchResult{Inserted: []domain.Affiliate{}}, nil
	}

	result, err := s.repo.InsertAffiliatesDedup(ctx, kind, userID, batch)
	if err != nil {
		return nil, fmt.Errorf("failed to add affiliates: %w", err)
	}
	return result, nil
}

// ListAffiliates returns a page of the user's discovered or saved store.
func (s *Service) ListAffiliates(ctx context.Context, kind string, userID uuid.UUID, limit, offset int) ([]domain.Affiliate, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListAffiliates(ctx, kind, userID, limit, offset)
}

// RemoveAffiliate deletes one record by its (owner, link) identity. Removing
// a link that is not present is a no-op, reported via the bool.
func (s *Service) RemoveAffiliate(ctx context.Context, kind string, req domain.RemoveAffiliateRequest) (bool, error) {
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return false, ErrMissingUserID
	}
	if req.Link == "" {
		return false, nil
	}
	return s.repo.DeleteAffiliate(ctx, kind, userID, req.Link)
}

// ClearDiscovered empties the user's discovered store and returns how many
// records were removed. The saved store is never touched.
func (s *Service) ClearDiscovered(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.repo.ClearDiscoveredAffiliates(ctx, userID)
}
