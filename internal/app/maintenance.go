/**
 * @description
 * Periodic maintenance operations. Both are idempotent: rollover only inserts
 * buckets that do not exist yet, and the sweep funnels into the same
 * exactly-once purchase apply as the webhook and client triggers.
 */

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/lightwheel10/affiliate-finder-backend/internal/domain"
)

// pendingPurchaseSweepAge is how old a pending purchase must be before the
// sweep rechecks it; younger rows are still in the webhook's normal window.
const pendingPurchaseSweepAge = 15 * time.Minute

// pendingPurchaseSweepBatch caps one sweep pass.
const pendingPurchaseSweepBatch = 100

// RolloverCreditLedger seeds the current billing period's ledger buckets from
// each user's monthly grant. Running it twice for the same period is a no-op.
func (s *Service) RolloverCreditLedger(ctx context.Context) (int64, error) {
	return s.repo.RolloverCreditPeriods(ctx, domain.PeriodStart(s.now()))
}

// SweepPendingPurchases reconciles stale pending purchases across all users,
// catching payments whose webhook was lost and whose buyer never returned to
// trigger the client recheck.
func (s *Service) SweepPendingPurchases(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-pendingPurchaseSweepAge)
	pending, err := s.repo.ListPendingPurchasesOlderThan(ctx, cutoff, pendingPurchaseSweepBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale pending purchases: %w", err)
	}

	applied := 0
	for i := range pending {
		if outcome := s.reconcilePending(ctx, &pending[i]); outcome.Applied {
			applied++
		}
	}
	return applied, nil
}
