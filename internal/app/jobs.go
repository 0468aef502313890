/**
 * @description
 * Scheduled job implementations for ledger and purchase maintenance.
 */
package app

import (
	"context"
	"log/slog"
)

// MaintenanceService defines the operations the scheduled jobs invoke.
type MaintenanceService interface {
	RolloverCreditLedger(ctx context.Context) (int64, error)
	SweepPendingPurchases(ctx context.Context) (int, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	svc    MaintenanceService
	logger *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(svc MaintenanceService, logger *slog.Logger) *Jobs {
	return &Jobs{
		svc:    svc,
		logger: logger,
	}
}

// RolloverCreditLedger seeds the new billing period's credit buckets.
func (j *Jobs) RolloverCreditLedger() {
	j.logger.Info("starting credit ledger rollover job")
	ctx := context.Background()

	seeded, err := j.svc.RolloverCreditLedger(ctx)
	if err != nil {
		j.logger.Error("failed to roll over credit ledger", "error", err)
		return
	}

	j.logger.Info("credit ledger rollover job finished", "buckets_seeded", seeded)
}

// SweepPendingPurchases reconciles stale pending credit purchases.
func (j *Jobs) SweepPendingPurchases() {
	j.logger.Info("starting pending purchase sweep job")
	ctx := context.Background()

	applied, err := j.svc.SweepPendingPurchases(ctx)
	if err != nil {
		j.logger.Error("failed to sweep pending purchases", "error", err)
		return
	}

	if applied == 0 {
		j.logger.Info("no stale pending purchases to fulfill")
		return
	}
	j.logger.Info("pending purchase sweep job finished", "fulfilled", applied)
}
