/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/lightwheel10/affiliate-finder-backend/internal/config"
	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.CreditRolloverSchedule, s.jobs.RolloverCreditLedger); err != nil {
		s.logger.Error("failed to schedule credit rollover job", "error", err)
	} else {
		s.logger.Info("scheduled credit rollover job", "schedule", s.config.CreditRolloverSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.PurchaseSweepSchedule, s.jobs.SweepPendingPurchases); err != nil {
		s.logger.Error("failed to schedule pending purchase sweep job", "error", err)
	} else {
		s.logger.Info("scheduled pending purchase sweep job", "schedule", s.config.PurchaseSweepSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
