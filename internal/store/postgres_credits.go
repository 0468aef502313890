/**
 * @description
 * PostgreSQL implementation of the credit ledger. All mutations to one
 * (user, category, period) row are single conditional statements, so
 * concurrent debits serialize on the row and can never jointly exceed the
 * granted total. The `used <= total` invariant is enforced in the debit
 * predicate itself, never repaired after the fact.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lightwheel10/affiliate-finder-backend/internal/domain"
)

// CheckAndDebit atomically consumes credits from the bucket for the given
// period. The conditional UPDATE succeeds only while `used + amount <= total`;
// loser debits under concurrency fail cleanly with ErrInsufficientCredits.
func (r *PostgresRepository) CheckAndDebit(ctx context.Context, userID uuid.UUID, category string, periodStart time.Time, amount int) error {
	if amount <= 0 {
		amount = 1
	}
	query := `
		UPDATE credit_ledger
		SET used = used + $4, updated_at = NOW()
		WHERE user_id = $1 AND category = $2 AND period_start = $3
		  AND used + $4 <= total
	`
	tag, err := r.db.Exec(ctx, query, userID, category, periodStart, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Distinguish an exhausted bucket from a missing one.
	var exists bool
	err = r.db.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM credit_ledger WHERE user_id = $1 AND category = $2 AND period_start = $3)",
		userID, category, periodStart,
	).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrCreditBucketMissing
	}
	return ErrInsufficientCredits
}

// GrantCredits atomically raises the total of the bucket, creating the row if
// the user has no bucket for the period yet.
func (r *PostgresRepository) GrantCredits(ctx context.Context, userID uuid.UUID, category string, periodStart time.Time, amount int) error {
	return r.grantCredits(ctx, r.db, userID, category, periodStart, amount)
}

// execer lets ledger statements run on the pool or inside a caller's
// transaction (the purchase reconciler grants within its own tx).
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// grantCredits is the single place the ledger's grant SQL lives.
func (r *PostgresRepository) grantCredits(ctx context.Context, exec execer, userID uuid.UUID, category string, periodStart time.Time, amount int) error {
	query := `
		INSERT INTO credit_ledger (user_id, category, period_start, total, used, monthly_grant)
		VALUES ($1, $2, $3, $4, 0, 0)
		ON CONFLICT (user_id, category, period_start)
		DO UPDATE SET total = credit_ledger.total + EXCLUDED.total, updated_at = NOW()
	`
	_, err := exec.Exec(ctx, query, userID, category, periodStart, amount)
	return err
}

// GetCreditBalance reads one ledger row.
func (r *PostgresRepository) GetCreditBalance(ctx context.Context, userID uuid.UUID, category string, periodStart time.Time) (*domain.CreditLedgerEntry, error) {
	var entry domain.CreditLedgerEntry
	query := `
		SELECT user_id, category, period_start, total, used, monthly_grant
		FROM credit_ledger
		WHERE user_id = $1 AND category = $2 AND period_start = $3
	`
	err := r.db.QueryRow(ctx, query, userID, category, periodStart).Scan(
		&entry.UserID, &entry.Category, &entry.PeriodStart,
		&entry.Total, &entry.Used, &entry.MonthlyGrant,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCreditBucketMissing
		}
		return nil, err
	}
	return &entry, nil
}

// RolloverCreditPeriods seeds the new billing period from the recurring
// allowance of the previous one. Idempotent: re-running for the same period
// inserts nothing thanks to the conflict clause, and `used` always starts at
// zero in the new period. Invoked by the maintenance scheduler, never inline.
func (r *PostgresRepository) RolloverCreditPeriods(ctx context.Context, newPeriod time.Time) (int64, error) {
	prevPeriod := newPeriod.AddDate(0, -1, 0)
	query := `
		INSERT INTO credit_ledger (user_id, category, period_start, total, used, monthly_grant)
		SELECT user_id, category, $1, monthly_grant, 0, monthly_grant
		FROM credit_ledger
		WHERE period_start = $2 AND monthly_grant > 0
		ON CONFLICT (user_id, category, period_start) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query, newPeriod, prevPeriod)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
