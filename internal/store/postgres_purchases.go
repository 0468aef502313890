/**
 * @description
 * PostgreSQL implementation of the credit-purchase store and the idempotent
 * apply operation the fulfillment reconciler is built on. ApplyPurchase locks
 * the purchase row FOR UPDATE, so the webhook trigger, the client-initiated
 * fallback and the maintenance sweep all serialize on the row: whichever
 * observes `pending` first grants and completes; every other caller sees a
 * non-pending row and returns applied=false with no side effects.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lightwheel10/affiliate-finder-backend/internal/domain"
)

const purchaseColumns = `id, user_id, stripe_session_id, pack_id, category, credit_amount, status, created_at, completed_at`

func scanPurchase(row interface{ Scan(...any) error }, p *domain.CreditPurchase) error {
	return row.Scan(
		&p.ID, &p.UserID, &p.StripeSessionID, &p.PackID, &p.Category,
		&p.CreditAmount, &p.Status, &p.CreatedAt, &p.CompletedAt,
	)
}

// CreatePurchase inserts a pending purchase row keyed by the checkout session
// id. Written before the caller is handed the redirect URL.
func (r *PostgresRepository) CreatePurchase(ctx context.Context, p *domain.CreditPurchase) error {
	query := `
		INSERT INTO credit_purchases (id, user_id, stripe_session_id, pack_id, category, credit_amount, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query, p.ID, p.UserID, p.StripeSessionID, p.PackID, p.Category, p.CreditAmount, p.Status)
	return err
}

// FindPurchaseBySessionID resolves a purchase from its external
// payment-session reference.
func (r *PostgresRepository) FindPurchaseBySessionID(ctx context.Context, sessionID string) (*domain.CreditPurchase, error) {
	var p domain.CreditPurchase
	query := `SELECT ` + purchaseColumns + ` FROM credit_purchases WHERE stripe_session_id = $1`
	if err := scanPurchase(r.db.QueryRow(ctx, query, sessionID), &p); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPurchaseNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListPendingPurchasesByUser returns all of a user's pending purchases,
// oldest first, for the fallback reconciliation pass.
func (r *PostgresRepository) ListPendingPurchasesByUser(ctx context.Context, userID uuid.UUID) ([]domain.CreditPurchase, error) {
	query := `
		SELECT ` + purchaseColumns + `
		FROM credit_purchases
		WHERE user_id = $1 AND status = $2
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, userID, domain.PurchaseStatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var purchases []domain.CreditPurchase
	for rows.Next() {
		var p domain.CreditPurchase
		if err := scanPurchase(rows, &p); err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
	}
	return purchases, nil
}

// ListPendingPurchasesOlderThan returns stale pending purchases for the
// maintenance sweep.
func (r *PostgresRepository) ListPendingPurchasesOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.CreditPurchase, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	query := `
		SELECT ` + purchaseColumns + `
		FROM credit_purchases
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, domain.PurchaseStatusPending, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var purchases []domain.CreditPurchase
	for rows.Next() {
		var p domain.CreditPurchase
		if err := scanPurchase(rows, &p); err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
	}
	return purchases, nil
}

// ApplyPurchase performs the exactly-once fulfillment transition. Inside one
// transaction it locks the purchase row, re-checks `pending`, grants the
// credits into the given billing period and marks the purchase completed.
// A failed grant rolls everything back, leaving the row `pending` for a later
// retry; the purchase is never marked completed without a successful grant.
func (r *PostgresRepository) ApplyPurchase(ctx context.Context, purchaseID uuid.UUID, periodStart time.Time) (bool, *domain.CreditPurchase, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, nil, err
	}
	defer tx.Rollback(ctx)

	var p domain.CreditPurchase
	query := `SELECT ` + purchaseColumns + ` FROM credit_purchases WHERE id = $1 FOR UPDATE`
	if err := scanPurchase(tx.QueryRow(ctx, query, purchaseID), &p); err != nil {
		if err == pgx.ErrNoRows {
			return false, nil, ErrPurchaseNotFound
		}
		return false, nil, err
	}

	if p.Status != domain.PurchaseStatusPending {
		// Already handled by a competing trigger; idempotent no-op.
		return false, &p, nil
	}

	if err := r.grantCredits(ctx, tx, p.UserID, p.Category, periodStart, p.CreditAmount); err != nil {
		return false, nil, err
	}

	completeQuery := `
		UPDATE credit_purchases
		SET status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING completed_at
	`
	if err := tx.QueryRow(ctx, completeQuery, p.ID, domain.PurchaseStatusCompleted, domain.PurchaseStatusPending).Scan(&p.CompletedAt); err != nil {
		return false, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, nil, err
	}

	p.Status = domain.PurchaseStatusCompleted
	return true, &p, nil
}
