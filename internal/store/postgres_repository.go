/**
 * @description
 * PostgreSQL implementation of the persistence layer: users, subscriptions
 * and search jobs. Job state transitions are single-writer compare-and-set
 * UPDATEs keyed on (job id, expected status), so two concurrent polls can
 * never both advance the same job past the same transition.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lightwheel10/affiliate-finder-backend/internal/domain"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrJobNotFound         = errors.New("search job not found")
	ErrAffiliateNotFound   = errors.New("affiliate not found")
	ErrCreditBucketMissing = errors.New("credit bucket not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrPurchaseNotFound    = errors.New("credit purchase not found")
)

// PostgresRepository is the concrete pgx-backed store shared by all components.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindUserByID retrieves a user and the profile fields the settings snapshot needs.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	var user domain.User
	query := `
		SELECT id, clerk_user_id, email,
		       COALESCE(country, ''), COALESCE(language, ''), COALESCE(brand, '')
		FROM users
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&user.ID, &user.ClerkUserID, &user.Email,
		&user.Country, &user.Language, &user.Brand,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FindUserIDByClerkUserID resolves the internal UUID from a session subject id.
func (r *PostgresRepository) FindUserIDByClerkUserID(ctx context.Context, clerkUserID string) (string, error) {
	var id string
	err := r.db.QueryRow(ctx, "SELECT id FROM users WHERE clerk_user_id = $1", clerkUserID).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", ErrUserNotFound
		}
		return "", err
	}
	return id, nil
}

// FindSubscriptionByUserID retrieves a user's subscription row, if any.
func (r *PostgresRepository) FindSubscriptionByUserID(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	var sub domain.Subscription
	query := `SELECT user_id, status, current_period_end FROM subscriptions WHERE user_id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(&sub.UserID, &sub.Status, &sub.CurrentPeriodEnd)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

// CreateSearchJob inserts a new job row with status `created`. The row is the
// durable audit record of the search; it is never deleted.
func (r *PostgresRepository) CreateSearchJob(ctx context.Context, job *domain.SearchJob) error {
	settings, err := json.Marshal(job.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings snapshot: %w", err)
	}
	query := `
		INSERT INTO search_jobs (id, user_id, topics, sources, status, settings)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = r.db.Exec(ctx, query, job.ID, job.UserID, job.Topics, job.Sources, domain.JobStatusCreated, settings)
	return err
}

// SetSearchJobRunning persists the provider run id and moves created -> running.
// The run id is durable before the caller is ever told the job exists.
func (r *PostgresRepository) SetSearchJobRunning(ctx context.Context, jobID uuid.UUID, runID string) error {
	query := `
		UPDATE search_jobs
		SET status = $2, provider_run_id = $3, started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4
	`
	tag, err := r.db.Exec(ctx, query, jobID, domain.JobStatusRunning, runID, domain.JobStatusCreated)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// GetSearchJob retrieves one job row.
func (r *PostgresRepository) GetSearchJob(ctx context.Context, jobID uuid.UUID) (*domain.SearchJob, error) {
	var (
		job      domain.SearchJob
		settings []byte
		results  []byte
	)
	query := `
		SELECT id, user_id, topics, sources, provider_run_id, status, failure_reason,
		       enrich_cycles, settings, results, created_at, started_at, completed_at, last_polled_at
		FROM search_jobs
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, jobID).Scan(
		&job.ID, &job.UserID, &job.Topics, &job.Sources, &job.ProviderRunID,
		&job.Status, &job.FailureReason, &job.EnrichCycles, &settings, &results,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.LastPolledAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &job.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal settings snapshot: %w", err)
		}
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &job.Results); err != nil {
			return nil, fmt.Errorf("unmarshal job results: %w", err)
		}
	}
	return &job, nil
}

// ListSearchJobsByUser returns a user's jobs, newest first.
func (r *PostgresRepository) ListSearchJobsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.SearchJob, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, user_id, topics, sources, provider_run_id, status, failure_reason,
		       enrich_cycles, settings, results, created_at, started_at, completed_at, last_polled_at
		FROM search_jobs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.SearchJob
	for rows.Next() {
		var (
			job      domain.SearchJob
			settings []byte
			results  []byte
		)
		if err := rows.Scan(
			&job.ID, &job.UserID, &job.Topics, &job.Sources, &job.ProviderRunID,
			&job.Status, &job.FailureReason, &job.EnrichCycles, &settings, &results,
			&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.LastPolledAt,
		); err != nil {
			return nil, err
		}
		if len(settings) > 0 {
			if err := json.Unmarshal(settings, &job.Settings); err != nil {
				return nil, fmt.Errorf("unmarshal settings snapshot: %w", err)
			}
		}
		if len(results) > 0 {
			if err := json.Unmarshal(results, &job.Results); err != nil {
				return nil, fmt.Errorf("unmarshal job results: %w", err)
			}
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// TouchSearchJobPolled records the poll timestamp and nothing else. Repeated
// polls of a still-running job must not rewrite the row.
func (r *PostgresRepository) TouchSearchJobPolled(ctx context.Context, jobID uuid.UUID) error {
	_, err := r.db.Exec(ctx, "UPDATE search_jobs SET last_polled_at = NOW() WHERE id = $1", jobID)
	return err
}

// TransitionSearchJob performs a compare-and-set status transition. It
// returns true only for the single caller that won the transition; a
// concurrent poll that lost observes false and should re-read the job.
func (r *PostgresRepository) TransitionSearchJob(ctx context.Context, jobID uuid.UUID, from, to string, failureReason *string) (bool, error) {
	query := `
		UPDATE search_jobs
		SET status = $3,
		    failure_reason = COALESCE($4, failure_reason),
		    completed_at = CASE WHEN $3 IN ('completed', 'failed', 'timed_out') THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	tag, err := r.db.Exec(ctx, query, jobID, from, to, failureReason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// TimeOutSearchJob forces any non-terminal job to `timed_out`. Invoked by the
// first poll that observes the job's wall-clock age past the ceiling.
func (r *PostgresRepository) TimeOutSearchJob(ctx context.Context, jobID uuid.UUID) (bool, error) {
	query := `
		UPDATE search_jobs
		SET status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'timed_out')
	`
	tag, err := r.db.Exec(ctx, query, jobID, domain.JobStatusTimedOut)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetSearchJobResults freezes the ordered (link, is_new) result membership of
// a finished run onto the job row. Written once by the poll that won the
// running -> enriching transition.
func (r *PostgresRepository) SetSearchJobResults(ctx context.Context, jobID uuid.UUID, results []domain.JobResultRef) error {
	payload, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal job results: %w", err)
	}
	_, err = r.db.Exec(ctx, "UPDATE search_jobs SET results = $2, updated_at = NOW() WHERE id = $1", jobID, payload)
	return err
}

// IncrementEnrichCycles bumps and returns the job's enriching-cycle counter.
func (r *PostgresRepository) IncrementEnrichCycles(ctx context.Context, jobID uuid.UUID) (int, error) {
	var cycles int
	query := `
		UPDATE search_jobs
		SET enrich_cycles = enrich_cycles + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING enrich_cycles
	`
	if err := r.db.QueryRow(ctx, query, jobID).Scan(&cycles); err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrJobNotFound
		}
		return 0, err
	}
	return cycles, nil
}
