/**
 * @description
 * PostgreSQL implementation of the deduplication & persistence layer for
 * discovered and saved affiliates. Both tables carry a UNIQUE (user_id, link)
 * constraint; inserts go through ON CONFLICT DO NOTHING so the existence
 * check and the insert are one atomic statement per item, correct under
 * arbitrary caller concurrency without application-level locking.
 */

package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lightwheel10/affiliate-finder-backend/internal/domain"
)

const affiliateColumns = `id, user_id, link, title, domain, snippet, source, method,
	person_name, summary, contact_email, channel_name, rank, job_id, discovered_at`

func affiliateTable(kind string) (string, error) {
	switch kind {
	case domain.StoreDiscovered:
		return "discovered_affiliates", nil
	case domain.StoreSaved:
		return "saved_affiliates", nil
	}
	return "", fmt.Errorf("unknown affiliate store kind %q", kind)
}

func scanAffiliate(row interface{ Scan(...any) error }, a *domain.Affiliate) error {
	return row.Scan(
		&a.ID, &a.UserID, &a.Link, &a.Title, &a.Domain, &a.Snippet,
		&a.Source, &a.Method, &a.PersonName, &a.Summary, &a.ContactEmail,
		&a.ChannelName, &a.Rank, &a.JobID, &a.DiscoveredAt,
	)
}

// InsertAffiliatesDedup merges a batch into the given store for one owner.
// An item whose (owner, link) identity already exists is skipped without
// overwriting; the returned result carries only the newly inserted records
// so callers can distinguish genuinely new items from already-known ones.
func (r *PostgresRepository) InsertAffiliatesDedup(ctx context.Context, kind string, userID uuid.UUID, items []domain.Affiliate) (*domain.AffiliateBatchResult, error) {
	table, err := affiliateTable(kind)
	if err != nil {
		return nil, err
	}

	result := &domain.AffiliateBatchResult{}
	if len(items) == 0 {
		return result, nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, link, title, domain, snippet, source, method,
		                person_name, summary, contact_email, channel_name, rank, job_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (user_id, link) DO NOTHING
		RETURNING %s
	`, table, affiliateColumns)

	for _, item := range items {
		link := strings.TrimSpace(item.Link)
		if link == "" {
			result.Skipped++
			continue
		}
		id := item.ID
		if id == uuid.Nil {
			id = uuid.New()
		}

		var inserted domain.Affiliate
		row := r.db.QueryRow(ctx, query,
			id, userID, link, item.Title, item.Domain, item.Snippet,
			item.Source, item.Method, item.PersonName, item.Summary,
			item.ContactEmail, item.ChannelName, item.Rank, item.JobID,
		)
		if err := scanAffiliate(row, &inserted); err != nil {
			// ON CONFLICT DO NOTHING yields no row for a duplicate identity.
			if err == pgx.ErrNoRows {
				result.Skipped++
				continue
			}
			return nil, fmt.Errorf("insert affiliate %q: %w", link, err)
		}
		result.Inserted = append(result.Inserted, inserted)
	}

	return result, nil
}

// FindAffiliatesByLinks loads the records for a set of links in one store.
// The returned map is keyed by link; absent links are simply missing.
func (r *PostgresRepository) FindAffiliatesByLinks(ctx context.Context, kind string, userID uuid.UUID, links []string) (map[string]domain.Affiliate, error) {
	table, err := affiliateTable(kind)
	if err != nil {
		return nil, err
	}
	found := make(map[string]domain.Affiliate, len(links))
	if len(links) == 0 {
		return found, nil
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = $1 AND link = ANY($2)`, affiliateColumns, table)
	rows, err := r.db.Query(ctx, query, userID, links)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var a domain.Affiliate
		if err := scanAffiliate(rows, &a); err != nil {
			return nil, err
		}
		found[a.Link] = a
	}
	return found, nil
}

// ListAffiliates returns a user's records from one store, newest first.
func (r *PostgresRepository) ListAffiliates(ctx context.Context, kind string, userID uuid.UUID, limit, offset int) ([]domain.Affiliate, error) {
	table, err := affiliateTable(kind)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE user_id = $1
		ORDER BY discovered_at DESC, link ASC
		LIMIT $2 OFFSET $3
	`, affiliateColumns, table)
	rows, err := r.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.Affiliate
	for rows.Next() {
		var a domain.Affiliate
		if err := scanAffiliate(rows, &a); err != nil {
			return nil, err
		}
		results = append(results, a)
	}
	return results, nil
}

// DeleteAffiliate removes one record by identity. Absent identities are a
// no-op, reported through the returned bool.
func (r *PostgresRepository) DeleteAffiliate(ctx context.Context, kind string, userID uuid.UUID, link string) (bool, error) {
	table, err := affiliateTable(kind)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE user_id = $1 AND link = $2", table)
	tag, err := r.db.Exec(ctx, query, userID, strings.TrimSpace(link))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ClearDiscoveredAffiliates bulk-deletes all discovered records for a user.
// Explicit operation, no dedup concern.
func (r *PostgresRepository) ClearDiscoveredAffiliates(ctx context.Context, userID uuid.UUID) (int64, error) {
	tag, err := r.db.Exec(ctx, "DELETE FROM discovered_affiliates WHERE user_id = $1", userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// UpdateAffiliateEnrichment persists resolved per-item metadata onto a
// discovered record. Fields already set are kept when the resolver returned
// nothing for them.
func (r *PostgresRepository) UpdateAffiliateEnrichment(ctx context.Context, affiliateID uuid.UUID, personName, summary, contactEmail *string) error {
	query := `
		UPDATE discovered_affiliates
		SET person_name = COALESCE($2, person_name),
		    summary = COALESCE($3, summary),
		    contact_email = COALESCE($4, contact_email)
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, affiliateID, personName, summary, contactEmail)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAffiliateNotFound
	}
	return nil
}
