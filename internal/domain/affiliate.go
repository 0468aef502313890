/**
 * @description
 * Domain models for discovered and saved affiliates. The two stores hold the
 * same shape of record and share one identity rule: (owner, link) is unique
 * within each store. Promotion from discovered to saved is an explicit copy,
 * not a move; the same link may exist in both stores for one owner.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Affiliate store kinds. Used by the persistence layer to select the target
// table; the identity rule is identical for both.
const (
	StoreDiscovered = "discovered"
	StoreSaved      = "saved"
)

// Discovery methods carried as provenance on each record.
const (
	MethodCompetitor = "competitor"
	MethodKeyword    = "keyword"
	MethodTopic      = "topic"
	MethodTag        = "tag"
)

// Affiliate is one candidate affiliate/lead record. Maps to the
// `discovered_affiliates` and `saved_affiliates` tables.
type Affiliate struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	Link         string     `json:"link"`
	Title        string     `json:"title"`
	Domain       string     `json:"domain"`
	Snippet      string     `json:"snippet,omitempty"`
	Source       string     `json:"source"` // web, video, short_form, image_social
	Method       string     `json:"method"` // competitor, keyword, topic, tag
	PersonName   *string    `json:"person_name,omitempty"`
	Summary      *string    `json:"summary,omitempty"`
	ContactEmail *string    `json:"contact_email,omitempty"`
	ChannelName  *string    `json:"channel_name,omitempty"`
	Rank         int        `json:"rank"`
	JobID        *uuid.UUID `json:"job_id,omitempty"` // job that first discovered it, if any
	DiscoveredAt time.Time  `json:"discovered_at"`
}

// Enriched reports whether per-item metadata resolution has run for this record.
func (a *Affiliate) Enriched() bool {
	return a.PersonName != nil || a.Summary != nil || a.ContactEmail != nil
}

// AffiliateBatchRequest is the DTO for the batch save/discover endpoints.
type AffiliateBatchRequest struct {
	UserID string      `json:"user_id"`
	Items  []Affiliate `json:"items"`
}

// AffiliateBatchResult reports the subset of a batch that was newly
// persisted. Items already present are deduplicated silently.
type AffiliateBatchResult struct {
	Inserted []Affiliate `json:"inserted"`
	Skipped  int         `json:"skipped"`
}

// RemoveAffiliateRequest identifies one record by its (owner, link) identity.
type RemoveAffiliateRequest struct {
	UserID string `json:"user_id"`
	Link   string `json:"link"`
}
