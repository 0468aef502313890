/**
 * @description
 * This file defines the core domain models for the asynchronous search-job
 * pipeline. A SearchJob tracks one external scrape run end-to-end: from the
 * moment a user submits topics, through provider polling and enrichment, to a
 * terminal snapshot that never changes again.
 *
 * @notes
 * - Settings are snapshotted into the job at creation so that later edits to
 *   the user's profile cannot change the behavior of an in-flight job.
 * - Result membership is frozen at the moment the provider run succeeds; the
 *   ordered (link, is_new) list is persisted on the job row so that every
 *   subsequent poll rebuilds the exact same batch.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Search job lifecycle states. A job is mutated only by the state machine and
// never deleted; completed, failed and timed_out are terminal.
const (
	JobStatusCreated   = "created"
	JobStatusRunning   = "running"
	JobStatusEnriching = "enriching"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusTimedOut  = "timed_out"
)

// Result sources a search can be asked to cover.
const (
	SourceWeb         = "web"
	SourceVideo       = "video"
	SourceShortForm   = "short_form"
	SourceImageSocial = "image_social"
)

// SettingsSnapshot is the frozen copy of the user's search preferences taken
// at job creation.
type SettingsSnapshot struct {
	Country  string `json:"country"`
	Language string `json:"language"`
	Brand    string `json:"brand"`
}

// JobResultRef records one raw item of a finished provider run: its link and
// whether this job was the first to discover it for the owner. The ordered
// list is written once, when the run succeeds, and read on every later poll.
type JobResultRef struct {
	Link  string `json:"link"`
	IsNew bool   `json:"is_new"`
}

// SearchJob maps directly to the `search_jobs` table.
type SearchJob struct {
	ID            uuid.UUID        `json:"id"`
	UserID        uuid.UUID        `json:"user_id"`
	Topics        []string         `json:"topics"`
	Sources       []string         `json:"sources"`
	ProviderRunID *string          `json:"provider_run_id,omitempty"`
	Status        string           `json:"status"`
	FailureReason *string          `json:"failure_reason,omitempty"`
	EnrichCycles  int              `json:"enrich_cycles"`
	Settings      SettingsSnapshot `json:"settings"`
	Results       []JobResultRef   `json:"results,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	LastPolledAt  *time.Time       `json:"last_polled_at,omitempty"`
}

// IsTerminal reports whether the job can no longer change state.
func (j *SearchJob) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusTimedOut:
		return true
	}
	return false
}

// StartSearchRequest is the DTO for the job-start endpoint.
type StartSearchRequest struct {
	UserID   string            `json:"user_id"`
	Topics   []string          `json:"topics"`
	Sources  []string          `json:"sources"`
	Settings *SettingsSnapshot `json:"settings,omitempty"`
}

// StartSearchResult is returned once the provider has accepted the run.
type StartSearchResult struct {
	JobID uuid.UUID `json:"job_id"`
	RunID string    `json:"run_id"`
}

// JobSnapshotItem is one item of a poll response: the affiliate plus the
// flag telling the caller whether this job discovered it.
type JobSnapshotItem struct {
	Affiliate
	IsNew bool `json:"is_new"`
}

// JobSnapshot is the full poll response for a job. For a terminal job the
// snapshot is immutable; repeated polls return it byte-identically.
type JobSnapshot struct {
	JobID         uuid.UUID         `json:"job_id"`
	Status        string            `json:"status"`
	FailureReason *string           `json:"failure_reason,omitempty"`
	Items         []JobSnapshotItem `json:"items,omitempty"`
	NewItemCount  int               `json:"new_item_count"`
	CreatedAt     time.Time         `json:"created_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}
