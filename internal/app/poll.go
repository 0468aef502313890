/**
 * @description
 * This file implements the caller-driven poll state machine for search jobs.
 * All lifecycle progress happens inside PollSearch: there is no background
 * worker advancing jobs. Concurrent polls race on compare-and-swap status
 * transitions in the store; exactly one poll wins each transition and the
 * losers observe the winner's outcome.
 *
 * State flow:
 *   created -> running -> enriching -> completed
 *                 \-> failed           \-> completed (budget exhausted)
 *   any non-terminal -> timed_out (age ceiling)
 *
 * Result membership is frozen by the poll that wins running -> enriching: the
 * ordered (link, is_new) list is written to the job row once, and every later
 * poll rebuilds the exact same batch from it. Polls during enriching return
 * the batch immediately, with whatever details enrichment has resolved so
 * far; waiting for completion only buys the remaining details.
 */

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/lightwheel10/affiliate-finder-backend/internal/domain"
	"github.com/lightwheel10/affiliate-finder-backend/pkg/apifyclient"
)

// PollSearch reads the provider state for one job and advances the job's
// lifecycle as far as the observation allows. It is safe to call at any
// cadence and from any number of concurrent callers.
func (s *Service) PollSearch(ctx context.Context, jobID uuid.UUID) (*domain.JobSnapshot, error) {
	job, err := s.repo.GetSearchJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	if job.IsTerminal() {
		return s.terminalSnapshot(ctx, job)
	}

	// Age ceiling applies to every non-terminal state, including enriching.
	if s.now().Sub(job.CreatedAt) > s.jobTimeout {
		if _, err := s.repo.TimeOutSearchJob(ctx, jobID); err != nil {
			return nil, fmt.Errorf("failed to time out job: %w", err)
		}
		return s.reloadTerminal(ctx, jobID)
	}

	switch job.Status {
	case domain.JobStatusCreated:
		// A job still `created` on poll means the submitting request died
		// between creating the row and recording the provider run.
		reason := "provider run was never submitted"
		if _, err := s.repo.TransitionSearchJob(ctx, jobID, domain.JobStatusCreated, domain.JobStatusFailed, &reason); err != nil {
			return nil, fmt.Errorf("failed to fail orphaned job: %w", err)
		}
		return s.reloadTerminal(ctx, jobID)

	case domain.JobStatusRunning:
		return s.pollRunning(ctx, job)

	case domain.JobStatusEnriching:
		return s.advanceEnrichment(ctx, job)

	default:
		return nil, fmt.Errorf("job %s in unexpected status %q", jobID, job.Status)
	}
}

func (s *Service) pollRunning(ctx context.Context, job *domain.SearchJob) (*domain.JobSnapshot, error) {
	if job.ProviderRunID == nil {
		reason := "running job has no provider run id"
		if _, err := s.repo.TransitionSearchJob(ctx, job.ID, domain.JobStatusRunning, domain.JobStatusFailed, &reason); err != nil {
			return nil, fmt.Errorf("failed to fail job: %w", err)
		}
		return s.reloadTerminal(ctx, job.ID)
	}

	res, err := s.provider.PollRun(ctx, *job.ProviderRunID)
	if err != nil {
		// Transport errors are retryable: record the poll and report the
		// job unchanged so the caller simply polls again.
		log.Printf("level=warn component=search_service op=poll job_id=%s msg=\"provider poll failed\" err=%v", job.ID, err)
		s.touch(ctx, job.ID)
		return progressSnapshot(job), nil
	}

	switch res.Status {
	case apifyclient.RunStatusRunning:
		s.touch(ctx, job.ID)
		return progressSnapshot(job), nil

	case apifyclient.RunStatusFailed:
		reason := res.Message
		if reason == "" {
			reason = "provider run failed"
		}
		if _, err := s.repo.TransitionSearchJob(ctx, job.ID, domain.JobStatusRunning, domain.JobStatusFailed, &reason); err != nil {
			return nil, fmt.Errorf("failed to fail job: %w", err)
		}
		return s.reloadTerminal(ctx, job.ID)

	case apifyclient.RunStatusSucceeded:
		won, err := s.repo.TransitionSearchJob(ctx, job.ID, domain.JobStatusRunning, domain.JobStatusEnriching, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to enter enriching: %w", err)
		}
		if won {
			if err := s.freezeResults(ctx, job, res.Items); err != nil {
				// The job stays `enriching` with no frozen results; the
				// next poll retries the freeze from provider state.
				log.Printf("level=error component=search_service op=poll job_id=%s msg=\"failed to freeze results\" err=%v", job.ID, err)
				return progressSnapshot(job), nil
			}
		}
		fresh, err := s.repo.GetSearchJob(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload job: %w", err)
		}
		if fresh.IsTerminal() {
			return s.terminalSnapshot(ctx, fresh)
		}
		return s.advanceEnrichment(ctx, fresh)

	default:
		return nil, fmt.Errorf("provider returned unknown run status %q", res.Status)
	}
}

// freezeResults persists the provider run's raw items into the discovered
// store and writes the ordered (link, is_new) list onto the job row. The
// dedup insert is idempotent, so a crashed freeze can be re-run safely: a row
// counts as newly discovered iff it carries this job's id.
func (s *Service) freezeResults(ctx context.Context, job *domain.SearchJob, items []apifyclient.Item) error {
	batch := make([]domain.Affiliate, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if item.Link == "" || seen[item.Link] {
			continue
		}
		seen[item.Link] = true

		a := domain.Affiliate{
			ID:      uuid.New(),
			UserID:  job.UserID,
			Link:    item.Link,
			Title:   item.Title,
			Domain:  item.Domain,
			Snippet: item.Snippet,
			Source:  item.Source,
			Method:  domain.MethodTopic,
			Rank:    item.Rank,
			JobID:   &job.ID,
		}
		if item.ChannelName != "" {
			channel := item.ChannelName
			a.ChannelName = &channel
		}
		batch = append(batch, a)
	}

	if _, err := s.repo.InsertAffiliatesDedup(ctx, domain.StoreDiscovered, job.UserID, batch); err != nil {
		return fmt.Errorf("failed to persist discovered items: %w", err)
	}

	links := make([]string, len(batch))
	for i, a := range batch {
		links[i] = a.Link
	}
	rows, err := s.repo.FindAffiliatesByLinks(ctx, domain.StoreDiscovered, job.UserID, links)
	if err != nil {
		return fmt.Errorf("failed to read back discovered items: %w", err)
	}

	refs := make([]domain.JobResultRef, len(batch))
	for i, a := range batch {
		row, ok := rows[a.Link]
		isNew := ok && row.JobID != nil && *row.JobID == job.ID
		refs[i] = domain.JobResultRef{Link: a.Link, IsNew: isNew}
	}

	if err := s.repo.SetSearchJobResults(ctx, job.ID, refs); err != nil {
		return fmt.Errorf("failed to freeze job results: %w", err)
	}

	log.Printf("level=info component=search_service op=poll job_id=%s msg=\"results frozen\" total=%d new=%d", job.ID, len(refs), countNew(refs))
	return nil
}

// advanceEnrichment runs one bounded enrichment pass over the job's new
// items and completes the job once everything is resolved or the cycle
// budget is spent. Enrichment failures never fail the job.
func (s *Service) advanceEnrichment(ctx context.Context, job *domain.SearchJob) (*domain.JobSnapshot, error) {
	// A crashed freeze leaves `enriching` with no results; rebuild from the
	// provider run, which is a read-only source.
	if job.Results == nil {
		if job.ProviderRunID == nil {
			return nil, fmt.Errorf("enriching job %s has no provider run id", job.ID)
		}
		res, err := s.provider.PollRun(ctx, *job.ProviderRunID)
		if err != nil || res.Status != apifyclient.RunStatusSucceeded {
			log.Printf("level=warn component=search_service op=poll job_id=%s msg=\"result freeze retry deferred\" err=%v", job.ID, err)
			s.touch(ctx, job.ID)
			return progressSnapshot(job), nil
		}
		if err := s.freezeResults(ctx, job, res.Items); err != nil {
			log.Printf("level=error component=search_service op=poll job_id=%s msg=\"failed to freeze results\" err=%v", job.ID, err)
			return progressSnapshot(job), nil
		}
		fresh, err := s.repo.GetSearchJob(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload job: %w", err)
		}
		job = fresh
	}

	pending, err := s.enrichPass(ctx, job)
	if err != nil {
		return nil, err
	}

	cycles, err := s.repo.IncrementEnrichCycles(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to record enrich cycle: %w", err)
	}

	if pending > 0 && cycles < s.maxEnrichCycles {
		s.touch(ctx, job.ID)
		return s.partialSnapshot(ctx, job)
	}

	won, err := s.repo.TransitionSearchJob(ctx, job.ID, domain.JobStatusEnriching, domain.JobStatusCompleted, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to complete job: %w", err)
	}
	if won && s.eventProducer != nil {
		event := domain.SearchCompletedEvent{
			JobID:        job.ID,
			UserID:       job.UserID,
			NewItemCount: countNew(job.Results),
			Timestamp:    s.now(),
		}
		if err := s.eventProducer.PublishSearchCompleted(ctx, event); err != nil {
			log.Printf("level=warn component=search_service op=poll job_id=%s msg=\"event publish failed\" err=%v", job.ID, err)
		}
	}
	return s.reloadTerminal(ctx, job.ID)
}

// enrichPass scrapes creator details for the job's still-unenriched new
// items within the configured budget. Returns how many remain unresolved.
func (s *Service) enrichPass(ctx context.Context, job *domain.SearchJob) (int, error) {
	newLinks := make([]string, 0, len(job.Results))
	for _, ref := range job.Results {
		if ref.IsNew {
			newLinks = append(newLinks, ref.Link)
		}
	}
	if len(newLinks) == 0 || s.enricher == nil {
		return 0, nil
	}

	rows, err := s.repo.FindAffiliatesByLinks(ctx, domain.StoreDiscovered, job.UserID, newLinks)
	if err != nil {
		return 0, fmt.Errorf("failed to load items for enrichment: %w", err)
	}

	budgetCtx, cancel := context.WithTimeout(ctx, s.enrichBudget)
	defer cancel()

	pending := 0
	for _, link := range newLinks {
		row, ok := rows[link]
		if !ok || row.Enriched() {
			continue
		}
		if budgetCtx.Err() != nil {
			pending++
			continue
		}

		details, err := s.enricher.Scrape(budgetCtx, link)
		if err != nil {
			log.Printf("level=warn component=search_service op=enrich job_id=%s link=%q msg=\"enrichment failed\" err=%v", job.ID, link, err)
			pending++
			continue
		}

		var name, summary, email *string
		if details.AuthorName != "" {
			name = &details.AuthorName
		}
		if details.Summary != "" {
			summary = &details.Summary
		}
		if details.ContactEmail != "" {
			email = &details.ContactEmail
		}
		if name == nil && summary == nil && email == nil {
			// Nothing extractable; do not retry this page forever.
			empty := ""
			summary = &empty
		}
		if err := s.repo.UpdateAffiliateEnrichment(ctx, row.ID, name, summary, email); err != nil {
			log.Printf("level=warn component=search_service op=enrich job_id=%s link=%q msg=\"failed to persist enrichment\" err=%v", job.ID, link, err)
			pending++
		}
	}
	return pending, nil
}

// terminalSnapshot builds (or serves from cache) the immutable snapshot of a
// finished job. Repeated polls of a terminal job return identical payloads.
func (s *Service) terminalSnapshot(ctx context.Context, job *domain.SearchJob) (*domain.JobSnapshot, error) {
	if s.snapshots != nil {
		if cached, err := s.snapshots.GetSnapshot(ctx, job.ID); err == nil && cached != nil {
			var snap domain.JobSnapshot
			if err := json.Unmarshal(cached, &snap); err == nil {
				return &snap, nil
			}
		}
	}

	snap := &domain.JobSnapshot{
		JobID:         job.ID,
		Status:        job.Status,
		FailureReason: job.FailureReason,
		CreatedAt:     job.CreatedAt,
		CompletedAt:   job.CompletedAt,
	}

	if job.Status == domain.JobStatusCompleted && len(job.Results) > 0 {
		items, err := s.snapshotItems(ctx, job)
		if err != nil {
			return nil, err
		}
		snap.Items = items
		snap.NewItemCount = countNew(job.Results)
	}

	if s.snapshots != nil {
		if payload, err := json.Marshal(snap); err == nil {
			if err := s.snapshots.StoreSnapshot(ctx, job.ID, payload); err != nil {
				log.Printf("level=warn component=search_service op=poll job_id=%s msg=\"snapshot cache write failed\" err=%v", job.ID, err)
			}
		}
	}
	return snap, nil
}

// snapshotItems rebuilds the frozen item batch from the job's result refs,
// in provider order. Rows the user has since removed from the discovered
// store come back as link-only stubs: membership stays, details are gone.
func (s *Service) snapshotItems(ctx context.Context, job *domain.SearchJob) ([]domain.JobSnapshotItem, error) {
	links := make([]string, len(job.Results))
	for i, ref := range job.Results {
		links[i] = ref.Link
	}
	rows, err := s.repo.FindAffiliatesByLinks(ctx, domain.StoreDiscovered, job.UserID, links)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot items: %w", err)
	}
	items := make([]domain.JobSnapshotItem, 0, len(job.Results))
	for _, ref := range job.Results {
		row, ok := rows[ref.Link]
		if !ok {
			row = domain.Affiliate{UserID: job.UserID, Link: ref.Link}
		}
		items = append(items, domain.JobSnapshotItem{Affiliate: row, IsNew: ref.IsNew})
	}
	return items, nil
}

// partialSnapshot is the poll response for a job that stays `enriching`: the
// full frozen item batch in whatever enrichment state the rows are in now.
// Callers get the results immediately; later polls fill in the details.
func (s *Service) partialSnapshot(ctx context.Context, job *domain.SearchJob) (*domain.JobSnapshot, error) {
	snap := progressSnapshot(job)
	if len(job.Results) == 0 {
		return snap, nil
	}
	items, err := s.snapshotItems(ctx, job)
	if err != nil {
		return nil, err
	}
	snap.Items = items
	snap.NewItemCount = countNew(job.Results)
	return snap, nil
}

func (s *Service) reloadTerminal(ctx context.Context, jobID uuid.UUID) (*domain.JobSnapshot, error) {
	job, err := s.repo.GetSearchJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload job: %w", err)
	}
	if !job.IsTerminal() {
		return progressSnapshot(job), nil
	}
	return s.terminalSnapshot(ctx, job)
}

func (s *Service) touch(ctx context.Context, jobID uuid.UUID) {
	if err := s.repo.TouchSearchJobPolled(ctx, jobID); err != nil {
		log.Printf("level=warn component=search_service op=poll job_id=%s msg=\"failed to record poll\" err=%v", jobID, err)
	}
}

func progressSnapshot(job *domain.SearchJob) *domain.JobSnapshot {
	return &domain.JobSnapshot{
		JobID:     job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	}
}

func countNew(refs []domain.JobResultRef) int {
	n := 0
	for _, ref := range refs {
		if ref.IsNew {
			n++
		}
	}
	return n
}
