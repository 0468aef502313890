package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lightwheel10/affiliate-finder-backend/internal/domain"
	"github.com/lightwheel10/affiliate-finder-backend/pkg/apifyclient"
)

func seedRunningJob(repo *memStore, user domain.User, runID string) *domain.SearchJob {
	job := &domain.SearchJob{
		ID:        uuid.New(),
		UserID:    user.ID,
		Topics:    []string{"fitness"},
		Sources:   []string{domain.SourceWeb},
		Status:    domain.JobStatusRunning,
		CreatedAt: time.Now().Add(-time.Minute),
	}
	job.ProviderRunID = &runID
	repo.jobs[job.ID] = job
	return job
}

func runItems() []apifyclient.Item {
	return []apifyclient.Item{
		{Link: "https://old-one.example/review", Title: "Old One", Domain: "old-one.example", Source: domain.SourceWeb, Rank: 1},
		{Link: "https://brand-new.example/post", Title: "Brand New", Domain: "brand-new.example", Source: domain.SourceWeb, Rank: 2},
		{Link: "https://old-two.example/guide", Title: "Old Two", Domain: "old-two.example", Source: domain.SourceWeb, Rank: 3},
	}
}

// seedExistingDiscovered inserts two of the three run items as previously
// discovered records owned by another job.
func seedExistingDiscovered(repo *memStore, user domain.User) {
	otherJob := uuid.New()
	for _, link := range []string{"https://old-one.example/review", "https://old-two.example/guide"} {
		repo.affiliates[domain.StoreDiscovered][affKey(user.ID, link)] = domain.Affiliate{
			ID:     uuid.New(),
			UserID: user.ID,
			Link:   link,
			Source: domain.SourceWeb,
			Method: domain.MethodTopic,
			JobID:  &otherJob,
		}
	}
}

func TestPollSearch_StillRunningRecordsPollOnly(t *testing.T) {
	repo := newMemStore()
	provider := &providerStub{}
	svc := newTestService(repo, provider, nil, nil, nil)
	user := seedUser(repo)
	job := seedRunningJob(repo, user, "run_1")

	snap, err := svc.PollSearch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("PollSearch failed: %v", err)
	}
	if snap.Status != domain.JobStatusRunning {
		t.Fatalf("expected running, got %s", snap.Status)
	}
	if len(snap.Items) != 0 {
		t.Fatal("in-progress snapshot must not carry items")
	}

	fresh, _ := repo.GetSearchJob(context.Background(), job.ID)
	if fresh.LastPolledAt == nil {
		t.Fatal("expected poll to be recorded")
	}
	if fresh.Status != domain.JobStatusRunning {
		t.Fatalf("status must not change, got %s", fresh.Status)
	}
}

func TestPollSearch_TransportErrorIsRetryable(t *testing.T) {
	repo := newMemStore()
	provider := &providerStub{pollErr: errors.New("connection reset")}
	svc := newTestService(repo, provider, nil, nil, nil)
	user := seedUser(repo)
	job := seedRunningJob(repo, user, "run_1")

	snap, err := svc.PollSearch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("transport errors must not surface, got %v", err)
	}
	if snap.Status != domain.JobStatusRunning {
		t.Fatalf("expected job left running, got %s", snap.Status)
	}
}

func TestPollSearch_ProviderFailureRecordsVerbatimReason(t *testing.T) {
	repo := newMemStore()
	provider := &providerStub{pollResults: []*apifyclient.RunResult{
		{Status: apifyclient.RunStatusFailed, Message: "actor ran out of memory"},
	}}
	svc := newTestService(repo, provider, nil, nil, nil)
	user := seedUser(repo)
	job := seedRunningJob(repo, user, "run_1")

	snap, err := svc.PollSearch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("PollSearch failed: %v", err)
	}
	if snap.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed, got %s", snap.Status)
	}
	if snap.FailureReason == nil || *snap.FailureReason != "actor ran out of memory" {
		t.Fatalf("expected verbatim provider reason, got %v", snap.FailureReason)
	}
}

func TestPollSearch_SuccessDedupesAndCompletes(t *testing.T) {
	repo := newMemStore()
	provider := &providerStub{pollResults: []*apifyclient.RunResult{
		{Status: apifyclient.RunStatusSucceeded, Items: runItems()},
	}}
	enricher := &enricherStub{}
	publisher := &publisherStub{}
	svc := newTestService(repo, provider, enricher, publisher, nil)
	user := seedUser(repo)
	seedExistingDiscovered(repo, user)
	job := seedRunningJob(repo, user, "run_1")

	snap, err := svc.PollSearch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("PollSearch failed: %v", err)
	}
	if snap.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completed, got %s", snap.Status)
	}
	if len(snap.Items) != 3 {
		t.Fatalf("expected all three run items in the snapshot, got %d", len(snap.Items))
	}
	if snap.NewItemCount != 1 {
		t.Fatalf("expected exactly one new item, got %d", snap.NewItemCount)
	}

	// Provider order is preserved and only the middle item is new.
	wantNew := []bool{false, true, false}
	for i, item := range snap.Items {
		if item.IsNew != wantNew[i] {
			t.Fatalf("item %d: expected is_new=%v, got %v", i, wantNew[i], item.IsNew)
		}
	}

	// Only the new item was enriched.
	if len(enricher.calls) != 1 || enricher.calls[0] != "https://brand-new.example/post" {
		t.Fatalf("expected enrichment of the new item only, got %v", enricher.calls)
	}
	newItem := snap.Items[1]
	if newItem.ContactEmail == nil || *newItem.ContactEmail != "creator@example.com" {
		t.Fatalf("expected enrichment persisted, got %+v", newItem.Affiliate)
	}

	// Completion event fired once with the new item count.
	if len(publisher.searchEvents) != 1 || publisher.searchEvents[0].NewItemCount != 1 {
		t.Fatalf("expected one completion event with count 1, got %+v", publisher.searchEvents)
	}

	// The discovered store gained exactly the one new record.
	all, _ := repo.ListAffiliates(context.Background(), domain.StoreDiscovered, user.ID, 100, 0)
	if len(all) != 3 {
		t.Fatalf("expected 3 discovered records total, got %d", len(all))
	}
}

func TestPollSearch_TerminalSnapshotIsStable(t *testing.T) {
	repo := newMemStore()
	provider := &providerStub{pollResults: []*apifyclient.RunResult{
		{Status: apifyclient.RunStatusSucceeded, Items: runItems()},
	}}
	svc := newTestService(repo, provider, &enricherStub{}, nil, nil)
	cache := newSnapshotCacheStub()
	svc.snapshots = cache
	user := seedUser(repo)
	job := seedRunningJob(repo, user, "run_1")

	first, err := svc.PollSearch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("first poll failed: %v", err)
	}
	if first.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completed, got %s", first.Status)
	}

	pollsBefore := provider.pollCalls
	second, err := svc.PollSearch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("second poll failed: %v", err)
	}
	if provider.pollCalls != pollsBefore {
		t.Fatal("terminal polls must not hit the provider")
	}
	if cache.hits == 0 {
		t.Fatal("expected the second poll to be served from the snapshot cache")
	}

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Fatalf("terminal snapshots differ:\n%s\n%s", a, b)
	}
}

func TestPollSearch_OrphanedCreatedJobFails(t *testing.T) {
	repo := newMemStore()
	svc := newTestService(repo, &providerStub{}, nil, nil, nil)
	user := seedUser(repo)
	job := &domain.SearchJob{
		ID:        uuid.New(),
		UserID:    user.ID,
		Topics:    []string{"fitness"},
		Status:    domain.JobStatusCreated,
		CreatedAt: time.Now().Add(-time.Minute),
	}
	repo.jobs[job.ID] = job

	snap, err := svc.PollSearch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("PollSearch failed: %v", err)
	}
	if snap.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed, got %s", snap.Status)
	}
	if snap.FailureReason == nil {
		t.Fatal("expected a failure reason")
	}
}

func TestPollSearch_AgeCeilingTimesOut(t *testing.T) {
	repo := newMemStore()
	provider := &providerStub{}
	svc := newTestService(repo, provider, nil, nil, nil)
	user := seedUser(repo)
	job := seedRunningJob(repo, user, "run_1")
	job.CreatedAt = time.Now().Add(-time.Hour)

	snap, err := svc.PollSearch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("PollSearch failed: %v", err)
	}
	if snap.Status != domain.JobStatusTimedOut {
		t.Fatalf("expected timed_out, got %s", snap.Status)
	}
	if provider.pollCalls != 0 {
		t.Fatal("timed out jobs must not hit the provider")
	}

	// A later poll is a plain terminal read.
	again, err := svc.PollSearch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("second poll failed: %v", err)
	}
	if again.Status != domain.JobStatusTimedOut {
		t.Fatalf("expected timed_out to stick, got %s", again.Status)
	}
}

func TestPollSearch_EnrichmentCycleBudget(t *testing.T) {
	repo := newMemStore()
	provider := &providerStub{pollResults: []*apifyclient.RunResult{
		{Status: apifyclient.RunStatusSucceeded, Items: runItems()},
	}}
	enricher := &enricherStub{failLinks: map[string]bool{"https://brand-new.example/post": true}}
	publisher := &publisherStub{}
	svc := newTestService(repo, provider, enricher, publisher, nil)
	user := seedUser(repo)
	job := seedRunningJob(repo, user, "run_1")

	// Cycles 1 and 2 leave the job enriching; cycle 3 exhausts the budget.
	for i := 0; i < 2; i++ {
		snap, err := svc.PollSearch(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("poll %d failed: %v", i+1, err)
		}
		if snap.Status != domain.JobStatusEnriching {
			t.Fatalf("poll %d: expected enriching, got %s", i+1, snap.Status)
		}
		if len(snap.Items) != 3 {
			t.Fatalf("poll %d: expected the frozen batch while enriching, got %d items", i+1, len(snap.Items))
		}
	}

	snap, err := svc.PollSearch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("final poll failed: %v", err)
	}
	if snap.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completion after budget exhaustion, got %s", snap.Status)
	}
	if len(publisher.searchEvents) != 1 {
		t.Fatalf("expected exactly one completion event, got %d", len(publisher.searchEvents))
	}

	// The stubborn item stays unenriched but is still in the snapshot.
	if len(snap.Items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(snap.Items))
	}
}

func TestPollSearch_EnrichingPollReturnsPartialItems(t *testing.T) {
	repo := newMemStore()
	provider := &providerStub{pollResults: []*apifyclient.RunResult{
		{Status: apifyclient.RunStatusSucceeded, Items: runItems()},
	}}
	enricher := &enricherStub{failLinks: map[string]bool{
		"https://old-one.example/review": true,
		"https://brand-new.example/post": true,
		"https://old-two.example/guide":  true,
	}}
	svc := newTestService(repo, provider, enricher, nil, nil)
	user := seedUser(repo)
	job := seedRunningJob(repo, user, "run_1")

	// The run succeeded but nothing could be enriched yet. The caller still
	// gets the full discovered batch right away.
	snap, err := svc.PollSearch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("PollSearch failed: %v", err)
	}
	if snap.Status != domain.JobStatusEnriching {
		t.Fatalf("expected enriching, got %s", snap.Status)
	}
	if len(snap.Items) != 3 || snap.NewItemCount != 3 {
		t.Fatalf("expected 3 unenriched items immediately, got %d items (%d new)", len(snap.Items), snap.NewItemCount)
	}
	for i, item := range snap.Items {
		if item.ContactEmail != nil || item.Summary != nil {
			t.Fatalf("item %d: expected no enrichment details yet, got %+v", i, item.Affiliate)
		}
	}

	// Once enrichment catches up, the next poll carries the details.
	enricher.failLinks = nil
	snap, err = svc.PollSearch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("second poll failed: %v", err)
	}
	if snap.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completed, got %s", snap.Status)
	}
	if snap.Items[0].ContactEmail == nil {
		t.Fatal("expected enrichment details after completion")
	}
}

func TestPollSearch_RecoversFromCrashedFreeze(t *testing.T) {
	repo := newMemStore()
	provider := &providerStub{pollResults: []*apifyclient.RunResult{
		{Status: apifyclient.RunStatusSucceeded, Items: runItems()},
	}}
	svc := newTestService(repo, provider, &enricherStub{}, nil, nil)
	user := seedUser(repo)
	job := seedRunningJob(repo, user, "run_1")
	// Simulate a poll that won running -> enriching and died before the freeze.
	job.Status = domain.JobStatusEnriching

	snap, err := svc.PollSearch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("PollSearch failed: %v", err)
	}
	if snap.Status != domain.JobStatusCompleted {
		t.Fatalf("expected recovery to completion, got %s", snap.Status)
	}
	if len(snap.Items) != 3 || snap.NewItemCount != 3 {
		t.Fatalf("expected all items discovered fresh, got %d items (%d new)", len(snap.Items), snap.NewItemCount)
	}
}

func TestPollSearch_UnknownJob(t *testing.T) {
	repo := newMemStore()
	svc := newTestService(repo, &providerStub{}, nil, nil, nil)

	_, err := svc.PollSearch(context.Background(), uuid.New())
	if err == nil {
		t.Fatal("expected an error for an unknown job")
	}
}
