/**
 * @description
 * This file contains the core business logic for the affiliate finder backend.
 * The `Service` struct orchestrates the asynchronous search pipeline,
 * coordinating between the database repository, the Apify scrape provider, the
 * Firecrawl enricher, the Redis snapshot cache, and the message broker.
 *
 * Key features:
 * - Implements the main use cases: starting search jobs, caller-driven polling,
 *   affiliate save/remove, credit purchases and their fulfillment.
 * - Debits one topic_search credit atomically before any provider run starts.
 * - Publishes events to RabbitMQ for asynchronous processing by other services.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/apifyclient, pkg/firecrawlclient, pkg/rabbitmq: For external services.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lightwheel10/affiliate-finder-backend/internal/domain"
	"github.com/lightwheel10/affiliate-finder-backend/internal/store"
	"github.com/lightwheel10/affiliate-finder-backend/pkg/apifyclient"
	"github.com/lightwheel10/affiliate-finder-backend/pkg/firecrawlclient"
	"github.com/lightwheel10/affiliate-finder-backend/pkg/rabbitmq"
	"github.com/lightwheel10/affiliate-finder-backend/pkg/stripeclient"
)

// Validation and precondition errors surfaced to the API layer.
var (
	ErrMissingUserID        = errors.New("user_id is required")
	ErrMissingTopics        = errors.New("at least one topic is required")
	ErrProviderStartFailed  = errors.New("scrape provider rejected the run")
	ErrSubscriptionRequired = errors.New("an active subscription is required")
	ErrUnknownPack          = errors.New("unknown credit pack")
)

// Store is the persistence surface the service depends on. Implemented by
// store.PostgresRepository; stubbed in tests.
type Store interface {
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	FindUserIDByClerkUserID(ctx context.Context, clerkUserID string) (string, error)
	FindSubscriptionByUserID(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error)

	CreateSearchJob(ctx context.Context, job *domain.SearchJob) error
	SetSearchJobRunning(ctx context.Context, jobID uuid.UUID, runID string) error
	GetSearchJob(ctx context.Context, jobID uuid.UUID) (*domain.SearchJob, error)
	ListSearchJobsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.SearchJob, error)
	TouchSearchJobPolled(ctx context.Context, jobID uuid.UUID) error
	TransitionSearchJob(ctx context.Context, jobID uuid.UUID, from, to string, failureReason *string) (bool, error)
	TimeOutSearchJob(ctx context.Context, jobID uuid.UUID) (bool, error)
	SetSearchJobResults(ctx context.Context, jobID uuid.UUID, results []domain.JobResultRef) error
	IncrementEnrichCycles(ctx context.Context, jobID uuid.UUID) (int, error)

	InsertAffiliatesDedup(ctx context.Context, kind string, userID uuid.UUID, items []domain.Affiliate) (*domain.AffiliateBatchResult, error)
	FindAffiliatesByLinks(ctx context.Context, kind string, userID uuid.UUID, links []string) (map[string]domain.Affiliate, error)
	ListAffiliates(ctx context.Context, kind string, userID uuid.UUID, limit, offset int) ([]domain.Affiliate, error)
	DeleteAffiliate(ctx context.Context, kind string, userID uuid.UUID, link string) (bool, error)
	ClearDiscoveredAffiliates(ctx context.Context, userID uuid.UUID) (int64, error)
	UpdateAffiliateEnrichment(ctx context.Context, affiliateID uuid.UUID, personName, summary, contactEmail *string) error

	CheckAndDebit(ctx context.Context, userID uuid.UUID, category string, periodStart time.Time, amount int) error
	GrantCredits(ctx context.Context, userID uuid.UUID, category string, periodStart time.Time, amount int) error
	GetCreditBalance(ctx context.Context, userID uuid.UUID, category string, periodStart time.Time) (*domain.CreditLedgerEntry, error)
	RolloverCreditPeriods(ctx context.Context, newPeriod time.Time) (int64, error)

	CreatePurchase(ctx context.Context, p *domain.CreditPurchase) error
	FindPurchaseBySessionID(ctx context.Context, sessionID string) (*domain.CreditPurchase, error)
	ListPendingPurchasesByUser(ctx context.Context, userID uuid.UUID) ([]domain.CreditPurchase, error)
	ListPendingPurchasesOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.CreditPurchase, error)
	ApplyPurchase(ctx context.Context, purchaseID uuid.UUID, periodStart time.Time) (bool, *domain.CreditPurchase, error)
}

// ScrapeProvider is the external run adapter. StartRun submits one run and
// returns the provider's run id; PollRun is a read-only status check.
type ScrapeProvider interface {
	StartRun(ctx context.Context, input apifyclient.RunInput) (string, error)
	PollRun(ctx context.Context, runID string) (*apifyclient.RunResult, error)
}

// Enricher resolves creator details for one discovered page.
type Enricher interface {
	Scrape(ctx context.Context, pageURL string) (*firecrawlclient.PageDetails, error)
}

// SnapshotCache caches the serialized terminal snapshot of a job so repeated
// polls after completion return the identical payload without touching the
// database. A (nil, nil) return means cache miss.
type SnapshotCache interface {
	GetSnapshot(ctx context.Context, jobID uuid.UUID) ([]byte, error)
	StoreSnapshot(ctx context.Context, jobID uuid.UUID, payload []byte) error
}

// Checkout creates and inspects hosted payment sessions for credit packs.
// Implemented by stripeclient.Client.
type Checkout interface {
	CreateCheckoutSession(ctx context.Context, params stripeclient.CheckoutParams) (*stripeclient.CheckoutSession, error)
	RetrieveCheckoutSession(ctx context.Context, sessionID string) (*stripeclient.CheckoutSession, error)
}

// Service provides the core business logic for the search pipeline.
type Service struct {
	repo          Store
	provider      ScrapeProvider
	enricher      Enricher
	snapshots     SnapshotCache
	eventProducer rabbitmq.Publisher
	checkout      Checkout

	jobTimeout      time.Duration
	enrichBudget    time.Duration
	maxEnrichCycles int

	checkoutSuccessURL string
	checkoutCancelURL  string

	now func() time.Time
}

// ServiceParams bundles the collaborators and tuning knobs for NewService.
type ServiceParams struct {
	Repo          Store
	Provider      ScrapeProvider
	Enricher      Enricher
	Snapshots     SnapshotCache
	EventProducer rabbitmq.Publisher
	Checkout      Checkout

	JobTimeout      time.Duration
	EnrichBudget    time.Duration
	MaxEnrichCycles int

	CheckoutSuccessURL string
	CheckoutCancelURL  string
}

// NewService creates a new service instance.
func NewService(p ServiceParams) *Service {
	if p.JobTimeout <= 0 {
		p.JobTimeout = 10 * time.Minute
	}
	if p.EnrichBudget <= 0 {
		p.EnrichBudget = 8 * time.Second
	}
	if p.MaxEnrichCycles <= 0 {
		p.MaxEnrichCycles = 3
	}
	return &Service{
		repo:               p.Repo,
		provider:           p.Provider,
		enricher:           p.Enricher,
		snapshots:          p.Snapshots,
		eventProducer:      p.EventProducer,
		checkout:           p.Checkout,
		jobTimeout:         p.JobTimeout,
		enrichBudget:       p.EnrichBudget,
		maxEnrichCycles:    p.MaxEnrichCycles,
		checkoutSuccessURL: p.CheckoutSuccessURL,
		checkoutCancelURL:  p.CheckoutCancelURL,
		now:                time.Now,
	}
}

// ResolveInternalUserID converts a Clerk user id string (e.g., "user_abc123")
// into the internal UUID used by our database. This allows handlers to accept
// Clerk subject ids from validated JWTs while repositories operate on UUIDs.
func (s *Service) ResolveInternalUserID(ctx context.Context, clerkUserID string) (string, error) {
	return s.repo.FindUserIDByClerkUserID(ctx, clerkUserID)
}

// StartSearch validates the request, debits one topic_search credit, creates
// the job record and submits the provider run. The job leaves this method in
// `running` on success or `failed` if the provider rejected the run.
func (s *Service) StartSearch(ctx context.Context, req domain.StartSearchRequest) (*domain.StartSearchResult, error) {
	if req.UserID == "" {
		return nil, ErrMissingUserID
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return nil, ErrMissingUserID
	}
	topics := trimNonEmpty(req.Topics)
	if len(topics) == 0 {
		return nil, ErrMissingTopics
	}

	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	now := s.now()
	// The credit is consumed the moment the search is accepted, whether or
	// not the provider run later succeeds.
	if err := s.repo.CheckAndDebit(ctx, userID, domain.CreditCategoryTopicSearch, domain.PeriodStart(now), 1); err != nil {
		return nil, fmt.Errorf("failed to debit search credit: %w", err)
	}

	settings := settingsFor(req, user)
	sources := req.Sources
	if len(sources) == 0 {
		sources = []string{domain.SourceWeb, domain.SourceVideo, domain.SourceShortForm, domain.SourceImageSocial}
	}

	job := &domain.SearchJob{
		ID:       uuid.New(),
		UserID:   userID,
		Topics:   topics,
		Sources:  sources,
		Status:   domain.JobStatusCreated,
		Settings: settings,
	}
	if err := s.repo.CreateSearchJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create search job: %w", err)
	}

	runID, err := s.provider.StartRun(ctx, apifyclient.RunInput{
		Topics:   topics,
		Sources:  sources,
		Country:  settings.Country,
		Language: settings.Language,
		Brand:    settings.Brand,
	})
	if err != nil {
		log.Printf("level=error component=search_service op=start_search job_id=%s msg=\"provider start failed\" err=%v", job.ID, err)
		reason := err.Error()
		if _, trErr := s.repo.TransitionSearchJob(ctx, job.ID, domain.JobStatusCreated, domain.JobStatusFailed, &reason); trErr != nil {
			log.Printf("level=error component=search_service op=start_search job_id=%s msg=\"failed to mark job failed\" err=%v", job.ID, trErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderStartFailed, err)
	}

	if err := s.repo.SetSearchJobRunning(ctx, job.ID, runID); err != nil {
		return nil, fmt.Errorf("failed to mark job running: %w", err)
	}

	log.Printf("level=info component=search_service op=start_search job_id=%s run_id=%s topics=%d", job.ID, runID, len(topics))
	return &domain.StartSearchResult{JobID: job.ID, RunID: runID}, nil
}

// ListSearchJobs returns the user's jobs, newest first.
func (s *Service) ListSearchJobs(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.SearchJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListSearchJobsByUser(ctx, userID, limit, offset)
}

// GetCreditBalance reports the user's ledger entry for the current period.
// A missing bucket is reported as a zeroed entry, not an error.
func (s *Service) GetCreditBalance(ctx context.Context, userID uuid.UUID, category string) (*domain.CreditLedgerEntry, error) {
	period := domain.PeriodStart(s.now())
	entry, err := s.repo.GetCreditBalance(ctx, userID, category, period)
	if err != nil {
		if errors.Is(err, store.ErrCreditBucketMissing) {
			return &domain.CreditLedgerEntry{UserID: userID, Category: category, PeriodStart: period}, nil
		}
		return nil, fmt.Errorf("failed to read credit balance: %w", err)
	}
	return entry, nil
}

// settingsFor snapshots the effective search settings: explicit request
// settings win, otherwise the user's stored profile is copied.
func settingsFor(req domain.StartSearchRequest, user *domain.User) domain.SettingsSnapshot {
	if req.Settings != nil {
		return *req.Settings
	}
	return domain.SettingsSnapshot{
		Country:  user.Country,
		Language: user.Language,
		Brand:    user.Brand,
	}
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
