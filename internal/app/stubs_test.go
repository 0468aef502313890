package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lightwheel10/affiliate-finder-backend/internal/domain"
	"github.com/lightwheel10/affiliate-finder-backend/internal/store"
	"github.com/lightwheel10/affiliate-finder-backend/pkg/apifyclient"
	"github.com/lightwheel10/affiliate-finder-backend/pkg/firecrawlclient"
	"github.com/lightwheel10/affiliate-finder-backend/pkg/stripeclient"
)

// memStore is an in-memory Store with the same transition semantics as the
// Postgres repository, including compare-and-swap status updates.
type memStore struct {
	mu         sync.Mutex
	users      map[uuid.UUID]*domain.User
	subs       map[uuid.UUID]*domain.Subscription
	jobs       map[uuid.UUID]*domain.SearchJob
	affiliates map[string]map[string]domain.Affiliate
	ledger     map[string]*domain.CreditLedgerEntry
	purchases  map[uuid.UUID]*domain.CreditPurchase

	enrichFailures int
}

func newMemStore() *memStore {
	return &memStore{
		users:      make(map[uuid.UUID]*domain.User),
		subs:       make(map[uuid.UUID]*domain.Subscription),
		jobs:       make(map[uuid.UUID]*domain.SearchJob),
		affiliates: map[string]map[string]domain.Affiliate{domain.StoreDiscovered: {}, domain.StoreSaved: {}},
		ledger:     make(map[string]*domain.CreditLedgerEntry),
		purchases:  make(map[uuid.UUID]*domain.CreditPurchase),
	}
}

func affKey(userID uuid.UUID, link string) string { return userID.String() + "|" + link }

func ledgerKey(userID uuid.UUID, category string, period time.Time) string {
	return fmt.Sprintf("%s|%s|%d", userID, category, period.Unix())
}

func (m *memStore) addUser(u domain.User) { m.users[u.ID] = &u }

func (m *memStore) addCredits(userID uuid.UUID, category string, period time.Time, total, used int) {
	m.ledger[ledgerKey(userID, category, period)] = &domain.CreditLedgerEntry{
		UserID: userID, Category: category, PeriodStart: period, Total: total, Used: used,
	}
}

func (m *memStore) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (m *memStore) FindUserIDByClerkUserID(ctx context.Context, clerkUserID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ClerkUserID == clerkUserID {
			return u.ID.String(), nil
		}
	}
	return "", store.ErrUserNotFound
}

func (m *memStore) FindSubscriptionByUserID(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[userID]
	if !ok {
		return nil, nil
	}
	copied := *sub
	return &copied, nil
}

func (m *memStore) CreateSearchJob(ctx context.Context, job *domain.SearchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *job
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	m.jobs[job.ID] = &copied
	return nil
}

func (m *memStore) SetSearchJobRunning(ctx context.Context, jobID uuid.UUID, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status != domain.JobStatusCreated {
		return store.ErrJobNotFound
	}
	now := time.Now()
	job.Status = domain.JobStatusRunning
	job.ProviderRunID = &runID
	job.StartedAt = &now
	return nil
}

func (m *memStore) GetSearchJob(ctx context.Context, jobID uuid.UUID) (*domain.SearchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	copied := *job
	copied.Results = append([]domain.JobResultRef(nil), job.Results...)
	return &copied, nil
}

func (m *memStore) ListSearchJobsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.SearchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.SearchJob{}
	for _, job := range m.jobs {
		if job.UserID == userID {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) TouchSearchJobPolled(ctx context.Context, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return store.ErrJobNotFound
	}
	now := time.Now()
	job.LastPolledAt = &now
	return nil
}

func (m *memStore) TransitionSearchJob(ctx context.Context, jobID uuid.UUID, from, to string, failureReason *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return false, store.ErrJobNotFound
	}
	if job.Status != from {
		return false, nil
	}
	job.Status = to
	job.FailureReason = failureReason
	if to == domain.JobStatusCompleted || to == domain.JobStatusFailed || to == domain.JobStatusTimedOut {
		now := time.Now()
		job.CompletedAt = &now
	}
	return true, nil
}

func (m *memStore) TimeOutSearchJob(ctx context.Context, jobID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return false, store.ErrJobNotFound
	}
	switch job.Status {
	case domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusTimedOut:
		return false, nil
	}
	job.Status = domain.JobStatusTimedOut
	now := time.Now()
	job.CompletedAt = &now
	return true, nil
}

func (m *memStore) SetSearchJobResults(ctx context.Context, jobID uuid.UUID, results []domain.JobResultRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return store.ErrJobNotFound
	}
	job.Results = append([]domain.JobResultRef(nil), results...)
	return nil
}

func (m *memStore) IncrementEnrichCycles(ctx context.Context, jobID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return 0, store.ErrJobNotFound
	}
	job.EnrichCycles++
	return job.EnrichCycles, nil
}

func (m *memStore) InsertAffiliatesDedup(ctx context.Context, kind string, userID uuid.UUID, items []domain.Affiliate) (*domain.AffiliateBatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := &domain.AffiliateBatchResult{Inserted: []domain.Affiliate{}}
	for _, item := range items {
		key := affKey(userID, item.Link)
		if _, exists := m.affiliates[kind][key]; exists {
			result.Skipped++
			continue
		}
		if item.DiscoveredAt.IsZero() {
			item.DiscoveredAt = time.Now()
		}
		m.affiliates[kind][key] = item
		result.Inserted = append(result.Inserted, item)
	}
	return result, nil
}

func (m *memStore) FindAffiliatesByLinks(ctx context.Context, kind string, userID uuid.UUID, links []string) (map[string]domain.Affiliate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]domain.Affiliate)
	for _, link := range links {
		if a, ok := m.affiliates[kind][affKey(userID, link)]; ok {
			out[link] = a
		}
	}
	return out, nil
}

func (m *memStore) ListAffiliates(ctx context.Context, kind string, userID uuid.UUID, limit, offset int) ([]domain.Affiliate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.Affiliate{}
	for _, a := range m.affiliates[kind] {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Link < out[j].Link })
	return out, nil
}

func (m *memStore) DeleteAffiliate(ctx context.Context, kind string, userID uuid.UUID, link string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := affKey(userID, link)
	if _, ok := m.affiliates[kind][key]; !ok {
		return false, nil
	}
	delete(m.affiliates[kind], key)
	return true, nil
}

func (m *memStore) ClearDiscoveredAffiliates(ctx context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, a := range m.affiliates[domain.StoreDiscovered] {
		if a.UserID == userID {
			delete(m.affiliates[domain.StoreDiscovered], key)
			n++
		}
	}
	return n, nil
}

func (m *memStore) UpdateAffiliateEnrichment(ctx context.Context, affiliateID uuid.UUID, personName, summary, contactEmail *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enrichFailures > 0 {
		m.enrichFailures--
		return errors.New("write failed")
	}
	for kind := range m.affiliates {
		for key, a := range m.affiliates[kind] {
			if a.ID == affiliateID {
				if personName != nil {
					a.PersonName = personName
				}
				if summary != nil {
					a.Summary = summary
				}
				if contactEmail != nil {
					a.ContactEmail = contactEmail
				}
				m.affiliates[kind][key] = a
				return nil
			}
		}
	}
	return store.ErrAffiliateNotFound
}

func (m *memStore) CheckAndDebit(ctx context.Context, userID uuid.UUID, category string, periodStart time.Time, amount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.ledger[ledgerKey(userID, category, periodStart)]
	if !ok {
		return store.ErrCreditBucketMissing
	}
	if entry.Used+amount > entry.Total {
		return store.ErrInsufficientCredits
	}
	entry.Used += amount
	return nil
}

func (m *memStore) GrantCredits(ctx context.Context, userID uuid.UUID, category string, periodStart time.Time, amount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grantLocked(userID, category, periodStart, amount)
	return nil
}

func (m *memStore) grantLocked(userID uuid.UUID, category string, periodStart time.Time, amount int) {
	key := ledgerKey(userID, category, periodStart)
	entry, ok := m.ledger[key]
	if !ok {
		m.ledger[key] = &domain.CreditLedgerEntry{
			UserID: userID, Category: category, PeriodStart: periodStart, Total: amount,
		}
		return
	}
	entry.Total += amount
}

func (m *memStore) GetCreditBalance(ctx context.Context, userID uuid.UUID, category string, periodStart time.Time) (*domain.CreditLedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.ledger[ledgerKey(userID, category, periodStart)]
	if !ok {
		return nil, store.ErrCreditBucketMissing
	}
	copied := *entry
	return &copied, nil
}

func (m *memStore) RolloverCreditPeriods(ctx context.Context, newPeriod time.Time) (int64, error) {
	return 0, nil
}

func (m *memStore) CreatePurchase(ctx context.Context, p *domain.CreditPurchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *p
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	m.purchases[p.ID] = &copied
	return nil
}

func (m *memStore) FindPurchaseBySessionID(ctx context.Context, sessionID string) (*domain.CreditPurchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.purchases {
		if p.StripeSessionID == sessionID {
			copied := *p
			return &copied, nil
		}
	}
	return nil, store.ErrPurchaseNotFound
}

func (m *memStore) ListPendingPurchasesByUser(ctx context.Context, userID uuid.UUID) ([]domain.CreditPurchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.CreditPurchase{}
	for _, p := range m.purchases {
		if p.UserID == userID && p.Status == domain.PurchaseStatusPending {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) ListPendingPurchasesOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.CreditPurchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.CreditPurchase{}
	for _, p := range m.purchases {
		if p.Status == domain.PurchaseStatusPending && p.CreatedAt.Before(cutoff) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memStore) ApplyPurchase(ctx context.Context, purchaseID uuid.UUID, periodStart time.Time) (bool, *domain.CreditPurchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.purchases[purchaseID]
	if !ok {
		return false, nil, store.ErrPurchaseNotFound
	}
	if p.Status != domain.PurchaseStatusPending {
		copied := *p
		return false, &copied, nil
	}
	m.grantLocked(p.UserID, p.Category, periodStart, p.CreditAmount)
	p.Status = domain.PurchaseStatusCompleted
	now := time.Now()
	p.CompletedAt = &now
	copied := *p
	return true, &copied, nil
}

// providerStub scripts the scrape provider's responses.
type providerStub struct {
	mu          sync.Mutex
	startRunID  string
	startErr    error
	startCalls  int
	pollResults []*apifyclient.RunResult
	pollErr     error
	pollCalls   int
}

func (p *providerStub) StartRun(ctx context.Context, input apifyclient.RunInput) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startCalls++
	if p.startErr != nil {
		return "", p.startErr
	}
	if p.startRunID == "" {
		return "run_1", nil
	}
	return p.startRunID, nil
}

func (p *providerStub) PollRun(ctx context.Context, runID string) (*apifyclient.RunResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pollCalls++
	if p.pollErr != nil {
		return nil, p.pollErr
	}
	if len(p.pollResults) == 0 {
		return &apifyclient.RunResult{RunID: runID, Status: apifyclient.RunStatusRunning}, nil
	}
	res := p.pollResults[0]
	if len(p.pollResults) > 1 {
		p.pollResults = p.pollResults[1:]
	}
	return res, nil
}

// enricherStub returns fixed details, optionally failing for chosen links.
type enricherStub struct {
	failLinks map[string]bool
	calls     []string
}

func (e *enricherStub) Scrape(ctx context.Context, pageURL string) (*firecrawlclient.PageDetails, error) {
	e.calls = append(e.calls, pageURL)
	if e.failLinks[pageURL] {
		return nil, errors.New("scrape failed")
	}
	return &firecrawlclient.PageDetails{AuthorName: "Creator", ContactEmail: "creator@example.com", Summary: "About page"}, nil
}

// publisherStub records published events.
type publisherStub struct {
	mu             sync.Mutex
	searchEvents   []domain.SearchCompletedEvent
	purchaseEvents []domain.PurchaseFulfilledEvent
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (p *publisherStub) PublishSearchCompleted(ctx context.Context, event domain.SearchCompletedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.searchEvents = append(p.searchEvents, event)
	return nil
}

func (p *publisherStub) PublishPurchaseFulfilled(ctx context.Context, event domain.PurchaseFulfilledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purchaseEvents = append(p.purchaseEvents, event)
	return nil
}

func (p *publisherStub) Close() {}

// checkoutStub scripts the payment provider.
type checkoutStub struct {
	nextSessionID string
	createErr     error
	paymentStatus map[string]string
	retrieveErr   error
}

func (c *checkoutStub) CreateCheckoutSession(ctx context.Context, params stripeclient.CheckoutParams) (*stripeclient.CheckoutSession, error) {
	if c.createErr != nil {
		return nil, c.createErr
	}
	id := c.nextSessionID
	if id == "" {
		id = "cs_test_1"
	}
	return &stripeclient.CheckoutSession{ID: id, URL: "https://checkout.example/" + id}, nil
}

func (c *checkoutStub) RetrieveCheckoutSession(ctx context.Context, sessionID string) (*stripeclient.CheckoutSession, error) {
	if c.retrieveErr != nil {
		return nil, c.retrieveErr
	}
	status := c.paymentStatus[sessionID]
	if status == "" {
		status = "unpaid"
	}
	return &stripeclient.CheckoutSession{ID: sessionID, PaymentStatus: status}, nil
}

// snapshotCacheStub is an in-memory SnapshotCache.
type snapshotCacheStub struct {
	mu      sync.Mutex
	entries map[uuid.UUID][]byte
	gets    int
	hits    int
}

func newSnapshotCacheStub() *snapshotCacheStub {
	return &snapshotCacheStub{entries: make(map[uuid.UUID][]byte)}
}

func (c *snapshotCacheStub) GetSnapshot(ctx context.Context, jobID uuid.UUID) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	payload, ok := c.entries[jobID]
	if !ok {
		return nil, nil
	}
	c.hits++
	return payload, nil
}

func (c *snapshotCacheStub) StoreSnapshot(ctx context.Context, jobID uuid.UUID, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[jobID] = payload
	return nil
}

func newTestService(repo *memStore, provider *providerStub, enricher *enricherStub, publisher *publisherStub, checkout *checkoutStub) *Service {
	params := ServiceParams{
		Repo:            repo,
		JobTimeout:      10 * time.Minute,
		EnrichBudget:    2 * time.Second,
		MaxEnrichCycles: 3,
	}
	if provider != nil {
		params.Provider = provider
	}
	if enricher != nil {
		params.Enricher = enricher
	}
	if publisher != nil {
		params.EventProducer = publisher
	}
	if checkout != nil {
		params.Checkout = checkout
	}
	return NewService(params)
}
