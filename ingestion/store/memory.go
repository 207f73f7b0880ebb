package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/afrifund/fundflow/ingestion/record"
)

// MemoryStore implements Store, SeenSet and Idempotency in memory. It backs
// tests and single-node development runs; production uses PostgresStore plus
// the redis seen-set.
type MemoryStore struct {
	mu            sync.RWMutex
	opportunities map[string]*record.Opportunity // keyed by dedup-hash
	byID          map[string]*record.Opportunity
	orgs          map[string]*record.Organization // keyed by natural key
	scrapes       map[string]*ScrapeRequest
	scrapeSeq     int64
	scrapeOrder   map[string]int64
	reviews       map[string]*ReviewItem
	deadLetters   map[string]*DeadLetter
	audit         []*AuditEntry
	seen          map[string]struct{}
	idem          map[string]idemEntry
	clock         func() time.Time
}

type idemEntry struct {
	value   string
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		opportunities: make(map[string]*record.Opportunity),
		byID:          make(map[string]*record.Opportunity),
		orgs:          make(map[string]*record.Organization),
		scrapes:       make(map[string]*ScrapeRequest),
		scrapeOrder:   make(map[string]int64),
		reviews:       make(map[string]*ReviewItem),
		deadLetters:   make(map[string]*DeadLetter),
		seen:          make(map[string]struct{}),
		idem:          make(map[string]idemEntry),
		clock:         time.Now,
	}
}

// SetClock overrides time for tests.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// --- Catalog ---

func (s *MemoryStore) FindByDedupHash(ctx context.Context, hash string) (*record.Opportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	opp, ok := s.opportunities[hash]
	if !ok {
		return nil, nil
	}
	cp := *opp
	return &cp, nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (*record.Opportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	opp, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *opp
	return &cp, nil
}

func (s *MemoryStore) FindRecentInWindow(ctx context.Context, days int) ([]*record.Opportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.clock().AddDate(0, 0, -days)
	var out []*record.Opportunity
	for _, opp := range s.opportunities {
		if opp.PublishedAt.After(cutoff) {
			cp := *opp
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedAt.Before(out[j].PublishedAt) })
	return out, nil
}

func orgKey(attrs OrgAttrs) string {
	return strings.ToLower(strings.TrimSpace(attrs.Name)) + "|" + strings.ToLower(strings.TrimSpace(attrs.Country))
}

func (s *MemoryStore) FindOrCreateOrganization(ctx context.Context, attrs OrgAttrs) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := orgKey(attrs)
	if org, ok := s.orgs[key]; ok {
		return org.ID, nil
	}
	org := &record.Organization{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(attrs.Name),
		NameNorm:  strings.ToLower(strings.TrimSpace(attrs.Name)),
		Country:   strings.ToLower(strings.TrimSpace(attrs.Country)),
		CreatedAt: s.clock(),
	}
	s.orgs[key] = org
	return org.ID, nil
}

func (s *MemoryStore) SearchOrganizations(ctx context.Context, nameNorm string) ([]*record.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*record.Organization
	for _, org := range s.orgs {
		if strings.HasPrefix(org.NameNorm, prefixToken(nameNorm)) {
			cp := *org
			out = append(out, &cp)
		}
	}
	return out, nil
}

// prefixToken keeps the first token so "safaricom foundation" still matches
// "safaricom".
func prefixToken(nameNorm string) string {
	nameNorm = strings.ToLower(strings.TrimSpace(nameNorm))
	if i := strings.IndexByte(nameNorm, ' '); i > 0 {
		return nameNorm[:i]
	}
	return nameNorm
}

func (s *MemoryStore) InsertOpportunity(ctx context.Context, opp *record.Opportunity) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.opportunities[opp.DedupHash]; exists {
		return "", ErrDuplicateKey
	}
	cp := *opp
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	now := s.clock()
	cp.PublishedAt = now
	cp.UpdatedAt = now
	s.opportunities[cp.DedupHash] = &cp
	s.byID[cp.ID] = &cp
	return cp.ID, nil
}

func (s *MemoryStore) MergeOpportunity(ctx context.Context, id string, patch MergePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	opp, ok := s.byID[id]
	if !ok {
		return errors.New("opportunity not found")
	}
	for _, u := range patch.AddSourceURLs {
		if !containsString(opp.SourceURLs, u) {
			opp.SourceURLs = append(opp.SourceURLs, u)
		}
	}
	opp.MergedFrom = append(opp.MergedFrom, patch.AddMergedFrom...)
	if patch.Confidence > opp.Confidence {
		opp.Confidence = patch.Confidence
	}
	if patch.Verification != "" {
		opp.Verification = patch.Verification
	}
	opp.UpdatedAt = s.clock()
	return nil
}

func (s *MemoryStore) AppendAuditLog(ctx context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.clock()
	}
	s.audit = append(s.audit, &cp)
	return nil
}

// AuditLog returns a copy of the audit entries, for tests and snapshots.
func (s *MemoryStore) AuditLog() []*AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

// --- ScrapeQueue ---

func (s *MemoryStore) EnqueueScrape(ctx context.Context, req *ScrapeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	now := s.clock()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.ScheduledAt.IsZero() {
		cp.ScheduledAt = now
	}
	if cp.Status == "" {
		cp.Status = ScrapePending
	}
	cp.UpdatedAt = now
	s.scrapeSeq++
	s.scrapes[cp.ID] = &cp
	s.scrapeOrder[cp.ID] = s.scrapeSeq
	req.ID = cp.ID
	return nil
}

func (s *MemoryStore) ClaimNextReady(ctx context.Context, workerID string) (*ScrapeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()

	var best *ScrapeRequest
	for _, req := range s.scrapes {
		if req.Status != ScrapePending && req.Status != ScrapeRetrying {
			continue
		}
		if req.ScheduledAt.After(now) {
			continue
		}
		if best == nil ||
			req.Priority > best.Priority ||
			(req.Priority == best.Priority && s.scrapeOrder[req.ID] < s.scrapeOrder[best.ID]) {
			best = req
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = ScrapeProcessing
	best.ClaimedBy = workerID
	best.Attempts++
	best.UpdatedAt = now
	cp := *best
	return &cp, nil
}

func (s *MemoryStore) CompleteScrape(ctx context.Context, id string, result []byte) error {
	return s.updateScrape(id, func(req *ScrapeRequest) {
		req.Status = ScrapeCompleted
		req.Result = result
		req.ClaimedBy = ""
	})
}

func (s *MemoryStore) RescheduleScrape(ctx context.Context, id string, at time.Time, lastError string) error {
	return s.updateScrape(id, func(req *ScrapeRequest) {
		req.Status = ScrapeRetrying
		req.ScheduledAt = at
		req.LastError = lastError
		req.ClaimedBy = ""
	})
}

func (s *MemoryStore) FailScrape(ctx context.Context, id string, lastError string) error {
	return s.updateScrape(id, func(req *ScrapeRequest) {
		req.Status = ScrapeFailed
		req.LastError = lastError
		req.ClaimedBy = ""
	})
}

func (s *MemoryStore) updateScrape(id string, fn func(*ScrapeRequest)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.scrapes[id]
	if !ok {
		return errors.New("scrape request not found")
	}
	fn(req)
	req.UpdatedAt = s.clock()
	return nil
}

func (s *MemoryStore) FindActiveScrapeByURL(ctx context.Context, url string) (*ScrapeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, req := range s.scrapes {
		if req.URL != url {
			continue
		}
		switch req.Status {
		case ScrapePending, ScrapeProcessing, ScrapeRetrying:
			cp := *req
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) CountReadyScrapes(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, req := range s.scrapes {
		if req.Status == ScrapePending || req.Status == ScrapeRetrying {
			n++
		}
	}
	return n, nil
}

// GetScrape returns a copy of a request by id, for tests.
func (s *MemoryStore) GetScrape(id string) *ScrapeRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.scrapes[id]
	if !ok {
		return nil
	}
	cp := *req
	return &cp
}

// --- ReviewQueue ---

func (s *MemoryStore) EnqueueReview(ctx context.Context, item *ReviewItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.clock()
	}
	if cp.Status == "" {
		cp.Status = "pending"
	}
	s.reviews[cp.ID] = &cp
	item.ID = cp.ID
	return nil
}

func (s *MemoryStore) ListReview(ctx context.Context, limit int) ([]*ReviewItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ReviewItem
	for _, item := range s.reviews {
		if item.Status != "pending" {
			continue
		}
		cp := *item
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ResolveReview(ctx context.Context, id string, approved bool) (*ReviewItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.reviews[id]
	if !ok {
		return nil, errors.New("review item not found")
	}
	if approved {
		item.Status = "approved"
	} else {
		item.Status = "rejected"
	}
	cp := *item
	return &cp, nil
}

func (s *MemoryStore) CountReview(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, item := range s.reviews {
		if item.Status == "pending" {
			n++
		}
	}
	return n, nil
}

// --- DeadLetters ---

func (s *MemoryStore) InsertDeadLetter(ctx context.Context, dl *DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *dl
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.clock()
	}
	s.deadLetters[cp.ID] = &cp
	dl.ID = cp.ID
	return nil
}

func (s *MemoryStore) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*DeadLetter
	for _, dl := range s.deadLetters {
		cp := *dl
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) TakeDeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.deadLetters[id]
	if !ok {
		return nil, nil
	}
	delete(s.deadLetters, id)
	cp := *dl
	return &cp, nil
}

// --- SeenSet / Idempotency ---

func (s *MemoryStore) FirstSeen(ctx context.Context, contentHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[contentHash]; ok {
		return false, nil
	}
	s.seen[contentHash] = struct{}{}
	return true, nil
}

func (s *MemoryStore) GetIdempotent(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.idem[key]
	if !ok || s.clock().After(e.expires) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) SetIdempotentNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.idem[key]; ok && s.clock().Before(e.expires) {
		return false, nil
	}
	s.idem[key] = idemEntry{value: value, expires: s.clock().Add(ttl)}
	return true, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
