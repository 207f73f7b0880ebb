package store

import (
	"context"
	"errors"
	"time"

	"github.com/afrifund/fundflow/ingestion/record"
)

// ErrDuplicateKey is returned by InsertOpportunity when the dedup-hash is
// already published. The publisher redirects such candidates to Merge.
var ErrDuplicateKey = errors.New("store: dedup-hash already published")

// Catalog is the opportunity/organization surface consumed by the
// deduplicator and the publisher. Operations are idempotent by dedup-hash or
// by organization natural key.
type Catalog interface {
	FindByDedupHash(ctx context.Context, hash string) (*record.Opportunity, error)
	FindByID(ctx context.Context, id string) (*record.Opportunity, error)
	FindRecentInWindow(ctx context.Context, days int) ([]*record.Opportunity, error)
	FindOrCreateOrganization(ctx context.Context, attrs OrgAttrs) (string, error)
	// SearchOrganizations returns candidates for fuzzy resolution, matched
	// on the normalized name prefix.
	SearchOrganizations(ctx context.Context, nameNorm string) ([]*record.Organization, error)
	InsertOpportunity(ctx context.Context, opp *record.Opportunity) (string, error)
	MergeOpportunity(ctx context.Context, id string, patch MergePatch) error
	AppendAuditLog(ctx context.Context, entry *AuditEntry) error
}

// ScrapeQueue is the persisted scrape-request queue.
type ScrapeQueue interface {
	EnqueueScrape(ctx context.Context, req *ScrapeRequest) error
	// ClaimNextReady atomically claims the highest-priority ready request
	// for workerID, marking it processing. Returns nil when nothing is
	// ready.
	ClaimNextReady(ctx context.Context, workerID string) (*ScrapeRequest, error)
	CompleteScrape(ctx context.Context, id string, result []byte) error
	// RescheduleScrape returns a claimed request to retrying with the next
	// attempt time.
	RescheduleScrape(ctx context.Context, id string, at time.Time, lastError string) error
	FailScrape(ctx context.Context, id string, lastError string) error
	// FindActiveScrapeByURL returns a pending/processing/retrying request
	// for the URL, for duplicate-URL suppression.
	FindActiveScrapeByURL(ctx context.Context, url string) (*ScrapeRequest, error)
	CountReadyScrapes(ctx context.Context) (int, error)
}

// ReviewQueue is the persisted human-adjudication queue.
type ReviewQueue interface {
	EnqueueReview(ctx context.Context, item *ReviewItem) error
	ListReview(ctx context.Context, limit int) ([]*ReviewItem, error)
	ResolveReview(ctx context.Context, id string, approved bool) (*ReviewItem, error)
	CountReview(ctx context.Context) (int, error)
}

// DeadLetters is the terminal parking lot for records that exhausted the
// pipeline attempt budget.
type DeadLetters interface {
	InsertDeadLetter(ctx context.Context, dl *DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)
	// TakeDeadLetter removes and returns the entry so the operator can
	// reprocess it exactly once.
	TakeDeadLetter(ctx context.Context, id string) (*DeadLetter, error)
}

// Store is the full persistent surface.
type Store interface {
	Catalog
	ScrapeQueue
	ReviewQueue
	DeadLetters
}

// SeenSet suppresses re-ingestion by content-hash at the collector boundary.
type SeenSet interface {
	// FirstSeen atomically claims the hash. True means this is the first
	// arrival; false means a duplicate that must be dropped.
	FirstSeen(ctx context.Context, contentHash string) (bool, error)
}

// Idempotency caches admission responses keyed by client-supplied keys.
type Idempotency interface {
	GetIdempotent(ctx context.Context, key string) (string, bool, error)
	// SetIdempotentNX stores only if absent, returning whether this call
	// won the slot.
	SetIdempotentNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}
