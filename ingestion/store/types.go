package store

import (
	"time"

	"github.com/afrifund/fundflow/ingestion/record"
)

// ScrapeStatus is the lifecycle of a scrape request.
type ScrapeStatus string

const (
	ScrapePending    ScrapeStatus = "pending"
	ScrapeProcessing ScrapeStatus = "processing"
	ScrapeCompleted  ScrapeStatus = "completed"
	ScrapeFailed     ScrapeStatus = "failed"
	ScrapeRetrying   ScrapeStatus = "retrying"
)

// ScrapeRequest is a unit in the durable scrape queue.
type ScrapeRequest struct {
	ID              string          `json:"id" db:"id"`
	URL             string          `json:"url" db:"url"`
	Host            string          `json:"host" db:"host"`
	Priority        record.Priority `json:"priority" db:"priority"`
	Collector       string          `json:"collector" db:"collector"`
	CandidateHash   string          `json:"candidate_hash" db:"candidate_hash"`
	RequestedFields []string        `json:"requested_fields" db:"requested_fields"`
	Attempts        int             `json:"attempts" db:"attempts"`
	MaxAttempts     int             `json:"max_attempts" db:"max_attempts"`
	ScheduledAt     time.Time       `json:"scheduled_at" db:"scheduled_at"`
	Status          ScrapeStatus    `json:"status" db:"status"`
	ClaimedBy       string          `json:"claimed_by,omitempty" db:"claimed_by"`
	Result          []byte          `json:"result,omitempty" db:"result"`
	LastError       string          `json:"last_error,omitempty" db:"last_error"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// ReviewItem is a record awaiting human adjudication.
type ReviewItem struct {
	ID          string             `json:"id" db:"id"`
	Opportunity record.Opportunity `json:"opportunity" db:"opportunity"`
	Reasons     []string           `json:"reasons" db:"reasons"`
	Status      string             `json:"status" db:"status"` // "pending", "approved", "rejected"
	CreatedAt   time.Time          `json:"created_at" db:"created_at"`
}

// AuditEntry records who/what/when/why for every publisher action.
type AuditEntry struct {
	ID        string            `json:"id" db:"id"`
	Actor     string            `json:"actor" db:"actor"` // "publisher", "operator"
	Action    string            `json:"action" db:"action"`
	Subject   string            `json:"subject" db:"subject"` // dedup-hash or content-hash
	Reason    string            `json:"reason" db:"reason"`
	Metadata  map[string]string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

// DeadLetter is a record that exhausted the pipeline attempt budget. Full
// context is retained for operator reprocessing.
type DeadLetter struct {
	ID          string    `json:"id" db:"id"`
	ContentHash string    `json:"content_hash" db:"content_hash"`
	Stage       string    `json:"stage" db:"stage"`
	Error       string    `json:"error" db:"error"`
	Cause       string    `json:"cause,omitempty" db:"cause"`
	Candidate   []byte    `json:"candidate" db:"candidate"` // JSON of the record.Candidate
	Attempts    int       `json:"attempts" db:"attempts"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// OrgAttrs are the natural-key attributes used for organization
// find-or-create.
type OrgAttrs struct {
	Name    string
	Country string
}

// MergePatch is applied by MergeOpportunity. Confidence is monotonic: the
// store keeps max(existing, patch).
type MergePatch struct {
	AddSourceURLs []string
	AddMergedFrom []string
	Confidence    float64
	Verification  record.VerificationStatus // "" leaves the status unchanged
}
