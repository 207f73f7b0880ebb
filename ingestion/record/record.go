package record

import (
	"time"
)

// Priority controls queue tier selection in the router and the scrape queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// RawKind describes the shape of the raw payload a collector captured.
type RawKind string

const (
	RawText       RawKind = "text"
	RawHTML       RawKind = "html"
	RawStructured RawKind = "structured"
)

// InclusionFlags are equity annotations produced by the classifier.
// They are priority hints only and must never be multiplied into confidence.
type InclusionFlags struct {
	Gender bool `json:"gender"`
	Youth  bool `json:"youth"`
	Rural  bool `json:"rural"`
}

// Fields holds the structured fields extracted from a raw payload.
type Fields struct {
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	AmountUSD       float64    `json:"amount_usd"`
	Deadline        *time.Time `json:"deadline,omitempty"`
	TransactionDate *time.Time `json:"transaction_date,omitempty"`
	OrgNames        []string   `json:"org_names"`
	Geography       []string   `json:"geography"`
	Sectors         []string   `json:"sectors"`
	Stage           string     `json:"stage"`
	Inclusion       InclusionFlags `json:"inclusion"`
}

// Classification is attached by the classifier after stage 2.
type Classification struct {
	Sectors      []string       `json:"sectors"`
	Geography    []string       `json:"geography"`
	Inclusion    InclusionFlags `json:"inclusion"`
	StageGuess   string         `json:"stage_guess"`
	Completeness float64        `json:"completeness"` // [0,1]
}

// Candidate is a unit of work flowing through the pipeline. It is treated as
// immutable: enrichment and classification produce a replacement via Clone.
// Ownership follows queue membership; whichever stage holds the candidate on
// its queue owns it.
type Candidate struct {
	ContentHash    string          `json:"content_hash"`
	Collector      string          `json:"collector"`
	SourceURLs     []string        `json:"source_urls"`
	Raw            string          `json:"raw"`
	RawKind        RawKind         `json:"raw_kind"`
	Extracted      Fields          `json:"extracted"`
	Classification *Classification `json:"classification,omitempty"`
	Language       string          `json:"language"`
	ArrivedAt      time.Time       `json:"arrived_at"`
	Priority       Priority        `json:"priority"`
	Attempts       int             `json:"attempts"`

	// EnrichedFrom carries the content-hash of the candidate whose parked
	// enrichment this candidate fulfils. Set only on deep-crawl output.
	EnrichedFrom string `json:"enriched_from,omitempty"`

	// Submitter identity, user-submission collector only.
	Submitter string `json:"submitter,omitempty"`
}

// Clone returns a deep copy. Slices are copied so the replacement can be
// modified without aliasing the original.
func (c *Candidate) Clone() *Candidate {
	cp := *c
	cp.SourceURLs = append([]string(nil), c.SourceURLs...)
	cp.Extracted.OrgNames = append([]string(nil), c.Extracted.OrgNames...)
	cp.Extracted.Geography = append([]string(nil), c.Extracted.Geography...)
	cp.Extracted.Sectors = append([]string(nil), c.Extracted.Sectors...)
	if c.Classification != nil {
		cl := *c.Classification
		cl.Sectors = append([]string(nil), c.Classification.Sectors...)
		cl.Geography = append([]string(nil), c.Classification.Geography...)
		cp.Classification = &cl
	}
	if c.Extracted.Deadline != nil {
		d := *c.Extracted.Deadline
		cp.Extracted.Deadline = &d
	}
	if c.Extracted.TransactionDate != nil {
		d := *c.Extracted.TransactionDate
		cp.Extracted.TransactionDate = &d
	}
	return &cp
}

// WithClassification returns a replacement candidate carrying cl.
func (c *Candidate) WithClassification(cl Classification) *Candidate {
	cp := c.Clone()
	cp.Classification = &cl
	return cp
}

// PrimaryURL returns the first source URL, or "" when the candidate has none.
func (c *Candidate) PrimaryURL() string {
	if len(c.SourceURLs) == 0 {
		return ""
	}
	return c.SourceURLs[0]
}

// PrimaryOrg returns the first extracted organization name.
func (c *Candidate) PrimaryOrg() string {
	if len(c.Extracted.OrgNames) == 0 {
		return ""
	}
	return c.Extracted.OrgNames[0]
}

// Completeness returns the classifier completeness score, or 0 when the
// candidate has not been classified yet.
func (c *Candidate) Completeness() float64 {
	if c.Classification == nil {
		return 0
	}
	return c.Classification.Completeness
}

// VerificationStatus of a published opportunity.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "unverified"
	VerificationVerified   VerificationStatus = "verified"
	VerificationDisputed   VerificationStatus = "disputed"
	VerificationDeprecated VerificationStatus = "deprecated" // soft delete
)

// Opportunity is a published record. Created by the publisher, updated only by
// the publisher on merge or correction, never deleted.
type Opportunity struct {
	ID             string             `json:"id" db:"id"`
	DedupHash      string             `json:"dedup_hash" db:"dedup_hash"`
	ContentHash    string             `json:"content_hash" db:"content_hash"`
	OrganizationID string             `json:"organization_id" db:"organization_id"`
	Fields         Fields             `json:"fields" db:"fields"`
	SourceURLs     []string           `json:"source_urls" db:"source_urls"`
	MergedFrom     []string           `json:"merged_from" db:"merged_from"`
	Verification   VerificationStatus `json:"verification_status" db:"verification_status"`
	Confidence     float64            `json:"confidence" db:"confidence"`
	Inclusion      InclusionFlags     `json:"inclusion" db:"inclusion"`
	Collector      string             `json:"collector" db:"collector"`
	Language       string             `json:"language" db:"language"`
	PublishedAt    time.Time          `json:"published_at" db:"published_at"`
	UpdatedAt      time.Time          `json:"updated_at" db:"updated_at"`
}

// Organization is a canonical funder or recipient entity.
type Organization struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	NameNorm  string    `json:"name_norm" db:"name_norm"`
	Country   string    `json:"country" db:"country"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
