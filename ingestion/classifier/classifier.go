// Package classifier decides opportunity vs announcement vs noise and tags
// records for downstream stages. Stage 1 is deterministic pattern matching;
// stage 2 asks the LLM for sectors, geography, inclusion flags, a stage guess
// and a completeness score. Incomplete records with a URL are parked while a
// scrape request enriches them.
package classifier

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/afrifund/fundflow/ingestion/adapters"
	"github.com/afrifund/fundflow/ingestion/observability"
	"github.com/afrifund/fundflow/ingestion/record"
	"github.com/afrifund/fundflow/ingestion/store"
)

// Stage-1 tables. A record matching any announcement pattern without also
// matching an opportunity pattern is not an opportunity.
var announcementPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bannounc(?:es?|ed|ing)\b.*\b(funding|grant|investment|round|series [a-e]|raise|\$)`),
	regexp.MustCompile(`(?i)\bannounc(?:es?|ed|ing)\b.*\$\d`),
	regexp.MustCompile(`(?i)\breceiv(?:es?|ed|ing)\b.*\b(funding|grant|investment)\b`),
	regexp.MustCompile(`(?i)\b(rais(?:es?|ed|ing)|secur(?:es?|ed|ing)|clos(?:es?|ed|ing))\b.*\b(round|funding|series [a-e]|million|billion)\b`),
}

var opportunityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bapply\b\s+(for|to|now|by|before)\b`),
	regexp.MustCompile(`(?i)\bapplication deadline\b`),
	regexp.MustCompile(`(?i)\baccepting applications\b`),
	regexp.MustCompile(`(?i)\bapplications?\s+(are\s+)?(now\s+)?open\b`),
	regexp.MustCompile(`(?i)\bcall for (proposals|applications|entries)\b`),
	regexp.MustCompile(`(?i)\bsubmit (your\s+)?(application|proposal)\b`),
}

// Action is the classifier's verdict on one record.
type Action int

const (
	// ActionForward: classified, proceed to deduplication.
	ActionForward Action = iota
	// ActionReject: not an opportunity, drop with reason.
	ActionReject
	// ActionPark: awaiting scrape enrichment; nothing proceeds yet.
	ActionPark
)

// Outcome carries the verdict. Candidate is the classified replacement and is
// set only on ActionForward.
type Outcome struct {
	Action    Action
	Candidate *record.Candidate
	Reason    string
}

// ScrapeEnqueuer is the slice of the scrape-queue manager the classifier
// needs.
type ScrapeEnqueuer interface {
	Enqueue(ctx context.Context, req *store.ScrapeRequest) error
}

type Config struct {
	// EnrichmentThreshold parks records whose completeness is strictly below
	// it. A record exactly at the threshold proceeds.
	EnrichmentThreshold float64
	// EnrichmentTimeout forwards a parked record with the fields it has.
	EnrichmentTimeout time.Duration
	SweepInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		EnrichmentThreshold: 0.5,
		EnrichmentTimeout:   10 * time.Minute,
		SweepInterval:       30 * time.Second,
	}
}

type parkedEntry struct {
	candidate *record.Candidate
	parkedAt  time.Time
}

type Classifier struct {
	cfg     Config
	llm     adapters.LLM
	scrapes ScrapeEnqueuer

	mu      sync.Mutex
	pending map[string]*parkedEntry

	// released carries unparked candidates (timeout or failed scrape) back
	// into the pipeline ahead of deduplication.
	released chan *record.Candidate

	clock func() time.Time
	log   *logrus.Entry
}

func New(cfg Config, llm adapters.LLM, scrapes ScrapeEnqueuer) *Classifier {
	return &Classifier{
		cfg:      cfg,
		llm:      llm,
		scrapes:  scrapes,
		pending:  make(map[string]*parkedEntry),
		released: make(chan *record.Candidate, 64),
		clock:    time.Now,
		log:      logrus.WithField("component", "classifier"),
	}
}

// SetClock overrides time for tests.
func (cl *Classifier) SetClock(clock func() time.Time) { cl.clock = clock }

// Released delivers candidates unparked without enrichment; they proceed to
// deduplication with the fields they have.
func (cl *Classifier) Released() <-chan *record.Candidate { return cl.released }

// Process runs both stages on one record. An enriched record first resolves
// the parked entry it fulfils, then classifies like any other.
func (cl *Classifier) Process(ctx context.Context, c *record.Candidate) (Outcome, error) {
	start := time.Now()
	defer func() {
		observability.StageLatency.WithLabelValues("classifier").Observe(time.Since(start).Seconds())
	}()

	if c.EnrichedFrom != "" {
		cl.resolveEnrichment(c)
	}

	text := c.Extracted.Title + "\n" + c.Extracted.Description
	if isAnnouncement(text) {
		observability.ClassifierDecisions.WithLabelValues("announcement").Inc()
		cl.log.WithFields(logrus.Fields{"record": c.ContentHash, "decision": "reject", "reason": "not-an-opportunity"}).Info("stage 1 rejected")
		return Outcome{Action: ActionReject, Reason: "not-an-opportunity"}, nil
	}

	llmCtx, cancel := context.WithTimeout(ctx, adapters.LLMTimeout)
	classification, err := cl.llm.Classify(llmCtx, text)
	cancel()
	if err != nil {
		observability.StageErrors.WithLabelValues("classifier", "llm").Inc()
		return Outcome{}, err
	}

	// Parking rule: strictly below the threshold, with a URL to crawl, and
	// not itself the product of a crawl.
	if classification.Completeness < cl.cfg.EnrichmentThreshold && c.PrimaryURL() != "" && c.EnrichedFrom == "" {
		// Parked with its classification attached, so a timeout release
		// proceeds downstream with the fields and tags it already has.
		if err := cl.park(ctx, c.WithClassification(classification)); err != nil {
			cl.log.WithError(err).WithField("record", c.ContentHash).Warn("scrape enqueue failed, forwarding unparked")
		} else {
			observability.ClassifierDecisions.WithLabelValues("parked").Inc()
			return Outcome{Action: ActionPark}, nil
		}
	}

	observability.ClassifierDecisions.WithLabelValues("opportunity").Inc()
	return Outcome{Action: ActionForward, Candidate: c.WithClassification(classification)}, nil
}

func isAnnouncement(text string) bool {
	matched := false
	for _, p := range announcementPatterns {
		if p.MatchString(text) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	for _, p := range opportunityPatterns {
		if p.MatchString(text) {
			return false
		}
	}
	return true
}

func (cl *Classifier) park(ctx context.Context, c *record.Candidate) error {
	req := &store.ScrapeRequest{
		URL:             c.PrimaryURL(),
		Priority:        c.Priority,
		Collector:       c.Collector,
		CandidateHash:   c.ContentHash,
		RequestedFields: missingFields(c.Extracted),
	}
	if err := cl.scrapes.Enqueue(ctx, req); err != nil {
		return err
	}

	cl.mu.Lock()
	cl.pending[c.ContentHash] = &parkedEntry{candidate: c, parkedAt: cl.clock()}
	observability.PendingEnrichment.Set(float64(len(cl.pending)))
	cl.mu.Unlock()

	cl.log.WithFields(logrus.Fields{"record": c.ContentHash, "url": req.URL, "stage": "parked"}).Info("awaiting enrichment")
	return nil
}

// resolveEnrichment replaces the parked entry the enriched record fulfils.
// Later enrichment attempts win over earlier ones; a record arriving after
// the timeout sweep finds nothing and simply classifies on its own.
func (cl *Classifier) resolveEnrichment(c *record.Candidate) {
	cl.mu.Lock()
	_, waiting := cl.pending[c.EnrichedFrom]
	delete(cl.pending, c.EnrichedFrom)
	observability.PendingEnrichment.Set(float64(len(cl.pending)))
	cl.mu.Unlock()

	if waiting {
		observability.ClassifierDecisions.WithLabelValues("enriched").Inc()
		cl.log.WithFields(logrus.Fields{"record": c.ContentHash, "replaces": c.EnrichedFrom}).Info("enrichment resolved")
	}
}

// ReleaseEnrichment unparks a candidate after a terminal scrape failure; it
// proceeds with the fields it already has.
func (cl *Classifier) ReleaseEnrichment(contentHash, reason string) {
	cl.mu.Lock()
	entry, ok := cl.pending[contentHash]
	delete(cl.pending, contentHash)
	observability.PendingEnrichment.Set(float64(len(cl.pending)))
	cl.mu.Unlock()
	if !ok {
		return
	}

	cl.log.WithFields(logrus.Fields{"record": contentHash, "reason": reason}).Info("enrichment released without result")
	cl.forwardReleased(entry.candidate)
}

// Run sweeps parked entries past the enrichment timeout until ctx ends.
func (cl *Classifier) Run(ctx context.Context) {
	ticker := time.NewTicker(cl.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cl.sweep()
		}
	}
}

func (cl *Classifier) sweep() {
	cutoff := cl.clock().Add(-cl.cfg.EnrichmentTimeout)
	var expired []*record.Candidate

	cl.mu.Lock()
	for hash, entry := range cl.pending {
		if entry.parkedAt.Before(cutoff) {
			expired = append(expired, entry.candidate)
			delete(cl.pending, hash)
		}
	}
	observability.PendingEnrichment.Set(float64(len(cl.pending)))
	cl.mu.Unlock()

	for _, c := range expired {
		observability.ClassifierDecisions.WithLabelValues("timeout").Inc()
		cl.log.WithFields(logrus.Fields{"record": c.ContentHash, "stage": "unparked"}).Info("enrichment timed out")
		cl.forwardReleased(c)
	}
}

func (cl *Classifier) forwardReleased(c *record.Candidate) {
	select {
	case cl.released <- c:
	default:
		// Channel full: drop back to pending rather than lose the record.
		cl.mu.Lock()
		cl.pending[c.ContentHash] = &parkedEntry{candidate: c, parkedAt: cl.clock()}
		cl.mu.Unlock()
	}
}

// PendingCount reports parked candidates, for the debug snapshot.
func (cl *Classifier) PendingCount() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.pending)
}

func missingFields(f record.Fields) []string {
	var out []string
	if f.Title == "" {
		out = append(out, "title")
	}
	if f.Description == "" {
		out = append(out, "description")
	}
	if f.AmountUSD == 0 {
		out = append(out, "amount_usd")
	}
	if f.Deadline == nil {
		out = append(out, "deadline")
	}
	if len(f.OrgNames) == 0 {
		out = append(out, "org_names")
	}
	if f.Stage == "" {
		out = append(out, "stage")
	}
	return out
}
