// Package publisher is the only writer to the opportunity catalog. It
// serializes writes per dedup-hash, redirects duplicate inserts to merges,
// feeds the review queue and dead-letters candidates that exhaust the
// pipeline attempt budget.
package publisher

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/afrifund/fundflow/ingestion/adapters"
	"github.com/afrifund/fundflow/ingestion/dedup"
	"github.com/afrifund/fundflow/ingestion/faults"
	"github.com/afrifund/fundflow/ingestion/observability"
	"github.com/afrifund/fundflow/ingestion/record"
	"github.com/afrifund/fundflow/ingestion/store"
	"github.com/afrifund/fundflow/ingestion/validator"
)

// Requeuer returns a candidate to the router after a transient publish
// failure. *router.Router satisfies it.
type Requeuer interface {
	Requeue(c *record.Candidate) error
}

type Config struct {
	// StoreRetries bounds attempts per store write on transient errors.
	StoreRetries int
	RetryBackoff time.Duration
	// PipelineMaxAttempts is the whole-pipeline budget per candidate before
	// dead-lettering.
	PipelineMaxAttempts int
	LockStripes         int
}

func DefaultConfig() Config {
	return Config{
		StoreRetries:        3,
		RetryBackoff:        200 * time.Millisecond,
		PipelineMaxAttempts: 3,
		LockStripes:         64,
	}
}

type Publisher struct {
	cfg     Config
	catalog store.Catalog
	reviews store.ReviewQueue
	letters store.DeadLetters
	requeue Requeuer

	// locks serialize writes per dedup-hash; different hashes proceed in
	// parallel.
	locks []sync.Mutex

	log *logrus.Entry
}

func New(cfg Config, st store.Store, requeue Requeuer) *Publisher {
	return &Publisher{
		cfg:     cfg,
		catalog: st,
		reviews: st,
		letters: st,
		requeue: requeue,
		locks:   make([]sync.Mutex, cfg.LockStripes),
		log:     logrus.WithField("component", "publisher"),
	}
}

func (p *Publisher) stripe(hash string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(hash))
	return &p.locks[h.Sum32()%uint32(len(p.locks))]
}

// Publish routes one validated candidate to its terminal state. The returned
// error is nil even when the candidate was requeued or dead-lettered; only
// unexpected invariant violations surface.
func (p *Publisher) Publish(ctx context.Context, c *record.Candidate, dd *dedup.Result, d validator.Decision) error {
	start := time.Now()
	defer func() {
		observability.StageLatency.WithLabelValues("publisher").Observe(time.Since(start).Seconds())
	}()

	// A confirmed duplicate always merges: the uniqueness component pushes
	// duplicates toward reject by construction, and dropping them would lose
	// source corroboration.
	isDuplicate := dd != nil && dd.Verdict == dedup.VerdictDuplicate && dd.Best != nil

	if d.Tier == validator.TierReject && !isDuplicate {
		p.audit(ctx, "reject", c.ContentHash, joinReasons(d.Reasons), c)
		observability.PublishOutcomes.WithLabelValues("rejected").Inc()
		p.log.WithFields(logrus.Fields{"record": c.ContentHash, "decision": "reject", "reason": joinReasons(d.Reasons)}).Info("rejected")
		return nil
	}

	opp := p.buildOpportunity(c, dd, d)
	mu := p.stripe(opp.DedupHash)
	mu.Lock()
	defer mu.Unlock()

	var err error
	switch {
	case isDuplicate:
		err = p.merge(ctx, dd.Best.ExistingID, c, opp)
	case d.Tier == validator.TierReview:
		err = p.enqueueReview(ctx, opp, d.Reasons)
	default:
		err = p.insert(ctx, c, opp)
	}
	if err == nil {
		return nil
	}
	if !faults.Retryable(err) {
		// Permanent store refusal with no merge path: full context to the
		// dead-letter sink.
		return p.deadLetter(ctx, c, err)
	}
	return p.handleTransientFailure(ctx, c, err)
}

// Insert writes a new opportunity. A dedup-hash collision redirects to Merge.
func (p *Publisher) insert(ctx context.Context, c *record.Candidate, opp *record.Opportunity) error {
	var id string
	err := p.withRetries(ctx, func(ctx context.Context) error {
		var ierr error
		id, ierr = p.catalog.InsertOpportunity(ctx, opp)
		return ierr
	})
	if err == store.ErrDuplicateKey {
		existing, ferr := p.catalog.FindByDedupHash(ctx, opp.DedupHash)
		if ferr != nil || existing == nil {
			return faults.Wrap(faults.InternalInvariant, "publisher", "duplicate key without existing row", ferr)
		}
		p.log.WithFields(logrus.Fields{"record": c.ContentHash, "existing": existing.ID}).Info("insert redirected to merge")
		return p.merge(ctx, existing.ID, c, opp)
	}
	if err != nil {
		return err
	}

	p.audit(ctx, "insert", opp.DedupHash, "published", c)
	observability.PublishOutcomes.WithLabelValues("inserted").Inc()
	p.log.WithFields(logrus.Fields{"record": c.ContentHash, "opportunity": id, "stage": "published"}).Info("inserted")
	return nil
}

// Merge folds the candidate into an existing opportunity. Confidence is
// monotonic; the store keeps the maximum.
func (p *Publisher) merge(ctx context.Context, existingID string, c *record.Candidate, opp *record.Opportunity) error {
	patch := store.MergePatch{
		AddSourceURLs: c.SourceURLs,
		AddMergedFrom: []string{c.ContentHash},
		Confidence:    opp.Confidence,
	}
	err := p.withRetries(ctx, func(ctx context.Context) error {
		return p.catalog.MergeOpportunity(ctx, existingID, patch)
	})
	if err != nil {
		return err
	}

	p.audit(ctx, "merge", opp.DedupHash, "duplicate of "+existingID, c)
	observability.PublishOutcomes.WithLabelValues("merged").Inc()
	p.log.WithFields(logrus.Fields{"record": c.ContentHash, "opportunity": existingID, "stage": "merged"}).Info("merged")
	return nil
}

func (p *Publisher) enqueueReview(ctx context.Context, opp *record.Opportunity, reasons []string) error {
	item := &store.ReviewItem{Opportunity: *opp, Reasons: reasons}
	err := p.withRetries(ctx, func(ctx context.Context) error {
		return p.reviews.EnqueueReview(ctx, item)
	})
	if err != nil {
		return err
	}

	p.audit(ctx, "review_enqueue", opp.DedupHash, joinReasons(reasons), nil)
	observability.PublishOutcomes.WithLabelValues("review_enqueued").Inc()
	if n, cerr := p.reviews.CountReview(ctx); cerr == nil {
		observability.ReviewQueueDepth.Set(float64(n))
	}
	p.log.WithFields(logrus.Fields{"record": opp.ContentHash, "reasons": reasons, "stage": "pending_review"}).Info("review enqueued")
	return nil
}

// PublishApproved inserts a review item the operator approved. Approval is
// human verification.
func (p *Publisher) PublishApproved(ctx context.Context, item *store.ReviewItem) error {
	opp := item.Opportunity
	opp.Verification = record.VerificationVerified

	mu := p.stripe(opp.DedupHash)
	mu.Lock()
	defer mu.Unlock()

	_, err := p.catalog.InsertOpportunity(ctx, &opp)
	if err == store.ErrDuplicateKey {
		existing, ferr := p.catalog.FindByDedupHash(ctx, opp.DedupHash)
		if ferr != nil || existing == nil {
			return faults.Wrap(faults.InternalInvariant, "publisher", "duplicate key without existing row", ferr)
		}
		return p.catalog.MergeOpportunity(ctx, existing.ID, store.MergePatch{
			AddSourceURLs: opp.SourceURLs,
			AddMergedFrom: []string{opp.ContentHash},
			Confidence:    opp.Confidence,
			Verification:  record.VerificationVerified,
		})
	}
	if err != nil {
		return err
	}
	p.audit(ctx, "insert", opp.DedupHash, "approved by operator", nil)
	observability.PublishOutcomes.WithLabelValues("inserted").Inc()
	return nil
}

// handleTransientFailure returns the candidate to the router at low priority,
// or dead-letters it once the pipeline budget is spent.
func (p *Publisher) handleTransientFailure(ctx context.Context, c *record.Candidate, cause error) error {
	c.Attempts++
	if c.Attempts >= p.cfg.PipelineMaxAttempts {
		return p.deadLetter(ctx, c, cause)
	}

	retry := c.Clone()
	retry.Priority = record.PriorityLow
	if rerr := p.requeue.Requeue(retry); rerr != nil {
		// Router full on the retry path: the dead-letter sink is the only
		// place left that cannot lose the record.
		return p.deadLetter(ctx, c, cause)
	}
	observability.PublishOutcomes.WithLabelValues("requeued").Inc()
	p.log.WithFields(logrus.Fields{"record": c.ContentHash, "attempts": c.Attempts}).Warn("publish failed, requeued at low priority")
	return nil
}

func (p *Publisher) deadLetter(ctx context.Context, c *record.Candidate, cause error) error {
	payload, _ := json.Marshal(c)
	dl := &store.DeadLetter{
		ContentHash: c.ContentHash,
		Stage:       "publisher",
		Error:       cause.Error(),
		Cause:       faults.KindOf(cause).String(),
		Candidate:   payload,
		Attempts:    c.Attempts,
	}
	if err := p.letters.InsertDeadLetter(ctx, dl); err != nil {
		return err
	}
	observability.PublishOutcomes.WithLabelValues("dead_lettered").Inc()
	observability.DeadLetters.WithLabelValues("publisher").Inc()
	p.audit(ctx, "dead_letter", c.ContentHash, cause.Error(), c)
	p.log.WithError(cause).WithFields(logrus.Fields{"record": c.ContentHash, "attempts": c.Attempts}).Error("dead-lettered")
	return nil
}

func (p *Publisher) buildOpportunity(c *record.Candidate, dd *dedup.Result, d validator.Decision) *record.Opportunity {
	hash := ""
	orgID := ""
	if dd != nil {
		hash = dd.DedupHash
		orgID = dd.OrgID
	}
	if hash == "" {
		// No semantic key without an organization and date; content identity
		// is the fallback uniqueness key.
		hash = c.ContentHash
	}
	opp := &record.Opportunity{
		DedupHash:      hash,
		ContentHash:    c.ContentHash,
		OrganizationID: orgID,
		Fields:         c.Extracted,
		SourceURLs:     append([]string(nil), c.SourceURLs...),
		Verification:   record.VerificationUnverified,
		Confidence:     d.Confidence,
		Collector:      c.Collector,
		Language:       c.Language,
	}
	if c.Classification != nil {
		opp.Inclusion = c.Classification.Inclusion
		if len(c.Classification.Sectors) > 0 {
			opp.Fields.Sectors = c.Classification.Sectors
		}
		if len(c.Classification.Geography) > 0 {
			opp.Fields.Geography = c.Classification.Geography
		}
	}
	return opp
}

func (p *Publisher) withRetries(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < p.cfg.StoreRetries; attempt++ {
		storeCtx, cancel := context.WithTimeout(ctx, adapters.StoreTimeout)
		err = fn(storeCtx)
		cancel()
		if err == nil || !faults.Retryable(err) || err == store.ErrDuplicateKey {
			return err
		}
		select {
		case <-time.After(p.cfg.RetryBackoff << uint(attempt)):
		case <-ctx.Done():
			return err
		}
	}
	return err
}

func (p *Publisher) audit(ctx context.Context, action, subject, reason string, c *record.Candidate) {
	entry := &store.AuditEntry{
		Actor:   "publisher",
		Action:  action,
		Subject: subject,
		Reason:  reason,
	}
	if c != nil {
		entry.Metadata = map[string]string{"collector": c.Collector, "content_hash": c.ContentHash}
	}
	if err := p.catalog.AppendAuditLog(ctx, entry); err != nil {
		p.log.WithError(err).Warn("audit append failed")
	}
}

func joinReasons(reasons []string) string {
	return strings.Join(reasons, ",")
}
