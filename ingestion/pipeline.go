package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/afrifund/fundflow/ingestion/audit"
	"github.com/afrifund/fundflow/ingestion/classifier"
	"github.com/afrifund/fundflow/ingestion/dedup"
	"github.com/afrifund/fundflow/ingestion/faults"
	"github.com/afrifund/fundflow/ingestion/observability"
	"github.com/afrifund/fundflow/ingestion/publisher"
	"github.com/afrifund/fundflow/ingestion/record"
	"github.com/afrifund/fundflow/ingestion/router"
	"github.com/afrifund/fundflow/ingestion/store"
	"github.com/afrifund/fundflow/ingestion/validator"
)

// Pipeline drives records from the router through classification, dedup,
// validation and publishing. Workers are independent; ordering guarantees come
// from the publisher's per-dedup-hash locks, not from here.
type Pipeline struct {
	workers int

	router     *router.Router
	classifier *classifier.Classifier
	dedup      *dedup.Engine
	validator  *validator.Validator
	publisher  *publisher.Publisher
	catalog    store.Catalog
	letters    store.DeadLetters
	timeline   *audit.Timeline

	// maxAttempts is the whole-pipeline budget per record, shared with the
	// publisher's transient-failure path.
	maxAttempts int

	log *logrus.Entry
}

func NewPipeline(workers int, rt *router.Router, cl *classifier.Classifier, dd *dedup.Engine, vd *validator.Validator, pb *publisher.Publisher, st store.Store, tl *audit.Timeline) *Pipeline {
	return &Pipeline{
		workers:     workers,
		router:      rt,
		classifier:  cl,
		dedup:       dd,
		validator:   vd,
		publisher:   pb,
		catalog:     st,
		letters:     st,
		timeline:    tl,
		maxAttempts: 3,
		log:         logrus.WithField("component", "pipeline"),
	}
}

// Run blocks until ctx is cancelled and all workers have drained their
// in-flight record.
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx)
		}()
	}

	// Released candidates skip re-classification; they were parked with their
	// classification attached and proceed straight to dedup.
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.consumeReleased(ctx)
	}()

	wg.Wait()
}

func (p *Pipeline) worker(ctx context.Context) {
	for {
		c, err := p.router.Next(ctx)
		if err != nil {
			return
		}
		p.processFull(ctx, c)
	}
}

func (p *Pipeline) consumeReleased(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-p.classifier.Released():
			p.record(c, "DEDUPLICATING", nil)
			p.processFrom(ctx, c)
		}
	}
}

// processFull runs classification first; parked and rejected records stop
// here.
func (p *Pipeline) processFull(ctx context.Context, c *record.Candidate) {
	p.record(c, "CLASSIFYING", nil)
	out, err := p.classifier.Process(ctx, c)
	if err != nil {
		p.handleStageFailure(ctx, c, "classifier", err)
		return
	}
	switch out.Action {
	case classifier.ActionReject:
		p.record(c, "REJECTED", map[string]string{"reason": out.Reason})
		return
	case classifier.ActionPark:
		p.record(c, "PARKED", nil)
		return
	}
	p.processFrom(ctx, out.Candidate)
}

// processFrom runs a classified candidate through dedup, validation and
// publishing.
func (p *Pipeline) processFrom(ctx context.Context, c *record.Candidate) {
	p.record(c, "DEDUPLICATING", nil)
	dd, err := p.dedup.Evaluate(ctx, c)
	if err != nil {
		p.handleStageFailure(ctx, c, "dedup", err)
		return
	}

	p.record(c, "VALIDATING", nil)
	d, err := p.validator.Validate(ctx, c, dd)
	if err != nil {
		p.handleStageFailure(ctx, c, "validator", err)
		return
	}

	if err := p.publisher.Publish(ctx, c, dd, d); err != nil {
		p.log.WithError(err).WithField("record", c.ContentHash).Error("publish invariant violation")
		p.record(c, "DEAD_LETTERED", map[string]string{"error": err.Error()})
		return
	}

	merged := dd != nil && dd.Verdict == dedup.VerdictDuplicate && dd.Best != nil
	switch {
	case merged:
		p.record(c, "PUBLISHED", map[string]string{"merged_into": dd.Best.ExistingID})
		p.indexPublished(ctx, c, dd)
	case d.Tier == validator.TierReject:
		p.record(c, "REJECTED", map[string]string{"reason": "low_confidence"})
	case d.Tier == validator.TierReview:
		p.record(c, "REVIEW", nil)
	default:
		p.record(c, "PUBLISHED", nil)
		p.indexPublished(ctx, c, dd)
	}
}

// indexPublished makes the new or merged row visible to subsequent dedup
// evaluations: embedding upsert plus corpus cache invalidation. Merges are
// looked up by the merged-into row's id; similarity matches cross dedup-hash
// boundaries, so the incoming hash may not name the row that was written.
func (p *Pipeline) indexPublished(ctx context.Context, c *record.Candidate, dd *dedup.Result) {
	var opp *record.Opportunity
	var err error
	if dd != nil && dd.Verdict == dedup.VerdictDuplicate && dd.Best != nil {
		opp, err = p.catalog.FindByID(ctx, dd.Best.ExistingID)
	} else {
		hash := c.ContentHash
		if dd != nil && dd.DedupHash != "" {
			hash = dd.DedupHash
		}
		opp, err = p.catalog.FindByDedupHash(ctx, hash)
	}
	if err != nil || opp == nil {
		p.dedup.InvalidateCorpus()
		return
	}
	if err := p.dedup.Index(ctx, opp); err != nil {
		p.log.WithError(err).WithField("record", c.ContentHash).Warn("vector index update failed")
	}
	p.dedup.InvalidateCorpus()
}

// handleStageFailure spends one pipeline attempt: requeue at low priority
// while budget remains, dead-letter after.
func (p *Pipeline) handleStageFailure(ctx context.Context, c *record.Candidate, stage string, cause error) {
	observability.StageErrors.WithLabelValues(stage, faults.KindOf(cause).String()).Inc()
	c.Attempts++
	if c.Attempts < p.maxAttempts && faults.Retryable(cause) {
		retry := c.Clone()
		retry.Priority = record.PriorityLow
		if err := p.router.Requeue(retry); err == nil {
			p.log.WithError(cause).WithFields(logrus.Fields{"record": c.ContentHash, "stage": stage, "attempts": c.Attempts}).Warn("stage failed, requeued")
			return
		}
	}

	payload, _ := json.Marshal(c)
	dl := &store.DeadLetter{
		ContentHash: c.ContentHash,
		Stage:       stage,
		Error:       cause.Error(),
		Cause:       faults.KindOf(cause).String(),
		Candidate:   payload,
		Attempts:    c.Attempts,
	}
	if err := p.letters.InsertDeadLetter(ctx, dl); err != nil {
		p.log.WithError(err).WithField("record", c.ContentHash).Error("dead-letter insert failed, record lost")
		return
	}
	observability.DeadLetters.WithLabelValues(stage).Inc()
	p.record(c, "DEAD_LETTERED", map[string]string{"stage": stage, "error": cause.Error()})
	p.log.WithError(cause).WithFields(logrus.Fields{"record": c.ContentHash, "stage": stage}).Error("dead-lettered")
}

func (p *Pipeline) record(c *record.Candidate, stage string, md map[string]string) {
	p.timeline.Record(audit.Event{
		ContentHash: c.ContentHash,
		Stage:       stage,
		Collector:   c.Collector,
		Timestamp:   time.Now(),
		Metadata:    md,
	})
}
