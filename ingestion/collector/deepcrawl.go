package collector

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/afrifund/fundflow/ingestion/adapters"
	"github.com/afrifund/fundflow/ingestion/health"
	"github.com/afrifund/fundflow/ingestion/record"
	"github.com/afrifund/fundflow/ingestion/scrapequeue"
	"github.com/afrifund/fundflow/ingestion/store"
)

// EnrichmentReleaser unparks a candidate whose scrape ended without a usable
// result. The classifier implements it.
type EnrichmentReleaser interface {
	ReleaseEnrichment(contentHash, reason string)
}

// extractionSchema is what the LLM is asked for when selectors come up short.
var extractionSchema = []string{
	"title", "description", "amount_usd", "deadline",
	"org_names", "geography", "sectors", "stage",
}

type DeepCrawlConfig struct {
	// Templates maps hostname to known-site selectors.
	Templates map[string]SiteTemplate
}

// DeepCrawl turns terminal scrape results into enriched candidates. The
// extraction ladder is site template, then generic selectors, then LLM on the
// cleaned text. Each enriched candidate carries a back-reference to the
// candidate whose parking requested the crawl.
type DeepCrawl struct {
	cfg         DeepCrawlConfig
	completions <-chan scrapequeue.Completion
	llm         adapters.LLM
	reg         *health.Registry
	seenDB      store.SeenSet
	releaser    EnrichmentReleaser
	log         *logrus.Entry
}

func NewDeepCrawl(cfg DeepCrawlConfig, completions <-chan scrapequeue.Completion, llm adapters.LLM, reg *health.Registry, seen store.SeenSet, releaser EnrichmentReleaser) *DeepCrawl {
	return &DeepCrawl{
		cfg:         cfg,
		completions: completions,
		llm:         llm,
		reg:         reg,
		seenDB:      seen,
		releaser:    releaser,
		log:         logrus.WithFields(logrus.Fields{"component": "collector", "collector": "deepcrawl"}),
	}
}

func (d *DeepCrawl) ID() string { return "deepcrawl" }

func (d *DeepCrawl) Run(ctx context.Context, sink Sink) error {
	emitter := NewEmitter(d.ID(), sink, d.seenDB)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, open := <-d.completions:
			if !open {
				return nil
			}
			d.handle(ctx, c, emitter)
		}
	}
}

func (d *DeepCrawl) handle(ctx context.Context, c scrapequeue.Completion, emitter *Emitter) {
	if c.Err != nil {
		// Terminal scrape failure: release every waiting candidate so they
		// proceed with the fields they have.
		d.reg.RecordOutcome(d.ID(), health.HardFailure(fmt.Sprintf("scrape %s: %v", c.Request.URL, c.Err)))
		for _, hash := range c.Subscribers {
			d.releaser.ReleaseEnrichment(hash, c.Request.LastError)
		}
		return
	}

	start := time.Now()
	fields, text, err := d.extract(ctx, c.Request, c.Body)
	if err != nil {
		d.reg.RecordOutcome(d.ID(), health.SoftFailure(fmt.Sprintf("extract %s: %v", c.Request.URL, err)))
		for _, hash := range c.Subscribers {
			d.releaser.ReleaseEnrichment(hash, "extraction failed")
		}
		return
	}

	for _, hash := range c.Subscribers {
		cand := &record.Candidate{
			Collector:    d.ID(),
			SourceURLs:   []string{c.Request.URL},
			Raw:          text,
			RawKind:      record.RawHTML,
			Extracted:    fields,
			Priority:     c.Request.Priority,
			EnrichedFrom: hash,
		}
		adm, _ := emitter.Offer(ctx, cand)
		switch adm {
		case Shed, Paused:
			// The parked candidate must not wait on a record that will never
			// arrive.
			d.releaser.ReleaseEnrichment(hash, "router refused enriched record")
		case DuplicateDropped:
			// Repeat subscriber hash; its enriched record was emitted already.
			d.releaser.ReleaseEnrichment(hash, "enriched record already emitted")
		}
	}
	d.reg.RecordOutcome(d.ID(), health.Success(time.Since(start), extractionQuality(fields)))
}

func (d *DeepCrawl) extract(ctx context.Context, req *store.ScrapeRequest, body []byte) (record.Fields, string, error) {
	var tmpl *SiteTemplate
	if u, err := url.Parse(req.URL); err == nil {
		if t, ok := d.cfg.Templates[u.Hostname()]; ok {
			tmpl = &t
		}
	}

	fields, text, rich := extractHTML(body, tmpl)
	if rich {
		return fields, text, nil
	}

	// Selector passes came up short; ask the LLM for the remaining fields.
	llmCtx, cancel := context.WithTimeout(ctx, adapters.LLMTimeout)
	defer cancel()
	llmFields, err := d.llm.Extract(llmCtx, text, extractionSchema)
	if err != nil {
		if fields.Title != "" {
			// Degraded but usable selector output beats dropping the result.
			return fields, text, nil
		}
		return record.Fields{}, "", err
	}
	return mergeFields(fields, llmFields), text, nil
}

// mergeFields overlays LLM output onto selector output; selectors win where
// both produced a value.
func mergeFields(base, llm record.Fields) record.Fields {
	if base.Title == "" {
		base.Title = llm.Title
	}
	if base.Description == "" {
		base.Description = llm.Description
	}
	if base.AmountUSD == 0 {
		base.AmountUSD = llm.AmountUSD
	}
	if base.Deadline == nil {
		base.Deadline = llm.Deadline
	}
	if base.TransactionDate == nil {
		base.TransactionDate = llm.TransactionDate
	}
	if len(base.OrgNames) == 0 {
		base.OrgNames = llm.OrgNames
	}
	if len(base.Geography) == 0 {
		base.Geography = llm.Geography
	}
	if len(base.Sectors) == 0 {
		base.Sectors = llm.Sectors
	}
	if base.Stage == "" {
		base.Stage = llm.Stage
	}
	return base
}

// extractionQuality scores field coverage as the success quality hint.
func extractionQuality(f record.Fields) float64 {
	score := 0.0
	if f.Title != "" {
		score += 0.25
	}
	if f.Description != "" {
		score += 0.25
	}
	if f.AmountUSD > 0 {
		score += 0.2
	}
	if len(f.OrgNames) > 0 {
		score += 0.2
	}
	if f.Deadline != nil || f.TransactionDate != nil {
		score += 0.1
	}
	return score
}
