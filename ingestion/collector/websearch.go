package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/afrifund/fundflow/ingestion/adapters"
	"github.com/afrifund/fundflow/ingestion/faults"
	"github.com/afrifund/fundflow/ingestion/health"
	"github.com/afrifund/fundflow/ingestion/record"
	"github.com/afrifund/fundflow/ingestion/store"
)

// SearchQuery is one entry in the rotation. Underserved queries target
// regions with thin coverage; their hits enter at high priority.
type SearchQuery struct {
	Text        string
	Locale      string
	Underserved bool
}

// DefaultQueries is the production rotation. Non-English locales are part of
// the geographic-equity coverage, not an afterthought.
func DefaultQueries() []SearchQuery {
	return []SearchQuery{
		{Text: "AI startup funding Africa", Locale: "en"},
		{Text: "artificial intelligence grant application Africa", Locale: "en"},
		{Text: "accelerator accepting applications African startups", Locale: "en"},
		{Text: "financement startup intelligence artificielle Afrique", Locale: "fr", Underserved: true},
		{Text: "subvention technologie Afrique francophone", Locale: "fr", Underserved: true},
		{Text: "tamwil dhaka' istinaei Afriqia", Locale: "ar", Underserved: true},
		{Text: "financiamento inteligencia artificial Africa", Locale: "pt", Underserved: true},
	}
}

type WebSearchConfig struct {
	Queries  []SearchQuery
	Interval time.Duration
	// RelevanceFloor drops hits below it at the collector.
	RelevanceFloor float64
}

func DefaultWebSearchConfig() WebSearchConfig {
	return WebSearchConfig{
		Queries:        DefaultQueries(),
		Interval:       time.Minute,
		RelevanceFloor: 0.3,
	}
}

// WebSearch issues one query from the rotation per interval and emits the
// hits that clear the relevance floor.
type WebSearch struct {
	cfg    WebSearchConfig
	api    adapters.SearchAPI
	reg    *health.Registry
	seenDB store.SeenSet
	cursor int
	log    *logrus.Entry
}

func NewWebSearch(cfg WebSearchConfig, api adapters.SearchAPI, reg *health.Registry, seen store.SeenSet) *WebSearch {
	return &WebSearch{
		cfg:    cfg,
		api:    api,
		reg:    reg,
		seenDB: seen,
		log:    logrus.WithFields(logrus.Fields{"component": "collector", "collector": "websearch"}),
	}
}

func (w *WebSearch) ID() string { return "websearch" }

func (w *WebSearch) Run(ctx context.Context, sink Sink) error {
	emitter := NewEmitter(w.ID(), sink, w.seenDB)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !acquire(ctx, w.reg, w.ID()) {
				return ctx.Err()
			}
			w.runQuery(ctx, w.nextQuery(), emitter)
		}
	}
}

func (w *WebSearch) nextQuery() SearchQuery {
	q := w.cfg.Queries[w.cursor%len(w.cfg.Queries)]
	w.cursor++
	return q
}

func (w *WebSearch) runQuery(ctx context.Context, q SearchQuery, emitter *Emitter) {
	start := time.Now()
	hits, err := w.api.Search(ctx, q.Text, q.Locale)
	if err != nil {
		reason := fmt.Sprintf("search %q: %v", q.Text, err)
		if faults.Retryable(err) {
			w.reg.RecordOutcome(w.ID(), health.SoftFailure(reason))
		} else {
			w.reg.RecordOutcome(w.ID(), health.HardFailure(reason))
		}
		w.log.WithError(err).WithField("query", q.Text).Warn("search failed")
		return
	}

	emitted, dropped := 0, 0
	for _, hit := range hits {
		if hit.Relevance < w.cfg.RelevanceFloor {
			dropped++
			continue
		}
		adm, _ := emitter.Offer(ctx, w.normalize(q, hit))
		switch adm {
		case Accepted:
			emitted++
		case Shed, Paused:
			// Remaining hits resurface on the next rotation pass.
			w.reg.RecordOutcome(w.ID(), health.Success(time.Since(start), hitYield(emitted, dropped)))
			return
		}
	}
	w.reg.RecordOutcome(w.ID(), health.Success(time.Since(start), hitYield(emitted, dropped)))
}

func (w *WebSearch) normalize(q SearchQuery, hit adapters.SearchHit) *record.Candidate {
	priority := record.PriorityNormal
	if q.Underserved {
		priority = record.PriorityHigh
	}
	raw := strings.TrimSpace(hit.Title + "\n\n" + hit.Snippet)
	c := &record.Candidate{
		Collector:  w.ID(),
		SourceURLs: []string{hit.URL},
		Raw:        raw,
		RawKind:    record.RawText,
		Extracted: record.Fields{
			Title:       strings.TrimSpace(hit.Title),
			Description: strings.TrimSpace(hit.Snippet),
		},
		Language: q.Locale,
		Priority: priority,
	}
	if !hit.PublishedAt.IsZero() {
		d := hit.PublishedAt
		c.Extracted.TransactionDate = &d
	}
	return c
}

// hitYield rewards queries that produce relevant hits over ones whose results
// all fall under the floor.
func hitYield(emitted, dropped int) float64 {
	total := emitted + dropped
	if total == 0 {
		return 0.5
	}
	return 0.3 + 0.5*float64(emitted)/float64(total)
}
