// Package dedup detects duplicates and announcement chains against the
// recently published corpus. Seven strategies run in order; the strongest
// normalized score decides the verdict.
package dedup

import (
	"context"
	"math"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/afrifund/fundflow/ingestion/adapters"
	"github.com/afrifund/fundflow/ingestion/observability"
	"github.com/afrifund/fundflow/ingestion/record"
	"github.com/afrifund/fundflow/ingestion/store"
)

// Strategy identifies which detector produced a match.
type Strategy string

const (
	StrategyExactSignature Strategy = "exact_signature"
	StrategyTitle          Strategy = "title_similarity"
	StrategyContent        Strategy = "content_similarity"
	StrategySemantic       Strategy = "semantic_similarity"
	StrategyTemporal       Strategy = "temporal_cluster"
	StrategyOrgFunding     Strategy = "org_funding"
	StrategyChain          Strategy = "announcement_chain"
)

// Fixed normalized scores for the signature-style strategies; similarity
// strategies report their measured score.
const (
	scoreExact      = 1.0
	scoreTemporal   = 0.92
	scoreOrgFunding = 0.90
	scoreChain      = 0.95
)

// Verdict is the engine's aggregate decision.
type Verdict string

const (
	VerdictUnique          Verdict = "UNIQUE"
	VerdictLikelyDuplicate Verdict = "LIKELY_DUPLICATE"
	VerdictDuplicate       Verdict = "DUPLICATE"
)

// Match is one strategy's hit against an existing opportunity.
type Match struct {
	Strategy   Strategy
	ExistingID string
	Score      float64
}

// Result travels with the candidate to the validator and the publisher.
type Result struct {
	Verdict   Verdict
	Best      *Match
	Matches   []Match
	OrgID     string
	DedupHash string
	// Chain is set when announcement-chain detection collapsed the cluster;
	// Best then points at the earliest member.
	Chain bool
}

type Config struct {
	HardThreshold   float64 // >= is DUPLICATE
	LikelyThreshold float64 // >= is LIKELY_DUPLICATE

	TitleThreshold    float64
	TitleWindowDays   int
	ContentThreshold  float64
	SemanticThreshold float64
	SemanticTopK      int

	TemporalAmountTol float64
	TemporalWindow    time.Duration
	OrgAmountTol      float64
	OrgWindowDays     int
	ChainMinURLs      int
	ChainWindowDays   int

	CorpusWindowDays int
	CorpusTTL        time.Duration
}

func DefaultConfig() Config {
	return Config{
		HardThreshold:     0.90,
		LikelyThreshold:   0.75,
		TitleThreshold:    0.85,
		TitleWindowDays:   90,
		ContentThreshold:  0.80,
		SemanticThreshold: 0.88,
		SemanticTopK:      5,
		TemporalAmountTol: 0.05,
		TemporalWindow:    72 * time.Hour,
		OrgAmountTol:      0.10,
		OrgWindowDays:     180,
		ChainMinURLs:      3,
		ChainWindowDays:   14,
		CorpusWindowDays:  180,
		CorpusTTL:         time.Minute,
	}
}

// Engine runs the strategies against a cached recent-corpus snapshot.
type Engine struct {
	cfg     Config
	catalog store.Catalog
	orgs    *OrgResolver
	vindex  adapters.VectorIndex // nil disables semantic similarity

	corpus *expirable.LRU[int, []*record.Opportunity]
	clock  func() time.Time
	log    *logrus.Entry
}

func NewEngine(cfg Config, catalog store.Catalog, orgs *OrgResolver, vindex adapters.VectorIndex) *Engine {
	return &Engine{
		cfg:     cfg,
		catalog: catalog,
		orgs:    orgs,
		vindex:  vindex,
		corpus:  expirable.NewLRU[int, []*record.Opportunity](4, nil, cfg.CorpusTTL),
		clock:   time.Now,
		log:     logrus.WithField("component", "dedup"),
	}
}

// SetClock overrides time for tests.
func (e *Engine) SetClock(clock func() time.Time) { e.clock = clock }

// Evaluate runs all applicable strategies on one classified candidate.
// Deterministic for a fixed (candidate, corpus) snapshot.
func (e *Engine) Evaluate(ctx context.Context, c *record.Candidate) (*Result, error) {
	start := time.Now()
	defer func() {
		observability.StageLatency.WithLabelValues("dedup").Observe(time.Since(start).Seconds())
	}()

	res := &Result{DedupHash: record.CandidateDedupHash(c)}

	// Canonical organization resolution is the prerequisite for the
	// signature-style strategies.
	if org := c.PrimaryOrg(); org != "" {
		country := ""
		if len(c.Extracted.Geography) > 0 {
			country = c.Extracted.Geography[0]
		}
		id, err := e.orgs.Resolve(ctx, org, country)
		if err != nil {
			return nil, err
		}
		res.OrgID = id
	}

	corpus, err := e.recentCorpus(ctx)
	if err != nil {
		return nil, err
	}

	e.exactSignature(ctx, res)
	e.titleSimilarity(c, corpus, res)
	e.contentSimilarity(c, corpus, res)
	e.semanticSimilarity(ctx, c, res)
	e.temporalCluster(c, corpus, res)
	e.orgFunding(c, corpus, res)
	e.announcementChain(c, corpus, res)

	for i := range res.Matches {
		m := &res.Matches[i]
		observability.DedupStrategyHits.WithLabelValues(string(m.Strategy)).Inc()
		if res.Best == nil || m.Score > res.Best.Score {
			res.Best = m
		}
	}

	switch {
	case res.Best != nil && res.Best.Score >= e.cfg.HardThreshold:
		res.Verdict = VerdictDuplicate
	case res.Best != nil && res.Best.Score >= e.cfg.LikelyThreshold:
		res.Verdict = VerdictLikelyDuplicate
	default:
		res.Verdict = VerdictUnique
	}
	observability.DedupVerdicts.WithLabelValues(string(res.Verdict)).Inc()

	if res.Best != nil {
		e.log.WithFields(logrus.Fields{
			"record":   c.ContentHash,
			"strategy": res.Best.Strategy,
			"score":    res.Best.Score,
			"verdict":  res.Verdict,
		}).Info("duplicate match")
	}
	return res, nil
}

// Index registers a freshly published opportunity in the vector index so
// semantic similarity sees it on later evaluations.
func (e *Engine) Index(ctx context.Context, opp *record.Opportunity) error {
	if e.vindex == nil {
		return nil
	}
	embCtx, cancel := context.WithTimeout(ctx, adapters.EmbeddingTimeout)
	defer cancel()
	vec, err := e.vindex.Embed(embCtx, opp.Fields.Title+"\n"+opp.Fields.Description)
	if err != nil {
		return err
	}
	return e.vindex.Upsert(ctx, opp.ID, vec, map[string]string{"dedup_hash": opp.DedupHash})
}

func (e *Engine) recentCorpus(ctx context.Context) ([]*record.Opportunity, error) {
	if cached, ok := e.corpus.Get(e.cfg.CorpusWindowDays); ok {
		return cached, nil
	}
	opps, err := e.catalog.FindRecentInWindow(ctx, e.cfg.CorpusWindowDays)
	if err != nil {
		return nil, err
	}
	e.corpus.Add(e.cfg.CorpusWindowDays, opps)
	return opps, nil
}

// InvalidateCorpus drops the cached snapshot; the publisher calls it after a
// write so back-to-back arrivals see each other.
func (e *Engine) InvalidateCorpus() {
	e.corpus.Remove(e.cfg.CorpusWindowDays)
}

// Strategy 1: the candidate's dedup-hash is already published.
func (e *Engine) exactSignature(ctx context.Context, res *Result) {
	if res.DedupHash == "" {
		return
	}
	existing, err := e.catalog.FindByDedupHash(ctx, res.DedupHash)
	if err != nil || existing == nil {
		return
	}
	res.Matches = append(res.Matches, Match{StrategyExactSignature, existing.ID, scoreExact})
}

// Strategy 2: token-sort edit-distance on titles within the window.
func (e *Engine) titleSimilarity(c *record.Candidate, corpus []*record.Opportunity, res *Result) {
	if c.Extracted.Title == "" {
		return
	}
	cutoff := e.clock().AddDate(0, 0, -e.cfg.TitleWindowDays)
	for _, opp := range corpus {
		if opp.PublishedAt.Before(cutoff) {
			continue
		}
		if sim := titleSimilarity(c.Extracted.Title, opp.Fields.Title); sim >= e.cfg.TitleThreshold {
			res.Matches = append(res.Matches, Match{StrategyTitle, opp.ID, sim})
		}
	}
}

// Strategy 3: TF-IDF cosine over description text.
func (e *Engine) contentSimilarity(c *record.Candidate, corpus []*record.Opportunity, res *Result) {
	if c.Extracted.Description == "" {
		return
	}
	descriptions := make([]string, 0, len(corpus))
	for _, opp := range corpus {
		descriptions = append(descriptions, opp.Fields.Description)
	}
	idx := newTFIDFIndex(descriptions)
	idx.addDocument(c.Extracted.Description)

	cv := idx.vector(c.Extracted.Description)
	for _, opp := range corpus {
		if opp.Fields.Description == "" {
			continue
		}
		if cos := cosine(cv, idx.vector(opp.Fields.Description)); cos >= e.cfg.ContentThreshold {
			res.Matches = append(res.Matches, Match{StrategyContent, opp.ID, cos})
		}
	}
}

// Strategy 4: cosine in the embedding space.
func (e *Engine) semanticSimilarity(ctx context.Context, c *record.Candidate, res *Result) {
	if e.vindex == nil || c.Extracted.Description == "" {
		return
	}
	embCtx, cancel := context.WithTimeout(ctx, adapters.EmbeddingTimeout)
	defer cancel()
	vec, err := e.vindex.Embed(embCtx, c.Extracted.Title+"\n"+c.Extracted.Description)
	if err != nil {
		e.log.WithError(err).Debug("embedding failed, semantic strategy skipped")
		return
	}
	hits, err := e.vindex.QueryTopK(ctx, vec, e.cfg.SemanticTopK, nil)
	if err != nil {
		e.log.WithError(err).Debug("vector query failed, semantic strategy skipped")
		return
	}
	for _, hit := range hits {
		if hit.Score >= e.cfg.SemanticThreshold {
			res.Matches = append(res.Matches, Match{StrategySemantic, hit.ID, hit.Score})
		}
	}
}

// Strategy 5: same organization, amount within ±5%, arrival within 72h.
func (e *Engine) temporalCluster(c *record.Candidate, corpus []*record.Opportunity, res *Result) {
	if res.OrgID == "" || c.Extracted.AmountUSD == 0 {
		return
	}
	for _, opp := range corpus {
		if opp.OrganizationID != res.OrgID {
			continue
		}
		if !amountWithin(c.Extracted.AmountUSD, opp.Fields.AmountUSD, e.cfg.TemporalAmountTol) {
			continue
		}
		if gap := c.ArrivedAt.Sub(opp.PublishedAt); gap >= 0 && gap <= e.cfg.TemporalWindow {
			res.Matches = append(res.Matches, Match{StrategyTemporal, opp.ID, scoreTemporal})
		}
	}
}

// Strategy 6: same organization, amount within ±10% inside 180 days, from
// different URLs.
func (e *Engine) orgFunding(c *record.Candidate, corpus []*record.Opportunity, res *Result) {
	if res.OrgID == "" || c.Extracted.AmountUSD == 0 {
		return
	}
	cutoff := e.clock().AddDate(0, 0, -e.cfg.OrgWindowDays)
	candidateURLs := mapset.NewSet(c.SourceURLs...)
	for _, opp := range corpus {
		if opp.OrganizationID != res.OrgID || opp.PublishedAt.Before(cutoff) {
			continue
		}
		if !amountWithin(c.Extracted.AmountUSD, opp.Fields.AmountUSD, e.cfg.OrgAmountTol) {
			continue
		}
		existingURLs := mapset.NewSet(opp.SourceURLs...)
		if candidateURLs.Intersect(existingURLs).Cardinality() > 0 {
			// Same URL means re-ingestion, not independent coverage.
			continue
		}
		res.Matches = append(res.Matches, Match{StrategyOrgFunding, opp.ID, scoreOrgFunding})
	}
}

// Strategy 7: three or more distinct URLs covering one (org, amount, round)
// cluster within 14 days collapse onto the earliest member.
func (e *Engine) announcementChain(c *record.Candidate, corpus []*record.Opportunity, res *Result) {
	if res.OrgID == "" || c.Extracted.AmountUSD == 0 {
		return
	}
	cutoff := e.clock().AddDate(0, 0, -e.cfg.ChainWindowDays)
	urls := mapset.NewSet(c.SourceURLs...)
	var earliest *record.Opportunity
	for _, opp := range corpus {
		if opp.OrganizationID != res.OrgID || opp.PublishedAt.Before(cutoff) {
			continue
		}
		if !amountWithin(c.Extracted.AmountUSD, opp.Fields.AmountUSD, e.cfg.TemporalAmountTol) {
			continue
		}
		if !sameRound(c.Extracted.Stage, opp.Fields.Stage) {
			continue
		}
		urls.Append(opp.SourceURLs...)
		if earliest == nil || opp.PublishedAt.Before(earliest.PublishedAt) {
			earliest = opp
		}
	}
	if earliest == nil || urls.Cardinality() < e.cfg.ChainMinURLs {
		return
	}
	res.Chain = true
	res.Matches = append(res.Matches, Match{StrategyChain, earliest.ID, scoreChain})
}

func amountWithin(a, b, tol float64) bool {
	if a == 0 || b == 0 {
		return false
	}
	base := math.Max(math.Abs(a), math.Abs(b))
	return math.Abs(a-b)/base <= tol
}

func sameRound(a, b string) bool {
	if a == "" || b == "" {
		return true // unknown round does not break the cluster
	}
	return normalizeStage(a) == normalizeStage(b)
}

func normalizeStage(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
