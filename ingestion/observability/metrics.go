package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CandidatesCollected tracks raw captures per collector and outcome at
	// the collector boundary (emitted, duplicate_content, dropped).
	CandidatesCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundflow_candidates_collected_total",
		Help: "Candidates produced at collector boundary by outcome",
	}, []string{"collector", "outcome"})

	// RouterQueueDepth tracks pending candidates per priority tier.
	RouterQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fundflow_router_queue_depth",
		Help: "Current number of candidates queued in the router per tier",
	}, []string{"priority"})

	// RouterDecisions tracks admission decisions.
	RouterDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundflow_router_decisions_total",
		Help: "Router admission decisions (accept, shed, breaker_open)",
	}, []string{"collector", "decision"})

	// StageLatency tracks per-stage processing latency.
	StageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fundflow_stage_latency_seconds",
		Help:    "Processing latency per pipeline stage",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~80s
	}, []string{"stage"})

	// StageErrors tracks errors per stage and fault kind.
	StageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundflow_stage_errors_total",
		Help: "Errors per pipeline stage by fault kind",
	}, []string{"stage", "kind"})

	// BreakerState tracks circuit breaker state per collector
	// (0=closed, 1=half_open, 2=open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fundflow_breaker_state",
		Help: "Circuit breaker state per collector (0=closed, 1=half_open, 2=open)",
	}, []string{"collector"})

	// SourceQuality tracks the rolling quality score per collector.
	SourceQuality = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fundflow_source_quality_score",
		Help: "EWMA quality score per collector (0-1)",
	}, []string{"collector"})

	// SourceSuccessRate tracks the rolling success rate per collector.
	SourceSuccessRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fundflow_source_success_rate",
		Help: "Rolling success rate per collector over the outcome ring",
	}, []string{"collector"})

	// RateLimited tracks admissions refused by the token bucket.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundflow_rate_limited_total",
		Help: "Acquisitions refused by per-collector token buckets",
	}, []string{"collector"})

	// ClassifierDecisions tracks stage-1/stage-2 outcomes.
	ClassifierDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundflow_classifier_decisions_total",
		Help: "Classifier outcomes (opportunity, announcement, parked, enriched, timeout)",
	}, []string{"decision"})

	// PendingEnrichment tracks candidates parked awaiting a crawl result.
	PendingEnrichment = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fundflow_pending_enrichment",
		Help: "Candidates parked awaiting scrape enrichment",
	})

	// ScrapeQueueDepth tracks ready scrape requests.
	ScrapeQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fundflow_scrape_queue_depth",
		Help: "Scrape requests in pending or retrying status",
	})

	// ScrapeOutcomes tracks terminal scrape results.
	ScrapeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundflow_scrape_outcomes_total",
		Help: "Scrape request outcomes (completed, failed, retried, deduplicated)",
	}, []string{"outcome"})

	// DedupStrategyHits tracks which strategies fired above threshold.
	DedupStrategyHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundflow_dedup_strategy_hits_total",
		Help: "Duplicate matches above threshold per strategy",
	}, []string{"strategy"})

	// DedupVerdicts tracks engine verdicts.
	DedupVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundflow_dedup_verdicts_total",
		Help: "Deduplication verdicts (unique, likely_duplicate, duplicate)",
	}, []string{"verdict"})

	// ValidatorTiers tracks routing decisions out of the validator.
	ValidatorTiers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundflow_validator_tiers_total",
		Help: "Validator tier decisions (auto_approve, review, reject)",
	}, []string{"tier"})

	// PublishOutcomes tracks publisher terminal actions.
	PublishOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundflow_publish_outcomes_total",
		Help: "Publisher outcomes (inserted, merged, review_enqueued, dead_lettered, requeued)",
	}, []string{"outcome"})

	// ReviewQueueDepth tracks items awaiting human adjudication.
	ReviewQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fundflow_review_queue_depth",
		Help: "Items in the review queue",
	})

	// DeadLetters tracks records parked in the dead-letter store.
	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundflow_dead_letters_total",
		Help: "Records dead-lettered per stage",
	}, []string{"stage"})

	// ExternalCallDuration tracks adapter latency (llm, embedding, search,
	// fetch, store).
	ExternalCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fundflow_external_call_seconds",
		Help:    "External adapter call latency",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	}, []string{"adapter"})

	// SeenSuppressed tracks content-hash duplicate drops at collectors.
	SeenSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundflow_seen_suppressed_total",
		Help: "Re-ingestions suppressed by the content-hash seen-set",
	}, []string{"collector"})
)
