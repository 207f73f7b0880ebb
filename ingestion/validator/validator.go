// Package validator produces the confidence score and routing tier for a
// deduplicated candidate. The score is a weighted combination of uniqueness,
// source quality, completeness, LLM legitimacy and verifiable-field presence.
package validator

import (
	"context"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/afrifund/fundflow/ingestion/adapters"
	"github.com/afrifund/fundflow/ingestion/dedup"
	"github.com/afrifund/fundflow/ingestion/health"
	"github.com/afrifund/fundflow/ingestion/observability"
	"github.com/afrifund/fundflow/ingestion/record"
)

// Tier is the routing decision.
type Tier string

const (
	TierAutoApprove Tier = "auto_approve"
	TierReview      Tier = "review"
	TierReject      Tier = "reject"
)

// Decision carries the confidence score, tier and the reasons that drove it.
type Decision struct {
	Tier       Tier
	Confidence float64
	Legitimacy float64
	Reasons    []string
}

// Weights for the confidence combination. They sum to 1.
type Weights struct {
	Uniqueness    float64
	SourceQuality float64
	Completeness  float64
	Legitimacy    float64
	Verifiable    float64
}

type Config struct {
	// AutoApprove and ReviewFloor are inclusive lower bounds: a score
	// exactly at AutoApprove publishes, exactly at ReviewFloor reviews.
	AutoApprove float64
	ReviewFloor float64
	Weights     Weights
}

func DefaultConfig() Config {
	return Config{
		AutoApprove: 0.85,
		ReviewFloor: 0.65,
		Weights: Weights{
			Uniqueness:    0.30,
			SourceQuality: 0.20,
			Completeness:  0.15,
			Legitimacy:    0.25,
			Verifiable:    0.10,
		},
	}
}

// HealthReporter is the slice of the health registry the validator touches:
// reading the origin collector's quality and reporting validation outcomes
// back to it. *health.Registry satisfies it.
type HealthReporter interface {
	QualityScore(collector string) float64
	RecordOutcome(collector string, o health.Outcome)
}

type Validator struct {
	cfg    Config
	llm    adapters.LLM
	health HealthReporter
	log    *logrus.Entry
}

func New(cfg Config, llm adapters.LLM, reporter HealthReporter) *Validator {
	return &Validator{
		cfg:    cfg,
		llm:    llm,
		health: reporter,
		log:    logrus.WithField("component", "validator"),
	}
}

// Validate scores one candidate against its dedup result. A LIKELY_DUPLICATE
// verdict forces review regardless of score.
func (v *Validator) Validate(ctx context.Context, c *record.Candidate, dd *dedup.Result) (Decision, error) {
	start := time.Now()
	defer func() {
		observability.StageLatency.WithLabelValues("validator").Observe(time.Since(start).Seconds())
	}()

	llmCtx, cancel := context.WithTimeout(ctx, adapters.LLMTimeout)
	legitimacy, err := v.llm.Score(llmCtx, c)
	cancel()
	if err != nil {
		observability.StageErrors.WithLabelValues("validator", "llm").Inc()
		return Decision{}, err
	}

	w := v.cfg.Weights
	confidence := w.Uniqueness*uniqueness(dd) +
		w.SourceQuality*v.health.QualityScore(c.Collector) +
		w.Completeness*c.Completeness() +
		w.Legitimacy*legitimacy +
		w.Verifiable*verifiableFields(c)

	d := Decision{Confidence: confidence, Legitimacy: legitimacy}
	switch {
	case dd != nil && dd.Verdict == dedup.VerdictLikelyDuplicate:
		d.Tier = TierReview
		d.Reasons = append(d.Reasons, "likely_duplicate")
		if confidence < v.cfg.AutoApprove {
			d.Reasons = append(d.Reasons, "medium_confidence")
		}
	case confidence >= v.cfg.AutoApprove:
		d.Tier = TierAutoApprove
	case confidence >= v.cfg.ReviewFloor:
		d.Tier = TierReview
		d.Reasons = append(d.Reasons, "medium_confidence")
	default:
		d.Tier = TierReject
		d.Reasons = append(d.Reasons, "low_confidence")
	}

	switch d.Tier {
	case TierReject:
		v.health.RecordOutcome(c.Collector, health.Rejected("low_confidence"))
	default:
		// Validation outcomes are the quality signal for the origin source.
		v.health.RecordOutcome(c.Collector, health.Success(0, confidence))
	}

	observability.ValidatorTiers.WithLabelValues(string(d.Tier)).Inc()
	v.log.WithFields(logrus.Fields{
		"record":     c.ContentHash,
		"collector":  c.Collector,
		"confidence": confidence,
		"tier":       d.Tier,
	}).Info("validated")
	return d, nil
}

// uniqueness is the dedup-adjusted component: no match is fully unique, a
// strong match contributes nothing.
func uniqueness(dd *dedup.Result) float64 {
	if dd == nil || dd.Best == nil {
		return 1
	}
	u := 1 - dd.Best.Score
	if u < 0 {
		return 0
	}
	return u
}

// verifiableFields is the fraction of deadline, amount and URL that parse.
func verifiableFields(c *record.Candidate) float64 {
	score := 0.0
	if c.Extracted.Deadline != nil || c.Extracted.TransactionDate != nil {
		score += 1
	}
	if c.Extracted.AmountUSD > 0 {
		score += 1
	}
	if u, err := url.Parse(c.PrimaryURL()); err == nil && u.Scheme != "" && u.Host != "" {
		score += 1
	}
	return score / 3
}
