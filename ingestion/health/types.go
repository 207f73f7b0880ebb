package health

import (
	"time"
)

// Status of a collector as seen by the registry.
type Status string

const (
	StatusActive      Status = "ACTIVE"
	StatusDegraded    Status = "DEGRADED"
	StatusFailed      Status = "FAILED"
	StatusMaintenance Status = "MAINTENANCE"
)

// OutcomeKind classifies a single downstream result reported against a
// collector.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeSoftFailure
	OutcomeHardFailure
	OutcomeRejected
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeSoftFailure:
		return "soft_failure"
	case OutcomeHardFailure:
		return "hard_failure"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Outcome is one downstream result. QualityHint in [0,1] feeds the EWMA
// quality score; it is only read on Success.
type Outcome struct {
	Kind        OutcomeKind
	Latency     time.Duration
	QualityHint float64
	Reason      string
}

func Success(latency time.Duration, qualityHint float64) Outcome {
	return Outcome{Kind: OutcomeSuccess, Latency: latency, QualityHint: qualityHint}
}

func SoftFailure(reason string) Outcome {
	return Outcome{Kind: OutcomeSoftFailure, Reason: reason}
}

func HardFailure(reason string) Outcome {
	return Outcome{Kind: OutcomeHardFailure, Reason: reason}
}

func Rejected(reason string) Outcome {
	return Outcome{Kind: OutcomeRejected, Reason: reason}
}

// Snapshot is a point-in-time copy of one collector's state.
type Snapshot struct {
	Collector       string        `json:"collector"`
	Status          Status        `json:"status"`
	StatusReason    string        `json:"status_reason,omitempty"`
	SuccessRate     float64       `json:"success_rate"`
	AvgLatency      time.Duration `json:"avg_latency"`
	QualityScore    float64       `json:"quality_score"`
	BreakerState    BreakerState  `json:"breaker_state"`
	BreakerFailures int           `json:"breaker_failures"`
	BreakerOpenUntil time.Time    `json:"breaker_open_until,omitempty"`
	TokensRemaining float64       `json:"tokens_remaining"`
	RefillPerSecond float64       `json:"refill_per_second"`
}

// CollectorConfig is per-collector admission tuning.
type CollectorConfig struct {
	// PerMinuteQuota sets token bucket capacity; refill is quota/60 per
	// second.
	PerMinuteQuota int
	// BreakerThreshold is the number of consecutive hard failures that
	// opens the breaker.
	BreakerThreshold int
}

// Config for the registry.
type Config struct {
	Collectors map[string]CollectorConfig
	// BreakerCoolDown before a half-open probe is admitted. Doubles on a
	// failed probe, capped at BreakerCoolDownCap.
	BreakerCoolDown    time.Duration
	BreakerCoolDownCap time.Duration
	// FailureDecayQuiet is the quiet period after which accumulated breaker
	// failure counts decay by one.
	FailureDecayQuiet time.Duration
	// QualityAlpha is the EWMA smoothing factor for the quality score.
	QualityAlpha float64
	// WindowSize is the outcome ring width for the rolling success rate.
	WindowSize int
}

// DefaultConfig returns the production defaults: rss=5, websearch=3,
// submission=2, deepcrawl=3 consecutive hard failures; 60s cool-down capped at
// 10 minutes.
func DefaultConfig() Config {
	return Config{
		Collectors: map[string]CollectorConfig{
			"rss":        {PerMinuteQuota: 120, BreakerThreshold: 5},
			"websearch":  {PerMinuteQuota: 60, BreakerThreshold: 3},
			"submission": {PerMinuteQuota: 300, BreakerThreshold: 2},
			"deepcrawl":  {PerMinuteQuota: 60, BreakerThreshold: 3},
		},
		BreakerCoolDown:    60 * time.Second,
		BreakerCoolDownCap: 10 * time.Minute,
		FailureDecayQuiet:  5 * time.Minute,
		QualityAlpha:       0.1,
		WindowSize:         100,
	}
}
