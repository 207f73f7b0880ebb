// Package health tracks per-collector telemetry: rolling success rate,
// quality score, circuit breaker and token bucket. The registry is injected
// into every component that reports or consults source state.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/afrifund/fundflow/ingestion/observability"
)

// sourceState is everything the registry knows about one collector. Each
// instance has its own mutex so outcome reports for different collectors
// never contend.
type sourceState struct {
	mu sync.Mutex

	id           string
	status       Status
	statusReason string

	// Rolling success window: fixed-width ring, true = success.
	window  []bool
	winNext int
	winFull bool

	latencySum   time.Duration
	latencyCount int

	quality float64
	alpha   float64

	breaker *breaker
	limiter *rate.Limiter
	refill  float64
}

// Registry holds one sourceState per collector.
type Registry struct {
	cfg     Config
	sources map[string]*sourceState
	log     *logrus.Entry
}

func NewRegistry(cfg Config) *Registry {
	r := &Registry{
		cfg:     cfg,
		sources: make(map[string]*sourceState),
		log:     logrus.WithField("component", "health"),
	}
	for id, cc := range cfg.Collectors {
		refill := float64(cc.PerMinuteQuota) / 60.0
		r.sources[id] = &sourceState{
			id:      id,
			status:  StatusActive,
			window:  make([]bool, cfg.WindowSize),
			quality: 0.5, // neutral prior until outcomes arrive
			alpha:   cfg.QualityAlpha,
			breaker: newBreaker(cc.BreakerThreshold, cfg.BreakerCoolDown, cfg.BreakerCoolDownCap),
			limiter: rate.NewLimiter(rate.Limit(refill), cc.PerMinuteQuota),
			refill:  refill,
		}
	}
	return r
}

func (r *Registry) source(id string) *sourceState {
	return r.sources[id]
}

// TryAcquire gates one outbound unit of work for the collector. Returns
// (false, waitHint) when the breaker is open or the bucket is empty. A zero
// waitHint with allowed=false means the collector is in MAINTENANCE and
// should stay paused until resumed.
func (r *Registry) TryAcquire(id string) (bool, time.Duration) {
	s := r.source(id)
	if s == nil {
		return false, 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusMaintenance {
		return false, 0
	}

	now := time.Now()
	if ok, until := s.breaker.allow(now); !ok {
		observability.BreakerState.WithLabelValues(id).Set(float64(s.breaker.state))
		return false, time.Until(until)
	}
	observability.BreakerState.WithLabelValues(id).Set(float64(s.breaker.state))

	res := s.limiter.Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		// A refused token is not a probe result; release the half-open
		// slot so the next caller can probe.
		if s.breaker.state == BreakerHalfOpen {
			s.breaker.probeInFlight = false
		}
		observability.RateLimited.WithLabelValues(id).Inc()
		return false, delay
	}
	return true, 0
}

// IntakeAllowed reports whether the router may accept records from this
// collector: breaker not open and not in maintenance. In-flight work is
// always allowed to complete; this only gates new admissions.
func (r *Registry) IntakeAllowed(id string) bool {
	s := r.source(id)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusMaintenance {
		return false
	}
	if s.breaker.state == BreakerOpen && time.Now().Before(s.breaker.openUntil) {
		return false
	}
	return true
}

// RecordOutcome applies one downstream result. Each outcome increments each
// counter at most once; mutations for a single report happen under one lock
// hold so snapshots never observe a half-applied outcome.
func (r *Registry) RecordOutcome(id string, o Outcome) {
	s := r.source(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	success := o.Kind == OutcomeSuccess

	s.window[s.winNext] = success
	s.winNext++
	if s.winNext == len(s.window) {
		s.winNext = 0
		s.winFull = true
	}

	switch o.Kind {
	case OutcomeSuccess:
		s.latencySum += o.Latency
		s.latencyCount++
		s.quality = s.quality*(1-s.alpha) + o.QualityHint*s.alpha
		s.breaker.onSuccess()
	case OutcomeHardFailure:
		s.breaker.onHardFailure(now)
	case OutcomeSoftFailure:
		s.breaker.onSoftFailure(now)
	case OutcomeRejected:
		// Rejections pull quality down but do not feed the breaker.
		s.quality = s.quality * (1 - s.alpha)
	}

	sr := s.successRateLocked()
	if s.status != StatusMaintenance {
		switch {
		case s.breaker.state == BreakerOpen:
			s.status = StatusFailed
			s.statusReason = o.Reason
		case sr < 0.5 && s.samplesLocked() >= 10:
			s.status = StatusDegraded
			s.statusReason = "success rate below 50%"
		default:
			s.status = StatusActive
			s.statusReason = ""
		}
	}

	observability.SourceQuality.WithLabelValues(id).Set(s.quality)
	observability.SourceSuccessRate.WithLabelValues(id).Set(sr)
	observability.BreakerState.WithLabelValues(id).Set(float64(s.breaker.state))

	if o.Kind == OutcomeHardFailure && s.breaker.state == BreakerOpen {
		r.log.WithFields(logrus.Fields{
			"collector": id,
			"reason":    o.Reason,
			"open_until": s.breaker.openUntil,
		}).Warn("circuit breaker opened")
	}
}

// SetStatus is the operator override (pause/resume, maintenance windows).
func (r *Registry) SetStatus(id string, status Status, reason string) {
	s := r.source(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.statusReason = reason
	r.log.WithFields(logrus.Fields{"collector": id, "status": status, "reason": reason}).Info("status override")
}

// ForceBreaker opens or closes the breaker by operator request.
func (r *Registry) ForceBreaker(id string, open bool) {
	s := r.source(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if open {
		s.breaker.forceOpen(time.Now())
	} else {
		s.breaker.forceClose()
	}
	observability.BreakerState.WithLabelValues(id).Set(float64(s.breaker.state))
}

// Snapshot returns a point-in-time copy of one collector's state.
func (r *Registry) Snapshot(id string) (Snapshot, bool) {
	s := r.source(id)
	if s == nil {
		return Snapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var avg time.Duration
	if s.latencyCount > 0 {
		avg = s.latencySum / time.Duration(s.latencyCount)
	}
	return Snapshot{
		Collector:        id,
		Status:           s.status,
		StatusReason:     s.statusReason,
		SuccessRate:      s.successRateLocked(),
		AvgLatency:       avg,
		QualityScore:     s.quality,
		BreakerState:     s.breaker.state,
		BreakerFailures:  s.breaker.consecutive,
		BreakerOpenUntil: s.breaker.openUntil,
		TokensRemaining:  s.limiter.Tokens(),
		RefillPerSecond:  s.refill,
	}, true
}

// SnapshotAll returns snapshots for every registered collector.
func (r *Registry) SnapshotAll() []Snapshot {
	out := make([]Snapshot, 0, len(r.sources))
	for id := range r.sources {
		if snap, ok := r.Snapshot(id); ok {
			out = append(out, snap)
		}
	}
	return out
}

// QualityScore returns the EWMA quality score for the validator's weighting.
func (r *Registry) QualityScore(id string) float64 {
	s := r.source(id)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality
}

// Run decays breaker failure counts after the configured quiet period until
// ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.FailureDecayQuiet / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, s := range r.sources {
				s.mu.Lock()
				s.breaker.decay(now, r.cfg.FailureDecayQuiet)
				s.mu.Unlock()
			}
		}
	}
}

func (s *sourceState) samplesLocked() int {
	if s.winFull {
		return len(s.window)
	}
	return s.winNext
}

func (s *sourceState) successRateLocked() float64 {
	n := s.samplesLocked()
	if n == 0 {
		return 1.0
	}
	ok := 0
	for i := 0; i < n; i++ {
		if s.window[i] {
			ok++
		}
	}
	return float64(ok) / float64(n)
}
