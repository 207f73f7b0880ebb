// Package router is the single dispatch point between collectors and the
// pipeline. Admission honors circuit breakers and queue capacity; dispatch
// always drains high before normal before low, FIFO within a tier.
package router

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/afrifund/fundflow/ingestion/faults"
	"github.com/afrifund/fundflow/ingestion/observability"
	"github.com/afrifund/fundflow/ingestion/record"
)

// ErrBreakerOpen signals the collector to pause intake for this source.
var ErrBreakerOpen = errors.New("router: collector breaker open")

// ErrShed signals backpressure: the queue is full and the record was dropped.
// Collectors slow down on this; it is not logged as an error.
var ErrShed = errors.New("router: queue full, record shed")

// ErrDraining is returned while the router refuses all new work.
var ErrDraining = errors.New("router: draining")

// IntakeGate is the slice of source health the router consults on admission.
// *health.Registry satisfies it.
type IntakeGate interface {
	IntakeAllowed(collector string) bool
}

// Mode mirrors the operating modes the operator can force.
type Mode string

const (
	ModeNormal   Mode = "NORMAL"
	ModeDegraded Mode = "DEGRADED" // only high priority accepted
	ModeDraining Mode = "DRAINING" // nothing accepted, queues drain
)

type Config struct {
	HighCapacity   int
	NormalCapacity int
	LowCapacity    int
}

func DefaultConfig() Config {
	return Config{HighCapacity: 256, NormalCapacity: 1024, LowCapacity: 512}
}

// Router owns the three priority tiers. A record on a tier is owned by the
// router until Next hands it to a stage.
type Router struct {
	mu     sync.Mutex
	tiers  [3][]*record.Candidate
	caps   [3]int
	notify chan struct{}
	mode   Mode
	gate   IntakeGate
	log    *logrus.Entry
}

func New(cfg Config, gate IntakeGate) *Router {
	return &Router{
		caps:   [3]int{cfg.LowCapacity, cfg.NormalCapacity, cfg.HighCapacity},
		notify: make(chan struct{}, 1),
		mode:   ModeNormal,
		gate:   gate,
		log:    logrus.WithField("component", "router"),
	}
}

// Accept enqueues a collector's record. Admission requires the collector's
// breaker to be closed and the tier to have capacity; otherwise the record
// is shed and the caller is signaled.
func (r *Router) Accept(c *record.Candidate) error {
	r.mu.Lock()
	mode := r.mode
	r.mu.Unlock()

	switch mode {
	case ModeDraining:
		observability.RouterDecisions.WithLabelValues(c.Collector, "draining").Inc()
		return ErrDraining
	case ModeDegraded:
		if c.Priority != record.PriorityHigh {
			observability.RouterDecisions.WithLabelValues(c.Collector, "shed_degraded").Inc()
			return ErrShed
		}
	}

	if r.gate != nil && !r.gate.IntakeAllowed(c.Collector) {
		observability.RouterDecisions.WithLabelValues(c.Collector, "breaker_open").Inc()
		return ErrBreakerOpen
	}

	return r.push(c, "accept")
}

// Requeue returns an in-flight record to the router after a downstream
// failure or cancellation. It bypasses the breaker gate (the record is
// already inside the pipeline) but still honors capacity.
func (r *Router) Requeue(c *record.Candidate) error {
	return r.push(c, "requeue")
}

func (r *Router) push(c *record.Candidate, decision string) error {
	r.mu.Lock()
	tier := int(c.Priority)
	if len(r.tiers[tier]) >= r.caps[tier] {
		r.mu.Unlock()
		observability.RouterDecisions.WithLabelValues(c.Collector, "shed_full").Inc()
		return ErrShed
	}
	r.tiers[tier] = append(r.tiers[tier], c)
	depth := len(r.tiers[tier])
	r.mu.Unlock()

	observability.RouterDecisions.WithLabelValues(c.Collector, decision).Inc()
	observability.RouterQueueDepth.WithLabelValues(c.Priority.String()).Set(float64(depth))
	r.signal()
	return nil
}

func (r *Router) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a record is available or ctx is cancelled. Tiers drain
// strictly high, then normal, then low.
func (r *Router) Next(ctx context.Context) (*record.Candidate, error) {
	for {
		if c := r.pop(); c != nil {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.notify:
		}
	}
}

func (r *Router) pop() *record.Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tier := int(record.PriorityHigh); tier >= int(record.PriorityLow); tier-- {
		if len(r.tiers[tier]) == 0 {
			continue
		}
		c := r.tiers[tier][0]
		r.tiers[tier][0] = nil
		r.tiers[tier] = r.tiers[tier][1:]
		observability.RouterQueueDepth.WithLabelValues(record.Priority(tier).String()).Set(float64(len(r.tiers[tier])))
		return c
	}
	return nil
}

// SetMode is the operator override.
func (r *Router) SetMode(mode Mode) {
	r.mu.Lock()
	r.mode = mode
	r.mu.Unlock()
	r.log.WithField("mode", mode).Info("router mode changed")
}

func (r *Router) GetMode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Depths reports current queue depth per tier keyed by priority name.
func (r *Router) Depths() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]int{
		record.PriorityHigh.String():   len(r.tiers[int(record.PriorityHigh)]),
		record.PriorityNormal.String(): len(r.tiers[int(record.PriorityNormal)]),
		record.PriorityLow.String():    len(r.tiers[int(record.PriorityLow)]),
	}
}

// Drain empties all tiers and returns the drained records, highest priority
// first. Operator use only.
func (r *Router) Drain() []*record.Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*record.Candidate
	for tier := int(record.PriorityHigh); tier >= int(record.PriorityLow); tier-- {
		out = append(out, r.tiers[tier]...)
		r.tiers[tier] = nil
		observability.RouterQueueDepth.WithLabelValues(record.Priority(tier).String()).Set(0)
	}
	return out
}

// Shed classifies an Accept error for source-health reporting: sheds are
// backpressure, not failures.
func Shed(err error) bool {
	return errors.Is(err, ErrShed) || errors.Is(err, ErrDraining) || faults.Is(err, faults.QueueFull)
}
