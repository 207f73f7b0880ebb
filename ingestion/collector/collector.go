// Package collector implements the four record producers: RSS polling,
// web-search rotation, user submissions and the deep-crawl consumer. All four
// share one emission path that suppresses content-hash duplicates and
// translates router admission errors into pause or slow-down hints.
package collector

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/afrifund/fundflow/ingestion/health"
	"github.com/afrifund/fundflow/ingestion/observability"
	"github.com/afrifund/fundflow/ingestion/record"
	"github.com/afrifund/fundflow/ingestion/router"
	"github.com/afrifund/fundflow/ingestion/store"
)

// Sink accepts records into the pipeline. *router.Router satisfies it.
type Sink interface {
	Accept(c *record.Candidate) error
}

// Collector is the contract every producer conforms to. Run blocks until ctx
// is cancelled; the sink is the only way records leave the collector.
type Collector interface {
	ID() string
	Run(ctx context.Context, sink Sink) error
}

// Admission is the emitter's verdict on one offered record.
type Admission int

const (
	// Accepted: the record entered the router.
	Accepted Admission = iota
	// DuplicateDropped: the content-hash was seen before; silent drop.
	DuplicateDropped
	// Shed: backpressure, the collector should slow down.
	Shed
	// Paused: breaker open or draining, the collector should pause intake.
	Paused
)

// Emitter is the shared offer path. It stamps the content-hash and arrival
// time, consults the seen-set and hands the record to the sink.
type Emitter struct {
	Collector string
	Sink      Sink
	Seen      store.SeenSet
	Log       *logrus.Entry
}

func NewEmitter(collector string, sink Sink, seen store.SeenSet) *Emitter {
	return &Emitter{
		Collector: collector,
		Sink:      sink,
		Seen:      seen,
		Log:       logrus.WithFields(logrus.Fields{"component": "collector", "collector": collector}),
	}
}

// Offer pushes one record toward the router. Duplicate content is dropped
// before the router per the intake contract; a seen-set outage fails open so
// a redis blip never drops records.
func (e *Emitter) Offer(ctx context.Context, c *record.Candidate) (Admission, error) {
	if c.Collector == "" {
		c.Collector = e.Collector
	}
	if c.ContentHash == "" {
		if c.EnrichedFrom != "" {
			c.ContentHash = record.EnrichedContentHash(c.Collector, c.PrimaryURL(), c.Extracted.Title, c.Raw, c.EnrichedFrom)
		} else {
			c.ContentHash = record.ContentHash(c.Collector, c.PrimaryURL(), c.Extracted.Title, c.Raw)
		}
	}
	if c.ArrivedAt.IsZero() {
		c.ArrivedAt = time.Now()
	}

	if e.Seen != nil {
		first, err := e.Seen.FirstSeen(ctx, c.ContentHash)
		if err != nil {
			e.Log.WithError(err).Warn("seen-set check failed, admitting record")
		} else if !first {
			observability.SeenSuppressed.WithLabelValues(e.Collector).Inc()
			observability.CandidatesCollected.WithLabelValues(e.Collector, "duplicate_content").Inc()
			return DuplicateDropped, nil
		}
	}

	err := e.Sink.Accept(c)
	switch {
	case err == nil:
		observability.CandidatesCollected.WithLabelValues(e.Collector, "emitted").Inc()
		e.Log.WithFields(logrus.Fields{"record": c.ContentHash, "stage": "routed"}).Info("record admitted")
		return Accepted, nil
	case router.Shed(err):
		observability.CandidatesCollected.WithLabelValues(e.Collector, "shed").Inc()
		e.Log.WithFields(logrus.Fields{"record": c.ContentHash, "decision": "shed"}).Debug("backpressure")
		return Shed, nil
	default:
		// Breaker open or maintenance: pause, do not treat as an error.
		observability.CandidatesCollected.WithLabelValues(e.Collector, "paused").Inc()
		return Paused, nil
	}
}

// waitOrDone sleeps for d unless ctx ends first.
func waitOrDone(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// acquire spins on the registry's token bucket and breaker, honoring wait
// hints, until admission or cancellation.
func acquire(ctx context.Context, reg *health.Registry, id string) bool {
	for {
		ok, hint := reg.TryAcquire(id)
		if ok {
			return true
		}
		if hint <= 0 {
			// Maintenance pause; poll slowly.
			hint = 5 * time.Second
		}
		if !waitOrDone(ctx, hint) {
			return false
		}
	}
}
