// Package scrapequeue manages the durable queue of deep-extraction requests.
// A worker pool claims ready requests (highest priority first), honors
// per-host rate limits, retries with jittered exponential backoff and feeds
// terminal results to the deep-crawl collector.
package scrapequeue

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/afrifund/fundflow/ingestion/adapters"
	"github.com/afrifund/fundflow/ingestion/faults"
	"github.com/afrifund/fundflow/ingestion/health"
	"github.com/afrifund/fundflow/ingestion/observability"
	"github.com/afrifund/fundflow/ingestion/store"
)

// Completion is a terminal scrape outcome. Err is non-nil when the request
// exhausted its attempts; Subscribers lists every candidate hash waiting on
// this URL (duplicate-URL suppression piggybacks later requests onto the
// first).
type Completion struct {
	Request     *store.ScrapeRequest
	Body        []byte
	Err         error
	Subscribers []string
}

type Config struct {
	Workers      int
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	JitterFrac   float64
	HostRPS      float64
	HostBurst    int
	PollInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:      4,
		MaxAttempts:  3,
		BackoffBase:  30 * time.Second,
		BackoffCap:   10 * time.Minute,
		JitterFrac:   0.2,
		HostRPS:      1,
		HostBurst:    2,
		PollInterval: 500 * time.Millisecond,
	}
}

type Manager struct {
	cfg       Config
	queue     store.ScrapeQueue
	fetcher   adapters.Fetcher
	hostLimit *health.KeyedLimiter

	completions chan Completion

	subsMu sync.Mutex
	subs   map[string][]string // url -> extra subscriber candidate hashes

	log *logrus.Entry
	rng *rand.Rand
	wg  sync.WaitGroup
}

func NewManager(cfg Config, queue store.ScrapeQueue, fetcher adapters.Fetcher) *Manager {
	return &Manager{
		cfg:         cfg,
		queue:       queue,
		fetcher:     fetcher,
		hostLimit:   health.NewKeyedLimiter(cfg.HostRPS, cfg.HostBurst),
		completions: make(chan Completion, 64),
		subs:        make(map[string][]string),
		log:         logrus.WithField("component", "scrapequeue"),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Completions delivers terminal outcomes to the deep-crawl collector.
func (m *Manager) Completions() <-chan Completion {
	return m.completions
}

// Enqueue queues a scrape request. If an identical URL is already pending or
// processing, the new request subscribes to the existing one instead of
// duplicating work.
func (m *Manager) Enqueue(ctx context.Context, req *store.ScrapeRequest) error {
	if req.URL == "" {
		return faults.New(faults.SchemaViolation, "scrapequeue", "empty url")
	}
	u, err := url.Parse(req.URL)
	if err != nil || u.Hostname() == "" {
		return faults.Wrap(faults.SchemaViolation, "scrapequeue", "invalid url", err)
	}
	req.Host = u.Hostname()
	if req.MaxAttempts == 0 {
		req.MaxAttempts = m.cfg.MaxAttempts
	}

	existing, err := m.queue.FindActiveScrapeByURL(ctx, req.URL)
	if err != nil {
		return err
	}
	if existing != nil {
		m.subsMu.Lock()
		m.subs[req.URL] = append(m.subs[req.URL], req.CandidateHash)
		m.subsMu.Unlock()
		observability.ScrapeOutcomes.WithLabelValues("deduplicated").Inc()
		m.log.WithFields(logrus.Fields{"url": req.URL, "existing": existing.ID}).Debug("subscribed to in-flight scrape")
		return nil
	}

	if err := m.queue.EnqueueScrape(ctx, req); err != nil {
		return err
	}
	m.updateDepth(ctx)
	return nil
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx, fmt.Sprintf("scrape-worker-%d", i))
	}
	m.wg.Wait()
	close(m.completions)
}

func (m *Manager) worker(ctx context.Context, id string) {
	defer m.wg.Done()
	for {
		req, err := m.queue.ClaimNextReady(ctx, id)
		if err != nil {
			m.log.WithError(err).Warn("claim failed")
		}
		if req == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.PollInterval):
			}
			continue
		}
		m.process(ctx, req)
		if ctx.Err() != nil {
			return
		}
	}
}

func (m *Manager) process(ctx context.Context, req *store.ScrapeRequest) {
	if ok, delay := m.hostLimit.Reserve(req.Host); !ok {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			// Return the claim so another worker picks it up on restart.
			_ = m.queue.RescheduleScrape(context.Background(), req.ID, time.Now(), "cancelled before fetch")
			return
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, adapters.FetchTimeout)
	status, body, err := m.fetcher.Fetch(fetchCtx, req.URL, nil)
	cancel()

	if err == nil {
		if cerr := m.queue.CompleteScrape(ctx, req.ID, body); cerr != nil {
			m.log.WithError(cerr).WithField("id", req.ID).Error("mark completed failed")
		}
		observability.ScrapeOutcomes.WithLabelValues("completed").Inc()
		req.Status = store.ScrapeCompleted
		m.emit(Completion{Request: req, Body: body, Subscribers: m.takeSubscribers(req)})
		m.updateDepth(ctx)
		return
	}

	reason := fmt.Sprintf("status=%d: %v", status, err)
	retryable := faults.Retryable(err) && req.Attempts < req.MaxAttempts
	if retryable {
		delay := m.backoff(req.Attempts)
		if rerr := m.queue.RescheduleScrape(ctx, req.ID, time.Now().Add(delay), reason); rerr != nil {
			m.log.WithError(rerr).WithField("id", req.ID).Error("reschedule failed")
		}
		observability.ScrapeOutcomes.WithLabelValues("retried").Inc()
		m.log.WithFields(logrus.Fields{"url": req.URL, "attempt": req.Attempts, "delay": delay}).Info("scrape retry scheduled")
		m.updateDepth(ctx)
		return
	}

	if ferr := m.queue.FailScrape(ctx, req.ID, reason); ferr != nil {
		m.log.WithError(ferr).WithField("id", req.ID).Error("mark failed failed")
	}
	observability.ScrapeOutcomes.WithLabelValues("failed").Inc()
	req.Status = store.ScrapeFailed
	req.LastError = reason
	m.emit(Completion{Request: req, Err: err, Subscribers: m.takeSubscribers(req)})
	m.updateDepth(ctx)
}

// takeSubscribers returns every candidate hash waiting on this URL,
// including the request's own, and clears the subscription list.
func (m *Manager) takeSubscribers(req *store.ScrapeRequest) []string {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	out := []string{req.CandidateHash}
	out = append(out, m.subs[req.URL]...)
	delete(m.subs, req.URL)
	return out
}

func (m *Manager) emit(c Completion) {
	// Blocks when the consumer stalls; a terminal result is never dropped.
	m.completions <- c
}

// backoff computes base * 2^(attempt-1) capped, with ±JitterFrac jitter.
func (m *Manager) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := m.cfg.BackoffBase << uint(attempt-1)
	if d > m.cfg.BackoffCap {
		d = m.cfg.BackoffCap
	}
	jitter := 1 + m.cfg.JitterFrac*(2*m.rng.Float64()-1)
	return time.Duration(float64(d) * jitter)
}

func (m *Manager) updateDepth(ctx context.Context) {
	if n, err := m.queue.CountReadyScrapes(ctx); err == nil {
		observability.ScrapeQueueDepth.Set(float64(n))
	}
}
