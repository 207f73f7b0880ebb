package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mmcdole/gofeed"
	"github.com/sirupsen/logrus"

	"github.com/afrifund/fundflow/ingestion/health"
	"github.com/afrifund/fundflow/ingestion/record"
	"github.com/afrifund/fundflow/ingestion/store"
)

// RSSConfig lists the feeds to poll and the polling cadence.
type RSSConfig struct {
	Feeds        []string
	PollInterval time.Duration
	// SeenPerFeed bounds the per-feed item-id memory.
	SeenPerFeed int
	// HardFailureAfter consecutive fetch errors on one feed escalates the
	// reported outcome from soft to hard.
	HardFailureAfter int
}

func DefaultRSSConfig(feeds []string) RSSConfig {
	return RSSConfig{
		Feeds:            feeds,
		PollInterval:     5 * time.Minute,
		SeenPerFeed:      2048,
		HardFailureAfter: 3,
	}
}

// RSS polls configured feeds and emits one normal-priority record per new
// item. Per feed it remembers recently seen item ids so a poll only emits
// items that appeared since the last one.
type RSS struct {
	cfg    RSSConfig
	reg    *health.Registry
	seenDB store.SeenSet
	parser *gofeed.Parser

	seen     map[string]*lru.Cache[string, struct{}]
	failRuns map[string]int

	log *logrus.Entry
}

func NewRSS(cfg RSSConfig, reg *health.Registry, seen store.SeenSet) *RSS {
	return &RSS{
		cfg:      cfg,
		reg:      reg,
		seenDB:   seen,
		parser:   gofeed.NewParser(),
		seen:     make(map[string]*lru.Cache[string, struct{}]),
		failRuns: make(map[string]int),
		log:      logrus.WithFields(logrus.Fields{"component": "collector", "collector": "rss"}),
	}
}

func (r *RSS) ID() string { return "rss" }

func (r *RSS) Run(ctx context.Context, sink Sink) error {
	emitter := NewEmitter(r.ID(), sink, r.seenDB)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.pollAll(ctx, emitter)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.pollAll(ctx, emitter)
		}
	}
}

func (r *RSS) pollAll(ctx context.Context, emitter *Emitter) {
	for _, feedURL := range r.cfg.Feeds {
		if !acquire(ctx, r.reg, r.ID()) {
			return
		}
		if paused := r.pollFeed(ctx, feedURL, emitter); paused {
			return
		}
	}
}

// pollFeed fetches one feed and emits its unseen items. Returns true when the
// router signaled a pause, ending this polling round.
func (r *RSS) pollFeed(ctx context.Context, feedURL string, emitter *Emitter) bool {
	start := time.Now()
	feed, err := r.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		r.failRuns[feedURL]++
		reason := fmt.Sprintf("feed fetch %s: %v", feedURL, err)
		if r.failRuns[feedURL] >= r.cfg.HardFailureAfter {
			r.reg.RecordOutcome(r.ID(), health.HardFailure(reason))
		} else {
			r.reg.RecordOutcome(r.ID(), health.SoftFailure(reason))
		}
		r.log.WithError(err).WithField("feed", feedURL).Warn("feed fetch failed")
		return false
	}
	r.failRuns[feedURL] = 0

	cache := r.seen[feedURL]
	if cache == nil {
		cache, _ = lru.New[string, struct{}](r.cfg.SeenPerFeed)
		r.seen[feedURL] = cache
	}

	emitted := 0
	for _, item := range feed.Items {
		id := item.GUID
		if id == "" {
			id = item.Link
		}
		if _, dup := cache.Get(id); dup {
			continue
		}
		cache.Add(id, struct{}{})

		adm, _ := emitter.Offer(ctx, r.normalize(feed, item))
		switch adm {
		case Accepted:
			emitted++
		case Shed:
			// Backpressure: stop this feed, keep the unemitted ids unseen
			// for the next round.
			cache.Remove(id)
			return false
		case Paused:
			cache.Remove(id)
			return true
		}
	}

	r.reg.RecordOutcome(r.ID(), health.Success(time.Since(start), feedYield(emitted)))
	return false
}

func (r *RSS) normalize(feed *gofeed.Feed, item *gofeed.Item) *record.Candidate {
	desc := item.Description
	if desc == "" {
		desc = item.Content
	}
	raw := strings.TrimSpace(item.Title + "\n\n" + desc)

	c := &record.Candidate{
		Collector:  r.ID(),
		SourceURLs: []string{item.Link},
		Raw:        raw,
		RawKind:    record.RawText,
		Extracted: record.Fields{
			Title:       strings.TrimSpace(item.Title),
			Description: strings.TrimSpace(desc),
		},
		Language: feed.Language,
		Priority: record.PriorityNormal,
	}
	if item.PublishedParsed != nil {
		d := *item.PublishedParsed
		c.Extracted.TransactionDate = &d
	}
	return c
}

// feedYield maps emitted-item count to a quality hint: an empty poll is
// neutral, a productive one slightly positive.
func feedYield(emitted int) float64 {
	if emitted == 0 {
		return 0.5
	}
	v := 0.5 + float64(emitted)*0.05
	if v > 0.8 {
		v = 0.8
	}
	return v
}
