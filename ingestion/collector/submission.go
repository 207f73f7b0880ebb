package collector

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/afrifund/fundflow/ingestion/faults"
	"github.com/afrifund/fundflow/ingestion/health"
	"github.com/afrifund/fundflow/ingestion/record"
	"github.com/afrifund/fundflow/ingestion/store"
)

// Submission is the user-facing shape accepted by the admission endpoint.
type Submission struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	URL         string     `json:"url"`
	AmountUSD   float64    `json:"amount_usd"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	OrgNames    []string   `json:"org_names"`
	Geography   []string   `json:"geography"`
	Sectors     []string   `json:"sectors"`
	Stage       string     `json:"stage"`
	Language    string     `json:"language"`
	Submitter   string     `json:"submitter"`
}

// Validate enforces the admission schema.
func (s *Submission) Validate() error {
	if strings.TrimSpace(s.Title) == "" {
		return faults.New(faults.SchemaViolation, "submission", "title is required")
	}
	if len(s.Title) > 500 {
		return faults.New(faults.SchemaViolation, "submission", "title exceeds 500 characters")
	}
	if strings.TrimSpace(s.Submitter) == "" {
		return faults.New(faults.SchemaViolation, "submission", "submitter identity is required")
	}
	if s.AmountUSD < 0 {
		return faults.New(faults.SchemaViolation, "submission", "amount must not be negative")
	}
	if s.URL != "" {
		u, err := url.Parse(s.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return faults.New(faults.SchemaViolation, "submission", "url is not absolute")
		}
	}
	return nil
}

type UserSubmissionsConfig struct {
	// Buffer bounds pending submissions between the endpoint and the router.
	Buffer int
}

func DefaultUserSubmissionsConfig() UserSubmissionsConfig {
	return UserSubmissionsConfig{Buffer: 128}
}

// UserSubmissions bridges the admission endpoint to the pipeline. Submit is
// called by the HTTP handler; Run drains the channel into the router at high
// priority.
type UserSubmissions struct {
	cfg    UserSubmissionsConfig
	reg    *health.Registry
	seenDB store.SeenSet
	in     chan Submission
	log    *logrus.Entry
}

func NewUserSubmissions(cfg UserSubmissionsConfig, reg *health.Registry, seen store.SeenSet) *UserSubmissions {
	return &UserSubmissions{
		cfg:    cfg,
		reg:    reg,
		seenDB: seen,
		in:     make(chan Submission, cfg.Buffer),
		log:    logrus.WithFields(logrus.Fields{"component": "collector", "collector": "submission"}),
	}
}

func (u *UserSubmissions) ID() string { return "submission" }

// Submit validates and queues one submission. QueueFull is a backpressure
// signal to the endpoint, not an error.
func (u *UserSubmissions) Submit(ctx context.Context, sub Submission) error {
	if err := sub.Validate(); err != nil {
		u.reg.RecordOutcome(u.ID(), health.SoftFailure("schema violation"))
		return err
	}
	// Capacity check before the token bucket: a burst against a full buffer
	// must not drain the submitter's quota.
	if len(u.in) == cap(u.in) {
		return faults.New(faults.QueueFull, "submission", "admission buffer full")
	}
	if ok, _ := u.reg.TryAcquire(u.ID()); !ok {
		return faults.New(faults.QueueFull, "submission", "intake paused")
	}
	select {
	case u.in <- sub:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return faults.New(faults.QueueFull, "submission", "admission buffer full")
	}
}

func (u *UserSubmissions) Run(ctx context.Context, sink Sink) error {
	emitter := NewEmitter(u.ID(), sink, u.seenDB)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub := <-u.in:
			start := time.Now()
			adm, _ := emitter.Offer(ctx, u.normalize(sub))
			switch adm {
			case Accepted:
				u.reg.RecordOutcome(u.ID(), health.Success(time.Since(start), 0.7))
			case Shed:
				u.reg.RecordOutcome(u.ID(), health.SoftFailure("router shed"))
			}
		}
	}
}

func (u *UserSubmissions) normalize(sub Submission) *record.Candidate {
	var urls []string
	if sub.URL != "" {
		urls = []string{sub.URL}
	}
	return &record.Candidate{
		Collector:  u.ID(),
		SourceURLs: urls,
		Raw:        strings.TrimSpace(sub.Title + "\n\n" + sub.Description),
		RawKind:    record.RawStructured,
		Extracted: record.Fields{
			Title:       strings.TrimSpace(sub.Title),
			Description: strings.TrimSpace(sub.Description),
			AmountUSD:   sub.AmountUSD,
			Deadline:    sub.Deadline,
			OrgNames:    sub.OrgNames,
			Geography:   sub.Geography,
			Sectors:     sub.Sectors,
			Stage:       sub.Stage,
		},
		Language:  sub.Language,
		Priority:  record.PriorityHigh,
		Submitter: sub.Submitter,
	}
}
