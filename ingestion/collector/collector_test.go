package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afrifund/fundflow/ingestion/faults"
	"github.com/afrifund/fundflow/ingestion/health"
	"github.com/afrifund/fundflow/ingestion/record"
	"github.com/afrifund/fundflow/ingestion/router"
	"github.com/afrifund/fundflow/ingestion/store"
)

// captureSink records accepted candidates and can simulate admission errors.
type captureSink struct {
	accepted []*record.Candidate
	err      error
}

func (s *captureSink) Accept(c *record.Candidate) error {
	if s.err != nil {
		return s.err
	}
	s.accepted = append(s.accepted, c)
	return nil
}

func TestEmitterStampsHashAndSuppressesDuplicates(t *testing.T) {
	sink := &captureSink{}
	seen := store.NewMemoryStore()
	e := NewEmitter("rss", sink, seen)
	ctx := context.Background()

	c := &record.Candidate{
		SourceURLs: []string{"https://example.org/a"},
		Raw:        "raw payload",
		Extracted:  record.Fields{Title: "Grant open"},
	}
	adm, err := e.Offer(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, Accepted, adm)
	assert.NotEmpty(t, c.ContentHash)
	assert.Equal(t, "rss", c.Collector)
	assert.False(t, c.ArrivedAt.IsZero())

	// Identical payload again: dropped before the sink.
	dup := &record.Candidate{
		SourceURLs: []string{"https://example.org/a"},
		Raw:        "raw payload",
		Extracted:  record.Fields{Title: "Grant open"},
	}
	adm, err = e.Offer(ctx, dup)
	require.NoError(t, err)
	assert.Equal(t, DuplicateDropped, adm)
	assert.Len(t, sink.accepted, 1)
}

func TestEmitterTranslatesAdmissionErrors(t *testing.T) {
	ctx := context.Background()

	shed := &captureSink{err: router.ErrShed}
	adm, err := NewEmitter("rss", shed, nil).Offer(ctx, &record.Candidate{Raw: "x"})
	require.NoError(t, err)
	assert.Equal(t, Shed, adm)

	paused := &captureSink{err: router.ErrBreakerOpen}
	adm, err = NewEmitter("rss", paused, nil).Offer(ctx, &record.Candidate{Raw: "y"})
	require.NoError(t, err)
	assert.Equal(t, Paused, adm)
}

func TestEmitterFailsOpenOnSeenSetError(t *testing.T) {
	sink := &captureSink{}
	e := NewEmitter("rss", sink, failingSeen{})
	adm, err := e.Offer(context.Background(), &record.Candidate{Raw: "z"})
	require.NoError(t, err)
	assert.Equal(t, Accepted, adm, "a seen-set outage must not drop records")
}

type failingSeen struct{}

func (failingSeen) FirstSeen(ctx context.Context, contentHash string) (bool, error) {
	return false, errors.New("redis down")
}

func TestSubmissionValidate(t *testing.T) {
	valid := Submission{Title: "AI Grant", Submitter: "user-1", URL: "https://example.org/x"}
	assert.NoError(t, valid.Validate())

	cases := map[string]Submission{
		"missing title":     {Submitter: "u"},
		"missing submitter": {Title: "t"},
		"negative amount":   {Title: "t", Submitter: "u", AmountUSD: -5},
		"relative url":      {Title: "t", Submitter: "u", URL: "/x"},
	}
	for name, sub := range cases {
		assert.Error(t, sub.Validate(), name)
	}
}

func TestSubmissionNormalizeHighPriority(t *testing.T) {
	u := NewUserSubmissions(DefaultUserSubmissionsConfig(), testRegistry(), nil)
	deadline := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	c := u.normalize(Submission{
		Title:     "Seed fund",
		URL:       "https://example.org/f",
		AmountUSD: 250000,
		Deadline:  &deadline,
		Submitter: "partner-3",
	})
	assert.Equal(t, record.PriorityHigh, c.Priority)
	assert.Equal(t, "partner-3", c.Submitter)
	assert.Equal(t, record.RawStructured, c.RawKind)
	assert.Equal(t, []string{"https://example.org/f"}, c.SourceURLs)
}

func TestSubmitQueueFullDoesNotSpendQuota(t *testing.T) {
	cfg := health.DefaultConfig()
	cfg.Collectors["submission"] = health.CollectorConfig{PerMinuteQuota: 2, BreakerThreshold: 2}
	reg := health.NewRegistry(cfg)
	u := NewUserSubmissions(UserSubmissionsConfig{Buffer: 1}, reg, nil)
	ctx := context.Background()

	require.NoError(t, u.Submit(ctx, Submission{Title: "First", Submitter: "u"}))

	// Buffer full: every attempt is shed before the token bucket.
	for i := 0; i < 5; i++ {
		err := u.Submit(ctx, Submission{Title: "Overflow", Submitter: "u"})
		require.Error(t, err)
		assert.Equal(t, faults.QueueFull, faults.KindOf(err))
	}

	<-u.in
	require.NoError(t, u.Submit(ctx, Submission{Title: "Second", Submitter: "u"}),
		"quota survives a burst against a full buffer")
}

func TestParseAmountUSD(t *testing.T) {
	cases := map[string]float64{
		"raises $5 million Series A":  5e6,
		"a $2.5M seed round":          2.5e6,
		"secured USD 750,000 in":      750000,
		"US$1.2 billion fund":         1.2e9,
		"grant of $50k for startups":  50000,
		"no amount mentioned at all":  0,
	}
	for text, want := range cases {
		assert.InDelta(t, want, parseAmountUSD(text), 0.01, text)
	}
}

func TestExtractHTMLGenericSelectors(t *testing.T) {
	page := []byte(`<html><head>
		<title>Fallback title</title>
		<meta property="og:title" content="Acme Fund opens $3 million grant window"/>
		<meta name="description" content="Applications are open for African AI startups until September. The Acme Fund backs early-stage teams across the continent with equity-free grants."/>
	</head><body>
		<script>ignored()</script>
		<h1>Ignored, og:title wins</h1>
		<p>The fund totals $3 million and closes soon.</p>
	</body></html>`)

	fields, text, rich := extractHTML(page, nil)
	assert.Equal(t, "Acme Fund opens $3 million grant window", fields.Title)
	assert.Contains(t, fields.Description, "Applications are open")
	assert.InDelta(t, 3e6, fields.AmountUSD, 0.01)
	assert.NotContains(t, text, "ignored()")
	assert.True(t, rich)
}

func TestExtractHTMLTemplateWins(t *testing.T) {
	page := []byte(`<html><head><title>Generic</title></head><body>
		<div class="headline">Template headline</div>
		<div class="org">Acme Ventures</div>
	</body></html>`)
	tmpl := &SiteTemplate{Title: ".headline", Org: ".org"}

	fields, _, _ := extractHTML(page, tmpl)
	assert.Equal(t, "Template headline", fields.Title)
	assert.Equal(t, []string{"Acme Ventures"}, fields.OrgNames)
}
