package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afrifund/fundflow/ingestion/dedup"
	"github.com/afrifund/fundflow/ingestion/faults"
	"github.com/afrifund/fundflow/ingestion/record"
	"github.com/afrifund/fundflow/ingestion/store"
	"github.com/afrifund/fundflow/ingestion/validator"
)

type captureRequeue struct {
	cands []*record.Candidate
	err   error
}

func (r *captureRequeue) Requeue(c *record.Candidate) error {
	if r.err != nil {
		return r.err
	}
	r.cands = append(r.cands, c)
	return nil
}

// flakyStore injects transient failures into the write path.
type flakyStore struct {
	*store.MemoryStore
	insertFailures int
	mergeFailures  int
}

func (s *flakyStore) InsertOpportunity(ctx context.Context, opp *record.Opportunity) (string, error) {
	if s.insertFailures > 0 {
		s.insertFailures--
		return "", faults.New(faults.TransientExternal, "store", "connection reset")
	}
	return s.MemoryStore.InsertOpportunity(ctx, opp)
}

func (s *flakyStore) MergeOpportunity(ctx context.Context, id string, patch store.MergePatch) error {
	if s.mergeFailures > 0 {
		s.mergeFailures--
		return faults.New(faults.TransientExternal, "store", "connection reset")
	}
	return s.MemoryStore.MergeOpportunity(ctx, id, patch)
}

func testPublisher(st store.Store, rq Requeuer) *Publisher {
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	return New(cfg, st, rq)
}

func cand(hash string, org string, urls ...string) *record.Candidate {
	txn := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	return &record.Candidate{
		ContentHash: hash,
		Collector:   "rss",
		SourceURLs:  urls,
		Extracted: record.Fields{
			Title:           "Round for " + org,
			AmountUSD:       5e6,
			OrgNames:        []string{org},
			Stage:           "series a",
			TransactionDate: &txn,
		},
	}
}

func uniqueResult(c *record.Candidate) *dedup.Result {
	return &dedup.Result{Verdict: dedup.VerdictUnique, DedupHash: record.CandidateDedupHash(c)}
}

func approve(conf float64) validator.Decision {
	return validator.Decision{Tier: validator.TierAutoApprove, Confidence: conf}
}

func TestInsertPublishes(t *testing.T) {
	st := store.NewMemoryStore()
	p := testPublisher(st, &captureRequeue{})
	ctx := context.Background()

	c := cand("h1", "Acme", "https://a.example/1")
	require.NoError(t, p.Publish(ctx, c, uniqueResult(c), approve(0.9)))

	opp, err := st.FindByDedupHash(ctx, record.CandidateDedupHash(c))
	require.NoError(t, err)
	require.NotNil(t, opp)
	assert.Equal(t, record.VerificationUnverified, opp.Verification)
	assert.InDelta(t, 0.9, opp.Confidence, 1e-9)
	assert.Equal(t, []string{"https://a.example/1"}, opp.SourceURLs)

	log := st.AuditLog()
	require.Len(t, log, 1)
	assert.Equal(t, "insert", log[0].Action)
	assert.Equal(t, "publisher", log[0].Actor)
}

func TestDuplicateKeyRedirectsToMerge(t *testing.T) {
	st := store.NewMemoryStore()
	p := testPublisher(st, &captureRequeue{})
	ctx := context.Background()

	first := cand("h1", "Acme", "https://a.example/1")
	require.NoError(t, p.Publish(ctx, first, uniqueResult(first), approve(0.9)))

	// Same semantic key, different text and URL: the dedup corpus may have
	// missed it, but the store's uniqueness holds.
	second := cand("h2", "Acme", "https://b.example/2")
	require.NoError(t, p.Publish(ctx, second, uniqueResult(second), approve(0.8)))

	opp, err := st.FindByDedupHash(ctx, record.CandidateDedupHash(first))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"https://a.example/1", "https://b.example/2"}, opp.SourceURLs)
	assert.Equal(t, []string{"h2"}, opp.MergedFrom)
	assert.InDelta(t, 0.9, opp.Confidence, 1e-9, "confidence never decreases on merge")
}

func TestDuplicateVerdictMergesDirectly(t *testing.T) {
	st := store.NewMemoryStore()
	p := testPublisher(st, &captureRequeue{})
	ctx := context.Background()

	first := cand("h1", "Acme", "https://a.example/1")
	require.NoError(t, p.Publish(ctx, first, uniqueResult(first), approve(0.8)))
	existing, _ := st.FindByDedupHash(ctx, record.CandidateDedupHash(first))

	second := cand("h2", "Acme", "https://b.example/2")
	dd := &dedup.Result{
		Verdict:   dedup.VerdictDuplicate,
		Best:      &dedup.Match{Strategy: dedup.StrategyOrgFunding, ExistingID: existing.ID, Score: 0.90},
		DedupHash: record.CandidateDedupHash(second),
	}
	require.NoError(t, p.Publish(ctx, second, dd, approve(0.85)))

	opp, _ := st.FindByDedupHash(ctx, record.CandidateDedupHash(first))
	assert.Len(t, opp.SourceURLs, 2)
	assert.InDelta(t, 0.85, opp.Confidence, 1e-9)
}

func TestDuplicateMergesEvenAtRejectTier(t *testing.T) {
	st := store.NewMemoryStore()
	p := testPublisher(st, &captureRequeue{})
	ctx := context.Background()

	first := cand("h1", "Acme", "https://a.example/1")
	require.NoError(t, p.Publish(ctx, first, uniqueResult(first), approve(0.9)))
	existing, _ := st.FindByDedupHash(ctx, record.CandidateDedupHash(first))

	// The uniqueness component drives confirmed duplicates into the reject
	// band; corroboration must still be folded in.
	second := cand("h2", "Acme", "https://b.example/2")
	dd := &dedup.Result{
		Verdict:   dedup.VerdictDuplicate,
		Best:      &dedup.Match{Strategy: dedup.StrategyExactSignature, ExistingID: existing.ID, Score: 1.0},
		DedupHash: record.CandidateDedupHash(second),
	}
	d := validator.Decision{Tier: validator.TierReject, Confidence: 0.4, Reasons: []string{"low_confidence"}}
	require.NoError(t, p.Publish(ctx, second, dd, d))

	opp, _ := st.FindByDedupHash(ctx, record.CandidateDedupHash(first))
	assert.Len(t, opp.SourceURLs, 2)
	assert.InDelta(t, 0.9, opp.Confidence, 1e-9, "low-confidence merge never lowers confidence")
}

func TestReviewTierEnqueues(t *testing.T) {
	st := store.NewMemoryStore()
	p := testPublisher(st, &captureRequeue{})
	ctx := context.Background()

	c := cand("h1", "Acme", "https://a.example/1")
	d := validator.Decision{Tier: validator.TierReview, Confidence: 0.78, Reasons: []string{"medium_confidence"}}
	require.NoError(t, p.Publish(ctx, c, uniqueResult(c), d))

	items, err := st.ListReview(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, []string{"medium_confidence"}, items[0].Reasons)
	assert.InDelta(t, 0.78, items[0].Opportunity.Confidence, 1e-9)

	// Nothing published.
	opp, _ := st.FindByDedupHash(ctx, record.CandidateDedupHash(c))
	assert.Nil(t, opp)
}

func TestRejectWritesOnlyAudit(t *testing.T) {
	st := store.NewMemoryStore()
	p := testPublisher(st, &captureRequeue{})
	ctx := context.Background()

	c := cand("h1", "Acme", "https://a.example/1")
	d := validator.Decision{Tier: validator.TierReject, Confidence: 0.2, Reasons: []string{"low_confidence"}}
	require.NoError(t, p.Publish(ctx, c, uniqueResult(c), d))

	opp, _ := st.FindByDedupHash(ctx, record.CandidateDedupHash(c))
	assert.Nil(t, opp)
	log := st.AuditLog()
	require.Len(t, log, 1)
	assert.Equal(t, "reject", log[0].Action)
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore(), insertFailures: 2}
	p := testPublisher(st, &captureRequeue{})
	ctx := context.Background()

	c := cand("h1", "Acme", "https://a.example/1")
	require.NoError(t, p.Publish(ctx, c, uniqueResult(c), approve(0.9)))

	opp, _ := st.FindByDedupHash(ctx, record.CandidateDedupHash(c))
	assert.NotNil(t, opp, "two transient failures fit inside the retry budget")
}

func TestExhaustedRetriesRequeueAtLowPriority(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore(), insertFailures: 100}
	rq := &captureRequeue{}
	p := testPublisher(st, rq)
	ctx := context.Background()

	c := cand("h1", "Acme", "https://a.example/1")
	c.Priority = record.PriorityHigh
	require.NoError(t, p.Publish(ctx, c, uniqueResult(c), approve(0.9)))

	require.Len(t, rq.cands, 1)
	assert.Equal(t, record.PriorityLow, rq.cands[0].Priority)
	assert.Equal(t, 1, rq.cands[0].Attempts)
}

func TestPipelineBudgetExhaustionDeadLetters(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore(), insertFailures: 100}
	rq := &captureRequeue{}
	p := testPublisher(st, rq)
	ctx := context.Background()

	c := cand("h1", "Acme", "https://a.example/1")
	c.Attempts = 2 // third pipeline attempt is the last
	require.NoError(t, p.Publish(ctx, c, uniqueResult(c), approve(0.9)))

	assert.Empty(t, rq.cands)
	letters, err := st.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "h1", letters[0].ContentHash)
	assert.Equal(t, "publisher", letters[0].Stage)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.NotEmpty(t, letters[0].Candidate, "full candidate context travels with the dead letter")
}

func TestRequeueRefusalDeadLetters(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore(), insertFailures: 100}
	p := testPublisher(st, &captureRequeue{err: faults.New(faults.QueueFull, "router", "full")})
	ctx := context.Background()

	c := cand("h1", "Acme", "https://a.example/1")
	require.NoError(t, p.Publish(ctx, c, uniqueResult(c), approve(0.9)))

	letters, _ := st.ListDeadLetters(ctx, 10)
	assert.Len(t, letters, 1)
}

func TestPublishApprovedVerifies(t *testing.T) {
	st := store.NewMemoryStore()
	p := testPublisher(st, &captureRequeue{})
	ctx := context.Background()

	c := cand("h1", "Acme", "https://a.example/1")
	d := validator.Decision{Tier: validator.TierReview, Confidence: 0.78, Reasons: []string{"medium_confidence"}}
	require.NoError(t, p.Publish(ctx, c, uniqueResult(c), d))

	items, _ := st.ListReview(ctx, 1)
	require.Len(t, items, 1)
	require.NoError(t, p.PublishApproved(ctx, items[0]))

	opp, err := st.FindByDedupHash(ctx, record.CandidateDedupHash(c))
	require.NoError(t, err)
	require.NotNil(t, opp)
	assert.Equal(t, record.VerificationVerified, opp.Verification, "operator approval is verification")
}
