package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afrifund/fundflow/ingestion/record"
)

func TestInsertOpportunityDuplicateKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	opp := &record.Opportunity{DedupHash: "h1", Confidence: 0.8}
	id, err := s.InsertOpportunity(ctx, opp)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = s.InsertOpportunity(ctx, &record.Opportunity{DedupHash: "h1"})
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestMergeOpportunityMonotonicConfidence(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id, err := s.InsertOpportunity(ctx, &record.Opportunity{
		DedupHash:  "h1",
		Confidence: 0.8,
		SourceURLs: []string{"https://a"},
	})
	require.NoError(t, err)

	// Merge with lower confidence must not decrease it.
	err = s.MergeOpportunity(ctx, id, MergePatch{
		AddSourceURLs: []string{"https://b", "https://a"},
		AddMergedFrom: []string{"c2"},
		Confidence:    0.6,
	})
	require.NoError(t, err)

	opp, err := s.FindByDedupHash(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, 0.8, opp.Confidence)
	assert.ElementsMatch(t, []string{"https://a", "https://b"}, opp.SourceURLs)
	assert.Equal(t, []string{"c2"}, opp.MergedFrom)

	// Higher confidence raises it.
	require.NoError(t, s.MergeOpportunity(ctx, id, MergePatch{Confidence: 0.95}))
	opp, _ = s.FindByDedupHash(ctx, "h1")
	assert.Equal(t, 0.95, opp.Confidence)
}

func TestFindRecentInWindow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	s.SetClock(func() time.Time { return now.AddDate(0, 0, -100) })
	_, err := s.InsertOpportunity(ctx, &record.Opportunity{DedupHash: "old"})
	require.NoError(t, err)

	s.SetClock(func() time.Time { return now })
	_, err = s.InsertOpportunity(ctx, &record.Opportunity{DedupHash: "new"})
	require.NoError(t, err)

	recent, err := s.FindRecentInWindow(ctx, 90)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "new", recent[0].DedupHash)
}

func TestFindOrCreateOrganizationIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id1, err := s.FindOrCreateOrganization(ctx, OrgAttrs{Name: "Foo Ltd", Country: "KE"})
	require.NoError(t, err)
	id2, err := s.FindOrCreateOrganization(ctx, OrgAttrs{Name: " foo ltd ", Country: "ke"})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	orgs, err := s.SearchOrganizations(ctx, "foo")
	require.NoError(t, err)
	require.Len(t, orgs, 1)
	assert.Equal(t, "foo ltd", orgs[0].NameNorm)
}

func TestScrapeQueueClaimOrdering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	low := &ScrapeRequest{URL: "https://low", Priority: record.PriorityLow, MaxAttempts: 3}
	high := &ScrapeRequest{URL: "https://high", Priority: record.PriorityHigh, MaxAttempts: 3}
	normal1 := &ScrapeRequest{URL: "https://n1", Priority: record.PriorityNormal, MaxAttempts: 3}
	normal2 := &ScrapeRequest{URL: "https://n2", Priority: record.PriorityNormal, MaxAttempts: 3}
	for _, r := range []*ScrapeRequest{low, normal1, high, normal2} {
		require.NoError(t, s.EnqueueScrape(ctx, r))
	}

	got1, err := s.ClaimNextReady(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "https://high", got1.URL)
	assert.Equal(t, ScrapeProcessing, got1.Status)
	assert.Equal(t, 1, got1.Attempts)

	got2, _ := s.ClaimNextReady(ctx, "w1")
	assert.Equal(t, "https://n1", got2.URL, "FIFO within a priority tier")
	got3, _ := s.ClaimNextReady(ctx, "w1")
	assert.Equal(t, "https://n2", got3.URL)
	got4, _ := s.ClaimNextReady(ctx, "w1")
	assert.Equal(t, "https://low", got4.URL)

	got5, err := s.ClaimNextReady(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, got5, "nothing ready")
}

func TestScrapeQueueScheduledAtGates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	req := &ScrapeRequest{URL: "https://later", ScheduledAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.EnqueueScrape(ctx, req))

	got, err := s.ClaimNextReady(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, got, "future-scheduled request is not ready")

	require.NoError(t, s.RescheduleScrape(ctx, req.ID, time.Now().Add(-time.Second), "retry"))
	got, _ = s.ClaimNextReady(ctx, "w1")
	require.NotNil(t, got)
	assert.Equal(t, "https://later", got.URL)
}

func TestFindActiveScrapeByURL(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	req := &ScrapeRequest{URL: "https://x"}
	require.NoError(t, s.EnqueueScrape(ctx, req))

	active, err := s.FindActiveScrapeByURL(ctx, "https://x")
	require.NoError(t, err)
	require.NotNil(t, active)

	require.NoError(t, s.CompleteScrape(ctx, req.ID, []byte("body")))
	active, err = s.FindActiveScrapeByURL(ctx, "https://x")
	require.NoError(t, err)
	assert.Nil(t, active, "completed request no longer suppresses duplicates")
}

func TestSeenSetFirstArrivalWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.FirstSeen(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := s.FirstSeen(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, second)
}

func TestIdempotencyNX(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	won, err := s.SetIdempotentNX(ctx, "k", "v1", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.SetIdempotentNX(ctx, "k", "v2", time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	val, ok, err := s.GetIdempotent(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", val)
}

func TestDeadLetterTakeRemoves(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	dl := &DeadLetter{ContentHash: "abc", Stage: "publisher", Error: "store down"}
	require.NoError(t, s.InsertDeadLetter(ctx, dl))

	got, err := s.TakeDeadLetter(ctx, dl.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "abc", got.ContentHash)

	got, err = s.TakeDeadLetter(ctx, dl.ID)
	require.NoError(t, err)
	assert.Nil(t, got, "take is exactly-once")
}
