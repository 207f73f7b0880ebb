package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afrifund/fundflow/ingestion/record"
)

type stubGate struct {
	blocked map[string]bool
}

func (g *stubGate) IntakeAllowed(collector string) bool {
	return !g.blocked[collector]
}

func cand(collector string, p record.Priority, hash string) *record.Candidate {
	return &record.Candidate{ContentHash: hash, Collector: collector, Priority: p}
}

func TestDispatchOrderStrictTiers(t *testing.T) {
	r := New(DefaultConfig(), nil)

	require.NoError(t, r.Accept(cand("rss", record.PriorityLow, "l1")))
	require.NoError(t, r.Accept(cand("rss", record.PriorityNormal, "n1")))
	require.NoError(t, r.Accept(cand("rss", record.PriorityHigh, "h1")))
	require.NoError(t, r.Accept(cand("rss", record.PriorityNormal, "n2")))
	require.NoError(t, r.Accept(cand("rss", record.PriorityHigh, "h2")))

	ctx := context.Background()
	var got []string
	for i := 0; i < 5; i++ {
		c, err := r.Next(ctx)
		require.NoError(t, err)
		got = append(got, c.ContentHash)
	}
	assert.Equal(t, []string{"h1", "h2", "n1", "n2", "l1"}, got)
}

func TestAcceptBreakerOpenRejects(t *testing.T) {
	gate := &stubGate{blocked: map[string]bool{"websearch": true}}
	r := New(DefaultConfig(), gate)

	err := r.Accept(cand("websearch", record.PriorityNormal, "x"))
	assert.ErrorIs(t, err, ErrBreakerOpen)

	// Other collectors are unaffected: per-source isolation.
	assert.NoError(t, r.Accept(cand("rss", record.PriorityNormal, "y")))
}

func TestAcceptShedsWhenFull(t *testing.T) {
	cfg := Config{HighCapacity: 1, NormalCapacity: 1, LowCapacity: 1}
	r := New(cfg, nil)

	require.NoError(t, r.Accept(cand("rss", record.PriorityNormal, "a")))
	err := r.Accept(cand("rss", record.PriorityNormal, "b"))
	assert.ErrorIs(t, err, ErrShed)
	assert.True(t, Shed(err))

	// A full normal tier does not shed high priority.
	assert.NoError(t, r.Accept(cand("rss", record.PriorityHigh, "c")))
}

func TestRequeueBypassesBreaker(t *testing.T) {
	gate := &stubGate{blocked: map[string]bool{"rss": true}}
	r := New(DefaultConfig(), gate)

	// In-flight work returning to the router is not new intake.
	assert.NoError(t, r.Requeue(cand("rss", record.PriorityLow, "rq")))
}

func TestModes(t *testing.T) {
	r := New(DefaultConfig(), nil)

	r.SetMode(ModeDegraded)
	assert.ErrorIs(t, r.Accept(cand("rss", record.PriorityNormal, "n")), ErrShed)
	assert.NoError(t, r.Accept(cand("rss", record.PriorityHigh, "h")))

	r.SetMode(ModeDraining)
	assert.ErrorIs(t, r.Accept(cand("rss", record.PriorityHigh, "h2")), ErrDraining)

	r.SetMode(ModeNormal)
	assert.NoError(t, r.Accept(cand("rss", record.PriorityNormal, "n2")))
}

func TestNextBlocksUntilAccept(t *testing.T) {
	r := New(DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan *record.Candidate, 1)
	go func() {
		c, err := r.Next(ctx)
		if err == nil {
			done <- c
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Accept(cand("rss", record.PriorityNormal, "later")))

	select {
	case c := <-done:
		assert.Equal(t, "later", c.ContentHash)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake on Accept")
	}
}

func TestNextCancel(t *testing.T) {
	r := New(DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDrain(t *testing.T) {
	r := New(DefaultConfig(), nil)
	require.NoError(t, r.Accept(cand("rss", record.PriorityLow, "l")))
	require.NoError(t, r.Accept(cand("rss", record.PriorityHigh, "h")))

	drained := r.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "h", drained[0].ContentHash)
	assert.Equal(t, map[string]int{"high": 0, "normal": 0, "low": 0}, r.Depths())
}

func TestPerCollectorFIFOWithinTier(t *testing.T) {
	r := New(DefaultConfig(), nil)
	for _, h := range []string{"a1", "a2", "a3"} {
		require.NoError(t, r.Accept(cand("rss", record.PriorityNormal, h)))
	}
	ctx := context.Background()
	for _, want := range []string{"a1", "a2", "a3"} {
		c, err := r.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, c.ContentHash, "emission order preserved within a collector")
	}
}
