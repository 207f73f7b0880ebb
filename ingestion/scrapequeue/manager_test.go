package scrapequeue

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afrifund/fundflow/ingestion/faults"
	"github.com/afrifund/fundflow/ingestion/record"
	"github.com/afrifund/fundflow/ingestion/store"
)

type scriptedFetcher struct {
	mu       sync.Mutex
	failures int
	calls    int
	kind     faults.Kind
	body     []byte
}

func (f *scriptedFetcher) Fetch(ctx context.Context, url string, headers map[string]string) (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return http.StatusBadGateway, nil, faults.New(f.kind, "fetch", "scripted failure")
	}
	return http.StatusOK, f.body, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.PollInterval = 5 * time.Millisecond
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 10 * time.Millisecond
	cfg.HostRPS = 1000
	cfg.HostBurst = 1000
	return cfg
}

func req(url, hash string) *store.ScrapeRequest {
	return &store.ScrapeRequest{URL: url, CandidateHash: hash, Collector: "rss", Priority: record.PriorityNormal}
}

func TestEnqueueRejectsInvalidURL(t *testing.T) {
	m := NewManager(testConfig(), store.NewMemoryStore(), &scriptedFetcher{})
	err := m.Enqueue(context.Background(), req("", "h"))
	assert.True(t, faults.Is(err, faults.SchemaViolation))
	err = m.Enqueue(context.Background(), req("not a url", "h"))
	assert.True(t, faults.Is(err, faults.SchemaViolation))
}

func TestEnqueueSetsHostAndDefaults(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewManager(testConfig(), st, &scriptedFetcher{})
	r := req("https://example.org/a", "h1")
	require.NoError(t, m.Enqueue(context.Background(), r))
	assert.Equal(t, "example.org", r.Host)
	assert.Equal(t, 3, r.MaxAttempts)
}

func TestDuplicateURLSubscribes(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewManager(testConfig(), st, &scriptedFetcher{body: []byte("page")})
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, req("https://example.org/a", "first")))
	require.NoError(t, m.Enqueue(ctx, req("https://example.org/a", "second")))

	n, err := st.CountReadyScrapes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "second request must not enqueue a duplicate row")

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() { m.Run(runCtx); close(done) }()

	select {
	case c := <-m.Completions():
		require.NoError(t, c.Err)
		assert.Equal(t, []byte("page"), c.Body)
		assert.ElementsMatch(t, []string{"first", "second"}, c.Subscribers)
	case <-time.After(2 * time.Second):
		t.Fatal("no completion delivered")
	}
	cancel()
	<-done
}

func TestTransientFailureRetriesThenCompletes(t *testing.T) {
	st := store.NewMemoryStore()
	f := &scriptedFetcher{failures: 2, kind: faults.TransientExternal, body: []byte("ok")}
	m := NewManager(testConfig(), st, f)
	ctx := context.Background()

	r := req("https://example.org/retry", "h")
	require.NoError(t, m.Enqueue(ctx, r))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() { m.Run(runCtx); close(done) }()

	select {
	case c := <-m.Completions():
		require.NoError(t, c.Err)
		assert.Equal(t, store.ScrapeCompleted, c.Request.Status)
		assert.Equal(t, 3, f.calls, "two retries before success")
	case <-time.After(5 * time.Second):
		t.Fatal("no completion delivered")
	}
	cancel()
	<-done
}

func TestExhaustedAttemptsFailTerminally(t *testing.T) {
	st := store.NewMemoryStore()
	f := &scriptedFetcher{failures: 100, kind: faults.TransientExternal}
	m := NewManager(testConfig(), st, f)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, req("https://example.org/dead", "h")))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() { m.Run(runCtx); close(done) }()

	select {
	case c := <-m.Completions():
		require.Error(t, c.Err)
		assert.Equal(t, store.ScrapeFailed, c.Request.Status)
		assert.Equal(t, 3, f.calls, "attempt budget is three")
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal completion delivered")
	}
	cancel()
	<-done
}

func TestPermanentFailureDoesNotRetry(t *testing.T) {
	st := store.NewMemoryStore()
	f := &scriptedFetcher{failures: 100, kind: faults.PermanentExternal}
	m := NewManager(testConfig(), st, f)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, req("https://example.org/404", "h")))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() { m.Run(runCtx); close(done) }()

	select {
	case c := <-m.Completions():
		require.Error(t, c.Err)
		assert.Equal(t, 1, f.calls, "permanent failures fail on first attempt")
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal completion delivered")
	}
	cancel()
	<-done
}

func TestBackoffGrowthAndCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JitterFrac = 0 // deterministic for the assertion
	m := NewManager(cfg, store.NewMemoryStore(), &scriptedFetcher{})

	assert.Equal(t, 30*time.Second, m.backoff(1))
	assert.Equal(t, 60*time.Second, m.backoff(2))
	assert.Equal(t, 120*time.Second, m.backoff(3))
	assert.Equal(t, 10*time.Minute, m.backoff(10), "capped")
}

func TestBackoffJitterBounds(t *testing.T) {
	m := NewManager(DefaultConfig(), store.NewMemoryStore(), &scriptedFetcher{})
	for i := 0; i < 200; i++ {
		d := m.backoff(1)
		assert.GreaterOrEqual(t, d, 24*time.Second)
		assert.LessOrEqual(t, d, 36*time.Second)
	}
}
