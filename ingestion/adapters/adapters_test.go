package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afrifund/fundflow/ingestion/faults"
	"github.com/afrifund/fundflow/ingestion/record"
)

type countingLLM struct {
	calls    int
	failures int
	kind     faults.Kind
}

func (l *countingLLM) Extract(ctx context.Context, text string, schema []string) (record.Fields, error) {
	l.calls++
	if l.calls <= l.failures {
		return record.Fields{}, faults.New(l.kind, "llm", "simulated")
	}
	return record.Fields{Title: "ok"}, nil
}

func (l *countingLLM) Classify(ctx context.Context, text string) (record.Classification, error) {
	return record.Classification{}, nil
}

func (l *countingLLM) Score(ctx context.Context, c *record.Candidate) (float64, error) {
	return 0.9, nil
}

func TestRetryLLMRetriesTransient(t *testing.T) {
	inner := &countingLLM{failures: 2, kind: faults.TransientExternal}
	llm := NewRetryLLM(inner)
	llm.Backoff = time.Millisecond

	fields, err := llm.Extract(context.Background(), "text", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", fields.Title)
	assert.Equal(t, 3, inner.calls, "two retries after the initial attempt")
}

func TestRetryLLMStopsOnPermanent(t *testing.T) {
	inner := &countingLLM{failures: 5, kind: faults.PermanentExternal}
	llm := NewRetryLLM(inner)
	llm.Backoff = time.Millisecond

	_, err := llm.Extract(context.Background(), "text", nil)
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls, "permanent errors are not retried")
}

func TestRetryLLMExhaustsRetries(t *testing.T) {
	inner := &countingLLM{failures: 10, kind: faults.TransientExternal}
	llm := NewRetryLLM(inner)
	llm.Backoff = time.Millisecond

	_, err := llm.Extract(context.Background(), "text", nil)
	require.Error(t, err)
	assert.Equal(t, 3, inner.calls)
	assert.True(t, faults.Retryable(err))
}

func TestHTTPFetcherStatusMapping(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("User-Agent"), "fundflow")
		w.Write([]byte("hello"))
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/flaky", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := NewHTTPFetcher(100, 100)
	ctx := context.Background()

	status, body, err := f.Fetch(ctx, srv.URL+"/ok", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "hello", string(body))

	_, _, err = f.Fetch(ctx, srv.URL+"/gone", nil)
	assert.True(t, faults.Is(err, faults.PermanentExternal))

	_, _, err = f.Fetch(ctx, srv.URL+"/flaky", nil)
	assert.True(t, faults.Is(err, faults.TransientExternal))
}

func TestHTTPFetcherRejectsBadURL(t *testing.T) {
	f := NewHTTPFetcher(100, 100)
	_, _, err := f.Fetch(context.Background(), "::not-a-url", nil)
	assert.True(t, faults.Is(err, faults.PermanentExternal))
}
