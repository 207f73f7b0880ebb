// Package adapters defines the narrow interfaces to external collaborators:
// the LLM, the embedding/vector index, the search API and HTTP fetching. The
// pipeline depends only on these; production wiring and test fakes both live
// behind them.
package adapters

import (
	"context"
	"time"

	"github.com/afrifund/fundflow/ingestion/record"
)

// Per-call deadlines. Callers wrap their context with these before invoking
// an adapter; a deadline overrun is a hard failure, a plain cancellation a
// soft one.
const (
	LLMTimeout       = 30 * time.Second
	EmbeddingTimeout = 10 * time.Second
	FetchTimeout     = 30 * time.Second
	StoreTimeout     = 10 * time.Second
)

// LLM is the language-model surface used for extraction, classification and
// legitimacy scoring. Implementations are shared clients with internal
// pooling; callers must not hold locks across calls.
type LLM interface {
	// Extract pulls the requested structured fields out of cleaned text.
	Extract(ctx context.Context, text string, schema []string) (record.Fields, error)
	// Classify tags the text with sectors, geography, inclusion flags, a
	// funding-stage guess and a structured-completeness score.
	Classify(ctx context.Context, text string) (record.Classification, error)
	// Score returns a legitimacy score in [0,1] for a candidate.
	Score(ctx context.Context, c *record.Candidate) (float64, error)
}

// Scored is one vector-index hit. Score is cosine similarity in [-1, 1].
type Scored struct {
	ID    string
	Score float64
}

// VectorIndex is the embedding + similarity surface.
type VectorIndex interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error
	QueryTopK(ctx context.Context, vector []float32, k int, filter map[string]string) ([]Scored, error)
}

// SearchHit is one external search result.
type SearchHit struct {
	Title       string
	URL         string
	Snippet     string
	Relevance   float64
	PublishedAt time.Time
}

// SearchAPI is the external web-search surface.
type SearchAPI interface {
	Search(ctx context.Context, query, locale string) ([]SearchHit, error)
}

// Fetcher retrieves a URL. Implementations apply per-host rate limits and a
// configurable user agent.
type Fetcher interface {
	Fetch(ctx context.Context, url string, headers map[string]string) (status int, body []byte, err error)
}
