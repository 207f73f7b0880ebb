package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/afrifund/fundflow/ingestion/faults"
	"github.com/afrifund/fundflow/ingestion/observability"
	"github.com/afrifund/fundflow/ingestion/record"
)

// httpJSON posts a JSON body and decodes a JSON response, with fault
// classification on status codes.
func httpJSON(ctx context.Context, client *http.Client, adapter, method, endpoint, apiKey string, in, out any) error {
	start := time.Now()
	defer func() {
		observability.ExternalCallDuration.WithLabelValues(adapter).Observe(time.Since(start).Seconds())
	}()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return faults.Wrap(faults.InternalInvariant, adapter, "encode request", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return faults.Wrap(faults.PermanentExternal, adapter, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return faults.Wrap(faults.TransientExternal, adapter, "request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return faults.New(faults.TransientExternal, adapter, fmt.Sprintf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return faults.New(faults.PermanentExternal, adapter, fmt.Sprintf("status %d", resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return faults.Wrap(faults.TransientExternal, adapter, "decode response", err)
	}
	return nil
}

// LLMClient talks to the extraction/classification/scoring service.
type LLMClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewLLMClient(baseURL, apiKey string) *LLMClient {
	return &LLMClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: LLMTimeout},
	}
}

func (c *LLMClient) Extract(ctx context.Context, text string, schema []string) (record.Fields, error) {
	in := map[string]any{"text": text, "fields": schema}
	var out struct {
		Fields record.Fields `json:"fields"`
	}
	if err := httpJSON(ctx, c.client, "llm", http.MethodPost, c.baseURL+"/v1/extract", c.apiKey, in, &out); err != nil {
		return record.Fields{}, err
	}
	return out.Fields, nil
}

func (c *LLMClient) Classify(ctx context.Context, text string) (record.Classification, error) {
	in := map[string]any{"text": text}
	var out struct {
		Classification record.Classification `json:"classification"`
	}
	if err := httpJSON(ctx, c.client, "llm", http.MethodPost, c.baseURL+"/v1/classify", c.apiKey, in, &out); err != nil {
		return record.Classification{}, err
	}
	return out.Classification, nil
}

func (c *LLMClient) Score(ctx context.Context, cand *record.Candidate) (float64, error) {
	in := map[string]any{
		"title":       cand.Extracted.Title,
		"description": cand.Extracted.Description,
		"amount_usd":  cand.Extracted.AmountUSD,
		"org_names":   cand.Extracted.OrgNames,
		"urls":        cand.SourceURLs,
		"collector":   cand.Collector,
	}
	var out struct {
		Legitimacy float64 `json:"legitimacy"`
	}
	if err := httpJSON(ctx, c.client, "llm", http.MethodPost, c.baseURL+"/v1/score", c.apiKey, in, &out); err != nil {
		return 0, err
	}
	return out.Legitimacy, nil
}

// SearchClient talks to the web-search provider.
type SearchClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewSearchClient(baseURL, apiKey string) *SearchClient {
	return &SearchClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: FetchTimeout},
	}
}

func (c *SearchClient) Search(ctx context.Context, query, locale string) ([]SearchHit, error) {
	endpoint := fmt.Sprintf("%s/v1/search?q=%s&locale=%s", c.baseURL, url.QueryEscape(query), url.QueryEscape(locale))
	var out struct {
		Hits []SearchHit `json:"hits"`
	}
	if err := httpJSON(ctx, c.client, "search", http.MethodGet, endpoint, c.apiKey, nil, &out); err != nil {
		return nil, err
	}
	return out.Hits, nil
}

// VectorClient talks to the embedding/similarity service.
type VectorClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewVectorClient(baseURL, apiKey string) *VectorClient {
	return &VectorClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: EmbeddingTimeout},
	}
}

func (c *VectorClient) Embed(ctx context.Context, text string) ([]float32, error) {
	var out struct {
		Vector []float32 `json:"vector"`
	}
	if err := httpJSON(ctx, c.client, "embedding", http.MethodPost, c.baseURL+"/v1/embed", c.apiKey, map[string]string{"text": text}, &out); err != nil {
		return nil, err
	}
	return out.Vector, nil
}

func (c *VectorClient) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error {
	in := map[string]any{"id": id, "vector": vector, "metadata": metadata}
	return httpJSON(ctx, c.client, "embedding", http.MethodPost, c.baseURL+"/v1/upsert", c.apiKey, in, nil)
}

func (c *VectorClient) QueryTopK(ctx context.Context, vector []float32, k int, filter map[string]string) ([]Scored, error) {
	in := map[string]any{"vector": vector, "k": k, "filter": filter}
	var out struct {
		Hits []Scored `json:"hits"`
	}
	if err := httpJSON(ctx, c.client, "embedding", http.MethodPost, c.baseURL+"/v1/query", c.apiKey, in, &out); err != nil {
		return nil, err
	}
	return out.Hits, nil
}
