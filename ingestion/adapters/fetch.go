package adapters

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/afrifund/fundflow/ingestion/faults"
	"github.com/afrifund/fundflow/ingestion/health"
	"github.com/afrifund/fundflow/ingestion/observability"
)

const defaultUserAgent = "fundflow-ingest/1.0 (+https://afrifund.org/bot)"

// maxBodyBytes caps response reads so one huge page cannot exhaust memory.
const maxBodyBytes = 4 << 20

// HTTPFetcher implements Fetcher with per-host token buckets and a shared
// http.Client.
type HTTPFetcher struct {
	client    *http.Client
	hostLimit *health.KeyedLimiter
	userAgent string
}

// NewHTTPFetcher builds a fetcher allowing hostRPS requests per second per
// host with the given burst.
func NewHTTPFetcher(hostRPS float64, burst int) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: FetchTimeout,
		},
		hostLimit: health.NewKeyedLimiter(hostRPS, burst),
		userAgent: defaultUserAgent,
	}
}

// SetUserAgent overrides the default user agent.
func (f *HTTPFetcher) SetUserAgent(ua string) {
	f.userAgent = ua
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, headers map[string]string) (int, []byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return 0, nil, faults.Wrap(faults.PermanentExternal, "fetch", "invalid url", err)
	}

	if ok, delay := f.hostLimit.Reserve(u.Hostname()); !ok {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, nil, faults.Wrap(faults.TransientExternal, "fetch", "cancelled waiting for host token", ctx.Err())
		}
	}

	start := time.Now()
	defer func() {
		observability.ExternalCallDuration.WithLabelValues("fetch").Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, faults.Wrap(faults.PermanentExternal, "fetch", "build request", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		kind := faults.TransientExternal
		if ctx.Err() == context.DeadlineExceeded {
			// Deadline overruns are hard failures per the error model.
			kind = faults.PermanentExternal
		}
		return 0, nil, faults.Wrap(kind, "fetch", "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, faults.Wrap(faults.TransientExternal, "fetch", "read body", err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return resp.StatusCode, body, faults.New(faults.TransientExternal, "fetch", fmt.Sprintf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return resp.StatusCode, body, faults.New(faults.PermanentExternal, "fetch", fmt.Sprintf("status %d", resp.StatusCode))
	}
	return resp.StatusCode, body, nil
}
