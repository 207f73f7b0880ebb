package adapters

import (
	"context"
	"time"

	"github.com/afrifund/fundflow/ingestion/faults"
	"github.com/afrifund/fundflow/ingestion/observability"
	"github.com/afrifund/fundflow/ingestion/record"
)

// RetryLLM decorates an LLM with up to Retries extra attempts on transient
// errors. Permanent errors and context cancellation return immediately.
type RetryLLM struct {
	Inner   LLM
	Retries int
	// Backoff between attempts; kept short because the per-call deadline
	// is the real budget.
	Backoff time.Duration
}

func NewRetryLLM(inner LLM) *RetryLLM {
	return &RetryLLM{Inner: inner, Retries: 2, Backoff: 500 * time.Millisecond}
}

func (r *RetryLLM) do(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	defer func() {
		observability.ExternalCallDuration.WithLabelValues("llm").Observe(time.Since(start).Seconds())
	}()

	var err error
	for attempt := 0; attempt <= r.Retries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !faults.Retryable(err) || ctx.Err() != nil {
			return err
		}
		select {
		case <-time.After(r.Backoff):
		case <-ctx.Done():
			return faults.Wrap(faults.TransientExternal, "llm", op+" cancelled", ctx.Err())
		}
	}
	return err
}

func (r *RetryLLM) Extract(ctx context.Context, text string, schema []string) (record.Fields, error) {
	var out record.Fields
	err := r.do(ctx, "extract", func() error {
		var inner error
		out, inner = r.Inner.Extract(ctx, text, schema)
		return inner
	})
	return out, err
}

func (r *RetryLLM) Classify(ctx context.Context, text string) (record.Classification, error) {
	var out record.Classification
	err := r.do(ctx, "classify", func() error {
		var inner error
		out, inner = r.Inner.Classify(ctx, text)
		return inner
	})
	return out, err
}

func (r *RetryLLM) Score(ctx context.Context, c *record.Candidate) (float64, error) {
	var out float64
	err := r.do(ctx, "score", func() error {
		var inner error
		out, inner = r.Inner.Score(ctx, c)
		return inner
	})
	return out, err
}
