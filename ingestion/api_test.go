package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afrifund/fundflow/ingestion/collector"
	"github.com/afrifund/fundflow/ingestion/dedup"
	"github.com/afrifund/fundflow/ingestion/health"
	"github.com/afrifund/fundflow/ingestion/middleware"
	"github.com/afrifund/fundflow/ingestion/record"
	"github.com/afrifund/fundflow/ingestion/store"
	"github.com/afrifund/fundflow/ingestion/validator"
)

const testToken = "operator-secret"

func newTestAPI(t *testing.T) (*API, *harness, http.Handler) {
	t.Helper()
	h := newHarness(t)
	subs := collector.NewUserSubmissions(collector.DefaultUserSubmissionsConfig(), h.registry, h.st)
	api := NewAPI(h.registry, h.router, h.cl, h.pb, subs, h.st, h.st, h.timeline)

	mux := http.NewServeMux()
	api.Routes(mux, middleware.Auth(testToken))
	return api, h, mux
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestOperatorEndpointsRequireToken(t *testing.T) {
	_, _, handler := newTestAPI(t)

	rr := doJSON(t, handler, http.MethodPost, "/api/collectors/rss/pause", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// The admission endpoint stays open.
	rr = doJSON(t, handler, http.MethodPost, "/api/submissions", map[string]string{}, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code, "rejected on schema, not on auth")
}

func TestHealthEndpointListsCollectors(t *testing.T) {
	_, _, handler := newTestAPI(t)

	rr := doJSON(t, handler, http.MethodGet, "/api/health", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)

	var snap PipelineSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Len(t, snap.Collectors, 4)
	assert.Equal(t, "NORMAL", string(snap.RouterMode))
}

func TestPauseAndResumeCollector(t *testing.T) {
	_, h, handler := newTestAPI(t)

	rr := doJSON(t, handler, http.MethodPost, "/api/collectors/rss/pause", nil, testToken)
	require.Equal(t, http.StatusOK, rr.Code)

	snap, ok := h.registry.Snapshot("rss")
	require.True(t, ok)
	assert.Equal(t, health.StatusMaintenance, snap.Status)
	allowed, _ := h.registry.TryAcquire("rss")
	assert.False(t, allowed, "maintenance pauses intake")

	rr = doJSON(t, handler, http.MethodPost, "/api/collectors/rss/resume", nil, testToken)
	require.Equal(t, http.StatusOK, rr.Code)
	snap, _ = h.registry.Snapshot("rss")
	assert.Equal(t, health.StatusActive, snap.Status)
}

func TestForceBreaker(t *testing.T) {
	_, h, handler := newTestAPI(t)

	rr := doJSON(t, handler, http.MethodPost, "/api/collectors/websearch/breaker", map[string]bool{"open": true}, testToken)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, h.registry.IntakeAllowed("websearch"))

	rr = doJSON(t, handler, http.MethodPost, "/api/collectors/websearch/breaker", map[string]bool{"open": false}, testToken)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, h.registry.IntakeAllowed("websearch"))
}

func TestRouterModeValidation(t *testing.T) {
	_, h, handler := newTestAPI(t)

	rr := doJSON(t, handler, http.MethodPost, "/api/router/mode", map[string]string{"mode": "SIDEWAYS"}, testToken)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, handler, http.MethodPost, "/api/router/mode", map[string]string{"mode": "DRAINING"}, testToken)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "DRAINING", string(h.router.GetMode()))
}

func TestDrainPreservesRecordsAsDeadLetters(t *testing.T) {
	_, h, handler := newTestAPI(t)

	require.NoError(t, h.router.Requeue(fundingCandidate(1)))
	require.NoError(t, h.router.Requeue(fundingCandidate(2)))

	rr := doJSON(t, handler, http.MethodPost, "/api/router/drain", nil, testToken)
	require.Equal(t, http.StatusOK, rr.Code)

	var out map[string]int
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Equal(t, 2, out["drained"])

	letters, err := h.st.ListDeadLetters(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, letters, 2)
	assert.Equal(t, 0, h.router.Depths()["normal"])
}

func TestReviewApprovalPublishesVerified(t *testing.T) {
	_, h, handler := newTestAPI(t)
	ctx := context.Background()

	c := fundingCandidate(1)
	dd := &dedup.Result{Verdict: dedup.VerdictUnique, DedupHash: record.CandidateDedupHash(c)}
	d := validator.Decision{Tier: validator.TierReview, Confidence: 0.7, Reasons: []string{"medium_confidence"}}
	require.NoError(t, h.pb.Publish(ctx, c, dd, d))

	rr := doJSON(t, handler, http.MethodGet, "/api/review", nil, testToken)
	require.Equal(t, http.StatusOK, rr.Code)
	var items []*store.ReviewItem
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &items))
	require.Len(t, items, 1)

	rr = doJSON(t, handler, http.MethodPost, "/api/review/"+items[0].ID+"/resolve", map[string]bool{"approved": true}, testToken)
	require.Equal(t, http.StatusOK, rr.Code)

	opp, err := h.st.FindByDedupHash(ctx, record.CandidateDedupHash(c))
	require.NoError(t, err)
	require.NotNil(t, opp)
	assert.Equal(t, record.VerificationVerified, opp.Verification)
}

func TestDeadLetterReprocessRequeues(t *testing.T) {
	_, h, handler := newTestAPI(t)
	ctx := context.Background()

	c := fundingCandidate(1)
	c.Attempts = 3
	payload, _ := json.Marshal(c)
	dl := &store.DeadLetter{ContentHash: c.ContentHash, Stage: "publisher", Error: "boom", Candidate: payload, Attempts: 3}
	require.NoError(t, h.st.InsertDeadLetter(ctx, dl))

	rr := doJSON(t, handler, http.MethodPost, "/api/deadletters/"+dl.ID+"/reprocess", nil, testToken)
	require.Equal(t, http.StatusOK, rr.Code)

	assert.Equal(t, 1, h.router.Depths()["low"], "reprocessed records re-enter at low priority")
	letters, _ := h.st.ListDeadLetters(ctx, 10)
	assert.Empty(t, letters)

	rr = doJSON(t, handler, http.MethodPost, "/api/deadletters/"+dl.ID+"/reprocess", nil, testToken)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSubmissionAdmission(t *testing.T) {
	_, _, handler := newTestAPI(t)

	sub := collector.Submission{
		Title:     "Catalytic grant for women-led AI startups",
		URL:       "https://fund.example/apply",
		AmountUSD: 250000,
		OrgNames:  []string{"Example Fund"},
		Submitter: "ops@example.org",
	}
	rr := doJSON(t, handler, http.MethodPost, "/api/submissions", sub, "")
	assert.Equal(t, http.StatusAccepted, rr.Code)

	invalid := collector.Submission{Submitter: "ops@example.org"}
	rr = doJSON(t, handler, http.MethodPost, "/api/submissions", invalid, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSubmissionIdempotencyReplay(t *testing.T) {
	_, _, handler := newTestAPI(t)

	sub := collector.Submission{Title: "Accelerator cohort open", Submitter: "ops@example.org"}
	body, _ := json.Marshal(sub)

	first := httptest.NewRequest(http.MethodPost, "/api/submissions", bytes.NewReader(body))
	first.Header.Set("Idempotency-Key", "k-123")
	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, first)
	require.Equal(t, http.StatusAccepted, rr1.Code)

	second := httptest.NewRequest(http.MethodPost, "/api/submissions", bytes.NewReader(body))
	second.Header.Set("Idempotency-Key", "k-123")
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, second)
	require.Equal(t, http.StatusAccepted, rr2.Code)

	assert.JSONEq(t, rr1.Body.String(), rr2.Body.String(), "retries replay the original response")
}

func TestRecordTimelineEndpoint(t *testing.T) {
	_, h, handler := newTestAPI(t)

	h.pipeline.processFull(context.Background(), fundingCandidate(1))

	rr := doJSON(t, handler, http.MethodGet, "/api/debug/records/hash-1", nil, testToken)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, handler, http.MethodGet, "/api/debug/records/nope", nil, testToken)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
