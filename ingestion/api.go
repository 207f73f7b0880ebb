package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/afrifund/fundflow/ingestion/audit"
	"github.com/afrifund/fundflow/ingestion/classifier"
	"github.com/afrifund/fundflow/ingestion/collector"
	"github.com/afrifund/fundflow/ingestion/faults"
	"github.com/afrifund/fundflow/ingestion/health"
	"github.com/afrifund/fundflow/ingestion/publisher"
	"github.com/afrifund/fundflow/ingestion/record"
	"github.com/afrifund/fundflow/ingestion/router"
	"github.com/afrifund/fundflow/ingestion/store"
)

const idempotencyTTL = 24 * time.Hour

// API is the operator surface: collector control, queue inspection, review
// adjudication, dead-letter reprocessing and the admission endpoint.
type API struct {
	registry    *health.Registry
	router      *router.Router
	classifier  *classifier.Classifier
	publisher   *publisher.Publisher
	submissions *collector.UserSubmissions
	st          store.Store
	idem        store.Idempotency
	timeline    *audit.Timeline
	hub         *Hub

	upgrader websocket.Upgrader
	log      *logrus.Entry
}

func NewAPI(reg *health.Registry, rt *router.Router, cl *classifier.Classifier, pb *publisher.Publisher, subs *collector.UserSubmissions, st store.Store, idem store.Idempotency, tl *audit.Timeline) *API {
	return &API{
		registry:    reg,
		router:      rt,
		classifier:  cl,
		publisher:   pb,
		submissions: subs,
		st:          st,
		idem:        idem,
		timeline:    tl,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logrus.WithField("component", "api"),
	}
}

// SetHub wires the websocket hub after construction; the hub needs the API
// for snapshots.
func (a *API) SetHub(h *Hub) { a.hub = h }

// Routes registers the API. Operator endpoints go behind auth; the admission
// endpoint, health view and websocket stream stay open.
func (a *API) Routes(mux *http.ServeMux, auth func(http.Handler) http.Handler) {
	op := func(h http.HandlerFunc) http.Handler { return auth(h) }

	mux.HandleFunc("GET /api/health", a.handleHealth)
	mux.Handle("POST /api/collectors/{id}/pause", op(a.handlePause))
	mux.Handle("POST /api/collectors/{id}/resume", op(a.handleResume))
	mux.Handle("POST /api/collectors/{id}/breaker", op(a.handleBreaker))
	mux.Handle("POST /api/router/mode", op(a.handleMode))
	mux.Handle("POST /api/router/drain", op(a.handleDrain))
	mux.Handle("GET /api/review", op(a.handleListReview))
	mux.Handle("POST /api/review/{id}/resolve", op(a.handleResolveReview))
	mux.Handle("GET /api/deadletters", op(a.handleListDeadLetters))
	mux.Handle("POST /api/deadletters/{id}/reprocess", op(a.handleReprocess))
	mux.HandleFunc("POST /api/submissions", a.handleSubmit)
	mux.Handle("GET /api/debug", op(a.handleDebug))
	mux.Handle("GET /api/debug/records/{hash}", op(a.handleRecordTimeline))
	mux.HandleFunc("GET /ws", a.handleWS)
}

// PipelineSnapshot is the one-second operator view, also broadcast over the
// websocket hub.
type PipelineSnapshot struct {
	Timestamp         time.Time         `json:"timestamp"`
	RouterMode        router.Mode       `json:"router_mode"`
	QueueDepths       map[string]int    `json:"queue_depths"`
	Collectors        []health.Snapshot `json:"collectors"`
	PendingEnrichment int               `json:"pending_enrichment"`
	ScrapeQueueDepth  int               `json:"scrape_queue_depth"`
	ReviewQueueDepth  int               `json:"review_queue_depth"`
}

func (a *API) snapshot(ctx context.Context) PipelineSnapshot {
	snap := PipelineSnapshot{
		Timestamp:         time.Now(),
		RouterMode:        a.router.GetMode(),
		QueueDepths:       a.router.Depths(),
		Collectors:        a.registry.SnapshotAll(),
		PendingEnrichment: a.classifier.PendingCount(),
	}
	if n, err := a.st.CountReadyScrapes(ctx); err == nil {
		snap.ScrapeQueueDepth = n
	}
	if n, err := a.st.CountReview(ctx); err == nil {
		snap.ReviewQueueDepth = n
	}
	return snap
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.snapshot(r.Context()))
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a.registry.SetStatus(id, health.StatusMaintenance, "operator pause")
	writeJSON(w, http.StatusOK, map[string]string{"collector": id, "status": string(health.StatusMaintenance)})
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a.registry.SetStatus(id, health.StatusActive, "operator resume")
	writeJSON(w, http.StatusOK, map[string]string{"collector": id, "status": string(health.StatusActive)})
}

func (a *API) handleBreaker(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Open bool `json:"open"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	a.registry.ForceBreaker(id, body.Open)
	writeJSON(w, http.StatusOK, map[string]any{"collector": id, "open": body.Open})
}

func (a *API) handleMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode router.Mode `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	switch body.Mode {
	case router.ModeNormal, router.ModeDegraded, router.ModeDraining:
	default:
		http.Error(w, "unknown mode", http.StatusBadRequest)
		return
	}
	a.router.SetMode(body.Mode)
	writeJSON(w, http.StatusOK, map[string]any{"mode": body.Mode})
}

// handleDrain empties the router. Drained records are preserved as dead
// letters so the operator can reprocess them after the incident.
func (a *API) handleDrain(w http.ResponseWriter, r *http.Request) {
	drained := a.router.Drain()
	for _, c := range drained {
		payload, _ := json.Marshal(c)
		dl := &store.DeadLetter{
			ContentHash: c.ContentHash,
			Stage:       "router",
			Error:       "operator drain",
			Candidate:   payload,
			Attempts:    c.Attempts,
		}
		if err := a.st.InsertDeadLetter(r.Context(), dl); err != nil {
			a.log.WithError(err).WithField("record", c.ContentHash).Error("drain dead-letter failed")
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"drained": len(drained)})
}

func (a *API) handleListReview(w http.ResponseWriter, r *http.Request) {
	items, err := a.st.ListReview(r.Context(), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *API) handleResolveReview(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Approved bool `json:"approved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	item, err := a.st.ResolveReview(r.Context(), r.PathValue("id"), body.Approved)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if body.Approved {
		if err := a.publisher.PublishApproved(r.Context(), item); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *API) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := a.st.ListDeadLetters(r.Context(), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, letters)
}

// handleReprocess re-submits a dead letter to the router at low priority with
// the attempt counter reset.
func (a *API) handleReprocess(w http.ResponseWriter, r *http.Request) {
	dl, err := a.st.TakeDeadLetter(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if dl == nil {
		http.Error(w, "dead letter not found", http.StatusNotFound)
		return
	}

	var c record.Candidate
	if err := json.Unmarshal(dl.Candidate, &c); err != nil {
		http.Error(w, "stored candidate is unreadable", http.StatusInternalServerError)
		return
	}
	c.Attempts = 0
	c.Priority = record.PriorityLow
	if err := a.router.Requeue(&c); err != nil {
		// Router refused; put the letter back so the record is not lost.
		if ierr := a.st.InsertDeadLetter(r.Context(), dl); ierr != nil {
			a.log.WithError(ierr).WithField("record", dl.ContentHash).Error("dead-letter restore failed")
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	a.timeline.Record(audit.Event{ContentHash: c.ContentHash, Stage: "ROUTED", Collector: c.Collector, Metadata: map[string]string{"source": "dead_letter_reprocess"}})
	writeJSON(w, http.StatusOK, map[string]string{"record": c.ContentHash, "status": "requeued"})
}

// handleSubmit is the user admission endpoint. An Idempotency-Key header
// makes retries safe: the first response is cached and replayed.
func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	if key != "" && a.idem != nil {
		if cached, ok, err := a.idem.GetIdempotent(r.Context(), key); err == nil && ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte(cached))
			return
		}
	}

	var sub collector.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := a.submissions.Submit(r.Context(), sub); err != nil {
		switch faults.KindOf(err) {
		case faults.SchemaViolation:
			http.Error(w, err.Error(), http.StatusBadRequest)
		case faults.QueueFull:
			http.Error(w, err.Error(), http.StatusTooManyRequests)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	resp := map[string]string{"id": uuid.NewString(), "status": "accepted"}
	body, _ := json.Marshal(resp)
	if key != "" && a.idem != nil {
		if _, err := a.idem.SetIdempotentNX(r.Context(), key, string(body), idempotencyTTL); err != nil {
			a.log.WithError(err).Warn("idempotency store failed")
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	w.Write(body)
}

func (a *API) handleDebug(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"snapshot": a.snapshot(r.Context()),
		"timeline": a.timeline.Recent(100),
	}
	if a.hub != nil {
		out["ws_clients"] = a.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleRecordTimeline(w http.ResponseWriter, r *http.Request) {
	events := a.timeline.Events(r.PathValue("hash"))
	if len(events) == 0 {
		http.Error(w, "no events for record", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *API) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	a.hub.Register(conn)

	// Read pump: discard inbound frames, unregister on close.
	go func() {
		defer a.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("response encode failed")
	}
}
