package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/afrifund/fundflow/ingestion/adapters"
	"github.com/afrifund/fundflow/ingestion/audit"
	"github.com/afrifund/fundflow/ingestion/classifier"
	"github.com/afrifund/fundflow/ingestion/collector"
	"github.com/afrifund/fundflow/ingestion/dedup"
	"github.com/afrifund/fundflow/ingestion/health"
	"github.com/afrifund/fundflow/ingestion/middleware"
	"github.com/afrifund/fundflow/ingestion/publisher"
	"github.com/afrifund/fundflow/ingestion/router"
	"github.com/afrifund/fundflow/ingestion/scrapequeue"
	"github.com/afrifund/fundflow/ingestion/store"
	"github.com/afrifund/fundflow/ingestion/validator"
)

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		logrus.WithField("var", key).Warn("invalid integer env value, using default")
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			return f
		}
		logrus.WithField("var", key).Warn("invalid threshold env value, using default")
	}
	return def
}

func defaultFeeds() []string {
	return []string{
		"https://techcabal.com/feed/",
		"https://disrupt-africa.com/feed/",
		"https://techpoint.africa/feed/",
		"https://ventureburn.com/feed/",
	}
}

func main() {
	if envStr("LOG_FORMAT", "") == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	log := logrus.WithField("component", "main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store: postgres when configured, in-memory for local development.
	var st store.Store
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := store.NewPostgresStore(ctx, dsn)
		if err != nil {
			log.WithError(err).Fatal("postgres connection failed")
		}
		defer pg.Close()
		st = pg
		log.Info("using postgres store")
	} else {
		st = store.NewMemoryStore()
		log.Warn("DATABASE_URL unset, using in-memory store (nothing survives restart)")
	}

	// Seen-set and idempotency: redis when configured, memory otherwise.
	var seen store.SeenSet
	var idem store.Idempotency
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rs, err := store.NewRedisSeen(addr, os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			log.WithError(err).Fatal("redis connection failed")
		}
		defer rs.Close()
		seen, idem = rs, rs
		log.Info("using redis seen-set")
	} else {
		mem := store.NewMemoryStore()
		seen, idem = mem, mem
		log.Warn("REDIS_ADDR unset, using in-memory seen-set")
	}

	// Source health registry with per-collector quota overrides.
	healthCfg := health.DefaultConfig()
	for id, envKey := range map[string]string{
		"rss":        "RSS_QUOTA_PER_MIN",
		"websearch":  "WEBSEARCH_QUOTA_PER_MIN",
		"submission": "SUBMISSION_QUOTA_PER_MIN",
		"deepcrawl":  "DEEPCRAWL_QUOTA_PER_MIN",
	} {
		cc := healthCfg.Collectors[id]
		cc.PerMinuteQuota = envInt(envKey, cc.PerMinuteQuota)
		healthCfg.Collectors[id] = cc
	}
	registry := health.NewRegistry(healthCfg)
	go registry.Run(ctx)

	rt := router.New(router.DefaultConfig(), registry)

	// Scrape queue.
	scrapeCfg := scrapequeue.DefaultConfig()
	scrapeCfg.Workers = envInt("SCRAPE_WORKERS", scrapeCfg.Workers)
	fetcher := adapters.NewHTTPFetcher(1, 2)
	if ua := os.Getenv("FETCH_USER_AGENT"); ua != "" {
		fetcher.SetUserAgent(ua)
	}
	manager := scrapequeue.NewManager(scrapeCfg, st, fetcher)
	go manager.Run(ctx)

	// External adapters.
	llmURL := os.Getenv("LLM_API_URL")
	if llmURL == "" {
		log.Fatal("LLM_API_URL is required")
	}
	llm := adapters.NewRetryLLM(adapters.NewLLMClient(llmURL, os.Getenv("LLM_API_KEY")))

	var vindex adapters.VectorIndex
	if u := os.Getenv("VECTOR_API_URL"); u != "" {
		vindex = adapters.NewVectorClient(u, os.Getenv("VECTOR_API_KEY"))
	} else {
		log.Warn("VECTOR_API_URL unset, semantic similarity disabled")
	}

	// Classifier with enrichment parking.
	clCfg := classifier.DefaultConfig()
	clCfg.EnrichmentThreshold = envFloat("ENRICHMENT_THRESHOLD", clCfg.EnrichmentThreshold)
	cl := classifier.New(clCfg, llm, manager)
	go cl.Run(ctx)

	// Dedup engine.
	ddCfg := dedup.DefaultConfig()
	ddCfg.HardThreshold = envFloat("DEDUP_HARD_THRESHOLD", ddCfg.HardThreshold)
	engine := dedup.NewEngine(ddCfg, st, dedup.NewOrgResolver(st), vindex)

	// Validator.
	vdCfg := validator.DefaultConfig()
	vdCfg.AutoApprove = envFloat("AUTO_APPROVE", vdCfg.AutoApprove)
	vdCfg.ReviewFloor = envFloat("REVIEW_FLOOR", vdCfg.ReviewFloor)
	vd := validator.New(vdCfg, llm, registry)

	pb := publisher.New(publisher.DefaultConfig(), st, rt)

	timeline := audit.NewTimeline()
	pipeline := NewPipeline(envInt("PIPELINE_WORKERS", 8), rt, cl, engine, vd, pb, st, timeline)
	go pipeline.Run(ctx)

	// Collectors.
	feeds := defaultFeeds()
	if v := os.Getenv("RSS_FEEDS"); v != "" {
		feeds = strings.Split(v, ",")
	}
	collectors := []collector.Collector{
		collector.NewRSS(collector.DefaultRSSConfig(feeds), registry, seen),
		collector.NewUserSubmissions(collector.DefaultUserSubmissionsConfig(), registry, seen),
		collector.NewDeepCrawl(collector.DeepCrawlConfig{}, manager.Completions(), llm, registry, seen, cl),
	}
	if u := os.Getenv("SEARCH_API_URL"); u != "" {
		search := adapters.NewSearchClient(u, os.Getenv("SEARCH_API_KEY"))
		collectors = append(collectors, collector.NewWebSearch(collector.DefaultWebSearchConfig(), search, registry, seen))
	} else {
		log.Warn("SEARCH_API_URL unset, web-search collector disabled")
	}

	var subs *collector.UserSubmissions
	for _, c := range collectors {
		if u, ok := c.(*collector.UserSubmissions); ok {
			subs = u
		}
		go func(c collector.Collector) {
			if err := c.Run(ctx, rt); err != nil && ctx.Err() == nil {
				log.WithError(err).WithField("collector", c.ID()).Error("collector stopped")
			}
		}(c)
	}

	// Operator surface.
	api := NewAPI(registry, rt, cl, pb, subs, st, idem, timeline)
	hub := NewHub(api)
	api.SetHub(hub)
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	operatorToken := os.Getenv("OPERATOR_TOKEN")
	if operatorToken == "" {
		log.Warn("OPERATOR_TOKEN unset, operator API is unauthenticated")
	}
	api.Routes(mux, middleware.Auth(operatorToken))

	handler := middleware.Chain(mux, middleware.CORS, middleware.Logging)

	addr := envStr("LISTEN_ADDR", ":8080")
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("server shutdown")
		}
	}()

	log.WithField("addr", addr).Info("ingestion core listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("server failed")
	}
	log.Info("shutdown complete")
}
