// Entry point for the search-scrape MCP service: meta-search, the scrape
// escalation ladder, research memory, and deep research behind one server.
// Stdio is the default transport; -http adds a streamable HTTP endpoint.
package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/DevsHero/search-scrape/config"
	"github.com/DevsHero/search-scrape/dbopen"
	"github.com/DevsHero/search-scrape/deepresearch"
	"github.com/DevsHero/search-scrape/distill"
	"github.com/DevsHero/search-scrape/domains"
	"github.com/DevsHero/search-scrape/embedding"
	"github.com/DevsHero/search-scrape/mcpquic"
	"github.com/DevsHero/search-scrape/observability"
	"github.com/DevsHero/search-scrape/proxypool"
	"github.com/DevsHero/search-scrape/recall"
	"github.com/DevsHero/search-scrape/scraper"
	"github.com/DevsHero/search-scrape/searcher"
	"github.com/DevsHero/search-scrape/sessions"
	"github.com/DevsHero/search-scrape/shield"
)

const version = "1.0.0"

// serpExtraWaitMS gives rendered results pages time to hydrate before the
// DOM-idle settle loop starts.
const serpExtraWaitMS = 1200

func main() {
	configPath := flag.String("config", "", "path to search-scrape.json (default: standard lookup chain)")
	httpAddr := flag.String("http", "", "serve MCP over HTTP on this address in addition to stdio")
	quicAddr := flag.String("quic", "", "serve MCP over QUIC on this address in addition to stdio")
	flag.Parse()

	// Logs go to stderr: stdout belongs to the stdio MCP transport.
	boot := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath, boot)
	if err != nil {
		boot.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if *httpAddr == "" {
		*httpAddr = cfg.HTTPAddr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tables, err := domains.Load(cfg.DomainTablesPath)
	if err != nil {
		logger.Error("domain tables", "error", err)
		os.Exit(1)
	}

	// One SQLite file carries research memory and the observability tables.
	db, err := dbopen.Open(cfg.Memory.DBPath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(observability.Schema),
		dbopen.WithSchema(recall.Schema),
	)
	if err != nil {
		logger.Error("memory db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	audit := observability.NewAuditLogger(db, 256)
	defer audit.Close()
	metrics := observability.NewMetricsManager(db, 256, 30*time.Second)
	defer metrics.Close()
	heartbeat := observability.NewHeartbeatWriter(db, "search-scrape", time.Minute)
	heartbeat.Start(ctx)
	defer heartbeat.Stop()

	embedder := embedding.New(embedding.Config{
		Endpoint:  cfg.Embeddings.BaseURL,
		APIKey:    cfg.Embeddings.APIKey,
		Model:     cfg.Embeddings.Model,
		Dimension: cfg.Embeddings.Dimension,
		Logger:    logger,
	})

	var memory *recall.Store
	if !cfg.Memory.Disabled {
		memory = recall.New(db, embedder, logger)
	}

	// Proxy pool. An empty or missing file is a valid zero-proxy pool;
	// proxy_control grab fills it at runtime.
	proxyFile := cfg.Proxy.File
	if proxyFile == "" {
		proxyFile = filepath.Join(cfg.DataDir, "proxies.txt")
	}
	pool := proxypool.New(proxyFile, logger)
	if err := pool.Load(); err != nil {
		logger.Warn("proxy file not loaded", "file", proxyFile, "error", err)
	}
	sourcesFile := cfg.Proxy.SourcesFile
	if sourcesFile == "" {
		sourcesFile = filepath.Join(cfg.DataDir, "proxy_sources.txt")
	}
	grabber := proxypool.NewGrabber(sourcesFile, nil, logger)

	sessionStore := sessions.NewStore(filepath.Join(cfg.DataDir, "sessions"), logger)
	registry := sessions.NewRegistry(cfg.DataDir, logger)

	fetcher := scraper.NewFetchClient(scraper.FetchConfig{
		MaxConcurrent: int64(cfg.OutboundLimit),
		Window: scraper.Window{
			Min: time.Duration(cfg.Scrape.DelayMinMS) * time.Millisecond,
			Max: time.Duration(cfg.Scrape.DelayMaxMS) * time.Millisecond,
		},
	}, pool, sessionStore, logger)

	browser := scraper.NewBrowser(scraper.BrowserConfig{
		Executable:     cfg.ChromeExecutable(),
		BlockResources: []string{"Image", "Font", "Media"},
		Logger:         logger,
	})
	defer browser.Close()

	extractor := distill.New(tables, logger, distill.Config{
		NeuroSiphon:    cfg.SPAFastPathEnabled(),
		AggressiveCode: cfg.ImportNukingEnabled(),
	})

	// The interface fields must stay untyped-nil when memory is off, so a
	// typed nil store never masquerades as a live collaborator.
	var scrapeMemory scraper.Memory
	var searchHistory searcher.History
	var researchMemory deepresearch.Memory
	if memory != nil {
		scrapeMemory = memory
		searchHistory = historyAdapter{store: memory}
		researchMemory = memory
	}

	scrapeSvc := scraper.New(scraper.Config{
		CacheTTL:        time.Duration(cfg.Scrape.CacheTTLMinutes) * time.Minute,
		CacheMaxEntries: cfg.Scrape.CacheMaxEntries,
		NeuroSiphon:     cfg.NeurosiphonEnabled(),
		SemanticShave:   cfg.SemanticShaveEnabled(),
	}, scraper.Deps{
		Tables:    tables,
		Fetcher:   fetcher,
		Extractor: extractor,
		Renderer:  browser,
		Pool:      pool,
		Sessions:  sessionStore,
		Registry:  registry,
		Memory:    scrapeMemory,
		Embedder:  embedder,
		Audit:     audit,
		Logger:    logger,
	})

	searchSvc := searcher.New(searcher.Config{
		MaxPerEngine:     cfg.Search.MaxResultsPerEngine,
		CacheTTL:         time.Duration(cfg.Scrape.SearchCacheTTLMinutes) * time.Minute,
		NeuroSiphon:      cfg.NeurosiphonEnabled(),
		Rerank:           cfg.SearchRerankEnabled(),
		CommunitySources: cfg.CommunitySourcesEnabled(),
		Tier2:            cfg.Tier2NonRobotEnabled(),
		EngineTimeout:    cfg.EngineTimeout,
	}, searcher.Deps{
		Tables:   tables,
		Renderer: serpRenderer{r: browser},
		History:  searchHistory,
		Fetcher:  pageFetcher{svc: scrapeSvc},
		Logger:   logger,
	})

	// The research shave is the semantic_shave pass; without it the
	// pipeline passes full clean content through.
	var shaveEmbedder embedding.Embedder
	if cfg.SemanticShaveEnabled() {
		shaveEmbedder = embedder
	}

	llmKey, _ := cfg.LLMAPIKey()
	researchSvc := deepresearch.New(deepresearch.Config{
		Synthesis:  cfg.SynthesisEnabled(),
		LLMBaseURL: cfg.LLMBaseURL(),
		LLMModel:   cfg.LLMModel(),
		LLMAPIKey:  llmKey,
	}, deepresearch.Deps{
		Searcher: searchSvc,
		Scraper:  scrapeSvc,
		Memory:   researchMemory,
		Embedder: shaveEmbedder,
		Logger:   logger,
	})

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "search-scrape",
		Version: version,
	}, nil)
	searchSvc.RegisterMCP(srv)
	scrapeSvc.RegisterMCP(srv)
	if memory != nil {
		memory.RegisterMCP(srv)
	}
	(&proxypool.Controller{Pool: pool, Grabber: grabber}).RegisterMCP(srv)
	if cfg.DeepResearchEnabled() {
		researchSvc.RegisterMCP(srv)
	}

	go gaugeLoop(ctx, metrics, pool, memory)
	go retentionLoop(ctx, db, logger)

	if *httpAddr != "" {
		go serveHTTP(ctx, *httpAddr, srv, pool, memory, browser, logger)
	}
	if *quicAddr != "" {
		go serveQUIC(ctx, *quicAddr, srv, logger)
	}

	logger.Info("search-scrape starting",
		"version", version,
		"engines", cfg.Search.Engines,
		"memory", !cfg.Memory.Disabled,
		"browser", browser.Available(),
		"deep_research", cfg.DeepResearchEnabled(),
		"http", *httpAddr,
		"quic", *quicAddr)

	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		logger.Error("mcp server", "error", err)
		os.Exit(1)
	}
	logger.Info("search-scrape stopped")
}

// historyAdapter narrows the research memory store to what the search
// pipeline needs for duplicate warnings.
type historyAdapter struct {
	store *recall.Store
}

func (h historyAdapter) FindRecentDuplicate(ctx context.Context, query string, hoursBack int) (*searcher.Duplicate, error) {
	entry, score, err := h.store.FindRecentDuplicate(ctx, query, hoursBack)
	if err != nil || entry == nil {
		return nil, err
	}
	return &searcher.Duplicate{
		Query: entry.Query,
		Age:   time.Since(entry.Timestamp),
		Score: score,
	}, nil
}

func (h historyAdapter) LogSearch(ctx context.Context, query string, results any, count int) error {
	return h.store.LogSearch(ctx, query, results, count)
}

// pageFetcher lets search_structured inline scraped summaries by running
// the full escalation ladder per result.
type pageFetcher struct {
	svc *scraper.Service
}

func (p pageFetcher) FetchPage(ctx context.Context, url, query string) (*distill.Record, error) {
	res, err := p.svc.Scrape(ctx, scraper.Params{URL: url, Query: query})
	if err != nil {
		return nil, err
	}
	if res.Record == nil {
		reason := "page requires an interactive session"
		if res.NeedHITL != nil {
			reason = res.NeedHITL.Reason
		}
		return nil, fmt.Errorf("scrape %s: %s", url, reason)
	}
	return res.Record, nil
}

// serpRenderer adapts the browser tier to the search fallback, which only
// ever wants rendered HTML for an engine results URL.
type serpRenderer struct {
	r scraper.Renderer
}

func (s serpRenderer) Available() bool { return s.r.Available() }

func (s serpRenderer) RenderHTML(ctx context.Context, url string) ([]byte, error) {
	return scraper.RenderHTML(ctx, s.r, url, serpExtraWaitMS)
}

// gaugeLoop samples pool and memory size into the metrics timeseries.
func gaugeLoop(ctx context.Context, metrics *observability.MetricsManager, pool *proxypool.Pool, memory *recall.Store) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.RecordSimple("proxy_pool_size", float64(pool.Len()), "proxies")
			if memory != nil {
				if n, err := memory.Stats(ctx); err == nil {
					metrics.RecordSimple("research_memory_entries", float64(n), "rows")
				}
			}
		}
	}
}

// retentionLoop prunes aged observability rows once a day.
func retentionLoop(ctx context.Context, db *sql.DB, logger *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := observability.Cleanup(ctx, db, observability.RetentionConfig{
				AuditDays:      30,
				MetricsDays:    14,
				HeartbeatsDays: 7,
			})
			if err != nil {
				logger.Warn("observability cleanup", "error", err)
			}
		}
	}
}

// serveQUIC exposes the same MCP server over QUIC. Provisioned certs come
// from SEARCH_SCRAPE_TLS_CERT / SEARCH_SCRAPE_TLS_KEY; without them a
// self-signed certificate is generated and clients must skip verification.
func serveQUIC(ctx context.Context, addr string, srv *mcp.Server, logger *slog.Logger) {
	certFile := os.Getenv("SEARCH_SCRAPE_TLS_CERT")
	keyFile := os.Getenv("SEARCH_SCRAPE_TLS_KEY")

	var tlsCfg *tls.Config
	var err error
	if certFile != "" && keyFile != "" {
		tlsCfg, err = mcpquic.ServerTLSConfig(certFile, keyFile)
	} else {
		tlsCfg, err = mcpquic.SelfSignedTLSConfig()
	}
	if err != nil {
		logger.Error("quic tls", "error", err)
		return
	}

	ql, err := mcpquic.NewListener(addr, tlsCfg, srv, logger)
	if err != nil {
		logger.Error("quic listener", "error", err)
		return
	}
	defer ql.Close()

	if err := ql.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Error("quic listener", "error", err)
	}
}

func serveHTTP(ctx context.Context, addr string, srv *mcp.Server, pool *proxypool.Pool, memory *recall.Store, browser interface{ Available() bool }, logger *slog.Logger) {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack() {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok", "version": version})
	})
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		status := map[string]any{
			"version":           version,
			"browser_available": browser.Available(),
			"proxy_pool":        pool.GetStatus(),
		}
		if memory != nil {
			if n, err := memory.Stats(req.Context()); err == nil {
				status["memory_entries"] = n
			}
		}
		writeJSON(w, status)
	})
	r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil))

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("http listener starting", "addr", addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("http listener", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
