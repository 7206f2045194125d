// Package searcher fans a query out across SERP engines, fuses the hits
// into one corroboration-scored list, and exposes the search MCP tools.
package searcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DevsHero/search-scrape/connectivity"
	"github.com/DevsHero/search-scrape/distill"
	"github.com/DevsHero/search-scrape/domains"
	"github.com/DevsHero/search-scrape/searcher/internal/engines"
	"github.com/DevsHero/search-scrape/urlx"
)

// Result is one fused search hit. Field names are the wire contract.
type Result struct {
	URL           string   `json:"url"`
	Title         string   `json:"title"`
	Content       string   `json:"content"`
	Engine        string   `json:"engine,omitempty"`
	EngineSources []string `json:"engine_sources,omitempty"`
	Score         float64  `json:"score"`
	PublishedAt   string   `json:"published_at,omitempty"`
	Breadcrumbs   []string `json:"breadcrumbs,omitempty"`
	RichSnippet   string   `json:"rich_snippet,omitempty"`
	Domain        string   `json:"domain,omitempty"`
	SourceType    string   `json:"source_type,omitempty"`
}

// Response is the search_web payload.
type Response struct {
	Query            string   `json:"query"`
	EffectiveQuery   string   `json:"effective_query,omitempty"`
	Results          []Result `json:"results"`
	Total            int      `json:"total"`
	DuplicateWarning string   `json:"duplicate_warning,omitempty"`
	QueryRewrite     *Rewrite `json:"query_rewrite,omitempty"`
	Cached           bool     `json:"cached,omitempty"`
}

// Params are per-call search options.
type Params struct {
	// Engines restricts the fan-out. Empty means all engines plus the
	// automatic query forcing and community expansion.
	Engines    []string
	MaxResults int
}

// EngineRunner executes one engine query. The default runner goes over
// HTTP; tests inject canned results.
type EngineRunner interface {
	Run(ctx context.Context, engine, query string, maxResults int) ([]engines.Result, error)
}

// SERPRenderer renders a SERP URL in a real browser when the plain HTTP
// path gets gated.
type SERPRenderer interface {
	Available() bool
	RenderHTML(ctx context.Context, url string) ([]byte, error)
}

// Duplicate is a prior near-identical search surfaced from memory.
type Duplicate struct {
	Query string
	Age   time.Duration
	Score float64
}

// History is the slice of research memory the search path needs.
type History interface {
	FindRecentDuplicate(ctx context.Context, query string, hoursBack int) (*Duplicate, error)
	LogSearch(ctx context.Context, query string, results any, count int) error
}

// PageFetcher scrapes one result page for search_structured inlining.
type PageFetcher interface {
	FetchPage(ctx context.Context, url, query string) (*distill.Record, error)
}

// Config tunes the search service.
type Config struct {
	MaxPerEngine     int
	CacheTTL         time.Duration
	NeuroSiphon      bool
	CommunitySources bool
	Tier2            bool

	// Rerank gates the keyword-boost and rerank pass over fused results.
	Rerank bool

	// EngineTimeout returns the tail-latency budget for one engine.
	EngineTimeout func(engine string) time.Duration
}

// Deps are the service collaborators. Runner, Renderer, History and
// Fetcher may be nil; the matching feature degrades quietly.
type Deps struct {
	Tables   *domains.Tables
	HTTP     *http.Client
	Runner   EngineRunner
	Renderer SERPRenderer
	History  History
	Fetcher  PageFetcher
	Logger   *slog.Logger
}

const (
	defaultMaxPerEngine = 10
	defaultCacheTTL     = 10 * time.Minute
	rerankTopN          = 50
	duplicateLookback   = 6 // hours
)

// Service is the meta-search front end.
type Service struct {
	cfg    Config
	deps   Deps
	cache  *resultCache
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*connectivity.CircuitBreaker
}

// New builds a Service with defaults filled in.
func New(cfg Config, deps Deps) *Service {
	if cfg.MaxPerEngine <= 0 {
		cfg.MaxPerEngine = defaultMaxPerEngine
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.EngineTimeout == nil {
		cfg.EngineTimeout = defaultEngineTimeout
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: 10 * time.Second}
	}
	if deps.Runner == nil {
		deps.Runner = &httpRunner{client: deps.HTTP}
	}
	return &Service{
		cfg:      cfg,
		deps:     deps,
		cache:    newResultCache(cfg.CacheTTL),
		logger:   deps.Logger.With("component", "searcher"),
		breakers: make(map[string]*connectivity.CircuitBreaker),
	}
}

func defaultEngineTimeout(engine string) time.Duration {
	switch engine {
	case "duckduckgo", "ddg":
		return 4500 * time.Millisecond
	case "brave":
		return 3500 * time.Millisecond
	default:
		return 2500 * time.Millisecond
	}
}

// httpRunner is the production EngineRunner.
type httpRunner struct {
	client *http.Client
}

func (r *httpRunner) Run(ctx context.Context, engine, query string, maxResults int) ([]engines.Result, error) {
	eng, ok := engines.ByName(engine)
	if !ok {
		return nil, fmt.Errorf("searcher: unknown engine %q", engine)
	}
	return engines.Search(ctx, r.client, eng, query, maxResults)
}

// Search runs the full pipeline: duplicate check, query rewrite, forcing,
// parallel engine fan-out, community expansion, fusion, rerank, cache.
func (s *Service) Search(ctx context.Context, query string, opts Params) (*Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("searcher: empty query")
	}

	resp := &Response{Query: query}

	if s.cfg.NeuroSiphon && s.deps.History != nil {
		resp.DuplicateWarning = s.duplicateWarning(ctx, query)
	}

	effective := query
	if s.cfg.NeuroSiphon {
		rw := RewriteQuery(query)
		resp.QueryRewrite = rw
		if rw.WasRewritten() {
			effective = rw.BestQuery()
			s.logger.Info("query rewritten", "from", query, "to", effective)
		}
	}

	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = s.cfg.MaxPerEngine
	}

	key := cacheKey(query, opts.Engines, maxResults, s.cfg.NeuroSiphon, s.cfg.Rerank)
	if cached, ok := s.cache.get(key); ok {
		resp.Results = cached
		resp.Total = len(cached)
		resp.Cached = true
		return resp, nil
	}

	// Query-context engine forcing only applies when the caller did not
	// pin engines explicitly.
	if len(opts.Engines) == 0 {
		effective = forceSiteFilter(effective)
	}
	resp.EffectiveQuery = effective

	engineList := opts.Engines
	if len(engineList) == 0 {
		engineList = engines.Names()
	}

	raw := s.fanOut(ctx, engineList, effective, maxResults)

	if s.cfg.CommunitySources && len(opts.Engines) == 0 {
		community := effective + " (site:reddit.com OR site:news.ycombinator.com)"
		raw = append(raw, s.fanOut(ctx, engines.Names(), community, maxResults)...)
	}

	results := fuse(raw, query, s.deps.Tables)

	if s.cfg.Rerank {
		results = boostByEarlyKeywords(results, query)
		results = NewReranker(query).RerankTop(results, rerankTopN)
	}

	s.cache.put(key, results)

	if s.deps.History != nil {
		if err := s.deps.History.LogSearch(ctx, query, results, len(results)); err != nil {
			s.logger.Warn("search history write failed", "error", err)
		}
	}

	resp.Results = results
	resp.Total = len(results)
	return resp, nil
}

// fanOut runs every engine in parallel and flattens the batches. Engine
// failures degrade to empty batches; the fused list just gets thinner.
func (s *Service) fanOut(ctx context.Context, engineList []string, query string, maxResults int) []Result {
	batches := make([][]Result, len(engineList))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range engineList {
		g.Go(func() error {
			batches[i] = s.runEngine(gctx, name, query, maxResults)
			return nil
		})
	}
	g.Wait()

	var out []Result
	for _, b := range batches {
		out = append(out, b...)
	}
	return out
}

// runEngine executes one engine under its timeout and circuit breaker,
// escalating blocked responses to the rendered tier when enabled.
func (s *Service) runEngine(ctx context.Context, name, query string, maxResults int) []Result {
	eng, ok := engines.ByName(name)
	if !ok {
		s.logger.Debug("unknown engine requested", "engine", name)
		return nil
	}

	cb := s.breaker(eng.Name)
	if !cb.Allow() {
		s.logger.Debug("engine quarantined", "engine", eng.Name)
		return nil
	}

	ectx, cancel := context.WithTimeout(ctx, s.cfg.EngineTimeout(eng.Name))
	defer cancel()

	raw, err := s.deps.Runner.Run(ectx, eng.Name, query, maxResults)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case errors.As(err, new(*engines.BlockedError)):
		cb.RecordFailure()
		s.logger.Warn("engine blocked, trying rendered fallback", "engine", eng.Name, "error", err)
		raw = s.tier2(ctx, eng, query, maxResults)
	default:
		cb.RecordFailure()
		s.logger.Warn("engine failed", "engine", eng.Name, "error", err)
		return nil
	}

	out := make([]Result, 0, len(raw))
	for _, r := range raw {
		out = append(out, fromEngine(r, s.deps.Tables))
	}
	return out
}

// tier2 renders the SERP in a real browser and re-parses it with the same
// engine parser. Best effort; nil on any failure.
func (s *Service) tier2(ctx context.Context, eng engines.Engine, query string, maxResults int) []engines.Result {
	if !s.cfg.Tier2 || s.deps.Renderer == nil || !s.deps.Renderer.Available() {
		return nil
	}
	html, err := s.deps.Renderer.RenderHTML(ctx, eng.SearchURL(query, maxResults))
	if err != nil {
		s.logger.Warn("rendered SERP fallback failed", "engine", eng.Name, "error", err)
		return nil
	}
	parsed := eng.Parse(html, maxResults)
	if len(parsed) == 0 {
		s.logger.Warn("rendered SERP parsed zero results", "engine", eng.Name)
	}
	return parsed
}

func (s *Service) breaker(engine string) *connectivity.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[engine]
	if !ok {
		cb = connectivity.NewCircuitBreaker(
			connectivity.WithBreakerThreshold(3),
			connectivity.WithBreakerResetTimeout(2*time.Minute),
		)
		s.breakers[engine] = cb
	}
	return cb
}

func (s *Service) duplicateWarning(ctx context.Context, query string) string {
	dup, err := s.deps.History.FindRecentDuplicate(ctx, query, duplicateLookback)
	if err != nil {
		s.logger.Warn("duplicate check failed", "error", err)
		return ""
	}
	if dup == nil {
		return ""
	}

	var when string
	if h := int(dup.Age.Hours()); h > 0 {
		when = fmt.Sprintf("%d hour%s ago", h, plural(h))
	} else {
		m := int(dup.Age.Minutes())
		when = fmt.Sprintf("%d minute%s ago", m, plural(m))
	}
	s.logger.Warn("duplicate search detected", "previous", dup.Query, "age", dup.Age)
	return fmt.Sprintf("⚠️ Similar search found from %s (similarity: %.2f). Consider checking history first.", when, dup.Score)
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// forceSiteFilter narrows queries that name a well-known host onto that
// host directly.
func forceSiteFilter(query string) string {
	lower := strings.ToLower(query)
	switch {
	case strings.Contains(lower, "github") || strings.Contains(lower, "repo") || strings.Contains(lower, "repository"):
		return query + " site:github.com"
	case strings.Contains(lower, "stackoverflow") || strings.Contains(lower, "stack overflow"):
		return query + " site:stackoverflow.com"
	}
	return query
}

func cacheKey(query string, engineList []string, maxResults int, neuro, rerank bool) string {
	ns, rr := 0, 0
	if neuro {
		ns = 1
	}
	if rerank {
		rr = 1
	}
	return fmt.Sprintf("q=%s|eng=%s|max=%d|ns=%d|rr=%d", query, strings.Join(engineList, ","), maxResults, ns, rr)
}

// fromEngine lifts a raw SERP hit into the fused result shape, filling
// the URL-derived metadata the parsers leave blank.
func fromEngine(r engines.Result, tables *domains.Tables) Result {
	host := urlx.Host(r.URL)
	source := ""
	if tables != nil {
		source = tables.Classify(host)
	}
	return Result{
		URL:           r.URL,
		Title:         r.Title,
		Content:       r.Snippet,
		Engine:        r.Engine,
		EngineSources: []string{r.Engine},
		PublishedAt:   r.PublishedAt,
		Breadcrumbs:   urlx.Breadcrumbs(r.URL),
		RichSnippet:   r.RichSnippet,
		Domain:        host,
		SourceType:    source,
	}
}
