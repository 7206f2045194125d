// Package scraper is the escalation controller: the ladder that takes a
// URL through cache, rewrites, plain HTTP, block classification, proxy
// rotation, browser rendering, and finally a human hand-off when nothing
// automated can clear the wall.
//
// Each rung is strictly more expensive than the one before it, so the
// controller only climbs when the cheaper rung demonstrably failed.
// Successful extractions are cached and logged to research memory;
// auth-walled and CAPTCHA outcomes are never written to either, so a
// poisoned response cannot shadow a later legitimate one.
package scraper

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/singleflight"

	"github.com/DevsHero/search-scrape/distill"
	"github.com/DevsHero/search-scrape/domains"
	"github.com/DevsHero/search-scrape/embedding"
	"github.com/DevsHero/search-scrape/netguard"
	"github.com/DevsHero/search-scrape/observability"
	"github.com/DevsHero/search-scrape/proxypool"
	"github.com/DevsHero/search-scrape/scraper/internal/block"
	"github.com/DevsHero/search-scrape/scraper/internal/browser"
	"github.com/DevsHero/search-scrape/scraper/internal/fetch"
	"github.com/DevsHero/search-scrape/sessions"
	"github.com/DevsHero/search-scrape/urlx"
)

const (
	// lowScoreFloor triggers a browser re-attempt after a static extract.
	lowScoreFloor = 0.4

	// renderGainWords is the minimum word-count improvement a low-score
	// render must show before it replaces the static extract.
	renderGainWords = 20
)

// Renderer is the browser tier as the controller sees it. Nil-able: hosts
// without Chrome stop the ladder before the render rung.
type Renderer interface {
	Available() bool
	Render(ctx context.Context, req browser.RenderRequest) (*browser.RenderResult, error)
	Interactive(ctx context.Context, req browser.InteractiveRequest) (*browser.InteractiveResult, error)
}

// Memory is the slice of research memory the controller writes to.
type Memory interface {
	LogScrape(ctx context.Context, url, title, summary, domain string, result any) error
	IsRapidTesting(ctx context.Context, url string) (bool, error)
}

// NeedHITL is the terminal ladder outcome: automation is out of moves and
// a human session is the suggested next step. Serialized as-is to agents.
type NeedHITL struct {
	Status          string  `json:"status"`
	URL             string  `json:"url"`
	Reason          string  `json:"reason"`
	BlockKind       string  `json:"block_kind"`
	AuthRiskScore   float64 `json:"auth_risk_score,omitempty"`
	SuggestedAction string  `json:"suggested_action"`
}

// Result is one finished scrape: either an extracted record or a HITL
// hand-off, never both.
type Result struct {
	Record   *distill.Record `json:"record,omitempty"`
	NeedHITL *NeedHITL       `json:"need_hitl,omitempty"`
	Cached   bool            `json:"cached,omitempty"`
}

// Params are the caller-facing scrape knobs.
type Params struct {
	URL      string
	UseProxy bool

	// Query drives the relevance filter; StrictRelevance turns filtering
	// on, Threshold overrides the default 0.35.
	Query              string
	StrictRelevance    bool
	RelevanceThreshold float64

	// ExtractAppState force-returns sparse SPA state blobs.
	ExtractAppState bool
	AllLinks        bool

	// Interactive opens a visible browser session immediately instead of
	// climbing the ladder. Instruction is shown to the human.
	Interactive bool
	Instruction string
}

// Config tunes the controller.
type Config struct {
	CacheTTL        time.Duration
	CacheMaxEntries int
	NeuroSiphon     bool

	// SemanticShave gates the strict-relevance filter pass.
	SemanticShave bool

	// AllowPrivate skips the SSRF guard for deployments that scrape
	// intranet hosts.
	AllowPrivate bool
}

// Deps are the collaborating services. Renderer, Pool, Sessions, Registry,
// Memory, Embedder, and Audit may each be nil; the matching rung or side
// effect is skipped.
type Deps struct {
	Tables    *domains.Tables
	Fetcher   *fetch.Client
	Extractor *distill.Extractor
	Renderer  Renderer
	Pool      *proxypool.Pool
	Sessions  *sessions.Store
	Registry  *sessions.Registry
	Memory    Memory
	Embedder  embedding.Embedder
	Audit     *observability.AuditLogger
	Logger    *slog.Logger
}

// Service runs the escalation ladder. Safe for concurrent use.
type Service struct {
	cfg       Config
	logger    *slog.Logger
	tables    *domains.Tables
	fetcher   *fetch.Client
	extractor *distill.Extractor
	renderer  Renderer
	pool      *proxypool.Pool
	store     *sessions.Store
	registry  *sessions.Registry
	memory    Memory
	embedder  embedding.Embedder
	audit     *observability.AuditLogger
	detector  *block.Detector
	cache     *cache
	flight    singleflight.Group
}

// New builds the controller.
func New(cfg Config, d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Minute
	}
	return &Service{
		cfg:       cfg,
		logger:    d.Logger.With("component", "scraper"),
		tables:    d.Tables,
		fetcher:   d.Fetcher,
		extractor: d.Extractor,
		renderer:  d.Renderer,
		pool:      d.Pool,
		store:     d.Sessions,
		registry:  d.Registry,
		memory:    d.Memory,
		embedder:  d.Embedder,
		audit:     d.Audit,
		detector:  block.NewDetector(d.Tables),
		cache:     newCache(cfg.CacheTTL, cfg.CacheMaxEntries),
	}
}

// Scrape runs the full ladder for one URL. Identical in-flight requests
// (same fingerprint and knobs) collapse onto one upstream attempt.
func (s *Service) Scrape(ctx context.Context, p Params) (*Result, error) {
	start := time.Now()
	res, err := s.scrape(ctx, p)
	if s.audit != nil {
		s.audit.LogAsync(s.audit.NewAuditEntry("scraper", "scrape_url",
			map[string]any{"url": p.URL, "use_proxy": p.UseProxy},
			auditOutcome(res), err, time.Since(start)))
	}
	return res, err
}

func (s *Service) scrape(ctx context.Context, p Params) (*Result, error) {
	plan, err := PlanFetch(p.URL)
	if err != nil {
		return nil, err
	}
	if !s.cfg.AllowPrivate {
		if err := netguard.ValidateURL(plan.FetchURL); err != nil {
			return nil, err
		}
	}

	if p.Interactive {
		return s.interactive(ctx, plan.FetchURL, p)
	}

	key := s.cacheKey(plan.FetchURL, p)

	bypass := false
	if s.memory != nil {
		if rapid, merr := s.memory.IsRapidTesting(ctx, plan.FetchURL); merr == nil && rapid {
			s.logger.Info("rapid testing detected, bypassing cache", "url", plan.FetchURL)
			s.cache.invalidate(key)
			bypass = true
		}
	}
	if !bypass {
		if rec, ok := s.cache.get(key); ok {
			return &Result{Record: rec, Cached: true}, nil
		}
	}

	v, err, _ := s.flight.Do(key, func() (any, error) {
		return s.escalate(ctx, plan, p)
	})
	if err != nil {
		return nil, err
	}
	res := v.(*Result)

	if res.Record != nil && !bypass {
		s.cache.put(key, res.Record)
	}
	return res, nil
}

// cacheKey folds the URL fingerprint with every knob that changes the
// output, so a cached record is never served for a different mode.
func (s *Service) cacheKey(fetchURL string, p Params) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|ns=%t|eas=%t|al=%t", urlx.Fingerprint(fetchURL),
		s.cfg.NeuroSiphon, p.ExtractAppState, p.AllLinks)
	if p.StrictRelevance {
		fmt.Fprintf(h, "|sr=1|t=%.3f|q=%s", p.RelevanceThreshold, strings.TrimSpace(p.Query))
	}
	return fmt.Sprintf("%x", h.Sum64())
}

// escalate climbs the ladder: HTTP, classify, proxy, browser, HITL.
func (s *Service) escalate(ctx context.Context, plan *FetchPlan, p Params) (*Result, error) {
	resp, err := s.fetchOnce(ctx, plan.FetchURL, p.UseProxy)
	if err != nil {
		// Transport failure. The browser speaks TLS stacks and HTTP quirks
		// the plain client does not; try it before giving up.
		if s.renderAvailable() {
			s.logger.Info("transport error, escalating to browser", "url", plan.FetchURL, "error", err)
			return s.renderLadder(ctx, plan.FetchURL, "", p)
		}
		return nil, fmt.Errorf("scraper: fetch %s: %w", plan.FetchURL, err)
	}

	// A rewritten URL that 404s pivots back to the original rendering.
	if resp.Status == http.StatusNotFound && plan.Pivot != "" {
		if alt, aerr := s.fetchOnce(ctx, plan.Pivot, p.UseProxy); aerr == nil && alt.Status/100 == 2 {
			resp = alt
			plan = &FetchPlan{FetchURL: plan.Pivot, RawMedia: urlx.IsRawMedia(plan.Pivot)}
		}
	}

	contentType := resp.Header.Get("Content-Type")

	// PDFs and raw media are terminal payloads: no DOM to classify, no
	// interstitial to fear.
	if IsPDFURL(plan.FetchURL) || IsPDFResponse(contentType, resp.Body) {
		rec, perr := s.extractor.FromPDF(resp.Body, plan.FetchURL, distill.Options{
			StatusCode: resp.Status, ContentType: contentType,
		})
		if perr != nil {
			return nil, perr
		}
		return s.finish(ctx, rec, p), nil
	}
	if plan.RawMedia && resp.Status/100 == 2 {
		rec := s.extractor.FromRawText(resp.Body, plan.FetchURL, distill.Options{
			StatusCode: resp.Status, ContentType: contentType,
		})
		return s.finish(ctx, rec, p), nil
	}

	verdict, doc := s.classify(resp, plan.FetchURL)

	if verdict.Kind.NeedsHuman() {
		if res, ok := s.githubPlainPivot(ctx, plan, p); ok {
			return res, nil
		}
		return s.hitlResult(plan.FetchURL, verdict), nil
	}

	if verdict.Kind.Retryable() {
		s.logger.Info("block detected", "url", plan.FetchURL,
			"kind", verdict.Kind, "reason", verdict.Reason)

		if retry, ok := s.proxyRetry(ctx, plan.FetchURL); ok {
			resp = retry
			verdict, doc = s.classify(resp, plan.FetchURL)
		}
		if verdict.Kind.Retryable() {
			if s.renderAvailable() {
				return s.renderLadder(ctx, plan.FetchURL, "", p)
			}
			return s.hitlResult(plan.FetchURL, verdict), nil
		}
		if verdict.Kind.NeedsHuman() {
			if res, ok := s.githubPlainPivot(ctx, plan, p); ok {
				return res, nil
			}
			return s.hitlResult(plan.FetchURL, verdict), nil
		}
	}
	_ = doc

	rec, err := s.extractor.Extract(resp.Body, plan.FetchURL, distill.Options{
		ExtractAppState: p.ExtractAppState,
		AllLinks:        p.AllLinks,
		StatusCode:      resp.Status,
		ContentType:     contentType,
	})
	if err != nil {
		return nil, err
	}

	rec = s.retryIfPoor(ctx, rec, plan.FetchURL, p)
	return s.finish(ctx, rec, p), nil
}

// retryIfPoor applies the two post-extraction heuristics: a block-page
// title or near-empty body gets one proxy retry accepted only on a >2x
// word-count win, and a low extraction score gets a browser re-attempt
// accepted on any meaningful improvement.
func (s *Service) retryIfPoor(ctx context.Context, rec *distill.Record, fetchURL string, p Params) *distill.Record {
	if s.detector.LooksBlocked(rec.Title, rec.WordCount) {
		s.logger.Info("extracted page still looks blocked",
			"url", fetchURL, "title", rec.Title, "words", rec.WordCount)
		if retry, ok := s.proxyRetry(ctx, fetchURL); ok {
			alt, err := s.extractor.Extract(retry.Body, fetchURL, distill.Options{
				ExtractAppState: p.ExtractAppState,
				AllLinks:        p.AllLinks,
				StatusCode:      retry.Status,
				ContentType:     retry.Header.Get("Content-Type"),
			})
			// A marginal gain on a block page is the same block page with
			// more furniture. Only a decisive win replaces the original.
			if err == nil && alt.WordCount > rec.WordCount*2 {
				s.logger.Info("proxy retry accepted",
					"url", fetchURL, "words", alt.WordCount, "was", rec.WordCount)
				return alt
			}
		}
	}

	if (rec.ExtractionScore < lowScoreFloor || rec.WordCount < 50) && s.renderAvailable() {
		if alt := s.renderOnce(ctx, fetchURL, "", p); alt != nil &&
			alt.WordCount > rec.WordCount+renderGainWords {
			s.logger.Info("browser render improved extraction",
				"url", fetchURL, "words", alt.WordCount, "was", rec.WordCount)
			return alt
		}
	}
	return rec
}

// githubPlainPivot retries a human-walled GitHub page once through its
// ?plain=1 rendering, which serves the file body as server-side HTML and
// regularly sits outside the wall that stopped the normal page. Only a
// clean verdict replaces the hand-off.
func (s *Service) githubPlainPivot(ctx context.Context, plan *FetchPlan, p Params) (*Result, bool) {
	pivot := plainPivotURL(plan)
	if pivot == "" {
		return nil, false
	}
	resp, err := s.fetchOnce(ctx, pivot, p.UseProxy)
	if err != nil || resp.Status/100 != 2 {
		return nil, false
	}
	verdict, _ := s.classify(resp, pivot)
	if verdict.Kind != block.KindNone {
		return nil, false
	}
	rec, err := s.extractor.Extract(resp.Body, pivot, distill.Options{
		ExtractAppState: p.ExtractAppState,
		AllLinks:        p.AllLinks,
		StatusCode:      resp.Status,
		ContentType:     resp.Header.Get("Content-Type"),
	})
	if err != nil {
		return nil, false
	}
	s.logger.Info("plain pivot cleared the wall", "url", plan.FetchURL, "pivot", pivot)
	return s.finish(ctx, rec, p), true
}

// renderLadder is the browser rung: render, classify the rendered page,
// and hand off to a human when the wall survives real Chrome.
func (s *Service) renderLadder(ctx context.Context, fetchURL, proxy string, p Params) (*Result, error) {
	rec := s.renderOnce(ctx, fetchURL, proxy, p)
	if rec == nil {
		return s.hitlResult(fetchURL, block.Result{
			Kind: block.KindTransport, Reason: "browser render failed",
		}), nil
	}
	if s.detector.LooksBlocked(rec.Title, rec.WordCount) {
		return s.hitlResult(fetchURL, block.Result{
			Kind: block.KindSoftBlocked, Reason: "block page survived browser render",
		}), nil
	}
	return s.finish(ctx, rec, p), nil
}

// renderOnce drives one headless render and extraction. Returns nil on any
// failure; the caller decides whether that ends the ladder.
func (s *Service) renderOnce(ctx context.Context, fetchURL, proxy string, p Params) *distill.Record {
	host := urlx.Host(fetchURL)
	waitMS, scroll := s.tables.Strategy(host)

	out, err := s.renderer.Render(ctx, browser.RenderRequest{
		URL:         fetchURL,
		Proxy:       proxy,
		ExtraWaitMS: waitMS,
		Scroll:      scroll,
	})
	if err != nil {
		s.logger.Warn("browser render failed", "url", fetchURL, "error", err)
		return nil
	}

	rec, err := s.extractor.Extract(out.HTML, fetchURL, distill.Options{
		ExtractAppState: p.ExtractAppState,
		AllLinks:        p.AllLinks,
		StatusCode:      http.StatusOK,
		ContentType:     "text/html",
	})
	if err != nil {
		s.logger.Warn("render extraction failed", "url", fetchURL, "error", err)
		return nil
	}
	settle := out.SettleTimeMS
	rec.Hydration.SettleTimeMS = &settle
	return rec
}

// interactive runs the visible human session directly: overlay, wait,
// capture cookies into the session store, extract the final page.
func (s *Service) interactive(ctx context.Context, fetchURL string, p Params) (*Result, error) {
	if !s.renderAvailable() {
		return nil, fmt.Errorf("scraper: interactive session requires a browser and none was found")
	}

	out, err := s.renderer.Interactive(ctx, browser.InteractiveRequest{
		URL:         fetchURL,
		Instruction: p.Instruction,
	})
	if err != nil {
		return nil, fmt.Errorf("scraper: interactive session: %w", err)
	}

	if s.store != nil && len(out.Cookies) > 0 {
		if _, serr := s.store.Save(fetchURL, out.Cookies); serr != nil {
			s.logger.Warn("session save failed", "url", fetchURL, "error", serr)
		} else if s.registry != nil {
			if rerr := s.registry.MarkSuccess(fetchURL); rerr != nil {
				s.logger.Warn("auth registry update failed", "url", fetchURL, "error", rerr)
			}
		}
	}

	if len(out.HTML) == 0 {
		return nil, fmt.Errorf("scraper: interactive session ended without a page")
	}
	rec, err := s.extractor.Extract(out.HTML, fetchURL, distill.Options{
		ExtractAppState: p.ExtractAppState,
		AllLinks:        p.AllLinks,
		StatusCode:      http.StatusOK,
		ContentType:     "text/html",
	})
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, rec, p), nil
}

// finish applies the relevance filter and records the success in research
// memory. Memory failures never fail the scrape.
func (s *Service) finish(ctx context.Context, rec *distill.Record, p Params) *Result {
	if p.StrictRelevance && p.Query != "" && s.embedder != nil && s.cfg.SemanticShave {
		s.extractor.FilterRelevant(ctx, s.embedder, rec, p.Query, distill.RelevanceOptions{
			Threshold: p.RelevanceThreshold,
		})
	}

	if s.memory != nil {
		summary := fmt.Sprintf("%d words, %d code blocks", rec.WordCount, len(rec.CodeBlocks))
		if err := s.memory.LogScrape(ctx, rec.URL, rec.Title, summary, rec.Domain, rec); err != nil {
			s.logger.Warn("memory log failed", "url", rec.URL, "error", err)
		}
	}
	return &Result{Record: rec}
}

// hitlResult builds the terminal hand-off. Auth-walled URLs are marked in
// the registry so later fetches know a session is required.
func (s *Service) hitlResult(fetchURL string, verdict block.Result) *Result {
	if verdict.Kind == block.KindAuthWalled && s.registry != nil {
		if err := s.registry.MarkRequiresAuth(fetchURL, time.Time{}); err != nil {
			s.logger.Warn("auth registry mark failed", "url", fetchURL, "error", err)
		}
	}
	reason := verdict.Reason
	if reason == "" {
		reason = string(verdict.Kind)
	}
	return &Result{NeedHITL: &NeedHITL{
		Status:          "NEED_HITL",
		URL:             fetchURL,
		Reason:          reason,
		BlockKind:       string(verdict.Kind),
		AuthRiskScore:   verdict.AuthRiskScore,
		SuggestedAction: "non_robot_search",
	}}
}

func (s *Service) fetchOnce(ctx context.Context, fetchURL string, useProxy bool) (*fetch.Response, error) {
	return s.fetcher.Do(ctx, fetch.Request{URL: fetchURL, UseProxy: useProxy})
}

// proxyRetry rotates to the next-best exit and refetches. The pool
// guarantees the retry never reuses the exit that just failed.
func (s *Service) proxyRetry(ctx context.Context, fetchURL string) (*fetch.Response, bool) {
	if s.pool == nil || s.pool.Len() == 0 {
		return nil, false
	}
	pr, err := s.pool.Switch()
	if err != nil {
		s.logger.Warn("proxy switch failed", "error", err)
		return nil, false
	}
	s.logger.Info("retrying through proxy", "url", fetchURL)

	start := time.Now()
	resp, err := s.fetchOnce(ctx, fetchURL, true)
	if err != nil {
		if merr := s.pool.MarkResult(pr.URL, false, 0); merr != nil {
			s.logger.Debug("proxy mark failed", "error", merr)
		}
		return nil, false
	}
	if merr := s.pool.MarkResult(pr.URL, true, time.Since(start)); merr != nil {
		s.logger.Debug("proxy mark failed", "error", merr)
	}
	return resp, true
}

func (s *Service) classify(resp *fetch.Response, fetchURL string) (block.Result, *goquery.Document) {
	doc, _ := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	verdict := s.detector.Classify(block.Input{
		Status:   resp.Status,
		URL:      fetchURL,
		FinalURL: resp.FinalURL,
		Header:   resp.Header,
		Body:     resp.Body,
		Doc:      doc,
	})
	if s.audit != nil && verdict.Kind != block.KindNone {
		s.audit.LogAsync(s.audit.NewAuditEntry("scraper", "block_classified",
			map[string]any{"url": fetchURL, "status": resp.Status},
			map[string]any{"kind": verdict.Kind, "reason": verdict.Reason, "auth_risk": verdict.AuthRiskScore},
			nil, 0))
	}
	return verdict, doc
}

func (s *Service) renderAvailable() bool {
	return s.renderer != nil && s.renderer.Available()
}

func auditOutcome(res *Result) any {
	if res == nil {
		return nil
	}
	if res.NeedHITL != nil {
		return map[string]any{"status": "NEED_HITL", "kind": res.NeedHITL.BlockKind}
	}
	if res.Record != nil {
		return map[string]any{"words": res.Record.WordCount, "score": res.Record.ExtractionScore, "cached": res.Cached}
	}
	return nil
}
