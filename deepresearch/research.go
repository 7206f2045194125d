// Package deepresearch orchestrates multi-hop research: search, rerank,
// batch-scrape, shave each source against the original question, then
// follow discovered links for deeper hops.
package deepresearch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/DevsHero/search-scrape/distill"
	"github.com/DevsHero/search-scrape/embedding"
	"github.com/DevsHero/search-scrape/scraper"
	"github.com/DevsHero/search-scrape/searcher"
)

// Searcher is the slice of the search service this pipeline needs.
type Searcher interface {
	Search(ctx context.Context, query string, opts searcher.Params) (*searcher.Response, error)
}

// Scraper runs the bounded-concurrency batch scrape.
type Scraper interface {
	ScrapeBatch(ctx context.Context, p scraper.BatchParams) (*scraper.BatchResult, error)
}

// Memory records completed research sessions.
type Memory interface {
	LogSearch(ctx context.Context, query string, results any, count int) error
}

// Params tune one research run.
type Params struct {
	// Depth is the number of search + scrape hops, clamped to 1..3.
	Depth              int
	MaxSourcesPerHop   int
	MaxCharsPerSource  int
	MaxConcurrent      int
	UseProxy           bool
	RelevanceThreshold float64
}

const (
	minDepth = 1
	maxDepth = 3

	defaultSourcesPerHop  = 5
	defaultCharsPerSource = 8000
	defaultConcurrent     = 3
)

func (p *Params) defaults() {
	if p.Depth < minDepth {
		p.Depth = minDepth
	}
	if p.Depth > maxDepth {
		p.Depth = maxDepth
	}
	if p.MaxSourcesPerHop <= 0 {
		p.MaxSourcesPerHop = defaultSourcesPerHop
	}
	if p.MaxCharsPerSource <= 0 {
		p.MaxCharsPerSource = defaultCharsPerSource
	}
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = defaultConcurrent
	}
}

// Finding is one shaved source in the report.
type Finding struct {
	URL             string `json:"url"`
	Title           string `json:"title"`
	Domain          string `json:"domain,omitempty"`
	RelevantContent string `json:"relevant_content"`
	WordCount       int    `json:"word_count"`
	Depth           int    `json:"depth"`
	ViaQuery        string `json:"via_query,omitempty"`
}

// Report is the deep_research payload.
type Report struct {
	Query             string    `json:"query"`
	DepthUsed         int       `json:"depth_used"`
	SourcesDiscovered int       `json:"sources_discovered"`
	SourcesScraped    int       `json:"sources_scraped"`
	KeyFindings       []Finding `json:"key_findings"`
	AllURLs           []string  `json:"all_urls"`
	SubQueries        []string  `json:"sub_queries"`
	Warnings          []string  `json:"warnings"`
	Synthesis         string    `json:"synthesis,omitempty"`
	TotalDurationMS   int64     `json:"total_duration_ms"`
}

// Config holds the service-level switches.
type Config struct {
	// Synthesis enables the LLM summary pass over the findings.
	Synthesis  bool
	LLMBaseURL string
	LLMModel   string
	LLMAPIKey  string
}

// Deps are the pipeline collaborators. Memory and Embedder may be nil.
type Deps struct {
	Searcher Searcher
	Scraper  Scraper
	Memory   Memory
	Embedder embedding.Embedder
	Logger   *slog.Logger
}

// Service runs deep research sessions.
type Service struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

// New builds the research service.
func New(cfg Config, deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{cfg: cfg, deps: deps, logger: deps.Logger.With("component", "deepresearch")}
}

// Run executes the research pipeline. Hop 1 searches the rewritten query
// and scrapes the top reranked hits; later hops scrape links discovered on
// the previous hop instead of issuing new searches.
func (s *Service) Run(ctx context.Context, query string, p Params) (*Report, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("deepresearch: empty query")
	}
	p.defaults()
	start := time.Now()

	base := searcher.RewriteQuery(query).BestQuery()
	subQueries := []string{base}
	hopQueries := []string{base}
	var hopURLs []string

	seen := make(map[string]struct{})
	var findings []Finding
	var warnings []string

	for depth := 1; depth <= p.Depth; depth++ {
		s.logger.Info("research hop", "hop", depth, "of", p.Depth,
			"queries", len(hopQueries), "link_urls", len(hopURLs))

		candidates := append([]string{}, hopURLs...)
		for _, q := range hopQueries {
			resp, err := s.deps.Searcher.Search(ctx, q, searcher.Params{})
			if err != nil {
				s.logger.Warn("hop search failed", "query", q, "error", err)
				warnings = append(warnings, "search_failed:"+q)
				continue
			}
			top := searcher.NewReranker(q).RerankTop(resp.Results, p.MaxSourcesPerHop)
			for _, r := range top {
				if r.URL != "" {
					candidates = append(candidates, r.URL)
				}
			}
		}

		var newURLs []string
		for _, u := range candidates {
			if !strings.HasPrefix(u, "http") {
				continue
			}
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			newURLs = append(newURLs, u)
			if len(newURLs) >= p.MaxSourcesPerHop*2 {
				break
			}
		}
		if len(newURLs) == 0 {
			s.logger.Info("no new urls, stopping early", "hop", depth)
			break
		}

		batch, err := s.deps.Scraper.ScrapeBatch(ctx, scraper.BatchParams{
			URLs:            newURLs,
			MaxConcurrent:   p.MaxConcurrent,
			MaxCharsPerPage: p.MaxCharsPerSource,
			UseProxy:        p.UseProxy,
		})
		if err != nil {
			s.logger.Warn("hop batch scrape failed", "hop", depth, "error", err)
			warnings = append(warnings, fmt.Sprintf("batch_scrape_failed_hop%d:%v", depth, err))
			break
		}

		var nextHopURLs []string
		for _, item := range batch.Results {
			if item.Data == nil {
				continue
			}
			// Shave against the ORIGINAL question, not the hop query: hops
			// drift, the report must not.
			content := s.shave(ctx, item.Data, query, p.RelevanceThreshold)
			if strings.TrimSpace(content) == "" {
				continue
			}

			if depth < p.Depth {
				for _, link := range item.Data.Links {
					if strings.HasPrefix(link.URL, "http") {
						nextHopURLs = append(nextHopURLs, link.URL)
					}
				}
			}

			via := ""
			if len(hopQueries) > 0 {
				via = hopQueries[0]
			}
			findings = append(findings, Finding{
				URL:             item.Data.URL,
				Title:           item.Data.Title,
				Domain:          item.Data.Domain,
				RelevantContent: content,
				WordCount:       len(strings.Fields(content)),
				Depth:           depth,
				ViaQuery:        via,
			})
		}

		// Hops beyond the first follow links only.
		hopQueries = nil
		hopURLs = nil
		for _, u := range nextHopURLs {
			if _, dup := seen[u]; dup {
				continue
			}
			hopURLs = append(hopURLs, u)
			if len(hopURLs) >= p.MaxSourcesPerHop*3 {
				break
			}
		}
	}

	// Word count as a relevance proxy: after shaving, denser means more of
	// the page survived the question.
	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].WordCount > findings[j].WordCount
	})

	allURLs := make([]string, 0, len(seen))
	for u := range seen {
		allURLs = append(allURLs, u)
	}
	sort.Strings(allURLs)

	report := &Report{
		Query:             query,
		DepthUsed:         p.Depth,
		SourcesDiscovered: len(allURLs),
		SourcesScraped:    len(findings),
		KeyFindings:       findings,
		AllURLs:           allURLs,
		SubQueries:        subQueries,
		Warnings:          warnings,
	}

	if s.cfg.Synthesis {
		synthesis, err := s.synthesize(ctx, query, findings)
		if err != nil {
			s.logger.Warn("synthesis failed, falling back to extractive summary", "error", err)
			synthesis = extractiveSummary(query, findings)
		}
		report.Synthesis = synthesis
	}

	if s.deps.Memory != nil {
		top := make([]string, 0, 3)
		for i := 0; i < len(findings) && i < 3; i++ {
			top = append(top, findings[i].URL)
		}
		preview := map[string]any{"sources": len(findings), "top_sources": top}
		if err := s.deps.Memory.LogSearch(ctx, query, preview, len(findings)); err != nil {
			s.logger.Warn("research history write failed", "error", err)
		}
	}

	report.TotalDurationMS = time.Since(start).Milliseconds()
	return report, nil
}

// shave trims a scraped page down to the passages relevant to the research
// question. Without an embedder the full clean content passes through.
func (s *Service) shave(ctx context.Context, rec *distill.Record, query string, threshold float64) string {
	content := rec.CleanContent
	if s.deps.Embedder == nil || content == "" {
		return content
	}
	shaved, kept, total, err := distill.Shave(ctx, s.deps.Embedder, content, query, threshold)
	if err != nil {
		s.logger.Warn("semantic shave failed", "url", rec.URL, "error", err)
		return content
	}
	if total > 0 {
		s.logger.Info("semantic shave", "url", rec.URL, "kept", kept, "total", total)
	}
	return shaved
}
