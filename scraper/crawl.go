package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DevsHero/search-scrape/urlx"
)

// ErrNeedHITL aborts a crawl whose start URL sits behind an auth wall.
// There is no point walking a site the crawler cannot even enter.
var ErrNeedHITL = errors.New("scraper: human interaction required")

// CrawlParams configures a breadth-first site walk.
type CrawlParams struct {
	StartURL        string
	MaxDepth        int
	MaxPages        int
	MaxConcurrent   int
	SameDomainOnly  bool
	IncludePatterns []string
	ExcludePatterns []string
	MaxCharsPerPage int
	UseProxy        bool
}

// defaultExcludes filters the URL shapes that are never content: auth and
// commerce flows, APIs, and binary assets.
var defaultExcludes = []string{
	"/login", "/logout", "/signup", "/register", "/cart", "/checkout",
	"/admin", "/api/",
	".pdf", ".zip", ".exe", ".dmg", ".tar", ".gz",
	".mp4", ".mp3", ".wav", ".avi", ".mov",
	".jpg", ".jpeg", ".png", ".gif", ".svg", ".webp",
}

func (p *CrawlParams) defaults() {
	if p.MaxDepth <= 0 {
		p.MaxDepth = 3
	}
	if p.MaxPages <= 0 {
		p.MaxPages = 50
	}
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = 5
	}
	if p.MaxCharsPerPage <= 0 {
		p.MaxCharsPerPage = 5000
	}
	if len(p.ExcludePatterns) == 0 {
		p.ExcludePatterns = defaultExcludes
	}
}

// CrawlPage is one visited page.
type CrawlPage struct {
	URL            string `json:"url"`
	Depth          int    `json:"depth"`
	Success        bool   `json:"success"`
	Title          string `json:"title,omitempty"`
	WordCount      int    `json:"word_count,omitempty"`
	LinksFound     int    `json:"links_found,omitempty"`
	ContentPreview string `json:"content_preview,omitempty"`
	Error          string `json:"error,omitempty"`
	DurationMS     int64  `json:"duration_ms"`
}

// CrawlResult is the finished walk.
type CrawlResult struct {
	StartURL        string      `json:"start_url"`
	PagesCrawled    int         `json:"pages_crawled"`
	PagesFailed     int         `json:"pages_failed"`
	MaxDepthReached int         `json:"max_depth_reached"`
	UniqueDomains   []string    `json:"unique_domains"`
	Results         []CrawlPage `json:"results"`
	Sitemap         []string    `json:"sitemap,omitempty"`
	TotalDurationMS int64       `json:"total_duration_ms"`
}

type crawlTask struct {
	url   string
	depth int
}

// Crawl walks a site breadth-first: scrape a wave of pages concurrently,
// collect their in-scope links, repeat until the depth or page budget is
// spent. An auth-walled start URL aborts with ErrNeedHITL.
func (s *Service) Crawl(ctx context.Context, p CrawlParams) (*CrawlResult, error) {
	p.defaults()
	start := time.Now()

	base, err := url.Parse(p.StartURL)
	if err != nil {
		return nil, fmt.Errorf("scraper: parse start url: %w", err)
	}
	baseDomain := base.Hostname()

	s.logger.Info("crawl starting", "url", p.StartURL,
		"max_depth", p.MaxDepth, "max_pages", p.MaxPages)

	visited := map[string]bool{urlx.Normalize(p.StartURL): true}
	domainsSeen := map[string]bool{}
	var results []CrawlPage
	maxDepthReached := 0

	queue := []crawlTask{{url: p.StartURL, depth: 0}}

	for len(queue) > 0 && len(results) < p.MaxPages {
		batch := queue
		if remaining := p.MaxPages - len(results); len(batch) > remaining {
			batch = batch[:remaining]
			queue = queue[remaining:]
		} else {
			queue = nil
		}

		pages := make([]CrawlPage, len(batch))
		discovered := make([][]crawlTask, len(batch))
		var mu sync.Mutex

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.MaxConcurrent)
		for i, task := range batch {
			g.Go(func() error {
				page, links := s.crawlOne(gctx, task, baseDomain, &p)
				mu.Lock()
				pages[i] = page
				discovered[i] = links
				mu.Unlock()
				return gctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for i, page := range pages {
			if page.Depth == 0 && strings.HasPrefix(page.Error, "NEED_HITL") {
				return nil, fmt.Errorf("%w: %s (url: %s)", ErrNeedHITL, page.Error, page.URL)
			}
			if page.Depth > maxDepthReached {
				maxDepthReached = page.Depth
			}
			domainsSeen[urlx.Host(page.URL)] = true
			results = append(results, page)

			for _, t := range discovered[i] {
				key := urlx.Normalize(t.url)
				if !visited[key] {
					visited[key] = true
					queue = append(queue, t)
				}
			}
		}
	}

	out := &CrawlResult{
		StartURL:        p.StartURL,
		MaxDepthReached: maxDepthReached,
		Results:         results,
		TotalDurationMS: time.Since(start).Milliseconds(),
	}
	for _, r := range results {
		if r.Success {
			out.PagesCrawled++
			out.Sitemap = append(out.Sitemap, r.URL)
		} else {
			out.PagesFailed++
		}
	}
	for d := range domainsSeen {
		if d != "" {
			out.UniqueDomains = append(out.UniqueDomains, d)
		}
	}
	sort.Strings(out.UniqueDomains)

	s.logger.Info("crawl finished", "crawled", out.PagesCrawled,
		"failed", out.PagesFailed, "depth", out.MaxDepthReached,
		"elapsed_ms", out.TotalDurationMS)
	return out, nil
}

func (s *Service) crawlOne(ctx context.Context, task crawlTask, baseDomain string, p *CrawlParams) (CrawlPage, []crawlTask) {
	pageStart := time.Now()
	page := CrawlPage{URL: task.url, Depth: task.depth}

	res, err := s.Scrape(ctx, Params{URL: task.url, UseProxy: p.UseProxy, AllLinks: true})
	page.DurationMS = time.Since(pageStart).Milliseconds()

	if err != nil {
		page.Error = err.Error()
		return page, nil
	}
	if res.NeedHITL != nil {
		// Login walls are not content. Surface the reason so a depth-0
		// hit can abort the whole walk.
		page.Error = "NEED_HITL: " + res.NeedHITL.Reason
		return page, nil
	}

	rec := res.Record
	page.Success = true
	page.Title = rec.Title
	page.WordCount = rec.WordCount
	page.LinksFound = len(rec.Links)
	page.ContentPreview = clipRunes(rec.CleanContent, p.MaxCharsPerPage)

	var next []crawlTask
	if task.depth < p.MaxDepth {
		for _, link := range rec.Links {
			abs := urlx.Resolve(task.url, link.URL)
			if abs == "" || !shouldCrawl(abs, baseDomain, p) {
				continue
			}
			next = append(next, crawlTask{url: abs, depth: task.depth + 1})
		}
	}
	return page, next
}

func shouldCrawl(rawURL, baseDomain string, p *CrawlParams) bool {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}

	if p.SameDomainOnly {
		host := u.Hostname()
		if host != baseDomain && !strings.HasSuffix(host, "."+baseDomain) {
			return false
		}
	}

	lower := strings.ToLower(rawURL)
	for _, pattern := range p.ExcludePatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return false
		}
	}
	if len(p.IncludePatterns) > 0 {
		matched := false
		for _, pattern := range p.IncludePatterns {
			if strings.Contains(lower, strings.ToLower(pattern)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func clipRunes(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
