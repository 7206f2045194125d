package deepresearch

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/DevsHero/search-scrape/distill"
	"github.com/DevsHero/search-scrape/scraper"
	"github.com/DevsHero/search-scrape/searcher"
)

type fakeSearcher struct {
	mu      sync.Mutex
	calls   int
	results []searcher.Result
}

func (f *fakeSearcher) Search(_ context.Context, query string, _ searcher.Params) (*searcher.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &searcher.Response{Query: query, Results: f.results, Total: len(f.results)}, nil
}

func (f *fakeSearcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeScraper struct {
	mu      sync.Mutex
	batches [][]string
	pages   map[string]*distill.Record
}

func (f *fakeScraper) ScrapeBatch(_ context.Context, p scraper.BatchParams) (*scraper.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, p.URLs)

	out := &scraper.BatchResult{Total: len(p.URLs)}
	for _, u := range p.URLs {
		item := scraper.BatchItem{URL: u}
		if rec, ok := f.pages[u]; ok {
			item.Success = true
			item.Data = rec
			out.Succeeded++
		} else {
			item.Error = "not found"
			out.Failed++
		}
		out.Results = append(out.Results, item)
	}
	return out, nil
}

func (f *fakeScraper) scrapedURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []string
	for _, b := range f.batches {
		all = append(all, b...)
	}
	return all
}

type fakeMemory struct {
	mu     sync.Mutex
	logged int
}

func (m *fakeMemory) LogSearch(context.Context, string, any, int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logged++
	return nil
}

func page(url, title, content string, links ...string) *distill.Record {
	rec := &distill.Record{
		URL:          url,
		Title:        title,
		CleanContent: content,
		WordCount:    len(strings.Fields(content)),
	}
	for _, l := range links {
		rec.Links = append(rec.Links, distill.Link{URL: l, Text: "next"})
	}
	return rec
}

func newTestService(deps Deps) *Service {
	deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{}, deps)
}

func TestRunSingleHop(t *testing.T) {
	search := &fakeSearcher{results: []searcher.Result{
		{URL: "https://a.test/long", Title: "Long"},
		{URL: "https://b.test/short", Title: "Short"},
	}}
	scrape := &fakeScraper{pages: map[string]*distill.Record{
		"https://a.test/long": page("https://a.test/long", "Long",
			"Connection pooling amortizes handshake cost across requests and keeps tail latency flat under sustained load, provided the pool is sized to the backend."),
		"https://b.test/short": page("https://b.test/short", "Short", "Pools reuse connections."),
	}}
	mem := &fakeMemory{}

	s := newTestService(Deps{Searcher: search, Scraper: scrape, Memory: mem})
	report, err := s.Run(context.Background(), "connection pooling", Params{Depth: 1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if report.SourcesScraped != 2 {
		t.Fatalf("sources scraped = %d, want 2", report.SourcesScraped)
	}
	if report.KeyFindings[0].URL != "https://a.test/long" {
		t.Errorf("findings not sorted by word count: first = %s", report.KeyFindings[0].URL)
	}
	if report.DepthUsed != 1 {
		t.Errorf("depth used = %d", report.DepthUsed)
	}
	if len(report.SubQueries) == 0 {
		t.Error("sub queries empty")
	}
	if mem.logged != 1 {
		t.Errorf("memory writes = %d, want 1", mem.logged)
	}
}

func TestRunFollowsLinksWithoutNewSearches(t *testing.T) {
	search := &fakeSearcher{results: []searcher.Result{
		{URL: "https://hub.test/index", Title: "Index"},
	}}
	scrape := &fakeScraper{pages: map[string]*distill.Record{
		"https://hub.test/index": page("https://hub.test/index", "Index",
			"An index page that links out to the detailed material readers actually want.",
			"https://hub.test/detail"),
		"https://hub.test/detail": page("https://hub.test/detail", "Detail",
			"The detail page carries the substantive explanation of the system being researched."),
	}}

	s := newTestService(Deps{Searcher: search, Scraper: scrape})
	report, err := s.Run(context.Background(), "hub system internals", Params{Depth: 2})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if search.callCount() != 1 {
		t.Errorf("search calls = %d, want 1 (later hops follow links only)", search.callCount())
	}
	urls := scrape.scrapedURLs()
	found := false
	for _, u := range urls {
		if u == "https://hub.test/detail" {
			found = true
		}
	}
	if !found {
		t.Errorf("second hop did not scrape the discovered link: %v", urls)
	}
	if report.SourcesScraped != 2 {
		t.Errorf("sources scraped = %d, want 2", report.SourcesScraped)
	}
}

func TestRunDedupesAcrossHops(t *testing.T) {
	search := &fakeSearcher{results: []searcher.Result{
		{URL: "https://loop.test/a", Title: "A"},
	}}
	scrape := &fakeScraper{pages: map[string]*distill.Record{
		"https://loop.test/a": page("https://loop.test/a", "A",
			"A page that links back to itself, which must not cause a second scrape of the same URL.",
			"https://loop.test/a"),
	}}

	s := newTestService(Deps{Searcher: search, Scraper: scrape})
	if _, err := s.Run(context.Background(), "loop test", Params{Depth: 3}); err != nil {
		t.Fatalf("run: %v", err)
	}

	count := 0
	for _, u := range scrape.scrapedURLs() {
		if u == "https://loop.test/a" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("url scraped %d times, want 1", count)
	}
}

func TestRunClampsDepth(t *testing.T) {
	search := &fakeSearcher{}
	scrape := &fakeScraper{pages: map[string]*distill.Record{}}
	s := newTestService(Deps{Searcher: search, Scraper: scrape})

	report, err := s.Run(context.Background(), "anything", Params{Depth: 9})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.DepthUsed != 3 {
		t.Errorf("depth used = %d, want clamped 3", report.DepthUsed)
	}
}

func TestExtractiveSummary(t *testing.T) {
	findings := []Finding{
		{URL: "https://a.test", Title: "First", RelevantContent: "Sentence one. Sentence two. Sentence three."},
	}
	got := extractiveSummary("some question", findings)
	if !strings.Contains(got, "Sentence one. Sentence two.") {
		t.Errorf("summary = %q, want leading sentences", got)
	}
	if !strings.Contains(got, "https://a.test") {
		t.Errorf("summary = %q, want source attribution", got)
	}
	if extractiveSummary("q", nil) != "" {
		t.Error("empty findings should yield empty summary")
	}
}
