package scraper

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DevsHero/search-scrape/distill"
	"github.com/DevsHero/search-scrape/domains"
	"github.com/DevsHero/search-scrape/scraper/internal/fetch"
)

// fakeMemory records scrape log calls so tests can assert on what the
// controller did (and did not) persist.
type fakeMemory struct {
	mu     sync.Mutex
	logged []string
	rapid  bool
}

func (m *fakeMemory) LogScrape(_ context.Context, url, _, _, _ string, _ any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logged = append(m.logged, url)
	return nil
}

func (m *fakeMemory) IsRapidTesting(context.Context, string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rapid, nil
}

func (m *fakeMemory) loggedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logged)
}

func newTestService(t *testing.T, mem *fakeMemory) *Service {
	t.Helper()
	tables, err := domains.Load("")
	if err != nil {
		t.Fatalf("load tables: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))

	fetcher := fetch.New(fetch.Config{
		Timeout: 5 * time.Second,
		Window:  fetch.Window{Min: time.Millisecond, Max: 2 * time.Millisecond},
	}, nil, nil, logger)

	var memory Memory
	if mem != nil {
		memory = mem
	}
	return New(Config{CacheTTL: time.Hour, AllowPrivate: true}, Deps{
		Tables:    tables,
		Fetcher:   fetcher,
		Extractor: distill.New(tables, logger, distill.Config{NeuroSiphon: true}),
		Memory:    memory,
		Logger:    logger,
	})
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

const articleHTML = `<html><head><title>Concurrency Patterns</title></head><body>
<article><h1>Concurrency Patterns</h1>` +
	`<p>Channels carry values between goroutines and close exactly once. Pipelines chain
stages so each stage owns its outbound channel. Cancellation propagates through a done
channel that every stage selects on. Fan-out spreads work across workers reading the
same channel, and fan-in merges their results back into one stream for the consumer.
Bounded worker pools keep memory flat under load while preserving ordering guarantees
where the protocol requires them. Timeouts wrap the whole pipeline rather than each
stage, keeping deadline arithmetic in one place and the stages oblivious.</p>
</article></body></html>`

const loginWallHTML = `<html><head><title>Sign in</title></head><body>
<form action="/account/login" method="post">
<input type="text" name="user"><input type="password" name="pass">
</form>
<p>You must be logged in to view this page.</p>
</body></html>`

func TestScrapeExtractsAndCaches(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(articleHTML))
	}))
	defer srv.Close()

	mem := &fakeMemory{}
	s := newTestService(t, mem)

	res, err := s.Scrape(context.Background(), Params{URL: srv.URL + "/article"})
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if res.NeedHITL != nil {
		t.Fatalf("unexpected hitl: %+v", res.NeedHITL)
	}
	if res.Record.Title != "Concurrency Patterns" {
		t.Errorf("title = %q", res.Record.Title)
	}
	if res.Record.WordCount < 50 {
		t.Errorf("word count = %d, want a full article", res.Record.WordCount)
	}
	if mem.loggedCount() != 1 {
		t.Errorf("memory writes = %d, want 1", mem.loggedCount())
	}

	again, err := s.Scrape(context.Background(), Params{URL: srv.URL + "/article"})
	if err != nil {
		t.Fatalf("second scrape: %v", err)
	}
	if !again.Cached {
		t.Error("second scrape missed the cache")
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("origin hits = %d, want 1", got)
	}
}

func TestScrapeAuthWallNeverCachedOrLogged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(loginWallHTML))
	}))
	defer srv.Close()

	mem := &fakeMemory{}
	s := newTestService(t, mem)

	res, err := s.Scrape(context.Background(), Params{URL: srv.URL + "/private"})
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if res.NeedHITL == nil {
		t.Fatalf("expected NEED_HITL, got record: %+v", res.Record)
	}
	if res.NeedHITL.Status != "NEED_HITL" {
		t.Errorf("status = %q", res.NeedHITL.Status)
	}
	if res.NeedHITL.SuggestedAction != "non_robot_search" {
		t.Errorf("suggested action = %q", res.NeedHITL.SuggestedAction)
	}
	if mem.loggedCount() != 0 {
		t.Error("auth-walled response was written to memory")
	}
	if s.cache.len() != 0 {
		t.Error("auth-walled response was cached")
	}
}

func TestAuthWallGitHubPlainPivotClearsWall(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Query().Get("plain") == "1" {
			w.Write([]byte(articleHTML))
			return
		}
		w.Write([]byte(loginWallHTML))
	}))
	defer srv.Close()

	s := newTestService(t, nil)
	plan := &FetchPlan{
		FetchURL: srv.URL + "/blob",
		Pivot:    srv.URL + "/blob?plain=1",
	}
	res, err := s.escalate(context.Background(), plan, Params{URL: plan.FetchURL})
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if res.NeedHITL != nil {
		t.Fatalf("plain rendering should have cleared the wall: %+v", res.NeedHITL)
	}
	if res.Record.Title != "Concurrency Patterns" {
		t.Errorf("title = %q", res.Record.Title)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("origin hits = %d, want 2 (walled page, then one pivot)", got)
	}
}

func TestAuthWallPlainPivotIsOneShot(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(loginWallHTML))
	}))
	defer srv.Close()

	s := newTestService(t, nil)
	plan := &FetchPlan{
		FetchURL: srv.URL + "/blob",
		Pivot:    srv.URL + "/blob?plain=1",
	}
	res, err := s.escalate(context.Background(), plan, Params{URL: plan.FetchURL})
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if res.NeedHITL == nil {
		t.Fatalf("walled pivot must still hand off: %+v", res.Record)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("origin hits = %d, want 2 (the pivot must not repeat)", got)
	}
}

func TestScrapeRawMediaWarning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("# Install Guide\n\nRun the installer and follow the prompts to finish setup."))
	}))
	defer srv.Close()

	s := newTestService(t, nil)
	res, err := s.Scrape(context.Background(), Params{URL: srv.URL + "/guide.md"})
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	rec := res.Record
	if !rec.HasWarning(distill.WarnRawMarkdownURL) {
		t.Errorf("warnings = %v, want %s", rec.Warnings, distill.WarnRawMarkdownURL)
	}
	if rec.Title != "Install Guide" {
		t.Errorf("title = %q", rec.Title)
	}
}

func TestScrapeSingleFlight(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(150 * time.Millisecond)
		w.Write([]byte(articleHTML))
	}))
	defer srv.Close()

	s := newTestService(t, nil)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.Scrape(context.Background(), Params{URL: srv.URL + "/hot"})
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("origin hits = %d, want 1 (in-flight requests must collapse)", got)
	}
}

func TestScrapeRapidTestingBypassesCache(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(articleHTML))
	}))
	defer srv.Close()

	mem := &fakeMemory{rapid: true}
	s := newTestService(t, mem)

	for i := 0; i < 3; i++ {
		if _, err := s.Scrape(context.Background(), Params{URL: srv.URL + "/dev"}); err != nil {
			t.Fatalf("scrape %d: %v", i, err)
		}
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("origin hits = %d, want 3 (rapid testing must bypass cache)", got)
	}
}

func TestScrapeBatchReportsPerURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "wall") {
			w.Write([]byte(loginWallHTML))
			return
		}
		w.Write([]byte(articleHTML))
	}))
	defer srv.Close()

	s := newTestService(t, nil)
	out, err := s.ScrapeBatch(context.Background(), BatchParams{
		URLs: []string{srv.URL + "/a", srv.URL + "/wall", "not-a-url"},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if out.Total != 3 || out.Succeeded != 1 || out.Failed != 2 {
		t.Fatalf("totals = %d/%d/%d, want 3/1/2", out.Total, out.Succeeded, out.Failed)
	}
	if out.Results[0].Data == nil {
		t.Error("first url missing record")
	}
	if out.Results[1].NeedHITL == nil {
		t.Error("auth wall missing NEED_HITL")
	}
	if out.Results[2].Error == "" {
		t.Error("invalid url missing error")
	}
}

func TestScrapeBatchCapsPerPage(t *testing.T) {
	para := strings.Repeat("Bounded responses keep multi-page retrieval proportional to the request. ", 300)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><head><title>Reference</title></head><body><article><h1>Reference</h1><p>" +
			para + "</p></article></body></html>"))
	}))
	defer srv.Close()

	s := newTestService(t, nil)
	out, err := s.ScrapeBatch(context.Background(), BatchParams{
		URLs:            []string{srv.URL + "/big"},
		MaxCharsPerPage: 2000,
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	item := out.Results[0]
	if item.Data == nil {
		t.Fatalf("missing record: %+v", item)
	}
	payload, err := json.Marshal(item.Data)
	if err != nil {
		t.Fatal(err)
	}
	if len(payload) > 2000 {
		t.Errorf("item payload = %d bytes, want <= 2000", len(payload))
	}
	if !item.Data.Truncated {
		t.Error("clipped item not marked truncated")
	}
	if !item.Data.HasWarning(distill.WarnPayloadTruncated) {
		t.Errorf("warnings = %v, want %s", item.Data.Warnings, distill.WarnPayloadTruncated)
	}

	// The cache must keep the whole record; the clip is per response.
	again, err := s.Scrape(context.Background(), Params{URL: srv.URL + "/big"})
	if err != nil {
		t.Fatalf("scrape after batch: %v", err)
	}
	if !again.Cached || again.Record.Truncated {
		t.Errorf("cached record was clipped: cached=%t truncated=%t", again.Cached, again.Record.Truncated)
	}
}

func TestCrawlStaysOnDomain(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.Write([]byte(`<html><head><title>Home</title></head><body><article>
<p>Welcome to the documentation portal where every guide lives under one roof and the
navigation stays shallow so readers can find installation, usage, and troubleshooting
material quickly without hunting through nested menus or offsite mirrors.</p>
<a href="/docs">Docs</a>
<a href="https://elsewhere.example/offsite">Offsite</a>
</article></body></html>`))
		case "/docs":
			w.Write([]byte(`<html><head><title>Docs</title></head><body><article>
<p>The documentation covers setup, configuration, deployment, and operational practice
in enough depth that a new operator can bring the system up without outside help and
an experienced one can tune it for production traffic patterns with confidence.</p>
</article></body></html>`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := newTestService(t, nil)
	out, err := s.Crawl(context.Background(), CrawlParams{
		StartURL:       srv.URL + "/",
		MaxDepth:       2,
		MaxPages:       10,
		SameDomainOnly: true,
	})
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}
	if out.PagesCrawled != 2 {
		t.Errorf("pages crawled = %d, want 2", out.PagesCrawled)
	}
	for _, page := range out.Results {
		if strings.Contains(page.URL, "elsewhere.example") {
			t.Errorf("crawl left the start domain: %s", page.URL)
		}
	}
}
