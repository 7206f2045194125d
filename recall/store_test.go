package recall

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/DevsHero/search-scrape/dbopen"
	"github.com/DevsHero/search-scrape/embedding"
	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(db, &embedding.HashEmbedder{Dim: 256}, logger), db
}

func TestLogSearchAndRecall(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.LogSearch(ctx, "rust async runtime comparison", []string{"a", "b"}, 2); err != nil {
		t.Fatalf("log search: %v", err)
	}
	if err := s.LogSearch(ctx, "sourdough starter hydration", nil, 0); err != nil {
		t.Fatalf("log search: %v", err)
	}

	matches, err := s.SearchHistory(ctx, "rust async runtime comparison", 10, 0.5, KindSearch)
	if err != nil {
		t.Fatalf("search history: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want only the related entry", len(matches))
	}
	m := matches[0]
	if m.Query != "rust async runtime comparison" {
		t.Errorf("query = %q", m.Query)
	}
	if m.Summary != "Search: rust async runtime comparison (2 results)" {
		t.Errorf("summary = %q", m.Summary)
	}
	if m.Topic != "rust async runtime comparison" {
		t.Errorf("topic = %q", m.Topic)
	}
	if m.Score < 0.9 || m.MatchQuality != "Exact Match" {
		t.Errorf("score = %.2f quality = %q", m.Score, m.MatchQuality)
	}
}

func TestFindRecentDuplicate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.LogSearch(ctx, "tokio graceful shutdown pattern", nil, 5); err != nil {
		t.Fatalf("log search: %v", err)
	}

	entry, score, err := s.FindRecentDuplicate(ctx, "tokio graceful shutdown pattern", 6)
	if err != nil {
		t.Fatalf("find duplicate: %v", err)
	}
	if entry == nil {
		t.Fatal("duplicate not found")
	}
	if score < duplicateThreshold {
		t.Errorf("score = %.2f, want >= %.2f", score, duplicateThreshold)
	}

	// Outside the lookback window nothing should match.
	s.now = func() time.Time { return time.Now().Add(8 * time.Hour) }
	entry, _, err = s.FindRecentDuplicate(ctx, "tokio graceful shutdown pattern", 6)
	if err != nil {
		t.Fatalf("find duplicate: %v", err)
	}
	if entry != nil {
		t.Error("stale entry reported as recent duplicate")
	}
}

func TestIsRapidTesting(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	url := "https://dev.test/app"

	rapid, err := s.IsRapidTesting(ctx, url)
	if err != nil {
		t.Fatalf("rapid check: %v", err)
	}
	if rapid {
		t.Error("empty history flagged as rapid testing")
	}

	for i := 0; i < 2; i++ {
		if err := s.LogScrape(ctx, url, "Dev App", "40 words, 1 code blocks", "dev.test", nil); err != nil {
			t.Fatalf("log scrape: %v", err)
		}
	}

	rapid, err = s.IsRapidTesting(ctx, url)
	if err != nil {
		t.Fatalf("rapid check: %v", err)
	}
	if !rapid {
		t.Error("two scrapes in five minutes not flagged")
	}

	// A different URL on the same host is not rapid testing.
	rapid, err = s.IsRapidTesting(ctx, "https://dev.test/other")
	if err != nil {
		t.Fatalf("rapid check: %v", err)
	}
	if rapid {
		t.Error("different url flagged as rapid testing")
	}
}

func TestWindowContentTruncatesOversizedResults(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	big := map[string]string{"clean_content": strings.Repeat("lorem ipsum dolor ", 2000)}
	if err := s.LogScrape(ctx, "https://big.test/page", "Big Page", "36000 words", "big.test", big); err != nil {
		t.Fatalf("log scrape: %v", err)
	}

	matches, err := s.SearchHistory(ctx, "big page 36000 words", 1, 0, KindScrape)
	if err != nil {
		t.Fatalf("search history: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %d", len(matches))
	}
	if len(matches[0].FullResult) > maxStoredChars+500 {
		t.Errorf("stored payload = %d chars, want windowed", len(matches[0].FullResult))
	}
	var stored map[string]json.RawMessage
	if err := json.Unmarshal(matches[0].FullResult, &stored); err != nil {
		t.Fatalf("stored payload not valid json: %v", err)
	}
	if _, ok := stored["_truncated"]; !ok {
		t.Error("truncation metadata missing")
	}
}

func TestSearchHistorySkipsMismatchedDimensions(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	old := New(db, &embedding.HashEmbedder{Dim: 32}, logger)
	if err := old.LogSearch(ctx, "written with the old embedder", nil, 1); err != nil {
		t.Fatalf("log search: %v", err)
	}

	current := New(db, &embedding.HashEmbedder{Dim: 256}, logger)
	if err := current.LogSearch(ctx, "written with the current embedder", nil, 1); err != nil {
		t.Fatalf("log search: %v", err)
	}

	matches, err := current.SearchHistory(ctx, "written with the current embedder", 10, 0.5, KindSearch)
	if err != nil {
		t.Fatalf("search history: %v", err)
	}
	for _, m := range matches {
		if m.Query == "written with the old embedder" {
			t.Error("mismatched-dimension row scored instead of skipped")
		}
	}
	if len(matches) != 1 {
		t.Errorf("matches = %d, want 1", len(matches))
	}
}

func TestTopDomains(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.LogScrape(ctx, "https://go.dev/p", "P", "x", "go.dev", nil); err != nil {
			t.Fatalf("log scrape: %v", err)
		}
	}
	if err := s.LogScrape(ctx, "https://pkg.go.dev/q", "Q", "y", "pkg.go.dev", nil); err != nil {
		t.Fatalf("log scrape: %v", err)
	}

	top, err := s.TopDomains(ctx, 5)
	if err != nil {
		t.Fatalf("top domains: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("domains = %d, want 2", len(top))
	}
	if top[0].Domain != "go.dev" || top[0].Count != 3 {
		t.Errorf("top = %+v", top[0])
	}
}

func TestResearchHistorySkipLiveFetch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	good := map[string]any{"word_count": 120, "warnings": []string{}}
	if err := s.LogScrape(ctx, "https://docs.test/tokio-guide", "Tokio Guide",
		"120 words, 3 code blocks", "docs.test", good); err != nil {
		t.Fatalf("log scrape: %v", err)
	}
	sparse := map[string]any{"word_count": 120, "warnings": []string{"placeholder_page"}}
	if err := s.LogScrape(ctx, "https://docs.test/empty-shell", "Empty Shell",
		"120 words, 0 code blocks", "docs.test", sparse); err != nil {
		t.Fatalf("log scrape: %v", err)
	}
	thin := map[string]any{"word_count": 12, "warnings": []string{}}
	if err := s.LogScrape(ctx, "https://docs.test/thin-page", "Thin Page",
		"12 words, 0 code blocks", "docs.test", thin); err != nil {
		t.Fatalf("log scrape: %v", err)
	}

	resp, err := s.history(ctx, &historyReq{Query: "scraped words code blocks", Limit: 10, Threshold: 0.1})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if resp.TotalResults != 3 {
		t.Fatalf("results = %d, want 3", resp.TotalResults)
	}

	byQuery := map[string]HistoryItem{}
	for _, item := range resp.Results {
		byQuery[item.Query] = item
	}
	if !byQuery["https://docs.test/tokio-guide"].SkipLiveFetch {
		t.Error("substantial cached scrape should allow skipping the live fetch")
	}
	if byQuery["https://docs.test/empty-shell"].SkipLiveFetch {
		t.Error("placeholder page must not substitute for a live fetch")
	}
	if byQuery["https://docs.test/thin-page"].SkipLiveFetch {
		t.Error("thin page must not substitute for a live fetch")
	}
	if byQuery["https://docs.test/tokio-guide"].WordCount != 120 {
		t.Errorf("word_count = %d", byQuery["https://docs.test/tokio-guide"].WordCount)
	}
}
