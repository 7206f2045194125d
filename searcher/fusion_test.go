package searcher

import (
	"testing"
	"time"

	"github.com/DevsHero/search-scrape/domains"
)

func testTables(t *testing.T) *domains.Tables {
	t.Helper()
	tables, err := domains.Load("")
	if err != nil {
		t.Fatalf("load tables: %v", err)
	}
	return tables
}

func hit(url, engine string) Result {
	return Result{
		URL:           url,
		Title:         "Some Result",
		Content:       "A snippet long enough to carry meaning about the topic at hand.",
		Engine:        engine,
		EngineSources: []string{engine},
		Domain:        "example.com",
		SourceType:    "other",
	}
}

func TestFuseCorroborationRaisesScore(t *testing.T) {
	tables := testTables(t)

	single := fuse([]Result{hit("https://example.com/a", "google")}, "topic", tables)
	double := fuse([]Result{
		hit("https://example.com/a", "google"),
		hit("https://example.com/a", "bing"),
	}, "topic", tables)
	triple := fuse([]Result{
		hit("https://example.com/a", "google"),
		hit("https://example.com/a", "bing"),
		hit("https://example.com/a", "duckduckgo"),
	}, "topic", tables)

	if len(single) != 1 || len(double) != 1 || len(triple) != 1 {
		t.Fatalf("dedup failed: %d/%d/%d entries", len(single), len(double), len(triple))
	}
	if !(single[0].Score < double[0].Score && double[0].Score < triple[0].Score) {
		t.Errorf("corroboration not monotonic: %.2f, %.2f, %.2f",
			single[0].Score, double[0].Score, triple[0].Score)
	}
	if got := triple[0].Engine; got != "multi:bing,duckduckgo,google" {
		t.Errorf("engine label = %q", got)
	}
	if single[0].Engine != "google" {
		t.Errorf("single-engine label = %q", single[0].Engine)
	}
}

func TestFuseDedupsByNormalizedURL(t *testing.T) {
	tables := testTables(t)

	out := fuse([]Result{
		hit("https://example.com/a?utm_source=serp", "google"),
		hit("https://example.com/a#section", "bing"),
	}, "topic", tables)

	if len(out) != 1 {
		t.Fatalf("entries = %d, want 1 (tracking params and fragments must not split)", len(out))
	}
	if len(out[0].EngineSources) != 2 {
		t.Errorf("engine sources = %v, want both engines", out[0].EngineSources)
	}
}

func TestFuseMergesMissingMetadata(t *testing.T) {
	tables := testTables(t)

	first := hit("https://example.com/a", "google")
	first.Content = ""
	first.PublishedAt = ""
	second := hit("https://example.com/a", "bing")
	second.Title = ""
	second.RichSnippet = "Stars: 12k"
	second.PublishedAt = "2024-01-10"

	out := fuse([]Result{first, second}, "topic", tables)
	if len(out) != 1 {
		t.Fatalf("entries = %d", len(out))
	}
	r := out[0]
	if r.Title == "" || r.Content == "" {
		t.Error("merge lost title or content")
	}
	if r.RichSnippet != "Stars: 12k" {
		t.Errorf("rich snippet = %q", r.RichSnippet)
	}
	if r.PublishedAt != "2024-01-10" {
		t.Errorf("published_at = %q", r.PublishedAt)
	}
}

func TestRecencyBonus(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		published string
		want      float64
	}{
		{"2026-08-20", recencyFresh},
		{"2026-01-15", recencyYear},
		{"2020-01-01", 0},
		{"2027-01-01", recencyFuture},
		{"Aug 20, 2026", recencyFresh},
		{"not a date", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := recencyBonus(tt.published, now); got != tt.want {
			t.Errorf("recencyBonus(%q) = %.2f, want %.2f", tt.published, got, tt.want)
		}
	}
}
