package distill

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/DevsHero/search-scrape/embedding"
)

func distinctWords(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("w%03d", i)
	}
	return strings.Join(words, " ")
}

func TestChunkWords(t *testing.T) {
	cases := []struct {
		words, chunks int
	}{
		{0, 0}, {1, 1}, {150, 1}, {200, 1}, {250, 2}, {350, 3},
	}
	for _, tc := range cases {
		got := chunkWords(distinctWords(tc.words), 200, 100)
		if len(got) != tc.chunks {
			t.Errorf("chunkWords(%d words) = %d chunks, want %d", tc.words, len(got), tc.chunks)
		}
	}
}

func TestShaveSingleChunkPassthrough(t *testing.T) {
	content := distinctWords(150)
	// One chunk returns before any embedding happens.
	out, kept, total, err := Shave(context.Background(), nil, content, "anything", 0.5)
	if err != nil {
		t.Fatalf("shave: %v", err)
	}
	if out != content || kept != 1 || total != 1 {
		t.Errorf("kept=%d total=%d, content changed=%v", kept, total, out != content)
	}
}

func TestShaveImpossibleThresholdKeepsBestChunk(t *testing.T) {
	content := distinctWords(250)
	emb := &embedding.HashEmbedder{Dim: 64}

	out, kept, total, err := Shave(context.Background(), emb, content, "storage latency", 2.0)
	if err != nil {
		t.Fatalf("shave: %v", err)
	}
	if total != 2 || kept != 1 {
		t.Errorf("kept=%d total=%d", kept, total)
	}
	if len(out) >= len(content) {
		t.Errorf("best-chunk output not smaller: %d >= %d", len(out), len(content))
	}
	if wordCount(out) > 200 {
		t.Errorf("single chunk has %d words", wordCount(out))
	}
}

func TestShaveInflationGuard(t *testing.T) {
	content := distinctWords(250)
	emb := &embedding.HashEmbedder{Dim: 64}

	// Every chunk passes; joining overlapping chunks would grow the text,
	// so the original must come back.
	out, kept, total, err := Shave(context.Background(), emb, content, "anything", -1)
	if err != nil {
		t.Fatalf("shave: %v", err)
	}
	if out != content {
		t.Errorf("inflated output returned:\n%d bytes vs %d", len(out), len(content))
	}
	if kept != 2 || total != 2 {
		t.Errorf("kept=%d total=%d", kept, total)
	}
}

func TestFilterRelevantBypassesShortPages(t *testing.T) {
	e := newExtractor(t)
	content := distinctWords(50)
	rec := &Record{CleanContent: content, WordCount: 50}

	e.FilterRelevant(context.Background(), &embedding.HashEmbedder{Dim: 64}, rec, "query", RelevanceOptions{})

	if rec.CleanContent != content {
		t.Errorf("short page content changed")
	}
	if !rec.HasWarning(WarnRelevanceBypassed) {
		t.Errorf("warnings = %v", rec.Warnings)
	}
}

func TestFilterRelevantNoopWithoutEmbedderOrQuery(t *testing.T) {
	e := newExtractor(t)
	content := distinctWords(250)

	rec := &Record{CleanContent: content, WordCount: 250}
	e.FilterRelevant(context.Background(), nil, rec, "query", RelevanceOptions{})
	if rec.CleanContent != content || rec.Warnings != nil {
		t.Errorf("nil embedder mutated record: %v", rec.Warnings)
	}

	rec = &Record{CleanContent: content, WordCount: 250}
	e.FilterRelevant(context.Background(), &embedding.HashEmbedder{Dim: 64}, rec, "", RelevanceOptions{})
	if rec.CleanContent != content || rec.Warnings != nil {
		t.Errorf("empty query mutated record: %v", rec.Warnings)
	}
}

func TestFilterRelevantRewritesRecord(t *testing.T) {
	e := newExtractor(t)
	content := distinctWords(250)
	rec := &Record{CleanContent: content, WordCount: 250, ExtractionScore: 0.85}

	e.FilterRelevant(context.Background(), &embedding.HashEmbedder{Dim: 64}, rec, "storage latency", RelevanceOptions{Threshold: 2})

	if rec.CleanContent == content {
		t.Fatalf("content not filtered")
	}
	if rec.WordCount != wordCount(rec.CleanContent) {
		t.Errorf("word count not recomputed: %d", rec.WordCount)
	}
	if rec.ActualChars != len(rec.CleanContent) {
		t.Errorf("actual chars not recomputed: %d", rec.ActualChars)
	}
	if rec.ReadingTimeMin != readingTime(rec.WordCount) {
		t.Errorf("reading time not recomputed: %d", rec.ReadingTimeMin)
	}
	// The score rates the extraction, not the filter.
	if !closeTo(rec.ExtractionScore, 0.85) {
		t.Errorf("extraction score changed: %v", rec.ExtractionScore)
	}
}

func TestFilterRelevantMaxChars(t *testing.T) {
	e := newExtractor(t)
	rec := &Record{CleanContent: distinctWords(250), WordCount: 250}

	e.FilterRelevant(context.Background(), &embedding.HashEmbedder{Dim: 64}, rec, "storage latency", RelevanceOptions{Threshold: 2, MaxChars: 100})

	if len(rec.CleanContent) > 100 {
		t.Errorf("content %d bytes over the clip", len(rec.CleanContent))
	}
	if !rec.HasWarning(WarnCleanJSONTruncated) {
		t.Errorf("warnings = %v", rec.Warnings)
	}
}