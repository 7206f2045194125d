package distill

import (
	"context"
	"strings"

	"github.com/DevsHero/search-scrape/embedding"
)

// Relevance filter tuning. Chunks overlap by half a window so a sentence
// straddling a boundary still lands whole in one chunk.
const (
	relevanceChunkWords  = 200
	relevanceChunkStride = 100

	// DefaultRelevanceThreshold is the cosine similarity below which a
	// chunk is considered off-topic for the query.
	DefaultRelevanceThreshold = 0.35

	// relevanceBypassWords: pages shorter than this return whole. The
	// filter exists to shed bulk, and short pages have none to shed.
	relevanceBypassWords = 200
)

// RelevanceOptions tunes FilterRelevant.
type RelevanceOptions struct {
	// Threshold overrides DefaultRelevanceThreshold when positive.
	Threshold float64
	// MaxChars clips the filtered content to a byte budget. Zero means
	// no clip.
	MaxChars int
}

// FilterRelevant rewrites rec.CleanContent to the chunks semantically
// close to query, preserving document order. Short pages bypass with a
// warning; embedding failures leave the content untouched rather than
// failing the scrape. Word count and reading time are recomputed, the
// extraction score is not: it rates the extraction, not the filter.
func (e *Extractor) FilterRelevant(ctx context.Context, emb embedding.Embedder, rec *Record, query string, opts RelevanceOptions) {
	if emb == nil || query == "" || rec.CleanContent == "" {
		return
	}
	if rec.WordCount < relevanceBypassWords {
		rec.AddWarning(WarnRelevanceBypassed)
		return
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultRelevanceThreshold
	}

	filtered, kept, total, err := Shave(ctx, emb, rec.CleanContent, query, threshold)
	if err != nil {
		e.logger.Warn("distill: relevance filter failed, keeping full content", "error", err)
		return
	}
	if opts.MaxChars > 0 && len(filtered) > opts.MaxChars {
		filtered = truncateUTF8(filtered, opts.MaxChars)
		rec.AddWarning(WarnCleanJSONTruncated)
	}
	if filtered == rec.CleanContent {
		return
	}
	rec.CleanContent = filtered
	rec.WordCount = wordCount(filtered)
	rec.ReadingTimeMin = readingTime(rec.WordCount)
	rec.ActualChars = len(filtered)
	e.logger.Debug("distill: relevance filter", "kept", kept, "total", total, "query", query)
}

// Shave filters content to the chunks whose embedding lands within
// threshold cosine similarity of the query. When nothing clears the
// threshold the single best chunk survives, so the caller never gets an
// empty answer for a page that had content. Returns the filtered text and
// the kept/total chunk counts.
//
// If filtering would grow the text (overlapping chunks can), the original
// comes back unchanged.
func Shave(ctx context.Context, emb embedding.Embedder, content, query string, threshold float64) (string, int, int, error) {
	chunks := chunkWords(content, relevanceChunkWords, relevanceChunkStride)
	if len(chunks) <= 1 {
		return content, len(chunks), len(chunks), nil
	}

	queryVec, err := emb.Embed(ctx, query)
	if err != nil {
		return content, 0, len(chunks), err
	}
	chunkVecs, err := emb.EmbedBatch(ctx, chunks)
	if err != nil {
		return content, 0, len(chunks), err
	}

	var keep []int
	bestIdx := 0
	bestSim := -1.0
	for i, vec := range chunkVecs {
		sim := embedding.CosineSimilarity(queryVec, vec)
		if sim > bestSim {
			bestSim = sim
			bestIdx = i
		}
		if sim >= threshold {
			keep = append(keep, i)
		}
	}
	if len(keep) == 0 {
		keep = []int{bestIdx}
	}

	parts := make([]string, 0, len(keep))
	for _, i := range keep {
		parts = append(parts, chunks[i])
	}
	out := strings.Join(parts, "\n\n")
	if len(out) >= len(content) {
		return content, len(chunks), len(chunks), nil
	}
	return out, len(keep), len(chunks), nil
}

// chunkWords splits content into overlapping word windows.
func chunkWords(content string, window, stride int) []string {
	words := strings.Fields(content)
	if len(words) == 0 {
		return nil
	}
	var chunks []string
	for start := 0; start < len(words); start += stride {
		end := start + window
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}
