package recall

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/DevsHero/search-scrape/distill"
	"github.com/DevsHero/search-scrape/kit"
)

// RegisterMCP registers the research_history tool.
func (s *Store) RegisterMCP(srv *mcp.Server) {
	s.registerHistoryTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

type historyReq struct {
	Query     string  `json:"query"`
	Limit     int     `json:"limit,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Kind      string  `json:"entry_type,omitempty"`
}

// HistoryItem is one research_history result row.
type HistoryItem struct {
	Query           string  `json:"query"`
	EntryType       string  `json:"entry_type"`
	SimilarityScore float64 `json:"similarity_score"`
	MatchQuality    string  `json:"match_quality"`
	Timestamp       string  `json:"timestamp"`
	Domain          string  `json:"domain,omitempty"`
	Summary         string  `json:"summary"`
	WordCount       int     `json:"word_count"`
	SkipLiveFetch   bool    `json:"skip_live_fetch"`
}

// HistoryResponse is the research_history payload.
type HistoryResponse struct {
	Query        string        `json:"query"`
	TotalResults int           `json:"total_results"`
	Threshold    float64       `json:"threshold"`
	Results      []HistoryItem `json:"results"`
}

const defaultHistoryThreshold = 0.5

func (s *Store) registerHistoryTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "research_history",
		Description: "Semantic recall over past searches and scrapes. Each hit carries skip_live_fetch, which is true when the stored scrape is fresh and substantial enough to reuse instead of fetching the page again.",
		InputSchema: inputSchema(map[string]any{
			"query":      map[string]any{"type": "string", "description": "What to look for in research memory"},
			"limit":      map[string]any{"type": "integer", "description": "Max entries returned (default 10)"},
			"threshold":  map[string]any{"type": "number", "description": "Minimum similarity score (default 0.5)"},
			"entry_type": map[string]any{"type": "string", "enum": []string{"search", "scrape"}, "description": "Restrict to one entry family"},
		}, []string{"query"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		return s.history(ctx, req.(*historyReq))
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r historyReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Store) history(ctx context.Context, r *historyReq) (*HistoryResponse, error) {
	threshold := r.Threshold
	if threshold <= 0 {
		threshold = defaultHistoryThreshold
	}

	matches, err := s.SearchHistory(ctx, r.Query, r.Limit, threshold, Kind(r.Kind))
	if err != nil {
		return nil, err
	}

	items := make([]HistoryItem, len(matches))
	for i, m := range matches {
		wc, sparse := storedPageShape(m.FullResult)
		items[i] = HistoryItem{
			Query:           m.Query,
			EntryType:       string(m.Kind),
			SimilarityScore: m.Score,
			MatchQuality:    m.MatchQuality,
			Timestamp:       m.Timestamp.Format(time.RFC3339),
			Domain:          m.Domain,
			Summary:         m.Summary,
			WordCount:       wc,
			SkipLiveFetch:   skipLiveFetch(m, wc, sparse),
		}
	}
	return &HistoryResponse{
		Query:        r.Query,
		TotalResults: len(items),
		Threshold:    threshold,
		Results:      items,
	}, nil
}

// skipLiveFetch is the reuse guard: only a similar, substantial, non-shell
// scrape may stand in for a live fetch.
func skipLiveFetch(m Match, wordCount int, sparse bool) bool {
	return m.Kind == KindScrape &&
		m.Score >= skipFetchSimilarity &&
		wordCount >= skipFetchMinWords &&
		!sparse
}

// storedPageShape pulls word_count and the sparse-content flag out of a
// stored scrape payload. Non-scrape or truncated payloads yield zeros.
func storedPageShape(full json.RawMessage) (wordCount int, sparse bool) {
	if len(full) == 0 {
		return 0, false
	}
	var page struct {
		WordCount int      `json:"word_count"`
		Warnings  []string `json:"warnings"`
	}
	if err := json.Unmarshal(full, &page); err != nil {
		return 0, false
	}
	for _, w := range page.Warnings {
		if w == distill.WarnPlaceholderPage {
			sparse = true
		}
	}
	return page.WordCount, sparse
}
