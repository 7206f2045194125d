package searcher

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/DevsHero/search-scrape/kit"
)

// RegisterMCP registers the search tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerSearchTool(srv)
	s.registerStructuredTool(srv)
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

type searchReq struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
	Engines    string `json:"engines,omitempty"`
}

func (s *Service) registerSearchTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "search_web",
		Description: "Meta-search across Google, Bing, DuckDuckGo and Brave with cross-engine corroboration scoring, semantic reranking, and duplicate-search warnings from research memory.",
		InputSchema: inputSchema(map[string]any{
			"query":       map[string]any{"type": "string", "description": "Search query"},
			"max_results": map[string]any{"type": "integer", "description": "Per-engine result cap (default 10)"},
			"engines":     map[string]any{"type": "string", "description": "Comma-separated engine subset (google, bing, duckduckgo, brave); default all"},
		}, []string{"query"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*searchReq)
		return s.Search(ctx, r.Query, Params{
			Engines:    splitEngines(r.Engines),
			MaxResults: r.MaxResults,
		})
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r searchReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

type structuredReq struct {
	Query             string `json:"query"`
	MaxResults        int    `json:"max_results,omitempty"`
	InlineTop         int    `json:"inline_top,omitempty"`
	MaxCharsPerSource int    `json:"max_chars_per_source,omitempty"`
}

// StructuredItem is one search hit with its page summary inlined.
type StructuredItem struct {
	Result
	Scraped     *ScrapedSummary `json:"scraped,omitempty"`
	ScrapeError string          `json:"scrape_error,omitempty"`
}

// ScrapedSummary is the inline preview of a scraped result page.
type ScrapedSummary struct {
	WordCount       int     `json:"word_count"`
	ExtractionScore float64 `json:"extraction_score"`
	Summary         string  `json:"summary"`
}

// StructuredResponse is the search_structured payload.
type StructuredResponse struct {
	Query            string           `json:"query"`
	Results          []StructuredItem `json:"results"`
	Total            int              `json:"total"`
	DuplicateWarning string           `json:"duplicate_warning,omitempty"`
}

const (
	defaultInlineTop    = 3
	defaultSummaryChars = 2000
	inlineConcurrency   = 3
)

func (s *Service) registerStructuredTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "search_structured",
		Description: "search_web plus inline scraped summaries for the top results, so one call yields both the ranked list and first-page content.",
		InputSchema: inputSchema(map[string]any{
			"query":                map[string]any{"type": "string", "description": "Search query"},
			"max_results":          map[string]any{"type": "integer", "description": "Per-engine result cap (default 10)"},
			"inline_top":           map[string]any{"type": "integer", "description": "How many top results to scrape inline (default 3)"},
			"max_chars_per_source": map[string]any{"type": "integer", "description": "Summary length cap per page (default 2000)"},
		}, []string{"query"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		return s.searchStructured(ctx, req.(*structuredReq))
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r structuredReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Service) searchStructured(ctx context.Context, r *structuredReq) (*StructuredResponse, error) {
	if s.deps.Fetcher == nil {
		return nil, errors.New("searcher: no page fetcher configured for search_structured")
	}

	resp, err := s.Search(ctx, r.Query, Params{MaxResults: r.MaxResults})
	if err != nil {
		return nil, err
	}

	inlineTop := r.InlineTop
	if inlineTop <= 0 {
		inlineTop = defaultInlineTop
	}
	summaryChars := r.MaxCharsPerSource
	if summaryChars <= 0 {
		summaryChars = defaultSummaryChars
	}

	items := make([]StructuredItem, len(resp.Results))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(inlineConcurrency)
	for i, res := range resp.Results {
		items[i] = StructuredItem{Result: res}
		if i >= inlineTop {
			continue
		}
		g.Go(func() error {
			rec, err := s.deps.Fetcher.FetchPage(gctx, res.URL, r.Query)
			if err != nil {
				items[i].ScrapeError = err.Error()
				return nil
			}
			items[i].Scraped = &ScrapedSummary{
				WordCount:       rec.WordCount,
				ExtractionScore: rec.ExtractionScore,
				Summary:         clipChars(rec.CleanContent, summaryChars),
			}
			return nil
		})
	}
	g.Wait()

	return &StructuredResponse{
		Query:            resp.Query,
		Results:          items,
		Total:            len(items),
		DuplicateWarning: resp.DuplicateWarning,
	}, nil
}

func splitEngines(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
