package scraper

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/DevsHero/search-scrape/distill"
	"github.com/DevsHero/search-scrape/kit"
)

// defaultMaxChars caps scrape_url payloads unless the caller overrides.
const defaultMaxChars = 400_000

// RegisterMCP registers the scraping tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerScrapeTool(srv)
	s.registerBatchTool(srv)
	s.registerCrawlTool(srv)
	s.registerExtractTool(srv)
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

type scrapeReq struct {
	URL                string  `json:"url"`
	UseProxy           bool    `json:"use_proxy,omitempty"`
	Query              string  `json:"query,omitempty"`
	StrictRelevance    bool    `json:"strict_relevance,omitempty"`
	RelevanceThreshold float64 `json:"relevance_threshold,omitempty"`
	ExtractAppState    bool    `json:"extract_app_state,omitempty"`
	AllLinks           bool    `json:"all_links,omitempty"`
	MaxChars           int     `json:"max_chars,omitempty"`
	Interactive        bool    `json:"interactive,omitempty"`
	Instruction        string  `json:"instruction,omitempty"`
}

func (s *Service) registerScrapeTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "scrape_url",
		Description: "Scrape one URL into structured content: title, clean markdown, code blocks, links, metadata. Escalates automatically from HTTP to a stealth browser; returns NEED_HITL when only a human can clear the wall.",
		InputSchema: inputSchema(map[string]any{
			"url":                 map[string]any{"type": "string", "description": "Page to scrape (http/https)"},
			"use_proxy":           map[string]any{"type": "boolean", "description": "Route through the proxy pool's current exit"},
			"query":               map[string]any{"type": "string", "description": "Topic for relevance filtering"},
			"strict_relevance":    map[string]any{"type": "boolean", "description": "Keep only query-relevant sections"},
			"relevance_threshold": map[string]any{"type": "number", "description": "Cosine threshold for strict_relevance (default 0.35)"},
			"extract_app_state":   map[string]any{"type": "boolean", "description": "Return embedded SPA state even when sparse"},
			"all_links":           map[string]any{"type": "boolean", "description": "Return every document link, not just content links"},
			"max_chars":           map[string]any{"type": "integer", "description": "Payload cap in characters (default 400000)"},
			"interactive":         map[string]any{"type": "boolean", "description": "Open a visible browser for a human session"},
			"instruction":         map[string]any{"type": "string", "description": "Banner text shown during an interactive session"},
		}, []string{"url"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*scrapeReq)
		res, err := s.Scrape(ctx, Params{
			URL:                r.URL,
			UseProxy:           r.UseProxy,
			Query:              r.Query,
			StrictRelevance:    r.StrictRelevance,
			RelevanceThreshold: r.RelevanceThreshold,
			ExtractAppState:    r.ExtractAppState,
			AllLinks:           r.AllLinks,
			Interactive:        r.Interactive,
			Instruction:        r.Instruction,
		})
		if err != nil {
			return nil, err
		}
		if res.NeedHITL != nil {
			return res.NeedHITL, nil
		}
		return s.capPayload(res.Record, r.MaxChars, r.StrictRelevance)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r scrapeReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// capPayload clips a copy of the record to the character budget. The
// cached original stays whole so a later caller with a bigger budget is
// not stuck with this one's truncation.
func (s *Service) capPayload(rec *distill.Record, maxChars int, clean bool) (json.RawMessage, error) {
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}
	warning := distill.WarnPayloadTruncated
	if clean {
		warning = distill.WarnCleanPayloadTruncated
	}
	payload, err := distill.Cap(cloneRecord(rec), maxChars, warning)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(payload), nil
}

type batchReq struct {
	URLs            []string `json:"urls"`
	MaxConcurrent   int      `json:"max_concurrent,omitempty"`
	MaxCharsPerPage int      `json:"max_chars_per_page,omitempty"`
	UseProxy        bool     `json:"use_proxy,omitempty"`
	Query           string   `json:"query,omitempty"`
	StrictRelevance bool     `json:"strict_relevance,omitempty"`
}

func (s *Service) registerBatchTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "scrape_batch",
		Description: "Scrape several URLs concurrently. Per-URL failures are reported in place; the batch itself only fails on cancellation.",
		InputSchema: inputSchema(map[string]any{
			"urls":               map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Pages to scrape"},
			"max_concurrent":     map[string]any{"type": "integer", "description": "Concurrent scrapes (default 3)"},
			"max_chars_per_page": map[string]any{"type": "integer", "description": "Content cap per page"},
			"use_proxy":          map[string]any{"type": "boolean", "description": "Route through the proxy pool"},
			"query":              map[string]any{"type": "string", "description": "Topic for relevance filtering"},
			"strict_relevance":   map[string]any{"type": "boolean", "description": "Keep only query-relevant sections"},
		}, []string{"urls"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*batchReq)
		return s.ScrapeBatch(ctx, BatchParams{
			URLs:            r.URLs,
			MaxConcurrent:   r.MaxConcurrent,
			MaxCharsPerPage: r.MaxCharsPerPage,
			UseProxy:        r.UseProxy,
			Query:           r.Query,
			StrictRelevance: r.StrictRelevance,
		})
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r batchReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

type crawlReq struct {
	StartURL        string   `json:"start_url"`
	MaxDepth        int      `json:"max_depth,omitempty"`
	MaxPages        int      `json:"max_pages,omitempty"`
	MaxConcurrent   int      `json:"max_concurrent,omitempty"`
	SameDomainOnly  *bool    `json:"same_domain_only,omitempty"`
	IncludePatterns []string `json:"include_patterns,omitempty"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`
	MaxCharsPerPage int      `json:"max_chars_per_page,omitempty"`
	UseProxy        bool     `json:"use_proxy,omitempty"`
}

func (s *Service) registerCrawlTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "crawl_website",
		Description: "Crawl a site breadth-first from a start URL, scraping pages and following in-scope links up to depth and page limits.",
		InputSchema: inputSchema(map[string]any{
			"start_url":          map[string]any{"type": "string", "description": "Crawl entry point"},
			"max_depth":          map[string]any{"type": "integer", "description": "Link depth to follow (default 3)"},
			"max_pages":          map[string]any{"type": "integer", "description": "Page budget (default 50)"},
			"max_concurrent":     map[string]any{"type": "integer", "description": "Concurrent page scrapes (default 5)"},
			"same_domain_only":   map[string]any{"type": "boolean", "description": "Stay on the start domain and its subdomains (default true)"},
			"include_patterns":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "URL substrings that must match"},
			"exclude_patterns":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "URL substrings to skip"},
			"max_chars_per_page": map[string]any{"type": "integer", "description": "Content preview cap per page (default 5000)"},
			"use_proxy":          map[string]any{"type": "boolean", "description": "Route through the proxy pool"},
		}, []string{"start_url"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*crawlReq)
		sameDomain := true
		if r.SameDomainOnly != nil {
			sameDomain = *r.SameDomainOnly
		}
		return s.Crawl(ctx, CrawlParams{
			StartURL:        r.StartURL,
			MaxDepth:        r.MaxDepth,
			MaxPages:        r.MaxPages,
			MaxConcurrent:   r.MaxConcurrent,
			SameDomainOnly:  sameDomain,
			IncludePatterns: r.IncludePatterns,
			ExcludePatterns: r.ExcludePatterns,
			MaxCharsPerPage: r.MaxCharsPerPage,
			UseProxy:        r.UseProxy,
		})
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r crawlReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

type extractReq struct {
	URL          string          `json:"url"`
	Fields       []distill.Field `json:"fields,omitempty"`
	Prompt       string          `json:"prompt,omitempty"`
	PreviewChars int             `json:"preview_chars,omitempty"`
	UseProxy     bool            `json:"use_proxy,omitempty"`
}

func (s *Service) registerExtractTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "extract_structured",
		Description: "Scrape a page and project it into named fields. Fields come from an explicit schema or a natural-language prompt; each value carries a confidence score.",
		InputSchema: inputSchema(map[string]any{
			"url": map[string]any{"type": "string", "description": "Page to extract from"},
			"fields": map[string]any{
				"type":        "array",
				"description": "Explicit schema: [{name, description, field_type, required}]",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":        map[string]any{"type": "string"},
						"description": map[string]any{"type": "string"},
						"field_type":  map[string]any{"type": "string"},
						"required":    map[string]any{"type": "boolean"},
					},
				},
			},
			"prompt":        map[string]any{"type": "string", "description": "Natural-language description of what to extract"},
			"preview_chars": map[string]any{"type": "integer", "description": "Content preview length on the result"},
			"use_proxy":     map[string]any{"type": "boolean", "description": "Route through the proxy pool"},
		}, []string{"url"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*extractReq)
		out, err := s.ExtractStructured(ctx, ExtractParams{
			URL:          r.URL,
			Fields:       r.Fields,
			Prompt:       r.Prompt,
			PreviewChars: r.PreviewChars,
			UseProxy:     r.UseProxy,
		})
		if err != nil {
			return nil, err
		}
		if out.NeedHITL != nil {
			return out.NeedHITL, nil
		}
		return out.Schema, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r extractReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
