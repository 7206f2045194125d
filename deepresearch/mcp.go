package deepresearch

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/DevsHero/search-scrape/kit"
)

// RegisterMCP registers the deep_research tool. Callers gate registration
// on the feature flag; an unregistered tool is simply absent.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerResearchTool(srv)
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

type researchReq struct {
	Query              string  `json:"query"`
	Depth              int     `json:"depth,omitempty"`
	MaxSources         int     `json:"max_sources,omitempty"`
	MaxCharsPerSource  int     `json:"max_chars_per_source,omitempty"`
	MaxConcurrent      int     `json:"max_concurrent,omitempty"`
	UseProxy           bool    `json:"use_proxy,omitempty"`
	RelevanceThreshold float64 `json:"relevance_threshold,omitempty"`
}

func (s *Service) registerResearchTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "deep_research",
		Description: "Multi-hop research: search, rerank, scrape the best sources, shave each page down to passages relevant to the question, then follow discovered links for deeper hops. Returns ranked findings with source URLs.",
		InputSchema: inputSchema(map[string]any{
			"query":                map[string]any{"type": "string", "description": "Research question or topic"},
			"depth":                map[string]any{"type": "integer", "description": "Search/scrape hops, 1 to 3 (default 1)"},
			"max_sources":          map[string]any{"type": "integer", "description": "Sources scraped per hop (default 5)"},
			"max_chars_per_source": map[string]any{"type": "integer", "description": "Content cap per source (default 8000)"},
			"max_concurrent":       map[string]any{"type": "integer", "description": "Concurrent scrapes (default 3)"},
			"use_proxy":            map[string]any{"type": "boolean", "description": "Route scrapes through the proxy pool"},
			"relevance_threshold":  map[string]any{"type": "number", "description": "Semantic shave threshold (default 0.35)"},
		}, []string{"query"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*researchReq)
		return s.Run(ctx, r.Query, Params{
			Depth:              r.Depth,
			MaxSourcesPerHop:   r.MaxSources,
			MaxCharsPerSource:  r.MaxCharsPerSource,
			MaxConcurrent:      r.MaxConcurrent,
			UseProxy:           r.UseProxy,
			RelevanceThreshold: r.RelevanceThreshold,
		})
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r researchReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
