package proxypool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/DevsHero/search-scrape/kit"
)

// Controller bundles the pool and grabber behind the proxy_control tool.
type Controller struct {
	Pool    *Pool
	Grabber *Grabber
}

// RegisterMCP registers the proxy_control tool on an MCP server.
func (c *Controller) RegisterMCP(srv *mcp.Server) {
	c.registerControlTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

type controlReq struct {
	Action string `json:"action"`

	// grab options
	Limit  int    `json:"limit,omitempty"`
	Type   string `json:"proxy_type,omitempty"`
	Store  *bool  `json:"store,omitempty"`
	Clear  bool   `json:"clear,omitempty"`
	Append *bool  `json:"append,omitempty"`

	// test options
	Proxy  string `json:"proxy,omitempty"`
	Target string `json:"target_url,omitempty"`
}

func (c *Controller) registerControlTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "proxy_control",
		Description: "Manage the outbound proxy pool: grab fresh proxies from configured sources, list or inspect endpoints, probe one, or switch to the next-best.",
		InputSchema: inputSchema(map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{"grab", "list", "status", "switch", "test"},
				"description": "Pool operation to perform",
			},
			"limit":      map[string]any{"type": "integer", "description": "grab: cap on collected proxies (0 = all)"},
			"proxy_type": map[string]any{"type": "string", "description": "grab: restrict to one type (http, https, socks5, socks4)"},
			"store":      map[string]any{"type": "boolean", "description": "grab: write results to the pool file (default true)"},
			"clear":      map[string]any{"type": "boolean", "description": "grab: empty the pool file first"},
			"append":     map[string]any{"type": "boolean", "description": "grab: append instead of replacing (default true)"},
			"proxy":      map[string]any{"type": "string", "description": "test: endpoint to probe (default: current selection)"},
			"target_url": map[string]any{"type": "string", "description": "test: URL probed through the proxy"},
		}, []string{"action"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		return c.dispatch(ctx, req.(*controlReq))
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r controlReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (c *Controller) dispatch(ctx context.Context, r *controlReq) (any, error) {
	switch r.Action {
	case "grab":
		params := GrabParams{
			Limit: r.Limit,
			Type:  r.Type,
			Store: true,
			Clear: r.Clear,
		}
		params.Append = true
		if r.Store != nil {
			params.Store = *r.Store
		}
		if r.Append != nil {
			params.Append = *r.Append
		}
		return c.Grabber.Grab(ctx, c.Pool, params)

	case "list":
		proxies := c.Pool.List()
		return map[string]any{
			"action":  "list",
			"total":   len(proxies),
			"proxies": proxies,
		}, nil

	case "status":
		return c.Pool.GetStatus(), nil

	case "switch":
		pr, err := c.Pool.Switch()
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"action":     "switch",
			"current":    pr.URL,
			"latency_ms": pr.LatencyMS,
		}, nil

	case "test":
		proxyURL := r.Proxy
		if proxyURL == "" {
			pr, err := c.Pool.Current()
			if err != nil {
				return nil, err
			}
			proxyURL = pr.URL
		}
		latency, err := c.Pool.Test(ctx, proxyURL, r.Target)
		if err != nil {
			return map[string]any{
				"action":     "test",
				"proxy":      proxyURL,
				"ok":         false,
				"latency_ms": latency.Milliseconds(),
				"error":      err.Error(),
			}, nil
		}
		return map[string]any{
			"action":     "test",
			"proxy":      proxyURL,
			"ok":         true,
			"latency_ms": latency.Milliseconds(),
		}, nil

	default:
		return nil, fmt.Errorf("proxypool: unknown action %q", r.Action)
	}
}
