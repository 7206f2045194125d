package proxypool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/DevsHero/search-scrape/netguard"
	"github.com/DevsHero/search-scrape/urlx"
)

// Source is one remote proxy list: a URL serving plain-text proxy lines
// and the proxy type those lines carry when they omit a scheme.
type Source struct {
	URL  string `json:"url"`
	Type string `json:"proxy_type"`
}

// GrabParams steers a grab run.
type GrabParams struct {
	// Limit caps how many proxies are returned and stored. Zero means all.
	Limit int
	// Type filters sources to one proxy type (http, https, socks5, socks4).
	Type string
	// Store writes the collected proxies to the pool file.
	Store bool
	// Clear empties the pool file first.
	Clear bool
	// Append adds to the pool file instead of replacing it. Ignored when
	// Clear is set.
	Append bool
}

// GrabbedProxy is one collected endpoint.
type GrabbedProxy struct {
	Proxy string `json:"proxy"`
	Type  string `json:"proxy_type,omitempty"`
}

// GrabResult reports a grab run.
type GrabResult struct {
	SourcePath   string         `json:"source_path"`
	Type         string         `json:"proxy_type,omitempty"`
	TotalFetched int            `json:"total_fetched"`
	Returned     int            `json:"returned"`
	Stored       int            `json:"stored"`
	Cleared      bool           `json:"cleared_file"`
	Append       bool           `json:"append"`
	Warnings     []string       `json:"warnings"`
	Proxies      []GrabbedProxy `json:"proxies"`
	FilePath     string         `json:"file_path"`
}

// Grabber fetches remote proxy lists and feeds them into a pool file.
type Grabber struct {
	sourcesFile string
	client      *http.Client
	logger      *slog.Logger
}

// NewGrabber creates a Grabber reading source definitions from
// sourcesFile, a JSON array of Source entries.
func NewGrabber(sourcesFile string, client *http.Client, logger *slog.Logger) *Grabber {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Grabber{sourcesFile: sourcesFile, client: client, logger: logger}
}

// Grab fetches every matching source, collects deduplicated proxy lines
// and optionally writes them to the pool's file, reloading the pool after.
func (g *Grabber) Grab(ctx context.Context, pool *Pool, params GrabParams) (*GrabResult, error) {
	raw, err := os.ReadFile(g.sourcesFile)
	if err != nil {
		return nil, fmt.Errorf("proxypool: read sources %s: %w", g.sourcesFile, err)
	}
	var sources []Source
	if err := json.Unmarshal(raw, &sources); err != nil {
		return nil, fmt.Errorf("proxypool: parse sources %s: %w", g.sourcesFile, err)
	}

	res := &GrabResult{
		SourcePath: g.sourcesFile,
		Append:     params.Append,
		FilePath:   pool.File(),
		Warnings:   []string{},
	}

	filter := normalizeType(params.Type)
	if params.Type != "" && filter == "" {
		return nil, fmt.Errorf("proxypool: unsupported proxy type %q", params.Type)
	}
	res.Type = filter

	seen := make(map[string]bool)
	for _, src := range sources {
		srcType := normalizeType(src.Type)
		if srcType == "" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("unsupported proxy_type in sources file: %s", src.Type))
			continue
		}
		if filter != "" && srcType != filter {
			continue
		}

		body, warn := g.fetchSource(ctx, src.URL)
		if warn != "" {
			res.Warnings = append(res.Warnings, warn)
			continue
		}
		for _, line := range parseSourceLines(body) {
			proxy, inferred := normalizeProxyLine(line, srcType)
			if !seen[proxy] {
				seen[proxy] = true
				res.Proxies = append(res.Proxies, GrabbedProxy{Proxy: proxy, Type: inferred})
			}
		}
	}

	res.TotalFetched = len(res.Proxies)
	if params.Limit > 0 && len(res.Proxies) > params.Limit {
		res.Proxies = res.Proxies[:params.Limit]
	}
	res.Returned = len(res.Proxies)

	if filter == "socks4" {
		res.Warnings = append(res.Warnings, "socks4 proxies are collected but skipped by the pool (unsupported scheme)")
	}

	if params.Clear {
		if err := writePoolFile(pool.File(), ""); err != nil {
			return nil, err
		}
		res.Cleared = true
	}
	if params.Store {
		var lines []string
		for _, pr := range res.Proxies {
			lines = append(lines, pr.Proxy)
		}
		payload := strings.Join(lines, "\n")
		if params.Append && !params.Clear {
			err = appendPoolFile(pool.File(), payload)
		} else {
			err = writePoolFile(pool.File(), payload)
		}
		if err != nil {
			return nil, err
		}
		res.Stored = len(res.Proxies)
		if err := pool.Load(); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("pool reload failed: %v", err))
		}
	}

	g.logger.Info("proxy grab finished",
		"sources", len(sources),
		"fetched", res.TotalFetched,
		"returned", res.Returned,
		"stored", res.Stored)
	return res, nil
}

// fetchSource downloads one list, returning the body or a warning string.
// Source URLs are operator configuration, so they skip the SSRF guard that
// caller-supplied URLs go through.
func (g *Grabber) fetchSource(ctx context.Context, srcURL string) (body, warn string) {
	fetchURL := srcURL
	if raw, ok := urlx.GitHubRawURL(srcURL); ok {
		fetchURL = raw
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return "", fmt.Sprintf("source request failed: %s: %v", fetchURL, err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Sprintf("source fetch failed: %s: %v", fetchURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Sprintf("source returned status %d: %s", resp.StatusCode, fetchURL)
	}
	data, err := netguard.LimitedReadAll(resp.Body, netguard.MaxResponseBody)
	if err != nil {
		return "", fmt.Sprintf("source body read failed: %s: %v", fetchURL, err)
	}
	return string(data), ""
}

func normalizeType(input string) string {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "http":
		return "http"
	case "https":
		return "https"
	case "socks5", "sock5":
		return "socks5"
	case "socks4", "sock4":
		return "socks4"
	default:
		return ""
	}
}

func parseSourceLines(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// normalizeProxyLine returns the line as a full proxy URL plus its type.
// Scheme-less lines inherit the source's type.
func normalizeProxyLine(line, sourceType string) (proxy, proxyType string) {
	if strings.Contains(line, "://") {
		if scheme, _, found := strings.Cut(line, "://"); found {
			if t := normalizeType(scheme); t != "" {
				return line, t
			}
		}
		return line, sourceType
	}
	return sourceType + "://" + line, sourceType
}

func writePoolFile(path, content string) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("proxypool: mkdir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("proxypool: write %s: %w", path, err)
	}
	return nil
}

func appendPoolFile(path, content string) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("proxypool: read %s: %w", path, err)
	}
	merged := strings.TrimRight(string(existing), "\n")
	if merged != "" {
		merged += "\n"
	}
	merged += content
	return writePoolFile(path, merged)
}
