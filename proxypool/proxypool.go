// Package proxypool maintains a rotating set of outbound proxies with
// health metadata.
//
// The pool file is plain text, one endpoint per line. Lines may carry a
// scheme (http://, https://, socks5://) or be bare host:port, in which
// case the scheme is inferred from the port. Health state lives in
// memory: selection prefers healthy endpoints by ascending latency, an
// endpoint that fails twice in a row is quarantined until a cooldown
// elapses, and any success clears its slate. A selected proxy stays
// sticky for a window so one target sees a stable exit IP.
package proxypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrNoProxies is returned when every endpoint is quarantined or the pool
// is empty.
var ErrNoProxies = errors.New("proxypool: no proxy available")

// ErrUnknownProxy is returned by MarkResult for URLs not in the pool.
var ErrUnknownProxy = errors.New("proxypool: proxy not in pool")

const (
	// quarantineFailures is the consecutive-failure count that benches an
	// endpoint for the cooldown window.
	quarantineFailures = 2

	defaultCooldown = 5 * time.Minute
	defaultSticky   = 10 * time.Minute
	testTimeout     = 10 * time.Second

	// DefaultTestTarget is probed by test/TestAll when the caller names no
	// target.
	DefaultTestTarget = "https://httpbin.org/ip"
)

// Proxy is one endpoint plus its runtime health metadata. Timestamps are
// Unix seconds, zero meaning never.
type Proxy struct {
	URL        string `json:"url"`
	Scheme     string `json:"scheme"`
	Priority   int    `json:"priority"`
	LatencyMS  int64  `json:"latency_ms"`
	LastOK     int64  `json:"last_ok_timestamp"`
	LastTested int64  `json:"last_test_timestamp"`
	Failures   int    `json:"failure_count"`
	Healthy    bool   `json:"healthy"`
	Provider   string `json:"provider,omitempty"`
}

// Status is the pool snapshot returned by the status action.
type Status struct {
	Total   int     `json:"total_proxies"`
	Healthy int     `json:"healthy_proxies"`
	Current string  `json:"current_proxy,omitempty"`
	Proxies []Proxy `json:"proxies"`
}

// Option adjusts pool behavior.
type Option func(*Pool)

// WithCooldown sets the quarantine window after repeated failures.
func WithCooldown(d time.Duration) Option {
	return func(p *Pool) { p.cooldown = d }
}

// WithSticky sets how long a selected proxy is reused before re-ranking.
func WithSticky(d time.Duration) Option {
	return func(p *Pool) { p.sticky = d }
}

// WithDefaultScheme sets the scheme applied to bare host:port lines.
// "auto" (the default) infers the scheme from well-known proxy ports.
func WithDefaultScheme(scheme string) Option {
	return func(p *Pool) { p.defaultScheme = strings.ToLower(strings.TrimSpace(scheme)) }
}

// Pool holds the parsed proxy file plus runtime health state.
type Pool struct {
	file          string
	defaultScheme string
	cooldown      time.Duration
	sticky        time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu         sync.RWMutex
	proxies    []*Proxy
	current    string
	lastSwitch time.Time
}

// New creates a Pool over the given file. Call Load to read it.
func New(file string, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		file:          file,
		defaultScheme: "auto",
		cooldown:      defaultCooldown,
		sticky:        defaultSticky,
		logger:        logger,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// File returns the pool file path.
func (p *Pool) File() string { return p.file }

// Load reads the pool file, replacing the endpoint set. Health metadata of
// endpoints that survive the reload is preserved so a mid-run grab does
// not reset quarantines.
func (p *Pool) Load() error {
	raw, err := os.ReadFile(p.file)
	if err != nil {
		return fmt.Errorf("proxypool: read %s: %w", p.file, err)
	}

	parsed, invalid, unsupported := parseList(string(raw), p.defaultScheme)

	p.mu.Lock()
	defer p.mu.Unlock()

	prev := make(map[string]*Proxy, len(p.proxies))
	for _, pr := range p.proxies {
		prev[pr.URL] = pr
	}
	for i, pr := range parsed {
		if old, ok := prev[pr.URL]; ok {
			parsed[i].LatencyMS = old.LatencyMS
			parsed[i].LastOK = old.LastOK
			parsed[i].LastTested = old.LastTested
			parsed[i].Failures = old.Failures
			parsed[i].Healthy = old.Healthy
		}
	}
	p.proxies = parsed

	p.logger.Info("proxy pool loaded",
		"file", p.file,
		"proxies", len(parsed),
		"skipped_invalid", invalid,
		"skipped_unsupported", unsupported)
	return nil
}

// Len returns the number of endpoints in the pool.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.proxies)
}

// List returns a copy of every endpoint.
func (p *Pool) List() []Proxy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Proxy, 0, len(p.proxies))
	for _, pr := range p.proxies {
		out = append(out, *pr)
	}
	return out
}

// GetStatus snapshots the pool.
func (p *Pool) GetStatus() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := Status{Total: len(p.proxies), Current: p.current}
	for _, pr := range p.proxies {
		if pr.Healthy {
			st.Healthy++
		}
		st.Proxies = append(st.Proxies, *pr)
	}
	return st
}

// Select returns the best endpoint right now: healthy proxies by ascending
// latency, then benched-but-not-quarantined ones by failure count.
// Quarantined endpoints are skipped until their cooldown elapses.
func (p *Pool) Select() (Proxy, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	best := p.rank("")
	if best == nil {
		return Proxy{}, ErrNoProxies
	}
	return *best, nil
}

// Current returns the sticky proxy when the window is still open,
// otherwise re-ranks and pins the best endpoint.
func (p *Pool) Current() (Proxy, error) {
	p.mu.RLock()
	if p.current != "" && p.now().Sub(p.lastSwitch) < p.sticky {
		for _, pr := range p.proxies {
			if pr.URL == p.current && !p.quarantined(pr) {
				out := *pr
				p.mu.RUnlock()
				return out, nil
			}
		}
	}
	p.mu.RUnlock()
	return p.selectAndPin("")
}

// Switch rotates away from the current endpoint: the best alternative
// becomes head and the sticky window restarts. A retry must never go back
// through the exit it is rotating away from, so with no alternative Switch
// returns ErrNoProxies instead of re-pinning the current endpoint.
func (p *Pool) Switch() (Proxy, error) {
	p.mu.RLock()
	cur := p.current
	p.mu.RUnlock()
	return p.selectAndPin(cur)
}

func (p *Pool) selectAndPin(exclude string) (Proxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	best := p.rank(exclude)
	if best == nil {
		return Proxy{}, ErrNoProxies
	}
	p.current = best.URL
	p.lastSwitch = p.now()
	p.logger.Info("switched proxy",
		"proxy", maskCredentials(best.URL),
		"latency_ms", best.LatencyMS,
		"failures", best.Failures)
	return *best, nil
}

// rank returns the best selectable endpoint, skipping exclude. Callers
// hold at least the read lock.
func (p *Pool) rank(exclude string) *Proxy {
	candidates := make([]*Proxy, 0, len(p.proxies))
	for _, pr := range p.proxies {
		if pr.URL == exclude || p.quarantined(pr) {
			continue
		}
		candidates = append(candidates, pr)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Failures != b.Failures {
			return a.Failures < b.Failures
		}
		if a.LatencyMS != b.LatencyMS {
			return a.LatencyMS < b.LatencyMS
		}
		return a.Priority > b.Priority
	})
	return candidates[0]
}

func (p *Pool) quarantined(pr *Proxy) bool {
	if pr.Failures < quarantineFailures {
		return false
	}
	elapsed := p.now().Unix() - pr.LastTested
	return elapsed < int64(p.cooldown.Seconds())
}

// MarkResult records the outcome of using an endpoint. Successes reset the
// failure count and fold the observed latency into a moving average;
// failures bench the endpoint and, at the quarantine threshold, sideline
// it for the cooldown window.
func (p *Pool) MarkResult(proxyURL string, success bool, latency time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var pr *Proxy
	for _, cand := range p.proxies {
		if cand.URL == proxyURL {
			pr = cand
			break
		}
	}
	if pr == nil {
		return fmt.Errorf("%w: %s", ErrUnknownProxy, maskCredentials(proxyURL))
	}

	now := p.now().Unix()
	pr.LastTested = now
	if success {
		pr.LastOK = now
		pr.Failures = 0
		pr.Healthy = true
		if ms := latency.Milliseconds(); ms > 0 {
			if pr.LatencyMS == 0 {
				pr.LatencyMS = ms
			} else {
				pr.LatencyMS = (pr.LatencyMS*7 + ms) / 8
			}
		}
		p.logger.Debug("proxy success", "proxy", maskCredentials(proxyURL), "latency_ms", pr.LatencyMS)
		return nil
	}

	pr.Failures++
	pr.Healthy = false
	if pr.Failures >= quarantineFailures {
		p.logger.Warn("proxy quarantined",
			"proxy", maskCredentials(proxyURL),
			"failures", pr.Failures,
			"cooldown", p.cooldown)
	} else {
		p.logger.Warn("proxy failure",
			"proxy", maskCredentials(proxyURL),
			"failures", pr.Failures)
	}
	return nil
}

// Test probes an endpoint by issuing a HEAD request to targetURL through
// it, returning the observed latency. The outcome is recorded when the
// endpoint is in the pool.
func (p *Pool) Test(ctx context.Context, proxyURL, targetURL string) (time.Duration, error) {
	if targetURL == "" {
		targetURL = DefaultTestTarget
	}
	u, err := url.Parse(proxyURL)
	if err != nil || u.Scheme == "" {
		return 0, fmt.Errorf("proxypool: invalid proxy URL %s: %w", maskCredentials(proxyURL), err)
	}

	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(u)},
		Timeout:   testTimeout,
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, targetURL, nil)
	if err != nil {
		return 0, fmt.Errorf("proxypool: build test request: %w", err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		p.MarkResult(proxyURL, false, 0)
		return 0, fmt.Errorf("proxypool: probe via %s: %w", maskCredentials(proxyURL), err)
	}
	resp.Body.Close()
	latency := time.Since(start)

	if resp.StatusCode >= 400 {
		p.MarkResult(proxyURL, false, 0)
		return latency, fmt.Errorf("proxypool: probe via %s: status %d", maskCredentials(proxyURL), resp.StatusCode)
	}
	p.MarkResult(proxyURL, true, latency)
	p.logger.Info("proxy probe ok",
		"proxy", maskCredentials(proxyURL),
		"target", targetURL,
		"latency_ms", latency.Milliseconds())
	return latency, nil
}

// TestAll probes every endpoint sequentially, recording each outcome.
// Probe failures are reflected in the pool state rather than returned.
func (p *Pool) TestAll(ctx context.Context, targetURL string) {
	for _, pr := range p.List() {
		if ctx.Err() != nil {
			return
		}
		if _, err := p.Test(ctx, pr.URL, targetURL); err != nil {
			p.logger.Warn("proxy probe failed", "proxy", maskCredentials(pr.URL), "error", err)
		}
	}
}

// parseList turns pool file content into endpoints, counting skipped lines.
func parseList(content, defaultScheme string) (proxies []*Proxy, invalid, unsupported int) {
	seen := make(map[string]bool)
	add := func(pr *Proxy) {
		if !seen[pr.URL] {
			seen[pr.URL] = true
			proxies = append(proxies, pr)
		}
	}

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.Contains(line, "://") {
			u, err := url.Parse(line)
			if err != nil {
				invalid++
				continue
			}
			switch u.Scheme {
			case "http", "https":
				add(newProxy(line, u.Scheme, 4))
			case "socks5":
				add(newProxy(line, "socks5", 3))
			default:
				unsupported++
			}
			continue
		}

		host, port, ok := splitHostPort(line)
		if !ok {
			invalid++
			continue
		}
		scheme := defaultScheme
		if scheme == "auto" || scheme == "" {
			scheme = schemeForPort(port)
		}
		switch scheme {
		case "http", "https":
			add(newProxy(fmt.Sprintf("%s://%s:%d", scheme, host, port), scheme, 4))
		case "socks5":
			add(newProxy(fmt.Sprintf("socks5://%s:%d", host, port), "socks5", 3))
		default:
			unsupported++
		}
	}
	return proxies, invalid, unsupported
}

func newProxy(rawURL, scheme string, priority int) *Proxy {
	return &Proxy{
		URL:      rawURL,
		Scheme:   scheme,
		Priority: priority,
		Healthy:  true,
		Provider: "file",
	}
}

func splitHostPort(line string) (host string, port int, ok bool) {
	idx := strings.LastIndex(line, ":")
	if idx <= 0 || idx == len(line)-1 {
		return "", 0, false
	}
	port, err := strconv.Atoi(line[idx+1:])
	if err != nil || port < 1 || port > 65535 {
		return "", 0, false
	}
	return line[:idx], port, true
}

// schemeForPort maps well-known proxy ports to their usual scheme.
func schemeForPort(port int) string {
	switch port {
	case 443, 8443:
		return "https"
	case 1080, 1081, 1082, 1085, 1086, 1088, 10800, 10808, 10809, 9050, 9150, 4145:
		return "socks5"
	default:
		return "http"
	}
}

// maskCredentials hides the password of authenticated proxy URLs in logs.
func maskCredentials(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return rawURL
	}
	port := ""
	if p := u.Port(); p != "" {
		port = ":" + p
	}
	return fmt.Sprintf("%s://%s:***@%s%s", u.Scheme, u.User.Username(), u.Hostname(), port)
}
