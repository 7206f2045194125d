// Package fetch is the HTTP acquisition path: a single stealth-headed GET
// with per-host pacing, a global concurrency gate, optional proxy exits
// from the pool, and cookie injection from the session store. It covers
// the large majority of pages; anything it cannot get escalates to the
// browser path.
//
// The fetcher never judges block pages. Non-2xx responses and interstitial
// bodies come back intact for the caller's classifier; only transport
// failures and gateway hiccups are retried here.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/DevsHero/search-scrape/connectivity"
	"github.com/DevsHero/search-scrape/netguard"
	"github.com/DevsHero/search-scrape/proxypool"
	"github.com/DevsHero/search-scrape/sessions"
)

// errRetryableStatus marks gateway statuses worth another attempt.
var errRetryableStatus = errors.New("fetch: retryable upstream status")

// Config tunes the fetch client. Zero values get defaults.
type Config struct {
	Timeout       time.Duration // per attempt, default 30s
	MaxBodyBytes  int64         // body cap, default netguard.MaxResponseBody
	MaxConcurrent int64         // in-flight request gate, default 32
	Retries       int           // transport retry attempts, default 4
	RetryBackoff  time.Duration // first retry backoff, default 200ms
	Window        Window        // default pacing window
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = netguard.MaxResponseBody
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 32
	}
	if c.Retries <= 0 {
		c.Retries = 4
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.Window.Min <= 0 && c.Window.Max <= 0 {
		c.Window = PresetWindow(PresetPolite)
	}
}

// Request is one fetch. Proxy selection and fingerprint choice are left to
// the client unless pinned here.
type Request struct {
	URL     string
	Referer string

	// UseProxy routes through the pool's current exit. Rotation between
	// attempts is the caller's call, not the fetcher's.
	UseProxy bool

	// Profile pins a fingerprint. Nil picks a random one per attempt.
	Profile *Profile

	// Window overrides the client's pacing window when Max > 0.
	Window Window
}

// Response is a completed fetch. Body is read in full (up to the cap) and
// the connection is already released.
type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	FinalURL  string
	Proxy     string // proxy URL used, "" when direct
	Profile   Profile
	Truncated bool // body hit the cap
	Elapsed   time.Duration
}

// Client performs fetches. Safe for concurrent use.
type Client struct {
	cfg    Config
	logger *slog.Logger
	pool   *proxypool.Pool
	store  *sessions.Store
	pacer  *Pacer
	sem    *semaphore.Weighted

	direct *http.Client

	mu      sync.Mutex
	proxied map[string]*http.Client
}

// New builds a Client. pool and store may be nil; proxy routing and cookie
// injection are then disabled.
func New(cfg Config, pool *proxypool.Pool, store *sessions.Store, logger *slog.Logger) *Client {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		pool:    pool,
		store:   store,
		pacer:   NewPacer(),
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		direct:  &http.Client{Timeout: cfg.Timeout},
		proxied: make(map[string]*http.Client),
	}
}

// Do fetches one URL: acquire a concurrency slot, pace the host, send with
// stealth headers and stored cookies, and read the capped body. Non-2xx
// statuses are returned as responses, not errors.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("fetch: parse url: %w", err)
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	window := req.Window
	if window.Max <= 0 {
		window = c.cfg.Window
	}
	if err := c.pacer.Wait(ctx, u.Hostname(), window); err != nil {
		return nil, err
	}

	client := c.direct
	proxyURL := ""
	if req.UseProxy && c.pool != nil {
		pr, err := c.pool.Current()
		if err != nil {
			c.logger.Warn("proxy requested but unavailable, going direct", "err", err)
		} else {
			proxyURL = pr.URL
			client, err = c.clientFor(pr.URL)
			if err != nil {
				return nil, err
			}
		}
	}

	profile := RandomProfile()
	if req.Profile != nil {
		profile = *req.Profile
	}

	var resp *Response
	start := time.Now()
	attempt := func(ctx context.Context) error {
		r, err := c.attempt(ctx, client, req, profile)
		if err != nil {
			return err
		}
		resp = r
		switch r.Status {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return fmt.Errorf("%w: %d", errRetryableStatus, r.Status)
		}
		return nil
	}
	err = connectivity.WithRetry(c.cfg.Retries, c.cfg.RetryBackoff, c.logger)(attempt)(ctx)
	if resp == nil {
		if err == nil {
			err = errors.New("fetch: no response")
		}
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	// A gateway status that survived every retry still goes back intact.
	resp.Proxy = proxyURL
	resp.Profile = profile
	resp.Elapsed = time.Since(start)

	c.logger.Debug("fetched",
		"url", req.URL,
		"status", resp.Status,
		"bytes", len(resp.Body),
		"proxied", proxyURL != "",
		"elapsed_ms", resp.Elapsed.Milliseconds())
	return resp, nil
}

// attempt runs a single GET.
func (c *Client) attempt(ctx context.Context, client *http.Client, req Request, profile Profile) (*Response, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: new request: %w", err)
	}
	ApplyStealth(hreq.Header, profile, req.Referer)
	c.injectCookies(hreq)

	hresp, err := client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("fetch: do: %w", err)
	}
	defer hresp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(hresp.Body, c.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fetch: read body: %w", err)
	}
	truncated := int64(len(body)) > c.cfg.MaxBodyBytes
	if truncated {
		body = body[:c.cfg.MaxBodyBytes]
	}

	finalURL := req.URL
	if hresp.Request != nil && hresp.Request.URL != nil {
		finalURL = hresp.Request.URL.String()
	}
	c.absorbCookies(req.URL, hresp)

	return &Response{
		Status:    hresp.StatusCode,
		Header:    hresp.Header,
		Body:      body,
		FinalURL:  finalURL,
		Truncated: truncated,
	}, nil
}

// injectCookies attaches the stored jar for the request's domain, if any.
func (c *Client) injectCookies(req *http.Request) {
	if c.store == nil {
		return
	}
	sess, err := c.store.Load(req.URL.String())
	if err != nil {
		if !errors.Is(err, sessions.ErrNoSession) {
			c.logger.Warn("session load failed", "url", req.URL.String(), "err", err)
		}
		return
	}
	for _, ck := range sess.HTTPCookies(time.Now()) {
		req.AddCookie(ck)
	}
}

// absorbCookies folds Set-Cookie responses back into an existing jar so a
// stored session stays fresh. Domains without a jar are untouched.
func (c *Client) absorbCookies(rawURL string, hresp *http.Response) {
	if c.store == nil {
		return
	}
	cs := hresp.Cookies()
	if len(cs) == 0 {
		return
	}
	host := ""
	if hresp.Request != nil && hresp.Request.URL != nil {
		host = hresp.Request.URL.Hostname()
	}
	fresh := sessions.FromHTTP(cs, host, time.Now())
	if err := c.store.Update(rawURL, fresh); err != nil {
		c.logger.Warn("session update failed", "url", rawURL, "err", err)
	}
}

// clientFor returns the cached HTTP client routed through a proxy exit.
func (c *Client) clientFor(proxyURL string) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.proxied[proxyURL]; ok {
		return cl, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("fetch: parse proxy url: %w", err)
	}
	cl := &http.Client{
		Timeout:   c.cfg.Timeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(u)},
	}
	c.proxied[proxyURL] = cl
	return cl, nil
}
