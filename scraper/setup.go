package scraper

import (
	"context"
	"log/slog"

	"github.com/DevsHero/search-scrape/proxypool"
	"github.com/DevsHero/search-scrape/scraper/internal/browser"
	"github.com/DevsHero/search-scrape/scraper/internal/fetch"
	"github.com/DevsHero/search-scrape/sessions"
)

// The fetch client and browser manager live in internal packages. These
// aliases and constructors are the assembly surface the binary wires
// Deps through.

// FetchConfig tunes the plain-HTTP tier.
type FetchConfig = fetch.Config

// Window is a per-host pacing window between requests.
type Window = fetch.Window

// PacingWindow maps a delay preset name (fast, polite, cautious) to its
// window. Unknown names get the polite window.
func PacingWindow(preset string) Window { return fetch.PresetWindow(preset) }

// NewFetchClient builds the plain-HTTP fetcher. pool and store may be
// nil; proxy routing and cookie injection are then disabled.
func NewFetchClient(cfg FetchConfig, pool *proxypool.Pool, store *sessions.Store, logger *slog.Logger) *fetch.Client {
	return fetch.New(cfg, pool, store, logger)
}

// BrowserConfig tunes the Chrome lifecycle.
type BrowserConfig = browser.Config

// NewBrowser builds the browser manager. Chrome launches lazily on the
// first render, so constructing one on a browserless host is harmless.
func NewBrowser(cfg BrowserConfig) *browser.Manager { return browser.NewManager(cfg) }

// RenderHTML runs one headless render and returns the serialized
// document. The search tier re-fetches blocked results pages through it.
func RenderHTML(ctx context.Context, r Renderer, url string, extraWaitMS int) ([]byte, error) {
	res, err := r.Render(ctx, browser.RenderRequest{URL: url, ExtraWaitMS: extraWaitMS})
	if err != nil {
		return nil, err
	}
	return res.HTML, nil
}
