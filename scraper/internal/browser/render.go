package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// RenderRequest is one headless render.
type RenderRequest struct {
	URL string

	// Proxy routes the whole Chrome process through this exit. A change
	// relative to the previous render recycles Chrome.
	Proxy string

	// WaitSelector, when set, is polled for before settle starts. Missing
	// selectors degrade to the settle wait rather than failing the render.
	WaitSelector string

	// ExtraWaitMS adds a fixed delay before the DOM-idle settle loop, for
	// domains whose strategy table knows they hydrate late.
	ExtraWaitMS int

	// Scroll pages through the document to trigger lazy loading.
	Scroll bool
}

// RenderResult is a completed render.
type RenderResult struct {
	HTML         []byte
	FinalURL     string
	SettleTimeMS int64
	Elapsed      time.Duration
}

// Render navigates a stealth page, waits for the DOM to settle, and
// serializes the document. The page is always closed, even on error.
func (m *Manager) Render(ctx context.Context, req RenderRequest) (*RenderResult, error) {
	b, err := m.browserFor(false, req.Proxy)
	if err != nil {
		return nil, err
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: stealth page: %w", err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			m.cfg.Logger.Debug("browser: page close failed", "error", cerr)
		}
	}()

	if len(m.cfg.BlockResources) > 0 {
		blockResources(page, m.cfg.BlockResources)
	}

	start := time.Now()
	navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavigateTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(req.URL); err != nil {
		return nil, fmt.Errorf("browser: navigate %s: %w", req.URL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		m.cfg.Logger.Warn("browser: load wait timed out", "url", req.URL, "error", err)
	}

	if req.WaitSelector != "" {
		waitSelector(navCtx, page, req.WaitSelector, m.cfg.Logger)
	}
	if req.ExtraWaitMS > 0 {
		sleepCtx(ctx, time.Duration(req.ExtraWaitMS)*time.Millisecond)
	}
	if req.Scroll {
		scrollThrough(ctx, page)
	}

	settleStart := time.Now()
	m.settle(ctx, page)
	settleMS := time.Since(settleStart).Milliseconds()

	html, err := pageHTML(ctx, page)
	if err != nil {
		return nil, err
	}
	finalURL := req.URL
	if info, ierr := page.Info(); ierr == nil && info.URL != "" {
		finalURL = info.URL
	}

	m.cfg.Logger.Debug("browser: rendered",
		"url", req.URL,
		"bytes", len(html),
		"settle_ms", settleMS,
		"elapsed_ms", time.Since(start).Milliseconds())

	return &RenderResult{
		HTML:         html,
		FinalURL:     finalURL,
		SettleTimeMS: settleMS,
		Elapsed:      time.Since(start),
	}, nil
}

// settle polls the DOM size until it stops growing for IdleTarget, bounded
// by IdleCap. Hydration-heavy pages keep mutating well past the load
// event; a fixed sleep either wastes time or misses content.
func (m *Manager) settle(ctx context.Context, page *rod.Page) {
	const pollEvery = 250 * time.Millisecond

	deadline := time.Now().Add(m.cfg.IdleCap)
	lastLen := -1
	lastChange := time.Now()

	for time.Now().Before(deadline) {
		if err := sleepCtx(ctx, pollEvery); err != nil {
			return
		}
		res, err := page.Context(ctx).Eval(`() => document.documentElement.outerHTML.length`)
		if err != nil {
			return
		}
		n := res.Value.Int()
		if n != lastLen {
			lastLen = n
			lastChange = time.Now()
			continue
		}
		if time.Since(lastChange) >= m.cfg.IdleTarget {
			return
		}
	}
}

func waitSelector(ctx context.Context, page *rod.Page, selector string, logger interface{ Debug(string, ...any) }) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res, err := page.Context(ctx).Eval(`(sel) => document.querySelector(sel) !== null`, selector)
		if err != nil {
			return
		}
		if res.Value.Bool() {
			return
		}
		if sleepCtx(ctx, 200*time.Millisecond) != nil {
			return
		}
	}
	logger.Debug("browser: wait selector never appeared", "selector", selector)
}

// scrollThrough steps down the document in viewport-sized hops so lazy
// loaders and infinite lists fire, then returns to the top.
func scrollThrough(ctx context.Context, page *rod.Page) {
	for i := 0; i < 6; i++ {
		_, err := page.Context(ctx).Eval(`() => window.scrollBy(0, window.innerHeight)`)
		if err != nil {
			return
		}
		if sleepCtx(ctx, 400*time.Millisecond) != nil {
			return
		}
		res, err := page.Context(ctx).Eval(
			`() => window.scrollY + window.innerHeight >= document.body.scrollHeight - 10`)
		if err != nil || res.Value.Bool() {
			break
		}
	}
	_, _ = page.Context(ctx).Eval(`() => window.scrollTo(0, 0)`)
}

func pageHTML(ctx context.Context, page *rod.Page) ([]byte, error) {
	res, err := page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return nil, fmt.Errorf("browser: serialize dom: %w", err)
	}
	return []byte(res.Value.Str()), nil
}

// blockResources drops the listed resource types at the network layer.
// Rendering for extraction rarely needs pixels.
func blockResources(page *rod.Page, types []string) {
	blocked := make(map[string]bool, len(types))
	for _, t := range types {
		blocked[strings.ToLower(t)] = true
	}

	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		switch strings.ToLower(string(h.Request.Type())) {
		case "image":
			if blocked["images"] || blocked["image"] {
				h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
				return
			}
		case "font":
			if blocked["fonts"] || blocked["font"] {
				h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
				return
			}
		case "media":
			if blocked["media"] {
				h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
				return
			}
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
