package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/DevsHero/search-scrape/sessions"
)

func pageTarget(url string) proto.TargetCreateTarget {
	return proto.TargetCreateTarget{URL: url}
}

// InteractiveRequest opens a visible browser window and hands control to a
// human: solve the CAPTCHA, log in, dismiss the wall. The agent cannot do
// any of that; a person at the screen can.
type InteractiveRequest struct {
	URL string

	// Instruction is shown in the overlay banner. Empty gets a generic
	// prompt.
	Instruction string

	// GraceWait delays the overlay so pages that clear on their own (a
	// Cloudflare check that passes against a real browser) finish without
	// bothering anyone. Default 5s.
	GraceWait time.Duration
}

// InteractiveResult carries what the human session produced: the final
// page and the cookies that now authenticate the domain.
type InteractiveResult struct {
	HTML     []byte
	FinalURL string
	Cookies  []sessions.Cookie
	Elapsed  time.Duration
}

// overlayJS paints the instruction banner with a Done button. Clicking it
// sets the finish flag the wait loop polls.
const overlayJS = `(msg) => {
	if (document.getElementById('__ss_hitl_overlay')) return;
	const bar = document.createElement('div');
	bar.id = '__ss_hitl_overlay';
	bar.style.cssText = 'position:fixed;top:0;left:0;right:0;z-index:2147483647;' +
		'background:#1a1a2e;color:#fff;padding:10px 16px;font:14px sans-serif;' +
		'display:flex;justify-content:space-between;align-items:center;';
	const text = document.createElement('span');
	text.textContent = msg;
	const btn = document.createElement('button');
	btn.textContent = 'Done';
	btn.style.cssText = 'background:#4ade80;border:0;border-radius:4px;' +
		'padding:6px 18px;font:bold 14px sans-serif;cursor:pointer;';
	btn.onclick = () => { window.__ss_hitl_done = true; bar.remove(); };
	bar.appendChild(text);
	bar.appendChild(btn);
	document.documentElement.appendChild(bar);
}`

// Interactive runs a visible human session. There is no hard timeout: a
// login can take as long as the person needs. The context is the only way
// to abort, and closing the window counts as finishing.
func (m *Manager) Interactive(ctx context.Context, req InteractiveRequest) (*InteractiveResult, error) {
	grace := req.GraceWait
	if grace <= 0 {
		grace = 5 * time.Second
	}
	instruction := req.Instruction
	if instruction == "" {
		instruction = "Complete the verification or log in, then press Done."
	}

	b, err := m.browserFor(true, "")
	if err != nil {
		return nil, err
	}

	page, err := b.Page(pageTarget(req.URL))
	if err != nil {
		return nil, fmt.Errorf("browser: open visible page: %w", err)
	}
	defer func() { _ = page.Close() }()

	start := time.Now()
	if err := page.Context(ctx).WaitLoad(); err != nil {
		m.cfg.Logger.Debug("browser: visible load wait", "error", err)
	}

	// Grace window: some challenge pages pass on their own in a real
	// browser. If the page settles into content, skip the human entirely.
	_ = sleepCtx(ctx, grace)

	if _, err := page.Context(ctx).Eval(overlayJS, instruction); err != nil {
		m.cfg.Logger.Warn("browser: overlay injection failed", "error", err)
	}

	m.cfg.Logger.Info("browser: waiting for human", "url", req.URL)
	if err := m.waitForHuman(ctx, page, req.URL); err != nil {
		return nil, err
	}

	html, err := pageHTML(ctx, page)
	if err != nil {
		// Window already closed: the session still happened, cookies are
		// what matter. Serve what we can.
		m.cfg.Logger.Warn("browser: final dom unavailable", "error", err)
		html = nil
	}

	finalURL := req.URL
	if info, ierr := page.Info(); ierr == nil && info.URL != "" {
		finalURL = info.URL
	}

	cookies := captureCookies(page)

	m.cfg.Logger.Info("browser: human session finished",
		"url", req.URL,
		"cookies", len(cookies),
		"elapsed_s", int(time.Since(start).Seconds()))

	return &InteractiveResult{
		HTML:     html,
		FinalURL: finalURL,
		Cookies:  cookies,
		Elapsed:  time.Since(start),
	}, nil
}

// waitForHuman polls for the finish flag, logging a heartbeat so operators
// watching the logs know the process is parked on purpose.
func (m *Manager) waitForHuman(ctx context.Context, page *rod.Page, url string) error {
	const pollEvery = 500 * time.Millisecond
	const heartbeatEvery = 15 * time.Second

	lastBeat := time.Now()
	for {
		if err := sleepCtx(ctx, pollEvery); err != nil {
			return fmt.Errorf("browser: human session aborted: %w", err)
		}
		res, err := page.Context(ctx).Eval(`() => window.__ss_hitl_done === true`)
		if err != nil {
			// Eval failing usually means the tab navigated or was closed
			// by the user; both count as done.
			return nil
		}
		if res.Value.Bool() {
			return nil
		}
		if time.Since(lastBeat) >= heartbeatEvery {
			m.cfg.Logger.Info("browser: still waiting for human", "url", url)
			lastBeat = time.Now()
		}
	}
}

func captureCookies(page *rod.Page) []sessions.Cookie {
	raw, err := page.Cookies(nil)
	if err != nil {
		return nil
	}
	out := make([]sessions.Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, sessions.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return out
}
