// Package browser is the rendering tier of the escalation ladder: a
// lazily-launched Chrome driven over CDP through Rod, with stealth pages
// for headless renders and a visible window for human-in-the-loop
// sessions. Nothing here decides WHEN to render; the controller does.
//
// One Chrome process is shared across renders. Launch parameters (visible
// vs headless, proxy exit) are process-wide in Chrome, so a render that
// needs a different mode recycles the process first. Teardown is
// guaranteed through Close even when a render goroutine is wedged.
package browser

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// Config tunes the Chrome lifecycle. Zero values get defaults.
type Config struct {
	// Executable overrides Chrome auto-discovery. Empty lets the launcher
	// walk the usual install locations.
	Executable string

	// RemoteURL connects to an already-running Chrome instead of launching
	// one. Visible sessions are refused in remote mode.
	RemoteURL string

	// NavigateTimeout bounds one navigation plus load wait. Default 30s.
	NavigateTimeout time.Duration

	// IdleTarget is how long the DOM must stop growing before a render is
	// considered settled. Default 2.5s. IdleCap bounds the whole settle
	// wait. Default 12s.
	IdleTarget time.Duration
	IdleCap    time.Duration

	// BlockResources lists resource types to drop during headless renders
	// (images, fonts, media). Visible sessions never block.
	BlockResources []string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.IdleTarget <= 0 {
		c.IdleTarget = 2500 * time.Millisecond
	}
	if c.IdleCap <= 0 {
		c.IdleCap = 12 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns the Chrome process. Safe for concurrent use; renders
// serialize on mode changes only.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	visible bool
	proxy   string
	closed  bool
}

// NewManager builds a Manager. Chrome is not launched until the first
// render asks for it.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Available reports whether a Chrome binary can be found, so callers can
// skip the render rung entirely on browserless hosts.
func (m *Manager) Available() bool {
	if m.cfg.RemoteURL != "" {
		return true
	}
	if m.cfg.Executable != "" {
		if _, err := os.Stat(m.cfg.Executable); err == nil {
			return true
		}
	}
	_, has := launcher.LookPath()
	return has
}

// browserFor returns a connected browser in the requested mode, recycling
// the current process when the mode or proxy exit differs.
func (m *Manager) browserFor(visible bool, proxy string) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("browser: manager is closed")
	}
	if m.browser != nil && m.visible == visible && m.proxy == proxy {
		return m.browser, nil
	}
	if m.browser != nil {
		m.cfg.Logger.Info("browser: recycling for mode change",
			"visible", visible, "proxied", proxy != "")
		m.teardownLocked()
	}

	b, l, err := m.launch(visible, proxy)
	if err != nil {
		return nil, err
	}
	m.browser = b
	m.lnch = l
	m.visible = visible
	m.proxy = proxy
	return b, nil
}

func (m *Manager) launch(visible bool, proxy string) (*rod.Browser, *launcher.Launcher, error) {
	log := m.cfg.Logger

	var wsURL string
	var l *launcher.Launcher

	if m.cfg.RemoteURL != "" {
		if visible {
			return nil, nil, fmt.Errorf("browser: visible session not possible against a remote chrome")
		}
		wsURL = m.cfg.RemoteURL
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l = launcher.New().Headless(!visible)
		if m.cfg.Executable != "" {
			l = l.Bin(m.cfg.Executable)
		}
		if proxy != "" {
			l = l.Proxy(proxy)
		}

		// Anti-detection flags.
		l = l.Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			return nil, nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		log.Info("browser: launched chrome", "visible", visible, "proxied", proxy != "")
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if l != nil {
			l.Cleanup()
		}
		return nil, nil, fmt.Errorf("browser: connect: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		log.Warn("browser: ignore cert errors failed", "error", err)
	}
	return b, l, nil
}

// Recycle kills the current Chrome. The next render relaunches.
func (m *Manager) Recycle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
}

// Close shuts Chrome down for good. Idempotent; also the emergency path on
// process exit.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.teardownLocked()
	return nil
}

func (m *Manager) teardownLocked() {
	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			m.cfg.Logger.Warn("browser: close failed", "error", err)
		}
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	m.proxy = ""
	m.visible = false
}
