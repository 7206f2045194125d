package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/DevsHero/search-scrape/urlx"
)

// sessionValidityMargin is subtracted from stored expiries before comparing
// against the clock, covering skew and in-flight requests.
const sessionValidityMargin = 60 * time.Second

// Record is the stored auth metadata for one domain.
type Record struct {
	// NeedsAuth flips to true the first time a manual login completes for
	// the domain.
	NeedsAuth bool `json:"needs_auth"`

	// LastSuccess is the most recent scrape that went through on injected
	// cookies.
	LastSuccess *time.Time `json:"last_success,omitempty"`

	// AuthType labels how auth is provided, currently always
	// "session_cookies".
	AuthType string `json:"auth_type,omitempty"`

	// SessionExpiry is the Unix timestamp (seconds) of the earliest-expiring
	// cookie in the stored jar. nil means every cookie was session-scoped.
	SessionExpiry *float64 `json:"session_expiry,omitempty"`

	SuccessfulInjections int `json:"successful_injections"`
	FailedInjections     int `json:"failed_injections"`
}

// SessionValid reports whether the stored session is still inside its
// validity window at now. A nil SessionExpiry is trusted until the jar is
// replaced.
func (rec Record) SessionValid(now time.Time) bool {
	if rec.SessionExpiry == nil {
		return true
	}
	return float64(now.Unix()) < *rec.SessionExpiry-sessionValidityMargin.Seconds()
}

// Registry tracks which domains gate content behind a login. The whole map
// persists as one JSON file, re-read on every call so long-running servers
// never act on stale state. Writes go through a temp file and rename so a
// concurrent reader cannot observe a torn file.
type Registry struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// NewRegistry creates a Registry persisted at dir/auth_map.json.
func NewRegistry(dir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		path:   filepath.Join(dir, "auth_map.json"),
		logger: logger,
		now:    time.Now,
	}
}

// Get returns the record for rawURL's registrable domain.
func (r *Registry) Get(rawURL string) (Record, bool) {
	domain := urlx.RegistrableDomainOfURL(rawURL)
	if domain == "" {
		return Record{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.load()[domain]
	return rec, ok
}

// SessionValid reports whether rawURL's domain is known to need auth and
// still has a live stored session. Callers use it to inject cookies before
// the first fetch instead of waiting for a block.
func (r *Registry) SessionValid(rawURL string) bool {
	rec, ok := r.Get(rawURL)
	return ok && rec.NeedsAuth && rec.SessionValid(r.now())
}

// MarkRequiresAuth flags the domain as auth-gated and records when the
// freshly saved session expires. A zero expiry means the session carries no
// concrete TTL.
func (r *Registry) MarkRequiresAuth(rawURL string, expiry time.Time) error {
	domain := urlx.RegistrableDomainOfURL(rawURL)
	if domain == "" {
		return fmt.Errorf("sessions: no host in %q", rawURL)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.load()
	rec := m[domain]
	rec.NeedsAuth = true
	rec.AuthType = "session_cookies"
	if expiry.IsZero() {
		rec.SessionExpiry = nil
	} else {
		exp := float64(expiry.Unix())
		rec.SessionExpiry = &exp
	}
	m[domain] = rec
	r.logger.Info("domain marked auth-gated", "domain", domain, "session_expiry", expiry.Unix())
	return r.save(m)
}

// MarkSuccess counts a scrape that went through on injected cookies. Domains
// never marked as auth-gated are ignored.
func (r *Registry) MarkSuccess(rawURL string) error {
	domain := urlx.RegistrableDomainOfURL(rawURL)
	if domain == "" {
		return fmt.Errorf("sessions: no host in %q", rawURL)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.load()
	rec, ok := m[domain]
	if !ok {
		return nil
	}
	now := r.now().UTC()
	rec.LastSuccess = &now
	rec.SuccessfulInjections++
	m[domain] = rec
	return r.save(m)
}

// InvalidateSession zeroes the stored expiry so the next attempt triggers a
// fresh manual login, and counts the failure.
func (r *Registry) InvalidateSession(rawURL string) error {
	domain := urlx.RegistrableDomainOfURL(rawURL)
	if domain == "" {
		return fmt.Errorf("sessions: no host in %q", rawURL)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.load()
	rec, ok := m[domain]
	if !ok {
		return nil
	}
	expired := 0.0
	rec.SessionExpiry = &expired
	rec.FailedInjections++
	m[domain] = rec
	r.logger.Warn("stored session rejected", "domain", domain, "failed_injections", rec.FailedInjections)
	return r.save(m)
}

// Remove drops all stored metadata for the domain.
func (r *Registry) Remove(rawURL string) error {
	domain := urlx.RegistrableDomainOfURL(rawURL)
	if domain == "" {
		return fmt.Errorf("sessions: no host in %q", rawURL)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.load()
	if _, ok := m[domain]; !ok {
		return nil
	}
	delete(m, domain)
	return r.save(m)
}

func (r *Registry) load() map[string]Record {
	raw, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Record{}
	}
	if err != nil {
		r.logger.Warn("auth registry unreadable, starting empty", "path", r.path, "error", err)
		return map[string]Record{}
	}
	var m map[string]Record
	if err := json.Unmarshal(raw, &m); err != nil {
		r.logger.Warn("auth registry unparseable, starting empty", "path", r.path, "error", err)
		return map[string]Record{}
	}
	if m == nil {
		m = map[string]Record{}
	}
	return m
}

func (r *Registry) save(m map[string]Record) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return fmt.Errorf("sessions: mkdir %s: %w", filepath.Dir(r.path), err)
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("sessions: encode auth registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("sessions: write tmp: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("sessions: rename: %w", err)
	}
	return nil
}
