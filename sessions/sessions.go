// Package sessions persists captured login state as per-domain cookie jars.
//
// Jars live under {dir}/{domain}.json, keyed by the registrable domain
// (eTLD+1) of the originating URL, so cookies captured on
// accounts.example.com are injected for any *.example.com request. Writes
// are serialized per domain and atomic (write .tmp then rename) to prevent
// concurrent scrapes from observing a partial jar.
//
// A sibling auth_map.json (see Registry) records per-domain auth metadata:
// whether the domain gates content behind a login, when the stored session
// expires, and how often injection has succeeded or failed.
package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/DevsHero/search-scrape/netguard"
	"github.com/DevsHero/search-scrape/urlx"
)

// ErrNoSession is returned by Load when no jar exists for the URL's domain.
var ErrNoSession = errors.New("sessions: no stored session")

// sessionScopedTTL is the assumed lifetime of a jar whose cookies are all
// session-scoped (expires <= 0). Such cookies never expire on their own, so
// the jar is trusted for one day after capture.
const sessionScopedTTL = 24 * time.Hour

// Cookie is one captured browser cookie, in the shape the DevTools protocol
// uses. Expires is a Unix timestamp in seconds; values <= 0 mark the cookie
// as session-scoped.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Session is one persisted cookie jar.
type Session struct {
	Domain     string    `json:"domain"`
	Cookies    []Cookie  `json:"cookies"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// HTTPCookies returns the cookies still alive at now, in request header form.
func (sess *Session) HTTPCookies(now time.Time) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(sess.Cookies))
	for _, c := range sess.Cookies {
		if c.Expires > 0 && float64(now.Unix()) >= c.Expires {
			continue
		}
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return out
}

// MinExpiry returns the earliest concrete cookie expiry in the jar. ok is
// false when the jar is empty or every cookie is session-scoped.
func (sess *Session) MinExpiry() (time.Time, bool) {
	var earliest float64
	for _, c := range sess.Cookies {
		if c.Expires <= 0 {
			continue
		}
		if earliest == 0 || c.Expires < earliest {
			earliest = c.Expires
		}
	}
	if earliest == 0 {
		return time.Time{}, false
	}
	return time.Unix(int64(earliest), 0).UTC(), true
}

// EffectiveExpiry is MinExpiry with a fallback: an all-session-scoped jar is
// treated as valid until now + sessionScopedTTL. ok is false only when the
// jar holds no cookies at all.
func (sess *Session) EffectiveExpiry(now time.Time) (time.Time, bool) {
	if exp, ok := sess.MinExpiry(); ok {
		return exp, true
	}
	if len(sess.Cookies) == 0 {
		return time.Time{}, false
	}
	return now.Add(sessionScopedTTL), true
}

// FromHTTP converts parsed Set-Cookie headers into jar cookies. Cookies
// without an explicit Domain attribute are scoped to host.
func FromHTTP(cs []*http.Cookie, host string, now time.Time) []Cookie {
	out := make([]Cookie, 0, len(cs))
	for _, c := range cs {
		jc := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  -1,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
			SameSite: sameSiteString(c.SameSite),
		}
		if jc.Domain == "" {
			jc.Domain = host
		}
		switch {
		case c.MaxAge > 0:
			jc.Expires = float64(now.Add(time.Duration(c.MaxAge) * time.Second).Unix())
		case c.MaxAge == 0 && !c.Expires.IsZero():
			jc.Expires = float64(c.Expires.Unix())
		}
		out = append(out, jc)
	}
	return out
}

func sameSiteString(s http.SameSite) string {
	switch s {
	case http.SameSiteStrictMode:
		return "Strict"
	case http.SameSiteLaxMode:
		return "Lax"
	case http.SameSiteNoneMode:
		return "None"
	default:
		return ""
	}
}

// Store reads and writes cookie jars under a single directory, which is
// created on first save.
type Store struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a Store rooted at dir.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    dir,
		logger: logger,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Load returns the jar covering rawURL's registrable domain, so a jar
// captured on accounts.example.com serves www.example.com too.
func (s *Store) Load(rawURL string) (*Session, error) {
	domain, path, err := s.resolve(rawURL)
	if err != nil {
		return nil, err
	}
	mu := s.lockFor(domain)
	mu.Lock()
	defer mu.Unlock()
	return s.read(domain, path)
}

// Save replaces the jar for rawURL's domain and returns the stored session.
// CreatedAt survives across saves of the same domain.
func (s *Store) Save(rawURL string, cookies []Cookie) (*Session, error) {
	domain, path, err := s.resolve(rawURL)
	if err != nil {
		return nil, err
	}
	mu := s.lockFor(domain)
	mu.Lock()
	defer mu.Unlock()

	now := s.now().UTC()
	sess := &Session{Domain: domain, Cookies: cookies, CreatedAt: now, LastUsedAt: now}
	if prev, err := s.read(domain, path); err == nil {
		sess.CreatedAt = prev.CreatedAt
	}
	if err := s.write(path, sess); err != nil {
		return nil, err
	}
	s.logger.Info("cookie jar saved", "domain", domain, "cookies", len(cookies))
	return sess, nil
}

// Update merges freshly observed cookies into an existing jar and bumps
// LastUsedAt. Domains without a jar are left untouched: jars are only
// created by an explicit Save after a manual login, never from ambient
// Set-Cookie traffic.
func (s *Store) Update(rawURL string, fresh []Cookie) error {
	domain, path, err := s.resolve(rawURL)
	if err != nil {
		return err
	}
	mu := s.lockFor(domain)
	mu.Lock()
	defer mu.Unlock()

	sess, err := s.read(domain, path)
	if errors.Is(err, ErrNoSession) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, c := range fresh {
		sess.Cookies = upsert(sess.Cookies, c)
	}
	sess.LastUsedAt = s.now().UTC()
	return s.write(path, sess)
}

// Invalidate deletes the jar for rawURL's domain. Missing jars are not an
// error.
func (s *Store) Invalidate(rawURL string) error {
	domain, path, err := s.resolve(rawURL)
	if err != nil {
		return err
	}
	mu := s.lockFor(domain)
	mu.Lock()
	defer mu.Unlock()
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("sessions: remove jar for %s: %w", domain, err)
	}
	s.logger.Info("cookie jar invalidated", "domain", domain)
	return nil
}

func (s *Store) resolve(rawURL string) (domain, path string, err error) {
	domain = urlx.RegistrableDomainOfURL(rawURL)
	if domain == "" {
		return "", "", fmt.Errorf("sessions: no host in %q", rawURL)
	}
	path, err = netguard.SafePath(s.dir, fileKey(domain)+".json")
	if err != nil {
		return "", "", fmt.Errorf("sessions: jar path for %s: %w", domain, err)
	}
	return domain, path, nil
}

// fileKey flattens a domain into a filesystem-safe name. Colons cover IPv6
// literal hosts.
func fileKey(domain string) string {
	return strings.NewReplacer(".", "_", ":", "_").Replace(domain)
}

func (s *Store) read(domain, path string) (*Session, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: read jar for %s: %w", domain, err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		s.logger.Warn("discarding unreadable cookie jar", "domain", domain, "error", err)
		return nil, ErrNoSession
	}
	if sess.Domain == "" {
		sess.Domain = domain
	}
	return &sess, nil
}

func (s *Store) write(path string, sess *Session) error {
	// Jars hold live credentials; keep them owner-only.
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("sessions: mkdir %s: %w", s.dir, err)
	}
	raw, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("sessions: encode jar: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("sessions: write tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("sessions: rename: %w", err)
	}
	return nil
}

func (s *Store) lockFor(domain string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.locks[domain]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[domain] = mu
	}
	return mu
}

// upsert replaces a cookie matching on name, domain and path, appending
// otherwise. Domains compare with any leading dot stripped so a Set-Cookie
// ".example.com" updates a captured "example.com" cookie instead of
// duplicating it.
func upsert(jar []Cookie, c Cookie) []Cookie {
	for i, have := range jar {
		if have.Name == c.Name && have.Path == c.Path &&
			strings.TrimPrefix(have.Domain, ".") == strings.TrimPrefix(c.Domain, ".") {
			jar[i] = c
			return jar
		}
	}
	return append(jar, c)
}
