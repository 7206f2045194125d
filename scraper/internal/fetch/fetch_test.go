package fetch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DevsHero/search-scrape/proxypool"
	"github.com/DevsHero/search-scrape/sessions"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig keeps pacing and backoff out of the way.
func testConfig() Config {
	return Config{
		Timeout:      5 * time.Second,
		RetryBackoff: time.Millisecond,
		Window:       Window{Min: time.Nanosecond, Max: 2 * time.Nanosecond},
	}
}

func TestDoSetsStealthHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		io.WriteString(w, "<html><body>ok</body></html>")
	}))
	defer srv.Close()

	profile := Profiles()[0]
	c := New(testConfig(), nil, nil, quietLogger())
	resp, err := c.Do(context.Background(), Request{URL: srv.URL, Referer: "https://www.google.com/", Profile: &profile})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("Status = %d, want 200", resp.Status)
	}

	if ua := got.Get("User-Agent"); ua != profile.UserAgent {
		t.Errorf("User-Agent = %q, want %q", ua, profile.UserAgent)
	}
	if hint := got.Get("sec-ch-ua"); hint != profile.SecChUA {
		t.Errorf("sec-ch-ua = %q, want %q", hint, profile.SecChUA)
	}
	for _, h := range []string{"Accept", "Accept-Language", "DNT", "Sec-Fetch-Mode", "Upgrade-Insecure-Requests"} {
		if got.Get(h) == "" {
			t.Errorf("header %s not set", h)
		}
	}
	if ref := got.Get("Referer"); ref != "https://www.google.com/" {
		t.Errorf("Referer = %q", ref)
	}
	if resp.Profile.Name != profile.Name {
		t.Errorf("Profile = %q, want %q", resp.Profile.Name, profile.Name)
	}
}

func TestDoInjectsAndUpdatesCookies(t *testing.T) {
	var gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err == nil {
			gotCookie = c.Value
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "rotated"})
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	store := sessions.NewStore(t.TempDir(), quietLogger())
	if _, err := store.Save(srv.URL, []sessions.Cookie{{Name: "session", Value: "original"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	c := New(testConfig(), nil, store, quietLogger())
	if _, err := c.Do(context.Background(), Request{URL: srv.URL}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if gotCookie != "original" {
		t.Errorf("server saw cookie %q, want %q", gotCookie, "original")
	}

	sess, err := store.Load(srv.URL)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(sess.Cookies) != 1 {
		t.Fatalf("jar has %d cookies, want 1", len(sess.Cookies))
	}
	if sess.Cookies[0].Value != "rotated" {
		t.Errorf("jar cookie = %q, want %q", sess.Cookies[0].Value, "rotated")
	}

	// A second fetch must not grow the jar.
	if _, err := c.Do(context.Background(), Request{URL: srv.URL}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	sess, err = store.Load(srv.URL)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(sess.Cookies) != 1 {
		t.Errorf("jar has %d cookies after refetch, want 1", len(sess.Cookies))
	}
}

func TestDoRetriesGatewayStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, "recovered")
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Retries = 3
	c := New(cfg, nil, nil, quietLogger())
	resp, err := c.Do(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("Status = %d, want 200", resp.Status)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("server hits = %d, want 3", got)
	}
}

func TestDoReturnsExhaustedGatewayStatusIntact(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Retries = 1
	c := New(cfg, nil, nil, quietLogger())
	resp, err := c.Do(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want 503", resp.Status)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("server hits = %d, want 2", got)
	}
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Retries = 3
	c := New(cfg, nil, nil, quietLogger())
	resp, err := c.Do(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != http.StatusTooManyRequests {
		t.Errorf("Status = %d, want 429", resp.Status)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1 (429 handling belongs to the caller)", got)
	}
}

func TestDoCapsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strings.Repeat("x", 1000))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxBodyBytes = 100
	c := New(cfg, nil, nil, quietLogger())
	resp, err := c.Do(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !resp.Truncated {
		t.Error("Truncated = false, want true")
	}
	if len(resp.Body) != 100 {
		t.Errorf("len(Body) = %d, want 100", len(resp.Body))
	}
}

func TestDoRoutesThroughProxy(t *testing.T) {
	var proxied atomic.Int32
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied.Add(1)
		if r.Host != "target.invalid" {
			t.Errorf("proxy saw host %q, want target.invalid", r.Host)
		}
		io.WriteString(w, "via proxy")
	}))
	defer proxy.Close()

	file := filepath.Join(t.TempDir(), "proxies.txt")
	if err := os.WriteFile(file, []byte(proxy.URL+"\n"), 0o644); err != nil {
		t.Fatalf("write proxy file: %v", err)
	}
	pool := proxypool.New(file, quietLogger())
	if err := pool.Load(); err != nil {
		t.Fatalf("pool load: %v", err)
	}

	c := New(testConfig(), pool, nil, quietLogger())
	resp, err := c.Do(context.Background(), Request{URL: "http://target.invalid/page", UseProxy: true})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(resp.Body) != "via proxy" {
		t.Errorf("Body = %q", resp.Body)
	}
	if resp.Proxy != proxy.URL {
		t.Errorf("Proxy = %q, want %q", resp.Proxy, proxy.URL)
	}
	if proxied.Load() == 0 {
		t.Error("proxy never saw the request")
	}
}

func TestPacerReservesConsecutiveSlots(t *testing.T) {
	p := NewPacer()
	base := time.Now()
	p.now = func() time.Time { return base }

	if d := p.reserve("example.com", 100*time.Millisecond); d != 0 {
		t.Errorf("first reserve = %v, want 0", d)
	}
	if d := p.reserve("example.com", 100*time.Millisecond); d != 100*time.Millisecond {
		t.Errorf("second reserve = %v, want 100ms", d)
	}
	if d := p.reserve("example.com", 100*time.Millisecond); d != 200*time.Millisecond {
		t.Errorf("third reserve = %v, want 200ms", d)
	}
	if d := p.reserve("other.com", 100*time.Millisecond); d != 0 {
		t.Errorf("independent host reserve = %v, want 0", d)
	}

	// Once the slot time has passed the host counts as idle again.
	p.now = func() time.Time { return base.Add(time.Hour) }
	if d := p.reserve("example.com", 100*time.Millisecond); d != 0 {
		t.Errorf("idle reserve = %v, want 0", d)
	}
}

func TestWindowDelayBounds(t *testing.T) {
	w := Window{Min: 100 * time.Millisecond, Max: 500 * time.Millisecond}
	for i := 0; i < 200; i++ {
		d := w.Delay()
		if d < w.Min {
			t.Fatalf("Delay = %v, want >= %v", d, w.Min)
		}
		if d > time.Duration(float64(w.Max)*1.2) {
			t.Fatalf("Delay = %v, want <= Max plus jitter", d)
		}
	}
}

func TestPresetWindow(t *testing.T) {
	tests := []struct {
		name string
		want Window
	}{
		{PresetFast, Window{100 * time.Millisecond, 500 * time.Millisecond}},
		{PresetPolite, Window{500 * time.Millisecond, 1500 * time.Millisecond}},
		{PresetCautious, Window{time.Second, 3 * time.Second}},
		{"unknown", Window{500 * time.Millisecond, 1500 * time.Millisecond}},
	}
	for _, tt := range tests {
		if got := PresetWindow(tt.name); got != tt.want {
			t.Errorf("PresetWindow(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
