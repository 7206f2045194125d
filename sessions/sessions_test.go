package sessions

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T, at time.Time) *Store {
	t.Helper()
	st := NewStore(t.TempDir(), testLogger())
	st.now = func() time.Time { return at }
	return st
}

func TestSaveLoadSharesRegistrableDomain(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := testStore(t, now)

	cookies := []Cookie{
		{Name: "user_session", Value: "abc", Domain: ".github.com", Path: "/", Expires: float64(now.Add(72 * time.Hour).Unix()), HTTPOnly: true, Secure: true},
		{Name: "logged_in", Value: "yes", Domain: ".github.com", Path: "/"},
	}
	sess, err := st.Save("https://accounts.github.com/login", cookies)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if sess.Domain != "github.com" {
		t.Fatalf("Domain = %q, want github.com", sess.Domain)
	}

	// A different subdomain resolves to the same jar.
	got, err := st.Load("https://gist.github.com/foo/bar")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Cookies) != 2 || got.Cookies[0].Name != "user_session" {
		t.Fatalf("Load cookies = %+v", got.Cookies)
	}
	if !got.CreatedAt.Equal(now) || !got.LastUsedAt.Equal(now) {
		t.Fatalf("timestamps = %v / %v, want %v", got.CreatedAt, got.LastUsedAt, now)
	}

	// Jar file name flattens dots.
	if _, err := os.Stat(filepath.Join(st.dir, "github_com.json")); err != nil {
		t.Fatalf("jar file: %v", err)
	}
}

func TestLoadMissingJar(t *testing.T) {
	st := testStore(t, time.Now())
	if _, err := st.Load("https://example.com/"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}

func TestLoadRejectsBadURL(t *testing.T) {
	st := testStore(t, time.Now())
	if _, err := st.Load("not a url"); err == nil {
		t.Fatal("want error for URL without host")
	}
}

func TestSavePreservesCreatedAt(t *testing.T) {
	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := testStore(t, first)

	if _, err := st.Save("https://example.com/", []Cookie{{Name: "a", Value: "1"}}); err != nil {
		t.Fatalf("first Save: %v", err)
	}

	second := first.Add(2 * time.Hour)
	st.now = func() time.Time { return second }
	sess, err := st.Save("https://example.com/", []Cookie{{Name: "b", Value: "2"}})
	if err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if !sess.CreatedAt.Equal(first) {
		t.Errorf("CreatedAt = %v, want %v", sess.CreatedAt, first)
	}
	if !sess.LastUsedAt.Equal(second) {
		t.Errorf("LastUsedAt = %v, want %v", sess.LastUsedAt, second)
	}
	if len(sess.Cookies) != 1 || sess.Cookies[0].Name != "b" {
		t.Errorf("Save must replace cookies, got %+v", sess.Cookies)
	}
}

func TestUpdateMergesIntoExistingJar(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := testStore(t, now)

	seed := []Cookie{
		{Name: "sid", Value: "old", Domain: "example.com", Path: "/"},
		{Name: "theme", Value: "dark", Domain: "example.com", Path: "/"},
	}
	if _, err := st.Save("https://example.com/", seed); err != nil {
		t.Fatalf("Save: %v", err)
	}

	later := now.Add(time.Hour)
	st.now = func() time.Time { return later }
	fresh := []Cookie{
		// Leading-dot domain still replaces the captured bare-domain cookie.
		{Name: "sid", Value: "new", Domain: ".example.com", Path: "/"},
		{Name: "extra", Value: "x", Domain: "example.com", Path: "/"},
	}
	if err := st.Update("https://www.example.com/page", fresh); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := st.Load("https://example.com/")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Cookies) != 3 {
		t.Fatalf("cookies = %+v, want 3", got.Cookies)
	}
	if got.Cookies[0].Value != "new" {
		t.Errorf("sid = %q, want new", got.Cookies[0].Value)
	}
	if !got.LastUsedAt.Equal(later) {
		t.Errorf("LastUsedAt = %v, want %v", got.LastUsedAt, later)
	}
}

func TestUpdateWithoutJarIsNoop(t *testing.T) {
	st := testStore(t, time.Now())
	if err := st.Update("https://example.com/", []Cookie{{Name: "a", Value: "1"}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := st.Load("https://example.com/"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Update must not create jars, got err = %v", err)
	}
}

func TestInvalidate(t *testing.T) {
	st := testStore(t, time.Now())
	if _, err := st.Save("https://example.com/", []Cookie{{Name: "a", Value: "1"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := st.Invalidate("https://example.com/"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := st.Load("https://example.com/"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("jar survived invalidation: %v", err)
	}
	// Invalidating again is not an error.
	if err := st.Invalidate("https://example.com/"); err != nil {
		t.Fatalf("second Invalidate: %v", err)
	}
}

func TestCorruptJarTreatedAsMissing(t *testing.T) {
	st := testStore(t, time.Now())
	if err := os.MkdirAll(st.dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(st.dir, "example_com.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Load("https://example.com/"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}

func TestMinAndEffectiveExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	early := now.Add(24 * time.Hour)
	late := now.Add(90 * 24 * time.Hour)

	tests := []struct {
		name          string
		cookies       []Cookie
		wantMin       time.Time
		wantMinOK     bool
		wantEffective time.Time
		wantEffOK     bool
	}{
		{
			name: "earliest persistent cookie wins",
			cookies: []Cookie{
				{Name: "a", Expires: float64(late.Unix())},
				{Name: "b", Expires: float64(early.Unix())},
				{Name: "c", Expires: -1},
			},
			wantMin: early, wantMinOK: true,
			wantEffective: early, wantEffOK: true,
		},
		{
			name: "all session-scoped falls back to one day",
			cookies: []Cookie{
				{Name: "a", Expires: -1},
				{Name: "b"},
			},
			wantMinOK:     false,
			wantEffective: now.Add(24 * time.Hour), wantEffOK: true,
		},
		{
			name:      "empty jar has no expiry",
			wantMinOK: false,
			wantEffOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := &Session{Domain: "example.com", Cookies: tt.cookies}
			min, ok := sess.MinExpiry()
			if ok != tt.wantMinOK {
				t.Fatalf("MinExpiry ok = %v, want %v", ok, tt.wantMinOK)
			}
			if ok && !min.Equal(tt.wantMin) {
				t.Errorf("MinExpiry = %v, want %v", min, tt.wantMin)
			}
			eff, ok := sess.EffectiveExpiry(now)
			if ok != tt.wantEffOK {
				t.Fatalf("EffectiveExpiry ok = %v, want %v", ok, tt.wantEffOK)
			}
			if ok && !eff.Equal(tt.wantEffective) {
				t.Errorf("EffectiveExpiry = %v, want %v", eff, tt.wantEffective)
			}
		})
	}
}

func TestHTTPCookiesSkipsExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sess := &Session{
		Domain: "example.com",
		Cookies: []Cookie{
			{Name: "live", Value: "1", Expires: float64(now.Add(time.Hour).Unix())},
			{Name: "dead", Value: "2", Expires: float64(now.Add(-time.Hour).Unix())},
			{Name: "scoped", Value: "3", Expires: -1},
		},
	}
	got := sess.HTTPCookies(now)
	if len(got) != 2 {
		t.Fatalf("got %d cookies, want 2", len(got))
	}
	if got[0].Name != "live" || got[1].Name != "scoped" {
		t.Errorf("cookies = %v, %v", got[0], got[1])
	}
}

func TestFromHTTP(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	abs := now.Add(48 * time.Hour)

	in := []*http.Cookie{
		{Name: "max", Value: "1", MaxAge: 3600, SameSite: http.SameSiteLaxMode},
		{Name: "abs", Value: "2", Expires: abs, Domain: ".example.com"},
		{Name: "sess", Value: "3", HttpOnly: true},
	}
	got := FromHTTP(in, "www.example.com", now)
	if len(got) != 3 {
		t.Fatalf("got %d cookies", len(got))
	}
	if want := float64(now.Add(time.Hour).Unix()); got[0].Expires != want {
		t.Errorf("max-age expiry = %v, want %v", got[0].Expires, want)
	}
	if got[0].SameSite != "Lax" {
		t.Errorf("sameSite = %q, want Lax", got[0].SameSite)
	}
	if got[0].Domain != "www.example.com" {
		t.Errorf("default domain = %q", got[0].Domain)
	}
	if want := float64(abs.Unix()); got[1].Expires != want {
		t.Errorf("absolute expiry = %v, want %v", got[1].Expires, want)
	}
	if got[1].Domain != ".example.com" {
		t.Errorf("explicit domain = %q", got[1].Domain)
	}
	if got[2].Expires != -1 || !got[2].HTTPOnly {
		t.Errorf("session cookie = %+v", got[2])
	}
}

func testRegistry(t *testing.T, at time.Time) *Registry {
	t.Helper()
	r := NewRegistry(t.TempDir(), testLogger())
	r.now = func() time.Time { return at }
	return r
}

func TestRegistryMarkAndValidity(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := testRegistry(t, now)

	if r.SessionValid("https://example.com/") {
		t.Fatal("unknown domain must not be valid")
	}

	if err := r.MarkRequiresAuth("https://www.example.com/login", now.Add(2*time.Hour)); err != nil {
		t.Fatalf("MarkRequiresAuth: %v", err)
	}
	rec, ok := r.Get("https://example.com/")
	if !ok || !rec.NeedsAuth || rec.AuthType != "session_cookies" {
		t.Fatalf("record = %+v, ok = %v", rec, ok)
	}
	if !r.SessionValid("https://sub.example.com/") {
		t.Error("session with 2h left must be valid for any subdomain")
	}

	// Inside the 60s safety margin counts as expired.
	if err := r.MarkRequiresAuth("https://example.com/", now.Add(30*time.Second)); err != nil {
		t.Fatal(err)
	}
	if r.SessionValid("https://example.com/") {
		t.Error("session inside safety margin must be invalid")
	}

	// Session-scoped jars carry no TTL and stay valid.
	if err := r.MarkRequiresAuth("https://example.com/", time.Time{}); err != nil {
		t.Fatal(err)
	}
	if !r.SessionValid("https://example.com/") {
		t.Error("session without TTL must stay valid")
	}
}

func TestRegistrySuccessAndFailureCounters(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := testRegistry(t, now)

	// MarkSuccess on an unknown domain is a no-op.
	if err := r.MarkSuccess("https://example.com/"); err != nil {
		t.Fatalf("MarkSuccess: %v", err)
	}
	if _, ok := r.Get("https://example.com/"); ok {
		t.Fatal("MarkSuccess must not create records")
	}

	if err := r.MarkRequiresAuth("https://example.com/", now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := r.MarkSuccess("https://example.com/"); err != nil {
		t.Fatal(err)
	}
	if err := r.MarkSuccess("https://example.com/"); err != nil {
		t.Fatal(err)
	}
	rec, _ := r.Get("https://example.com/")
	if rec.SuccessfulInjections != 2 {
		t.Errorf("SuccessfulInjections = %d, want 2", rec.SuccessfulInjections)
	}
	if rec.LastSuccess == nil || !rec.LastSuccess.Equal(now) {
		t.Errorf("LastSuccess = %v, want %v", rec.LastSuccess, now)
	}

	if err := r.InvalidateSession("https://example.com/"); err != nil {
		t.Fatal(err)
	}
	rec, _ = r.Get("https://example.com/")
	if rec.FailedInjections != 1 {
		t.Errorf("FailedInjections = %d, want 1", rec.FailedInjections)
	}
	if r.SessionValid("https://example.com/") {
		t.Error("invalidated session must not be valid")
	}
}

func TestRegistryRemove(t *testing.T) {
	now := time.Now()
	r := testRegistry(t, now)
	if err := r.MarkRequiresAuth("https://example.com/", now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := r.Remove("https://example.com/"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := r.Get("https://example.com/"); ok {
		t.Fatal("record survived Remove")
	}
	// Removing again is a no-op.
	if err := r.Remove("https://example.com/"); err != nil {
		t.Fatal(err)
	}
}

func TestRegistryCorruptFileStartsEmpty(t *testing.T) {
	now := time.Now()
	r := testRegistry(t, now)
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(r.path, []byte("][not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Get("https://example.com/"); ok {
		t.Fatal("corrupt registry must read as empty")
	}
	if err := r.MarkRequiresAuth("https://example.com/", now.Add(time.Hour)); err != nil {
		t.Fatalf("MarkRequiresAuth over corrupt file: %v", err)
	}
	rec, ok := r.Get("https://example.com/")
	if !ok || !rec.NeedsAuth {
		t.Fatalf("record = %+v, ok = %v", rec, ok)
	}
}
