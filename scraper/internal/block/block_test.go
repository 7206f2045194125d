package block

import (
	"net/http"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"

	"github.com/DevsHero/search-scrape/domains"
)

func newDetector(t *testing.T) *Detector {
	t.Helper()
	tb, err := domains.Load("")
	if err != nil {
		t.Fatalf("domains.Load: %v", err)
	}
	return NewDetector(tb)
}

func parseDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc
}

func richFiller() string {
	return strings.Repeat("the quick brown fox jumps over the lazy dog ", 30)
}

func TestClassifyStatusSignals(t *testing.T) {
	d := newDetector(t)

	tests := []struct {
		name string
		in   Input
		want Kind
	}{
		{
			name: "429",
			in:   Input{Status: http.StatusTooManyRequests},
			want: KindRateLimited,
		},
		{
			name: "403 with vendor signature",
			in: Input{
				Status: http.StatusForbidden,
				Body:   []byte(`<html><script src="https://ct.datadome.co/tags.js"></script></html>`),
			},
			want: KindRateLimited,
		},
		{
			name: "plain 403",
			in: Input{
				Status: http.StatusForbidden,
				Body:   []byte(`<html><body>Forbidden</body></html>`),
			},
			want: KindNone,
		},
		{
			name: "challenge header",
			in: Input{
				Status: http.StatusForbidden,
				Header: http.Header{"Cf-Mitigated": []string{"challenge"}},
			},
			want: KindRateLimited,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.Classify(tt.in); got.Kind != tt.want {
				t.Errorf("Classify = %q (%s), want %q", got.Kind, got.Reason, tt.want)
			}
		})
	}
}

func TestClassifyAuthWall(t *testing.T) {
	d := newDetector(t)

	wall := `<html><body>
		<form action="/login"><input name="session_key"><input type="password" name="pw"></form>
		<p>Sign in to view this profile</p>
	</body></html>`
	res := d.Classify(Input{Status: 200, Body: []byte(wall), Doc: parseDoc(t, wall)})
	if res.Kind != KindAuthWalled {
		t.Fatalf("login page Kind = %q (%s), want %q", res.Kind, res.Reason, KindAuthWalled)
	}
	if res.AuthRiskScore < AuthRiskThreshold {
		t.Errorf("AuthRiskScore = %v, want >= %v", res.AuthRiskScore, AuthRiskThreshold)
	}
	if res.AuthRiskScore > 1 {
		t.Errorf("AuthRiskScore = %v, want <= 1", res.AuthRiskScore)
	}
	if len(res.Factors) < 2 {
		t.Errorf("Factors = %v, want login form, password and gating signals", res.Factors)
	}
	if res.Reason == "" {
		t.Error("Reason is empty")
	}
}

func TestClassifyAuthSignalsOnRichPage(t *testing.T) {
	d := newDetector(t)

	// A header login form on a full article must not wall off the content,
	// but the risk score still ships so callers can see it.
	page := `<html><body>
		<header><form action="/login"><input type="password"></form></header>
		<article><h1>Understanding goroutine scheduling</h1><p>` + richFiller() + `</p></article>
	</body></html>`
	res := d.Classify(Input{Status: 200, Body: []byte(page), Doc: parseDoc(t, page)})
	if res.Kind != KindNone {
		t.Fatalf("rich page Kind = %q (%s), want %q", res.Kind, res.Reason, KindNone)
	}
	if res.AuthRiskScore <= 0 || res.AuthRiskScore >= AuthRiskThreshold {
		t.Errorf("AuthRiskScore = %v, want in (0, %v)", res.AuthRiskScore, AuthRiskThreshold)
	}
}

func TestClassifyAuthRedirect(t *testing.T) {
	d := newDetector(t)

	page := `<html><body><p>Redirecting</p></body></html>`
	res := d.Classify(Input{
		Status:   200,
		URL:      "https://example.com/profile/talha",
		FinalURL: "https://example.com/login?next=%2Fprofile%2Ftalha",
		Body:     []byte(page),
		Doc:      parseDoc(t, page),
	})
	if res.Kind != KindAuthWalled {
		t.Fatalf("redirect Kind = %q (%s), want %q", res.Kind, res.Reason, KindAuthWalled)
	}
	if !strings.Contains(res.Reason, "redirected") {
		t.Errorf("Reason = %q, want redirect factor", res.Reason)
	}
}

func TestClassifyCaptcha(t *testing.T) {
	d := newDetector(t)

	t.Run("widget", func(t *testing.T) {
		page := `<html><body><div class="g-recaptcha" data-sitekey="k"></div></body></html>`
		res := d.Classify(Input{Status: 200, Body: []byte(page), Doc: parseDoc(t, page)})
		if res.Kind != KindCaptcha {
			t.Errorf("Kind = %q (%s), want %q", res.Kind, res.Reason, KindCaptcha)
		}
	})

	t.Run("verification phrase", func(t *testing.T) {
		page := `<html><body><p>Verify you are human by completing the action below.</p></body></html>`
		res := d.Classify(Input{Status: 200, Body: []byte(page), Doc: parseDoc(t, page)})
		if res.Kind != KindCaptcha {
			t.Errorf("Kind = %q (%s), want %q", res.Kind, res.Reason, KindCaptcha)
		}
	})

	t.Run("comment form widget on article", func(t *testing.T) {
		page := `<html><body><article><h1>Release notes</h1><p>` + richFiller() +
			`</p></article><form><div class="g-recaptcha"></div></form></body></html>`
		res := d.Classify(Input{Status: 200, Body: []byte(page), Doc: parseDoc(t, page)})
		if res.Kind != KindNone {
			t.Errorf("Kind = %q (%s), want %q", res.Kind, res.Reason, KindNone)
		}
	})
}

func TestClassifyDenialPage(t *testing.T) {
	d := newDetector(t)

	page := `<html><body><h1>Access Denied</h1>
		<p>You don't have permission to access this resource.</p></body></html>`
	res := d.Classify(Input{Status: 200, Body: []byte(page), Doc: parseDoc(t, page)})
	if res.Kind != KindRateLimited {
		t.Errorf("Kind = %q (%s), want %q", res.Kind, res.Reason, KindRateLimited)
	}
}

func TestClassifySoftBlock(t *testing.T) {
	d := newDetector(t)

	tests := []struct {
		name string
		html string
		want Kind
	}{
		{"empty shell", `<html><body><div id="root"></div></body></html>`, KindSoftBlocked},
		{"short but headed", `<html><body><h1>Status page</h1><p>All systems operational</p></body></html>`, KindNone},
		{"rich", `<html><body><h1>Guide</h1><p>` + richFiller() + `</p></body></html>`, KindNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := d.Classify(Input{Status: 200, Body: []byte(tt.html), Doc: parseDoc(t, tt.html)})
			if res.Kind != tt.want {
				t.Errorf("Kind = %q (%s), want %q", res.Kind, res.Reason, tt.want)
			}
		})
	}
}

func TestClassifyLargeBodyScansHeadOnly(t *testing.T) {
	d := newDetector(t)

	var b strings.Builder
	for b.Len() <= largeBody {
		b.WriteString("<p>lorem ipsum dolor sit amet consectetur</p>\n")
	}
	b.WriteString("<p>verify you are human</p>")

	res := d.Classify(Input{Status: 200, Body: []byte(b.String())})
	if res.Kind != KindNone {
		t.Errorf("Kind = %q (%s), want %q for deep-footer phrase", res.Kind, res.Reason, KindNone)
	}
}

func TestLooksBlocked(t *testing.T) {
	d := newDetector(t)

	tests := []struct {
		title string
		words int
		want  bool
	}{
		{"Access Denied", 500, true},
		{"Just a moment...", 300, true},
		{"Rust async book", 12, true},
		{"Rust async book", 800, false},
	}
	for _, tt := range tests {
		if got := d.LooksBlocked(tt.title, tt.words); got != tt.want {
			t.Errorf("LooksBlocked(%q, %d) = %v, want %v", tt.title, tt.words, got, tt.want)
		}
	}
}

func TestKindEscalation(t *testing.T) {
	retryable := map[Kind]bool{
		KindRateLimited: true,
		KindSoftBlocked: true,
		KindAuthWalled:  false,
		KindCaptcha:     false,
		KindNone:        false,
	}
	for k, want := range retryable {
		if got := k.Retryable(); got != want {
			t.Errorf("%s.Retryable() = %v, want %v", k, got, want)
		}
	}

	human := map[Kind]bool{
		KindAuthWalled:  true,
		KindCaptcha:     true,
		KindRateLimited: false,
		KindNone:        false,
	}
	for k, want := range human {
		if got := k.NeedsHuman(); got != want {
			t.Errorf("%s.NeedsHuman() = %v, want %v", k, got, want)
		}
	}
}
