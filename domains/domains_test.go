package domains

import (
	"os"
	"path/filepath"
	"testing"
)

func load(t *testing.T) *Tables {
	t.Helper()
	tb, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return tb
}

func TestClassify(t *testing.T) {
	tb := load(t)

	tests := []struct {
		host string
		want string
	}{
		{"github.com", "repo"},
		{"gitlab.com", "repo"},
		// docs patterns are checked before repo patterns.
		{"rust-lang.github.io", "docs"},
		{"docs.rs", "docs"},
		{"doc.rust-lang.org", "docs"},
		{"developer.mozilla.org", "docs"},
		{"stackoverflow.com", "qa"},
		{"unix.stackexchange.com", "qa"},
		{"crates.io", "package"},
		{"www.npmjs.com", "package"},
		{"www.youtube.com", "video"},
		{"medium.com", "blog"},
		{"dev.to", "blog"},
		{"store.steampowered.com", "gaming"},
		{"example.com", "other"},
		{"", "other"},
	}
	for _, tt := range tests {
		if got := tb.Classify(tt.host); got != tt.want {
			t.Errorf("Classify(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}

func TestSourceWeight(t *testing.T) {
	tb := load(t)

	tests := []struct {
		source string
		want   float64
	}{
		{"repo", 1.40},
		{"docs", 1.35},
		{"qa", 1.25},
		{"package", 1.20},
		{"blog", 1.00},
		{"video", 0.85},
		{"gaming", 0.25},
		{"other", 1.00},
		{"unknown-type", 1.00},
	}
	for _, tt := range tests {
		if got := tb.SourceWeight(tt.source); got != tt.want {
			t.Errorf("SourceWeight(%q) = %v, want %v", tt.source, got, tt.want)
		}
	}
}

func TestClassifyTopic(t *testing.T) {
	tb := load(t)

	tests := []struct {
		query string
		want  Topic
	}{
		{"rust async traits", TopicCode},
		{"how to reverse a list", TopicCode},
		{"npm install fails with exit code 1", TopicCode},
		{"breaking news earthquake", TopicNews},
		{"latest election results", TopicNews},
		{"chocolate cake recipe", TopicGeneral},
	}
	for _, tt := range tests {
		if got := tb.ClassifyTopic(tt.query); got != tt.want {
			t.Errorf("ClassifyTopic(%q) = %q, want %q", tt.query, got, tt.want)
		}
	}
}

func TestWeight(t *testing.T) {
	tb := load(t)

	// WHAT: government domains get the 1.50 authority multiplier on top of
	// the source-type base weight.
	gov := tb.Weight("tax forms", "www.irs.gov", "other")
	if gov != 1.50 {
		t.Errorf("gov weight = %v, want 1.50", gov)
	}

	// Code query on github stacks repo base 1.40 with the 1.25 topic boost.
	gh := tb.Weight("rust error handling", "github.com", "repo")
	if gh != 1.40*1.25 {
		t.Errorf("github code weight = %v, want %v", gh, 1.40*1.25)
	}

	// Ad domains bottom out at the clamp floor.
	ads := tb.Weight("anything", "stats.doubleclick.net", "gaming")
	if ads != 0.10 {
		t.Errorf("ad domain weight = %v, want 0.10 (clamp floor)", ads)
	}

	// Stacked multipliers never exceed the clamp ceiling.
	if w := tb.Weight("rust docs", "doc.rust-lang.org", "docs"); w > 3.0 {
		t.Errorf("weight = %v, want <= 3.0", w)
	}

	// Empty host still yields the source base weight.
	if w := tb.Weight("query", "", "qa"); w != 1.25 {
		t.Errorf("weight with empty host = %v, want 1.25", w)
	}
}

func TestIsBoss(t *testing.T) {
	tb := load(t)

	boss := []string{"www.linkedin.com", "medium.com", "bloomberg.com", "x.com", "mobile.twitter.com"}
	for _, h := range boss {
		if !tb.IsBoss(h) {
			t.Errorf("IsBoss(%q) = false, want true", h)
		}
	}

	// The x.com rule must not swallow every host ending in x.com.
	notBoss := []string{"example.com", "netflix.com", "github.com"}
	for _, h := range notBoss {
		if tb.IsBoss(h) {
			t.Errorf("IsBoss(%q) = true, want false", h)
		}
	}
}

func TestStrategy(t *testing.T) {
	tb := load(t)

	tests := []struct {
		host     string
		wantWait int
		wantRoll bool
	}{
		{"www.amazon.com", 3000, true},
		{"www.linkedin.com", 2500, true},
		{"www.zillow.com", 3000, false},
		{"newsletter.substack.com", 2000, true},
		{"github.com", 1500, false},
		{"example.org", 1000, false},
	}
	for _, tt := range tests {
		wait, scroll := tb.Strategy(tt.host)
		if wait != tt.wantWait || scroll != tt.wantRoll {
			t.Errorf("Strategy(%q) = (%d, %v), want (%d, %v)",
				tt.host, wait, scroll, tt.wantWait, tt.wantRoll)
		}
	}
}

func TestIsNoiseIdentifier(t *testing.T) {
	tb := load(t)

	noisy := []string{"sidebar", "cookie-banner", "newsletter_signup", "top-ad", "ad_container", "GlobalNav"}
	for _, id := range noisy {
		if !tb.IsNoiseIdentifier(id) {
			t.Errorf("IsNoiseIdentifier(%q) = false, want true", id)
		}
	}
	clean := []string{"article-body", "content", "prose", "markdown"}
	for _, id := range clean {
		if tb.IsNoiseIdentifier(id) {
			t.Errorf("IsNoiseIdentifier(%q) = true, want false", id)
		}
	}
}

func TestIsGarbageLine(t *testing.T) {
	tb := load(t)

	garbage := []string{"Subscribe", "Sign up", "Cookie settings", "Read more", "Comments", "comment"}
	for _, line := range garbage {
		if !tb.IsGarbageLine(line) {
			t.Errorf("IsGarbageLine(%q) = false, want true", line)
		}
	}
	keep := []string{"How subscriptions work under the hood", "The comment parser", "Reading files in Go"}
	for _, line := range keep {
		if tb.IsGarbageLine(line) {
			t.Errorf("IsGarbageLine(%q) = true, want false", line)
		}
	}
}

func TestCleanNeedles(t *testing.T) {
	tb := load(t)

	amazon := tb.CleanNeedles("www.amazon.com")
	if len(amazon) == 0 {
		t.Fatal("CleanNeedles(amazon) is empty")
	}
	found := false
	for _, n := range amazon {
		if n == "also-bought" {
			found = true
		}
	}
	if !found {
		t.Errorf("CleanNeedles(amazon) = %v, missing also-bought", amazon)
	}

	// Bloomberg matches both the publication rule and its own rule.
	bb := tb.CleanNeedles("www.bloomberg.com")
	if len(bb) <= len(amazon) {
		t.Errorf("CleanNeedles(bloomberg) = %d needles, want stacked rules", len(bb))
	}

	if got := tb.CleanNeedles("example.com"); got != nil {
		t.Errorf("CleanNeedles(example.com) = %v, want nil", got)
	}
}

func TestBreadcrumbKeywords(t *testing.T) {
	tb := load(t)

	for _, seg := range []string{"docs", "api", "reference", "wiki"} {
		if !tb.IsBreadcrumbKeyword(seg) {
			t.Errorf("IsBreadcrumbKeyword(%q) = false, want true", seg)
		}
	}
	if tb.IsBreadcrumbKeyword("pricing") {
		t.Error("IsBreadcrumbKeyword(pricing) = true, want false")
	}
}

func TestIsPrePriority(t *testing.T) {
	tb := load(t)

	if !tb.IsPrePriority("pastebin.com") {
		t.Error("IsPrePriority(pastebin.com) = false, want true")
	}
	if tb.IsPrePriority("example.com") {
		t.Error("IsPrePriority(example.com) = true, want false")
	}
}

func TestLoadOverride(t *testing.T) {
	// WHAT: an override file replaces the embedded tables entirely.
	dir := t.TempDir()
	path := filepath.Join(dir, "tables.yaml")
	doc := `
source_types:
  - name: docs
    weight: 9.0
    hosts: [mydocs.internal]
default_weight: 1.0
default_strategy:
  wait_ms: 500
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}

	tb, err := Load(path)
	if err != nil {
		t.Fatalf("Load(override): %v", err)
	}
	if got := tb.Classify("mydocs.internal"); got != "docs" {
		t.Errorf("Classify = %q, want docs", got)
	}
	// Embedded rules are gone after an override.
	if got := tb.Classify("github.com"); got != "other" {
		t.Errorf("Classify(github.com) = %q, want other after override", got)
	}
	if wait, _ := tb.Strategy("anything.com"); wait != 500 {
		t.Errorf("default strategy wait = %d, want 500", wait)
	}
}

func TestLoadRejectsBadTables(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		doc  string
	}{
		{"zero weight", "source_types:\n  - name: docs\n    weight: 0\n"},
		{"empty name", "source_types:\n  - name: \"\"\n    weight: 1.0\n"},
		{"duplicate name", "source_types:\n  - name: docs\n    weight: 1.0\n  - name: docs\n    weight: 2.0\n"},
		{"bad regex", "cleaner:\n  garbage_lines: [\"(unclosed\"]\n"},
		{"bad gating regex", "blocking:\n  gating_patterns: [\"(unclosed\"]\n"},
		{"bad title regex", "blocking:\n  block_title_patterns: [\"[bad\"]\n"},
		{"not yaml", "{{{{"},
	}
	for _, tt := range tests {
		path := filepath.Join(dir, "bad.yaml")
		if err := os.WriteFile(path, []byte(tt.doc), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("%s: Load succeeded, want error", tt.name)
		}
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load(missing file) succeeded, want error")
	}
}

func TestBlockingSignatures(t *testing.T) {
	tb := load(t)

	found := false
	for _, sig := range tb.Vendor403Signatures() {
		if sig == "datadome" {
			found = true
		}
	}
	if !found {
		t.Error("Vendor403Signatures missing datadome")
	}

	found = false
	for _, sig := range tb.CaptchaSignatures() {
		if sig == "g-recaptcha" {
			found = true
		}
	}
	if !found {
		t.Error("CaptchaSignatures missing g-recaptcha")
	}

	if len(tb.LoginSelectors()) == 0 {
		t.Error("LoginSelectors is empty")
	}
}

func TestMatchesGating(t *testing.T) {
	tb := load(t)

	tests := []struct {
		text string
		want bool
	}{
		{"Sign in to view this profile", true},
		{"sign in to continue", true},
		{"Create your free account today", true},
		{"You must be logged in to comment", true},
		{"Subscribe to read the full story", true},
		{"The sign shows the way to the in door", false},
		{"Profiling Go services in production", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := tb.MatchesGating(tt.text); got != tt.want {
			t.Errorf("MatchesGating(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestMatchesChallenge(t *testing.T) {
	tb := load(t)

	tests := []struct {
		text string
		want bool
	}{
		{"Please verify you are human to continue", true},
		{"Verify that you are human by completing the action below", true},
		{"Are you a robot?", true},
		{"Prove you're human", true},
		{"A robot vacuum review", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := tb.MatchesChallenge(tt.text); got != tt.want {
			t.Errorf("MatchesChallenge(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestMatchesDenial(t *testing.T) {
	tb := load(t)

	tests := []struct {
		text string
		want bool
	}{
		{"Access Denied", true},
		{"Checking your browser before accessing example.com", true},
		{"We detected unusual traffic from your network", true},
		{"Automated requests are not allowed", true},
		{"An article about road traffic modelling", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := tb.MatchesDenial(tt.text); got != tt.want {
			t.Errorf("MatchesDenial(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestMatchesBlockTitle(t *testing.T) {
	tb := load(t)

	tests := []struct {
		title string
		want  bool
	}{
		{"Access Denied", true},
		{"Access to this page has been denied", true},
		{"Just a moment...", true},
		{"Attention Required! | Cloudflare", true},
		{"Robot Check", true},
		{"Profiling Go services", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := tb.MatchesBlockTitle(tt.title); got != tt.want {
			t.Errorf("MatchesBlockTitle(%q) = %v, want %v", tt.title, got, tt.want)
		}
	}

	if tb.SoftBlockWordThreshold() != 40 {
		t.Errorf("SoftBlockWordThreshold = %d, want 40", tb.SoftBlockWordThreshold())
	}
}
