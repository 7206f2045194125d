package scraper

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/DevsHero/search-scrape/urlx"
)

// FetchPlan is the URL policy verdict for one scrape: the URL actually
// fetched, what kind of payload to expect, and the fallback pivot to try
// when the rewrite target 404s.
type FetchPlan struct {
	// FetchURL is the URL the ladder fetches. May differ from the request
	// URL after a rewrite.
	FetchURL string

	// RawMedia marks payloads that skip HTML extraction entirely.
	RawMedia bool

	// Rewritten reports that FetchURL differs from the input.
	Rewritten bool

	// Pivot is tried when FetchURL comes back 404 after a rewrite. For
	// GitHub blob pages this is the ?plain=1 rendering of the original.
	Pivot string
}

// bareRepoRe matches a GitHub repository root with no file path.
var bareRepoRe = regexp.MustCompile(`^https?://github\.com/[^/]+/[^/]+/?$`)

// PlanFetch validates the URL and applies the clean-content rewrites:
// GitHub blob pages go to raw.githubusercontent.com, bare repository URLs
// go straight to the HEAD README. Raw-media URLs are flagged so the
// pipeline skips DOM extraction.
func PlanFetch(rawURL string) (*FetchPlan, error) {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return nil, fmt.Errorf("scraper: invalid url %q: must start with http:// or https://", rawURL)
	}
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("scraper: parse url: %w", err)
	}

	plan := &FetchPlan{FetchURL: rawURL}

	if raw, ok := urlx.GitHubRawURL(rawURL); ok {
		plan.FetchURL = raw
		plan.Rewritten = true
		plan.Pivot = pivotPlain(rawURL)
	} else if bareRepoRe.MatchString(rawURL) {
		plan.FetchURL = strings.TrimRight(rawURL, "/") + "/raw/HEAD/README.md"
		plan.Rewritten = true
		plan.Pivot = rawURL
	}

	plan.RawMedia = urlx.IsRawMedia(plan.FetchURL)
	return plan, nil
}

// plainPivotURL picks the one-shot ?plain=1 target for a human-walled
// GitHub page: the plan's pivot when it already is a plain rendering,
// otherwise the plain form of a github.com fetch URL. Empty means no
// pivot applies.
func plainPivotURL(plan *FetchPlan) string {
	if plan.Pivot != "" && strings.Contains(plan.Pivot, "plain=1") {
		return plan.Pivot
	}
	if urlx.Host(plan.FetchURL) == "github.com" {
		if pivot := pivotPlain(plan.FetchURL); pivot != plan.FetchURL {
			return pivot
		}
	}
	return ""
}

// pivotPlain renders a GitHub blob page with ?plain=1 so the file body is
// server-side HTML instead of a hydration shell.
func pivotPlain(blobURL string) string {
	u, err := url.Parse(blobURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("plain", "1")
	u.RawQuery = q.Encode()
	return u.String()
}

// IsPDFURL reports a .pdf path extension.
func IsPDFURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".pdf")
}

// IsPDFResponse reports a PDF payload by content type or magic bytes.
func IsPDFResponse(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "application/pdf") {
		return true
	}
	return len(body) >= 5 && string(body[:5]) == "%PDF-"
}
