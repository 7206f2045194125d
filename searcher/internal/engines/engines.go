// Package engines holds the SERP adapters: one URL builder and one HTML
// parser per upstream engine. Parsers are pure so the browser fallback can
// re-parse rendered SERP HTML through the same code path.
package engines

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Result is one raw SERP hit before fusion. Engine labels stay singular
// here; corroboration across engines is the fusion layer's job.
type Result struct {
	URL         string
	Title       string
	Snippet     string
	RichSnippet string
	PublishedAt string
	Engine      string
}

// BlockedError marks an engine response that looks like bot gating rather
// than a transient failure. Callers may escalate to a rendered fetch.
type BlockedError struct {
	Engine string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("engine %s blocked: %s", e.Engine, e.Reason)
}

// Engine couples a name with its request builder and response parser.
type Engine struct {
	Name      string
	SearchURL func(query string, maxResults int) string
	Parse     func(body []byte, maxResults int) []Result
}

var registry = map[string]Engine{
	"google":     {Name: "google", SearchURL: googleURL, Parse: ParseGoogle},
	"bing":       {Name: "bing", SearchURL: bingURL, Parse: ParseBing},
	"duckduckgo": {Name: "duckduckgo", SearchURL: duckduckgoURL, Parse: ParseDuckDuckGo},
	"brave":      {Name: "brave", SearchURL: braveURL, Parse: ParseBrave},
}

// ByName resolves an engine, accepting the "ddg" alias.
func ByName(name string) (Engine, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "ddg" {
		n = "duckduckgo"
	}
	e, ok := registry[n]
	return e, ok
}

// Names returns the default fan-out order.
func Names() []string {
	return []string{"google", "bing", "duckduckgo", "brave"}
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) Version/17.4 Safari/605.1.15",
}

const maxSERPBody = 4 << 20

// Search runs one engine end to end: build the request URL, fetch the SERP
// with browser-shaped headers, classify block pages, parse results.
func Search(ctx context.Context, client *http.Client, eng Engine, query string, maxResults int) ([]Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, eng.SearchURL(query, maxResults), nil)
	if err != nil {
		return nil, fmt.Errorf("engines: build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgents[rand.Intn(len(userAgents))])
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engines: %s fetch: %w", eng.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSERPBody))
	if err != nil {
		return nil, fmt.Errorf("engines: %s read body: %w", eng.Name, err)
	}

	if reason := DetectBlockReason(resp.StatusCode, body); reason != "" {
		return nil, &BlockedError{Engine: eng.Name, Reason: reason}
	}
	return eng.Parse(body, maxResults), nil
}

var blockNeedles = []struct{ needle, label string }{
	{"unusual traffic", "unusual_traffic"},
	{"our systems have detected unusual traffic", "unusual_traffic"},
	{"sorry, but your computer or network may be sending automated queries", "captcha"},
	{"captcha", "captcha"},
	{"recaptcha", "captcha"},
	{"hcaptcha", "captcha"},
	{"verify you are human", "captcha"},
	{"enable javascript", "js_required"},
	{"access denied", "access_denied"},
}

// DetectBlockReason classifies SERP bodies that are gate pages instead of
// results. Empty string means the page looks parseable.
func DetectBlockReason(status int, body []byte) string {
	switch status {
	case http.StatusTooManyRequests:
		return "http_429"
	case http.StatusForbidden:
		return "http_403"
	case http.StatusServiceUnavailable:
		return "http_503"
	}

	lower := strings.ToLower(string(body))
	for _, b := range blockNeedles {
		if strings.Contains(lower, b.needle) {
			return b.label
		}
	}
	// Tiny payloads with block-ish tokens are gate pages even without a
	// recognizable vendor phrase.
	if len(body) < 3500 && (strings.Contains(lower, "captcha") || strings.Contains(lower, "blocked")) {
		return "block_page"
	}
	return ""
}

// normalizeHref keeps absolute http(s) targets only.
func normalizeHref(href string) (string, bool) {
	href = strings.TrimSpace(href)
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href, true
	}
	return "", false
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var (
	isoDateRe   = regexp.MustCompile(`\b(20\d{2}-\d{2}-\d{2})\b`)
	monthDateRe = regexp.MustCompile(`\b(Jan(?:uary)?|Feb(?:ruary)?|Mar(?:ch)?|Apr(?:il)?|May|Jun(?:e)?|Jul(?:y)?|Aug(?:ust)?|Sep(?:tember)?|Oct(?:ober)?|Nov(?:ember)?|Dec(?:ember)?)\s+\d{1,2},\s+20\d{2}\b`)

	datePrefixISO   = regexp.MustCompile(`^(20\d{2}-\d{2}-\d{2})\s*[-—·|\x{00b7}]\s+(.+)$`)
	datePrefixMonth = regexp.MustCompile(`^((?:Jan(?:uary)?|Feb(?:ruary)?|Mar(?:ch)?|Apr(?:il)?|May|Jun(?:e)?|Jul(?:y)?|Aug(?:ust)?|Sep(?:tember)?|Oct(?:ober)?|Nov(?:ember)?|Dec(?:ember)?)\s+\d{1,2},\s+20\d{2})\s*[-—·|\x{00b7}]\s+(.+)$`)
)

// SplitDatePrefix peels a leading "Jan 10, 2024 — " style date off a
// snippet, returning the date and the remaining text.
func SplitDatePrefix(snippet string) (date, rest string) {
	s := strings.TrimSpace(snippet)
	if s == "" {
		return "", ""
	}
	for _, re := range []*regexp.Regexp{datePrefixISO, datePrefixMonth} {
		if m := re.FindStringSubmatch(s); m != nil && strings.TrimSpace(m[2]) != "" {
			return m[1], strings.TrimSpace(m[2])
		}
	}
	return "", s
}

// ExtractPublishedAt pulls the first date-like token out of free text.
func ExtractPublishedAt(text string) string {
	t := strings.TrimSpace(text)
	if t == "" {
		return ""
	}
	if m := isoDateRe.FindString(t); m != "" {
		return m
	}
	return monthDateRe.FindString(t)
}

// queryParam extracts one query parameter from a relative or absolute href.
func queryParam(href, base, key string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if !u.IsAbs() {
		b, err := url.Parse(base)
		if err != nil {
			return ""
		}
		u = b.ResolveReference(u)
	}
	return u.Query().Get(key)
}
