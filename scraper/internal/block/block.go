// Package block classifies fetch responses: is this page real content, or a
// rate limit, an anti-bot interstitial, a login wall, or a CAPTCHA? The
// signature and phrase lists live in the domains tables so deployments can
// extend them without a rebuild.
package block

import (
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/DevsHero/search-scrape/domains"
)

// Kind is the block classification of a fetch outcome.
type Kind string

const (
	KindNone        Kind = "none"
	KindRateLimited Kind = "rate-limited"
	KindSoftBlocked Kind = "soft-blocked"
	KindAuthWalled  Kind = "auth-walled"
	KindCaptcha     Kind = "captcha"

	// KindTransport is set by callers when the request never produced a
	// response. The classifier itself never returns it.
	KindTransport Kind = "transport-error"
)

// Retryable reports whether rotating the exit identity (proxy, then
// browser) can plausibly clear the block. Auth walls and CAPTCHAs need a
// human instead.
func (k Kind) Retryable() bool {
	return k == KindRateLimited || k == KindSoftBlocked
}

// NeedsHuman reports whether the block can only be cleared interactively.
func (k Kind) NeedsHuman() bool {
	return k == KindAuthWalled || k == KindCaptcha
}

// AuthRiskThreshold is the auth-risk score at and above which a response
// classifies as auth-walled. Scores below it still ship to callers so
// agents can decide to escalate early.
const AuthRiskThreshold = 0.4

const (
	// Bodies past largeBody get only their head scanned for signatures.
	// Interstitials are small; a phrase buried half a megabyte deep in a
	// real article is not a block.
	largeBody   = 500 << 10
	scanPreview = 10 << 10

	// An extracted page with fewer words than this still smells blocked
	// even when the classifier saw nothing.
	retryWordFloor = 50
)

// Input carries the response fields the classifier inspects. Doc and Text
// are optional: Doc when the body parsed as HTML, Text when extraction
// already produced cleaned prose.
type Input struct {
	Status   int
	URL      string
	FinalURL string
	Header   http.Header
	Body     []byte
	Doc      *goquery.Document
	Text     string
}

// Result is the classifier verdict for one response.
type Result struct {
	Kind   Kind
	Reason string

	// AuthRiskScore is always computed, 0 when no auth signals fired.
	// Factors lists the signals behind it.
	AuthRiskScore float64
	Factors       []string
}

// Detector classifies responses against the blocking tables.
type Detector struct {
	tables *domains.Tables
}

func NewDetector(t *domains.Tables) *Detector {
	return &Detector{tables: t}
}

// Classify inspects one response and returns its block kind plus the auth
// risk score. Checks run in severity order: explicit rate limiting, vendor
// challenges, auth walls, CAPTCHA widgets, denial interstitials, and
// finally the short-body soft-block heuristic.
func (d *Detector) Classify(in Input) Result {
	window := scanWindow(in.Body)

	if in.Status == http.StatusTooManyRequests {
		return Result{Kind: KindRateLimited, Reason: "http 429"}
	}
	if challengeHeader(in.Header) {
		return Result{Kind: KindRateLimited, Reason: "challenge response header"}
	}
	if in.Status == http.StatusForbidden {
		if sig, ok := containsAny(window, d.tables.Vendor403Signatures()); ok {
			return Result{Kind: KindRateLimited, Reason: "anti-bot challenge: " + sig}
		}
		// A plain 403 is an authorization failure, not a block.
		return Result{Kind: KindNone}
	}

	text := in.Text
	if text == "" {
		text = docText(in.Doc)
	}
	words := len(strings.Fields(text))
	// Interstitials carry almost no prose. A widget or phrase inside a
	// content-rich page (a comment-form CAPTCHA, an article quoting a
	// block message) is not a block.
	thin := words < 4*d.tables.SoftBlockWordThreshold()

	res := Result{Kind: KindNone}
	res.AuthRiskScore, res.Factors = d.authRisk(in, window, text, thin)
	if res.AuthRiskScore >= AuthRiskThreshold {
		res.Kind = KindAuthWalled
		res.Reason = res.Factors[0]
		return res
	}

	if thin {
		if sig, ok := containsAny(window, d.tables.CaptchaSignatures()); ok {
			res.Kind = KindCaptcha
			res.Reason = "captcha widget: " + sig
			return res
		}
		if d.tables.MatchesChallenge(window) {
			res.Kind = KindCaptcha
			res.Reason = "human verification page"
			return res
		}
		if d.tables.MatchesDenial(window) {
			res.Kind = KindRateLimited
			res.Reason = "access denial page"
			return res
		}
	}

	if in.Status/100 == 2 && in.Doc != nil &&
		words < d.tables.SoftBlockWordThreshold() && !hasMeaningfulHeading(in.Doc) {
		res.Kind = KindSoftBlocked
		res.Reason = "short body without headings"
		return res
	}
	return res
}

// LooksBlocked reports whether an already-extracted page still smells like
// an interstitial: a block-page title or a near-empty body. Callers use it
// to decide one more attempt through a different exit.
func (d *Detector) LooksBlocked(title string, wordCount int) bool {
	return d.tables.MatchesBlockTitle(title) || wordCount < retryWordFloor
}

// authRisk scores the auth-wall probability in [0,1]. Signals are weighted
// down on content-rich pages so a login form in a site header, or a teaser
// article above a paywall prompt, does not wall off extractable text.
func (d *Detector) authRisk(in Input, window, text string, thin bool) (float64, []string) {
	var score float64
	var factors []string

	if in.Doc != nil {
		for _, sel := range d.tables.LoginSelectors() {
			if in.Doc.Find(sel).Length() > 0 {
				if thin {
					score += 0.6
				} else {
					score += 0.25
				}
				factors = append(factors, "login form matches "+sel)
				break
			}
		}
		if in.Doc.Find(`input[type="password"]`).Length() > 0 {
			if thin {
				score += 0.3
			} else {
				score += 0.1
			}
			factors = append(factors, "password field present")
		}
	}

	gated := text
	if gated == "" {
		gated = window
	}
	if d.tables.MatchesGating(gated) {
		if thin {
			score += 0.5
		} else {
			score += 0.3
		}
		factors = append(factors, "gating language in page text")
	}

	if in.FinalURL != "" && in.FinalURL != in.URL {
		if m, ok := containsAny(strings.ToLower(in.FinalURL), d.tables.AuthRedirectMarkers()); ok {
			score += 0.55
			factors = append(factors, "redirected to login URL ("+m+")")
		}
	}

	if score > 1 {
		score = 1
	}
	return score, factors
}

// challengeHeader reports a vendor challenge advertised in the response
// headers. Cloudflare sets cf-mitigated on managed challenges.
func challengeHeader(h http.Header) bool {
	if h == nil {
		return false
	}
	return strings.Contains(strings.ToLower(h.Get("Cf-Mitigated")), "challenge")
}

// scanWindow lowercases the signature scan window: the whole body, or just
// the head for oversized ones.
func scanWindow(body []byte) string {
	if len(body) > largeBody {
		body = body[:scanPreview]
	}
	return strings.ToLower(string(body))
}

func containsAny(window string, needles []string) (string, bool) {
	for _, n := range needles {
		if n != "" && strings.Contains(window, strings.ToLower(n)) {
			return n, true
		}
	}
	return "", false
}

func docText(doc *goquery.Document) string {
	if doc == nil {
		return ""
	}
	return doc.Find("body").Text()
}

func hasMeaningfulHeading(doc *goquery.Document) bool {
	found := false
	doc.Find("h1, h2, h3").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if len(strings.TrimSpace(s.Text())) > 2 {
			found = true
			return false
		}
		return true
	})
	return found
}
