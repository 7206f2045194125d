// Package domains holds the lookup tables that steer ranking and scraping:
// source-type classification, per-domain authority multipliers, boss domains
// that need careful browser handling, browser wait strategies, and the
// cleaner needle lists. The tables ship embedded in the binary; deployments
// point domain_tables_path at a YAML file to replace them without a rebuild.
package domains

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed tables.yaml
var embeddedTables []byte

// Topic buckets a query for topic-specific authority boosts.
type Topic string

const (
	TopicCode    Topic = "code"
	TopicNews    Topic = "news"
	TopicGeneral Topic = "general"
)

const (
	minWeight = 0.10
	maxWeight = 3.0
)

type sourceType struct {
	Name   string   `yaml:"name"`
	Weight float64  `yaml:"weight"`
	Hosts  []string `yaml:"hosts"`
}

type authorityRule struct {
	Hosts      []string `yaml:"hosts"`
	Multiplier float64  `yaml:"multiplier"`
}

type strategyRule struct {
	Hosts  []string `yaml:"hosts"`
	WaitMS int      `yaml:"wait_ms"`
	Scroll bool     `yaml:"scroll"`
}

type cleanerRule struct {
	Hosts   []string `yaml:"hosts"`
	Needles []string `yaml:"needles"`
}

type cleanerTables struct {
	NoiseIdentifiers []string      `yaml:"noise_identifiers"`
	GarbageLines     []string      `yaml:"garbage_lines"`
	NoiseKeywords    []string      `yaml:"noise_keywords"`
	PrePriorityHosts []string      `yaml:"pre_priority_hosts"`
	DomainRules      []cleanerRule `yaml:"domain_rules"`
}

type blockingTables struct {
	Vendor403Signatures    []string `yaml:"vendor_403_signatures"`
	CaptchaSignatures      []string `yaml:"captcha_signatures"`
	LoginSelectors         []string `yaml:"login_selectors"`
	AuthRedirectMarkers    []string `yaml:"auth_redirect_markers"`
	GatingPatterns         []string `yaml:"gating_patterns"`
	ChallengePatterns      []string `yaml:"challenge_patterns"`
	DenialPatterns         []string `yaml:"denial_patterns"`
	BlockTitlePatterns     []string `yaml:"block_title_patterns"`
	SoftBlockWordThreshold int      `yaml:"soft_block_word_threshold"`
}

type tablesDoc struct {
	SourceTypes        []sourceType               `yaml:"source_types"`
	DefaultWeight      float64                    `yaml:"default_weight"`
	Authority          []authorityRule            `yaml:"authority"`
	TopicBoosts        map[string][]authorityRule `yaml:"topic_boosts"`
	Topics             map[string][]string        `yaml:"topics"`
	BreadcrumbKeywords []string                   `yaml:"breadcrumb_keywords"`
	BossDomains        []string                   `yaml:"boss_domains"`
	Strategies         []strategyRule             `yaml:"strategies"`
	DefaultStrategy    strategyRule               `yaml:"default_strategy"`
	Blocking           blockingTables             `yaml:"blocking"`
	Cleaner            cleanerTables              `yaml:"cleaner"`
}

// Tables answers host and query lookups. Load it once at startup; all
// methods are read-only and safe for concurrent use.
type Tables struct {
	doc          tablesDoc
	weights      map[string]float64
	breadcrumb   map[string]struct{}
	garbageRe    *regexp.Regexp
	gatingRe     *regexp.Regexp
	challengeRe  *regexp.Regexp
	denialRe     *regexp.Regexp
	blockTitleRe *regexp.Regexp
}

// Load parses the embedded tables, or the YAML file at overridePath when it
// is non-empty. An override file replaces the embedded document entirely.
func Load(overridePath string) (*Tables, error) {
	raw := embeddedTables
	if overridePath != "" {
		b, err := os.ReadFile(overridePath)
		if err != nil {
			return nil, fmt.Errorf("domains: read override: %w", err)
		}
		raw = b
	}

	var doc tablesDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("domains: parse tables: %w", err)
	}

	t := &Tables{
		doc:        doc,
		weights:    make(map[string]float64, len(doc.SourceTypes)),
		breadcrumb: make(map[string]struct{}, len(doc.BreadcrumbKeywords)),
	}
	for _, st := range doc.SourceTypes {
		if st.Name == "" {
			return nil, fmt.Errorf("domains: source type with empty name")
		}
		if st.Weight <= 0 {
			return nil, fmt.Errorf("domains: source type %q: weight must be positive", st.Name)
		}
		if _, dup := t.weights[st.Name]; dup {
			return nil, fmt.Errorf("domains: duplicate source type %q", st.Name)
		}
		t.weights[st.Name] = st.Weight
	}
	if doc.DefaultWeight <= 0 {
		t.doc.DefaultWeight = 1.0
	}
	if doc.DefaultStrategy.WaitMS <= 0 {
		t.doc.DefaultStrategy.WaitMS = 1000
	}
	for _, kw := range doc.BreadcrumbKeywords {
		t.breadcrumb[strings.ToLower(kw)] = struct{}{}
	}
	if len(doc.Cleaner.GarbageLines) > 0 {
		re, err := regexp.Compile("(?i)" + strings.Join(doc.Cleaner.GarbageLines, "|"))
		if err != nil {
			return nil, fmt.Errorf("domains: compile garbage lines: %w", err)
		}
		t.garbageRe = re
	}
	if t.doc.Blocking.SoftBlockWordThreshold <= 0 {
		t.doc.Blocking.SoftBlockWordThreshold = 40
	}
	var err error
	if t.gatingRe, err = unionRegexp(doc.Blocking.GatingPatterns); err != nil {
		return nil, fmt.Errorf("domains: compile gating patterns: %w", err)
	}
	if t.challengeRe, err = unionRegexp(doc.Blocking.ChallengePatterns); err != nil {
		return nil, fmt.Errorf("domains: compile challenge patterns: %w", err)
	}
	if t.denialRe, err = unionRegexp(doc.Blocking.DenialPatterns); err != nil {
		return nil, fmt.Errorf("domains: compile denial patterns: %w", err)
	}
	if t.blockTitleRe, err = unionRegexp(doc.Blocking.BlockTitlePatterns); err != nil {
		return nil, fmt.Errorf("domains: compile block title patterns: %w", err)
	}
	return t, nil
}

func unionRegexp(patterns []string) (*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	return regexp.Compile("(?i)" + strings.Join(patterns, "|"))
}

// matchHost reports whether the lowercased host matches a table pattern.
// Patterns with a leading dot match the bare domain and its subdomains;
// everything else is a substring match.
func matchHost(host, pattern string) bool {
	if strings.HasPrefix(pattern, ".") {
		return host == pattern[1:] || strings.HasSuffix(host, pattern)
	}
	return strings.Contains(host, pattern)
}

func matchAny(host string, patterns []string) bool {
	for _, p := range patterns {
		if matchHost(host, p) {
			return true
		}
	}
	return false
}

// Classify returns the source type for a host ("docs", "repo", "qa", ...).
// Rules are checked in table order; the first match wins, so docs hosts like
// docs.rs classify as docs even though they would also match repo patterns.
// Unmatched hosts classify as "other".
func (t *Tables) Classify(host string) string {
	h := strings.ToLower(host)
	for _, st := range t.doc.SourceTypes {
		if matchAny(h, st.Hosts) {
			return st.Name
		}
	}
	return "other"
}

// SourceWeight returns the ranking weight for a source type name.
func (t *Tables) SourceWeight(name string) float64 {
	if w, ok := t.weights[name]; ok {
		return w
	}
	return t.doc.DefaultWeight
}

// ClassifyTopic buckets a query by its keyword needles. Code needles are
// checked before news needles.
func (t *Tables) ClassifyTopic(query string) Topic {
	q := strings.ToLower(query)
	for _, n := range t.doc.Topics[string(TopicCode)] {
		if strings.Contains(q, n) {
			return TopicCode
		}
	}
	for _, n := range t.doc.Topics[string(TopicNews)] {
		if strings.Contains(q, n) {
			return TopicNews
		}
	}
	return TopicGeneral
}

// Weight computes the full domain authority weight for a ranked result:
// the source-type base weight multiplied by every matching authority rule
// and topic boost, clamped to [0.10, 3.0].
func (t *Tables) Weight(query, host, source string) float64 {
	w := t.SourceWeight(source)
	h := strings.ToLower(host)
	if h != "" {
		for _, rule := range t.doc.Authority {
			if matchAny(h, rule.Hosts) {
				w *= rule.Multiplier
			}
		}
		topic := t.ClassifyTopic(query)
		for _, rule := range t.doc.TopicBoosts[string(topic)] {
			if matchAny(h, rule.Hosts) {
				w *= rule.Multiplier
			}
		}
	}
	if w < minWeight {
		return minWeight
	}
	if w > maxWeight {
		return maxWeight
	}
	return w
}

// IsBreadcrumbKeyword reports whether a URL path segment marks a
// documentation-shaped page (docs, api, reference, ...).
func (t *Tables) IsBreadcrumbKeyword(segment string) bool {
	_, ok := t.breadcrumb[strings.ToLower(segment)]
	return ok
}

// IsBoss reports whether a host belongs to the boss-domain list.
func (t *Tables) IsBoss(host string) bool {
	return matchAny(strings.ToLower(host), t.doc.BossDomains)
}

// Strategy returns the browser wait time and scroll requirement for a host.
func (t *Tables) Strategy(host string) (waitMS int, scroll bool) {
	h := strings.ToLower(host)
	for _, s := range t.doc.Strategies {
		if matchAny(h, s.Hosts) {
			return s.WaitMS, s.Scroll
		}
	}
	return t.doc.DefaultStrategy.WaitMS, t.doc.DefaultStrategy.Scroll
}

// IsNoiseIdentifier reports whether an element id or class fragment marks
// navigation chrome, ads, or other non-content UI.
func (t *Tables) IsNoiseIdentifier(ident string) bool {
	id := strings.ToLower(ident)
	for _, n := range t.doc.Cleaner.NoiseIdentifiers {
		if strings.Contains(id, n) {
			return true
		}
	}
	// Catch compound ad identifiers like "top-ad" or "ad_banner_2".
	return strings.Contains(id, "-ad") || strings.Contains(id, "ad-") ||
		strings.Contains(id, "_ad") || strings.Contains(id, "ad_")
}

// IsGarbageLine reports whether a cleaned-text line is boilerplate
// ("Subscribe", "Read more", cookie banners) and should be dropped.
func (t *Tables) IsGarbageLine(line string) bool {
	if t.garbageRe == nil {
		return false
	}
	return t.garbageRe.MatchString(line)
}

// NoiseKeywords returns the short-line UI markers used by the high-noise
// page detector.
func (t *Tables) NoiseKeywords() []string {
	return t.doc.Cleaner.NoiseKeywords
}

// IsPrePriority reports whether a host serves its payload in <pre>/<code>
// blocks and should bypass prose extraction.
func (t *Tables) IsPrePriority(host string) bool {
	return matchAny(strings.ToLower(host), t.doc.Cleaner.PrePriorityHosts)
}

// CleanNeedles returns the id/class fragments whose containers get stripped
// for a specific host before extraction, beyond the generic noise list.
func (t *Tables) CleanNeedles(host string) []string {
	h := strings.ToLower(host)
	var needles []string
	for _, rule := range t.doc.Cleaner.DomainRules {
		if matchAny(h, rule.Hosts) {
			needles = append(needles, rule.Needles...)
		}
	}
	return needles
}

// Vendor403Signatures returns the body fragments that mark a 403 as an
// anti-bot challenge (Cloudflare, Akamai, DataDome, PerimeterX) rather
// than plain authorization failure. Matched lowercased.
func (t *Tables) Vendor403Signatures() []string {
	return t.doc.Blocking.Vendor403Signatures
}

// CaptchaSignatures returns the widget and script fragments that identify
// a CAPTCHA challenge in a page body. Matched lowercased.
func (t *Tables) CaptchaSignatures() []string {
	return t.doc.Blocking.CaptchaSignatures
}

// LoginSelectors returns the DOM selectors whose presence marks a login
// form or auth wall.
func (t *Tables) LoginSelectors() []string {
	return t.doc.Blocking.LoginSelectors
}

// AuthRedirectMarkers returns the URL fragments that mark a redirect onto
// a vendor login page. Matched lowercased against the final URL.
func (t *Tables) AuthRedirectMarkers() []string {
	return t.doc.Blocking.AuthRedirectMarkers
}

// MatchesGating reports whether cleaned text contains a login/subscription
// gating phrase.
func (t *Tables) MatchesGating(text string) bool {
	return t.gatingRe != nil && t.gatingRe.MatchString(text)
}

// MatchesChallenge reports whether body text asks a human to prove
// themselves ("verify you are human"). These pages escalate like CAPTCHAs.
func (t *Tables) MatchesChallenge(text string) bool {
	return t.challengeRe != nil && t.challengeRe.MatchString(text)
}

// MatchesDenial reports whether body text denies automated access
// ("bot detected", "unusual traffic"). These pages escalate like rate
// limits.
func (t *Tables) MatchesDenial(text string) bool {
	return t.denialRe != nil && t.denialRe.MatchString(text)
}

// MatchesBlockTitle reports whether a page title reveals a block page
// ("Access Denied", "Just a moment...").
func (t *Tables) MatchesBlockTitle(title string) bool {
	return t.blockTitleRe != nil && t.blockTitleRe.MatchString(title)
}

// SoftBlockWordThreshold is the word count under which a 2xx response with
// no headings is classified as soft-blocked.
func (t *Tables) SoftBlockWordThreshold() int {
	return t.doc.Blocking.SoftBlockWordThreshold
}
