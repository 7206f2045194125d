// Package urlx provides the URL canonicalization primitives shared by the
// scrape cache, the search fusion dedup, and the session store: normalization,
// stable fingerprints, registrable-domain derivation, and raw-media detection.
package urlx

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/net/publicsuffix"
)

// trackingParams are query keys dropped during normalization. Search engines
// and social referrers attach them; they never change page content.
var trackingParams = map[string]bool{
	"gclid":   true,
	"fbclid":  true,
	"yclid":   true,
	"mc_cid":  true,
	"mc_eid":  true,
	"ref":     true,
	"ref_src": true,
}

// Normalize canonicalizes a URL for use as a cache or dedup key: lowercase
// scheme and host, fragment stripped, tracking params removed, remaining
// query pairs sorted. Invalid URLs are returned trimmed but otherwise as-is
// so callers can still key on them deterministically.
func Normalize(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return trimmed
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if u.RawQuery != "" {
		kept := url.Values{}
		for k, vs := range u.Query() {
			lower := strings.ToLower(k)
			if strings.HasPrefix(lower, "utm_") || trackingParams[lower] {
				continue
			}
			for _, v := range vs {
				kept.Add(k, v)
			}
		}
		u.RawQuery = encodeSorted(kept)
	}

	// Trailing slash on a bare path carries no meaning for dedup.
	if u.Path == "/" && u.RawQuery == "" {
		u.Path = ""
	}
	return u.String()
}

func encodeSorted(v url.Values) string {
	if len(v) == 0 {
		return ""
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vs := v[k]
		sort.Strings(vs)
		for _, val := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(val))
		}
	}
	return b.String()
}

// Fingerprint returns a stable hex digest of the normalized URL. Used as the
// cache key and the single-flight key (combined with the render policy).
func Fingerprint(rawURL string) string {
	sum := blake2b.Sum256([]byte(Normalize(rawURL)))
	return fmt.Sprintf("%x", sum[:16])
}

// ContentHash returns a hex digest of raw content bytes, used to detect
// unchanged bodies across fetches.
func ContentHash(data []byte) string {
	sum := blake2b.Sum256(data)
	return fmt.Sprintf("%x", sum[:])
}

// Host extracts the lowercase hostname of a URL, or "" when unparseable.
func Host(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// RegistrableDomain returns the eTLD+1 for a host ("gist.github.com" →
// "github.com"). Hosts without a public suffix (localhost, bare IPs) are
// returned unchanged.
func RegistrableDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return ""
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}

// RegistrableDomainOfURL is RegistrableDomain applied to a URL's host.
func RegistrableDomainOfURL(rawURL string) string {
	return RegistrableDomain(Host(rawURL))
}

// rawMediaExts are extensions served as plain text that skip HTML extraction
// entirely; the body is returned verbatim with a raw_markdown_url warning.
var rawMediaExts = map[string]bool{
	".md":   true,
	".mdx":  true,
	".rst":  true,
	".txt":  true,
	".csv":  true,
	".toml": true,
	".yaml": true,
	".yml":  true,
}

// IsRawMedia reports whether the URL path ends in a raw-text media extension.
func IsRawMedia(rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	return rawMediaExts[strings.ToLower(path.Ext(u.Path))]
}

// Breadcrumbs derives location hints from a URL: the host followed by up to
// three path segments. Used by search fusion for keyword boosting.
func Breadcrumbs(rawURL string) []string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return nil
	}
	crumbs := []string{strings.ToLower(u.Hostname())}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	for _, s := range segs {
		if s == "" {
			continue
		}
		crumbs = append(crumbs, s)
		if len(crumbs) == 4 {
			break
		}
	}
	return crumbs
}

// GitHubRawURL maps a github.com blob URL to its raw.githubusercontent.com
// equivalent, which serves the file content without the surrounding UI.
// ok is false for anything that is not a blob URL.
func GitHubRawURL(rawURL string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || !strings.EqualFold(u.Hostname(), "github.com") {
		return "", false
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	// /{owner}/{repo}/blob/{ref}/{path...}
	if len(segs) < 5 || segs[2] != "blob" {
		return "", false
	}
	owner, repo, ref := segs[0], segs[1], segs[3]
	rest := strings.Join(segs[4:], "/")
	return fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/%s/%s", owner, repo, ref, rest), true
}

// Resolve joins href against base, returning an absolute http(s) URL or ""
// for schemes that cannot be fetched (javascript:, mailto:, data:, fragments).
func Resolve(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	for _, skip := range []string{"javascript:", "mailto:", "tel:", "data:"} {
		if strings.HasPrefix(strings.ToLower(href), skip) {
			return ""
		}
	}
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	r, err := b.Parse(href)
	if err != nil {
		return ""
	}
	if r.Scheme != "http" && r.Scheme != "https" {
		return ""
	}
	return r.String()
}
