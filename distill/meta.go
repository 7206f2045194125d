package distill

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/DevsHero/search-scrape/urlx"
)

// extractMeta fills the record's metadata fields from the raw document.
// This runs before any sanitisation: bluemonday strips <meta> and <link>,
// so metadata must come off the original parse.
func (e *Extractor) extractMeta(doc *goquery.Document, pageURL string, rec *Record) {
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	if title == "" {
		title = "No Title"
	}
	rec.Title = collapseSpace(title)

	rec.MetaDescription = metaContent(doc, `meta[name="description"]`)
	rec.MetaKeywords = metaContent(doc, `meta[name="keywords"]`)

	if lang, ok := doc.Find("html").First().Attr("lang"); ok && strings.TrimSpace(lang) != "" {
		rec.Language = strings.TrimSpace(lang)
	} else if v := metaContent(doc, `meta[http-equiv="content-language"]`); v != "" {
		rec.Language = v
	} else {
		rec.Language = "unknown"
	}

	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		if href = strings.TrimSpace(href); href != "" {
			rec.CanonicalURL = urlx.Resolve(pageURL, href)
		}
	}

	rec.SiteName = metaContent(doc, `meta[property="og:site_name"]`)
	rec.OGTitle = firstMeta(doc, `meta[property="og:title"]`, `meta[name="twitter:title"]`)
	rec.OGDescription = firstMeta(doc, `meta[property="og:description"]`, `meta[name="twitter:description"]`)
	if img := firstMeta(doc, `meta[property="og:image"]`, `meta[name="twitter:image"]`); img != "" {
		rec.OGImage = urlx.Resolve(pageURL, img)
	}

	rec.Author = firstMeta(doc, `meta[name="author"]`, `meta[property="article:author"]`)
	if raw := metaContent(doc, `meta[property="article:published_time"]`); raw != "" {
		rec.PublishedAt = normalizeDate(raw)
	}
}

// metaContent returns the trimmed content attribute of the first element
// matching the selector.
func metaContent(doc *goquery.Document, selector string) string {
	v, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(v)
}

// firstMeta returns the first non-empty content among the selectors.
func firstMeta(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if v := metaContent(doc, sel); v != "" {
			return v
		}
	}
	return ""
}

// dateLayouts are tried in order when normalising published dates. Sites
// put anything from full RFC 3339 stamps to bare "March 2, 2024" strings
// into article:published_time.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"02/01/2006",
	"01/02/2006",
}

// normalizeDate parses a published date into RFC 3339 (or a bare date for
// date-only inputs). Unparseable values pass through trimmed so the signal
// is never discarded.
func normalizeDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		if layout == time.RFC3339 || strings.Contains(layout, "15:04") {
			return t.Format(time.RFC3339)
		}
		return t.Format("2006-01-02")
	}
	return raw
}

// extractHeadings returns all h1..h6 headings in document order.
func extractHeadings(doc *goquery.Document) []Heading {
	var out []Heading
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		text := collapseSpace(s.Text())
		if text == "" {
			return
		}
		out = append(out, Heading{Level: goquery.NodeName(s), Text: text})
	})
	return out
}

// contentLinkSelectors are the regions whose links matter to an agent. The
// whole-document fallback kicks in below minContentLinks matches so pages
// without a recognised content container still report their links.
var contentLinkSelectors = []string{
	"article a[href]",
	"main a[href]",
	`[role="main"] a[href]`,
	`[itemprop="articleBody"] a[href]`,
	".entry-content a[href]",
	".post-content a[href]",
	".article-content a[href]",
	"#content a[href]",
	"#main a[href]",
}

const minContentLinks = 3

// extractLinks returns deduplicated absolute links. With allLinks false it
// prefers links inside content containers, which drops nav and footer spam
// on article pages.
func extractLinks(doc *goquery.Document, pageURL string, allLinks bool) []Link {
	collect := func(sel *goquery.Selection) []Link {
		var out []Link
		seen := make(map[string]struct{})
		sel.Each(func(_ int, s *goquery.Selection) {
			href, ok := s.Attr("href")
			if !ok {
				return
			}
			href = strings.TrimSpace(href)
			if href == "" || strings.HasPrefix(href, "#") ||
				strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
				return
			}
			abs := urlx.Resolve(pageURL, href)
			if abs == "" {
				return
			}
			if _, dup := seen[abs]; dup {
				return
			}
			seen[abs] = struct{}{}
			out = append(out, Link{URL: abs, Text: collapseSpace(s.Text())})
		})
		return out
	}

	if !allLinks {
		sel := doc.Find(strings.Join(contentLinkSelectors, ", "))
		if links := collect(sel); len(links) >= minContentLinks {
			return links
		}
	}
	return collect(doc.Find("a[href]"))
}

// extractImages returns deduplicated absolute image references.
func extractImages(doc *goquery.Document, pageURL string) []Image {
	var out []Image
	seen := make(map[string]struct{})
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, ok := s.Attr("src")
		if !ok {
			return
		}
		src = strings.TrimSpace(src)
		if src == "" || strings.HasPrefix(src, "data:") {
			return
		}
		abs := urlx.Resolve(pageURL, src)
		if abs == "" {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		alt, _ := s.Attr("alt")
		title, _ := s.Attr("title")
		out = append(out, Image{
			Src:   abs,
			Alt:   collapseSpace(alt),
			Title: collapseSpace(title),
		})
	})
	return out
}
