package engines

import (
	"bytes"
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

func bingURL(query string, _ int) string {
	return "https://www.bing.com/search?q=" + url.QueryEscape(query)
}

// bingHref decodes Bing click-tracking links. Observed format is
// /ck/a?...&u=a1<base64(url)>; anything undecodable falls back to the
// original href.
func bingHref(href string) (string, bool) {
	href, ok := normalizeHref(href)
	if !ok {
		return "", false
	}
	u, err := url.Parse(href)
	if err != nil {
		return href, true
	}
	host := u.Hostname()
	if (host != "www.bing.com" && host != "bing.com") || !strings.HasPrefix(u.Path, "/ck/") {
		return href, true
	}

	raw := strings.TrimSpace(u.Query().Get("u"))
	if raw == "" {
		return href, true
	}
	raw = strings.TrimPrefix(raw, "a1")
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		decoded, err := enc.DecodeString(raw)
		if err != nil {
			continue
		}
		target := strings.TrimSpace(string(decoded))
		if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
			return target, true
		}
	}
	return href, true
}

// ParseBing extracts organic results plus fact-row rich snippets from a
// Bing SERP.
func ParseBing(body []byte, maxResults int) []Result {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	var out []Result
	doc.Find("li.b_algo").EachWithBreak(func(_ int, item *goquery.Selection) bool {
		if len(out) >= maxResults {
			return false
		}
		link := item.Find("h2 a").First()
		if link.Length() == 0 {
			return true
		}
		hrefRaw, _ := link.Attr("href")
		href, ok := bingHref(hrefRaw)
		if !ok {
			return true
		}

		title := collapseSpace(link.Text())
		snippetRaw := collapseSpace(item.Find("div.b_caption p").First().Text())
		date, snippet := SplitDatePrefix(snippetRaw)
		if date == "" {
			date = ExtractPublishedAt(snippetRaw)
		}
		rich := collapseSpace(item.Find("div.b_factrow, div.b_vlist2col").First().Text())

		out = append(out, Result{
			URL:         href,
			Title:       title,
			Snippet:     snippet,
			RichSnippet: rich,
			PublishedAt: date,
			Engine:      "bing",
		})
		return true
	})
	return out
}
