package engines

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

func duckduckgoURL(query string, _ int) string {
	return "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(query)
}

// ddgHref unwraps DuckDuckGo /l/?uddg= redirect links and fixes
// protocol-relative hrefs.
func ddgHref(href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", false
	}

	candidate := href
	if strings.HasPrefix(href, "//") {
		candidate = "https:" + href
	} else if strings.HasPrefix(href, "/") {
		candidate = "https://duckduckgo.com" + href
	}

	if u, err := url.Parse(candidate); err == nil {
		if u.Hostname() == "duckduckgo.com" && strings.HasPrefix(u.Path, "/l/") {
			if target := strings.TrimSpace(u.Query().Get("uddg")); target != "" {
				return target, true
			}
		}
	}
	return normalizeHref(candidate)
}

// ParseDuckDuckGo extracts results from the html.duckduckgo.com lite SERP.
func ParseDuckDuckGo(body []byte, maxResults int) []Result {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	var out []Result
	doc.Find("div.results_links").EachWithBreak(func(_ int, item *goquery.Selection) bool {
		if len(out) >= maxResults {
			return false
		}
		link := item.Find("a.result__a").First()
		if link.Length() == 0 {
			return true
		}
		hrefRaw, _ := link.Attr("href")
		href, ok := ddgHref(hrefRaw)
		if !ok {
			return true
		}

		title := collapseSpace(link.Text())
		snippetRaw := collapseSpace(item.Find("a.result__snippet, div.result__snippet").First().Text())
		date, snippet := SplitDatePrefix(snippetRaw)
		if date == "" {
			date = ExtractPublishedAt(snippetRaw)
		}

		out = append(out, Result{
			URL:         href,
			Title:       title,
			Snippet:     snippet,
			PublishedAt: date,
			Engine:      "duckduckgo",
		})
		return true
	})
	return out
}
