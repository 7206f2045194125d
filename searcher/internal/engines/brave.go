package engines

import (
	"bytes"
	"net/url"

	"github.com/PuerkitoBio/goquery"
)

func braveURL(query string, _ int) string {
	return "https://search.brave.com/search?q=" + url.QueryEscape(query)
}

// ParseBrave extracts results from a Brave SERP. Brave's markup churns, so
// selection leans on the semantic shape: anchors wrapping an h3 under main.
func ParseBrave(body []byte, maxResults int) []Result {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	main := doc.Find("main").First()
	if main.Length() == 0 {
		return nil
	}

	var out []Result
	main.Find("a").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if len(out) >= maxResults {
			return false
		}
		h3 := a.Find("h3")
		if h3.Length() == 0 {
			return true
		}
		hrefRaw, _ := a.Attr("href")
		href, ok := normalizeHref(hrefRaw)
		if !ok {
			return true
		}
		title := collapseSpace(h3.First().Text())
		if title == "" {
			return true
		}

		snippetRaw := braveSnippet(a)
		date, snippet := SplitDatePrefix(snippetRaw)
		if date == "" {
			date = ExtractPublishedAt(snippetRaw)
		}

		out = append(out, Result{
			URL:         href,
			Title:       title,
			Snippet:     snippet,
			PublishedAt: date,
			Engine:      "brave",
		})
		return true
	})
	return out
}

func braveSnippet(a *goquery.Selection) string {
	for _, css := range []string{"p.snippet-description", "div.snippet-description", "p", "div"} {
		s := collapseSpace(a.Find(css).First().Text())
		if len(s) >= 20 {
			return s
		}
	}
	return ""
}
