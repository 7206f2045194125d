package engines

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

func googleURL(query string, maxResults int) string {
	n := maxResults
	if n < 5 {
		n = 5
	}
	if n > 10 {
		n = 10
	}
	return fmt.Sprintf("https://www.google.com/search?q=%s&hl=en&num=%d", url.QueryEscape(query), n)
}

// googleHref unwraps /url?q= redirect hrefs and drops anything that is not
// an absolute http(s) target.
func googleHref(href string) (string, bool) {
	if href == "" {
		return "", false
	}
	if strings.HasPrefix(href, "/url?") {
		q := queryParam(href, "https://www.google.com", "q")
		if q != "" {
			return q, true
		}
		return "", false
	}
	return normalizeHref(href)
}

var googleSnippetSelectors = "div.VwiC3b, div.IsZvec, span.aCOpRe, div.MUxGbd"

// ParseGoogle extracts organic results from a Google SERP. Markup shifts
// often, so container selection tries the current layout first and falls
// back to the classic one.
func ParseGoogle(body []byte, maxResults int) []Result {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	var out []Result
	for _, containerSel := range []string{"div#search div.MjjYud", "div#search div.g"} {
		doc.Find(containerSel).EachWithBreak(func(_ int, container *goquery.Selection) bool {
			if len(out) >= maxResults {
				return false
			}

			var link, title string
			container.Find("a").EachWithBreak(func(_ int, a *goquery.Selection) bool {
				h3 := a.Find("h3")
				if h3.Length() == 0 {
					return true
				}
				href, _ := a.Attr("href")
				u, ok := googleHref(href)
				if !ok {
					return true
				}
				t := collapseSpace(h3.First().Text())
				if t == "" {
					return true
				}
				link, title = u, t
				return false
			})
			if link == "" || strings.Contains(link, "google.com") {
				return true
			}

			var snippet string
			container.Find(googleSnippetSelectors).EachWithBreak(func(_ int, n *goquery.Selection) bool {
				s := collapseSpace(n.Text())
				if len(s) >= 20 {
					snippet = s
					return false
				}
				return true
			})

			out = append(out, Result{
				URL:         link,
				Title:       title,
				Snippet:     snippet,
				PublishedAt: ExtractPublishedAt(snippet),
				Engine:      "google",
			})
			return true
		})
		if len(out) > 0 {
			break
		}
	}
	return out
}
