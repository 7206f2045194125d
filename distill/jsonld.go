package distill

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// jsonLDContent projects structured data from ld+json script tags into
// Markdown. Product pages, articles, and listings publish their substance
// here in machine form; when present it beats scraping the rendered DOM.
// Returns "" when no script projects anything usable.
func jsonLDContent(doc *goquery.Document) string {
	var parts []string
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		raw := strings.TrimSpace(s.Text())
		if raw == "" {
			return
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return
		}
		walkLD(v, func(node map[string]any) {
			if text := projectLD(node); text != "" {
				parts = append(parts, text)
			}
		})
	})
	return strings.Join(parts, "\n\n---\n\n")
}

// walkLD visits every object in a JSON-LD value, descending into arrays
// and @graph containers.
func walkLD(v any, visit func(map[string]any)) {
	switch node := v.(type) {
	case []any:
		for _, item := range node {
			walkLD(item, visit)
		}
	case map[string]any:
		visit(node)
		if graph, ok := node["@graph"]; ok {
			walkLD(graph, visit)
		}
	}
}

// projectLD renders one JSON-LD node as Markdown according to its @type.
func projectLD(node map[string]any) string {
	for _, t := range ldTypes(node) {
		switch t {
		case "Product":
			return projectProduct(node)
		case "Article", "NewsArticle", "BlogPosting", "TechArticle":
			return projectArticle(node)
		case "RealEstateListing", "Residence", "SingleFamilyResidence", "Apartment":
			return projectListing(node)
		}
	}
	return ""
}

func projectProduct(node map[string]any) string {
	name := ldString(node["name"])
	if name == "" {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("# " + name)
	if desc := ldString(node["description"]); desc != "" {
		sb.WriteString("\n\n" + desc)
	}
	if price := ldPrice(node); price != "" {
		sb.WriteString("\n\nPrice: " + price)
	}
	return sb.String()
}

// projectArticle requires articleBody: a headline alone adds nothing over
// the page title.
func projectArticle(node map[string]any) string {
	body := ldString(node["articleBody"])
	if body == "" {
		return ""
	}
	var sb strings.Builder
	if headline := ldString(node["headline"]); headline != "" {
		sb.WriteString("# " + headline + "\n\n")
	}
	if author := ldAuthor(node["author"]); author != "" {
		sb.WriteString("By " + author + "\n\n")
	}
	sb.WriteString(body)
	return sb.String()
}

func projectListing(node map[string]any) string {
	var lines []string
	if name := ldString(node["name"]); name != "" {
		lines = append(lines, "# "+name)
	}
	if addr := ldAddress(node["address"]); addr != "" {
		lines = append(lines, "Address: "+addr)
	}
	if price := ldPrice(node); price != "" {
		lines = append(lines, "Price: "+price)
	}
	if desc := ldString(node["description"]); desc != "" {
		lines = append(lines, desc)
	}
	if len(lines) <= 1 {
		return ""
	}
	return strings.Join(lines, "\n\n")
}

// ldTypes returns the @type values of a node; @type may be a string or an
// array of strings.
func ldTypes(node map[string]any) []string {
	switch t := node["@type"].(type) {
	case string:
		return []string{t}
	case []any:
		var out []string
		for _, v := range t {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ldString coerces a JSON-LD value to text: strings pass through, numbers
// format, arrays take their first usable element, and objects fall back to
// their name.
func ldString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case []any:
		for _, item := range val {
			if s := ldString(item); s != "" {
				return s
			}
		}
	case map[string]any:
		return ldString(val["name"])
	}
	return ""
}

// ldAuthor joins author names; author may be one object or an array.
func ldAuthor(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case map[string]any:
		return ldString(val["name"])
	case []any:
		var names []string
		for _, item := range val {
			if name := ldAuthor(item); name != "" {
				names = append(names, name)
			}
		}
		return strings.Join(names, ", ")
	}
	return ""
}

// ldPrice digs a price out of a node, recursing through offers.
func ldPrice(node map[string]any) string {
	for _, key := range []string{"price", "lowPrice", "highPrice"} {
		if p := ldString(node[key]); p != "" {
			return p
		}
	}
	switch offers := node["offers"].(type) {
	case map[string]any:
		return ldPrice(offers)
	case []any:
		for _, item := range offers {
			if m, ok := item.(map[string]any); ok {
				if p := ldPrice(m); p != "" {
					return p
				}
			}
		}
	}
	return ""
}

// ldAddress formats a PostalAddress node as one line.
func ldAddress(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case map[string]any:
		var parts []string
		for _, key := range []string{"streetAddress", "addressLocality", "addressRegion", "postalCode"} {
			if p := ldString(val[key]); p != "" {
				parts = append(parts, p)
			}
		}
		return strings.Join(parts, ", ")
	}
	return ""
}
