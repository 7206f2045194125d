package distill

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// mdbookSelectors mark explicit content containers on documentation
// layouts. First selector whose container holds real text wins.
var mdbookSelectors = []string{".markdown-body", "#content", "main", "article"}

// heuristicSelectors nominate content containers on article layouts, most
// specific first.
var heuristicSelectors = []string{
	"article", "main", `[role="main"]`, `[itemprop="articleBody"]`,
	".entry-content", ".post-content", ".article-content",
	"#content", "#main", ".content", ".post", ".article",
}

const (
	mdbookMinWords     = 50
	densityMinChars    = 50
	heuristicMargin    = 20
	minContentChars    = 80
	textOnlyBlockWords = 50
	textOnlyParaChars  = 30
)

// cleanContent extracts the main prose of a page as Markdown and reports
// the noise reduction ratio against the raw HTML size.
//
// The ladder: paste-site pre blocks, explicit documentation containers,
// then a density scan racing the heuristic selectors, with whole-document
// conversion as the floor. High-noise results re-extract in text-only
// mode.
func (e *Extractor) cleanContent(rawHTML string, rawDoc *goquery.Document, pageURL, host string) (string, float64) {
	ratio := func(final string) float64 {
		if len(rawHTML) == 0 {
			return 0
		}
		r := 1 - float64(len(final))/float64(len(rawHTML))
		if r < 0 {
			return 0
		}
		return r
	}

	// Paste sites serve their payload inside <pre>; prose extraction
	// would mangle it, and the payload may legitimately be JSON.
	if e.tables.IsPrePriority(host) {
		if text := preBlockText(rawDoc); text != "" {
			return text, ratio(text)
		}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return "", 0
	}
	e.pruneNoise(doc, host)

	for _, sel := range mdbookSelectors {
		s := doc.Find(sel).First()
		if s.Length() == 0 || wordCount(s.Text()) <= mdbookMinWords {
			continue
		}
		subtree, err := goquery.OuterHtml(s)
		if err != nil {
			continue
		}
		if out := e.cleanNoise(normalizeFragments(e.toMarkdown(subtree, pageURL))); out != "" {
			return out, ratio(out)
		}
	}

	var densNode *html.Node
	densWords := 0
	if root := docRoot(doc); root != nil {
		densNode = e.densestNode(root, densityMinChars)
		if densNode != nil {
			densWords = wordCount(nodeText(densNode))
		}
	}
	heurSel, heurWords := e.bestHeuristic(doc)

	var md string
	switch {
	case heurWords > 0 && heurWords > densWords+heuristicMargin:
		md = e.selectionMarkdown(heurSel, pageURL)
	case densWords > 0:
		md = e.toMarkdown(renderNode(densNode), pageURL)
	case heurWords > 0:
		md = e.selectionMarkdown(heurSel, pageURL)
	}
	if md == "" {
		md = e.toMarkdown(rawHTML, pageURL)
	}

	out := e.cleanNoise(normalizeFragments(md))

	if e.isHighNoise(out) {
		if text := e.textOnly(doc); text != "" {
			out = text
		}
	}
	if len(out) < minContentChars {
		if whole := e.cleanNoise(normalizeFragments(e.toMarkdown(rawHTML, pageURL))); len(whole) > len(out) {
			out = whole
		}
	}
	return out, ratio(out)
}

// selectionMarkdown renders a goquery selection as cleaned Markdown.
func (e *Extractor) selectionMarkdown(sel *goquery.Selection, pageURL string) string {
	if sel == nil || sel.Length() == 0 {
		return ""
	}
	subtree, err := goquery.OuterHtml(sel)
	if err != nil {
		return ""
	}
	return e.toMarkdown(subtree, pageURL)
}

// pruneNoise strips non-content regions from a mutable parse: scripts and
// embeds, page chrome, hidden elements, and containers whose id or class
// matches the noise tables or the host's needle list.
func (e *Extractor) pruneNoise(doc *goquery.Document, host string) {
	doc.Find("script, style, noscript, svg, canvas, iframe, form, button, nav, header, footer, aside, template").Remove()
	doc.Find(`[aria-hidden="true"]`).Remove()
	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		style, _ := s.Attr("style")
		style = strings.ToLower(strings.ReplaceAll(style, " ", ""))
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			s.Remove()
		}
	})

	needles := e.tables.CleanNeedles(host)
	doc.Find("[id], [class]").Each(func(_ int, s *goquery.Selection) {
		id, _ := s.Attr("id")
		class, _ := s.Attr("class")
		ident := strings.TrimSpace(id + " " + class)
		if ident == "" {
			return
		}
		if e.tables.IsNoiseIdentifier(ident) {
			s.Remove()
			return
		}
		lower := strings.ToLower(ident)
		for _, n := range needles {
			if strings.Contains(lower, strings.ToLower(n)) {
				s.Remove()
				return
			}
		}
	})
}

// preBlockText collects the text of all <pre> blocks, falling back to
// bare <code> elements when the page has none.
func preBlockText(doc *goquery.Document) string {
	var parts []string
	doc.Find("pre").Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimRight(s.Text(), "\n"); strings.TrimSpace(t) != "" {
			parts = append(parts, t)
		}
	})
	if len(parts) == 0 {
		doc.Find("code").Each(func(_ int, s *goquery.Selection) {
			if t := strings.TrimSpace(s.Text()); t != "" {
				parts = append(parts, t)
			}
		})
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

// bestHeuristic returns the heuristic selector match with the most words.
func (e *Extractor) bestHeuristic(doc *goquery.Document) (*goquery.Selection, int) {
	var best *goquery.Selection
	bestWords := 0
	for _, sel := range heuristicSelectors {
		s := doc.Find(sel).First()
		if s.Length() == 0 {
			continue
		}
		if words := wordCount(s.Text()); words > bestWords {
			best = s
			bestWords = words
		}
	}
	return best, bestWords
}

// textOnly extracts paragraph text without Markdown conversion. Used when
// the converted output still reads like UI chrome.
func (e *Extractor) textOnly(doc *goquery.Document) string {
	collect := func(sel *goquery.Selection) []string {
		var paras []string
		sel.Find("p").Each(func(_ int, p *goquery.Selection) {
			if t := collapseSpace(p.Text()); len(t) > textOnlyParaChars {
				paras = append(paras, t)
			}
		})
		return paras
	}

	if sel, words := e.bestHeuristic(doc); sel != nil && words > textOnlyBlockWords {
		if paras := collect(sel); len(paras) > 0 {
			return strings.Join(paras, "\n\n")
		}
		if t := collapseSpace(sel.Text()); t != "" {
			return t
		}
	}
	return strings.Join(collect(doc.Selection), "\n\n")
}

// docRoot returns the body node, or the document node when parsing found
// no body.
func docRoot(doc *goquery.Document) *html.Node {
	if nodes := doc.Find("body").Nodes; len(nodes) > 0 {
		return nodes[0]
	}
	if len(doc.Nodes) > 0 {
		return doc.Nodes[0]
	}
	return nil
}

// densestNode finds the subtree with the best text-to-markup ratio,
// skipping link-heavy regions (navigation) and noise containers. Returns
// nil when nothing clears minChars of text.
func (e *Extractor) densestNode(root *html.Node, minChars int) *html.Node {
	var best *html.Node
	var bestScore float64

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		if e.isNoiseNode(n) {
			return
		}
		if !contentAtom(n.DataAtom) && n.DataAtom != atom.Body {
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				walk(c)
			}
			return
		}

		text := nodeText(n)
		if len(text) >= minChars {
			markupLen := len(renderNode(n))
			if markupLen == 0 {
				markupLen = 1
			}
			linkDens := float64(len(linkText(n))) / float64(len(text))
			if linkDens <= 0.5 {
				score := float64(len(text)) / float64(markupLen) * logScale(len(text)) * (1 - linkDens)
				if score > bestScore {
					bestScore = score
					best = n
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return best
}

// logScale grows roughly with log2 of the text length, so long articles
// beat dense but tiny snippets.
func logScale(n int) float64 {
	if n <= 0 {
		return 0
	}
	scale := 1.0
	for v := n; v > 100; v /= 2 {
		scale++
	}
	return scale
}

// isNoiseNode reports whether a DOM node is chrome rather than content,
// by tag, landmark role, or the noise identifier tables.
func (e *Extractor) isNoiseNode(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch n.DataAtom {
	case atom.Nav, atom.Footer, atom.Header, atom.Aside, atom.Form, atom.Button:
		return true
	}
	for _, attr := range n.Attr {
		switch attr.Key {
		case "class", "id":
			if e.tables.IsNoiseIdentifier(attr.Val) {
				return true
			}
		case "role":
			switch attr.Val {
			case "navigation", "banner", "contentinfo", "complementary":
				return true
			}
		}
	}
	return false
}

// contentAtom reports whether a tag can hold main content.
func contentAtom(a atom.Atom) bool {
	switch a {
	case atom.Main, atom.Article, atom.Section, atom.Div, atom.P,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Li,
		atom.Table, atom.Td, atom.Th, atom.Dl, atom.Dd, atom.Dt,
		atom.Figure, atom.Figcaption, atom.Details, atom.Summary:
		return true
	}
	return false
}

// nodeText collects the visible text of a subtree, space-separated.
func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return
			}
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// linkText collects only the text inside <a> elements of a subtree.
func linkText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node, bool)
	walk = func(n *html.Node, inLink bool) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			inLink = true
		}
		if n.Type == html.TextNode && inLink {
			sb.WriteString(strings.TrimSpace(n.Data))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inLink)
		}
	}
	walk(n, false)
	return sb.String()
}

// renderNode serialises a subtree back to HTML.
func renderNode(n *html.Node) string {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return ""
	}
	return buf.String()
}
