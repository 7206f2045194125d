package distill

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// minSnippetChars drops icon glyphs and inline identifiers that the
// pre/code selector also matches.
const minSnippetChars = 10

// extractCodeBlocks collects code snippets from the raw DOM before any
// flattening so whitespace survives. Code text is byte-faithful: no
// reflow, no indent normalisation. Deduplicated by (language, code).
func (e *Extractor) extractCodeBlocks(doc *goquery.Document, pageURL string, tutorial bool) []CodeBlock {
	hint := urlLangHint(pageURL)
	nuke := e.neuroSiphon && e.aggressive && !tutorial

	var out []CodeBlock
	seen := make(map[string]struct{})
	doc.Find("pre code, pre, code").Each(func(_ int, s *goquery.Selection) {
		code := s.Text()
		if len(strings.TrimSpace(code)) < minSnippetChars {
			return
		}
		lang := snippetLanguage(s, hint)
		if nuke {
			code = nukeImportPreamble(code, lang)
		}
		key := lang + "\x00" + code
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, CodeBlock{
			Language: lang,
			Code:     code,
			Context:  snippetContext(s, code),
		})
	})
	return out
}

// snippetLanguage infers a snippet's language from CSS classes, the
// data-lang attribute, a pre element's inner code classes, and finally
// the page URL's file extension.
func snippetLanguage(s *goquery.Selection, urlHint string) string {
	if lang := classLanguage(s); lang != "" {
		return lang
	}
	if v, ok := s.Attr("data-lang"); ok && strings.TrimSpace(v) != "" {
		return strings.ToLower(strings.TrimSpace(v))
	}
	if goquery.NodeName(s) == "pre" {
		inner := s.Find("code").First()
		if lang := classLanguage(inner); lang != "" {
			return lang
		}
	}
	return urlHint
}

// classLanguage reads highlighters' language-* and lang-* class markers.
func classLanguage(s *goquery.Selection) string {
	class, ok := s.Attr("class")
	if !ok {
		return ""
	}
	for _, token := range strings.Fields(class) {
		lower := strings.ToLower(token)
		if v, found := strings.CutPrefix(lower, "language-"); found && v != "" {
			return v
		}
		if v, found := strings.CutPrefix(lower, "lang-"); found && v != "" {
			return v
		}
	}
	return ""
}

// snippetContext captures the prose around a snippet: the text of the
// nearest preceding sibling for block-level code, or the sentence
// containing the snippet for inline code. Agents use this to tell an
// install command from example output.
func snippetContext(s *goquery.Selection, code string) string {
	const maxContextChars = 200

	name := goquery.NodeName(s)
	block := s
	if name == "code" {
		if pre := s.ParentsFiltered("pre").First(); pre.Length() > 0 {
			block = pre
		} else {
			// Inline snippet: the sentence around it is the context.
			parent := s.Parent()
			if parent.Length() == 0 {
				return ""
			}
			return clipRunes(sentenceContaining(collapseSpace(parent.Text()), strings.TrimSpace(code)), maxContextChars)
		}
	}

	for prev := block.Prev(); prev.Length() > 0; prev = prev.Prev() {
		if n := goquery.NodeName(prev); n == "pre" || n == "code" {
			continue
		}
		if text := collapseSpace(prev.Text()); text != "" {
			return clipRunes(text, maxContextChars)
		}
	}
	return ""
}

// sentenceContaining returns the sentence of text that contains needle,
// or the whole text when sentence splitting finds nothing.
func sentenceContaining(text, needle string) string {
	if text == "" {
		return ""
	}
	if needle == "" {
		return text
	}
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			sentence := strings.TrimSpace(text[start : i+1])
			if strings.Contains(sentence, needle) {
				return sentence
			}
			start = i + 1
		}
	}
	if tail := strings.TrimSpace(text[start:]); strings.Contains(tail, needle) {
		return tail
	}
	return text
}

// extLanguages maps URL file extensions to language labels.
var extLanguages = map[string]string{
	"rs": "rust",
	"py": "python", "pyw": "python",
	"js": "javascript", "mjs": "javascript", "cjs": "javascript",
	"ts": "typescript", "mts": "typescript", "cts": "typescript",
	"go":   "go",
	"java": "java",
	"kt":   "kotlin",
	"cs":   "csharp",
	"rb":   "ruby",
}

// urlLangHint guesses a language from the page URL's file extension.
// Pages like raw GitHub files carry their language in the path.
func urlLangHint(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	p := u.Path
	dot := strings.LastIndexByte(p, '.')
	if dot < 0 || dot == len(p)-1 {
		return ""
	}
	return extLanguages[strings.ToLower(p[dot+1:])]
}

// tutorialHosts serve documentation where import lines are part of the
// lesson; snippets from them are never trimmed.
var tutorialHosts = []string{
	"doc.rust-lang.org",
	"docs.rs",
	"developer.mozilla.org",
	"docs.python.org",
	"learn.microsoft.com",
	"docs.microsoft.com",
	"reactjs.org",
	"vuejs.org",
}

var tutorialPathNeedles = []string{"/tutorial", "/guide", "/docs/", "/book/", "/learn/"}

// isTutorialURL reports whether a URL is documentation-shaped.
func isTutorialURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range tutorialHosts {
		if host == h {
			return true
		}
	}
	if strings.HasPrefix(host, "docs.") || strings.HasPrefix(host, "doc.") {
		return true
	}
	p := strings.ToLower(u.Path)
	for _, needle := range tutorialPathNeedles {
		if strings.Contains(p, needle) {
			return true
		}
	}
	return false
}

// Import-nuke thresholds. Short snippets keep everything; longer ones
// lose their import preamble only when imports dominate the line count.
const (
	nukeMinLines       = 15
	nukeMinLeading     = 3
	nukeRatioHigh      = 0.30
	nukeLongBlockLines = 12
	nukeRatioLongBlock = 0.10
)

// nukeImportPreamble removes the leading import block from a snippet when
// imports crowd out the actual code. Lines carrying TODO or FIXME markers
// are always kept. Unknown languages pass through untouched.
func nukeImportPreamble(code, lang string) string {
	isImport := importMatcher(lang)
	if isImport == nil {
		return code
	}
	lines := strings.Split(code, "\n")
	if len(lines) < nukeMinLines {
		return code
	}

	total := 0
	importTotal := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		total++
		if isImport(trimmed) && !hasTodoMarker(trimmed) {
			importTotal++
		}
	}
	if total == 0 || importTotal == 0 {
		return code
	}

	leading, cut := leadingImportRun(lines, lang, isImport)

	ratio := float64(importTotal) / float64(total)
	shouldNuke := (leading >= nukeMinLeading && ratio > nukeRatioHigh) ||
		(leading >= 1 && total >= nukeLongBlockLines && ratio > nukeRatioLongBlock)
	if !shouldNuke || cut == 0 {
		return code
	}

	rest := lines[cut:]
	for len(rest) > 0 && strings.TrimSpace(rest[0]) == "" {
		rest = rest[1:]
	}
	if len(rest) == 0 {
		return code
	}
	return strings.Join(rest, "\n")
}

// leadingImportRun measures the opening run of import lines, tracking
// multi-line Go import blocks and Rust use groups. Returns the run length
// in lines and the index of the first line after the run.
func leadingImportRun(lines []string, lang string, isImport func(string) bool) (leading, cut int) {
	inGoBlock := false
	inRustBlock := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if hasTodoMarker(trimmed) {
			return leading, cut
		}
		if inGoBlock {
			leading++
			cut = i + 1
			if strings.HasPrefix(trimmed, ")") {
				inGoBlock = false
			}
			continue
		}
		if inRustBlock {
			leading++
			cut = i + 1
			if strings.Contains(trimmed, "};") || strings.HasSuffix(trimmed, "}") {
				inRustBlock = false
			}
			continue
		}
		if !isImport(trimmed) {
			return leading, cut
		}
		leading++
		cut = i + 1
		if lang == "go" && strings.HasSuffix(trimmed, "import (") {
			inGoBlock = true
		}
		if lang == "rust" && strings.Contains(trimmed, "{") && !strings.Contains(trimmed, "}") {
			inRustBlock = true
		}
	}
	return leading, cut
}

func hasTodoMarker(line string) bool {
	return strings.Contains(line, "TODO") || strings.Contains(line, "FIXME")
}

// importMatcher returns a per-language predicate for import lines, or nil
// for languages without one.
func importMatcher(lang string) func(string) bool {
	switch lang {
	case "rust":
		return func(l string) bool {
			return strings.HasPrefix(l, "use ") || strings.HasPrefix(l, "extern crate ")
		}
	case "python":
		return func(l string) bool {
			return strings.HasPrefix(l, "import ") || strings.HasPrefix(l, "from ")
		}
	case "javascript", "typescript":
		return func(l string) bool {
			if strings.HasPrefix(l, "import ") {
				return true
			}
			return strings.HasPrefix(l, "const ") && strings.Contains(l, "require(")
		}
	case "go":
		return func(l string) bool {
			return strings.HasPrefix(l, "import ") || l == "import (" ||
				(strings.HasPrefix(l, `"`) && strings.HasSuffix(l, `"`)) ||
				l == ")"
		}
	case "java", "kotlin", "scala":
		return func(l string) bool {
			return strings.HasPrefix(l, "import ")
		}
	case "csharp":
		return func(l string) bool {
			return strings.HasPrefix(l, "using ") && strings.HasSuffix(l, ";")
		}
	}
	return nil
}

// fencedBlocks extracts ```-fenced code blocks from Markdown text. Used
// for raw documents served without HTML wrapping.
func fencedBlocks(text, urlHint string) []CodeBlock {
	var out []CodeBlock
	seen := make(map[string]struct{})
	lines := strings.Split(text, "\n")

	var (
		inFence bool
		lang    string
		buf     []string
		context string
	)
	lastProse := ""
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if !inFence {
				inFence = true
				lang = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, "```")))
				if lang == "" {
					lang = urlHint
				}
				buf = buf[:0]
				context = lastProse
				continue
			}
			inFence = false
			code := strings.Join(buf, "\n")
			if len(strings.TrimSpace(code)) < minSnippetChars {
				continue
			}
			key := lang + "\x00" + code
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, CodeBlock{Language: lang, Code: code, Context: clipRunes(context, 200)})
			continue
		}
		if inFence {
			buf = append(buf, line)
			continue
		}
		if trimmed != "" {
			lastProse = trimmed
		}
	}
	return out
}
