package distill

import (
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// SPA state markers. A page carrying any of these is client-rendered and
// its DOM is likely a shell; the JSON holds the real content.
const (
	markerNextData     = "__NEXT_DATA__"
	markerInitialState = "__INITIAL_STATE__"
	markerApolloState  = "__APOLLO_STATE__"
	markerGitHubData   = "react-app.embeddedData"
)

// Embedded source type labels on the record.
const (
	sourceJSONLD       = "jsonld"
	sourceNextData     = "next_data"
	sourceInitialState = "initial_state"
	sourceGitHubData   = "embedded_data"
	sourceGenericJSON  = "json"
)

// looksLikeSPA reports whether the page carries a known client-side state
// container.
func looksLikeSPA(rawHTML string) bool {
	return strings.Contains(rawHTML, markerNextData) ||
		strings.Contains(rawHTML, markerInitialState) ||
		strings.Contains(rawHTML, markerGitHubData)
}

// stateScript is one candidate JSON blob found in a script tag.
type stateScript struct {
	content    string
	sourceType string
	hinted     bool
}

// embeddedState picks the page's main state blob: the largest hinted
// candidate (typed JSON, a known state id, or a state-assign marker), or
// the largest JSON-looking script when nothing is hinted. Returns the JSON
// text and its source type label.
func (e *Extractor) embeddedState(doc *goquery.Document) (string, string) {
	candidates := stateScripts(doc)
	var best *stateScript
	for i := range candidates {
		c := &candidates[i]
		if c.sourceType == sourceJSONLD {
			continue
		}
		if best == nil {
			best = c
			continue
		}
		switch {
		case c.hinted && !best.hinted:
			best = c
		case c.hinted == best.hinted && len(c.content) > len(best.content):
			best = c
		}
	}
	if best == nil {
		return "", ""
	}
	return best.content, best.sourceType
}

// Minimum script body sizes for state candidates. Hinted scripts clear a
// low bar; anonymous JSON must be big to count, or every inline config
// object would qualify.
const (
	minHintedStateChars = 200
	minPlainStateChars  = 800
)

// stateScripts scans script tags for JSON payloads and classifies them.
func stateScripts(doc *goquery.Document) []stateScript {
	var out []stateScript
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		body := strings.TrimSpace(s.Text())
		if body == "" {
			return
		}
		typ, _ := s.Attr("type")
		id, _ := s.Attr("id")
		target, _ := s.Attr("data-target")

		if strings.EqualFold(typ, "application/ld+json") {
			if len(body) >= minHintedStateChars && isJSONShaped(body) {
				out = append(out, stateScript{content: body, sourceType: sourceJSONLD, hinted: true})
			}
			return
		}

		sourceType, hinted := classifyStateScript(typ, id, target, body)

		// Inline assigns like "window.__INITIAL_STATE__ = {...};" need the
		// JSON carved out of the statement.
		if !isJSONShaped(body) {
			if !hinted {
				return
			}
			body = carveJSON(body)
			if body == "" {
				return
			}
		}

		floor := minPlainStateChars
		if hinted {
			floor = minHintedStateChars
		}
		if len(body) < floor {
			return
		}
		out = append(out, stateScript{content: body, sourceType: sourceType, hinted: hinted})
	})
	return out
}

// classifyStateScript labels a script by its attributes and body markers.
func classifyStateScript(typ, id, target, body string) (sourceType string, hinted bool) {
	idLower := strings.ToLower(id)
	switch {
	case id == markerNextData:
		return sourceNextData, true
	case target == markerGitHubData:
		return sourceGitHubData, true
	case strings.Contains(body, markerInitialState) || strings.Contains(body, markerApolloState):
		return sourceInitialState, true
	case strings.Contains(idLower, "initial") || strings.Contains(idLower, "state") ||
		strings.Contains(idLower, "bootstrap") || strings.Contains(idLower, "deferred"):
		return sourceGenericJSON, true
	case strings.EqualFold(typ, "application/json"):
		return sourceGenericJSON, true
	}
	return sourceGenericJSON, false
}

// isJSONShaped reports whether trimmed text starts like a JSON document.
func isJSONShaped(s string) bool {
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

// carveJSON extracts the first balanced JSON object or array from a script
// statement, respecting string literals and escapes. Returns "" when no
// balanced value is found.
func carveJSON(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// spaText recovers prose from a state blob. GitHub's embeddedData gets a
// typed projection; everything else is harvested generically.
func (e *Extractor) spaText(state, sourceType string) string {
	var v any
	if err := json.Unmarshal([]byte(state), &v); err != nil {
		return ""
	}
	if sourceType == sourceGitHubData {
		if text := e.githubText(v); text != "" {
			return text
		}
	}
	return harvestProse(v)
}

// githubPaths are the payload locations GitHub pages put their primary
// content in: file blobs, READMEs, issues, pull requests, discussions.
var githubPaths = [][]string{
	{"payload", "blob", "text"},
	{"payload", "readme"},
	{"payload", "issue", "body"},
	{"payload", "pullRequest", "body"},
	{"payload", "discussion", "body"},
}

// githubText projects GitHub embeddedData into plain text.
func (e *Extractor) githubText(v any) string {
	for _, p := range githubPaths {
		node := jsonPath(v, p...)
		if node == nil {
			continue
		}
		switch val := node.(type) {
		case string:
			if s := strings.TrimSpace(val); s != "" {
				return s
			}
		case map[string]any:
			// READMEs arrive as {richText: "<html>"} or {text: "..."}.
			if rich, ok := val["richText"].(string); ok && strings.TrimSpace(rich) != "" {
				return strings.TrimSpace(e.strip.Sanitize(rich))
			}
			if text, ok := val["text"].(string); ok && strings.TrimSpace(text) != "" {
				return strings.TrimSpace(text)
			}
		}
	}
	return ""
}

// jsonPath walks nested maps by key, returning nil when any hop misses.
func jsonPath(v any, keys ...string) any {
	for _, key := range keys {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v, ok = m[key]
		if !ok {
			return nil
		}
	}
	return v
}

// Prose harvesting bounds: a string leaf must read like a sentence, and
// the walk stops collecting after a sane amount so a megabyte of state
// doesn't become a megabyte of "content".
const (
	proseMinChars  = 30
	proseMinWords  = 4
	proseMaxChunks = 400
)

// harvestProse walks a JSON value and collects string leaves that read
// like prose, skipping identifiers, URLs, and CSS-shaped strings.
func harvestProse(v any) string {
	var chunks []string
	seen := make(map[string]struct{})
	var walk func(any)
	walk = func(v any) {
		if len(chunks) >= proseMaxChunks {
			return
		}
		switch val := v.(type) {
		case string:
			s := strings.TrimSpace(val)
			if !looksLikeProse(s) {
				return
			}
			if _, dup := seen[s]; dup {
				return
			}
			seen[s] = struct{}{}
			chunks = append(chunks, s)
		case []any:
			for _, item := range val {
				walk(item)
			}
		case map[string]any:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(v)
	return strings.Join(chunks, "\n\n")
}

// looksLikeProse filters state strings down to human-readable sentences.
func looksLikeProse(s string) bool {
	if len(s) < proseMinChars {
		return false
	}
	if len(strings.Fields(s)) < proseMinWords {
		return false
	}
	if strings.Contains(s, "://") || strings.HasPrefix(s, "/") {
		return false
	}
	if isJSONShaped(s) {
		return false
	}
	return true
}

// collectEmbedded attaches the page's JSON payloads to the record: every
// distinct JSON-LD script and sizeable state blob goes into
// EmbeddedSources, and the main state blob lands in EmbeddedStateJSON.
// Both obey maxStateJSONChars with truncation warnings.
func (e *Extractor) collectEmbedded(doc *goquery.Document, rec *Record) {
	const minSourceChars = 1000

	seen := make(map[string]struct{})
	for _, c := range stateScripts(doc) {
		if c.sourceType != sourceJSONLD && len(c.content) < minSourceChars {
			continue
		}
		if _, dup := seen[c.content]; dup {
			continue
		}
		seen[c.content] = struct{}{}
		content := c.content
		if len(content) > maxStateJSONChars {
			content = truncateUTF8(content, maxStateJSONChars)
			rec.AddWarning(WarnEmbeddedSourcesTruncated)
		}
		rec.EmbeddedSources = append(rec.EmbeddedSources, EmbeddedSource{
			SourceType: c.sourceType,
			Content:    content,
		})
	}

	state, _ := e.embeddedState(doc)
	if state == "" {
		return
	}
	rec.Hydration.JSONFound = true
	if len(state) > maxStateJSONChars {
		state = truncateUTF8(state, maxStateJSONChars)
		rec.AddWarning(WarnEmbeddedStateTruncated)
	}
	rec.EmbeddedStateJSON = state
}
