package searcher

import (
	"regexp"
	"strings"
)

// Rewrite is the query analysis attached to a search response.
type Rewrite struct {
	Original         string   `json:"original"`
	Rewritten        string   `json:"rewritten,omitempty"`
	Suggestions      []string `json:"suggestions,omitempty"`
	DetectedKeywords []string `json:"detected_keywords,omitempty"`
	IsDeveloperQuery bool     `json:"is_developer_query"`
}

// BestQuery returns the rewritten form when one exists.
func (r *Rewrite) BestQuery() string {
	if r.Rewritten != "" {
		return r.Rewritten
	}
	return r.Original
}

// WasRewritten reports whether the rewrite actually changed the query.
func (r *Rewrite) WasRewritten() bool {
	return r.Rewritten != "" && r.Rewritten != r.Original
}

var developerKeywords = []string{
	"golang", "rust", "python", "javascript", "typescript", "java", "kotlin",
	"swift", "ruby", "php", "c++", "c#", "sql", "bash",
	"crate", "cargo", "npm", "pip", "pypi", "maven", "gradle", "gem",
	"package", "library", "module", "sdk", "api", "cli", "framework",
	"compiler", "runtime", "goroutine", "async", "mutex", "borrow",
	"segfault", "traceback", "stacktrace", "panic", "exception", "nullpointer",
}

var errorQueryRe = regexp.MustCompile(`(?i)\b(error|panic|exception|failed|cannot|undefined|unexpected)\b`)

// Conversational lead-ins that dilute keyword search. Longest first so the
// most specific prefix wins.
var fillerPrefixes = []string{
	"what is the best way to ",
	"how do i ",
	"how do you ",
	"how can i ",
	"how to ",
	"what is ",
	"what are ",
	"why does ",
	"why is ",
	"can i ",
	"please ",
}

// RewriteQuery analyzes a query for developer intent and strips
// conversational filler so the engines see keyword-dense text.
func RewriteQuery(query string) *Rewrite {
	rw := &Rewrite{Original: query}

	lower := strings.ToLower(query)
	for _, kw := range developerKeywords {
		if containsWord(lower, kw) {
			rw.DetectedKeywords = append(rw.DetectedKeywords, kw)
		}
	}
	rw.IsDeveloperQuery = len(rw.DetectedKeywords) > 0 || errorQueryRe.MatchString(query)

	trimmed := strings.Join(strings.Fields(query), " ")
	lowerTrimmed := strings.ToLower(trimmed)
	for _, prefix := range fillerPrefixes {
		if strings.HasPrefix(lowerTrimmed, prefix) {
			trimmed = strings.TrimSpace(trimmed[len(prefix):])
			break
		}
	}
	if trimmed != "" && trimmed != query {
		rw.Rewritten = trimmed
	}

	if rw.IsDeveloperQuery {
		base := rw.BestQuery()
		rw.Suggestions = append(rw.Suggestions, base+" example", base+" documentation")
	}
	return rw
}

// containsWord matches kw on token boundaries, so "got" does not light up
// "go". Symbol-bearing keywords like c++ fall back to substring match.
func containsWord(haystack, kw string) bool {
	if strings.ContainsAny(kw, "+#") {
		return strings.Contains(haystack, kw)
	}
	idx := 0
	for {
		i := strings.Index(haystack[idx:], kw)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(kw)
		beforeOK := start == 0 || !isWordByte(haystack[start-1])
		afterOK := end == len(haystack) || !isWordByte(haystack[end])
		if beforeOK && afterOK {
			return true
		}
		idx = end
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_'
}
