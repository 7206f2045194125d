package distill

import (
	"strings"
	"unicode/utf8"
)

// collapseSpace squeezes all whitespace runs in s to single spaces.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// wordCount counts whitespace-separated tokens.
func wordCount(s string) int {
	return len(strings.Fields(s))
}

// readingTime estimates minutes at 200 words per minute, minimum 1.
func readingTime(words int) int {
	if words <= 0 {
		return 1
	}
	minutes := (words + 199) / 200
	if minutes < 1 {
		return 1
	}
	return minutes
}

// mdUnescaper removes the backslash escapes Markdown converters add to
// punctuation. Agents pay tokens for every backslash and none of them
// carry meaning in extracted content.
var mdUnescaper = strings.NewReplacer(
	`\*`, `*`, `\_`, `_`, `\#`, `#`, `\[`, `[`, `\]`, `]`,
	`\(`, `(`, `\)`, `)`, `\.`, `.`, `\-`, `-`, `\!`, `!`,
	`\+`, `+`, `\>`, `>`, `\|`, `|`, `\~`, `~`, "\\`", "`",
)

// normalizeFragments tidies converter output: unescapes Markdown
// punctuation, trims trailing space per line, and collapses blank-line
// runs to single paragraph breaks.
func normalizeFragments(s string) string {
	if s == "" {
		return ""
	}
	s = mdUnescaper.Replace(s)
	lines := strings.Split(s, "\n")
	var out []string
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			blank = true
			continue
		}
		if blank && len(out) > 0 {
			out = append(out, "")
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// JSON fragment detection bounds: a line whose characters are mostly JSON
// structure, or that opens like a JSON value and runs long, is leaked
// state rather than prose.
const (
	jsonStructuralRatio = 0.55
	jsonOpenerMinChars  = 40
)

const jsonStructuralChars = `{}"[]:,`

// isJSONFragmentLine reports whether a line looks like a leaked JSON or
// state fragment rather than prose.
func isJSONFragmentLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	if isJSONShaped(trimmed) && len(trimmed) > jsonOpenerMinChars {
		return true
	}
	structural := 0
	total := 0
	for _, r := range trimmed {
		if r == ' ' || r == '\t' {
			continue
		}
		total++
		if strings.ContainsRune(jsonStructuralChars, r) {
			structural++
		}
	}
	if total < 4 {
		return false
	}
	return float64(structural)/float64(total) >= jsonStructuralRatio
}

// cleanNoise runs the final line-level filter over cleaned content: drops
// boilerplate lines, leaked JSON fragments, and one-character leftovers,
// deduplicates consecutive identical lines, and keeps paragraph breaks.
func (e *Extractor) cleanNoise(content string) string {
	if content == "" {
		return ""
	}
	lines := strings.Split(content, "\n")
	var out []string
	lastKept := ""
	pendingBreak := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			pendingBreak = true
			continue
		}
		if len(trimmed) < 2 {
			continue
		}
		if e.tables.IsGarbageLine(trimmed) {
			continue
		}
		if isJSONFragmentLine(trimmed) {
			continue
		}
		if trimmed == lastKept {
			continue
		}
		if pendingBreak && len(out) > 0 {
			out = append(out, "")
		}
		pendingBreak = false
		out = append(out, line)
		lastKept = trimmed
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// High-noise page thresholds: pages whose cleaned text is mostly stubby
// UI lines get re-extracted in text-only mode.
const (
	highNoiseMinLines   = 10
	highNoiseRatio      = 0.6
	highNoiseAvgLineLen = 20
	noiseShortLineChars = 10
	noiseKeywordLineMax = 40
)

// isHighNoise reports whether the cleaned text still reads like UI chrome:
// mostly very short lines or short lines carrying known UI keywords.
func (e *Extractor) isHighNoise(text string) bool {
	lines := strings.Split(text, "\n")
	var kept []string
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			kept = append(kept, trimmed)
		}
	}
	if len(kept) < highNoiseMinLines {
		return false
	}
	keywords := e.tables.NoiseKeywords()
	noise := 0
	totalLen := 0
	for _, line := range kept {
		totalLen += len(line)
		if len(line) < noiseShortLineChars {
			noise++
			continue
		}
		if len(line) < noiseKeywordLineMax && containsAnyFold(line, keywords) {
			noise++
		}
	}
	ratio := float64(noise) / float64(len(kept))
	avg := float64(totalLen) / float64(len(kept))
	return ratio > highNoiseRatio || avg < highNoiseAvgLineLen
}

// containsAnyFold reports whether s contains any needle, case-insensitive.
func containsAnyFold(s string, needles []string) bool {
	lower := strings.ToLower(s)
	for _, n := range needles {
		if strings.Contains(lower, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// clipRunes cuts s to at most n runes.
func clipRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
