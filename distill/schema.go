package distill

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/DevsHero/search-scrape/urlx"
)

// Extraction methods reported on SchemaResult.
const (
	MethodSchema = "schema_based"
	MethodPrompt = "prompt_based"
	MethodAuto   = "auto_detect"
)

// Placeholder detection: a near-empty page where almost every scalar came
// back null is a login wall or error shell, not data. Array fields are
// exempt from the ratio; an empty list is an honest answer.
const (
	placeholderWordThreshold = 10
	placeholderEmptyRatio    = 0.9
)

// Field describes one value to extract from a page.
type Field struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	FieldType   string `json:"field_type,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// SchemaResult is the structured-extraction response.
type SchemaResult struct {
	URL        string         `json:"url"`
	Title      string         `json:"title"`
	Method     string         `json:"extraction_method"`
	Data       map[string]any `json:"data"`
	FieldCount int            `json:"field_count"`
	Confidence float64        `json:"confidence"`
	Preview    string         `json:"raw_content_preview,omitempty"`
	Warnings   []string       `json:"warnings,omitempty"`
}

// ProjectSchema extracts the requested fields from a distilled record.
// Field resolution order: explicit fields, then a schema parsed from the
// prompt, then the auto-detect set. Scalars that can't be grounded in the
// page come back null, never guessed; arrays come back empty rather than
// null. With an explicit schema the _-prefixed metadata keys stay out of
// Data so the response shape is exactly what the caller asked for.
func ProjectSchema(rec *Record, fields []Field, prompt string, previewChars int) *SchemaResult {
	method := MethodSchema
	explicit := true
	if len(fields) == 0 {
		if parsed := ParseSchemaPrompt(prompt); len(parsed) > 0 {
			fields = parsed
			method = MethodPrompt
		} else {
			fields = autoFields()
			method = MethodAuto
			explicit = false
		}
	}

	data := make(map[string]any, len(fields))
	var warnings []string
	nulls := 0
	requiredNulls := 0
	scalars := 0
	scalarNulls := 0

	for _, f := range fields {
		if f.Name == "" {
			continue
		}
		value, isArray := extractFieldValue(rec, f)
		if isArray {
			if value == nil {
				value = []any{}
			}
			data[f.Name] = value
			continue
		}
		scalars++
		if value == nil {
			data[f.Name] = nil
			nulls++
			scalarNulls++
			if f.Required {
				requiredNulls++
				warnings = append(warnings, "required_field_null:"+f.Name)
			}
			continue
		}
		data[f.Name] = value
	}

	if !explicit {
		data["_title"] = rec.Title
		data["_url"] = rec.URL
		data["_word_count"] = rec.WordCount
	}

	confidence := 0.8
	if nulls > 0 {
		warnings = append(warnings, fmt.Sprintf("null_fields:%d", nulls))
		penalty := 0.1 * float64(nulls)
		if penalty > 0.3 {
			penalty = 0.3
		}
		confidence -= penalty
	}
	confidence -= 0.1 * float64(requiredNulls)

	if scalars > 0 && isPlaceholderPage(rec) &&
		float64(scalarNulls)/float64(scalars) >= placeholderEmptyRatio {
		confidence = 0
		warnings = append(warnings, WarnPlaceholderPage)
	}
	if urlx.IsRawMedia(rec.URL) {
		warnings = append(warnings, WarnRawMarkdownURL)
		if confidence > 0.4 {
			confidence = 0.4
		}
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	if previewChars <= 0 {
		previewChars = 500
	}
	return &SchemaResult{
		URL:        rec.URL,
		Title:      rec.Title,
		Method:     method,
		Data:       data,
		FieldCount: len(fields),
		Confidence: confidence,
		Preview:    truncateUTF8(rec.CleanContent, previewChars),
		Warnings:   warnings,
	}
}

// isPlaceholderPage reports whether the record's content is an empty
// shell: almost no words, or a single line.
func isPlaceholderPage(rec *Record) bool {
	if rec.WordCount < placeholderWordThreshold {
		return true
	}
	lines := 0
	for _, line := range strings.Split(rec.CleanContent, "\n") {
		if strings.TrimSpace(line) != "" {
			lines++
			if lines > 1 {
				return false
			}
		}
	}
	return true
}

// autoFields is the extraction set when neither schema nor prompt name
// any fields.
func autoFields() []Field {
	return []Field{
		{Name: "title"}, {Name: "description"}, {Name: "author"},
		{Name: "date"}, {Name: "headings"}, {Name: "links"},
	}
}

// Content pattern matchers for field extraction.
var (
	emailRe  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRe  = regexp.MustCompile(`\+?[0-9][0-9 ().\-]{8,}[0-9]`)
	priceRe  = regexp.MustCompile(`[$€£¥]\s?[0-9][0-9,]*(?:\.[0-9]+)?|[0-9][0-9,]*(?:\.[0-9]+)?\s?(?:USD|EUR|GBP)`)
	numberRe = regexp.MustCompile(`-?[0-9][0-9,]*(?:\.[0-9]+)?`)

	isoDateRe   = regexp.MustCompile(`\b[0-9]{4}-[0-9]{2}-[0-9]{2}\b`)
	slashDateRe = regexp.MustCompile(`\b[0-9]{1,2}/[0-9]{1,2}/[0-9]{4}\b`)
	monthNames  = `(?:January|February|March|April|May|June|July|August|September|October|November|December|Jan|Feb|Mar|Apr|Jun|Jul|Aug|Sep|Oct|Nov|Dec)`
	mdyDateRe   = regexp.MustCompile(`\b` + monthNames + `\.? [0-9]{1,2},? [0-9]{4}\b`)
	dmyDateRe   = regexp.MustCompile(`\b[0-9]{1,2} ` + monthNames + `\.? [0-9]{4}\b`)
)

// keywordWindowChars bounds how far from a keyword mention a value may be
// found. Values beyond the window are treated as absent rather than
// risking an unrelated number or sentence.
const keywordWindowChars = 500

// extractFieldValue resolves one field against the record. The bool
// return marks array-valued fields. Nil means the page does not ground
// the field.
func extractFieldValue(rec *Record, f Field) (any, bool) {
	name := strings.ToLower(strings.TrimSpace(f.Name))
	content := rec.CleanContent

	switch name {
	case "title", "headline":
		return nonEmpty(rec.Title), false
	case "name":
		if strings.Contains(strings.ToLower(f.Description), "crate") {
			return nonEmpty(crateName(rec.Title)), false
		}
		return nonEmpty(rec.Title), false
	case "description", "summary", "excerpt":
		if rec.MetaDescription != "" {
			return rec.MetaDescription, false
		}
		return nonEmpty(firstLongLine(content, 50, 500)), false
	case "author", "writer", "by":
		return nonEmpty(rec.Author), false
	case "date", "published", "published_at", "publish_date":
		if rec.PublishedAt != "" {
			return rec.PublishedAt, false
		}
		return nonEmpty(findDate(content)), false
	case "price", "cost", "amount":
		return nonEmpty(findPrice(content)), false
	case "email":
		return nonEmpty(emailRe.FindString(content)), false
	case "emails":
		return matchList(emailRe, content, 5), true
	case "phone", "phones", "phone_number", "phone_numbers":
		return phoneList(content, 5), true
	case "links", "urls":
		return linkList(rec.Links, 20), true
	case "headings", "headers", "sections":
		return headingList(rec.Headings, 30), true
	case "code", "code_blocks", "code_snippets":
		return codeList(rec.CodeBlocks, 10), true
	case "images":
		return imageList(rec.Images, 20), true
	case "purpose", "overview":
		if rec.MetaDescription != "" {
			return rec.MetaDescription, false
		}
		if rec.OGDescription != "" {
			return rec.OGDescription, false
		}
		return nonEmpty(clipRunes(firstParagraph(content), 500)), false
	}
	if strings.Contains(name, "feature") {
		return featureList(rec.Headings, 8), true
	}
	if strings.Contains(name, "crate") {
		return nonEmpty(crateName(rec.Title)), false
	}
	return keywordValue(rec, f)
}

func nonEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

// firstLongLine returns the first line longer than minChars, clipped.
func firstLongLine(content string, minChars, maxChars int) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if len(line) > minChars {
			return clipRunes(line, maxChars)
		}
	}
	return ""
}

// firstParagraph returns the first paragraph of content.
func firstParagraph(content string) string {
	for _, para := range strings.Split(content, "\n\n") {
		if p := strings.TrimSpace(para); p != "" {
			return p
		}
	}
	return ""
}

// findDate scans content for the first recognisable date.
func findDate(content string) string {
	for _, re := range []*regexp.Regexp{isoDateRe, slashDateRe, mdyDateRe, dmyDateRe} {
		if m := re.FindString(content); m != "" {
			return m
		}
	}
	return ""
}

// findPrice prefers a price mentioned near a price keyword, falling back
// to the first currency match anywhere.
func findPrice(content string) string {
	lower := strings.ToLower(content)
	for _, kw := range []string{"price", "cost", "amount"} {
		idx := strings.Index(lower, kw)
		if idx < 0 {
			continue
		}
		end := idx + keywordWindowChars
		if end > len(content) {
			end = len(content)
		}
		if m := priceRe.FindString(content[idx:end]); m != "" {
			return m
		}
	}
	return priceRe.FindString(content)
}

func matchList(re *regexp.Regexp, content string, limit int) []any {
	var out []any
	seen := make(map[string]struct{})
	for _, m := range re.FindAllString(content, -1) {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out
}

// phoneList extracts phone-shaped strings with at least ten digits.
func phoneList(content string, limit int) []any {
	var out []any
	seen := make(map[string]struct{})
	for _, m := range phoneRe.FindAllString(content, -1) {
		digits := 0
		for _, r := range m {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits < 10 {
			continue
		}
		m = strings.TrimSpace(m)
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out
}

func linkList(links []Link, limit int) []any {
	var out []any
	for _, l := range links {
		if len(out) == limit {
			break
		}
		out = append(out, map[string]any{"url": l.URL, "text": l.Text})
	}
	return out
}

func headingList(headings []Heading, limit int) []any {
	var out []any
	for _, h := range headings {
		if len(out) == limit {
			break
		}
		out = append(out, h.Level+": "+h.Text)
	}
	return out
}

func codeList(blocks []CodeBlock, limit int) []any {
	var out []any
	for _, b := range blocks {
		if len(out) == limit {
			break
		}
		out = append(out, map[string]any{"language": b.Language, "code": b.Code})
	}
	return out
}

func imageList(images []Image, limit int) []any {
	var out []any
	for _, img := range images {
		if len(out) == limit {
			break
		}
		out = append(out, map[string]any{"src": img.Src, "alt": img.Alt})
	}
	return out
}

// featureList lifts h2/h3 headings as feature names.
func featureList(headings []Heading, limit int) []any {
	var out []any
	for _, h := range headings {
		if h.Level != "h2" && h.Level != "h3" {
			continue
		}
		out = append(out, h.Text)
		if len(out) == limit {
			break
		}
	}
	return out
}

// crateName extracts a package name from registry titles like
// "serde - Rust" or "tokio — crates.io".
func crateName(title string) string {
	for _, sep := range []string{" - ", " — ", " – ", ": ", " | "} {
		if idx := strings.Index(title, sep); idx > 0 {
			title = title[:idx]
			break
		}
	}
	fields := strings.Fields(title)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// keywordValue resolves an unknown field by searching for its name near a
// mention in the content. The value must appear within the keyword
// window; a page that never mentions the field yields nil, not a guess.
func keywordValue(rec *Record, f Field) (any, bool) {
	kind := fieldKind(f)
	isArray := kind == "list"

	idx, matched := findKeyword(rec.CleanContent, keywordVariants(f.Name))
	if idx < 0 {
		return nil, isArray
	}
	end := idx + keywordWindowChars
	if end > len(rec.CleanContent) {
		end = len(rec.CleanContent)
	}
	window := rec.CleanContent[idx:end]

	switch kind {
	case "number":
		m := numberRe.FindString(window)
		if m == "" {
			return nil, false
		}
		if v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64); err == nil {
			return v, false
		}
		return m, false
	case "list":
		var out []any
		for _, line := range strings.Split(rec.CleanContent, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || !strings.Contains(strings.ToLower(line), matched) {
				continue
			}
			out = append(out, clipRunes(line, 200))
			if len(out) == 5 {
				break
			}
		}
		return out, true
	default:
		sentence := sentenceContaining(collapseSpace(window), matched)
		if strings.TrimSpace(sentence) == "" {
			return nil, false
		}
		return clipRunes(strings.TrimSpace(sentence), 300), false
	}
}

// fieldKind buckets a field into number, list, or text by its declared
// type.
func fieldKind(f Field) string {
	switch strings.ToLower(f.FieldType) {
	case "number", "integer", "int", "float":
		return "number"
	case "array", "list":
		return "list"
	}
	return "text"
}

// keywordVariants generates the spellings a field name may appear under
// in prose: as-is, space-separated, suffix-stripped, and concatenated.
func keywordVariants(name string) []string {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" {
		return nil
	}
	variants := []string{lower}
	add := func(v string) {
		for _, existing := range variants {
			if existing == v {
				return
			}
		}
		variants = append(variants, v)
	}
	spaced := strings.NewReplacer("_", " ", "-", " ").Replace(lower)
	add(spaced)
	for _, suffix := range []string{"_name", "-name", " name"} {
		if v, ok := strings.CutSuffix(lower, suffix); ok && v != "" {
			add(v)
		}
	}
	add(strings.NewReplacer("_", "", "-", "", " ", "").Replace(lower))
	return variants
}

// findKeyword returns the position and matched variant of the first
// variant found in content, searching case-insensitively.
func findKeyword(content string, variants []string) (int, string) {
	lower := strings.ToLower(content)
	for _, v := range variants {
		if v == "" {
			continue
		}
		if idx := strings.Index(lower, v); idx >= 0 {
			return idx, v
		}
	}
	return -1, ""
}

// ParseSchemaPrompt pulls a field list out of a natural-language prompt.
// It accepts embedded JSON in several shapes (an array of field objects
// or names, {"fields": [...]}, or a name-to-type map) and falls back to
// reading field names off an "extract ..." phrase. Returns nil when the
// prompt names nothing usable.
func ParseSchemaPrompt(prompt string) []Field {
	if strings.TrimSpace(prompt) == "" {
		return nil
	}
	searchIn := prompt
	if idx := strings.Index(strings.ToLower(prompt), "schema:"); idx >= 0 {
		searchIn = prompt[idx+len("schema:"):]
	}
	if raw := carveJSON(searchIn); raw != "" {
		if fields := fieldsFromJSON(raw); len(fields) > 0 {
			return fields
		}
	}
	return fieldsFromWords(prompt)
}

// fieldsFromJSON parses the accepted JSON schema shapes.
func fieldsFromJSON(raw string) []Field {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil
	}
	switch val := v.(type) {
	case []any:
		return fieldsFromArray(val)
	case map[string]any:
		if inner, ok := val["fields"].([]any); ok {
			return fieldsFromArray(inner)
		}
		var fields []Field
		for name, spec := range val {
			if strings.HasPrefix(name, "_") {
				continue
			}
			f := Field{Name: name}
			switch s := spec.(type) {
			case string:
				f.FieldType = s
			case map[string]any:
				if t, ok := s["type"].(string); ok {
					f.FieldType = t
				} else if t, ok := s["field_type"].(string); ok {
					f.FieldType = t
				}
				if d, ok := s["description"].(string); ok {
					f.Description = d
				}
				if r, ok := s["required"].(bool); ok {
					f.Required = r
				}
			}
			fields = append(fields, f)
		}
		return fields
	}
	return nil
}

func fieldsFromArray(items []any) []Field {
	var fields []Field
	for _, item := range items {
		switch val := item.(type) {
		case string:
			if val != "" {
				fields = append(fields, Field{Name: val})
			}
		case map[string]any:
			f := Field{}
			if n, ok := val["name"].(string); ok {
				f.Name = n
			}
			if d, ok := val["description"].(string); ok {
				f.Description = d
			}
			if t, ok := val["field_type"].(string); ok {
				f.FieldType = t
			} else if t, ok := val["type"].(string); ok {
				f.FieldType = t
			}
			if r, ok := val["required"].(bool); ok {
				f.Required = r
			}
			if f.Name != "" {
				fields = append(fields, f)
			}
		}
	}
	return fields
}

var extractPhraseRe = regexp.MustCompile(`(?i)\b(?:extract|get|find|capture|pull)\s+(?:the\s+)?([a-z0-9_,\s\-]+?)(?:\s+(?:from|of|on)\b|[.!?]|$)`)

// fieldsFromWords reads field names off phrases like "extract the title,
// price and author from ...".
func fieldsFromWords(prompt string) []Field {
	m := extractPhraseRe.FindStringSubmatch(prompt)
	if len(m) < 2 {
		return nil
	}
	parts := strings.FieldsFunc(m[1], func(r rune) bool { return r == ',' })
	var fields []Field
	for _, part := range parts {
		for _, piece := range strings.Split(part, " and ") {
			name := strings.TrimSpace(piece)
			name = strings.TrimPrefix(name, "and ")
			name = strings.ReplaceAll(name, " ", "_")
			if len(name) < 2 || len(fields) >= 8 {
				continue
			}
			fields = append(fields, Field{Name: strings.ToLower(name)})
		}
	}
	return fields
}
