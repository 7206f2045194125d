package distill

// Warning codes attached to records when a lossy or degraded step ran.
// Agents branch on these, so the strings are part of the wire contract.
const (
	WarnRawMarkdownURL           = "raw_markdown_url"
	WarnPlaceholderPage          = "placeholder_page"
	WarnEmbeddedSourcesTruncated = "embedded_data_sources_truncated"
	WarnEmbeddedStateTruncated   = "embedded_state_json_truncated"
	WarnRelevanceBypassed        = "relevance_filter_bypassed"
	WarnCleanJSONTruncated       = "clean_json_truncated"
	WarnPDFSource                = "pdf_source"
)

// Record is the structured result of distilling one fetched page. The JSON
// field names are the tool-response contract; omitempty keeps absent
// metadata out of the payload instead of sending empty strings.
type Record struct {
	URL               string           `json:"url"`
	Title             string           `json:"title"`
	CleanContent      string           `json:"clean_content"`
	EmbeddedStateJSON string           `json:"embedded_state_json,omitempty"`
	EmbeddedSources   []EmbeddedSource `json:"embedded_data_sources,omitempty"`
	Hydration         HydrationStatus  `json:"hydration_status"`
	MetaDescription   string           `json:"meta_description,omitempty"`
	MetaKeywords      string           `json:"meta_keywords,omitempty"`
	Headings          []Heading        `json:"headings,omitempty"`
	Links             []Link           `json:"links,omitempty"`
	Images            []Image          `json:"images,omitempty"`
	Timestamp         string           `json:"timestamp"`
	StatusCode        int              `json:"status_code"`
	ContentType       string           `json:"content_type,omitempty"`
	WordCount         int              `json:"word_count"`
	Language          string           `json:"language,omitempty"`
	CanonicalURL      string           `json:"canonical_url,omitempty"`
	SiteName          string           `json:"site_name,omitempty"`
	Author            string           `json:"author,omitempty"`
	PublishedAt       string           `json:"published_at,omitempty"`
	OGTitle           string           `json:"og_title,omitempty"`
	OGDescription     string           `json:"og_description,omitempty"`
	OGImage           string           `json:"og_image,omitempty"`
	ReadingTimeMin    int              `json:"reading_time_minutes"`
	CodeBlocks        []CodeBlock      `json:"code_blocks,omitempty"`
	Truncated         bool             `json:"truncated"`
	ActualChars       int              `json:"actual_chars"`
	MaxCharsLimit     *int             `json:"max_chars_limit,omitempty"`
	ExtractionScore   float64          `json:"extraction_score"`
	Warnings          []string         `json:"warnings,omitempty"`
	Domain            string           `json:"domain,omitempty"`
	SourceType        string           `json:"source_type,omitempty"`
}

// Heading is a document heading with its level as "h1".."h6".
type Heading struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// Link is an absolute hyperlink with its anchor text.
type Link struct {
	URL  string `json:"url"`
	Text string `json:"text,omitempty"`
}

// Image is an absolute image reference with its alt and title text.
type Image struct {
	Src   string `json:"src"`
	Alt   string `json:"alt,omitempty"`
	Title string `json:"title,omitempty"`
}

// CodeBlock is one extracted code snippet. Code is byte-faithful to the
// source and never reflowed; Context carries the prose line that preceded
// the block so agents can tell install commands from example output.
type CodeBlock struct {
	Language string `json:"language,omitempty"`
	Code     string `json:"code"`
	Context  string `json:"context,omitempty"`
}

// EmbeddedSource is one JSON blob lifted out of the page: JSON-LD, Next.js
// __NEXT_DATA__, a window.__INITIAL_STATE__ assign, or GitHub's
// react-app.embeddedData island.
type EmbeddedSource struct {
	SourceType string `json:"source_type"`
	Content    string `json:"content"`
}

// HydrationStatus reports what the SPA handling found. SettleTimeMS is set
// by the browser renderer when the page went through CDP; it stays nil for
// plain HTTP fetches.
type HydrationStatus struct {
	JSONFound           bool    `json:"json_found"`
	SettleTimeMS        *int64  `json:"settle_time_ms,omitempty"`
	NoiseReductionRatio float64 `json:"noise_reduction_ratio"`
}

// AddWarning appends w unless the record already carries it.
func (r *Record) AddWarning(w string) {
	for _, existing := range r.Warnings {
		if existing == w {
			return
		}
	}
	r.Warnings = append(r.Warnings, w)
}

// HasWarning reports whether the record carries warning w.
func (r *Record) HasWarning(w string) bool {
	for _, existing := range r.Warnings {
		if existing == w {
			return true
		}
	}
	return false
}
