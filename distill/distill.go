// Package distill turns fetched bytes into a structured page record: title
// and meta fields, cleaned Markdown content, code blocks, headings, links,
// images, embedded SPA state, and an extraction quality score.
//
// The pipeline serves agents rather than browsers: navigation chrome,
// cookie banners, and script noise are stripped, JSON state blobs are
// surfaced separately from prose, and every lossy step records a warning on
// the record instead of failing the scrape.
//
// Extraction order matters. Code blocks are collected from the DOM before
// any flattening so indentation survives; SPA state is checked before the
// prose cleaner so client-rendered shells don't produce empty records; the
// og:description fallback only fires when the cleaned body came back
// nearly empty.
package distill

import (
	"bytes"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"github.com/DevsHero/search-scrape/domains"
	"github.com/DevsHero/search-scrape/urlx"
)

const (
	// spaMinWords gates the SPA fast path: embedded state must yield at
	// least this many words of prose before it replaces DOM extraction.
	spaMinWords = 100

	// ogFallbackWords is the cleaned-content word count below which the
	// og:description is a better answer than whatever extraction found.
	ogFallbackWords = 50

	// maxStateJSONChars caps each embedded JSON blob on the record.
	maxStateJSONChars = 200_000
)

// Config controls the optional aggressive trims.
type Config struct {
	// NeuroSiphon enables token-diet behaviour: the SPA state fast path
	// and, with AggressiveCode, import-preamble removal from long snippets.
	NeuroSiphon bool
	// AggressiveCode nukes leading import blocks from long code snippets.
	// Tutorial-shaped URLs are immune; their imports are the content.
	AggressiveCode bool
	// MaxImageHints caps the image-context lines appended to clean
	// content. Zero means the default of 3; negative disables.
	MaxImageHints int
}

// Extractor runs the HTML distillation pipeline. Safe for concurrent use.
type Extractor struct {
	tables        *domains.Tables
	logger        *slog.Logger
	conv          *converter.Converter
	sanitize      *bluemonday.Policy
	strip         *bluemonday.Policy
	neuroSiphon   bool
	aggressive    bool
	maxImageHints int
	now           func() time.Time
}

// New creates an Extractor backed by the domain tables.
func New(tables *domains.Tables, logger *slog.Logger, cfg Config) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	hints := cfg.MaxImageHints
	if hints == 0 {
		hints = 3
	}
	return &Extractor{
		tables: tables,
		logger: logger,
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		sanitize:      contentPolicy(),
		strip:         bluemonday.StrictPolicy(),
		neuroSiphon:   cfg.NeuroSiphon,
		aggressive:    cfg.AggressiveCode,
		maxImageHints: hints,
		now:           time.Now,
	}
}

// contentPolicy allows structural and content markup through to the
// Markdown converter while dropping scripts, styling, embeds, and page
// chrome together with their contents.
func contentPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"html", "body", "div", "section", "article", "main", "span",
		"p", "a", "img", "h1", "h2", "h3", "h4", "h5", "h6",
		"pre", "code", "blockquote", "ul", "ol", "li",
		"table", "thead", "tbody", "tfoot", "tr", "td", "th",
		"dl", "dd", "dt", "figure", "figcaption", "details", "summary",
		"em", "strong", "b", "i", "u", "s", "sub", "sup", "br", "hr",
	)
	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("src", "alt", "title").OnElements("img")
	p.AllowAttrs("class").OnElements("pre", "code")
	p.SkipElementsContent(
		"script", "style", "noscript", "svg", "canvas", "iframe",
		"form", "button", "nav", "header", "footer", "aside", "template",
	)
	return p
}

// Options are per-page extraction knobs.
type Options struct {
	// ExtractAppState lifts embedded SPA state into clean content even
	// when it yields fewer words than the usual gate.
	ExtractAppState bool
	// AllLinks disables the content-area link filter and returns every
	// document link.
	AllLinks bool
	// StatusCode and ContentType are echoed onto the record.
	StatusCode  int
	ContentType string
}

// Extract distills raw HTML fetched from pageURL into a Record.
func (e *Extractor) Extract(rawHTML []byte, pageURL string, opts Options) (*Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("distill: parse html: %w", err)
	}

	host := urlx.Host(pageURL)
	rec := &Record{
		URL:         pageURL,
		Timestamp:   e.now().UTC().Format(time.RFC3339),
		StatusCode:  opts.StatusCode,
		ContentType: opts.ContentType,
		Domain:      host,
		SourceType:  e.tables.Classify(host),
	}

	e.extractMeta(doc, pageURL, rec)

	rawStr := string(rawHTML)
	tutorial := isTutorialURL(pageURL)
	rec.CodeBlocks = e.extractCodeBlocks(doc, pageURL, tutorial)

	// SPA fast path: a hydration shell with real state beats scraping an
	// empty DOM. Gated on yield so a stray state blob on a normal article
	// page doesn't displace the article.
	spaForced := false
	if looksLikeSPA(rawStr) {
		if state, source := e.embeddedState(doc); state != "" {
			text := e.spaText(state, source)
			if text != "" && (opts.ExtractAppState || wordCount(text) >= spaMinWords) {
				rec.CleanContent = e.cleanNoise(normalizeFragments(text))
				rec.Hydration.JSONFound = true
				spaForced = true
			}
		}
	}

	if !spaForced {
		if ld := jsonLDContent(doc); ld != "" {
			rec.CleanContent = e.cleanNoise(normalizeFragments(e.flattenHTML(ld, pageURL)))
		} else {
			content, ratio := e.cleanContent(rawStr, doc, pageURL, host)
			rec.CleanContent = content
			rec.Hydration.NoiseReductionRatio = ratio
		}
	}

	if wordCount(rec.CleanContent) < ogFallbackWords && rec.OGDescription != "" &&
		wordCount(rec.OGDescription) > wordCount(rec.CleanContent) {
		rec.CleanContent = rec.OGDescription
	}

	rec.Headings = extractHeadings(doc)
	rec.Links = extractLinks(doc, pageURL, opts.AllLinks)
	rec.Images = extractImages(doc, pageURL)

	// State-derived content carries no DOM structure worth reporting; the
	// shell's links and headings describe the app chrome, not the page.
	if spaForced {
		rec.CodeBlocks = nil
		rec.Headings = nil
		rec.Links = nil
		rec.Images = nil
	}

	e.collectEmbedded(doc, rec)

	if !spaForced {
		e.appendImageHints(rec)
	}

	rec.WordCount = wordCount(rec.CleanContent)
	rec.ReadingTimeMin = readingTime(rec.WordCount)
	rec.ExtractionScore = extractionScore(rec)
	rec.ActualChars = len(rec.CleanContent)

	e.logger.Debug("distill: extracted",
		"url", pageURL,
		"words", rec.WordCount,
		"score", rec.ExtractionScore,
		"spa", spaForced,
		"code_blocks", len(rec.CodeBlocks))
	return rec, nil
}

// FromRawText builds a record for raw text media (Markdown, CSV, configs)
// without running HTML extraction. The body becomes the content verbatim
// and the record carries a raw_markdown_url warning so agents know the
// cleaner never ran.
func (e *Extractor) FromRawText(body []byte, pageURL string, opts Options) *Record {
	text := strings.TrimSpace(string(body))
	host := urlx.Host(pageURL)
	rec := &Record{
		URL:          pageURL,
		Title:        rawTextTitle(text, pageURL),
		CleanContent: text,
		Timestamp:    e.now().UTC().Format(time.RFC3339),
		StatusCode:   opts.StatusCode,
		ContentType:  opts.ContentType,
		Language:     "unknown",
		Domain:       host,
		SourceType:   e.tables.Classify(host),
	}
	rec.CodeBlocks = fencedBlocks(text, urlLangHint(pageURL))
	rec.AddWarning(WarnRawMarkdownURL)
	rec.WordCount = wordCount(text)
	rec.ReadingTimeMin = readingTime(rec.WordCount)
	rec.ExtractionScore = extractionScore(rec)
	rec.ActualChars = len(rec.CleanContent)
	return rec
}

// rawTextTitle derives a title from a raw document: the first Markdown
// heading if present, otherwise the file name from the URL path.
func rawTextTitle(text, pageURL string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			title := strings.TrimSpace(strings.TrimLeft(line, "# "))
			if title != "" {
				return title
			}
		}
		break
	}
	if base := path.Base(strings.SplitN(pageURL, "?", 2)[0]); base != "" && base != "/" && base != "." {
		return base
	}
	return "No Title"
}

// flattenHTML converts an HTML fragment to Markdown, falling back to tag
// stripping and then the input itself when conversion fails.
func (e *Extractor) flattenHTML(fragment, pageURL string) string {
	if !strings.ContainsRune(fragment, '<') {
		return fragment
	}
	md, err := e.conv.ConvertString(e.sanitize.Sanitize(fragment), converter.WithDomain(pageURL))
	if err != nil || strings.TrimSpace(md) == "" {
		return strings.TrimSpace(e.strip.Sanitize(fragment))
	}
	return strings.TrimSpace(md)
}

// toMarkdown renders an HTML subtree as Markdown after sanitisation.
// Returns "" when the converter produced nothing usable.
func (e *Extractor) toMarkdown(subtreeHTML, pageURL string) string {
	clean := e.sanitize.Sanitize(subtreeHTML)
	if strings.TrimSpace(clean) == "" {
		return ""
	}
	md, err := e.conv.ConvertString(clean, converter.WithDomain(pageURL))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(md)
}

// appendImageHints adds up to maxImageHints Markdown image references so
// multimodal agents can pull the figures a text answer refers to.
func (e *Extractor) appendImageHints(rec *Record) {
	if e.maxImageHints <= 0 || len(rec.Images) == 0 || rec.CleanContent == "" {
		return
	}
	var lines []string
	for _, img := range rec.Images {
		if len(lines) >= e.maxImageHints {
			break
		}
		label := img.Alt
		if label == "" {
			label = img.Title
		}
		if label == "" {
			label = rec.Title
		}
		if label == "" {
			label = "image"
		}
		lines = append(lines, "!["+label+"]("+img.Src+")")
	}
	if len(lines) == 0 {
		return
	}
	rec.CleanContent += "\n\n### Image Context\n" + strings.Join(lines, "\n")
}
