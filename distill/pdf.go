package distill

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/DevsHero/search-scrape/urlx"
)

// FromPDF distills a fetched PDF into a record: one content paragraph per
// page, the first line as title, and a pdf_source warning so agents know
// layout and figures were lost. Returns an error when the document parses
// but yields no text (scanned image PDFs).
func (e *Extractor) FromPDF(data []byte, pageURL string, opts Options) (*Record, error) {
	pdfCtx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return nil, fmt.Errorf("distill: read pdf: %w", err)
	}

	var pages []string
	title := ""
	for pageNr := 1; pageNr <= pdfCtx.PageCount; pageNr++ {
		text := pdfPageText(pdfCtx, pageNr)
		if text == "" {
			continue
		}
		if title == "" {
			title = pdfTitle(text)
		}
		pages = append(pages, text)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("distill: pdf has no extractable text")
	}

	host := urlx.Host(pageURL)
	rec := &Record{
		URL:          pageURL,
		Title:        title,
		CleanContent: strings.Join(pages, "\n\n"),
		Timestamp:    e.now().UTC().Format(time.RFC3339),
		StatusCode:   opts.StatusCode,
		ContentType:  "application/pdf",
		Language:     "unknown",
		Domain:       host,
		SourceType:   e.tables.Classify(host),
	}
	rec.AddWarning(WarnPDFSource)
	rec.WordCount = wordCount(rec.CleanContent)
	rec.ReadingTimeMin = readingTime(rec.WordCount)
	rec.ExtractionScore = extractionScore(rec)
	rec.ActualChars = len(rec.CleanContent)

	e.logger.Debug("distill: pdf extracted",
		"url", pageURL, "pages", pdfCtx.PageCount, "words", rec.WordCount)
	return rec, nil
}

// pdfTitle takes the first non-empty line, capped at 200 bytes.
func pdfTitle(pageText string) string {
	for _, line := range strings.Split(pageText, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		return truncateUTF8(line, 200)
	}
	return ""
}

// pdfPageText extracts one page's text from its content stream.
func pdfPageText(pdfCtx *model.Context, pageNr int) string {
	r, err := pdfcpu.ExtractPageContent(pdfCtx, pageNr)
	if err != nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return ""
	}
	return pdfStreamText(data)
}

// pdfLiteralRe matches PDF string literals: (text here)
var pdfLiteralRe = regexp.MustCompile(`\(([^)]*)\)`)

// pdfStreamText walks a page content stream and assembles the text shown
// by its operators: Tj/TJ/' draw string literals, Td/TD reposition (a
// space), T* starts a new line.
func pdfStreamText(data []byte) string {
	var sb strings.Builder
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		switch {
		case bytes.HasSuffix(line, []byte("Tj")) || bytes.HasSuffix(line, []byte("TJ")):
			writePDFLiterals(&sb, line, false)
		case bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")):
			writePDFLiterals(&sb, line, true)
		case bytes.HasSuffix(line, []byte("Td")) || bytes.HasSuffix(line, []byte("TD")):
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
		case bytes.Equal(line, []byte("T*")):
			sb.WriteByte('\n')
		}
	}
	return cleanPDFText(sb.String())
}

// writePDFLiterals decodes and appends every string literal on an
// operator line. newline prefixes each literal for the ' operator, which
// moves to the next text line before showing.
func writePDFLiterals(sb *strings.Builder, line []byte, newline bool) {
	for _, m := range pdfLiteralRe.FindAllSubmatch(line, -1) {
		text := decodePDFLiteral(m[1])
		if text == "" {
			continue
		}
		if newline {
			sb.WriteByte('\n')
		}
		sb.WriteString(text)
	}
}

// decodePDFLiteral resolves PDF string escapes, including octal codes.
func decodePDFLiteral(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 >= len(raw) {
			sb.WriteByte(raw[i])
			continue
		}
		i++
		switch raw[i] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case '\\', '(', ')':
			sb.WriteByte(raw[i])
		default:
			if raw[i] >= '0' && raw[i] <= '7' {
				val := int(raw[i] - '0')
				for n := 0; n < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; n++ {
					i++
					val = val*8 + int(raw[i]-'0')
				}
				sb.WriteByte(byte(val))
			} else {
				sb.WriteByte(raw[i])
			}
		}
	}
	return sb.String()
}

// cleanPDFText collapses whitespace and drops non-printable glyphs left
// over from encoding tricks.
func cleanPDFText(text string) string {
	var sb strings.Builder
	prevSpace := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			if !prevSpace && sb.Len() > 0 {
				sb.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsPrint(r):
			sb.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(sb.String())
}
