package scraper

import (
	"context"

	"github.com/DevsHero/search-scrape/distill"
)

// ExtractParams drives schema extraction: scrape the page, then project
// the requested fields out of the record.
type ExtractParams struct {
	URL          string
	Fields       []distill.Field
	Prompt       string
	PreviewChars int
	UseProxy     bool
}

// ExtractOutcome is either a schema projection or a HITL hand-off.
type ExtractOutcome struct {
	Schema   *distill.SchemaResult `json:"schema,omitempty"`
	NeedHITL *NeedHITL             `json:"need_hitl,omitempty"`
}

// ExtractStructured scrapes the URL through the full ladder and projects
// the schema. Fields given explicitly win; otherwise they are parsed from
// the prompt; an empty prompt gets the auto field set.
func (s *Service) ExtractStructured(ctx context.Context, p ExtractParams) (*ExtractOutcome, error) {
	fields := p.Fields
	if len(fields) == 0 && p.Prompt != "" {
		fields = distill.ParseSchemaPrompt(p.Prompt)
	}

	res, err := s.Scrape(ctx, Params{URL: p.URL, UseProxy: p.UseProxy})
	if err != nil {
		return nil, err
	}
	if res.NeedHITL != nil {
		return &ExtractOutcome{NeedHITL: res.NeedHITL}, nil
	}

	return &ExtractOutcome{
		Schema: distill.ProjectSchema(res.Record, fields, p.Prompt, p.PreviewChars),
	}, nil
}

// cloneRecord copies a record deeply enough that the payload capper can
// mutate the copy without corrupting the cached original.
func cloneRecord(rec *distill.Record) *distill.Record {
	if rec == nil {
		return nil
	}
	c := *rec
	c.Headings = append([]distill.Heading(nil), rec.Headings...)
	c.Links = append([]distill.Link(nil), rec.Links...)
	c.Images = append([]distill.Image(nil), rec.Images...)
	c.CodeBlocks = append([]distill.CodeBlock(nil), rec.CodeBlocks...)
	c.EmbeddedSources = append([]distill.EmbeddedSource(nil), rec.EmbeddedSources...)
	c.Warnings = append([]string(nil), rec.Warnings...)
	if rec.MaxCharsLimit != nil {
		v := *rec.MaxCharsLimit
		c.MaxCharsLimit = &v
	}
	if rec.Hydration.SettleTimeMS != nil {
		v := *rec.Hydration.SettleTimeMS
		c.Hydration.SettleTimeMS = &v
	}
	return &c
}
