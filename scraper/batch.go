package scraper

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DevsHero/search-scrape/distill"
)

// BatchParams fans one scrape configuration across many URLs.
type BatchParams struct {
	URLs            []string
	MaxConcurrent   int
	MaxCharsPerPage int
	UseProxy        bool
	Query           string
	StrictRelevance bool
}

// BatchItem is one URL's outcome inside a batch. Exactly one of Data,
// NeedHITL, or Error is meaningful.
type BatchItem struct {
	URL        string          `json:"url"`
	Success    bool            `json:"success"`
	Data       *distill.Record `json:"data,omitempty"`
	NeedHITL   *NeedHITL       `json:"need_hitl,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// BatchResult aggregates a whole batch, results in input order.
type BatchResult struct {
	Total           int         `json:"total"`
	Succeeded       int         `json:"succeeded"`
	Failed          int         `json:"failed"`
	Results         []BatchItem `json:"results"`
	TotalDurationMS int64       `json:"total_duration_ms"`
}

// ScrapeBatch scrapes every URL with bounded concurrency. Individual
// failures land in their slot; only a cancelled context fails the batch.
func (s *Service) ScrapeBatch(ctx context.Context, p BatchParams) (*BatchResult, error) {
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = 3
	}
	start := time.Now()

	items := make([]BatchItem, len(p.URLs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.MaxConcurrent)

	for i, u := range p.URLs {
		g.Go(func() error {
			itemStart := time.Now()
			res, err := s.Scrape(gctx, Params{
				URL:             u,
				UseProxy:        p.UseProxy,
				Query:           p.Query,
				StrictRelevance: p.StrictRelevance,
			})
			item := BatchItem{URL: u, DurationMS: time.Since(itemStart).Milliseconds()}
			switch {
			case err != nil:
				item.Error = err.Error()
			case res.NeedHITL != nil:
				item.NeedHITL = res.NeedHITL
			default:
				item.Success = true
				item.Data = capItem(res.Record, p.MaxCharsPerPage)
			}
			items[i] = item
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &BatchResult{
		Total:           len(items),
		Results:         items,
		TotalDurationMS: time.Since(start).Milliseconds(),
	}
	for _, it := range items {
		if it.Success {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}
	return out, nil
}

// capItem clips a copy of the record to the per-page budget so one heavy
// page cannot dominate a batch response. The cached original stays whole;
// a capped copy carries the truncation warning.
func capItem(rec *distill.Record, maxChars int) *distill.Record {
	if maxChars <= 0 {
		return rec
	}
	clipped := cloneRecord(rec)
	if _, err := distill.Cap(clipped, maxChars, ""); err != nil {
		return rec
	}
	return clipped
}
