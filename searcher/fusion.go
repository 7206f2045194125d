package searcher

import (
	"sort"
	"strings"
	"time"

	"github.com/DevsHero/search-scrape/domains"
	"github.com/DevsHero/search-scrape/urlx"
)

const (
	corroborationBonus   = 0.35
	breadcrumbMultiplier = 1.20
	recencyFresh         = 0.25
	recencyYear          = 0.10
	recencyFuture        = 0.05
)

type fusedAcc struct {
	result  Result
	engines map[string]struct{}
}

// fuse deduplicates results across engines by normalized URL, merges their
// metadata, and assigns the confidence score: domain weight times
// breadcrumb boost, plus corroboration and recency bonuses. The score is
// deliberately coarse; the semantic reranker still runs after it.
func fuse(results []Result, query string, tables *domains.Tables) []Result {
	now := time.Now()
	acc := make(map[string]*fusedAcc)
	var order []string

	for _, r := range results {
		if len(r.Breadcrumbs) == 0 {
			r.Breadcrumbs = urlx.Breadcrumbs(r.URL)
		}
		key := urlx.Normalize(r.URL)
		a, ok := acc[key]
		if !ok {
			a = &fusedAcc{result: r, engines: make(map[string]struct{})}
			acc[key] = a
			order = append(order, key)
		} else {
			mergeInto(&a.result, r)
		}
		if r.Engine != "" {
			a.engines[r.Engine] = struct{}{}
		}
		for _, src := range r.EngineSources {
			if strings.TrimSpace(src) != "" {
				a.engines[src] = struct{}{}
			}
		}
	}

	out := make([]Result, 0, len(acc))
	for _, key := range order {
		a := acc[key]
		r := a.result

		sources := make([]string, 0, len(a.engines))
		for e := range a.engines {
			sources = append(sources, e)
		}
		sort.Strings(sources)
		r.EngineSources = sources
		switch len(sources) {
		case 0:
			r.Engine = "unknown"
		case 1:
			r.Engine = sources[0]
		default:
			r.Engine = "multi:" + strings.Join(sources, ",")
		}

		weight := 1.0
		if tables != nil {
			weight = tables.Weight(query, r.Domain, r.SourceType)
			if hasHighValueBreadcrumb(tables, r.Breadcrumbs) {
				weight *= breadcrumbMultiplier
			}
		}
		corroboration := float64(maxInt(len(sources), 1)-1) * corroborationBonus
		r.Score = weight + corroboration + recencyBonus(r.PublishedAt, now)

		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].URL < out[j].URL
	})
	return out
}

// mergeInto folds a duplicate hit into the accumulated result, preferring
// whichever copy has the field populated.
func mergeInto(dst *Result, src Result) {
	if strings.TrimSpace(dst.Title) == "" {
		dst.Title = src.Title
	}
	if strings.TrimSpace(dst.Content) == "" {
		dst.Content = src.Content
	}
	if dst.Domain == "" {
		dst.Domain = src.Domain
	}
	if dst.SourceType == "" {
		dst.SourceType = src.SourceType
	}
	if dst.PublishedAt == "" {
		dst.PublishedAt = src.PublishedAt
	}
	if dst.RichSnippet == "" {
		dst.RichSnippet = src.RichSnippet
	}
	dst.Breadcrumbs = unionBreadcrumbs(dst.Breadcrumbs, src.Breadcrumbs)
}

func unionBreadcrumbs(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var merged []string
	for _, crumb := range append(append([]string{}, a...), b...) {
		k := strings.ToLower(strings.TrimSpace(crumb))
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		merged = append(merged, crumb)
	}
	return merged
}

func hasHighValueBreadcrumb(tables *domains.Tables, crumbs []string) bool {
	for _, c := range crumbs {
		if tables.IsBreadcrumbKeyword(c) {
			return true
		}
	}
	return false
}

var dateLayouts = []string{"2006-01-02", "Jan 2, 2006", "January 2, 2006"}

// recencyBonus rewards recently published results. Future-dated content
// (clock skew, scheduled posts) gets a token bonus rather than zero.
func recencyBonus(published string, now time.Time) float64 {
	published = strings.TrimSpace(published)
	if published == "" {
		return 0
	}
	var ts time.Time
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, published)
		if err == nil {
			ts = t
			break
		}
	}
	if ts.IsZero() {
		return 0
	}

	age := now.Sub(ts)
	switch {
	case age < 0:
		return recencyFuture
	case age <= 30*24*time.Hour:
		return recencyFresh
	case age <= 365*24*time.Hour:
		return recencyYear
	default:
		return 0
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
