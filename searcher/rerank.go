package searcher

import (
	"sort"
	"strings"
	"unicode"
)

// Reranker orders results by lexical overlap with the query. Title hits
// count double what body hits do, and the final score blends normalized
// overlap with the plain match ratio so long queries are not penalized.
type Reranker struct {
	queryTokens []string
}

// NewReranker tokenizes the query once for reuse across results.
func NewReranker(query string) *Reranker {
	return &Reranker{queryTokens: tokenize(query)}
}

const (
	titleTokenWeight   = 0.4
	contentTokenWeight = 0.2
)

// tokenize lowercases and splits on non-alphanumerics, dropping tokens of
// two characters or fewer.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range tokenize(text) {
		set[t] = struct{}{}
	}
	return set
}

// Score rates one result in [0, 1].
func (r *Reranker) Score(res Result) float64 {
	if len(r.queryTokens) == 0 {
		return 0.5
	}

	title := tokenSet(res.Title)
	content := tokenSet(res.Content)

	var score float64
	matches := 0
	for _, qt := range r.queryTokens {
		if _, ok := title[qt]; ok {
			score += titleTokenWeight
			matches++
		} else if _, ok := content[qt]; ok {
			score += contentTokenWeight
			matches++
		}
	}

	maxScore := float64(len(r.queryTokens)) * titleTokenWeight
	normalized := score / maxScore
	if normalized > 1 {
		normalized = 1
	}
	matchRatio := float64(matches) / float64(len(r.queryTokens))

	final := (normalized + matchRatio) / 2
	if final > 1 {
		final = 1
	}
	if final < 0 {
		final = 0
	}
	return final
}

// RerankTop sorts results by relevance to the query and keeps the top N.
// Fusion scores on the results are left untouched.
func (r *Reranker) RerankTop(results []Result, topN int) []Result {
	type scored struct {
		res   Result
		score float64
	}
	all := make([]scored, len(results))
	for i, res := range results {
		all[i] = scored{res: res, score: r.Score(res)}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })

	if topN > 0 && len(all) > topN {
		all = all[:topN]
	}
	out := make([]Result, len(all))
	for i, s := range all {
		out[i] = s.res
	}
	return out
}

const earlyKeywordWindow = 200

// boostByEarlyKeywords reorders results so that snippets leading with the
// query's own terms come first. Each early match adds a 20% multiplier on
// the fusion score; the stored scores stay as fusion computed them.
func boostByEarlyKeywords(results []Result, query string) []Result {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return results
	}

	type boosted struct {
		res   Result
		boost float64
	}
	all := make([]boosted, len(results))
	for i, res := range results {
		preview := strings.ToLower(clipChars(res.Content, earlyKeywordWindow))
		matches := 0
		for _, t := range queryTokens {
			if strings.Contains(preview, t) {
				matches++
			}
		}
		boost := res.Score
		if boost == 0 {
			boost = 1
		}
		if matches > 0 {
			boost *= 1 + float64(matches)*0.2
		}
		all[i] = boosted{res: res, boost: boost}
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].boost > all[j].boost })
	out := make([]Result, len(all))
	for i, b := range all {
		out[i] = b.res
	}
	return out
}

func clipChars(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
