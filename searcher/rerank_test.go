package searcher

import "testing"

func TestRerankerPrefersTitleMatches(t *testing.T) {
	r := NewReranker("goroutine scheduler preemption")

	titleHit := Result{
		Title:   "Goroutine Scheduler Preemption Explained",
		Content: "An unrelated introduction paragraph.",
	}
	contentHit := Result{
		Title:   "Runtime Internals",
		Content: "Covers the goroutine scheduler and preemption points in depth.",
	}
	miss := Result{
		Title:   "Cooking With Cast Iron",
		Content: "Skillet maintenance and seasoning.",
	}

	st, sc, sm := r.Score(titleHit), r.Score(contentHit), r.Score(miss)
	if !(st > sc && sc > sm) {
		t.Errorf("score order wrong: title=%.2f content=%.2f miss=%.2f", st, sc, sm)
	}

	out := r.RerankTop([]Result{miss, contentHit, titleHit}, 2)
	if len(out) != 2 {
		t.Fatalf("top n = %d, want 2", len(out))
	}
	if out[0].Title != titleHit.Title {
		t.Errorf("first = %q, want the title match", out[0].Title)
	}
}

func TestRerankerEmptyQueryIsNeutral(t *testing.T) {
	r := NewReranker("of to")
	if got := r.Score(Result{Title: "Anything"}); got != 0.5 {
		t.Errorf("score = %.2f, want neutral 0.5", got)
	}
}

func TestBoostByEarlyKeywords(t *testing.T) {
	early := Result{
		URL:     "https://a.test",
		Content: "Rate limiting with token buckets keeps upstream services healthy under load.",
		Score:   1.0,
	}
	late := Result{
		URL:     "https://b.test",
		Content: "This page is an index of assorted engineering notes collected over years.",
		Score:   1.0,
	}

	out := boostByEarlyKeywords([]Result{late, early}, "token bucket rate limiting")
	if out[0].URL != early.URL {
		t.Errorf("first = %s, want the snippet leading with query terms", out[0].URL)
	}
	if out[0].Score != 1.0 {
		t.Errorf("stored score mutated: %.2f", out[0].Score)
	}
}
