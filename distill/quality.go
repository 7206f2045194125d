package distill

// extractionScore rates how much structure the pipeline recovered, in
// [0, 1]. The weights favour substantial prose with provenance: half the
// score needs a dated page of at least 50 words, and the length band
// rewards article-sized content over both stubs and unbounded dumps.
//
// Callers compare the score against their re-render threshold; a shell
// page scoring near zero is what triggers the browser attempt.
func extractionScore(rec *Record) float64 {
	score := 0.0
	if rec.WordCount >= 50 {
		score += 0.3
	}
	if rec.PublishedAt != "" {
		score += 0.2
	}
	if len(rec.CodeBlocks) > 0 {
		score += 0.2
	}
	if len(rec.Headings) > 0 {
		score += 0.15
	}
	if rec.WordCount >= 500 && rec.WordCount <= 2000 {
		score += 0.15
	}
	return score
}
