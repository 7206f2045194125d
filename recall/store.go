// Package recall is the semantic research memory: every search and scrape
// is logged with an embedding of its summary, and agents query it back by
// hybrid similarity before spending live fetches.
package recall

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/DevsHero/search-scrape/dbopen"
	"github.com/DevsHero/search-scrape/embedding"
	"github.com/DevsHero/search-scrape/idgen"
)

// Kind distinguishes the two entry families.
type Kind string

const (
	KindSearch Kind = "search"
	KindScrape Kind = "scrape"
)

// Schema creates the history table. Vectors are stored per row with their
// dimension so an embedder swap degrades to skipped rows, not garbage
// similarities.
const Schema = `
CREATE TABLE IF NOT EXISTS research_history (
    id          TEXT PRIMARY KEY,
    kind        TEXT NOT NULL CHECK (kind IN ('search', 'scrape')),
    query       TEXT NOT NULL,
    topic       TEXT NOT NULL,
    summary     TEXT NOT NULL,
    full_result TEXT NOT NULL DEFAULT '{}',
    domain      TEXT NOT NULL DEFAULT '',
    vector      BLOB NOT NULL,
    dim         INTEGER NOT NULL,
    created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_research_history_kind_time
    ON research_history (kind, created_at DESC);
`

// Entry is one memory row.
type Entry struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"entry_type"`
	Query      string          `json:"query"`
	Topic      string          `json:"topic"`
	Summary    string          `json:"summary"`
	FullResult json.RawMessage `json:"full_result,omitempty"`
	Domain     string          `json:"domain,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Match is an entry scored against a recall query.
type Match struct {
	Entry
	Score        float64 `json:"similarity_score"`
	MatchQuality string  `json:"match_quality"`
}

const (
	maxStoredChars = 15000
	scanLimit      = 1000
	keywordBoost   = 0.15

	rapidWindow     = 5 * time.Minute
	rapidMinEntries = 2

	duplicateThreshold = 0.9

	// skip_live_fetch guard: a cached scrape only substitutes for a live
	// fetch when it is similar enough and was a real page, not a shell.
	skipFetchSimilarity = 0.60
	skipFetchMinWords   = 50
)

// Store persists and recalls research history.
type Store struct {
	db     *sql.DB
	emb    embedding.Embedder
	logger *slog.Logger
	newID  idgen.Generator
	now    func() time.Time
}

// New wires a Store over an opened database. The schema must have been
// applied via dbopen.WithSchema(recall.Schema).
func New(db *sql.DB, emb embedding.Embedder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		emb:    emb,
		logger: logger.With("component", "recall"),
		newID:  idgen.UUIDv7(),
		now:    time.Now,
	}
}

// LogSearch records a completed search with its fused result list.
func (s *Store) LogSearch(ctx context.Context, query string, results any, count int) error {
	return s.store(ctx, Entry{
		Kind:    KindSearch,
		Query:   query,
		Topic:   deriveTopic(query, KindSearch),
		Summary: fmt.Sprintf("Search: %s (%d results)", query, count),
	}, results)
}

// LogScrape records a completed scrape. Callers must not log auth-walled
// or captcha pages; that guard lives in the scrape controller.
func (s *Store) LogScrape(ctx context.Context, url, title, preview, domain string, result any) error {
	summary := fmt.Sprintf("Scraped: %s - %s", url, preview)
	if title != "" {
		summary = fmt.Sprintf("Scraped: %s - %s", title, preview)
	}
	return s.store(ctx, Entry{
		Kind:    KindScrape,
		Query:   url,
		Topic:   deriveTopic(url, KindScrape),
		Summary: summary,
		Domain:  domain,
	}, result)
}

func (s *Store) store(ctx context.Context, e Entry, fullResult any) error {
	full, err := windowContent(fullResult)
	if err != nil {
		return fmt.Errorf("recall: encode full result: %w", err)
	}

	// Searches are recalled by query text, scrapes by their title and
	// preview. Embedding the text a later probe will actually resemble is
	// what lets the 0.9 duplicate threshold fire on repeat queries.
	text := e.Summary
	if e.Kind == KindSearch {
		text = e.Query
	}
	vec, err := s.emb.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("recall: embed entry: %w", err)
	}

	e.ID = s.newID()
	e.Timestamp = s.now()

	_, err = dbopen.Exec(ctx, s.db, `
		INSERT INTO research_history (id, kind, query, topic, summary, full_result, domain, vector, dim, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), e.Query, e.Topic, e.Summary, string(full), e.Domain,
		embedding.SerializeVector(vec), len(vec), e.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("recall: insert entry: %w", err)
	}
	s.logger.Info("stored history entry", "id", e.ID, "kind", e.Kind, "topic", e.Topic)
	return nil
}

// windowContent marshals the payload and truncates oversized results so a
// single rich scrape cannot dominate later recall responses.
func windowContent(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage(`{}`), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(raw) <= maxStoredChars {
		return raw, nil
	}

	runes := []rune(string(raw))
	if len(runes) > maxStoredChars {
		runes = runes[:maxStoredChars]
	}
	wrapped, err := json.Marshal(map[string]any{
		"content": string(runes),
		"_truncated": map[string]any{
			"original_size": len(raw),
			"truncated_at":  maxStoredChars,
			"reason":        "context_windowing",
		},
	})
	if err != nil {
		return nil, err
	}
	return wrapped, nil
}

// deriveTopic takes the first five meaningful words as a cheap topic key.
func deriveTopic(query string, kind Kind) string {
	var words []string
	for _, w := range strings.Fields(query) {
		if len(w) > 3 {
			words = append(words, w)
		}
		if len(words) == 5 {
			break
		}
	}
	if len(words) == 0 {
		if kind == KindScrape {
			return "general_scrape"
		}
		return "general_search"
	}
	return strings.ToLower(strings.Join(words, " "))
}

// SearchHistory runs hybrid recall: cosine similarity over the stored
// summary vectors plus a keyword boost for literal matches in the query,
// summary, or topic text. kind "" searches both families. An empty query
// scans newest-first without scoring, for analytics helpers.
func (s *Store) SearchHistory(ctx context.Context, query string, limit int, threshold float64, kind Kind) ([]Match, error) {
	if limit <= 0 {
		limit = 10
	}

	if strings.TrimSpace(query) == "" {
		entries, err := s.scan(ctx, limit, kind)
		if err != nil {
			return nil, err
		}
		out := make([]Match, len(entries))
		for i, e := range entries {
			out[i] = Match{Entry: e, MatchQuality: matchQuality(0)}
		}
		return out, nil
	}

	queryVec, err := s.emb.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("recall: embed query: %w", err)
	}
	keywords := strings.Fields(strings.ToLower(query))

	rows, err := s.queryRows(ctx, scanLimit, kind)
	if err != nil {
		return nil, err
	}

	var matches []Match
	for _, row := range rows {
		if row.dim != len(queryVec) {
			// Embedder changed since this row was written.
			continue
		}
		score := embedding.CosineSimilarity(queryVec, embedding.DeserializeVector(row.vector))

		if len(keywords) > 0 {
			text := strings.ToLower(row.entry.Query + " " + row.entry.Summary + " " + row.entry.Topic)
			hits := 0
			for _, kw := range keywords {
				if strings.Contains(text, kw) {
					hits++
				}
			}
			if hits > 0 {
				score += float64(hits) / float64(len(keywords)) * keywordBoost
				if score > 1 {
					score = 1
				}
			}
		}

		if score >= threshold {
			matches = append(matches, Match{
				Entry:        row.entry,
				Score:        score,
				MatchQuality: matchQuality(score),
			})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func matchQuality(score float64) string {
	switch {
	case score >= 0.9:
		return "Exact Match"
	case score >= 0.7:
		return "High Match"
	case score >= 0.5:
		return "Partial Match"
	default:
		return "Low Match"
	}
}

// FindRecentDuplicate reports a prior near-identical search within the
// lookback window, if any.
func (s *Store) FindRecentDuplicate(ctx context.Context, query string, hoursBack int) (*Entry, float64, error) {
	matches, err := s.SearchHistory(ctx, query, 5, duplicateThreshold, KindSearch)
	if err != nil {
		return nil, 0, err
	}
	cutoff := s.now().Add(-time.Duration(hoursBack) * time.Hour)
	for _, m := range matches {
		if m.Timestamp.After(cutoff) {
			e := m.Entry
			return &e, m.Score, nil
		}
	}
	return nil, 0, nil
}

// IsRapidTesting reports whether the URL was scraped at least twice in the
// last five minutes, which marks an agent iterating on extraction rather
// than researching. Callers bypass the result cache in that mode. The
// check is exact URL equality; similarity has nothing to add here.
func (s *Store) IsRapidTesting(ctx context.Context, url string) (bool, error) {
	cutoff := s.now().Add(-rapidWindow).UnixMilli()
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM research_history
		WHERE kind = ? AND query = ? AND created_at > ?`,
		string(KindScrape), url, cutoff).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("recall: rapid-testing check: %w", err)
	}
	return n >= rapidMinEntries, nil
}

// TopDomains counts scraped domains across the whole history.
func (s *Store) TopDomains(ctx context.Context, limit int) ([]DomainCount, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, COUNT(*) AS n
		FROM research_history
		WHERE domain != ''
		GROUP BY domain
		ORDER BY n DESC, domain ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recall: top domains: %w", err)
	}
	defer rows.Close()

	var out []DomainCount
	for rows.Next() {
		var dc DomainCount
		if err := rows.Scan(&dc.Domain, &dc.Count); err != nil {
			return nil, fmt.Errorf("recall: scan domain count: %w", err)
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}

// DomainCount is one TopDomains aggregate.
type DomainCount struct {
	Domain string `json:"domain"`
	Count  int    `json:"count"`
}

// Stats returns the total entry count.
func (s *Store) Stats(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM research_history`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("recall: count entries: %w", err)
	}
	return n, nil
}

type historyRow struct {
	entry  Entry
	vector []byte
	dim    int
}

func (s *Store) queryRows(ctx context.Context, limit int, kind Kind) ([]historyRow, error) {
	q := `
		SELECT id, kind, query, topic, summary, full_result, domain, vector, dim, created_at
		FROM research_history`
	args := []any{}
	if kind != "" {
		q += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("recall: query history: %w", err)
	}
	defer rows.Close()

	var out []historyRow
	for rows.Next() {
		var (
			r       historyRow
			kindStr string
			full    string
			millis  int64
		)
		if err := rows.Scan(&r.entry.ID, &kindStr, &r.entry.Query, &r.entry.Topic,
			&r.entry.Summary, &full, &r.entry.Domain, &r.vector, &r.dim, &millis); err != nil {
			return nil, fmt.Errorf("recall: scan row: %w", err)
		}
		r.entry.Kind = Kind(kindStr)
		r.entry.FullResult = json.RawMessage(full)
		r.entry.Timestamp = time.UnixMilli(millis)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) scan(ctx context.Context, limit int, kind Kind) ([]Entry, error) {
	rows, err := s.queryRows(ctx, limit, kind)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, len(rows))
	for i, r := range rows {
		entries[i] = r.entry
	}
	return entries, nil
}
