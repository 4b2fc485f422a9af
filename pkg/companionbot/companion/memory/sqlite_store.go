// Package memory – sqlite_store.go is the hybrid retrieval engine: an
// SQLite FTS5 keyword index persisted as a sidecar file plus an in-memory
// dense-vector cache, fused by weighted scoring. Both indices cover the
// same chunk set and are invalidated together on reindex.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// defaultVectorWeight and defaultKeywordWeight control fusion.
	defaultVectorWeight  = 0.7
	defaultKeywordWeight = 0.3

	// vectorMinScore filters weak cosine matches during hybrid fetch.
	vectorMinScore = 0.2

	// dedupPrefixLen is the text prefix length of the coarse dedup key.
	dedupPrefixLen = 100
)

// SearchResult is one hybrid (or single-index) search hit.
type SearchResult struct {
	ID     string
	Source string
	Text   string
	Score  float64 // fused score for hybrid, raw score otherwise
}

// vectorCacheEntry pairs a chunk with its embedding.
type vectorCacheEntry struct {
	chunk Chunk
	vec   []float32
}

// HybridIndex indexes memory chunks for keyword (FTS5 BM25) and vector
// (cosine) retrieval.
type HybridIndex struct {
	db       *sql.DB
	embedder EmbeddingProvider
	logger   *slog.Logger

	ftsAvailable bool

	mu         sync.Mutex
	vectorOK   bool // cache is warm
	vectorCache []vectorCacheEntry

	vectorWeight  float64
	keywordWeight float64
}

// NewHybridIndex opens (or creates) the FTS sidecar database at path and
// prepares the schema. embedder may be NullEmbedder to run keyword-only.
func NewHybridIndex(path string, embedder EmbeddingProvider, logger *slog.Logger) (*HybridIndex, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open fts index: %w", err)
	}

	idx := &HybridIndex{
		db:            db,
		embedder:      embedder,
		logger:        logger.With("component", "hybrid_index"),
		vectorWeight:  defaultVectorWeight,
		keywordWeight: defaultKeywordWeight,
	}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// Close closes the underlying database.
func (x *HybridIndex) Close() error { return x.db.Close() }

func (x *HybridIndex) initSchema() error {
	if _, err := x.db.Exec(`
		CREATE TABLE IF NOT EXISTS chunks (
			id     TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			text   TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("create chunks table: %w", err)
	}

	// FTS5 may be unavailable in some builds; fall back to LIKE matching.
	_, err := x.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			text,
			content='chunks',
			content_rowid='rowid',
			tokenize='porter unicode61'
		)`)
	if err != nil {
		x.logger.Warn("FTS5 unavailable, falling back to LIKE search", "error", err)
		x.ftsAvailable = false
		return nil
	}
	x.ftsAvailable = true

	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
			INSERT INTO chunks_fts(rowid, text) VALUES (new.rowid, new.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
			INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
			INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
			INSERT INTO chunks_fts(rowid, text) VALUES (new.rowid, new.text);
		END`,
	}
	for _, t := range triggers {
		if _, err := x.db.Exec(t); err != nil {
			return fmt.Errorf("create fts trigger: %w", err)
		}
	}
	return nil
}

// ReindexAll replaces the whole chunk set in one transaction and
// invalidates the vector cache. The vector side rebuilds lazily on the
// next query.
func (x *HybridIndex) ReindexAll(chunks []Chunk) error {
	tx, err := x.db.Begin()
	if err != nil {
		return fmt.Errorf("begin reindex: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM chunks`); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO chunks (id, source, text) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, c := range chunks {
		if _, err := stmt.Exec(c.ID, c.Source, c.Text); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reindex: %w", err)
	}

	x.Invalidate()
	x.logger.Info("reindexed memory chunks", "count", len(chunks))
	return nil
}

// Invalidate marks the vector cache stale; it rebuilds single-flight on
// the next vector query.
func (x *HybridIndex) Invalidate() {
	x.mu.Lock()
	x.vectorOK = false
	x.vectorCache = nil
	x.mu.Unlock()
}

// Count returns the number of indexed chunks.
func (x *HybridIndex) Count() (int, error) {
	var n int
	err := x.db.QueryRow(`SELECT COUNT(*) FROM chunks`).Scan(&n)
	return n, err
}

// allChunks loads every chunk ordered by id.
func (x *HybridIndex) allChunks() ([]Chunk, error) {
	rows, err := x.db.Query(`SELECT id, source, text FROM chunks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.Source, &c.Text); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// sanitizeFTSQuery normalizes a free-text query into a safe FTS5 MATCH
// expression: strip everything but letters, digits, and Hangul; quote
// each token; join with OR.
func sanitizeFTSQuery(query string) string {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return r
		}
		return ' '
	}, query)

	fields := strings.Fields(clean)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + f + `"`
	}
	return strings.Join(quoted, " OR ")
}

// KeywordHit is one BM25 match; lower Rank is better.
type KeywordHit struct {
	Chunk Chunk
	Rank  float64
}

// KeywordSearch runs a BM25 query (or LIKE fallback) over the chunk set.
func (x *HybridIndex) KeywordSearch(query string, limit int) ([]KeywordHit, error) {
	if limit <= 0 {
		limit = 10
	}
	if !x.ftsAvailable {
		return x.likeSearch(query, limit)
	}

	match := sanitizeFTSQuery(query)
	if match == "" {
		return nil, nil
	}
	rows, err := x.db.Query(`
		SELECT c.id, c.source, c.text, bm25(chunks_fts) AS rank
		FROM chunks_fts
		JOIN chunks c ON c.rowid = chunks_fts.rowid
		WHERE chunks_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	var hits []KeywordHit
	for rows.Next() {
		var h KeywordHit
		if err := rows.Scan(&h.Chunk.ID, &h.Chunk.Source, &h.Chunk.Text, &h.Rank); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// likeSearch is the degraded path when FTS5 is not compiled in.
func (x *HybridIndex) likeSearch(query string, limit int) ([]KeywordHit, error) {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return nil, nil
	}
	var conds []string
	var args []any
	for _, f := range fields {
		conds = append(conds, "text LIKE ?")
		args = append(args, "%"+f+"%")
	}
	args = append(args, limit)
	rows, err := x.db.Query(
		`SELECT id, source, text FROM chunks WHERE `+strings.Join(conds, " OR ")+` LIMIT ?`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var hits []KeywordHit
	for rows.Next() {
		var h KeywordHit
		if err := rows.Scan(&h.Chunk.ID, &h.Chunk.Source, &h.Chunk.Text); err != nil {
			return nil, err
		}
		h.Rank = 0 // LIKE has no ranking
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// warmVectorCache (re)builds the embedding cache from the chunk table.
// Single-flight: callers serialize on the index mutex.
func (x *HybridIndex) warmVectorCache(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.vectorOK {
		return nil
	}

	chunks, err := x.allChunks()
	if err != nil {
		return fmt.Errorf("load chunks for vector cache: %w", err)
	}
	if len(chunks) == 0 {
		x.vectorCache = nil
		x.vectorOK = true
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := x.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(vecs) != len(chunks) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vecs), len(chunks))
	}

	cache := make([]vectorCacheEntry, len(chunks))
	for i := range chunks {
		cache[i] = vectorCacheEntry{chunk: chunks[i], vec: vecs[i]}
	}
	x.vectorCache = cache
	x.vectorOK = true
	x.logger.Debug("vector cache warmed",
		"chunks", len(chunks), "provider", x.embedder.Name(), "model", x.embedder.Model())
	return nil
}

// VectorHit is one cosine-similarity match; higher Score is better.
type VectorHit struct {
	Chunk Chunk
	Score float64
}

// VectorSearch embeds the query and returns the topK chunks with cosine
// similarity above minScore.
func (x *HybridIndex) VectorSearch(ctx context.Context, query string, topK int, minScore float64) ([]VectorHit, error) {
	if err := x.warmVectorCache(ctx); err != nil {
		return nil, err
	}
	qvecs, err := x.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	qvec := qvecs[0]

	x.mu.Lock()
	cache := x.vectorCache
	x.mu.Unlock()

	var hits []VectorHit
	for _, e := range cache {
		score := cosineSimilarity(qvec, e.vec)
		if score >= minScore {
			hits = append(hits, VectorHit{Chunk: e.chunk, Score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// VectorCacheSize returns the number of cached embeddings (0 when cold).
func (x *HybridIndex) VectorCacheSize() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.vectorCache)
}

// HybridSearch runs keyword and vector retrieval in parallel and fuses
// them. Both sides fetch 2·topK candidates; BM25 ranks are linearly
// rescaled to [0,1] against the fetched batch and inverted (lower rank =
// higher score); the fused score is vectorWeight·vector +
// keywordWeight·keyword. Results are deduplicated by source plus a
// 100-character text prefix.
func (x *HybridIndex) HybridSearch(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	if topK <= 0 {
		topK = 5
	}
	fetch := 2 * topK

	type kwOut struct {
		hits []KeywordHit
		err  error
	}
	type vecOut struct {
		hits []VectorHit
		err  error
	}
	kwCh := make(chan kwOut, 1)
	vecCh := make(chan vecOut, 1)

	go func() {
		hits, err := x.KeywordSearch(query, fetch)
		kwCh <- kwOut{hits, err}
	}()
	go func() {
		hits, err := x.VectorSearch(ctx, query, fetch, vectorMinScore)
		vecCh <- vecOut{hits, err}
	}()

	kw := <-kwCh
	vec := <-vecCh

	// A failing side degrades the search rather than failing it, unless
	// both sides fail.
	if kw.err != nil && vec.err != nil {
		return nil, fmt.Errorf("hybrid search failed: keyword: %v; vector: %v", kw.err, vec.err)
	}
	if kw.err != nil {
		x.logger.Warn("keyword search failed, using vector only", "error", kw.err)
	}
	if vec.err != nil {
		x.logger.Debug("vector search unavailable, using keyword only", "error", vec.err)
	}

	fused := make(map[string]*SearchResult)
	key := func(c Chunk) string {
		prefix := c.Text
		if len(prefix) > dedupPrefixLen {
			prefix = prefix[:dedupPrefixLen]
		}
		return c.Source + "|" + prefix
	}

	for _, h := range vec.hits {
		k := key(h.Chunk)
		fused[k] = &SearchResult{
			ID:     h.Chunk.ID,
			Source: h.Chunk.Source,
			Text:   h.Chunk.Text,
			Score:  x.vectorWeight * h.Score,
		}
	}

	for _, h := range kw.hits {
		norm := normalizeRank(h.Rank, kw.hits)
		k := key(h.Chunk)
		if r, ok := fused[k]; ok {
			r.Score += x.keywordWeight * norm
		} else {
			fused[k] = &SearchResult{
				ID:     h.Chunk.ID,
				Source: h.Chunk.Source,
				Text:   h.Chunk.Text,
				Score:  x.keywordWeight * norm,
			}
		}
	}

	results := make([]SearchResult, 0, len(fused))
	for _, r := range fused {
		results = append(results, *r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// normalizeRank rescales a BM25 rank to [0,1] against the batch's
// min/max and inverts it so lower ranks score higher. A single-element
// batch scores 1.
func normalizeRank(rank float64, batch []KeywordHit) float64 {
	if len(batch) == 0 {
		return 0
	}
	min, max := batch[0].Rank, batch[0].Rank
	for _, h := range batch {
		if h.Rank < min {
			min = h.Rank
		}
		if h.Rank > max {
			max = h.Rank
		}
	}
	if max == min {
		return 1
	}
	return 1 - (rank-min)/(max-min)
}
