package store

import (
	"context"
	"strings"
)

// FTSSearch runs a full-text query over chunk content and returns
// (chunk_id, bm25_score) pairs ordered ascending by score (FTS5 reports
// lower as better). When FTS5 was unavailable at schema-create time the
// query goes to the fallback lexical index; with no fallback it degrades to
// an empty result.
func (s *Store) FTSSearch(ctx context.Context, query string, limit int, project string) ([]*FTSHit, error) {
	if strings.TrimSpace(query) == "" {
		return []*FTSHit{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return []*FTSHit{}, nil
	}

	if !s.ftsAvailable {
		if s.fallback != nil {
			return s.fallback.Search(ctx, query, limit, project)
		}
		return []*FTSHit{}, nil
	}

	matchQuery := sanitizeFTSQuery(query)
	if matchQuery == "" {
		return []*FTSHit{}, nil
	}

	q := `
		SELECT c.id, bm25(chunks_fts) AS score
		FROM chunks_fts
		JOIN chunks c ON c.rowid = chunks_fts.rowid
		WHERE chunks_fts MATCH ?`
	args := []any{matchQuery}
	if project != "" {
		q += ` AND c.project_slug = ?`
		args = append(args, project)
	}
	q += ` ORDER BY score LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		// FTS5 rejects some query shapes with a syntax error; treat as no hits.
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "fts5") || strings.Contains(msg, "syntax error") {
			return []*FTSHit{}, nil
		}
		return nil, classifySQLError(err, "fts search")
	}
	defer rows.Close()

	var hits []*FTSHit
	for rows.Next() {
		var h FTSHit
		if err := rows.Scan(&h.ChunkID, &h.Score); err != nil {
			return nil, classifySQLError(err, "scan fts hit")
		}
		hits = append(hits, &h)
	}
	return hits, rows.Err()
}

// FTSAvailable reports whether the FTS5 virtual table exists.
func (s *Store) FTSAvailable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ftsAvailable
}

// CheckFTSConsistency counts chunk rows missing their FTS mirror.
// Zero means the triggers have kept both sides in sync.
func (s *Store) CheckFTSConsistency(ctx context.Context) (missing int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.ftsAvailable {
		return 0, nil
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chunks
		WHERE rowid NOT IN (SELECT rowid FROM chunks_fts)`).Scan(&missing)
	if err != nil {
		return 0, classifySQLError(err, "fts consistency check")
	}
	return missing, nil
}

// sanitizeFTSQuery strips FTS5 operators and quotes each term so free-form
// natural language cannot produce a MATCH syntax error.
func sanitizeFTSQuery(query string) string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		switch r {
		case '"', '\'', '(', ')', '*', ':', '^', '-', '+':
			return true
		}
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " ")
}

// syncFallbackInsert mirrors freshly inserted chunks into the fallback
// lexical index. Best-effort: the fallback is already a degraded path.
func (s *Store) syncFallbackInsert(ctx context.Context, chunks []*Chunk) {
	if s.fallback == nil {
		return
	}
	_ = s.fallback.Index(ctx, chunks)
}

// syncFallbackDelete removes chunks from the fallback lexical index.
func (s *Store) syncFallbackDelete(ctx context.Context, ids []string) {
	if s.fallback == nil {
		return
	}
	_ = s.fallback.Delete(ctx, ids)
}
