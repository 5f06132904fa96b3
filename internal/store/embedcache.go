package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CacheGet looks up embeddings for (content_hash, model) pairs and bumps
// hit_count for each hit. Returns hash -> vector for hits only.
func (s *Store) CacheGet(ctx context.Context, hashes []string, model string) (map[string][]float32, error) {
	if len(hashes) == 0 {
		return map[string][]float32{}, nil
	}

	out := make(map[string][]float32)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		in, args := inPlaceholders(hashes)
		args = append(args, model)
		rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
			SELECT content_hash, vector FROM embedding_cache
			WHERE content_hash IN (%s) AND model = ?`, in), args...)
		if err != nil {
			return classifySQLError(err, "query embedding cache")
		}
		for rows.Next() {
			var hash string
			var blob []byte
			if err := rows.Scan(&hash, &blob); err != nil {
				_ = rows.Close()
				return classifySQLError(err, "scan cache entry")
			}
			out[hash] = decodeVector(blob)
		}
		if err := rows.Close(); err != nil {
			return classifySQLError(err, "close cache rows")
		}

		if len(out) == 0 {
			return nil
		}
		hit := make([]string, 0, len(out))
		for h := range out {
			hit = append(hit, h)
		}
		hitIn, hitArgs := inPlaceholders(hit)
		hitArgs = append(hitArgs, model)
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE embedding_cache SET hit_count = hit_count + 1
			WHERE content_hash IN (%s) AND model = ?`, hitIn), hitArgs...)
		return classifySQLError(err, "bump cache hits")
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CachePut stores embeddings for (content_hash, model) pairs.
// The cache is a pure function of (text, model); existing entries are
// overwritten with identical values, so INSERT OR REPLACE is safe.
func (s *Store) CachePut(ctx context.Context, hashes []string, vectors [][]float32, model string) error {
	if len(hashes) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO embedding_cache (content_hash, model, vector, hit_count, created_at)
			VALUES (?, ?, ?, COALESCE((SELECT hit_count FROM embedding_cache WHERE content_hash = ? AND model = ?), 0), ?)`)
		if err != nil {
			return classifySQLError(err, "prepare cache insert")
		}
		defer stmt.Close()

		now := time.Now().UnixMilli()
		for i, h := range hashes {
			if _, err := stmt.ExecContext(ctx, h, model, encodeVector(vectors[i]), h, model, now); err != nil {
				return classifySQLError(err, "insert cache entry")
			}
		}
		return nil
	})
}

// CacheEvictOrphans removes cache entries whose content hash no longer
// corresponds to any chunk. The cache has no TTL and this is its only
// eviction path; none of the maintenance tasks call it.
func (s *Store) CacheEvictOrphans(ctx context.Context, liveHashes []string) (int, error) {
	var evicted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if len(liveHashes) == 0 {
			res, err := tx.ExecContext(ctx, `DELETE FROM embedding_cache`)
			if err != nil {
				return classifySQLError(err, "evict cache")
			}
			n, _ := res.RowsAffected()
			evicted = int(n)
			return nil
		}
		in, args := inPlaceholders(liveHashes)
		res, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM embedding_cache WHERE content_hash NOT IN (%s)`, in), args...)
		if err != nil {
			return classifySQLError(err, "evict cache")
		}
		n, _ := res.RowsAffected()
		evicted = int(n)
		return nil
	})
	return evicted, err
}

// CacheStats returns entry count and cumulative hit count.
func (s *Store) CacheStats(ctx context.Context) (entries, hits int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(hit_count), 0) FROM embedding_cache`).Scan(&entries, &hits)
	if err != nil {
		return 0, 0, classifySQLError(err, "cache stats")
	}
	return entries, hits, nil
}
