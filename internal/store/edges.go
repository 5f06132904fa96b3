package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	cerr "github.com/entrolution/causantic/internal/errors"
)

// CreateOrBoostEdges inserts a batch of edges. When an edge with the same
// (source, target, edge_type, reference_type) already exists, its link_count
// is incremented and its weight raised toward 1 with diminishing returns:
//
//	weight = min(1, weight + (1 - weight) * boostFactor)
//
// Returns the number of freshly inserted edges (boosts not counted).
func (s *Store) CreateOrBoostEdges(ctx context.Context, edges []*Edge, boostFactor float64) (int, error) {
	if len(edges) == 0 {
		return 0, nil
	}
	for _, e := range edges {
		if e.Weight <= 0 || e.Weight > 1 {
			return 0, cerr.Invalid(fmt.Sprintf("edge weight %g outside (0, 1]", e.Weight))
		}
		if e.SourceChunkID == e.TargetChunkID {
			return 0, cerr.Invalid("edge endpoints must differ")
		}
	}

	inserted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO edges (source_chunk_id, target_chunk_id, edge_type, reference_type, weight, link_count, created_at)
			VALUES (?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT(source_chunk_id, target_chunk_id, edge_type, reference_type)
			DO UPDATE SET
				link_count = link_count + 1,
				weight = MIN(1.0, weight + (1.0 - weight) * ?)`)
		if err != nil {
			return classifySQLError(err, "prepare edge upsert")
		}
		defer stmt.Close()

		countStmt, err := tx.PrepareContext(ctx, `
			SELECT link_count FROM edges
			WHERE source_chunk_id = ? AND target_chunk_id = ? AND edge_type = ? AND reference_type = ?`)
		if err != nil {
			return classifySQLError(err, "prepare edge count")
		}
		defer countStmt.Close()

		now := time.Now().UnixMilli()
		for _, e := range edges {
			if _, err := stmt.ExecContext(ctx,
				e.SourceChunkID, e.TargetChunkID, string(e.EdgeType), string(e.ReferenceType),
				e.Weight, now, boostFactor); err != nil {
				return classifySQLError(err, "upsert edge")
			}
			var linkCount int
			if err := countStmt.QueryRowContext(ctx,
				e.SourceChunkID, e.TargetChunkID, string(e.EdgeType), string(e.ReferenceType)).Scan(&linkCount); err != nil {
				return classifySQLError(err, "read edge link count")
			}
			if linkCount == 1 {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// GetEdgesFrom returns all edges of one direction leaving the given chunks,
// heaviest first.
func (s *Store) GetEdgesFrom(ctx context.Context, chunkIDs []string, edgeType EdgeType) ([]*Edge, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, args := inPlaceholders(chunkIDs)
	args = append(args, string(edgeType))
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT source_chunk_id, target_chunk_id, edge_type, reference_type, weight, link_count, created_at
		FROM edges WHERE source_chunk_id IN (%s) AND edge_type = ?
		ORDER BY weight DESC, created_at`, in), args...)
	if err != nil {
		return nil, classifySQLError(err, "query edges")
	}
	defer rows.Close()
	return collectEdges(rows)
}

// GetEdgesBetween returns every edge whose endpoints are both in the set.
func (s *Store) GetEdgesBetween(ctx context.Context, chunkIDs []string) ([]*Edge, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, args := inPlaceholders(chunkIDs)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT source_chunk_id, target_chunk_id, edge_type, reference_type, weight, link_count, created_at
		FROM edges WHERE source_chunk_id IN (%s) AND target_chunk_id IN (%s)`, in, in),
		append(append([]any{}, args...), args...)...)
	if err != nil {
		return nil, classifySQLError(err, "query edges between")
	}
	defer rows.Close()
	return collectEdges(rows)
}

// DeleteEdgesForChunks deletes every edge touching the set and returns the
// number removed.
func (s *Store) DeleteEdgesForChunks(ctx context.Context, chunkIDs []string) (int, error) {
	if len(chunkIDs) == 0 {
		return 0, nil
	}
	var deleted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		in, args := inPlaceholders(chunkIDs)
		res, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM edges WHERE source_chunk_id IN (%s) OR target_chunk_id IN (%s)`, in, in),
			append(append([]any{}, args...), args...)...)
		if err != nil {
			return classifySQLError(err, "delete edges")
		}
		n, _ := res.RowsAffected()
		deleted = int(n)
		return nil
	})
	return deleted, err
}

// PruneDanglingEdges removes edges whose endpoints no longer exist, and
// embeddings with no chunk. Returns counts per kind. Embedding-cache
// entries are not touched here.
func (s *Store) PruneDanglingEdges(ctx context.Context) (edges, embeddings int, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM edges
			WHERE source_chunk_id NOT IN (SELECT id FROM chunks)
			   OR target_chunk_id NOT IN (SELECT id FROM chunks)`)
		if err != nil {
			return classifySQLError(err, "prune edges")
		}
		n, _ := res.RowsAffected()
		edges = int(n)

		res, err = tx.ExecContext(ctx, `
			DELETE FROM embeddings WHERE chunk_id NOT IN (SELECT id FROM chunks)`)
		if err != nil {
			return classifySQLError(err, "prune embeddings")
		}
		n, _ = res.RowsAffected()
		embeddings = int(n)
		return nil
	})
	return edges, embeddings, err
}

// EdgeCount returns the total number of edge rows.
func (s *Store) EdgeCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges`).Scan(&n); err != nil {
		return 0, classifySQLError(err, "count edges")
	}
	return n, nil
}

func collectEdges(rows *sql.Rows) ([]*Edge, error) {
	var out []*Edge
	for rows.Next() {
		var e Edge
		var edgeType, refType string
		var created int64
		if err := rows.Scan(&e.SourceChunkID, &e.TargetChunkID, &edgeType, &refType,
			&e.Weight, &e.LinkCount, &created); err != nil {
			return nil, classifySQLError(err, "scan edge")
		}
		e.EdgeType = EdgeType(edgeType)
		e.ReferenceType = ReferenceType(refType)
		e.CreatedAt = time.UnixMilli(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}
