package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	cerr "github.com/entrolution/causantic/internal/errors"
)

// ReplaceClusters destroys all clusters and assignments and installs the
// given set in one transaction. Used by the offline clusterer rebuild.
func (s *Store) ReplaceClusters(ctx context.Context, clusters []*Cluster, assignments []*Assignment) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_clusters`); err != nil {
			return classifySQLError(err, "clear assignments")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM clusters`); err != nil {
			return classifySQLError(err, "clear clusters")
		}

		clusterStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO clusters (id, name, description, centroid, exemplar_ids, membership_hash, labeled_hash, created_at, refreshed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return classifySQLError(err, "prepare cluster insert")
		}
		defer clusterStmt.Close()

		for _, c := range clusters {
			createdAt := c.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now()
			}
			var refreshed any
			if !c.RefreshedAt.IsZero() {
				refreshed = c.RefreshedAt.UnixMilli()
			}
			exemplars, _ := json.Marshal(c.ExemplarIDs)
			var centroid []byte
			if c.Centroid != nil {
				centroid = encodeVector(c.Centroid)
			}
			if _, err := clusterStmt.ExecContext(ctx,
				c.ID, c.Name, c.Description, centroid, string(exemplars),
				c.MembershipHash, c.LabeledHash, createdAt.UnixMilli(), refreshed); err != nil {
				return classifySQLError(err, "insert cluster")
			}
		}

		assignStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunk_clusters (chunk_id, cluster_id, distance) VALUES (?, ?, ?)`)
		if err != nil {
			return classifySQLError(err, "prepare assignment insert")
		}
		defer assignStmt.Close()

		for _, a := range assignments {
			if _, err := assignStmt.ExecContext(ctx, a.ChunkID, a.ClusterID, a.Distance); err != nil {
				return classifySQLError(err, "insert assignment")
			}
		}
		return nil
	})
}

// AssignChunk sets (or replaces) a single chunk's cluster assignment.
// Used by the incremental per-chunk path during ingest.
func (s *Store) AssignChunk(ctx context.Context, a *Assignment) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO chunk_clusters (chunk_id, cluster_id, distance) VALUES (?, ?, ?)`,
			a.ChunkID, a.ClusterID, a.Distance)
		return classifySQLError(err, "assign chunk")
	})
}

// GetClusters returns every cluster.
func (s *Store) GetClusters(ctx context.Context) ([]*Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, centroid, exemplar_ids, membership_hash, labeled_hash, created_at, refreshed_at
		FROM clusters ORDER BY created_at`)
	if err != nil {
		return nil, classifySQLError(err, "query clusters")
	}
	defer rows.Close()
	return collectClusters(rows)
}

// GetCluster returns one cluster by id.
func (s *Store) GetCluster(ctx context.Context, id string) (*Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, centroid, exemplar_ids, membership_hash, labeled_hash, created_at, refreshed_at
		FROM clusters WHERE id = ?`, id)
	c, err := scanCluster(row)
	if err == sql.ErrNoRows {
		return nil, cerr.NotFound(fmt.Sprintf("cluster %s", id))
	}
	return c, err
}

// ClustersForChunks maps chunk ids to their cluster assignment.
func (s *Store) ClustersForChunks(ctx context.Context, chunkIDs []string) (map[string]*Assignment, error) {
	if len(chunkIDs) == 0 {
		return map[string]*Assignment{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, args := inPlaceholders(chunkIDs)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT chunk_id, cluster_id, distance FROM chunk_clusters WHERE chunk_id IN (%s)`, in), args...)
	if err != nil {
		return nil, classifySQLError(err, "query assignments")
	}
	defer rows.Close()

	out := make(map[string]*Assignment)
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.ChunkID, &a.ClusterID, &a.Distance); err != nil {
			return nil, classifySQLError(err, "scan assignment")
		}
		out[a.ChunkID] = &a
	}
	return out, rows.Err()
}

// ClusterMembers returns the chunk ids assigned to a cluster, nearest first.
func (s *Store) ClusterMembers(ctx context.Context, clusterID string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT chunk_id FROM chunk_clusters WHERE cluster_id = ? ORDER BY distance`
	args := []any{clusterID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifySQLError(err, "query cluster members")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classifySQLError(err, "scan member")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateClusterLabel records the labeler's output and pins labeled_hash to
// the membership hash so staleness checks work.
func (s *Store) UpdateClusterLabel(ctx context.Context, id, name, description string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE clusters SET name = ?, description = ?, labeled_hash = membership_hash, refreshed_at = ?
			WHERE id = ?`, name, description, time.Now().UnixMilli(), id)
		if err != nil {
			return classifySQLError(err, "update cluster label")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return cerr.NotFound(fmt.Sprintf("cluster %s", id))
		}
		return nil
	})
}

// StaleClusters returns clusters needing a label refresh: no description yet
// or membership changed since the last labeling.
func (s *Store) StaleClusters(ctx context.Context) ([]*Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, centroid, exemplar_ids, membership_hash, labeled_hash, created_at, refreshed_at
		FROM clusters WHERE description = '' OR labeled_hash != membership_hash
		ORDER BY created_at`)
	if err != nil {
		return nil, classifySQLError(err, "query stale clusters")
	}
	defer rows.Close()
	return collectClusters(rows)
}

func scanCluster(r rowScanner) (*Cluster, error) {
	var c Cluster
	var centroid []byte
	var exemplars string
	var created int64
	var refreshed sql.NullInt64
	if err := r.Scan(&c.ID, &c.Name, &c.Description, &centroid, &exemplars,
		&c.MembershipHash, &c.LabeledHash, &created, &refreshed); err != nil {
		return nil, err
	}
	if len(centroid) > 0 {
		c.Centroid = decodeVector(centroid)
	}
	_ = json.Unmarshal([]byte(exemplars), &c.ExemplarIDs)
	c.CreatedAt = time.UnixMilli(created)
	if refreshed.Valid {
		c.RefreshedAt = time.UnixMilli(refreshed.Int64)
	}
	return &c, nil
}

func collectClusters(rows *sql.Rows) ([]*Cluster, error) {
	var out []*Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, classifySQLError(err, "scan cluster")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
