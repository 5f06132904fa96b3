package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	cerr "github.com/entrolution/causantic/internal/errors"
)

// InsertChunks inserts a batch of chunks atomically and returns their ids.
// The FTS index is kept in sync by triggers. Invalidates the projects cache.
func (s *Store) InsertChunks(ctx context.Context, chunks []*Chunk) ([]string, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	for _, c := range chunks {
		if err := validateChunk(c); err != nil {
			return nil, err
		}
	}

	ids := make([]string, 0, len(chunks))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (
				id, session_id, project_slug, project_path, turn_start, turn_indices,
				start_time, end_time, content, approx_tokens,
				code_block_count, tool_use_count, agent_id, spawn_depth,
				vector_clock, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return classifySQLError(err, "prepare chunk insert")
		}
		defer stmt.Close()

		for _, c := range chunks {
			createdAt := c.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now()
			}
			var agentID any
			if c.AgentID != "" {
				agentID = c.AgentID
			}
			_, err := stmt.ExecContext(ctx,
				c.ID, c.SessionID, c.ProjectSlug, c.ProjectPath,
				c.TurnIndices[0], encodeInts(c.TurnIndices),
				c.StartTime.UnixMilli(), c.EndTime.UnixMilli(),
				c.Content, c.ApproxTokens,
				c.CodeBlockCount, c.ToolUseCount, agentID, c.SpawnDepth,
				c.VectorClock, createdAt.UnixMilli(),
			)
			if err != nil {
				return classifySQLError(err, fmt.Sprintf("insert chunk %s", c.ID))
			}
			ids = append(ids, c.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.syncFallbackInsert(ctx, chunks)
	s.notifyChunksChanged()
	return ids, nil
}

func validateChunk(c *Chunk) error {
	if c.ID == "" || c.SessionID == "" {
		return cerr.Invalid("chunk id and session id must be set")
	}
	if c.Content == "" {
		return cerr.Invalid("chunk content must not be empty")
	}
	if len(c.TurnIndices) == 0 {
		return cerr.Invalid("chunk must cover at least one turn")
	}
	if !sort.IntsAreSorted(c.TurnIndices) {
		return cerr.Invalid("turn indices must be strictly increasing")
	}
	for i := 1; i < len(c.TurnIndices); i++ {
		if c.TurnIndices[i] == c.TurnIndices[i-1] {
			return cerr.Invalid("turn indices must be strictly increasing")
		}
	}
	if c.EndTime.Before(c.StartTime) {
		return cerr.Invalid("chunk end time precedes start time")
	}
	return nil
}

const chunkColumns = `id, session_id, project_slug, project_path, turn_indices,
	start_time, end_time, content, approx_tokens,
	code_block_count, tool_use_count, agent_id, spawn_depth, vector_clock, created_at`

// GetChunksByIDs returns the chunks for the given ids, in the input order.
// Missing ids are silently skipped.
func (s *Store) GetChunksByIDs(ctx context.Context, ids []string) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, args := inPlaceholders(ids)
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM chunks WHERE id IN (%s)`, chunkColumns, in), args...)
	if err != nil {
		return nil, classifySQLError(err, "query chunks by ids")
	}
	defer rows.Close()

	byID := make(map[string]*Chunk, len(ids))
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLError(err, "scan chunks")
	}

	out := make([]*Chunk, 0, len(byID))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// GetChunksBySession returns all chunks of a session ordered by turn_start.
func (s *Store) GetChunksBySession(ctx context.Context, sessionID string) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM chunks WHERE session_id = ? ORDER BY turn_start`, chunkColumns), sessionID)
	if err != nil {
		return nil, classifySQLError(err, "query chunks by session")
	}
	defer rows.Close()
	return collectChunks(rows)
}

// GetChunksByTimeRange returns chunks of a project within [from, to],
// ordered chronologically.
func (s *Store) GetChunksByTimeRange(ctx context.Context, project string, from, to time.Time, opts TimeRangeOpts) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := fmt.Sprintf(`SELECT %s FROM chunks WHERE project_slug = ? AND start_time >= ? AND start_time <= ?`, chunkColumns)
	args := []any{project, from.UnixMilli(), to.UnixMilli()}
	if opts.SessionID != "" {
		q += ` AND session_id = ?`
		args = append(args, opts.SessionID)
	}
	if opts.AgentID != "" {
		q += ` AND agent_id = ?`
		args = append(args, opts.AgentID)
	}
	q += ` ORDER BY start_time, turn_start`
	if opts.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifySQLError(err, "query chunks by time range")
	}
	defer rows.Close()
	return collectChunks(rows)
}

// GetPreviousSession returns the session in the same project whose last
// chunk precedes the start of current. Empty when current is the first.
func (s *Store) GetPreviousSession(ctx context.Context, project, current string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var currentStart sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(start_time) FROM chunks WHERE session_id = ?`, current).Scan(&currentStart)
	if err != nil {
		return "", classifySQLError(err, "query current session start")
	}

	q := `SELECT session_id FROM chunks WHERE project_slug = ? AND session_id != ?`
	args := []any{project, current}
	if currentStart.Valid {
		q += ` AND start_time < ?`
		args = append(args, currentStart.Int64)
	}
	q += ` ORDER BY start_time DESC LIMIT 1`

	var prev string
	err = s.db.QueryRowContext(ctx, q, args...).Scan(&prev)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", classifySQLError(err, "query previous session")
	}
	return prev, nil
}

// SessionChunkIDs returns the ids of every chunk in a session.
func (s *Store) SessionChunkIDs(ctx context.Context, sessionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM chunks WHERE session_id = ? ORDER BY turn_start`, sessionID)
	if err != nil {
		return nil, classifySQLError(err, "query session chunk ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classifySQLError(err, "scan chunk id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteChunks removes the given chunks and everything hanging off them:
// embeddings, cluster assignments, and FTS rows cascade in the same
// transaction; edges touching the set are removed explicitly.
// Returns the number of chunks deleted.
func (s *Store) DeleteChunks(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var deleted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		in, args := inPlaceholders(ids)

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM edges WHERE source_chunk_id IN (%s) OR target_chunk_id IN (%s)`, in, in),
			append(append([]any{}, args...), args...)...); err != nil {
			return classifySQLError(err, "delete edges for chunks")
		}

		res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM chunks WHERE id IN (%s)`, in), args...)
		if err != nil {
			return classifySQLError(err, "delete chunks")
		}
		n, _ := res.RowsAffected()
		deleted = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.syncFallbackDelete(ctx, ids)
	s.notifyChunksChanged()
	return deleted, nil
}

// DeleteSession removes a session's chunks, dependents, and checkpoint.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	ids, err := s.SessionChunkIDs(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	deleted, err := s.DeleteChunks(ctx, ids)
	if err != nil {
		return 0, err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID)
		return classifySQLError(err, "delete checkpoint")
	})
	return deleted, err
}

// ListProjects summarizes every project in the store.
func (s *Store) ListProjects(ctx context.Context) ([]*ProjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT project_slug, COUNT(*), MIN(start_time), MAX(end_time)
		FROM chunks GROUP BY project_slug ORDER BY MAX(end_time) DESC`)
	if err != nil {
		return nil, classifySQLError(err, "list projects")
	}
	defer rows.Close()

	var out []*ProjectInfo
	for rows.Next() {
		var p ProjectInfo
		var first, last int64
		if err := rows.Scan(&p.Slug, &p.ChunkCount, &first, &last); err != nil {
			return nil, classifySQLError(err, "scan project")
		}
		p.FirstSeen = time.UnixMilli(first)
		p.LastSeen = time.UnixMilli(last)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// ListSessions summarizes the sessions of a project, newest first, bounded
// to the given time range when from/to are non-zero.
func (s *Store) ListSessions(ctx context.Context, project string, from, to time.Time) ([]*SessionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT session_id, COUNT(*), MIN(start_time), MAX(end_time)
		FROM chunks WHERE project_slug = ?`
	args := []any{project}
	if !from.IsZero() {
		q += ` AND start_time >= ?`
		args = append(args, from.UnixMilli())
	}
	if !to.IsZero() {
		q += ` AND start_time <= ?`
		args = append(args, to.UnixMilli())
	}
	q += ` GROUP BY session_id ORDER BY MIN(start_time) DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifySQLError(err, "list sessions")
	}
	defer rows.Close()

	var out []*SessionInfo
	for rows.Next() {
		var si SessionInfo
		var start, end int64
		if err := rows.Scan(&si.SessionID, &si.ChunkCount, &start, &end); err != nil {
			return nil, classifySQLError(err, "scan session")
		}
		si.StartTime = time.UnixMilli(start)
		si.EndTime = time.UnixMilli(end)
		out = append(out, &si)
	}
	return out, rows.Err()
}

// ProjectPaths maps each project slug to its working-directory path.
// Feeds slug disambiguation during parsing.
func (s *Store) ProjectPaths(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT project_slug, MAX(project_path) FROM chunks GROUP BY project_slug`)
	if err != nil {
		return nil, classifySQLError(err, "query project paths")
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var slug, path string
		if err := rows.Scan(&slug, &path); err != nil {
			return nil, classifySQLError(err, "scan project path")
		}
		out[slug] = path
	}
	return out, rows.Err()
}

// ChunkIDsForProject returns every chunk id in a project. Used to scope
// vector search by project.
func (s *Store) ChunkIDsForProject(ctx context.Context, project string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM chunks WHERE project_slug = ?`, project)
	if err != nil {
		return nil, classifySQLError(err, "query project chunk ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classifySQLError(err, "scan chunk id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- embeddings -------------------------------------------------------------

// SaveEmbeddings persists one vector per chunk id in the same batch.
// Embeddings ride in the same transaction as their chunks when called via
// InsertChunksWithEmbeddings.
func (s *Store) SaveEmbeddings(ctx context.Context, ids []string, vectors [][]float32, model string) error {
	if len(ids) != len(vectors) {
		return cerr.Invalid(fmt.Sprintf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors)))
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return saveEmbeddingsTx(ctx, tx, ids, vectors, model)
	})
}

func saveEmbeddingsTx(ctx context.Context, tx *sql.Tx, ids []string, vectors [][]float32, model string) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO embeddings (chunk_id, model, dims, vector) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return classifySQLError(err, "prepare embedding insert")
	}
	defer stmt.Close()
	for i, id := range ids {
		if _, err := stmt.ExecContext(ctx, id, model, len(vectors[i]), encodeVector(vectors[i])); err != nil {
			return classifySQLError(err, "insert embedding")
		}
	}
	return nil
}

// InsertChunksWithEmbeddings inserts chunks and their vectors in one
// transaction, preserving the no-chunk-without-embedding invariant for
// retrieval participants.
func (s *Store) InsertChunksWithEmbeddings(ctx context.Context, chunks []*Chunk, vectors [][]float32, model string) ([]string, error) {
	if len(chunks) != len(vectors) {
		return nil, cerr.Invalid(fmt.Sprintf("chunks and vectors length mismatch: %d vs %d", len(chunks), len(vectors)))
	}
	for _, c := range chunks {
		if err := validateChunk(c); err != nil {
			return nil, err
		}
	}

	ids := make([]string, 0, len(chunks))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (
				id, session_id, project_slug, project_path, turn_start, turn_indices,
				start_time, end_time, content, approx_tokens,
				code_block_count, tool_use_count, agent_id, spawn_depth,
				vector_clock, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return classifySQLError(err, "prepare chunk insert")
		}
		defer stmt.Close()

		for _, c := range chunks {
			createdAt := c.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now()
			}
			var agentID any
			if c.AgentID != "" {
				agentID = c.AgentID
			}
			_, err := stmt.ExecContext(ctx,
				c.ID, c.SessionID, c.ProjectSlug, c.ProjectPath,
				c.TurnIndices[0], encodeInts(c.TurnIndices),
				c.StartTime.UnixMilli(), c.EndTime.UnixMilli(),
				c.Content, c.ApproxTokens,
				c.CodeBlockCount, c.ToolUseCount, agentID, c.SpawnDepth,
				c.VectorClock, createdAt.UnixMilli(),
			)
			if err != nil {
				return classifySQLError(err, fmt.Sprintf("insert chunk %s", c.ID))
			}
			ids = append(ids, c.ID)
		}
		return saveEmbeddingsTx(ctx, tx, ids, vectors, model)
	})
	if err != nil {
		return nil, err
	}
	s.syncFallbackInsert(ctx, chunks)
	s.notifyChunksChanged()
	return ids, nil
}

// GetAllEmbeddings returns every stored embedding, optionally scoped to a
// project. Feeds the offline clusterer and vector-index rebuilds.
func (s *Store) GetAllEmbeddings(ctx context.Context, project string) (map[string][]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT e.chunk_id, e.vector FROM embeddings e`
	var args []any
	if project != "" {
		q += ` JOIN chunks c ON c.id = e.chunk_id WHERE c.project_slug = ?`
		args = append(args, project)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifySQLError(err, "query embeddings")
	}
	defer rows.Close()

	out := make(map[string][]float32)
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, classifySQLError(err, "scan embedding")
		}
		out[id] = decodeVector(blob)
	}
	return out, rows.Err()
}

// GetEmbeddings returns vectors for the given chunk ids.
func (s *Store) GetEmbeddings(ctx context.Context, ids []string) (map[string][]float32, error) {
	if len(ids) == 0 {
		return map[string][]float32{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, args := inPlaceholders(ids)
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT chunk_id, vector FROM embeddings WHERE chunk_id IN (%s)`, in), args...)
	if err != nil {
		return nil, classifySQLError(err, "query embeddings by ids")
	}
	defer rows.Close()

	out := make(map[string][]float32, len(ids))
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, classifySQLError(err, "scan embedding")
		}
		out[id] = decodeVector(blob)
	}
	return out, rows.Err()
}

// --- row helpers ------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(r rowScanner) (*Chunk, error) {
	var c Chunk
	var turnIndices string
	var start, end, created int64
	var agentID sql.NullString
	if err := r.Scan(
		&c.ID, &c.SessionID, &c.ProjectSlug, &c.ProjectPath, &turnIndices,
		&start, &end, &c.Content, &c.ApproxTokens,
		&c.CodeBlockCount, &c.ToolUseCount, &agentID, &c.SpawnDepth,
		&c.VectorClock, &created,
	); err != nil {
		return nil, classifySQLError(err, "scan chunk")
	}
	c.TurnIndices = decodeInts(turnIndices)
	c.StartTime = time.UnixMilli(start)
	c.EndTime = time.UnixMilli(end)
	c.CreatedAt = time.UnixMilli(created)
	if agentID.Valid {
		c.AgentID = agentID.String
	}
	return &c, nil
}

func collectChunks(rows *sql.Rows) ([]*Chunk, error) {
	var out []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func encodeInts(v []int) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeInts(s string) []int {
	var v []int
	_ = json.Unmarshal([]byte(s), &v)
	return v
}

// encodeVector packs a float32 slice as little-endian bytes.
func encodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
