package store

import (
	"context"
	"database/sql"
	"time"
)

// GetCheckpoint returns the ingest checkpoint for a session, or nil when
// the session has never been ingested.
func (s *Store) GetCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cp Checkpoint
	var mtime, updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, last_turn_index, last_chunk_id, file_mtime, updated_at
		FROM checkpoints WHERE session_id = ?`, sessionID).
		Scan(&cp.SessionID, &cp.LastTurnIndex, &cp.LastChunkID, &mtime, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classifySQLError(err, "query checkpoint")
	}
	cp.FileMtime = time.UnixMilli(mtime)
	cp.UpdatedAt = time.UnixMilli(updated)
	return &cp, nil
}

// SaveCheckpoint upserts the ingest checkpoint for a session.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO checkpoints (session_id, last_turn_index, last_chunk_id, file_mtime, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			cp.SessionID, cp.LastTurnIndex, cp.LastChunkID,
			cp.FileMtime.UnixMilli(), time.Now().UnixMilli())
		return classifySQLError(err, "save checkpoint")
	})
}
