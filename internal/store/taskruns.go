package store

import (
	"context"
	"database/sql"
	"time"
)

// RecordTaskStart inserts a task-run row with no end time yet.
func (s *Store) RecordTaskStart(ctx context.Context, run *TaskRun) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_runs (id, task, started_at) VALUES (?, ?, ?)`,
			run.ID, run.Task, run.StartedAt.UnixMilli())
		return classifySQLError(err, "record task start")
	})
}

// RecordTaskEnd completes a task-run row with outcome and duration.
func (s *Store) RecordTaskEnd(ctx context.Context, id string, endedAt time.Time, success bool, errMsg string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		successInt := 0
		if success {
			successInt = 1
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE task_runs SET ended_at = ?, success = ?, error = ? WHERE id = ?`,
			endedAt.UnixMilli(), successInt, errMsg, id)
		return classifySQLError(err, "record task end")
	})
}

// LastTaskRun returns the most recent run of a task, or nil.
func (s *Store) LastTaskRun(ctx context.Context, task string) (*TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var run TaskRun
	var started int64
	var ended sql.NullInt64
	var successInt int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task, started_at, ended_at, success, error
		FROM task_runs WHERE task = ? ORDER BY started_at DESC LIMIT 1`, task).
		Scan(&run.ID, &run.Task, &started, &ended, &successInt, &run.Error)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classifySQLError(err, "query last task run")
	}
	run.StartedAt = time.UnixMilli(started)
	if ended.Valid {
		run.EndedAt = time.UnixMilli(ended.Int64)
		run.Duration = run.EndedAt.Sub(run.StartedAt)
	}
	run.Success = successInt == 1
	return &run, nil
}
