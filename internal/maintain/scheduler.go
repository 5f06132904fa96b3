// Package maintain runs the periodic maintenance tasks: project scanning,
// graph pruning, cluster rebuilds, label refreshes, and store vacuuming.
// Tasks have cron-style schedules, a run-on-demand API, and per-task
// serialization; every run is recorded in the store.
package maintain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	cerr "github.com/entrolution/causantic/internal/errors"
	"github.com/entrolution/causantic/internal/store"
)

// Task names.
const (
	TaskScanProjects   = "scan-projects"
	TaskPruneGraph     = "prune-graph"
	TaskUpdateClusters = "update-clusters"
	TaskRefreshLabels  = "refresh-labels"
	TaskVacuum         = "vacuum"
)

// TaskFunc is one maintenance task body. It must stop at the next safe
// point when ctx is cancelled.
type TaskFunc func(ctx context.Context) error

type task struct {
	name string
	fn   TaskFunc
	mu   sync.Mutex // serializes runs of this task
}

// Scheduler owns the registered tasks and their cron entries.
type Scheduler struct {
	store *store.Store
	cron  *cron.Cron

	mu     sync.Mutex
	tasks  map[string]*task
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler recording runs into the store.
func New(s *store.Store) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:  s,
		cron:   cron.New(),
		tasks:  make(map[string]*task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds a named task. A non-empty cron schedule also arms it.
func (s *Scheduler) Register(name, schedule string, fn TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.tasks[name]; dup {
		return cerr.Invalid(fmt.Sprintf("task %q already registered", name))
	}
	t := &task{name: name, fn: fn}
	s.tasks[name] = t

	if schedule != "" {
		_, err := s.cron.AddFunc(schedule, func() {
			if err := s.runTask(s.ctx, t); err != nil && s.ctx.Err() == nil {
				slog.Error("maintenance_task_failed",
					slog.String("task", name),
					slog.String("error", err.Error()))
			}
		})
		if err != nil {
			delete(s.tasks, name)
			return cerr.Invalid(fmt.Sprintf("task %q: bad schedule %q: %v", name, schedule, err))
		}
	}
	return nil
}

// Run executes a task on demand, serialized against its scheduled runs.
func (s *Scheduler) Run(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return cerr.NotFound(fmt.Sprintf("task %q", name))
	}
	return s.runTask(ctx, t)
}

// runTask wraps one execution with serialization and run recording.
// Task failures are recorded and returned; the scheduler itself continues
// with subsequent tasks.
func (s *Scheduler) runTask(ctx context.Context, t *task) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	run := &store.TaskRun{
		ID:        uuid.NewString(),
		Task:      t.name,
		StartedAt: time.Now(),
	}
	if err := s.store.RecordTaskStart(ctx, run); err != nil {
		slog.Warn("task_run_record_failed", slog.String("task", t.name), slog.String("error", err.Error()))
	}

	err := t.fn(ctx)

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	if recErr := s.store.RecordTaskEnd(context.WithoutCancel(ctx), run.ID, time.Now(), err == nil, errMsg); recErr != nil {
		slog.Warn("task_run_record_failed", slog.String("task", t.name), slog.String("error", recErr.Error()))
	}
	return err
}

// Start arms the cron schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels the running task at its next safe point and stops the cron.
func (s *Scheduler) Stop() {
	s.cancel()
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		slog.Warn("maintenance_stop_timeout")
	}
}

// LastRun reports the most recent run of a task.
func (s *Scheduler) LastRun(ctx context.Context, name string) (*store.TaskRun, error) {
	return s.store.LastTaskRun(ctx, name)
}
