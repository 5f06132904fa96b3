package maintain

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrolution/causantic/internal/config"
	"github.com/entrolution/causantic/internal/embed"
	cerr "github.com/entrolution/causantic/internal/errors"
	"github.com/entrolution/causantic/internal/ingest"
	"github.com/entrolution/causantic/internal/store"
	"github.com/entrolution/causantic/internal/vector"
)

func newTestDeps(t *testing.T) (Deps, *store.Store) {
	t.Helper()
	s, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	idx := vector.NewMemoryIndex(16)
	batcher := embed.NewCachedBatcher(embed.NewStaticEmbedder(16), s)
	return Deps{
		Store:        s,
		Index:        idx,
		Orchestrator: ingest.New(s, idx, batcher, ingest.DefaultOptions()),
		Clustering:   config.Default().Clustering,
	}, s
}

func TestScheduler_RunOnDemandRecordsOutcome(t *testing.T) {
	_, s := newTestDeps(t)
	sched := New(s)
	t.Cleanup(sched.Stop)

	ran := 0
	require.NoError(t, sched.Register("custom", "", func(ctx context.Context) error {
		ran++
		return nil
	}))

	require.NoError(t, sched.Run(context.Background(), "custom"))
	assert.Equal(t, 1, ran)

	run, err := sched.LastRun(context.Background(), "custom")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.True(t, run.Success)
	assert.Empty(t, run.Error)
	assert.False(t, run.EndedAt.IsZero())
}

func TestScheduler_FailureRecordedAndReturned(t *testing.T) {
	_, s := newTestDeps(t)
	sched := New(s)
	t.Cleanup(sched.Stop)

	require.NoError(t, sched.Register("failing", "", func(ctx context.Context) error {
		return errors.New("task exploded")
	}))

	err := sched.Run(context.Background(), "failing")
	require.Error(t, err)

	run, err := sched.LastRun(context.Background(), "failing")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.False(t, run.Success)
	assert.Contains(t, run.Error, "task exploded")
}

func TestScheduler_UnknownTask(t *testing.T) {
	_, s := newTestDeps(t)
	sched := New(s)
	t.Cleanup(sched.Stop)

	err := sched.Run(context.Background(), "nope")
	assert.True(t, cerr.IsKind(err, cerr.KindNotFound))
}

func TestScheduler_DuplicateAndBadSchedule(t *testing.T) {
	_, s := newTestDeps(t)
	sched := New(s)
	t.Cleanup(sched.Stop)

	require.NoError(t, sched.Register("a", "", func(ctx context.Context) error { return nil }))
	assert.Error(t, sched.Register("a", "", func(ctx context.Context) error { return nil }))
	assert.Error(t, sched.Register("b", "not a cron expr", func(ctx context.Context) error { return nil }))
}

func TestRegisterStandardTasks(t *testing.T) {
	deps, s := newTestDeps(t)
	sched := New(s)
	t.Cleanup(sched.Stop)

	require.NoError(t, RegisterStandardTasks(sched, deps, config.Default().Maintenance))

	for _, name := range []string{TaskScanProjects, TaskPruneGraph, TaskUpdateClusters, TaskRefreshLabels, TaskVacuum} {
		assert.NoError(t, sched.Run(context.Background(), name), name)
	}
}

func TestPruneGraphTask_RemovesDanglingVectors(t *testing.T) {
	deps, s := newTestDeps(t)
	ctx := context.Background()

	// A vector with no embedding row behind it.
	require.NoError(t, deps.Index.Add(ctx, []string{"ghost"}, [][]float32{make([]float32, 16)}))
	require.Equal(t, 1, deps.Index.Count())

	sched := New(s)
	t.Cleanup(sched.Stop)
	require.NoError(t, RegisterStandardTasks(sched, deps, config.MaintenanceConfig{}))
	require.NoError(t, sched.Run(ctx, TaskPruneGraph))

	assert.Zero(t, deps.Index.Count())
}

func TestScanProjectsTask_IngestsDiscoveredSessions(t *testing.T) {
	deps, s := newTestDeps(t)
	root := t.TempDir()
	deps.TranscriptRoot = root

	projDir := filepath.Join(root, "proj-webapp")
	require.NoError(t, os.MkdirAll(projDir, 0o755))
	body := `{"type":"user","timestamp":"2026-03-01T10:00:00Z","sessionId":"sess-scan","cwd":"/home/u/code/webapp","message":{"role":"user","content":[{"type":"text","text":"hello there"}]}}
{"type":"assistant","timestamp":"2026-03-01T10:00:05Z","sessionId":"sess-scan","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}
`
	require.NoError(t, os.WriteFile(filepath.Join(projDir, "sess-scan.jsonl"), []byte(body), 0o600))

	sched := New(s)
	t.Cleanup(sched.Stop)
	require.NoError(t, RegisterStandardTasks(sched, deps, config.MaintenanceConfig{}))
	require.NoError(t, sched.Run(context.Background(), TaskScanProjects))

	chunks, err := s.GetChunksBySession(context.Background(), "sess-scan")
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
}

func TestDiscoverTranscripts_SortsByMtime(t *testing.T) {
	root := t.TempDir()
	older := filepath.Join(root, "older.jsonl")
	newer := filepath.Join(root, "newer.jsonl")
	require.NoError(t, os.WriteFile(older, []byte("{}"), 0o600))
	require.NoError(t, os.WriteFile(newer, []byte("{}"), 0o600))

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))

	paths, err := DiscoverTranscripts(root)
	require.NoError(t, err)
	require.Equal(t, []string{older, newer}, paths)

	// Non-jsonl files are ignored; a missing root is empty, not an error.
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o600))
	paths, err = DiscoverTranscripts(root)
	require.NoError(t, err)
	assert.Len(t, paths, 2)

	paths, err = DiscoverTranscripts(filepath.Join(root, "missing"))
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestScheduler_CancellationStopsTask(t *testing.T) {
	_, s := newTestDeps(t)
	sched := New(s)

	started := make(chan struct{})
	require.NoError(t, sched.Register("slow", "", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	done := make(chan error, 1)
	go func() { done <- sched.Run(sched.ctx, "slow") }()

	<-started
	sched.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not stop on cancellation")
	}
}
