package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrolution/causantic/internal/chunker"
	"github.com/entrolution/causantic/internal/config"
	"github.com/entrolution/causantic/internal/embed"
	cerr "github.com/entrolution/causantic/internal/errors"
	"github.com/entrolution/causantic/internal/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.DataDir = t.TempDir()
	e, err := NewInMemory(cfg, embed.NewStaticEmbedder(64))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// seedChunk inserts a chunk with its static embedding, mirroring ingest.
func seedChunk(t *testing.T, e *Engine, session, project, content string, turn int) string {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := &store.Chunk{
		ID:           chunker.ChunkID(session, []int{turn}),
		SessionID:    session,
		ProjectSlug:  project,
		ProjectPath:  "/home/u/code/" + project,
		TurnIndices:  []int{turn},
		StartTime:    base.Add(time.Duration(turn) * time.Minute),
		EndTime:      base.Add(time.Duration(turn)*time.Minute + time.Second),
		Content:      content,
		ApproxTokens: chunker.EstimateTokens(content),
	}
	vecs, _, err := e.batcher.EmbedTexts(ctx, []string{content})
	require.NoError(t, err)
	_, err = e.store.InsertChunksWithEmbeddings(ctx, []*store.Chunk{c}, vecs, e.batcher.Model())
	require.NoError(t, err)
	require.NoError(t, e.index.Add(ctx, []string{c.ID}, vecs))
	return c.ID
}

func TestEngine_SearchFindsSeededChunk(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	want := seedChunk(t, e, "s1", "webapp", "refactoring the session token validation logic", 0)
	seedChunk(t, e, "s1", "webapp", "styling the dashboard sidebar", 1)

	hits, err := e.Search(ctx, "session token validation", Filters{}, 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, want, hits[0].ChunkID)
}

func TestEngine_SearchRejectsEmptyQuery(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Search(context.Background(), "", Filters{}, 5)
	assert.True(t, cerr.IsKind(err, cerr.KindInvalidInput))
}

// Retrieval monotonicity: inserting a chunk whose text equals the query
// never decreases its rank.
func TestEngine_RetrievalMonotonicity(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		seedChunk(t, e, "s1", "webapp", fmt.Sprintf("assorted background discussion number %d", i), i)
	}
	query := "exact phrase that matches nothing yet"

	before, err := e.Search(ctx, query, Filters{}, 10)
	require.NoError(t, err)
	rankBefore := len(before) + 1

	exact := seedChunk(t, e, "s1", "webapp", query, 10)
	after, err := e.Search(ctx, query, Filters{}, 10)
	require.NoError(t, err)

	rankAfter := -1
	for i, h := range after {
		if h.ChunkID == exact {
			rankAfter = i + 1
		}
	}
	require.NotEqual(t, -1, rankAfter, "exact-text chunk must be found")
	assert.LessOrEqual(t, rankAfter, rankBefore)
	assert.Equal(t, 1, rankAfter, "exact text match ranks first")
}

func TestEngine_ListProjectsCaching(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	seedChunk(t, e, "s1", "alpha", "alpha content", 0)

	first, err := e.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Cached: same slice back without a store round-trip.
	second, err := e.ListProjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%p", first), fmt.Sprintf("%p", second))

	// Inserting invalidates the cache.
	seedChunk(t, e, "s2", "beta", "beta content", 0)
	third, err := e.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, third, 2)
}

func TestEngine_ListSessions(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	seedChunk(t, e, "s1", "webapp", "early work", 0)
	seedChunk(t, e, "s2", "webapp", "later work", 5)

	sessions, err := e.ListSessions(ctx, "webapp", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "s2", sessions[0].SessionID, "newest first")

	_, err = e.ListSessions(ctx, "", time.Time{}, time.Time{})
	assert.True(t, cerr.IsKind(err, cerr.KindInvalidInput))
}

func TestEngine_Reconstruct(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		seedChunk(t, e, "s1", "webapp", fmt.Sprintf("chronological entry %d with some padding text", i), i)
	}

	chunks, err := e.Reconstruct(ctx, "webapp", ReconstructSpec{SessionID: "s1"}, 0, false)
	require.NoError(t, err)
	require.Len(t, chunks, 4)
	for i := 1; i < len(chunks); i++ {
		assert.True(t, !chunks[i].StartTime.Before(chunks[i-1].StartTime), "chronological order")
	}

	// Tight budget with keepNewest keeps the tail.
	perChunk := chunks[0].ApproxTokens
	budget := perChunk*2 + 1
	newest, err := e.Reconstruct(ctx, "webapp", ReconstructSpec{SessionID: "s1"}, budget, true)
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.Equal(t, chunks[2].ID, newest[0].ID)
	assert.Equal(t, chunks[3].ID, newest[1].ID)

	// Without keepNewest the head survives.
	oldest, err := e.Reconstruct(ctx, "webapp", ReconstructSpec{SessionID: "s1"}, budget, false)
	require.NoError(t, err)
	require.Len(t, oldest, 2)
	assert.Equal(t, chunks[0].ID, oldest[0].ID)

	_, err = e.Reconstruct(ctx, "webapp", ReconstructSpec{}, 0, false)
	assert.True(t, cerr.IsKind(err, cerr.KindInvalidInput))
}

func TestEngine_ReconstructPreviousSession(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	seedChunk(t, e, "s1", "webapp", "first session content", 0)
	seedChunk(t, e, "s2", "webapp", "second session content", 10)

	chunks, err := e.Reconstruct(ctx, "webapp", ReconstructSpec{PreviousSession: true}, 0, false)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "s1", chunks[0].SessionID)
}

// Dry-run previews without mutating; the real call
// deletes exactly the previewed set and cascades dependents.
func TestEngine_ForgetPreviewLaw(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var authIDs []string
	for i := 0; i < 10; i++ {
		authIDs = append(authIDs, seedChunk(t, e, "s1", "p",
			fmt.Sprintf("auth token refresh handling case %d", i), i))
	}
	keep := seedChunk(t, e, "s1", "p", "entirely unrelated gardening notes about tomato soil acidity", 20)

	filters := ForgetFilters{Project: "p", Query: "auth token refresh handling", Threshold: 0.5, DryRun: true}

	preview, err := e.Forget(ctx, filters)
	require.NoError(t, err)
	assert.True(t, preview.DryRun)
	assert.Zero(t, preview.Deleted)
	require.Len(t, preview.Matched, 10)

	// Nothing changed.
	all, err := e.store.ChunkIDsForProject(ctx, "p")
	require.NoError(t, err)
	assert.Len(t, all, 11)

	filters.DryRun = false
	report, err := e.Forget(ctx, filters)
	require.NoError(t, err)
	assert.Equal(t, 10, report.Deleted)
	require.Len(t, report.Matched, 10)

	previewSet := make(map[string]struct{})
	for _, m := range preview.Matched {
		previewSet[m.ChunkID] = struct{}{}
	}
	for _, m := range report.Matched {
		assert.Contains(t, previewSet, m.ChunkID, "deletes exactly the previewed set")
	}

	remaining, err := e.store.ChunkIDsForProject(ctx, "p")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, keep, remaining[0])

	// Dependents cascade: no embeddings or vectors for deleted chunks.
	embeddings, err := e.store.GetEmbeddings(ctx, authIDs)
	require.NoError(t, err)
	assert.Empty(t, embeddings)
	for _, id := range authIDs {
		assert.False(t, e.index.Contains(id))
	}
}

func TestEngine_ForgetBySessionAndTime(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	early := seedChunk(t, e, "s1", "p", "early content here", 0)
	late := seedChunk(t, e, "s1", "p", "late content here", 30)

	cutoff := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	report, err := e.Forget(ctx, ForgetFilters{SessionID: "s1", Before: cutoff, DryRun: false})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)

	remaining, err := e.store.SessionChunkIDs(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, late, remaining[0])
	_ = early
}

func TestEngine_ForgetRequiresScope(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Forget(context.Background(), ForgetFilters{DryRun: true})
	assert.True(t, cerr.IsKind(err, cerr.KindInvalidInput))
}

func TestEngine_Stats(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	seedChunk(t, e, "s1", "p", "some content for stats", 0)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Projects)
	assert.Equal(t, 1, stats.Chunks)
	assert.Equal(t, 1, stats.Vectors)
	assert.True(t, stats.FTSAvailable)
	assert.Zero(t, stats.FTSMissing)
	assert.Zero(t, stats.OrphanVectors)
}

// Encryption is fatal at open when the key cannot be obtained.
func TestEngine_OpenEncryptedWithoutKeyFails(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.DataDir = t.TempDir()
	cfg.Encryption.Enabled = true
	cfg.Encryption.KeySource = config.KeySourceEnv
	cfg.Encryption.EnvVar = "CAUSANTIC_TEST_MISSING_KEY"
	t.Setenv("CAUSANTIC_TEST_MISSING_KEY", "")

	_, err := Open(cfg, embed.NewStaticEmbedder(16))
	require.Error(t, err)
	assert.True(t, cerr.IsKind(err, cerr.KindCrypto))
}

// Encrypted round trip at the engine level: a store sealed under one key
// refuses any other key and reads back fully under the right one.
func TestEngine_EncryptedReopenRoundTrip(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.DataDir = t.TempDir()
	cfg.Encryption.Enabled = true
	cfg.Encryption.KeySource = config.KeySourceEnv
	cfg.Encryption.EnvVar = "CAUSANTIC_TEST_DB_KEY"

	keyA := strings.Repeat("ab", 32)
	keyB := strings.Repeat("cd", 32)
	t.Setenv("CAUSANTIC_TEST_DB_KEY", keyA)

	e, err := Open(cfg, embed.NewStaticEmbedder(16))
	require.NoError(t, err)
	want := seedChunk(t, e, "s1", "p", "content behind the cipher", 0)
	require.NoError(t, e.Close())

	// With a wrong key: open fails.
	t.Setenv("CAUSANTIC_TEST_DB_KEY", keyB)
	_, err = Open(cfg, embed.NewStaticEmbedder(16))
	require.Error(t, err)
	assert.True(t, cerr.IsKind(err, cerr.KindCrypto))

	// With encryption disabled against a sealed store: open fails too.
	disabled := *cfg
	disabled.Encryption.Enabled = false
	_, err = Open(&disabled, embed.NewStaticEmbedder(16))
	require.Error(t, err)
	assert.True(t, cerr.IsKind(err, cerr.KindCrypto))

	// With the correct key: all prior chunks are readable.
	t.Setenv("CAUSANTIC_TEST_DB_KEY", keyA)
	e2, err := Open(cfg, embed.NewStaticEmbedder(16))
	require.NoError(t, err)
	defer e2.Close()

	chunks, err := e2.Store().GetChunksBySession(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, want, chunks[0].ID)
}

func TestEngine_OpenLocksDataDir(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.DataDir = t.TempDir()

	first, err := Open(cfg, embed.NewStaticEmbedder(16))
	require.NoError(t, err)
	defer first.Close()

	_, err = Open(cfg, embed.NewStaticEmbedder(16))
	require.Error(t, err)
}
