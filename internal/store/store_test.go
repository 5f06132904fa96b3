package store

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerr "github.com/entrolution/causantic/internal/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testChunk(id, session, project string, turn int, content string) *Chunk {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &Chunk{
		ID:           id,
		SessionID:    session,
		ProjectSlug:  project,
		ProjectPath:  "/home/u/code/" + project,
		TurnIndices:  []int{turn},
		StartTime:    base.Add(time.Duration(turn) * time.Minute),
		EndTime:      base.Add(time.Duration(turn)*time.Minute + 30*time.Second),
		Content:      content,
		ApproxTokens: len(content) / 4,
	}
}

func TestOpen_MigratesToCurrentVersion(t *testing.T) {
	s := newTestStore(t)

	var version int
	err := s.db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
	assert.True(t, s.FTSAvailable())
}

func TestOpen_ReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "causantic.db")

	s, err := Open(path, Options{})
	require.NoError(t, err)
	_, err = s.InsertChunks(context.Background(), []*Chunk{testChunk("c1", "s1", "p", 0, "hello world")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(path, Options{})
	require.NoError(t, err)
	defer s2.Close()

	chunks, err := s2.GetChunksBySession(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello world", chunks[0].Content)
}

func TestInsertChunks_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	empty := testChunk("c1", "s1", "p", 0, "")
	_, err := s.InsertChunks(ctx, []*Chunk{empty})
	assert.True(t, cerr.IsKind(err, cerr.KindInvalidInput))

	bad := testChunk("c2", "s1", "p", 0, "x")
	bad.TurnIndices = []int{3, 1}
	_, err = s.InsertChunks(ctx, []*Chunk{bad})
	assert.True(t, cerr.IsKind(err, cerr.KindInvalidInput))

	dup := testChunk("c3", "s1", "p", 0, "x")
	dup.TurnIndices = []int{1, 1}
	_, err = s.InsertChunks(ctx, []*Chunk{dup})
	assert.True(t, cerr.IsKind(err, cerr.KindInvalidInput))
}

func TestInsertChunks_UniquePerSessionTurn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertChunks(ctx, []*Chunk{testChunk("c1", "s1", "p", 0, "first")})
	require.NoError(t, err)

	// Same (session, first turn) must be rejected even under a new id.
	_, err = s.InsertChunks(ctx, []*Chunk{testChunk("c2", "s1", "p", 0, "again")})
	assert.Error(t, err)
}

func TestFTSSearch_FindsAndFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertChunks(ctx, []*Chunk{
		testChunk("c1", "s1", "alpha", 0, "fixing the authentication middleware bug"),
		testChunk("c2", "s1", "alpha", 1, "the parser handles streaming transcripts"),
		testChunk("c3", "s2", "beta", 0, "authentication tokens expire after an hour"),
	})
	require.NoError(t, err)

	hits, err := s.FTSSearch(ctx, "authentication", 10, "")
	require.NoError(t, err)
	require.Len(t, hits, 2)

	hits, err = s.FTSSearch(ctx, "authentication", 10, "beta")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c3", hits[0].ChunkID)

	// BM25 orders ascending (more negative = better).
	hits, err = s.FTSSearch(ctx, "authentication middleware", 10, "")
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "c1", hits[0].ChunkID)
}

func TestFTSSearch_EmptyAndHostileQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hits, err := s.FTSSearch(ctx, "   ", 10, "")
	require.NoError(t, err)
	assert.Empty(t, hits)

	// Operators must not produce a MATCH syntax error.
	_, err = s.FTSSearch(ctx, `"unbalanced (quote* NEAR/3 -`, 10, "")
	require.NoError(t, err)
}

func TestFTSConsistency_AfterInsertAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertChunks(ctx, []*Chunk{
		testChunk("c1", "s1", "p", 0, "one"),
		testChunk("c2", "s1", "p", 1, "two"),
	})
	require.NoError(t, err)

	missing, err := s.CheckFTSConsistency(ctx)
	require.NoError(t, err)
	assert.Zero(t, missing)

	_, err = s.DeleteChunks(ctx, []string{"c1"})
	require.NoError(t, err)

	hits, err := s.FTSSearch(ctx, "one", 10, "")
	require.NoError(t, err)
	assert.Empty(t, hits, "deleted chunk must leave no FTS row")
}

func TestCreateOrBoostEdges_BoostFormula(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertChunks(ctx, []*Chunk{
		testChunk("a", "s1", "p", 0, "alpha"),
		testChunk("b", "s1", "p", 1, "beta"),
	})
	require.NoError(t, err)

	pair := []*Edge{
		{SourceChunkID: "b", TargetChunkID: "a", EdgeType: EdgeBackward, ReferenceType: RefFilePath, Weight: 0.5},
		{SourceChunkID: "a", TargetChunkID: "b", EdgeType: EdgeForward, ReferenceType: RefFilePath, Weight: 0.5},
	}

	inserted, err := s.CreateOrBoostEdges(ctx, pair, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	// Same evidence again: link_count bumps, weight rises with diminishing returns.
	inserted, err = s.CreateOrBoostEdges(ctx, pair, 0.1)
	require.NoError(t, err)
	assert.Zero(t, inserted)

	edges, err := s.GetEdgesFrom(ctx, []string{"b"}, EdgeBackward)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, 2, edges[0].LinkCount)
	assert.InDelta(t, 0.5+(1-0.5)*0.1, edges[0].Weight, 1e-9)
}

func TestEdgeSymmetry_PairSharesWeight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertChunks(ctx, []*Chunk{
		testChunk("a", "s1", "p", 0, "alpha"),
		testChunk("b", "s1", "p", 1, "beta"),
	})
	require.NoError(t, err)

	_, err = s.CreateOrBoostEdges(ctx, []*Edge{
		{SourceChunkID: "b", TargetChunkID: "a", EdgeType: EdgeBackward, ReferenceType: RefErrorFragment, Weight: 0.9},
		{SourceChunkID: "a", TargetChunkID: "b", EdgeType: EdgeForward, ReferenceType: RefErrorFragment, Weight: 0.9},
	}, 0.1)
	require.NoError(t, err)

	back, err := s.GetEdgesFrom(ctx, []string{"b"}, EdgeBackward)
	require.NoError(t, err)
	fwd, err := s.GetEdgesFrom(ctx, []string{"a"}, EdgeForward)
	require.NoError(t, err)
	require.Len(t, back, 1)
	require.Len(t, fwd, 1)
	assert.Equal(t, back[0].Weight, fwd[0].Weight)
}

func TestDeleteChunks_CascadesEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chunks := []*Chunk{
		testChunk("a", "s1", "p", 0, "alpha content"),
		testChunk("b", "s1", "p", 1, "beta content"),
	}
	vecs := [][]float32{{1, 0}, {0, 1}}
	_, err := s.InsertChunksWithEmbeddings(ctx, chunks, vecs, "test-model")
	require.NoError(t, err)

	_, err = s.CreateOrBoostEdges(ctx, []*Edge{
		{SourceChunkID: "b", TargetChunkID: "a", EdgeType: EdgeBackward, ReferenceType: RefAdjacent, Weight: 0.5},
		{SourceChunkID: "a", TargetChunkID: "b", EdgeType: EdgeForward, ReferenceType: RefAdjacent, Weight: 0.5},
	}, 0.1)
	require.NoError(t, err)

	cl := &Cluster{ID: "cl1", MembershipHash: "h"}
	require.NoError(t, s.ReplaceClusters(ctx, []*Cluster{cl}, []*Assignment{
		{ChunkID: "a", ClusterID: "cl1", Distance: 0.05},
	}))

	deleted, err := s.DeleteChunks(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	embs, err := s.GetAllEmbeddings(ctx, "")
	require.NoError(t, err)
	assert.NotContains(t, embs, "a")
	assert.Contains(t, embs, "b")

	n, err := s.EdgeCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "edges touching a deleted chunk must go in the same operation")

	assigns, err := s.ClustersForChunks(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Empty(t, assigns)
}

func TestGetPreviousSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	early := testChunk("c1", "s1", "p", 0, "first session")
	late := testChunk("c2", "s2", "p", 0, "second session")
	late.StartTime = early.StartTime.Add(time.Hour)
	late.EndTime = late.StartTime.Add(time.Minute)

	_, err := s.InsertChunks(ctx, []*Chunk{early, late})
	require.NoError(t, err)

	prev, err := s.GetPreviousSession(ctx, "p", "s2")
	require.NoError(t, err)
	assert.Equal(t, "s1", prev)

	prev, err = s.GetPreviousSession(ctx, "p", "s1")
	require.NoError(t, err)
	assert.Empty(t, prev)
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cp, err := s.GetCheckpoint(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, cp)

	mtime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveCheckpoint(ctx, &Checkpoint{
		SessionID: "s1", LastTurnIndex: 7, LastChunkID: "c9", FileMtime: mtime,
	}))

	cp, err = s.GetCheckpoint(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 7, cp.LastTurnIndex)
	assert.Equal(t, "c9", cp.LastChunkID)
	assert.Equal(t, mtime.UnixMilli(), cp.FileMtime.UnixMilli())
}

func TestEmbeddingCache_HitCountsAndEviction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CachePut(ctx, []string{"h1", "h2"}, [][]float32{{0.1, 0.2}, {0.3, 0.4}}, "m"))

	got, err := s.CacheGet(ctx, []string{"h1", "h3"}, "m")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 0.1, got["h1"][0], 1e-6)

	// Different model is a miss.
	got, err = s.CacheGet(ctx, []string{"h1"}, "other")
	require.NoError(t, err)
	assert.Empty(t, got)

	entries, hits, err := s.CacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, entries)
	assert.Equal(t, 1, hits)

	evicted, err := s.CacheEvictOrphans(ctx, []string{"h2"})
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)
}

func TestClusters_ReplaceAssignStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertChunks(ctx, []*Chunk{
		testChunk("a", "s1", "p", 0, "alpha"),
		testChunk("b", "s1", "p", 1, "beta"),
	})
	require.NoError(t, err)

	clusters := []*Cluster{{
		ID:             "cl1",
		Centroid:       []float32{0.6, 0.8},
		ExemplarIDs:    []string{"a"},
		MembershipHash: "hash-1",
	}}
	require.NoError(t, s.ReplaceClusters(ctx, clusters, []*Assignment{
		{ChunkID: "a", ClusterID: "cl1", Distance: 0.02},
	}))

	stale, err := s.StaleClusters(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 1, "unlabeled cluster is stale")

	require.NoError(t, s.UpdateClusterLabel(ctx, "cl1", "auth work", "sessions about auth"))
	stale, err = s.StaleClusters(ctx)
	require.NoError(t, err)
	assert.Empty(t, stale)

	got, err := s.GetCluster(ctx, "cl1")
	require.NoError(t, err)
	assert.Equal(t, "auth work", got.Name)
	assert.InDelta(t, 0.6, got.Centroid[0], 1e-6)
	assert.Equal(t, []string{"a"}, got.ExemplarIDs)

	require.NoError(t, s.AssignChunk(ctx, &Assignment{ChunkID: "b", ClusterID: "cl1", Distance: 0.09}))
	members, err := s.ClusterMembers(ctx, "cl1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, members)

	err = s.UpdateClusterLabel(ctx, "missing", "x", "y")
	assert.True(t, cerr.IsKind(err, cerr.KindNotFound))
}

func TestListProjectsAndSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var batch []*Chunk
	for i := 0; i < 3; i++ {
		batch = append(batch, testChunk(fmt.Sprintf("a%d", i), "s1", "alpha", i, fmt.Sprintf("alpha %d", i)))
	}
	batch = append(batch, testChunk("b0", "s2", "beta", 0, "beta zero"))
	_, err := s.InsertChunks(ctx, batch)
	require.NoError(t, err)

	projects, err := s.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 2)

	var alpha *ProjectInfo
	for _, p := range projects {
		if p.Slug == "alpha" {
			alpha = p
		}
	}
	require.NotNil(t, alpha)
	assert.Equal(t, 3, alpha.ChunkCount)

	sessions, err := s.ListSessions(ctx, "alpha", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].SessionID)
	assert.Equal(t, 3, sessions[0].ChunkCount)
}

func TestGetChunksByTimeRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var batch []*Chunk
	for i := 0; i < 5; i++ {
		batch = append(batch, testChunk(fmt.Sprintf("c%d", i), "s1", "p", i, fmt.Sprintf("content %d", i)))
	}
	_, err := s.InsertChunks(ctx, batch)
	require.NoError(t, err)

	from := batch[1].StartTime
	to := batch[3].StartTime
	got, err := s.GetChunksByTimeRange(ctx, "p", from, to, TimeRangeOpts{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "c1", got[0].ID)
	assert.Equal(t, "c3", got[2].ID)

	got, err = s.GetChunksByTimeRange(ctx, "p", from, to, TimeRangeOpts{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestPruneDanglingEdges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertChunks(ctx, []*Chunk{
		testChunk("a", "s1", "p", 0, "alpha"),
		testChunk("b", "s1", "p", 1, "beta"),
	})
	require.NoError(t, err)
	_, err = s.CreateOrBoostEdges(ctx, []*Edge{
		{SourceChunkID: "b", TargetChunkID: "a", EdgeType: EdgeBackward, ReferenceType: RefAdjacent, Weight: 0.5},
	}, 0.1)
	require.NoError(t, err)

	// Remove the chunk row underneath the edge to simulate an orphan.
	_, err = s.db.Exec(`DELETE FROM chunks WHERE id = 'a'`)
	require.NoError(t, err)

	edges, _, err := s.PruneDanglingEdges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, edges)
}

func TestOpen_EncryptedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "causantic.db")
	keyA := bytes.Repeat([]byte{0xA1}, 32)
	keyB := bytes.Repeat([]byte{0xB2}, 32)
	ctx := context.Background()

	s, err := Open(path, Options{Key: keyA})
	require.NoError(t, err)
	_, err = s.InsertChunks(ctx, []*Chunk{testChunk("c1", "s1", "p", 0, "sealed content")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// At rest only the ciphertext remains, carrying the payload magic.
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "plaintext working copy must be gone after close")
	sealed, err := os.ReadFile(path + ".enc")
	require.NoError(t, err)
	assert.Equal(t, []byte("ECM\x00"), sealed[:4])
	assert.NotContains(t, string(sealed), "sealed content")

	// Without the key: open fails.
	_, err = Open(path, Options{})
	require.Error(t, err)
	assert.True(t, cerr.IsKind(err, cerr.KindCrypto))

	// With a wrong key: authentication fails, open fails.
	_, err = Open(path, Options{Key: keyB})
	require.Error(t, err)
	assert.True(t, cerr.IsKind(err, cerr.KindCrypto))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "a failed open must not leave a working copy")

	// With the correct key: all prior chunks are readable.
	s2, err := Open(path, Options{Key: keyA})
	require.NoError(t, err)
	chunks, err := s2.GetChunksBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "sealed content", chunks[0].Content)
	require.NoError(t, s2.Close())
}

func TestOpen_EncryptsExistingPlaintextOnFirstEnable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "causantic.db")
	key := bytes.Repeat([]byte{0x42}, 32)
	ctx := context.Background()

	// Start unencrypted.
	s, err := Open(path, Options{})
	require.NoError(t, err)
	_, err = s.InsertChunks(ctx, []*Chunk{testChunk("c1", "s1", "p", 0, "pre-existing row")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// First open with a key adopts the plaintext file and seals at close.
	s, err = Open(path, Options{Key: key})
	require.NoError(t, err)
	chunks, err := s.GetChunksBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.NoError(t, s.Close())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".enc")
	assert.NoError(t, err)
}

func TestProjectsCacheInvalidationHook(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	invalidations := 0
	s.SetChangeNotifier(func() { invalidations++ })

	_, err := s.InsertChunks(ctx, []*Chunk{testChunk("a", "s1", "p", 0, "alpha")})
	require.NoError(t, err)
	assert.Equal(t, 1, invalidations)

	_, err = s.DeleteChunks(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 2, invalidations)
}
