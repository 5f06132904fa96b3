package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrolution/causantic/internal/embed"
	"github.com/entrolution/causantic/internal/store"
	"github.com/entrolution/causantic/internal/vector"
)

type harness struct {
	store *store.Store
	index *vector.MemoryIndex
	orch  *Orchestrator
	dir   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	idx := vector.NewMemoryIndex(32)
	batcher := embed.NewCachedBatcher(embed.NewStaticEmbedder(32), s)
	return &harness{
		store: s,
		index: idx,
		orch:  New(s, idx, batcher, DefaultOptions()),
		dir:   t.TempDir(),
	}
}

func msgLine(session, role, ts, text string) string {
	return fmt.Sprintf(`{"type":%q,"timestamp":%q,"sessionId":%q,"cwd":"/home/u/code/webapp","message":{"role":%q,"content":[{"type":"text","text":%q}]}}`,
		role, ts, session, role, text)
}

func (h *harness) writeTranscript(t *testing.T, name string, lines []string) string {
	t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))
	return path
}

// A three-turn session where turn 3 mentions the file path introduced in turn 1.
func threeTurnSession(session string) []string {
	return []string{
		msgLine(session, "user", "2026-03-01T10:00:00Z", "please create src/a.ts with the parser"),
		msgLine(session, "assistant", "2026-03-01T10:00:10Z", "created src/a.ts with a parse function"),
		msgLine(session, "user", "2026-03-01T10:01:00Z", "now wire it into the build"),
		msgLine(session, "assistant", "2026-03-01T10:01:10Z", "wired into the build config"),
		msgLine(session, "user", "2026-03-01T10:02:00Z", "src/a.ts fails to compile, can you look"),
		msgLine(session, "assistant", "2026-03-01T10:02:10Z", "fixed the type annotation in src/a.ts"),
	}
}

func TestIngest_SingleChunkUnderCap(t *testing.T) {
	h := newHarness(t)
	path := h.writeTranscript(t, "sess-1.jsonl", threeTurnSession("sess-1"))

	result, err := h.orch.IngestFile(context.Background(), path)
	require.NoError(t, err)

	assert.Empty(t, result.Skipped)
	assert.Equal(t, 1, result.ChunksAdded, "three small turns fit one 4096-token chunk")
	assert.Equal(t, "webapp", result.ProjectSlug)
	assert.Zero(t, result.CacheHits)
	assert.Equal(t, 1, result.CacheMisses)

	chunks, err := h.store.GetChunksBySession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, []int{0, 1, 2}, chunks[0].TurnIndices)
	assert.True(t, h.index.Contains(chunks[0].ID))
}

func TestIngest_FilePathEdgeAcrossChunks(t *testing.T) {
	h := newHarness(t)
	// A tiny token cap forces one chunk per turn.
	opts := DefaultOptions()
	opts.Chunking.MaxTokens = 256
	batcher := embed.NewCachedBatcher(embed.NewStaticEmbedder(32), h.store)
	h.orch = New(h.store, h.index, batcher, opts)

	pad := strings.Repeat("filler words to push the turn over the low cap ", 30)
	lines := []string{
		msgLine("sess-2", "user", "2026-03-01T10:00:00Z", "create src/a.ts please. "+pad),
		msgLine("sess-2", "assistant", "2026-03-01T10:00:10Z", "created src/a.ts. "+pad),
		msgLine("sess-2", "user", "2026-03-01T10:02:00Z", "src/a.ts is broken. "+pad),
		msgLine("sess-2", "assistant", "2026-03-01T10:02:10Z", "fixed src/a.ts. "+pad),
	}
	path := h.writeTranscript(t, "sess-2.jsonl", lines)

	result, err := h.orch.IngestFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, result.ChunksAdded)

	ctx := context.Background()
	chunks, err := h.store.GetChunksBySession(ctx, "sess-2")
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	back, err := h.store.GetEdgesFrom(ctx, []string{chunks[1].ID}, store.EdgeBackward)
	require.NoError(t, err)
	fwd, err := h.store.GetEdgesFrom(ctx, []string{chunks[0].ID}, store.EdgeForward)
	require.NoError(t, err)

	var backFile, fwdFile *store.Edge
	for _, e := range back {
		if e.ReferenceType == store.RefFilePath {
			backFile = e
		}
	}
	for _, e := range fwd {
		if e.ReferenceType == store.RefFilePath {
			fwdFile = e
		}
	}
	require.NotNil(t, backFile, "file-path backward edge")
	require.NotNil(t, fwdFile, "file-path forward edge")
	assert.Equal(t, 1.0, backFile.Weight)
	assert.Equal(t, 1.0, fwdFile.Weight)
}

// Re-ingesting an unchanged session is a no-op.
func TestIngest_IdempotentSecondRun(t *testing.T) {
	h := newHarness(t)
	path := h.writeTranscript(t, "sess-1.jsonl", threeTurnSession("sess-1"))
	ctx := context.Background()

	first, err := h.orch.IngestFile(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 1, first.ChunksAdded)

	edgesBefore, err := h.store.EdgeCount(ctx)
	require.NoError(t, err)

	second, err := h.orch.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, SkipUnchangedFile, second.Skipped)
	assert.Zero(t, second.ChunksAdded)

	edgesAfter, err := h.store.EdgeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, edgesBefore, edgesAfter)
}

func TestIngest_IncrementalPrefixThenFull(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	full := threeTurnSession("sess-1")

	// Ingest the first two turns.
	path := h.writeTranscript(t, "sess-1.jsonl", full[:4])
	_, err := h.orch.IngestFile(ctx, path)
	require.NoError(t, err)

	prefixChunks, err := h.store.GetChunksBySession(ctx, "sess-1")
	require.NoError(t, err)

	// Rewrite with the full session and bump mtime.
	path = h.writeTranscript(t, "sess-1.jsonl", full)
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	result, err := h.orch.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.Empty(t, result.Skipped)
	assert.Equal(t, 1, result.ChunksAdded, "only the new turn becomes a chunk")

	allChunks, err := h.store.GetChunksBySession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, allChunks, len(prefixChunks)+1)

	// The new edges span old and new: every edge touches the new chunk.
	newChunk := allChunks[len(allChunks)-1]
	edges, err := h.store.GetEdgesFrom(ctx, []string{newChunk.ID}, store.EdgeBackward)
	require.NoError(t, err)
	assert.NotEmpty(t, edges)
	assert.Equal(t, prefixChunks[len(prefixChunks)-1].ID, edges[0].TargetChunkID)
}

func TestIngest_EmbeddingCacheHitsOnReingest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	path := h.writeTranscript(t, "sess-1.jsonl", threeTurnSession("sess-1"))

	_, err := h.orch.IngestFile(ctx, path)
	require.NoError(t, err)

	// Delete the session but keep the cache, then ingest again: every
	// chunk embedding must come from the cache.
	_, err = h.store.DeleteSession(ctx, "sess-1")
	require.NoError(t, err)

	result, err := h.orch.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, result.ChunksAdded, result.CacheHits)
	assert.Zero(t, result.CacheMisses)
}

func TestIngest_CrossSessionEdges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.writeTranscript(t, "sess-a.jsonl", []string{
		msgLine("sess-a", "user", "2026-03-01T09:00:00Z", "start the webapp work"),
		msgLine("sess-a", "assistant", "2026-03-01T09:00:10Z", "scaffolded the project"),
	})
	_, err := h.orch.IngestFile(ctx, first)
	require.NoError(t, err)

	second := h.writeTranscript(t, "sess-b.jsonl", []string{
		msgLine("sess-b", "user", "2026-03-02T09:00:00Z", "continue where we left off"),
		msgLine("sess-b", "assistant", "2026-03-02T09:00:10Z", "resuming"),
	})
	_, err = h.orch.IngestFile(ctx, second)
	require.NoError(t, err)

	newChunks, err := h.store.GetChunksBySession(ctx, "sess-b")
	require.NoError(t, err)
	require.Len(t, newChunks, 1)

	edges, err := h.store.GetEdgesFrom(ctx, []string{newChunks[0].ID}, store.EdgeBackward)
	require.NoError(t, err)

	found := false
	for _, e := range edges {
		if e.ReferenceType == store.RefCrossSession {
			found = true
			assert.InDelta(t, 0.7, e.Weight, 1e-9)
		}
	}
	assert.True(t, found, "cross-session backward edge exists")
}

func TestIngest_SubAgentBriefDebrief(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	agentLines := []string{
		fmt.Sprintf(`{"type":"user","timestamp":"2026-03-01T10:00:30Z","sessionId":"sess-sub","cwd":"/home/u/code/webapp","message":{"role":"user","content":[{"type":"text","text":"brief: hunt the flaky test"}]}}`),
		fmt.Sprintf(`{"type":"assistant","timestamp":"2026-03-01T10:00:40Z","sessionId":"sess-sub","message":{"role":"assistant","content":[{"type":"text","text":"found it in retry logic"}]}}`),
		fmt.Sprintf(`{"type":"assistant","timestamp":"2026-03-01T10:00:50Z","sessionId":"sess-sub","message":{"role":"assistant","content":[{"type":"text","text":"done"}]}}`),
	}
	h.writeTranscript(t, "agent-sub.jsonl", agentLines)

	parentLines := []string{
		msgLine("sess-p", "user", "2026-03-01T10:00:00Z", "delegate the flaky test hunt"),
		msgLine("sess-p", "assistant", "2026-03-01T10:00:10Z", "spawning a sub-agent"),
		`{"type":"progress","event":"spawn","agentId":"hunter","agentFile":"agent-sub.jsonl","spawnDepth":1,"sessionId":"sess-p"}`,
		`{"type":"progress","event":"return","agentId":"hunter","spawnDepth":1,"sessionId":"sess-p"}`,
		msgLine("sess-p", "user", "2026-03-01T10:03:00Z", "summarize what the sub-agent found"),
		msgLine("sess-p", "assistant", "2026-03-01T10:03:10Z", "it was the retry logic"),
	}
	path := h.writeTranscript(t, "sess-p.jsonl", parentLines)

	result, err := h.orch.IngestFile(ctx, path)
	require.NoError(t, err)
	require.Len(t, result.SubAgents, 1)
	assert.Equal(t, "sess-sub", result.SubAgents[0].SessionID)

	subChunks, err := h.store.GetChunksBySession(ctx, "sess-sub")
	require.NoError(t, err)
	require.NotEmpty(t, subChunks)
	assert.Equal(t, "hunter", subChunks[0].AgentID)
	assert.Equal(t, 1, subChunks[0].SpawnDepth)

	// Brief: backward edge from the sub-agent's first chunk to a parent chunk.
	briefs, err := h.store.GetEdgesFrom(ctx, []string{subChunks[0].ID}, store.EdgeBackward)
	require.NoError(t, err)
	foundBrief := false
	for _, e := range briefs {
		if e.ReferenceType == store.RefBrief {
			foundBrief = true
			assert.InDelta(t, 0.9*0.9, e.Weight, 1e-9)
		}
	}
	assert.True(t, foundBrief, "brief edge to sub-agent head")

	// Debrief: edge from the sub-agent's last chunk to the parent.
	debriefs, err := h.store.GetEdgesFrom(ctx, []string{subChunks[len(subChunks)-1].ID}, store.EdgeForward)
	require.NoError(t, err)
	foundDebrief := false
	for _, e := range debriefs {
		if e.ReferenceType == store.RefDebrief {
			foundDebrief = true
		}
	}
	assert.True(t, foundDebrief, "debrief edge back to parent")
}

func TestIngest_CancelledContext(t *testing.T) {
	h := newHarness(t)
	path := h.writeTranscript(t, "sess-1.jsonl", threeTurnSession("sess-1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.orch.IngestFile(ctx, path)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIngest_MissingFile(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.IngestFile(context.Background(), filepath.Join(h.dir, "absent.jsonl"))
	require.Error(t, err)
}
