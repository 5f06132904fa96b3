// Package ingest drives the session pipeline: parse, chunk, embed (through
// the cache), store, and edge building — resumable via checkpoints.
package ingest

import (
	"context"
	"log/slog"
	"os"

	"github.com/entrolution/causantic/internal/chunker"
	"github.com/entrolution/causantic/internal/cluster"
	"github.com/entrolution/causantic/internal/embed"
	cerr "github.com/entrolution/causantic/internal/errors"
	"github.com/entrolution/causantic/internal/graph"
	"github.com/entrolution/causantic/internal/parser"
	"github.com/entrolution/causantic/internal/store"
	"github.com/entrolution/causantic/internal/vector"
)

// SkipUnchangedFile is the Result.Skipped reason for a session whose file
// mtime matches its checkpoint.
const SkipUnchangedFile = "unchanged_file"

// crossSessionTailLen is how many tail chunks of the previous session are
// linked to a new session's head.
const crossSessionTailLen = 2

// Options configures the orchestrator.
type Options struct {
	Chunking    chunker.Options
	BoostFactor float64

	// AssignThreshold is the max cosine distance for incremental cluster
	// assignment of new chunks.
	AssignThreshold float64

	// KeepSidechains is passed through to the parser.
	KeepSidechains bool
}

// DefaultOptions returns orchestrator defaults.
func DefaultOptions() Options {
	return Options{
		Chunking:        chunker.DefaultOptions(),
		BoostFactor:     0.1,
		AssignThreshold: 0.10,
	}
}

// Result summarizes one session ingest.
type Result struct {
	SessionID   string
	ProjectSlug string
	Skipped     string // empty, or a skip reason
	ChunksAdded int
	EdgesAdded  int
	CacheHits   int
	CacheMisses int
	SubAgents   []*Result
}

// Orchestrator wires the parser, chunker, embedder cache, store, vector
// index, and edge builder.
type Orchestrator struct {
	store   *store.Store
	index   vector.Index
	batcher *embed.CachedBatcher
	opts    Options
}

// New creates an ingest orchestrator.
func New(s *store.Store, idx vector.Index, batcher *embed.CachedBatcher, opts Options) *Orchestrator {
	if opts.BoostFactor <= 0 || opts.BoostFactor >= 1 {
		opts.BoostFactor = 0.1
	}
	if opts.Chunking.MaxTokens <= 0 {
		opts.Chunking = chunker.DefaultOptions()
	}
	return &Orchestrator{store: s, index: idx, batcher: batcher, opts: opts}
}

// IngestFile ingests one session transcript, resuming from its checkpoint.
// Sub-agent transcripts are discovered and processed first, depth-first.
func (o *Orchestrator) IngestFile(ctx context.Context, path string) (*Result, error) {
	return o.ingestFile(ctx, path, "", 0)
}

func (o *Orchestrator) ingestFile(ctx context.Context, path, agentID string, spawnDepth int) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, cerr.Wrap(cerr.KindNotFound, err)
	}

	known, err := o.store.ProjectPaths(ctx)
	if err != nil {
		return nil, err
	}
	session, err := parser.ParseFile(path, parser.Options{
		KeepSidechains: o.opts.KeepSidechains,
		KnownSlugs:     known,
	})
	if err != nil {
		return nil, err
	}

	result := &Result{SessionID: session.SessionID, ProjectSlug: session.ProjectSlug}

	checkpoint, err := o.store.GetCheckpoint(ctx, session.SessionID)
	if err != nil {
		return nil, err
	}
	// The checkpoint stores the mtime at millisecond precision.
	if checkpoint != nil && checkpoint.FileMtime.UnixMilli() == info.ModTime().UnixMilli() {
		result.Skipped = SkipUnchangedFile
		return result, nil
	}

	// Sub-agents first, depth-first, so brief/debrief edges always have
	// persisted endpoints. Cancellation is honored between sub-agents.
	depthByAgent := make(map[string]int)
	for _, sp := range session.Spawns {
		if sp.Kind == parser.SpawnEventSpawn {
			depth := sp.SpawnDepth
			if depth <= 0 {
				depth = spawnDepth + 1
			}
			depthByAgent[fileKey(sp.AgentFile)] = depth
		}
	}
	subResults := make(map[string]*Result)
	for _, subPath := range parser.DiscoverSubAgentFiles(path, session) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		subAgentID := agentIDForFile(session, subPath)
		subResult, err := o.ingestFile(ctx, subPath, subAgentID, depthByAgent[fileKey(subPath)])
		if err != nil {
			slog.Warn("subagent_ingest_failed",
				slog.String("file", subPath),
				slog.String("error", err.Error()))
			continue
		}
		result.SubAgents = append(result.SubAgents, subResult)
		subResults[subAgentID] = subResult
	}

	// Slice turns past the checkpoint.
	startTurn := 0
	if checkpoint != nil {
		startTurn = checkpoint.LastTurnIndex + 1
	}
	var newTurns []parser.Turn
	for _, turn := range session.Turns {
		if turn.Index >= startTurn {
			newTurns = append(newTurns, turn)
		}
	}
	if len(newTurns) == 0 {
		// Nothing new; refresh the checkpoint mtime so the next scan skips.
		if checkpoint != nil {
			checkpoint.FileMtime = info.ModTime()
			if err := o.store.SaveCheckpoint(ctx, checkpoint); err != nil {
				return nil, err
			}
		}
		return result, nil
	}

	chunkOpts := o.opts.Chunking
	chunkOpts.AgentID = agentID
	chunkOpts.SpawnDepth = spawnDepth
	newChunks := chunker.Chunk(session, newTurns, chunkOpts)
	if len(newChunks) == 0 {
		return result, nil
	}

	// Embed through the persistent cache; misses go out in one batch.
	texts := make([]string, len(newChunks))
	for i, c := range newChunks {
		texts[i] = c.Content
	}
	vectors, stats, err := o.batcher.EmbedTexts(ctx, texts)
	if err != nil {
		return nil, err
	}
	result.CacheHits = stats.Hits
	result.CacheMisses = stats.Misses

	// Chunks and their embeddings land in one transaction; the vector
	// index follows.
	ids, err := o.store.InsertChunksWithEmbeddings(ctx, newChunks, vectors, o.batcher.Model())
	if err != nil {
		return nil, err
	}
	if err := o.index.Add(ctx, ids, vectors); err != nil {
		return nil, err
	}
	result.ChunksAdded = len(ids)

	// Incremental cluster assignment: new chunks join the nearest stable
	// centroid when close enough; otherwise they wait for the next rebuild.
	o.assignClusters(ctx, ids, vectors)

	// Edge pass one over the seam: the last pre-existing chunk plus the
	// new ones, so re-ingests only add edges spanning old and new.
	passOneChunks := newChunks
	if checkpoint != nil {
		existing, err := o.store.GetChunksBySession(ctx, session.SessionID)
		if err != nil {
			return nil, err
		}
		for _, c := range existing {
			if c.ID == checkpoint.LastChunkID {
				passOneChunks = append([]*store.Chunk{c}, newChunks...)
				break
			}
		}
	}
	edges := graph.BuildSessionEdges(passOneChunks)

	// Brief/debrief edges for each spawn/return point.
	edges = append(edges, o.spawnEdges(ctx, session, newChunks, subResults)...)

	added, err := o.store.CreateOrBoostEdges(ctx, edges, o.opts.BoostFactor)
	if err != nil {
		return nil, err
	}
	result.EdgesAdded = added

	// Cross-session linkage happens once, when the session first appears.
	if checkpoint == nil {
		n, err := o.linkPreviousSession(ctx, session, newChunks[0])
		if err != nil {
			slog.Warn("cross_session_link_failed", slog.String("error", err.Error()))
		} else {
			result.EdgesAdded += n
		}
	}

	lastChunk := newChunks[len(newChunks)-1]
	return result, o.store.SaveCheckpoint(ctx, &store.Checkpoint{
		SessionID:     session.SessionID,
		LastTurnIndex: lastChunk.TurnIndices[len(lastChunk.TurnIndices)-1],
		LastChunkID:   lastChunk.ID,
		FileMtime:     info.ModTime(),
	})
}

// assignClusters runs incremental assignment for freshly inserted chunks.
// Best-effort: failures leave chunks unclustered.
func (o *Orchestrator) assignClusters(ctx context.Context, ids []string, vectors [][]float32) {
	clusters, err := o.store.GetClusters(ctx)
	if err != nil || len(clusters) == 0 {
		return
	}
	for i, id := range ids {
		if a := cluster.AssignNearest(id, vectors[i], clusters, o.opts.AssignThreshold); a != nil {
			if err := o.store.AssignChunk(ctx, a); err != nil {
				slog.Debug("incremental_assignment_failed",
					slog.String("chunk", id),
					slog.String("error", err.Error()))
			}
		}
	}
}

// spawnEdges emits brief/debrief pairs for the session's spawn points whose
// sub-agent chunks are persisted.
func (o *Orchestrator) spawnEdges(ctx context.Context, session *parser.Session, parentChunks []*store.Chunk, subResults map[string]*Result) []*store.Edge {
	var edges []*store.Edge
	for _, sp := range session.Spawns {
		sub, ok := subResults[sp.AgentID]
		if !ok {
			continue
		}
		subChunks, err := o.store.GetChunksBySession(ctx, sub.SessionID)
		if err != nil || len(subChunks) == 0 {
			continue
		}
		depth := sp.SpawnDepth
		if depth <= 0 {
			depth = 1
		}

		switch sp.Kind {
		case parser.SpawnEventSpawn:
			// Last parent chunk at the spawn point -> first sub-agent chunk.
			if parent := chunkAtOrBefore(parentChunks, sp.TurnIndex); parent != nil {
				edges = append(edges, graph.BriefEdges(parent, subChunks[0], depth)...)
			}
		case parser.SpawnEventReturn:
			// Last sub-agent chunk -> first parent chunk after the return.
			if parent := chunkAtOrAfter(parentChunks, sp.TurnIndex); parent != nil {
				edges = append(edges, graph.DebriefEdges(subChunks[len(subChunks)-1], parent, depth)...)
			}
		}
	}
	return edges
}

// linkPreviousSession emits cross-session edges from the tail of the most
// recent session in the same project to the new session's first chunk.
func (o *Orchestrator) linkPreviousSession(ctx context.Context, session *parser.Session, first *store.Chunk) (int, error) {
	prev, err := o.store.GetPreviousSession(ctx, session.ProjectSlug, session.SessionID)
	if err != nil || prev == "" {
		return 0, err
	}
	prevChunks, err := o.store.GetChunksBySession(ctx, prev)
	if err != nil || len(prevChunks) == 0 {
		return 0, err
	}
	tail := prevChunks
	if len(tail) > crossSessionTailLen {
		tail = tail[len(tail)-crossSessionTailLen:]
	}
	return o.store.CreateOrBoostEdges(ctx, graph.CrossSessionEdges(tail, first), o.opts.BoostFactor)
}

// chunkAtOrBefore returns the last chunk covering a turn index at or before
// the given one.
func chunkAtOrBefore(chunks []*store.Chunk, turnIndex int) *store.Chunk {
	var best *store.Chunk
	for _, c := range chunks {
		if c.TurnIndices[0] <= turnIndex {
			best = c
		}
	}
	if best == nil && len(chunks) > 0 {
		best = chunks[0]
	}
	return best
}

// chunkAtOrAfter returns the first chunk whose turn range ends at or after
// the given turn index.
func chunkAtOrAfter(chunks []*store.Chunk, turnIndex int) *store.Chunk {
	for _, c := range chunks {
		if c.TurnIndices[len(c.TurnIndices)-1] >= turnIndex {
			return c
		}
	}
	if len(chunks) > 0 {
		return chunks[len(chunks)-1]
	}
	return nil
}

// agentIDForFile resolves the agent id of a spawn event by its file.
func agentIDForFile(session *parser.Session, path string) string {
	key := fileKey(path)
	for _, sp := range session.Spawns {
		if sp.Kind == parser.SpawnEventSpawn && fileKey(sp.AgentFile) == key {
			return sp.AgentID
		}
	}
	return ""
}

func fileKey(path string) string {
	// Spawn events reference files relative to the parent transcript;
	// compare by base name.
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}
