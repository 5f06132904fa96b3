// Package engine is the process-wide facade over the store, vector index,
// retriever, and ingest orchestrator. It owns the persisted-state layout
// under the data root and exposes the query API: search, recall, predict,
// list_projects, list_sessions, reconstruct, and forget.
package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/entrolution/causantic/internal/chunker"
	"github.com/entrolution/causantic/internal/config"
	"github.com/entrolution/causantic/internal/crypto"
	"github.com/entrolution/causantic/internal/embed"
	cerr "github.com/entrolution/causantic/internal/errors"
	"github.com/entrolution/causantic/internal/ingest"
	"github.com/entrolution/causantic/internal/retrieve"
	"github.com/entrolution/causantic/internal/store"
	"github.com/entrolution/causantic/internal/vector"
)

// queryCacheSize bounds the in-memory query-embedding LRU.
const queryCacheSize = 256

// Engine wires the persistent components for one user.
type Engine struct {
	cfg     *config.Config
	store   *store.Store
	index   vector.Index
	batcher *embed.CachedBatcher

	retriever    *retrieve.Retriever
	orchestrator *ingest.Orchestrator

	lock       *flock.Flock
	queryCache *lru.Cache[string, []float32]

	projectsMu    sync.Mutex
	projectsCache []*store.ProjectInfo

	vectorPath string
}

// Open builds the engine: data-root lock, encryption key resolution, store
// open with migrations, vector index load, and pipeline wiring.
// The embedder is the caller-provided external collaborator.
func Open(cfg *config.Config, embedder embed.Embedder) (*Engine, error) {
	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		return nil, cerr.Wrap(cerr.KindInternal, err)
	}

	lock := flock.New(filepath.Join(cfg.Paths.DataDir, "causantic.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, cerr.Wrap(cerr.KindInternal, err)
	}
	if !locked {
		return nil, cerr.Invalid("another causantic process owns this data directory").
			WithSuggestion("stop the other process or point CAUSANTIC_DATA_DIR elsewhere")
	}

	storeOpts := store.Options{
		LexicalFallbackPath: filepath.Join(cfg.Paths.DataDir, "lexical.bleve"),
	}
	if cfg.Encryption.Enabled {
		// Failing to obtain a key when encryption is enabled is fatal.
		key, err := crypto.NewKeyProvider(cfg.Encryption).Key()
		if err != nil {
			_ = lock.Unlock()
			return nil, err
		}
		storeOpts.Key = key
	}

	s, err := store.Open(cfg.DatabasePath(), storeOpts)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	retrying := embed.NewRetryingEmbedder(embedder, cfg.Embedding.PerItemTimeout)
	batcher := embed.NewCachedBatcher(retrying, s)

	vectorPath := filepath.Join(cfg.VectorDir(), "vectors.hnsw")
	idx := vector.NewHNSWIndex(vector.DefaultConfig(retrying.Dimensions()))
	if _, statErr := os.Stat(vectorPath); statErr == nil {
		if err := idx.Load(vectorPath); err != nil {
			// A torn vector index is rebuilt from the store's embeddings.
			slog.Warn("vector_index_rebuild", slog.String("error", err.Error()))
			idx = vector.NewHNSWIndex(vector.DefaultConfig(retrying.Dimensions()))
			if err := rebuildIndex(context.Background(), s, idx); err != nil {
				_ = s.Close()
				_ = lock.Unlock()
				return nil, err
			}
		}
	} else if err := rebuildIndex(context.Background(), s, idx); err != nil {
		_ = s.Close()
		_ = lock.Unlock()
		return nil, err
	}

	queryCache, _ := lru.New[string, []float32](queryCacheSize)

	e := &Engine{
		cfg:        cfg,
		store:      s,
		index:      idx,
		batcher:    batcher,
		lock:       lock,
		queryCache: queryCache,
		vectorPath: vectorPath,
	}
	s.SetChangeNotifier(e.invalidateProjects)

	e.retriever = retrieve.New(s, idx, e.embedQuery, retrieve.Options{
		K:             cfg.Retrieval.K,
		RRFConstant:   cfg.Retrieval.RRFConstant,
		MMRLambda:     cfg.Retrieval.MMRLambda,
		MaxChainDepth: cfg.Retrieval.MaxChainDepth,
	})
	e.orchestrator = ingest.New(s, idx, batcher, ingest.Options{
		Chunking: chunker.Options{
			MaxTokens:       cfg.Chunking.MaxTokens,
			IncludeThinking: cfg.Chunking.IncludeThinking,
		},
		BoostFactor:     cfg.Edges.BoostFactor,
		AssignThreshold: cfg.Clustering.AssignThreshold,
	})

	return e, nil
}

// NewInMemory assembles an engine over in-memory store and vector index.
// Test seam; no lock, no disk.
func NewInMemory(cfg *config.Config, embedder embed.Embedder) (*Engine, error) {
	s, err := store.OpenInMemory()
	if err != nil {
		return nil, err
	}
	idx := vector.NewMemoryIndex(embedder.Dimensions())
	batcher := embed.NewCachedBatcher(embedder, s)
	queryCache, _ := lru.New[string, []float32](queryCacheSize)

	e := &Engine{
		cfg:        cfg,
		store:      s,
		index:      idx,
		batcher:    batcher,
		queryCache: queryCache,
	}
	s.SetChangeNotifier(e.invalidateProjects)
	e.retriever = retrieve.New(s, idx, e.embedQuery, retrieve.Options{
		K:             cfg.Retrieval.K,
		RRFConstant:   cfg.Retrieval.RRFConstant,
		MMRLambda:     cfg.Retrieval.MMRLambda,
		MaxChainDepth: cfg.Retrieval.MaxChainDepth,
	})
	e.orchestrator = ingest.New(s, idx, batcher, ingest.Options{
		Chunking: chunker.Options{
			MaxTokens:       cfg.Chunking.MaxTokens,
			IncludeThinking: cfg.Chunking.IncludeThinking,
		},
		BoostFactor:     cfg.Edges.BoostFactor,
		AssignThreshold: cfg.Clustering.AssignThreshold,
	})
	return e, nil
}

// rebuildIndex reloads every stored embedding into the vector index.
func rebuildIndex(ctx context.Context, s *store.Store, idx vector.Index) error {
	embeddings, err := s.GetAllEmbeddings(ctx, "")
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(embeddings))
	vecs := make([][]float32, 0, len(embeddings))
	for id, v := range embeddings {
		ids = append(ids, id)
		vecs = append(vecs, v)
	}
	return idx.Add(ctx, ids, vecs)
}

// embedQuery embeds a query through the in-memory LRU.
func (e *Engine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if vec, ok := e.queryCache.Get(query); ok {
		return vec, nil
	}
	vec, err := e.batcher.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	e.queryCache.Add(query, vec)
	return vec, nil
}

// Store exposes the store to the maintenance layer.
func (e *Engine) Store() *store.Store { return e.store }

// Index exposes the vector index to the maintenance layer.
func (e *Engine) Index() vector.Index { return e.index }

// Orchestrator exposes the ingest orchestrator.
func (e *Engine) Orchestrator() *ingest.Orchestrator { return e.orchestrator }

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Search runs the hybrid pipeline without chain expansion.
func (e *Engine) Search(ctx context.Context, query string, filters Filters, k int) ([]*retrieve.Hit, error) {
	if query == "" {
		return nil, cerr.Invalid("query must not be empty")
	}
	return e.retriever.Search(ctx, retrieve.Request{
		Query:        query,
		Project:      filters.Project,
		SkipClusters: filters.SkipClusters,
		K:            k,
	})
}

// Recall runs the pipeline plus the backward causal walk.
func (e *Engine) Recall(ctx context.Context, query string, filters Filters, tokenBudget int) ([]*retrieve.Hit, error) {
	if query == "" {
		return nil, cerr.Invalid("query must not be empty")
	}
	return e.retriever.Recall(ctx, retrieve.Request{
		Query:        query,
		Project:      filters.Project,
		SkipClusters: filters.SkipClusters,
		K:            e.cfg.Retrieval.K,
		TokenBudget:  tokenBudget,
	})
}

// Predict runs the pipeline over recent context and walks forward edges.
func (e *Engine) Predict(ctx context.Context, contextText string, filters Filters) ([]*retrieve.Hit, error) {
	if contextText == "" {
		return nil, cerr.Invalid("context must not be empty")
	}
	return e.retriever.Predict(ctx, retrieve.Request{
		Query:        contextText,
		Project:      filters.Project,
		SkipClusters: filters.SkipClusters,
		K:            e.cfg.Retrieval.K,
	})
}

// Ingest processes one session transcript.
func (e *Engine) Ingest(ctx context.Context, path string) (*ingest.Result, error) {
	return e.orchestrator.IngestFile(ctx, path)
}

// ListProjects returns project summaries through the process-wide cache,
// which is invalidated on every chunk insert and delete.
func (e *Engine) ListProjects(ctx context.Context) ([]*store.ProjectInfo, error) {
	e.projectsMu.Lock()
	defer e.projectsMu.Unlock()

	if e.projectsCache != nil {
		return e.projectsCache, nil
	}
	projects, err := e.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	e.projectsCache = projects
	return projects, nil
}

func (e *Engine) invalidateProjects() {
	e.projectsMu.Lock()
	e.projectsCache = nil
	e.projectsMu.Unlock()
}

// ListSessions returns session summaries of a project within a range.
func (e *Engine) ListSessions(ctx context.Context, project string, from, to time.Time) ([]*store.SessionInfo, error) {
	if project == "" {
		return nil, cerr.Invalid("project must not be empty")
	}
	return e.store.ListSessions(ctx, project, from, to)
}

// SaveIndex persists the vector index to disk.
func (e *Engine) SaveIndex() error {
	if e.vectorPath == "" {
		return nil
	}
	return e.index.Save(e.vectorPath)
}

// Close persists the vector index, closes the store, and releases the
// data-root lock.
func (e *Engine) Close() error {
	if err := e.SaveIndex(); err != nil {
		slog.Warn("vector_index_save_failed", slog.String("error", err.Error()))
	}
	err := e.store.Close()
	_ = e.index.Close()
	if e.lock != nil {
		_ = e.lock.Unlock()
	}
	return err
}

// Filters narrow query operations.
type Filters struct {
	Project      string
	SkipClusters bool
}
