package vector

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
)

// Config tunes the HNSW graph.
type Config struct {
	// Dimensions is the fixed embedding dimension.
	Dimensions int

	// M is the max connections per layer.
	M int

	// EfSearch is the query-time search width.
	EfSearch int
}

// DefaultConfig returns sensible HNSW defaults for dimensions.
func DefaultConfig(dimensions int) Config {
	return Config{
		Dimensions: dimensions,
		M:          16,
		EfSearch:   64,
	}
}

// HNSWIndex implements Index on a pure-Go HNSW graph.
// Deletions are lazy: the node stays in the graph but loses its id mapping,
// which avoids graph breakage when the last node is removed.
type HNSWIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config Config

	idMap   map[string]uint64 // chunk id -> internal key
	keyMap  map[uint64]string // internal key -> chunk id
	nextKey uint64

	closed bool
}

// hnswMetadata is the gob sidecar holding id mappings.
type hnswMetadata struct {
	IDMap   map[string]uint64
	NextKey uint64
	Config  Config
}

// NewHNSWIndex creates an empty HNSW index.
func NewHNSWIndex(cfg Config) *HNSWIndex {
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 64
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &HNSWIndex{
		graph:  graph,
		config: cfg,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}
}

// Add inserts vectors with their ids, replacing existing ones lazily.
func (x *HNSWIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return fmt.Errorf("index is closed")
	}

	for _, v := range vectors {
		if len(v) != x.config.Dimensions {
			return ErrDimensionMismatch{Expected: x.config.Dimensions, Got: len(v)}
		}
	}

	for i, id := range ids {
		if existingKey, exists := x.idMap[id]; exists {
			delete(x.keyMap, existingKey)
			delete(x.idMap, id)
		}

		key := x.nextKey
		x.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		NormalizeInPlace(vec)

		x.graph.Add(hnsw.MakeNode(key, vec))
		x.idMap[id] = key
		x.keyMap[key] = id
	}

	return nil
}

// Search finds the k nearest neighbors, honoring the optional filter set.
// Filtered searches over-fetch and widen until enough live, in-filter nodes
// surface or the whole graph has been considered.
func (x *HNSWIndex) Search(ctx context.Context, query []float32, k int, filter map[string]struct{}) ([]*Result, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.closed {
		return nil, fmt.Errorf("index is closed")
	}
	if len(query) != x.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: x.config.Dimensions, Got: len(query)}
	}
	if x.graph.Len() == 0 || k <= 0 {
		return []*Result{}, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	NormalizeInPlace(normalized)

	fetch := k
	if filter != nil {
		fetch = k * 4
	}

	for {
		if fetch > x.graph.Len() {
			fetch = x.graph.Len()
		}
		nodes := x.graph.Search(normalized, fetch)

		results := make([]*Result, 0, k)
		for _, node := range nodes {
			id, exists := x.keyMap[node.Key]
			if !exists {
				continue // lazily deleted
			}
			if filter != nil {
				if _, ok := filter[id]; !ok {
					continue
				}
			}
			distance := x.graph.Distance(normalized, node.Value)
			results = append(results, &Result{ID: id, Score: 1.0 - distance/2.0})
			if len(results) == k {
				break
			}
		}

		if len(results) == k || fetch == x.graph.Len() {
			return results, nil
		}
		fetch *= 2
	}
}

// Delete removes vectors by id using lazy deletion.
func (x *HNSWIndex) Delete(ctx context.Context, ids []string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return fmt.Errorf("index is closed")
	}
	for _, id := range ids {
		if key, exists := x.idMap[id]; exists {
			delete(x.keyMap, key)
			delete(x.idMap, id)
		}
	}
	return nil
}

// Contains checks if an id exists.
func (x *HNSWIndex) Contains(id string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, exists := x.idMap[id]
	return exists
}

// Count returns the number of live vectors.
func (x *HNSWIndex) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.idMap)
}

// AllIDs returns every live vector id.
func (x *HNSWIndex) AllIDs() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ids := make([]string, 0, len(x.idMap))
	for id := range x.idMap {
		ids = append(ids, id)
	}
	return ids
}

// Orphans reports lazily deleted nodes still held by the graph. They stay
// until a fresh index is built; nothing rebuilds the index based on this
// count.
func (x *HNSWIndex) Orphans() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.graph.Len() - len(x.idMap)
}

// Save persists the graph and its id-mapping sidecar atomically
// (temp file + rename).
func (x *HNSWIndex) Save(path string) error {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.closed {
		return fmt.Errorf("index is closed")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create vector directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	if err := x.graph.Export(file); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename index file: %w", err)
	}

	return x.saveMetadata(path + ".meta")
}

func (x *HNSWIndex) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create metadata file: %w", err)
	}

	meta := hnswMetadata{IDMap: x.idMap, NextKey: x.nextKey, Config: x.config}
	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close metadata file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// Load restores the graph and id mappings from disk.
func (x *HNSWIndex) Load(path string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return fmt.Errorf("index is closed")
	}

	metaFile, err := os.Open(path + ".meta")
	if err != nil {
		return fmt.Errorf("open metadata file: %w", err)
	}
	var meta hnswMetadata
	err = gob.NewDecoder(metaFile).Decode(&meta)
	_ = metaFile.Close()
	if err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}

	x.idMap = meta.IDMap
	x.nextKey = meta.NextKey
	x.config = meta.Config
	x.keyMap = make(map[uint64]string, len(meta.IDMap))
	for id, key := range x.idMap {
		x.keyMap[key] = id
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open index file: %w", err)
	}
	defer file.Close()

	// coder/hnsw Import requires an io.ByteReader.
	if err := x.graph.Import(bufio.NewReader(file)); err != nil {
		return fmt.Errorf("import graph: %w", err)
	}
	return nil
}

// Close releases resources.
func (x *HNSWIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return nil
	}
	x.closed = true
	x.graph = nil
	return nil
}

var _ Index = (*HNSWIndex)(nil)
