package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryIndex is an exact brute-force cosine index. Deterministic and
// dependency-free; used in tests and as the small-corpus fallback.
type MemoryIndex struct {
	mu         sync.RWMutex
	dimensions int
	vectors    map[string][]float32
}

// NewMemoryIndex creates an exact in-memory index.
func NewMemoryIndex(dimensions int) *MemoryIndex {
	return &MemoryIndex{
		dimensions: dimensions,
		vectors:    make(map[string][]float32),
	}
}

// Add inserts normalized copies of the vectors.
func (m *MemoryIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, id := range ids {
		if len(vectors[i]) != m.dimensions {
			return ErrDimensionMismatch{Expected: m.dimensions, Got: len(vectors[i])}
		}
		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		NormalizeInPlace(vec)
		m.vectors[id] = vec
	}
	return nil
}

// Search scans every vector; ties break by id for determinism.
func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int, filter map[string]struct{}) ([]*Result, error) {
	if len(query) != m.dimensions {
		return nil, ErrDimensionMismatch{Expected: m.dimensions, Got: len(query)}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	q := make([]float32, len(query))
	copy(q, query)
	NormalizeInPlace(q)

	results := make([]*Result, 0, len(m.vectors))
	for id, vec := range m.vectors {
		if filter != nil {
			if _, ok := filter[id]; !ok {
				continue
			}
		}
		results = append(results, &Result{ID: id, Score: Cosine(q, vec)})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// Delete removes vectors by id.
func (m *MemoryIndex) Delete(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.vectors, id)
	}
	return nil
}

// Contains checks if an id exists.
func (m *MemoryIndex) Contains(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.vectors[id]
	return ok
}

// Count returns the number of vectors.
func (m *MemoryIndex) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors)
}

// AllIDs returns every vector id.
func (m *MemoryIndex) AllIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.vectors))
	for id := range m.vectors {
		ids = append(ids, id)
	}
	return ids
}

// Save is a no-op for the in-memory variant.
func (m *MemoryIndex) Save(path string) error { return nil }

// Load is a no-op for the in-memory variant.
func (m *MemoryIndex) Load(path string) error { return nil }

// Close is a no-op for the in-memory variant.
func (m *MemoryIndex) Close() error { return nil }

var _ Index = (*MemoryIndex)(nil)
