package vector

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func indexImpls(t *testing.T, dims int) map[string]Index {
	t.Helper()
	return map[string]Index{
		"hnsw":   NewHNSWIndex(DefaultConfig(dims)),
		"memory": NewMemoryIndex(dims),
	}
}

func TestIndex_AddAndSearch(t *testing.T) {
	for name, idx := range indexImpls(t, 3) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, idx.Add(ctx,
				[]string{"a", "b", "c"},
				[][]float32{{1, 0, 0}, {0, 1, 0}, {0.9, 0.1, 0}}))

			results, err := idx.Search(ctx, []float32{1, 0, 0}, 2, nil)
			require.NoError(t, err)
			require.Len(t, results, 2)
			assert.Equal(t, "a", results[0].ID)
			assert.Equal(t, "c", results[1].ID)
			assert.Greater(t, results[0].Score, results[1].Score)
		})
	}
}

func TestIndex_FilterIDs(t *testing.T) {
	for name, idx := range indexImpls(t, 3) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, idx.Add(ctx,
				[]string{"a", "b", "c", "d"},
				[][]float32{{1, 0, 0}, {0.95, 0.05, 0}, {0, 1, 0}, {0, 0, 1}}))

			filter := map[string]struct{}{"c": {}, "d": {}}
			results, err := idx.Search(ctx, []float32{1, 0, 0}, 2, filter)
			require.NoError(t, err)
			require.Len(t, results, 2)
			for _, r := range results {
				assert.Contains(t, filter, r.ID)
			}
		})
	}
}

func TestIndex_DeleteHidesVector(t *testing.T) {
	for name, idx := range indexImpls(t, 2) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, idx.Add(ctx, []string{"a", "b"}, [][]float32{{1, 0}, {0, 1}}))
			require.NoError(t, idx.Delete(ctx, []string{"a"}))

			assert.False(t, idx.Contains("a"))
			assert.Equal(t, 1, idx.Count())

			results, err := idx.Search(ctx, []float32{1, 0}, 5, nil)
			require.NoError(t, err)
			for _, r := range results {
				assert.NotEqual(t, "a", r.ID)
			}
		})
	}
}

func TestIndex_ReplaceExistingID(t *testing.T) {
	for name, idx := range indexImpls(t, 2) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, idx.Add(ctx, []string{"a"}, [][]float32{{1, 0}}))
			require.NoError(t, idx.Add(ctx, []string{"a"}, [][]float32{{0, 1}}))

			assert.Equal(t, 1, idx.Count())
			results, err := idx.Search(ctx, []float32{0, 1}, 1, nil)
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, "a", results[0].ID)
			assert.InDelta(t, 1.0, float64(results[0].Score), 1e-3)
		})
	}
}

func TestIndex_DimensionMismatch(t *testing.T) {
	for name, idx := range indexImpls(t, 3) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			err := idx.Add(ctx, []string{"a"}, [][]float32{{1, 0}})
			var dimErr ErrDimensionMismatch
			require.ErrorAs(t, err, &dimErr)
			assert.Equal(t, 3, dimErr.Expected)
			assert.Equal(t, 2, dimErr.Got)

			_, err = idx.Search(ctx, []float32{1, 0}, 1, nil)
			require.ErrorAs(t, err, &dimErr)
		})
	}
}

func TestIndex_EmptySearch(t *testing.T) {
	for name, idx := range indexImpls(t, 2) {
		t.Run(name, func(t *testing.T) {
			results, err := idx.Search(context.Background(), []float32{1, 0}, 5, nil)
			require.NoError(t, err)
			assert.Empty(t, results)
		})
	}
}

func TestHNSW_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.hnsw")

	idx := NewHNSWIndex(DefaultConfig(3))
	require.NoError(t, idx.Add(ctx,
		[]string{"a", "b"},
		[][]float32{{1, 0, 0}, {0, 1, 0}}))
	require.NoError(t, idx.Save(path))

	loaded := NewHNSWIndex(DefaultConfig(3))
	require.NoError(t, loaded.Load(path))
	assert.Equal(t, 2, loaded.Count())

	results, err := loaded.Search(ctx, []float32{1, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, float64(Cosine([]float32{1, 0}, []float32{2, 0})), 1e-6)
	assert.InDelta(t, 0.0, float64(Cosine([]float32{1, 0}, []float32{0, 1})), 1e-6)
	assert.InDelta(t, 0.0, float64(Cosine([]float32{0, 0}, []float32{1, 0})), 1e-6)
	assert.InDelta(t, 1.0, CosineDistance([]float32{1, 0}, []float32{0, 1}), 1e-6)
}
