package labeler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrolution/causantic/internal/store"
)

type fakeLabeler struct {
	calls int
	fail  map[string]bool
}

func (f *fakeLabeler) Label(ctx context.Context, clusterID string, exemplarTexts []string, budget int) (*Label, error) {
	f.calls++
	if f.fail[clusterID] {
		return nil, errors.New("model unavailable")
	}
	return &Label{Name: "topic " + clusterID, Description: "about " + exemplarTexts[0]}, nil
}

func seedCluster(t *testing.T, s *store.Store, clusterID, chunkID string) {
	t.Helper()
	ctx := context.Background()
	c := &store.Chunk{
		ID:          chunkID,
		SessionID:   "s-" + chunkID,
		ProjectSlug: "p",
		TurnIndices: []int{0},
		StartTime:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		EndTime:     time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC),
		Content:     "content of " + chunkID,
	}
	_, err := s.InsertChunks(ctx, []*store.Chunk{c})
	require.NoError(t, err)
}

func TestRefreshStale_LabelsAndPinsHash(t *testing.T) {
	s, err := store.OpenInMemory()
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	seedCluster(t, s, "cl1", "c1")
	seedCluster(t, s, "cl2", "c2")
	require.NoError(t, s.ReplaceClusters(ctx, []*store.Cluster{
		{ID: "cl1", ExemplarIDs: []string{"c1"}, MembershipHash: "h1"},
		{ID: "cl2", ExemplarIDs: []string{"c2"}, MembershipHash: "h2"},
	}, nil))

	fake := &fakeLabeler{fail: map[string]bool{"cl2": true}}
	runner := NewRunner(s, fake, 6000) // effectively unthrottled for the test

	labeled, err := runner.RefreshStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, labeled, "failures are non-fatal and skipped")
	assert.Equal(t, 2, fake.calls)

	cl1, err := s.GetCluster(ctx, "cl1")
	require.NoError(t, err)
	assert.Equal(t, "topic cl1", cl1.Name)
	assert.Equal(t, cl1.MembershipHash, cl1.LabeledHash)

	// Second pass only retries the still-unlabeled cluster.
	fake.fail = nil
	labeled, err = runner.RefreshStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, labeled)
	assert.Equal(t, 3, fake.calls)
}

func TestRefreshStale_NothingStale(t *testing.T) {
	s, err := store.OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	runner := NewRunner(s, &fakeLabeler{}, 30)
	labeled, err := runner.RefreshStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, labeled)
}
