// Package labeler defines the boundary to the external LLM-backed cluster
// labeler and the rate-limited refresh runner that drives it.
package labeler

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/entrolution/causantic/internal/store"
)

// Label is the labeler's output for one cluster.
type Label struct {
	Name        string
	Description string
}

// Labeler names clusters from their exemplar texts. Implemented by an
// external collaborator; failures are non-fatal and leave the cluster
// unlabeled.
type Labeler interface {
	Label(ctx context.Context, clusterID string, exemplarTexts []string, budget int) (*Label, error)
}

// DefaultRatePerMinute caps labeler requests.
const DefaultRatePerMinute = 30

// exemplarBudget is the per-request token budget handed to the labeler.
const exemplarBudget = 2048

// Runner refreshes stale cluster labels through a rate limiter.
type Runner struct {
	store   *store.Store
	labeler Labeler
	limiter *rate.Limiter
}

// NewRunner creates a refresh runner with the given per-minute rate cap.
func NewRunner(s *store.Store, l Labeler, ratePerMinute int) *Runner {
	if ratePerMinute <= 0 {
		ratePerMinute = DefaultRatePerMinute
	}
	return &Runner{
		store:   s,
		labeler: l,
		limiter: rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), 1),
	}
}

// RefreshStale labels every cluster whose membership hash changed since the
// last labeling or that has no description yet. Returns the number of
// clusters relabeled. Individual failures are logged and skipped.
func (r *Runner) RefreshStale(ctx context.Context) (int, error) {
	stale, err := r.store.StaleClusters(ctx)
	if err != nil {
		return 0, err
	}

	labeled := 0
	for _, cl := range stale {
		if err := ctx.Err(); err != nil {
			return labeled, err
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return labeled, err
		}

		exemplars, err := r.exemplarTexts(ctx, cl)
		if err != nil || len(exemplars) == 0 {
			continue
		}

		label, err := r.labeler.Label(ctx, cl.ID, exemplars, exemplarBudget)
		if err != nil {
			slog.Warn("cluster_label_failed",
				slog.String("cluster", cl.ID),
				slog.String("error", err.Error()))
			continue
		}
		if err := r.store.UpdateClusterLabel(ctx, cl.ID, label.Name, label.Description); err != nil {
			slog.Warn("cluster_label_store_failed",
				slog.String("cluster", cl.ID),
				slog.String("error", err.Error()))
			continue
		}
		labeled++
	}
	return labeled, nil
}

func (r *Runner) exemplarTexts(ctx context.Context, cl *store.Cluster) ([]string, error) {
	ids := cl.ExemplarIDs
	if len(ids) == 0 {
		members, err := r.store.ClusterMembers(ctx, cl.ID, 3)
		if err != nil {
			return nil, err
		}
		ids = members
	}
	chunks, err := r.store.GetChunksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	texts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		texts = append(texts, c.Content)
	}
	return texts, nil
}
