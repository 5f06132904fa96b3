package engine

import (
	"context"
	"sort"
	"time"

	cerr "github.com/entrolution/causantic/internal/errors"
	"github.com/entrolution/causantic/internal/vector"
)

// DefaultForgetThreshold is the minimum query similarity for query-scoped
// forgetting.
const DefaultForgetThreshold = 0.6

// ForgetFilters select what to forget. Filters compose conjunctively.
type ForgetFilters struct {
	Project   string
	SessionID string
	Before    time.Time
	After     time.Time

	// Query selects chunks by embedding similarity at or above Threshold.
	Query     string
	Threshold float64

	DryRun bool
}

// ForgetPreview is one candidate deletion.
type ForgetPreview struct {
	ChunkID   string
	SessionID string
	Preview   string
}

// ForgetReport is the outcome of a forget call. With DryRun the report is
// the preview and nothing was mutated; otherwise Deleted counts the chunks
// removed along with their embeddings, edges, cluster assignments, and FTS
// rows.
type ForgetReport struct {
	Matched []ForgetPreview
	DryRun  bool
	Deleted int
}

// Forget previews or deletes chunks matching the filters. Dry-run never
// changes any table; a subsequent call with identical filters deletes
// exactly the previewed set.
func (e *Engine) Forget(ctx context.Context, filters ForgetFilters) (*ForgetReport, error) {
	if filters.Project == "" && filters.SessionID == "" {
		return nil, cerr.Invalid("forget requires a project or session filter")
	}

	ids, err := e.matchForgetFilters(ctx, filters)
	if err != nil {
		return nil, err
	}

	report := &ForgetReport{DryRun: filters.DryRun}
	chunks, err := e.store.GetChunksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		text := c.Content
		if len(text) > 120 {
			text = text[:120]
		}
		report.Matched = append(report.Matched, ForgetPreview{
			ChunkID:   c.ID,
			SessionID: c.SessionID,
			Preview:   text,
		})
	}

	if filters.DryRun || len(ids) == 0 {
		return report, nil
	}

	deleted, err := e.store.DeleteChunks(ctx, ids)
	if err != nil {
		return nil, err
	}
	if err := e.index.Delete(ctx, ids); err != nil {
		return nil, err
	}
	report.Deleted = deleted
	return report, nil
}

// matchForgetFilters resolves the candidate chunk-id set, deterministic
// order.
func (e *Engine) matchForgetFilters(ctx context.Context, filters ForgetFilters) ([]string, error) {
	var ids []string

	switch {
	case filters.SessionID != "":
		sessionIDs, err := e.store.SessionChunkIDs(ctx, filters.SessionID)
		if err != nil {
			return nil, err
		}
		ids = sessionIDs
	default:
		projectIDs, err := e.store.ChunkIDsForProject(ctx, filters.Project)
		if err != nil {
			return nil, err
		}
		ids = projectIDs
	}

	chunks, err := e.store.GetChunksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	var filtered []string
	for _, c := range chunks {
		if filters.Project != "" && c.ProjectSlug != filters.Project {
			continue
		}
		if !filters.Before.IsZero() && !c.StartTime.Before(filters.Before) {
			continue
		}
		if !filters.After.IsZero() && !c.StartTime.After(filters.After) {
			continue
		}
		filtered = append(filtered, c.ID)
	}

	if filters.Query != "" {
		threshold := filters.Threshold
		if threshold <= 0 {
			threshold = DefaultForgetThreshold
		}
		queryVec, err := e.embedQuery(ctx, filters.Query)
		if err != nil {
			return nil, err
		}
		embeddings, err := e.store.GetEmbeddings(ctx, filtered)
		if err != nil {
			return nil, err
		}
		var similar []string
		for _, id := range filtered {
			vec, ok := embeddings[id]
			if !ok {
				continue
			}
			if float64(vector.Cosine(queryVec, vec)) >= threshold {
				similar = append(similar, id)
			}
		}
		filtered = similar
	}

	sort.Strings(filtered)
	return filtered, nil
}
