package maintain

import (
	"context"
	"log/slog"

	"github.com/entrolution/causantic/internal/cluster"
	"github.com/entrolution/causantic/internal/config"
	"github.com/entrolution/causantic/internal/ingest"
	"github.com/entrolution/causantic/internal/labeler"
	"github.com/entrolution/causantic/internal/store"
	"github.com/entrolution/causantic/internal/vector"
)

// Deps are the collaborators the standard tasks operate on.
type Deps struct {
	Store        *store.Store
	Index        vector.Index
	Orchestrator *ingest.Orchestrator
	LabelRunner  *labeler.Runner

	TranscriptRoot string
	Clustering     config.ClusteringConfig
}

// RegisterStandardTasks wires the five named tasks with their configured
// cron schedules. An empty schedule registers the task for on-demand runs
// only.
func RegisterStandardTasks(s *Scheduler, deps Deps, schedules config.MaintenanceConfig) error {
	register := []struct {
		name     string
		schedule string
		fn       TaskFunc
	}{
		{TaskScanProjects, schedules.ScanProjects, scanProjectsTask(deps)},
		{TaskPruneGraph, schedules.PruneGraph, pruneGraphTask(deps)},
		{TaskUpdateClusters, schedules.UpdateClusters, updateClustersTask(deps)},
		{TaskRefreshLabels, schedules.RefreshLabels, refreshLabelsTask(deps)},
		{TaskVacuum, schedules.Vacuum, vacuumTask(deps)},
	}
	for _, r := range register {
		if err := s.Register(r.name, r.schedule, r.fn); err != nil {
			return err
		}
	}
	return nil
}

// scanProjectsTask discovers transcripts under the configured root and
// ingests new or changed ones. Unchanged files are skipped by their
// checkpoints; cancellation is honored between sessions.
func scanProjectsTask(deps Deps) TaskFunc {
	return func(ctx context.Context) error {
		paths, err := DiscoverTranscripts(deps.TranscriptRoot)
		if err != nil {
			return err
		}
		for _, path := range paths {
			if err := ctx.Err(); err != nil {
				return err
			}
			result, err := deps.Orchestrator.IngestFile(ctx, path)
			if err != nil {
				slog.Warn("scan_ingest_failed",
					slog.String("file", path),
					slog.String("error", err.Error()))
				continue
			}
			if result.Skipped == "" && result.ChunksAdded > 0 {
				slog.Info("scan_ingested",
					slog.String("session", result.SessionID),
					slog.Int("chunks", result.ChunksAdded))
			}
		}
		return nil
	}
}

// pruneGraphTask removes edges whose endpoints no longer exist and
// embeddings with no chunk, and drops the pruned ids from the vector index.
func pruneGraphTask(deps Deps) TaskFunc {
	return func(ctx context.Context) error {
		edges, embeddings, err := deps.Store.PruneDanglingEdges(ctx)
		if err != nil {
			return err
		}

		live, err := deps.Store.GetAllEmbeddings(ctx, "")
		if err != nil {
			return err
		}
		var dead []string
		for _, id := range deps.Index.AllIDs() {
			if _, ok := live[id]; !ok {
				dead = append(dead, id)
			}
		}
		if len(dead) > 0 {
			if err := deps.Index.Delete(ctx, dead); err != nil {
				return err
			}
		}

		slog.Info("graph_pruned",
			slog.Int("edges", edges),
			slog.Int("embeddings", embeddings),
			slog.Int("vectors", len(dead)))
		return nil
	}
}

// updateClustersTask reruns the offline clusterer over the full corpus and
// replaces all assignments.
func updateClustersTask(deps Deps) TaskFunc {
	return func(ctx context.Context) error {
		embeddings, err := deps.Store.GetAllEmbeddings(ctx, "")
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		result := cluster.Build(embeddings, cluster.Options{
			MinClusterSize:  deps.Clustering.MinClusterSize,
			ExemplarCount:   deps.Clustering.ExemplarCount,
			AssignThreshold: deps.Clustering.AssignThreshold,
		})
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := deps.Store.ReplaceClusters(ctx, result.Clusters, result.Assignments); err != nil {
			return err
		}
		slog.Info("clusters_rebuilt",
			slog.Int("clusters", len(result.Clusters)),
			slog.Int("assignments", len(result.Assignments)))
		return nil
	}
}

// refreshLabelsTask relabels stale clusters through the rate-limited
// runner. Without a labeler configured the task is a no-op.
func refreshLabelsTask(deps Deps) TaskFunc {
	return func(ctx context.Context) error {
		if deps.LabelRunner == nil {
			return nil
		}
		labeled, err := deps.LabelRunner.RefreshStale(ctx)
		if err != nil {
			return err
		}
		if labeled > 0 {
			slog.Info("labels_refreshed", slog.Int("clusters", labeled))
		}
		return nil
	}
}

// vacuumTask compacts the store.
func vacuumTask(deps Deps) TaskFunc {
	return func(ctx context.Context) error {
		return deps.Store.Vacuum(ctx)
	}
}
