package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/entrolution/causantic/internal/config"
	"github.com/entrolution/causantic/internal/maintain"
)

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the maintenance daemon",
		Long: `Runs the maintenance scheduler (project scanning, graph pruning,
cluster rebuilds, label refreshes, vacuuming) and watches the transcript
root for new sessions until interrupted.`,
		RunE: func(c *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			cfg := eng.Config()
			sched := maintain.New(eng.Store())
			deps := maintain.Deps{
				Store:          eng.Store(),
				Index:          eng.Index(),
				Orchestrator:   eng.Orchestrator(),
				TranscriptRoot: cfg.Paths.TranscriptRoot,
				Clustering:     cfg.Clustering,
			}
			if err := maintain.RegisterStandardTasks(sched, deps, cfg.Maintenance); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			watcher, err := maintain.NewWatcher(cfg.Paths.TranscriptRoot, func(path string) {
				if _, err := eng.Ingest(ctx, path); err != nil && ctx.Err() == nil {
					slog.Warn("watch_ingest_failed",
						slog.String("file", path),
						slog.String("error", err.Error()))
				}
			})
			if err != nil {
				slog.Warn("watcher_unavailable", slog.String("error", err.Error()))
			} else {
				defer watcher.Close()
				go watcher.Run(ctx)
			}

			// One catch-up scan before cron takes over.
			if err := sched.Run(ctx, maintain.TaskScanProjects); err != nil && ctx.Err() == nil {
				slog.Warn("initial_scan_failed", slog.String("error", err.Error()))
			}

			sched.Start()
			fmt.Println("causantic daemon running; ctrl-c to stop")
			<-ctx.Done()
			sched.Stop()
			return nil
		},
	}
}

func newMaintainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintain <task>",
		Short: "Run one maintenance task on demand",
		Long: `Tasks: scan-projects, prune-graph, update-clusters, refresh-labels,
vacuum.`,
		Args: cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			cfg := eng.Config()
			sched := maintain.New(eng.Store())
			deps := maintain.Deps{
				Store:          eng.Store(),
				Index:          eng.Index(),
				Orchestrator:   eng.Orchestrator(),
				TranscriptRoot: cfg.Paths.TranscriptRoot,
				Clustering:     cfg.Clustering,
			}
			// On-demand runs register without schedules.
			if err := maintain.RegisterStandardTasks(sched, deps, config.MaintenanceConfig{}); err != nil {
				return err
			}
			defer sched.Stop()

			if err := sched.Run(context.Background(), args[0]); err != nil {
				return err
			}
			run, err := sched.LastRun(context.Background(), args[0])
			if err == nil && run != nil {
				fmt.Printf("%s: ok (%s)\n", args[0], run.Duration)
			}
			return nil
		},
	}
	return cmd
}
