package cmd

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/entrolution/causantic/internal/engine"
	cerr "github.com/entrolution/causantic/internal/errors"
	"github.com/entrolution/causantic/internal/retrieve"
	"github.com/entrolution/causantic/internal/ui"
)

func newSearchCmd() *cobra.Command {
	var project string
	var k int
	var skipClusters bool

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Hybrid search over stored chunks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			hits, err := eng.Search(c.Context(), strings.Join(args, " "),
				engine.Filters{Project: project, SkipClusters: skipClusters}, k)
			if err != nil {
				return err
			}
			return emitHits(hits)
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "Restrict to one project slug")
	cmd.Flags().IntVarP(&k, "limit", "k", 10, "Result budget")
	cmd.Flags().BoolVar(&skipClusters, "skip-clusters", false, "Skip cluster expansion")
	return cmd
}

func newRecallCmd() *cobra.Command {
	var project string
	var tokenBudget int

	cmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Search plus backward causal-chain expansion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			hits, err := eng.Recall(c.Context(), strings.Join(args, " "),
				engine.Filters{Project: project}, tokenBudget)
			if err != nil {
				return err
			}
			return emitHits(hits)
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "Restrict to one project slug")
	cmd.Flags().IntVar(&tokenBudget, "budget", 0, "Token budget for chain expansion (0 = unbounded)")
	return cmd
}

func newPredictCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "predict <context>",
		Short: "Forward causal prediction from recent context",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			hits, err := eng.Predict(c.Context(), strings.Join(args, " "),
				engine.Filters{Project: project})
			if err != nil {
				return err
			}
			return emitHits(hits)
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "Restrict to one project slug")
	return cmd
}

func emitHits(hits []*retrieve.Hit) error {
	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(hits); err != nil {
			return cerr.Wrap(cerr.KindInternal, err)
		}
		return nil
	}
	ui.RenderHits(os.Stdout, hits)
	return nil
}
