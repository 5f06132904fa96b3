package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/entrolution/causantic/internal/engine"
)

func newForgetCmd() *cobra.Command {
	var project, sessionID, query string
	var before, after string
	var threshold float64
	var dryRun, yes bool

	cmd := &cobra.Command{
		Use:   "forget",
		Short: "Delete chunks matching filters, with a dry-run preview",
		Long: `Forget removes chunks and everything hanging off them: embeddings,
edges, cluster assignments, and full-text rows. Without --yes the command
previews the matching set and asks for confirmation; --dry-run only
previews and never mutates.`,
		RunE: func(c *cobra.Command, args []string) error {
			beforeTime, afterTime, err := parseRange(before, after)
			if err != nil {
				return err
			}

			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			filters := engine.ForgetFilters{
				Project:   project,
				SessionID: sessionID,
				Query:     query,
				Threshold: threshold,
				Before:    beforeTime,
				After:     afterTime,
				DryRun:    true,
			}

			preview, err := eng.Forget(c.Context(), filters)
			if err != nil {
				return err
			}
			if flagJSON && dryRun {
				return encodeJSON(preview)
			}

			fmt.Printf("%d chunks match\n", len(preview.Matched))
			for _, m := range preview.Matched {
				fmt.Printf("  %s  %s\n", m.ChunkID[:12], strings.Split(m.Preview, "\n")[0])
			}
			if dryRun || len(preview.Matched) == 0 {
				return nil
			}

			if !yes && !confirm() {
				fmt.Println("aborted")
				return nil
			}

			filters.DryRun = false
			report, err := eng.Forget(c.Context(), filters)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d chunks\n", report.Deleted)
			return nil
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "Project slug")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id")
	cmd.Flags().StringVar(&query, "query", "", "Forget chunks similar to this query")
	cmd.Flags().Float64Var(&threshold, "threshold", engine.DefaultForgetThreshold, "Similarity threshold for --query")
	cmd.Flags().StringVar(&before, "before", "", "Only chunks starting before this time")
	cmd.Flags().StringVar(&after, "after", "", "Only chunks starting after this time")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Preview only, never mutate")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func confirm() bool {
	fmt.Print("delete these chunks? [y/N] ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}
