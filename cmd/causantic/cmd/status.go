package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show corpus statistics and consistency checks",
		RunE: func(c *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			stats, err := eng.Stats(c.Context())
			if err != nil {
				return err
			}
			if flagJSON {
				return encodeJSON(stats)
			}

			fmt.Printf("projects        %d\n", stats.Projects)
			fmt.Printf("chunks          %d\n", stats.Chunks)
			fmt.Printf("edges           %d\n", stats.Edges)
			fmt.Printf("clusters        %d\n", stats.Clusters)
			fmt.Printf("vectors         %d\n", stats.Vectors)
			fmt.Printf("cache entries   %d (%d hits)\n", stats.CacheEntries, stats.CacheHits)
			fmt.Printf("fts available   %v\n", stats.FTSAvailable)
			if stats.FTSMissing > 0 {
				fmt.Printf("fts missing     %d rows out of sync\n", stats.FTSMissing)
			}
			if stats.OrphanVectors > 0 {
				fmt.Printf("orphan vectors  %d (run 'causantic maintain prune-graph')\n", stats.OrphanVectors)
			}
			return nil
		},
	}
}
