package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	cerr "github.com/entrolution/causantic/internal/errors"
	"github.com/entrolution/causantic/internal/maintain"
)

func newIngestCmd() *cobra.Command {
	var scan bool

	cmd := &cobra.Command{
		Use:   "ingest [transcript.jsonl ...]",
		Short: "Ingest session transcripts",
		Long: `Ingest one or more transcript files, or scan the configured
transcript root with --scan. Unchanged sessions are skipped via their
checkpoints; partially ingested sessions resume where they left off.`,
		RunE: func(c *cobra.Command, args []string) error {
			if !scan && len(args) == 0 {
				return cerr.Invalid("pass transcript files or --scan")
			}

			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			paths := args
			if scan {
				discovered, err := maintain.DiscoverTranscripts(eng.Config().Paths.TranscriptRoot)
				if err != nil {
					return err
				}
				paths = append(paths, discovered...)
			}

			failures := 0
			for _, path := range paths {
				result, err := eng.Ingest(c.Context(), path)
				if err != nil {
					failures++
					fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
					continue
				}
				if result.Skipped != "" {
					fmt.Printf("%s: skipped (%s)\n", result.SessionID, result.Skipped)
					continue
				}
				fmt.Printf("%s: %d chunks, %d edges, cache %d/%d\n",
					result.SessionID, result.ChunksAdded, result.EdgesAdded,
					result.CacheHits, result.CacheHits+result.CacheMisses)
			}
			if failures == len(paths) && len(paths) > 0 {
				return cerr.New(cerr.KindInternal, "all ingests failed", nil)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&scan, "scan", false, "Scan the transcript root for sessions")
	return cmd
}
