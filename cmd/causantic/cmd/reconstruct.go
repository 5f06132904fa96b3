package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/entrolution/causantic/internal/engine"
	"github.com/entrolution/causantic/internal/ui"
)

func newReconstructCmd() *cobra.Command {
	var sessionID string
	var previous bool
	var from, to string
	var tokenBudget int
	var keepNewest bool

	cmd := &cobra.Command{
		Use:   "reconstruct <project>",
		Short: "Replay a project's chunks chronologically",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			fromTime, toTime, err := parseRange(from, to)
			if err != nil {
				return err
			}

			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			chunks, err := eng.Reconstruct(c.Context(), args[0], engine.ReconstructSpec{
				SessionID:       sessionID,
				PreviousSession: previous,
				From:            fromTime,
				To:              toTime,
			}, tokenBudget, keepNewest)
			if err != nil {
				return err
			}
			if flagJSON {
				return encodeJSON(chunks)
			}
			ui.RenderChunks(os.Stdout, chunks)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Reconstruct one session")
	cmd.Flags().BoolVar(&previous, "previous-session", false, "Reconstruct the previous session")
	cmd.Flags().StringVar(&from, "from", "", "Range start")
	cmd.Flags().StringVar(&to, "to", "", "Range end")
	cmd.Flags().IntVar(&tokenBudget, "budget", 0, "Token budget (0 = unbounded)")
	cmd.Flags().BoolVar(&keepNewest, "keep-newest", false, "Drop oldest chunks when trimming to budget")
	return cmd
}
