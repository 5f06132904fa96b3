package cmd

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	cerr "github.com/entrolution/causantic/internal/errors"
	"github.com/entrolution/causantic/internal/ui"
)

func newProjectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List projects in the store",
		RunE: func(c *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			projects, err := eng.ListProjects(c.Context())
			if err != nil {
				return err
			}
			if flagJSON {
				return encodeJSON(projects)
			}
			ui.RenderProjects(os.Stdout, projects)
			return nil
		},
	}
}

func newSessionsCmd() *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "sessions <project>",
		Short: "List sessions of a project",
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

			sessions, err := eng.ListSessions(c.Context(), args[0], fromTime, toTime)
			if err != nil {
				return err
			}
			if flagJSON {
				return encodeJSON(sessions)
			}
			ui.RenderSessions(os.Stdout, sessions)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Range start (RFC 3339 or 2006-01-02)")
	cmd.Flags().StringVar(&to, "to", "", "Range end (RFC 3339 or 2006-01-02)")
	return cmd
}

func parseRange(from, to string) (time.Time, time.Time, error) {
	var fromTime, toTime time.Time
	var err error
	if from != "" {
		fromTime, err = parseTimeArg(from)
		if err != nil {
			return fromTime, toTime, err
		}
	}
	if to != "" {
		toTime, err = parseTimeArg(to)
		if err != nil {
			return fromTime, toTime, err
		}
	}
	return fromTime, toTime, nil
}

func parseTimeArg(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, cerr.Invalid("unparseable time " + s + " (use RFC 3339 or 2006-01-02)")
}

func encodeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return cerr.Wrap(cerr.KindInternal, err)
	}
	return nil
}
