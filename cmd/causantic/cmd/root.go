// Package cmd provides the CLI commands for causantic.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/entrolution/causantic/internal/config"
	"github.com/entrolution/causantic/internal/embed"
	"github.com/entrolution/causantic/internal/engine"
	cerr "github.com/entrolution/causantic/internal/errors"
	"github.com/entrolution/causantic/internal/logging"
	"github.com/entrolution/causantic/pkg/version"
)

var (
	flagDataDir  string
	flagLogLevel string
	flagJSON     bool

	loggingCleanup func()
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "causantic",
		Short: "Local causal memory engine for coding-assistant sessions",
		Long: `Causantic ingests chat transcripts into a content-addressed causal
graph of text chunks and answers retrieval queries by fusing semantic
similarity, lexical matching, and causal-chain walks.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("causantic version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "Data directory (default ~/.causantic)")
	cmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Emit JSON output")

	cmd.PersistentPreRunE = func(c *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cleanup, err := logging.SetupDefault(cfg.Paths.DataDir, cfg.Logging.Level)
		if err != nil {
			return err
		}
		loggingCleanup = cleanup
		return nil
	}
	cmd.PersistentPostRun = func(c *cobra.Command, args []string) {
		if loggingCleanup != nil {
			loggingCleanup()
		}
	}

	cmd.AddCommand(
		newSearchCmd(),
		newRecallCmd(),
		newPredictCmd(),
		newIngestCmd(),
		newProjectsCmd(),
		newSessionsCmd(),
		newReconstructCmd(),
		newForgetCmd(),
		newDaemonCmd(),
		newStatusCmd(),
		newMaintainCmd(),
		newKeyBackupCmd(),
	)
	return cmd
}

// Execute runs the CLI and returns the process exit code:
// 0 success, 1 operational, 2 usage, 3 configuration.
func Execute() int {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		printError(err)
		return cerr.ExitCode(err)
	}
	return 0
}

// printError reports a one-line message with the error kind.
func printError(err error) {
	if e, ok := err.(*cerr.Error); ok {
		fmt.Fprintf(os.Stderr, "causantic: %s\n", e.Error())
		if e.Suggestion != "" {
			fmt.Fprintf(os.Stderr, "  hint: %s\n", e.Suggestion)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "causantic: %v\n", err)
}

// loadConfig loads configuration honoring the --data-dir and --log-level
// flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagDataDir)
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	return cfg, nil
}

// openEngine builds the engine for one command invocation.
func openEngine() (*engine.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return engine.Open(cfg, embed.FromConfig(cfg.Embedding))
}
