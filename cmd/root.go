// Package cmd implements the librarium command surface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkudish/librarium/internal/config"
	"github.com/jkudish/librarium/internal/logger"
)

var (
	logLevel string
	build    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "librarium",
	Short: "fan-out research runner",
	Long: `librarium dispatches one research query to many search and
deep-research providers in parallel, deduplicates their citations, and
writes a structured run record per query.

Common usage:
  librarium run "How do HNSW indexes work?"
  librarium run -p tavily,exa -m sync "zig comptime"
  librarium status --wait`,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logger.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logger.SetLevel(level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info",
		"Log level: debug, info, warn, error")
}

// SetBuild records the ldflags build string for the version command.
func SetBuild(b string) {
	build = b
}

// Execute runs the CLI. Subcommands that define their own exit-code
// contract (run, doctor) call os.Exit themselves.
func Execute() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}
}

// loadConfig loads the effective config for the working directory and
// prints any load warnings.
func loadConfig() (*config.Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(cwd)
	if err != nil {
		return nil, err
	}
	for _, w := range cfg.Warnings {
		logger.Warnf("%s", w)
	}
	return cfg, nil
}

func workingDir() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}
