// Package cli implements the conductor command-line interface.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/conductor-sh/conductor/internal/config"
)

var (
	workDir string
	verbose bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Autonomous engineering task orchestrator",
	Long: `conductor schedules agent tasks across isolated git worktree sandboxes:
dependency-aware claiming, phase gates, resource locking, fan-out/fan-in
coordination and branch merging.

Quick start:
  conductor init                 Initialize conductor in current repo
  conductor serve                Run the orchestrator and API server
  conductor status               Show queue and ticket state
  conductor task list            List tasks`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workDir, "work-dir", "C", ".", "project working directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newTaskCmd())
	rootCmd.AddCommand(newTicketCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// loadConfig reads layered configuration for the working directory.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(workDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// buildLogger builds the process logger from the log section. Format
// "auto" picks text on a terminal and JSON otherwise.
func buildLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	format := cfg.Format
	if format == "auto" || format == "" {
		if isatty.IsTerminal(os.Stderr.Fd()) {
			format = "text"
		} else {
			format = "json"
		}
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
