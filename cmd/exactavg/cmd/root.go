package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	corecfg "github.com/aevon-lab/exactavg/internal/core/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "exactavg",
	Short: "Exact distributed averages over fixed-point decimals",
	Long: `exactavg computes AVG over NUMERIC(p,s) columns without rounding the
running sum. Partial states are accumulated per partition, merged in any
order and finalized once; a group whose exact sum cannot be represented
fails with precision_exceeded instead of returning an approximation.

Commands:
  serve    - ingestion, batch aggregation and query API
  plan     - show the sum and result shapes for an input shape
  average  - average a column of values locally
  migrate  - apply or inspect the database schema`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "exactavg.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
}

// setupLogger installs the process-wide slog logger described by cfg.
func setupLogger(w io.Writer, cfg corecfg.LogConfig) {
	level := cfg.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func printError(msg string, err error) {
	fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
}
