// Package cmd defines the CLI for the vantage scanner.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/perimeterlabs/vantage/internal/config"
	"github.com/perimeterlabs/vantage/internal/logging"
)

var (
	cfgFile string
	verbose bool
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vantage",
		Short: "Concurrent web inspection scanner",
		Long: `vantage visits a list of web targets with a pool of isolated headless
browser workers, captures screenshots and response metadata for each one,
and persists every outcome to an embedded database through a single
writer.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newScanCmd())
	cmd.AddCommand(newReportCmd())

	return cmd
}

// loadConfig reads configuration and honors the --verbose override.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	if verbose {
		cfg.Logging.Verbose = true
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Verbose)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logger, nil
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
