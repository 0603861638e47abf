// Package cmd provides CLI command implementations
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ChrisMcGann/FragKey/pkg/config"
)

var (
	// Global flags
	configFile  string
	logLevel    string
	metricsFile string
)

var rootCmd = &cobra.Command{
	Use:   "fragkey",
	Short: "FragKey - substructure annotation of MSn spectral trees",
	Long: `FragKey ranks candidate structures against hierarchical MSn spectral trees.

Every candidate is fragmented by breaking up to B bonds plus W water or
ammonia losses, and the fragments are matched recursively against the
fragment peaks of each precursor:
- Mass match of MS1 peaks with configurable adducts and charge states
- Bottom-up scoring with missing fragment penalties
- SQLite result databases with ranked candidate lists`,
	Version:           "1.0.0",
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(annotateCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(treeCmd)

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "warn", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this file when done")
}

func setupLogging(cmd *cobra.Command, args []string) error {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level '%s', must be debug, info, warn or error", logLevel)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

// loadConfig reads --config and validates the result after flag overrides
func loadConfig(override func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if override != nil {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
