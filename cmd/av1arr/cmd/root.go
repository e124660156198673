// Package cmd implements the CLI commands for the av1arr master.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/jmylchreest/av1arr/internal/config"
	"github.com/jmylchreest/av1arr/internal/observability"
	"github.com/jmylchreest/av1arr/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// rootCmd represents the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:     "av1arr",
	Short:   "Distributed AV1 transcoding fleet master",
	Version: version.Short(),
	Long: `av1arr is the master of a distributed video transcoding fleet.

It scans media libraries for candidate files, keeps a durable transcoding
queue, hands jobs to remote workers over HTTP, and atomically replaces
originals with the AV1 results the workers stream back.`,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., /etc/av1arr, $HOME/.av1arr)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}

// loadConfig reads configuration with CLI flag overrides applied.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	applyLogFlags(rootCmd.PersistentFlags(), &cfg.Logging)
	return cfg, nil
}

// applyLogFlags overrides logging config with explicitly-set CLI flags.
// Flags are not bound to viper so flag defaults never shadow env/config.
func applyLogFlags(flags *pflag.FlagSet, cfg *config.LoggingConfig) {
	if flags.Changed("log-level") {
		level, _ := flags.GetString("log-level")
		cfg.Level = strings.ToLower(level)
	}
	if flags.Changed("log-format") {
		format, _ := flags.GetString("log-format")
		cfg.Format = strings.ToLower(format)
	}
	if cfg.Level == "warning" {
		cfg.Level = "warn"
	}
}

// initLogging sets a default logger early so command plumbing can log
// before the full config is loaded.
func initLogging() error {
	logCfg := config.LoggingConfig{Level: "info", Format: "json"}
	applyLogFlags(rootCmd.PersistentFlags(), &logCfg)

	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr)
	observability.SetDefault(logger)
	return nil
}
