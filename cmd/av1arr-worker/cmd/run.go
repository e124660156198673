package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/av1arr/internal/observability"
	"github.com/jmylchreest/av1arr/internal/version"
	"github.com/jmylchreest/av1arr/internal/worker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker agent",
	Long: `Run the worker agent until interrupted.

The agent registers with the configured master, heartbeats, pulls jobs,
and transcodes them with FFmpeg. Results that cannot be delivered are
kept on disk and replayed when the master returns.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("master-url", "", "Master base URL (overrides config)")
	runCmd.Flags().String("work-dir", "", "Scratch directory (overrides config)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("master-url") {
		cfg.Worker.MasterURL, _ = cmd.Flags().GetString("master-url")
	}
	if cmd.Flags().Changed("work-dir") {
		cfg.TempDirectory, _ = cmd.Flags().GetString("work-dir")
	}

	logger := observability.NewLogger(cfg.Logging)
	observability.SetDefault(logger)

	state, err := worker.NewState(cfg.TempDirectory)
	if err != nil {
		return err
	}

	client := worker.NewClient(cfg.Worker, logger)
	agent := worker.New(cfg, client, state, logger, version.Short())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("av1arr worker starting",
		slog.String("master", cfg.Worker.MasterURL),
		slog.String("work_dir", cfg.TempDirectory),
		slog.String("version", version.Short()),
	)

	return agent.Run(ctx)
}
