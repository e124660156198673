package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/av1arr/internal/database"
	"github.com/jmylchreest/av1arr/internal/database/migrations"
	"github.com/jmylchreest/av1arr/internal/events"
	"github.com/jmylchreest/av1arr/internal/ffmpeg"
	internalhttp "github.com/jmylchreest/av1arr/internal/http"
	"github.com/jmylchreest/av1arr/internal/http/handlers"
	"github.com/jmylchreest/av1arr/internal/monitor"
	"github.com/jmylchreest/av1arr/internal/observability"
	"github.com/jmylchreest/av1arr/internal/quality"
	"github.com/jmylchreest/av1arr/internal/registry"
	"github.com/jmylchreest/av1arr/internal/repository"
	"github.com/jmylchreest/av1arr/internal/scanner"
	"github.com/jmylchreest/av1arr/internal/scheduler"
	"github.com/jmylchreest/av1arr/internal/transfer"
	"github.com/jmylchreest/av1arr/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the av1arr master",
	Long: `Start the av1arr master server.

The master provides:
- REST API for workers and the dashboard
- Durable transcoding queue backed by the configured database
- Library scanning (on demand, scheduled, or watched)
- Safe in-place replacement of completed transcodes`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Host to bind to")
	serveCmd.Flags().Int("port", 0, "Port to listen on")
	serveCmd.Flags().Bool("scan-on-start", true, "Run a library scan at startup")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Master.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Master.Port, _ = cmd.Flags().GetInt("port")
	}

	logger := observability.NewLogger(cfg.Logging)
	observability.SetDefault(logger)

	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	migrator := migrations.NewMigrator(db.DB, logger)
	migrator.RegisterAll(migrations.AllMigrations())
	if err := migrator.Up(context.Background()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	files := repository.NewFileRepository(db.DB)
	reg := registry.New(logger)
	hub := events.NewHub(logger)
	sched := scheduler.New(files, reg, logger)
	lookup := quality.LoadOrDefault(cfg.Master.LookupDir, logger)
	replacer := transfer.NewReplacer(cfg.PreserveMode, cfg.Master.PUID, cfg.Master.PGID, logger)

	var prober scanner.Prober
	if cfg.Scan.ProbeOnScan {
		prober = ffmpeg.NewProber()
	}
	scan := scanner.New(cfg, files, prober, logger)

	mon := monitor.New(files, reg, hub, logger, cfg.Master.MonitorInterval, cfg.Master.HeartbeatTimeout)

	serverConfig := internalhttp.DefaultServerConfig()
	serverConfig.Host = cfg.Master.Host
	serverConfig.Port = cfg.Master.Port
	serverConfig.ShutdownTimeout = cfg.Master.ShutdownTimeout
	server := internalhttp.NewServer(serverConfig, logger, version.Short())

	handlers.NewHealthHandler(db, version.Short()).Register(server.API())
	handlers.NewWorkerHandler(files, reg, sched, hub, logger).Register(server.API())
	handlers.NewQueueHandler(files, logger).Register(server.API())
	handlers.NewStatusHandler(files, reg, scan, logger).Register(server.API())
	handlers.NewLookupHandler(lookup).Register(server.API())
	handlers.NewTransferHandler(files, reg, replacer, hub, logger).Register(server.Router())
	handlers.NewEventsHandler(hub, logger).Register(server.Router())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	go mon.Run(ctx)

	if scanOnStart, _ := cmd.Flags().GetBool("scan-on-start"); scanOnStart && len(cfg.MediaDirectories) > 0 {
		go func() {
			if _, err := scan.ScanAll(ctx); err != nil && ctx.Err() == nil {
				logger.Error("startup scan failed", slog.String("error", err.Error()))
			}
		}()
	}

	if cfg.Scan.Schedule != "" {
		stop, err := scan.StartSchedule(ctx)
		if err != nil {
			return fmt.Errorf("starting scan schedule: %w", err)
		}
		defer stop()
	}

	if cfg.Scan.Watch {
		go func() {
			if err := scan.Watch(ctx); err != nil && ctx.Err() == nil {
				logger.Error("library watch failed", slog.String("error", err.Error()))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	logger.Info("av1arr master started",
		slog.String("address", cfg.Master.Address()),
		slog.String("version", version.Short()),
		slog.Int("media_directories", len(cfg.MediaDirectories)),
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	return server.Shutdown(context.Background())
}
