package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/av1arr/internal/database"
	"github.com/jmylchreest/av1arr/internal/database/migrations"
	"github.com/jmylchreest/av1arr/internal/ffmpeg"
	"github.com/jmylchreest/av1arr/internal/observability"
	"github.com/jmylchreest/av1arr/internal/repository"
	"github.com/jmylchreest/av1arr/internal/scanner"
)

var scanProbe bool

// scanCmd runs a one-shot library scan against the configured database,
// useful for seeding the queue before the server is up.
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the media libraries once and exit",
	RunE:  runScan,
}

func init() {
	scanCmd.Flags().BoolVar(&scanProbe, "probe", false, "probe files with ffprobe during the scan")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if scanProbe {
		cfg.Scan.ProbeOnScan = true
	}
	if len(cfg.MediaDirectories) == 0 {
		return fmt.Errorf("no media directories configured")
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

	var prober scanner.Prober
	if cfg.Scan.ProbeOnScan {
		prober = ffmpeg.NewProber()
	}

	count, err := scanner.New(cfg, files, prober, logger).ScanAll(cmd.Context())
	if err != nil {
		return fmt.Errorf("scanning libraries: %w", err)
	}
	fmt.Printf("scanned %d files\n", count)
	return nil
}
