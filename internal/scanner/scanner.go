// Package scanner discovers media files in the configured library roots
// and populates the durable queue.
package scanner

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jmylchreest/av1arr/internal/config"
	"github.com/jmylchreest/av1arr/internal/ffmpeg"
	"github.com/jmylchreest/av1arr/internal/models"
	"github.com/jmylchreest/av1arr/internal/repository"
)

// Suffixes created by the replacement and in-progress protocols; files
// carrying them are never queued.
const (
	backupSuffix     = ".bak"
	partSuffix       = ".av1.part"
	inProgressSuffix = ".av1.inprogress"
)

// skippedDirNames are metadata folders some media servers create alongside
// content.
var skippedDirNames = map[string]bool{
	"@eaDir":    true,
	".DS_Store": true,
}

// Prober fills source metadata for a discovered file. Optional; scanning
// never blocks on probe failure.
type Prober interface {
	Probe(ctx context.Context, path string) (*ffmpeg.ProbeResult, error)
}

// Scanner walks the library roots and upserts candidates into the queue.
type Scanner struct {
	cfg    *config.Config
	files  *repository.FileRepository
	prober Prober
	logger *slog.Logger

	extensions map[string]bool
}

// New creates a scanner. prober may be nil to skip probing at scan time.
func New(cfg *config.Config, files *repository.FileRepository, prober Prober, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	extensions := make(map[string]bool, len(cfg.Scan.VideoExtensions))
	for _, ext := range cfg.Scan.VideoExtensions {
		extensions[strings.ToLower(ext)] = true
	}
	return &Scanner{
		cfg:        cfg,
		files:      files,
		prober:     prober,
		logger:     logger,
		extensions: extensions,
	}
}

// candidate is a discovered file before ordering and upsert.
type candidate struct {
	path    string
	size    int64
	modTime int64
}

// ScanAll walks every configured library root and returns the number of
// files upserted.
func (s *Scanner) ScanAll(ctx context.Context) (int, error) {
	var candidates []candidate

	for _, dir := range s.cfg.MediaDirectories {
		info, err := os.Stat(dir)
		if err != nil {
			s.logger.Warn("library root not found", slog.String("directory", dir))
			continue
		}
		if !info.IsDir() {
			s.logger.Warn("library root is not a directory", slog.String("directory", dir))
			continue
		}

		found, err := s.collect(ctx, dir)
		if err != nil {
			return 0, err
		}
		s.logger.Info("library root scanned",
			slog.String("directory", dir),
			slog.Int("found", len(found)),
		)
		candidates = append(candidates, found...)
	}

	s.order(candidates)

	count := 0
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if err := s.upsert(ctx, c.path, c.size); err != nil {
			s.logger.Error("failed to upsert file",
				slog.String("path", c.path),
				slog.String("error", err.Error()),
			)
			continue
		}
		count++
	}

	s.logger.Info("scan complete", slog.Int("total", count))
	return count, nil
}

// collect walks one root and returns queue candidates.
func (s *Scanner) collect(ctx context.Context, root string) ([]candidate, error) {
	var out []candidate

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Warn("walk error", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if d.IsDir() {
			name := d.Name()
			if skippedDirNames[name] || strings.HasSuffix(name, ".trickplay") {
				return filepath.SkipDir
			}
			return nil
		}

		if !s.IsCandidate(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			s.logger.Error("cannot stat file", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}
		out = append(out, candidate{path: path, size: info.Size(), modTime: info.ModTime().Unix()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IsCandidate reports whether the path is a queueable video file: right
// extension, not a replacement artifact, and not marked in-progress.
func (s *Scanner) IsCandidate(path string) bool {
	if strings.HasSuffix(path, backupSuffix) ||
		strings.HasSuffix(path, partSuffix) ||
		strings.HasSuffix(path, inProgressSuffix) {
		return false
	}
	if !s.extensions[strings.ToLower(filepath.Ext(path))] {
		return false
	}
	if _, err := os.Stat(path + inProgressSuffix); err == nil {
		return false
	}
	return true
}

// order sorts candidates per processing.file_order so created_at reflects
// the configured queueing preference.
func (s *Scanner) order(candidates []candidate) {
	switch s.cfg.Processing.FileOrder {
	case "newest":
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime > candidates[j].modTime })
	case "largest":
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].size > candidates[j].size })
	case "smallest":
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].size < candidates[j].size })
	default: // oldest
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime < candidates[j].modTime })
	}
}

// upsert stats, optionally probes, and writes one file into the queue.
func (s *Scanner) upsert(ctx context.Context, path string, size int64) error {
	record := &models.FileRecord{
		Path:      path,
		Directory: filepath.Dir(path),
		Filename:  filepath.Base(path),
		SizeBytes: size,
	}

	if s.prober != nil && s.cfg.Scan.ProbeOnScan {
		if probe, err := s.prober.Probe(ctx, path); err != nil {
			s.logger.Warn("probe failed", slog.String("path", path), slog.String("error", err.Error()))
		} else {
			applyProbe(record, probe)
		}
	}

	_, err := s.files.UpsertFile(ctx, record)
	return err
}

// applyProbe copies probe metadata onto the record.
func applyProbe(record *models.FileRecord, probe *ffmpeg.ProbeResult) {
	record.SourceCodec = probe.Video.Codec
	record.SourceBitrate = probe.Video.Bitrate
	record.SourceResolution = probe.Video.Resolution
	record.SourceBitdepth = probe.Video.Bitdepth
	record.SourceHDR = probe.Video.HDR
	record.HDRDynamic = probe.Video.HDRDynamic
	record.ColorTransfer = probe.Video.ColorTransfer
	record.ColorSpace = probe.Video.ColorSpace
	if probe.Audio != nil {
		record.SourceAudioCodec = probe.Audio.Codec
		record.SourceAudioChannels = probe.Audio.Channels
		record.SourceAudioBitrate = probe.Audio.Bitrate
	}
}
