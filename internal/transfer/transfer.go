// Package transfer implements the master side of file movement: streaming
// a source file to a worker and replacing the original with an uploaded
// result without ever exposing a partial file to library readers.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v4/disk"
)

// Suffixes used by the replacement protocol.
const (
	// PartSuffix marks the sibling file the upload is written to.
	PartSuffix = ".av1.part"
	// BackupSuffix marks the preserved original after replacement.
	BackupSuffix = ".bak"
	// InProgressSuffix marks a file currently being transcoded so external
	// observers skip it.
	InProgressSuffix = ".av1.inprogress"
)

// ErrInsufficientSpace is returned when the target filesystem cannot hold
// the uploaded file.
var ErrInsufficientSpace = errors.New("insufficient free space for upload")

// Replacer writes uploads beside the original and swaps them atomically.
type Replacer struct {
	// PreserveMode keeps the original as <path>.bak after replacement.
	PreserveMode bool
	// PUID/PGID are applied to the replacement so the media server keeps
	// ownership; both zero means inherit the process owner.
	PUID int
	PGID int

	logger *slog.Logger
}

// NewReplacer creates a replacer.
func NewReplacer(preserveMode bool, puid, pgid int, logger *slog.Logger) *Replacer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replacer{
		PreserveMode: preserveMode,
		PUID:         puid,
		PGID:         pgid,
		logger:       logger,
	}
}

// Result reports the sizes after a successful replacement.
type Result struct {
	OriginalSize   int64
	NewSize        int64
	SavingsBytes   int64
	SavingsPercent float64
}

// Replace streams body into <originalPath>.av1.part and then performs the
// two-step rename. expectedSize, when > 0, is checked against free space
// before any bytes are written. On any error before the final rename the
// original is untouched.
func (r *Replacer) Replace(originalPath string, body io.Reader, expectedSize int64) (*Result, error) {
	origInfo, err := os.Stat(originalPath)
	if err != nil {
		return nil, fmt.Errorf("stat original: %w", err)
	}
	originalSize := origInfo.Size()

	dir := filepath.Dir(originalPath)
	if err := checkWritable(dir); err != nil {
		return nil, err
	}
	if expectedSize > 0 {
		if err := checkFreeSpace(dir, expectedSize); err != nil {
			return nil, err
		}
	}

	partPath := originalPath + PartSuffix
	newSize, err := r.writePart(partPath, body)
	if err != nil {
		// Leave nothing behind on a failed upload.
		_ = os.Remove(partPath)
		return nil, err
	}

	if err := r.applyOwnership(partPath); err != nil {
		r.logger.Warn("failed to apply ownership",
			slog.String("path", partPath),
			slog.String("error", err.Error()),
		)
	}

	if err := r.swap(originalPath, partPath); err != nil {
		_ = os.Remove(partPath)
		return nil, err
	}

	// The transcode is over either way; drop the marker if one exists.
	_ = os.Remove(originalPath + InProgressSuffix)

	savings := originalSize - newSize
	result := &Result{
		OriginalSize: originalSize,
		NewSize:      newSize,
		SavingsBytes: savings,
	}
	if originalSize > 0 {
		result.SavingsPercent = float64(savings) / float64(originalSize) * 100
	}

	r.logger.Info("file replaced",
		slog.String("path", originalPath),
		slog.Int64("original_size", originalSize),
		slog.Int64("new_size", newSize),
		slog.Float64("savings_percent", result.SavingsPercent),
	)
	return result, nil
}

// writePart streams the body to the part file, fsyncing before close so
// the subsequent rename never publishes unflushed data.
func (r *Replacer) writePart(partPath string, body io.Reader) (int64, error) {
	f, err := os.OpenFile(partPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("creating part file: %w", err)
	}

	n, err := io.Copy(f, body)
	if err != nil {
		f.Close()
		return 0, fmt.Errorf("writing part file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, fmt.Errorf("syncing part file: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("closing part file: %w", err)
	}
	return n, nil
}

// swap performs the two-step rename: original -> .bak, part -> original.
// A retry after a crash between the two steps uses the .bak as the source
// of truth.
func (r *Replacer) swap(originalPath, partPath string) error {
	backupPath := originalPath + BackupSuffix

	if _, err := os.Stat(backupPath); err == nil {
		if err := os.Remove(backupPath); err != nil {
			return fmt.Errorf("removing stale backup: %w", err)
		}
	}

	if _, err := os.Stat(originalPath); err == nil {
		if err := os.Rename(originalPath, backupPath); err != nil {
			return fmt.Errorf("backing up original: %w", err)
		}
	}

	if err := os.Rename(partPath, originalPath); err != nil {
		// Roll the original back so the library still sees it.
		if _, statErr := os.Stat(backupPath); statErr == nil {
			_ = os.Rename(backupPath, originalPath)
		}
		return fmt.Errorf("installing replacement: %w", err)
	}

	if !r.PreserveMode {
		if err := os.Remove(backupPath); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("failed to remove backup",
				slog.String("path", backupPath),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// applyOwnership chowns the part file to the configured PUID/PGID.
func (r *Replacer) applyOwnership(path string) error {
	if r.PUID == 0 && r.PGID == 0 {
		return nil
	}
	return os.Chown(path, r.PUID, r.PGID)
}

// checkWritable verifies the directory exists and accepts writes.
func checkWritable(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	probe, err := os.CreateTemp(dir, ".av1arr-write-check-*")
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

// checkFreeSpace verifies the filesystem holding dir can absorb size
// bytes plus slack. Best effort; failures to read usage are ignored.
func checkFreeSpace(dir string, size int64) error {
	usage, err := disk.Usage(dir)
	if err != nil {
		return nil
	}
	const slack = 256 << 20 // keep 256MB headroom
	if usage.Free < uint64(size)+slack {
		return fmt.Errorf("%w: need %d bytes, %d free in %s", ErrInsufficientSpace, size, usage.Free, dir)
	}
	return nil
}

// MarkInProgress creates the sibling marker external observers use to skip
// a file mid-transcode.
func MarkInProgress(path string) error {
	f, err := os.OpenFile(path+InProgressSuffix, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// ClearInProgress removes the in-progress marker if present.
func ClearInProgress(path string) {
	_ = os.Remove(path + InProgressSuffix)
}
