// Package repository provides data access for av1arr models.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmylchreest/av1arr/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Sentinel errors returned by the file repository.
var (
	// ErrFileNotFound is returned when a file record does not exist.
	ErrFileNotFound = errors.New("file not found")
	// ErrInvalidTransition is returned when a status change is not allowed
	// from the row's current state.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// FileRepository is the durable queue: it owns all FileRecord writes.
type FileRepository struct {
	db *gorm.DB
}

// NewFileRepository creates a new file repository.
func NewFileRepository(db *gorm.DB) *FileRepository {
	return &FileRepository{db: db}
}

// UpsertFile inserts a new file or refreshes metadata on an existing row.
// It never changes status, progress, or results of an existing row, so a
// rescan cannot clobber queue state.
func (r *FileRepository) UpsertFile(ctx context.Context, file *models.FileRecord) (*models.FileRecord, error) {
	var existing models.FileRecord
	err := r.db.WithContext(ctx).Where("path = ?", file.Path).First(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if file.Status == "" {
				file.Status = models.FileStatusPending
			}
			if err := r.db.WithContext(ctx).Create(file).Error; err != nil {
				return nil, fmt.Errorf("creating file record: %w", err)
			}
			return file, nil
		}
		return nil, fmt.Errorf("looking up file by path: %w", err)
	}

	updates := map[string]interface{}{
		"directory":  file.Directory,
		"filename":   file.Filename,
		"size_bytes": file.SizeBytes,
	}
	mergeMetadata(updates, file)

	if err := r.db.WithContext(ctx).Model(&existing).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("updating file metadata: %w", err)
	}
	return r.GetByID(ctx, existing.ID)
}

// mergeMetadata copies probe metadata and target settings into the update
// map, skipping zero values so a metadata-less rescan keeps earlier probes.
func mergeMetadata(updates map[string]interface{}, file *models.FileRecord) {
	if file.SourceCodec != "" {
		updates["source_codec"] = file.SourceCodec
	}
	if file.SourceBitrate != 0 {
		updates["source_bitrate"] = file.SourceBitrate
	}
	if file.SourceResolution != "" {
		updates["source_resolution"] = file.SourceResolution
	}
	if file.SourceBitdepth != 0 {
		updates["source_bitdepth"] = file.SourceBitdepth
	}
	if file.SourceHDR != "" {
		updates["source_hdr"] = file.SourceHDR
		updates["hdr_dynamic"] = file.HDRDynamic
	}
	if file.ColorTransfer != "" {
		updates["color_transfer"] = file.ColorTransfer
	}
	if file.ColorSpace != "" {
		updates["color_space"] = file.ColorSpace
	}
	if file.SourceAudioCodec != "" {
		updates["source_audio_codec"] = file.SourceAudioCodec
	}
	if file.SourceAudioChannels != 0 {
		updates["source_audio_channels"] = file.SourceAudioChannels
	}
	if file.SourceAudioBitrate != 0 {
		updates["source_audio_bitrate"] = file.SourceAudioBitrate
	}
	if file.TargetCRF != 0 {
		updates["target_crf"] = file.TargetCRF
	}
	if file.TargetOpusBitrate != 0 {
		updates["target_opus_bitrate"] = file.TargetOpusBitrate
	}
}

// ClaimNextPending atomically selects the best pending candidate for the
// worker and flips it to processing. Selection order: rows pinned to this
// worker first, then priority descending, then created_at ascending with
// row ID as the final tie-break. Rows pinned to a different worker are
// excluded entirely. Returns (nil, nil) when no candidate exists.
func (r *FileRepository) ClaimNextPending(ctx context.Context, workerID string) (*models.FileRecord, error) {
	var claimed models.FileRecord
	now := time.Now().UTC()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidate models.FileRecord
		query := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", models.FileStatusPending).
			Where("preferred_worker_id IS NULL OR preferred_worker_id = '' OR preferred_worker_id = ?", workerID).
			Clauses(clause.OrderBy{Expression: clause.Expr{
				SQL:                "CASE WHEN preferred_worker_id = ? THEN 0 ELSE 1 END, priority DESC, created_at ASC, id ASC",
				Vars:               []interface{}{workerID},
				WithoutParentheses: true,
			}})

		// Take, not First: First merges its own primary-key ordering into
		// the clause set and overrides the selection policy above.
		if err := query.Take(&candidate).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			return fmt.Errorf("finding pending file: %w", err)
		}

		// Guard the flip on the row still being pending. SQLite serializes
		// writers so a concurrent claimer either sees this update or loses
		// the select; either way no row is handed out twice.
		result := tx.Model(&models.FileRecord{}).
			Where("id = ? AND status = ?", candidate.ID, models.FileStatusPending).
			Updates(map[string]interface{}{
				"status":             models.FileStatusProcessing,
				"assigned_worker_id": workerID,
				"started_at":         now,
				"progress_percent":   0,
				"error_message":      "",
			})
		if result.Error != nil {
			return fmt.Errorf("claiming file: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		return tx.Where("id = ?", candidate.ID).First(&claimed).Error
	})

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &claimed, nil
}

// Rebind re-attaches a row to a reconnecting worker that still holds its
// job, regardless of whether the monitor failed it in the meantime.
func (r *FileRepository) Rebind(ctx context.Context, id uint, workerID string, progress float64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var file models.FileRecord
		if err := tx.Where("id = ?", id).First(&file).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrFileNotFound
			}
			return fmt.Errorf("looking up file: %w", err)
		}

		updates := map[string]interface{}{
			"status":             models.FileStatusProcessing,
			"assigned_worker_id": workerID,
			"progress_percent":   progress,
			"error_message":      "",
		}
		if file.StartedAt == nil {
			updates["started_at"] = time.Now().UTC()
		}
		return tx.Model(&file).Updates(updates).Error
	})
}

// UpdateProgress records transcode progress for a processing row. Late
// updates for rows that already left processing are silently dropped.
func (r *FileRepository) UpdateProgress(ctx context.Context, id uint, percent, speedFPS float64, etaSeconds int) error {
	result := r.db.WithContext(ctx).Model(&models.FileRecord{}).
		Where("id = ? AND status = ?", id, models.FileStatusProcessing).
		Updates(map[string]interface{}{
			"progress_percent":       percent,
			"processing_speed_fps":   speedFPS,
			"time_remaining_seconds": etaSeconds,
		})
	if result.Error != nil {
		return fmt.Errorf("updating progress: %w", result.Error)
	}
	return nil
}

// MarkCompleted transitions a row to completed with its final sizes.
// Idempotent: completing an already-completed row is a no-op.
func (r *FileRepository) MarkCompleted(ctx context.Context, id uint, workerID string, outputSize, savingsBytes int64, savingsPercent float64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var file models.FileRecord
		if err := tx.Where("id = ?", id).First(&file).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrFileNotFound
			}
			return fmt.Errorf("looking up file: %w", err)
		}
		// A completed row with no recorded output size was settled from a
		// heartbeat claim before the result arrived; let the delivery
		// install the real sizes.
		if file.Status == models.FileStatusCompleted && file.OutputSizeBytes > 0 {
			return nil
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{
			"status":            models.FileStatusCompleted,
			"completed_at":      now,
			"progress_percent":  100.0,
			"output_size_bytes": outputSize,
			"savings_bytes":     savingsBytes,
			"savings_percent":   savingsPercent,
			"error_message":     "",
		}
		if workerID != "" {
			updates["assigned_worker_id"] = workerID
		}
		return tx.Model(&file).Updates(updates).Error
	})
}

// MarkFailed transitions a row to failed and increments its retry count.
func (r *FileRepository) MarkFailed(ctx context.Context, id uint, reason string) error {
	result := r.db.WithContext(ctx).Model(&models.FileRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":             models.FileStatusFailed,
			"error_message":      reason,
			"retry_count":        gorm.Expr("retry_count + 1"),
			"assigned_worker_id": "",
		})
	if result.Error != nil {
		return fmt.Errorf("marking file failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrFileNotFound
	}
	return nil
}

// Reset returns a row to pending and clears progress, assignment, results,
// and errors. Used by operator retry/cancel actions.
func (r *FileRepository) Reset(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Model(&models.FileRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":                 models.FileStatusPending,
			"progress_percent":       0,
			"assigned_worker_id":     "",
			"started_at":             nil,
			"completed_at":           nil,
			"processing_speed_fps":   0,
			"time_remaining_seconds": 0,
			"output_size_bytes":      0,
			"savings_bytes":          0,
			"savings_percent":        0,
			"error_message":          "",
		})
	if result.Error != nil {
		return fmt.Errorf("resetting file: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrFileNotFound
	}
	return nil
}

// ResetAllFailed returns every failed row to pending. Returns the number
// of rows reset.
func (r *FileRepository) ResetAllFailed(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.FileRecord{}).
		Where("status = ?", models.FileStatusFailed).
		Updates(map[string]interface{}{
			"status":             models.FileStatusPending,
			"progress_percent":   0,
			"assigned_worker_id": "",
			"started_at":         nil,
			"completed_at":       nil,
			"error_message":      "",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("resetting failed files: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Skip marks a row completed without results so it is never picked again.
func (r *FileRepository) Skip(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Model(&models.FileRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        models.FileStatusCompleted,
			"completed_at":  time.Now().UTC(),
			"error_message": "Manually skipped",
		})
	if result.Error != nil {
		return fmt.Errorf("skipping file: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrFileNotFound
	}
	return nil
}

// Delete removes a row from the queue.
func (r *FileRepository) Delete(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.FileRecord{})
	if result.Error != nil {
		return fmt.Errorf("deleting file: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrFileNotFound
	}
	return nil
}

// DeleteAllCompleted removes all completed rows. Returns the number removed.
func (r *FileRepository) DeleteAllCompleted(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ?", models.FileStatusCompleted).
		Delete(&models.FileRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting completed files: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// SetPriority updates queue priority and optional worker pinning. A failed
// row is returned to pending so the new priority takes effect.
func (r *FileRepository) SetPriority(ctx context.Context, id uint, priority int, preferredWorker string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var file models.FileRecord
		if err := tx.Where("id = ?", id).First(&file).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrFileNotFound
			}
			return fmt.Errorf("looking up file: %w", err)
		}

		updates := map[string]interface{}{
			"priority":            priority,
			"preferred_worker_id": preferredWorker,
		}
		if file.Status == models.FileStatusFailed {
			updates["status"] = models.FileStatusPending
			updates["error_message"] = ""
			updates["assigned_worker_id"] = ""
		}
		return tx.Model(&file).Updates(updates).Error
	})
}

// GetByID returns a single row by ID.
func (r *FileRepository) GetByID(ctx context.Context, id uint) (*models.FileRecord, error) {
	var file models.FileRecord
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&file).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("getting file: %w", err)
	}
	return &file, nil
}

// GetByPath returns a single row by absolute path.
func (r *FileRepository) GetByPath(ctx context.Context, path string) (*models.FileRecord, error) {
	var file models.FileRecord
	if err := r.db.WithContext(ctx).Where("path = ?", path).First(&file).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("getting file by path: %w", err)
	}
	return &file, nil
}

// List returns rows, optionally filtered by status, newest first.
func (r *FileRepository) List(ctx context.Context, status models.FileStatus) ([]*models.FileRecord, error) {
	var files []*models.FileRecord
	query := r.db.WithContext(ctx).Order("updated_at DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Find(&files).Error; err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	return files, nil
}

// ListProcessing returns all rows currently marked processing.
func (r *FileRepository) ListProcessing(ctx context.Context) ([]*models.FileRecord, error) {
	return r.List(ctx, models.FileStatusProcessing)
}

// Statistics computes queue aggregates from the files table.
func (r *FileRepository) Statistics(ctx context.Context) (*models.Statistics, error) {
	stats := &models.Statistics{}
	db := r.db.WithContext(ctx)

	type statusCount struct {
		Status models.FileStatus
		Count  int64
	}
	var counts []statusCount
	if err := db.Model(&models.FileRecord{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("counting files by status: %w", err)
	}
	for _, c := range counts {
		stats.TotalFiles += c.Count
		switch c.Status {
		case models.FileStatusPending:
			stats.PendingFiles = c.Count
		case models.FileStatusProcessing:
			stats.ProcessingFiles = c.Count
		case models.FileStatusCompleted:
			stats.CompletedFiles = c.Count
		case models.FileStatusFailed:
			stats.FailedFiles = c.Count
		}
	}

	// Library size is scanned into its own variable: scanning a second
	// result set into a shared struct zeroes the fields the first query
	// filled.
	var librarySize int64
	if err := db.Model(&models.FileRecord{}).
		Select("COALESCE(SUM(size_bytes), 0)").
		Scan(&librarySize).Error; err != nil {
		return nil, fmt.Errorf("summing library size: %w", err)
	}

	type sums struct {
		TotalOriginal int64
		TotalOutput   int64
		TotalSavings  int64
		AvgSavingsPct float64
	}
	var s sums
	if err := db.Model(&models.FileRecord{}).
		Where("status = ? AND output_size_bytes > 0", models.FileStatusCompleted).
		Select("COALESCE(SUM(size_bytes), 0) as total_original, " +
			"COALESCE(SUM(output_size_bytes), 0) as total_output, " +
			"COALESCE(SUM(savings_bytes), 0) as total_savings, " +
			"COALESCE(AVG(savings_percent), 0) as avg_savings_pct").
		Scan(&s).Error; err != nil {
		return nil, fmt.Errorf("summing completed files: %w", err)
	}

	stats.TotalOriginalSize = s.TotalOriginal
	stats.TotalTranscodedSize = s.TotalOutput
	stats.TotalSavingsBytes = s.TotalSavings
	stats.TotalSavingsPercent = s.AvgSavingsPct

	// Project remaining savings at the observed average ratio.
	if s.AvgSavingsPct > 0 {
		stats.EstimatedFinalSize = int64(float64(librarySize) * (1 - s.AvgSavingsPct/100))
		stats.EstimatedTotalSavings = librarySize - stats.EstimatedFinalSize
	} else {
		stats.EstimatedFinalSize = librarySize
	}

	return stats, nil
}
