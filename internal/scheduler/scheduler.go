// Package scheduler glues the worker registry to the durable queue: it
// gates job assignment on worker health and performs the atomic claim.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/av1arr/internal/models"
	"github.com/jmylchreest/av1arr/internal/registry"
	"github.com/jmylchreest/av1arr/internal/repository"
)

// ErrWorkerUnavailable is returned when a worker is offline or fading out.
var ErrWorkerUnavailable = errors.New("worker unavailable for assignment")

// Scheduler assigns pending files to requesting workers.
type Scheduler struct {
	files    *repository.FileRepository
	registry *registry.Registry
	logger   *slog.Logger
}

// New creates a scheduler.
func New(files *repository.FileRepository, reg *registry.Registry, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		files:    files,
		registry: reg,
		logger:   logger,
	}
}

// Assign claims the next pending file for the worker. Returns
// registry.ErrWorkerNotFound for unknown workers, ErrWorkerUnavailable for
// offline or fading workers, and (nil, nil) when the queue has no candidate.
func (s *Scheduler) Assign(ctx context.Context, workerID string) (*models.JobDescriptor, error) {
	worker, err := s.registry.ByID(workerID)
	if err != nil {
		return nil, err
	}
	if worker.Status == models.WorkerStatusOffline || worker.FadeOut {
		return nil, ErrWorkerUnavailable
	}

	file, err := s.files.ClaimNextPending(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("claiming next pending file: %w", err)
	}
	if file == nil {
		return nil, nil
	}

	if err := s.registry.SetCurrentJob(workerID, file.ID, file.Filename); err != nil {
		// The worker vanished between the health check and the claim.
		// Put the row back so another worker can take it.
		if resetErr := s.files.Reset(ctx, file.ID); resetErr != nil {
			s.logger.Error("failed to release claim for vanished worker",
				slog.Uint64("file_id", uint64(file.ID)),
				slog.String("worker_id", workerID),
				slog.String("error", resetErr.Error()),
			)
		}
		return nil, err
	}

	s.logger.Info("job assigned",
		slog.Uint64("file_id", uint64(file.ID)),
		slog.String("filename", file.Filename),
		slog.String("worker_id", workerID),
		slog.Int("priority", file.Priority),
	)

	return DescriptorFromRecord(file), nil
}

// DescriptorFromRecord builds the wire job descriptor from a claimed row.
func DescriptorFromRecord(file *models.FileRecord) *models.JobDescriptor {
	return &models.JobDescriptor{
		FileID:              file.ID,
		Path:                file.Path,
		Filename:            file.Filename,
		SizeBytes:           file.SizeBytes,
		SourceCodec:         file.SourceCodec,
		SourceBitrate:       file.SourceBitrate,
		SourceResolution:    file.SourceResolution,
		SourceBitdepth:      file.SourceBitdepth,
		SourceHDR:           file.SourceHDR,
		HDRDynamic:          file.HDRDynamic,
		ColorTransfer:       file.ColorTransfer,
		ColorSpace:          file.ColorSpace,
		SourceAudioCodec:    file.SourceAudioCodec,
		SourceAudioChannels: file.SourceAudioChannels,
		SourceAudioBitrate:  file.SourceAudioBitrate,
		TargetCRF:           file.TargetCRF,
		TargetOpusBitrate:   file.TargetOpusBitrate,
	}
}
