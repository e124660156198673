// Package handlers implements the av1arr HTTP API.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jmylchreest/av1arr/internal/events"
	"github.com/jmylchreest/av1arr/internal/models"
	"github.com/jmylchreest/av1arr/internal/registry"
	"github.com/jmylchreest/av1arr/internal/repository"
	"github.com/jmylchreest/av1arr/internal/scheduler"
)

// staleJobMaxAge bounds how old a recovered job claim may be. Older claims
// are rejected unless the worker already made real progress.
const staleJobMaxAge = 30 * 24 * time.Hour

// staleJobMinProgress is the progress above which age no longer matters.
const staleJobMinProgress = 10.0

// WorkerHandler implements the worker-facing protocol endpoints.
type WorkerHandler struct {
	files     *repository.FileRepository
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	hub       *events.Hub
	logger    *slog.Logger
}

// NewWorkerHandler creates the worker protocol handler.
func NewWorkerHandler(files *repository.FileRepository, reg *registry.Registry, sched *scheduler.Scheduler, hub *events.Hub, logger *slog.Logger) *WorkerHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerHandler{
		files:     files,
		registry:  reg,
		scheduler: sched,
		hub:       hub,
		logger:    logger,
	}
}

// --- Input/Output types ---

// RegisterInput is the worker registration request.
type RegisterInput struct {
	Body models.RegisterRequest
}

// RegisterOutput carries the assigned worker ID.
type RegisterOutput struct {
	Body models.RegisterResponse
}

// HeartbeatInput is the periodic worker liveness report.
type HeartbeatInput struct {
	WorkerID string `path:"wid"`
	Body     models.HeartbeatRequest
}

// RequestJobInput asks for the next queued file.
type RequestJobInput struct {
	WorkerID string `path:"wid"`
}

// RequestJobOutput wraps the assigned job, null when the queue is empty.
type RequestJobOutput struct {
	Body models.JobResponse
}

// ProgressInput reports transcode progress for one file.
type ProgressInput struct {
	WorkerID string `path:"wid"`
	FileID   uint   `path:"fid"`
	Body     models.ProgressRequest
}

// CompleteInput reports a finished transcode.
type CompleteInput struct {
	WorkerID string `path:"wid"`
	FileID   uint   `path:"fid"`
	Body     models.CompleteRequest
}

// FailInput reports a failed transcode.
type FailInput struct {
	WorkerID string `path:"wid"`
	FileID   uint   `path:"fid"`
	Body     models.FailRequest
}

// Register registers the worker protocol routes with the API.
func (h *WorkerHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "registerWorker",
		Method:      "POST",
		Path:        "/api/worker/register",
		Summary:     "Register worker",
		Description: "Adds a worker to the fleet and returns its ID",
		Tags:        []string{"Workers"},
	}, h.RegisterWorker)

	huma.Register(api, huma.Operation{
		OperationID:   "workerHeartbeat",
		Method:        "POST",
		Path:          "/api/worker/{wid}/heartbeat",
		Summary:       "Worker heartbeat",
		Description:   "Updates worker liveness; carries optional current-job state for reconnection recovery",
		Tags:          []string{"Workers"},
		DefaultStatus: 204,
	}, h.Heartbeat)

	huma.Register(api, huma.Operation{
		OperationID: "requestJob",
		Method:      "GET",
		Path:        "/api/worker/{wid}/job/request",
		Summary:     "Request job",
		Description: "Atomically claims the next pending file for the worker",
		Tags:        []string{"Workers"},
	}, h.RequestJob)

	huma.Register(api, huma.Operation{
		OperationID:   "reportProgress",
		Method:        "POST",
		Path:          "/api/worker/{wid}/job/{fid}/progress",
		Summary:       "Report progress",
		Tags:          []string{"Workers"},
		DefaultStatus: 204,
	}, h.Progress)

	huma.Register(api, huma.Operation{
		OperationID:   "reportComplete",
		Method:        "POST",
		Path:          "/api/worker/{wid}/job/{fid}/complete",
		Summary:       "Report completion",
		Description:   "Marks the file completed; idempotent for already-completed rows",
		Tags:          []string{"Workers"},
		DefaultStatus: 204,
	}, h.Complete)

	huma.Register(api, huma.Operation{
		OperationID:   "reportFailed",
		Method:        "POST",
		Path:          "/api/worker/{wid}/job/{fid}/failed",
		Summary:       "Report failure",
		Tags:          []string{"Workers"},
		DefaultStatus: 204,
	}, h.Fail)
}

// RegisterWorker adds a worker to the registry.
func (h *WorkerHandler) RegisterWorker(ctx context.Context, input *RegisterInput) (*RegisterOutput, error) {
	if input.Body.Hostname == "" {
		return nil, huma.Error400BadRequest("hostname is required")
	}

	id := h.registry.Register(input.Body)
	return &RegisterOutput{Body: models.RegisterResponse{WorkerID: id}}, nil
}

// Heartbeat updates worker liveness and runs reconnection recovery when
// the worker reports a job the master may have lost track of.
func (h *WorkerHandler) Heartbeat(ctx context.Context, input *HeartbeatInput) (*struct{}, error) {
	if err := h.registry.Heartbeat(input.WorkerID, input.Body); err != nil {
		if errors.Is(err, registry.ErrWorkerNotFound) {
			return nil, huma.Error404NotFound("worker not registered")
		}
		return nil, err
	}

	if input.Body.CurrentJob != nil {
		if err := h.recoverJob(ctx, input.WorkerID, input.Body.CurrentJob); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// recoverJob validates a worker's claimed job against the store and
// re-binds or finalizes it. Returns huma errors on protocol violations.
func (h *WorkerHandler) recoverJob(ctx context.Context, workerID string, claim *models.CurrentJob) error {
	file, err := h.files.GetByID(ctx, claim.FileID)
	if err != nil {
		if errors.Is(err, repository.ErrFileNotFound) {
			return huma.Error400BadRequest("File not found")
		}
		return err
	}

	// Completed rows are already settled; a duplicate claim is harmless.
	if file.Status == models.FileStatusCompleted {
		return nil
	}
	if file.Path != claim.FilePath {
		return huma.Error400BadRequest("File path mismatch")
	}
	if file.SizeBytes != claim.FileSize {
		return huma.Error400BadRequest("File size mismatch")
	}

	if startedAt, parseErr := time.Parse(time.RFC3339, claim.StartedAt); parseErr == nil {
		age := time.Since(startedAt)
		if age > staleJobMaxAge && claim.Progress < staleJobMinProgress {
			return huma.Error400BadRequest(fmt.Sprintf("Stale job claim: started %s ago with %.1f%% progress", age.Round(time.Hour), claim.Progress))
		}
	}

	if claim.IsCompleted {
		// The worker finished while unreachable. Settle the row now; the
		// result bytes arrive via the upload endpoint, which installs the
		// real sizes once they do.
		if err := h.files.MarkCompleted(ctx, file.ID, workerID, file.OutputSizeBytes, file.SavingsBytes, file.SavingsPercent); err != nil {
			return err
		}
		h.registry.ClearCurrentJob(workerID, true, file.SizeBytes)
		h.logger.Info("recovered completed job from heartbeat",
			slog.Uint64("file_id", uint64(file.ID)),
			slog.String("worker_id", workerID),
		)
		return nil
	}

	// Re-bind the row to this worker, regardless of whether the monitor
	// failed it in the meantime.
	if err := h.files.Rebind(ctx, file.ID, workerID, claim.Progress); err != nil {
		return err
	}
	if err := h.registry.SetCurrentJob(workerID, file.ID, file.Filename); err != nil {
		return err
	}
	_ = h.registry.UpdateJobProgress(workerID, file.ID, claim.Progress, 0, 0)

	h.logger.Info("rebound job from heartbeat recovery",
		slog.Uint64("file_id", uint64(file.ID)),
		slog.String("worker_id", workerID),
		slog.Float64("progress", claim.Progress),
	)
	return nil
}

// RequestJob claims the next pending file for the worker.
func (h *WorkerHandler) RequestJob(ctx context.Context, input *RequestJobInput) (*RequestJobOutput, error) {
	job, err := h.scheduler.Assign(ctx, input.WorkerID)
	if err != nil {
		if errors.Is(err, registry.ErrWorkerNotFound) {
			return nil, huma.Error404NotFound("worker not registered")
		}
		if errors.Is(err, scheduler.ErrWorkerUnavailable) {
			// Fading or offline workers just get an empty queue.
			return &RequestJobOutput{}, nil
		}
		return nil, err
	}
	return &RequestJobOutput{Body: models.JobResponse{Job: job}}, nil
}

// Progress records transcode progress. Late updates for settled rows are
// silently dropped.
func (h *WorkerHandler) Progress(ctx context.Context, input *ProgressInput) (*struct{}, error) {
	if err := h.files.UpdateProgress(ctx, input.FileID, input.Body.Percent, input.Body.Speed, input.Body.ETA); err != nil {
		return nil, err
	}
	if err := h.registry.UpdateJobProgress(input.WorkerID, input.FileID, input.Body.Percent, input.Body.Speed, input.Body.ETA); err != nil {
		if errors.Is(err, registry.ErrWorkerNotFound) {
			return nil, huma.Error404NotFound("worker not registered")
		}
		return nil, err
	}

	h.hub.Publish(events.EventProgress, map[string]interface{}{
		"file_id":   input.FileID,
		"worker_id": input.WorkerID,
		"percent":   input.Body.Percent,
		"speed":     input.Body.Speed,
		"eta":       input.Body.ETA,
		"status":    input.Body.Status,
	})
	return nil, nil
}

// Complete settles the row with its final sizes. Idempotent.
func (h *WorkerHandler) Complete(ctx context.Context, input *CompleteInput) (*struct{}, error) {
	savings := input.Body.OriginalSize - input.Body.OutputSize
	savingsPercent := 0.0
	if input.Body.OriginalSize > 0 {
		savingsPercent = float64(savings) / float64(input.Body.OriginalSize) * 100
	}

	if err := h.files.MarkCompleted(ctx, input.FileID, input.WorkerID, input.Body.OutputSize, savings, savingsPercent); err != nil {
		if errors.Is(err, repository.ErrFileNotFound) {
			return nil, huma.Error404NotFound("file not found")
		}
		return nil, err
	}
	h.registry.ClearCurrentJob(input.WorkerID, true, input.Body.OriginalSize)

	h.hub.Publish(events.EventCompleted, map[string]interface{}{
		"file_id":         input.FileID,
		"worker_id":       input.WorkerID,
		"output_size":     input.Body.OutputSize,
		"savings_percent": savingsPercent,
	})
	return nil, nil
}

// Fail marks the row failed and releases the worker's slot.
func (h *WorkerHandler) Fail(ctx context.Context, input *FailInput) (*struct{}, error) {
	reason := input.Body.Error
	if reason == "" {
		reason = "unknown error"
	}

	if err := h.files.MarkFailed(ctx, input.FileID, reason); err != nil {
		if errors.Is(err, repository.ErrFileNotFound) {
			return nil, huma.Error404NotFound("file not found")
		}
		return nil, err
	}
	h.registry.ClearCurrentJob(input.WorkerID, false, 0)

	h.hub.Publish(events.EventError, map[string]interface{}{
		"file_id":   input.FileID,
		"worker_id": input.WorkerID,
		"error":     reason,
	})
	return nil, nil
}
