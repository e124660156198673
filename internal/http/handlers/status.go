package handlers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jmylchreest/av1arr/internal/models"
	"github.com/jmylchreest/av1arr/internal/registry"
	"github.com/jmylchreest/av1arr/internal/repository"
)

// ScanTrigger starts a library rescan.
type ScanTrigger interface {
	ScanAll(ctx context.Context) (int, error)
}

// StatusHandler serves the dashboard read endpoints and operator actions
// that are not per-file queue mutations.
type StatusHandler struct {
	files    *repository.FileRepository
	registry *registry.Registry
	scanner  ScanTrigger
	logger   *slog.Logger
}

// NewStatusHandler creates the status handler.
func NewStatusHandler(files *repository.FileRepository, reg *registry.Registry, scanner ScanTrigger, logger *slog.Logger) *StatusHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusHandler{files: files, registry: reg, scanner: scanner, logger: logger}
}

// --- Input/Output types ---

// StatusOutput is the combined dashboard snapshot.
type StatusOutput struct {
	Body struct {
		Statistics *models.Statistics    `json:"statistics"`
		Workers    []models.WorkerRecord `json:"workers"`
		Timestamp  time.Time             `json:"timestamp"`
	}
}

// ListFilesInput filters the file listing.
type ListFilesInput struct {
	Status string `query:"status" doc:"Filter by status (pending, processing, completed, failed)"`
}

// ListFilesOutput is the file listing response.
type ListFilesOutput struct {
	Body struct {
		Files []*models.FileRecord `json:"files"`
		Count int                  `json:"count"`
	}
}

// FileOutput is a single file record.
type FileOutput struct {
	Body *models.FileRecord
}

// WorkersOutput lists registered workers.
type WorkersOutput struct {
	Body struct {
		Workers []models.WorkerRecord `json:"workers"`
	}
}

// FadeOutInput addresses one worker.
type FadeOutInput struct {
	WorkerID string `path:"wid"`
}

// FadeOutOutput reports the new fade-out state.
type FadeOutOutput struct {
	Body struct {
		WorkerID string `json:"worker_id"`
		FadeOut  bool   `json:"fade_out"`
	}
}

// ScanOutput reports how many files a triggered scan upserted.
type ScanOutput struct {
	Body struct {
		Success bool `json:"success"`
		Found   int  `json:"found"`
	}
}

// Register registers the status routes with the API.
func (h *StatusHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getStatus",
		Method:      "GET",
		Path:        "/api/status",
		Summary:     "Fleet status",
		Description: "Queue statistics plus live worker state",
		Tags:        []string{"Status"},
	}, h.Status)

	huma.Register(api, huma.Operation{
		OperationID: "listFiles",
		Method:      "GET",
		Path:        "/api/files",
		Summary:     "List files",
		Tags:        []string{"Status"},
	}, h.ListFiles)

	huma.Register(api, huma.Operation{
		OperationID: "getFile",
		Method:      "GET",
		Path:        "/api/file/{fid}",
		Summary:     "Get file",
		Tags:        []string{"Status"},
	}, h.GetFile)

	huma.Register(api, huma.Operation{
		OperationID: "listWorkers",
		Method:      "GET",
		Path:        "/api/workers",
		Summary:     "List workers",
		Tags:        []string{"Status"},
	}, h.ListWorkers)

	huma.Register(api, huma.Operation{
		OperationID: "toggleFadeOut",
		Method:      "POST",
		Path:        "/api/worker/{wid}/fadeout",
		Summary:     "Toggle worker fade-out",
		Description: "A fading worker finishes its current job but gets no new assignments",
		Tags:        []string{"Workers"},
	}, h.ToggleFadeOut)

	huma.Register(api, huma.Operation{
		OperationID: "triggerScan",
		Method:      "POST",
		Path:        "/api/scan",
		Summary:     "Trigger library rescan",
		Tags:        []string{"Status"},
	}, h.TriggerScan)
}

// Status returns statistics plus the worker snapshot.
func (h *StatusHandler) Status(ctx context.Context, _ *struct{}) (*StatusOutput, error) {
	stats, err := h.files.Statistics(ctx)
	if err != nil {
		return nil, err
	}

	out := &StatusOutput{}
	out.Body.Statistics = stats
	out.Body.Workers = h.registry.Workers()
	out.Body.Timestamp = time.Now().UTC()
	return out, nil
}

// ListFiles returns file records, optionally filtered by status.
func (h *StatusHandler) ListFiles(ctx context.Context, input *ListFilesInput) (*ListFilesOutput, error) {
	status := models.FileStatus(input.Status)
	if input.Status != "" && !status.Valid() {
		return nil, huma.Error400BadRequest("invalid status filter")
	}

	files, err := h.files.List(ctx, status)
	if err != nil {
		return nil, err
	}

	out := &ListFilesOutput{}
	out.Body.Files = files
	out.Body.Count = len(files)
	return out, nil
}

// GetFile returns one file record.
func (h *StatusHandler) GetFile(ctx context.Context, input *FileIDInput) (*FileOutput, error) {
	file, err := h.files.GetByID(ctx, input.FileID)
	if err != nil {
		return nil, notFoundOr(err)
	}
	return &FileOutput{Body: file}, nil
}

// ListWorkers returns the live worker table.
func (h *StatusHandler) ListWorkers(ctx context.Context, _ *struct{}) (*WorkersOutput, error) {
	out := &WorkersOutput{}
	out.Body.Workers = h.registry.Workers()
	return out, nil
}

// ToggleFadeOut flips a worker's fade-out flag.
func (h *StatusHandler) ToggleFadeOut(ctx context.Context, input *FadeOutInput) (*FadeOutOutput, error) {
	fading, err := h.registry.ToggleFadeOut(input.WorkerID)
	if err != nil {
		if errors.Is(err, registry.ErrWorkerNotFound) {
			return nil, huma.Error404NotFound("worker not registered")
		}
		return nil, err
	}

	out := &FadeOutOutput{}
	out.Body.WorkerID = input.WorkerID
	out.Body.FadeOut = fading
	return out, nil
}

// TriggerScan runs a full library scan synchronously.
func (h *StatusHandler) TriggerScan(ctx context.Context, _ *struct{}) (*ScanOutput, error) {
	if h.scanner == nil {
		return nil, huma.Error400BadRequest("scanning is not configured")
	}

	found, err := h.scanner.ScanAll(ctx)
	if err != nil {
		return nil, err
	}

	out := &ScanOutput{}
	out.Body.Success = true
	out.Body.Found = found
	return out, nil
}
