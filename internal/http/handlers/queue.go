package handlers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jmylchreest/av1arr/internal/models"
	"github.com/jmylchreest/av1arr/internal/repository"
)

// QueueHandler implements operator queue management endpoints.
type QueueHandler struct {
	files  *repository.FileRepository
	logger *slog.Logger
}

// NewQueueHandler creates the queue management handler.
func NewQueueHandler(files *repository.FileRepository, logger *slog.Logger) *QueueHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueHandler{files: files, logger: logger}
}

// --- Input/Output types ---

// FileIDInput addresses one file by ID.
type FileIDInput struct {
	FileID uint `path:"fid"`
}

// PriorityInput sets priority and optional pinning on one file.
type PriorityInput struct {
	FileID uint `path:"fid"`
	Body   models.PriorityRequest
}

// ActionOutput is the generic mutation response.
type ActionOutput struct {
	Body struct {
		Success bool   `json:"success"`
		Message string `json:"message,omitempty"`
	}
}

// CountOutput reports how many rows a bulk action touched.
type CountOutput struct {
	Body struct {
		Success bool  `json:"success"`
		Count   int64 `json:"count"`
	}
}

func actionOK(message string) *ActionOutput {
	out := &ActionOutput{}
	out.Body.Success = true
	out.Body.Message = message
	return out
}

// Register registers the queue management routes with the API.
func (h *QueueHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "cancelFile",
		Method:      "POST",
		Path:        "/api/file/{fid}/cancel",
		Summary:     "Cancel file",
		Description: "Returns a processing file to pending",
		Tags:        []string{"Queue"},
	}, h.Cancel)

	huma.Register(api, huma.Operation{
		OperationID: "retryFile",
		Method:      "POST",
		Path:        "/api/file/{fid}/retry",
		Summary:     "Retry file",
		Description: "Returns a failed file to pending",
		Tags:        []string{"Queue"},
	}, h.Retry)

	huma.Register(api, huma.Operation{
		OperationID: "skipFile",
		Method:      "POST",
		Path:        "/api/file/{fid}/skip",
		Summary:     "Skip file",
		Description: "Marks the file completed without transcoding it",
		Tags:        []string{"Queue"},
	}, h.Skip)

	huma.Register(api, huma.Operation{
		OperationID: "deleteFile",
		Method:      "POST",
		Path:        "/api/file/{fid}/delete",
		Summary:     "Delete file from queue",
		Tags:        []string{"Queue"},
	}, h.Delete)

	huma.Register(api, huma.Operation{
		OperationID: "setFilePriority",
		Method:      "POST",
		Path:        "/api/file/{fid}/priority",
		Summary:     "Set file priority",
		Description: "Sets queue priority and optional worker pinning; failed rows return to pending",
		Tags:        []string{"Queue"},
	}, h.SetPriority)

	huma.Register(api, huma.Operation{
		OperationID: "resetAllFailed",
		Method:      "POST",
		Path:        "/api/files/reset-failed",
		Summary:     "Reset all failed files",
		Tags:        []string{"Queue"},
	}, h.ResetAllFailed)

	huma.Register(api, huma.Operation{
		OperationID: "deleteAllCompleted",
		Method:      "POST",
		Path:        "/api/files/delete-completed",
		Summary:     "Delete all completed files",
		Tags:        []string{"Queue"},
	}, h.DeleteAllCompleted)
}

// Cancel returns a file to pending.
func (h *QueueHandler) Cancel(ctx context.Context, input *FileIDInput) (*ActionOutput, error) {
	file, err := h.files.GetByID(ctx, input.FileID)
	if err != nil {
		return nil, notFoundOr(err)
	}
	if file.Status != models.FileStatusProcessing && file.Status != models.FileStatusPending {
		return nil, huma.Error400BadRequest("file is not processing or pending")
	}
	if err := h.files.Reset(ctx, input.FileID); err != nil {
		return nil, notFoundOr(err)
	}
	return actionOK("file cancelled"), nil
}

// Retry returns a failed file to pending.
func (h *QueueHandler) Retry(ctx context.Context, input *FileIDInput) (*ActionOutput, error) {
	file, err := h.files.GetByID(ctx, input.FileID)
	if err != nil {
		return nil, notFoundOr(err)
	}
	if file.Status != models.FileStatusFailed {
		return nil, huma.Error400BadRequest("file is not failed")
	}
	if err := h.files.Reset(ctx, input.FileID); err != nil {
		return nil, notFoundOr(err)
	}
	return actionOK("file queued for retry"), nil
}

// Skip marks the file completed without transcoding.
func (h *QueueHandler) Skip(ctx context.Context, input *FileIDInput) (*ActionOutput, error) {
	if err := h.files.Skip(ctx, input.FileID); err != nil {
		return nil, notFoundOr(err)
	}
	return actionOK("file skipped"), nil
}

// Delete removes the file from the queue.
func (h *QueueHandler) Delete(ctx context.Context, input *FileIDInput) (*ActionOutput, error) {
	if err := h.files.Delete(ctx, input.FileID); err != nil {
		return nil, notFoundOr(err)
	}
	return actionOK("file deleted"), nil
}

// SetPriority updates priority and worker pinning.
func (h *QueueHandler) SetPriority(ctx context.Context, input *PriorityInput) (*ActionOutput, error) {
	if err := h.files.SetPriority(ctx, input.FileID, input.Body.Priority, input.Body.PreferredWorker); err != nil {
		return nil, notFoundOr(err)
	}
	return actionOK("priority updated"), nil
}

// ResetAllFailed returns every failed file to pending.
func (h *QueueHandler) ResetAllFailed(ctx context.Context, _ *struct{}) (*CountOutput, error) {
	count, err := h.files.ResetAllFailed(ctx)
	if err != nil {
		return nil, err
	}
	out := &CountOutput{}
	out.Body.Success = true
	out.Body.Count = count
	return out, nil
}

// DeleteAllCompleted removes every completed file from the queue.
func (h *QueueHandler) DeleteAllCompleted(ctx context.Context, _ *struct{}) (*CountOutput, error) {
	count, err := h.files.DeleteAllCompleted(ctx)
	if err != nil {
		return nil, err
	}
	out := &CountOutput{}
	out.Body.Success = true
	out.Body.Count = count
	return out, nil
}

// notFoundOr maps repository sentinel errors onto HTTP errors.
func notFoundOr(err error) error {
	if errors.Is(err, repository.ErrFileNotFound) {
		return huma.Error404NotFound("file not found")
	}
	return err
}
