package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jmylchreest/av1arr/internal/events"
	"github.com/jmylchreest/av1arr/internal/models"
	"github.com/jmylchreest/av1arr/internal/registry"
	"github.com/jmylchreest/av1arr/internal/repository"
	"github.com/jmylchreest/av1arr/internal/transfer"
)

// TransferHandler serves the streaming file endpoints. These bypass the
// OpenAPI layer: downloads stream gigabytes and uploads arrive as
// multipart bodies, neither of which belongs in a schema-validated JSON
// handler.
type TransferHandler struct {
	files    *repository.FileRepository
	registry *registry.Registry
	replacer *transfer.Replacer
	hub      *events.Hub
	logger   *slog.Logger
}

// NewTransferHandler creates the streaming transfer handler.
func NewTransferHandler(files *repository.FileRepository, reg *registry.Registry, replacer *transfer.Replacer, hub *events.Hub, logger *slog.Logger) *TransferHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransferHandler{
		files:    files,
		registry: reg,
		replacer: replacer,
		hub:      hub,
		logger:   logger,
	}
}

// Register mounts the streaming routes on the router.
func (h *TransferHandler) Register(r chi.Router) {
	r.Get("/api/worker/{wid}/file/{fid}/download", h.Download)
	r.Post("/api/file/{fid}/result", h.Upload)
}

// Download streams the source file to the worker that holds its job.
func (h *TransferHandler) Download(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "wid")
	fileID, err := parseFileID(chi.URLParam(r, "fid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}

	if _, err := h.registry.ByID(workerID); err != nil {
		writeError(w, http.StatusNotFound, "worker not registered")
		return
	}

	file, err := h.files.GetByID(r.Context(), fileID)
	if err != nil {
		if errors.Is(err, repository.ErrFileNotFound) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		h.internalError(w, "looking up file", err)
		return
	}
	if file.Status != models.FileStatusProcessing || file.AssignedWorkerID != workerID {
		writeError(w, http.StatusConflict, "file is not assigned to this worker")
		return
	}

	f, err := os.Open(file.Path)
	if err != nil {
		h.logger.Error("cannot open source file",
			slog.String("path", file.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusNotFound, "source file unreadable")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.internalError(w, "stat source file", err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Filename))

	n, err := io.Copy(w, f)
	if err != nil {
		// The worker will retry; nothing to clean up on our side.
		h.logger.Warn("download interrupted",
			slog.Uint64("file_id", uint64(fileID)),
			slog.String("worker_id", workerID),
			slog.Int64("bytes_sent", n),
			slog.String("error", err.Error()),
		)
		return
	}

	h.logger.Info("file streamed to worker",
		slog.Uint64("file_id", uint64(fileID)),
		slog.String("worker_id", workerID),
		slog.Int64("bytes", n),
	)
}

// Upload receives the transcoded result and replaces the original in
// place. On a completed row with a recorded output size it returns the
// stored result without touching the file, so a worker that lost the
// first response can retry safely. Processing and failed rows accept
// the upload; anything else is a 400.
func (h *TransferHandler) Upload(w http.ResponseWriter, r *http.Request) {
	fileID, err := parseFileID(chi.URLParam(r, "fid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}
	workerID := r.URL.Query().Get("worker_id")

	file, err := h.files.GetByID(r.Context(), fileID)
	if err != nil {
		if errors.Is(err, repository.ErrFileNotFound) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		h.internalError(w, "looking up file", err)
		return
	}

	// A completed row already counted toward the worker's totals when it
	// was settled; the delivery must not count it again.
	alreadySettled := file.Status == models.FileStatusCompleted

	switch file.Status {
	case models.FileStatusCompleted:
		if file.OutputSizeBytes > 0 {
			writeJSON(w, http.StatusOK, models.UploadResult{
				OriginalSize:   file.SizeBytes,
				NewSize:        file.OutputSizeBytes,
				SavingsPercent: file.SavingsPercent,
			})
			return
		}
		// Completed with no recorded output: the row was settled from a
		// heartbeat claim and the bytes never arrived. Accept the upload.
	case models.FileStatusProcessing, models.FileStatusFailed:
		// Accepted. A failed row can still be settled by a late upload from
		// a worker the monitor gave up on.
	default:
		writeError(w, http.StatusBadRequest, "file is not awaiting a result")
		return
	}

	body, expectedSize, err := uploadBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.replacer.Replace(file.Path, body, expectedSize)
	if err != nil {
		if errors.Is(err, transfer.ErrInsufficientSpace) {
			writeError(w, http.StatusInsufficientStorage, err.Error())
			return
		}
		h.internalError(w, "replacing file", err)
		return
	}

	if err := h.files.MarkCompleted(r.Context(), fileID, workerID, result.NewSize, result.SavingsBytes, result.SavingsPercent); err != nil {
		h.internalError(w, "marking file completed", err)
		return
	}
	if workerID != "" && !alreadySettled {
		h.registry.ClearCurrentJob(workerID, true, result.OriginalSize)
	}

	h.hub.Publish(events.EventCompleted, map[string]interface{}{
		"file_id":         fileID,
		"worker_id":       workerID,
		"output_size":     result.NewSize,
		"savings_percent": result.SavingsPercent,
	})

	writeJSON(w, http.StatusOK, models.UploadResult{
		OriginalSize:   result.OriginalSize,
		NewSize:        result.NewSize,
		SavingsPercent: result.SavingsPercent,
	})
}

// uploadBody extracts the result stream from the request: multipart form
// field "file" when present, raw body otherwise. expectedSize is the
// declared size when the client sent one, 0 when unknown.
func uploadBody(r *http.Request) (io.Reader, int64, error) {
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "multipart/form-data" {
		return r.Body, r.ContentLength, nil
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, 0, fmt.Errorf("reading multipart body: %w", err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, 0, errors.New("multipart body has no file part")
		}
		if err != nil {
			return nil, 0, fmt.Errorf("reading multipart body: %w", err)
		}
		if part.FormName() == "file" {
			return part, 0, nil
		}
	}
}

func parseFileID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, errors.New("invalid file id")
	}
	return uint(id), nil
}

func (h *TransferHandler) internalError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
