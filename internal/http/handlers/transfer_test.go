package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/jmylchreest/av1arr/internal/models"
	"github.com/jmylchreest/av1arr/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTransferTest(t *testing.T) (*handlerEnv, *chi.Mux) {
	t.Helper()
	env := setupHandlerTest(t)
	h := NewTransferHandler(env.files, env.registry, transfer.NewReplacer(false, 0, 0, nil), env.hub, nil)
	router := chi.NewRouter()
	h.Register(router)
	return env, router
}

func (e *handlerEnv) addFileOnDisk(t *testing.T, dir, name, content string) *models.FileRecord {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	file, err := e.files.UpsertFile(context.Background(), &models.FileRecord{
		Path:      path,
		Directory: dir,
		Filename:  name,
		SizeBytes: int64(len(content)),
	})
	require.NoError(t, err)
	return file
}

func TestTransferHandler_Download(t *testing.T) {
	env, router := setupTransferTest(t)
	ctx := context.Background()

	workerID := env.registry.Register(models.RegisterRequest{Hostname: "encoder-01"})
	env.addFileOnDisk(t, t.TempDir(), "a.mkv", "source-bytes")

	claimed, err := env.files.ClaimNextPending(ctx, workerID)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/worker/"+workerID+"/file/1/download", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "source-bytes", rec.Body.String())
	assert.Equal(t, "12", rec.Header().Get("Content-Length"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `"a.mkv"`)

	// Another worker cannot download a file it does not hold.
	otherID := env.registry.Register(models.RegisterRequest{Hostname: "encoder-02"})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/worker/"+otherID+"/file/1/download", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Unknown workers and files are refused outright.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/worker/nope/file/1/download", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/worker/"+workerID+"/file/999/download", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransferHandler_Upload_RawBody(t *testing.T) {
	env, router := setupTransferTest(t)
	ctx := context.Background()

	workerID := env.registry.Register(models.RegisterRequest{Hostname: "encoder-01"})
	file := env.addFileOnDisk(t, t.TempDir(), "a.mkv", "original-content-that-is-larger")
	_, err := env.files.ClaimNextPending(ctx, workerID)
	require.NoError(t, err)
	require.NoError(t, env.registry.SetCurrentJob(workerID, file.ID, file.Filename))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/file/1/result?worker_id="+workerID, strings.NewReader("new"))
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var result models.UploadResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.Equal(t, int64(31), result.OriginalSize)
	assert.Equal(t, int64(3), result.NewSize)
	assert.InDelta(t, 90.3, result.SavingsPercent, 0.1)

	data, err := os.ReadFile(file.Path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	got, err := env.files.GetByID(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusCompleted, got.Status)

	w, err := env.registry.ByID(workerID)
	require.NoError(t, err)
	assert.False(t, w.HasJob())
	assert.Equal(t, int64(1), w.JobsCompleted)
}

func TestTransferHandler_Upload_Multipart(t *testing.T) {
	env, router := setupTransferTest(t)
	ctx := context.Background()

	workerID := env.registry.Register(models.RegisterRequest{Hostname: "encoder-01"})
	file := env.addFileOnDisk(t, t.TempDir(), "a.mkv", "original")
	_, err := env.files.ClaimNextPending(ctx, workerID)
	require.NoError(t, err)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "result.mkv")
	require.NoError(t, err)
	_, err = io.WriteString(part, "av1")
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/file/1/result?worker_id="+workerID, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	data, err := os.ReadFile(file.Path)
	require.NoError(t, err)
	assert.Equal(t, "av1", string(data))
}

func TestTransferHandler_Upload_CompletedRowIsIdempotent(t *testing.T) {
	env, router := setupTransferTest(t)
	ctx := context.Background()

	workerID := env.registry.Register(models.RegisterRequest{Hostname: "encoder-01"})
	file := env.addFileOnDisk(t, t.TempDir(), "a.mkv", "already-replaced")
	_, err := env.files.ClaimNextPending(ctx, workerID)
	require.NoError(t, err)
	require.NoError(t, env.files.MarkCompleted(ctx, file.ID, workerID, 400, 600, 60))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/file/1/result?worker_id="+workerID, strings.NewReader("retry"))
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var result models.UploadResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.Equal(t, int64(400), result.NewSize)

	// The file on disk was not touched again.
	data, err := os.ReadFile(file.Path)
	require.NoError(t, err)
	assert.Equal(t, "already-replaced", string(data))
}

func TestTransferHandler_Upload_RecoveredCompletedRowAcceptsResult(t *testing.T) {
	env, router := setupTransferTest(t)
	ctx := context.Background()

	workerID := env.registry.Register(models.RegisterRequest{Hostname: "encoder-01"})
	file := env.addFileOnDisk(t, t.TempDir(), "a.mkv", "original-content-that-is-larger")
	_, err := env.files.ClaimNextPending(ctx, workerID)
	require.NoError(t, err)

	// A heartbeat claim settled the row before the bytes arrived: completed
	// with no recorded output size.
	require.NoError(t, env.files.MarkCompleted(ctx, file.ID, workerID, 0, 0, 0))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/file/1/result?worker_id="+workerID, strings.NewReader("av1"))
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var result models.UploadResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.Equal(t, int64(31), result.OriginalSize)
	assert.Equal(t, int64(3), result.NewSize)

	// The replacement actually happened and the real sizes stuck.
	data, err := os.ReadFile(file.Path)
	require.NoError(t, err)
	assert.Equal(t, "av1", string(data))

	got, err := env.files.GetByID(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusCompleted, got.Status)
	assert.Equal(t, int64(3), got.OutputSizeBytes)
	assert.Equal(t, int64(28), got.SavingsBytes)
}

func TestTransferHandler_Upload_FailedRowStillAccepts(t *testing.T) {
	env, router := setupTransferTest(t)
	ctx := context.Background()

	workerID := env.registry.Register(models.RegisterRequest{Hostname: "encoder-01"})
	file := env.addFileOnDisk(t, t.TempDir(), "a.mkv", "original-original-original")
	_, err := env.files.ClaimNextPending(ctx, workerID)
	require.NoError(t, err)
	require.NoError(t, env.files.MarkFailed(ctx, file.ID, "Worker disconnected"))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/file/1/result?worker_id="+workerID, strings.NewReader("late"))
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := env.files.GetByID(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusCompleted, got.Status)
}

func TestTransferHandler_Upload_PendingRowRejected(t *testing.T) {
	env, router := setupTransferTest(t)

	env.addFileOnDisk(t, t.TempDir(), "a.mkv", "original")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/file/1/result", strings.NewReader("new"))
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParseFileID(t *testing.T) {
	id, err := parseFileID("42")
	require.NoError(t, err)
	assert.Equal(t, uint(42), id)

	for _, raw := range []string{"", "0", "-1", "abc"} {
		_, err := parseFileID(raw)
		assert.Error(t, err, "raw=%q", raw)
	}
}
