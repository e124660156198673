package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/jmylchreest/av1arr/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scanTriggerFunc func(ctx context.Context) (int, error)

func (f scanTriggerFunc) ScanAll(ctx context.Context) (int, error) { return f(ctx) }

func TestStatusHandler_Status(t *testing.T) {
	env := setupHandlerTest(t)
	h := NewStatusHandler(env.files, env.registry, nil, nil)
	ctx := context.Background()

	env.addFile(t, "/media/a.mkv", 1000)
	env.addFile(t, "/media/b.mkv", 1000)
	env.registry.Register(models.RegisterRequest{Hostname: "encoder-01"})

	out, err := h.Status(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, out.Body.Statistics)
	assert.Equal(t, int64(2), out.Body.Statistics.TotalFiles)
	assert.Len(t, out.Body.Workers, 1)
	assert.False(t, out.Body.Timestamp.IsZero())
}

func TestStatusHandler_ListFiles(t *testing.T) {
	env := setupHandlerTest(t)
	h := NewStatusHandler(env.files, env.registry, nil, nil)
	ctx := context.Background()

	a := env.addFile(t, "/media/a.mkv", 1000)
	env.addFile(t, "/media/b.mkv", 1000)
	require.NoError(t, env.files.MarkFailed(ctx, a.ID, "boom"))

	out, err := h.ListFiles(ctx, &ListFilesInput{})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Body.Count)

	out, err = h.ListFiles(ctx, &ListFilesInput{Status: "failed"})
	require.NoError(t, err)
	require.Equal(t, 1, out.Body.Count)
	assert.Equal(t, a.ID, out.Body.Files[0].ID)

	_, err = h.ListFiles(ctx, &ListFilesInput{Status: "bogus"})
	requireStatus(t, err, http.StatusBadRequest)
}

func TestStatusHandler_GetFile(t *testing.T) {
	env := setupHandlerTest(t)
	h := NewStatusHandler(env.files, env.registry, nil, nil)
	ctx := context.Background()

	file := env.addFile(t, "/media/a.mkv", 1000)

	out, err := h.GetFile(ctx, &FileIDInput{FileID: file.ID})
	require.NoError(t, err)
	assert.Equal(t, "/media/a.mkv", out.Body.Path)

	_, err = h.GetFile(ctx, &FileIDInput{FileID: 999})
	requireStatus(t, err, http.StatusNotFound)
}

func TestStatusHandler_ToggleFadeOut(t *testing.T) {
	env := setupHandlerTest(t)
	h := NewStatusHandler(env.files, env.registry, nil, nil)
	ctx := context.Background()

	workerID := env.registry.Register(models.RegisterRequest{Hostname: "encoder-01"})

	out, err := h.ToggleFadeOut(ctx, &FadeOutInput{WorkerID: workerID})
	require.NoError(t, err)
	assert.True(t, out.Body.FadeOut)

	out, err = h.ToggleFadeOut(ctx, &FadeOutInput{WorkerID: workerID})
	require.NoError(t, err)
	assert.False(t, out.Body.FadeOut)

	_, err = h.ToggleFadeOut(ctx, &FadeOutInput{WorkerID: "nope"})
	requireStatus(t, err, http.StatusNotFound)
}

func TestStatusHandler_TriggerScan(t *testing.T) {
	env := setupHandlerTest(t)
	ctx := context.Background()

	scanned := scanTriggerFunc(func(context.Context) (int, error) { return 7, nil })
	h := NewStatusHandler(env.files, env.registry, scanned, nil)

	out, err := h.TriggerScan(ctx, nil)
	require.NoError(t, err)
	assert.True(t, out.Body.Success)
	assert.Equal(t, 7, out.Body.Found)

	// No scanner configured means the endpoint is disabled.
	h = NewStatusHandler(env.files, env.registry, nil, nil)
	_, err = h.TriggerScan(ctx, nil)
	requireStatus(t, err, http.StatusBadRequest)
}
