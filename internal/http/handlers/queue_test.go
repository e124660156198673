package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/jmylchreest/av1arr/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueHandler_Cancel(t *testing.T) {
	env := setupHandlerTest(t)
	h := NewQueueHandler(env.files, nil)
	ctx := context.Background()

	file := env.addFile(t, "/media/a.mkv", 1000)
	_, err := env.files.ClaimNextPending(ctx, "w1")
	require.NoError(t, err)

	out, err := h.Cancel(ctx, &FileIDInput{FileID: file.ID})
	require.NoError(t, err)
	assert.True(t, out.Body.Success)

	got, err := env.files.GetByID(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusPending, got.Status)
	assert.Empty(t, got.AssignedWorkerID)

	// Completed files cannot be cancelled.
	require.NoError(t, env.files.Skip(ctx, file.ID))
	_, err = h.Cancel(ctx, &FileIDInput{FileID: file.ID})
	requireStatus(t, err, http.StatusBadRequest)

	_, err = h.Cancel(ctx, &FileIDInput{FileID: 999})
	requireStatus(t, err, http.StatusNotFound)
}

func TestQueueHandler_Retry(t *testing.T) {
	env := setupHandlerTest(t)
	h := NewQueueHandler(env.files, nil)
	ctx := context.Background()

	file := env.addFile(t, "/media/a.mkv", 1000)

	// Pending files are not retryable.
	_, err := h.Retry(ctx, &FileIDInput{FileID: file.ID})
	requireStatus(t, err, http.StatusBadRequest)

	require.NoError(t, env.files.MarkFailed(ctx, file.ID, "boom"))

	out, err := h.Retry(ctx, &FileIDInput{FileID: file.ID})
	require.NoError(t, err)
	assert.True(t, out.Body.Success)

	got, err := env.files.GetByID(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusPending, got.Status)
	assert.Empty(t, got.ErrorMessage)
}

func TestQueueHandler_SkipAndDelete(t *testing.T) {
	env := setupHandlerTest(t)
	h := NewQueueHandler(env.files, nil)
	ctx := context.Background()

	file := env.addFile(t, "/media/a.mkv", 1000)

	_, err := h.Skip(ctx, &FileIDInput{FileID: file.ID})
	require.NoError(t, err)
	got, err := env.files.GetByID(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusCompleted, got.Status)

	_, err = h.Delete(ctx, &FileIDInput{FileID: file.ID})
	require.NoError(t, err)
	_, err = env.files.GetByID(ctx, file.ID)
	assert.Error(t, err)

	_, err = h.Delete(ctx, &FileIDInput{FileID: file.ID})
	requireStatus(t, err, http.StatusNotFound)
}

func TestQueueHandler_SetPriority(t *testing.T) {
	env := setupHandlerTest(t)
	h := NewQueueHandler(env.files, nil)
	ctx := context.Background()

	file := env.addFile(t, "/media/a.mkv", 1000)

	_, err := h.SetPriority(ctx, &PriorityInput{
		FileID: file.ID,
		Body:   models.PriorityRequest{Priority: 10, PreferredWorker: "worker-fast"},
	})
	require.NoError(t, err)

	got, err := env.files.GetByID(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Priority)
	assert.Equal(t, "worker-fast", got.PreferredWorkerID)
}

func TestQueueHandler_BulkActions(t *testing.T) {
	env := setupHandlerTest(t)
	h := NewQueueHandler(env.files, nil)
	ctx := context.Background()

	a := env.addFile(t, "/media/a.mkv", 1000)
	b := env.addFile(t, "/media/b.mkv", 1000)
	c := env.addFile(t, "/media/c.mkv", 1000)

	require.NoError(t, env.files.MarkFailed(ctx, a.ID, "boom"))
	require.NoError(t, env.files.MarkFailed(ctx, b.ID, "boom"))
	require.NoError(t, env.files.Skip(ctx, c.ID))

	reset, err := h.ResetAllFailed(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), reset.Body.Count)

	deleted, err := h.DeleteAllCompleted(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted.Body.Count)

	remaining, err := env.files.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}
