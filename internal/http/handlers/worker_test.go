package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/glebarez/sqlite"
	"github.com/jmylchreest/av1arr/internal/events"
	"github.com/jmylchreest/av1arr/internal/models"
	"github.com/jmylchreest/av1arr/internal/registry"
	"github.com/jmylchreest/av1arr/internal/repository"
	"github.com/jmylchreest/av1arr/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type handlerEnv struct {
	files    *repository.FileRepository
	registry *registry.Registry
	sched    *scheduler.Scheduler
	hub      *events.Hub
}

func setupHandlerTest(t *testing.T) *handlerEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.FileRecord{}))

	files := repository.NewFileRepository(db)
	reg := registry.New(nil)
	return &handlerEnv{
		files:    files,
		registry: reg,
		sched:    scheduler.New(files, reg, nil),
		hub:      events.NewHub(nil),
	}
}

func (e *handlerEnv) workerHandler() *WorkerHandler {
	return NewWorkerHandler(e.files, e.registry, e.sched, e.hub, nil)
}

func (e *handlerEnv) addFile(t *testing.T, path string, size int64) *models.FileRecord {
	t.Helper()
	file, err := e.files.UpsertFile(context.Background(), &models.FileRecord{
		Path:      path,
		Directory: "/media",
		Filename:  path[len("/media/"):],
		SizeBytes: size,
	})
	require.NoError(t, err)
	return file
}

func requireStatus(t *testing.T, err error, want int) {
	t.Helper()
	var se huma.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, want, se.GetStatus())
}

func TestWorkerHandler_RegisterWorker(t *testing.T) {
	env := setupHandlerTest(t)
	h := env.workerHandler()

	out, err := h.RegisterWorker(context.Background(), &RegisterInput{
		Body: models.RegisterRequest{Hostname: "encoder-01"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, out.Body.WorkerID)

	_, err = h.RegisterWorker(context.Background(), &RegisterInput{})
	requireStatus(t, err, http.StatusBadRequest)
}

func TestWorkerHandler_Heartbeat_UnknownWorker(t *testing.T) {
	env := setupHandlerTest(t)
	h := env.workerHandler()

	_, err := h.Heartbeat(context.Background(), &HeartbeatInput{WorkerID: "nope"})
	requireStatus(t, err, http.StatusNotFound)
}

func TestWorkerHandler_Heartbeat_RecoversInFlightJob(t *testing.T) {
	env := setupHandlerTest(t)
	h := env.workerHandler()
	ctx := context.Background()

	workerID := env.registry.Register(models.RegisterRequest{Hostname: "encoder-01"})
	file := env.addFile(t, "/media/a.mkv", 1000)

	// Monitor failed the row while the worker was unreachable.
	claimed, err := env.files.ClaimNextPending(ctx, workerID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, env.files.MarkFailed(ctx, file.ID, "Worker disconnected"))

	_, err = h.Heartbeat(ctx, &HeartbeatInput{
		WorkerID: workerID,
		Body: models.HeartbeatRequest{
			CurrentJob: &models.CurrentJob{
				FileID:    file.ID,
				FilePath:  file.Path,
				FileSize:  file.SizeBytes,
				Progress:  42.0,
				StartedAt: time.Now().Add(-time.Hour).Format(time.RFC3339),
			},
		},
	})
	require.NoError(t, err)

	got, err := env.files.GetByID(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusProcessing, got.Status)
	assert.Equal(t, workerID, got.AssignedWorkerID)
	assert.Equal(t, 42.0, got.ProgressPercent)

	w, err := env.registry.ByID(workerID)
	require.NoError(t, err)
	assert.Equal(t, file.ID, w.CurrentFileID)
}

func TestWorkerHandler_Heartbeat_RecoversCompletedJob(t *testing.T) {
	env := setupHandlerTest(t)
	h := env.workerHandler()
	ctx := context.Background()

	workerID := env.registry.Register(models.RegisterRequest{Hostname: "encoder-01"})
	file := env.addFile(t, "/media/a.mkv", 1000)
	_, err := env.files.ClaimNextPending(ctx, workerID)
	require.NoError(t, err)

	_, err = h.Heartbeat(ctx, &HeartbeatInput{
		WorkerID: workerID,
		Body: models.HeartbeatRequest{
			CurrentJob: &models.CurrentJob{
				FileID:      file.ID,
				FilePath:    file.Path,
				FileSize:    file.SizeBytes,
				Progress:    100,
				StartedAt:   time.Now().Add(-time.Hour).Format(time.RFC3339),
				IsCompleted: true,
			},
		},
	})
	require.NoError(t, err)

	got, err := env.files.GetByID(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusCompleted, got.Status)
	// The bytes have not arrived yet; the row must not claim savings the
	// result upload has still to deliver.
	assert.Zero(t, got.OutputSizeBytes)
	assert.Zero(t, got.SavingsBytes)
}

func TestWorkerHandler_Heartbeat_RejectsMismatchedClaims(t *testing.T) {
	env := setupHandlerTest(t)
	h := env.workerHandler()
	ctx := context.Background()

	workerID := env.registry.Register(models.RegisterRequest{Hostname: "encoder-01"})
	file := env.addFile(t, "/media/a.mkv", 1000)

	claim := func(mutate func(*models.CurrentJob)) *models.CurrentJob {
		c := &models.CurrentJob{
			FileID:    file.ID,
			FilePath:  file.Path,
			FileSize:  file.SizeBytes,
			StartedAt: time.Now().Format(time.RFC3339),
		}
		mutate(c)
		return c
	}

	_, err := h.Heartbeat(ctx, &HeartbeatInput{WorkerID: workerID, Body: models.HeartbeatRequest{
		CurrentJob: claim(func(c *models.CurrentJob) { c.FilePath = "/media/other.mkv" }),
	}})
	requireStatus(t, err, http.StatusBadRequest)

	_, err = h.Heartbeat(ctx, &HeartbeatInput{WorkerID: workerID, Body: models.HeartbeatRequest{
		CurrentJob: claim(func(c *models.CurrentJob) { c.FileSize = 999 }),
	}})
	requireStatus(t, err, http.StatusBadRequest)

	_, err = h.Heartbeat(ctx, &HeartbeatInput{WorkerID: workerID, Body: models.HeartbeatRequest{
		CurrentJob: claim(func(c *models.CurrentJob) { c.FileID = 12345 }),
	}})
	requireStatus(t, err, http.StatusBadRequest)

	// A claim started over a month ago with no real progress is stale.
	_, err = h.Heartbeat(ctx, &HeartbeatInput{WorkerID: workerID, Body: models.HeartbeatRequest{
		CurrentJob: claim(func(c *models.CurrentJob) {
			c.StartedAt = time.Now().Add(-31 * 24 * time.Hour).Format(time.RFC3339)
			c.Progress = 5
		}),
	}})
	requireStatus(t, err, http.StatusBadRequest)
}

func TestWorkerHandler_Heartbeat_CompletedRowIgnoresDuplicateClaim(t *testing.T) {
	env := setupHandlerTest(t)
	h := env.workerHandler()
	ctx := context.Background()

	workerID := env.registry.Register(models.RegisterRequest{Hostname: "encoder-01"})
	file := env.addFile(t, "/media/a.mkv", 1000)
	_, err := env.files.ClaimNextPending(ctx, workerID)
	require.NoError(t, err)
	require.NoError(t, env.files.MarkCompleted(ctx, file.ID, workerID, 400, 600, 60))

	_, err = h.Heartbeat(ctx, &HeartbeatInput{WorkerID: workerID, Body: models.HeartbeatRequest{
		CurrentJob: &models.CurrentJob{
			FileID:   file.ID,
			FilePath: "/media/wrong-path.mkv", // mismatches do not matter on settled rows
		},
	}})
	require.NoError(t, err)
}

func TestWorkerHandler_RequestJob(t *testing.T) {
	env := setupHandlerTest(t)
	h := env.workerHandler()
	ctx := context.Background()

	_, err := h.RequestJob(ctx, &RequestJobInput{WorkerID: "nope"})
	requireStatus(t, err, http.StatusNotFound)

	workerID := env.registry.Register(models.RegisterRequest{Hostname: "encoder-01"})

	// Empty queue yields a null job, not an error.
	out, err := h.RequestJob(ctx, &RequestJobInput{WorkerID: workerID})
	require.NoError(t, err)
	assert.Nil(t, out.Body.Job)

	file := env.addFile(t, "/media/a.mkv", 1000)
	out, err = h.RequestJob(ctx, &RequestJobInput{WorkerID: workerID})
	require.NoError(t, err)
	require.NotNil(t, out.Body.Job)
	assert.Equal(t, file.ID, out.Body.Job.FileID)
	assert.Equal(t, "/media/a.mkv", out.Body.Job.Path)
}

func TestWorkerHandler_RequestJob_FadingWorkerGetsNothing(t *testing.T) {
	env := setupHandlerTest(t)
	h := env.workerHandler()
	ctx := context.Background()

	workerID := env.registry.Register(models.RegisterRequest{Hostname: "encoder-01"})
	_, err := env.registry.ToggleFadeOut(workerID)
	require.NoError(t, err)
	env.addFile(t, "/media/a.mkv", 1000)

	out, err := h.RequestJob(ctx, &RequestJobInput{WorkerID: workerID})
	require.NoError(t, err)
	assert.Nil(t, out.Body.Job)
}

func TestWorkerHandler_Progress(t *testing.T) {
	env := setupHandlerTest(t)
	h := env.workerHandler()
	ctx := context.Background()

	workerID := env.registry.Register(models.RegisterRequest{Hostname: "encoder-01"})
	file := env.addFile(t, "/media/a.mkv", 1000)
	_, err := env.files.ClaimNextPending(ctx, workerID)
	require.NoError(t, err)
	require.NoError(t, env.registry.SetCurrentJob(workerID, file.ID, file.Filename))

	_, ch := env.hub.Subscribe()

	_, err = h.Progress(ctx, &ProgressInput{
		WorkerID: workerID,
		FileID:   file.ID,
		Body:     models.ProgressRequest{Percent: 55.5, Speed: 27.5, ETA: 600},
	})
	require.NoError(t, err)

	got, err := env.files.GetByID(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, 55.5, got.ProgressPercent)

	select {
	case ev := <-ch:
		assert.Equal(t, events.EventProgress, ev.Type)
	default:
		t.Fatal("expected a progress event")
	}
}

func TestWorkerHandler_Complete(t *testing.T) {
	env := setupHandlerTest(t)
	h := env.workerHandler()
	ctx := context.Background()

	workerID := env.registry.Register(models.RegisterRequest{Hostname: "encoder-01"})
	file := env.addFile(t, "/media/a.mkv", 1000)
	_, err := env.files.ClaimNextPending(ctx, workerID)
	require.NoError(t, err)
	require.NoError(t, env.registry.SetCurrentJob(workerID, file.ID, file.Filename))

	input := &CompleteInput{
		WorkerID: workerID,
		FileID:   file.ID,
		Body:     models.CompleteRequest{OutputSize: 400, OriginalSize: 1000},
	}
	_, err = h.Complete(ctx, input)
	require.NoError(t, err)

	got, err := env.files.GetByID(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusCompleted, got.Status)
	assert.Equal(t, int64(400), got.OutputSizeBytes)
	assert.InDelta(t, 60.0, got.SavingsPercent, 0.01)

	w, err := env.registry.ByID(workerID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.JobsCompleted)
	assert.False(t, w.HasJob())

	// A duplicate report is harmless.
	_, err = h.Complete(ctx, input)
	require.NoError(t, err)
}

func TestWorkerHandler_Fail(t *testing.T) {
	env := setupHandlerTest(t)
	h := env.workerHandler()
	ctx := context.Background()

	workerID := env.registry.Register(models.RegisterRequest{Hostname: "encoder-01"})
	file := env.addFile(t, "/media/a.mkv", 1000)
	_, err := env.files.ClaimNextPending(ctx, workerID)
	require.NoError(t, err)
	require.NoError(t, env.registry.SetCurrentJob(workerID, file.ID, file.Filename))

	_, ch := env.hub.Subscribe()

	_, err = h.Fail(ctx, &FailInput{
		WorkerID: workerID,
		FileID:   file.ID,
		Body:     models.FailRequest{Error: "Source is already AV1"},
	})
	require.NoError(t, err)

	got, err := env.files.GetByID(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusFailed, got.Status)
	assert.Equal(t, "Source is already AV1", got.ErrorMessage)

	w, err := env.registry.ByID(workerID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.JobsFailed)

	select {
	case ev := <-ch:
		assert.Equal(t, events.EventError, ev.Type)
	default:
		t.Fatal("expected an error event")
	}
}
