package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jmylchreest/av1arr/internal/models"
	"github.com/jmylchreest/av1arr/internal/registry"
	"github.com/jmylchreest/av1arr/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupSchedulerTest(t *testing.T) (*Scheduler, *repository.FileRepository, *registry.Registry) {
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
	return New(files, reg, nil), files, reg
}

func addPending(t *testing.T, files *repository.FileRepository, path string) *models.FileRecord {
	t.Helper()
	file, err := files.UpsertFile(context.Background(), &models.FileRecord{
		Path:        path,
		Directory:   "/media",
		Filename:    path[len("/media/"):],
		SizeBytes:   1000,
		SourceCodec: "h264",
	})
	require.NoError(t, err)
	return file
}

func TestScheduler_Assign(t *testing.T) {
	s, files, reg := setupSchedulerTest(t)
	ctx := context.Background()

	workerID := reg.Register(models.RegisterRequest{Hostname: "encoder-01"})
	file := addPending(t, files, "/media/a.mkv")

	job, err := s.Assign(ctx, workerID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, file.ID, job.FileID)
	assert.Equal(t, "/media/a.mkv", job.Path)
	assert.Equal(t, "h264", job.SourceCodec)

	// The row is bound to the worker and the registry knows the job.
	got, err := files.GetByID(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusProcessing, got.Status)
	assert.Equal(t, workerID, got.AssignedWorkerID)

	w, err := reg.ByID(workerID)
	require.NoError(t, err)
	assert.Equal(t, file.ID, w.CurrentFileID)
	assert.Equal(t, models.WorkerStatusDownloading, w.Status)
}

func TestScheduler_Assign_EmptyQueue(t *testing.T) {
	s, _, reg := setupSchedulerTest(t)

	workerID := reg.Register(models.RegisterRequest{Hostname: "encoder-01"})

	job, err := s.Assign(context.Background(), workerID)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestScheduler_Assign_UnknownWorker(t *testing.T) {
	s, _, _ := setupSchedulerTest(t)

	_, err := s.Assign(context.Background(), "nope")
	assert.ErrorIs(t, err, registry.ErrWorkerNotFound)
}

func TestScheduler_Assign_FadingWorkerRefused(t *testing.T) {
	s, files, reg := setupSchedulerTest(t)
	ctx := context.Background()

	workerID := reg.Register(models.RegisterRequest{Hostname: "encoder-01"})
	_, err := reg.ToggleFadeOut(workerID)
	require.NoError(t, err)
	file := addPending(t, files, "/media/a.mkv")

	_, err = s.Assign(ctx, workerID)
	assert.ErrorIs(t, err, ErrWorkerUnavailable)

	// The row stays pending for other workers.
	got, err := files.GetByID(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusPending, got.Status)
}

func TestScheduler_Assign_OfflineWorkerRefused(t *testing.T) {
	s, _, reg := setupSchedulerTest(t)

	workerID := reg.Register(models.RegisterRequest{Hostname: "encoder-01"})
	reg.TimedOut(-time.Second) // everything is stale against a negative timeout

	_, err := s.Assign(context.Background(), workerID)
	assert.ErrorIs(t, err, ErrWorkerUnavailable)
}

func TestDescriptorFromRecord(t *testing.T) {
	file := &models.FileRecord{
		Path:                "/media/a.mkv",
		Filename:            "a.mkv",
		SizeBytes:           1000,
		SourceCodec:         "hevc",
		SourceBitrate:       8_000_000,
		SourceResolution:    "1080p",
		SourceBitdepth:      10,
		SourceHDR:           "HDR10",
		ColorTransfer:       "smpte2084",
		ColorSpace:          "bt2020nc",
		SourceAudioCodec:    "aac",
		SourceAudioChannels: 6,
		SourceAudioBitrate:  384_000,
		TargetCRF:           22,
		TargetOpusBitrate:   192,
	}
	file.ID = 9

	job := DescriptorFromRecord(file)
	assert.Equal(t, uint(9), job.FileID)
	assert.Equal(t, "hevc", job.SourceCodec)
	assert.Equal(t, "HDR10", job.SourceHDR)
	assert.Equal(t, 22, job.TargetCRF)
	assert.Equal(t, 192, job.TargetOpusBitrate)
}
