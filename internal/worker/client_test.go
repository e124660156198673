package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmylchreest/av1arr/internal/config"
	"github.com/jmylchreest/av1arr/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.WorkerConfig{
		MasterURL:        srv.URL,
		CallTimeout:      5 * time.Second,
		TransferTimeout:  5 * time.Second,
		HeartbeatTimeout: 5 * time.Second,
	}, nil)
}

func TestClient_Register(t *testing.T) {
	var gotReq models.RegisterRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/worker/register", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(models.RegisterResponse{WorkerID: "worker-assigned"})
	}))

	id, err := c.Register(context.Background(), models.RegisterRequest{
		Hostname: "encoder-01",
		WorkerID: "worker-persisted",
	})
	require.NoError(t, err)
	assert.Equal(t, "worker-assigned", id)
	assert.Equal(t, "worker-assigned", c.WorkerID())
	assert.Equal(t, "worker-persisted", gotReq.WorkerID)
}

func TestClient_Register_RetriesUntilMasterAnswers(t *testing.T) {
	attempts := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(models.RegisterResponse{WorkerID: "worker-1"})
	}))

	id, err := c.Register(context.Background(), models.RegisterRequest{Hostname: "encoder-01"})
	require.NoError(t, err)
	assert.Equal(t, "worker-1", id)
	assert.Equal(t, 3, attempts)
}

func TestClient_RequestJob(t *testing.T) {
	t.Run("job available", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/api/worker/worker-1/job/request", r.URL.Path)
			_ = json.NewEncoder(w).Encode(models.JobResponse{
				Job: &models.JobDescriptor{FileID: 7, Path: "/media/a.mkv"},
			})
		}))
		c.workerID = "worker-1"

		job, err := c.RequestJob(context.Background())
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, uint(7), job.FileID)
	})

	t.Run("empty queue", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(models.JobResponse{})
		}))
		c.workerID = "worker-1"

		job, err := c.RequestJob(context.Background())
		require.NoError(t, err)
		assert.Nil(t, job)
	})
}

func TestClient_WorkerPathNotFoundMeansNotRegistered(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "worker not registered", http.StatusNotFound)
	}))
	c.workerID = "worker-stale"

	err := c.Heartbeat(context.Background(), models.HeartbeatRequest{})
	assert.ErrorIs(t, err, ErrNotRegistered)

	_, err = c.RequestJob(context.Background())
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestClient_Download(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/worker/worker-1/file/7/download", r.URL.Path)
		w.Header().Set("Content-Length", "12")
		_, _ = w.Write([]byte("source-bytes"))
	}))
	c.workerID = "worker-1"

	dest := filepath.Join(t.TempDir(), "in.mkv")
	n, err := c.Download(context.Background(), 7, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "source-bytes", string(data))
}

func TestClient_Upload(t *testing.T) {
	result := filepath.Join(t.TempDir(), "out.mkv")
	require.NoError(t, os.WriteFile(result, []byte("av1-bytes"), 0o644))

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/file/7/result", r.URL.Path)
		require.Equal(t, "worker-1", r.URL.Query().Get("worker_id"))

		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()

		_ = json.NewEncoder(w).Encode(models.UploadResult{
			OriginalSize:   1000,
			NewSize:        9,
			SavingsPercent: 99.1,
		})
	}))
	c.workerID = "worker-1"

	res, err := c.Upload(context.Background(), 7, result)
	require.NoError(t, err)
	assert.Equal(t, int64(9), res.NewSize)
	assert.InDelta(t, 99.1, res.SavingsPercent, 0.01)
}

func TestClient_FetchLookup(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/config/quality_lookup.json":
			_, _ = w.Write([]byte(`{"h264": {"8bit": {"SDR": {"1080p": {"8M": 26}}}}}`))
		case "/api/config/audio_codec_lookup.json":
			_, _ = w.Write([]byte(`{"aac": {"2ch": {"128k": 96}}}`))
		default:
			http.NotFound(w, r)
		}
	}))

	lookup, err := c.FetchLookup(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 26, lookup.VideoCRF("h264", 8, "SDR", "1080p", "8M"))
	assert.Equal(t, 96, lookup.OpusBitrate("aac", 2, "128k"))
}
