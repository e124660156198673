// Package worker implements the transcoding agent: it registers with the
// master, pulls jobs, runs FFmpeg, and streams results back.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmylchreest/av1arr/internal/config"
	"github.com/jmylchreest/av1arr/internal/models"
	"github.com/jmylchreest/av1arr/internal/quality"
)

// ErrNotRegistered is returned when the master no longer knows this
// worker ID. The caller should re-register and retry.
var ErrNotRegistered = errors.New("worker not registered with master")

// Client wraps the master's HTTP API for the worker side. Short control
// calls and long transfers use separately-tuned http.Clients.
type Client struct {
	baseURL  string
	workerID string

	control  *http.Client
	transfer *http.Client
	logger   *slog.Logger

	heartbeatTimeout time.Duration
	callTimeout      time.Duration
}

// NewClient creates a master API client.
func NewClient(cfg config.WorkerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:          strings.TrimRight(cfg.MasterURL, "/"),
		control:          &http.Client{Timeout: cfg.CallTimeout},
		transfer:         &http.Client{Timeout: cfg.TransferTimeout},
		logger:           logger,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		callTimeout:      cfg.CallTimeout,
	}
}

// WorkerID returns the ID assigned by the master, empty before Register.
func (c *Client) WorkerID() string {
	return c.workerID
}

// Register joins the fleet, presenting a previously-persisted ID when one
// exists. Retries with exponential backoff until the master answers or
// the context is cancelled.
func (c *Client) Register(ctx context.Context, req models.RegisterRequest) (string, error) {
	var resp models.RegisterResponse

	operation := func() error {
		if err := c.postJSON(ctx, "/api/worker/register", req, &resp); err != nil {
			c.logger.Warn("registration failed, retrying", slog.String("error", err.Error()))
			return err
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(bo, ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return "", fmt.Errorf("registering with master: %w", err)
	}

	c.workerID = resp.WorkerID
	c.logger.Info("registered with master", slog.String("worker_id", c.workerID))
	return c.workerID, nil
}

// Heartbeat reports liveness and optional current-job state. Uses a
// shorter timeout than other calls so a hung master does not stall the
// heartbeat loop.
func (c *Client) Heartbeat(ctx context.Context, hb models.HeartbeatRequest) error {
	ctx, cancel := context.WithTimeout(ctx, c.heartbeatTimeout)
	defer cancel()
	return c.postJSON(ctx, fmt.Sprintf("/api/worker/%s/heartbeat", c.workerID), hb, nil)
}

// RequestJob asks for the next pending file. Returns (nil, nil) when the
// queue has nothing for this worker.
func (c *Client) RequestJob(ctx context.Context) (*models.JobDescriptor, error) {
	var resp models.JobResponse
	if err := c.getJSON(ctx, fmt.Sprintf("/api/worker/%s/job/request", c.workerID), &resp); err != nil {
		return nil, err
	}
	return resp.Job, nil
}

// ReportProgress sends a progress sample for the current job.
func (c *Client) ReportProgress(ctx context.Context, fileID uint, req models.ProgressRequest) error {
	return c.postJSON(ctx, fmt.Sprintf("/api/worker/%s/job/%d/progress", c.workerID, fileID), req, nil)
}

// ReportComplete finalizes the job on the master.
func (c *Client) ReportComplete(ctx context.Context, fileID uint, req models.CompleteRequest) error {
	return c.postJSON(ctx, fmt.Sprintf("/api/worker/%s/job/%d/complete", c.workerID, fileID), req, nil)
}

// ReportFailed reports a failed transcode.
func (c *Client) ReportFailed(ctx context.Context, fileID uint, reason string) error {
	return c.postJSON(ctx, fmt.Sprintf("/api/worker/%s/job/%d/failed", c.workerID, fileID), models.FailRequest{Error: reason}, nil)
}

// Download streams the source file into destPath.
func (c *Client) Download(ctx context.Context, fileID uint, destPath string) (int64, error) {
	url := fmt.Sprintf("%s/api/worker/%s/file/%d/download", c.baseURL, c.workerID, fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.transfer.Do(req)
	if err != nil {
		return 0, fmt.Errorf("downloading file %d: %w", fileID, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return 0, err
	}

	f, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("creating download target: %w", err)
	}

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		f.Close()
		os.Remove(destPath)
		return 0, fmt.Errorf("downloading file %d: %w", fileID, err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("closing download target: %w", err)
	}

	if resp.ContentLength > 0 && n != resp.ContentLength {
		os.Remove(destPath)
		return 0, fmt.Errorf("download truncated: got %d of %d bytes", n, resp.ContentLength)
	}
	return n, nil
}

// Upload streams the transcoded result to the master as a multipart body
// and returns the replacement summary.
func (c *Client) Upload(ctx context.Context, fileID uint, resultPath string) (*models.UploadResult, error) {
	f, err := os.Open(resultPath)
	if err != nil {
		return nil, fmt.Errorf("opening result: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("file", "result.mkv")
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	url := fmt.Sprintf("%s/api/file/%d/result?worker_id=%s", c.baseURL, fileID, c.workerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.transfer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("uploading result for file %d: %w", fileID, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var result models.UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding upload result: %w", err)
	}
	return &result, nil
}

// FetchLookup pulls the master's quality tables so all workers encode
// with the same settings.
func (c *Client) FetchLookup(ctx context.Context, logger *slog.Logger) (*quality.Lookup, error) {
	var video quality.VideoTable
	if err := c.getJSON(ctx, "/api/config/quality_lookup.json", &video); err != nil {
		return nil, fmt.Errorf("fetching video lookup: %w", err)
	}
	var audio quality.AudioTable
	if err := c.getJSON(ctx, "/api/config/audio_codec_lookup.json", &audio); err != nil {
		return nil, fmt.Errorf("fetching audio lookup: %w", err)
	}
	return quality.NewFromTables(video, audio, logger), nil
}

// --- plumbing ---

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.control.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// checkStatus converts HTTP error responses into errors, mapping 404 on
// worker paths onto ErrNotRegistered so the run loop can re-register.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))

	if resp.StatusCode == http.StatusNotFound && strings.Contains(resp.Request.URL.Path, "/api/worker/") {
		return fmt.Errorf("%w: %s", ErrNotRegistered, msg)
	}
	return fmt.Errorf("master returned %d: %s", resp.StatusCode, msg)
}
