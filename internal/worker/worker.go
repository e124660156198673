package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmylchreest/av1arr/internal/config"
	"github.com/jmylchreest/av1arr/internal/ffmpeg"
	"github.com/jmylchreest/av1arr/internal/models"
	"github.com/jmylchreest/av1arr/internal/quality"
)

// minSavingsPercent is the smallest size reduction that justifies
// replacing the original.
const minSavingsPercent = 5.0

// minOutputSize guards against encoder failures that produce a stub file.
const minOutputSize = 1 << 20

// Worker is the transcoding agent run loop.
type Worker struct {
	cfg        *config.Config
	client     *Client
	state      *State
	prober     *ffmpeg.Prober
	transcoder *ffmpeg.Transcoder
	lookup     *quality.Lookup
	logger     *slog.Logger
	version    string

	mu         sync.Mutex
	currentJob *models.CurrentJob
	status     models.WorkerStatus
	speed      float64
	eta        int
}

// New creates a worker agent.
func New(cfg *config.Config, client *Client, state *State, logger *slog.Logger, version string) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:        cfg,
		client:     client,
		state:      state,
		prober:     ffmpeg.NewProber(),
		transcoder: ffmpeg.NewTranscoder(logger),
		logger:     logger,
		version:    version,
		status:     models.WorkerStatusIdle,
	}
}

// Run registers with the master and processes jobs until the context is
// cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.state.CleanScratch()

	if err := w.register(ctx); err != nil {
		return err
	}

	lookup, err := w.client.FetchLookup(ctx, w.logger)
	if err != nil {
		w.logger.Warn("failed to fetch quality tables, using built-in defaults",
			slog.String("error", err.Error()),
		)
		lookup = quality.NewFromTables(quality.DefaultVideoTable(), quality.DefaultAudioTable(), w.logger)
	}
	w.lookup = lookup

	heartbeat := time.NewTicker(w.cfg.Worker.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(w.cfg.Worker.JobPollInterval)
	defer poll.Stop()

	w.logger.Info("worker running",
		slog.String("worker_id", w.client.WorkerID()),
		slog.String("master", w.cfg.Worker.MasterURL),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return nil
		case <-heartbeat.C:
			w.sendHeartbeat(ctx)
			w.replayFailedUploads(ctx)
		case <-poll.C:
			if w.holdsJob() {
				continue
			}
			job, err := w.client.RequestJob(ctx)
			if err != nil {
				if errors.Is(err, ErrNotRegistered) {
					_ = w.register(ctx)
					continue
				}
				w.logger.Warn("job request failed", slog.String("error", err.Error()))
				continue
			}
			if job == nil {
				continue
			}
			w.process(ctx, job)
		}
	}
}

// register joins the fleet, presenting the persisted identity so a
// restart keeps the same ID.
func (w *Worker) register(ctx context.Context) error {
	hostname, _ := os.Hostname()
	req := models.RegisterRequest{
		Hostname:     hostname,
		Capabilities: DetectCapabilities(ctx),
		Version:      w.version,
		WorkerID:     w.state.LoadIdentity(),
	}

	id, err := w.client.Register(ctx, req)
	if err != nil {
		return err
	}
	if err := w.state.SaveIdentity(id); err != nil {
		w.logger.Warn("failed to persist worker identity", slog.String("error", err.Error()))
	}
	return nil
}

// sendHeartbeat reports liveness plus the current job so the master can
// recover state after losing us.
func (w *Worker) sendHeartbeat(ctx context.Context) {
	cpuPct, memPct := SampleStats(ctx)

	w.mu.Lock()
	hb := models.HeartbeatRequest{
		Status:        w.status,
		CPUPercent:    cpuPct,
		MemoryPercent: memPct,
		CurrentSpeed:  w.speed,
		CurrentETA:    w.eta,
	}
	if w.currentJob != nil {
		job := *w.currentJob
		hb.CurrentJob = &job
	}
	w.mu.Unlock()

	if err := w.client.Heartbeat(ctx, hb); err != nil {
		if errors.Is(err, ErrNotRegistered) {
			w.logger.Warn("master lost our registration, re-registering")
			_ = w.register(ctx)
			return
		}
		w.logger.Warn("heartbeat failed", slog.String("error", err.Error()))
	}
}

func (w *Worker) holdsJob() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentJob != nil
}

func (w *Worker) setJob(job *models.CurrentJob, status models.WorkerStatus) {
	w.mu.Lock()
	w.currentJob = job
	w.status = status
	if job == nil {
		w.speed = 0
		w.eta = 0
	}
	w.mu.Unlock()
}

func (w *Worker) setProgress(percent, speed float64, eta int) {
	w.mu.Lock()
	if w.currentJob != nil {
		w.currentJob.Progress = percent
	}
	w.speed = speed
	w.eta = eta
	w.status = models.WorkerStatusProcessing
	w.mu.Unlock()
}

// process runs one job end to end: download, probe, transcode, verify,
// upload, complete.
func (w *Worker) process(ctx context.Context, job *models.JobDescriptor) {
	logger := w.logger.With(
		slog.Uint64("file_id", uint64(job.FileID)),
		slog.String("filename", job.Filename),
	)
	logger.Info("job accepted", slog.Int64("size_bytes", job.SizeBytes))

	claim := &models.CurrentJob{
		FileID:    job.FileID,
		FilePath:  job.Path,
		FileSize:  job.SizeBytes,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
	}
	w.setJob(claim, models.WorkerStatusDownloading)
	defer w.setJob(nil, models.WorkerStatusIdle)

	scratch, err := w.state.JobScratchDir(job.FileID)
	if err != nil {
		w.fail(ctx, job.FileID, err.Error())
		return
	}
	defer os.RemoveAll(scratch)

	// Scratch holds the source and the output at the same time.
	if free := FreeSpace(ctx, scratch); free > 0 && free < uint64(job.SizeBytes)*2 {
		w.fail(ctx, job.FileID, fmt.Sprintf("Insufficient scratch space: %d bytes free, need %d", free, job.SizeBytes*2))
		return
	}

	input := filepath.Join(scratch, "source"+filepath.Ext(job.Filename))
	if _, err := w.client.Download(ctx, job.FileID, input); err != nil {
		if ctx.Err() != nil {
			return
		}
		w.fail(ctx, job.FileID, fmt.Sprintf("Download failed: %v", err))
		return
	}

	probe, err := w.prober.Probe(ctx, input)
	if err != nil {
		w.fail(ctx, job.FileID, fmt.Sprintf("Probe failed: %v", err))
		return
	}
	if probe.Video == nil {
		w.fail(ctx, job.FileID, "No video stream in source")
		return
	}

	if reason := w.refuse(probe.Video); reason != "" {
		w.fail(ctx, job.FileID, reason)
		return
	}

	settings := w.resolveSettings(job, probe)
	output := filepath.Join(scratch, "output.mkv")

	lastReport := time.Time{}
	err = w.transcoder.Transcode(ctx, input, output, probe.Video, settings, func(p ffmpeg.Progress) {
		w.setProgress(p.Percent, p.SpeedFPS, p.ETASeconds)
		// The transcoder already throttles samples; cap reporting anyway so
		// a misbehaving parse cannot flood the master.
		if time.Since(lastReport) < time.Second {
			return
		}
		lastReport = time.Now()
		_ = w.client.ReportProgress(ctx, job.FileID, models.ProgressRequest{
			Percent: p.Percent,
			Speed:   p.SpeedFPS,
			ETA:     p.ETASeconds,
			Status:  string(models.WorkerStatusProcessing),
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.fail(ctx, job.FileID, fmt.Sprintf("Transcode failed: %v", err))
		return
	}

	if err := ffmpeg.Verify(ctx, w.prober, output, minOutputSize); err != nil {
		w.fail(ctx, job.FileID, err.Error())
		return
	}

	outInfo, err := os.Stat(output)
	if err != nil {
		w.fail(ctx, job.FileID, fmt.Sprintf("Output missing after verify: %v", err))
		return
	}
	savingsPercent := 0.0
	if job.SizeBytes > 0 {
		savingsPercent = float64(job.SizeBytes-outInfo.Size()) / float64(job.SizeBytes) * 100
	}
	if outInfo.Size() >= job.SizeBytes || savingsPercent < minSavingsPercent {
		w.fail(ctx, job.FileID, fmt.Sprintf("Not worth transcoding: %.1f%% smaller", savingsPercent))
		return
	}

	w.setJob(&models.CurrentJob{
		FileID:    job.FileID,
		FilePath:  job.Path,
		FileSize:  job.SizeBytes,
		Progress:  100,
		StartedAt: claim.StartedAt,
	}, models.WorkerStatusUploading)

	if err := w.deliver(ctx, job, output, outInfo.Size()); err != nil {
		logger.Error("result delivery failed", slog.String("error", err.Error()))
		return
	}

	logger.Info("job finished",
		slog.Int64("output_bytes", outInfo.Size()),
		slog.Float64("savings_percent", savingsPercent),
	)
}

// refuse rejects sources the pipeline cannot process faithfully.
func (w *Worker) refuse(video *ffmpeg.VideoInfo) string {
	if video.HDRDynamic {
		return fmt.Sprintf("%s dynamic metadata cannot be preserved", video.HDR)
	}
	if w.cfg.Transcoding.SkipAV1Files && video.Codec == "av1" {
		return "Source is already AV1"
	}
	return ""
}

// resolveSettings picks encoder parameters from the lookup tables, with
// the job's pre-resolved targets taking precedence.
func (w *Worker) resolveSettings(job *models.JobDescriptor, probe *ffmpeg.ProbeResult) ffmpeg.Settings {
	video := probe.Video

	crf := job.TargetCRF
	if crf == 0 {
		crf = w.lookup.VideoCRF(
			video.Codec,
			video.Bitdepth,
			video.HDR,
			video.Resolution,
			quality.BitrateCategory(video.Bitrate),
		)
	}

	opus := job.TargetOpusBitrate
	copyAudio := w.cfg.Transcoding.SkipAudioTranscode || probe.Audio == nil
	if !copyAudio && opus == 0 {
		opus = w.lookup.OpusBitrate(
			probe.Audio.Codec,
			probe.Audio.Channels,
			quality.AudioBitrateCategory(probe.Audio.Bitrate, probe.Audio.Codec),
		)
	}
	// Opus itself never needs re-encoding.
	if !copyAudio && probe.Audio.Codec == "opus" {
		copyAudio = true
	}

	return ffmpeg.Settings{
		CRF:         crf,
		OpusBitrate: opus,
		Preset:      w.cfg.Transcoding.SVTAV1Preset,
		CopyAudio:   copyAudio,
		Nice:        w.cfg.Priority.Nice,
		IoniceClass: w.cfg.Priority.IoniceClass,
		UsePriority: w.cfg.Priority.Nice != 0 || w.cfg.Priority.IoniceClass != 0,
	}
}

// deliver uploads the result and reports completion, retrying both for a
// long time: the result took hours to produce and the master may be down
// for maintenance. On final failure the result is stashed for replay.
func (w *Worker) deliver(ctx context.Context, job *models.JobDescriptor, output string, outputSize int64) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewConstantBackOff(w.cfg.Worker.CompleteBackoff),
		uint64(w.cfg.Worker.CompleteRetries),
	), ctx)

	var result *models.UploadResult
	err := backoff.Retry(func() error {
		var uploadErr error
		result, uploadErr = w.client.Upload(ctx, job.FileID, output)
		if uploadErr != nil {
			w.logger.Warn("upload failed, will retry",
				slog.Uint64("file_id", uint64(job.FileID)),
				slog.String("error", uploadErr.Error()),
			)
		}
		return uploadErr
	}, policy)
	if err != nil {
		stashErr := w.state.StashFailedUpload(output, FailedUpload{
			JobID:        job.FileID,
			OriginalPath: job.Path,
			OriginalSize: job.SizeBytes,
			WorkerID:     w.client.WorkerID(),
			FailedAt:     time.Now().UTC(),
		})
		if stashErr != nil {
			return fmt.Errorf("upload failed and stash failed: %v (upload: %w)", stashErr, err)
		}
		return fmt.Errorf("upload failed, result stashed for replay: %w", err)
	}

	if err := w.client.ReportComplete(ctx, job.FileID, models.CompleteRequest{
		OutputSize:   result.NewSize,
		OriginalSize: result.OriginalSize,
	}); err != nil {
		// The upload already settled the row on the master; completion here
		// is belt and braces.
		w.logger.Warn("completion report failed",
			slog.Uint64("file_id", uint64(job.FileID)),
			slog.String("error", err.Error()),
		)
	}

	if outputSize != result.NewSize {
		w.logger.Warn("master reported a different result size",
			slog.Int64("local", outputSize),
			slog.Int64("master", result.NewSize),
		)
	}
	return nil
}

// replayFailedUploads retries stashed results once per heartbeat tick.
func (w *Worker) replayFailedUploads(ctx context.Context) {
	stashes, err := w.state.ListFailedUploads()
	if err != nil || len(stashes) == 0 {
		return
	}

	for _, stash := range stashes {
		result, err := w.client.Upload(ctx, stash.Record.JobID, stash.DataPath)
		if err != nil {
			w.logger.Debug("stashed upload still undeliverable",
				slog.Uint64("file_id", uint64(stash.Record.JobID)),
				slog.String("error", err.Error()),
			)
			continue
		}

		_ = w.client.ReportComplete(ctx, stash.Record.JobID, models.CompleteRequest{
			OutputSize:   result.NewSize,
			OriginalSize: result.OriginalSize,
		})
		w.state.DropFailedUpload(stash)
		w.logger.Info("stashed upload delivered",
			slog.Uint64("file_id", uint64(stash.Record.JobID)),
		)
	}
}

// fail reports a job failure to the master.
func (w *Worker) fail(ctx context.Context, fileID uint, reason string) {
	w.logger.Warn("job failed",
		slog.Uint64("file_id", uint64(fileID)),
		slog.String("reason", reason),
	)
	if err := w.client.ReportFailed(ctx, fileID, reason); err != nil {
		w.logger.Error("failed to report job failure", slog.String("error", err.Error()))
	}
}
