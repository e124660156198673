// Package registry tracks live workers in memory. All access is serialized
// by a single mutex; callers receive copies and never hold references into
// the table.
package registry

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/av1arr/internal/models"
	"github.com/oklog/ulid/v2"
)

// ErrWorkerNotFound is returned when a worker ID is not registered.
var ErrWorkerNotFound = errors.New("worker not found")

// Registry is the in-memory table of workers.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*models.WorkerRecord
	logger  *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		workers: make(map[string]*models.WorkerRecord),
		logger:  logger,
	}
}

// Register adds a worker and returns its ID. If the request carries an ID
// the worker persisted from an earlier run, that identity is kept so the
// master can recognize a restarted worker; any stale record for the same
// ID is replaced. Without a presented ID, a fresh one is derived from the
// hostname and a ULID nonce.
func (r *Registry) Register(req models.RegisterRequest) string {
	id := req.WorkerID
	if id == "" {
		id = fmt.Sprintf("worker-%s-%s",
			sanitizeHostname(req.Hostname),
			strings.ToLower(ulid.MustNew(ulid.Now(), rand.Reader).String()),
		)
	}

	now := time.Now().UTC()
	record := &models.WorkerRecord{
		ID:           id,
		Hostname:     req.Hostname,
		Capabilities: req.Capabilities,
		Version:      req.Version,
		Status:       models.WorkerStatusIdle,
		RegisteredAt: now,
		LastSeen:     now,
	}

	r.mu.Lock()
	if prev, ok := r.workers[id]; ok {
		// A restarted worker keeps its rolling counters.
		record.JobsCompleted = prev.JobsCompleted
		record.JobsFailed = prev.JobsFailed
		record.TotalBytesProcessed = prev.TotalBytesProcessed
	}
	r.workers[id] = record
	r.mu.Unlock()

	r.logger.Info("worker registered",
		slog.String("worker_id", id),
		slog.String("hostname", req.Hostname),
		slog.Int("cpu_count", req.Capabilities.CPUCount),
		slog.String("version", req.Version),
	)
	return id
}

// sanitizeHostname keeps hostnames safe for use inside worker IDs.
func sanitizeHostname(hostname string) string {
	if hostname == "" {
		return "unknown"
	}
	return strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			return c
		default:
			return '-'
		}
	}, hostname)
}

// Heartbeat updates liveness and rolling stats for a worker.
func (r *Registry) Heartbeat(workerID string, hb models.HeartbeatRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return ErrWorkerNotFound
	}

	w.LastSeen = time.Now().UTC()
	if hb.Status != "" {
		w.Status = hb.Status
	} else if w.Status == models.WorkerStatusOffline {
		w.Status = models.WorkerStatusIdle
	}
	w.CPUPercent = hb.CPUPercent
	w.MemoryPercent = hb.MemoryPercent
	if hb.CurrentSpeed > 0 {
		w.CurrentSpeedFPS = hb.CurrentSpeed
	}
	if hb.CurrentETA > 0 {
		w.CurrentETASeconds = hb.CurrentETA
	}
	return nil
}

// Workers returns a snapshot copy of all worker records.
func (r *Registry) Workers() []models.WorkerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.WorkerRecord, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	return out
}

// ByID returns a copy of one worker record.
func (r *Registry) ByID(workerID string) (models.WorkerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return models.WorkerRecord{}, ErrWorkerNotFound
	}
	return *w, nil
}

// IsAlive reports whether the worker is registered and not offline.
func (r *Registry) IsAlive(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	return ok && w.Status != models.WorkerStatusOffline
}

// SetCurrentJob binds a claimed file to the worker.
func (r *Registry) SetCurrentJob(workerID string, fileID uint, filename string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return ErrWorkerNotFound
	}
	w.CurrentFileID = fileID
	w.CurrentFilename = filename
	w.CurrentProgress = 0
	w.CurrentSpeedFPS = 0
	w.CurrentETASeconds = 0
	w.Status = models.WorkerStatusDownloading
	return nil
}

// UpdateJobProgress records progress for the worker's current job.
func (r *Registry) UpdateJobProgress(workerID string, fileID uint, percent, speedFPS float64, etaSeconds int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return ErrWorkerNotFound
	}
	if w.CurrentFileID != fileID {
		// Late update from a job the worker no longer holds.
		return nil
	}
	w.CurrentProgress = percent
	w.CurrentSpeedFPS = speedFPS
	w.CurrentETASeconds = etaSeconds
	w.Status = models.WorkerStatusProcessing
	return nil
}

// ClearCurrentJob releases the worker's job slot and bumps its counters.
func (r *Registry) ClearCurrentJob(workerID string, completed bool, bytesProcessed int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return
	}
	w.CurrentFileID = 0
	w.CurrentFilename = ""
	w.CurrentProgress = 0
	w.CurrentSpeedFPS = 0
	w.CurrentETASeconds = 0
	if w.Status != models.WorkerStatusOffline {
		w.Status = models.WorkerStatusIdle
	}
	if completed {
		w.JobsCompleted++
		w.TotalBytesProcessed += bytesProcessed
	} else {
		w.JobsFailed++
	}
}

// ToggleFadeOut flips the fade-out flag and returns the new value. A fading
// worker finishes its current job but receives no new assignments.
func (r *Registry) ToggleFadeOut(workerID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return false, ErrWorkerNotFound
	}
	w.FadeOut = !w.FadeOut
	return w.FadeOut, nil
}

// TimedOut returns copies of workers whose last heartbeat is older than the
// timeout, marking each offline as a side effect.
func (r *Registry) TimedOut(timeout time.Duration) []models.WorkerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().UTC().Add(-timeout)
	var expired []models.WorkerRecord
	for _, w := range r.workers {
		if w.Status == models.WorkerStatusOffline {
			continue
		}
		if w.LastSeen.Before(cutoff) {
			w.Status = models.WorkerStatusOffline
			expired = append(expired, *w)
		}
	}
	return expired
}
