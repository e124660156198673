// Package monitor reconciles queue state with worker reality: it times out
// stale workers, reaps orphaned processing rows, and publishes status
// snapshots on the event bus.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmylchreest/av1arr/internal/events"
	"github.com/jmylchreest/av1arr/internal/models"
	"github.com/jmylchreest/av1arr/internal/registry"
	"github.com/jmylchreest/av1arr/internal/repository"
)

// Failure reasons written to reaped rows.
const (
	ReasonWorkerDisconnected = "Worker disconnected"
	ReasonNoActiveWorker     = "No active worker assigned"
)

// Snapshot is the periodic state published on the event bus.
type Snapshot struct {
	Statistics *models.Statistics    `json:"statistics"`
	Workers    []models.WorkerRecord `json:"workers"`
	Timestamp  time.Time             `json:"timestamp"`
}

// Monitor runs the periodic reconcile loop.
type Monitor struct {
	files            *repository.FileRepository
	registry         *registry.Registry
	hub              *events.Hub
	logger           *slog.Logger
	interval         time.Duration
	heartbeatTimeout time.Duration
}

// New creates a monitor. Interval defaults to 5s and heartbeat timeout to
// 30s when zero.
func New(files *repository.FileRepository, reg *registry.Registry, hub *events.Hub, logger *slog.Logger, interval, heartbeatTimeout time.Duration) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 30 * time.Second
	}
	return &Monitor{
		files:            files,
		registry:         reg,
		hub:              hub,
		logger:           logger,
		interval:         interval,
		heartbeatTimeout: heartbeatTimeout,
	}
}

// Run executes the reconcile loop until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("monitor started",
		slog.Duration("interval", m.interval),
		slog.Duration("heartbeat_timeout", m.heartbeatTimeout),
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return
		case <-ticker.C:
			m.Reconcile(ctx)
		}
	}
}

// Reconcile runs one pass of worker timeout and orphan reaping, then
// publishes a snapshot.
func (m *Monitor) Reconcile(ctx context.Context) {
	m.timeoutWorkers(ctx)
	m.reapOrphans(ctx)
	m.publishSnapshot(ctx)
}

// timeoutWorkers marks stale workers offline and fails their jobs.
func (m *Monitor) timeoutWorkers(ctx context.Context) {
	for _, w := range m.registry.TimedOut(m.heartbeatTimeout) {
		m.logger.Warn("worker timed out",
			slog.String("worker_id", w.ID),
			slog.String("hostname", w.Hostname),
			slog.Time("last_seen", w.LastSeen),
		)

		if !w.HasJob() {
			continue
		}
		if err := m.files.MarkFailed(ctx, w.CurrentFileID, ReasonWorkerDisconnected); err != nil {
			m.logger.Error("failed to fail job of timed-out worker",
				slog.Uint64("file_id", uint64(w.CurrentFileID)),
				slog.String("error", err.Error()),
			)
			continue
		}
		m.registry.ClearCurrentJob(w.ID, false, 0)
		m.hub.Publish(events.EventError, map[string]interface{}{
			"file_id":   w.CurrentFileID,
			"filename":  w.CurrentFilename,
			"worker_id": w.ID,
			"error":     ReasonWorkerDisconnected,
		})
	}
}

// reapOrphans fails processing rows whose assigned worker is not alive.
// Self-heals from crashes where a worker vanished without a final
// heartbeat being processed.
func (m *Monitor) reapOrphans(ctx context.Context) {
	processing, err := m.files.ListProcessing(ctx)
	if err != nil {
		m.logger.Error("failed to list processing files", slog.String("error", err.Error()))
		return
	}

	for _, file := range processing {
		if file.AssignedWorkerID != "" && m.registry.IsAlive(file.AssignedWorkerID) {
			continue
		}

		m.logger.Warn("reaping orphaned file",
			slog.Uint64("file_id", uint64(file.ID)),
			slog.String("filename", file.Filename),
			slog.String("assigned_worker_id", file.AssignedWorkerID),
		)
		if err := m.files.MarkFailed(ctx, file.ID, ReasonNoActiveWorker); err != nil {
			m.logger.Error("failed to reap orphaned file",
				slog.Uint64("file_id", uint64(file.ID)),
				slog.String("error", err.Error()),
			)
			continue
		}
		m.hub.Publish(events.EventError, map[string]interface{}{
			"file_id":  file.ID,
			"filename": file.Filename,
			"error":    ReasonNoActiveWorker,
		})
	}
}

// publishSnapshot pushes the current {statistics, workers} state.
func (m *Monitor) publishSnapshot(ctx context.Context) {
	stats, err := m.files.Statistics(ctx)
	if err != nil {
		m.logger.Error("failed to compute statistics", slog.String("error", err.Error()))
		return
	}

	m.hub.Publish(events.EventStatusUpdate, Snapshot{
		Statistics: stats,
		Workers:    m.registry.Workers(),
		Timestamp:  time.Now().UTC(),
	})
}
