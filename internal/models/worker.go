package models

import "time"

// WorkerStatus represents the reported phase of a worker.
type WorkerStatus string

const (
	WorkerStatusIdle        WorkerStatus = "idle"
	WorkerStatusDownloading WorkerStatus = "downloading"
	WorkerStatusProcessing  WorkerStatus = "processing"
	WorkerStatusUploading   WorkerStatus = "uploading"
	WorkerStatusOffline     WorkerStatus = "offline"
)

// Capabilities describes a worker's hardware as reported at registration.
type Capabilities struct {
	CPUCount    int   `json:"cpu_count"`
	MemoryTotal int64 `json:"memory_total"`
	GPU         bool  `json:"gpu"`
}

// WorkerRecord is the in-memory registry entry for a live worker.
// All mutation goes through the registry's mutex.
type WorkerRecord struct {
	ID           string       `json:"id"`
	Hostname     string       `json:"hostname"`
	Capabilities Capabilities `json:"capabilities"`
	Version      string       `json:"version"`
	Status       WorkerStatus `json:"status"`
	RegisteredAt time.Time    `json:"registered_at"`
	LastSeen     time.Time    `json:"last_seen"`

	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`

	CurrentFileID     uint    `json:"current_file_id,omitempty"`
	CurrentFilename   string  `json:"current_filename,omitempty"`
	CurrentProgress   float64 `json:"current_progress,omitempty"`
	CurrentSpeedFPS   float64 `json:"current_speed_fps,omitempty"`
	CurrentETASeconds int     `json:"current_eta_seconds,omitempty"`

	JobsCompleted       int64 `json:"jobs_completed"`
	JobsFailed          int64 `json:"jobs_failed"`
	TotalBytesProcessed int64 `json:"total_bytes_processed"`

	// FadeOut prevents new assignments while letting the current job finish.
	FadeOut bool `json:"fade_out"`
}

// HasJob reports whether the worker currently holds a job.
func (w *WorkerRecord) HasJob() bool {
	return w.CurrentFileID != 0
}
