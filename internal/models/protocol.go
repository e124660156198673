package models

// Wire types exchanged between master and workers. Unknown fields are
// ignored on decode for forward compatibility.

// RegisterRequest is posted by a worker to join the fleet.
type RegisterRequest struct {
	Hostname     string       `json:"hostname"`
	Capabilities Capabilities `json:"capabilities"`
	Version      string       `json:"version"`
	// WorkerID is optional; a worker that persisted its identity presents it
	// so a restart does not orphan its prior job.
	WorkerID string `json:"worker_id,omitempty"`
}

// RegisterResponse carries the assigned worker ID.
type RegisterResponse struct {
	WorkerID string `json:"worker_id"`
}

// CurrentJob describes the job a worker believes it holds. Carried in
// heartbeats so the master can recover state after a reconnect.
type CurrentJob struct {
	FileID      uint    `json:"file_id"`
	FilePath    string  `json:"file_path"`
	FileSize    int64   `json:"file_size"`
	Progress    float64 `json:"progress"`
	StartedAt   string  `json:"started_at"`
	IsCompleted bool    `json:"is_completed"`
}

// HeartbeatRequest is the periodic liveness report from a worker.
type HeartbeatRequest struct {
	Status        WorkerStatus `json:"status"`
	CPUPercent    float64      `json:"cpu_percent"`
	MemoryPercent float64      `json:"memory_percent"`
	CurrentSpeed  float64      `json:"current_speed,omitempty"`
	CurrentETA    int          `json:"current_eta,omitempty"`
	CurrentJob    *CurrentJob  `json:"current_job,omitempty"`
}

// JobDescriptor is handed to a worker when a pending file is claimed.
// Source metadata is included so the worker does not need to re-probe
// for encoder settings.
type JobDescriptor struct {
	FileID    uint   `json:"file_id"`
	Path      string `json:"path"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`

	SourceCodec         string `json:"source_codec,omitempty"`
	SourceBitrate       int64  `json:"source_bitrate,omitempty"`
	SourceResolution    string `json:"source_resolution,omitempty"`
	SourceBitdepth      int    `json:"source_bitdepth,omitempty"`
	SourceHDR           string `json:"source_hdr,omitempty"`
	HDRDynamic          bool   `json:"hdr_dynamic"`
	ColorTransfer       string `json:"color_transfer,omitempty"`
	ColorSpace          string `json:"color_space,omitempty"`
	SourceAudioCodec    string `json:"source_audio_codec,omitempty"`
	SourceAudioChannels int    `json:"source_audio_channels,omitempty"`
	SourceAudioBitrate  int64  `json:"source_audio_bitrate,omitempty"`

	TargetCRF         int `json:"target_crf,omitempty"`
	TargetOpusBitrate int `json:"target_opus_bitrate,omitempty"`
}

// JobResponse wraps the job-request result; Job is null when the queue
// has no candidate for the worker.
type JobResponse struct {
	Job *JobDescriptor `json:"job"`
}

// ProgressRequest reports transcode progress for one file.
type ProgressRequest struct {
	Percent float64 `json:"percent"`
	Speed   float64 `json:"speed,omitempty"`
	ETA     int     `json:"eta,omitempty"`
	Status  string  `json:"status,omitempty"`
}

// CompleteRequest reports a finished transcode.
type CompleteRequest struct {
	OutputSize   int64 `json:"output_size"`
	OriginalSize int64 `json:"original_size"`
}

// FailRequest reports a failed transcode.
type FailRequest struct {
	Error string `json:"error"`
}

// UploadResult is returned by the result-upload endpoint after a safe
// replacement (or idempotently for an already-completed row).
type UploadResult struct {
	OriginalSize   int64   `json:"original_size"`
	NewSize        int64   `json:"new_size"`
	SavingsPercent float64 `json:"savings_percent"`
}

// PriorityRequest sets queue priority and optional worker pinning.
type PriorityRequest struct {
	Priority        int    `json:"priority"`
	PreferredWorker string `json:"preferred_worker,omitempty"`
}
