// Package models defines the database models and wire types for av1arr.
package models

import (
	"time"
)

// FileStatus represents the lifecycle state of a media file in the queue.
type FileStatus string

const (
	// FileStatusPending means the file is waiting to be assigned to a worker.
	FileStatusPending FileStatus = "pending"
	// FileStatusProcessing means a worker is actively transcoding the file.
	FileStatusProcessing FileStatus = "processing"
	// FileStatusCompleted means the transcode finished and the original was replaced.
	FileStatusCompleted FileStatus = "completed"
	// FileStatusFailed means the transcode failed; the original is untouched.
	FileStatusFailed FileStatus = "failed"
)

// Valid reports whether the status is one of the known states.
func (s FileStatus) Valid() bool {
	switch s {
	case FileStatusPending, FileStatusProcessing, FileStatusCompleted, FileStatusFailed:
		return true
	}
	return false
}

// FileRecord tracks a media file through discovery, transcoding, and replacement.
type FileRecord struct {
	ID        uint       `gorm:"primarykey" json:"id"`
	Path      string     `gorm:"uniqueIndex;not null" json:"path"`
	Directory string     `gorm:"index;not null" json:"directory"`
	Filename  string     `gorm:"not null" json:"filename"`
	SizeBytes int64      `json:"size_bytes"`
	Status    FileStatus `gorm:"index;default:pending" json:"status"`

	// Source metadata from ffprobe.
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

	// Target encoder settings resolved from the quality lookup tables.
	TargetCRF         int `json:"target_crf,omitempty"`
	TargetOpusBitrate int `json:"target_opus_bitrate,omitempty"`

	// Progress tracking while a worker holds the job.
	ProgressPercent      float64    `gorm:"default:0" json:"progress_percent"`
	AssignedWorkerID     string     `json:"assigned_worker_id,omitempty"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	EstimatedTimeSeconds int        `json:"estimated_time_seconds,omitempty"`
	TimeRemainingSeconds int        `json:"time_remaining_seconds,omitempty"`
	ProcessingSpeedFPS   float64    `json:"processing_speed_fps,omitempty"`

	// Results after a successful replacement.
	OutputSizeBytes int64   `json:"output_size_bytes,omitempty"`
	SavingsBytes    int64   `json:"savings_bytes,omitempty"`
	SavingsPercent  float64 `json:"savings_percent,omitempty"`

	// Error handling.
	ErrorMessage string `json:"error_message,omitempty"`
	RetryCount   int    `gorm:"default:0" json:"retry_count"`

	// Priority handling. Higher priority is claimed first; a preferred worker
	// pins the file to that worker until it is claimed.
	Priority          int    `gorm:"default:0" json:"priority"`
	PreferredWorkerID string `json:"preferred_worker_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for file records.
func (FileRecord) TableName() string {
	return "files"
}

// IsTerminal reports whether the record is in a terminal state.
func (f *FileRecord) IsTerminal() bool {
	return f.Status == FileStatusCompleted || f.Status == FileStatusFailed
}
