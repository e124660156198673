package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

const (
	identityFile     = "worker_id"
	failedUploadsDir = "failed_uploads"
)

// State is the worker's durable scratch area under the work directory:
// its persisted identity and results whose upload never succeeded.
type State struct {
	dir string
}

// NewState initializes the state directory.
func NewState(dir string) (*State, error) {
	if err := os.MkdirAll(filepath.Join(dir, failedUploadsDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	return &State{dir: dir}, nil
}

// Dir returns the state directory root.
func (s *State) Dir() string {
	return s.dir
}

// LoadIdentity returns the persisted worker ID, empty when this is a
// first run.
func (s *State) LoadIdentity() string {
	data, err := os.ReadFile(filepath.Join(s.dir, identityFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// SaveIdentity persists the worker ID atomically so a crash mid-write
// never leaves a corrupt identity behind.
func (s *State) SaveIdentity(workerID string) error {
	path := filepath.Join(s.dir, identityFile)
	if err := renameio.WriteFile(path, []byte(workerID+"\n"), 0o644); err != nil {
		return fmt.Errorf("persisting worker identity: %w", err)
	}
	return nil
}

// FailedUpload is the sidecar record written beside a result file whose
// upload could not be delivered.
type FailedUpload struct {
	JobID        uint      `json:"job_id"`
	OriginalPath string    `json:"original_path"`
	OriginalSize int64     `json:"original_size"`
	WorkerID     string    `json:"worker_id"`
	FailedAt     time.Time `json:"failed_at"`
}

// StashFailedUpload moves the result file into failed_uploads/ and writes
// its sidecar, so the upload can be replayed after the master returns.
func (s *State) StashFailedUpload(resultPath string, record FailedUpload) error {
	base := fmt.Sprintf("job-%d", record.JobID)
	destData := filepath.Join(s.dir, failedUploadsDir, base+".mkv")
	destMeta := filepath.Join(s.dir, failedUploadsDir, base+".json")

	if err := os.Rename(resultPath, destData); err != nil {
		return fmt.Errorf("stashing failed upload: %w", err)
	}

	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding failed-upload sidecar: %w", err)
	}
	if err := renameio.WriteFile(destMeta, payload, 0o644); err != nil {
		return fmt.Errorf("writing failed-upload sidecar: %w", err)
	}
	return nil
}

// StashedUpload pairs a replayable result file with its sidecar record.
type StashedUpload struct {
	DataPath string
	MetaPath string
	Record   FailedUpload
}

// ListFailedUploads returns all replayable stashed results. Sidecars that
// cannot be parsed or whose data file is missing are skipped.
func (s *State) ListFailedUploads() ([]StashedUpload, error) {
	dir := filepath.Join(s.dir, failedUploadsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing failed uploads: %w", err)
	}

	var out []StashedUpload
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		metaPath := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}
		var record FailedUpload
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		dataPath := strings.TrimSuffix(metaPath, ".json") + ".mkv"
		if _, err := os.Stat(dataPath); err != nil {
			continue
		}
		out = append(out, StashedUpload{DataPath: dataPath, MetaPath: metaPath, Record: record})
	}
	return out, nil
}

// DropFailedUpload removes a replayed stash entry.
func (s *State) DropFailedUpload(stash StashedUpload) {
	_ = os.Remove(stash.DataPath)
	_ = os.Remove(stash.MetaPath)
}

// CleanScratch removes leftover per-job scratch directories from earlier
// runs, keeping the identity file and failed uploads.
func (s *State) CleanScratch() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "job-") {
			_ = os.RemoveAll(filepath.Join(s.dir, entry.Name()))
		}
	}
}

// JobScratchDir creates and returns the per-job scratch directory.
func (s *State) JobScratchDir(jobID uint) (string, error) {
	dir := filepath.Join(s.dir, fmt.Sprintf("job-%d", jobID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating job scratch dir: %w", err)
	}
	return dir, nil
}
