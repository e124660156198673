package worker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_IdentityRoundTrip(t *testing.T) {
	state, err := NewState(t.TempDir())
	require.NoError(t, err)

	assert.Empty(t, state.LoadIdentity())

	require.NoError(t, state.SaveIdentity("worker-encoder-01-abc"))
	assert.Equal(t, "worker-encoder-01-abc", state.LoadIdentity())

	// A restart with the same directory sees the same identity.
	reopened, err := NewState(state.Dir())
	require.NoError(t, err)
	assert.Equal(t, "worker-encoder-01-abc", reopened.LoadIdentity())
}

func TestState_FailedUploadStashAndReplay(t *testing.T) {
	state, err := NewState(t.TempDir())
	require.NoError(t, err)

	result := filepath.Join(t.TempDir(), "out.mkv")
	require.NoError(t, os.WriteFile(result, []byte("av1-bytes"), 0o644))

	record := FailedUpload{
		JobID:        42,
		OriginalPath: "/media/a.mkv",
		OriginalSize: 1000,
		WorkerID:     "worker-1",
		FailedAt:     time.Now().UTC(),
	}
	require.NoError(t, state.StashFailedUpload(result, record))

	// The result moved out of the scratch location.
	_, err = os.Stat(result)
	assert.True(t, os.IsNotExist(err))

	stashed, err := state.ListFailedUploads()
	require.NoError(t, err)
	require.Len(t, stashed, 1)
	assert.Equal(t, uint(42), stashed[0].Record.JobID)
	assert.Equal(t, "/media/a.mkv", stashed[0].Record.OriginalPath)

	data, err := os.ReadFile(stashed[0].DataPath)
	require.NoError(t, err)
	assert.Equal(t, "av1-bytes", string(data))

	state.DropFailedUpload(stashed[0])
	stashed, err = state.ListFailedUploads()
	require.NoError(t, err)
	assert.Empty(t, stashed)
}

func TestState_ListFailedUploadsSkipsBrokenEntries(t *testing.T) {
	state, err := NewState(t.TempDir())
	require.NoError(t, err)

	dir := filepath.Join(state.Dir(), "failed_uploads")
	// Sidecar with no data file.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "job-1.json"), []byte(`{"job_id":1}`), 0o644))
	// Unparsable sidecar with a data file.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "job-2.json"), []byte("not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "job-2.mkv"), []byte("x"), 0o644))

	stashed, err := state.ListFailedUploads()
	require.NoError(t, err)
	assert.Empty(t, stashed)
}

func TestState_CleanScratch(t *testing.T) {
	state, err := NewState(t.TempDir())
	require.NoError(t, err)

	scratch, err := state.JobScratchDir(7)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(scratch, "partial.mkv"), []byte("x"), 0o644))
	require.NoError(t, state.SaveIdentity("worker-1"))

	state.CleanScratch()

	_, err = os.Stat(scratch)
	assert.True(t, os.IsNotExist(err))
	// Identity and the failed-uploads area survive.
	assert.Equal(t, "worker-1", state.LoadIdentity())
	_, err = os.Stat(filepath.Join(state.Dir(), "failed_uploads"))
	assert.NoError(t, err)
}
