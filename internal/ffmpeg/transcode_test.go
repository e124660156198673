package ffmpeg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCommand_SDR(t *testing.T) {
	tr := NewTranscoder(nil)

	args := tr.BuildCommand("/tmp/in.mkv", "/tmp/out.mkv", &VideoInfo{HDR: HDRNone}, Settings{
		CRF:         27,
		OpusBitrate: 128,
		Preset:      5,
	})

	assert.Equal(t, []string{
		"ffmpeg",
		"-i", "/tmp/in.mkv",
		"-map", "0",
		"-c:v", "libsvtav1",
		"-preset", "5",
		"-crf", "27",
		"-c:a", "libopus",
		"-b:a", "128k",
		"-c:s", "copy",
		"-map_metadata", "0",
		"-y",
		"/tmp/out.mkv",
	}, args)
}

func TestBuildCommand_HDR10CarriesColorMetadata(t *testing.T) {
	tr := NewTranscoder(nil)

	video := &VideoInfo{
		HDR:           HDR10,
		ColorTransfer: "smpte2084",
		ColorSpace:    "bt2020nc",
	}
	args := tr.BuildCommand("in.mkv", "out.mkv", video, Settings{CRF: 24, OpusBitrate: 192, Preset: 5})
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-color_primaries bt2020")
	assert.Contains(t, joined, "-color_trc smpte2084")
	assert.Contains(t, joined, "-colorspace bt2020nc")
	assert.Contains(t, joined, "-svtav1-params enable-hdr=1")
}

func TestBuildCommand_HDR10DefaultsUnexpectedColorTags(t *testing.T) {
	tr := NewTranscoder(nil)

	video := &VideoInfo{HDR: HDR10, ColorTransfer: "bt709", ColorSpace: "bt709"}
	args := tr.BuildCommand("in.mkv", "out.mkv", video, Settings{CRF: 24, Preset: 5})
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-color_trc smpte2084")
	assert.Contains(t, joined, "-colorspace bt2020nc")
}

func TestBuildCommand_CopyAudio(t *testing.T) {
	tr := NewTranscoder(nil)

	args := tr.BuildCommand("in.mkv", "out.mkv", nil, Settings{CRF: 25, Preset: 5, CopyAudio: true})
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-c:a copy")
	assert.NotContains(t, joined, "libopus")
}

func TestBuildCommand_PriorityPrefix(t *testing.T) {
	tr := NewTranscoder(nil)

	args := tr.BuildCommand("in.mkv", "out.mkv", nil, Settings{
		CRF:         25,
		Preset:      5,
		Nice:        10,
		IoniceClass: 3,
		UsePriority: true,
	})

	require.True(t, len(args) > 6)
	assert.Equal(t, []string{"nice", "-n", "10", "ionice", "-c", "3", "ffmpeg"}, args[:7])
}

func TestScanCRLines(t *testing.T) {
	input := "frame=1 time=00:00:01.00\rframe=2 time=00:00:02.00\nlast"

	var lines []string
	data := []byte(input)
	for len(data) > 0 {
		advance, token, err := scanCRLines(data, true)
		require.NoError(t, err)
		if advance == 0 {
			break
		}
		lines = append(lines, string(token))
		data = data[advance:]
	}

	assert.Equal(t, []string{
		"frame=1 time=00:00:01.00",
		"frame=2 time=00:00:02.00",
		"last",
	}, lines)
}

func TestProgressPatterns(t *testing.T) {
	line := "frame= 1234 fps= 27.5 q=30.0 size=  102400KiB time=00:42:07.31 bitrate= 331.8kbits/s speed=1.1x"

	match := progressPattern.FindStringSubmatch(line)
	require.NotNil(t, match)
	assert.Equal(t, "00", match[1])
	assert.Equal(t, "42", match[2])
	assert.Equal(t, "07.31", match[3])

	fpsMatch := fpsPattern.FindStringSubmatch(line)
	require.NotNil(t, fpsMatch)
	assert.Equal(t, "27.5", fpsMatch[1])
}
