package ffmpeg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyResolution(t *testing.T) {
	tests := []struct {
		width, height int
		want          string
	}{
		{1280, 720, "720p"},
		{1920, 1080, "1080p"},
		{1920, 808, "1080p"}, // ultra-wide scope crop
		{2560, 1440, "1440p"},
		{3840, 2160, "4k"},
		{3840, 1600, "4k"}, // ultra-wide 4k
		{720, 576, "720p"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyResolution(tt.width, tt.height), "%dx%d", tt.width, tt.height)
	}
}

func TestDetectHDR(t *testing.T) {
	t.Run("sdr", func(t *testing.T) {
		hdr, dynamic := detectHDR(&probeStream{ColorTransfer: "bt709", ColorSpace: "bt709"})
		assert.Equal(t, HDRNone, hdr)
		assert.False(t, dynamic)
	})

	t.Run("hdr10 from transfer", func(t *testing.T) {
		hdr, dynamic := detectHDR(&probeStream{ColorTransfer: "smpte2084"})
		assert.Equal(t, HDR10, hdr)
		assert.False(t, dynamic)
	})

	t.Run("hdr10 from mastering display side data", func(t *testing.T) {
		hdr, dynamic := detectHDR(&probeStream{
			SideDataList: []probeSideData{{SideDataType: "Mastering display metadata"}},
		})
		assert.Equal(t, HDR10, hdr)
		assert.False(t, dynamic)
	})

	t.Run("hdr10plus is dynamic", func(t *testing.T) {
		hdr, dynamic := detectHDR(&probeStream{
			ColorTransfer: "smpte2084",
			SideDataList:  []probeSideData{{SideDataType: "HDR Dynamic Metadata SMPTE2094-40 (HDR10+)"}},
		})
		assert.Equal(t, HDR10Plus, hdr)
		assert.True(t, dynamic)
	})

	t.Run("dolby vision is dynamic", func(t *testing.T) {
		hdr, dynamic := detectHDR(&probeStream{
			SideDataList: []probeSideData{{SideDataType: "DOVI configuration record"}},
		})
		assert.Equal(t, HDRDolbyVision, hdr)
		assert.True(t, dynamic)
	})
}

func TestParseVideoStream(t *testing.T) {
	stream := &probeStream{
		CodecType:     "video",
		CodecName:     "hevc",
		Width:         3840,
		Height:        2160,
		PixFmt:        "yuv420p10le",
		ColorTransfer: "smpte2084",
		ColorSpace:    "bt2020nc",
		RFrameRate:    "24000/1001",
	}
	format := &probeFormat{Duration: "7200.5", BitRate: "25000000"}

	info := parseVideoStream(stream, format)
	assert.Equal(t, "hevc", info.Codec)
	assert.Equal(t, int64(25_000_000), info.Bitrate) // falls back to format bitrate
	assert.Equal(t, "4k", info.Resolution)
	assert.Equal(t, 10, info.Bitdepth)
	assert.Equal(t, HDR10, info.HDR)
	assert.InDelta(t, 23.976, info.FPS, 0.001)
	assert.Equal(t, 7200.5, info.DurationSec)
}

func TestParseFrameRate(t *testing.T) {
	assert.InDelta(t, 23.976, parseFrameRate("24000/1001"), 0.001)
	assert.Equal(t, 25.0, parseFrameRate("25/1"))
	assert.Equal(t, 30.0, parseFrameRate("30"))
	assert.Equal(t, 0.0, parseFrameRate("24/0"))
}
