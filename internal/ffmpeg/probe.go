// Package ffmpeg wraps the ffprobe and ffmpeg binaries for the worker's
// local pipeline.
package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// probeTimeout bounds a single ffprobe invocation.
const probeTimeout = 30 * time.Second

// HDR classification values.
const (
	HDRNone        = "SDR"
	HDR10          = "HDR10"
	HDR10Plus      = "HDR10+"
	HDRDolbyVision = "Dolby Vision"
)

// VideoInfo describes the first video stream of a probed file.
type VideoInfo struct {
	Codec         string
	Bitrate       int64
	Width         int
	Height        int
	Resolution    string // 720p, 1080p, 1440p, 4k
	Bitdepth      int    // 8 or 10
	HDR           string
	HDRDynamic    bool
	ColorTransfer string
	ColorSpace    string
	FPS           float64
	DurationSec   float64
}

// AudioInfo describes one audio stream.
type AudioInfo struct {
	Codec      string
	Channels   int
	Bitrate    int64
	SampleRate int
	Language   string
}

// ProbeResult is the parsed output of one ffprobe run.
type ProbeResult struct {
	Video *VideoInfo
	Audio *AudioInfo // first audio stream, nil if none
}

// Prober runs ffprobe against local files.
type Prober struct {
	// Binary is the ffprobe executable; defaults to "ffprobe" on PATH.
	Binary string
}

// NewProber creates a prober using ffprobe from PATH.
func NewProber() *Prober {
	return &Prober{Binary: "ffprobe"}
}

// ffprobe JSON output shapes. Unknown fields are ignored.
type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecType     string            `json:"codec_type"`
	CodecName     string            `json:"codec_name"`
	Width         int               `json:"width"`
	Height        int               `json:"height"`
	BitRate       string            `json:"bit_rate"`
	PixFmt        string            `json:"pix_fmt"`
	ColorTransfer string            `json:"color_transfer"`
	ColorSpace    string            `json:"color_space"`
	Channels      int               `json:"channels"`
	SampleRate    string            `json:"sample_rate"`
	RFrameRate    string            `json:"r_frame_rate"`
	Tags          map[string]string `json:"tags"`
	SideDataList  []probeSideData   `json:"side_data_list"`
}

type probeSideData struct {
	SideDataType string `json:"side_data_type"`
}

type probeFormat struct {
	Duration string `json:"duration"`
	BitRate  string `json:"bit_rate"`
}

// Probe extracts metadata from a media file.
func (p *Prober) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	binary := p.Binary
	if binary == "" {
		binary = "ffprobe"
	}

	cmd := exec.CommandContext(ctx, binary,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("running ffprobe on %s: %w", path, err)
	}

	var data probeOutput
	if err := json.Unmarshal(out, &data); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output: %w", err)
	}

	result := &ProbeResult{}
	for i := range data.Streams {
		stream := &data.Streams[i]
		switch stream.CodecType {
		case "video":
			if result.Video == nil {
				result.Video = parseVideoStream(stream, &data.Format)
			}
		case "audio":
			if result.Audio == nil {
				result.Audio = parseAudioStream(stream)
			}
		}
	}
	if result.Video == nil {
		return nil, fmt.Errorf("no video stream in %s", path)
	}
	return result, nil
}

func parseVideoStream(stream *probeStream, format *probeFormat) *VideoInfo {
	bitrate := parseInt64(stream.BitRate)
	if bitrate == 0 {
		bitrate = parseInt64(format.BitRate)
	}

	bitdepth := 8
	if strings.Contains(stream.PixFmt, "10") {
		bitdepth = 10
	}

	hdr, dynamic := detectHDR(stream)

	return &VideoInfo{
		Codec:         stream.CodecName,
		Bitrate:       bitrate,
		Width:         stream.Width,
		Height:        stream.Height,
		Resolution:    ClassifyResolution(stream.Width, stream.Height),
		Bitdepth:      bitdepth,
		HDR:           hdr,
		HDRDynamic:    dynamic,
		ColorTransfer: stream.ColorTransfer,
		ColorSpace:    stream.ColorSpace,
		FPS:           parseFrameRate(stream.RFrameRate),
		DurationSec:   parseFloat(format.Duration),
	}
}

func parseAudioStream(stream *probeStream) *AudioInfo {
	language := "und"
	if lang, ok := stream.Tags["language"]; ok {
		language = lang
	}
	return &AudioInfo{
		Codec:      stream.CodecName,
		Channels:   stream.Channels,
		Bitrate:    parseInt64(stream.BitRate),
		SampleRate: int(parseInt64(stream.SampleRate)),
		Language:   language,
	}
}

// ClassifyResolution buckets dimensions into standard categories. Pixel
// count with a 73% threshold handles ultra-wide content like 1920x808.
func ClassifyResolution(width, height int) string {
	totalPixels := width * height
	switch {
	case totalPixels >= 6_054_912 || height >= 2160:
		return "4k"
	case totalPixels >= 2_691_072 || height >= 1440:
		return "1440p"
	case totalPixels >= 1_513_728 || height >= 1080:
		return "1080p"
	default:
		return "720p"
	}
}

// detectHDR classifies the HDR type and whether it carries dynamic
// (per-frame) metadata.
func detectHDR(stream *probeStream) (string, bool) {
	hdrType := HDRNone
	dynamic := false

	switch stream.ColorTransfer {
	case "smpte2084", "arib-std-b67", "smpte428":
		hdrType = HDR10
	}
	switch stream.ColorSpace {
	case "bt2020nc", "bt2020c":
		hdrType = HDR10
	}

	for _, sd := range stream.SideDataList {
		t := sd.SideDataType
		switch {
		case strings.Contains(t, "SMPTE2094-40"):
			hdrType = HDR10Plus
			dynamic = true
		case strings.Contains(t, "DOVI configuration record") || strings.Contains(t, "Dolby Vision"):
			hdrType = HDRDolbyVision
			dynamic = true
		case strings.Contains(t, "Mastering display") || strings.Contains(t, "Content light level"):
			if hdrType == HDRNone {
				hdrType = HDR10
			}
		}
	}

	return hdrType, dynamic
}

func parseInt64(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// parseFrameRate evaluates an "num/den" rational.
func parseFrameRate(r string) float64 {
	num, den, ok := strings.Cut(r, "/")
	if !ok {
		return parseFloat(r)
	}
	n := parseFloat(num)
	d := parseFloat(den)
	if d == 0 {
		return 0
	}
	return n / d
}
