// Package quality resolves encoder settings from source media
// characteristics using JSON lookup tables.
package quality

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Safe defaults used when a lookup has no match.
const (
	DefaultCRF = 25

	defaultOpusMono     = 48
	defaultOpusStereo   = 96
	defaultOpusSurround = 160
	defaultOpusFull     = 192
)

// VideoTable maps codec -> bitdepth -> hdr -> resolution -> bitrate
// category -> CRF. A "default" codec entry provides the fallback chain.
type VideoTable map[string]map[string]map[string]map[string]map[string]int

// AudioTable maps codec -> channel category -> bitrate category -> Opus
// kbps. A "default" codec entry provides the fallback chain.
type AudioTable map[string]map[string]map[string]int

// Lookup resolves CRF and Opus bitrate targets.
type Lookup struct {
	video  VideoTable
	audio  AudioTable
	logger *slog.Logger
}

// Load reads quality_lookup.json and audio_codec_lookup.json from dir.
func Load(dir string, logger *slog.Logger) (*Lookup, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var video VideoTable
	if err := loadJSON(filepath.Join(dir, "quality_lookup.json"), &video); err != nil {
		return nil, fmt.Errorf("loading video quality table: %w", err)
	}
	var audio AudioTable
	if err := loadJSON(filepath.Join(dir, "audio_codec_lookup.json"), &audio); err != nil {
		return nil, fmt.Errorf("loading audio codec table: %w", err)
	}

	return &Lookup{video: video, audio: audio, logger: logger}, nil
}

// NewFromTables builds a Lookup from in-memory tables. Used by tests and
// by workers that fetched the tables from the master.
func NewFromTables(video VideoTable, audio AudioTable, logger *slog.Logger) *Lookup {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lookup{video: video, audio: audio, logger: logger}
}

func loadJSON(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// normalizeVideoCodec folds codec name variants into table keys.
func normalizeVideoCodec(codec string) string {
	switch c := strings.ToLower(codec); c {
	case "x264", "h.264", "avc":
		return "h264"
	case "x265", "h.265", "hevc":
		return "h265"
	default:
		return c
	}
}

// normalizeAudioCodec folds audio codec name variants into table keys.
func normalizeAudioCodec(codec string) string {
	switch c := strings.ToLower(codec); c {
	case "e-ac3", "eac-3":
		return "eac3"
	default:
		return c
	}
}

// VideoCRF returns the target CRF for the source characteristics. Unmatched
// bitrate categories fall back to the numerically closest one; unmatched
// codecs fall back to the table's default chain, then to DefaultCRF.
func (l *Lookup) VideoCRF(codec string, bitdepth int, hdr, resolution, bitrateCategory string) int {
	codec = normalizeVideoCodec(codec)
	depthKey := "8bit"
	if bitdepth >= 10 {
		depthKey = "10bit"
	}

	if resData, ok := l.video[codec][depthKey][hdr][resolution]; ok {
		if crf, ok := resData[bitrateCategory]; ok {
			return crf
		}
		if crf, ok := closestCategory(resData, bitrateCategory, categoryValue); ok {
			return crf
		}
	}

	l.logger.Warn("using default CRF",
		slog.String("codec", codec),
		slog.String("bitdepth", depthKey),
		slog.String("hdr", hdr),
		slog.String("resolution", resolution),
	)
	if resData, ok := l.video["default"][depthKey][hdr][resolution]; ok {
		if crf, ok := closestCategory(resData, bitrateCategory, categoryValue); ok {
			return crf
		}
	}
	return DefaultCRF
}

// OpusBitrate returns the target Opus bitrate in kbps for the source audio.
func (l *Lookup) OpusBitrate(codec string, channels int, bitrateCategory string) int {
	codec = normalizeAudioCodec(codec)
	channelKey := channelCategory(channels)

	if chanData, ok := l.audio[codec][channelKey]; ok {
		if kbps, ok := chanData[bitrateCategory]; ok {
			return kbps
		}
		if kbps, ok := closestCategory(chanData, bitrateCategory, categoryValue); ok {
			return kbps
		}
	}

	l.logger.Warn("using default Opus bitrate",
		slog.String("codec", codec),
		slog.String("channels", channelKey),
	)
	if chanData, ok := l.audio["default"][channelKey]; ok {
		if kbps, ok := closestCategory(chanData, bitrateCategory, categoryValue); ok {
			return kbps
		}
	}
	return DefaultOpusBitrate(channels)
}

// DefaultOpusBitrate returns the channel-count fallback bitrate in kbps.
func DefaultOpusBitrate(channels int) int {
	switch {
	case channels <= 1:
		return defaultOpusMono
	case channels <= 2:
		return defaultOpusStereo
	case channels <= 6:
		return defaultOpusSurround
	default:
		return defaultOpusFull
	}
}

// channelCategory maps a channel count to a table key.
func channelCategory(channels int) string {
	switch {
	case channels <= 1:
		return "1ch"
	case channels <= 2:
		return "2ch"
	case channels <= 6:
		return "6ch"
	default:
		return "8ch"
	}
}

// categoryValue parses the numeric part of a category key like "4M",
// "10M+", "192k".
func categoryValue(category string) float64 {
	trimmed := strings.NewReplacer("M", "", "k", "", "+", "").Replace(category)
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0
	}
	return v
}

// closestCategory picks the entry whose numeric category is nearest to the
// target.
func closestCategory(data map[string]int, target string, value func(string) float64) (int, bool) {
	targetValue := value(target)

	best := ""
	bestDiff := 0.0
	for key := range data {
		diff := value(key) - targetValue
		if diff < 0 {
			diff = -diff
		}
		if best == "" || diff < bestDiff {
			best = key
			bestDiff = diff
		}
	}
	if best == "" {
		return 0, false
	}
	return data[best], true
}

// BitrateCategory buckets a video bitrate in bits/s into a table key.
func BitrateCategory(bitrate int64) string {
	mbps := float64(bitrate) / 1_000_000
	switch {
	case mbps < 1.5:
		return "1M"
	case mbps < 3:
		return "2M"
	case mbps < 5:
		return "4M"
	case mbps < 7:
		return "6M"
	case mbps < 9:
		return "8M"
	case mbps < 12:
		return "10M"
	case mbps < 17:
		return "15M"
	case mbps < 25:
		return "20M"
	case mbps < 35:
		return "30M"
	default:
		return "40M+"
	}
}

// AudioBitrateCategory buckets an audio bitrate in bits/s into a table key.
// Thresholds differ per codec family: lossy stereo codecs top out lower
// than multichannel and lossless sources.
func AudioBitrateCategory(bitrate int64, codec string) string {
	kbps := float64(bitrate) / 1000

	switch normalizeAudioCodec(codec) {
	case "aac", "mp3":
		switch {
		case kbps < 48:
			return "32k"
		case kbps < 80:
			return "64k"
		case kbps < 112:
			return "96k"
		case kbps < 160:
			return "128k"
		case kbps < 224:
			return "192k"
		case kbps < 288:
			return "256k"
		default:
			return "320k"
		}
	case "ac3", "eac3":
		switch {
		case kbps < 80:
			return "64k"
		case kbps < 112:
			return "96k"
		case kbps < 160:
			return "128k"
		case kbps < 224:
			return "192k"
		case kbps < 320:
			return "256k"
		case kbps < 448:
			return "384k"
		case kbps < 576:
			return "512k"
		default:
			return "640k+"
		}
	case "dts", "truehd", "flac", "pcm":
		switch {
		case kbps < 384:
			return "256k"
		case kbps < 640:
			return "512k"
		case kbps < 896:
			return "768k"
		case kbps < 1280:
			return "1024k"
		case kbps < 2000:
			return "1536k+"
		case kbps < 3000:
			return "2000k"
		case kbps < 5000:
			return "4000k"
		default:
			return "6000k+"
		}
	default:
		switch {
		case kbps < 96:
			return "64k"
		case kbps < 160:
			return "128k"
		case kbps < 256:
			return "192k"
		default:
			return "384k"
		}
	}
}
