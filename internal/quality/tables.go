package quality

import (
	"errors"
	"log/slog"
	"os"
)

// LoadOrDefault loads the lookup tables from dir, falling back to the
// built-in tables when dir is empty or the files are absent.
func LoadOrDefault(dir string, logger *slog.Logger) *Lookup {
	if logger == nil {
		logger = slog.Default()
	}
	if dir != "" {
		lookup, err := Load(dir, logger)
		if err == nil {
			logger.Info("quality lookup tables loaded", slog.String("dir", dir))
			return lookup
		}
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to load quality lookup tables, using built-in defaults",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
		}
	}
	return NewFromTables(DefaultVideoTable(), DefaultAudioTable(), logger)
}

// DefaultVideoTable returns the built-in CRF table. Values are tuned for
// SVT-AV1: higher-bitrate sources can afford a lower CRF, 10-bit and HDR
// sources get slightly lower CRF to protect gradients.
func DefaultVideoTable() VideoTable {
	h264SDR1080 := map[string]int{
		"1M": 32, "2M": 30, "4M": 28, "6M": 27, "8M": 26,
		"10M": 25, "15M": 24, "20M": 23, "30M": 22, "40M+": 21,
	}
	h264SDR4k := map[string]int{
		"4M": 30, "6M": 29, "8M": 28, "10M": 27, "15M": 26,
		"20M": 25, "30M": 24, "40M+": 23,
	}
	hevcHDR4k := map[string]int{
		"8M": 27, "10M": 26, "15M": 25, "20M": 24, "30M": 23, "40M+": 22,
	}

	return VideoTable{
		"h264": {
			"8bit": {
				"SDR": {
					"720p":  shiftCRF(h264SDR1080, 2),
					"1080p": h264SDR1080,
					"1440p": shiftCRF(h264SDR1080, -1),
					"4k":    h264SDR4k,
				},
			},
		},
		"h265": {
			"8bit": {
				"SDR": {
					"720p":  shiftCRF(h264SDR1080, 1),
					"1080p": shiftCRF(h264SDR1080, -1),
					"1440p": shiftCRF(h264SDR1080, -2),
					"4k":    shiftCRF(h264SDR4k, -1),
				},
			},
			"10bit": {
				"SDR": {
					"1080p": shiftCRF(h264SDR1080, -2),
					"4k":    shiftCRF(h264SDR4k, -2),
				},
				"HDR": {
					"1080p": shiftCRF(h264SDR1080, -3),
					"1440p": shiftCRF(h264SDR4k, -1),
					"4k":    hevcHDR4k,
				},
			},
		},
		"default": {
			"8bit": {
				"SDR": {
					"720p":  {"4M": 28},
					"1080p": {"8M": 26},
					"1440p": {"10M": 25},
					"4k":    {"15M": 25},
				},
			},
			"10bit": {
				"SDR": {
					"1080p": {"8M": 25},
					"4k":    {"15M": 24},
				},
				"HDR": {
					"1080p": {"10M": 24},
					"4k":    {"20M": 24},
				},
			},
		},
	}
}

// shiftCRF returns a copy of the table with every CRF offset by delta.
func shiftCRF(base map[string]int, delta int) map[string]int {
	out := make(map[string]int, len(base))
	for k, v := range base {
		out[k] = v + delta
	}
	return out
}

// DefaultAudioTable returns the built-in Opus bitrate table in kbps.
func DefaultAudioTable() AudioTable {
	return AudioTable{
		"aac": {
			"1ch": {"32k": 32, "64k": 48, "96k": 64, "128k": 64},
			"2ch": {"64k": 64, "96k": 80, "128k": 96, "192k": 128, "256k": 128, "320k": 160},
			"6ch": {"192k": 160, "256k": 192, "320k": 256},
		},
		"ac3": {
			"2ch": {"96k": 80, "128k": 96, "192k": 128, "256k": 128},
			"6ch": {"256k": 160, "384k": 192, "512k": 256, "640k+": 256},
		},
		"eac3": {
			"2ch": {"96k": 80, "128k": 96, "192k": 128, "256k": 128},
			"6ch": {"192k": 160, "256k": 192, "384k": 224, "512k": 256},
			"8ch": {"384k": 256, "512k": 320, "640k+": 320},
		},
		"dts": {
			"6ch": {"256k": 192, "512k": 224, "768k": 256, "1024k": 256, "1536k+": 320},
			"8ch": {"768k": 320, "1024k": 320, "1536k+": 384},
		},
		"truehd": {
			"6ch": {"1024k": 256, "1536k+": 320, "2000k": 320, "4000k": 384},
			"8ch": {"1536k+": 384, "2000k": 384, "4000k": 448, "6000k+": 448},
		},
		"default": {
			"1ch": {"64k": 48},
			"2ch": {"128k": 96},
			"6ch": {"384k": 160},
			"8ch": {"512k": 192},
		},
	}
}

// Video returns the video table for serving to workers.
func (l *Lookup) Video() VideoTable { return l.video }

// Audio returns the audio table for serving to workers.
func (l *Lookup) Audio() AudioTable { return l.audio }
