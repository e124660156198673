package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Settings are the resolved encoder parameters for one transcode.
type Settings struct {
	CRF         int
	OpusBitrate int // kbps
	Preset      int // SVT-AV1 preset
	CopyAudio   bool
	Nice        int
	IoniceClass int
	UsePriority bool
}

// Progress is a single progress sample parsed from ffmpeg output.
type Progress struct {
	Percent    float64
	SpeedFPS   float64
	ETASeconds int
}

// ProgressFunc receives progress samples during a transcode.
type ProgressFunc func(Progress)

// Transcoder runs ffmpeg transcodes with SVT-AV1 video and Opus audio.
type Transcoder struct {
	// Binary is the ffmpeg executable; defaults to "ffmpeg" on PATH.
	Binary string
	logger *slog.Logger
}

// NewTranscoder creates a transcoder using ffmpeg from PATH.
func NewTranscoder(logger *slog.Logger) *Transcoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcoder{Binary: "ffmpeg", logger: logger}
}

// BuildCommand assembles the ffmpeg argument list for one transcode.
// Exported so tests can assert on the command shape.
func (t *Transcoder) BuildCommand(input, output string, video *VideoInfo, settings Settings) []string {
	binary := t.Binary
	if binary == "" {
		binary = "ffmpeg"
	}

	args := []string{
		binary,
		"-i", input,
		"-map", "0",
		"-c:v", "libsvtav1",
		"-preset", strconv.Itoa(settings.Preset),
		"-crf", strconv.Itoa(settings.CRF),
	}

	// Static HDR10 survives transcoding when the color metadata is carried
	// through; dynamic HDR is refused upstream before we get here.
	if video != nil && video.HDR == HDR10 {
		trc := video.ColorTransfer
		if trc != "smpte2084" && trc != "arib-std-b67" {
			trc = "smpte2084"
		}
		space := video.ColorSpace
		if !strings.Contains(space, "bt2020") {
			space = "bt2020nc"
		}
		args = append(args,
			"-color_primaries", "bt2020",
			"-color_trc", trc,
			"-colorspace", space,
			"-svtav1-params", "enable-hdr=1",
		)
	}

	if settings.CopyAudio {
		args = append(args, "-c:a", "copy")
	} else {
		args = append(args,
			"-c:a", "libopus",
			"-b:a", fmt.Sprintf("%dk", settings.OpusBitrate),
		)
	}

	args = append(args,
		"-c:s", "copy",
		"-map_metadata", "0",
		"-y",
		output,
	)

	if settings.UsePriority {
		args = append([]string{
			"nice", "-n", strconv.Itoa(settings.Nice),
			"ionice", "-c", strconv.Itoa(settings.IoniceClass),
		}, args...)
	}

	return args
}

// progressPattern matches the time= field of ffmpeg's stderr status line.
var progressPattern = regexp.MustCompile(`time=(\d+):(\d+):(\d+\.?\d*)`)

// fpsPattern matches the fps= field of ffmpeg's stderr status line.
var fpsPattern = regexp.MustCompile(`fps=\s*(\d+\.?\d*)`)

// Transcode runs ffmpeg and reports progress. The context cancels the
// child process.
func (t *Transcoder) Transcode(ctx context.Context, input, output string, video *VideoInfo, settings Settings, onProgress ProgressFunc) error {
	args := t.BuildCommand(input, output, video, settings)
	t.logger.Info("starting transcode",
		slog.String("input", input),
		slog.Int("crf", settings.CRF),
		slog.Int("opus_kbps", settings.OpusBitrate),
		slog.Int("preset", settings.Preset),
	)

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting ffmpeg: %w", err)
	}

	duration := 0.0
	if video != nil {
		duration = video.DurationSec
	}
	t.monitorProgress(stderr, duration, onProgress)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg failed: %w", err)
	}
	return nil
}

// monitorProgress parses ffmpeg stderr status lines into progress samples.
// Updates are throttled to one per 2 seconds or per 1% of progress.
func (t *Transcoder) monitorProgress(stderr interface{ Read([]byte) (int, error) }, totalDuration float64, onProgress ProgressFunc) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	// ffmpeg rewrites its status line with \r.
	scanner.Split(scanCRLines)

	lastUpdate := time.Time{}
	lastPercent := -1.0
	start := time.Now()

	for scanner.Scan() {
		line := scanner.Text()
		match := progressPattern.FindStringSubmatch(line)
		if match == nil || totalDuration <= 0 {
			continue
		}

		hours, _ := strconv.Atoi(match[1])
		minutes, _ := strconv.Atoi(match[2])
		seconds, _ := strconv.ParseFloat(match[3], 64)
		current := float64(hours)*3600 + float64(minutes)*60 + seconds

		percent := current / totalDuration * 100
		if percent > 100 {
			percent = 100
		}

		now := time.Now()
		if now.Sub(lastUpdate) < 2*time.Second && percent-lastPercent < 1.0 {
			continue
		}
		lastUpdate = now
		lastPercent = percent

		fps := 0.0
		if fpsMatch := fpsPattern.FindStringSubmatch(line); fpsMatch != nil {
			fps, _ = strconv.ParseFloat(fpsMatch[1], 64)
		}

		eta := 0
		elapsed := now.Sub(start).Seconds()
		if percent > 0 {
			eta = int(elapsed / percent * (100 - percent))
		}

		if onProgress != nil {
			onProgress(Progress{Percent: percent, SpeedFPS: fps, ETASeconds: eta})
		}
	}
}

// scanCRLines splits on \r or \n so ffmpeg's rewritten status line is seen
// per update.
func scanCRLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Verify probes the transcoded output and confirms it contains a video
// stream and is of plausible size.
func Verify(ctx context.Context, prober *Prober, path string, minSize int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("output verification: %w", err)
	}
	if info.Size() < minSize {
		return fmt.Errorf("output verification: %s is only %d bytes", path, info.Size())
	}
	result, err := prober.Probe(ctx, path)
	if err != nil {
		return fmt.Errorf("output verification: %w", err)
	}
	if result.Video == nil {
		return fmt.Errorf("output verification: no video stream in %s", path)
	}
	return nil
}
