package excerpt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"soundslice/logger"
)

// FFmpegTranscoder cuts snippets with ffmpeg and probes durations with ffprobe.
type FFmpegTranscoder struct {
	ffmpegPath string
	bitrate    string
}

// NewFFmpegTranscoder creates a transcoder that encodes snippets as MP3 at bitrate.
func NewFFmpegTranscoder(ffmpegPath, bitrate string) *FFmpegTranscoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if bitrate == "" {
		bitrate = "192k"
	}
	return &FFmpegTranscoder{ffmpegPath: ffmpegPath, bitrate: bitrate}
}

func (p *FFmpegTranscoder) ffprobePath() string {
	dir, base := filepath.Split(p.ffmpegPath)
	return dir + strings.Replace(base, "ffmpeg", "ffprobe", 1)
}

// Supports accepts anything; ffmpeg sniffs the container itself.
func (p *FFmpegTranscoder) Supports(contentType string) bool {
	return true
}

// Trim 截取 [startSec, endSec) 并编码为 MP3
func (p *FFmpegTranscoder) Trim(ctx context.Context, inputPath, outputPath string, startSec, endSec float64) (string, error) {
	args := []string{
		"-y",
		"-ss", strconv.FormatFloat(startSec, 'f', 3, 64),
		"-t", strconv.FormatFloat(endSec-startSec, 'f', 3, 64),
		"-i", inputPath,
		"-map", "0:a",
		"-c:a", "libmp3lame",
		"-b:a", p.bitrate,
		"-f", "mp3",
		outputPath,
	}

	cmd := exec.CommandContext(ctx, p.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger.Debug("Executing FFmpeg command", logger.String("cmd", p.ffmpegPath+" "+strings.Join(args, " ")))

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("ffmpeg execution failed for %s: %w\nFFmpeg Error: %s", inputPath, err, truncate(stderr.String(), 500))
	}
	return "audio/mpeg", nil
}

// ffprobeOutput defines the structure for ffprobe JSON output.
type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe uses ffprobe to get the duration of an audio file in seconds.
func (p *FFmpegTranscoder) Probe(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	}

	cmd := exec.CommandContext(ctx, p.ffprobePath(), args...)
	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe execution failed for %s: %w\nFFprobe Error: %s", path, err, truncate(stderr.String(), 500))
	}
	return parseProbeDuration(out.Bytes())
}

func parseProbeDuration(raw []byte) (float64, error) {
	var probeData ffprobeOutput
	if err := json.Unmarshal(raw, &probeData); err != nil {
		return 0, fmt.Errorf("failed to unmarshal ffprobe output: %w", err)
	}
	if probeData.Format.Duration == "" {
		return 0, fmt.Errorf("duration not found in ffprobe output: %s", truncate(string(raw), 200))
	}
	duration, err := strconv.ParseFloat(probeData.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration string %q: %w", probeData.Format.Duration, err)
	}
	return duration, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
