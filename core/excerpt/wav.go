package excerpt

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVTranscoder trims PCM WAV files in-process.
type WAVTranscoder struct{}

func NewWAVTranscoder() *WAVTranscoder {
	return &WAVTranscoder{}
}

func (t *WAVTranscoder) Supports(contentType string) bool {
	switch contentType {
	case "audio/wav", "audio/x-wav", "audio/wave", "audio/vnd.wave":
		return true
	}
	return false
}

func isWAV(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	return wav.NewDecoder(f).IsValidFile()
}

func (t *WAVTranscoder) Trim(ctx context.Context, inputPath, outputPath string, startSec, endSec float64) (string, error) {
	in, err := os.Open(inputPath)
	if err != nil {
		return "", err
	}
	defer in.Close()

	decoder := wav.NewDecoder(in)
	if !decoder.IsValidFile() {
		return "", fmt.Errorf("invalid WAV file: %s", inputPath)
	}
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return "", fmt.Errorf("reading samples: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	channels := int(decoder.NumChans)
	rate := float64(decoder.SampleRate)
	if channels == 0 || rate == 0 {
		return "", fmt.Errorf("WAV header has %d channels at %.0f Hz", channels, rate)
	}
	totalFrames := len(buf.Data) / channels
	startFrame := int(math.Round(startSec * rate))
	endFrame := int(math.Round(endSec * rate))
	if endFrame > totalFrames {
		endFrame = totalFrames
	}
	if startFrame >= endFrame {
		return "", fmt.Errorf("interval [%.3f, %.3f) is empty in %d frames", startSec, endSec, totalFrames)
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return "", err
	}
	encoder := wav.NewEncoder(out, int(decoder.SampleRate), int(decoder.BitDepth), channels, int(decoder.WavAudioFormat))
	trimmed := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: int(decoder.SampleRate)},
		Data:           buf.Data[startFrame*channels : endFrame*channels],
		SourceBitDepth: int(decoder.BitDepth),
	}
	if err := encoder.Write(trimmed); err != nil {
		out.Close()
		return "", fmt.Errorf("writing samples: %w", err)
	}
	if err := encoder.Close(); err != nil {
		out.Close()
		return "", fmt.Errorf("finalising WAV: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return "audio/wav", nil
}

func (t *WAVTranscoder) Probe(ctx context.Context, path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return 0, fmt.Errorf("invalid WAV file: %s", path)
	}
	d, err := decoder.Duration()
	if err != nil {
		return 0, fmt.Errorf("reading WAV duration: %w", err)
	}
	return d.Seconds(), nil
}
