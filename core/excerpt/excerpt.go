// Package excerpt cuts an interval out of a stored track and stores the
// result as a new content-addressed snippet.
package excerpt

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"soundslice/logger"
	"soundslice/storage"
)

// Epsilon is the tolerance allowed past the probed track duration.
const Epsilon = 0.05

var (
	// ErrInvalidInterval is returned when the interval does not fit the source.
	ErrInvalidInterval = errors.New("invalid interval")
	// ErrExtractionFailed covers transcoder and I/O failures. Callers may retry.
	ErrExtractionFailed = errors.New("extraction failed")
)

// Source identifies the track to cut from.
type Source struct {
	ContentRef  string
	ContentType string
	DurationSec float64
}

// Result describes a stored snippet.
type Result struct {
	ContentRef        string
	ContentHash       string
	ContentType       string
	Size              int64
	ActualDurationSec float64
}

// Extractor produces snippets.
type Extractor interface {
	Extract(ctx context.Context, src Source, startSec, endSec float64) (Result, error)
}

// Transcoder trims audio files on local disk.
type Transcoder interface {
	// Supports reports whether the transcoder can read contentType.
	Supports(contentType string) bool
	// Trim writes [startSec, endSec) of inputPath to outputPath and returns the output content type.
	Trim(ctx context.Context, inputPath, outputPath string, startSec, endSec float64) (string, error)
	// Probe returns the duration of an audio file in seconds.
	Probe(ctx context.Context, path string) (float64, error)
}

// ValidateInterval checks 0 <= start < end <= duration + Epsilon.
func ValidateInterval(startSec, endSec, durationSec float64) error {
	for _, v := range []float64{startSec, endSec, durationSec} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite bound: %w", ErrInvalidInterval)
		}
	}
	if startSec < 0 || startSec >= endSec || endSec > durationSec+Epsilon {
		return fmt.Errorf("[%.3f, %.3f) of %.3fs: %w", startSec, endSec, durationSec, ErrInvalidInterval)
	}
	return nil
}

// ContentExtractor reads sources from and writes snippets to a ContentStore.
type ContentExtractor struct {
	store      storage.ContentStore
	transcoder Transcoder
	workDir    string
}

// NewContentExtractor builds an extractor. An empty workDir uses the OS temp dir.
func NewContentExtractor(store storage.ContentStore, transcoder Transcoder, workDir string) *ContentExtractor {
	return &ContentExtractor{store: store, transcoder: transcoder, workDir: workDir}
}

func failed(stage string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrExtractionFailed, stage, err)
}

func (e *ContentExtractor) Extract(ctx context.Context, src Source, startSec, endSec float64) (Result, error) {
	if err := ValidateInterval(startSec, endSec, src.DurationSec); err != nil {
		return Result{}, err
	}
	if endSec > src.DurationSec {
		endSec = src.DurationSec
	}

	dir, err := os.MkdirTemp(e.workDir, "excerpt-*")
	if err != nil {
		return Result{}, failed("create work dir", err)
	}
	defer os.RemoveAll(dir)

	inputPath := filepath.Join(dir, "source"+ExtensionFor(src.ContentType))
	if err := e.download(ctx, src.ContentRef, inputPath); err != nil {
		return Result{}, failed("download source", err)
	}

	outputPath := filepath.Join(dir, "snippet")
	contentType, err := e.transcoder.Trim(ctx, inputPath, outputPath, startSec, endSec)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, failed("trim", ctx.Err())
		}
		return Result{}, failed("trim", err)
	}

	duration, err := e.transcoder.Probe(ctx, outputPath)
	if err != nil {
		logger.Warn("could not probe snippet duration, using requested length",
			logger.String("source", src.ContentRef), logger.ErrorField(err))
		duration = endSec - startSec
	}

	out, err := os.Open(outputPath)
	if err != nil {
		return Result{}, failed("open snippet", err)
	}
	defer out.Close()

	hasher := storage.NewHasher()
	info, err := e.store.Put(ctx, io.TeeReader(out, hasher), contentType)
	if err != nil {
		return Result{}, failed("store snippet", err)
	}

	return Result{
		ContentRef:        info.Ref,
		ContentHash:       hex.EncodeToString(hasher.Sum(nil)),
		ContentType:       contentType,
		Size:              info.Size,
		ActualDurationSec: duration,
	}, nil
}

func (e *ContentExtractor) download(ctx context.Context, ref, path string) error {
	rc, err := e.store.RangeRead(ctx, ref, 0, -1)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ExtensionFor maps an audio content type to a file extension, or "" if unknown.
func ExtensionFor(contentType string) string {
	switch contentType {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/flac", "audio/x-flac":
		return ".flac"
	case "audio/mp4", "audio/aac", "audio/x-m4a":
		return ".m4a"
	case "audio/ogg":
		return ".ogg"
	default:
		return ""
	}
}

// MultiTranscoder delegates to the first transcoder that supports the input.
type MultiTranscoder struct {
	transcoders []Transcoder
}

// NewMultiTranscoder tries transcoders in order.
func NewMultiTranscoder(transcoders ...Transcoder) *MultiTranscoder {
	return &MultiTranscoder{transcoders: transcoders}
}

func (m *MultiTranscoder) pick(contentType string) (Transcoder, error) {
	for _, t := range m.transcoders {
		if t.Supports(contentType) {
			return t, nil
		}
	}
	return nil, fmt.Errorf("no transcoder for %q", contentType)
}

func (m *MultiTranscoder) Supports(contentType string) bool {
	_, err := m.pick(contentType)
	return err == nil
}

func (m *MultiTranscoder) Trim(ctx context.Context, inputPath, outputPath string, startSec, endSec float64) (string, error) {
	t, err := m.pick(ContentTypeOf(inputPath))
	if err != nil {
		return "", err
	}
	return t.Trim(ctx, inputPath, outputPath, startSec, endSec)
}

func (m *MultiTranscoder) Probe(ctx context.Context, path string) (float64, error) {
	var lastErr error
	for _, t := range m.transcoders {
		if !t.Supports(ContentTypeOf(path)) {
			continue
		}
		d, err := t.Probe(ctx, path)
		if err == nil {
			return d, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no transcoder can probe %s", filepath.Base(path))
	}
	return 0, lastErr
}

// ContentTypeOf guesses from the extension, falling back to a WAV header sniff.
func ContentTypeOf(path string) string {
	switch filepath.Ext(path) {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".flac":
		return "audio/flac"
	case ".m4a":
		return "audio/mp4"
	case ".ogg":
		return "audio/ogg"
	}
	if isWAV(path) {
		return "audio/wav"
	}
	return "application/octet-stream"
}
