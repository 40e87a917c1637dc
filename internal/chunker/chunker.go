// Package chunker probes media files and splits them into bounded,
// overlapping audio chunks for per-chunk transcription.
package chunker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/gabriel-vasile/mimetype"
)

// Errors returned by the chunker. All are fatal for the job.
var (
	ErrInvalidMedia      = fmt.Errorf("invalid media: container is unreadable")
	ErrUnsupportedFormat = fmt.Errorf("unsupported format: extension not on whitelist")
	ErrChunkIO           = fmt.Errorf("chunk io: transcoder failed")
)

// Metadata is what probe() returns.
type Metadata struct {
	DurationSeconds float64
	Codec           string
	SampleRate      int
	Channels        int
	BitRate         int64
	SizeBytes       int64
}

// Descriptor is one ordered slice of the source audio, with a local file
// path the worker will feed to a provider.
type Descriptor struct {
	Index     int
	StartTime float64
	EndTime   float64
	FilePath  string
	SizeBytes int64
}

func (d Descriptor) Duration() float64 { return d.EndTime - d.StartTime }

// Options tunes the chunk boundary policy.
type Options struct {
	MaxChunkDuration float64 // default 600s
	OverlapDuration  float64 // default 3s
}

// DefaultOptions returns the recognized default boundary policy.
func DefaultOptions() Options {
	return Options{MaxChunkDuration: 600, OverlapDuration: 3.0}
}

// Chunker wraps ffmpeg/ffprobe via os/exec.
type Chunker struct {
	ffmpegPath  string
	ffprobePath string
	opts        Options
}

// New creates a Chunker. Empty paths default to "ffmpeg"/"ffprobe" found on
// PATH.
func New(ffmpegPath, ffprobePath string, opts Options) *Chunker {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Chunker{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, opts: opts}
}

var videoMIMETypes = []string{"video/mp4", "video/webm", "video/x-matroska", "video/quicktime", "video/x-msvideo"}

// IsVideo sniffs the actual container type rather than trusting the
// client-supplied filename extension, using gabriel-vasile/mimetype.
func IsVideo(path string) (bool, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidMedia, err)
	}
	for _, v := range videoMIMETypes {
		if mtype.Is(v) {
			return true, nil
		}
	}
	return false, nil
}

// Probe reads duration/codec/sample_rate/channels/bit_rate/size. Fails
// with ErrInvalidMedia if the container can't be parsed.
func (c *Chunker) Probe(ctx context.Context, path string) (Metadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrInvalidMedia, err)
	}

	cmd := exec.CommandContext(ctx, c.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration,bit_rate:stream=sample_rate,channels,codec_name",
		"-of", "default=noprint_wrappers=1",
		path,
	)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Metadata{}, fmt.Errorf("%w: ffprobe: %s", ErrInvalidMedia, stderr.String())
	}

	meta := Metadata{SizeBytes: info.Size(), Channels: 2, SampleRate: 44100, Codec: "unknown"}
	fields := parseKeyValueLines(out.String())
	if v, ok := fields["duration"]; ok {
		meta.DurationSeconds, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := fields["bit_rate"]; ok {
		meta.BitRate, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := fields["sample_rate"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			meta.SampleRate = n
		}
	}
	if v, ok := fields["channels"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			meta.Channels = n
		}
	}
	if v, ok := fields["codec_name"]; ok {
		meta.Codec = v
	}

	if meta.DurationSeconds <= 0 {
		return Metadata{}, fmt.Errorf("%w: zero-length or unreadable duration", ErrInvalidMedia)
	}

	return meta, nil
}

func parseKeyValueLines(s string) map[string]string {
	out := make(map[string]string)
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\n' {
			line := s[start:i]
			start = i + 1
			eq := -1
			for j := 0; j < len(line); j++ {
				if line[j] == '=' {
					eq = j
					break
				}
			}
			if eq > 0 {
				key := line[:eq]
				val := line[eq+1:]
				if _, exists := out[key]; !exists && val != "N/A" {
					out[key] = val
				}
			}
		}
	}
	return out
}

// ExtractAudio demuxes a video file to 16kHz mono PCM WAV. Output is
// deterministic for a given input.
func (c *Chunker) ExtractAudio(ctx context.Context, videoPath, outputPath string) error {
	cmd := exec.CommandContext(ctx, c.ffmpegPath,
		"-y", "-i", videoPath,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		outputPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", ErrChunkIO, stderr.String())
	}
	if info, statErr := os.Stat(outputPath); statErr != nil || info.Size() == 0 {
		return fmt.Errorf("%w: audio extraction produced no output", ErrChunkIO)
	}
	return nil
}

// NormalizeToWAV always re-encodes to 16kHz mono PCM, so every provider
// sees the same codec profile regardless of the source format.
func (c *Chunker) NormalizeToWAV(ctx context.Context, inputPath, outputPath string) error {
	cmd := exec.CommandContext(ctx, c.ffmpegPath,
		"-y", "-i", inputPath,
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		outputPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", ErrChunkIO, stderr.String())
	}
	return nil
}

// CalculateBoundaries computes fixed-duration chunk boundaries with
// overlap, trimming the final chunk to the true recording length and
// pulling each successive start back by the overlap so neighboring
// chunks share trailing/leading audio for merge-time deduplication.
func (c *Chunker) CalculateBoundaries(duration float64) []Descriptor {
	if duration <= c.opts.MaxChunkDuration {
		return []Descriptor{{Index: 0, StartTime: 0, EndTime: duration}}
	}

	var boundaries []Descriptor
	currentStart := 0.0
	index := 0

	for currentStart < duration {
		chunkEnd := currentStart + c.opts.MaxChunkDuration
		if chunkEnd > duration {
			chunkEnd = duration
		}
		boundaries = append(boundaries, Descriptor{Index: index, StartTime: currentStart, EndTime: chunkEnd})
		index++

		if chunkEnd >= duration {
			break
		}
		currentStart = chunkEnd - c.opts.OverlapDuration
	}

	return boundaries
}

// Chunk probes the audio, computes boundaries, and cuts each chunk to its
// own file in outputDir.
func (c *Chunker) Chunk(ctx context.Context, audioPath, outputDir string) ([]Descriptor, Metadata, error) {
	meta, err := c.Probe(ctx, audioPath)
	if err != nil {
		return nil, Metadata{}, err
	}

	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		return nil, Metadata{}, fmt.Errorf("%w: %v", ErrChunkIO, err)
	}

	boundaries := c.CalculateBoundaries(meta.DurationSeconds)

	for i := range boundaries {
		outPath := filepath.Join(outputDir, fmt.Sprintf("chunk_%04d.wav", boundaries[i].Index))
		if err := c.extractChunk(ctx, audioPath, outPath, boundaries[i].StartTime, boundaries[i].EndTime); err != nil {
			return nil, Metadata{}, err
		}
		if info, statErr := os.Stat(outPath); statErr == nil {
			boundaries[i].SizeBytes = info.Size()
		}
		boundaries[i].FilePath = outPath
	}

	return boundaries, meta, nil
}

func (c *Chunker) extractChunk(ctx context.Context, inputPath, outputPath string, start, end float64) error {
	duration := end - start
	cmd := exec.CommandContext(ctx, c.ffmpegPath,
		"-y",
		"-ss", fmt.Sprintf("%f", start),
		"-i", inputPath,
		"-t", fmt.Sprintf("%f", duration),
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		outputPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", ErrChunkIO, stderr.String())
	}
	return nil
}

// Cleanup best-effort removes chunk files and their (now empty) directory.
func Cleanup(chunks []Descriptor) {
	var dir string
	for _, ch := range chunks {
		if ch.FilePath == "" {
			continue
		}
		dir = filepath.Dir(ch.FilePath)
		_ = os.Remove(ch.FilePath)
	}
	if dir != "" {
		_ = os.Remove(dir)
	}
}
