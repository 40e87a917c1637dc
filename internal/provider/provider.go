// Package provider defines the uniform contract every STT vendor adapter
// must satisfy, independent of the vendor's own wire format.
package provider

import (
	"context"
	"fmt"
)

// Segment is one speaker turn in a transcription result.
type Segment struct {
	SpeakerID  string
	Text       string
	StartTime  float64
	EndTime    float64
	Confidence *float64
	Words      []Word
}

// Word is a single word-level timing entry, present only when a vendor
// supports word-granularity timestamps.
type Word struct {
	Text      string
	StartTime float64
	EndTime   float64
}

// Response is the canonical shape every adapter normalizes its vendor's
// reply into.
type Response struct {
	Text              string
	Segments          []Segment
	LanguageDetected  string
	Metadata          map[string]any
	ProcessingTimeMS  int64
}

// Config carries everything an adapter needs to build a vendor request for
// one chunk, including context-carry state from prior chunks in the job.
type Config struct {
	Language             string
	AdditionalLanguages   []string
	Prompt                string
	CustomVocabulary      []string
	Domain                string

	PreviousTranscriptContext string
	PreviousSpeakers          []string
	ChunkIndex                int

	DiarizationEnabled bool
	MinSpeakers        int
	MaxSpeakers         int

	IncludeTimestamps     bool
	TimestampGranularity  string // "segment" or "word"
	IncludeConfidence     bool

	AudioDurationSeconds float64
}

// Provider is the capability set the worker holds for any vendor.
// There is no base class: every adapter is a closed set of functions
// conforming to this interface, chosen by the static registry at build
// time (see Registry below).
type Provider interface {
	Transcribe(ctx context.Context, audio []byte, format string, cfg Config) (*Response, error)
	SupportsLanguage(code string) bool
	SupportsDiarization() bool
	Name() string
}

// RateLimitError signals the vendor returned a 429 or an equivalent
// quota/resource-exhausted condition. Always retryable; RetryAfter is the
// vendor's hint for how long to wait, when it provided one.
type RateLimitError struct {
	Provider   string
	RetryAfter *float64 // seconds, nil if the vendor gave no hint
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter != nil {
		return fmt.Sprintf("%s: rate limited, retry after %.1fs: %v", e.Provider, *e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s: rate limited: %v", e.Provider, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// Error is a vendor failure that is not a rate limit. Retryable marks
// transient server-class failures (5xx, connection reset, timeout); a
// false value marks permanent failures (auth, invalid input, content
// policy) that must abort the job immediately rather than retry.
type Error struct {
	Provider  string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// RealignSegments enforces spec behavior 4: segment (and word) timestamps
// must land in [0, audioDuration] on a best-effort basis. When the vendor's
// furthest timestamp overshoots audioDuration by more than 5%, every
// timestamp is proportionally rescaled by audioDuration/maxEnd; negative
// starts are then clamped to 0, and any degenerate end <= start collapses to
// start + 0.1s. Every adapter calls this on its parsed segments immediately
// before returning its Response, so the merger can assume the property
// holds.
func RealignSegments(segments []Segment, audioDuration float64) []Segment {
	if audioDuration <= 0 || len(segments) == 0 {
		return segments
	}

	maxEnd := 0.0
	for _, s := range segments {
		if s.EndTime > maxEnd {
			maxEnd = s.EndTime
		}
		for _, w := range s.Words {
			if w.EndTime > maxEnd {
				maxEnd = w.EndTime
			}
		}
	}

	scale := 1.0
	if maxEnd > audioDuration*1.05 {
		scale = audioDuration / maxEnd
	}

	out := make([]Segment, len(segments))
	for i, s := range segments {
		s.StartTime, s.EndTime = realignPair(s.StartTime*scale, s.EndTime*scale)
		if len(s.Words) > 0 {
			words := make([]Word, len(s.Words))
			for j, w := range s.Words {
				w.StartTime, w.EndTime = realignPair(w.StartTime*scale, w.EndTime*scale)
				words[j] = w
			}
			s.Words = words
		}
		out[i] = s
	}
	return out
}

func realignPair(start, end float64) (float64, float64) {
	if start < 0 {
		start = 0
	}
	if end < 0 {
		end = 0
	}
	if end <= start {
		end = start + 0.1
	}
	return start, end
}

// Factory builds a Provider instance from an API key and endpoint. The
// registry is a static map from name to factory, resolved at build time —
// there is no runtime plugin discovery; every adapter is known ahead of time.
type Factory func(apiKey string, endpoint string) (Provider, error)

// Registry is the build-time set of known provider factories, keyed by the
// name used in job configuration and rate-limiter configuration.
var Registry = map[string]Factory{}

// Register adds a factory to the registry. Called from each adapter
// package's init(), so importing an adapter package for its side effect is
// what makes it available — the registry itself never reaches out to
// discover adapters.
func Register(name string, f Factory) {
	Registry[name] = f
}
