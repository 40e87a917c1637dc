// Package merger stitches per-chunk transcription results into one
// diarized transcript.
package merger

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"github.com/davidarakelyan/stt-pipeline/internal/provider"
)

// DefaultOverlapThresholdSeconds is the amount of overlap, at a chunk
// boundary, that triggers the dedup scan.
const DefaultOverlapThresholdSeconds = 2.0

// DefaultSimilarityThreshold is the default acceptance threshold for all
// four text-similarity signals.
const DefaultSimilarityThreshold = 0.8

// ChunkResult is one chunk's transcription output, already in the
// per-chunk-local time frame (i.e. not yet offset onto the recording's
// global clock).
type ChunkResult struct {
	Segments         []provider.Segment
	LanguageDetected string
	Metadata         map[string]any
}

// ChunkSpan describes where a chunk sits on the global recording clock.
type ChunkSpan struct {
	StartTime float64
	EndTime   float64
	Duration  float64
}

// MergedSegment is one line of the final transcript, on the global clock.
type MergedSegment struct {
	SpeakerID  string
	Text       string
	StartTime  float64
	EndTime    float64
	Confidence *float64
	Words      []provider.Word
}

// SpeakerStat summarizes one speaker's contribution to the transcript.
type SpeakerStat struct {
	SpeakerID     string
	TotalDuration float64
	SegmentCount  int
}

// Metadata is the merge-run summary persisted alongside the transcript.
type Metadata struct {
	ChunksMerged  int
	TotalSegments int
	DedupRemoved  int
}

// Transcript is the full merged document, matching the transcript.json
// shape used by downstream consumers.
type Transcript struct {
	FullText string
	Segments []MergedSegment
	Speakers []SpeakerStat
	Metadata Metadata
	Warnings []string
}

// Merger merges chunk results into one transcript.
type Merger struct {
	OverlapThresholdSeconds float64
	SimilarityThreshold     float64
}

// New returns a Merger configured with the recognized defaults.
func New() *Merger {
	return &Merger{
		OverlapThresholdSeconds: DefaultOverlapThresholdSeconds,
		SimilarityThreshold:     DefaultSimilarityThreshold,
	}
}

// Merge stitches ordered per-chunk results into one document end to end.
func (m *Merger) Merge(results []ChunkResult, spans []ChunkSpan) Transcript {
	if len(results) == 0 {
		return Transcript{
			Warnings: []string{"no chunk results to merge"},
			Metadata: Metadata{},
		}
	}

	segments := m.extractSegments(results, spans)

	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].StartTime < segments[j].StartTime
	})

	deduped, removed := m.deduplicateOverlaps(segments)
	normalized := m.normalizeSpeakers(deduped)
	fullText := m.buildFullText(normalized)
	speakers := m.computeSpeakerStats(normalized)
	warnings := m.validateChunkCompleteness(results, spans)

	return Transcript{
		FullText: fullText,
		Segments: normalized,
		Speakers: speakers,
		Metadata: Metadata{
			ChunksMerged:  len(results),
			TotalSegments: len(normalized),
			DedupRemoved:  removed,
		},
		Warnings: warnings,
	}
}

// extractSegments offsets every segment (and its word-level entries, if
// present) by its chunk's start time, putting every timestamp onto the
// global recording clock. Missing speaker IDs default to "SPEAKER_00".
func (m *Merger) extractSegments(results []ChunkResult, spans []ChunkSpan) []MergedSegment {
	var out []MergedSegment

	for i, result := range results {
		offset := 0.0
		if i < len(spans) {
			offset = spans[i].StartTime
		}

		for _, seg := range result.Segments {
			speaker := seg.SpeakerID
			if speaker == "" {
				speaker = "SPEAKER_00"
			}

			words := make([]provider.Word, len(seg.Words))
			for wi, w := range seg.Words {
				words[wi] = provider.Word{
					Text:      w.Text,
					StartTime: w.StartTime + offset,
					EndTime:   w.EndTime + offset,
				}
			}
			if len(seg.Words) == 0 {
				words = nil
			}

			out = append(out, MergedSegment{
				SpeakerID:  speaker,
				Text:       strings.TrimSpace(seg.Text),
				StartTime:  seg.StartTime + offset,
				EndTime:    seg.EndTime + offset,
				Confidence: seg.Confidence,
				Words:      words,
			})
		}
	}

	return out
}

// deduplicateOverlaps scans left to right. When a segment starts more than
// OverlapThresholdSeconds before the previous emitted segment's end: if the
// two texts are similar, keep the longer one and drop the other; otherwise
// truncate the previous segment's end to this segment's start (a different
// speaker continued under the overlap) and keep both.
func (m *Merger) deduplicateOverlaps(segments []MergedSegment) ([]MergedSegment, int) {
	if len(segments) == 0 {
		return segments, 0
	}

	result := []MergedSegment{segments[0]}
	removed := 0

	for _, seg := range segments[1:] {
		prev := &result[len(result)-1]

		if seg.StartTime < prev.EndTime-m.OverlapThresholdSeconds {
			if textsSimilar(prev.Text, seg.Text, m.SimilarityThreshold) {
				if len(seg.Text) > len(prev.Text) {
					result[len(result)-1] = seg
				}
				removed++
				continue
			}

			if seg.StartTime > prev.StartTime {
				prev.EndTime = seg.StartTime
			}
		}

		result = append(result, seg)
	}

	return result, removed
}

// normalizeSpeakers assigns SPEAKER_00, SPEAKER_01, ... in order of first
// appearance, producing a bijection with the raw input speaker IDs.
func (m *Merger) normalizeSpeakers(segments []MergedSegment) []MergedSegment {
	mapping := make(map[string]string)
	out := make([]MergedSegment, len(segments))

	for i, seg := range segments {
		normalized, ok := mapping[seg.SpeakerID]
		if !ok {
			normalized = fmt.Sprintf("SPEAKER_%02d", len(mapping))
			mapping[seg.SpeakerID] = normalized
		}
		out[i] = seg
		out[i].SpeakerID = normalized
	}

	return out
}

// buildFullText concatenates segments; a speaker change starts a new line,
// otherwise a single space separates consecutive segments unless the prior
// text already ends in '.', '!', '?' or ','.
func (m *Merger) buildFullText(segments []MergedSegment) string {
	var b strings.Builder
	lastSpeaker := ""

	for i, seg := range segments {
		if i == 0 {
			b.WriteString(seg.Text)
			lastSpeaker = seg.SpeakerID
			continue
		}

		if seg.SpeakerID != lastSpeaker {
			b.WriteString("\n")
		} else if !endsInPunctuation(b.String()) {
			b.WriteString(" ")
		}

		b.WriteString(seg.Text)
		lastSpeaker = seg.SpeakerID
	}

	return b.String()
}

func endsInPunctuation(s string) bool {
	s = strings.TrimRight(s, " ")
	if s == "" {
		return true
	}
	last := s[len(s)-1]
	return last == '.' || last == '!' || last == '?' || last == ','
}

// computeSpeakerStats sums total seconds spoken and segment count per
// speaker, sorted by speaker ID.
func (m *Merger) computeSpeakerStats(segments []MergedSegment) []SpeakerStat {
	totals := make(map[string]float64)
	counts := make(map[string]int)
	var order []string

	for _, seg := range segments {
		if _, seen := totals[seg.SpeakerID]; !seen {
			order = append(order, seg.SpeakerID)
		}
		totals[seg.SpeakerID] += seg.EndTime - seg.StartTime
		counts[seg.SpeakerID]++
	}

	sort.Strings(order)

	stats := make([]SpeakerStat, 0, len(order))
	for _, speaker := range order {
		stats = append(stats, SpeakerStat{
			SpeakerID:     speaker,
			TotalDuration: roundTo2(totals[speaker]),
			SegmentCount:  counts[speaker],
		})
	}

	return stats
}

func roundTo2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}

// validateChunkCompleteness collects non-fatal warnings: a suspiciously
// short transcript for a long chunk, a missing terminal punctuation mark
// on the last segment (possible truncation), and a chunk whose metadata
// tags a fallback parse path.
func (m *Merger) validateChunkCompleteness(results []ChunkResult, spans []ChunkSpan) []string {
	var warnings []string

	for i, result := range results {
		duration := 0.0
		if i < len(spans) {
			duration = spans[i].Duration
		}

		totalLen := 0
		var lastText string
		for _, seg := range result.Segments {
			totalLen += len(seg.Text)
			lastText = seg.Text
		}

		if duration > 60 && totalLen < 100 {
			warnings = append(warnings, fmt.Sprintf("chunk %d: suspiciously short transcript for a %0.f s chunk", i, duration))
		}

		trimmed := strings.TrimSpace(lastText)
		if trimmed != "" && !endsInTerminalPunctuation(trimmed) {
			warnings = append(warnings, fmt.Sprintf("chunk %d: transcript doesn't end with punctuation, possible truncation", i))
		}

		if fallback, ok := result.Metadata["fallback"]; ok && fallback == "regex" {
			warnings = append(warnings, fmt.Sprintf("chunk %d: used fallback regex parsing", i))
		}
	}

	return warnings
}

func endsInTerminalPunctuation(s string) bool {
	if s == "" {
		return false
	}
	runes := []rune(s)
	last := runes[len(runes)-1]
	return last == '.' || last == '!' || last == '?' || last == '…'
}

// textsSimilar combines several similarity signals: any one
// of four signals above threshold accepts. Comparison is Unicode-aware
// case folding (golang.org/x/text/cases), not ASCII strings.ToLower,
// because Armenian is a first-class input script here.
func textsSimilar(a, b string, threshold float64) bool {
	caser := cases.Fold()
	ta := strings.TrimSpace(caser.String(a))
	tb := strings.TrimSpace(caser.String(b))

	if ta == tb {
		return true
	}
	if ta == "" || tb == "" {
		return false
	}

	if containmentRatio(ta, tb) >= threshold {
		return true
	}

	if jaccard(tokenSet(ta), tokenSet(tb)) >= threshold {
		return true
	}

	// Character trigrams are the only signal that reliably works for
	// Armenian, which tokenizes poorly on whitespace alone for some vendor
	// outputs.
	if jaccard(trigramSet(ta), trigramSet(tb)) >= threshold {
		return true
	}

	return false
}

func containmentRatio(a, b string) float64 {
	shorter, longer := a, b
	if len(a) > len(b) {
		shorter, longer = b, a
	}
	if !strings.Contains(longer, shorter) {
		return 0
	}
	if len(longer) == 0 {
		return 0
	}
	return float64(len(shorter)) / float64(len(longer))
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(s)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func trigramSet(s string) map[string]struct{} {
	s = strings.ReplaceAll(s, " ", "")
	runes := []rune(s)
	set := make(map[string]struct{})
	if len(runes) < 3 {
		if len(runes) > 0 {
			set[string(runes)] = struct{}{}
		}
		return set
	}
	for i := 0; i+3 <= len(runes); i++ {
		set[string(runes[i:i+3])] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	intersection := 0
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
