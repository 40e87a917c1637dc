package merger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidarakelyan/stt-pipeline/internal/provider"
)

func TestMerge_SingleChunk(t *testing.T) {
	m := New()

	results := []ChunkResult{
		{
			Segments: []provider.Segment{
				{SpeakerID: "spk_0", Text: "hello there", StartTime: 0, EndTime: 2},
			},
		},
	}
	spans := []ChunkSpan{{StartTime: 0, EndTime: 5, Duration: 5}}

	out := m.Merge(results, spans)

	require.Equal(t, "hello there", out.FullText)
	require.Equal(t, 1, out.Metadata.ChunksMerged)
	require.Equal(t, 0, out.Metadata.DedupRemoved)
	require.Len(t, out.Segments, 1)
	assert.Equal(t, "SPEAKER_00", out.Segments[0].SpeakerID)
}

func TestMerge_OffsetsSecondChunk(t *testing.T) {
	m := New()

	results := []ChunkResult{
		{Segments: []provider.Segment{{SpeakerID: "A", Text: "first chunk text here", StartTime: 0, EndTime: 9}}},
		{Segments: []provider.Segment{{SpeakerID: "B", Text: "second chunk text", StartTime: 0, EndTime: 5}}},
	}
	spans := []ChunkSpan{
		{StartTime: 0, EndTime: 10, Duration: 10},
		{StartTime: 10, EndTime: 20, Duration: 10},
	}

	out := m.Merge(results, spans)

	require.Len(t, out.Segments, 2)
	assert.Equal(t, 10.0, out.Segments[1].StartTime)
	assert.Equal(t, 15.0, out.Segments[1].EndTime)
	assert.Equal(t, "SPEAKER_00", out.Segments[0].SpeakerID)
	assert.Equal(t, "SPEAKER_01", out.Segments[1].SpeakerID)
}

func TestMerge_DeduplicatesSimilarOverlap(t *testing.T) {
	m := New()

	results := []ChunkResult{
		{Segments: []provider.Segment{{SpeakerID: "A", Text: "the quick brown fox jumps", StartTime: 7, EndTime: 10.5}}},
		{Segments: []provider.Segment{{SpeakerID: "A", Text: "the quick brown fox jumps over", StartTime: 0, EndTime: 3}}},
	}
	spans := []ChunkSpan{
		{StartTime: 0, EndTime: 10, Duration: 10},
		{StartTime: 8, EndTime: 18, Duration: 10},
	}

	out := m.Merge(results, spans)

	require.Len(t, out.Segments, 1)
	assert.Equal(t, "the quick brown fox jumps over", out.Segments[0].Text)
	assert.Equal(t, 1, out.Metadata.DedupRemoved)
}

func TestMerge_TruncatesOnDissimilarOverlap(t *testing.T) {
	m := New()

	results := []ChunkResult{
		{Segments: []provider.Segment{{SpeakerID: "A", Text: "completely different words here", StartTime: 7, EndTime: 10.5}}},
		{Segments: []provider.Segment{{SpeakerID: "B", Text: "nothing alike at all whatsoever", StartTime: 0, EndTime: 3}}},
	}
	spans := []ChunkSpan{
		{StartTime: 0, EndTime: 10, Duration: 10},
		{StartTime: 8, EndTime: 18, Duration: 10},
	}

	out := m.Merge(results, spans)

	require.Len(t, out.Segments, 2)
	assert.Equal(t, 8.0, out.Segments[0].EndTime)   // truncated prev end to this start
	assert.Equal(t, 8.0, out.Segments[1].StartTime) // chunk offset applied
}

func TestTextsSimilar(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"exact match", "hello world", "hello world", true},
		{"disjoint tokens", "abc def ghi", "xyz uvw rst", false},
		{"case fold", "Hello World", "hello world", true},
		{"substring containment", "the quick brown fox jumps", "quick brown fox jumps", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := textsSimilar(tt.a, tt.b, DefaultSimilarityThreshold)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTextsSimilar_ReflexiveAndSymmetric(t *testing.T) {
	inputs := []string{"hello there friend", "մեկ երկու երեք", "completely unrelated phrase"}

	for _, s := range inputs {
		assert.True(t, textsSimilar(s, s, DefaultSimilarityThreshold), "reflexive on %q", s)
	}

	a, b := "some phrase to compare", "another unrelated phrase entirely"
	assert.Equal(t, textsSimilar(a, b, DefaultSimilarityThreshold), textsSimilar(b, a, DefaultSimilarityThreshold))
}

func TestNormalizeSpeakers_Bijection(t *testing.T) {
	m := New()
	segments := []MergedSegment{
		{SpeakerID: "raw_c", StartTime: 0, EndTime: 1},
		{SpeakerID: "raw_a", StartTime: 1, EndTime: 2},
		{SpeakerID: "raw_c", StartTime: 2, EndTime: 3},
		{SpeakerID: "raw_b", StartTime: 3, EndTime: 4},
	}

	out := m.normalizeSpeakers(segments)

	assert.Equal(t, "SPEAKER_00", out[0].SpeakerID) // raw_c, first appearance
	assert.Equal(t, "SPEAKER_01", out[1].SpeakerID) // raw_a
	assert.Equal(t, "SPEAKER_00", out[2].SpeakerID) // raw_c again
	assert.Equal(t, "SPEAKER_02", out[3].SpeakerID) // raw_b
}

func TestValidateChunkCompleteness_Warnings(t *testing.T) {
	m := New()

	results := []ChunkResult{
		{Segments: []provider.Segment{{Text: "too short."}}},
		{Segments: []provider.Segment{{Text: "no terminal punctuation"}}},
		{Segments: []provider.Segment{{Text: "fine."}}, Metadata: map[string]any{"fallback": "regex"}},
	}
	spans := []ChunkSpan{
		{Duration: 90},
		{Duration: 10},
		{Duration: 10},
	}

	warnings := m.validateChunkCompleteness(results, spans)

	require.Len(t, warnings, 3)
	assert.Contains(t, warnings[0], "suspiciously short")
	assert.Contains(t, warnings[1], "punctuation")
	assert.Contains(t, warnings[2], "fallback regex")
}
