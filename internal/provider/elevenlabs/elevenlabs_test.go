package elevenlabs

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/davidarakelyan/stt-pipeline/internal/provider"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty api key")
	}
}

func TestSupportsDiarization(t *testing.T) {
	c, _ := New("key")
	if !c.SupportsDiarization() {
		t.Error("expected diarization support")
	}
}

func TestTranscribe_GroupsWordsBySpeaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "key" {
			t.Errorf("missing xi-api-key header")
		}
		fmt.Fprint(w, `{
			"language_code": "en",
			"text": "hi there bye now",
			"words": [
				{"text": "hi", "start": 0, "end": 0.3, "speaker_id": "SPEAKER_00", "type": "word"},
				{"text": "there", "start": 0.3, "end": 0.6, "speaker_id": "SPEAKER_00", "type": "word"},
				{"text": "bye", "start": 1.0, "end": 1.2, "speaker_id": "SPEAKER_01", "type": "word"},
				{"text": "now", "start": 1.2, "end": 1.4, "speaker_id": "SPEAKER_01", "type": "word"}
			]
		}`)
	}))
	defer server.Close()

	c, _ := New("key", WithBaseURL(server.URL))
	resp, err := c.Transcribe(context.Background(), []byte("audio"), "wav", provider.Config{DiarizationEnabled: true})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if len(resp.Segments) != 2 {
		t.Fatalf("expected 2 speaker segments, got %d", len(resp.Segments))
	}
	if resp.Segments[0].Text != "hi there" || resp.Segments[0].SpeakerID != "SPEAKER_00" {
		t.Errorf("unexpected first segment: %+v", resp.Segments[0])
	}
	if resp.Segments[1].Text != "bye now" || resp.Segments[1].SpeakerID != "SPEAKER_01" {
		t.Errorf("unexpected second segment: %+v", resp.Segments[1])
	}
}

func TestTranscribe_RateLimitedWithRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2.5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c, _ := New("key", WithBaseURL(server.URL))
	_, err := c.Transcribe(context.Background(), []byte("audio"), "wav", provider.Config{})
	rl, ok := err.(*provider.RateLimitError)
	if !ok {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rl.RetryAfter == nil || *rl.RetryAfter != 2.5 {
		t.Errorf("expected RetryAfter 2.5, got %v", rl.RetryAfter)
	}
}

func TestTranscribe_AuthErrorNotRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c, _ := New("key", WithBaseURL(server.URL))
	_, err := c.Transcribe(context.Background(), []byte("audio"), "wav", provider.Config{})
	pe, ok := err.(*provider.Error)
	if !ok || pe.Retryable {
		t.Fatalf("expected non-retryable provider.Error, got %v", err)
	}
}
