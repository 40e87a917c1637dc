package assemblyai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/davidarakelyan/stt-pipeline/internal/provider"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty api key")
	}
}

func TestTranscribe_UploadsCreatesAndPolls(t *testing.T) {
	var pollCount int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/upload"):
			fmt.Fprint(w, `{"upload_url":"https://cdn.assemblyai.com/upload/abc"}`)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/transcript"):
			var req transcriptRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.AudioURL != "https://cdn.assemblyai.com/upload/abc" {
				t.Errorf("unexpected audio url: %s", req.AudioURL)
			}
			fmt.Fprint(w, `{"id":"t1","status":"queued"}`)
		case strings.Contains(r.URL.Path, "/transcript/t1"):
			pollCount++
			if pollCount < 2 {
				fmt.Fprint(w, `{"id":"t1","status":"processing"}`)
				return
			}
			text := "hello world"
			fmt.Fprintf(w, `{"id":"t1","status":"completed","language_code":"en","text":%q,"utterances":[{"start":0,"end":1500,"text":"hello world","speaker":"A"}]}`, text)
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	c, _ := New("key", WithBaseURL(server.URL), WithPollInterval(5*time.Millisecond))
	resp, err := c.Transcribe(context.Background(), []byte("audio"), "wav", provider.Config{Language: "en"})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if len(resp.Segments) != 1 || resp.Segments[0].SpeakerID != "SPEAKER_A" {
		t.Errorf("unexpected segments: %+v", resp.Segments)
	}
	if resp.Segments[0].StartTime != 0 || resp.Segments[0].EndTime != 1.5 {
		t.Errorf("unexpected timing: %+v", resp.Segments[0])
	}
}

func TestTranscribe_TranscriptError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/upload"):
			fmt.Fprint(w, `{"upload_url":"https://cdn.assemblyai.com/upload/abc"}`)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/transcript"):
			fmt.Fprint(w, `{"id":"t1","status":"queued"}`)
		case strings.Contains(r.URL.Path, "/transcript/t1"):
			fmt.Fprint(w, `{"id":"t1","status":"error","error":"invalid audio format"}`)
		}
	}))
	defer server.Close()

	c, _ := New("key", WithBaseURL(server.URL), WithPollInterval(5*time.Millisecond))
	_, err := c.Transcribe(context.Background(), []byte("audio"), "wav", provider.Config{})
	pe, ok := err.(*provider.Error)
	if !ok || pe.Retryable {
		t.Fatalf("expected non-retryable provider.Error, got %v", err)
	}
}

func TestTranscribe_RateLimitedOnUpload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c, _ := New("key", WithBaseURL(server.URL))
	_, err := c.Transcribe(context.Background(), []byte("audio"), "wav", provider.Config{})
	if _, ok := err.(*provider.RateLimitError); !ok {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
}
