// Package elevenlabs adapts ElevenLabs' speech-to-text endpoint to the
// provider.Provider contract.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/davidarakelyan/stt-pipeline/internal/provider"
)

func init() {
	provider.Register("elevenlabs", func(apiKey, endpoint string) (provider.Provider, error) {
		return New(apiKey, WithBaseURL(endpoint))
	})
}

var supportedLanguages = map[string]bool{
	"en": true, "hy": true, "ru": true, "es": true, "fr": true, "de": true, "it": true, "pt": true,
}

// Client talks to ElevenLabs' speech-to-text API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates an ElevenLabs-backed provider.Provider.
func New(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: api key is required")
	}
	c := &Client{
		apiKey:     apiKey,
		baseURL:    "https://api.elevenlabs.io/v1",
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ provider.Provider = (*Client)(nil)

func (c *Client) Name() string { return "elevenlabs" }

func (c *Client) SupportsLanguage(code string) bool { return supportedLanguages[code] }

func (c *Client) SupportsDiarization() bool { return true }

type speechToTextResponse struct {
	LanguageCode string `json:"language_code"`
	Text         string `json:"text"`
	Words        []struct {
		Text    string  `json:"text"`
		Start   float64 `json:"start"`
		End     float64 `json:"end"`
		Speaker string  `json:"speaker_id"`
		Type    string  `json:"type"` // "word" or "spacing"
	} `json:"words"`
	DetailedResponse struct{} `json:"-"`
}

// Transcribe uploads audio as multipart form data to the speech-to-text
// endpoint and groups word-level output into per-speaker segments.
func (c *Client) Transcribe(ctx context.Context, audio []byte, format string, cfg provider.Config) (*provider.Response, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "chunk."+format)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build multipart: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return nil, fmt.Errorf("elevenlabs: write audio part: %w", err)
	}
	_ = mw.WriteField("model_id", "scribe_v1")
	if cfg.Language != "" {
		_ = mw.WriteField("language_code", cfg.Language)
	}
	if cfg.DiarizationEnabled {
		_ = mw.WriteField("diarize", "true")
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("elevenlabs: close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/speech-to-text", &body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &provider.Error{Provider: "elevenlabs", Retryable: true, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &provider.Error{Provider: "elevenlabs", Retryable: true, Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		var retryAfter *float64
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			var secs float64
			if _, scanErr := fmt.Sscanf(ra, "%f", &secs); scanErr == nil {
				retryAfter = &secs
			}
		}
		return nil, &provider.RateLimitError{Provider: "elevenlabs", RetryAfter: retryAfter, Err: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &provider.Error{Provider: "elevenlabs", Retryable: false, Err: fmt.Errorf("auth error: status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 500 {
		return nil, &provider.Error{Provider: "elevenlabs", Retryable: true, Err: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	}
	if resp.StatusCode >= 400 {
		return nil, &provider.Error{Provider: "elevenlabs", Retryable: false, Err: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	}

	var parsed speechToTextResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &provider.Error{Provider: "elevenlabs", Retryable: false, Err: fmt.Errorf("unmarshal response: %w", err)}
	}

	return &provider.Response{
		Text:             parsed.Text,
		Segments:         provider.RealignSegments(groupWordsIntoSegments(parsed.Words), cfg.AudioDurationSeconds),
		LanguageDetected: parsed.LanguageCode,
	}, nil
}

func groupWordsIntoSegments(words []struct {
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker_id"`
	Type    string  `json:"type"`
}) []provider.Segment {
	var segments []provider.Segment
	var current *provider.Segment

	for _, w := range words {
		if w.Type != "word" {
			continue
		}
		speaker := w.Speaker
		if speaker == "" {
			speaker = "SPEAKER_00"
		}

		if current == nil || current.SpeakerID != speaker {
			if current != nil {
				segments = append(segments, *current)
			}
			current = &provider.Segment{SpeakerID: speaker, StartTime: w.Start}
		}
		if current.Text != "" {
			current.Text += " "
		}
		current.Text += w.Text
		current.EndTime = w.End
		current.Words = append(current.Words, provider.Word{Text: w.Text, StartTime: w.Start, EndTime: w.End})
	}
	if current != nil {
		segments = append(segments, *current)
	}
	return segments
}
