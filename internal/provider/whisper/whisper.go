// Package whisper adapts an OpenAI-compatible Whisper transcription
// endpoint to the provider.Provider contract. Whisper has no native
// diarization, so segments are emitted single-speaker.
package whisper

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
	provider.Register("whisper", func(apiKey, endpoint string) (provider.Provider, error) {
		return New(apiKey, WithBaseURL(endpoint))
	})
}

var supportedLanguages = map[string]bool{
	"en": true, "hy": true, "ru": true, "es": true, "fr": true, "de": true,
	"it": true, "pt": true, "nl": true, "tr": true, "pl": true,
}

// Client talks to a Whisper-compatible transcription endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
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

// WithModel overrides the default model name.
func WithModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a Whisper-backed provider.Provider.
func New(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("whisper: api key is required")
	}
	c := &Client{
		apiKey:     apiKey,
		baseURL:    "https://api.openai.com/v1",
		model:      "whisper-1",
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ provider.Provider = (*Client)(nil)

func (c *Client) Name() string { return "whisper" }

func (c *Client) SupportsLanguage(code string) bool { return supportedLanguages[code] }

func (c *Client) SupportsDiarization() bool { return false }

type verboseJSONResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		Text  string  `json:"text"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"segments"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Transcribe uploads audio via the standard OpenAI-compatible multipart
// transcription endpoint, requesting segment-level timestamps.
func (c *Client) Transcribe(ctx context.Context, audio []byte, format string, cfg provider.Config) (*provider.Response, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "chunk."+format)
	if err != nil {
		return nil, fmt.Errorf("whisper: build multipart: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return nil, fmt.Errorf("whisper: write audio part: %w", err)
	}
	_ = mw.WriteField("model", c.model)
	_ = mw.WriteField("response_format", "verbose_json")
	if cfg.Language != "" {
		_ = mw.WriteField("language", cfg.Language)
	}
	if cfg.Prompt != "" {
		_ = mw.WriteField("prompt", cfg.Prompt)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("whisper: close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return nil, fmt.Errorf("whisper: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &provider.Error{Provider: "whisper", Retryable: true, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &provider.Error{Provider: "whisper", Retryable: true, Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &provider.RateLimitError{Provider: "whisper", Err: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &provider.Error{Provider: "whisper", Retryable: false, Err: errors.New("auth error: invalid api key")}
	}
	if resp.StatusCode >= 500 {
		return nil, &provider.Error{Provider: "whisper", Retryable: true, Err: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	}
	if resp.StatusCode >= 400 {
		var errResp errorResponse
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error.Message
		if msg == "" {
			msg = string(respBody)
		}
		return nil, &provider.Error{Provider: "whisper", Retryable: false, Err: errors.New(msg)}
	}

	var parsed verboseJSONResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &provider.Error{Provider: "whisper", Retryable: false, Err: fmt.Errorf("unmarshal response: %w", err)}
	}

	segments := make([]provider.Segment, len(parsed.Segments))
	for i, s := range parsed.Segments {
		segments[i] = provider.Segment{SpeakerID: "SPEAKER_00", Text: s.Text, StartTime: s.Start, EndTime: s.End}
	}

	return &provider.Response{
		Text:             parsed.Text,
		Segments:         provider.RealignSegments(segments, cfg.AudioDurationSeconds),
		LanguageDetected: parsed.Language,
	}, nil
}
