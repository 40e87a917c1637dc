// Package assemblyai adapts the AssemblyAI upload/transcript/poll API to
// the provider.Provider contract, modeled closely on the upstream
// assemblyai-go client's request/poll/transform shape.
package assemblyai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/davidarakelyan/stt-pipeline/internal/provider"
)

func init() {
	provider.Register("assemblyai", func(apiKey, endpoint string) (provider.Provider, error) {
		return New(apiKey, WithBaseURL(endpoint))
	})
}

// BaseURL is the default AssemblyAI API base URL.
const BaseURL = "https://api.assemblyai.com/v2"

var supportedLanguages = map[string]bool{
	"en": true, "hy": false, "ru": true, "es": true, "fr": true, "de": true, "it": true,
}

// Client is an AssemblyAI API client scoped to transcription.
type Client struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL for the client.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = baseURL
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithPollInterval overrides the default transcript-status poll interval.
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// New creates an AssemblyAI-backed provider.Provider.
func New(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("assemblyai: api key is required")
	}
	c := &Client{
		apiKey:       apiKey,
		baseURL:      BaseURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		pollInterval: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ provider.Provider = (*Client)(nil)

func (c *Client) Name() string { return "assemblyai" }

func (c *Client) SupportsLanguage(code string) bool { return supportedLanguages[code] }

func (c *Client) SupportsDiarization() bool { return true }

type apiError struct {
	Message    string `json:"error"`
	StatusCode int    `json:"-"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("assemblyai api error (status %d): %s", e.StatusCode, e.Message)
}

type uploadResponse struct {
	UploadURL string `json:"upload_url"`
}

type transcriptRequest struct {
	AudioURL         string   `json:"audio_url"`
	LanguageCode     string   `json:"language_code,omitempty"`
	SpeakerLabels    bool     `json:"speaker_labels,omitempty"`
	SpeakersExpected int      `json:"speakers_expected,omitempty"`
	WordBoost        []string `json:"word_boost,omitempty"`
}

type word struct {
	Start   int     `json:"start"`
	End     int     `json:"end"`
	Text    string  `json:"text"`
	Speaker *string `json:"speaker,omitempty"`
}

type utterance struct {
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Text    string `json:"text"`
	Speaker string `json:"speaker"`
}

type transcript struct {
	ID           string      `json:"id"`
	Status       string      `json:"status"`
	LanguageCode string      `json:"language_code"`
	Text         *string     `json:"text"`
	Words        []word      `json:"words"`
	Utterances   []utterance `json:"utterances"`
	Error        *string     `json:"error"`
}

// Transcribe uploads the chunk's raw audio, creates a transcript request,
// and polls until AssemblyAI finishes processing it.
func (c *Client) Transcribe(ctx context.Context, audio []byte, format string, cfg provider.Config) (*provider.Response, error) {
	uploadURL, err := c.upload(ctx, audio)
	if err != nil {
		return nil, err
	}

	req := transcriptRequest{
		AudioURL:      uploadURL,
		LanguageCode:  cfg.Language,
		SpeakerLabels: cfg.DiarizationEnabled,
		WordBoost:     cfg.CustomVocabulary,
	}
	if cfg.MaxSpeakers > 0 {
		req.SpeakersExpected = cfg.MaxSpeakers
	}

	t, err := c.createTranscript(ctx, req)
	if err != nil {
		return nil, err
	}

	t, err = c.waitForTranscript(ctx, t.ID)
	if err != nil {
		return nil, err
	}

	if t.Status == "error" {
		msg := "unknown error"
		if t.Error != nil {
			msg = *t.Error
		}
		return nil, &provider.Error{Provider: "assemblyai", Retryable: false, Err: errors.New(msg)}
	}

	out := toResponse(t)
	out.Segments = provider.RealignSegments(out.Segments, cfg.AudioDurationSeconds)
	return out, nil
}

func (c *Client) upload(ctx context.Context, audio []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", bytes.NewReader(audio))
	if err != nil {
		return "", fmt.Errorf("assemblyai: build upload request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &provider.Error{Provider: "assemblyai", Retryable: true, Err: err}
	}

	var out uploadResponse
	if err := c.handleResponse(resp, &out); err != nil {
		return "", err
	}
	return out.UploadURL, nil
}

func (c *Client) createTranscript(ctx context.Context, body transcriptRequest) (*transcript, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("assemblyai: marshal transcript request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcript", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("assemblyai: build transcript request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &provider.Error{Provider: "assemblyai", Retryable: true, Err: err}
	}

	var t transcript
	if err := c.handleResponse(resp, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) getTranscript(ctx context.Context, id string) (*transcript, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/transcript/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("assemblyai: build poll request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &provider.Error{Provider: "assemblyai", Retryable: true, Err: err}
	}

	var t transcript
	if err := c.handleResponse(resp, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) waitForTranscript(ctx context.Context, id string) (*transcript, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, &provider.Error{Provider: "assemblyai", Retryable: false, Err: ctx.Err()}
		case <-ticker.C:
			t, err := c.getTranscript(ctx, id)
			if err != nil {
				return nil, err
			}
			switch t.Status {
			case "completed", "error":
				return t, nil
			default:
				continue
			}
		}
	}
}

func (c *Client) handleResponse(resp *http.Response, target any) error {
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &provider.Error{Provider: "assemblyai", Retryable: true, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return &provider.RateLimitError{Provider: "assemblyai", Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return &provider.Error{Provider: "assemblyai", Retryable: false, Err: errors.New("auth error: invalid api key")}
	}
	if resp.StatusCode >= 500 {
		return &provider.Error{Provider: "assemblyai", Retryable: true, Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if err := json.Unmarshal(body, &apiErr); err != nil {
			return &provider.Error{Provider: "assemblyai", Retryable: false, Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
		}
		apiErr.StatusCode = resp.StatusCode
		return &provider.Error{Provider: "assemblyai", Retryable: false, Err: &apiErr}
	}

	if target != nil {
		if err := json.Unmarshal(body, target); err != nil {
			return &provider.Error{Provider: "assemblyai", Retryable: false, Err: fmt.Errorf("unmarshal response: %w", err)}
		}
	}
	return nil
}

func toResponse(t *transcript) *provider.Response {
	segments := make([]provider.Segment, len(t.Utterances))
	for i, u := range t.Utterances {
		segments[i] = provider.Segment{
			SpeakerID: "SPEAKER_" + u.Speaker,
			Text:      u.Text,
			StartTime: float64(u.Start) / 1000,
			EndTime:   float64(u.End) / 1000,
		}
	}

	text := ""
	if t.Text != nil {
		text = *t.Text
	}

	return &provider.Response{
		Text:             text,
		Segments:         segments,
		LanguageDetected: t.LanguageCode,
	}
}
