// Package hispeech adapts a speech-to-text vendor specialized for
// Armenian and regional-language transcription to the provider.Provider
// contract. HiSpeech has no published Go SDK; this client follows the
// same bearer-auth, JSON-request HTTP client shape used elsewhere in
// this module for vendors without one.
package hispeech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/davidarakelyan/stt-pipeline/internal/provider"
)

func init() {
	provider.Register("hispeech", func(apiKey, endpoint string) (provider.Provider, error) {
		return New(apiKey, WithBaseURL(endpoint))
	})
}

var supportedLanguages = map[string]bool{
	"hy": true, "en": true, "ru": true,
}

// Client talks to the HiSpeech transcription API.
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

// New creates a HiSpeech-backed provider.Provider.
func New(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("hispeech: api key is required")
	}
	c := &Client{
		apiKey:     apiKey,
		baseURL:    "https://api.hispeech.am/v1",
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ provider.Provider = (*Client)(nil)

func (c *Client) Name() string { return "hispeech" }

func (c *Client) SupportsLanguage(code string) bool { return supportedLanguages[code] }

func (c *Client) SupportsDiarization() bool { return true }

type transcribeRequest struct {
	Audio         string   `json:"audio"`
	Format        string   `json:"format"`
	Language      string   `json:"language,omitempty"`
	Diarize       bool     `json:"diarize"`
	MaxSpeakers   int      `json:"max_speakers,omitempty"`
	VocabularyHit []string `json:"vocabulary_hints,omitempty"`
}

type transcribeResponse struct {
	Language string `json:"language"`
	Segments []struct {
		SpeakerID string  `json:"speaker_id"`
		Text      string  `json:"text"`
		StartTime float64 `json:"start_time"`
		EndTime   float64 `json:"end_time"`
	} `json:"segments"`
	Error *string `json:"error,omitempty"`
}

// Transcribe sends base64-encoded audio with diarization and vocabulary
// hints in a single JSON request, matching the synchronous shape of the
// other direct-upload providers in this package.
func (c *Client) Transcribe(ctx context.Context, audio []byte, format string, cfg provider.Config) (*provider.Response, error) {
	req := transcribeRequest{
		Audio:         base64.StdEncoding.EncodeToString(audio),
		Format:        format,
		Language:      cfg.Language,
		Diarize:       cfg.DiarizationEnabled,
		MaxSpeakers:   cfg.MaxSpeakers,
		VocabularyHit: cfg.CustomVocabulary,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("hispeech: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcribe", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("hispeech: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &provider.Error{Provider: "hispeech", Retryable: true, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &provider.Error{Provider: "hispeech", Retryable: true, Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		var retryAfter *float64
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			var secs float64
			if _, scanErr := fmt.Sscanf(ra, "%f", &secs); scanErr == nil {
				retryAfter = &secs
			}
		}
		return nil, &provider.RateLimitError{Provider: "hispeech", RetryAfter: retryAfter, Err: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &provider.Error{Provider: "hispeech", Retryable: false, Err: fmt.Errorf("auth error: status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 500 {
		return nil, &provider.Error{Provider: "hispeech", Retryable: true, Err: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	}
	if resp.StatusCode >= 400 {
		return nil, &provider.Error{Provider: "hispeech", Retryable: false, Err: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	}

	var parsed transcribeResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &provider.Error{Provider: "hispeech", Retryable: false, Err: fmt.Errorf("unmarshal response: %w", err)}
	}
	if parsed.Error != nil {
		return nil, &provider.Error{Provider: "hispeech", Retryable: false, Err: errors.New(*parsed.Error)}
	}

	segments := make([]provider.Segment, len(parsed.Segments))
	var fullText []byte
	for i, s := range parsed.Segments {
		segments[i] = provider.Segment{SpeakerID: s.SpeakerID, Text: s.Text, StartTime: s.StartTime, EndTime: s.EndTime}
		if i > 0 {
			fullText = append(fullText, ' ')
		}
		fullText = append(fullText, s.Text...)
	}

	return &provider.Response{
		Text:             string(fullText),
		Segments:         provider.RealignSegments(segments, cfg.AudioDurationSeconds),
		LanguageDetected: parsed.Language,
	}, nil
}
