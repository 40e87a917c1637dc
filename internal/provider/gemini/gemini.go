// Package gemini adapts Google's Gemini multimodal API to the
// provider.Provider contract, for vendors that transcribe audio via a
// general-purpose multimodal prompt rather than a dedicated STT endpoint.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/davidarakelyan/stt-pipeline/internal/provider"
)

func init() {
	provider.Register("gemini", func(apiKey, endpoint string) (provider.Provider, error) {
		return New(apiKey, WithBaseURL(endpoint))
	})
}

var supportedLanguages = map[string]bool{
	"en": true, "hy": true, "ru": true, "es": true, "fr": true, "de": true,
}

// Client adapts Gemini's generateContent endpoint to transcription.
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

// New creates a Gemini-backed provider.Provider.
func New(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	c := &Client{
		apiKey:     apiKey,
		baseURL:    "https://generativelanguage.googleapis.com/v1beta",
		model:      "gemini-1.5-pro",
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Compile-time check that Client implements provider.Provider.
var _ provider.Provider = (*Client)(nil)

func (c *Client) Name() string { return "gemini" }

func (c *Client) SupportsLanguage(code string) bool { return supportedLanguages[code] }

func (c *Client) SupportsDiarization() bool { return true }

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Transcribe sends the audio as inline multimodal data with a prompt
// instructing Gemini to return diarized, timestamped JSON.
func (c *Client) Transcribe(ctx context.Context, audio []byte, format string, cfg provider.Config) (*provider.Response, error) {
	prompt := buildPrompt(cfg)

	req := generateRequest{
		Contents: []content{{
			Parts: []part{
				{Text: prompt},
				{InlineData: &inlineData{MimeType: "audio/" + format, Data: base64.StdEncoding.EncodeToString(audio)}},
			},
		}},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &provider.Error{Provider: "gemini", Retryable: true, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &provider.Error{Provider: "gemini", Retryable: true, Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &provider.RateLimitError{Provider: "gemini", Err: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	}
	if resp.StatusCode >= 500 {
		return nil, &provider.Error{Provider: "gemini", Retryable: true, Err: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	}
	if resp.StatusCode >= 400 {
		return nil, &provider.Error{Provider: "gemini", Retryable: false, Err: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	}

	var parsed generateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &provider.Error{Provider: "gemini", Retryable: false, Err: fmt.Errorf("unmarshal response: %w", err)}
	}
	if parsed.Error != nil {
		return nil, &provider.Error{Provider: "gemini", Retryable: false, Err: errors.New(parsed.Error.Message)}
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return nil, &provider.Error{Provider: "gemini", Retryable: false, Err: errors.New("empty response")}
	}

	text := parsed.Candidates[0].Content.Parts[0].Text
	out := parseTranscript(text, cfg)
	out.Segments = provider.RealignSegments(out.Segments, cfg.AudioDurationSeconds)
	return out, nil
}

func buildPrompt(cfg provider.Config) string {
	var b strings.Builder
	b.WriteString("Transcribe the attached audio. Return a diarized transcript as JSON with fields speaker_id, text, start_time, end_time per segment.")
	if cfg.Language != "" {
		fmt.Fprintf(&b, " Primary language: %s.", cfg.Language)
	}
	if cfg.Domain != "" {
		fmt.Fprintf(&b, " Domain context: %s.", cfg.Domain)
	}
	if cfg.Prompt != "" {
		fmt.Fprintf(&b, " %s", cfg.Prompt)
	}
	if cfg.PreviousTranscriptContext != "" {
		fmt.Fprintf(&b, " Prior context for continuity: %s", cfg.PreviousTranscriptContext)
	}
	return b.String()
}

// parseTranscript does a best-effort extraction of the model's JSON-ish
// reply into the canonical Response shape. Gemini isn't guaranteed to
// return strict JSON, so this degrades to a single untimed segment when
// parsing fails, tagging the result with the fallback metadata merger's
// validateChunkCompleteness looks for.
func parseTranscript(text string, cfg provider.Config) *provider.Response {
	var segments []struct {
		SpeakerID string  `json:"speaker_id"`
		Text      string  `json:"text"`
		StartTime float64 `json:"start_time"`
		EndTime   float64 `json:"end_time"`
	}

	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")

	if err := json.Unmarshal([]byte(trimmed), &segments); err != nil {
		return &provider.Response{
			Text: trimmed,
			Segments: []provider.Segment{
				{SpeakerID: "SPEAKER_00", Text: trimmed, StartTime: 0, EndTime: cfg.AudioDurationSeconds},
			},
			LanguageDetected: cfg.Language,
			Metadata:         map[string]any{"fallback": "regex"},
		}
	}

	out := make([]provider.Segment, len(segments))
	var fullText strings.Builder
	for i, s := range segments {
		out[i] = provider.Segment{SpeakerID: s.SpeakerID, Text: s.Text, StartTime: s.StartTime, EndTime: s.EndTime}
		if i > 0 {
			fullText.WriteString(" ")
		}
		fullText.WriteString(s.Text)
	}

	return &provider.Response{
		Text:             fullText.String(),
		Segments:         out,
		LanguageDetected: cfg.Language,
	}
}
