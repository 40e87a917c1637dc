// Package webhook delivers job-completion notifications to a caller's
// configured URL, as its own queued task independent of the transcription
// pipeline.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// Payload is the POST body delivered to the job's webhook URL.
type Payload struct {
	JobID       string     `json:"job_id"`
	Status      string     `json:"status"`
	Result      any        `json:"result,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Config tunes the delivery retry schedule.
type Config struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
}

// DefaultConfig returns the recognized default webhook retry policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      5,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
	}
}

// Deliverer POSTs webhook payloads with retry on connection failure or a
// 5xx response. A 4xx response is treated as a permanent failure; retrying
// it would never succeed since the caller's endpoint rejected the request
// outright.
type Deliverer struct {
	client *http.Client
	cfg    Config
	logger *slog.Logger
}

// New creates a Deliverer with the given HTTP client and retry config.
func New(client *http.Client, cfg Config, logger *slog.Logger) *Deliverer {
	if client == nil {
		client = http.DefaultClient
	}
	return &Deliverer{client: client, cfg: cfg, logger: logger}
}

// Deliver POSTs payload as JSON to url, retrying transient failures up to
// cfg.MaxRetries times with exponential backoff. Returns nil only once the
// endpoint accepts the request with a 2xx response.
func (d *Deliverer) Deliver(ctx context.Context, url string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error

	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		err := d.attempt(ctx, url, body)
		if err == nil {
			return nil
		}
		lastErr = err

		permErr, permanent := err.(*permanentError)
		if permanent {
			return permErr.Err
		}

		if attempt >= d.cfg.MaxRetries {
			break
		}

		delay := backoffDelay(attempt, d.cfg)
		d.logger.Warn("webhook delivery failed, retrying",
			"job_id", payload.JobID, "attempt", attempt, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return fmt.Errorf("webhook delivery exhausted retries: %w", lastErr)
}

// permanentError marks a response that retrying can never fix.
type permanentError struct{ Err error }

func (e *permanentError) Error() string { return e.Err.Error() }

func (d *Deliverer) attempt(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &permanentError{fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("server error: %s", resp.Status)
	default:
		return &permanentError{fmt.Errorf("rejected: %s", resp.Status)}
	}
}

func backoffDelay(attempt int, cfg Config) time.Duration {
	raw := float64(cfg.BaseDelay) * math.Pow(cfg.ExponentialBase, float64(attempt))
	delay := time.Duration(raw)
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(time.Second) + 1))
	return delay + jitter
}
