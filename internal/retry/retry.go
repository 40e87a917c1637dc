// Package retry implements exponential backoff with jitter, integrated with
// the rate limiter and a cancellation-aware callback.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/davidarakelyan/stt-pipeline/internal/provider"
	"github.com/davidarakelyan/stt-pipeline/internal/ratelimit"
)

// Config tunes the backoff schedule.
type Config struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	JitterMax       time.Duration
}

// DefaultConfig returns the recognized default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      5,
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
		JitterMax:       time.Second,
	}
}

// OnRetry is invoked before each sleep, with the attempt number (0-indexed),
// the error that triggered the retry, and the delay about to be applied.
// Returning an error aborts the retry loop immediately with that error —
// the worker uses this to detect job cancellation between attempts.
type OnRetry func(attempt int, err error, delay time.Duration) error

// calculateDelay mirrors original_source/core/retry.py::calculate_delay.
// When rateLimitDelay is non-nil, it takes precedence with its own jitter;
// otherwise the standard exponential-backoff-with-jitter formula applies.
func calculateDelay(attempt int, cfg Config, rateLimitDelay *time.Duration) time.Duration {
	jitter := time.Duration(rand.Int63n(int64(cfg.JitterMax) + 1))

	if rateLimitDelay != nil {
		return *rateLimitDelay + jitter
	}

	raw := float64(cfg.BaseDelay) * math.Pow(cfg.ExponentialBase, float64(attempt))
	delay := time.Duration(raw)
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay + jitter
}

// Do executes fn with retry and exponential backoff. If providerName is
// non-empty, it acquires a rate-limit token from limiter before every
// attempt and reports success/rate-limit back to the limiter.
//
// Policy:
//   - a *provider.RateLimitError computes its delay from RetryAfter when the
//     vendor supplied one, else the standard backoff formula, and always
//     retries until MaxRetries is exhausted;
//   - a *provider.Error with Retryable == false propagates immediately;
//   - a *provider.Error with Retryable == true, or any other error, is
//     treated as a retryable transient failure using the standard backoff
//     formula.
func Do(ctx context.Context, fn func(ctx context.Context) error, cfg Config, providerName string, limiter *ratelimit.Limiter, onRetry OnRetry) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if providerName != "" && limiter != nil {
			limiter.Acquire(providerName)
		}

		err := fn(ctx)
		if err == nil {
			if providerName != "" && limiter != nil {
				limiter.ReportSuccess(providerName)
			}
			return nil
		}
		lastErr = err

		var rateLimitErr *provider.RateLimitError
		var providerErr *provider.Error

		switch {
		case errors.As(err, &rateLimitErr):
			if providerName != "" && limiter != nil {
				limiter.ReportRateLimit(providerName)
			}
			if attempt >= cfg.MaxRetries {
				return lastErr
			}
			var rld *time.Duration
			if rateLimitErr.RetryAfter != nil {
				d := time.Duration(*rateLimitErr.RetryAfter * float64(time.Second))
				rld = &d
			}
			delay := calculateDelay(attempt, cfg, rld)
			if err := runOnRetryAndSleep(ctx, onRetry, attempt, err, delay); err != nil {
				return err
			}

		case errors.As(err, &providerErr):
			if !providerErr.Retryable {
				return err
			}
			if attempt >= cfg.MaxRetries {
				return lastErr
			}
			delay := calculateDelay(attempt, cfg, nil)
			if err := runOnRetryAndSleep(ctx, onRetry, attempt, err, delay); err != nil {
				return err
			}

		default:
			if attempt >= cfg.MaxRetries {
				return lastErr
			}
			delay := calculateDelay(attempt, cfg, nil)
			if err := runOnRetryAndSleep(ctx, onRetry, attempt, err, delay); err != nil {
				return err
			}
		}
	}

	return lastErr
}

func runOnRetryAndSleep(ctx context.Context, onRetry OnRetry, attempt int, cause error, delay time.Duration) error {
	if onRetry != nil {
		if err := onRetry(attempt, cause, delay); err != nil {
			return err
		}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
