// Package errclass maps pipeline errors to stable, user-facing error codes.
package errclass

import (
	"errors"
	"strings"

	"github.com/davidarakelyan/stt-pipeline/internal/provider"
)

// Stable error codes persisted on a job row. These values are a contract:
// callers outside this module key off them, so they must not change shape.
const (
	CodeRateLimited         = "rate_limited"
	CodeTimeout             = "timeout"
	CodeInvalidAudio        = "invalid_audio"
	CodeAuthError           = "auth_error"
	CodeProviderUnavailable = "provider_unavailable"
	CodeQuotaExceeded       = "quota_exceeded"
	CodeUnknown             = "unknown"
)

var timeoutPatterns = []string{"timeout", "timed out", "deadline exceeded", "deadline"}
var authPatterns = []string{"unauthorized", "authentication", "invalid api key", "forbidden", "401", "403"}
var audioPatterns = []string{"invalid audio", "unsupported format", "corrupt", "unplayable", "invalid_media"}
var unavailablePatterns = []string{"unavailable", "connection reset", "connection refused", "bad gateway", "service unavailable", "502", "503", "504"}
var quotaPatterns = []string{"quota", "resource exhausted", "insufficient balance", "billing"}

// Classify maps an error raised anywhere in the pipeline to a stable
// (code, message) pair. Typed provider errors are checked first; anything
// else falls back to an ordered, case-insensitive substring cascade over
// the error text, mirroring the order vendors most commonly signal these
// conditions in practice.
func Classify(err error) (code string, message string) {
	if err == nil {
		return "", ""
	}

	var rl *provider.RateLimitError
	if errors.As(err, &rl) {
		return CodeRateLimited, err.Error()
	}

	var pe *provider.Error
	if errors.As(err, &pe) && !pe.Retryable {
		lower := strings.ToLower(pe.Error())
		if matchesAny(lower, authPatterns) {
			return CodeAuthError, err.Error()
		}
		if matchesAny(lower, audioPatterns) {
			return CodeInvalidAudio, err.Error()
		}
		// Falls through to the generic cascade below for anything else
		// (quota, unavailable, timeout, ...) instead of giving up early.
	}

	lower := strings.ToLower(err.Error())

	if matchesAny(lower, timeoutPatterns) {
		return CodeTimeout, err.Error()
	}
	if strings.Contains(lower, "429") || strings.Contains(lower, "resource exhausted") {
		return CodeRateLimited, err.Error()
	}
	if matchesAny(lower, quotaPatterns) {
		return CodeQuotaExceeded, err.Error()
	}
	if matchesAny(lower, authPatterns) {
		return CodeAuthError, err.Error()
	}
	if matchesAny(lower, audioPatterns) {
		return CodeInvalidAudio, err.Error()
	}
	if matchesAny(lower, unavailablePatterns) {
		return CodeProviderUnavailable, err.Error()
	}

	return CodeUnknown, "unclassified error: " + err.Error()
}

func matchesAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
