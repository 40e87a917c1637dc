package errclass

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/davidarakelyan/stt-pipeline/internal/provider"
)

func TestClassify_Nil(t *testing.T) {
	code, msg := Classify(nil)
	assert.Equal(t, "", code)
	assert.Equal(t, "", msg)
}

func TestClassify_RateLimitError(t *testing.T) {
	err := &provider.RateLimitError{Provider: "gemini", Err: errors.New("too many requests")}
	code, _ := Classify(err)
	assert.Equal(t, CodeRateLimited, code)
}

func TestClassify_ProviderErrorAuth(t *testing.T) {
	err := &provider.Error{Provider: "whisper", Retryable: false, Err: errors.New("invalid api key")}
	code, _ := Classify(err)
	assert.Equal(t, CodeAuthError, code)
}

func TestClassify_ProviderErrorInvalidAudio(t *testing.T) {
	err := &provider.Error{Provider: "elevenlabs", Retryable: false, Err: errors.New("unsupported format")}
	code, _ := Classify(err)
	assert.Equal(t, CodeInvalidAudio, code)
}

func TestClassify_ProviderErrorUnknownNonRetryable(t *testing.T) {
	err := &provider.Error{Provider: "assemblyai", Retryable: false, Err: errors.New("content policy violation")}
	code, _ := Classify(err)
	assert.Equal(t, CodeUnknown, code)
}

func TestClassify_NonRetryableProviderErrorFallsThroughToCascade(t *testing.T) {
	err := &provider.Error{Provider: "gemini", Retryable: false, Err: errors.New("monthly quota exceeded")}
	code, _ := Classify(err)
	assert.Equal(t, CodeQuotaExceeded, code)
}

func TestClassify_RetryableProviderErrorFallsThroughToCascade(t *testing.T) {
	err := &provider.Error{Provider: "hispeech", Retryable: true, Err: errors.New("connection reset by peer")}
	code, _ := Classify(err)
	assert.Equal(t, CodeProviderUnavailable, code)
}

func TestClassify_PlainErrorCascade(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", errors.New("context deadline exceeded"), CodeTimeout},
		{"429", errors.New("vendor returned 429"), CodeRateLimited},
		{"resource exhausted", errors.New("Resource Exhausted"), CodeRateLimited},
		{"quota", errors.New("monthly quota exceeded"), CodeQuotaExceeded},
		{"auth", errors.New("403 Forbidden"), CodeAuthError},
		{"audio", errors.New("corrupt input file"), CodeInvalidAudio},
		{"unavailable", errors.New("502 bad gateway"), CodeProviderUnavailable},
		{"unknown", errors.New("something exploded"), CodeUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, _ := Classify(tc.err)
			assert.Equal(t, tc.want, code)
		})
	}
}

func TestClassify_OrderPrefersTimeoutOverRateLimit(t *testing.T) {
	err := errors.New("request timed out after 429 retries")
	code, _ := Classify(err)
	assert.Equal(t, CodeTimeout, code)
}
