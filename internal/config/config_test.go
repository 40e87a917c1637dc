package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "STORAGE_BACKEND", "STORAGE_LOCAL_ROOT", "S3_BUCKET", "S3_REGION",
		"S3_ENDPOINT", "AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY",
		"PROVIDER_GEMINI_API_KEY", "PROVIDER_ELEVENLABS_API_KEY",
		"PROVIDER_WHISPER_API_KEY", "PROVIDER_ASSEMBLYAI_API_KEY",
		"PROVIDER_HISPEECH_API_KEY", "LOG_FORMAT", "LOG_LEVEL", "DEBUG_DIR",
	} {
		_ = os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, 600, cfg.Chunking.MaxChunkDurationSec)
	assert.InDelta(t, 3.0, cfg.Chunking.OverlapDurationSec, 0.0001)
	assert.InDelta(t, 0.8, cfg.Chunking.OverlapSimilarityThreshold, 0.0001)
	assert.Equal(t, 3, cfg.Chunking.ContextSegments)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 30, cfg.Retention.JobRetentionDays)
	assert.Equal(t, 30, cfg.Retention.StaleMinutes)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_ProviderCredentials(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROVIDER_GEMINI_API_KEY", "gem-key")
	t.Setenv("PROVIDER_WHISPER_API_KEY", "whisper-key")
	t.Setenv("PROVIDER_WHISPER_RPM_LIMIT", "120")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Providers.Gemini.Enabled())
	assert.True(t, cfg.Providers.Whisper.Enabled())
	assert.False(t, cfg.Providers.ElevenLabs.Enabled())
	assert.Equal(t, 120, cfg.Providers.Whisper.RPMLimit)
	assert.ElementsMatch(t, []string{"gemini", "whisper"}, cfg.Providers.Enabled())
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "3000")
	t.Setenv("STORAGE_BACKEND", "s3")
	t.Setenv("S3_BUCKET", "my-bucket")
	t.Setenv("S3_REGION", "us-east-1")
	t.Setenv("CHUNKING_MAX_CHUNK_DURATION_SEC", "300")
	t.Setenv("RETRY_MAX_RETRIES", "10")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "s3", cfg.Storage.Backend)
	assert.Equal(t, "my-bucket", cfg.Storage.S3Bucket)
	assert.Equal(t, 300, cfg.Chunking.MaxChunkDurationSec)
	assert.Equal(t, 10, cfg.Retry.MaxRetries)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoad_InvalidIntegerDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "not-a-number")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadFile_OverlaysYAML(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROVIDER_GEMINI_API_KEY", "gem-key")

	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9090\nlog_level: debug\nstorage:\n  backend: s3\n  s3_bucket: dev-bucket\n"), 0o600))

	cfg, err := Load()
	require.NoError(t, err)

	require.NoError(t, LoadFile(cfg, path))
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "s3", cfg.Storage.Backend)
	assert.Equal(t, "dev-bucket", cfg.Storage.S3Bucket)
}

func TestLoadFile_MissingFile(t *testing.T) {
	cfg := &Config{}
	err := LoadFile(cfg, "/nonexistent/overlay.yaml")
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		cfg := &Config{
			Storage:   StorageConfig{Backend: "local"},
			Providers: ProvidersConfig{Gemini: ProviderConfig{APIKey: "key"}},
		}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("missing storage backend", func(t *testing.T) {
		cfg := &Config{Providers: ProvidersConfig{Gemini: ProviderConfig{APIKey: "key"}}}
		assert.ErrorIs(t, cfg.Validate(), ErrStorageBackendRequired)
	})

	t.Run("s3 backend without bucket", func(t *testing.T) {
		cfg := &Config{
			Storage:   StorageConfig{Backend: "s3"},
			Providers: ProvidersConfig{Gemini: ProviderConfig{APIKey: "key"}},
		}
		assert.ErrorIs(t, cfg.Validate(), ErrS3BucketRequired)
	})

	t.Run("no providers configured", func(t *testing.T) {
		cfg := &Config{Storage: StorageConfig{Backend: "local"}}
		assert.ErrorIs(t, cfg.Validate(), ErrNoProvidersConfigured)
	})
}

func TestConfig_String_MasksSecrets(t *testing.T) {
	cfg := &Config{
		Port:    8080,
		Storage: StorageConfig{Backend: "s3", S3Bucket: "bucket", AWSSecretAccessKey: "super-secret"},
	}

	str := cfg.String()
	assert.Contains(t, str, "8080")
	assert.Contains(t, str, "bucket")
	assert.NotContains(t, str, "super-secret")
}

func TestConfig_NewLogger_JSON(t *testing.T) {
	cfg := &Config{LogFormat: "json", LogLevel: "info"}
	logger := cfg.NewLogger()
	require.NotNil(t, logger)
	assert.IsType(t, &slog.JSONHandler{}, logger.Handler())

	var buf bytes.Buffer
	testLogger := slog.New(slog.NewJSONHandler(&buf, nil))
	testLogger.Info("test message")
	assert.Contains(t, buf.String(), `"msg"`)
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLogLevel(tt.input))
		})
	}
}
