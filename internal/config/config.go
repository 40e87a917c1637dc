// Package config provides configuration loading from environment variables
// and, for local/dev runs, an optional YAML overlay file.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Static errors for configuration validation.
var (
	ErrStorageBackendRequired = errors.New("config: STORAGE_BACKEND is required")
	ErrS3BucketRequired       = errors.New("config: S3_BUCKET is required when STORAGE_BACKEND=s3")
	ErrNoProvidersConfigured  = errors.New("config: at least one provider api key must be set")
)

// ChunkingConfig controls chunk boundary calculation.
type ChunkingConfig struct {
	MaxChunkDurationSec       int     `env:"CHUNKING_MAX_CHUNK_DURATION_SEC, default=600" json:"max_chunk_duration_sec"`
	OverlapDurationSec        float64 `env:"CHUNKING_OVERLAP_DURATION_SEC, default=3.0" json:"overlap_duration_sec"`
	OverlapSimilarityThreshold float64 `env:"CHUNKING_OVERLAP_SIMILARITY_THRESHOLD, default=0.8" json:"overlap_similarity_threshold"`
	ContextSegments           int     `env:"CHUNKING_CONTEXT_SEGMENTS, default=3" json:"context_segments"`
}

// RetryConfig controls the exponential backoff policy.
type RetryConfig struct {
	MaxRetries      int     `env:"RETRY_MAX_RETRIES, default=5" json:"max_retries"`
	BaseDelaySec    float64 `env:"RETRY_BASE_DELAY_SEC, default=1.0" json:"base_delay_sec"`
	MaxDelaySec     float64 `env:"RETRY_MAX_DELAY_SEC, default=60.0" json:"max_delay_sec"`
	ExponentialBase float64 `env:"RETRY_EXPONENTIAL_BASE, default=2.0" json:"exponential_base"`
	JitterMaxSec    float64 `env:"RETRY_JITTER_MAX_SEC, default=1.0" json:"jitter_max_sec"`
}

// ProviderConfig is one vendor's credentials, rate limit, and endpoint.
type ProviderConfig struct {
	APIKey   string `env:"API_KEY" json:"-"`
	RPMLimit int    `env:"RPM_LIMIT, default=60" json:"rpm_limit"`
	Endpoint string `env:"ENDPOINT" json:"endpoint,omitempty"`
}

// Enabled reports whether this provider has credentials configured.
func (p ProviderConfig) Enabled() bool { return p.APIKey != "" }

// ProvidersConfig groups per-vendor settings, one block per supported STT
// vendor, each with its own env-variable prefix.
type ProvidersConfig struct {
	Gemini     ProviderConfig `env:", prefix=PROVIDER_GEMINI_"`
	ElevenLabs ProviderConfig `env:", prefix=PROVIDER_ELEVENLABS_"`
	Whisper    ProviderConfig `env:", prefix=PROVIDER_WHISPER_"`
	AssemblyAI ProviderConfig `env:", prefix=PROVIDER_ASSEMBLYAI_"`
	HiSpeech   ProviderConfig `env:", prefix=PROVIDER_HISPEECH_"`
}

// Enabled returns the names of every provider with credentials configured.
func (p ProvidersConfig) Enabled() []string {
	var names []string
	for name, cfg := range map[string]ProviderConfig{
		"gemini": p.Gemini, "elevenlabs": p.ElevenLabs, "whisper": p.Whisper,
		"assemblyai": p.AssemblyAI, "hispeech": p.HiSpeech,
	} {
		if cfg.Enabled() {
			names = append(names, name)
		}
	}
	return names
}

// StorageConfig selects and configures the blob store backend.
type StorageConfig struct {
	Backend            string `env:"STORAGE_BACKEND, default=local" json:"backend"` // "local" or "s3"
	LocalRoot          string `env:"STORAGE_LOCAL_ROOT, default=/tmp/stt-pipeline" json:"local_root"`
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"`
}

// RetentionConfig controls the janitor and stale-job recovery sweep.
type RetentionConfig struct {
	JobRetentionDays int `env:"JOB_RETENTION_DAYS, default=30" json:"job_retention_days"`
	StaleMinutes     int `env:"STALE_MINUTES, default=30" json:"stale_minutes"`
}

// WebhookConfig controls webhook delivery retry behavior.
type WebhookConfig struct {
	MaxRetries  int     `env:"WEBHOOK_MAX_RETRIES, default=3" json:"max_retries"`
	TimeoutSec  float64 `env:"WEBHOOK_TIMEOUT_SEC, default=10.0" json:"timeout_sec"`
}

// Config holds all configuration for the application.
type Config struct {
	Port int `env:"PORT, default=8080" json:"port"`

	Chunking  ChunkingConfig
	Retry     RetryConfig
	Providers ProvidersConfig
	Storage   StorageConfig
	Retention RetentionConfig
	Webhook   WebhookConfig

	DebugDir string `env:"DEBUG_DIR" json:"debug_dir,omitempty"`

	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"`
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`
}

// Load reads configuration from environment variables using go-envconfig.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LoadFile layers a YAML overlay on top of the environment-derived config,
// for local/dev runs of the recovery and janitor entrypoints. File keys use
// the same snake_case names as the json tags. Non-zero port, debug_dir,
// log_format and log_level values in the file override the environment, and
// a storage block with a backend replaces the whole storage section.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	var overlay Config
	if err := json.Unmarshal(asJSON, &overlay); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	mergeConfig(cfg, &overlay)
	return nil
}

func mergeConfig(dst, src *Config) {
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.DebugDir != "" {
		dst.DebugDir = src.DebugDir
	}
	if src.LogFormat != "" {
		dst.LogFormat = src.LogFormat
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.Storage.Backend != "" {
		dst.Storage = src.Storage
	}
}

// Validate checks that required configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Storage.Backend == "" {
		return ErrStorageBackendRequired
	}
	if c.Storage.Backend == "s3" && c.Storage.S3Bucket == "" {
		return ErrS3BucketRequired
	}
	if len(c.Providers.Enabled()) == 0 {
		return ErrNoProvidersConfigured
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with secrets masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, StorageBackend: %s, S3Bucket: %s, Providers: %v, JobRetentionDays: %d, StaleMinutes: %d, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.Storage.Backend,
		c.Storage.S3Bucket,
		c.Providers.Enabled(),
		c.Retention.JobRetentionDays,
		c.Retention.StaleMinutes,
		c.LogFormat,
		c.LogLevel,
	)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
