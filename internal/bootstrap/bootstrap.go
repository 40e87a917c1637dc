// Package bootstrap wires together every dependency the transcription
// pipeline needs: storage, provider adapters, the in-process queue, the
// worker pool, startup recovery, the retention janitor, and the HTTP
// orchestrator adapter.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"time"

	"github.com/davidarakelyan/stt-pipeline/internal/chunker"
	"github.com/davidarakelyan/stt-pipeline/internal/config"
	"github.com/davidarakelyan/stt-pipeline/internal/job"
	"github.com/davidarakelyan/stt-pipeline/internal/janitor"
	"github.com/davidarakelyan/stt-pipeline/internal/orchestrator"
	"github.com/davidarakelyan/stt-pipeline/internal/provider"
	_ "github.com/davidarakelyan/stt-pipeline/internal/provider/assemblyai"
	_ "github.com/davidarakelyan/stt-pipeline/internal/provider/elevenlabs"
	_ "github.com/davidarakelyan/stt-pipeline/internal/provider/gemini"
	_ "github.com/davidarakelyan/stt-pipeline/internal/provider/hispeech"
	_ "github.com/davidarakelyan/stt-pipeline/internal/provider/whisper"
	"github.com/davidarakelyan/stt-pipeline/internal/queue"
	"github.com/davidarakelyan/stt-pipeline/internal/ratelimit"
	"github.com/davidarakelyan/stt-pipeline/internal/recovery"
	"github.com/davidarakelyan/stt-pipeline/internal/retry"
	"github.com/davidarakelyan/stt-pipeline/internal/storage"
	"github.com/davidarakelyan/stt-pipeline/internal/webhook"
	"github.com/davidarakelyan/stt-pipeline/internal/worker"
)

// Dependencies holds every initialized component the HTTP server and
// background loops need.
type Dependencies struct {
	Orchestrator *orchestrator.Orchestrator
	Worker       *worker.Worker
	Recoverer    *recovery.Recoverer
	Janitor      *janitor.Janitor
	Deliverer    *webhook.Deliverer
	Queue        *queue.Queue
	Repo         job.Repository
	Config       *config.Config
}

// NewDependencies creates and initializes every dependency for the
// application, registering each configured provider's credentials and rate
// limit, then wiring the queue between job submission and the worker pool.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	store, err := initStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New()
	providers, err := initProviders(cfg, limiter, logger)
	if err != nil {
		return nil, err
	}

	if ffPath, ffErr := exec.LookPath("ffmpeg"); ffErr != nil {
		logger.Warn("ffmpeg not found in PATH; chunking may fail")
	} else {
		logger.Info("chunker initialized", slog.String("ffmpeg_path", ffPath))
	}

	repo := job.NewMemoryRepository()
	q := queue.New(128, queue.Transcription, queue.Webhooks)

	c := chunker.New("", "", chunker.Options{
		MaxChunkDuration: float64(cfg.Chunking.MaxChunkDurationSec),
		OverlapDuration:  cfg.Chunking.OverlapDurationSec,
	})

	retryCfg := retry.Config{
		MaxRetries:      cfg.Retry.MaxRetries,
		BaseDelay:       durationFromSeconds(cfg.Retry.BaseDelaySec),
		MaxDelay:        durationFromSeconds(cfg.Retry.MaxDelaySec),
		ExponentialBase: cfg.Retry.ExponentialBase,
		JitterMax:       durationFromSeconds(cfg.Retry.JitterMaxSec),
	}

	w := worker.New(repo, store, providers, limiter, retryCfg, q, logger,
		worker.WithDebugDir(cfg.DebugDir),
		worker.WithContextSegments(cfg.Chunking.ContextSegments),
		worker.WithChunkerOptions(chunker.Options{
			MaxChunkDuration: float64(cfg.Chunking.MaxChunkDurationSec),
			OverlapDuration:  cfg.Chunking.OverlapDurationSec,
		}),
	)

	recoverer := recovery.New(repo, logger)
	jan := janitor.New(repo, store, logger)

	deliverer := webhook.New(
		&http.Client{Timeout: durationFromSeconds(cfg.Webhook.TimeoutSec)},
		webhook.Config{
			MaxRetries:      cfg.Webhook.MaxRetries,
			BaseDelay:       time.Second,
			MaxDelay:        30 * time.Second,
			ExponentialBase: 2.0,
		},
		logger,
	)

	orch := orchestrator.New(repo, store, q, c, cfg.Providers.Enabled(), logger)

	return &Dependencies{
		Orchestrator: orch,
		Worker:       w,
		Recoverer:    recoverer,
		Janitor:      jan,
		Deliverer:    deliverer,
		Queue:        q,
		Repo:         repo,
		Config:       cfg,
	}, nil
}

// RunBackgroundLoops starts the transcription and webhook queue consumers
// plus periodic stale-job recovery and janitor sweeps, each in its own
// goroutine, and returns immediately; the loops stop when ctx is cancelled.
func (d *Dependencies) RunBackgroundLoops(ctx context.Context, logger *slog.Logger) {
	go func() {
		_ = d.Queue.Consume(ctx, queue.Transcription, func(ctx context.Context, t queue.Task) error {
			jobID, _ := t.Payload.(string)
			if err := d.Worker.ProcessJob(ctx, jobID); err != nil {
				logger.Error("pipeline failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
				return err
			}
			return nil
		})
	}()

	go func() {
		_ = d.Queue.Consume(ctx, queue.Webhooks, func(ctx context.Context, t queue.Task) error {
			return d.deliverWebhook(ctx, t)
		})
	}()

	go d.runPeriodicSweeps(ctx, logger)
}

func (d *Dependencies) deliverWebhook(ctx context.Context, t queue.Task) error {
	data, ok := t.Payload.(map[string]any)
	if !ok {
		return fmt.Errorf("webhook task: unexpected payload type %T", t.Payload)
	}
	jobID, _ := data["job_id"].(string)
	url, _ := data["webhook_url"].(string)

	j, err := d.Repo.FindByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("webhook task: find job %s: %w", jobID, err)
	}

	completedAt := j.CompletedAt
	payload := webhook.Payload{
		JobID:       j.ID,
		Status:      string(j.GetStatus()),
		Result:      j.Result.SummaryPreview,
		CompletedAt: &completedAt,
	}

	if err := d.Deliverer.Deliver(ctx, url, payload); err != nil {
		return fmt.Errorf("webhook task: deliver to %s: %w", url, err)
	}

	j.MarkWebhookSent()
	return d.Repo.Save(ctx, j)
}

// runPeriodicSweeps runs the stale-job recoverer and retention janitor on a
// fixed interval, the way a long-running server would schedule them; a
// one-shot CLI entrypoint instead calls Recoverer.FailStaleJobs/Janitor.Sweep
// directly at startup.
func (d *Dependencies) runPeriodicSweeps(ctx context.Context, logger *slog.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := d.Recoverer.FailStaleJobs(ctx, d.Config.Retention.StaleMinutes); err != nil {
				logger.Error("stale job sweep failed", slog.String("error", err.Error()))
			} else if n > 0 {
				logger.Info("recovered stale jobs", slog.Int("count", n))
			}

			if n, err := d.Janitor.Sweep(ctx, d.Config.Retention.JobRetentionDays); err != nil {
				logger.Error("retention sweep failed", slog.String("error", err.Error()))
			} else if n > 0 {
				logger.Info("deleted expired jobs", slog.Int("count", n))
			}
		}
	}
}

func initProviders(cfg *config.Config, limiter *ratelimit.Limiter, logger *slog.Logger) (map[string]provider.Provider, error) {
	providers := make(map[string]provider.Provider)
	specs := map[string]config.ProviderConfig{
		"gemini":     cfg.Providers.Gemini,
		"elevenlabs": cfg.Providers.ElevenLabs,
		"whisper":    cfg.Providers.Whisper,
		"assemblyai": cfg.Providers.AssemblyAI,
		"hispeech":   cfg.Providers.HiSpeech,
	}
	for name, pcfg := range specs {
		if !pcfg.Enabled() {
			continue
		}
		factory, ok := provider.Registry[name]
		if !ok {
			logger.Warn("provider configured but no adapter registered", slog.String("provider", name))
			continue
		}
		p, err := factory(pcfg.APIKey, pcfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("init provider %s: %w", name, err)
		}
		providers[name] = p
		limiter.Configure(name, pcfg.RPMLimit, 0)
		logger.Info("provider initialized", slog.String("provider", name), slog.Int("rpm_limit", pcfg.RPMLimit))
	}
	return providers, nil
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.Storage.Backend == "s3" {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.Storage.S3Bucket,
			Region:          cfg.Storage.S3Region,
			Endpoint:        cfg.Storage.S3Endpoint,
			AccessKeyID:     cfg.Storage.AWSAccessKeyID,
			SecretAccessKey: cfg.Storage.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(context.Background(), s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured", slog.String("bucket", cfg.Storage.S3Bucket), slog.String("region", cfg.Storage.S3Region))
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.Storage.LocalRoot)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured", slog.String("root", cfg.Storage.LocalRoot))
	return localStore, nil
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
