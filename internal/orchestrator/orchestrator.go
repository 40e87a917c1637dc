// Package orchestrator is the pure service surface behind the pipeline:
// create jobs, accept uploads, enqueue them for processing, and expose
// status/progress/result reads. It has no HTTP concerns of its own —
// internal/server is a thin adapter over it.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"

	"github.com/davidarakelyan/stt-pipeline/internal/chunker"
	"github.com/davidarakelyan/stt-pipeline/internal/job"
	"github.com/davidarakelyan/stt-pipeline/internal/queue"
	"github.com/davidarakelyan/stt-pipeline/internal/storage"
)

// ErrIllegalState is returned when an operation is attempted against a job
// whose current status doesn't permit it. Not-found errors instead surface
// job.ErrJobNotFound directly so callers can errors.Is against it.
var ErrIllegalState = errors.New("orchestrator: job is not in a state that allows this operation")

// CreateJobInput is the caller-provided configuration for a new job.
type CreateJobInput struct {
	Language             string   `validate:"required,bcp47_language_tag"`
	AdditionalLanguages  []string `validate:"dive,bcp47_language_tag"`
	DiarizationEnabled   bool
	MinSpeakers          int `validate:"gte=0"`
	MaxSpeakers          int `validate:"gte=0"`
	TimestampGranularity string `validate:"omitempty,oneof=segment word"`
	IncludeConfidence    bool
	Prompt               string
	Domain               string
	CustomVocabulary     []string
	Provider             string `validate:"required"`
	WebhookURL           string `validate:"omitempty,url"`
	Filename             string `validate:"required"`
	SizeBytes            int64  `validate:"required,gt=0"`
}

// Progress is the read model for get_progress.
type Progress struct {
	Status          job.Status
	TotalChunks     int
	CompletedChunks int
}

// Orchestrator implements every public operation over the job pipeline.
type Orchestrator struct {
	repo      job.Repository
	store     storage.Store
	queue     *queue.Queue
	chunker   *chunker.Chunker
	validate  *validator.Validate
	providers map[string]struct{}
	logger    *slog.Logger
}

// New creates an Orchestrator. providerNames restricts CreateJobInput.Provider
// to vendors the deployment actually has credentials for.
func New(repo job.Repository, store storage.Store, q *queue.Queue, c *chunker.Chunker, providerNames []string, logger *slog.Logger) *Orchestrator {
	providers := make(map[string]struct{}, len(providerNames))
	for _, name := range providerNames {
		providers[name] = struct{}{}
	}
	return &Orchestrator{
		repo:      repo,
		store:     store,
		queue:     q,
		chunker:   c,
		validate:  validator.New(),
		providers: providers,
		logger:    logger,
	}
}

// Create validates input and creates a new job in pending.
func (o *Orchestrator) Create(ctx context.Context, input CreateJobInput) (string, error) {
	if err := o.validate.Struct(input); err != nil {
		return "", fmt.Errorf("orchestrator: invalid input: %w", err)
	}
	if _, ok := o.providers[input.Provider]; !ok {
		return "", fmt.Errorf("orchestrator: provider %q is not configured", input.Provider)
	}

	cfg := job.Config{
		Language:            input.Language,
		AdditionalLanguages: input.AdditionalLanguages,
		Diarization: job.Diarization{
			Enabled:     input.DiarizationEnabled,
			MinSpeakers: input.MinSpeakers,
			MaxSpeakers: input.MaxSpeakers,
		},
		Output: job.Output{
			TimestampGranularity: input.TimestampGranularity,
			IncludeConfidence:    input.IncludeConfidence,
		},
		Context: job.Context{
			Prompt:           input.Prompt,
			Domain:           input.Domain,
			CustomVocabulary: input.CustomVocabulary,
		},
		Provider:   input.Provider,
		WebhookURL: input.WebhookURL,
	}

	j := job.New(cfg)
	j.Source = job.Source{Filename: input.Filename, SizeBytes: input.SizeBytes}
	if err := o.repo.Save(ctx, j); err != nil {
		return "", fmt.Errorf("orchestrator: save job: %w", err)
	}

	return j.ID, nil
}

// UploadAudio stores the original blob, probes it, and moves the job to
// uploaded. Requires the job still be pending.
func (o *Orchestrator) UploadAudio(ctx context.Context, jobID string, data []byte, filename string) error {
	j, err := o.repo.FindByID(ctx, jobID)
	if err != nil {
		return wrapNotFound(err)
	}
	if j.GetStatus() != job.StatusPending {
		return fmt.Errorf("%w: job %s is %s, not pending", ErrIllegalState, jobID, j.GetStatus())
	}

	key := fmt.Sprintf("jobs/%s/original%s", jobID, extOf(filename))
	if err := o.putAndProbe(ctx, j, key, data, filename); err != nil {
		return err
	}

	if err := j.MarkUploaded(j.Source); err != nil {
		return fmt.Errorf("orchestrator: mark uploaded: %w", err)
	}
	return o.repo.Save(ctx, j)
}

func (o *Orchestrator) putAndProbe(ctx context.Context, j *job.Job, key string, data []byte, filename string) error {
	if err := o.store.Put(ctx, key, bytesReader(data)); err != nil {
		return fmt.Errorf("orchestrator: store original blob: %w", err)
	}

	meta, probeErr := o.probeUploaded(ctx, key, data)
	if probeErr != nil {
		return probeErr
	}

	j.Source = job.Source{
		Filename:        filename,
		SizeBytes:       int64(len(data)),
		DurationSeconds: meta.DurationSeconds,
		Codec:           meta.Codec,
		OriginalKey:     key,
	}
	return nil
}

// probeUploaded writes data to a scratch file so ffprobe (which needs a real
// path) can read it, then probes and cleans up.
func (o *Orchestrator) probeUploaded(ctx context.Context, key string, data []byte) (chunker.Metadata, error) {
	path, cleanup, err := scratchFile(key, data)
	if err != nil {
		return chunker.Metadata{}, fmt.Errorf("orchestrator: scratch file for probe: %w", err)
	}
	defer cleanup()

	meta, err := o.chunker.Probe(ctx, path)
	if err != nil {
		return chunker.Metadata{}, err
	}
	return meta, nil
}

// Submit enqueues a pipeline task for the job. A job already uploaded or
// still pending-with-a-stored-blob is submittable; any other state is
// illegal.
func (o *Orchestrator) Submit(ctx context.Context, jobID string) error {
	j, err := o.repo.FindByID(ctx, jobID)
	if err != nil {
		return wrapNotFound(err)
	}

	status := j.GetStatus()
	if status != job.StatusUploaded && !(status == job.StatusPending && j.Source.OriginalKey != "") {
		return fmt.Errorf("%w: job %s is %s", ErrIllegalState, jobID, status)
	}

	if o.queue == nil {
		return nil
	}
	return o.queue.Enqueue(ctx, queue.Transcription, jobID)
}

// GetStatus returns the job's current status.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (job.Status, error) {
	j, err := o.repo.FindByID(ctx, jobID)
	if err != nil {
		return "", wrapNotFound(err)
	}
	return j.GetStatus(), nil
}

// GetProgress returns the job's chunk-completion counters alongside status.
func (o *Orchestrator) GetProgress(ctx context.Context, jobID string) (Progress, error) {
	j, err := o.repo.FindByID(ctx, jobID)
	if err != nil {
		return Progress{}, wrapNotFound(err)
	}
	return Progress{Status: j.GetStatus(), TotalChunks: j.TotalChunks, CompletedChunks: j.CompletedChunks}, nil
}

// GetResult returns the job's Result; callers should check the job is
// completed before trusting the Key is populated.
func (o *Orchestrator) GetResult(ctx context.Context, jobID string) (job.Result, error) {
	j, err := o.repo.FindByID(ctx, jobID)
	if err != nil {
		return job.Result{}, wrapNotFound(err)
	}
	return j.Result, nil
}

// Retry resets a failed job's failed chunks to pending and resubmits it.
func (o *Orchestrator) Retry(ctx context.Context, jobID string) error {
	j, err := o.repo.FindByID(ctx, jobID)
	if err != nil {
		return wrapNotFound(err)
	}

	if _, err := j.Retry(); err != nil {
		return fmt.Errorf("%w: %v", ErrIllegalState, err)
	}

	chunks, err := o.repo.ListChunks(ctx, jobID)
	if err != nil {
		return fmt.Errorf("orchestrator: list chunks for retry: %w", err)
	}
	for _, c := range chunks {
		if c.Status == job.ChunkStatusFailed {
			if err := job.TransitionChunk(c, job.ChunkStatusPending); err != nil {
				return fmt.Errorf("orchestrator: reset chunk %d: %w", c.Index, err)
			}
			if err := o.repo.SaveChunk(ctx, c); err != nil {
				return fmt.Errorf("orchestrator: persist reset chunk %d: %w", c.Index, err)
			}
		}
	}

	if err := o.repo.Save(ctx, j); err != nil {
		return fmt.Errorf("orchestrator: persist retried job: %w", err)
	}

	if o.queue == nil {
		return nil
	}
	return o.queue.Enqueue(ctx, queue.Transcription, jobID)
}

// Cancel moves a non-terminal job to cancelled. An in-flight worker aborts
// at its next retry checkpoint; Cancel itself does nothing to interrupt a
// request already underway.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	j, err := o.repo.FindByID(ctx, jobID)
	if err != nil {
		return wrapNotFound(err)
	}
	if j.IsTerminal() {
		return fmt.Errorf("%w: job %s is already %s", ErrIllegalState, jobID, j.GetStatus())
	}
	if err := j.Cancel(); err != nil {
		return fmt.Errorf("%w: %v", ErrIllegalState, err)
	}
	return o.repo.Save(ctx, j)
}

// Delete removes the job's blob objects and its row (chunks cascade).
// Idempotent: deleting an already-deleted job is not an error.
func (o *Orchestrator) Delete(ctx context.Context, jobID string) error {
	keys, err := o.store.List(ctx, fmt.Sprintf("jobs/%s/", jobID))
	if err != nil {
		return fmt.Errorf("orchestrator: list job artifacts: %w", err)
	}
	if len(keys) > 0 {
		if err := o.store.DeleteMany(ctx, keys); err != nil {
			return fmt.Errorf("orchestrator: delete job artifacts: %w", err)
		}
	}

	if err := o.repo.Delete(ctx, jobID); err != nil && !errors.Is(err, job.ErrJobNotFound) {
		return fmt.Errorf("orchestrator: delete job row: %w", err)
	}
	return nil
}

func wrapNotFound(err error) error {
	if errors.Is(err, job.ErrJobNotFound) {
		return err
	}
	return fmt.Errorf("orchestrator: %w", err)
}

func bytesReader(data []byte) *bytes.Reader { return bytes.NewReader(data) }

// scratchFile writes data to a temp file so ffprobe, which requires a real
// path, can read it. The caller must invoke cleanup once done.
func scratchFile(key string, data []byte) (path string, cleanup func(), err error) {
	f, err := os.CreateTemp("", "upload-probe-*"+filepath.Ext(key))
	if err != nil {
		return "", nil, err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		_ = os.Remove(f.Name())
		return "", nil, err
	}

	return f.Name(), func() { _ = os.Remove(f.Name()) }, nil
}

func extOf(filename string) string {
	for i := len(filename) - 1; i >= 0; i-- {
		if filename[i] == '.' {
			return filename[i:]
		}
	}
	return ""
}
