// Package worker runs the per-job transcription pipeline: fetch the
// original upload, chunk it, transcribe each chunk against the configured
// provider, merge the results, and persist the final transcript.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/davidarakelyan/stt-pipeline/internal/chunker"
	"github.com/davidarakelyan/stt-pipeline/internal/errclass"
	"github.com/davidarakelyan/stt-pipeline/internal/job"
	"github.com/davidarakelyan/stt-pipeline/internal/merger"
	"github.com/davidarakelyan/stt-pipeline/internal/provider"
	"github.com/davidarakelyan/stt-pipeline/internal/queue"
	"github.com/davidarakelyan/stt-pipeline/internal/ratelimit"
	"github.com/davidarakelyan/stt-pipeline/internal/retry"
	"github.com/davidarakelyan/stt-pipeline/internal/storage"
)

// ErrJobCancelled signals a clean abort requested mid-pipeline: the job was
// deleted or moved to a terminal/cancelled state out from under the worker.
// The caller returns without transitioning the job into failed.
var ErrJobCancelled = errors.New("worker: job cancelled")

// Worker runs one job pipeline at a time per instance; many instances may
// run concurrently, each pulled off the transcription queue.
type Worker struct {
	repo      job.Repository
	store     storage.Store
	providers map[string]provider.Provider
	limiter   *ratelimit.Limiter
	retryCfg  retry.Config
	merger    *merger.Merger

	chunkerOpts     chunker.Options
	ffmpegPath      string
	ffprobePath     string
	contextSegments int

	scratchDir string
	debugDir   string

	queue  *queue.Queue
	logger *slog.Logger
}

// Option configures optional Worker behavior.
type Option func(*Worker)

// WithDebugDir dumps each job's merged transcript to
// "{dir}/{job_id}_combined_results.json" after a successful merge, for
// local troubleshooting.
func WithDebugDir(dir string) Option { return func(w *Worker) { w.debugDir = dir } }

// WithScratchDir overrides the base directory for per-job scratch space.
// Defaults to os.TempDir().
func WithScratchDir(dir string) Option { return func(w *Worker) { w.scratchDir = dir } }

// WithContextSegments sets how many trailing segments from prior chunks are
// carried forward as context. Defaults to 3.
func WithContextSegments(n int) Option { return func(w *Worker) { w.contextSegments = n } }

// WithChunkerOptions overrides the chunk boundary policy. Defaults to
// chunker.DefaultOptions().
func WithChunkerOptions(opts chunker.Options) Option {
	return func(w *Worker) { w.chunkerOpts = opts }
}

// WithFFmpegPaths overrides the ffmpeg/ffprobe binaries used for probing and
// transcoding. Empty strings fall back to chunker.New's PATH-lookup default.
func WithFFmpegPaths(ffmpegPath, ffprobePath string) Option {
	return func(w *Worker) { w.ffmpegPath = ffmpegPath; w.ffprobePath = ffprobePath }
}

// New creates a Worker. providers maps a job's configured provider name to
// its adapter instance — typically built from provider.Registry at startup.
func New(repo job.Repository, store storage.Store, providers map[string]provider.Provider, limiter *ratelimit.Limiter, retryCfg retry.Config, q *queue.Queue, logger *slog.Logger, opts ...Option) *Worker {
	w := &Worker{
		repo:            repo,
		store:           store,
		providers:       providers,
		limiter:         limiter,
		retryCfg:        retryCfg,
		merger:          merger.New(),
		chunkerOpts:     chunker.DefaultOptions(),
		contextSegments: 3,
		scratchDir:      os.TempDir(),
		queue:           q,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ProcessJob runs the full pipeline for jobID. Only a job in uploaded or
// processing is admitted (processing covers idempotent re-delivery after a
// crash mid-pipeline); any other status is rejected without side effects.
func (w *Worker) ProcessJob(ctx context.Context, jobID string) error {
	logger := w.logger.With("job_id", jobID)

	j, err := w.repo.FindByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("worker: load job: %w", err)
	}

	status := j.GetStatus()
	if status != job.StatusUploaded && status != job.StatusProcessing {
		return fmt.Errorf("worker: job %s not admissible from status %s", jobID, status)
	}

	if status == job.StatusUploaded {
		if err := j.Start(); err != nil {
			return fmt.Errorf("worker: admit job: %w", err)
		}
		if err := w.repo.Save(ctx, j); err != nil {
			return fmt.Errorf("worker: persist admitted job: %w", err)
		}
	}

	err = w.runPipeline(ctx, logger, j)
	if errors.Is(err, ErrJobCancelled) {
		logger.Info("job cancelled, aborting without marking failed")
		return nil
	}
	if err != nil {
		code, message := errclass.Classify(err)
		if failErr := w.failJob(ctx, j.ID, message, code); failErr != nil {
			logger.Error("worker: failed to persist job failure", "error", failErr)
		}
		return err
	}
	return nil
}

func (w *Worker) failJob(ctx context.Context, jobID, message, code string) error {
	j, err := w.repo.FindByID(ctx, jobID)
	if err != nil {
		return err
	}
	if j.IsTerminal() {
		return nil
	}
	if err := j.Fail(message, code); err != nil {
		return err
	}
	return w.repo.Save(ctx, j)
}

func (w *Worker) runPipeline(ctx context.Context, logger *slog.Logger, j *job.Job) error {
	prov, ok := w.providers[j.Config.Provider]
	if !ok {
		return fmt.Errorf("worker: provider %q not configured", j.Config.Provider)
	}

	scratch, err := os.MkdirTemp(w.scratchDir, "job-"+j.ID+"-")
	if err != nil {
		return fmt.Errorf("worker: create scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	originalPath, err := w.fetchOriginal(ctx, j, scratch)
	if err != nil {
		return err
	}

	audioPath := filepath.Join(scratch, "audio.wav")
	c := chunker.New(w.ffmpegPath, w.ffprobePath, w.chunkerOpts)

	isVideo, err := chunker.IsVideo(originalPath)
	if err != nil {
		return err
	}
	if isVideo {
		if err := c.ExtractAudio(ctx, originalPath, audioPath); err != nil {
			return err
		}
	} else {
		if err := c.NormalizeToWAV(ctx, originalPath, audioPath); err != nil {
			return err
		}
	}

	descriptors, existing, err := w.prepareChunks(ctx, j, c, audioPath, scratch)
	if err != nil {
		return err
	}

	results, spans, err := w.iterateChunks(ctx, logger, j, prov, descriptors, existing)
	if err != nil {
		return err
	}

	transcript := w.merger.Merge(results, spans)

	if w.debugDir != "" {
		w.writeDebugDump(j.ID, transcript)
	}

	resultKey := fmt.Sprintf("jobs/%s/transcript.json", j.ID)
	if err := w.store.PutJSON(ctx, resultKey, transcript); err != nil {
		return fmt.Errorf("worker: persist transcript: %w", err)
	}

	if err := w.completeJob(ctx, j.ID, resultKey, transcript); err != nil {
		return err
	}

	if j.Config.WebhookURL != "" && w.queue != nil {
		payload := map[string]any{
			"job_id":      j.ID,
			"webhook_url": j.Config.WebhookURL,
		}
		if err := w.queue.Enqueue(ctx, queue.Webhooks, payload); err != nil {
			logger.Warn("worker: failed to enqueue webhook delivery", "error", err)
		}
	}

	return nil
}

// fetchOriginal downloads the job's original blob into scratch, preserving
// its extension so chunker.IsVideo's MIME sniff and ffmpeg's own format
// detection both have something to work with.
func (w *Worker) fetchOriginal(ctx context.Context, j *job.Job, scratch string) (string, error) {
	rc, err := w.store.Get(ctx, j.Source.OriginalKey)
	if err != nil {
		return "", fmt.Errorf("worker: fetch original blob: %w", err)
	}
	defer func() { _ = rc.Close() }()

	ext := filepath.Ext(j.Source.Filename)
	if ext == "" {
		ext = ".bin"
	}
	path := filepath.Join(scratch, "original"+ext)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("worker: create scratch file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(f, rc); err != nil {
		return "", fmt.Errorf("worker: write scratch file: %w", err)
	}

	return path, nil
}

// prepareChunks probes the normalized audio and either synthesizes one
// descriptor for the whole file (it fits a single chunk) or runs the
// chunker. Chunk rows are created once, on first attempt; a resumed job
// reuses whatever rows already exist so completed chunks aren't redone.
func (w *Worker) prepareChunks(ctx context.Context, j *job.Job, c *chunker.Chunker, audioPath, scratch string) ([]chunker.Descriptor, []*job.Chunk, error) {
	meta, err := c.Probe(ctx, audioPath)
	if err != nil {
		return nil, nil, err
	}

	var descriptors []chunker.Descriptor
	if meta.DurationSeconds <= w.chunkerOpts.MaxChunkDuration {
		descriptors = []chunker.Descriptor{{Index: 0, StartTime: 0, EndTime: meta.DurationSeconds, FilePath: audioPath}}
	} else {
		chunkDir := filepath.Join(scratch, "chunks")
		descriptors, _, err = c.Chunk(ctx, audioPath, chunkDir)
		if err != nil {
			return nil, nil, err
		}
	}

	existing, err := w.repo.ListChunks(ctx, j.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("worker: list existing chunks: %w", err)
	}

	if len(existing) == 0 {
		chunks := make([]*job.Chunk, len(descriptors))
		for i, d := range descriptors {
			chunks[i] = &job.Chunk{
				JobID: j.ID, Index: d.Index, Status: job.ChunkStatusPending,
				StartTime: d.StartTime, EndTime: d.EndTime,
			}
		}
		if err := w.repo.SaveChunks(ctx, j.ID, chunks); err != nil {
			return nil, nil, fmt.Errorf("worker: create chunk rows: %w", err)
		}
		j.SetTotalChunks(len(chunks))
		if err := w.repo.Save(ctx, j); err != nil {
			return nil, nil, fmt.Errorf("worker: persist total_chunks: %w", err)
		}
		existing = chunks
	}

	return descriptors, existing, nil
}

// iterateChunks walks descriptors in index order, skipping chunks already
// completed by a prior attempt, and returns the ordered per-chunk results
// and spans the merger needs.
func (w *Worker) iterateChunks(ctx context.Context, logger *slog.Logger, j *job.Job, prov provider.Provider, descriptors []chunker.Descriptor, existing []*job.Chunk) ([]merger.ChunkResult, []merger.ChunkSpan, error) {
	byIndex := make(map[int]*job.Chunk, len(existing))
	for _, c := range existing {
		byIndex[c.Index] = c
	}

	var results []merger.ChunkResult
	var spans []merger.ChunkSpan
	var priorSegments []provider.Segment

	for _, d := range descriptors {
		chunkLogger := logger.With("chunk_index", d.Index)
		row := byIndex[d.Index]
		if row == nil {
			row = &job.Chunk{JobID: j.ID, Index: d.Index, Status: job.ChunkStatusPending, StartTime: d.StartTime, EndTime: d.EndTime}
		}
		span := merger.ChunkSpan{StartTime: d.StartTime, EndTime: d.EndTime, Duration: d.Duration()}

		if row.Status == job.ChunkStatusCompleted && row.Result != nil {
			cr := chunkResultFromJob(*row.Result)
			results = append(results, cr)
			spans = append(spans, span)
			priorSegments = append(priorSegments, cr.Segments...)
			continue
		}

		if err := job.TransitionChunk(row, job.ChunkStatusProcessing); err != nil {
			return nil, nil, fmt.Errorf("worker: chunk %d: %w", d.Index, err)
		}
		row.AttemptCount++

		cfg := w.buildProviderConfig(j, d, priorSegments)

		resp, err := w.transcribeWithCoverage(ctx, chunkLogger, prov, j.ID, d, cfg)
		if err != nil {
			row.Status = job.ChunkStatusFailed
			row.LastError = err.Error()
			_ = w.repo.SaveChunk(ctx, row)
			return nil, nil, fmt.Errorf("worker: chunk %d: %w", d.Index, err)
		}

		row.Status = job.ChunkStatusCompleted
		row.Result = jobChunkResultFromProvider(resp)
		if err := w.repo.SaveChunk(ctx, row); err != nil {
			return nil, nil, fmt.Errorf("worker: persist chunk %d: %w", d.Index, err)
		}

		j.IncrementCompletedChunks()
		if err := w.repo.Save(ctx, j); err != nil {
			return nil, nil, fmt.Errorf("worker: persist job progress: %w", err)
		}

		cr := merger.ChunkResult{Segments: resp.Segments, LanguageDetected: resp.LanguageDetected, Metadata: resp.Metadata}
		results = append(results, cr)
		spans = append(spans, span)
		priorSegments = append(priorSegments, resp.Segments...)
	}

	return results, spans, nil
}

// buildProviderConfig copies the job's immutable configuration and fills in
// the per-chunk fields: duration, index, and — for every chunk after the
// first — a rolling context window built from what prior chunks returned.
func (w *Worker) buildProviderConfig(j *job.Job, d chunker.Descriptor, priorSegments []provider.Segment) provider.Config {
	cfg := provider.Config{
		Language:             j.Config.Language,
		AdditionalLanguages:  j.Config.AdditionalLanguages,
		Prompt:               j.Config.Context.Prompt,
		CustomVocabulary:     j.Config.Context.CustomVocabulary,
		Domain:               j.Config.Context.Domain,
		ChunkIndex:           d.Index,
		DiarizationEnabled:   j.Config.Diarization.Enabled,
		MinSpeakers:          j.Config.Diarization.MinSpeakers,
		MaxSpeakers:          j.Config.Diarization.MaxSpeakers,
		IncludeTimestamps:    true,
		TimestampGranularity: j.Config.Output.TimestampGranularity,
		IncludeConfidence:    j.Config.Output.IncludeConfidence,
		AudioDurationSeconds: d.Duration(),
	}

	if d.Index > 0 && len(priorSegments) > 0 {
		cfg.PreviousTranscriptContext = buildContextText(priorSegments, w.contextSegments)
		cfg.PreviousSpeakers = uniqueSpeakers(priorSegments)
	}

	return cfg
}

func buildContextText(segments []provider.Segment, k int) string {
	if k <= 0 || len(segments) == 0 {
		return ""
	}
	start := len(segments) - k
	if start < 0 {
		start = 0
	}
	lines := make([]string, 0, len(segments)-start)
	for _, seg := range segments[start:] {
		lines = append(lines, fmt.Sprintf("%s: %s", seg.SpeakerID, seg.Text))
	}
	return strings.Join(lines, "\n")
}

func uniqueSpeakers(segments []provider.Segment) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, seg := range segments {
		if _, ok := seen[seg.SpeakerID]; !ok {
			seen[seg.SpeakerID] = struct{}{}
			out = append(out, seg.SpeakerID)
		}
	}
	return out
}

// transcribeWithCoverage calls the provider, checks how much of the chunk's
// span its segments actually cover, and retransmits up to twice if the gap
// at either edge exceeds max(5s, 20% of the chunk's duration) — accepting
// whichever attempt had the smallest gap.
func (w *Worker) transcribeWithCoverage(ctx context.Context, logger *slog.Logger, prov provider.Provider, jobID string, d chunker.Descriptor, cfg provider.Config) (*provider.Response, error) {
	const maxAttempts = 3 // initial attempt plus up to two retransmits

	var best *provider.Response
	bestGap := math.Inf(1)
	threshold := math.Max(5.0, 0.2*d.Duration())

	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := w.transcribeOnce(ctx, jobID, prov, d, cfg)
		if err != nil {
			if best != nil {
				return best, nil
			}
			return nil, err
		}

		gap := coverageGap(resp.Segments, d.Duration())
		if gap < bestGap {
			best, bestGap = resp, gap
		}
		if gap <= threshold {
			break
		}
		logger.Warn("chunk coverage gap exceeds threshold, retransmitting",
			"gap", gap, "threshold", threshold, "attempt", attempt)
	}

	return best, nil
}

func coverageGap(segments []provider.Segment, chunkDuration float64) float64 {
	if len(segments) == 0 {
		return chunkDuration
	}

	leadingGap := segments[0].StartTime
	if leadingGap < 0 {
		leadingGap = 0
	}

	trailingGap := chunkDuration - segments[len(segments)-1].EndTime
	if trailingGap < 0 {
		trailingGap = 0
	}

	if leadingGap > trailingGap {
		return leadingGap
	}
	return trailingGap
}

func (w *Worker) transcribeOnce(ctx context.Context, jobID string, prov provider.Provider, d chunker.Descriptor, cfg provider.Config) (*provider.Response, error) {
	audio, err := os.ReadFile(d.FilePath)
	if err != nil {
		return nil, fmt.Errorf("read chunk audio: %w", err)
	}

	var resp *provider.Response
	onRetry := func(_ int, _ error, _ time.Duration) error {
		return w.checkCancelled(ctx, jobID)
	}

	err = retry.Do(ctx, func(ctx context.Context) error {
		r, err := prov.Transcribe(ctx, audio, "wav", cfg)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, w.retryCfg, prov.Name(), w.limiter, onRetry)

	if err != nil {
		return nil, err
	}
	return resp, nil
}

// checkCancelled reloads the job and raises ErrJobCancelled if it has been
// deleted or moved to a terminal/cancelled state, letting an in-flight
// retry loop abort cleanly instead of eventually failing the job itself.
func (w *Worker) checkCancelled(ctx context.Context, jobID string) error {
	j, err := w.repo.FindByID(ctx, jobID)
	if errors.Is(err, job.ErrJobNotFound) {
		return ErrJobCancelled
	}
	if err != nil {
		return nil // transient lookup failure: let the retry loop continue
	}
	if j.GetStatus() == job.StatusCancelled || j.IsTerminal() {
		return ErrJobCancelled
	}
	return nil
}

func (w *Worker) completeJob(ctx context.Context, jobID, resultKey string, transcript merger.Transcript) error {
	j, err := w.repo.FindByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("worker: reload job for completion: %w", err)
	}

	preview := transcript.FullText
	if len(preview) > 500 {
		preview = preview[:500]
	}

	if err := j.Complete(job.Result{Key: resultKey, SummaryPreview: preview}); err != nil {
		return fmt.Errorf("worker: complete job: %w", err)
	}
	return w.repo.Save(ctx, j)
}

func (w *Worker) writeDebugDump(jobID string, transcript merger.Transcript) {
	if err := os.MkdirAll(w.debugDir, 0o750); err != nil {
		w.logger.Warn("worker: failed to create debug dir", "error", err)
		return
	}

	data, err := json.MarshalIndent(transcript, "", "  ")
	if err != nil {
		w.logger.Warn("worker: failed to marshal debug dump", "job_id", jobID, "error", err)
		return
	}

	path := filepath.Join(w.debugDir, jobID+"_combined_results.json")
	if err := os.WriteFile(path, data, 0o640); err != nil {
		w.logger.Warn("worker: failed to write debug dump", "error", err)
	}
}

func jobChunkResultFromProvider(r *provider.Response) *job.ChunkResult {
	segments := make([]job.Segment, len(r.Segments))
	for i, s := range r.Segments {
		segments[i] = job.Segment{
			SpeakerID:  s.SpeakerID,
			Text:       s.Text,
			StartTime:  s.StartTime,
			EndTime:    s.EndTime,
			Confidence: s.Confidence,
			Words:      jobWordsFromProvider(s.Words),
		}
	}
	return &job.ChunkResult{Segments: segments, LanguageDetected: r.LanguageDetected, Metadata: r.Metadata}
}

func jobWordsFromProvider(words []provider.Word) []job.Word {
	if len(words) == 0 {
		return nil
	}
	out := make([]job.Word, len(words))
	for i, w := range words {
		out[i] = job.Word{Text: w.Text, StartTime: w.StartTime, EndTime: w.EndTime}
	}
	return out
}

func chunkResultFromJob(r job.ChunkResult) merger.ChunkResult {
	segments := make([]provider.Segment, len(r.Segments))
	for i, s := range r.Segments {
		segments[i] = segmentFromJob(s)
	}
	return merger.ChunkResult{Segments: segments, LanguageDetected: r.LanguageDetected, Metadata: r.Metadata}
}

func segmentFromJob(s job.Segment) provider.Segment {
	var words []provider.Word
	if len(s.Words) > 0 {
		words = make([]provider.Word, len(s.Words))
		for i, w := range s.Words {
			words[i] = provider.Word{Text: w.Text, StartTime: w.StartTime, EndTime: w.EndTime}
		}
	}
	return provider.Segment{
		SpeakerID: s.SpeakerID, Text: s.Text, StartTime: s.StartTime, EndTime: s.EndTime,
		Confidence: s.Confidence, Words: words,
	}
}
