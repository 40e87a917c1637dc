// Package job provides the Job and Chunk aggregates that back the
// transcription pipeline's state machine, plus repository interfaces for
// persistence.
package job

import (
	"errors"
	"sync"
	"time"

	"github.com/davidarakelyan/stt-pipeline/internal/job/id"
)

// Status is the current lifecycle state of a Job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// ErrInvalidTransition is returned when an invalid state transition is
// attempted, on either a Job or a Chunk.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions is a DAG that only ever walks backward for
// failed->processing (retry) and pending->cancelled; every other edge
// moves strictly forward toward a terminal state.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusUploaded, StatusCancelled},
	StatusUploaded:   {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:     {StatusProcessing},
	StatusCompleted:  {},
	StatusCancelled:  {},
}

func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// ChunkStatus is the current lifecycle state of a Chunk.
type ChunkStatus string

const (
	ChunkStatusPending    ChunkStatus = "pending"
	ChunkStatusProcessing ChunkStatus = "processing"
	ChunkStatusCompleted  ChunkStatus = "completed"
	ChunkStatusFailed     ChunkStatus = "failed"
)

var validChunkTransitions = map[ChunkStatus][]ChunkStatus{
	ChunkStatusPending:    {ChunkStatusProcessing},
	ChunkStatusProcessing: {ChunkStatusCompleted, ChunkStatusFailed},
	ChunkStatusCompleted:  {},
	ChunkStatusFailed:     {ChunkStatusPending}, // reset on job retry
}

func canTransitionChunk(from, to ChunkStatus) bool {
	allowed, ok := validChunkTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Word is a single word-level timing entry, present only when the chunk's
// provider supplied word granularity.
type Word struct {
	Text      string
	StartTime float64
	EndTime   float64
}

// Segment is one speaker turn in a chunk's stored result.
type Segment struct {
	SpeakerID  string
	Text       string
	StartTime  float64
	EndTime    float64
	Confidence *float64
	Words      []Word
}

// ChunkResult is the persisted per-chunk outcome: segments plus metadata
// useful for forensics (tokens, latency, finish reason).
type ChunkResult struct {
	Segments         []Segment
	LanguageDetected string
	Metadata         map[string]any
}

// Chunk is a child of Job: one bounded slice of the source recording.
type Chunk struct {
	JobID        string
	Index        int
	Status       ChunkStatus
	StartTime    float64
	EndTime      float64
	AttemptCount int
	LastError    string
	Result       *ChunkResult
}

// Duration returns the chunk's span length in seconds.
func (c Chunk) Duration() float64 { return c.EndTime - c.StartTime }

// Diarization captures the job's speaker-separation configuration.
type Diarization struct {
	Enabled     bool
	MinSpeakers int
	MaxSpeakers int
}

// Output captures the job's requested output shape.
type Output struct {
	TimestampGranularity string // "segment" or "word"
	IncludeConfidence    bool
}

// Context captures free-form hints that improve transcription quality.
type Context struct {
	Prompt           string
	Domain           string
	CustomVocabulary []string
}

// Config is the job's configuration, immutable after create.
type Config struct {
	Language            string
	AdditionalLanguages []string
	Diarization         Diarization
	Output              Output
	Context             Context
	Provider            string
	WebhookURL          string
}

// Source captures everything known about the original upload.
type Source struct {
	Filename        string
	SizeBytes       int64
	DurationSeconds float64
	Codec           string
	OriginalKey     string
}

// Result captures the merged transcript's location and a quick-read
// summary.
type Result struct {
	Key            string
	SummaryPreview string
}

// Job is the transcription job aggregate.
type Job struct {
	mu sync.RWMutex

	ID     string
	Status Status
	Config Config
	Source Source

	TotalChunks     int
	CompletedChunks int

	Result    Result
	Error     string
	ErrorCode string

	WebhookSent bool

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
}

// New creates a Job in StatusPending with a generated ID.
func New(cfg Config) *Job {
	return NewWithID(id.Generate(), cfg)
}

// NewWithID creates a Job in StatusPending with the given ID. Useful for
// testing or when the ID is generated externally.
func NewWithID(jobID string, cfg Config) *Job {
	now := time.Now()
	return &Job{
		ID:        jobID,
		Status:    StatusPending,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TransitionTo attempts to move the job to the given status. Returns
// ErrInvalidTransition if the move is not on the allowed DAG.
func (j *Job) TransitionTo(status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !canTransition(j.Status, status) {
		return ErrInvalidTransition
	}

	j.Status = status
	j.UpdatedAt = time.Now()

	if status == StatusCompleted || status == StatusFailed || status == StatusCancelled {
		j.CompletedAt = j.UpdatedAt
	}

	return nil
}

// MarkUploaded transitions pending -> uploaded and stores probed source
// metadata in one step.
func (j *Job) MarkUploaded(source Source) error {
	j.mu.Lock()
	if !canTransition(j.Status, StatusUploaded) {
		j.mu.Unlock()
		return ErrInvalidTransition
	}
	j.Source = source
	j.Status = StatusUploaded
	j.UpdatedAt = time.Now()
	j.mu.Unlock()
	return nil
}

// Start transitions uploaded -> processing.
func (j *Job) Start() error { return j.TransitionTo(StatusProcessing) }

// Complete transitions processing -> completed, requiring a non-empty
// result key.
func (j *Job) Complete(result Result) error {
	j.mu.Lock()
	if !canTransition(j.Status, StatusCompleted) {
		j.mu.Unlock()
		return ErrInvalidTransition
	}
	if result.Key == "" || j.CompletedChunks != j.TotalChunks || j.TotalChunks == 0 {
		j.mu.Unlock()
		return errors.New("job: cannot complete without a full result and all chunks completed")
	}
	j.Result = result
	j.Status = StatusCompleted
	j.UpdatedAt = time.Now()
	j.CompletedAt = j.UpdatedAt
	j.mu.Unlock()
	return nil
}

// Fail transitions the job to failed, storing a user-facing message and a
// stable machine error code.
func (j *Job) Fail(message, code string) error {
	j.mu.Lock()
	j.Error = message
	j.ErrorCode = code
	j.mu.Unlock()
	return j.TransitionTo(StatusFailed)
}

// Cancel transitions the job to cancelled.
func (j *Job) Cancel() error { return j.TransitionTo(StatusCancelled) }

// Retry moves a failed job back to processing and clears its error fields.
// It does not touch chunk rows, so the returned count is always 0; the
// caller (orchestrator.Retry) resets failed chunks itself.
func (j *Job) Retry() (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Status != StatusFailed {
		return 0, ErrInvalidTransition
	}

	reset := 0
	// chunk rows live in the repository (SaveChunk/ListChunks), so Retry
	// only flips the job's own status here.
	j.Status = StatusProcessing
	j.Error = ""
	j.ErrorCode = ""
	j.UpdatedAt = time.Now()
	return reset, nil
}

// GetStatus returns the current status (thread-safe).
func (j *Job) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// SetTotalChunks records the chunk count once the chunker has run.
func (j *Job) SetTotalChunks(n int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.TotalChunks = n
	j.UpdatedAt = time.Now()
}

// IncrementCompletedChunks advances the monotonic completed-chunk counter.
// Never allows completed to exceed total,.
func (j *Job) IncrementCompletedChunks() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.CompletedChunks < j.TotalChunks {
		j.CompletedChunks++
	}
	j.UpdatedAt = time.Now()
}

// MarkWebhookSent records at-most-once webhook delivery.
func (j *Job) MarkWebhookSent() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.WebhookSent = true
	j.UpdatedAt = time.Now()
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status == StatusCompleted || j.Status == StatusFailed || j.Status == StatusCancelled
}

// Clone returns a deep copy suitable for safe external reads.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	cfg := j.Config
	cfg.AdditionalLanguages = append([]string(nil), j.Config.AdditionalLanguages...)
	cfg.Context.CustomVocabulary = append([]string(nil), j.Config.Context.CustomVocabulary...)

	return &Job{
		ID:              j.ID,
		Status:          j.Status,
		Config:          cfg,
		Source:          j.Source,
		TotalChunks:     j.TotalChunks,
		CompletedChunks: j.CompletedChunks,
		Result:          j.Result,
		Error:           j.Error,
		ErrorCode:       j.ErrorCode,
		WebhookSent:     j.WebhookSent,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		CompletedAt:     j.CompletedAt,
	}
}

// TransitionChunk validates and applies a chunk status change, following
// the same DAG rules as the job (failed->pending on retry, otherwise
// forward only).
func TransitionChunk(c *Chunk, to ChunkStatus) error {
	if !canTransitionChunk(c.Status, to) {
		return ErrInvalidTransition
	}
	c.Status = to
	return nil
}
