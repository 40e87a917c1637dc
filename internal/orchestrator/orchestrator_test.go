package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/davidarakelyan/stt-pipeline/internal/chunker"
	"github.com/davidarakelyan/stt-pipeline/internal/job"
	"github.com/davidarakelyan/stt-pipeline/internal/queue"
	"github.com/davidarakelyan/stt-pipeline/internal/storage"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, job.Repository, *queue.Queue) {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("new local storage: %v", err)
	}
	repo := job.NewMemoryRepository()
	q := queue.New(4, queue.Transcription, queue.Webhooks)
	c := chunker.New("ffmpeg", "ffprobe", chunker.Options{})
	o := New(repo, store, q, c, []string{"fake-provider"}, newTestLogger())
	return o, repo, q
}

func validInput() CreateJobInput {
	return CreateJobInput{
		Language:  "en",
		Provider:  "fake-provider",
		Filename:  "audio.wav",
		SizeBytes: 1024,
	}
}

func TestCreate_RejectsUnconfiguredProvider(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	input := validInput()
	input.Provider = "not-configured"

	if _, err := o.Create(context.Background(), input); err == nil {
		t.Fatal("expected error for unconfigured provider")
	}
}

func TestCreate_RejectsInvalidLanguageTag(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	input := validInput()
	input.Language = "not-a-real-tag!!"

	if _, err := o.Create(context.Background(), input); err == nil {
		t.Fatal("expected validation error for malformed language tag")
	}
}

func TestCreate_RejectsMissingFilename(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	input := validInput()
	input.Filename = ""

	if _, err := o.Create(context.Background(), input); err == nil {
		t.Fatal("expected validation error for missing filename")
	}
}

func TestCreate_StoresPendingJobWithConfig(t *testing.T) {
	o, repo, _ := newTestOrchestrator(t)
	input := validInput()
	input.WebhookURL = "https://example.com/hook"

	jobID, err := o.Create(context.Background(), input)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.FindByID(context.Background(), jobID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.GetStatus() != job.StatusPending {
		t.Errorf("status = %s, want pending", got.GetStatus())
	}
	if got.Config.Provider != "fake-provider" || got.Config.WebhookURL != "https://example.com/hook" {
		t.Errorf("config not persisted: %+v", got.Config)
	}
}

func TestSubmit_RejectsPendingJobWithNoBlob(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	jobID, err := o.Create(context.Background(), validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	err = o.Submit(context.Background(), jobID)
	if !errors.Is(err, ErrIllegalState) {
		t.Errorf("expected ErrIllegalState, got %v", err)
	}
}

func TestSubmit_EnqueuesUploadedJob(t *testing.T) {
	o, repo, q := newTestOrchestrator(t)
	jobID, err := o.Create(context.Background(), validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	j, err := repo.FindByID(context.Background(), jobID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if err := j.MarkUploaded(job.Source{Filename: "audio.wav", OriginalKey: "jobs/" + jobID + "/original.wav"}); err != nil {
		t.Fatalf("mark uploaded: %v", err)
	}
	if err := repo.Save(context.Background(), j); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := o.Submit(context.Background(), jobID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	task, err := receiveOne(ctx, q, queue.Transcription)
	cancel()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if task.Payload != jobID {
		t.Errorf("payload = %v, want %s", task.Payload, jobID)
	}
}

func receiveOne(ctx context.Context, q *queue.Queue, name string) (queue.Task, error) {
	var got queue.Task
	var got2 error
	done := make(chan struct{})
	go func() {
		_ = q.Consume(ctx, name, func(_ context.Context, t queue.Task) error {
			got = t
			close(done)
			return errors.New("stop after first")
		})
	}()
	<-done
	return got, got2
}

func TestGetStatusProgressResult_NotFound(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	if _, err := o.GetStatus(context.Background(), "missing"); !errors.Is(err, job.ErrJobNotFound) {
		t.Errorf("GetStatus: expected ErrJobNotFound, got %v", err)
	}
	if _, err := o.GetProgress(context.Background(), "missing"); !errors.Is(err, job.ErrJobNotFound) {
		t.Errorf("GetProgress: expected ErrJobNotFound, got %v", err)
	}
	if _, err := o.GetResult(context.Background(), "missing"); !errors.Is(err, job.ErrJobNotFound) {
		t.Errorf("GetResult: expected ErrJobNotFound, got %v", err)
	}
}

func TestGetProgress_ReflectsChunkCounters(t *testing.T) {
	o, repo, _ := newTestOrchestrator(t)
	j := job.New(job.Config{Provider: "fake-provider"})
	if err := j.MarkUploaded(job.Source{}); err != nil {
		t.Fatalf("mark uploaded: %v", err)
	}
	j.SetTotalChunks(4)
	j.IncrementCompletedChunks()
	if err := repo.Save(context.Background(), j); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := o.GetProgress(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	if got.TotalChunks != 4 || got.CompletedChunks != 1 {
		t.Errorf("progress = %+v, want total=4 completed=1", got)
	}
}

func TestRetry_RequiresFailedStatus(t *testing.T) {
	o, repo, _ := newTestOrchestrator(t)
	j := job.New(job.Config{Provider: "fake-provider"})
	if err := repo.Save(context.Background(), j); err != nil {
		t.Fatalf("save: %v", err)
	}

	err := o.Retry(context.Background(), j.ID)
	if !errors.Is(err, ErrIllegalState) {
		t.Errorf("expected ErrIllegalState, got %v", err)
	}
}

func TestRetry_ResetsFailedChunksAndRequeues(t *testing.T) {
	o, repo, q := newTestOrchestrator(t)
	j := job.New(job.Config{Provider: "fake-provider"})
	if err := j.MarkUploaded(job.Source{}); err != nil {
		t.Fatalf("mark uploaded: %v", err)
	}
	j.SetTotalChunks(2)
	if err := j.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := j.Fail("provider unavailable", "provider_unavailable"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := repo.Save(context.Background(), j); err != nil {
		t.Fatalf("save: %v", err)
	}

	failedChunk := &job.Chunk{JobID: j.ID, Index: 0, Status: job.ChunkStatusFailed}
	okChunk := &job.Chunk{JobID: j.ID, Index: 1, Status: job.ChunkStatusCompleted}
	if err := repo.SaveChunk(context.Background(), failedChunk); err != nil {
		t.Fatalf("save chunk: %v", err)
	}
	if err := repo.SaveChunk(context.Background(), okChunk); err != nil {
		t.Fatalf("save chunk: %v", err)
	}

	if err := o.Retry(context.Background(), j.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}

	got, err := repo.FindByID(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.GetStatus() != job.StatusProcessing {
		t.Errorf("status = %s, want processing", got.GetStatus())
	}

	chunks, err := repo.ListChunks(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	for _, c := range chunks {
		if c.Index == 0 && c.Status != job.ChunkStatusPending {
			t.Errorf("chunk 0 status = %s, want pending", c.Status)
		}
		if c.Index == 1 && c.Status != job.ChunkStatusCompleted {
			t.Errorf("chunk 1 status = %s, want unchanged completed", c.Status)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	task, recvErr := receiveOne(ctx, q, queue.Transcription)
	cancel()
	if recvErr != nil {
		t.Fatalf("receive: %v", recvErr)
	}
	if task.Payload != j.ID {
		t.Errorf("payload = %v, want %s", task.Payload, j.ID)
	}
}

func TestCancel_RejectsTerminalJob(t *testing.T) {
	o, repo, _ := newTestOrchestrator(t)
	j := job.New(job.Config{Provider: "fake-provider"})
	if err := j.MarkUploaded(job.Source{}); err != nil {
		t.Fatalf("mark uploaded: %v", err)
	}
	if err := j.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := j.Fail("x", "provider_unavailable"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := repo.Save(context.Background(), j); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := o.Cancel(context.Background(), j.ID); !errors.Is(err, ErrIllegalState) {
		t.Errorf("expected ErrIllegalState, got %v", err)
	}
}

func TestCancel_MovesActiveJobToCancelled(t *testing.T) {
	o, repo, _ := newTestOrchestrator(t)
	j := job.New(job.Config{Provider: "fake-provider"})
	if err := repo.Save(context.Background(), j); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := o.Cancel(context.Background(), j.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, err := repo.FindByID(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.GetStatus() != job.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.GetStatus())
	}
}

func TestDelete_RemovesBlobsAndJobRow(t *testing.T) {
	o, repo, _ := newTestOrchestrator(t)
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("new local storage: %v", err)
	}
	o.store = store

	j := job.New(job.Config{Provider: "fake-provider"})
	if err := repo.Save(context.Background(), j); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Put(context.Background(), "jobs/"+j.ID+"/original.wav", nopReader{}); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := o.Delete(context.Background(), j.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := repo.FindByID(context.Background(), j.ID); !errors.Is(err, job.ErrJobNotFound) {
		t.Errorf("expected job to be gone, got %v", err)
	}
	keys, err := store.List(context.Background(), "jobs/"+j.ID+"/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected no remaining blobs, got %v", keys)
	}
}

func TestDelete_IdempotentOnMissingJob(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	if err := o.Delete(context.Background(), "never-existed"); err != nil {
		t.Errorf("expected idempotent success, got %v", err)
	}
}

type nopReader struct{}

func (nopReader) Read(p []byte) (int, error) { return 0, io.EOF }
