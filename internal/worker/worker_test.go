package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/davidarakelyan/stt-pipeline/internal/chunker"
	"github.com/davidarakelyan/stt-pipeline/internal/job"
	"github.com/davidarakelyan/stt-pipeline/internal/provider"
	"github.com/davidarakelyan/stt-pipeline/internal/ratelimit"
	"github.com/davidarakelyan/stt-pipeline/internal/retry"
	"github.com/davidarakelyan/stt-pipeline/internal/storage"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProvider struct {
	name       string
	responses  []*provider.Response
	errs       []error
	callCount  int
	lastConfig provider.Config
}

func (p *fakeProvider) Transcribe(_ context.Context, _ []byte, _ string, cfg provider.Config) (*provider.Response, error) {
	p.lastConfig = cfg
	i := p.callCount
	p.callCount++
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i < len(p.responses) {
		return p.responses[i], nil
	}
	return p.responses[len(p.responses)-1], nil
}

func (p *fakeProvider) SupportsLanguage(string) bool { return true }
func (p *fakeProvider) SupportsDiarization() bool    { return true }
func (p *fakeProvider) Name() string                 { return p.name }

func newTestWorker(t *testing.T, repo job.Repository) *Worker {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("new local storage: %v", err)
	}
	return New(repo, store, map[string]provider.Provider{}, ratelimit.New(), retry.DefaultConfig(), nil, newTestLogger())
}

func TestProcessJob_RejectsNonAdmissibleStatus(t *testing.T) {
	repo := job.NewMemoryRepository()
	j := job.New(job.Config{Provider: "fake"})
	if err := repo.Save(context.Background(), j); err != nil {
		t.Fatalf("save: %v", err)
	}

	w := newTestWorker(t, repo)
	err := w.ProcessJob(context.Background(), j.ID)
	if err == nil {
		t.Fatal("expected error for pending job")
	}
}

func TestProcessJob_UnknownProviderFailsJob(t *testing.T) {
	repo := job.NewMemoryRepository()
	j := job.New(job.Config{Provider: "nonexistent"})
	if err := j.MarkUploaded(job.Source{Filename: "a.wav", OriginalKey: "jobs/x/original.wav"}); err != nil {
		t.Fatalf("mark uploaded: %v", err)
	}
	if err := repo.Save(context.Background(), j); err != nil {
		t.Fatalf("save: %v", err)
	}

	w := newTestWorker(t, repo)
	err := w.ProcessJob(context.Background(), j.ID)
	if err == nil {
		t.Fatal("expected error for unconfigured provider")
	}

	got, findErr := repo.FindByID(context.Background(), j.ID)
	if findErr != nil {
		t.Fatalf("find: %v", findErr)
	}
	if got.GetStatus() != job.StatusFailed {
		t.Errorf("status = %s, want failed", got.GetStatus())
	}
}

func TestCoverageGap(t *testing.T) {
	tests := []struct {
		name     string
		segments []provider.Segment
		duration float64
		want     float64
	}{
		{"empty segments returns full duration", nil, 60, 60},
		{"full coverage has no gap", []provider.Segment{{StartTime: 0, EndTime: 60}}, 60, 0},
		{"leading gap dominates", []provider.Segment{{StartTime: 10, EndTime: 60}}, 60, 10},
		{"trailing gap dominates", []provider.Segment{{StartTime: 0, EndTime: 45}}, 60, 15},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := coverageGap(tt.segments, tt.duration)
			if got != tt.want {
				t.Errorf("coverageGap = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTranscribeWithCoverage_RetransmitsOnLargeGap(t *testing.T) {
	repo := job.NewMemoryRepository()
	w := newTestWorker(t, repo)

	confidence := 0.9
	badResp := &provider.Response{Segments: []provider.Segment{{StartTime: 30, EndTime: 60, Confidence: &confidence}}}
	goodResp := &provider.Response{Segments: []provider.Segment{{StartTime: 0, EndTime: 60, Confidence: &confidence}}}

	p := &fakeProvider{name: "fake", responses: []*provider.Response{badResp, goodResp}}

	d := chunker.Descriptor{Index: 0, StartTime: 0, EndTime: 60, FilePath: writeTempAudio(t)}

	resp, err := w.transcribeWithCoverage(context.Background(), newTestLogger(), p, "job-1", d, provider.Config{AudioDurationSeconds: 60})
	if err != nil {
		t.Fatalf("transcribeWithCoverage: %v", err)
	}
	if resp != goodResp {
		t.Errorf("expected the better-coverage response to be selected")
	}
	if p.callCount != 2 {
		t.Errorf("callCount = %d, want 2 (one retransmit)", p.callCount)
	}
}

func TestTranscribeWithCoverage_AcceptsFirstAttemptWithinThreshold(t *testing.T) {
	repo := job.NewMemoryRepository()
	w := newTestWorker(t, repo)

	resp1 := &provider.Response{Segments: []provider.Segment{{StartTime: 0, EndTime: 60}}}
	p := &fakeProvider{name: "fake", responses: []*provider.Response{resp1}}

	d := chunker.Descriptor{Index: 0, StartTime: 0, EndTime: 60, FilePath: writeTempAudio(t)}

	_, err := w.transcribeWithCoverage(context.Background(), newTestLogger(), p, "job-1", d, provider.Config{AudioDurationSeconds: 60})
	if err != nil {
		t.Fatalf("transcribeWithCoverage: %v", err)
	}
	if p.callCount != 1 {
		t.Errorf("callCount = %d, want 1 (no retransmit needed)", p.callCount)
	}
}

func writeTempAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunk.wav")
	if err := os.WriteFile(path, []byte("fake-audio-bytes"), 0o600); err != nil {
		t.Fatalf("write temp audio: %v", err)
	}
	return path
}

func TestBuildContextText(t *testing.T) {
	segments := []provider.Segment{
		{SpeakerID: "SPEAKER_00", Text: "hello"},
		{SpeakerID: "SPEAKER_01", Text: "hi there"},
		{SpeakerID: "SPEAKER_00", Text: "how are you"},
	}

	got := buildContextText(segments, 2)
	want := "SPEAKER_01: hi there\nSPEAKER_00: how are you"
	if got != want {
		t.Errorf("buildContextText = %q, want %q", got, want)
	}

	if buildContextText(nil, 2) != "" {
		t.Error("expected empty string for no segments")
	}
}

func TestUniqueSpeakers_PreservesFirstAppearanceOrder(t *testing.T) {
	segments := []provider.Segment{
		{SpeakerID: "SPEAKER_01"},
		{SpeakerID: "SPEAKER_00"},
		{SpeakerID: "SPEAKER_01"},
	}
	got := uniqueSpeakers(segments)
	want := []string{"SPEAKER_01", "SPEAKER_00"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSegmentConversionRoundTrip(t *testing.T) {
	confidence := 0.87
	orig := provider.Segment{
		SpeakerID: "SPEAKER_00", Text: "hello world", StartTime: 1, EndTime: 2, Confidence: &confidence,
		Words: []provider.Word{{Text: "hello", StartTime: 1, EndTime: 1.5}, {Text: "world", StartTime: 1.5, EndTime: 2}},
	}

	resp := &provider.Response{Segments: []provider.Segment{orig}, LanguageDetected: "hy"}
	persisted := jobChunkResultFromProvider(resp)

	if len(persisted.Segments) != 1 || len(persisted.Segments[0].Words) != 2 {
		t.Fatalf("persisted segment/word count mismatch: %+v", persisted)
	}

	back := chunkResultFromJob(*persisted)
	if len(back.Segments) != 1 {
		t.Fatalf("round-tripped segment count = %d, want 1", len(back.Segments))
	}
	got := back.Segments[0]
	if got.SpeakerID != orig.SpeakerID || got.Text != orig.Text || len(got.Words) != 2 {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, orig)
	}
	if got.Confidence == nil || *got.Confidence != confidence {
		t.Errorf("confidence not preserved: %v", got.Confidence)
	}
}

func TestCheckCancelled_TerminalJobCancels(t *testing.T) {
	repo := job.NewMemoryRepository()
	w := newTestWorker(t, repo)

	j := job.New(job.Config{})
	_ = j.MarkUploaded(job.Source{})
	_ = j.Start()
	_ = j.Cancel()
	if err := repo.Save(context.Background(), j); err != nil {
		t.Fatalf("save: %v", err)
	}

	err := w.checkCancelled(context.Background(), j.ID)
	if !errors.Is(err, ErrJobCancelled) {
		t.Errorf("expected ErrJobCancelled, got %v", err)
	}
}

func TestCheckCancelled_DeletedJobCancels(t *testing.T) {
	repo := job.NewMemoryRepository()
	w := newTestWorker(t, repo)

	err := w.checkCancelled(context.Background(), "nonexistent")
	if !errors.Is(err, ErrJobCancelled) {
		t.Errorf("expected ErrJobCancelled for missing job, got %v", err)
	}
}

func TestCheckCancelled_ActiveJobContinues(t *testing.T) {
	repo := job.NewMemoryRepository()
	w := newTestWorker(t, repo)

	j := job.New(job.Config{})
	_ = j.MarkUploaded(job.Source{})
	_ = j.Start()
	if err := repo.Save(context.Background(), j); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := w.checkCancelled(context.Background(), j.ID); err != nil {
		t.Errorf("expected nil for active job, got %v", err)
	}
}
