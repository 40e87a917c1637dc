// Package recovery fails stale jobs left behind by a crashed worker. The
// one-shot CLI in main.go runs it once; the server runs it periodically.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/davidarakelyan/stt-pipeline/internal/job"
)

// staleMessage is the user-visible error stamped on a job recovered this way.
const staleMessage = "interrupted by a service restart; please resubmit"

const staleErrorCode = "provider_unavailable"

// Recoverer fails jobs whose updated_at predates a staleness cutoff.
type Recoverer struct {
	repo   job.Repository
	logger *slog.Logger
}

// New creates a Recoverer over the given job repository.
func New(repo job.Repository, logger *slog.Logger) *Recoverer {
	return &Recoverer{repo: repo, logger: logger}
}

// FailStaleJobs finds every job in processing or uploaded whose UpdatedAt
// predates now-staleMinutes and transitions it to failed. Returns the
// number of jobs recovered.
func (r *Recoverer) FailStaleJobs(ctx context.Context, staleMinutes int) (int, error) {
	cutoff := time.Now().Add(-time.Duration(staleMinutes) * time.Minute)

	stale, err := r.repo.FindStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, j := range stale {
		logger := r.logger.With("job_id", j.ID, "status", string(j.GetStatus()))
		if err := j.Fail(staleMessage, staleErrorCode); err != nil {
			logger.Warn("stale job could not be transitioned to failed", "error", err)
			continue
		}
		if err := r.repo.Save(ctx, j); err != nil {
			logger.Error("failed to persist recovered job", "error", err)
			continue
		}
		logger.Info("recovered stale job")
		recovered++
	}

	return recovered, nil
}
