// Package janitor periodically deletes terminal jobs and their blob
// artifacts once they pass the configured retention window.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/davidarakelyan/stt-pipeline/internal/job"
	"github.com/davidarakelyan/stt-pipeline/internal/storage"
)

// Janitor sweeps expired jobs: their blob objects first, then the job row
// itself, so a crash mid-sweep never leaves blobs without a job row. At worst
// it leaves a row whose blobs are already gone, which the next run finds
// again and deletes.
type Janitor struct {
	repo   job.Repository
	store  storage.Store
	logger *slog.Logger
}

// New creates a Janitor over the given repository and blob store.
func New(repo job.Repository, store storage.Store, logger *slog.Logger) *Janitor {
	return &Janitor{repo: repo, store: store, logger: logger}
}

// Sweep deletes every job whose CompletedAt predates now-retentionDays, plus
// everything stored under its "jobs/{job_id}/" prefix. retentionDays <= 0
// disables the sweep entirely, returning immediately. Returns the number of
// jobs deleted.
func (jn *Janitor) Sweep(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	expired, err := jn.repo.FindExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find expired jobs: %w", err)
	}

	deleted := 0
	for _, j := range expired {
		logger := jn.logger.With("job_id", j.ID)

		prefix := "jobs/" + j.ID + "/"
		keys, err := jn.store.List(ctx, prefix)
		if err != nil {
			logger.Error("janitor: failed to list job artifacts, skipping", "error", err)
			continue
		}

		if len(keys) > 0 {
			if err := jn.store.DeleteMany(ctx, keys); err != nil {
				logger.Error("janitor: failed to delete job artifacts, skipping", "error", err)
				continue
			}
		}

		if err := jn.repo.Delete(ctx, j.ID); err != nil {
			logger.Error("janitor: failed to delete job row after blobs were removed", "error", err)
			continue
		}

		logger.Info("janitor: deleted expired job", "artifacts_removed", len(keys))
		deleted++
	}

	return deleted, nil
}
