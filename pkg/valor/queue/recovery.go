// recovery.go re-enqueues jobs that were left running by a crashed process.
// Runs once at startup, before any worker starts, so there is no live worker
// the stale jobs could belong to.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RecoveryReport summarizes one crash-recovery pass. Failed carries the full
// jobs so the caller can tell their chats about the loss once channels are
// connected; recovery itself runs before any transport exists.
type RecoveryReport struct {
	Revived []string // job IDs re-enqueued as pending
	Failed  []*Job   // jobs marked failed (revival cap reached)
}

// RecoverStale scans for jobs stuck in running state and either revives them
// (status back to pending, RevivalContext set) or, when the job was itself
// already a revival, marks them failed. The cap is one revival per session
// chain: a revived job carries a non-empty revival_context, so a second crash
// of the same chain lands on the failed branch instead of a retry storm.
//
// Running the pass twice in a row is a no-op: the first pass leaves no
// running jobs behind.
func RecoverStale(ctx context.Context, store Store, logger *slog.Logger) (*RecoveryReport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "recovery")

	stale, err := store.Query(ctx, "", StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("scan running jobs: %w", err)
	}

	report := &RecoveryReport{}
	for _, job := range stale {
		if job.RevivalContext != "" {
			// Already revived once; give up and surface the failure.
			if err := store.MarkFailed(ctx, job.ID, "session crashed twice, revival cap reached"); err != nil {
				logger.Error("failed to mark twice-crashed job", "id", job.ID, "err", err)
				continue
			}
			if err := store.SetDelivery(ctx, job.ID, DeliveredError); err != nil {
				logger.Warn("failed to record delivery on twice-crashed job", "id", job.ID, "err", err)
			}
			report.Failed = append(report.Failed, job)
			logger.Warn("stale job failed permanently",
				"id", job.ID,
				"session", job.SessionID,
				"project", job.ProjectKey,
			)
			continue
		}

		// The original row stays as a failed record; the revival is a new
		// pending job so pop ordering and status transitions stay forward-only.
		if err := store.MarkFailed(ctx, job.ID, "interrupted by process restart"); err != nil {
			logger.Error("failed to retire stale job", "id", job.ID, "err", err)
			continue
		}

		revival := job.Continuation("")
		revival.MessageText = job.MessageText
		revival.AutoContinueCount = job.AutoContinueCount
		revival.Resume = job.Resume
		revival.RevivalContext = fmt.Sprintf("revived at %s after process restart (original job %s)",
			time.Now().UTC().Format(time.RFC3339), job.ID)

		if _, err := store.Enqueue(ctx, revival); err != nil {
			logger.Error("failed to enqueue revival", "id", job.ID, "err", err)
			continue
		}
		// The retired row closes quietly; the revival owns the user-visible
		// outcome of the chain.
		if err := store.SetDelivery(ctx, job.ID, DeliveredAck); err != nil {
			logger.Warn("failed to record delivery on retired job", "id", job.ID, "err", err)
		}
		report.Revived = append(report.Revived, revival.ID)
		logger.Info("stale job revived",
			"original", job.ID,
			"revival", revival.ID,
			"session", job.SessionID,
			"project", job.ProjectKey,
		)
	}

	if len(report.Revived) > 0 || len(report.Failed) > 0 {
		logger.Info("crash recovery finished",
			"revived", len(report.Revived),
			"failed", len(report.Failed),
		)
	}
	return report, nil
}
