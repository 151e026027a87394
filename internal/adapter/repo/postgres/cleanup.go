package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

// CleanupService enforces data retention: terminal jobs past the retention
// window and idempotency claims past their expiry are purged. Audit events
// are never deleted.
type CleanupService struct {
	Jobs          domain.JobRepository
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(jobs domain.JobRepository, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Jobs: jobs, RetentionDays: retentionDays}
}

// CleanupOldData removes data older than the retention period.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, -s.RetentionDays)

	deletedJobs, err := s.Jobs.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.CleanupOldData: jobs: %w", err)
	}
	deletedClaims, err := s.Jobs.DeleteExpiredIdempotency(ctx, now)
	if err != nil {
		return fmt.Errorf("op=cleanup.CleanupOldData: idempotency: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_jobs", deletedJobs),
		slog.Int64("deleted_idempotency_records", deletedClaims),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic starts a periodic cleanup job.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run initial cleanup
	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
