package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/skymap-astro/nmma-broker/internal/domain"
)

// CleanupService purges finished analyses past the retention window, plus
// any result rows whose analysis no longer exists.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a cleanup service with a 90 day default
// retention.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes terminal analyses older than the retention period.
// Jobs still moving through the pipeline are never touched.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays).Unix()
	terminal := []string{
		string(domain.JobCompleted),
		string(domain.JobFailedSubmission),
		string(domain.JobFailedUpload),
		string(domain.JobFailedPlot),
		string(domain.JobWebhookExpired),
	}

	tag, err := s.Pool.Exec(ctx, `
		DELETE FROM results
		WHERE analysis_id IN (
			SELECT id FROM analysis WHERE created_at < $1 AND status = ANY($2)
		)`, cutoff, terminal)
	if err != nil {
		return fmt.Errorf("op=cleanup.results: %w", err)
	}
	deletedResults := tag.RowsAffected()

	tag, err = s.Pool.Exec(ctx, `
		DELETE FROM analysis WHERE created_at < $1 AND status = ANY($2)`, cutoff, terminal)
	if err != nil {
		return fmt.Errorf("op=cleanup.analysis: %w", err)
	}
	deletedJobs := tag.RowsAffected()

	tag, err = s.Pool.Exec(ctx, `
		DELETE FROM results WHERE analysis_id NOT IN (SELECT id FROM analysis)`)
	if err != nil {
		return fmt.Errorf("op=cleanup.orphans: %w", err)
	}
	deletedOrphans := tag.RowsAffected()

	slog.Info("retention cleanup completed",
		slog.Int64("deleted_analyses", deletedJobs),
		slog.Int64("deleted_results", deletedResults),
		slog.Int64("deleted_orphans", deletedOrphans),
		slog.Int64("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic runs cleanup immediately and then on every tick until the
// context is cancelled.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

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
