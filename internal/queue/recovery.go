package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/diewo77/school-billing/internal/models"
)

// DefaultVisibilityTimeout is how long a RUNNING job may hold its lock.
const DefaultVisibilityTimeout = 30 * time.Minute

// RecoverStale returns RUNNING jobs whose lock is older than timeout to the
// retry path, counting the lost run as a failed attempt. Jobs without attempts
// left become DEAD.
func (q *Queue) RecoverStale(ctx context.Context, timeout time.Duration) (recovered, dead int, err error) {
	if timeout <= 0 {
		timeout = DefaultVisibilityTimeout
	}
	now := q.now()
	var stale []models.Job
	if err := q.db.WithContext(ctx).
		Where("status = ? AND locked_at < ?", models.JobRunning, now.Add(-timeout)).
		Find(&stale).Error; err != nil {
		return 0, 0, fmt.Errorf("find stale jobs: %w", err)
	}
	for _, job := range stale {
		attempts := job.Attempts + 1
		fields := map[string]any{
			"attempts":   attempts,
			"locked_at":  nil,
			"last_error": fmt.Sprintf("visibility timeout exceeded (locked by %s)", job.LockedBy),
		}
		exhausted := attempts >= job.MaxAttempts
		if exhausted {
			fields["status"] = models.JobDead
			fields["dead_at"] = now
		} else {
			fields["status"] = models.JobFailed
			fields["run_at"] = now
		}
		res := q.db.WithContext(ctx).Model(&models.Job{}).
			Where("id = ? AND status = ? AND locked_by = ?", job.ID, models.JobRunning, job.LockedBy).
			Updates(fields)
		if res.Error != nil {
			return recovered, dead, fmt.Errorf("recover job %s: %w", job.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		if exhausted {
			dead++
			q.log.ErrorContext(ctx, "stale job moved to dead letter", "job_id", job.ID, "type", job.Type)
		} else {
			recovered++
			q.log.WarnContext(ctx, "stale job recovered", "job_id", job.ID, "type", job.Type, "locked_by", job.LockedBy)
		}
	}
	return recovered, dead, nil
}
