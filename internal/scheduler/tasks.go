package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/diewo77/school-billing/internal/apperr"
	"github.com/diewo77/school-billing/internal/models"
	"github.com/diewo77/school-billing/internal/posting"
	"github.com/diewo77/school-billing/internal/queue"
	"github.com/diewo77/school-billing/internal/revenue"
	"gorm.io/gorm"
)

func activeTenants(ctx context.Context, d *gorm.DB) ([]string, error) {
	var ids []string
	err := d.WithContext(ctx).Model(&models.Tenant{}).
		Where("status = ?", models.TenantStatusActive).Order("id").Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("load active tenants: %w", err)
	}
	return ids, nil
}

// RevenueCycles opens the month's cycles and closes last month's on each
// tenant's closing day.
func RevenueCycles(svc *revenue.Service, hour int) Task {
	return Task{
		Name: "revenue-cycles",
		Hour: hour,
		Run: func(ctx context.Context, now time.Time) error {
			res, err := svc.Orchestrate(ctx, now)
			if err != nil {
				return err
			}
			slog.InfoContext(ctx, "revenue cycles orchestrated", "processed", res.Processed,
				"created", res.Created, "closed", res.Closed, "failed", res.Failed)
			return nil
		},
	}
}

// Reminders queues one reminder run per active tenant. The job key is per
// day, so a restarted process does not queue the same run twice.
func Reminders(d *gorm.DB, q *queue.Queue, hour, minute int) Task {
	return Task{
		Name:   "reminders",
		Hour:   hour,
		Minute: minute,
		Run: func(ctx context.Context, now time.Time) error {
			tenants, err := activeTenants(ctx, d)
			if err != nil {
				return err
			}
			var errs []error
			for _, id := range tenants {
				_, err := q.Enqueue(ctx, models.JobReminderRun, queue.ReminderRunPayload{TenantID: id},
					queue.EnqueueOptions{IdempotencyKey: fmt.Sprintf("reminder-run:%s:%s", id, now.Format(time.DateOnly))})
				if err != nil {
					errs = append(errs, fmt.Errorf("tenant %s: %w", id, err))
				}
			}
			return errors.Join(errs...)
		},
	}
}

// MonthlyPosting reserves the month's posting run for every active tenant on
// the first day of the month. Periods that were already posted are skipped.
func MonthlyPosting(d *gorm.DB, svc *posting.Service, hour int) Task {
	return Task{
		Name: "monthly-posting",
		Hour: hour,
		Run: func(ctx context.Context, now time.Time) error {
			if now.Day() != 1 {
				return nil
			}
			tenants, err := activeTenants(ctx, d)
			if err != nil {
				return err
			}
			var errs []error
			for _, id := range tenants {
				run, err := svc.Reserve(ctx, posting.Request{
					TenantID:    id,
					Month:       int(now.Month()),
					Year:        now.Year(),
					RequestedBy: "scheduler",
				})
				if apperr.HasCode(err, apperr.CodeAlreadyPosted) {
					continue
				}
				if err != nil {
					errs = append(errs, fmt.Errorf("tenant %s: %w", id, err))
					continue
				}
				slog.InfoContext(ctx, "monthly posting reserved", "tenant_id", id, "run_id", run.ID)
			}
			return errors.Join(errs...)
		},
	}
}

// StaleJobs returns jobs stuck in RUNNING past timeout to the retry path.
func StaleJobs(q *queue.Queue, every, timeout time.Duration) Task {
	return Task{
		Name:  "stale-jobs",
		Every: every,
		Run: func(ctx context.Context, _ time.Time) error {
			recovered, dead, err := q.RecoverStale(ctx, timeout)
			if err != nil {
				return err
			}
			if recovered+dead > 0 {
				slog.WarnContext(ctx, "stale jobs recovered", "recovered", recovered, "dead", dead)
			}
			return nil
		},
	}
}

// StalledPostings fails posting runs whose executor stopped making progress.
func StalledPostings(svc *posting.Service, every, timeout time.Duration) Task {
	return Task{
		Name:  "stalled-postings",
		Every: every,
		Run: func(ctx context.Context, _ time.Time) error {
			_, err := svc.FailStalled(ctx, timeout)
			return err
		},
	}
}
