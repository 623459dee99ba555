package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/diewo77/school-billing/internal/apperr"
	"github.com/diewo77/school-billing/internal/models"
	"gorm.io/gorm"
)

// QueueMetrics summarizes one queue.
type QueueMetrics struct {
	Queue                string `json:"queue"`
	Pending              int64  `json:"pending"`
	Running              int64  `json:"running"`
	Failed               int64  `json:"failed"`
	Dead                 int64  `json:"dead"`
	Completed            int64  `json:"completed"`
	OldestPendingSeconds int64  `json:"oldestPendingSeconds"`
}

// Metrics returns per-queue backlog and failure counts.
func (q *Queue) Metrics(ctx context.Context) ([]QueueMetrics, error) {
	var rows []struct {
		Queue  string
		Status models.JobStatus
		N      int64
	}
	if err := q.db.WithContext(ctx).Model(&models.Job{}).
		Select("queue, status, COUNT(*) AS n").
		Group("queue, status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("job metrics: %w", err)
	}
	byQueue := map[string]*QueueMetrics{}
	for _, name := range []string{FeePosting, Reminders, Webhooks} {
		byQueue[name] = &QueueMetrics{Queue: name}
	}
	for _, r := range rows {
		m, ok := byQueue[r.Queue]
		if !ok {
			m = &QueueMetrics{Queue: r.Queue}
			byQueue[r.Queue] = m
		}
		switch r.Status {
		case models.JobPending:
			m.Pending = r.N
		case models.JobRunning:
			m.Running = r.N
		case models.JobFailed:
			m.Failed = r.N
		case models.JobDead:
			m.Dead = r.N
		case models.JobCompleted:
			m.Completed = r.N
		}
	}

	now := q.now()
	out := make([]QueueMetrics, 0, len(byQueue))
	for name, m := range byQueue {
		if m.Pending > 0 {
			var oldest models.Job
			err := q.db.WithContext(ctx).Select("id", "created_at").
				Where("queue = ? AND status = ?", name, models.JobPending).
				Order("created_at").Take(&oldest).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("oldest pending job: %w", err)
			}
			if err == nil {
				m.OldestPendingSeconds = int64(now.Sub(oldest.CreatedAt).Seconds())
			}
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queue < out[j].Queue })
	return out, nil
}

// Filter narrows ListJobs.
type Filter struct {
	Status models.JobStatus
	Queue  string
	Type   models.JobType
	Limit  int
}

// ListJobs returns the most recent jobs matching f.
func (q *Queue) ListJobs(ctx context.Context, f Filter) ([]models.Job, error) {
	tx := q.db.WithContext(ctx).Model(&models.Job{})
	if f.Status != "" {
		tx = tx.Where("status = ?", f.Status)
	}
	if f.Queue != "" {
		tx = tx.Where("queue = ?", f.Queue)
	}
	if f.Type != "" {
		tx = tx.Where("type = ?", f.Type)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var jobs []models.Job
	if err := tx.Order("created_at DESC").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Retry moves a DEAD job back to PENDING with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id string) (*models.Job, error) {
	job, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.IsDead() {
		return nil, apperr.Queue(apperr.CodeJobNotDead, "job %s is %s", id, job.Status)
	}
	now := q.now()
	res := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", id, models.JobDead).
		Updates(map[string]any{
			"status":    models.JobPending,
			"attempts":  0,
			"run_at":    now,
			"dead_at":   nil,
			"locked_at": nil,
			"locked_by": "",
		})
	if res.Error != nil {
		return nil, fmt.Errorf("retry job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.Queue(apperr.CodeJobNotDead, "job %s changed concurrently", id)
	}
	q.log.InfoContext(ctx, "dead job requeued", "job_id", id, "type", job.Type)
	return q.Get(ctx, id)
}

func errJobNotFound(id string) error {
	return apperr.Queue(apperr.CodeJobNotFound, "job %s not found", id)
}
