package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/diewo77/school-billing/internal/models"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Handler processes one job. The returned value is stored as the job result.
type Handler func(ctx context.Context, job *models.Job) (any, error)

var errNoJob = errors.New("no job available")

var claimable = []models.JobStatus{models.JobPending, models.JobFailed}

// Worker pulls jobs from one or more queues and dispatches them by type.
type Worker struct {
	q        *Queue
	id       string
	poll     time.Duration
	handlers map[models.JobType]Handler
	queues   map[string]int
	mu       sync.RWMutex
}

// NewWorker returns a worker that polls every poll interval when idle.
func NewWorker(q *Queue, poll time.Duration) *Worker {
	if poll <= 0 {
		poll = time.Second
	}
	host, _ := os.Hostname()
	return &Worker{
		q:        q,
		id:       fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
		poll:     poll,
		handlers: map[models.JobType]Handler{},
		queues:   map[string]int{},
	}
}

// ID identifies the worker in jobs.locked_by.
func (w *Worker) ID() string { return w.id }

// Register binds a handler to a job type.
func (w *Worker) Register(t models.JobType, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[t] = h
}

// Listen subscribes the worker to a queue with the given concurrency.
func (w *Worker) Listen(queueName string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queues[queueName] = concurrency
}

// Run processes jobs until ctx is cancelled, then waits for in-flight handlers.
func (w *Worker) Run(ctx context.Context) {
	w.mu.RLock()
	queues := make(map[string]int, len(w.queues))
	for k, v := range w.queues {
		queues[k] = v
	}
	w.mu.RUnlock()

	var wg sync.WaitGroup
	for name, n := range queues {
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				w.loop(ctx, name)
			}(name)
		}
	}
	w.q.log.Info("worker started", "worker", w.id, "queues", queues)
	wg.Wait()
	w.q.log.Info("worker stopped", "worker", w.id)
}

func (w *Worker) loop(ctx context.Context, name string) {
	for {
		if ctx.Err() != nil {
			return
		}
		ok, err := w.ProcessNext(ctx, name)
		if err != nil {
			w.q.log.Error("process job", "queue", name, "error", err)
		}
		if ok {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// Drain processes jobs of a queue until none is eligible and returns how many ran.
func (w *Worker) Drain(ctx context.Context, name string) (int, error) {
	n := 0
	for {
		ok, err := w.ProcessNext(ctx, name)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
}

// ProcessNext claims and runs at most one job. It reports whether a job ran.
func (w *Worker) ProcessNext(ctx context.Context, name string) (bool, error) {
	job, err := w.claim(ctx, name)
	if errors.Is(err, errNoJob) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// the handler outlives a shutdown signal so transactions are not cut short
	runCtx := context.WithoutCancel(ctx)
	result, herr := w.execute(runCtx, job)
	if herr != nil {
		return true, w.fail(runCtx, job, herr)
	}
	return true, w.complete(runCtx, job, result)
}

func (w *Worker) claim(ctx context.Context, name string) (*models.Job, error) {
	now := w.q.now()
	var job models.Job
	err := w.q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("queue = ? AND status IN ? AND run_at <= ?", name, claimable, now).
			Order("priority DESC, run_at, created_at").
			Limit(1).
			Find(&job)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errNoJob
		}
		upd := tx.Model(&models.Job{}).
			Where("id = ? AND status IN ?", job.ID, claimable).
			Updates(map[string]any{
				"status":     models.JobRunning,
				"locked_at":  now,
				"locked_by":  w.id,
				"started_at": now,
			})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			return errNoJob
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	job.Status = models.JobRunning
	job.LockedAt = &now
	job.LockedBy = w.id
	return &job, nil
}

func (w *Worker) execute(ctx context.Context, job *models.Job) (result any, err error) {
	w.mu.RLock()
	h, ok := w.handlers[job.Type]
	w.mu.RUnlock()
	if !ok {
		return nil, Permanent(fmt.Errorf("no handler registered for %s", job.Type))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (w *Worker) complete(ctx context.Context, job *models.Job, result any) error {
	now := w.q.now()
	fields := map[string]any{
		"status":       models.JobCompleted,
		"completed_at": now,
		"locked_at":    nil,
		"last_error":   "",
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode result of job %s: %w", job.ID, err)
		}
		fields["result"] = datatypes.JSON(raw)
	}
	err := w.q.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ? AND locked_by = ?", job.ID, models.JobRunning, w.id).
		Updates(fields).Error
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	w.q.log.InfoContext(ctx, "job completed", "job_id", job.ID, "type", job.Type)
	return nil
}

func (w *Worker) fail(ctx context.Context, job *models.Job, cause error) error {
	now := w.q.now()
	attempts := job.Attempts + 1
	fields := map[string]any{
		"attempts":   attempts,
		"last_error": cause.Error(),
		"locked_at":  nil,
	}
	dead := IsPermanent(cause) || attempts >= job.MaxAttempts
	if dead {
		fields["status"] = models.JobDead
		fields["dead_at"] = now
	} else {
		fields["status"] = models.JobFailed
		fields["run_at"] = now.Add(Backoff(w.q.backoffBase, attempts))
	}
	err := w.q.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ? AND locked_by = ?", job.ID, models.JobRunning, w.id).
		Updates(fields).Error
	if err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	if dead {
		w.q.log.ErrorContext(ctx, "job moved to dead letter",
			slog.String("job_id", job.ID),
			slog.String("type", string(job.Type)),
			slog.Int("attempts", attempts),
			slog.String("error", cause.Error()))
		return nil
	}
	w.q.log.WarnContext(ctx, "job failed, will retry",
		"job_id", job.ID, "type", job.Type, "attempts", attempts, "error", cause)
	return nil
}
