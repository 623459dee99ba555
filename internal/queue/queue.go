// Package queue is a durable job queue stored in the jobs table. Workers claim
// jobs with a conditional update, retry failures with exponential backoff and
// park exhausted jobs as DEAD for operator intervention.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/diewo77/school-billing/internal/db"
	"github.com/diewo77/school-billing/internal/models"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Queue names.
const (
	FeePosting = "fee-posting"
	Reminders  = "reminders"
	Webhooks   = "webhooks"
)

// NameFor returns the queue a job type is routed to.
func NameFor(t models.JobType) string {
	switch t {
	case models.JobFeePosting:
		return FeePosting
	case models.JobWebhookCallback:
		return Webhooks
	default:
		return Reminders
	}
}

const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 2 * time.Second
	MaxBackoff         = 10 * time.Minute
)

// EnqueueOptions tune a single job.
type EnqueueOptions struct {
	IdempotencyKey string
	MaxAttempts    int
	Priority       int
	RunAt          time.Time
}

// Queue persists and transitions jobs.
type Queue struct {
	db          *gorm.DB
	log         *slog.Logger
	backoffBase time.Duration
	maxAttempts int
	now         func() time.Time
}

// Option customizes a Queue.
type Option func(*Queue)

func WithLogger(l *slog.Logger) Option { return func(q *Queue) { q.log = l } }

func WithBackoffBase(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.backoffBase = d
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

func New(d *gorm.DB, opts ...Option) *Queue {
	q := &Queue{
		db:          d,
		log:         slog.Default(),
		backoffBase: DefaultBackoffBase,
		maxAttempts: DefaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// DB exposes the underlying handle so callers can enqueue inside their own transaction.
func (q *Queue) DB() *gorm.DB { return q.db }

// Enqueue stores a job and returns its id. With an idempotency key, an existing
// job carrying the same key is returned instead, whatever its status.
func (q *Queue) Enqueue(ctx context.Context, jobType models.JobType, payload any, opts EnqueueOptions) (string, error) {
	return q.EnqueueTx(ctx, q.db, jobType, payload, opts)
}

// EnqueueTx is Enqueue on a caller-provided transaction.
func (q *Queue) EnqueueTx(ctx context.Context, tx *gorm.DB, jobType models.JobType, payload any, opts EnqueueOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", jobType, err)
	}
	tx = tx.WithContext(ctx)
	if opts.IdempotencyKey != "" {
		if id, ok, err := q.findByKey(tx, opts.IdempotencyKey); err != nil {
			return "", err
		} else if ok {
			return id, nil
		}
	}

	now := q.now()
	job := models.Job{
		ID:          uuid.NewString(),
		CreatedAt:   now,
		Type:        jobType,
		Queue:       NameFor(jobType),
		Payload:     datatypes.JSON(raw),
		Priority:    opts.Priority,
		Status:      models.JobPending,
		MaxAttempts: opts.MaxAttempts,
		RunAt:       opts.RunAt,
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.maxAttempts
	}
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	if opts.IdempotencyKey != "" {
		key := opts.IdempotencyKey
		job.IdempotencyKey = &key
	}

	// nested so a losing insert only rolls back its savepoint
	err = tx.Transaction(func(inner *gorm.DB) error {
		return inner.Create(&job).Error
	})
	if err != nil {
		if opts.IdempotencyKey != "" && db.IsUniqueViolation(err) {
			id, ok, ferr := q.findByKey(tx, opts.IdempotencyKey)
			if ferr != nil {
				return "", ferr
			}
			if ok {
				return id, nil
			}
		}
		return "", fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	q.log.DebugContext(ctx, "job enqueued", "job_id", job.ID, "type", jobType, "queue", job.Queue)
	return job.ID, nil
}

func (q *Queue) findByKey(tx *gorm.DB, key string) (string, bool, error) {
	var existing models.Job
	err := tx.Select("id").Where("idempotency_key = ?", key).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup job by key: %w", err)
	}
	return existing.ID, true, nil
}

// Get loads a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := q.db.WithContext(ctx).Where("id = ?", id).Take(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errJobNotFound(id)
		}
		return nil, err
	}
	return &job, nil
}

// Decode unmarshals a job payload into its typed struct.
func Decode[T any](job *models.Job) (T, error) {
	var out T
	if err := json.Unmarshal(job.Payload, &out); err != nil {
		return out, Permanent(fmt.Errorf("decode %s payload: %w", job.Type, err))
	}
	return out, nil
}

// Backoff returns the delay before the next attempt: base * 2^(attempts-1), capped.
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= MaxBackoff {
			return MaxBackoff
		}
	}
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable; the job goes straight to DEAD.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
