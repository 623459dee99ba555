package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/diewo77/school-billing/internal/apperr"
	"github.com/diewo77/school-billing/internal/dbtest"
	"github.com/diewo77/school-billing/internal/models"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(t *testing.T) (*Queue, *clock) {
	t.Helper()
	d := dbtest.Open(t)
	c := &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(d, WithClock(c.now)), c
}

func TestEnqueueIdempotencyKey(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	p := FeePostingPayload{PostingRunID: 7, TenantID: "t"}

	first, err := q.Enqueue(ctx, models.JobFeePosting, p, EnqueueOptions{IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := q.Enqueue(ctx, models.JobFeePosting, p, EnqueueOptions{IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("enqueue again: %v", err)
	}
	if first != second {
		t.Fatalf("expected same job id, got %s and %s", first, second)
	}
	other, err := q.Enqueue(ctx, models.JobFeePosting, p, EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue without key: %v", err)
	}
	if other == first {
		t.Fatalf("expected a new job without key")
	}

	job, err := q.Get(ctx, first)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Queue != FeePosting || job.MaxAttempts != DefaultMaxAttempts || job.Status != models.JobPending {
		t.Fatalf("unexpected job %+v", job)
	}
	decoded, err := Decode[FeePostingPayload](job)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != p {
		t.Fatalf("payload mismatch: %+v", decoded)
	}
}

func TestProcessNextRetriesThenDead(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()
	w := NewWorker(q, time.Millisecond)
	var calls int32
	w.Register(models.JobReminderDelivery, func(ctx context.Context, job *models.Job) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("provider down")
	})

	id, err := q.Enqueue(ctx, models.JobReminderDelivery, ReminderDeliveryPayload{ReminderLogID: 1}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ran, err := w.ProcessNext(ctx, Reminders)
	if err != nil || !ran {
		t.Fatalf("first run ran=%v err=%v", ran, err)
	}
	job, _ := q.Get(ctx, id)
	if job.Status != models.JobFailed || job.Attempts != 1 {
		t.Fatalf("expected FAILED after first attempt, got %s attempts=%d", job.Status, job.Attempts)
	}
	if want := c.t.Add(2 * time.Second); !job.RunAt.Equal(want) {
		t.Fatalf("expected run_at %v got %v", want, job.RunAt)
	}

	// not eligible until backoff elapses
	if ran, _ := w.ProcessNext(ctx, Reminders); ran {
		t.Fatalf("job ran before its backoff elapsed")
	}
	c.advance(2 * time.Second)
	if ran, _ := w.ProcessNext(ctx, Reminders); !ran {
		t.Fatalf("expected second attempt")
	}
	job, _ = q.Get(ctx, id)
	if job.Status != models.JobFailed || job.Attempts != 2 {
		t.Fatalf("expected FAILED attempts=2, got %s attempts=%d", job.Status, job.Attempts)
	}
	c.advance(4 * time.Second)
	if ran, _ := w.ProcessNext(ctx, Reminders); !ran {
		t.Fatalf("expected third attempt")
	}
	job, _ = q.Get(ctx, id)
	if job.Status != models.JobDead || job.DeadAt == nil {
		t.Fatalf("expected DEAD, got %s", job.Status)
	}
	if job.LastError != "provider down" {
		t.Fatalf("unexpected last error %q", job.LastError)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 handler calls got %d", got)
	}
}

func TestPermanentErrorGoesStraightToDead(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	w := NewWorker(q, time.Millisecond)
	w.Register(models.JobWebhookCallback, func(ctx context.Context, job *models.Job) (any, error) {
		return nil, Permanent(errors.New("bad payload"))
	})
	id, _ := q.Enqueue(ctx, models.JobWebhookCallback, WebhookCallbackPayload{Gateway: "g"}, EnqueueOptions{MaxAttempts: 5})
	if _, err := w.ProcessNext(ctx, Webhooks); err != nil {
		t.Fatalf("process: %v", err)
	}
	job, _ := q.Get(ctx, id)
	if job.Status != models.JobDead || job.Attempts != 1 {
		t.Fatalf("expected DEAD after one attempt, got %s attempts=%d", job.Status, job.Attempts)
	}
}

func TestUnregisteredTypeIsDead(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	w := NewWorker(q, time.Millisecond)
	id, _ := q.Enqueue(ctx, models.JobReminderRun, ReminderRunPayload{TenantID: "t"}, EnqueueOptions{})
	if _, err := w.ProcessNext(ctx, Reminders); err != nil {
		t.Fatalf("process: %v", err)
	}
	job, _ := q.Get(ctx, id)
	if job.Status != models.JobDead {
		t.Fatalf("expected DEAD got %s", job.Status)
	}
}

func TestCompletedStoresResultAndHonoursPriority(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	w := NewWorker(q, time.Millisecond)
	var order []uint
	w.Register(models.JobReminderDelivery, func(ctx context.Context, job *models.Job) (any, error) {
		p, err := Decode[ReminderDeliveryPayload](job)
		if err != nil {
			return nil, err
		}
		order = append(order, p.ReminderLogID)
		return map[string]any{"sent": p.ReminderLogID}, nil
	})
	low, _ := q.Enqueue(ctx, models.JobReminderDelivery, ReminderDeliveryPayload{ReminderLogID: 1}, EnqueueOptions{})
	if _, err := q.Enqueue(ctx, models.JobReminderDelivery, ReminderDeliveryPayload{ReminderLogID: 2}, EnqueueOptions{Priority: 10}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	n, err := w.Drain(ctx, Reminders)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 2 || len(order) != 2 || order[0] != 2 {
		t.Fatalf("expected high priority first, got n=%d order=%v", n, order)
	}
	job, _ := q.Get(ctx, low)
	if job.Status != models.JobCompleted || job.CompletedAt == nil || len(job.Result) == 0 {
		t.Fatalf("expected completed job with result, got %+v", job)
	}
}

func TestPanicIsRecordedAsFailure(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	w := NewWorker(q, time.Millisecond)
	w.Register(models.JobReminderRun, func(ctx context.Context, job *models.Job) (any, error) {
		panic("boom")
	})
	id, _ := q.Enqueue(ctx, models.JobReminderRun, ReminderRunPayload{}, EnqueueOptions{})
	if _, err := w.ProcessNext(ctx, Reminders); err != nil {
		t.Fatalf("process: %v", err)
	}
	job, _ := q.Get(ctx, id)
	if job.Status != models.JobFailed || job.LastError != "handler panic: boom" {
		t.Fatalf("unexpected job state %s %q", job.Status, job.LastError)
	}
}

func TestRecoverStale(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()
	w := NewWorker(q, time.Millisecond)
	w.Register(models.JobReminderRun, func(ctx context.Context, job *models.Job) (any, error) {
		return nil, nil
	})
	id, _ := q.Enqueue(ctx, models.JobReminderRun, ReminderRunPayload{}, EnqueueOptions{})
	// simulate a crashed worker: claim without finishing
	if _, err := w.claim(ctx, Reminders); err != nil {
		t.Fatalf("claim: %v", err)
	}

	recovered, dead, err := q.RecoverStale(ctx, 30*time.Minute)
	if err != nil || recovered != 0 || dead != 0 {
		t.Fatalf("fresh lock must not be recovered: %d %d %v", recovered, dead, err)
	}
	c.advance(31 * time.Minute)
	recovered, dead, err = q.RecoverStale(ctx, 30*time.Minute)
	if err != nil || recovered != 1 || dead != 0 {
		t.Fatalf("expected one recovered job: %d %d %v", recovered, dead, err)
	}
	job, _ := q.Get(ctx, id)
	if job.Status != models.JobFailed || job.Attempts != 1 || job.LockedAt != nil {
		t.Fatalf("unexpected job after recovery: %+v", job)
	}
	if ran, err := w.ProcessNext(ctx, Reminders); !ran || err != nil {
		t.Fatalf("recovered job should be claimable: ran=%v err=%v", ran, err)
	}
}

func TestRetryDeadJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	w := NewWorker(q, time.Millisecond)
	w.Register(models.JobReminderRun, func(ctx context.Context, job *models.Job) (any, error) {
		return nil, Permanent(errors.New("nope"))
	})
	id, _ := q.Enqueue(ctx, models.JobReminderRun, ReminderRunPayload{}, EnqueueOptions{})

	if _, err := q.Retry(ctx, id); !apperr.HasCode(err, apperr.CodeJobNotDead) {
		t.Fatalf("expected JOB_NOT_DEAD for pending job, got %v", err)
	}
	if _, err := w.ProcessNext(ctx, Reminders); err != nil {
		t.Fatalf("process: %v", err)
	}
	job, err := q.Retry(ctx, id)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if job.Status != models.JobPending || job.Attempts != 0 || job.DeadAt != nil {
		t.Fatalf("unexpected job after retry: %+v", job)
	}
	if _, err := q.Retry(ctx, "missing"); !apperr.HasCode(err, apperr.CodeJobNotFound) {
		t.Fatalf("expected JOB_NOT_FOUND, got %v", err)
	}
}

func TestMetricsAndListJobs(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, models.JobReminderDelivery, ReminderDeliveryPayload{ReminderLogID: uint(i)}, EnqueueOptions{}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if _, err := q.Enqueue(ctx, models.JobFeePosting, FeePostingPayload{PostingRunID: 1}, EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	c.advance(time.Minute)

	ms, err := q.Metrics(ctx)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	got := map[string]QueueMetrics{}
	for _, m := range ms {
		got[m.Queue] = m
	}
	if got[Reminders].Pending != 3 || got[FeePosting].Pending != 1 || got[Webhooks].Pending != 0 {
		t.Fatalf("unexpected metrics %+v", ms)
	}
	if got[Reminders].OldestPendingSeconds <= 0 {
		t.Fatalf("expected oldest pending age, got %+v", got[Reminders])
	}

	jobs, err := q.ListJobs(ctx, Filter{Queue: Reminders, Status: models.JobPending})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs got %d", len(jobs))
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{9, 512 * time.Second},
		{10, MaxBackoff},
		{40, MaxBackoff},
	}
	for _, tt := range tests {
		if got := Backoff(2*time.Second, tt.attempts); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	q, _ := newTestQueue(t)
	w := NewWorker(q, 5*time.Millisecond)
	done := make(chan struct{}, 1)
	w.Register(models.JobReminderRun, func(ctx context.Context, job *models.Job) (any, error) {
		done <- struct{}{}
		return nil, nil
	})
	w.Listen(Reminders, 1)
	if _, err := q.Enqueue(context.Background(), models.JobReminderRun, ReminderRunPayload{}, EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(stopped)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("job was not processed")
	}
	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop")
	}
}
