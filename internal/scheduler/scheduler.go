// Package scheduler fires the periodic billing tasks from a one-minute ticker.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is a unit of periodic work. A task with Every set runs on that
// interval; otherwise it runs once a day at Hour:Minute UTC.
type Task struct {
	Name   string
	Hour   int
	Minute int
	Every  time.Duration
	Run    func(ctx context.Context, now time.Time) error
}

func (t *Task) due(now, last time.Time) bool {
	if t.Every > 0 {
		return last.IsZero() || now.Sub(last) >= t.Every
	}
	if now.Hour() != t.Hour || now.Minute() != t.Minute {
		return false
	}
	return last.IsZero() || last.UTC().Format(time.DateOnly) != now.Format(time.DateOnly)
}

type Scheduler struct {
	tasks []Task
	tick  time.Duration
	log   *slog.Logger
	now   func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
	wg   sync.WaitGroup
}

func New(tasks ...Task) *Scheduler {
	return &Scheduler{
		tasks: tasks,
		tick:  time.Minute,
		log:   slog.Default().With("component", "scheduler"),
		now:   func() time.Time { return time.Now().UTC() },
		last:  map[string]time.Time{},
	}
}

// Start runs the ticker until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info("scheduler started", "tasks", len(s.tasks))
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx, s.now())
			}
		}
	}()
}

// Wait blocks until Start's goroutine has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Tick runs every task due at now and returns the names that ran. A failing
// task is logged and counts as run so it is not retried every minute.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []string {
	now = now.UTC()
	var ran []string
	for i := range s.tasks {
		t := &s.tasks[i]
		s.mu.Lock()
		last := s.last[t.Name]
		due := t.due(now, last)
		if due {
			s.last[t.Name] = now
		}
		s.mu.Unlock()
		if !due {
			continue
		}
		ran = append(ran, t.Name)
		start := time.Now()
		if err := t.Run(ctx, now); err != nil {
			s.log.ErrorContext(ctx, "scheduled task failed", "task", t.Name, "error", err)
			continue
		}
		s.log.InfoContext(ctx, "scheduled task finished", "task", t.Name, "took", time.Since(start).Round(time.Millisecond))
	}
	return ran
}
