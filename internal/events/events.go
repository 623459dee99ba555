// Package events publishes billing domain events to in-process subscribers,
// Redis and websocket clients. Publishing is best effort and never blocks the
// financial path.
package events

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Topics.
const (
	ChallanPaid          = "challan.paid"
	ChallanPartiallyPaid = "challan.partially_paid"
	PostingCompleted     = "posting.completed"
	PostingFailed        = "posting.failed"
	CycleClosed          = "revenue_cycle.closed"
)

// Event is a tenant-scoped notification.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	TenantID   string         `json:"tenantId"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// New builds an event with a fresh id.
func New(topic, tenantID string, data map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       topic,
		TenantID:   tenantID,
		Data:       data,
		OccurredAt: time.Now().UTC(),
	}
}

// Bus is the publish/subscribe seam. Subscribe with no topics receives everything.
type Bus interface {
	Publish(ctx context.Context, e Event) error
	Subscribe(topics ...string) (<-chan Event, func())
}

// PublishSafe publishes and logs failures instead of returning them.
func PublishSafe(ctx context.Context, bus Bus, e Event) {
	if bus == nil {
		return
	}
	if err := bus.Publish(ctx, e); err != nil {
		slog.WarnContext(ctx, "event publish failed", "type", e.Type, "tenant_id", e.TenantID, "error", err)
	}
}

func matches(topics []string, t string) bool {
	if len(topics) == 0 {
		return true
	}
	for _, want := range topics {
		if want == t || (strings.HasSuffix(want, ".*") && strings.HasPrefix(t, strings.TrimSuffix(want, "*"))) {
			return true
		}
	}
	return false
}

type subscriber struct {
	topics []string
	ch     chan Event
}

// MemoryBus fans events out in-process. Slow subscribers lose events rather
// than stall publishers.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	buffer int
}

func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryBus{subs: map[*subscriber]struct{}{}, buffer: buffer}
}

func (b *MemoryBus) Publish(_ context.Context, e Event) error {
	b.deliver(e)
	return nil
}

func (b *MemoryBus) deliver(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !matches(s.topics, e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			slog.Warn("event dropped for slow subscriber", "type", e.Type)
		}
	}
}

func (b *MemoryBus) Subscribe(topics ...string) (<-chan Event, func()) {
	s := &subscriber{topics: topics, ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}
