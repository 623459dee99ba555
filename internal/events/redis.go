package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Channel is the Redis pub/sub channel carrying every billing event.
const Channel = "billing:events"

// RedisBus shares events between instances through Redis PUBLISH/SUBSCRIBE.
// Local subscribers are served from a MemoryBus fed by one Redis subscription.
type RedisBus struct {
	rdb    *redis.Client
	local  *MemoryBus
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisBus subscribes to Channel and starts relaying messages locally.
func NewRedisBus(ctx context.Context, rdb *redis.Client) (*RedisBus, error) {
	ps := rdb.Subscribe(ctx, Channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", Channel, err)
	}
	b := &RedisBus{rdb: rdb, local: NewMemoryBus(0), pubsub: ps, done: make(chan struct{})}
	go b.relay()
	return b, nil
}

func (b *RedisBus) relay() {
	defer close(b.done)
	for msg := range b.pubsub.Channel() {
		var e Event
		if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
			slog.Warn("discarding malformed event", "error", err)
			continue
		}
		b.local.deliver(e)
	}
}

func (b *RedisBus) Publish(ctx context.Context, e Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, Channel, raw).Err()
}

func (b *RedisBus) Subscribe(topics ...string) (<-chan Event, func()) {
	return b.local.Subscribe(topics...)
}

// Close stops the relay.
func (b *RedisBus) Close() error {
	err := b.pubsub.Close()
	<-b.done
	return err
}
