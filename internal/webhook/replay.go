package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultReplayTTL is how long a processed event id is remembered.
const DefaultReplayTTL = 10 * time.Minute

// ReplayCache remembers event ids that were already processed.
type ReplayCache interface {
	// MarkSeen records id and reports whether this is its first sighting.
	MarkSeen(ctx context.Context, id string) (bool, error)
	// Forget drops id so a failed attempt can be retried.
	Forget(ctx context.Context, id string) error
}

// MemoryReplay is a process-local TTL set.
type MemoryReplay struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	ttl   time.Duration
	now   func() time.Time
	sweep time.Time
}

func NewMemoryReplay(ttl time.Duration) *MemoryReplay {
	if ttl <= 0 {
		ttl = DefaultReplayTTL
	}
	return &MemoryReplay{seen: map[string]time.Time{}, ttl: ttl, now: time.Now}
}

func (m *MemoryReplay) MarkSeen(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if now.After(m.sweep) {
		for k, exp := range m.seen {
			if now.After(exp) {
				delete(m.seen, k)
			}
		}
		m.sweep = now.Add(time.Minute)
	}
	if exp, ok := m.seen[id]; ok && now.Before(exp) {
		return false, nil
	}
	m.seen[id] = now.Add(m.ttl)
	return true, nil
}

func (m *MemoryReplay) Forget(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.seen, id)
	m.mu.Unlock()
	return nil
}

// RedisReplay shares seen ids between instances with SET NX EX.
type RedisReplay struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisReplay(rdb *redis.Client, ttl time.Duration) *RedisReplay {
	if ttl <= 0 {
		ttl = DefaultReplayTTL
	}
	return &RedisReplay{rdb: rdb, ttl: ttl, prefix: "webhook:seen:"}
}

func (r *RedisReplay) MarkSeen(ctx context.Context, id string) (bool, error) {
	return r.rdb.SetNX(ctx, r.prefix+id, 1, r.ttl).Result()
}

func (r *RedisReplay) Forget(ctx context.Context, id string) error {
	return r.rdb.Del(ctx, r.prefix+id).Err()
}
