// Package ratelimit implements sliding-window request limits keyed by
// prefix, tenant and client IP.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/diewo77/school-billing/internal/auth"
	"github.com/diewo77/school-billing/internal/httpx"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Limit allows Max requests per Window.
type Limit struct {
	Max    int
	Window time.Duration
}

// Presets.
var (
	Webhook = Limit{Max: 200, Window: time.Minute}
	API     = Limit{Max: 100, Window: time.Minute}
)

// Decision is the outcome of one check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Store counts requests per key.
type Store interface {
	Allow(ctx context.Context, key string, l Limit, now time.Time) (Decision, error)
}

// Memory keeps a timestamp log per key in process memory.
type Memory struct {
	mu    sync.Mutex
	hits  map[string][]time.Time
	sweep time.Time
}

func NewMemory() *Memory {
	return &Memory{hits: map[string][]time.Time{}}
}

func (m *Memory) Allow(_ context.Context, key string, l Limit, now time.Time) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-l.Window)
	if now.After(m.sweep) {
		for k, ts := range m.hits {
			if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
				delete(m.hits, k)
			}
		}
		m.sweep = now.Add(time.Minute)
	}

	ts := m.hits[key]
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	ts = ts[i:]

	d := Decision{Limit: l.Max}
	if len(ts) < l.Max {
		ts = append(ts, now)
		d.Allowed = true
	}
	m.hits[key] = ts
	d.Remaining = max(l.Max-len(ts), 0)
	d.ResetAt = ts[0].Add(l.Window)
	if !d.Allowed {
		d.RetryAfter = d.ResetAt.Sub(now)
	}
	return d, nil
}

// slidingWindow trims, counts and conditionally records a hit atomically.
// Scores are unix milliseconds.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', key, window)
local reset = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  reset = tonumber(oldest[2]) + window
end
return {allowed, count, reset}
`)

// Redis shares the window between instances with one sorted set per key.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, prefix: "ratelimit:"}
}

func (r *Redis) Allow(ctx context.Context, key string, l Limit, now time.Time) (Decision, error) {
	vals, err := slidingWindow.Run(ctx, r.rdb, []string{r.prefix + key},
		now.UnixMilli(), l.Window.Milliseconds(), l.Max, uuid.NewString()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(vals) != 3 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected reply %v", key, vals)
	}
	d := Decision{
		Allowed:   vals[0] == 1,
		Limit:     l.Max,
		Remaining: max(l.Max-int(vals[1]), 0),
		ResetAt:   time.UnixMilli(vals[2]),
	}
	if !d.Allowed {
		d.RetryAfter = d.ResetAt.Sub(now)
	}
	return d, nil
}

// Limiter applies one Limit under a key prefix.
type Limiter struct {
	store  Store
	limit  Limit
	prefix string
	now    func() time.Time
}

func New(store Store, prefix string, l Limit) *Limiter {
	return &Limiter{store: store, limit: l, prefix: prefix, now: time.Now}
}

// Key builds "prefix:tenant:ip"; anonymous callers share the "-" tenant.
func (l *Limiter) Key(r *http.Request) string {
	tenant := "-"
	if s, ok := auth.ScopeFromContext(r.Context()); ok {
		tenant = s.TenantID
	}
	return l.prefix + ":" + tenant + ":" + ClientIP(r)
}

// Middleware answers 429 once the caller's window is full. Store failures
// let the request through.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, err := l.store.Allow(r.Context(), l.Key(r), l.limit, l.now())
		if err != nil {
			slog.WarnContext(r.Context(), "rate limiter unavailable", "prefix", l.prefix, "error", err)
			next.ServeHTTP(w, r)
			return
		}
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		if !d.Allowed {
			secs := int((d.RetryAfter + time.Second - 1) / time.Second)
			h.Set("Retry-After", strconv.Itoa(max(secs, 1)))
			httpx.JSONError(w, http.StatusTooManyRequests, "rate_limited", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
