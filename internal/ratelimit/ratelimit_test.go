package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/diewo77/school-billing/internal/auth"
)

func TestMemorySlidingWindow(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	l := Limit{Max: 3, Window: time.Minute}
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	steps := []struct {
		offset    time.Duration
		allowed   bool
		remaining int
	}{
		{0, true, 2},
		{10 * time.Second, true, 1},
		{20 * time.Second, true, 0},
		{30 * time.Second, false, 0},
		// the first hit has left the window
		{61 * time.Second, true, 0},
		{62 * time.Second, false, 0},
	}
	for i, s := range steps {
		d, err := m.Allow(ctx, "k", l, start.Add(s.offset))
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if d.Allowed != s.allowed || d.Remaining != s.remaining {
			t.Fatalf("step %d: expected allowed=%v remaining=%d got %+v", i, s.allowed, s.remaining, d)
		}
	}
	d, _ := m.Allow(ctx, "k", l, start.Add(30*time.Second))
	if d.Allowed || d.RetryAfter <= 0 {
		t.Fatalf("expected a retry hint, got %+v", d)
	}
	if other, _ := m.Allow(ctx, "other", l, start); !other.Allowed {
		t.Fatalf("keys must not share a window")
	}
}

func TestMiddleware(t *testing.T) {
	lim := New(NewMemory(), "api", Limit{Max: 2, Window: time.Minute})
	clock := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	lim.now = func() time.Time { return clock }
	h := lim.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(tenant, ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/finance/aging", nil)
		req.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
		if tenant != "" {
			req = req.WithContext(auth.WithScope(req.Context(), auth.Scope{TenantID: tenant}))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := call("t1", "1.2.3.4"); rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: got %d", i, rec.Code)
		}
	}
	rec := call("t1", "1.2.3.4")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected headers %v", rec.Header())
	}
	if rec := call("t2", "1.2.3.4"); rec.Code != http.StatusNoContent {
		t.Fatalf("other tenant should have its own window, got %d", rec.Code)
	}
	if rec := call("t1", "5.6.7.8"); rec.Code != http.StatusNoContent || rec.Header().Get("X-RateLimit-Limit") != "2" {
		t.Fatalf("other ip should have its own window, got %d", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"forwarded", map[string]string{"X-Forwarded-For": "9.9.9.9, 1.1.1.1"}, "2.2.2.2:1234", "9.9.9.9"},
		{"real ip", map[string]string{"X-Real-IP": "8.8.8.8"}, "2.2.2.2:1234", "8.8.8.8"},
		{"remote", nil, "2.2.2.2:1234", "2.2.2.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			if got := ClientIP(r); got != tt.want {
				t.Fatalf("expected %s got %s", tt.want, got)
			}
		})
	}
}
