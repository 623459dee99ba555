package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
)

// Sessions are issued by the platform's identity service; this package only
// verifies the signed scope token and exposes it to handlers.

type ctxKey string

const (
	sessionCookieName = "session"
	scopeCtxKey       = ctxKey("scope")
)

// Scope is the caller's tenant/campus boundary. CampusID 0 means every campus.
type Scope struct {
	TenantID string
	CampusID uint
	UserID   string
}

// CampusPtr returns the campus filter or nil for tenant-wide scope.
func (s Scope) CampusPtr() *uint {
	if s.CampusID == 0 {
		return nil
	}
	id := s.CampusID
	return &id
}

// Secret returns SESSION_SECRET or default dev value.
func Secret() string {
	if s := os.Getenv("SESSION_SECRET"); s != "" {
		return s
	}
	return "devsessionsecret"
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// IssueToken signs a scope token: base64(tenant|campus|user).signature
func IssueToken(secret string, s Scope) string {
	raw := fmt.Sprintf("%s|%d|%s", s.TenantID, s.CampusID, s.UserID)
	payload := base64.RawURLEncoding.EncodeToString([]byte(raw))
	return payload + "." + sign(secret, payload)
}

// ParseToken validates a token and returns its scope.
func ParseToken(secret, token string) (Scope, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return Scope{}, false
	}
	payload, sig := parts[0], parts[1]
	if !hmac.Equal([]byte(sig), []byte(sign(secret, payload))) {
		return Scope{}, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Scope{}, false
	}
	fields := strings.Split(string(raw), "|")
	if len(fields) != 3 || fields[0] == "" {
		return Scope{}, false
	}
	campus, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return Scope{}, false
	}
	return Scope{TenantID: fields[0], CampusID: uint(campus), UserID: fields[2]}, true
}

// ParseRequest reads the token from the Authorization header or the session cookie.
func ParseRequest(secret string, r *http.Request) (Scope, bool) {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return ParseToken(secret, strings.TrimPrefix(h, "Bearer "))
	}
	c, err := r.Cookie(sessionCookieName)
	if err != nil || c.Value == "" {
		return Scope{}, false
	}
	return ParseToken(secret, c.Value)
}

// WithScope stores the scope in context.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeCtxKey, s)
}

// ScopeFromContext extracts the scope.
func ScopeFromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(scopeCtxKey).(Scope)
	return s, ok
}

// Middleware attaches the scope to the request context if a valid token is present.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s, ok := ParseRequest(secret, r); ok {
				r = r.WithContext(WithScope(r.Context(), s))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireScope returns 401 JSON when no scope is attached.
func RequireScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := ScopeFromContext(r.Context()); !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":"unauthorized"}`)
			return
		}
		next.ServeHTTP(w, r)
	})
}
