package handlers

import (
	"net/http"
	"strconv"

	"github.com/diewo77/school-billing/internal/auth"
	"github.com/diewo77/school-billing/internal/httpx"
)

// scopeOf returns the caller's scope or answers 401.
func scopeOf(w http.ResponseWriter, r *http.Request) (auth.Scope, bool) {
	s, ok := auth.ScopeFromContext(r.Context())
	if !ok {
		httpx.JSONError(w, http.StatusUnauthorized, "unauthorized", nil)
	}
	return s, ok
}

// pathID parses a numeric path value or answers 400.
func pathID(w http.ResponseWriter, r *http.Request, name string) (uint, bool) {
	id, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil || id == 0 {
		httpx.JSONError(w, http.StatusBadRequest, "invalid_id", nil)
		return 0, false
	}
	return uint(id), true
}

func queryInt(r *http.Request, key string, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil {
		return n
	}
	return def
}

// campusFilter narrows a request to the caller's campus. A campus-bound caller
// cannot widen it; a tenant-wide caller may pick one.
func campusFilter(s auth.Scope, requested *uint) *uint {
	if p := s.CampusPtr(); p != nil {
		return p
	}
	if requested != nil && *requested == 0 {
		return nil
	}
	return requested
}
