package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTokenRoundTrip(t *testing.T) {
	want := Scope{TenantID: "t-1", CampusID: 3, UserID: "bursar"}
	tok := IssueToken("secret", want)
	got, ok := ParseToken("secret", tok)
	if !ok {
		t.Fatalf("expected token to verify: %s", tok)
	}
	if got != want {
		t.Fatalf("scope mismatch: got %+v want %+v", got, want)
	}
	if _, ok := ParseToken("other", tok); ok {
		t.Fatal("token verified with wrong secret")
	}
	if _, ok := ParseToken("secret", tok+"x"); ok {
		t.Fatal("tampered token verified")
	}
}

func TestRequireScope(t *testing.T) {
	h := Middleware("secret")(RequireScope(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, _ := ScopeFromContext(r.Context())
		if s.TenantID != "t-1" {
			t.Errorf("unexpected tenant %q", s.TenantID)
		}
		w.WriteHeader(http.StatusNoContent)
	})))

	req := httptest.NewRequest(http.MethodGet, "/finance/aging", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/finance/aging", nil)
	req.Header.Set("Authorization", "Bearer "+IssueToken("secret", Scope{TenantID: "t-1"}))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d body=%s", w.Code, w.Body.String())
	}
}

func TestScope_CampusPtr(t *testing.T) {
	if (Scope{}).CampusPtr() != nil {
		t.Fatal("expected nil campus for tenant-wide scope")
	}
	if p := (Scope{CampusID: 4}).CampusPtr(); p == nil || *p != 4 {
		t.Fatalf("unexpected campus ptr %v", p)
	}
}
