package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/diewo77/school-billing/internal/apperr"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		body string
	}{
		{"conflict", apperr.Posting(apperr.CodeAlreadyPosted, "already posted"), http.StatusConflict, apperr.CodeAlreadyPosted},
		{"not found", apperr.Payment(apperr.CodeChallanNotFound, "challan 9 not found"), http.StatusNotFound, apperr.CodeChallanNotFound},
		{"wrapped domain error", fmt.Errorf("reconcile: %w", apperr.Payment(apperr.CodeInvalidChannel, "bad channel")), http.StatusBadRequest, apperr.CodeInvalidChannel},
		{"infrastructure", errors.New("connection reset"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
			if rec.Code != tt.code || !strings.Contains(rec.Body.String(), tt.body) {
				t.Fatalf("expected %d with %q, got %d %s", tt.code, tt.body, rec.Code, rec.Body)
			}
		})
	}
	rec := httptest.NewRecorder()
	WriteError(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("password=hunter2"))
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Fatalf("infrastructure details leaked: %s", rec.Body)
	}
}

func TestDecodeJSON(t *testing.T) {
	var dst struct{ Name string }
	rec := httptest.NewRecorder()
	if DecodeJSON(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":`)), &dst) {
		t.Fatalf("truncated body should fail")
	}
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "invalid_json") {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body)
	}
	if !DecodeJSON(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x"}`)), &dst) || dst.Name != "x" {
		t.Fatalf("valid body should decode, got %+v", dst)
	}
}
