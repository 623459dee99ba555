package httpx

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/diewo77/school-billing/internal/apperr"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	var body []byte
	var err error
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			// best-effort error response; avoid writing partial JSON
			http.Error(w, `{"error":"encode_error"}`, http.StatusInternalServerError)
			return
		}
	} else {
		body = []byte("null")
	}
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		// nothing we can do at this point
		_ = err
	}
}

func JSONError(w http.ResponseWriter, status int, msg string, details any) {
	JSON(w, status, ErrorResponse{Error: msg, Details: details})
}

// StatusFor maps a domain error to its HTTP status.
func StatusFor(e *apperr.Error) int {
	switch {
	case e.IsConflict():
		return http.StatusConflict
	case e.IsNotFound():
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

// WriteError writes domain errors with their code and status; anything else is
// logged and reported as a 500 without leaking details.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	if e, ok := apperr.As(err); ok {
		JSON(w, StatusFor(e), ErrorResponse{Error: string(e.Kind), Code: e.Code, Message: e.Message})
		return
	}
	slog.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	JSONError(w, http.StatusInternalServerError, "internal_error", nil)
}

// DecodeJSON decodes the request body into dst, answering 400 invalid_json on failure.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		JSONError(w, http.StatusBadRequest, "invalid_json", nil)
		return false
	}
	return true
}
