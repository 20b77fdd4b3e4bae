package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/marcus/callsync/internal/serverdb"
)

// Error code constants for structured API error responses.
const (
	ErrCodeBadRequest    = "bad_request"
	ErrCodeUnknownAction = "unknown_action"
	ErrCodeNotFound      = "not_found"
	ErrCodeMissingChunk  = "missing_chunk"
	ErrCodeInternal      = "internal"
	ErrCodeUnauthorized  = "unauthorized"
	ErrCodeForbidden     = "forbidden"
	ErrCodeRateLimited   = "rate_limited"
	ErrCodeTooLarge      = "too_large"
)

// ErrorResponse is the body of every failed request. Devices look at
// success and error; code is for operators.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

// writeError writes a JSON error response with the given HTTP status code.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code}); err != nil {
		slog.Error("write error response", "err", err)
	}
}

// writeJSON writes a JSON response with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write json response", "err", err)
	}
}

// writeStoreError maps a serverdb error onto an HTTP response.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	switch {
	case errors.Is(err, serverdb.ErrInvalid):
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, serverdb.ErrMissingChunk):
		writeError(w, http.StatusBadRequest, ErrCodeMissingChunk, err.Error())
	case errors.Is(err, serverdb.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, notFound)
	case errors.Is(err, serverdb.ErrNotPaired):
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "device not paired")
	case errors.Is(err, serverdb.ErrDeviceMismatch):
		writeError(w, http.StatusForbidden, ErrCodeForbidden, "employee is paired with another device")
	default:
		logFor(r.Context()).Error("store", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, serverdb.ErrNotFound)
}
