// Package api is the HTTP surface of the lead pipeline: the ingestion
// endpoint, the health endpoint, and their middleware.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// ErrorDetail is the machine-readable error body. Every non-2xx
// response carries one under the "detail" key.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Extra   map[string]any `json:"extra,omitempty"`
}

type errorBody struct {
	Detail ErrorDetail `json:"detail"`
}

// WriteError writes the error envelope with the given status.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteErrorExtra(w, status, code, message, nil)
}

// WriteErrorExtra writes the error envelope with additional fields.
func WriteErrorExtra(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Detail: ErrorDetail{
		Code:    code,
		Message: message,
		Extra:   extra,
	}})
}

// WriteInternal writes a 500. The error is logged but never exposed.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred. Please try again later.")
}

// WriteTooManyRequests writes a 429 with a Retry-After hint.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded. Retry after the specified interval.")
}
