package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/agentry-io/agentry/internal/domain"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, codePayloadTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		}
		return v, false
	}
	return v, true
}

// urlParam is a short alias for chi.URLParam.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// Stable error codes clients can branch on without parsing the
// free-text message.
const (
	codeNotFound          = "not_found"
	codeForbidden         = "forbidden"
	codeValidation        = "validation_failed"
	codeNotCancellable    = "not_cancellable"
	codeInvalidTransition = "invalid_transition"
	codeAlreadyFinished   = "already_finished"
	codeQueueUnavailable  = "queue_unavailable"
	codePayloadTooLarge   = "payload_too_large"
	codeInternal          = "internal_error"
)

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Error: message})
}

// writeDomainError maps domain errors to HTTP status codes and stable
// error codes.
func writeDomainError(w http.ResponseWriter, err error, fallbackMsg string) {
	var invalid *domain.InvalidTransitionError
	var notCancellable *domain.NotCancellableError

	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, fallbackMsg)
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, codeForbidden, "not authorized for this task")
	case errors.Is(err, domain.ErrValidation):
		msg := strings.TrimPrefix(err.Error(), domain.ErrValidation.Error()+": ")
		writeError(w, http.StatusBadRequest, codeValidation, msg)
	case errors.As(err, &notCancellable):
		writeError(w, http.StatusBadRequest, codeNotCancellable, notCancellable.Error())
	case errors.As(err, &invalid):
		writeError(w, http.StatusConflict, codeInvalidTransition, invalid.Error())
	case errors.Is(err, domain.ErrAlreadyFinished):
		writeError(w, http.StatusConflict, codeAlreadyFinished, "task already finished")
	case errors.Is(err, domain.ErrQueueUnavailable):
		writeError(w, http.StatusServiceUnavailable, codeQueueUnavailable, "job queue unavailable")
	default:
		slog.Error("unhandled domain error", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal server error")
	}
}
