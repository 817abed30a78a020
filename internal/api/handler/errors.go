package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/gemstudio/internal/api/response"
	"github.com/kiranshivaraju/gemstudio/internal/gemini"
	"github.com/kiranshivaraju/gemstudio/internal/store"
	"github.com/kiranshivaraju/gemstudio/internal/studio"
)

// statusClientClosedRequest is reported when the caller went away before
// the upstream call finished.
const statusClientClosedRequest = 499

// writeError maps service errors onto the error envelope. Upstream errors
// forward the server's own message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *gemini.APIError

	switch {
	case errors.Is(err, studio.ErrValidation):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", detail(err, studio.ErrValidation), nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, studio.ErrNoOperation):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "No video operation to recover", nil)
	case errors.Is(err, studio.ErrBusy):
		response.Error(w, http.StatusConflict, "SESSION_BUSY", "Session has an operation in flight", nil)
	case errors.Is(err, studio.ErrNotPending), errors.Is(err, studio.ErrNotPolling), errors.Is(err, store.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "JOB_STATE_CONFLICT", err.Error(), nil)
	case errors.Is(err, store.ErrDuplicateKey):
		response.Error(w, http.StatusConflict, "CONFLICT", "Resource already exists", nil)
	case errors.Is(err, studio.ErrCancelled):
		response.Error(w, statusClientClosedRequest, "CANCELLED", "Request cancelled", nil)
	case errors.Is(err, studio.ErrJobFailed):
		response.Error(w, http.StatusBadGateway, "UPSTREAM_ERROR", detail(err, studio.ErrJobFailed), nil)
	case errors.As(err, &apiErr):
		response.Error(w, http.StatusBadGateway, "UPSTREAM_ERROR", upstreamMessage(apiErr), map[string]any{
			"upstream_status": apiErr.StatusCode,
			"upstream_code":   apiErr.Status,
		})
	case errors.Is(err, gemini.ErrTimeout):
		response.Error(w, http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT", "The generative API took too long to answer", nil)
	case errors.Is(err, gemini.ErrUnreachable):
		response.Error(w, http.StatusBadGateway, "UPSTREAM_ERROR", "The generative API is unreachable", nil)
	case errors.Is(err, gemini.ErrMalformedResponse):
		response.Error(w, http.StatusBadGateway, "MALFORMED_UPSTREAM", err.Error(), nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

// detail strips everything up to and including the sentinel's text so
// the caller sees only the specific reason.
func detail(err, sentinel error) string {
	msg := err.Error()
	if i := strings.Index(msg, sentinel.Error()+": "); i >= 0 {
		return msg[i+len(sentinel.Error())+2:]
	}
	return msg
}

func upstreamMessage(e *gemini.APIError) string {
	if e.Message != "" {
		return e.Message
	}
	return http.StatusText(e.StatusCode)
}
