package web

// errors.go provides unified error responses for the API.
//
// Every error is:
//   - logged with full technical detail and the request id
//   - mapped through core.MapError to a stable code and user message
//   - written as an ErrorResponse JSON body
//
// Duplicate Guard conflicts additionally carry the existing job so clients
// can offer to replace it.

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/core"
)

var errRateLimited = errors.New("rate limit exceeded")

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error    string              `json:"error"`
	Message  string              `json:"message"`
	Action   string              `json:"action,omitempty"`
	Code     string              `json:"code"`
	Conflict *core.ConflictError `json:"conflict,omitempty"`
}

// statusFor picks the HTTP status for a service error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrDuplicateJob),
		errors.Is(err, core.ErrInvalidTransition),
		errors.Is(err, core.ErrNotResumable):
		return http.StatusConflict
	case errors.Is(err, core.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrFileUnreadable), errors.Is(err, core.ErrNoFiscalPeriod):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrTooManyJobs):
		return http.StatusServiceUnavailable
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// respondServiceError answers with the status statusFor picks.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "30")
	}
	respondError(w, r, err, status)
}

// respondError logs err and writes the mapped user message.
func respondError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	userMsg := core.MapError(err)

	level := slog.LevelWarn
	if statusCode >= 500 {
		level = slog.LevelError
	}
	slog.Log(r.Context(), level, "request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", statusCode,
		"error", err.Error(),
		"code", userMsg.Code,
		"request_id", middleware.GetReqID(r.Context()),
	)

	resp := ErrorResponse{
		Error:   userMsg.Message,
		Message: userMsg.Message,
		Action:  userMsg.Action,
		Code:    userMsg.Code,
	}
	var conflict *core.ConflictError
	if errors.As(err, &conflict) {
		resp.Conflict = conflict
	}
	writeJSON(w, statusCode, resp)
}
