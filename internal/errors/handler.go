package errors

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"
)

// ErrorHandler provides centralized error rendering for HTTP handlers
type ErrorHandler struct {
	logger  *slog.Logger
	traceID func(context.Context) string
}

// NewErrorHandler creates a new error handler. traceID extracts the
// correlation id that is echoed back in every problem document.
func NewErrorHandler(logger *slog.Logger, traceID func(context.Context) string) *ErrorHandler {
	return &ErrorHandler{
		logger:  logger.With(slog.String("component", "error_handler")),
		traceID: traceID,
	}
}

// HandleError converts any error to RFC 7807 format and responds
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	ctx := r.Context()
	traceID := h.traceID(ctx)
	problem := MapError(err, traceID)

	level := slog.LevelWarn
	if problem.Status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	if errors.Is(err, ErrNoActiveKey) {
		// operators must see a missing active key, it is never routine
		level = slog.LevelError
	}

	h.logger.LogAttrs(ctx, level, "request failed",
		slog.String("error", err.Error()),
		slog.Int("status", problem.Status),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)

	render.Render(w, r, problem)
}

// NotFound renders a 404 problem for unknown routes
func (h *ErrorHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	problem := NewProblemDetails(http.StatusNotFound, "/errors/not-found", "Not Found",
		"The requested resource does not exist", r.URL.Path).
		WithExtension("trace_id", h.traceID(r.Context()))
	render.Render(w, r, problem)
}

// MethodNotAllowed renders a 405 problem
func (h *ErrorHandler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	problem := NewProblemDetails(http.StatusMethodNotAllowed, "/errors/method-not-allowed", "Method Not Allowed",
		"The method is not supported for this resource", r.URL.Path).
		WithExtension("trace_id", h.traceID(r.Context()))
	render.Render(w, r, problem)
}
