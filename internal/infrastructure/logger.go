package infrastructure

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"desklicense/internal/config"
)

// RedactedKeys are attribute keys whose values never reach a log sink,
// whatever group they are nested in.
var RedactedKeys = []string{"private_key", "sealed_private_key", "passphrase", "admin_token"}

const redacted = "[REDACTED]"

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// OpenLogger builds the process logger described by cfg and installs it as
// the slog default. The closer releases the log file, if one was opened.
func OpenLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var (
		out    io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	switch strings.ToLower(cfg.Output) {
	case "file", "both":
		file, err := openLogFile(cfg.FilePath)
		if err != nil {
			return nil, nil, err
		}
		out, closer = file, file
		if strings.EqualFold(cfg.Output, "both") {
			out = io.MultiWriter(os.Stderr, file)
		}
	}
	// console output goes to stderr, stdout carries command output such as
	// license files and trust anchors

	logger := NewLogger(out, parseLogLevel(cfg.Level))
	slog.SetDefault(logger)
	return logger, closer, nil
}

// NewLogger builds a JSON logger that tags records with the context trace
// id and redacts RedactedKeys.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource:   true,
		Level:       level,
		ReplaceAttr: redact,
	})
	return slog.New(&traceHandler{Handler: handler})
}

func redact(_ []string, a slog.Attr) slog.Attr {
	for _, key := range RedactedKeys {
		if a.Key == key {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// traceHandler copies the request trace id from the context onto every record.
type traceHandler struct {
	slog.Handler
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if traceID := GetTraceID(ctx); traceID != "" {
		r.AddAttrs(slog.String("trace_id", traceID))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithGroup(name)}
}

func parseLogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		if strings.EqualFold(level, "warning") {
			return slog.LevelWarn
		}
		return slog.LevelInfo
	}
	return l
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %s: %w", path, err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return file, nil
}
