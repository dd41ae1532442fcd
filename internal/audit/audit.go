// Package audit records issuance and key lifecycle events.
//
// Sinks are best-effort from the caller's point of view: a failed Emit is
// logged and counted by the caller but never rolls back the operation that
// produced the event.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"desklicense/internal/infrastructure"
)

// Type names an audit event.
type Type string

const (
	LicenseIssued  Type = "license.issued"
	LicenseDeleted Type = "license.deleted"
	KeyRotated     Type = "key.rotated"
	KeyRevoked     Type = "key.revoked"
	KeyImported    Type = "key.imported"
	KeyUpdated     Type = "key.updated"
)

// Event is one audit record.
type Event struct {
	ID          string     `json:"id"`
	Type        Type       `json:"type"`
	Time        time.Time  `json:"time"`
	TraceID     string     `json:"trace_id,omitempty"`
	Kid         string     `json:"kid,omitempty"`
	PreviousKid string     `json:"previous_kid,omitempty"` // set on key.rotated
	LicenseID   string     `json:"license_id,omitempty"`
	Customer    string     `json:"customer,omitempty"`
	Edition     string     `json:"edition,omitempty"`
	Seats       int        `json:"seats,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Affected    int        `json:"affected,omitempty"`
}

// NewEvent stamps an event with a fresh id, the current time and the trace
// id carried by ctx.
func NewEvent(ctx context.Context, t Type) Event {
	return Event{
		ID:      uuid.New().String(),
		Type:    t,
		Time:    time.Now().UTC(),
		TraceID: infrastructure.GetTraceID(ctx),
	}
}

// Sink receives audit events.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) error { return nil }

// Logger writes events to a structured logger at info level.
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates a slog-backed sink.
func NewLogger(logger *slog.Logger) *Logger {
	return &Logger{logger: logger.With(slog.String("component", "audit"))}
}

func (l *Logger) Emit(ctx context.Context, e Event) error {
	attrs := []slog.Attr{
		slog.String("event_id", e.ID),
		slog.String("event_type", string(e.Type)),
	}
	if e.Kid != "" {
		attrs = append(attrs, slog.String("kid", e.Kid))
	}
	if e.PreviousKid != "" {
		attrs = append(attrs, slog.String("previous_kid", e.PreviousKid))
	}
	if e.LicenseID != "" {
		attrs = append(attrs, slog.String("license_id", e.LicenseID))
	}
	if e.Customer != "" {
		attrs = append(attrs, slog.String("customer", e.Customer))
	}
	if e.Edition != "" {
		attrs = append(attrs, slog.String("edition", e.Edition), slog.Int("seats", e.Seats))
	}
	if e.ExpiresAt != nil {
		attrs = append(attrs, slog.Time("expires_at", *e.ExpiresAt))
	}
	if e.Affected > 0 {
		attrs = append(attrs, slog.Int("affected", e.Affected))
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "audit event", attrs...)
	return nil
}

// JSONL appends one JSON document per event to a file.
type JSONL struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// OpenJSONL opens (or creates) path for appending.
func OpenJSONL(path string) (*JSONL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	return &JSONL{file: f, enc: json.NewEncoder(f)}, nil
}

func (j *JSONL) Emit(_ context.Context, e Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return errors.New("audit file is closed")
	}
	if err := j.enc.Encode(e); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	err := j.file.Sync()
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.file = nil
	return err
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
