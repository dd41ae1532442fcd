package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"desklicense/internal/audit"
	licenseErrors "desklicense/internal/errors"
	"desklicense/internal/fingerprint"
	"desklicense/internal/keystore"
	"desklicense/internal/payload"
	"desklicense/internal/validation"
)

// MaxValidityDays caps a single issuance at ten years.
const MaxValidityDays = 3650

// Request describes a license to issue.
type Request struct {
	Customer      string `json:"customer" validate:"required,utf8,max=255"`
	Edition       string `json:"edition" validate:"required,edition"`
	Seats         int    `json:"seats" validate:"min=1"`
	ValidityDays  int    `json:"validity_days" validate:"min=1,max=3650"`
	FingerprintID string `json:"fingerprint_id" validate:"required,fingerprint"`
	Notes         string `json:"notes,omitempty" validate:"utf8,max=1000"`
}

func (r Request) normalized() Request {
	r.Customer = strings.TrimSpace(r.Customer)
	r.Edition = strings.TrimSpace(r.Edition)
	r.FingerprintID = strings.TrimSpace(r.FingerprintID)
	r.Notes = strings.TrimSpace(r.Notes)
	return r
}

// Issued is a freshly signed license. Payload is decoded from the signed
// bytes, so it matches what a verifier will read.
type Issued struct {
	ID      string
	Record  Record
	Payload payload.Payload
}

// Issuer signs new licenses with the active key.
type Issuer struct {
	keys     keystore.ActiveKeySource
	validate *validation.Validator
	audit    audit.Sink
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithClock overrides the issuance time source.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

// WithAudit sends license.issued events to sink.
func WithAudit(sink audit.Sink) IssuerOption {
	return func(i *Issuer) { i.audit = sink }
}

// WithMetrics records issuance metrics.
func WithMetrics(m *Metrics) IssuerOption {
	return func(i *Issuer) { i.metrics = m }
}

// NewIssuer creates an issuer reading keys from the given source.
func NewIssuer(keys keystore.ActiveKeySource, logger *slog.Logger, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		keys:     keys,
		validate: validation.Default(),
		audit:    audit.Nop{},
		logger:   logger.With(slog.String("component", "license_issuer")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue validates req and returns a signed license. It fails with
// ErrInvalidRequest or ErrNoActiveKey.
func (i *Issuer) Issue(ctx context.Context, req Request) (*Issued, error) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "license.issue",
		trace.WithAttributes(attribute.String("component", "license_issuer")),
	)
	defer span.End()

	start := time.Now()
	issued, err := i.issue(ctx, req.normalized())
	if err != nil {
		i.metrics.recordIssue(ctx, time.Since(start), "", failureReason(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		level := slog.LevelWarn
		if errors.Is(err, licenseErrors.ErrNoActiveKey) {
			level = slog.LevelError
		}
		i.logger.LogAttrs(ctx, level, "license issuance failed",
			slog.String("customer", req.Customer),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	p := issued.Payload
	i.metrics.recordIssue(ctx, time.Since(start), string(p.Edition), "")
	span.SetAttributes(
		attribute.String("license.kid", p.Kid),
		attribute.String("license.id", issued.ID),
		attribute.String("license.edition", string(p.Edition)),
	)
	span.SetStatus(codes.Ok, "license issued")

	i.logger.LogAttrs(ctx, slog.LevelInfo, "license issued",
		slog.String("license_id", issued.ID),
		slog.String("kid", p.Kid),
		slog.String("customer", p.Customer),
		slog.String("edition", string(p.Edition)),
		slog.Int("seats", p.Seats),
		slog.String("fingerprint_id", p.FingerprintID.String()),
		slog.Time("expires_at", p.ExpiresAt),
	)

	i.emit(ctx, issued)
	return issued, nil
}

func (i *Issuer) issue(ctx context.Context, req Request) (*Issued, error) {
	if err := i.validate.Struct(req); err != nil {
		return nil, err
	}
	fp, err := fingerprint.Parse(req.FingerprintID)
	if err != nil {
		return nil, err
	}

	// One read: the kid that signs is the kid recorded, even if a rotation
	// lands mid-issue.
	key, err := i.keys.ActiveSigningKey()
	if err != nil {
		return nil, err
	}

	now := i.now().UTC().Truncate(time.Second)
	p := payload.Payload{
		SchemaVersion: payload.CurrentSchemaVersion,
		Kid:           key.Kid,
		Customer:      req.Customer,
		Edition:       payload.Edition(req.Edition),
		Seats:         req.Seats,
		FingerprintID: fp,
		IssuedAt:      now,
		ExpiresAt:     now.Add(time.Duration(req.ValidityDays) * 24 * time.Hour),
		ValidityDays:  req.ValidityDays,
		Notes:         req.Notes,
	}

	encoded, err := payload.Encode(p)
	if err != nil {
		return nil, err
	}
	signed, err := payload.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode signed payload: %w", err)
	}
	sig, err := key.Sign(encoded)
	if err != nil {
		return nil, fmt.Errorf("sign license: %w", err)
	}

	return &Issued{
		ID:      uuid.New().String(),
		Record:  Record{Kid: key.Kid, Payload: encoded, Signature: sig},
		Payload: signed,
	}, nil
}

func (i *Issuer) emit(ctx context.Context, issued *Issued) {
	p := issued.Payload
	e := audit.NewEvent(ctx, audit.LicenseIssued)
	e.Kid = p.Kid
	e.LicenseID = issued.ID
	e.Customer = p.Customer
	e.Edition = string(p.Edition)
	e.Seats = p.Seats
	expires := p.ExpiresAt
	e.ExpiresAt = &expires

	if err := i.audit.Emit(ctx, e); err != nil {
		i.metrics.RecordAuditFailure(ctx, string(e.Type))
		i.logger.LogAttrs(ctx, slog.LevelError, "audit event dropped",
			slog.String("event_type", string(e.Type)),
			slog.String("license_id", issued.ID),
			slog.String("error", err.Error()),
		)
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, licenseErrors.ErrNoActiveKey):
		return "no_active_key"
	case errors.Is(err, licenseErrors.ErrInvalidRequest):
		return "invalid_request"
	default:
		return "internal"
	}
}
