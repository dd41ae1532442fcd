package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	licenseErrors "desklicense/internal/errors"
	"desklicense/internal/fingerprint"
	"desklicense/internal/keystore"
	"desklicense/internal/payload"
)

// Outcome classifies a verification.
type Outcome int

const (
	OutcomeValid Outcome = iota
	OutcomeUntrustedKey
	OutcomeInvalidSignature
	OutcomeMalformed
	OutcomeExpired
	OutcomeFingerprintMismatch
)

func (o Outcome) String() string {
	switch o {
	case OutcomeValid:
		return "valid"
	case OutcomeUntrustedKey:
		return "untrusted_key"
	case OutcomeInvalidSignature:
		return "invalid_signature"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeExpired:
		return "expired"
	case OutcomeFingerprintMismatch:
		return "fingerprint_mismatch"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// IsCorruption reports whether the artifact itself is bad, as opposed to a
// genuine license that no longer applies (expired or other machine).
func (o Outcome) IsCorruption() bool {
	switch o {
	case OutcomeUntrustedKey, OutcomeInvalidSignature, OutcomeMalformed:
		return true
	}
	return false
}

// Message is the wording shown to the end user of the desktop client.
func (o Outcome) Message() string {
	switch o {
	case OutcomeValid:
		return "License is valid."
	case OutcomeUntrustedKey, OutcomeInvalidSignature, OutcomeMalformed:
		return "License file is invalid or has been tampered with. Please contact support."
	case OutcomeExpired:
		return "License has expired. Please renew your license."
	case OutcomeFingerprintMismatch:
		return "License is registered to a different machine."
	}
	return "License could not be verified."
}

func (o Outcome) sentinel() error {
	switch o {
	case OutcomeUntrustedKey:
		return licenseErrors.ErrUntrustedKey
	case OutcomeInvalidSignature:
		return licenseErrors.ErrInvalidSignature
	case OutcomeMalformed:
		return licenseErrors.ErrMalformed
	case OutcomeExpired:
		return licenseErrors.ErrExpired
	case OutcomeFingerprintMismatch:
		return licenseErrors.ErrFingerprintMismatch
	}
	return nil
}

// Verdict is what an authentic license grants.
type Verdict struct {
	Kid           string
	Customer      string
	Edition       payload.Edition
	Seats         int
	IssuedAt      time.Time
	ExpiresAt     time.Time
	FingerprintID fingerprint.ID
	SchemaVersion int
	Notes         string
}

// DaysRemaining counts whole days from now to expiry, never negative.
func (v Verdict) DaysRemaining(now time.Time) int {
	d := v.ExpiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

func verdictOf(p payload.Payload) *Verdict {
	return &Verdict{
		Kid:           p.Kid,
		Customer:      p.Customer,
		Edition:       p.Edition,
		Seats:         p.Seats,
		IssuedAt:      p.IssuedAt,
		ExpiresAt:     p.ExpiresAt,
		FingerprintID: p.FingerprintID,
		SchemaVersion: p.SchemaVersion,
		Notes:         p.Notes,
	}
}

// Result is the outcome of one verification. Verdict is set once the
// payload is known to be authentic and decodable, so Expired and
// FingerprintMismatch results still say what the license was for.
// Err is nil for OutcomeValid and otherwise wraps the matching sentinel.
type Result struct {
	Outcome Outcome
	Verdict *Verdict
	Err     error
}

// Valid reports whether the license may be activated.
func (r Result) Valid() bool { return r.Outcome == OutcomeValid }

func fail(o Outcome, v *Verdict, format string, args ...interface{}) Result {
	return Result{
		Outcome: o,
		Verdict: v,
		Err:     fmt.Errorf("%w: %s", o.sentinel(), fmt.Sprintf(format, args...)),
	}
}

// Verifier checks records against a trust set. It is safe for concurrent
// use; each call reads one snapshot of the trust set.
type Verifier struct {
	trust   keystore.Trust
	metrics *Metrics
	logger  *slog.Logger
}

// NewVerifier creates a verifier. metrics may be nil.
func NewVerifier(trust keystore.Trust, metrics *Metrics, logger *slog.Logger) *Verifier {
	return &Verifier{
		trust:   trust,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "license_verifier")),
	}
}

// Verify checks rec for a machine with the observed fingerprint at now.
func (v *Verifier) Verify(ctx context.Context, rec Record, observed string, now time.Time) Result {
	return v.run(ctx, rec.Kid, observed, now, func() (Record, error) { return rec, nil })
}

// VerifyFile checks the transport form. Undecodable base64 is reported as
// InvalidSignature, after the kid has been resolved.
func (v *Verifier) VerifyFile(ctx context.Context, f File, observed string, now time.Time) Result {
	return v.run(ctx, f.Kid, observed, now, f.Record)
}

func (v *Verifier) run(ctx context.Context, kid, observed string, now time.Time, decode func() (Record, error)) Result {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "license.verify",
		trace.WithAttributes(
			attribute.String("license.kid", kid),
			attribute.String("component", "license_verifier"),
		),
	)
	defer span.End()

	start := time.Now()
	res := v.evaluate(kid, observed, now, decode)
	v.metrics.recordVerify(ctx, time.Since(start), res.Outcome)

	span.SetAttributes(attribute.String("license.outcome", res.Outcome.String()))
	if res.Err != nil {
		span.SetStatus(codes.Error, res.Outcome.String())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	attrs := []slog.Attr{
		slog.String("kid", kid),
		slog.String("outcome", res.Outcome.String()),
	}
	if res.Verdict != nil {
		attrs = append(attrs, slog.String("customer", res.Verdict.Customer))
	}
	if res.Err != nil {
		attrs = append(attrs, slog.String("error", res.Err.Error()))
		v.logger.LogAttrs(ctx, slog.LevelWarn, "license verification failed", attrs...)
	} else {
		v.logger.LogAttrs(ctx, slog.LevelDebug, "license verified", attrs...)
	}
	return res
}

func (v *Verifier) evaluate(kid, observed string, now time.Time, decode func() (Record, error)) Result {
	pub, ok := v.trust.TrustedPublicKeys().Lookup(kid)
	if !ok {
		return fail(OutcomeUntrustedKey, nil, "kid %q", kid)
	}

	rec, err := decode()
	if err != nil {
		return Result{Outcome: OutcomeInvalidSignature, Err: err}
	}
	if !pub.Verify(rec.Payload, rec.Signature) {
		return fail(OutcomeInvalidSignature, nil, "kid %q", kid)
	}

	p, err := payload.Decode(rec.Payload)
	if err != nil {
		if !errors.Is(err, licenseErrors.ErrMalformed) {
			err = fmt.Errorf("%w: %w", licenseErrors.ErrMalformed, err)
		}
		return Result{Outcome: OutcomeMalformed, Err: err}
	}
	if p.Kid != rec.Kid {
		return fail(OutcomeMalformed, nil, "payload kid %q does not match record kid %q", p.Kid, rec.Kid)
	}

	verdict := verdictOf(p)
	if now.After(p.ExpiresAt) {
		return fail(OutcomeExpired, verdict, "expired at %s", p.ExpiresAt.Format(time.RFC3339))
	}
	if !fingerprint.Matches(string(p.FingerprintID), observed) {
		return fail(OutcomeFingerprintMismatch, verdict, "observed fingerprint %q", observed)
	}
	return Result{Outcome: OutcomeValid, Verdict: verdict}
}
