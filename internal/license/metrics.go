package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TracerName is the instrumentation scope for license spans.
const TracerName = "desklicense/license"

// Metrics holds the license engine instruments.
type Metrics struct {
	Issued         metric.Int64Counter
	IssueFailures  metric.Int64Counter
	IssueDuration  metric.Float64Histogram
	Verifications  metric.Int64Counter
	VerifyDuration metric.Float64Histogram
	KeyRotations   metric.Int64Counter
	KeyRevocations metric.Int64Counter
	AuditFailures  metric.Int64Counter
}

// NewMetrics registers every instrument on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.Issued, "license_issued_total", "Total number of licenses issued"},
		{&m.IssueFailures, "license_issue_failures_total", "Total number of rejected issuance requests"},
		{&m.Verifications, "license_verifications_total", "Total number of license verifications by outcome"},
		{&m.KeyRotations, "license_key_rotations_total", "Total number of signing key rotations"},
		{&m.KeyRevocations, "license_key_revocations_total", "Total number of signing key revocations"},
		{&m.AuditFailures, "license_audit_failures_total", "Total number of audit events that could not be written"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.IssueDuration, err = meter.Float64Histogram(
		"license_issue_duration_seconds",
		metric.WithDescription("License issuance duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create issue duration histogram: %w", err)
	}

	m.VerifyDuration, err = meter.Float64Histogram(
		"license_verify_duration_seconds",
		metric.WithDescription("License verification duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verify duration histogram: %w", err)
	}

	return m, nil
}

func (m *Metrics) recordIssue(ctx context.Context, d time.Duration, edition string, reason string) {
	if m == nil {
		return
	}
	m.IssueDuration.Record(ctx, d.Seconds())
	if reason != "" {
		m.IssueFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
		return
	}
	m.Issued.Add(ctx, 1, metric.WithAttributes(attribute.String("edition", edition)))
}

func (m *Metrics) recordVerify(ctx context.Context, d time.Duration, outcome Outcome) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome.String()))
	m.Verifications.Add(ctx, 1, attrs)
	m.VerifyDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordRotation counts a completed key rotation.
func (m *Metrics) RecordRotation(ctx context.Context) {
	if m != nil {
		m.KeyRotations.Add(ctx, 1)
	}
}

// RecordRevocation counts a completed key revocation.
func (m *Metrics) RecordRevocation(ctx context.Context) {
	if m != nil {
		m.KeyRevocations.Add(ctx, 1)
	}
}

// RecordAuditFailure counts an audit event that a sink rejected.
func (m *Metrics) RecordAuditFailure(ctx context.Context, eventType string) {
	if m != nil {
		m.AuditFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
	}
}
