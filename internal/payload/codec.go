// Package payload is the canonical, versioned encoding of signed license claims.
//
// Signer and verifier both go through this package, so a given Payload
// always yields byte-identical output: compact JSON, keys in lexicographic
// order, no HTML escaping, and UTC timestamps at second precision.
//
// Schema history:
//
//	1  nested fingerprint object, "expires" key, no version tag
//	2  flat layout with "schema_version" and "validity_days"
//
// Every version ever emitted stays decodable.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	licenseErrors "desklicense/internal/errors"
	"desklicense/internal/fingerprint"
)

// CurrentSchemaVersion is what Encode emits.
const CurrentSchemaVersion = 2

const timeLayout = "2006-01-02T15:04:05Z"

// EncodedPayload is the canonical byte form that gets signed.
type EncodedPayload []byte

// Payload holds the signed claims of a license.
type Payload struct {
	SchemaVersion int
	Kid           string
	Customer      string
	Edition       Edition
	Seats         int
	FingerprintID fingerprint.ID
	IssuedAt      time.Time
	ExpiresAt     time.Time
	// ValidityDays is informational. Expiry is always judged on ExpiresAt.
	ValidityDays int
	Notes        string
}

// Encode produces the canonical bytes of p at CurrentSchemaVersion.
func Encode(p Payload) (EncodedPayload, error) {
	return EncodeVersion(p, CurrentSchemaVersion)
}

// EncodeVersion produces the canonical bytes of p in a specific schema version.
func EncodeVersion(p Payload, version int) (EncodedPayload, error) {
	if err := p.check(); err != nil {
		return nil, fmt.Errorf("%w: %v", licenseErrors.ErrInvalidRequest, err)
	}

	var wire interface{}
	switch version {
	case 1:
		wire = toV1(p)
	case 2:
		wire = toV2(p)
	default:
		return nil, fmt.Errorf("%w: cannot encode version %d", licenseErrors.ErrUnsupportedSchemaVersion, version)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(wire); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return EncodedPayload(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// Decode parses canonical bytes. It returns ErrUnsupportedSchemaVersion for
// versions newer than this build understands and ErrMalformed otherwise.
func Decode(b EncodedPayload) (Payload, error) {
	var probe struct {
		SchemaVersion *int `json:"schema_version"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return Payload{}, malformed("not a json object: %v", err)
	}

	version := 1
	if probe.SchemaVersion != nil {
		version = *probe.SchemaVersion
		if version <= 1 {
			return Payload{}, malformed("invalid schema_version %d", version)
		}
	}
	if version > CurrentSchemaVersion {
		return Payload{}, fmt.Errorf("%w: schema_version %d, newest supported is %d",
			licenseErrors.ErrUnsupportedSchemaVersion, version, CurrentSchemaVersion)
	}

	var (
		p   Payload
		err error
	)
	switch version {
	case 1:
		var w wireV1
		if err = strictUnmarshal(b, &w); err == nil {
			p, err = w.payload()
		}
	case 2:
		var w wireV2
		if err = strictUnmarshal(b, &w); err == nil {
			p, err = w.payload()
		}
	}
	if err != nil {
		return Payload{}, malformed("schema v%d: %v", version, err)
	}

	if err := p.check(); err != nil {
		return Payload{}, malformed("%v", err)
	}
	return p, nil
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", licenseErrors.ErrMalformed, fmt.Sprintf(format, args...))
}

func strictUnmarshal(b []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after payload")
	}
	return nil
}

// check enforces the semantic invariants shared by every schema version.
func (p Payload) check() error {
	switch {
	case strings.TrimSpace(p.Kid) == "":
		return errors.New("kid is required")
	case strings.TrimSpace(p.Customer) == "":
		return errors.New("customer is required")
	case !p.Edition.Valid():
		return fmt.Errorf("unknown edition %q", p.Edition)
	case p.Seats < 1:
		return fmt.Errorf("seats must be at least 1, got %d", p.Seats)
	case p.ValidityDays < 0:
		return fmt.Errorf("validity_days must not be negative, got %d", p.ValidityDays)
	case p.IssuedAt.IsZero() || p.ExpiresAt.IsZero():
		return errors.New("issued_at and expires_at are required")
	case !p.ExpiresAt.After(p.IssuedAt):
		return errors.New("expires_at must be after issued_at")
	}
	if _, err := fingerprint.Parse(p.FingerprintID.String()); err != nil {
		return err
	}
	return nil
}

// Fields are declared in lexicographic key order; encoding/json keeps
// declaration order, which makes the output canonical.
type wireV2 struct {
	Customer      string `json:"customer"`
	Edition       string `json:"edition"`
	ExpiresAt     string `json:"expires_at"`
	FingerprintID string `json:"fingerprint_id"`
	IssuedAt      string `json:"issued_at"`
	Kid           string `json:"kid"`
	Notes         string `json:"notes,omitempty"`
	SchemaVersion int    `json:"schema_version"`
	Seats         int    `json:"seats"`
	ValidityDays  int    `json:"validity_days"`
}

func toV2(p Payload) wireV2 {
	fp, _ := fingerprint.Parse(p.FingerprintID.String())
	return wireV2{
		Customer:      p.Customer,
		Edition:       string(p.Edition),
		ExpiresAt:     p.ExpiresAt.UTC().Format(timeLayout),
		FingerprintID: fp.String(),
		IssuedAt:      p.IssuedAt.UTC().Format(timeLayout),
		Kid:           p.Kid,
		Notes:         p.Notes,
		SchemaVersion: 2,
		Seats:         p.Seats,
		ValidityDays:  p.ValidityDays,
	}
}

func (w wireV2) payload() (Payload, error) {
	issued, err := time.Parse(timeLayout, w.IssuedAt)
	if err != nil {
		return Payload{}, fmt.Errorf("issued_at: %w", err)
	}
	expires, err := time.Parse(timeLayout, w.ExpiresAt)
	if err != nil {
		return Payload{}, fmt.Errorf("expires_at: %w", err)
	}
	fp, err := fingerprint.Parse(w.FingerprintID)
	if err != nil {
		return Payload{}, err
	}
	return Payload{
		SchemaVersion: 2,
		Kid:           w.Kid,
		Customer:      w.Customer,
		Edition:       Edition(w.Edition),
		Seats:         w.Seats,
		FingerprintID: fp,
		IssuedAt:      issued,
		ExpiresAt:     expires,
		ValidityDays:  w.ValidityDays,
		Notes:         w.Notes,
	}, nil
}

type wireV1 struct {
	Customer    string        `json:"customer"`
	Edition     string        `json:"edition"`
	Expires     string        `json:"expires"`
	Fingerprint wireV1Binding `json:"fingerprint"`
	IssuedAt    string        `json:"issued_at"`
	Kid         string        `json:"kid"`
	Notes       *string       `json:"notes"`
	Seats       int           `json:"seats"`
}

type wireV1Binding struct {
	FingerprintID string `json:"fingerprint_id"`
}

const v1TimeLayout = "2006-01-02T15:04:05-07:00"

func toV1(p Payload) wireV1 {
	fp, _ := fingerprint.Parse(p.FingerprintID.String())
	w := wireV1{
		Customer:    p.Customer,
		Edition:     string(p.Edition),
		Expires:     p.ExpiresAt.UTC().Format(v1TimeLayout),
		Fingerprint: wireV1Binding{FingerprintID: fp.String()},
		IssuedAt:    p.IssuedAt.UTC().Format(v1TimeLayout),
		Kid:         p.Kid,
		Seats:       p.Seats,
	}
	if p.Notes != "" {
		notes := p.Notes
		w.Notes = &notes
	}
	return w
}

func (w wireV1) payload() (Payload, error) {
	issued, err := time.Parse(time.RFC3339, w.IssuedAt)
	if err != nil {
		return Payload{}, fmt.Errorf("issued_at: %w", err)
	}
	expires, err := time.Parse(time.RFC3339, w.Expires)
	if err != nil {
		return Payload{}, fmt.Errorf("expires: %w", err)
	}
	fp, err := fingerprint.Parse(w.Fingerprint.FingerprintID)
	if err != nil {
		return Payload{}, err
	}
	p := Payload{
		SchemaVersion: 1,
		Kid:           w.Kid,
		Customer:      w.Customer,
		Edition:       Edition(w.Edition),
		Seats:         w.Seats,
		FingerprintID: fp,
		IssuedAt:      issued.UTC(),
		ExpiresAt:     expires.UTC(),
		ValidityDays:  int(expires.Sub(issued) / (24 * time.Hour)),
	}
	if w.Notes != nil {
		p.Notes = *w.Notes
	}
	return p, nil
}
