package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/render"
)

// Issuance and key management errors
var (
	ErrNoActiveKey         = errors.New("no active signing key")
	ErrInvalidRequest      = errors.New("invalid license request")
	ErrKeyNotFound         = errors.New("signing key not found")
	ErrDuplicateKid        = errors.New("kid already in use")
	ErrActiveKeyRevocation = errors.New("cannot revoke the active signing key")
	ErrKeyUnusable         = errors.New("signing key has no private half")
	ErrInvalidKeyMaterial  = errors.New("invalid key material")
	ErrLicenseNotFound     = errors.New("license not found")
	ErrKeysChanged         = errors.New("signing keys changed concurrently")
)

// Verification outcomes
var (
	ErrUntrustedKey             = errors.New("license signed by an untrusted key")
	ErrInvalidSignature         = errors.New("license signature is invalid")
	ErrMalformed                = errors.New("license payload is malformed")
	ErrUnsupportedSchemaVersion = errors.New("unsupported license schema version")
	ErrExpired                  = errors.New("license expired")
	ErrFingerprintMismatch      = errors.New("license bound to a different machine")
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the top-level object
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, 5+len(pd.Extensions))
	for k, v := range pd.Extensions {
		data[k] = v
	}

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

type problemMapping struct {
	sentinel error
	status   int
	slug     string
	title    string
	code     string
}

// Checked in order; the first match wins.
var problemTable = []problemMapping{
	{ErrNoActiveKey, http.StatusServiceUnavailable, "no-active-key", "No Active Signing Key", "NO_ACTIVE_KEY"},
	{ErrInvalidRequest, http.StatusBadRequest, "invalid-request", "Invalid License Request", "INVALID_REQUEST"},
	{ErrInvalidKeyMaterial, http.StatusBadRequest, "invalid-key-material", "Invalid Key Material", "INVALID_KEY_MATERIAL"},
	{ErrKeyNotFound, http.StatusNotFound, "key-not-found", "Signing Key Not Found", "KEY_NOT_FOUND"},
	{ErrLicenseNotFound, http.StatusNotFound, "license-not-found", "License Not Found", "LICENSE_NOT_FOUND"},
	{ErrDuplicateKid, http.StatusConflict, "duplicate-kid", "Key Identifier Already Used", "DUPLICATE_KID"},
	{ErrActiveKeyRevocation, http.StatusConflict, "active-key-revocation", "Active Key Cannot Be Revoked", "ACTIVE_KEY_REVOCATION"},
	{ErrKeyUnusable, http.StatusConflict, "key-unusable", "Signing Key Unusable", "KEY_UNUSABLE"},
	{ErrKeysChanged, http.StatusConflict, "keys-changed", "Signing Keys Changed Concurrently", "KEYS_CHANGED"},
	{ErrUntrustedKey, http.StatusUnprocessableEntity, "untrusted-key", "Untrusted Signing Key", "UNTRUSTED_KEY"},
	{ErrInvalidSignature, http.StatusUnprocessableEntity, "invalid-signature", "Invalid Signature", "INVALID_SIGNATURE"},
	{ErrUnsupportedSchemaVersion, http.StatusUnprocessableEntity, "unsupported-schema-version", "Unsupported Schema Version", "UNSUPPORTED_SCHEMA_VERSION"},
	{ErrMalformed, http.StatusUnprocessableEntity, "malformed", "Malformed License", "MALFORMED"},
	{ErrExpired, http.StatusForbidden, "expired", "License Expired", "LICENSE_EXPIRED"},
	{ErrFingerprintMismatch, http.StatusForbidden, "fingerprint-mismatch", "Fingerprint Mismatch", "FINGERPRINT_MISMATCH"},
}

// MapError maps domain errors to RFC 7807 problem details
func MapError(err error, traceID string) *ProblemDetails {
	instance := fmt.Sprintf("/api#trace-%s", traceID)

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		problem := NewProblemDetails(apiErr.StatusCode, "/errors/"+slugFromCode(apiErr.ErrorCode),
			http.StatusText(apiErr.StatusCode), apiErr.Message, instance).
			WithExtension("trace_id", traceID).
			WithExtension("error_code", apiErr.ErrorCode)
		if apiErr.Details != nil {
			problem.WithExtension("details", apiErr.Details)
		}
		return problem
	}

	for _, m := range problemTable {
		if !errors.Is(err, m.sentinel) {
			continue
		}
		problem := NewProblemDetails(m.status, "/errors/license/"+m.slug, m.title, err.Error(), instance).
			WithExtension("trace_id", traceID).
			WithExtension("error_code", m.code)

		var verrs ValidationErrors
		if errors.As(err, &verrs) {
			problem.WithExtension("errors", verrs.Errors)
		}
		return problem
	}

	return NewProblemDetails(
		http.StatusInternalServerError,
		"/errors/internal",
		"Internal Server Error",
		"An unexpected error occurred while processing your request",
		instance,
	).WithExtension("trace_id", traceID).
		WithExtension("error_code", "INTERNAL_SERVER_ERROR")
}

func slugFromCode(code string) string {
	return strings.ReplaceAll(strings.ToLower(code), "_", "-")
}
