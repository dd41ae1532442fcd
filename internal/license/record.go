package license

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	licenseErrors "desklicense/internal/errors"
	"desklicense/internal/files"
	"desklicense/internal/keystore"
	"desklicense/internal/payload"
)

// FileExtension is the suffix of exported license artifacts.
const FileExtension = ".dat"

// Strict decoding rejects non-canonical padding bits, so every distinct
// base64 text maps to distinct bytes or to an error.
var b64 = base64.StdEncoding.Strict()

// Record is an issued license. It is immutable once issued.
type Record struct {
	Kid       string
	Payload   payload.EncodedPayload
	Signature keystore.Signature
}

// File is the transport form of a Record.
type File struct {
	Kid          string `json:"kid"`
	PayloadB64   string `json:"payload_b64"`
	SignatureB64 string `json:"signature_b64"`
}

// File encodes r for transport.
func (r Record) File() File {
	return File{
		Kid:          r.Kid,
		PayloadB64:   b64.EncodeToString(r.Payload),
		SignatureB64: b64.EncodeToString(r.Signature),
	}
}

// Record decodes the base64 fields. Any decoding failure is reported as
// ErrInvalidSignature: the bytes cannot be what was signed.
func (f File) Record() (Record, error) {
	p, err := b64.DecodeString(f.PayloadB64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: payload_b64: %v", licenseErrors.ErrInvalidSignature, err)
	}
	sig, err := b64.DecodeString(f.SignatureB64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: signature_b64: %v", licenseErrors.ErrInvalidSignature, err)
	}
	return Record{Kid: f.Kid, Payload: payload.EncodedPayload(p), Signature: keystore.Signature(sig)}, nil
}

// ParseFile reads the JSON form of a license artifact.
func ParseFile(data []byte) (File, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("%w: license file is not valid JSON: %v", licenseErrors.ErrMalformed, err)
	}
	return f, nil
}

// Marshal renders f as indented JSON with a trailing newline.
func (f File) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// ReadFile loads a license artifact from disk.
func ReadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read license file: %w", err)
	}
	return ParseFile(data)
}

// WriteFile stores a license artifact, creating parent directories. The
// file is replaced atomically so a reader never sees a partial license.
func WriteFile(path string, f File) error {
	data, err := f.Marshal()
	if err != nil {
		return fmt.Errorf("encode license file: %w", err)
	}
	if err := files.WriteAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write license file: %w", err)
	}
	return nil
}
