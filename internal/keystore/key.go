package keystore

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	licenseErrors "desklicense/internal/errors"
	"desklicense/internal/payload"
)

// Status is the lifecycle state of a signing key.
type Status string

const (
	StatusActive  Status = "active"
	StatusRetired Status = "retired"
	StatusRevoked Status = "revoked"
)

// ParseStatus validates a stored status value.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusActive, StatusRetired, StatusRevoked:
		return st, nil
	}
	return "", fmt.Errorf("unknown key status %q", s)
}

// Trusted reports whether licenses signed under this status still verify.
func (s Status) Trusted() bool {
	return s == StatusActive || s == StatusRetired
}

// Signature is an Ed25519 signature over an EncodedPayload.
type Signature []byte

// PublicKey is the verification half of a signing key.
type PublicKey []byte

// ParsePublicKey accepts a base64 encoded or raw 32-byte Ed25519 public key.
func ParsePublicKey(material []byte) (PublicKey, error) {
	if len(material) != ed25519.PublicKeySize {
		decoded, err := decodeKeyText(material)
		if err != nil {
			return nil, fmt.Errorf("%w: public key is neither raw nor base64", licenseErrors.ErrInvalidKeyMaterial)
		}
		material = decoded
	}
	if len(material) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes, got %d",
			licenseErrors.ErrInvalidKeyMaterial, ed25519.PublicKeySize, len(material))
	}
	return PublicKey(bytes.Clone(material)), nil
}

// String returns the base64 form distributed to clients.
func (p PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(p)
}

// Equal reports whether both keys are identical.
func (p PublicKey) Equal(other PublicKey) bool {
	return bytes.Equal(p, other)
}

// Verify checks sig over msg.
func (p PublicKey) Verify(msg payload.EncodedPayload, sig Signature) bool {
	if len(p) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(p), msg, sig)
}

// ParsePrivateKey accepts a 32-byte seed or a 64-byte secret key, raw or
// base64 encoded. For a 64-byte key the embedded public half must match.
func ParsePrivateKey(material []byte) (ed25519.PrivateKey, error) {
	if len(material) != ed25519.SeedSize && len(material) != ed25519.PrivateKeySize {
		decoded, err := decodeKeyText(material)
		if err != nil {
			return nil, fmt.Errorf("%w: private key is neither raw nor base64", licenseErrors.ErrInvalidKeyMaterial)
		}
		material = decoded
	}

	switch len(material) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(material), nil
	case ed25519.PrivateKeySize:
		priv := ed25519.NewKeyFromSeed(material[:ed25519.SeedSize])
		if !bytes.Equal(priv[ed25519.SeedSize:], material[ed25519.SeedSize:]) {
			return nil, fmt.Errorf("%w: secret key public half does not match its seed", licenseErrors.ErrInvalidKeyMaterial)
		}
		return priv, nil
	}
	return nil, fmt.Errorf("%w: private key must be %d or %d bytes, got %d",
		licenseErrors.ErrInvalidKeyMaterial, ed25519.SeedSize, ed25519.PrivateKeySize, len(material))
}

// decodeKeyText decodes base64 key text. Surrounding whitespace is only
// dropped here: raw key bytes are binary and may legitimately start or
// end with a whitespace byte.
func decodeKeyText(text []byte) ([]byte, error) {
	return base64.StdEncoding.DecodeString(string(bytes.TrimSpace(text)))
}

var kidPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidateKid checks the identifier shape: 1-64 characters of letters,
// digits, dot, underscore or dash, starting with a letter or digit.
func ValidateKid(kid string) error {
	if !kidPattern.MatchString(kid) {
		return fmt.Errorf("%w: invalid kid %q", licenseErrors.ErrInvalidRequest, kid)
	}
	return nil
}

// SigningKey is one keypair in the store. The private half never leaves
// the value; it is only usable through Sign.
type SigningKey struct {
	Kid       string
	Public    PublicKey
	Status    Status
	CreatedAt time.Time
	RetiredAt time.Time
	RevokedAt time.Time
	// Notes is free operator text, e.g. where the key is escrowed.
	Notes string

	private ed25519.PrivateKey
}

// GenerateSigningKey creates a fresh keypair.
func GenerateSigningKey(kid string) (SigningKey, error) {
	if err := ValidateKid(kid); err != nil {
		return SigningKey{}, err
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKey{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return SigningKey{Kid: kid, Public: PublicKey(pub), private: priv}, nil
}

// NewSigningKey builds a key from imported material. priv may be nil for
// a verification-only key; when present it must match pub.
func NewSigningKey(kid string, pub PublicKey, priv ed25519.PrivateKey) (SigningKey, error) {
	if err := ValidateKid(kid); err != nil {
		return SigningKey{}, err
	}
	if priv != nil {
		derived := PublicKey(priv.Public().(ed25519.PublicKey))
		if pub == nil {
			pub = derived
		} else if !derived.Equal(pub) {
			return SigningKey{}, fmt.Errorf("%w: private key does not match public key for %s",
				licenseErrors.ErrInvalidKeyMaterial, kid)
		}
	}
	if len(pub) != ed25519.PublicKeySize {
		return SigningKey{}, fmt.Errorf("%w: missing public key for %s", licenseErrors.ErrInvalidKeyMaterial, kid)
	}
	return SigningKey{Kid: kid, Public: bytes.Clone(pub), private: priv}, nil
}

// CanSign reports whether the private half is present.
func (k SigningKey) CanSign() bool {
	return len(k.private) == ed25519.PrivateKeySize
}

// Sign signs msg with the private half.
func (k SigningKey) Sign(msg payload.EncodedPayload) (Signature, error) {
	if !k.CanSign() {
		return nil, fmt.Errorf("%w: %s", licenseErrors.ErrKeyUnusable, k.Kid)
	}
	return Signature(ed25519.Sign(k.private, msg)), nil
}

// LogValue keeps key material out of logs.
func (k SigningKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kid", k.Kid),
		slog.String("status", string(k.Status)),
	)
}

// KeyInfo is the public view of a key.
type KeyInfo struct {
	Kid       string     `json:"kid" yaml:"kid"`
	Status    Status     `json:"status" yaml:"status"`
	PublicKey string     `json:"public_key" yaml:"public_key"`
	CanSign   bool       `json:"can_sign" yaml:"can_sign"`
	CreatedAt time.Time  `json:"created_at" yaml:"created_at"`
	RetiredAt *time.Time `json:"retired_at,omitempty" yaml:"retired_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty" yaml:"revoked_at,omitempty"`
	Notes     string     `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// Info returns the public view of k.
func (k SigningKey) Info() KeyInfo {
	info := KeyInfo{
		Kid:       k.Kid,
		Status:    k.Status,
		PublicKey: k.Public.String(),
		CanSign:   k.CanSign(),
		CreatedAt: k.CreatedAt,
		Notes:     k.Notes,
	}
	if !k.RetiredAt.IsZero() {
		t := k.RetiredAt
		info.RetiredAt = &t
	}
	if !k.RevokedAt.IsZero() {
		t := k.RevokedAt
		info.RevokedAt = &t
	}
	return info
}
