// Package fingerprint defines the machine fingerprint a license is bound to.
//
// A fingerprint ID is exactly 16 hexadecimal characters. Comparison is
// case-insensitive and exact; there is no partial or fuzzy matching.
package fingerprint

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	licenseErrors "desklicense/internal/errors"
)

// Length is the number of hex characters in a canonical ID.
const Length = 16

// ErrMalformedFingerprint is returned by Parse. It wraps ErrInvalidRequest
// because a malformed fingerprint is always a caller input problem.
var ErrMalformedFingerprint = fmt.Errorf("%w: fingerprint must be %d hex characters", licenseErrors.ErrInvalidRequest, Length)

// ID is a canonical (lowercase) fingerprint identifier.
type ID string

func (id ID) String() string { return string(id) }

// Normalize maps raw host identifying data to its canonical ID.
func Normalize(raw []byte) ID {
	sum := sha256.Sum256(raw)
	return ID(hex.EncodeToString(sum[:Length/2]))
}

// Parse validates an already-derived fingerprint and returns its canonical form.
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if !valid(s) {
		return "", ErrMalformedFingerprint
	}
	return ID(strings.ToLower(s)), nil
}

// Matches reports whether observed is the same machine as bound.
// Either side failing to parse is a mismatch.
func Matches(bound, observed string) bool {
	b, err := Parse(bound)
	if err != nil {
		return false
	}
	o, err := Parse(observed)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(b), []byte(o)) == 1
}

func valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
