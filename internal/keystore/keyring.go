package keystore

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	licenseErrors "desklicense/internal/errors"
	"desklicense/internal/files"
)

const keyringVersion = 1

// Sealer protects private key seeds before they are written to disk.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
}

// Unsealer reverses Sealer.
type Unsealer interface {
	Unseal(sealed string) ([]byte, error)
}

type keyringFile struct {
	Version int          `yaml:"version"`
	Active  string       `yaml:"active,omitempty"`
	Keys    []keyringKey `yaml:"keys"`
}

type keyringKey struct {
	Kid              string     `yaml:"kid"`
	Status           Status     `yaml:"status"`
	PublicKey        string     `yaml:"public_key"`
	SealedPrivateKey string     `yaml:"sealed_private_key,omitempty"`
	CreatedAt        time.Time  `yaml:"created_at"`
	RetiredAt        *time.Time `yaml:"retired_at,omitempty"`
	RevokedAt        *time.Time `yaml:"revoked_at,omitempty"`
	Notes            string     `yaml:"notes,omitempty"`
}

// MarshalKeyring serializes every key in s. Private halves are sealed;
// revoked keys drop theirs since they can never sign again.
func MarshalKeyring(s *Store, sealer Sealer) ([]byte, error) {
	keys, active := s.keys()
	f := keyringFile{Version: keyringVersion, Active: active, Keys: make([]keyringKey, 0, len(keys))}

	for _, k := range keys {
		info := k.Info()
		entry := keyringKey{
			Kid:       k.Kid,
			Status:    k.Status,
			PublicKey: info.PublicKey,
			CreatedAt: k.CreatedAt,
			RetiredAt: info.RetiredAt,
			RevokedAt: info.RevokedAt,
			Notes:     k.Notes,
		}
		if k.CanSign() && k.Status != StatusRevoked {
			sealed, err := sealer.Seal(k.private.Seed())
			if err != nil {
				return nil, fmt.Errorf("seal %s: %w", k.Kid, err)
			}
			entry.SealedPrivateKey = sealed
		}
		f.Keys = append(f.Keys, entry)
	}

	return yaml.Marshal(f)
}

// UnmarshalKeyring rebuilds a Store from MarshalKeyring output.
func UnmarshalKeyring(data []byte, unsealer Unsealer, opts ...Option) (*Store, error) {
	var f keyringFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("parse keyring: %w", err)
	}
	if f.Version != keyringVersion {
		return nil, fmt.Errorf("unsupported keyring version %d", f.Version)
	}

	keys := make([]SigningKey, 0, len(f.Keys))
	for _, entry := range f.Keys {
		k, err := entry.signingKey(unsealer)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}

	s := NewStore(opts...)
	if err := s.restore(keys); err != nil {
		return nil, fmt.Errorf("load keyring: %w", err)
	}
	if active := s.snap.Load().active; active != f.Active {
		return nil, fmt.Errorf("load keyring: active %q does not match key statuses (%q)", f.Active, active)
	}
	return s, nil
}

func (e keyringKey) signingKey(unsealer Unsealer) (SigningKey, error) {
	status, err := ParseStatus(string(e.Status))
	if err != nil {
		return SigningKey{}, fmt.Errorf("key %s: %w", e.Kid, err)
	}
	pub, err := ParsePublicKey([]byte(e.PublicKey))
	if err != nil {
		return SigningKey{}, fmt.Errorf("key %s: %w", e.Kid, err)
	}

	var k SigningKey
	if e.SealedPrivateKey != "" {
		seed, err := unsealer.Unseal(e.SealedPrivateKey)
		if err != nil {
			return SigningKey{}, fmt.Errorf("unseal %s: %w", e.Kid, err)
		}
		if len(seed) != ed25519.SeedSize {
			return SigningKey{}, fmt.Errorf("key %s: %w: sealed seed must be %d bytes, got %d",
				e.Kid, licenseErrors.ErrInvalidKeyMaterial, ed25519.SeedSize, len(seed))
		}
		k, err = NewSigningKey(e.Kid, pub, ed25519.NewKeyFromSeed(seed))
		if err != nil {
			return SigningKey{}, err
		}
	} else {
		k, err = NewSigningKey(e.Kid, pub, nil)
		if err != nil {
			return SigningKey{}, err
		}
	}

	k.Status = status
	k.CreatedAt = e.CreatedAt
	k.Notes = e.Notes
	if e.RetiredAt != nil {
		k.RetiredAt = *e.RetiredAt
	}
	if e.RevokedAt != nil {
		k.RevokedAt = *e.RevokedAt
	}
	return k, nil
}

// LoadKeyring reads a keyring file. A missing file yields an empty store.
func LoadKeyring(path string, unsealer Unsealer, opts ...Option) (*Store, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewStore(opts...), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read keyring: %w", err)
	}
	return UnmarshalKeyring(data, unsealer, opts...)
}

// SaveKeyring writes the keyring through a temp file and rename so a crash
// never leaves a half-written file behind.
func SaveKeyring(path string, s *Store, sealer Sealer) error {
	data, err := MarshalKeyring(s, sealer)
	if err != nil {
		return err
	}
	return files.WriteAtomic(path, data, 0o600)
}

// SaveTrustAnchors writes the public trust file for clients.
func SaveTrustAnchors(path string, t Trust) error {
	data, err := t.TrustedPublicKeys().MarshalAnchors()
	if err != nil {
		return fmt.Errorf("marshal trust anchors: %w", err)
	}
	return files.WriteAtomic(path, data, 0o644)
}

// LoadTrustAnchors reads a trust file.
func LoadTrustAnchors(path string) (TrustSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TrustSet{}, fmt.Errorf("read trust anchors: %w", err)
	}
	return ParseTrustAnchors(data)
}
