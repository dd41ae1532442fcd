package keystore

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	licenseErrors "desklicense/internal/errors"
	"desklicense/internal/payload"
)

// plainSealer stores seeds as base64 so tests can inspect the file.
type plainSealer struct{}

func (plainSealer) Seal(p []byte) (string, error) {
	return "plain:" + base64.StdEncoding.EncodeToString(p), nil
}

func (plainSealer) Unseal(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "plain:") {
		return nil, fmt.Errorf("not sealed by plainSealer")
	}
	return base64.StdEncoding.DecodeString(strings.TrimPrefix(s, "plain:"))
}

func TestKeyringRoundTrip(t *testing.T) {
	s := NewStore(WithClock(fixedClock(time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC))))
	_, err := s.Rotate(mustKey(t, "k1"))
	require.NoError(t, err)
	_, err = s.Rotate(mustKey(t, "k2"))
	require.NoError(t, err)
	_, err = s.Rotate(mustKey(t, "k3"))
	require.NoError(t, err)
	require.NoError(t, s.Revoke("k1"))

	path := filepath.Join(t.TempDir(), "keys", "keyring.yaml")
	require.NoError(t, SaveKeyring(path, s, plainSealer{}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadKeyring(path, plainSealer{})
	require.NoError(t, err)
	assert.Equal(t, s.List(), loaded.List())

	active, err := loaded.ActiveSigningKey()
	require.NoError(t, err)
	assert.Equal(t, "k3", active.Kid)

	msg := payload.EncodedPayload(`{"a":1}`)
	sig, err := active.Sign(msg)
	require.NoError(t, err)
	orig, err := s.ActiveSigningKey()
	require.NoError(t, err)
	assert.True(t, orig.Public.Verify(msg, sig))

	revoked, err := loaded.Get("k1")
	require.NoError(t, err)
	assert.False(t, revoked.CanSign)
}

func TestKeyringRoundTripSeedsEdgedWithWhitespace(t *testing.T) {
	edged := func(first, last byte) []byte {
		seed := make([]byte, ed25519.SeedSize)
		for i := range seed {
			seed[i] = byte(i + 1)
		}
		seed[0], seed[ed25519.SeedSize-1] = first, last
		return seed
	}

	tests := []struct {
		name string
		seed []byte
	}{
		{name: "trailing space", seed: edged(1, ' ')},
		{name: "leading newline", seed: edged('\n', 32)},
		{name: "tab both ends", seed: edged('\t', '\t')},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := NewSigningKey("root-v1", nil, ed25519.NewKeyFromSeed(tt.seed))
			require.NoError(t, err)
			s := NewStore()
			_, err = s.Rotate(key)
			require.NoError(t, err)

			path := filepath.Join(t.TempDir(), "keyring.yaml")
			require.NoError(t, SaveKeyring(path, s, plainSealer{}))

			loaded, err := LoadKeyring(path, plainSealer{})
			require.NoError(t, err)

			active, err := loaded.ActiveSigningKey()
			require.NoError(t, err)
			assert.Equal(t, "root-v1", active.Kid)
			assert.True(t, active.Public.Equal(key.Public))

			msg := payload.EncodedPayload(`{"customer":"Al-Noor Academy"}`)
			sig, err := active.Sign(msg)
			require.NoError(t, err)
			assert.True(t, key.Public.Verify(msg, sig))
		})
	}
}

func TestLoadKeyringRejectsShortSealedSeed(t *testing.T) {
	k := mustKey(t, "k1")
	short, _ := plainSealer{}.Seal(make([]byte, ed25519.SeedSize-1))
	doc := fmt.Sprintf(`version: 1
active: k1
keys:
- kid: k1
  status: active
  public_key: %s
  sealed_private_key: "%s"
  created_at: 2025-01-01T00:00:00Z
`, k.Public.String(), short)

	_, err := UnmarshalKeyring([]byte(doc), plainSealer{})
	assert.ErrorIs(t, err, licenseErrors.ErrInvalidKeyMaterial)
}

func TestLoadKeyringMissingFile(t *testing.T) {
	s, err := LoadKeyring(filepath.Join(t.TempDir(), "absent.yaml"), plainSealer{})
	require.NoError(t, err)
	assert.Empty(t, s.List())
}

func TestUnmarshalKeyringRejects(t *testing.T) {
	k1 := mustKey(t, "k1")
	k2 := mustKey(t, "k2")
	seal := func(k SigningKey) string {
		v, _ := plainSealer{}.Seal(k.private.Seed())
		return v
	}

	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "unknown version",
			doc:  "version: 7\nkeys: []\n",
		},
		{
			name: "two active keys",
			doc: fmt.Sprintf("version: 1\nactive: k1\nkeys:\n"+
				"- {kid: k1, status: active, public_key: %s, sealed_private_key: %q, created_at: 2025-01-01T00:00:00Z}\n"+
				"- {kid: k2, status: active, public_key: %s, sealed_private_key: %q, created_at: 2025-01-02T00:00:00Z}\n",
				k1.Public, seal(k1), k2.Public, seal(k2)),
		},
		{
			name: "active key without private half",
			doc: fmt.Sprintf("version: 1\nactive: k1\nkeys:\n"+
				"- {kid: k1, status: active, public_key: %s, created_at: 2025-01-01T00:00:00Z}\n", k1.Public),
		},
		{
			name: "private half of another key",
			doc: fmt.Sprintf("version: 1\nactive: k1\nkeys:\n"+
				"- {kid: k1, status: active, public_key: %s, sealed_private_key: %q, created_at: 2025-01-01T00:00:00Z}\n",
				k1.Public, seal(k2)),
		},
		{
			name: "active pointer disagrees",
			doc: fmt.Sprintf("version: 1\nactive: k2\nkeys:\n"+
				"- {kid: k1, status: active, public_key: %s, sealed_private_key: %q, created_at: 2025-01-01T00:00:00Z}\n",
				k1.Public, seal(k1)),
		},
		{
			name: "unknown status",
			doc: fmt.Sprintf("version: 1\nkeys:\n"+
				"- {kid: k1, status: paused, public_key: %s, created_at: 2025-01-01T00:00:00Z}\n", k1.Public),
		},
		{
			name: "unknown field",
			doc:  "version: 1\nkeys: []\nextra: true\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalKeyring([]byte(tt.doc), plainSealer{})
			assert.Error(t, err)
		})
	}
}

func TestTrustAnchorsRoundTrip(t *testing.T) {
	s := NewStore()
	_, err := s.Rotate(mustKey(t, "k1"))
	require.NoError(t, err)
	_, err = s.Rotate(mustKey(t, "k2"))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "trust.yaml")
	require.NoError(t, SaveTrustAnchors(path, s))

	anchors, err := LoadTrustAnchors(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, anchors.Kids())

	for _, kid := range anchors.Kids() {
		want, _ := s.TrustedPublicKeys().Lookup(kid)
		got, ok := anchors.Lookup(kid)
		require.True(t, ok)
		assert.True(t, got.Equal(want))
	}
}

func TestParseTrustAnchorsRejects(t *testing.T) {
	k := mustKey(t, "k1")
	tests := map[string]string{
		"bad kid":       fmt.Sprintf("keys:\n- {kid: 'a b', public_key: %s}\n", k.Public),
		"duplicate kid": fmt.Sprintf("keys:\n- {kid: k1, public_key: %s}\n- {kid: k1, public_key: %s}\n", k.Public, k.Public),
		"bad key":       "keys:\n- {kid: k1, public_key: AAAA}\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTrustAnchors([]byte(doc))
			assert.Error(t, err)
		})
	}
}
