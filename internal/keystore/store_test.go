package keystore

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	licenseErrors "desklicense/internal/errors"
	"desklicense/internal/payload"
)

func mustKey(t *testing.T, kid string) SigningKey {
	t.Helper()
	k, err := GenerateSigningKey(kid)
	require.NoError(t, err)
	return k
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func TestStoreEmpty(t *testing.T) {
	s := NewStore()

	_, err := s.ActiveSigningKey()
	assert.ErrorIs(t, err, licenseErrors.ErrNoActiveKey)
	assert.Zero(t, s.TrustedPublicKeys().Len())
	assert.Empty(t, s.List())
}

func TestStoreRotate(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(WithClock(fixedClock(now)))

	prev, err := s.Rotate(mustKey(t, "k1"))
	require.NoError(t, err)
	assert.Empty(t, prev)

	active, err := s.ActiveSigningKey()
	require.NoError(t, err)
	assert.Equal(t, "k1", active.Kid)
	assert.Equal(t, StatusActive, active.Status)

	prev, err = s.Rotate(mustKey(t, "k2"))
	require.NoError(t, err)
	assert.Equal(t, "k1", prev)

	active, err = s.ActiveSigningKey()
	require.NoError(t, err)
	assert.Equal(t, "k2", active.Kid)

	k1, err := s.Get("k1")
	require.NoError(t, err)
	assert.Equal(t, StatusRetired, k1.Status)
	require.NotNil(t, k1.RetiredAt)
	assert.Equal(t, now, *k1.RetiredAt)

	trust := s.TrustedPublicKeys()
	assert.Equal(t, []string{"k1", "k2"}, trust.Kids())
}

func TestStoreRotateErrors(t *testing.T) {
	s := NewStore()
	_, err := s.Rotate(mustKey(t, "k1"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		key     SigningKey
		wantErr error
	}{
		{
			name:    "duplicate kid",
			key:     mustKey(t, "k1"),
			wantErr: licenseErrors.ErrDuplicateKid,
		},
		{
			name: "verification only key",
			key: func() SigningKey {
				k := mustKey(t, "k9")
				pub, err := NewSigningKey("k9", k.Public, nil)
				require.NoError(t, err)
				return pub
			}(),
			wantErr: licenseErrors.ErrKeyUnusable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Rotate(tt.key)
			assert.ErrorIs(t, err, tt.wantErr)

			active, err := s.ActiveSigningKey()
			require.NoError(t, err)
			assert.Equal(t, "k1", active.Kid)
		})
	}
}

func TestStoreRevoke(t *testing.T) {
	s := NewStore()
	_, err := s.Rotate(mustKey(t, "k1"))
	require.NoError(t, err)
	_, err = s.Rotate(mustKey(t, "k2"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		kid     string
		wantErr error
	}{
		{name: "unknown kid", kid: "nope", wantErr: licenseErrors.ErrKeyNotFound},
		{name: "active key refused", kid: "k2", wantErr: licenseErrors.ErrActiveKeyRevocation},
		{name: "retired key", kid: "k1"},
		{name: "already revoked is a no-op", kid: "k1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Revoke(tt.kid)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}

	_, ok := s.TrustedPublicKeys().Lookup("k1")
	assert.False(t, ok)
	_, ok = s.TrustedPublicKeys().Lookup("k2")
	assert.True(t, ok)

	// revoked kids stay reserved
	_, err = s.Rotate(mustKey(t, "k1"))
	assert.ErrorIs(t, err, licenseErrors.ErrDuplicateKid)
}

func TestStoreImport(t *testing.T) {
	s := NewStore()
	src := mustKey(t, "legacy")
	verifyOnly, err := NewSigningKey("legacy", src.Public, nil)
	require.NoError(t, err)

	require.NoError(t, s.Import(verifyOnly))
	assert.ErrorIs(t, s.Import(verifyOnly), licenseErrors.ErrDuplicateKid)

	info, err := s.Get("legacy")
	require.NoError(t, err)
	assert.Equal(t, StatusRetired, info.Status)
	assert.False(t, info.CanSign)

	pk, ok := s.TrustedPublicKeys().Lookup("legacy")
	require.True(t, ok)
	assert.True(t, pk.Equal(src.Public))

	_, err = s.ActiveSigningKey()
	assert.ErrorIs(t, err, licenseErrors.ErrNoActiveKey)
}

func TestStoreUpdateNotes(t *testing.T) {
	s := NewStore()
	_, err := s.Rotate(mustKey(t, "k1"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		kid     string
		notes   string
		wantErr error
	}{
		{name: "set", kid: "k1", notes: "escrowed with finance"},
		{name: "clear", kid: "k1", notes: ""},
		{name: "unknown kid", kid: "k9", notes: "x", wantErr: licenseErrors.ErrKeyNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.UpdateNotes(tt.kid, tt.notes)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			info, err := s.Get(tt.kid)
			require.NoError(t, err)
			assert.Equal(t, tt.notes, info.Notes)
			assert.Equal(t, StatusActive, info.Status)
		})
	}
}

func TestStoreStageAndPublish(t *testing.T) {
	tests := []struct {
		name    string
		between func(t *testing.T, live *Store)
		wantErr error
	}{
		{name: "live store unchanged"},
		{
			name: "live store rotated after staging",
			between: func(t *testing.T, live *Store) {
				_, err := live.Rotate(mustKey(t, "k3"))
				require.NoError(t, err)
			},
			wantErr: licenseErrors.ErrKeysChanged,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			live := NewStore()
			_, err := live.Rotate(mustKey(t, "k1"))
			require.NoError(t, err)

			staged := live.Stage()
			prev, err := staged.Rotate(mustKey(t, "k2"))
			require.NoError(t, err)
			assert.Equal(t, "k1", prev)

			// staging never leaks into the live store
			active, err := live.ActiveSigningKey()
			require.NoError(t, err)
			assert.Equal(t, "k1", active.Kid)
			_, err = live.Get("k2")
			assert.ErrorIs(t, err, licenseErrors.ErrKeyNotFound)

			if tt.between != nil {
				tt.between(t, live)
			}

			err = live.Publish(staged)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				_, err = live.Get("k2")
				assert.ErrorIs(t, err, licenseErrors.ErrKeyNotFound)
				return
			}
			require.NoError(t, err)
			active, err = live.ActiveSigningKey()
			require.NoError(t, err)
			assert.Equal(t, "k2", active.Kid)
			assert.Equal(t, 2, live.TrustedPublicKeys().Len())
		})
	}
}

func TestStorePublishRejectsUnstagedStore(t *testing.T) {
	live := NewStore()
	other := NewStore()
	_, err := other.Rotate(mustKey(t, "k1"))
	require.NoError(t, err)

	assert.ErrorIs(t, live.Publish(other), licenseErrors.ErrKeysChanged)
	assert.Empty(t, live.List())
}

func TestStoreSnapshotsAreIsolated(t *testing.T) {
	s := NewStore()
	_, err := s.Rotate(mustKey(t, "k1"))
	require.NoError(t, err)

	before := s.TrustedPublicKeys()
	_, err = s.Rotate(mustKey(t, "k2"))
	require.NoError(t, err)

	assert.Equal(t, 1, before.Len())
	assert.Equal(t, 2, s.TrustedPublicKeys().Len())
}

func TestStoreConcurrentRotateAndRead(t *testing.T) {
	s := NewStore()
	_, err := s.Rotate(mustKey(t, "k0"))
	require.NoError(t, err)

	const rotations = 50
	keys := make([]SigningKey, rotations)
	for i := range keys {
		keys[i] = mustKey(t, fmt.Sprintf("r%02d", i))
	}

	var (
		wg       sync.WaitGroup
		stop     atomic.Bool
		failures atomic.Int64
	)

	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := payload.EncodedPayload(`{"reader":true}`)
			for !stop.Load() {
				key, err := s.ActiveSigningKey()
				if err != nil {
					failures.Add(1)
					continue
				}
				sig, err := key.Sign(msg)
				if err != nil || !key.Public.Verify(msg, sig) {
					failures.Add(1)
				}

				active := 0
				for _, info := range s.List() {
					if info.Status == StatusActive {
						active++
					}
				}
				if active != 1 {
					failures.Add(1)
				}
			}
		}()
	}

	for _, k := range keys {
		_, err := s.Rotate(k)
		require.NoError(t, err)
	}
	stop.Store(true)
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, rotations+1, s.TrustedPublicKeys().Len())
}
