// Package keystore holds the signing keys of the issuing authority.
//
// The Store is the only shared mutable state in the engine. Mutations
// (Rotate, Revoke, Import, UpdateNotes) serialize on a mutex and publish a
// fresh immutable snapshot; readers load the current snapshot without
// locking, so they never observe zero or two active keys mid-rotation.
//
// Callers that must persist a change before it takes effect mutate a
// Stage, save it, and then Publish it.
package keystore

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	licenseErrors "desklicense/internal/errors"
)

// ActiveKeySource hands out the key new licenses are signed with.
type ActiveKeySource interface {
	ActiveSigningKey() (SigningKey, error)
}

// Trust exposes the public keys a verifier accepts.
type Trust interface {
	TrustedPublicKeys() TrustSet
}

type snapshot struct {
	keys   map[string]SigningKey
	active string
}

func (s *snapshot) clone() *snapshot {
	keys := make(map[string]SigningKey, len(s.keys)+1)
	for kid, k := range s.keys {
		keys[kid] = k
	}
	return &snapshot{keys: keys, active: s.active}
}

// Store is a single-writer, multi-reader key store.
type Store struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
	now  func() time.Time

	// base is the snapshot a staged store was copied from.
	base *snapshot
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for lifecycle timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.snap.Store(&snapshot{keys: map[string]SigningKey{}})
	return s
}

// ActiveSigningKey returns the key new issuances use.
func (s *Store) ActiveSigningKey() (SigningKey, error) {
	snap := s.snap.Load()
	if snap.active == "" {
		return SigningKey{}, licenseErrors.ErrNoActiveKey
	}
	return snap.keys[snap.active], nil
}

// TrustedPublicKeys returns every active or retired key.
func (s *Store) TrustedPublicKeys() TrustSet {
	snap := s.snap.Load()
	keys := make(map[string]PublicKey, len(snap.keys))
	for kid, k := range snap.keys {
		if k.Status.Trusted() {
			keys[kid] = k.Public
		}
	}
	return TrustSet{keys: keys}
}

// Rotate retires the current active key, if any, and activates key in one
// step. It returns the kid that was retired, empty on the first rotation.
func (s *Store) Rotate(key SigningKey) (string, error) {
	if !key.CanSign() {
		return "", fmt.Errorf("rotate to %s: %w", key.Kid, licenseErrors.ErrKeyUnusable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	if _, exists := cur.keys[key.Kid]; exists {
		return "", fmt.Errorf("rotate to %s: %w", key.Kid, licenseErrors.ErrDuplicateKid)
	}

	now := s.now().UTC()
	next := cur.clone()

	previous := cur.active
	if previous != "" {
		old := next.keys[previous]
		old.Status = StatusRetired
		old.RetiredAt = now
		next.keys[previous] = old
	}

	key.Status = StatusActive
	key.RetiredAt, key.RevokedAt = time.Time{}, time.Time{}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = now
	}
	next.keys[key.Kid] = key
	next.active = key.Kid

	s.snap.Store(next)
	return previous, nil
}

// Revoke removes kid from the trust set. Revoking an already revoked key
// is a no-op. The active key cannot be revoked; rotate away from it first.
func (s *Store) Revoke(kid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	k, ok := cur.keys[kid]
	switch {
	case !ok:
		return fmt.Errorf("revoke %s: %w", kid, licenseErrors.ErrKeyNotFound)
	case kid == cur.active:
		return fmt.Errorf("revoke %s: %w", kid, licenseErrors.ErrActiveKeyRevocation)
	case k.Status == StatusRevoked:
		return nil
	}

	next := cur.clone()
	k.Status = StatusRevoked
	k.RevokedAt = s.now().UTC()
	next.keys[kid] = k

	s.snap.Store(next)
	return nil
}

// Import adds a previously generated key as retired, so licenses it signed
// verify without it being used for new issuance.
func (s *Store) Import(key SigningKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	if _, exists := cur.keys[key.Kid]; exists {
		return fmt.Errorf("import %s: %w", key.Kid, licenseErrors.ErrDuplicateKid)
	}

	now := s.now().UTC()
	key.Status = StatusRetired
	if key.CreatedAt.IsZero() {
		key.CreatedAt = now
	}
	if key.RetiredAt.IsZero() {
		key.RetiredAt = now
	}
	key.RevokedAt = time.Time{}

	next := cur.clone()
	next.keys[key.Kid] = key
	s.snap.Store(next)
	return nil
}

// UpdateNotes replaces the operator notes of kid.
func (s *Store) UpdateNotes(kid, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	k, ok := cur.keys[kid]
	if !ok {
		return fmt.Errorf("update %s: %w", kid, licenseErrors.ErrKeyNotFound)
	}
	k.Notes = notes

	next := cur.clone()
	next.keys[kid] = k
	s.snap.Store(next)
	return nil
}

// Stage returns a detached copy of s. Mutating the copy leaves s untouched
// until the copy is passed to Publish.
func (s *Store) Stage() *Store {
	cur := s.snap.Load()
	staged := &Store{now: s.now, base: cur}
	staged.snap.Store(cur.clone())
	return staged
}

// Publish makes the keys of staged current. It fails with ErrKeysChanged
// when s was mutated after staged was taken from it.
func (s *Store) Publish(staged *Store) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if staged.base == nil || staged.base != s.snap.Load() {
		return fmt.Errorf("publish keys: %w", licenseErrors.ErrKeysChanged)
	}
	s.snap.Store(staged.snap.Load())
	return nil
}

// Get returns the public view of one key.
func (s *Store) Get(kid string) (KeyInfo, error) {
	k, ok := s.snap.Load().keys[kid]
	if !ok {
		return KeyInfo{}, fmt.Errorf("%s: %w", kid, licenseErrors.ErrKeyNotFound)
	}
	return k.Info(), nil
}

// List returns the public view of every key, oldest first.
func (s *Store) List() []KeyInfo {
	snap := s.snap.Load()
	out := make([]KeyInfo, 0, len(snap.keys))
	for _, k := range snap.keys {
		out = append(out, k.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Kid < out[j].Kid
	})
	return out
}

// keys returns the raw snapshot for persistence.
func (s *Store) keys() ([]SigningKey, string) {
	snap := s.snap.Load()
	out := make([]SigningKey, 0, len(snap.keys))
	for _, k := range snap.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Kid < out[j].Kid
	})
	return out, snap.active
}

// restore replaces the contents of an empty store with loaded keys.
func (s *Store) restore(keys []SigningKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := &snapshot{keys: make(map[string]SigningKey, len(keys))}
	for _, k := range keys {
		if _, dup := next.keys[k.Kid]; dup {
			return fmt.Errorf("%s: %w", k.Kid, licenseErrors.ErrDuplicateKid)
		}
		if k.Status == StatusActive {
			if next.active != "" {
				return fmt.Errorf("keys %s and %s are both active", next.active, k.Kid)
			}
			if !k.CanSign() {
				return fmt.Errorf("active key %s: %w", k.Kid, licenseErrors.ErrKeyUnusable)
			}
			next.active = k.Kid
		}
		next.keys[k.Kid] = k
	}
	s.snap.Store(next)
	return nil
}
