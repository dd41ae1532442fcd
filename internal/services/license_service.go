package services

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"desklicense/internal/audit"
	"desklicense/internal/infrastructure"
	"desklicense/internal/keystore"
	"desklicense/internal/license"
	"desklicense/internal/repository"
	"desklicense/internal/validation"
)

// LicenseService is the vendor-side authority.
type LicenseService interface {
	Issue(ctx context.Context, req license.Request) (*IssuedLicense, error)
	Verify(ctx context.Context, req VerifyRequest) (*VerificationResponse, error)
	GetLicense(ctx context.Context, id string) (*repository.StoredLicense, error)
	ListLicenses(ctx context.Context, f repository.Filter) ([]repository.StoredLicense, error)
	DeleteLicense(ctx context.Context, id string) error

	RotateKey(ctx context.Context, kid string) (*KeyRotation, error)
	RevokeKey(ctx context.Context, kid string) (*KeyRevocation, error)
	ImportKey(ctx context.Context, req ImportKeyRequest) (*keystore.KeyInfo, error)
	GetKey(ctx context.Context, kid string) (*keystore.KeyInfo, error)
	UpdateKey(ctx context.Context, kid string, req UpdateKeyRequest) (*keystore.KeyInfo, error)
	ListKeys(ctx context.Context) []keystore.KeyInfo
	TrustAnchors(ctx context.Context) []keystore.Anchor
}

// IssuedLicense is returned to the operator after issuance.
type IssuedLicense struct {
	ID            string       `json:"id"`
	Kid           string       `json:"kid"`
	Customer      string       `json:"customer"`
	Edition       string       `json:"edition"`
	Seats         int          `json:"seats"`
	FingerprintID string       `json:"fingerprint_id"`
	IssuedAt      time.Time    `json:"issued_at"`
	ExpiresAt     time.Time    `json:"expires_at"`
	ValidityDays  int          `json:"validity_days"`
	License       license.File `json:"license"`
	TraceID       string       `json:"trace_id,omitempty"`
}

// VerifyRequest checks a license artifact for a machine. Now defaults to
// the service clock.
type VerifyRequest struct {
	License       license.File `json:"license"`
	FingerprintID string       `json:"fingerprint_id" validate:"required"`
	Now           *time.Time   `json:"now,omitempty"`
}

// VerificationResponse is the result of a verification. A failed
// verification is a normal response, not an error.
type VerificationResponse struct {
	Valid         bool       `json:"valid"`
	Outcome       string     `json:"outcome"`
	Corrupt       bool       `json:"corrupt"`
	Message       string     `json:"message"`
	Detail        string     `json:"detail,omitempty"`
	Kid           string     `json:"kid,omitempty"`
	Customer      string     `json:"customer,omitempty"`
	Edition       string     `json:"edition,omitempty"`
	Seats         int        `json:"seats,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	DaysRemaining int        `json:"days_remaining"`
	CheckedAt     time.Time  `json:"checked_at"`
	TraceID       string     `json:"trace_id,omitempty"`
}

// KeyRotation reports a completed rotation.
type KeyRotation struct {
	Active   keystore.KeyInfo `json:"active"`
	Previous string           `json:"previous,omitempty"`
}

// KeyRevocation reports a completed revocation.
type KeyRevocation struct {
	Key             keystore.KeyInfo `json:"key"`
	LicensesRevoked int              `json:"licenses_revoked"`
}

// ImportKeyRequest adds an existing key as retired. PrivateKey is optional;
// without it the key only verifies.
type ImportKeyRequest struct {
	Kid        string `json:"kid" validate:"required,kid"`
	PublicKey  string `json:"public_key" validate:"required_without=PrivateKey"`
	PrivateKey string `json:"private_key,omitempty"`
	Notes      string `json:"notes,omitempty" validate:"utf8,max=1000"`
}

// UpdateKeyRequest edits the operator notes of a key. Kids are never
// renamed since licenses in the field reference them.
type UpdateKeyRequest struct {
	Notes string `json:"notes" validate:"utf8,max=1000"`
}

// Dependencies wires a LicenseService.
type Dependencies struct {
	Keys       *keystore.Store
	Issuer     *license.Issuer
	Verifier   *license.Verifier
	Repository repository.Repository
	Audit      audit.Sink
	Metrics    *license.Metrics
	Logger     *slog.Logger
	// PersistKeys saves a staged key store before the mutation is published.
	// Nil keeps keys in memory only.
	PersistKeys func(*keystore.Store) error
	Now         func() time.Time
}

type licenseService struct {
	keys        *keystore.Store
	issuer      *license.Issuer
	verifier    *license.Verifier
	repo        repository.Repository
	audit       audit.Sink
	metrics     *license.Metrics
	logger      *slog.Logger
	persistKeys func(*keystore.Store) error
	validate    *validation.Validator
	now         func() time.Time

	// keysMu serializes key mutations together with their persistence.
	keysMu sync.Mutex
}

// NewLicenseService creates the authority service.
func NewLicenseService(deps Dependencies) LicenseService {
	s := &licenseService{
		keys:        deps.Keys,
		issuer:      deps.Issuer,
		verifier:    deps.Verifier,
		repo:        deps.Repository,
		audit:       deps.Audit,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		persistKeys: deps.PersistKeys,
		validate:    validation.Default(),
		now:         deps.Now,
	}
	if s.audit == nil {
		s.audit = audit.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("component", "license_service"))
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *licenseService) Issue(ctx context.Context, req license.Request) (*IssuedLicense, error) {
	issued, err := s.issuer.Issue(ctx, req)
	if err != nil {
		return nil, err
	}

	stored := repository.FromIssued(issued, s.now())
	if err := s.repo.Save(ctx, stored); err != nil {
		s.logger.LogAttrs(ctx, slog.LevelError, "failed to record issued license",
			slog.String("license_id", issued.ID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("record license %s: %w", issued.ID, err)
	}

	p := issued.Payload
	return &IssuedLicense{
		ID:            issued.ID,
		Kid:           p.Kid,
		Customer:      p.Customer,
		Edition:       string(p.Edition),
		Seats:         p.Seats,
		FingerprintID: p.FingerprintID.String(),
		IssuedAt:      p.IssuedAt,
		ExpiresAt:     p.ExpiresAt,
		ValidityDays:  p.ValidityDays,
		License:       stored.License,
		TraceID:       infrastructure.GetTraceID(ctx),
	}, nil
}

func (s *licenseService) Verify(ctx context.Context, req VerifyRequest) (*VerificationResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}

	now := s.now()
	if req.Now != nil {
		now = *req.Now
	}
	res := s.verifier.VerifyFile(ctx, req.License, req.FingerprintID, now)

	resp := &VerificationResponse{
		Valid:     res.Valid(),
		Outcome:   res.Outcome.String(),
		Corrupt:   res.Outcome.IsCorruption(),
		Message:   res.Outcome.Message(),
		CheckedAt: now.UTC(),
		TraceID:   infrastructure.GetTraceID(ctx),
	}
	if res.Err != nil {
		resp.Detail = res.Err.Error()
	}
	if v := res.Verdict; v != nil {
		expires := v.ExpiresAt
		resp.Kid = v.Kid
		resp.Customer = v.Customer
		resp.Edition = string(v.Edition)
		resp.Seats = v.Seats
		resp.ExpiresAt = &expires
		resp.DaysRemaining = v.DaysRemaining(now)
	}
	return resp, nil
}

func (s *licenseService) GetLicense(ctx context.Context, id string) (*repository.StoredLicense, error) {
	l, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *licenseService) ListLicenses(ctx context.Context, f repository.Filter) ([]repository.StoredLicense, error) {
	return s.repo.List(ctx, f)
}

func (s *licenseService) DeleteLicense(ctx context.Context, id string) error {
	l, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.SoftDelete(ctx, id, s.now()); err != nil {
		return err
	}

	e := audit.NewEvent(ctx, audit.LicenseDeleted)
	e.LicenseID = id
	e.Kid = l.Kid
	e.Customer = l.Customer
	s.emit(ctx, e)

	s.logger.LogAttrs(ctx, slog.LevelInfo, "license deleted",
		slog.String("license_id", id),
		slog.String("customer", l.Customer),
	)
	return nil
}

// RotateKey generates a key named kid and makes it active. An empty kid is
// derived from the current time.
func (s *licenseService) RotateKey(ctx context.Context, kid string) (*KeyRotation, error) {
	if kid == "" {
		kid = "key-" + s.now().UTC().Format("20060102-150405")
	}
	key, err := keystore.GenerateSigningKey(kid)
	if err != nil {
		return nil, err
	}
	var previous string
	err = s.mutateKeys(ctx, func(staged *keystore.Store) error {
		var err error
		previous, err = staged.Rotate(key)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordRotation(ctx)

	e := audit.NewEvent(ctx, audit.KeyRotated)
	e.Kid = kid
	e.PreviousKid = previous
	s.emit(ctx, e)

	s.logger.LogAttrs(ctx, slog.LevelInfo, "signing key rotated",
		slog.String("kid", kid),
		slog.String("previous_kid", previous),
	)

	info, err := s.keys.Get(kid)
	if err != nil {
		return nil, err
	}
	return &KeyRotation{Active: info, Previous: previous}, nil
}

// RevokeKey removes kid from the trust set and marks every license it
// signed as revoked in the ledger.
func (s *licenseService) RevokeKey(ctx context.Context, kid string) (*KeyRevocation, error) {
	if err := s.mutateKeys(ctx, func(staged *keystore.Store) error {
		return staged.Revoke(kid)
	}); err != nil {
		return nil, err
	}
	s.metrics.RecordRevocation(ctx)

	info, err := s.keys.Get(kid)
	if err != nil {
		return nil, err
	}
	at := s.now()
	if info.RevokedAt != nil {
		at = *info.RevokedAt
	}
	affected, err := s.repo.MarkRevoked(ctx, kid, at)
	if err != nil {
		return nil, fmt.Errorf("mark licenses of %s revoked: %w", kid, err)
	}

	e := audit.NewEvent(ctx, audit.KeyRevoked)
	e.Kid = kid
	e.Affected = affected
	s.emit(ctx, e)

	s.logger.LogAttrs(ctx, slog.LevelWarn, "signing key revoked",
		slog.String("kid", kid),
		slog.Int("licenses_revoked", affected),
	)
	return &KeyRevocation{Key: info, LicensesRevoked: affected}, nil
}

func (s *licenseService) ImportKey(ctx context.Context, req ImportKeyRequest) (*keystore.KeyInfo, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}

	var pub keystore.PublicKey
	if req.PublicKey != "" {
		parsed, err := keystore.ParsePublicKey([]byte(req.PublicKey))
		if err != nil {
			return nil, err
		}
		pub = parsed
	}
	var priv ed25519.PrivateKey
	if req.PrivateKey != "" {
		parsed, err := keystore.ParsePrivateKey([]byte(req.PrivateKey))
		if err != nil {
			return nil, err
		}
		priv = parsed
	}
	key, err := keystore.NewSigningKey(req.Kid, pub, priv)
	if err != nil {
		return nil, err
	}

	key.Notes = req.Notes
	if err := s.mutateKeys(ctx, func(staged *keystore.Store) error {
		return staged.Import(key)
	}); err != nil {
		return nil, err
	}

	e := audit.NewEvent(ctx, audit.KeyImported)
	e.Kid = req.Kid
	s.emit(ctx, e)

	info, err := s.keys.Get(req.Kid)
	if err != nil {
		return nil, err
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "signing key imported",
		slog.String("kid", req.Kid),
		slog.Bool("can_sign", info.CanSign),
	)
	return &info, nil
}

func (s *licenseService) GetKey(_ context.Context, kid string) (*keystore.KeyInfo, error) {
	info, err := s.keys.Get(kid)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *licenseService) UpdateKey(ctx context.Context, kid string, req UpdateKeyRequest) (*keystore.KeyInfo, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	if err := s.mutateKeys(ctx, func(staged *keystore.Store) error {
		return staged.UpdateNotes(kid, req.Notes)
	}); err != nil {
		return nil, err
	}

	e := audit.NewEvent(ctx, audit.KeyUpdated)
	e.Kid = kid
	s.emit(ctx, e)

	info, err := s.keys.Get(kid)
	if err != nil {
		return nil, err
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "signing key updated", slog.String("kid", kid))
	return &info, nil
}

func (s *licenseService) ListKeys(context.Context) []keystore.KeyInfo {
	return s.keys.List()
}

func (s *licenseService) TrustAnchors(context.Context) []keystore.Anchor {
	return s.keys.TrustedPublicKeys().Anchors()
}

// mutateKeys applies change to a staged copy of the key store and saves
// the copy before publishing it, so a failed save leaves the live keys
// untouched.
func (s *licenseService) mutateKeys(ctx context.Context, change func(*keystore.Store) error) error {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()

	staged := s.keys.Stage()
	if err := change(staged); err != nil {
		return err
	}
	if s.persistKeys != nil {
		if err := s.persistKeys(staged); err != nil {
			s.logger.LogAttrs(ctx, slog.LevelError, "failed to persist keyring",
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("persist keyring: %w", err)
		}
	}
	return s.keys.Publish(staged)
}

func (s *licenseService) emit(ctx context.Context, e audit.Event) {
	if err := s.audit.Emit(ctx, e); err != nil {
		s.metrics.RecordAuditFailure(ctx, string(e.Type))
		s.logger.LogAttrs(ctx, slog.LevelError, "audit event dropped",
			slog.String("event_type", string(e.Type)),
			slog.String("error", err.Error()),
		)
	}
}

var _ LicenseService = (*licenseService)(nil)
