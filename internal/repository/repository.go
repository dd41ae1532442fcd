// Package repository persists issued licenses.
//
// Records are immutable once saved. Revocation and deletion are tracked
// out-of-band through RevokedAt and DeletedAt; the signed artifact is never
// rewritten.
package repository

import (
	"context"
	"sort"
	"time"

	"desklicense/internal/license"
)

// StoredLicense is one ledger entry.
type StoredLicense struct {
	ID            string       `json:"id"`
	Kid           string       `json:"kid"`
	Customer      string       `json:"customer"`
	Edition       string       `json:"edition"`
	Seats         int          `json:"seats"`
	FingerprintID string       `json:"fingerprint_id"`
	IssuedAt      time.Time    `json:"issued_at"`
	ExpiresAt     time.Time    `json:"expires_at"`
	Notes         string       `json:"notes,omitempty"`
	License       license.File `json:"license"`
	CreatedAt     time.Time    `json:"created_at"`
	RevokedAt     *time.Time   `json:"revoked_at,omitempty"`
	DeletedAt     *time.Time   `json:"deleted_at,omitempty"`
}

// FromIssued builds the ledger entry for a freshly issued license.
func FromIssued(issued *license.Issued, now time.Time) StoredLicense {
	p := issued.Payload
	return StoredLicense{
		ID:            issued.ID,
		Kid:           p.Kid,
		Customer:      p.Customer,
		Edition:       string(p.Edition),
		Seats:         p.Seats,
		FingerprintID: p.FingerprintID.String(),
		IssuedAt:      p.IssuedAt,
		ExpiresAt:     p.ExpiresAt,
		Notes:         p.Notes,
		License:       issued.Record.File(),
		CreatedAt:     now.UTC(),
	}
}

// Revoked reports whether the signing key of this license was revoked.
func (l StoredLicense) Revoked() bool { return l.RevokedAt != nil }

// Deleted reports whether the entry was soft deleted.
func (l StoredLicense) Deleted() bool { return l.DeletedAt != nil }

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Kid            string
	Customer       string
	Edition        string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

func (f Filter) match(l StoredLicense) bool {
	switch {
	case !f.IncludeDeleted && l.Deleted():
		return false
	case f.Kid != "" && l.Kid != f.Kid:
		return false
	case f.Customer != "" && l.Customer != f.Customer:
		return false
	case f.Edition != "" && l.Edition != f.Edition:
		return false
	}
	return true
}

// apply filters, orders by issuance (oldest first) and pages all.
func (f Filter) apply(all []StoredLicense) []StoredLicense {
	out := make([]StoredLicense, 0, len(all))
	for _, l := range all {
		if f.match(l) {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []StoredLicense{}
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out
}

// Repository stores the license ledger. Get and FindByKidAndCustomer skip
// soft-deleted entries.
type Repository interface {
	Save(ctx context.Context, l StoredLicense) error
	Get(ctx context.Context, id string) (StoredLicense, error)
	FindByKidAndCustomer(ctx context.Context, kid, customer string) ([]StoredLicense, error)
	List(ctx context.Context, f Filter) ([]StoredLicense, error)
	// MarkRevoked stamps every license signed by kid that is not yet
	// revoked and returns how many were updated.
	MarkRevoked(ctx context.Context, kid string, at time.Time) (int, error)
	SoftDelete(ctx context.Context, id string, at time.Time) error
}
