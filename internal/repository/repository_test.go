package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	licenseErrors "desklicense/internal/errors"
	"desklicense/internal/license"
	"desklicense/internal/shared/testutil"
)

func sample(i int, kid, customer string) StoredLicense {
	issued := testutil.Epoch.Add(time.Duration(i) * time.Hour)
	return StoredLicense{
		ID:            fmt.Sprintf("00000000-0000-4000-8000-%012d", i),
		Kid:           kid,
		Customer:      customer,
		Edition:       "Pro",
		Seats:         i + 1,
		FingerprintID: "1a2b3c4d5e6f7890",
		IssuedAt:      issued,
		ExpiresAt:     issued.AddDate(1, 0, 0),
		License:       license.File{Kid: kid, PayloadB64: "e30=", SignatureB64: "AA=="},
		CreatedAt:     issued,
	}
}

func repositories(t *testing.T) map[string]Repository {
	t.Helper()

	file, err := OpenFile(filepath.Join(t.TempDir(), "data", "licenses.json"))
	require.NoError(t, err)
	sheetsRepo, _ := newFakeSheetsRepo(t)
	require.NoError(t, sheetsRepo.EnsureHeader(context.Background()))

	return map[string]Repository{
		"memory": NewMemory(),
		"file":   file,
		"sheets": sheetsRepo,
	}
}

func TestRepositoryContract(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			seed := []StoredLicense{
				sample(3, "root-v1", "Al-Noor Academy"),
				sample(1, "root-v1", "Al-Noor Academy"),
				sample(2, "root-v1", "Basra Clinic"),
				sample(4, "root-v2", "Al-Noor Academy"),
			}
			for _, l := range seed {
				require.NoError(t, repo.Save(ctx, l))
			}

			got, err := repo.Get(ctx, seed[0].ID)
			require.NoError(t, err)
			assert.Equal(t, seed[0], got)

			_, err = repo.Get(ctx, "missing")
			assert.ErrorIs(t, err, licenseErrors.ErrLicenseNotFound)

			found, err := repo.FindByKidAndCustomer(ctx, "root-v1", "Al-Noor Academy")
			require.NoError(t, err)
			require.Len(t, found, 2)
			assert.Equal(t, seed[1].ID, found[0].ID, "ordered by issuance")
			assert.Equal(t, seed[0].ID, found[1].ID)

			page, err := repo.List(ctx, Filter{Offset: 1, Limit: 2})
			require.NoError(t, err)
			require.Len(t, page, 2)
			assert.Equal(t, seed[2].ID, page[0].ID)
			assert.Equal(t, seed[0].ID, page[1].ID)

			revokedAt := testutil.Epoch.Add(48 * time.Hour)
			n, err := repo.MarkRevoked(ctx, "root-v1", revokedAt)
			require.NoError(t, err)
			assert.Equal(t, 3, n)
			n, err = repo.MarkRevoked(ctx, "root-v1", revokedAt.Add(time.Hour))
			require.NoError(t, err)
			assert.Zero(t, n, "already revoked entries keep their first stamp")

			got, err = repo.Get(ctx, seed[1].ID)
			require.NoError(t, err)
			require.NotNil(t, got.RevokedAt)
			assert.True(t, revokedAt.Equal(*got.RevokedAt))

			got, err = repo.Get(ctx, seed[3].ID)
			require.NoError(t, err)
			assert.False(t, got.Revoked())

			require.NoError(t, repo.SoftDelete(ctx, seed[2].ID, revokedAt))
			assert.ErrorIs(t, repo.SoftDelete(ctx, seed[2].ID, revokedAt), licenseErrors.ErrLicenseNotFound)
			_, err = repo.Get(ctx, seed[2].ID)
			assert.ErrorIs(t, err, licenseErrors.ErrLicenseNotFound)

			all, err := repo.List(ctx, Filter{})
			require.NoError(t, err)
			assert.Len(t, all, 3)

			withDeleted, err := repo.List(ctx, Filter{IncludeDeleted: true, Customer: "Basra Clinic"})
			require.NoError(t, err)
			require.Len(t, withDeleted, 1)
			assert.True(t, withDeleted[0].Deleted())

			byEdition, err := repo.List(ctx, Filter{Edition: "Basic"})
			require.NoError(t, err)
			assert.Empty(t, byEdition)
		})
	}
}

func TestMemoryRejectsDuplicateID(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()
	l := sample(1, "k1", "Acme")

	require.NoError(t, repo.Save(ctx, l))
	assert.ErrorIs(t, repo.Save(ctx, l), licenseErrors.ErrInvalidRequest)
	assert.ErrorIs(t, repo.Save(ctx, StoredLicense{}), licenseErrors.ErrInvalidRequest)
}

func TestFilePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "licenses.json")
	ctx := context.Background()

	repo, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, sample(1, "k1", "Acme")))
	require.NoError(t, repo.Save(ctx, sample(2, "k1", "Acme")))
	_, err = repo.MarkRevoked(ctx, "k1", testutil.Epoch)
	require.NoError(t, err)
	require.NoError(t, repo.SoftDelete(ctx, sample(2, "", "").ID, testutil.Epoch))

	reopened, err := OpenFile(path)
	require.NoError(t, err)

	got, err := reopened.Get(ctx, sample(1, "", "").ID)
	require.NoError(t, err)
	assert.True(t, got.Revoked())

	_, err = reopened.Get(ctx, sample(2, "", "").ID)
	assert.ErrorIs(t, err, licenseErrors.ErrLicenseNotFound)
}

func TestSheetsHeaderAndRows(t *testing.T) {
	repo, fake := newFakeSheetsRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.EnsureHeader(ctx))
	require.NoError(t, repo.EnsureHeader(ctx))
	require.Len(t, fake.rows, 1)
	assert.Equal(t, "id", fake.rows[0][0])

	l := sample(7, "k1", "Mosul Library")
	l.Notes = "renewal"
	require.NoError(t, repo.Save(ctx, l))
	require.Len(t, fake.rows, 2)
	assert.Equal(t, float64(8), fake.rows[1][colSeats], "seats are written as numbers")

	n, err := repo.MarkRevoked(ctx, "k1", testutil.Epoch)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "2025-01-15T10:00:00Z", fake.rows[1][colRevokedAt])
	assert.Contains(t, fake.calls, "batchUpdate")

	got, err := repo.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, "renewal", got.Notes)
	assert.Equal(t, "k1", got.License.Kid)
}

func TestNewSheetsRequiresIDs(t *testing.T) {
	_, err := NewSheets(context.Background(), "", "Licenses")
	assert.Error(t, err)
}

func TestFromIssued(t *testing.T) {
	store := testutil.NewKeyStore(t, "k1")
	logger, _ := testutil.NewTestLogger(t)
	issuer := license.NewIssuer(store, logger, license.WithClock(func() time.Time { return testutil.Epoch }))

	issued, err := issuer.Issue(context.Background(), license.Request{
		Customer: "Acme", Edition: "Basic", Seats: 2, ValidityDays: 30, FingerprintID: "ABCDEF0123456789",
	})
	require.NoError(t, err)

	l := FromIssued(issued, testutil.Epoch)
	assert.Equal(t, issued.ID, l.ID)
	assert.Equal(t, "k1", l.Kid)
	assert.Equal(t, "abcdef0123456789", l.FingerprintID)
	assert.Equal(t, testutil.Epoch.AddDate(0, 0, 30), l.ExpiresAt)
	assert.Equal(t, issued.Record.File(), l.License)
}
