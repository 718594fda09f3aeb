package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinio/linkd/domain"
	serrors "github.com/clinio/linkd/errors"
)

var key = domain.CredentialKey{Tenant: "clinic-1", Provider: "google", Account: "cal-primary"}

func record(lastRefreshed time.Time, access string) *domain.CredentialRecord {
	return &domain.CredentialRecord{
		Key:           key,
		AccessToken:   access,
		RefreshToken:  "refresh",
		ExpiresAt:     lastRefreshed.Add(time.Hour),
		LastRefreshed: lastRefreshed,
	}
}

func TestPutRejectsStaleWrite(t *testing.T) {
	repo := NewCredentialRepository()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Put(ctx, record(base, "newer")))

	err := repo.Put(ctx, record(base.Add(-time.Minute), "stale"))
	assert.ErrorIs(t, err, serrors.ErrConflict)

	got, err := repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "newer", got.AccessToken, "stale writer must not clobber the fresher token")

	// Equal or newer timestamps win.
	require.NoError(t, repo.Put(ctx, record(base, "same-ts")))
	require.NoError(t, repo.Put(ctx, record(base.Add(time.Minute), "newest")))
	got, err = repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "newest", got.AccessToken)
}

func TestRevokeKeepsHistory(t *testing.T) {
	repo := NewCredentialRepository()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Put(ctx, record(base, "access-0")))
	require.NoError(t, repo.Revoke(ctx, key))
	require.NoError(t, repo.Revoke(ctx, key), "revoke is idempotent")

	got, err := repo.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	assert.Equal(t, "access-0", got.AccessToken, "revoked record is kept, not deleted")

	// A fresh authorization creates a new live record beside the
	// revoked one.
	require.NoError(t, repo.Put(ctx, record(base.Add(time.Hour), "access-1")))
	got, err = repo.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, got.Revoked)
	assert.Equal(t, "access-1", got.AccessToken)
}

func TestRevokeUnknownKey(t *testing.T) {
	repo := NewCredentialRepository()
	err := repo.Revoke(context.Background(), key)
	assert.ErrorIs(t, err, serrors.ErrCredentialNotFound)
}

func TestListExpiring(t *testing.T) {
	repo := NewCredentialRepository()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	soon := &domain.CredentialRecord{
		Key:           domain.CredentialKey{Tenant: "clinic-1", Provider: "google", Account: "cal-a"},
		AccessToken:   "a",
		ExpiresAt:     base.Add(2 * time.Minute),
		LastRefreshed: base,
	}
	later := &domain.CredentialRecord{
		Key:           domain.CredentialKey{Tenant: "clinic-1", Provider: "google", Account: "cal-b"},
		AccessToken:   "b",
		ExpiresAt:     base.Add(2 * time.Hour),
		LastRefreshed: base,
	}
	require.NoError(t, repo.Put(ctx, soon))
	require.NoError(t, repo.Put(ctx, later))

	expiring, err := repo.ListExpiring(ctx, base.Add(10*time.Minute))
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, "cal-a", expiring[0].Key.Account)
}
