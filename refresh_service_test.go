package linkd

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinio/linkd/cache"
	"github.com/clinio/linkd/domain"
	serrors "github.com/clinio/linkd/errors"
	"github.com/clinio/linkd/idp"
	"github.com/clinio/linkd/inmem"
)

type fakeRefresher struct {
	mu      sync.Mutex
	calls   int32
	result  *idp.RefreshResult
	err     error
	blockCh chan struct{} // when non-nil, Refresh waits until closed
}

func (r *fakeRefresher) Refresh(_ context.Context, _ string) (*idp.RefreshResult, error) {
	atomic.AddInt32(&r.calls, 1)
	r.mu.Lock()
	block := r.blockCh
	result, err := r.result, r.err
	r.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	cp := *result
	return &cp, nil
}

func (r *fakeRefresher) callCount() int32 {
	return atomic.LoadInt32(&r.calls)
}

var testKey = domain.CredentialKey{Tenant: "clinic-1", Provider: "google", Account: "cal-primary"}

type credentialFixture struct {
	svc       *CredentialService
	vault     *inmem.CredentialRepository
	refresher *fakeRefresher
	recorder  *eventRecorder
	now       time.Time
}

func newCredentialFixture(t *testing.T) *credentialFixture {
	t.Helper()

	f := &credentialFixture{
		vault:     inmem.NewCredentialRepository(),
		refresher: &fakeRefresher{},
		recorder:  &eventRecorder{},
		now:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	dispatcher := NewDispatcher(f.recorder)
	tokens := cache.NewMemoryTokenCache()
	t.Cleanup(func() { _ = tokens.Close() })

	f.svc = NewCredentialService(f.vault, f.refresher, tokens, dispatcher, 5*time.Minute, 2)
	f.svc.nowFn = func() time.Time { return f.now }
	return f
}

func (f *credentialFixture) seed(t *testing.T, expiresIn time.Duration) {
	t.Helper()
	err := f.vault.Put(context.Background(), &domain.CredentialRecord{
		Key:           testKey,
		AccessToken:   "access-0",
		RefreshToken:  "refresh-0",
		Scopes:        []string{"calendar.events"},
		ExpiresAt:     f.now.Add(expiresIn),
		LastRefreshed: f.now.Add(-time.Hour),
	})
	require.NoError(t, err)
}

func TestEnsureValidReturnsFreshTokenWithoutRefresh(t *testing.T) {
	f := newCredentialFixture(t)
	f.seed(t, time.Hour)

	token, err := f.svc.EnsureValid(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, "access-0", token)
	assert.EqualValues(t, 0, f.refresher.callCount())
}

func TestEnsureValidRefreshesInsideMargin(t *testing.T) {
	f := newCredentialFixture(t)
	f.seed(t, 2*time.Minute) // inside the 5 minute margin
	f.refresher.result = &idp.RefreshResult{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    f.now.Add(time.Hour),
	}

	token, err := f.svc.EnsureValid(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
	assert.EqualValues(t, 1, f.refresher.callCount())

	record, err := f.vault.Get(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, "access-1", record.AccessToken)
	assert.Equal(t, "refresh-1", record.RefreshToken)
	assert.Equal(t, f.now, record.LastRefreshed)
}

func TestEnsureValidKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	f := newCredentialFixture(t)
	f.seed(t, time.Minute)
	f.refresher.result = &idp.RefreshResult{
		AccessToken: "access-1",
		ExpiresAt:   f.now.Add(time.Hour),
	}

	_, err := f.svc.EnsureValid(context.Background(), testKey)
	require.NoError(t, err)

	record, err := f.vault.Get(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, "refresh-0", record.RefreshToken)
}

func TestConcurrentEnsureValidSharesOneRefresh(t *testing.T) {
	f := newCredentialFixture(t)
	f.seed(t, time.Minute)

	block := make(chan struct{})
	f.refresher.blockCh = block
	f.refresher.result = &idp.RefreshResult{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    f.now.Add(time.Hour),
	}

	const n = 8
	results := make([]string, n)
	errs := make([]error, n)
	var started, done sync.WaitGroup
	for i := 0; i < n; i++ {
		started.Add(1)
		done.Add(1)
		go func(i int) {
			defer done.Done()
			started.Done()
			results[i], errs[i] = f.svc.EnsureValid(context.Background(), testKey)
		}(i)
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond) // let everyone reach the flight
	close(block)
	done.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-1", results[i])
	}
	assert.EqualValues(t, 1, f.refresher.callCount(),
		"concurrent callers must share a single identity-provider exchange")
}

func TestInvalidGrantRevokesCredential(t *testing.T) {
	f := newCredentialFixture(t)
	f.seed(t, time.Minute)
	f.refresher.err = serrors.ErrInvalidGrant

	_, err := f.svc.EnsureValid(context.Background(), testKey)
	assert.ErrorIs(t, err, serrors.ErrCredentialExpired)
	assert.EqualValues(t, 1, f.refresher.callCount())

	record, err := f.vault.Get(context.Background(), testKey)
	require.NoError(t, err)
	assert.True(t, record.Revoked)

	// Subsequent calls fail fast without contacting the provider again.
	_, err = f.svc.EnsureValid(context.Background(), testKey)
	assert.ErrorIs(t, err, serrors.ErrCredentialExpired)
	assert.EqualValues(t, 1, f.refresher.callCount())
}

func TestTransientFailureIsRetriedThenSurfaced(t *testing.T) {
	f := newCredentialFixture(t)
	f.seed(t, time.Minute)
	f.refresher.err = serrors.ErrTransient

	_, err := f.svc.EnsureValid(context.Background(), testKey)
	assert.ErrorIs(t, err, serrors.ErrTransient)
	assert.EqualValues(t, 2, f.refresher.callCount(), "bounded retry, then give up")

	// A transient failure never revokes the credential.
	record, getErr := f.vault.Get(context.Background(), testKey)
	require.NoError(t, getErr)
	assert.False(t, record.Revoked)
}

func TestExplicitRevoke(t *testing.T) {
	f := newCredentialFixture(t)
	f.seed(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, f.svc.Revoke(ctx, testKey))
	require.NoError(t, f.svc.Revoke(ctx, testKey), "revoke is idempotent")

	record, err := f.vault.Get(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, record.Revoked)

	_, err = f.svc.EnsureValid(ctx, testKey)
	assert.ErrorIs(t, err, serrors.ErrCredentialExpired)
	assert.EqualValues(t, 0, f.refresher.callCount())
}

func TestEnsureValidUnknownCredential(t *testing.T) {
	f := newCredentialFixture(t)

	_, err := f.svc.EnsureValid(context.Background(), testKey)
	assert.ErrorIs(t, err, serrors.ErrCredentialNotFound)
}
