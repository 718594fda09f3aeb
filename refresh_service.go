package linkd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/clinio/linkd/cache"
	"github.com/clinio/linkd/domain"
	serrors "github.com/clinio/linkd/errors"
	"github.com/clinio/linkd/idp"
	"github.com/clinio/linkd/metrics"
)

// CredentialService is the token refresh engine: the one entry point that
// decides whether a credential's access token is good enough to hand out,
// and the only mutator of credential records besides explicit revocation.
type CredentialService struct {
	vault      domain.CredentialRepository
	refresher  idp.TokenRefresher
	tokens     cache.TokenCache
	dispatcher *Dispatcher

	group      singleflight.Group
	margin     time.Duration
	maxRetries uint

	nowFn  func() time.Time
	logger zerolog.Logger
}

// NewCredentialService creates the service. margin is how much remaining
// lifetime triggers a refresh; it must be comfortably below the real
// token lifetime sent by the provider.
func NewCredentialService(
	vault domain.CredentialRepository,
	refresher idp.TokenRefresher,
	tokens cache.TokenCache,
	dispatcher *Dispatcher,
	margin time.Duration,
	maxRetries uint,
) *CredentialService {
	if margin <= 0 {
		margin = 5 * time.Minute
	}
	if maxRetries == 0 {
		maxRetries = 3
	}
	return &CredentialService{
		vault:      vault,
		refresher:  refresher,
		tokens:     tokens,
		dispatcher: dispatcher,
		margin:     margin,
		maxRetries: maxRetries,
		nowFn:      func() time.Time { return time.Now().UTC() },
		logger:     log.With().Str("component", "credentials").Logger(),
	}
}

// EnsureValid returns a currently-valid access token for the key,
// refreshing first when the remaining lifetime is inside the margin.
// Concurrent callers for the same key share one refresh: every waiter
// gets the same rotated token, or the same failure.
func (s *CredentialService) EnsureValid(ctx context.Context, key domain.CredentialKey) (string, error) {
	now := s.nowFn()

	if s.tokens != nil {
		if entry, ok := s.tokens.Get(ctx, key.String()); ok {
			if now.Add(s.margin).Before(entry.ExpiresAt) {
				return entry.AccessToken, nil
			}
		}
	}

	record, err := s.vault.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if record.Revoked {
		return "", serrors.ErrCredentialExpired
	}
	if record.Usable(now, s.margin) {
		s.cacheToken(ctx, key, record)
		return record.AccessToken, nil
	}

	token, err, _ := s.group.Do(key.String(), func() (any, error) {
		return s.refresh(ctx, key)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// refresh performs one exchange for the key. It re-reads the record after
// winning the single-flight slot, because a concurrent caller may already
// have rotated it.
func (s *CredentialService) refresh(ctx context.Context, key domain.CredentialKey) (string, error) {
	record, err := s.vault.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if record.Revoked {
		return "", serrors.ErrCredentialExpired
	}
	now := s.nowFn()
	if record.Usable(now, s.margin) {
		return record.AccessToken, nil
	}

	result, err := s.exchange(ctx, record.RefreshToken)
	if err != nil {
		metrics.RefreshFailuresTotal.Inc()
		if errors.Is(err, serrors.ErrInvalidGrant) {
			return "", s.revokeAfterInvalidGrant(ctx, key)
		}
		s.logger.Warn().
			Err(err).
			Str("credential", key.String()).
			Msg("credential refresh failed")
		return "", err
	}

	rotated := &domain.CredentialRecord{
		ID:            record.ID,
		Key:           key,
		AccessToken:   result.AccessToken,
		RefreshToken:  record.RefreshToken,
		Scopes:        record.Scopes,
		ExpiresAt:     result.ExpiresAt,
		LastRefreshed: s.nowFn(),
		CreatedAt:     record.CreatedAt,
	}
	if result.RefreshToken != "" {
		rotated.RefreshToken = result.RefreshToken
	}

	if err := s.vault.Put(ctx, rotated); err != nil {
		if errors.Is(err, serrors.ErrConflict) {
			// A fresher record won the race; serve that one instead.
			fresher, getErr := s.vault.Get(ctx, key)
			if getErr == nil && fresher.Usable(s.nowFn(), 0) {
				s.cacheToken(ctx, key, fresher)
				return fresher.AccessToken, nil
			}
		}
		return "", err
	}

	metrics.TokensRefreshedTotal.Inc()
	s.logger.Info().
		Str("credential", key.String()).
		Time("expires_at", rotated.ExpiresAt).
		Msg("credential refreshed")

	s.cacheToken(ctx, key, rotated)
	s.dispatcher.Publish(domain.Event{
		Type: domain.EventCredentialRefreshed,
		Key:  key.String(),
		At:   rotated.LastRefreshed,
	})

	return rotated.AccessToken, nil
}

// exchange calls the identity provider with a bounded exponential retry.
// An invalid grant is permanent and aborts immediately; only transient
// failures are retried.
func (s *CredentialService) exchange(ctx context.Context, refreshToken string) (*idp.RefreshResult, error) {
	operation := func() (*idp.RefreshResult, error) {
		result, err := s.refresher.Refresh(ctx, refreshToken)
		if err != nil {
			if errors.Is(err, serrors.ErrInvalidGrant) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return result, nil
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(s.maxRetries),
	)
	if err != nil {
		if errors.Is(err, serrors.ErrInvalidGrant) {
			return nil, serrors.ErrInvalidGrant
		}
		return nil, fmt.Errorf("%w: %v", serrors.ErrTransient, err)
	}
	return result, nil
}

// revokeAfterInvalidGrant marks the credential revoked so subsequent
// EnsureValid calls fail fast without contacting the provider again, and
// returns the terminal error every waiter receives.
func (s *CredentialService) revokeAfterInvalidGrant(ctx context.Context, key domain.CredentialKey) error {
	s.logger.Warn().
		Str("credential", key.String()).
		Msg("refresh token rejected, revoking credential")

	if err := s.vault.Revoke(ctx, key); err != nil && !errors.Is(err, serrors.ErrCredentialNotFound) {
		s.logger.Error().Err(err).Str("credential", key.String()).Msg("failed to revoke credential")
	}
	s.dropCached(ctx, key)
	metrics.CredentialsRevokedTotal.Inc()

	s.dispatcher.Publish(domain.Event{
		Type: domain.EventCredentialRevoked,
		Key:  key.String(),
		At:   s.nowFn(),
		Data: map[string]any{"reason": "invalid_grant"},
	})
	return serrors.ErrCredentialExpired
}

// Revoke marks the credential revoked on explicit request. Idempotent.
func (s *CredentialService) Revoke(ctx context.Context, key domain.CredentialKey) error {
	if err := s.vault.Revoke(ctx, key); err != nil {
		return err
	}
	s.dropCached(ctx, key)
	metrics.CredentialsRevokedTotal.Inc()

	s.dispatcher.Publish(domain.Event{
		Type: domain.EventCredentialRevoked,
		Key:  key.String(),
		At:   s.nowFn(),
		Data: map[string]any{"reason": "explicit_revoke"},
	})
	return nil
}

// Store writes the record produced by a completed authorization flow.
// This is the only path besides rotation that writes the vault; the
// interactive flow itself lives with the caller.
func (s *CredentialService) Store(ctx context.Context, record *domain.CredentialRecord) error {
	if record.LastRefreshed.IsZero() {
		record.LastRefreshed = s.nowFn()
	}
	if err := s.vault.Put(ctx, record); err != nil {
		return err
	}
	s.cacheToken(ctx, record.Key, record)
	return nil
}

func (s *CredentialService) cacheToken(ctx context.Context, key domain.CredentialKey, record *domain.CredentialRecord) {
	if s.tokens == nil {
		return
	}
	err := s.tokens.Set(ctx, &cache.TokenEntry{
		Key:         key.String(),
		AccessToken: record.AccessToken,
		ExpiresAt:   record.ExpiresAt,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("credential", key.String()).Msg("token cache write failed")
	}
}

func (s *CredentialService) dropCached(ctx context.Context, key domain.CredentialKey) {
	if s.tokens == nil {
		return
	}
	if err := s.tokens.Delete(ctx, key.String()); err != nil {
		s.logger.Warn().Err(err).Str("credential", key.String()).Msg("token cache delete failed")
	}
}
