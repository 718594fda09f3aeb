package linkd

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/clinio/linkd/domain"
)

// HealthObserver periodically reconciles stored state against wall-clock
// reality: pairing tokens past their window, connected sessions that went
// quiet, and credentials drifting toward expiry. Each scan takes a
// consistent read without holding any per-key lock, then applies
// corrections through the same serialized mutation paths every other
// writer uses. One failing key never blocks reconciliation of the rest.
type HealthObserver struct {
	sessions    *SessionService
	credentials *CredentialService
	sessionRepo domain.SessionRepository
	credRepo    domain.CredentialRepository

	interval time.Duration
	liveness time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
	nowFn  func() time.Time
	logger zerolog.Logger
}

// NewHealthObserver creates the observer. liveness is how long a
// connected session may go unseen before it is treated as unreachable.
// Credentials are scanned with the credential service's own refresh
// margin, so the proactive pass only touches records EnsureValid would
// actually refresh.
func NewHealthObserver(
	sessions *SessionService,
	credentials *CredentialService,
	sessionRepo domain.SessionRepository,
	credRepo domain.CredentialRepository,
	interval, liveness time.Duration,
) *HealthObserver {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if liveness <= 0 {
		liveness = 90 * time.Second
	}
	return &HealthObserver{
		sessions:    sessions,
		credentials: credentials,
		sessionRepo: sessionRepo,
		credRepo:    credRepo,
		interval:    interval,
		liveness:    liveness,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		nowFn:       func() time.Time { return time.Now().UTC() },
		logger:      log.With().Str("component", "health").Logger(),
	}
}

// Start runs the reconciliation loop until Stop is called or the context
// is cancelled.
func (o *HealthObserver) Start(ctx context.Context) {
	go o.loop(ctx)
}

func (o *HealthObserver) loop(ctx context.Context) {
	defer close(o.doneCh)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.Scan(ctx)
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the loop and waits for an in-flight scan to finish.
func (o *HealthObserver) Stop() {
	close(o.stopCh)
	<-o.doneCh
}

// Scan performs one reconciliation pass. Exported so tests and operators
// can trigger it without waiting for the ticker.
func (o *HealthObserver) Scan(ctx context.Context) {
	o.expirePairings(ctx)
	o.reapUnreachable(ctx)
	o.refreshExpiring(ctx)
}

func (o *HealthObserver) expirePairings(ctx context.Context) {
	pairing, err := o.sessionRepo.ListByState(ctx, domain.SessionStatePairing)
	if err != nil {
		o.logger.Error().Err(err).Msg("scan of pairing sessions failed")
		return
	}

	now := o.nowFn()
	for _, session := range pairing {
		if session.PairingValid(now) {
			continue
		}
		if err := o.sessions.ExpirePairing(ctx, session.AgentID); err != nil {
			o.logger.Error().Err(err).Str("agent_id", session.AgentID).Msg("failed to expire pairing")
		}
	}
}

func (o *HealthObserver) reapUnreachable(ctx context.Context) {
	cutoff := o.nowFn().Add(-o.liveness)
	stale, err := o.sessionRepo.ListStaleConnected(ctx, cutoff)
	if err != nil {
		o.logger.Error().Err(err).Msg("scan of stale sessions failed")
		return
	}

	for _, session := range stale {
		if err := o.sessions.MarkUnreachable(ctx, session.AgentID, session.LastSeen); err != nil {
			o.logger.Error().Err(err).Str("agent_id", session.AgentID).Msg("failed to mark session unreachable")
		}
	}
}

// refreshExpiring proactively refreshes credentials nearing expiry.
// Best-effort: a failure here is logged, not escalated, since EnsureValid
// retries on next use anyway.
func (o *HealthObserver) refreshExpiring(ctx context.Context) {
	cutoff := o.nowFn().Add(o.credentials.margin)
	expiring, err := o.credRepo.ListExpiring(ctx, cutoff)
	if err != nil {
		o.logger.Error().Err(err).Msg("scan of expiring credentials failed")
		return
	}

	for _, record := range expiring {
		if _, err := o.credentials.EnsureValid(ctx, record.Key); err != nil {
			o.logger.Warn().
				Err(err).
				Str("credential", record.Key.String()).
				Msg("proactive credential refresh failed")
		}
	}
}
