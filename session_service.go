package linkd

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/clinio/linkd/domain"
	serrors "github.com/clinio/linkd/errors"
	"github.com/clinio/linkd/metrics"
)

// PairingInfo is the result of a successful RequestPairing call.
type PairingInfo struct {
	AgentID   string    `json:"agent_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	// Challenge is the transport's opaque payload the caller encodes
	// into the scannable code.
	Challenge []byte `json:"challenge"`
}

// SessionStatus is the read-only view of an agent session.
type SessionStatus struct {
	AgentID        string              `json:"agent_id"`
	State          domain.SessionState `json:"state"`
	PairedIdentity string              `json:"paired_identity,omitempty"`
	ConnectedSince time.Time           `json:"connected_since,omitempty"`
	LastSeen       time.Time           `json:"last_seen,omitempty"`
}

// SessionService is the session registry and pairing coordinator. It is
// the only writer of Session records; every mutation runs under the
// per-agent lock, so no two transitions for the same agent are ever
// applied concurrently.
type SessionService struct {
	sessions      domain.SessionRepository
	transport     Transport
	dispatcher    *Dispatcher
	pairingTTL    time.Duration
	failureBudget int

	locks  *keyedMutex
	nowFn  func() time.Time
	logger zerolog.Logger
}

// NewSessionService creates the service. pairingTTL bounds the validity
// window of issued pairing tokens; failureBudget is how many transport
// failures a connected session absorbs before moving to error.
func NewSessionService(
	sessions domain.SessionRepository,
	transport Transport,
	dispatcher *Dispatcher,
	pairingTTL time.Duration,
	failureBudget int,
) *SessionService {
	if pairingTTL <= 0 {
		pairingTTL = 90 * time.Second
	}
	if failureBudget <= 0 {
		failureBudget = 3
	}
	return &SessionService{
		sessions:      sessions,
		transport:     transport,
		dispatcher:    dispatcher,
		pairingTTL:    pairingTTL,
		failureBudget: failureBudget,
		locks:         newKeyedMutex(),
		nowFn:         func() time.Time { return time.Now().UTC() },
		logger:        log.With().Str("component", "sessions").Logger(),
	}
}

// loadOrCreate returns the session for the agent, creating it in the
// disconnected state on first reference. Caller holds the agent lock.
func (s *SessionService) loadOrCreate(ctx context.Context, agentID string) (*domain.Session, error) {
	session, err := s.sessions.Get(ctx, agentID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, serrors.ErrSessionNotFound) {
		return nil, err
	}

	now := s.nowFn()
	session = &domain.Session{
		AgentID:   agentID,
		State:     domain.SessionStateDisconnected,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.sessions.Upsert(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// RequestPairing issues a fresh pairing token for the agent and moves the
// session into the pairing state. Re-requesting while already pairing
// invalidates the previous token and replaces it; only one valid token
// exists per agent at any instant. Requesting while connected is rejected
// with ErrAlreadyConnected: tearing down a live link requires an explicit
// Disconnect first.
func (s *SessionService) RequestPairing(ctx context.Context, agentID string) (*PairingInfo, error) {
	unlock := s.locks.Lock(agentID)
	defer unlock()

	session, err := s.loadOrCreate(ctx, agentID)
	if err != nil {
		return nil, err
	}

	if session.State == domain.SessionStateConnected {
		return nil, serrors.ErrAlreadyConnected
	}

	challenge, err := s.transport.IssuePairingChallenge(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("issue pairing challenge: %w", err)
	}

	now := s.nowFn()
	token := uuid.NewString()

	session.State = domain.SessionStatePairing
	session.PairingToken = token
	session.PairingExpiresAt = now.Add(s.pairingTTL)
	session.PairedIdentity = ""
	session.UpdatedAt = now

	if err := s.sessions.Upsert(ctx, session); err != nil {
		return nil, err
	}

	metrics.PairingRequestedTotal.Inc()
	s.logger.Info().
		Str("agent_id", agentID).
		Time("expires_at", session.PairingExpiresAt).
		Msg("pairing token issued")

	s.dispatcher.Publish(domain.Event{
		Type: domain.EventPairingRequested,
		Key:  agentID,
		At:   now,
	})

	return &PairingInfo{
		AgentID:   agentID,
		Token:     token,
		ExpiresAt: session.PairingExpiresAt,
		Challenge: challenge,
	}, nil
}

// ConfirmPairing is the inbound entry point for the transport's
// confirmation event. The token must match the currently active one and
// still be within its validity window; otherwise the session state does
// not change and the caller gets a typed error.
func (s *SessionService) ConfirmPairing(ctx context.Context, token, remoteIdentity string) (*SessionStatus, error) {
	agentID, err := s.findPairingAgent(ctx, token)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(agentID)
	defer unlock()

	// Re-read under the lock: the token may have been replaced or expired
	// between lookup and acquisition.
	session, err := s.sessions.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if session.State != domain.SessionStatePairing || !tokenEqual(session.PairingToken, token) {
		return nil, serrors.ErrInvalidPairingToken
	}

	now := s.nowFn()
	if !session.PairingValid(now) {
		return nil, serrors.ErrPairingExpired
	}

	session.State = domain.SessionStateConnected
	session.PairingToken = ""
	session.PairingExpiresAt = time.Time{}
	session.PairedIdentity = remoteIdentity
	session.ConnectedSince = now
	session.LastSeen = now
	session.FailureCount = 0
	session.UpdatedAt = now

	if err := s.sessions.Upsert(ctx, session); err != nil {
		return nil, err
	}

	metrics.PairingConfirmedTotal.Inc()
	metrics.ActiveSessionsGauge.Inc()
	s.logger.Info().
		Str("agent_id", agentID).
		Str("remote_identity", remoteIdentity).
		Msg("pairing confirmed")

	s.dispatcher.Publish(domain.Event{
		Type: domain.EventPairingConfirmed,
		Key:  agentID,
		At:   now,
		Data: map[string]any{"remote_identity": remoteIdentity},
	})

	return statusOf(session), nil
}

// findPairingAgent resolves the agent currently holding the token. The
// token is compared in constant time against every pairing session; the
// set of agents mid-pairing is small at any instant.
func (s *SessionService) findPairingAgent(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", serrors.ErrInvalidPairingToken
	}
	pairing, err := s.sessions.ListByState(ctx, domain.SessionStatePairing)
	if err != nil {
		return "", err
	}
	for _, session := range pairing {
		if tokenEqual(session.PairingToken, token) {
			return session.AgentID, nil
		}
	}
	return "", serrors.ErrInvalidPairingToken
}

// Disconnect gracefully unpairs the agent. Always allowed, always
// succeeds, idempotent: disconnecting an already-disconnected agent is a
// no-op, and an unknown agent just materializes its record.
func (s *SessionService) Disconnect(ctx context.Context, agentID string) error {
	unlock := s.locks.Lock(agentID)
	defer unlock()

	session, err := s.loadOrCreate(ctx, agentID)
	if err != nil {
		return err
	}
	if session.State == domain.SessionStateDisconnected {
		return nil
	}

	wasConnected := session.State == domain.SessionStateConnected
	now := s.nowFn()

	session.State = domain.SessionStateDisconnected
	session.PairingToken = ""
	session.PairingExpiresAt = time.Time{}
	session.PairedIdentity = ""
	session.ConnectedSince = time.Time{}
	session.UpdatedAt = now

	if err := s.sessions.Upsert(ctx, session); err != nil {
		return err
	}

	if wasConnected {
		metrics.ActiveSessionsGauge.Dec()
	}
	s.logger.Info().Str("agent_id", agentID).Msg("session disconnected")

	s.dispatcher.Publish(domain.Event{
		Type: domain.EventSessionDisconnected,
		Key:  agentID,
		At:   now,
	})
	return nil
}

// ReportTransportFailure records a transport-level failure for a
// connected agent. Failures below the budget only bump the counter; once
// the budget is exhausted the session transitions to error, the error is
// published, and the session immediately resets to disconnected so the
// agent is eligible for a fresh pairing.
func (s *SessionService) ReportTransportFailure(ctx context.Context, agentID string, cause string) error {
	unlock := s.locks.Lock(agentID)
	defer unlock()

	session, err := s.sessions.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if session.State != domain.SessionStateConnected {
		return serrors.NewTransitionError(agentID, string(session.State), string(domain.SessionStateError))
	}

	session.FailureCount++
	now := s.nowFn()
	session.UpdatedAt = now

	if session.FailureCount < s.failureBudget {
		return s.sessions.Upsert(ctx, session)
	}

	return s.failSession(ctx, session, cause)
}

// failSession drives connected -> error -> disconnected. Caller holds the
// agent lock and has set FailureCount/UpdatedAt.
func (s *SessionService) failSession(ctx context.Context, session *domain.Session, cause string) error {
	now := s.nowFn()

	session.State = domain.SessionStateError
	session.UpdatedAt = now
	if err := s.sessions.Upsert(ctx, session); err != nil {
		return err
	}

	metrics.SessionErrorsTotal.Inc()
	metrics.ActiveSessionsGauge.Dec()
	s.logger.Warn().
		Str("agent_id", session.AgentID).
		Str("cause", cause).
		Int("failure_count", session.FailureCount).
		Msg("session moved to error state")

	s.dispatcher.Publish(domain.Event{
		Type: domain.EventSessionError,
		Key:  session.AgentID,
		At:   now,
		Data: map[string]any{"cause": cause, "failure_count": session.FailureCount},
	})

	// error -> disconnected is automatic once the notification is out.
	session.State = domain.SessionStateDisconnected
	session.PairedIdentity = ""
	session.ConnectedSince = time.Time{}
	session.UpdatedAt = s.nowFn()
	return s.sessions.Upsert(ctx, session)
}

// ExpirePairing transitions a pairing session past its validity window
// through expired to disconnected, publishing exactly one
// pairing_timed_out event. Called by the health observer; a session that
// meanwhile confirmed or re-requested is left untouched.
func (s *SessionService) ExpirePairing(ctx context.Context, agentID string) error {
	unlock := s.locks.Lock(agentID)
	defer unlock()

	session, err := s.sessions.Get(ctx, agentID)
	if err != nil {
		return err
	}
	now := s.nowFn()
	if session.State != domain.SessionStatePairing || now.Before(session.PairingExpiresAt) {
		return nil
	}

	session.State = domain.SessionStateExpired
	session.PairingToken = ""
	session.PairingExpiresAt = time.Time{}
	session.UpdatedAt = now
	if err := s.sessions.Upsert(ctx, session); err != nil {
		return err
	}

	metrics.PairingTimedOutTotal.Inc()
	s.logger.Info().Str("agent_id", agentID).Msg("pairing timed out")

	s.dispatcher.Publish(domain.Event{
		Type: domain.EventPairingTimedOut,
		Key:  agentID,
		At:   now,
	})

	session.State = domain.SessionStateDisconnected
	session.UpdatedAt = s.nowFn()
	return s.sessions.Upsert(ctx, session)
}

// MarkUnreachable drives connected -> error -> disconnected for a session
// whose liveness lapsed. Called by the health observer.
func (s *SessionService) MarkUnreachable(ctx context.Context, agentID string, lastSeen time.Time) error {
	unlock := s.locks.Lock(agentID)
	defer unlock()

	session, err := s.sessions.Get(ctx, agentID)
	if err != nil {
		return err
	}
	// The agent may have been seen again since the scan snapshot.
	if session.State != domain.SessionStateConnected || session.LastSeen.After(lastSeen) {
		return nil
	}

	session.FailureCount++
	return s.failSession(ctx, session, "liveness threshold exceeded")
}

// Touch records inbound transport activity for a connected agent,
// refreshing its liveness.
func (s *SessionService) Touch(ctx context.Context, agentID string) error {
	unlock := s.locks.Lock(agentID)
	defer unlock()

	session, err := s.sessions.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if session.State != domain.SessionStateConnected {
		return nil
	}
	session.LastSeen = s.nowFn()
	session.UpdatedAt = session.LastSeen
	return s.sessions.Upsert(ctx, session)
}

// GetSessionStatus returns the agent's current state, creating the record
// in the disconnected state on first reference.
func (s *SessionService) GetSessionStatus(ctx context.Context, agentID string) (*SessionStatus, error) {
	unlock := s.locks.Lock(agentID)
	defer unlock()

	session, err := s.loadOrCreate(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return statusOf(session), nil
}

func statusOf(session *domain.Session) *SessionStatus {
	return &SessionStatus{
		AgentID:        session.AgentID,
		State:          session.State,
		PairedIdentity: session.PairedIdentity,
		ConnectedSince: session.ConnectedSince,
		LastSeen:       session.LastSeen,
	}
}

func tokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
