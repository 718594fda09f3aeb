package domain

import (
	"context"
	"time"
)

// SessionRepository is the durable store behind the session registry.
// Implementations must apply each write atomically per session; callers
// serialize mutations per agent id above this layer.
type SessionRepository interface {
	// Get returns the session for the agent, or errors.ErrSessionNotFound.
	Get(ctx context.Context, agentID string) (*Session, error)
	// Upsert writes the full session record keyed by its agent id.
	Upsert(ctx context.Context, session *Session) error
	// ListByState returns sessions currently in the given state.
	ListByState(ctx context.Context, state SessionState) ([]*Session, error)
	// ListStaleConnected returns connected sessions whose last_seen is
	// older than the cutoff.
	ListStaleConnected(ctx context.Context, cutoff time.Time) ([]*Session, error)
}

// CredentialRepository is the durable store behind the credential vault.
type CredentialRepository interface {
	// Get returns the non-revoked record for the key if one exists,
	// otherwise the newest revoked one, otherwise errors.ErrCredentialNotFound.
	Get(ctx context.Context, key CredentialKey) (*CredentialRecord, error)
	// Put upserts the record. It fails with errors.ErrConflict when an
	// existing non-revoked record for the same key carries a newer
	// last_refreshed timestamp than the one being written.
	Put(ctx context.Context, record *CredentialRecord) error
	// Revoke marks the record revoked. Idempotent; revoking a missing
	// key returns errors.ErrCredentialNotFound.
	Revoke(ctx context.Context, key CredentialKey) error
	// ListExpiring returns non-revoked records whose expiry falls before
	// the cutoff, for proactive refresh by the health observer.
	ListExpiring(ctx context.Context, cutoff time.Time) ([]*CredentialRecord, error)
}
