package domain

import "time"

// SessionState represents the pairing lifecycle state of an agent session.
type SessionState string

const (
	SessionStateDisconnected SessionState = "disconnected"
	SessionStatePairing      SessionState = "pairing"
	SessionStateConnected    SessionState = "connected"
	SessionStateExpired      SessionState = "expired"
	SessionStateError        SessionState = "error"
)

// Session is the durable per-agent record of transport-pairing state.
// There is exactly one Session per agent id; it is never deleted, only
// reset back to the disconnected state.
type Session struct {
	AgentID          string       `bson:"_id" json:"agent_id"`
	State            SessionState `bson:"state" json:"state"`
	PairingToken     string       `bson:"pairing_token,omitempty" json:"-"`
	PairingExpiresAt time.Time    `bson:"pairing_expires_at,omitempty" json:"pairing_expires_at,omitempty"`
	PairedIdentity   string       `bson:"paired_identity,omitempty" json:"paired_identity,omitempty"`
	ConnectedSince   time.Time    `bson:"connected_since,omitempty" json:"connected_since,omitempty"`
	LastSeen         time.Time    `bson:"last_seen,omitempty" json:"last_seen,omitempty"`
	FailureCount     int          `bson:"failure_count" json:"failure_count"`
	CreatedAt        time.Time    `bson:"created_at" json:"created_at"`
	UpdatedAt        time.Time    `bson:"updated_at" json:"updated_at"`
}

// PairingValid reports whether the session holds a pairing token that is
// still within its validity window at the given instant.
func (s *Session) PairingValid(now time.Time) bool {
	return s.State == SessionStatePairing &&
		s.PairingToken != "" &&
		now.Before(s.PairingExpiresAt)
}
