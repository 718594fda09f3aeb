package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the lifecycle manager. Callers branch on these with
// errors.Is; the HTTP layer maps them onto status codes and actionable
// messages ("scan again", "reconnect your calendar").
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrCredentialNotFound  = errors.New("credential not found")
	ErrInvalidPairingToken = errors.New("invalid pairing token")
	ErrPairingExpired      = errors.New("pairing token expired")
	ErrAlreadyConnected    = errors.New("agent already connected")
	ErrCredentialExpired   = errors.New("credential expired or revoked")
	ErrInvalidGrant        = errors.New("refresh token rejected by identity provider")
	ErrConflict            = errors.New("write lost race against newer record")
	ErrTransient           = errors.New("transient network failure")
)

// TransitionError reports an illegal session state-machine transition.
// Illegal transitions are rejected locally, never silently dropped, except
// where an operation is documented idempotent (disconnect, revoke).
type TransitionError struct {
	AgentID string
	From    string
	To      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s for agent %s", e.From, e.To, e.AgentID)
}

// NewTransitionError builds a TransitionError for the given agent and states.
func NewTransitionError(agentID, from, to string) *TransitionError {
	return &TransitionError{AgentID: agentID, From: from, To: to}
}

// IsTerminalCredential reports whether the error means the credential is
// unusable until an explicit re-authorization, as opposed to a failure
// worth retrying.
func IsTerminalCredential(err error) bool {
	return errors.Is(err, ErrCredentialExpired) || errors.Is(err, ErrInvalidGrant)
}
