package domain

import "time"

// EventType enumerates lifecycle notifications emitted by the manager.
type EventType string

const (
	EventPairingRequested    EventType = "pairing_requested"
	EventPairingConfirmed    EventType = "pairing_confirmed"
	EventPairingTimedOut     EventType = "pairing_timed_out"
	EventSessionDisconnected EventType = "session_disconnected"
	EventSessionError        EventType = "session_error"
	EventCredentialRefreshed EventType = "credential_refreshed"
	EventCredentialRevoked   EventType = "credential_revoked"
)

// Event is a state-change notification. Key is the serialization key the
// dispatcher orders deliveries by: the agent id for session events, the
// credential key string for credential events. Data carries non-secret
// details (remote identity, failure counts); token material never goes
// into an event.
type Event struct {
	Type EventType      `json:"type"`
	Key  string         `json:"key"`
	At   time.Time      `json:"at"`
	Data map[string]any `json:"data,omitempty"`
}
