package linkd

import "context"

// Transport is the messaging-network collaborator. The manager only owns
// the pairing token and its validity window; rendering the challenge as a
// QR image is entirely the transport's concern.
type Transport interface {
	// IssuePairingChallenge returns the opaque payload a client encodes
	// into the scannable challenge for the agent.
	IssuePairingChallenge(ctx context.Context, agentID string) ([]byte, error)
}
