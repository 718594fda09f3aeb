package transporthttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Client talks to the messaging-transport gateway over HTTP. The gateway
// owns the actual protocol to the messaging network and the QR encoding;
// this client only fetches the opaque challenge payload for an agent.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a transport client for the gateway at baseURL. The
// http client's Timeout bounds each call.
func NewClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{baseURL: baseURL, client: client}
}

// IssuePairingChallenge asks the gateway for a pairing challenge payload.
func (c *Client) IssuePairingChallenge(ctx context.Context, agentID string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/agents/%s/challenge", c.baseURL, url.PathEscape(agentID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("transport gateway returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Loopback is a development transport that derives the challenge payload
// locally instead of calling a gateway.
type Loopback struct{}

func (Loopback) IssuePairingChallenge(_ context.Context, agentID string) ([]byte, error) {
	return []byte("linkd-pairing:" + agentID), nil
}
