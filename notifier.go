package linkd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cenkalti/backoff/v5"

	"github.com/clinio/linkd/domain"
)

// Notifier delivers a lifecycle event to one external collaborator.
// Delivery failure is the dispatcher's problem to count, never the state
// machine's problem to block on.
type Notifier interface {
	Deliver(ctx context.Context, event domain.Event) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, event domain.Event) error

func (f NotifierFunc) Deliver(ctx context.Context, event domain.Event) error {
	return f(ctx, event)
}

// WebhookNotifier posts events as JSON to a single endpoint, with a small
// bounded retry. The dispatcher's per-key worker is what calls Deliver,
// so retries here delay later events for the same key only.
type WebhookNotifier struct {
	url      string
	client   *http.Client
	maxTries uint
}

// NewWebhookNotifier creates a notifier for the given endpoint. The
// client's Timeout bounds each attempt.
func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookNotifier{
		url:      url,
		client:   client,
		maxTries: 3,
	}
}

func (n *WebhookNotifier) Deliver(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	operation := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			err := fmt.Errorf("webhook returned status %d", resp.StatusCode)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(n.maxTries),
	)
	return err
}

var _ Notifier = (*WebhookNotifier)(nil)
