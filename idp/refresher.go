package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	serrors "github.com/clinio/linkd/errors"
)

// RefreshResult is the outcome of a successful token exchange.
// RefreshToken is empty when the provider did not rotate it.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// TokenRefresher exchanges a refresh token for fresh token material at the
// identity provider. Implementations must distinguish a rejected grant
// (errors.ErrInvalidGrant) from a transport failure (errors.ErrTransient):
// the former is terminal for the credential, the latter is retried.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error)
}

// OAuth2Refresher implements TokenRefresher against a standard OAuth2
// token endpoint via golang.org/x/oauth2.
type OAuth2Refresher struct {
	conf    *oauth2.Config
	timeout time.Duration
}

// NewOAuth2Refresher creates a refresher for the given token endpoint.
func NewOAuth2Refresher(tokenURL, clientID, clientSecret string, timeout time.Duration) *OAuth2Refresher {
	return &OAuth2Refresher{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL: tokenURL,
			},
		},
		timeout: timeout,
	}
}

// Refresh performs the exchange. The request is bounded by the configured
// timeout; a timeout maps to ErrTransient, never to revocation.
func (r *OAuth2Refresher) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	src := r.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			if retrieveErr.ErrorCode == "invalid_grant" ||
				retrieveErr.Response != nil && retrieveErr.Response.StatusCode == http.StatusUnauthorized {
				return nil, serrors.ErrInvalidGrant
			}
		}
		return nil, fmt.Errorf("%w: token endpoint: %v", serrors.ErrTransient, err)
	}

	result := &RefreshResult{
		AccessToken: token.AccessToken,
		ExpiresAt:   token.Expiry,
	}
	if token.RefreshToken != refreshToken {
		result.RefreshToken = token.RefreshToken
	}
	return result, nil
}

var _ TokenRefresher = (*OAuth2Refresher)(nil)
