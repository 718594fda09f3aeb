package cache

import (
	"context"
	"time"
)

// TokenEntry is a cached, already-validated access token for one
// credential key.
type TokenEntry struct {
	Key         string    `json:"key"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenCache is a read-through cache in front of the credential vault.
// The refresh engine stores an entry only until the refresh margin, so a
// cache hit is always a token that needs no refresh. A miss is never an
// error condition, just a vault read.
type TokenCache interface {
	Set(ctx context.Context, entry *TokenEntry) error
	Get(ctx context.Context, key string) (*TokenEntry, bool)
	Delete(ctx context.Context, key string) error
	Close() error
}
