package domain

import (
	"fmt"
	"time"
)

// CredentialKey identifies a credential record. At most one non-revoked
// record exists per key. Per-calendar scoping is expressed through the
// Account component (each calendar id is its own account).
type CredentialKey struct {
	Tenant   string `bson:"tenant" json:"tenant"`
	Provider string `bson:"provider" json:"provider"`
	Account  string `bson:"account" json:"account"`
}

func (k CredentialKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Tenant, k.Provider, k.Account)
}

// CredentialRecord holds OAuth token material plus the metadata needed to
// decide validity and perform rotation. Token values are opaque secrets
// and must never be logged. Records are never deleted, only marked
// revoked, to preserve audit history.
type CredentialRecord struct {
	ID            string        `bson:"_id,omitempty" json:"id"`
	Key           CredentialKey `bson:"key" json:"key"`
	AccessToken   string        `bson:"access_token" json:"-"`
	RefreshToken  string        `bson:"refresh_token" json:"-"`
	Scopes        []string      `bson:"scopes,omitempty" json:"scopes,omitempty"`
	ExpiresAt     time.Time     `bson:"expires_at" json:"expires_at"`
	LastRefreshed time.Time     `bson:"last_refreshed" json:"last_refreshed"`
	Revoked       bool          `bson:"revoked" json:"revoked"`
	CreatedAt     time.Time     `bson:"created_at" json:"created_at"`
}

// Usable reports whether the access token is still good at the given
// instant, with margin subtracted from the real expiry to absorb clock
// skew and network latency on the call it will be used for.
func (r *CredentialRecord) Usable(now time.Time, margin time.Duration) bool {
	return !r.Revoked && now.Add(margin).Before(r.ExpiresAt)
}
