// Package identity implements password hashing, bearer token minting and
// verification, and third-party assertion exchange for the relay's account
// model. It follows the teacher's split of signing concerns
// (server/oauth2.go's signPayload) and bcrypt cost handling (server/api.go)
// but narrows the teacher's asymmetric ID-token signing down to a single
// symmetric HMAC bearer token, since the relay has no need for a published
// key set.
package identity

import (
	"context"
	"time"
)

// Claims is the decoded payload of a verified bearer token.
type Claims struct {
	AccountID int64
	ExpiresAt time.Time
}

// ExternalIdentity is what a verified third-party assertion yields.
type ExternalIdentity struct {
	Subject string
	Email   string
}

// Verifier mints and checks the relay's own bearer tokens.
type Verifier interface {
	MintToken(accountID int64) (string, error)
	VerifyToken(token string) (Claims, error)
}

// ExternalVerifier checks a third-party identity assertion (an ID token
// issued by a configured OIDC issuer) and returns the caller's identity.
type ExternalVerifier interface {
	VerifyExternalAssertion(ctx context.Context, assertion string) (ExternalIdentity, error)
}
