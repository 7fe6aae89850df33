package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// ErrInvalidAssertion is returned for any assertion that fails signature,
// issuer, audience, or expiry checks.
var ErrInvalidAssertion = errors.New("identity: invalid external assertion")

// ExternalConfig names the issuer and audience an external assertion must
// carry to be accepted, following the teacher's connector configuration
// shape (server config names an issuer URL and client id per connector).
type ExternalConfig struct {
	IssuerURL string
	Audience  string
}

// OIDCExternalVerifier validates third-party ID tokens against a remote
// issuer's published JWKS using coreos/go-oidc/v3, the same verification
// library the teacher already depends on for its own OIDC connectors
// (server/oidc et al.), repointed here at arbitrary external issuers
// instead of dex's own configured connectors.
type OIDCExternalVerifier struct {
	cfg      ExternalConfig
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
}

// NewOIDCExternalVerifier discovers the issuer's configuration via the
// OIDC discovery document. It must be called once at startup since
// discovery requires network access.
func NewOIDCExternalVerifier(ctx context.Context, cfg ExternalConfig) (*OIDCExternalVerifier, error) {
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("identity: discover external issuer %q: %w", cfg.IssuerURL, err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.Audience})
	return &OIDCExternalVerifier{cfg: cfg, provider: provider, verifier: verifier}, nil
}

// VerifyExternalAssertion verifies assertion's signature against the
// issuer's JWKS and checks its audience claim, returning the stable subject
// and, if present, the email claim.
func (v *OIDCExternalVerifier) VerifyExternalAssertion(ctx context.Context, assertion string) (ExternalIdentity, error) {
	idToken, err := v.verifier.Verify(ctx, assertion)
	if err != nil {
		return ExternalIdentity{}, ErrInvalidAssertion
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return ExternalIdentity{}, ErrInvalidAssertion
	}

	if idToken.Subject == "" {
		return ExternalIdentity{}, ErrInvalidAssertion
	}

	return ExternalIdentity{Subject: idToken.Subject, Email: claims.Email}, nil
}
