package identity

import (
	"errors"
	"strconv"
	"time"

	jose "gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

func formatAccountID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func parseAccountID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// ErrExpired is returned by VerifyToken for a well-formed, correctly-signed
// token whose exp claim has passed.
var ErrExpired = errors.New("identity: token expired")

// ErrMalformed is returned by VerifyToken for anything that is not a
// validly-signed token: wrong signature, truncated compact serialization,
// unparsable claims.
var ErrMalformed = errors.New("identity: token malformed")

const tokenLifetime = 24 * time.Hour

// HMACTokens mints and verifies JWS-compact bearer tokens signed with a
// single shared secret, following the teacher's signPayload
// (server/oauth2.go) but with an HS256 jose.SigningKey in place of the
// teacher's per-connector RSA/EC key.
type HMACTokens struct {
	signer jose.Signer
	secret []byte
	now    func() time.Time
}

// NewHMACTokens builds a token minter/verifier from a non-empty secret. An
// empty secret is refused: the spec requires a missing signing key to be a
// fatal startup error, never a silent default.
func NewHMACTokens(secret []byte) (*HMACTokens, error) {
	if len(secret) == 0 {
		return nil, errors.New("identity: JWT signing secret must not be empty")
	}
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.HS256,
		Key:       secret,
	}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return nil, err
	}
	return &HMACTokens{signer: signer, secret: secret, now: func() time.Time { return time.Now().UTC() }}, nil
}

// MintToken signs a token whose subject is the decimal account id and whose
// expiry is 24 hours from now.
func (h *HMACTokens) MintToken(accountID int64) (string, error) {
	now := h.now()
	claims := jwt.Claims{
		Subject:   formatAccountID(accountID),
		IssuedAt:  jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(tokenLifetime)),
		NotBefore: jwt.NewNumericDate(now),
	}
	return jwt.Signed(h.signer).Claims(claims).CompactSerialize()
}

// VerifyToken checks the signature and expiry of token and returns the
// account id it carries. Malformed and forged tokens return ErrMalformed;
// well-formed but stale tokens return ErrExpired.
func (h *HMACTokens) VerifyToken(token string) (Claims, error) {
	parsed, err := jwt.ParseSigned(token)
	if err != nil {
		return Claims{}, ErrMalformed
	}

	var claims jwt.Claims
	if err := parsed.Claims(h.secret, &claims); err != nil {
		return Claims{}, ErrMalformed
	}

	accountID, err := parseAccountID(claims.Subject)
	if err != nil {
		return Claims{}, ErrMalformed
	}

	if claims.Expiry == nil {
		return Claims{}, ErrMalformed
	}
	exp := claims.Expiry.Time()
	if h.now().After(exp) {
		return Claims{}, ErrExpired
	}

	return Claims{AccountID: accountID, ExpiresAt: exp}, nil
}
