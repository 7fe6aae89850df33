package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMintAndVerifyToken(t *testing.T) {
	tokens, err := NewHMACTokens([]byte("test-secret-value"))
	require.NoError(t, err)

	token, err := tokens.MintToken(42)
	require.NoError(t, err)

	claims, err := tokens.VerifyToken(token)
	require.NoError(t, err)
	require.Equal(t, int64(42), claims.AccountID)
}

func TestVerifyTokenExpired(t *testing.T) {
	tokens, err := NewHMACTokens([]byte("test-secret-value"))
	require.NoError(t, err)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tokens.now = func() time.Time { return start }
	token, err := tokens.MintToken(7)
	require.NoError(t, err)

	tokens.now = func() time.Time { return start.Add(25 * time.Hour) }
	_, err = tokens.VerifyToken(token)
	require.ErrorIs(t, err, ErrExpired)
}

func TestVerifyTokenMalformed(t *testing.T) {
	tokens, err := NewHMACTokens([]byte("test-secret-value"))
	require.NoError(t, err)

	_, err = tokens.VerifyToken("not-a-real-token")
	require.ErrorIs(t, err, ErrMalformed)
}

func TestVerifyTokenWrongSecret(t *testing.T) {
	a, err := NewHMACTokens([]byte("secret-a-secret-a"))
	require.NoError(t, err)
	b, err := NewHMACTokens([]byte("secret-b-secret-b"))
	require.NoError(t, err)

	token, err := a.MintToken(1)
	require.NoError(t, err)

	_, err = b.VerifyToken(token)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestNewHMACTokensRejectsEmptySecret(t *testing.T) {
	_, err := NewHMACTokens(nil)
	require.Error(t, err)
}
