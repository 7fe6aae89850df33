package relayerr_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobilerelay/relay/internal/relayerr"
)

func TestStatusCodeMapping(t *testing.T) {
	cases := map[relayerr.Kind]int{
		relayerr.BadRequest:        http.StatusBadRequest,
		relayerr.Unauthenticated:   http.StatusUnauthorized,
		relayerr.Forbidden:         http.StatusForbidden,
		relayerr.NotFound:          http.StatusNotFound,
		relayerr.Conflict:          http.StatusConflict,
		relayerr.Gone:              http.StatusGone,
		relayerr.TooManyAttempts:   http.StatusTooManyRequests,
		relayerr.Offline:           http.StatusConflict,
		relayerr.Queued:            http.StatusAccepted,
		relayerr.ServiceUnavailable: http.StatusServiceUnavailable,
	}
	for kind, want := range cases {
		require.Equal(t, want, relayerr.StatusCode(kind), "kind %s", kind)
	}
	require.Equal(t, http.StatusInternalServerError, relayerr.StatusCode(relayerr.Kind("bogus")))
}

func TestWSCloseCodeOnlyFatalKinds(t *testing.T) {
	require.Equal(t, 1008, relayerr.WSCloseCode(relayerr.Unauthenticated))
	require.Equal(t, 1008, relayerr.WSCloseCode(relayerr.Forbidden))
	require.Equal(t, 1011, relayerr.WSCloseCode(relayerr.ServiceUnavailable))

	for _, k := range []relayerr.Kind{relayerr.BadRequest, relayerr.NotFound, relayerr.Conflict, relayerr.Offline, relayerr.Queued} {
		require.Equal(t, 0, relayerr.WSCloseCode(k), "kind %s should not close the socket", k)
	}
}

func TestTooManyCarriesRetryAfter(t *testing.T) {
	err := relayerr.TooMany("slow down", 30)
	require.Equal(t, relayerr.TooManyAttempts, err.Kind)
	require.Equal(t, 30, err.RetryAfterSeconds)
	require.Equal(t, "slow down", err.Error())
}

func TestErrorFallsBackToKindString(t *testing.T) {
	err := relayerr.New(relayerr.Gone, "")
	require.Equal(t, "gone", err.Error())
}

func TestAsAndKindOf(t *testing.T) {
	wrapped := relayerr.New(relayerr.Forbidden, "nope")
	var err error = wrapped

	got, ok := relayerr.As(err)
	require.True(t, ok)
	require.Same(t, wrapped, got)
	require.Equal(t, relayerr.Forbidden, relayerr.KindOf(err))

	plain := errors.New("boom")
	_, ok = relayerr.As(plain)
	require.False(t, ok)
	require.Equal(t, relayerr.ServiceUnavailable, relayerr.KindOf(plain))
}
