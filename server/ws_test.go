package server_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dialWS(t *testing.T, ts *httptest.Server, path, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + path + "?token=" + token
	return websocket.DefaultDialer.Dial(wsURL, nil)
}

// TestWSHostHandshakeSendsConnectedFrame confirms a valid token and an
// owned, correctly-kinded device id completes the handshake and the
// {"type":"connected",...} frame spec.md §6 describes.
func TestWSHostHandshakeSendsConnectedFrame(t *testing.T) {
	ts, _ := newTestServer(t)

	token, _ := registerAndLogin(t, ts, "hostowner")
	resp := postJSON(t, ts, "/devices", token, map[string]string{"name": "host", "type": "host"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var device struct {
		ID int64 `json:"id"`
	}
	decodeBody(t, resp, &device)

	conn, httpResp, err := dialWS(t, ts, fmt.Sprintf("/ws/host/%d", device.ID), token)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, http.StatusSwitchingProtocols, httpResp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(msg), `"type":"connected"`)
}

// TestWSRejectsWrongKind confirms a client device id presented on the host
// endpoint is rejected (spec.md §6: device kind must match the endpoint).
func TestWSRejectsWrongKind(t *testing.T) {
	ts, _ := newTestServer(t)

	token, _ := registerAndLogin(t, ts, "kindmismatch")
	resp := postJSON(t, ts, "/devices", token, map[string]string{"name": "c", "type": "client"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var device struct {
		ID int64 `json:"id"`
	}
	decodeBody(t, resp, &device)

	_, httpResp, err := dialWS(t, ts, fmt.Sprintf("/ws/host/%d", device.ID), token)
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, httpResp.StatusCode)
}

// TestWSRejectsInvalidToken confirms a malformed/expired token never reaches
// the upgrade step.
func TestWSRejectsInvalidToken(t *testing.T) {
	ts, _ := newTestServer(t)

	_, httpResp, err := dialWS(t, ts, "/ws/host/1", "not-a-real-token")
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, httpResp.StatusCode)
}
