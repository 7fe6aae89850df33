package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobilerelay/relay/internal/identity"
	"github.com/mobilerelay/relay/internal/ratelimit"
	"github.com/mobilerelay/relay/server"
	"github.com/mobilerelay/relay/storage/memory"
)

func newTestServer(t *testing.T) (*httptest.Server, *server.Server) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New(logger)
	tokens, err := identity.NewHMACTokens([]byte("test-secret"))
	require.NoError(t, err)

	srv, err := server.NewServer(context.Background(), server.Config{
		Storage:      store,
		Tokens:       tokens,
		LoginLimiter: ratelimit.New(5, time.Minute),
		PairLimiter:  ratelimit.New(5, time.Minute),
		Logger:       logger,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, srv
}

func postJSON(t *testing.T, ts *httptest.Server, path, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))

	req, err := http.NewRequest(http.MethodPost, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func registerAndLogin(t *testing.T, ts *httptest.Server, username string) (token string, userID int64) {
	t.Helper()
	resp := postJSON(t, ts, "/auth/register", "", map[string]string{"username": username, "password": "correct horse"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts, "/auth/login", "", map[string]string{"username": username, "password": "correct horse"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var login struct {
		Token  string `json:"token"`
		UserID int64  `json:"user_id"`
	}
	decodeBody(t, resp, &login)
	return login.Token, login.UserID
}

// TestRegisterLoginPairRelayHistory exercises the end-to-end scenario
// spec.md §8 describes over the REST surface: register one account, create
// a host and client device, pair them, relay a command while the host is
// offline (so it queues), and confirm the audit trail through /history.
func TestRegisterLoginPairRelayHistory(t *testing.T) {
	ts, _ := newTestServer(t)

	hostToken, hostUserID := registerAndLogin(t, ts, "alice")

	resp := postJSON(t, ts, "/devices", hostToken, map[string]string{"name": "pixel", "type": "host"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var hostDevice struct {
		ID int64 `json:"id"`
	}
	decodeBody(t, resp, &hostDevice)

	resp = postJSON(t, ts, "/devices", hostToken, map[string]string{"name": "tablet", "type": "client"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var clientDevice struct {
		ID int64 `json:"id"`
	}
	decodeBody(t, resp, &clientDevice)

	resp = postJSON(t, ts, "/pair", hostToken, map[string]int64{"host_device_id": hostDevice.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pairResp struct {
		Code string `json:"code"`
	}
	decodeBody(t, resp, &pairResp)
	require.Len(t, pairResp.Code, 6)

	resp = postJSON(t, ts, "/pair/confirm", hostToken, map[string]interface{}{
		"code":             pairResp.Code,
		"client_device_id": clientDevice.ID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts, "/sms", hostToken, map[string]interface{}{
		"host_device_id":   hostDevice.ID,
		"client_device_id": clientDevice.ID,
		"to":               "+15551234567",
		"body":             "hi",
		"req_id":           "r1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cmdResp struct {
		Status string `json:"status"`
	}
	decodeBody(t, resp, &cmdResp)
	require.Equal(t, "queued", cmdResp.Status, "no live host session, the command must queue rather than fail")

	resp = getJSON(t, ts, fmt.Sprintf("/history?limit=10"), hostToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history struct {
		Items []map[string]interface{} `json:"items"`
		Total int                      `json:"total"`
	}
	decodeBody(t, resp, &history)
	require.Equal(t, 1, history.Total)

	_ = hostUserID
}

func TestRegisterDuplicateUsernameConflict(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts, "/auth/register", "", map[string]string{"username": "bob", "password": "hunter2xx"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts, "/auth/register", "", map[string]string{"username": "bob", "password": "hunter2xx"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestLoginWrongPasswordUnauthenticated(t *testing.T) {
	ts, _ := newTestServer(t)
	_, _ = registerAndLogin(t, ts, "carol")

	resp := postJSON(t, ts, "/auth/login", "", map[string]string{"username": "carol", "password": "wrong"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDevicesRequiresBearerToken(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := getJSON(t, ts, "/devices", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = getJSON(t, ts, "/devices", "not-a-real-token")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// TestPairConfirmCrossAccountForbidden confirms the REST surface surfaces
// pairing.ErrWrongAccount as 403, not a leaking 404/500.
func TestPairConfirmCrossAccountForbidden(t *testing.T) {
	ts, _ := newTestServer(t)

	hostToken, _ := registerAndLogin(t, ts, "dave")
	resp := postJSON(t, ts, "/devices", hostToken, map[string]string{"name": "host", "type": "host"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var hostDevice struct {
		ID int64 `json:"id"`
	}
	decodeBody(t, resp, &hostDevice)

	resp = postJSON(t, ts, "/pair", hostToken, map[string]int64{"host_device_id": hostDevice.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pairResp struct {
		Code string `json:"code"`
	}
	decodeBody(t, resp, &pairResp)

	malloryToken, _ := registerAndLogin(t, ts, "mallory")
	resp = postJSON(t, ts, "/devices", malloryToken, map[string]string{"name": "phone", "type": "client"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var malloryDevice struct {
		ID int64 `json:"id"`
	}
	decodeBody(t, resp, &malloryDevice)

	resp = postJSON(t, ts, "/pair/confirm", malloryToken, map[string]interface{}{
		"code":             pairResp.Code,
		"client_device_id": malloryDevice.ID,
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// TestPairConfirmRateLimitedByAccount drives the pairLimiter's cap (5) with
// wrong codes from one account and confirms the sixth attempt, even with a
// previously-unseen code, is rejected at 429 before ever reaching the
// pairing service — proving the bucket is keyed by caller, not by code.
func TestPairConfirmRateLimitedByAccount(t *testing.T) {
	ts, _ := newTestServer(t)

	token, _ := registerAndLogin(t, ts, "erin")
	resp := postJSON(t, ts, "/devices", token, map[string]string{"name": "c", "type": "client"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var clientDevice struct {
		ID int64 `json:"id"`
	}
	decodeBody(t, resp, &clientDevice)

	for i := 0; i < 5; i++ {
		resp := postJSON(t, ts, "/pair/confirm", token, map[string]interface{}{
			"code":             fmt.Sprintf("WRONG%d", i),
			"client_device_id": clientDevice.ID,
		})
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp.Body.Close()
	}

	resp = postJSON(t, ts, "/pair/confirm", token, map[string]interface{}{
		"code":             "FRESH1",
		"client_device_id": clientDevice.ID,
	})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestExternalAuthDisabledByDefault(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts, "/auth/external", "", map[string]string{"assertion": "whatever"})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
