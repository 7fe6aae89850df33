package router_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/mobilerelay/relay/internal/registry"
	"github.com/mobilerelay/relay/internal/router"
	"github.com/mobilerelay/relay/internal/session"
	"github.com/mobilerelay/relay/storage"
	"github.com/mobilerelay/relay/storage/memory"
)

var upgrader = websocket.Upgrader{}

type testHarness struct {
	store storage.Storage
	reg   *registry.Registry
	rt    *router.Router

	account storage.Account
	host    storage.Device
	client  storage.Device
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New(logger)
	reg := registry.New()
	rt := router.New(store, reg, logger)

	ctx := context.Background()
	account, err := store.CreateAccount(ctx, storage.Account{Username: "alice", PasswordHash: []byte("h"), CreatedAt: time.Now().UTC()})
	require.NoError(t, err)
	host, err := store.CreateDevice(ctx, storage.Device{AccountID: account.ID, Name: "host", Kind: storage.DeviceHost, CreatedAt: time.Now().UTC()})
	require.NoError(t, err)
	client, err := store.CreateDevice(ctx, storage.Device{AccountID: account.ID, Name: "client", Kind: storage.DeviceClient, CreatedAt: time.Now().UTC()})
	require.NoError(t, err)

	return &testHarness{store: store, reg: reg, rt: rt, account: account, host: host, client: client}
}

func (h *testHarness) pair(t *testing.T) {
	t.Helper()
	_, err := h.store.CreatePairing(context.Background(), storage.Pairing{
		HostDeviceID: h.host.ID, ClientDeviceID: h.client.ID, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
}

// connect starts a real websocket-backed session for deviceID/kind, driven
// by the harness's router, and returns the server-side session plus the
// client-side conn used to simulate a mobile endpoint.
func (h *testHarness) connect(t *testing.T, deviceID int64, kind session.Kind) (*session.Session, *websocket.Conn) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ready := make(chan *session.Session, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		var sess *session.Session
		sess = session.New(deviceID, h.account.ID, kind, conn, logger, func(int) { h.reg.Detach(sess) })
		h.reg.Attach(sess)
		ready <- sess
		sess.Serve(func(payload []byte) { h.rt.HandleFrame(sess, payload) })
		<-sess.Done()
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientConn.Close() })

	return <-ready, clientConn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestPingReturnsPong(t *testing.T) {
	h := newHarness(t)
	_, conn := h.connect(t, h.host.ID, session.KindHost)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	frame := readFrame(t, conn)
	require.Equal(t, "pong", frame["type"])
}

func TestUnknownFrameTypeRejected(t *testing.T) {
	h := newHarness(t)
	_, conn := h.connect(t, h.host.ID, session.KindHost)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	frame := readFrame(t, conn)
	require.Equal(t, "invalid message type: bogus", frame["error"])
}

func TestCommandForwardedWhenHostOnline(t *testing.T) {
	h := newHarness(t)
	h.pair(t)
	_, hostConn := h.connect(t, h.host.ID, session.KindHost)
	_, clientConn := h.connect(t, h.client.ID, session.KindClient)

	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, []byte(`{"type":"command","action":"sms","req_id":"r1"}`)))

	frame := readFrame(t, hostConn)
	require.Equal(t, "command", frame["type"])
	require.Equal(t, float64(h.client.ID), frame["from_device_id"])
}

func TestCommandQueuedWhenHostOffline(t *testing.T) {
	h := newHarness(t)
	h.pair(t)
	_, clientConn := h.connect(t, h.client.ID, session.KindClient)

	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, []byte(`{"type":"command","action":"sms","req_id":"r2"}`)))

	frame := readFrame(t, clientConn)
	require.Equal(t, "event", frame["type"])
	require.Equal(t, "QUEUED", frame["event"])
	require.Equal(t, "r2", frame["req_id"])

	pending, err := h.store.ListUndeliveredCommands(context.Background(), h.host.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestCommandWithNoPairedHost(t *testing.T) {
	h := newHarness(t)
	_, clientConn := h.connect(t, h.client.ID, session.KindClient)

	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, []byte(`{"type":"command","action":"sms"}`)))

	frame := readFrame(t, clientConn)
	require.Equal(t, "no paired host", frame["error"])
}

func TestEventOfflineRepliesTargetOffline(t *testing.T) {
	h := newHarness(t)
	h.pair(t)
	_, hostConn := h.connect(t, h.host.ID, session.KindHost)

	require.NoError(t, hostConn.WriteMessage(websocket.TextMessage, []byte(`{"type":"event","event":"INCOMING_CALL","req_id":"r3"}`)))

	frame := readFrame(t, hostConn)
	require.Equal(t, "target_offline", frame["error"])
	require.Equal(t, float64(h.client.ID), frame["target_device_id"])
	require.Equal(t, "r3", frame["req_id"])
}

func TestEventForwardedWhenClientOnline(t *testing.T) {
	h := newHarness(t)
	h.pair(t)
	_, hostConn := h.connect(t, h.host.ID, session.KindHost)
	_, clientConn := h.connect(t, h.client.ID, session.KindClient)

	require.NoError(t, hostConn.WriteMessage(websocket.TextMessage, []byte(`{"type":"event","event":"INCOMING_CALL"}`)))

	frame := readFrame(t, clientConn)
	require.Equal(t, "event", frame["type"])
	require.Equal(t, float64(h.host.ID), frame["from_device_id"])
}

func TestWebRTCNotLogged(t *testing.T) {
	h := newHarness(t)
	h.pair(t)
	_, hostConn := h.connect(t, h.host.ID, session.KindHost)
	_, clientConn := h.connect(t, h.client.ID, session.KindClient)

	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, []byte(`{"type":"webrtc","sdp":"..."}`)))
	frame := readFrame(t, hostConn)
	require.Equal(t, "webrtc", frame["type"])

	time.Sleep(20 * time.Millisecond)
	page, err := h.store.ReadMessageLog(context.Background(), storage.HistoryFilter{AccountID: h.account.ID})
	require.NoError(t, err)
	require.Equal(t, 0, page.Total)
}
