package server

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
	"github.com/mobilerelay/relay/internal/session"
	"github.com/mobilerelay/relay/storage"
	"github.com/mobilerelay/relay/storage/memory"
)

var presenceUpgrader = websocket.Upgrader{}

func dialPresenceSession(t *testing.T, deviceID int64, onClose func(code int)) (*session.Session, *websocket.Conn) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ready := make(chan *session.Session, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := presenceUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		sess := session.New(deviceID, 1, session.KindClient, conn, logger, onClose)
		ready <- sess
		sess.Serve(func(payload []byte) {})
		<-sess.Done()
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientConn.Close() })

	return <-ready, clientConn
}

// TestBridgePresenceForwardsEdgeToPairedPeer confirms a host's attach edge
// is delivered as a DEVICE_ONLINE frame to its paired client, the behavior
// router.PresenceEdgeFrame was built for but that HandleFrame alone never
// triggers on its own (spec.md §4.4's cross-peer presence fan-out).
func TestBridgePresenceForwardsEdgeToPairedPeer(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New(logger)
	reg := registry.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := store.CreatePairing(ctx, storage.Pairing{HostDeviceID: 10, ClientDeviceID: 20})
	require.NoError(t, err)

	go bridgePresence(ctx, store, reg)

	clientSess, clientConn := dialPresenceSession(t, 20, nil)
	reg.Attach(clientSess)
	time.Sleep(20 * time.Millisecond)

	hostSess, _ := dialPresenceSession(t, 10, nil)
	reg.Attach(hostSess)

	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := clientConn.ReadMessage()
	require.NoError(t, err)

	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(msg, &frame))
	require.Equal(t, "DEVICE_ONLINE", frame["event"])
	require.Equal(t, float64(10), frame["device_id"])
}

// TestBridgePresenceSkipsUnpairedDevice confirms a presence edge for a
// device with no pairing row never panics or blocks the bridge loop.
func TestBridgePresenceSkipsUnpairedDevice(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New(logger)
	reg := registry.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go bridgePresence(ctx, store, reg)

	sess, _ := dialPresenceSession(t, 55, nil)
	require.NotPanics(t, func() { reg.Attach(sess) })
	time.Sleep(20 * time.Millisecond)
}
