package session_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/mobilerelay/relay/internal/session"
)

var upgrader = websocket.Upgrader{}

// newServerSession upgrades an incoming HTTP test request to a websocket and
// wraps it in a *session.Session, returning the session plus the client-side
// *websocket.Conn dialed against the same server.
func newServerSession(t *testing.T, onClose func(code int)) (*session.Session, *websocket.Conn) {
	t.Helper()
	return newServerSessionWithHandler(t, onClose, func(payload []byte) {})
}

func newServerSessionWithHandler(t *testing.T, onClose func(code int), handle func(payload []byte)) (*session.Session, *websocket.Conn) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var (
		mu   sync.Mutex
		sess *session.Session
		ready = make(chan struct{})
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		mu.Lock()
		sess = session.New(1, 10, session.KindHost, conn, logger, onClose)
		mu.Unlock()
		close(ready)
		sess.Serve(handle)
		<-sess.Done()
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientConn.Close() })

	<-ready
	mu.Lock()
	defer mu.Unlock()
	return sess, clientConn
}

func TestSessionSendDeliversToClient(t *testing.T) {
	sess, client := newServerSession(t, nil)

	require.NoError(t, sess.Send([]byte(`{"type":"event","event":"hi"}`)))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	require.Equal(t, "event", frame["type"])
}

func TestSessionTouchOnInboundFrame(t *testing.T) {
	sess, client := newServerSession(t, nil)
	before := sess.LastInbound()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	time.Sleep(50 * time.Millisecond)

	require.True(t, sess.LastInbound().After(before))
}

func TestSessionCloseInvokesOnClose(t *testing.T) {
	var gotCode int
	done := make(chan struct{})
	sess, _ := newServerSession(t, func(code int) {
		gotCode = code
		close(done)
	})

	sess.Close(1008, "test displacement")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onClose was not invoked")
	}
	require.Equal(t, 1008, gotCode)
}

// TestSessionRecoversFromHandlerPanic confirms a panic inside the handler
// passed to Serve closes only this session (1011), instead of unwinding the
// read pump goroutine and crashing the process (spec.md §7).
func TestSessionRecoversFromHandlerPanic(t *testing.T) {
	var gotCode int
	done := make(chan struct{})

	_, client := newServerSessionWithHandler(t, func(code int) {
		gotCode = code
		close(done)
	}, func(payload []byte) {
		panic("boom")
	})

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onClose was not invoked after handler panic")
	}
	require.Equal(t, 1011, gotCode)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	calls := 0
	sess, _ := newServerSession(t, func(code int) { calls++ })

	sess.Close(1011, "first")
	sess.Close(1008, "second")

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, calls)
}
