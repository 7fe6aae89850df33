// Package session wraps one gorilla/websocket connection with the
// read-pump/write-pump split the teacher uses for every device connection
// (katagun-webpa-common/device/manager.go's readPump/writePump), generalized
// from WRP/msgpack framing to the relay's plain JSON frames and from a
// device-queue-size option to the spec's fixed 64-frame outbound buffer.
package session

import (
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mobilerelay/relay/internal/liveness"
)

// OutboundBufferSize is the bounded outbound queue size (spec.md §5).
const OutboundBufferSize = 64

// ErrBackpressure is returned by Send when the outbound buffer is full. The
// session is closed as a side effect: a slow consumer must not stall the
// router (spec.md §5).
var ErrBackpressure = errors.New("session: outbound buffer full")

// Kind distinguishes which path (host or client) a session was opened on.
type Kind string

const (
	KindHost   Kind = "host"
	KindClient Kind = "client"
)

// Session is one live duplex connection for a single device. It is owned
// exclusively by whichever Registry entry holds it, per spec.md §3.
type Session struct {
	DeviceID  int64
	AccountID int64
	Kind      Kind

	conn   *websocket.Conn
	logger *slog.Logger

	outbound chan []byte
	done     chan struct{}
	closeOnce sync.Once

	lastInbound atomic.Int64 // unix nanoseconds, UTC

	monitor *liveness.Monitor

	// onClose is invoked exactly once, after the socket is fully torn down,
	// so the caller (the registry) can Detach this session. It receives the
	// WS close code the session was closed with.
	onClose func(code int)
}

// New wraps conn for deviceID/accountID/kind. onClose is invoked once, from
// Close, right after the socket is closed; it does not wait for the pumps to
// exit.
func New(deviceID, accountID int64, kind Kind, conn *websocket.Conn, logger *slog.Logger, onClose func(code int)) *Session {
	s := &Session{
		DeviceID:  deviceID,
		AccountID: accountID,
		Kind:      kind,
		conn:      conn,
		logger:    logger,
		outbound:  make(chan []byte, OutboundBufferSize),
		done:      make(chan struct{}),
		onClose:   onClose,
	}
	s.Touch()
	s.monitor = liveness.New(s.sendPing, s.LastInbound, func() { s.Close(1011, "ping timeout") })
	return s
}

// Serve starts the read and write pumps and the liveness monitor. handle is
// called with the payload of every non-control inbound message, from the
// read pump's own goroutine; it must not block for long. Serve returns
// immediately; callers observe completion via Done().
func (s *Session) Serve(handle func(payload []byte)) {
	go s.monitor.Run()
	go s.writePump()
	go s.readPump(handle)
}

// Done is closed once the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Touch records that a frame was just received, resetting the liveness
// deadline.
func (s *Session) Touch() {
	s.lastInbound.Store(time.Now().UTC().UnixNano())
}

// LastInbound returns the time of the most recently received frame.
func (s *Session) LastInbound() time.Time {
	return time.Unix(0, s.lastInbound.Load()).UTC()
}

// Send enqueues payload for delivery. It never blocks: if the outbound
// buffer is full the session is closed with 1011 and ErrBackpressure is
// returned, matching the spec's backpressure policy of dropping a slow
// session rather than stalling the router.
func (s *Session) Send(payload []byte) error {
	select {
	case s.outbound <- payload:
		return nil
	case <-s.done:
		return errors.New("session: closed")
	default:
		s.Close(1011, "outbound buffer full")
		return ErrBackpressure
	}
}

// Close begins an orderly shutdown with the given WebSocket close code. Safe
// to call multiple times or concurrently; only the first call has effect.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.monitor.Stop()
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = s.conn.Close()
		close(s.done)
		if s.onClose != nil {
			s.onClose(code)
		}
	})
}

func (s *Session) sendPing() error {
	return s.Send([]byte(`{"type":"ping"}`))
}

// readPump blocks on conn.ReadMessage, dispatching each text/binary payload
// to handle, until the connection errors or Close is called. It never holds
// any lock while calling handle.
func (s *Session) readPump(handle func(payload []byte)) {
	defer s.Close(1011, "read pump exited")
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if s.logger != nil {
				s.logger.Debug("session read pump exiting", "device_id", s.DeviceID, "error", err)
			}
			return
		}
		s.Touch()
		s.dispatch(handle, payload)
	}
}

// dispatch calls handle with a recover guard, so a panic inside a forwarded
// frame handler closes only this session (1011, logged with a stack trace)
// instead of unwinding the read pump goroutine and crashing the process
// (spec.md §7) — the WS-side counterpart of server/middleware.go's
// recoverMiddleware for HTTP handlers.
func (s *Session) dispatch(handle func(payload []byte), payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			if s.logger != nil {
				s.logger.Error("panic handling frame", "device_id", s.DeviceID, "panic", rec, "stack", string(debug.Stack()))
			}
			s.Close(1011, "internal error")
		}
	}()
	handle(payload)
}

// writePump owns the single call site for conn.WriteMessage, draining the
// outbound channel so frames queued on this session are delivered in
// submission order (spec.md §5).
func (s *Session) writePump() {
	for {
		select {
		case payload, ok := <-s.outbound:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				if s.logger != nil {
					s.logger.Debug("session write pump exiting", "device_id", s.DeviceID, "error", err)
				}
				s.Close(1011, "write failed")
				return
			}
		case <-s.done:
			return
		}
	}
}
