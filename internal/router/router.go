// Package router implements frame dispatch between paired devices, grounded
// on the teacher's request-decoding style (server/deviceflowhandlers.go) for
// the strict frame envelope and on
// katagun-webpa-common/device/manager.go's Router interface for the
// dispatch-by-device-id shape, narrowed to the spec's four frame types.
package router

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mobilerelay/relay/internal/registry"
	"github.com/mobilerelay/relay/internal/session"
	"github.com/mobilerelay/relay/storage"
)

// storeTimeout bounds how long a single inbound frame may wait on the
// store, per spec.md §5; on expiry the caller sees ServiceUnavailable.
const storeTimeout = 5 * time.Second

// Outcome reports how a command or event frame was handled, used by both
// the WS frame handler and the REST /sms,/call handlers that share this
// routing logic.
type Outcome string

const (
	OutcomeForwarded Outcome = "forwarded"
	OutcomeQueued    Outcome = "queued"
	OutcomeOffline   Outcome = "offline"
)

// Router dispatches inbound frames between the registry's live sessions and
// records the audit trail in Store.
type Router struct {
	store    storage.Storage
	registry *registry.Registry
	logger   *slog.Logger
}

// New builds a Router over store and registry.
func New(store storage.Storage, reg *registry.Registry, logger *slog.Logger) *Router {
	return &Router{store: store, registry: reg, logger: logger}
}

// HandleFrame decodes and dispatches one inbound WebSocket payload from
// sess. It never returns an error to the caller: all failures are
// communicated back to sess as frames, matching the spec's "never a process
// crash" propagation policy.
func (rt *Router) HandleFrame(sess *session.Session, payload []byte) {
	frame, err := DecodeFrame(payload)
	if err != nil {
		var unknown *UnknownTypeError
		if errors.As(err, &unknown) {
			_ = sess.Send(errorFrame(unknown.Error()))
			return
		}
		_ = sess.Send(errorFrame("malformed frame"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	switch frame.Type {
	case FrameTypePing:
		_ = sess.Send([]byte(`{"type":"pong"}`))
	case FrameTypeCommand:
		rt.handleCommand(ctx, sess, frame)
	case FrameTypeEvent:
		rt.handleEvent(ctx, sess, frame)
	case FrameTypeWebRTC:
		rt.handleWebRTC(ctx, sess, frame)
	}
}

// pairedPeer resolves the single device paired with sess, following
// direction from sess.Kind: a client's peer is its paired host and vice
// versa.
func (rt *Router) pairedPeer(ctx context.Context, sess *session.Session) (int64, error) {
	if sess.Kind == session.KindClient {
		p, err := rt.store.GetPairingForClient(ctx, sess.DeviceID)
		if err != nil {
			return 0, err
		}
		return p.HostDeviceID, nil
	}
	p, err := rt.store.GetPairingForHost(ctx, sess.DeviceID)
	if err != nil {
		return 0, err
	}
	return p.ClientDeviceID, nil
}

func (rt *Router) handleCommand(ctx context.Context, sess *session.Session, frame Frame) {
	hostDeviceID, err := rt.pairedPeer(ctx, sess)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = sess.Send(errorFrame("no paired host"))
			return
		}
		_ = sess.Send(errorFrame("service unavailable"))
		return
	}

	outcome := rt.ForwardOrQueue(ctx, sess.DeviceID, hostDeviceID, frame)

	switch outcome {
	case OutcomeForwarded:
		// No acknowledgement: the sender sees no reply for a successfully
		// forwarded command, matching spec.md's frame vocabulary (only the
		// queued and offline cases produce a reply frame).
	case OutcomeQueued:
		_ = sess.Send(queuedEventFrame(frame.ReqID))
	}

	rt.LogMessage(ctx, sess.DeviceID, hostDeviceID, "command", frame.Raw)
}

// ForwardOrQueue implements the command direction's store-and-forward
// logic. It is exported so the REST /sms and /call handlers (server
// package), which have no live *session.Session for their caller, can
// share this exact routing decision instead of duplicating it.
func (rt *Router) ForwardOrQueue(ctx context.Context, fromDeviceID, hostDeviceID int64, frame Frame) Outcome {
	if hostSess, ok := rt.registry.Lookup(hostDeviceID); ok {
		forwarded, err := withFromDeviceID(frame.Raw, fromDeviceID)
		if err == nil && hostSess.Send(forwarded) == nil {
			return OutcomeForwarded
		}
		// Send failure is treated as offline: fall through to the queue path.
	}

	_, err := rt.store.EnqueuePendingCommand(ctx, storage.PendingCommand{
		HostDeviceID: hostDeviceID,
		FromDeviceID: fromDeviceID,
		Payload:      frame.Raw,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil && rt.logger != nil {
		rt.logger.Error("enqueue pending command failed", "host_device_id", hostDeviceID, "error", err)
	}
	return OutcomeQueued
}

func (rt *Router) handleEvent(ctx context.Context, sess *session.Session, frame Frame) {
	clientDeviceID, err := rt.pairedPeer(ctx, sess)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = sess.Send(errorFrame("not paired"))
			return
		}
		_ = sess.Send(errorFrame("service unavailable"))
		return
	}

	if !rt.forwardToPeer(sess.DeviceID, clientDeviceID, frame) {
		_ = sess.Send(targetOfflineFrame(clientDeviceID, frame.ReqID))
	}

	rt.LogMessage(ctx, sess.DeviceID, clientDeviceID, "event", frame.Raw)
}

func (rt *Router) handleWebRTC(ctx context.Context, sess *session.Session, frame Frame) {
	peerDeviceID, err := rt.pairedPeer(ctx, sess)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = sess.Send(errorFrame("not paired"))
			return
		}
		_ = sess.Send(errorFrame("service unavailable"))
		return
	}

	if !rt.forwardToPeer(sess.DeviceID, peerDeviceID, frame) {
		_ = sess.Send(targetOfflineFrame(peerDeviceID, frame.ReqID))
	}
	// webrtc payloads are large and ephemeral: intentionally not logged.
}

// forwardToPeer sends frame to peerDeviceID's live session, if any. It never
// queues: events and webrtc frames are best-effort per spec.md §4.5.
func (rt *Router) forwardToPeer(fromDeviceID, peerDeviceID int64, frame Frame) bool {
	peerSess, ok := rt.registry.Lookup(peerDeviceID)
	if !ok {
		return false
	}
	forwarded, err := withFromDeviceID(frame.Raw, fromDeviceID)
	if err != nil {
		return false
	}
	return peerSess.Send(forwarded) == nil
}

// LogMessage appends one audit entry. Exported so the REST /sms and /call
// handlers (server package) record the same audit trail as WS commands do.
func (rt *Router) LogMessage(ctx context.Context, fromDeviceID, toDeviceID int64, kind string, payload []byte) {
	_, err := rt.store.AppendMessageLog(ctx, storage.MessageLogEntry{
		FromDeviceID: fromDeviceID,
		ToDeviceID:   toDeviceID,
		Kind:         kind,
		Payload:      payload,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil && rt.logger != nil {
		rt.logger.Error("append message log failed", "error", err)
	}
}

// PresenceEdgeFrame renders a registry.PresenceEvent into the wire frame
// spec.md §4.6 describes. HandleFrame never sends presence frames; this is
// exported for the component that bridges a Registry's subscription channel
// to paired sessions (server wiring).
func PresenceEdgeFrame(deviceID int64, online bool) []byte {
	event := "DEVICE_OFFLINE"
	if online {
		event = "DEVICE_ONLINE"
	}
	return presenceFrame(event, deviceID)
}
