package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/mobilerelay/relay/internal/router"
	"github.com/mobilerelay/relay/internal/session"
	"github.com/mobilerelay/relay/storage"
)

const wsStoreTimeout = 5 * time.Second

// handleWSHost and handleWSClient both perform the same handshake (spec.md
// §6): verify the token, confirm the device belongs to the token's account,
// confirm the device's stored kind matches the endpoint, then upgrade and
// attach. They are separate handlers, not one parameterized by a query
// value, because the path itself is the kind assertion a misconfigured
// client cannot bypass by forging a field.
func (s *Server) handleWSHost(w http.ResponseWriter, r *http.Request) {
	s.handleWS(w, r, session.KindHost, storage.DeviceHost)
}

func (s *Server) handleWSClient(w http.ResponseWriter, r *http.Request) {
	s.handleWS(w, r, session.KindClient, storage.DeviceClient)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, kind session.Kind, wantKind storage.DeviceKind) {
	deviceID, err := strconv.ParseInt(mux.Vars(r)["deviceId"], 10, 64)
	if err != nil {
		http.Error(w, "invalid device id", http.StatusBadRequest)
		return
	}

	token := r.URL.Query().Get("token")
	claims, err := s.tokens.VerifyToken(token)
	if err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), wsStoreTimeout)
	device, err := s.store.GetDevice(ctx, deviceID)
	cancel()
	if err != nil || device.AccountID != claims.AccountID || device.Kind != wantKind {
		http.Error(w, "device not found or not owned by caller", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("websocket upgrade failed", "error", err)
		}
		return
	}

	var sess *session.Session
	sess = session.New(deviceID, claims.AccountID, kind, conn, s.logger, func(int) {
		s.registry.Detach(sess)
	})

	// Attach may displace a prior session for this device id; Attach itself
	// closes the displaced one (registry.go) so there's nothing further to
	// do with the return value here.
	s.registry.Attach(sess)

	if err := sess.Send(connectedFrame(deviceID)); err != nil {
		return
	}

	sess.Serve(func(payload []byte) {
		frameType := "invalid"
		if f, err := router.DecodeFrame(payload); err == nil {
			frameType = string(f.Type)
		}
		s.frameMetrics.observe(string(kind), frameType)
		s.router.HandleFrame(sess, payload)
	})
}

func connectedFrame(deviceID int64) []byte {
	return []byte(`{"type":"connected","device_id":` + strconv.FormatInt(deviceID, 10) + `}`)
}
