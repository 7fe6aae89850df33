package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mobilerelay/relay/internal/identity"
	"github.com/mobilerelay/relay/internal/pairing"
	"github.com/mobilerelay/relay/internal/relayerr"
	"github.com/mobilerelay/relay/internal/router"
	"github.com/mobilerelay/relay/storage"
)

const restStoreTimeout = 5 * time.Second

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return relayerr.New(relayerr.BadRequest, "malformed request body")
	}
	return nil
}

// --- POST /auth/register ---

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type registerResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, relayerr.New(relayerr.BadRequest, "username and password are required"))
		return
	}

	hash, err := identity.HashPassword(req.Password)
	if err != nil {
		writeError(w, relayerr.New(relayerr.ServiceUnavailable, "failed to hash password"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), restStoreTimeout)
	defer cancel()

	account, err := s.store.CreateAccount(ctx, storage.Account{
		Username:     req.Username,
		PasswordHash: hash,
		CreatedAt:    s.now(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			writeError(w, relayerr.New(relayerr.Conflict, "username already registered"))
			return
		}
		writeError(w, relayerr.New(relayerr.ServiceUnavailable, "failed to create account"))
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{ID: account.ID, Username: account.Username})
}

// --- POST /auth/login ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token  string `json:"token"`
	UserID int64  `json:"user_id"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	allowed, retryAfter := s.loginLimiter.Allow(req.Username)
	if !allowed {
		writeError(w, relayerr.TooMany("too many login attempts", int(retryAfter.Seconds())))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), restStoreTimeout)
	defer cancel()

	account, err := s.store.GetAccountByUsername(ctx, req.Username)
	if err != nil {
		writeError(w, relayerr.New(relayerr.Unauthenticated, "invalid username or password"))
		return
	}
	if len(account.PasswordHash) == 0 || !identity.VerifyPassword(req.Password, account.PasswordHash) {
		writeError(w, relayerr.New(relayerr.Unauthenticated, "invalid username or password"))
		return
	}

	token, err := s.tokens.MintToken(account.ID)
	if err != nil {
		writeError(w, relayerr.New(relayerr.ServiceUnavailable, "failed to mint token"))
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Token: token, UserID: account.ID})
}

// --- POST /auth/external ---

type externalRequest struct {
	Assertion string `json:"assertion"`
}

type externalResponse struct {
	Token  string `json:"token"`
	UserID int64  `json:"user_id"`
}

func (s *Server) handleExternal(w http.ResponseWriter, r *http.Request) {
	if s.external == nil {
		writeError(w, relayerr.New(relayerr.ServiceUnavailable, "external identity is not configured"))
		return
	}

	var req externalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ident, err := s.external.VerifyExternalAssertion(r.Context(), req.Assertion)
	if err != nil {
		writeError(w, relayerr.New(relayerr.Unauthenticated, "invalid external assertion"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), restStoreTimeout)
	defer cancel()

	account, err := s.store.GetAccountByExternalSubject(ctx, ident.Subject)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			writeError(w, relayerr.New(relayerr.ServiceUnavailable, "failed to look up account"))
			return
		}
		// Not yet linked by subject: fall back to linking by email, then
		// finally auto-create a fresh account (spec.md §6: "auto-create
		// account or link by email").
		if ident.Email != "" {
			if byEmail, emailErr := s.store.GetAccountByEmail(ctx, ident.Email); emailErr == nil {
				account = byEmail
			}
		}
		if account.ID == 0 {
			account, err = s.store.CreateAccount(ctx, storage.Account{
				Username:        ident.Subject,
				ExternalSubject: ident.Subject,
				Email:           ident.Email,
				CreatedAt:       s.now(),
			})
			if err != nil {
				writeError(w, relayerr.New(relayerr.ServiceUnavailable, "failed to create account"))
				return
			}
		}
	}

	token, err := s.tokens.MintToken(account.ID)
	if err != nil {
		writeError(w, relayerr.New(relayerr.ServiceUnavailable, "failed to mint token"))
		return
	}

	writeJSON(w, http.StatusOK, externalResponse{Token: token, UserID: account.ID})
}

// --- POST /devices, GET /devices ---

type deviceRequest struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type deviceView struct {
	ID        int64  `json:"id"`
	AccountID int64  `json:"account_id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Online    bool   `json:"online"`
}

func (s *Server) toDeviceView(d storage.Device) deviceView {
	_, online := s.registry.Lookup(d.ID)
	return deviceView{ID: d.ID, AccountID: d.AccountID, Name: d.Name, Type: string(d.Kind), Online: online}
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request, accountID int64) {
	var req deviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	kind := storage.DeviceKind(req.Type)
	if req.Name == "" || (kind != storage.DeviceHost && kind != storage.DeviceClient) {
		writeError(w, relayerr.New(relayerr.BadRequest, `type must be "host" or "client"`))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), restStoreTimeout)
	defer cancel()

	device, err := s.store.CreateDevice(ctx, storage.Device{
		AccountID: accountID,
		Name:      req.Name,
		Kind:      kind,
		CreatedAt: s.now(),
	})
	if err != nil {
		writeError(w, relayerr.New(relayerr.ServiceUnavailable, "failed to create device"))
		return
	}

	writeJSON(w, http.StatusCreated, s.toDeviceView(device))
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request, accountID int64) {
	ctx, cancel := context.WithTimeout(r.Context(), restStoreTimeout)
	defer cancel()

	devices, err := s.store.ListDevicesByAccount(ctx, accountID)
	if err != nil {
		writeError(w, relayerr.New(relayerr.ServiceUnavailable, "failed to list devices"))
		return
	}

	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, s.toDeviceView(d))
	}
	writeJSON(w, http.StatusOK, views)
}

// --- POST /pair, POST /pair/confirm ---

type pairRequest struct {
	HostDeviceID int64 `json:"host_device_id"`
}

type pairResponse struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request, accountID int64) {
	var req pairRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), restStoreTimeout)
	defer cancel()

	code, err := s.pairing.IssueCode(ctx, accountID, req.HostDeviceID)
	if err != nil {
		writePairingError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pairResponse{Code: code.Code, ExpiresAt: code.ExpiresAt})
}

type pairConfirmRequest struct {
	Code           string `json:"code"`
	ClientDeviceID int64  `json:"client_device_id"`
}

type pairConfirmResponse struct {
	PairingID    int64 `json:"pairing_id"`
	HostDeviceID int64 `json:"host_device_id"`
}

func (s *Server) handlePairConfirm(w http.ResponseWriter, r *http.Request, accountID int64) {
	var req pairConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	// Keyed by the calling account, per the Open Question resolution in
	// SPEC_FULL.md §9: one bucket per account, shared across all of that
	// account's client devices, rather than one bucket per pairing code.
	allowed, retryAfter := s.pairLimiter.Allow(strconv.FormatInt(accountID, 10))
	if !allowed {
		writeError(w, relayerr.TooMany("too many pairing attempts", int(retryAfter.Seconds())))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), restStoreTimeout)
	defer cancel()

	p, err := s.pairing.ConfirmCode(ctx, accountID, req.Code, req.ClientDeviceID)
	if err != nil {
		writePairingError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pairConfirmResponse{PairingID: p.ID, HostDeviceID: p.HostDeviceID})
}

func writePairingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pairing.ErrWrongAccount), errors.Is(err, pairing.ErrDeviceNotFound), errors.Is(err, pairing.ErrWrongKind):
		writeError(w, relayerr.New(relayerr.Forbidden, err.Error()))
	case errors.Is(err, pairing.ErrNoSuchCode):
		writeError(w, relayerr.New(relayerr.NotFound, err.Error()))
	case errors.Is(err, pairing.ErrExpired), errors.Is(err, pairing.ErrAlreadyConsumed):
		writeError(w, relayerr.New(relayerr.Gone, err.Error()))
	default:
		writeError(w, relayerr.New(relayerr.ServiceUnavailable, "pairing operation failed"))
	}
}

// --- POST /sms, POST /call ---

type commandRequest struct {
	HostDeviceID   int64  `json:"host_device_id"`
	ClientDeviceID int64  `json:"client_device_id"`
	Sim            int    `json:"sim"`
	To             string `json:"to"`
	Body           string `json:"body"`
	ReqID          string `json:"req_id"`
}

type commandResponse struct {
	Status string `json:"status"`
	ReqID  string `json:"req_id"`
}

// handleCommandREST returns a handler implementing the REST alternative to
// the WS command frame (spec.md §6): action names which message-log Kind
// ("sms" or "call") the forwarded command is recorded under.
func (s *Server) handleCommandREST(action string) func(w http.ResponseWriter, r *http.Request, accountID int64) {
	return func(w http.ResponseWriter, r *http.Request, accountID int64) {
		var req commandRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), restStoreTimeout)
		defer cancel()

		client, err := s.store.GetDevice(ctx, req.ClientDeviceID)
		if err != nil || client.AccountID != accountID || client.Kind != storage.DeviceClient {
			writeError(w, relayerr.New(relayerr.Forbidden, "client_device_id does not belong to caller"))
			return
		}

		p, err := s.store.GetPairingForClient(ctx, req.ClientDeviceID)
		if err != nil || p.HostDeviceID != req.HostDeviceID {
			writeError(w, relayerr.New(relayerr.NotFound, "no such pairing"))
			return
		}

		payload, _ := json.Marshal(map[string]interface{}{
			"type":   "command",
			"cmd":    action,
			"sim":    req.Sim,
			"to":     req.To,
			"body":   req.Body,
			"req_id": req.ReqID,
		})
		frame := router.Frame{Type: router.FrameTypeCommand, ReqID: req.ReqID, Raw: payload}

		outcome := s.router.ForwardOrQueue(ctx, req.ClientDeviceID, req.HostDeviceID, frame)
		s.router.LogMessage(ctx, req.ClientDeviceID, req.HostDeviceID, action, payload)

		status := "delivered"
		if outcome == router.OutcomeQueued {
			status = "queued"
		}
		writeJSON(w, http.StatusOK, commandResponse{Status: status, ReqID: req.ReqID})
	}
}

// --- GET /history ---

type historyResponse struct {
	Items  []storage.MessageLogEntry `json:"items"`
	Total  int                       `json:"total"`
	Offset int                       `json:"offset"`
	Limit  int                       `json:"limit"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, accountID int64) {
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 50)

	ctx, cancel := context.WithTimeout(r.Context(), restStoreTimeout)
	defer cancel()

	page, err := s.audit.Read(ctx, accountID, offset, limit)
	if err != nil {
		writeError(w, relayerr.New(relayerr.ServiceUnavailable, "failed to read history"))
		return
	}

	writeJSON(w, http.StatusOK, historyResponse{Items: page.Items, Total: page.Total, Offset: offset, Limit: limit})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
