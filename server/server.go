// Package server wires the relay's internal components (storage, identity,
// rate limiting, the connection registry, the frame router, replay, and
// audit) into the REST and WebSocket surfaces spec.md §6 describes. Routing
// follows the teacher's server/server.go: gorilla/mux, gorilla/handlers
// combined logging, and a per-route prometheus instrumentation wrapper.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mobilerelay/relay/internal/audit"
	"github.com/mobilerelay/relay/internal/identity"
	"github.com/mobilerelay/relay/internal/pairing"
	"github.com/mobilerelay/relay/internal/ratelimit"
	"github.com/mobilerelay/relay/internal/registry"
	"github.com/mobilerelay/relay/internal/replay"
	"github.com/mobilerelay/relay/internal/router"
	"github.com/mobilerelay/relay/storage"
)

// Config configures a Server. It takes already-constructed dependencies
// (storage, token verifier, rate limiters) rather than raw file-backed
// config, the same separation the teacher's server.Config draws between
// cmd/dex's file config and server.NewServer's runtime Config.
type Config struct {
	Storage storage.Storage
	Tokens  identity.Verifier
	// External is nil when no external identity issuer is configured;
	// POST /auth/external then always answers ServiceUnavailable.
	External identity.ExternalVerifier

	LoginLimiter *ratelimit.Limiter
	PairLimiter  *ratelimit.Limiter

	AllowedOrigins []string
	AllowedHeaders []string
	Headers        http.Header

	Logger             *slog.Logger
	Now                func() time.Time
	PrometheusRegistry *prometheus.Registry
}

// Server holds every wired component and serves both the REST API and the
// WebSocket endpoints.
type Server struct {
	store    storage.Storage
	tokens   identity.Verifier
	external identity.ExternalVerifier

	loginLimiter *ratelimit.Limiter
	pairLimiter  *ratelimit.Limiter

	pairing  *pairing.Service
	registry *registry.Registry
	router   *router.Router
	replayer *replay.Replayer
	audit    *audit.Log

	allowedOrigins []string
	allowedHeaders []string
	headers        http.Header

	logger *slog.Logger
	now    func() time.Time

	httpMetrics  *httpMetrics
	frameMetrics *frameMetrics

	upgrader websocket.Upgrader

	handler http.Handler
}

// NewServer builds a Server and starts its background replay loop, which
// runs until ctx is cancelled. Callers should cancel ctx during shutdown and
// then Close the underlying storage.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.LoginLimiter == nil {
		cfg.LoginLimiter = ratelimit.NewDefault()
	}
	if cfg.PairLimiter == nil {
		cfg.PairLimiter = ratelimit.NewDefault()
	}

	reg := registry.New()
	rt := router.New(cfg.Storage, reg, cfg.Logger)
	replayer := replay.New(cfg.Storage, reg, cfg.Logger)
	go replayer.Run(ctx)
	go bridgePresence(ctx, cfg.Storage, reg)

	s := &Server{
		store:          cfg.Storage,
		tokens:         cfg.Tokens,
		external:       cfg.External,
		loginLimiter:   cfg.LoginLimiter,
		pairLimiter:    cfg.PairLimiter,
		pairing:        pairing.New(cfg.Storage),
		registry:       reg,
		router:         rt,
		replayer:       replayer,
		audit:          audit.New(cfg.Storage),
		allowedOrigins: cfg.AllowedOrigins,
		allowedHeaders: cfg.AllowedHeaders,
		headers:        cfg.Headers,
		logger:         cfg.Logger,
		now:            cfg.Now,
		httpMetrics:    newHTTPMetrics(cfg.PrometheusRegistry),
		frameMetrics:   newFrameMetrics(cfg.PrometheusRegistry),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.handler = s.buildRouter()
	return s, nil
}

// ServeHTTP implements http.Handler, letting a Server be plugged directly
// into an *http.Server, the same shape the teacher's *Server has.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) buildRouter() http.Handler {
	r := mux.NewRouter().SkipClean(true)
	r.NotFoundHandler = http.NotFoundHandler()

	route := func(path, method, name string, handler http.HandlerFunc) {
		wrapped := withRequestContext(recoverMiddleware(s.logger, handler))
		if s.httpMetrics != nil {
			wrapped = instrumentHandler(s.httpMetrics.requestCounter, s.httpMetrics.durationHist, s.httpMetrics.sizeHist, name, wrapped)
		}
		r.HandleFunc(path, wrapped).Methods(method)
	}

	route("/auth/register", http.MethodPost, "auth_register", s.handleRegister)
	route("/auth/login", http.MethodPost, "auth_login", s.handleLogin)
	route("/auth/external", http.MethodPost, "auth_external", s.handleExternal)
	route("/devices", http.MethodPost, "devices_create", requireBearer(s.tokens, s.handleCreateDevice))
	route("/devices", http.MethodGet, "devices_list", requireBearer(s.tokens, s.handleListDevices))
	route("/pair", http.MethodPost, "pair_issue", requireBearer(s.tokens, s.handlePair))
	route("/pair/confirm", http.MethodPost, "pair_confirm", requireBearer(s.tokens, s.handlePairConfirm))
	route("/sms", http.MethodPost, "command_sms", requireBearer(s.tokens, s.handleCommandREST("sms")))
	route("/call", http.MethodPost, "command_call", requireBearer(s.tokens, s.handleCommandREST("call")))
	route("/history", http.MethodGet, "history", requireBearer(s.tokens, s.handleHistory))

	r.HandleFunc("/ws/host/{deviceId}", s.handleWSHost)
	r.HandleFunc("/ws/client/{deviceId}", s.handleWSClient)

	var h http.Handler = r
	if len(s.allowedOrigins) > 0 {
		cors := handlers.CORS(
			handlers.AllowedOrigins(s.allowedOrigins),
			handlers.AllowedHeaders(s.allowedHeaders),
		)
		h = cors(h)
	}
	if s.headers != nil {
		h = withSecurityHeaders(s.headers, h)
	}
	return handlers.CombinedLoggingHandler(logWriter{s.logger}, h)
}

func withSecurityHeaders(headers http.Header, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range headers {
			w.Header()[k] = v
		}
		next.ServeHTTP(w, r)
	})
}

// logWriter adapts *slog.Logger to the io.Writer handlers.CombinedLoggingHandler
// wants for its access-log line.
type logWriter struct{ logger *slog.Logger }

func (w logWriter) Write(p []byte) (int, error) {
	if w.logger != nil {
		w.logger.Info(string(p))
	}
	return len(p), nil
}
