package server

import (
	"net"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mobilerelay/relay/internal/identity"
	"github.com/mobilerelay/relay/internal/relayerr"
)

// withRequestContext stamps every request with a request id and remote IP
// before it reaches a handler, mirroring the teacher's handlerWithHeaders
// closure in server/server.go.
func withRequestContext(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := WithRequestID(r.Context())
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			ctx = WithRemoteIP(ctx, host)
		}
		handler(w, r.WithContext(ctx))
	}
}

// recoverMiddleware maps a panic inside handler to a 503 (ServiceUnavailable)
// response instead of crashing the process, per spec.md §7's "never a
// process crash" policy.
func recoverMiddleware(logger logger, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic handling request", "panic", rec, "stack", string(debug.Stack()))
				writeError(w, relayerr.New(relayerr.ServiceUnavailable, "internal error"))
			}
		}()
		handler(w, r)
	}
}

// logger is the subset of *slog.Logger this package calls, so tests can
// supply a stub without constructing a real slog.Logger.
type logger interface {
	Error(msg string, args ...interface{})
}

// requireBearer extracts and verifies a bearer token, rejecting the request
// with Unauthenticated if missing or invalid, and otherwise passing the
// caller's account id to handler as its accountID argument.
func requireBearer(tokens identity.Verifier, handler func(w http.ResponseWriter, r *http.Request, accountID int64)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			writeError(w, relayerr.New(relayerr.Unauthenticated, "missing bearer token"))
			return
		}
		claims, err := tokens.VerifyToken(strings.TrimPrefix(header, prefix))
		if err != nil {
			writeError(w, relayerr.New(relayerr.Unauthenticated, "invalid or expired token"))
			return
		}
		handler(w, r, claims.AccountID)
	}
}

// instrumentHandler wraps handler with request count/latency/size metrics,
// following the teacher's server.go instrumentHandler closure, generalized
// from per-OAuth2-endpoint labels to this service's route names.
func instrumentHandler(requestCounter *prometheus.CounterVec, durationHist, sizeHist *prometheus.HistogramVec, routeName string, handler http.HandlerFunc) http.HandlerFunc {
	return promhttp.InstrumentHandlerDuration(durationHist.MustCurryWith(prometheus.Labels{"handler": routeName}),
		promhttp.InstrumentHandlerCounter(requestCounter.MustCurryWith(prometheus.Labels{"handler": routeName}),
			promhttp.InstrumentHandlerResponseSize(sizeHist.MustCurryWith(prometheus.Labels{"handler": routeName}), handler),
		),
	).ServeHTTP
}
