// Package relayerr is the error taxonomy shared by the HTTP and WebSocket
// surfaces, following the teacher's server.apiError pattern of a small typed
// error that carries its own response code instead of forcing callers to
// switch on sentinel values.
package relayerr

import "net/http"

// Kind classifies a relay error into one of the response shapes the spec
// defines. Each Kind maps to exactly one HTTP status and one WS close/error
// code, kept in sync by StatusCode and WSCloseCode below.
type Kind string

const (
	BadRequest        Kind = "bad_request"
	Unauthenticated   Kind = "unauthenticated"
	Forbidden         Kind = "forbidden"
	NotFound          Kind = "not_found"
	Conflict          Kind = "conflict"
	Gone              Kind = "gone"
	TooManyAttempts   Kind = "too_many_attempts"
	Offline           Kind = "offline"
	Queued            Kind = "queued"
	ServiceUnavailable Kind = "service_unavailable"
)

// Error is the concrete error type every internal package returns for
// expected, user-facing failures. Unexpected failures should be wrapped in
// plain fmt.Errorf/errors.Wrap and surfaced as ServiceUnavailable at the
// transport boundary instead of constructed directly as an Error.
type Error struct {
	Kind Kind
	Msg  string

	// RetryAfterSeconds is set only for TooManyAttempts.
	RetryAfterSeconds int
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return string(e.Kind)
}

// New constructs an Error of the given kind with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// TooMany constructs a TooManyAttempts error carrying a retry-after hint.
func TooMany(msg string, retryAfterSeconds int) *Error {
	return &Error{Kind: TooManyAttempts, Msg: msg, RetryAfterSeconds: retryAfterSeconds}
}

// StatusCode maps a Kind to the HTTP status the REST surface must answer
// with.
func StatusCode(k Kind) int {
	switch k {
	case BadRequest:
		return http.StatusBadRequest
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Gone:
		return http.StatusGone
	case TooManyAttempts:
		return http.StatusTooManyRequests
	case Offline:
		return http.StatusConflict
	case Queued:
		return http.StatusAccepted
	case ServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WSCloseCode maps a Kind to the WebSocket close status the session layer
// should use when the error is fatal to the connection. Kinds that are
// per-frame errors rather than connection-fatal (BadRequest, NotFound,
// Conflict, Offline, Queued) return 0: the caller sends an error frame and
// keeps the socket open.
func WSCloseCode(k Kind) int {
	switch k {
	case Unauthenticated, Forbidden:
		return 1008
	case ServiceUnavailable:
		return 1011
	default:
		return 0
	}
}

// As reports whether err is a *Error and, if so, returns it.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}

// KindOf returns the Kind of err if it is a *Error, or ServiceUnavailable
// for any other error so callers always get a safe default to map to a
// response.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ServiceUnavailable
}
