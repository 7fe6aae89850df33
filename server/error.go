package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mobilerelay/relay/internal/relayerr"
)

// errorBody is the REST surface's error shape, spec.md §6: every failure
// response is {"detail": "<message>"}, the same flat-body convention the
// teacher's server/error.go writeAPIError uses for its own error type.
type errorBody struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := relayerr.KindOf(err)
	status := relayerr.StatusCode(kind)
	if status == http.StatusTooManyRequests {
		if e, ok := relayerr.As(err); ok && e.RetryAfterSeconds > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfterSeconds))
		}
	}
	writeJSON(w, status, errorBody{Detail: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
