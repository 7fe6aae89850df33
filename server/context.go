package server

import (
	"context"

	"github.com/google/uuid"
)

// logRequestKey namespaces the context values this package injects per
// request, following the teacher's server.go logRequestKey convention so
// cmd/relay/logger.go's requestContextHandler can pull them back out for
// every log line a request produces.
type logRequestKey string

const (
	RequestKeyRequestID logRequestKey = "request_id"
	RequestKeyRemoteIP  logRequestKey = "client_remote_addr"
)

// WithRequestID stamps ctx with a fresh request id.
func WithRequestID(ctx context.Context) context.Context {
	return context.WithValue(ctx, RequestKeyRequestID, uuid.NewString())
}

// WithRemoteIP stamps ctx with the caller's address.
func WithRemoteIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, RequestKeyRemoteIP, ip)
}
