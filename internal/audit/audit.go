// Package audit exposes the read side of the message log to the REST
// surface. Append happens inline in internal/router as each frame is
// forwarded; the retention sweep itself lives in storage/sql (grounded on
// the teacher's storage/sql/gc.go background-goroutine pattern), since it is
// a storage-layer concern parameterized only by a retention horizon, not by
// anything this package would otherwise own.
package audit

import (
	"context"

	"github.com/mobilerelay/relay/storage"
)

// Log is a thin, paginated read view over the message log.
type Log struct {
	store storage.Storage
}

// New builds a Log over store.
func New(store storage.Storage) *Log {
	return &Log{store: store}
}

// Read returns a page of MessageLogEntry rows touching accountID's devices.
func (l *Log) Read(ctx context.Context, accountID int64, offset, limit int) (storage.Page[storage.MessageLogEntry], error) {
	return l.store.ReadMessageLog(ctx, storage.HistoryFilter{
		AccountID: accountID,
		Offset:    offset,
		Limit:     limit,
	})
}
