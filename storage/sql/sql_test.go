package sql_test

import (
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/mobilerelay/relay/storage"
	"github.com/mobilerelay/relay/storage/conformance"
	relaysql "github.com/mobilerelay/relay/storage/sql"
)

// Each call gets its own named in-memory sqlite database: a bare ":memory:"
// DSN would give every *sql.DB connection its own database, which breaks as
// soon as the pool opens a second connection.
var dbCounter int64

func newSQLiteStore(t *testing.T) storage.Storage {
	t.Helper()
	n := atomic.AddInt64(&dbCounter, 1)
	cfg := relaysql.SQLite3{File: fmt.Sprintf("file:conformance%d?mode=memory&cache=shared", n)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := cfg.Open(logger)
	if err != nil {
		t.Fatalf("open sqlite3: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteConformance(t *testing.T) {
	conformance.RunTests(t, func() storage.Storage {
		return newSQLiteStore(t)
	})
}
