package memory_test

import (
	"log/slog"
	"io"
	"testing"

	"github.com/mobilerelay/relay/storage"
	"github.com/mobilerelay/relay/storage/conformance"
	"github.com/mobilerelay/relay/storage/memory"
)

func TestStoreConformance(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	conformance.RunTests(t, func() storage.Storage {
		return memory.New(logger)
	})
}
