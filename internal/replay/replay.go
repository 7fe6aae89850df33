// Package replay drains PendingCommand rows to a host device the moment its
// session attaches, implementing spec.md §4.7. It is grounded on the
// teacher's storage.GCResult-style "do work in a background goroutine,
// cancellable at shutdown" convention (storage/sql/gc.go) applied here to a
// one-shot drain triggered by a presence edge instead of a ticker.
package replay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mobilerelay/relay/internal/registry"
	"github.com/mobilerelay/relay/storage"
)

const drainTimeout = 10 * time.Second

// Replayer watches a Registry for device-attach edges and drains any
// PendingCommand rows waiting for that device.
type Replayer struct {
	store    storage.Storage
	registry *registry.Registry
	logger   *slog.Logger
}

// New builds a Replayer over store and reg.
func New(store storage.Storage, reg *registry.Registry, logger *slog.Logger) *Replayer {
	return &Replayer{store: store, registry: reg, logger: logger}
}

// Run subscribes to reg's presence events and drains pending commands on
// every attach-from-absent edge, until ctx is cancelled. Callers run it in
// its own goroutine so replay never blocks a session's reader.
func (r *Replayer) Run(ctx context.Context) {
	events, unsubscribe := r.registry.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			if !evt.Online {
				continue
			}
			// Each drain gets its own goroutine so one slow or stuck host
			// does not delay presence processing for the next edge.
			go r.drain(ctx, evt.DeviceID)
		}
	}
}

func (r *Replayer) drain(ctx context.Context, hostDeviceID int64) {
	sess, ok := r.registry.Lookup(hostDeviceID)
	if !ok {
		return
	}

	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()

	pending, err := r.store.ListUndeliveredCommands(drainCtx, hostDeviceID)
	if err != nil {
		if r.logger != nil {
			r.logger.Error("replay: list undelivered commands failed", "host_device_id", hostDeviceID, "error", err)
		}
		return
	}

	for _, cmd := range pending {
		forwarded, err := appendFromDeviceID(cmd.Payload, cmd.FromDeviceID)
		if err != nil {
			continue
		}
		if err := sess.Send(forwarded); err != nil {
			// Failure during drain leaves the remainder undelivered; they
			// are retried on the host's next attach edge.
			return
		}
		if err := r.store.MarkCommandDelivered(drainCtx, cmd.ID); err != nil && r.logger != nil {
			r.logger.Error("replay: mark delivered failed", "command_id", cmd.ID, "error", err)
		}
	}
}

func appendFromDeviceID(raw json.RawMessage, fromDeviceID int64) ([]byte, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["from_device_id"] = fromDeviceID
	return json.Marshal(fields)
}
