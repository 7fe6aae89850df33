package server

import (
	"context"
	"errors"
	"time"

	"github.com/mobilerelay/relay/internal/registry"
	"github.com/mobilerelay/relay/internal/router"
	"github.com/mobilerelay/relay/storage"
)

const presenceLookupTimeout = 5 * time.Second

// bridgePresence forwards every presence edge from reg to the device's
// paired peer, if that peer has a live session, as the
// DEVICE_ONLINE/DEVICE_OFFLINE frame router.PresenceEdgeFrame encodes. It
// runs until ctx is cancelled, alongside
// replay.Replayer.Run, as its own subscriber of the same registry.
func bridgePresence(ctx context.Context, store storage.Storage, reg *registry.Registry) {
	events, unsubscribe := reg.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			go deliverPresenceEdge(ctx, store, reg, evt)
		}
	}
}

func deliverPresenceEdge(ctx context.Context, store storage.Storage, reg *registry.Registry, evt registry.PresenceEvent) {
	lookupCtx, cancel := context.WithTimeout(ctx, presenceLookupTimeout)
	defer cancel()

	peerID, err := pairedPeerOf(lookupCtx, store, evt.DeviceID)
	if err != nil {
		return
	}

	peerSess, ok := reg.Lookup(peerID)
	if !ok {
		return
	}
	_ = peerSess.Send(router.PresenceEdgeFrame(evt.DeviceID, evt.Online))
}

// pairedPeerOf tries both pairing directions since a device's role (host or
// client) is not known from its id alone here.
func pairedPeerOf(ctx context.Context, store storage.Storage, deviceID int64) (int64, error) {
	if p, err := store.GetPairingForHost(ctx, deviceID); err == nil {
		return p.ClientDeviceID, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return 0, err
	}
	p, err := store.GetPairingForClient(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	return p.HostDeviceID, nil
}
