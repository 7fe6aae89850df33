// Package conformance runs one shared suite of behavioral tests against any
// storage.Storage implementation, the same way the teacher's
// storage/conformance package exercises every storage backend with one test
// body.
package conformance

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobilerelay/relay/storage"
)

// RunTests exercises newStorage() (a fresh, empty store per call) against
// every invariant storage.Storage documents.
func RunTests(t *testing.T, newStorage func() storage.Storage) {
	t.Run("AccountUniqueness", func(t *testing.T) { testAccountUniqueness(t, newStorage()) })
	t.Run("DeviceLifecycle", func(t *testing.T) { testDeviceLifecycle(t, newStorage()) })
	t.Run("PairingCodeExpiry", func(t *testing.T) { testPairingCodeExpiry(t, newStorage()) })
	t.Run("PairingUniqueness", func(t *testing.T) { testPairingUniqueness(t, newStorage()) })
	t.Run("PendingCommandFIFO", func(t *testing.T) { testPendingCommandFIFO(t, newStorage()) })
	t.Run("MessageLogHistory", func(t *testing.T) { testMessageLogHistory(t, newStorage()) })
	t.Run("GarbageCollect", func(t *testing.T) { testGarbageCollect(t, newStorage()) })
}

func testAccountUniqueness(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	_, err := s.CreateAccount(ctx, storage.Account{Username: "alice", PasswordHash: []byte("h"), CreatedAt: time.Now().UTC()})
	require.NoError(t, err)

	_, err = s.CreateAccount(ctx, storage.Account{Username: "alice", PasswordHash: []byte("h2"), CreatedAt: time.Now().UTC()})
	require.ErrorIs(t, err, storage.ErrAlreadyExists)

	_, err = s.GetAccountByUsername(ctx, "nope")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testDeviceLifecycle(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	a, err := s.CreateAccount(ctx, storage.Account{Username: "bob", PasswordHash: []byte("h"), CreatedAt: time.Now().UTC()})
	require.NoError(t, err)

	host, err := s.CreateDevice(ctx, storage.Device{AccountID: a.ID, Name: "phoneA", Kind: storage.DeviceHost, CreatedAt: time.Now().UTC()})
	require.NoError(t, err)
	client, err := s.CreateDevice(ctx, storage.Device{AccountID: a.ID, Name: "phoneB", Kind: storage.DeviceClient, CreatedAt: time.Now().UTC()})
	require.NoError(t, err)

	devices, err := s.ListDevicesByAccount(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, devices, 2)

	got, err := s.GetDevice(ctx, host.ID)
	require.NoError(t, err)
	require.Equal(t, storage.DeviceHost, got.Kind)
	_ = client
}

func testPairingCodeExpiry(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	a, _ := s.CreateAccount(ctx, storage.Account{Username: "carol", PasswordHash: []byte("h"), CreatedAt: time.Now().UTC()})
	host, _ := s.CreateDevice(ctx, storage.Device{AccountID: a.ID, Name: "h", Kind: storage.DeviceHost, CreatedAt: time.Now().UTC()})

	now := time.Now().UTC()
	first, err := s.CreatePairingCode(ctx, storage.PairingCode{
		AccountID: a.ID, HostDeviceID: host.ID, Code: "111111",
		ExpiresAt: now.Add(10 * time.Minute), CreatedAt: now,
	})
	require.NoError(t, err)

	// Issuing a second code must expire the first (spec.md 4.3).
	require.NoError(t, s.ExpirePendingCodes(ctx, a.ID, host.ID, now))
	second, err := s.CreatePairingCode(ctx, storage.PairingCode{
		AccountID: a.ID, HostDeviceID: host.ID, Code: "222222",
		ExpiresAt: now.Add(10 * time.Minute), CreatedAt: now,
	})
	require.NoError(t, err)

	refreshed, err := s.GetPairingCode(ctx, first.Code)
	require.NoError(t, err)
	require.False(t, refreshed.ExpiresAt.After(now.Add(time.Second)), "prior code must be expired, not left valid")

	stillGood, err := s.GetPairingCode(ctx, second.Code)
	require.NoError(t, err)
	require.True(t, stillGood.ExpiresAt.After(now))
}

func testPairingUniqueness(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	a, _ := s.CreateAccount(ctx, storage.Account{Username: "dave", PasswordHash: []byte("h"), CreatedAt: time.Now().UTC()})
	host, _ := s.CreateDevice(ctx, storage.Device{AccountID: a.ID, Name: "h", Kind: storage.DeviceHost, CreatedAt: time.Now().UTC()})
	client, _ := s.CreateDevice(ctx, storage.Device{AccountID: a.ID, Name: "c", Kind: storage.DeviceClient, CreatedAt: time.Now().UTC()})

	p1, err := s.CreatePairing(ctx, storage.Pairing{HostDeviceID: host.ID, ClientDeviceID: client.ID, CreatedAt: time.Now().UTC()})
	require.NoError(t, err)

	p2, err := s.CreatePairing(ctx, storage.Pairing{HostDeviceID: host.ID, ClientDeviceID: client.ID, CreatedAt: time.Now().UTC()})
	require.ErrorIs(t, err, storage.ErrAlreadyExists)
	require.Equal(t, p1.ID, p2.ID, "idempotent re-confirmation must surface the existing pairing id")
}

func testPendingCommandFIFO(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	a, _ := s.CreateAccount(ctx, storage.Account{Username: "erin", PasswordHash: []byte("h"), CreatedAt: time.Now().UTC()})
	host, _ := s.CreateDevice(ctx, storage.Device{AccountID: a.ID, Name: "h", Kind: storage.DeviceHost, CreatedAt: time.Now().UTC()})

	base := time.Now().UTC()
	for i, payload := range []string{"c1", "c2", "c3"} {
		_, err := s.EnqueuePendingCommand(ctx, storage.PendingCommand{
			HostDeviceID: host.ID, FromDeviceID: 99,
			Payload:   json.RawMessage(`"` + payload + `"`),
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		})
		require.NoError(t, err)
	}

	undelivered, err := s.ListUndeliveredCommands(ctx, host.ID)
	require.NoError(t, err)
	require.Len(t, undelivered, 3)
	require.JSONEq(t, `"c1"`, string(undelivered[0].Payload))
	require.JSONEq(t, `"c2"`, string(undelivered[1].Payload))
	require.JSONEq(t, `"c3"`, string(undelivered[2].Payload))

	require.NoError(t, s.MarkCommandDelivered(ctx, undelivered[0].ID))
	remaining, err := s.ListUndeliveredCommands(ctx, host.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
}

func testMessageLogHistory(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	a, _ := s.CreateAccount(ctx, storage.Account{Username: "frank", PasswordHash: []byte("h"), CreatedAt: time.Now().UTC()})
	host, _ := s.CreateDevice(ctx, storage.Device{AccountID: a.ID, Name: "h", Kind: storage.DeviceHost, CreatedAt: time.Now().UTC()})
	client, _ := s.CreateDevice(ctx, storage.Device{AccountID: a.ID, Name: "c", Kind: storage.DeviceClient, CreatedAt: time.Now().UTC()})

	for i := 0; i < 5; i++ {
		_, err := s.AppendMessageLog(ctx, storage.MessageLogEntry{
			FromDeviceID: client.ID, ToDeviceID: host.ID, Kind: "command",
			Payload: json.RawMessage(`{}`), CreatedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	page, err := s.ReadMessageLog(ctx, storage.HistoryFilter{AccountID: a.ID, Offset: 0, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, 5, page.Total)
	require.Len(t, page.Items, 2)
}

func testGarbageCollect(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	a, _ := s.CreateAccount(ctx, storage.Account{Username: "grace", PasswordHash: []byte("h"), CreatedAt: time.Now().UTC()})
	host, _ := s.CreateDevice(ctx, storage.Device{AccountID: a.ID, Name: "h", Kind: storage.DeviceHost, CreatedAt: time.Now().UTC()})

	now := time.Now().UTC()
	ages := []time.Duration{100 * 24 * time.Hour, 50 * 24 * time.Hour, 5 * 24 * time.Hour}
	for _, age := range ages {
		_, err := s.AppendMessageLog(ctx, storage.MessageLogEntry{
			FromDeviceID: host.ID, ToDeviceID: host.ID, Kind: "event",
			Payload: json.RawMessage(`{}`), CreatedAt: now.Add(-age),
		})
		require.NoError(t, err)
	}

	_, err := s.GarbageCollect(ctx, now.Add(-90*24*time.Hour), 100)
	require.NoError(t, err)

	page, err := s.ReadMessageLog(ctx, storage.HistoryFilter{AccountID: a.ID})
	require.NoError(t, err)
	require.Equal(t, 2, page.Total, "entries older than the retention horizon must be gone")
}
