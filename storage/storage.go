// Package storage defines the persistence boundary used by the relay core.
//
// Implementations must perform atomic compare-and-swap style updates where
// documented and must standardize on UTC for all timestamps they accept or
// return.
package storage

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"time"
)

// Sentinel errors returned by every Storage implementation. Callers use
// errors.Is to distinguish these from transport-level failures.
var (
	// ErrNotFound is returned when a lookup by id fails to find a row.
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyExists is returned when a unique constraint would be violated.
	ErrAlreadyExists = errors.New("storage: already exists")
)

// DeviceKind distinguishes the two classes of mobile endpoint.
type DeviceKind string

const (
	DeviceHost   DeviceKind = "host"
	DeviceClient DeviceKind = "client"
)

// Account is a registered relay user. At least one of PasswordHash or
// ExternalSubject must be set.
type Account struct {
	ID              int64
	Username        string
	PasswordHash    []byte
	ExternalSubject string // empty if unset
	Email           string // empty if unset
	CreatedAt       time.Time
}

// Device is a registered mobile endpoint owned by an Account. Kind is
// immutable once created; presence is derived, not stored here.
type Device struct {
	ID        int64
	AccountID int64
	Name      string
	Kind      DeviceKind
	CreatedAt time.Time
}

// PairingCode is a short-lived secret that links a host device to a future
// client device under the issuing account.
type PairingCode struct {
	ID           int64
	AccountID    int64
	HostDeviceID int64
	Code         string
	ExpiresAt    time.Time
	Consumed     bool
	CreatedAt    time.Time
}

// Pairing is the durable, symmetric link between one host and one client
// device established by redeeming a PairingCode.
type Pairing struct {
	ID             int64
	HostDeviceID   int64
	ClientDeviceID int64
	CreatedAt      time.Time
}

// MessageLogEntry is an append-only audit record of a forwarded command or
// event frame.
type MessageLogEntry struct {
	ID           int64
	FromDeviceID int64
	ToDeviceID   int64
	Kind         string
	Payload      json.RawMessage
	CreatedAt    time.Time
}

// PendingCommand is a command addressed to a host device that had no live
// session at arrival time. Rows are drained strictly FIFO by CreatedAt.
type PendingCommand struct {
	ID           int64
	HostDeviceID int64
	FromDeviceID int64
	Payload      json.RawMessage
	CreatedAt    time.Time
	Delivered    bool
}

// GCResult reports how many rows a retention sweep removed.
type GCResult struct {
	MessageLogEntries int64
}

// Page is a bounded, offset-based result set.
type Page[T any] struct {
	Items []T
	Total int
}

// HistoryFilter restricts a log read to entries touching one account's
// devices.
type HistoryFilter struct {
	AccountID int64
	Offset    int
	Limit     int
}

// Storage is the persistence interface used by the relay core. Every method
// takes a context so callers can bound how long a single inbound frame or
// HTTP request may wait on the store.
type Storage interface {
	Close() error

	CreateAccount(ctx context.Context, a Account) (Account, error)
	GetAccountByID(ctx context.Context, id int64) (Account, error)
	GetAccountByUsername(ctx context.Context, username string) (Account, error)
	GetAccountByExternalSubject(ctx context.Context, subject string) (Account, error)
	GetAccountByEmail(ctx context.Context, email string) (Account, error)

	CreateDevice(ctx context.Context, d Device) (Device, error)
	GetDevice(ctx context.Context, id int64) (Device, error)
	ListDevicesByAccount(ctx context.Context, accountID int64) ([]Device, error)

	CreatePairingCode(ctx context.Context, c PairingCode) (PairingCode, error)
	GetPairingCode(ctx context.Context, code string) (PairingCode, error)
	// ExpirePendingCodes marks every unconsumed, unexpired code issued for
	// (accountID, hostDeviceID) as expired, atomically.
	ExpirePendingCodes(ctx context.Context, accountID, hostDeviceID int64, now time.Time) error
	ConsumePairingCode(ctx context.Context, id int64) error

	CreatePairing(ctx context.Context, p Pairing) (Pairing, error)
	GetPairing(ctx context.Context, hostDeviceID, clientDeviceID int64) (Pairing, error)
	GetPairingForHost(ctx context.Context, hostDeviceID int64) (Pairing, error)
	GetPairingForClient(ctx context.Context, clientDeviceID int64) (Pairing, error)

	AppendMessageLog(ctx context.Context, e MessageLogEntry) (MessageLogEntry, error)
	ReadMessageLog(ctx context.Context, f HistoryFilter) (Page[MessageLogEntry], error)

	EnqueuePendingCommand(ctx context.Context, c PendingCommand) (PendingCommand, error)
	// ListUndeliveredCommands returns undelivered rows for a host in
	// ascending CreatedAt order.
	ListUndeliveredCommands(ctx context.Context, hostDeviceID int64) ([]PendingCommand, error)
	MarkCommandDelivered(ctx context.Context, id int64) error

	// GarbageCollect deletes MessageLogEntry rows older than the given
	// horizon, chunking deletes so no single transaction grows unbounded.
	GarbageCollect(ctx context.Context, olderThan time.Time, chunkSize int) (GCResult, error)
}

// NewPairingCodeDigits returns a 6-decimal-digit pairing code using a
// cryptographically strong RNG, each digit drawn independently so that
// leading zeros occur with the expected 1/10 probability per position.
func NewPairingCodeDigits() (string, error) {
	const length = 6
	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits), nil
}

// NewSecureToken returns a URL-safe random identifier of n random bytes,
// base32-encoded without padding. Used for anything that needs an opaque,
// unguessable string that is not the 6-digit pairing code (e.g. test
// fixtures needing unique device names).
func NewSecureToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return encodeBase32(buf), nil
}
