// Package pairing implements issuance and redemption of the short-lived
// pairing codes that link a host device to a client device, grounded on the
// teacher's device-code/user-code exchange (server/deviceflowhandlers.go)
// but narrowed to the spec's decimal pairing code and the pivotal
// same-account redemption check.
package pairing

import (
	"context"
	"errors"
	"time"

	"github.com/mobilerelay/relay/storage"
)

// Sentinel errors, one per distinct failure mode spec.md §4.3 names. Kept
// distinct (rather than collapsed behind a single relayerr.Kind at this
// layer) so callers can map each to the exact HTTP status the REST table
// requires.
var (
	ErrWrongAccount   = errors.New("pairing: code was issued by a different account")
	ErrNoSuchCode     = errors.New("pairing: no such code")
	ErrExpired        = errors.New("pairing: code expired")
	ErrAlreadyConsumed = errors.New("pairing: code already consumed")
	ErrDeviceNotFound = errors.New("pairing: device not found")
	ErrWrongKind      = errors.New("pairing: device is the wrong kind")
)

const codeLifetime = 10 * time.Minute

// Service issues and redeems pairing codes against a Storage backend.
type Service struct {
	store storage.Storage
	now   func() time.Time
}

// New builds a Service backed by store.
func New(store storage.Storage) *Service {
	return &Service{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// IssueCode verifies hostDeviceID belongs to accountID and is a host, then
// mints a fresh six-digit code, expiring any prior unconsumed code for the
// same (account, host) pair first.
func (s *Service) IssueCode(ctx context.Context, accountID, hostDeviceID int64) (storage.PairingCode, error) {
	host, err := s.store.GetDevice(ctx, hostDeviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.PairingCode{}, ErrDeviceNotFound
		}
		return storage.PairingCode{}, err
	}
	if host.AccountID != accountID {
		return storage.PairingCode{}, ErrDeviceNotFound
	}
	if host.Kind != storage.DeviceHost {
		return storage.PairingCode{}, ErrWrongKind
	}

	now := s.now()
	if err := s.store.ExpirePendingCodes(ctx, accountID, hostDeviceID, now); err != nil {
		return storage.PairingCode{}, err
	}

	code, err := storage.NewPairingCodeDigits()
	if err != nil {
		return storage.PairingCode{}, err
	}

	return s.store.CreatePairingCode(ctx, storage.PairingCode{
		AccountID:    accountID,
		HostDeviceID: hostDeviceID,
		Code:         code,
		ExpiresAt:    now.Add(codeLifetime),
		CreatedAt:    now,
	})
}

// ConfirmCode redeems code on behalf of accountID for clientDeviceID. The
// cross-account ownership check runs before any other validation: this is
// the pivotal security property the spec calls out.
func (s *Service) ConfirmCode(ctx context.Context, accountID int64, code string, clientDeviceID int64) (storage.Pairing, error) {
	pc, err := s.store.GetPairingCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Pairing{}, ErrNoSuchCode
		}
		return storage.Pairing{}, err
	}

	if pc.AccountID != accountID {
		return storage.Pairing{}, ErrWrongAccount
	}
	if pc.Consumed {
		return storage.Pairing{}, ErrAlreadyConsumed
	}
	if !pc.ExpiresAt.After(s.now()) {
		return storage.Pairing{}, ErrExpired
	}

	client, err := s.store.GetDevice(ctx, clientDeviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Pairing{}, ErrDeviceNotFound
		}
		return storage.Pairing{}, err
	}
	if client.AccountID != accountID {
		return storage.Pairing{}, ErrDeviceNotFound
	}
	if client.Kind != storage.DeviceClient {
		return storage.Pairing{}, ErrWrongKind
	}

	// CreatePairing returns the existing row alongside ErrAlreadyExists when
	// this (host, client) pair was already linked, so redemption is
	// idempotent without a separate lookup.
	pairing, err := s.store.CreatePairing(ctx, storage.Pairing{
		HostDeviceID:   pc.HostDeviceID,
		ClientDeviceID: clientDeviceID,
		CreatedAt:      s.now(),
	})
	if err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		return storage.Pairing{}, err
	}

	if err := s.store.ConsumePairingCode(ctx, pc.ID); err != nil {
		return storage.Pairing{}, err
	}

	return pairing, nil
}
