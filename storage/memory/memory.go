// Package memory provides an in-memory implementation of storage.Storage,
// used by tests and by the "memory" storage config in the relay's server
// config.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mobilerelay/relay/storage"
)

var _ storage.Storage = (*Store)(nil)

// Config is the config-file representation of the in-memory storage backend.
// It carries no options: every process gets its own empty store.
type Config struct{}

// Open returns a new, empty in-memory store.
func (c *Config) Open(logger *slog.Logger) (storage.Storage, error) {
	return New(logger), nil
}

// Store is a map-backed storage.Storage guarded by a single mutex. It never
// sleeps or blocks on I/O under the lock.
type Store struct {
	mu     sync.Mutex
	logger *slog.Logger

	nextID int64

	accounts      map[int64]storage.Account
	devices       map[int64]storage.Device
	pairingCodes  map[int64]storage.PairingCode
	pairings      map[int64]storage.Pairing
	messages      map[int64]storage.MessageLogEntry
	pendingByHost map[int64][]storage.PendingCommand
	// pendingHostOf maps a pending command id to the host queue it lives in,
	// so MarkCommandDelivered can find it by index instead of holding a
	// pointer into pendingByHost's slice: that slice reallocates on append,
	// which would leave any earlier pointer dangling on an orphaned backing
	// array.
	pendingHostOf map[int64]int64
}

// New returns an empty in-memory store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger:        logger,
		accounts:      make(map[int64]storage.Account),
		devices:       make(map[int64]storage.Device),
		pairingCodes:  make(map[int64]storage.PairingCode),
		pairings:      make(map[int64]storage.Pairing),
		messages:      make(map[int64]storage.MessageLogEntry),
		pendingByHost: make(map[int64][]storage.PendingCommand),
		pendingHostOf: make(map[int64]int64),
	}
}

func (s *Store) tx(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f()
}

func (s *Store) newID() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateAccount(_ context.Context, a storage.Account) (out storage.Account, err error) {
	s.tx(func() {
		for _, existing := range s.accounts {
			if strings.EqualFold(existing.Username, a.Username) {
				err = storage.ErrAlreadyExists
				return
			}
			if a.Email != "" && strings.EqualFold(existing.Email, a.Email) {
				err = storage.ErrAlreadyExists
				return
			}
			if a.ExternalSubject != "" && existing.ExternalSubject == a.ExternalSubject {
				err = storage.ErrAlreadyExists
				return
			}
		}
		a.ID = s.newID()
		s.accounts[a.ID] = a
		out = a
	})
	return out, err
}

func (s *Store) GetAccountByID(_ context.Context, id int64) (out storage.Account, err error) {
	s.tx(func() {
		a, ok := s.accounts[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		out = a
	})
	return out, err
}

func (s *Store) GetAccountByUsername(_ context.Context, username string) (out storage.Account, err error) {
	s.tx(func() {
		for _, a := range s.accounts {
			if strings.EqualFold(a.Username, username) {
				out = a
				return
			}
		}
		err = storage.ErrNotFound
	})
	return out, err
}

func (s *Store) GetAccountByExternalSubject(_ context.Context, subject string) (out storage.Account, err error) {
	s.tx(func() {
		for _, a := range s.accounts {
			if a.ExternalSubject == subject {
				out = a
				return
			}
		}
		err = storage.ErrNotFound
	})
	return out, err
}

func (s *Store) GetAccountByEmail(_ context.Context, email string) (out storage.Account, err error) {
	s.tx(func() {
		for _, a := range s.accounts {
			if a.Email != "" && strings.EqualFold(a.Email, email) {
				out = a
				return
			}
		}
		err = storage.ErrNotFound
	})
	return out, err
}

func (s *Store) CreateDevice(_ context.Context, d storage.Device) (out storage.Device, err error) {
	s.tx(func() {
		d.ID = s.newID()
		s.devices[d.ID] = d
		out = d
	})
	return out, err
}

func (s *Store) GetDevice(_ context.Context, id int64) (out storage.Device, err error) {
	s.tx(func() {
		d, ok := s.devices[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		out = d
	})
	return out, err
}

func (s *Store) ListDevicesByAccount(_ context.Context, accountID int64) (out []storage.Device, err error) {
	s.tx(func() {
		for _, d := range s.devices {
			if d.AccountID == accountID {
				out = append(out, d)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	})
	return out, nil
}

func (s *Store) CreatePairingCode(_ context.Context, c storage.PairingCode) (out storage.PairingCode, err error) {
	s.tx(func() {
		c.ID = s.newID()
		s.pairingCodes[c.ID] = c
		out = c
	})
	return out, err
}

func (s *Store) GetPairingCode(_ context.Context, code string) (out storage.PairingCode, err error) {
	s.tx(func() {
		for _, c := range s.pairingCodes {
			if c.Code == code {
				out = c
				return
			}
		}
		err = storage.ErrNotFound
	})
	return out, err
}

func (s *Store) ExpirePendingCodes(_ context.Context, accountID, hostDeviceID int64, now time.Time) error {
	s.tx(func() {
		for id, c := range s.pairingCodes {
			if c.AccountID == accountID && c.HostDeviceID == hostDeviceID && !c.Consumed && c.ExpiresAt.After(now) {
				c.ExpiresAt = now
				s.pairingCodes[id] = c
			}
		}
	})
	return nil
}

func (s *Store) ConsumePairingCode(_ context.Context, id int64) error {
	var err error
	s.tx(func() {
		c, ok := s.pairingCodes[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		c.Consumed = true
		s.pairingCodes[id] = c
	})
	return err
}

func (s *Store) CreatePairing(_ context.Context, p storage.Pairing) (out storage.Pairing, err error) {
	s.tx(func() {
		for _, existing := range s.pairings {
			if existing.HostDeviceID == p.HostDeviceID && existing.ClientDeviceID == p.ClientDeviceID {
				err = storage.ErrAlreadyExists
				out = existing
				return
			}
		}
		p.ID = s.newID()
		s.pairings[p.ID] = p
		out = p
	})
	return out, err
}

func (s *Store) GetPairing(_ context.Context, hostDeviceID, clientDeviceID int64) (out storage.Pairing, err error) {
	s.tx(func() {
		for _, p := range s.pairings {
			if p.HostDeviceID == hostDeviceID && p.ClientDeviceID == clientDeviceID {
				out = p
				return
			}
		}
		err = storage.ErrNotFound
	})
	return out, err
}

func (s *Store) GetPairingForHost(_ context.Context, hostDeviceID int64) (out storage.Pairing, err error) {
	s.tx(func() {
		for _, p := range s.pairings {
			if p.HostDeviceID == hostDeviceID {
				out = p
				return
			}
		}
		err = storage.ErrNotFound
	})
	return out, err
}

func (s *Store) GetPairingForClient(_ context.Context, clientDeviceID int64) (out storage.Pairing, err error) {
	s.tx(func() {
		for _, p := range s.pairings {
			if p.ClientDeviceID == clientDeviceID {
				out = p
				return
			}
		}
		err = storage.ErrNotFound
	})
	return out, err
}

func (s *Store) AppendMessageLog(_ context.Context, e storage.MessageLogEntry) (out storage.MessageLogEntry, err error) {
	s.tx(func() {
		e.ID = s.newID()
		s.messages[e.ID] = e
		out = e
	})
	return out, err
}

func (s *Store) ReadMessageLog(_ context.Context, f storage.HistoryFilter) (storage.Page[storage.MessageLogEntry], error) {
	var matched []storage.MessageLogEntry
	devicesByAccount := make(map[int64]bool)

	s.tx(func() {
		for _, d := range s.devices {
			if d.AccountID == f.AccountID {
				devicesByAccount[d.ID] = true
			}
		}
		for _, e := range s.messages {
			if devicesByAccount[e.FromDeviceID] || devicesByAccount[e.ToDeviceID] {
				matched = append(matched, e)
			}
		}
	})

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	total := len(matched)
	start := f.Offset
	if start > total {
		start = total
	}
	end := start + f.Limit
	if f.Limit <= 0 || end > total {
		end = total
	}

	return storage.Page[storage.MessageLogEntry]{Items: matched[start:end], Total: total}, nil
}

func (s *Store) EnqueuePendingCommand(_ context.Context, c storage.PendingCommand) (out storage.PendingCommand, err error) {
	s.tx(func() {
		c.ID = s.newID()
		s.pendingByHost[c.HostDeviceID] = append(s.pendingByHost[c.HostDeviceID], c)
		s.pendingHostOf[c.ID] = c.HostDeviceID
		out = c
	})
	return out, err
}

func (s *Store) ListUndeliveredCommands(_ context.Context, hostDeviceID int64) (out []storage.PendingCommand, err error) {
	s.tx(func() {
		for _, c := range s.pendingByHost[hostDeviceID] {
			if !c.Delivered {
				out = append(out, c)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].ID < out[j].ID
			}
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		})
	})
	return out, nil
}

func (s *Store) MarkCommandDelivered(_ context.Context, id int64) error {
	var err error
	s.tx(func() {
		hostDeviceID, ok := s.pendingHostOf[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		queue := s.pendingByHost[hostDeviceID]
		for i := range queue {
			if queue[i].ID == id {
				queue[i].Delivered = true
				return
			}
		}
		err = storage.ErrNotFound
	})
	return err
}

func (s *Store) GarbageCollect(_ context.Context, olderThan time.Time, _ int) (storage.GCResult, error) {
	var result storage.GCResult
	s.tx(func() {
		for id, e := range s.messages {
			if e.CreatedAt.Before(olderThan) {
				delete(s.messages, id)
				result.MessageLogEntries++
			}
		}
	})
	return result, nil
}
