package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/mobilerelay/relay/storage"
)

func (s *store) CreateAccount(ctx context.Context, a storage.Account) (storage.Account, error) {
	var email, subject interface{}
	if a.Email != "" {
		email = a.Email
	}
	if a.ExternalSubject != "" {
		subject = a.ExternalSubject
	}
	id, err := s.insertReturningID(ctx,
		`INSERT INTO account (username, password_hash, external_subject, email, created_at) VALUES ($1, $2, $3, $4, $5)`,
		a.Username, a.PasswordHash, subject, email, a.CreatedAt)
	if err != nil {
		return storage.Account{}, mapUniqueViolation(err)
	}
	a.ID = id
	return a, nil
}

func scanAccount(row interface{ Scan(...interface{}) error }) (storage.Account, error) {
	var a storage.Account
	var subject, email sql.NullString
	if err := row.Scan(&a.ID, &a.Username, &a.PasswordHash, &subject, &email, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return storage.Account{}, storage.ErrNotFound
		}
		return storage.Account{}, err
	}
	a.ExternalSubject = subject.String
	a.Email = email.String
	return a, nil
}

const selectAccount = `SELECT id, username, password_hash, external_subject, email, created_at FROM account WHERE `

func (s *store) GetAccountByID(ctx context.Context, id int64) (storage.Account, error) {
	return scanAccount(s.queryRow(ctx, selectAccount+`id = $1`, id))
}

func (s *store) GetAccountByUsername(ctx context.Context, username string) (storage.Account, error) {
	return scanAccount(s.queryRow(ctx, selectAccount+`username = $1`, username))
}

func (s *store) GetAccountByExternalSubject(ctx context.Context, subject string) (storage.Account, error) {
	return scanAccount(s.queryRow(ctx, selectAccount+`external_subject = $1`, subject))
}

func (s *store) GetAccountByEmail(ctx context.Context, email string) (storage.Account, error) {
	return scanAccount(s.queryRow(ctx, selectAccount+`email = $1`, email))
}

func (s *store) CreateDevice(ctx context.Context, d storage.Device) (storage.Device, error) {
	id, err := s.insertReturningID(ctx,
		`INSERT INTO device (account_id, name, kind, created_at) VALUES ($1, $2, $3, $4)`,
		d.AccountID, d.Name, string(d.Kind), d.CreatedAt)
	if err != nil {
		return storage.Device{}, err
	}
	d.ID = id
	return d, nil
}

func scanDevice(row interface{ Scan(...interface{}) error }) (storage.Device, error) {
	var d storage.Device
	var kind string
	if err := row.Scan(&d.ID, &d.AccountID, &d.Name, &kind, &d.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return storage.Device{}, storage.ErrNotFound
		}
		return storage.Device{}, err
	}
	d.Kind = storage.DeviceKind(kind)
	return d, nil
}

const selectDevice = `SELECT id, account_id, name, kind, created_at FROM device WHERE `

func (s *store) GetDevice(ctx context.Context, id int64) (storage.Device, error) {
	return scanDevice(s.queryRow(ctx, selectDevice+`id = $1`, id))
}

func (s *store) ListDevicesByAccount(ctx context.Context, accountID int64) ([]storage.Device, error) {
	rows, err := s.query(ctx, selectDevice+`account_id = $1 ORDER BY id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *store) CreatePairingCode(ctx context.Context, c storage.PairingCode) (storage.PairingCode, error) {
	id, err := s.insertReturningID(ctx,
		`INSERT INTO pairing_code (account_id, host_device_id, code, expires_at, consumed, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		c.AccountID, c.HostDeviceID, c.Code, c.ExpiresAt, c.Consumed, c.CreatedAt)
	if err != nil {
		return storage.PairingCode{}, err
	}
	c.ID = id
	return c, nil
}

func scanPairingCode(row interface{ Scan(...interface{}) error }) (storage.PairingCode, error) {
	var c storage.PairingCode
	if err := row.Scan(&c.ID, &c.AccountID, &c.HostDeviceID, &c.Code, &c.ExpiresAt, &c.Consumed, &c.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return storage.PairingCode{}, storage.ErrNotFound
		}
		return storage.PairingCode{}, err
	}
	return c, nil
}

const selectPairingCode = `SELECT id, account_id, host_device_id, code, expires_at, consumed, created_at FROM pairing_code WHERE `

func (s *store) GetPairingCode(ctx context.Context, code string) (storage.PairingCode, error) {
	return scanPairingCode(s.queryRow(ctx, selectPairingCode+`code = $1 ORDER BY id DESC LIMIT 1`, code))
}

func (s *store) ExpirePendingCodes(ctx context.Context, accountID, hostDeviceID int64, now time.Time) error {
	_, err := s.exec(ctx,
		`UPDATE pairing_code SET expires_at = $1 WHERE account_id = $2 AND host_device_id = $3 AND consumed = FALSE AND expires_at > $4`,
		now, accountID, hostDeviceID, now)
	return err
}

func (s *store) ConsumePairingCode(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `UPDATE pairing_code SET consumed = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanPairing(row interface{ Scan(...interface{}) error }) (storage.Pairing, error) {
	var p storage.Pairing
	if err := row.Scan(&p.ID, &p.HostDeviceID, &p.ClientDeviceID, &p.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return storage.Pairing{}, storage.ErrNotFound
		}
		return storage.Pairing{}, err
	}
	return p, nil
}

const selectPairing = `SELECT id, host_device_id, client_device_id, created_at FROM pairing WHERE `

func (s *store) CreatePairing(ctx context.Context, p storage.Pairing) (storage.Pairing, error) {
	if existing, err := s.GetPairing(ctx, p.HostDeviceID, p.ClientDeviceID); err == nil {
		return existing, storage.ErrAlreadyExists
	}
	id, err := s.insertReturningID(ctx,
		`INSERT INTO pairing (host_device_id, client_device_id, created_at) VALUES ($1, $2, $3)`,
		p.HostDeviceID, p.ClientDeviceID, p.CreatedAt)
	if err != nil {
		return storage.Pairing{}, mapUniqueViolation(err)
	}
	p.ID = id
	return p, nil
}

func (s *store) GetPairing(ctx context.Context, hostDeviceID, clientDeviceID int64) (storage.Pairing, error) {
	return scanPairing(s.queryRow(ctx, selectPairing+`host_device_id = $1 AND client_device_id = $2`, hostDeviceID, clientDeviceID))
}

func (s *store) GetPairingForHost(ctx context.Context, hostDeviceID int64) (storage.Pairing, error) {
	return scanPairing(s.queryRow(ctx, selectPairing+`host_device_id = $1 LIMIT 1`, hostDeviceID))
}

func (s *store) GetPairingForClient(ctx context.Context, clientDeviceID int64) (storage.Pairing, error) {
	return scanPairing(s.queryRow(ctx, selectPairing+`client_device_id = $1 LIMIT 1`, clientDeviceID))
}

func (s *store) AppendMessageLog(ctx context.Context, e storage.MessageLogEntry) (storage.MessageLogEntry, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return storage.MessageLogEntry{}, err
	}
	id, err := s.insertReturningID(ctx,
		`INSERT INTO message_log (from_device_id, to_device_id, kind, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
		e.FromDeviceID, e.ToDeviceID, e.Kind, string(payload), e.CreatedAt)
	if err != nil {
		return storage.MessageLogEntry{}, err
	}
	e.ID = id
	return e, nil
}

func (s *store) ReadMessageLog(ctx context.Context, f storage.HistoryFilter) (storage.Page[storage.MessageLogEntry], error) {
	const countQuery = `SELECT COUNT(*) FROM message_log m
		WHERE EXISTS (SELECT 1 FROM device d WHERE d.account_id = $1 AND (d.id = m.from_device_id OR d.id = m.to_device_id))`
	var total int
	if err := s.queryRow(ctx, countQuery, f.AccountID).Scan(&total); err != nil {
		return storage.Page[storage.MessageLogEntry]{}, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = total
	}
	rows, err := s.query(ctx,
		`SELECT m.id, m.from_device_id, m.to_device_id, m.kind, m.payload, m.created_at FROM message_log m
		 WHERE EXISTS (SELECT 1 FROM device d WHERE d.account_id = $1 AND (d.id = m.from_device_id OR d.id = m.to_device_id))
		 ORDER BY m.created_at, m.id
		 LIMIT $2 OFFSET $3`,
		f.AccountID, limit, f.Offset)
	if err != nil {
		return storage.Page[storage.MessageLogEntry]{}, err
	}
	defer rows.Close()

	var items []storage.MessageLogEntry
	for rows.Next() {
		var e storage.MessageLogEntry
		var payload string
		if err := rows.Scan(&e.ID, &e.FromDeviceID, &e.ToDeviceID, &e.Kind, &payload, &e.CreatedAt); err != nil {
			return storage.Page[storage.MessageLogEntry]{}, err
		}
		e.Payload = json.RawMessage(payload)
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return storage.Page[storage.MessageLogEntry]{}, err
	}
	return storage.Page[storage.MessageLogEntry]{Items: items, Total: total}, nil
}

func (s *store) EnqueuePendingCommand(ctx context.Context, c storage.PendingCommand) (storage.PendingCommand, error) {
	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return storage.PendingCommand{}, err
	}
	id, err := s.insertReturningID(ctx,
		`INSERT INTO pending_command (host_device_id, from_device_id, payload, created_at, delivered) VALUES ($1, $2, $3, $4, FALSE)`,
		c.HostDeviceID, c.FromDeviceID, string(payload), c.CreatedAt)
	if err != nil {
		return storage.PendingCommand{}, err
	}
	c.ID = id
	return c, nil
}

func (s *store) ListUndeliveredCommands(ctx context.Context, hostDeviceID int64) ([]storage.PendingCommand, error) {
	rows, err := s.query(ctx,
		`SELECT id, host_device_id, from_device_id, payload, created_at, delivered FROM pending_command
		 WHERE host_device_id = $1 AND delivered = FALSE ORDER BY created_at, id`,
		hostDeviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.PendingCommand
	for rows.Next() {
		var c storage.PendingCommand
		var payload string
		if err := rows.Scan(&c.ID, &c.HostDeviceID, &c.FromDeviceID, &payload, &c.CreatedAt, &c.Delivered); err != nil {
			return nil, err
		}
		c.Payload = json.RawMessage(payload)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *store) MarkCommandDelivered(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `UPDATE pending_command SET delivered = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GarbageCollect deletes message_log rows older than olderThan in chunks of
// chunkSize so a single run never holds one enormous transaction, per the
// spec's retention sweep requirement.
func (s *store) GarbageCollect(ctx context.Context, olderThan time.Time, chunkSize int) (storage.GCResult, error) {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	var result storage.GCResult
	for {
		var n int64
		err := s.execTx(func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, s.flavor.translate(
				`DELETE FROM message_log WHERE id IN (SELECT id FROM message_log WHERE created_at < $1 LIMIT $2)`),
				olderThan, chunkSize)
			if err != nil {
				return err
			}
			n, err = res.RowsAffected()
			return err
		})
		if err != nil {
			return result, err
		}
		result.MessageLogEntries += n
		if n < int64(chunkSize) {
			break
		}
	}
	return result, nil
}
