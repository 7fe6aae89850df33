package sql

// schema is the relational layout matching storage's entities. It carries
// the unique indices required by the spec: (username), (email where
// present), (external_subject where present), (host_device_id,
// client_device_id) for pairings, and a covering index on
// message_log(created_at) for the retention sweep.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS account (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL,
		password_hash BLOB,
		external_subject TEXT,
		email TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS account_username_idx ON account (username)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS account_email_idx ON account (email) WHERE email IS NOT NULL AND email != ''`,
	`CREATE UNIQUE INDEX IF NOT EXISTS account_ext_subject_idx ON account (external_subject) WHERE external_subject IS NOT NULL AND external_subject != ''`,

	`CREATE TABLE IF NOT EXISTS device (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS device_account_idx ON device (account_id)`,

	`CREATE TABLE IF NOT EXISTS pairing_code (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER NOT NULL,
		host_device_id INTEGER NOT NULL,
		code TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		consumed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS pairing_code_code_idx ON pairing_code (code)`,
	`CREATE INDEX IF NOT EXISTS pairing_code_host_idx ON pairing_code (account_id, host_device_id)`,

	`CREATE TABLE IF NOT EXISTS pairing (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		host_device_id INTEGER NOT NULL,
		client_device_id INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS pairing_host_client_idx ON pairing (host_device_id, client_device_id)`,

	`CREATE TABLE IF NOT EXISTS message_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_device_id INTEGER NOT NULL,
		to_device_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS message_log_created_idx ON message_log (created_at)`,
	`CREATE INDEX IF NOT EXISTS message_log_from_idx ON message_log (from_device_id)`,
	`CREATE INDEX IF NOT EXISTS message_log_to_idx ON message_log (to_device_id)`,

	`CREATE TABLE IF NOT EXISTS pending_command (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		host_device_id INTEGER NOT NULL,
		from_device_id INTEGER NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		delivered BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS pending_command_host_idx ON pending_command (host_device_id, delivered, created_at)`,
}

func runMigrations(c *conn) error {
	for _, stmt := range schema {
		if _, err := c.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
