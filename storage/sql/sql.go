// Package sql provides a database/sql implementation of storage.Storage,
// supporting SQLite, PostgreSQL, and MySQL behind one query set written in
// Postgres placeholder syntax and translated per flavor, following the
// teacher's storage/sql flavor-translation approach.
package sql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/mobilerelay/relay/storage"
)

// flavor adapts the shared query set to a specific driver's placeholder
// syntax and transaction semantics.
type flavor struct {
	name              string
	translatePlaceholders bool
	// supportsReturningID is true for flavors whose driver doesn't
	// implement sql.Result.LastInsertId (lib/pq returns
	// "LastInsertId is not supported by this driver"), so inserts must use
	// "INSERT ... RETURNING id" and Scan the id back instead.
	supportsReturningID bool
	executeTx         func(db *sql.DB, fn func(*sql.Tx) error) error
}

var bindRegexp = regexp.MustCompile(`\$(\d+)`)

// translate rewrites "$1"-style Postgres binds into the flavor's native
// placeholder syntax.
func (f flavor) translate(query string) string {
	if !f.translatePlaceholders {
		return query
	}
	return bindRegexp.ReplaceAllString(query, "?")
}

var flavorPostgres = flavor{
	name:                  "postgres",
	translatePlaceholders: false,
	supportsReturningID:   true,
	executeTx: func(db *sql.DB, fn func(*sql.Tx) error) error {
		return defaultExecuteTx(db, fn, func(err error) bool {
			pqErr, ok := errors.Cause(err).(*pq.Error)
			return ok && pqErr.Code.Name() == "serialization_failure"
		})
	},
}

var flavorSQLite3 = flavor{
	name:                  "sqlite3",
	translatePlaceholders: true,
	executeTx: func(db *sql.DB, fn func(*sql.Tx) error) error {
		return defaultExecuteTx(db, fn, func(error) bool { return false })
	},
}

var flavorMySQL = flavor{
	name:                  "mysql",
	translatePlaceholders: true,
	executeTx: func(db *sql.DB, fn func(*sql.Tx) error) error {
		return defaultExecuteTx(db, fn, func(error) bool { return false })
	},
}

func defaultExecuteTx(db *sql.DB, fn func(*sql.Tx) error, retryable func(error) bool) error {
	ctx := context.Background()
	for {
		tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if retryable(err) {
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if retryable(err) {
				continue
			}
			return err
		}
		return nil
	}
}

// conn is the shared handle used by every query method in crud.go.
type conn struct {
	db     *sql.DB
	flavor flavor
	logger *slog.Logger
}

func (c *conn) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return c.db.ExecContext(ctx, c.flavor.translate(query), args...)
}

// insertReturningID runs an INSERT and reports the row's generated id,
// using "RETURNING id" for flavors that need it (postgres) and
// sql.Result.LastInsertId for the rest.
func (c *conn) insertReturningID(ctx context.Context, query string, args ...interface{}) (int64, error) {
	if c.flavor.supportsReturningID {
		var id int64
		err := c.db.QueryRowContext(ctx, c.flavor.translate(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := c.db.ExecContext(ctx, c.flavor.translate(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (c *conn) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return c.db.QueryRowContext(ctx, c.flavor.translate(query), args...)
}

func (c *conn) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, c.flavor.translate(query), args...)
}

func (c *conn) execTx(fn func(*sql.Tx) error) error {
	return c.flavor.executeTx(c.db, fn)
}

type store struct {
	*conn
	now func() time.Time

	gcCancel context.CancelFunc
}

func (s *store) Close() error {
	if s.gcCancel != nil {
		s.gcCancel()
	}
	return s.db.Close()
}

func open(driverName, dsn string, f flavor, logger *slog.Logger) (storage.Storage, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", driverName)
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrapf(err, "ping %s", driverName)
	}
	c := &conn{db: db, flavor: f, logger: logger}
	if err := runMigrations(c); err != nil {
		return nil, errors.Wrap(err, "run migrations")
	}
	s := &store{conn: c, now: func() time.Time { return time.Now().UTC() }}
	s.startGC()
	return s, nil
}

func (s *store) startGC() {
	ctx, cancel := context.WithCancel(context.Background())
	s.gcCancel = cancel
	go func() {
		// Startup sweep, then once every 24h, per spec.
		s.runGCOnce(ctx)
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runGCOnce(ctx)
			}
		}
	}()
}

func (s *store) runGCOnce(ctx context.Context) {
	const defaultRetention = 90 * 24 * time.Hour
	res, err := s.GarbageCollect(ctx, s.now().Add(-defaultRetention), 500)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	if res.MessageLogEntries > 0 {
		s.logger.Info("retention sweep removed message log entries", "count", res.MessageLogEntries)
	}
}

// SQLite3 is the config-file representation of the SQLite storage backend.
type SQLite3 struct {
	File string `json:"file"`
}

func (s *SQLite3) Open(logger *slog.Logger) (storage.Storage, error) {
	if s.File == "" {
		return nil, fmt.Errorf("sqlite3: no file specified")
	}
	return open("sqlite3", s.File, flavorSQLite3, logger)
}

// Postgres is the config-file representation of the PostgreSQL storage
// backend.
type Postgres struct {
	DataSourceName string `json:"dsn"`
}

func (p *Postgres) Open(logger *slog.Logger) (storage.Storage, error) {
	if p.DataSourceName == "" {
		return nil, fmt.Errorf("postgres: no dsn specified")
	}
	return open("postgres", p.DataSourceName, flavorPostgres, logger)
}

// MySQL is the config-file representation of the MySQL storage backend.
type MySQL struct {
	DataSourceName string `json:"dsn"`
}

func (m *MySQL) Open(logger *slog.Logger) (storage.Storage, error) {
	if m.DataSourceName == "" {
		return nil, fmt.Errorf("mysql: no dsn specified")
	}
	return open("mysql", m.DataSourceName, flavorMySQL, logger)
}
