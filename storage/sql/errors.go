package sql

import (
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/mobilerelay/relay/storage"
)

// mapUniqueViolation translates each driver's unique-constraint error into
// storage.ErrAlreadyExists so callers never need driver-specific checks.
func mapUniqueViolation(err error) error {
	if err == nil {
		return nil
	}
	switch e := err.(type) {
	case *pq.Error:
		if e.Code.Name() == "unique_violation" {
			return storage.ErrAlreadyExists
		}
	case sqlite3.Error:
		if e.Code == sqlite3.ErrConstraint {
			return storage.ErrAlreadyExists
		}
	case *mysql.MySQLError:
		if e.Number == 1062 {
			return storage.ErrAlreadyExists
		}
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return storage.ErrAlreadyExists
	}
	return err
}
