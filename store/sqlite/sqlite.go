/*
Package sqlite opens a SQLite-backed punch store.

PURPOSE:
  Single node deployments and tests. The queries live in sqlstore; this
  package owns the driver, connection settings and error mapping.

CONCURRENCY:
  The pool is limited to one connection. That keeps ":memory:" databases
  shared across calls and serializes writers, so the ledger transaction
  runs lazily (see sqlstore).

WAL MODE:
  File databases are opened with WAL and foreign keys on.

USAGE:
  store, err := sqlite.New("./data/punch.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - store/sqlstore/store.go: Shared implementation
  - store/postgres/postgres.go: Multi-node deployments
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/punch-ledger/store/sqlstore"
)

// Dialect is the SQLite flavour of sqlstore.
var Dialect = sqlstore.Dialect{
	Name:              "sqlite",
	IsUniqueViolation: isUniqueConstraintError,
}

// New opens the database at dbPath and migrates it.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*sqlstore.Store, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := sqlstore.New(db, Dialect)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
