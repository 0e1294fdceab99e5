/*
Package postgres opens a PostgreSQL-backed punch store.

PURPOSE:
  Multi-process deployments. Punches from different processes serialize
  on a row lock of the operation, so the in-process mutex alone is not
  relied on.

LOCKING:
  Every ledger transaction begins with

    SET LOCAL lock_timeout = '<n>ms'
    SELECT idx FROM operations WHERE order_id = $1 AND idx = $2 FOR UPDATE

  A lock_not_available error (55P03) becomes *generic.LockTimeoutError,
  which the engine reports as an operation lock timeout.

SEE ALSO:
  - store/sqlstore/store.go: Shared implementation
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/warp/punch-ledger/generic"
	"github.com/warp/punch-ledger/production"
	"github.com/warp/punch-ledger/store/sqlstore"
)

const (
	codeUniqueViolation  = "23505"
	codeLockNotAvailable = "55P03"
)

// Dialect is the PostgreSQL flavour of sqlstore.
var Dialect = sqlstore.Dialect{
	Name:              "postgres",
	Rebind:            sqlstore.Rebind,
	LockOperation:     lockOperation,
	IsUniqueViolation: isUniqueViolation,
}

// New connects to dsn and migrates the schema.
func New(ctx context.Context, dsn string) (*sqlstore.Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	store := Open(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Open wraps an existing handle without migrating.
func Open(db *sql.DB) *sqlstore.Store {
	return sqlstore.New(db, Dialect)
}

func lockOperation(ctx context.Context, tx *sql.Tx, key production.OperationKey, timeout time.Duration) error {
	if timeout > 0 {
		// SET does not take bind parameters.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to set lock timeout: %w", err)
		}
	}
	_, err := tx.ExecContext(ctx,
		`SELECT idx FROM operations WHERE order_id = $1 AND idx = $2 FOR UPDATE`,
		string(key.OrderID), key.Index)
	if err != nil {
		if pqCode(err) == codeLockNotAvailable {
			return &generic.LockTimeoutError{Key: key.String(), Waited: timeout}
		}
		return fmt.Errorf("failed to lock operation %s: %w", key, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return pqCode(err) == codeUniqueViolation
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}
