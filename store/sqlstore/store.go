/*
Package sqlstore implements production.Backend and identity.Registry on
database/sql. The sqlite and postgres packages supply the driver, schema
bootstrap and a Dialect; everything else is shared.

PURPOSE:
  One set of queries for both engines. Queries are written with ? and
  rebound per dialect.

KEY TABLES:
  orders, operations:  Order header and per-operation ledger totals
  work_records:        One row per record, state machine in `state`
  work_entries:        Time log rows, keyed by (record_id, audit_id)
  audit_entries:       Append-only punch log, processed/compensated flags
  employees,
  workstations:        Master data for actor resolution and authorization

LEDGER TRANSACTION:
  WithOperationLock always takes the in-process KeyedMutex. The SQL
  transaction then starts in one of two ways:

  Lazy (SQLite): begun at the first ledger write. Reads before that go
  to the pool, reads after go to the transaction. With a single pooled
  connection every store call outside the transaction must happen before
  the first ledger write or after Abort, which is the order the engine
  uses.

  Eager (PostgreSQL): begun immediately and the operation row locked
  with the dialect's LockOperation, so punches from other processes
  queue on the database.

QUANTITIES AND TIMES:
  Quantities are stored as decimal TEXT. Times are stored as fixed width
  UTC TEXT so string comparison orders them; the zero time is ''.

SEE ALSO:
  - production/store.go: Interface definitions
  - production/store/memory.go: In-memory implementation for tests
*/
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/punch-ledger/generic"
	"github.com/warp/punch-ledger/identity"
	"github.com/warp/punch-ledger/production"
)

var errTxAborted = errors.New("ledger transaction aborted")

// timeLayout sorts lexically in UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Schema is valid for both SQLite and PostgreSQL.
const Schema = `
CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	item TEXT NOT NULL DEFAULT '',
	required_qty TEXT NOT NULL,
	produced_qty TEXT NOT NULL DEFAULT '0',
	status TEXT NOT NULL,
	materials_transferred BOOLEAN NOT NULL DEFAULT FALSE,
	workstation TEXT NOT NULL DEFAULT '',
	activated_at TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS operations (
	order_id TEXT NOT NULL REFERENCES orders(id),
	idx INTEGER NOT NULL,
	name TEXT NOT NULL,
	workstation TEXT NOT NULL DEFAULT '',
	required_qty TEXT NOT NULL,
	completed_qty TEXT NOT NULL DEFAULT '0',
	rejected_qty TEXT NOT NULL DEFAULT '0',
	reported BOOLEAN NOT NULL DEFAULT FALSE,
	reported_by TEXT NOT NULL DEFAULT '',
	reported_by_name TEXT NOT NULL DEFAULT '',
	reported_at TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (order_id, idx)
);

CREATE TABLE IF NOT EXISTS work_records (
	id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL REFERENCES orders(id),
	op_idx INTEGER NOT NULL,
	workstation TEXT NOT NULL,
	state TEXT NOT NULL,
	for_qty TEXT NOT NULL,
	created_at TEXT NOT NULL,
	completed_at TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_work_records_operation
	ON work_records(order_id, op_idx, state);

CREATE TABLE IF NOT EXISTS work_entries (
	record_id TEXT NOT NULL REFERENCES work_records(id),
	seq INTEGER NOT NULL,
	audit_id TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	actor_name TEXT NOT NULL DEFAULT '',
	from_at TEXT NOT NULL,
	to_at TEXT NOT NULL,
	minutes INTEGER NOT NULL,
	produced TEXT NOT NULL,
	rejected TEXT NOT NULL,
	PRIMARY KEY (record_id, audit_id)
);

CREATE INDEX IF NOT EXISTS idx_work_entries_audit ON work_entries(audit_id);

CREATE TABLE IF NOT EXISTS audit_entries (
	id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL,
	op_idx INTEGER NOT NULL,
	op_name TEXT NOT NULL DEFAULT '',
	actor_id TEXT NOT NULL,
	actor_name TEXT NOT NULL DEFAULT '',
	produced TEXT NOT NULL,
	rejected TEXT NOT NULL,
	complete BOOLEAN NOT NULL DEFAULT FALSE,
	posting_time TEXT NOT NULL,
	processed BOOLEAN NOT NULL DEFAULT FALSE,
	compensated BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TEXT NOT NULL
);

-- Hot path for conservative pending and the recovery sweep
CREATE INDEX IF NOT EXISTS idx_audit_in_flight
	ON audit_entries(order_id, op_idx) WHERE processed = FALSE AND compensated = FALSE;
CREATE INDEX IF NOT EXISTS idx_audit_order ON audit_entries(order_id, op_idx, posting_time);

CREATE TABLE IF NOT EXISTS employees (
	number TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS workstations (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	authorized_json TEXT NOT NULL DEFAULT '[]'
);
`

// =============================================================================
// DIALECT
// =============================================================================

// Dialect carries what differs between engines.
type Dialect struct {
	Name string

	// Rebind rewrites ? placeholders. Nil keeps them.
	Rebind func(query string) string

	// LockOperation, when set, makes the ledger transaction eager: it runs
	// right after BEGIN and must block until the operation row is locked
	// or timeout passes.
	LockOperation func(ctx context.Context, tx *sql.Tx, key production.OperationKey, timeout time.Duration) error

	// IsUniqueViolation reports duplicate key errors.
	IsUniqueViolation func(err error) bool
}

// Rebind rewrites ? into $1, $2, ... for PostgreSQL-style drivers.
func Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// STORE
// =============================================================================

// Store implements production.Backend and identity.Registry.
type Store struct {
	db      *sql.DB
	dialect Dialect
	locks   *generic.KeyedMutex
}

// New wraps an open database. It does not run migrations.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, locks: generic.NewKeyedMutex()}
}

// Migrate creates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate %s schema: %w", s.dialect.Name, err)
	}
	return nil
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) q(query string) string {
	if s.dialect.Rebind == nil {
		return query
	}
	return s.dialect.Rebind(query)
}

func (s *Store) translate(err error, what string) error {
	if err == nil {
		return nil
	}
	if s.dialect.IsUniqueViolation != nil && s.dialect.IsUniqueViolation(err) {
		return fmt.Errorf("%s: %w", what, generic.ErrDuplicateKey)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// =============================================================================
// ORDERS (production.OrderStore)
// =============================================================================

func (s *Store) CreateOrder(ctx context.Context, order production.Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO orders (id, item, required_qty, produced_qty, status, materials_transferred,
		                    workstation, activated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		string(order.ID), order.Item, order.RequiredQty.String(), order.ProducedQty.String(),
		string(order.Status), order.MaterialsTransferred, order.Workstation,
		formatTime(order.ActivatedAt), formatTime(order.CreatedAt),
	)
	if err != nil {
		return s.translate(err, "order "+string(order.ID))
	}

	for i, op := range order.Operations {
		op.OrderID = order.ID
		op.Index = i
		if err := s.insertOperation(ctx, tx, op); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) insertOperation(ctx context.Context, q queryer, op production.Operation) error {
	_, err := q.ExecContext(ctx, s.q(`
		INSERT INTO operations (order_id, idx, name, workstation, required_qty, completed_qty,
		                        rejected_qty, reported, reported_by, reported_by_name, reported_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		string(op.OrderID), op.Index, op.Name, op.Workstation, op.RequiredQty.String(),
		op.CompletedQty.String(), op.RejectedQty.String(), op.Reported,
		op.ReportedBy, op.ReportedByName, formatTime(op.ReportedAt),
	)
	return s.translate(err, "operation "+op.Key().String())
}

func (s *Store) GetOrder(ctx context.Context, id production.OrderID) (*production.Order, error) {
	return s.loadOrder(ctx, s.db, id)
}

func (s *Store) loadOrder(ctx context.Context, q queryer, id production.OrderID) (*production.Order, error) {
	row := q.QueryRowContext(ctx, s.q(`
		SELECT id, item, required_qty, produced_qty, status, materials_transferred,
		       workstation, activated_at, created_at
		FROM orders WHERE id = ?`), string(id))
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", production.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	ops, err := s.loadOperations(ctx, q, id)
	if err != nil {
		return nil, err
	}
	order.Operations = ops
	return order, nil
}

func (s *Store) loadOperations(ctx context.Context, q queryer, id production.OrderID) ([]production.Operation, error) {
	rows, err := q.QueryContext(ctx, s.q(`
		SELECT order_id, idx, name, workstation, required_qty, completed_qty, rejected_qty,
		       reported, reported_by, reported_by_name, reported_at
		FROM operations WHERE order_id = ? ORDER BY idx`), string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var ops []production.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

func (s *Store) ListOrders(ctx context.Context) ([]production.Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM orders ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	var ids []production.OrderID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, production.OrderID(id))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]production.Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.loadOrder(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, nil
}

func (s *Store) SetOrderStatus(ctx context.Context, id production.OrderID, status production.OrderStatus, at time.Time) error {
	query := `UPDATE orders SET status = ? WHERE id = ?`
	args := []any{string(status), string(id)}
	if status == production.OrderActive {
		query = `UPDATE orders SET status = ?,
			activated_at = CASE WHEN activated_at = '' THEN ? ELSE activated_at END
			WHERE id = ?`
		args = []any{string(status), formatTime(at), string(id)}
	}
	return s.updateOrder(ctx, id, query, args...)
}

func (s *Store) SetMaterialsTransferred(ctx context.Context, id production.OrderID, transferred bool) error {
	return s.updateOrder(ctx, id, `UPDATE orders SET materials_transferred = ? WHERE id = ?`, transferred, string(id))
}

func (s *Store) updateOrder(ctx context.Context, id production.OrderID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", production.ErrOrderNotFound, id)
	}
	return nil
}

// =============================================================================
// LEDGER (production.LedgerStore)
// =============================================================================

func (s *Store) WithOperationLock(ctx context.Context, key production.OperationKey, timeout time.Duration, fn func(production.LedgerTx) error) error {
	release, err := s.locks.Lock(ctx, key.String(), timeout)
	if err != nil {
		return err
	}
	defer release()

	lt := &ledgerTx{s: s}
	if s.dialect.LockOperation != nil {
		tx, err := lt.begin(ctx)
		if err != nil {
			return err
		}
		if err := s.dialect.LockOperation(ctx, tx, key, timeout); err != nil {
			lt.rollback()
			return err
		}
	}

	if err := fn(lt); err != nil {
		lt.rollback()
		return err
	}
	if lt.tx == nil {
		return nil
	}
	if err := lt.tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", generic.ErrTransactionFailed, err)
	}
	return nil
}

type ledgerTx struct {
	s       *Store
	tx      *sql.Tx
	aborted bool
}

func (t *ledgerTx) begin(ctx context.Context) (*sql.Tx, error) {
	if t.aborted {
		return nil, errTxAborted
	}
	if t.tx == nil {
		tx, err := t.s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to begin transaction: %w", err)
		}
		t.tx = tx
	}
	return t.tx, nil
}

func (t *ledgerTx) reader() queryer {
	if t.tx != nil {
		return t.tx
	}
	return t.s.db
}

func (t *ledgerTx) rollback() {
	if t.tx != nil {
		_ = t.tx.Rollback()
		t.tx = nil
	}
}

func (t *ledgerTx) LoadOrder(ctx context.Context, id production.OrderID) (*production.Order, error) {
	return t.s.loadOrder(ctx, t.reader(), id)
}

func (t *ledgerTx) Operation(ctx context.Context, key production.OperationKey) (*production.Operation, error) {
	row := t.reader().QueryRowContext(ctx, t.s.q(`
		SELECT order_id, idx, name, workstation, required_qty, completed_qty, rejected_qty,
		       reported, reported_by, reported_by_name, reported_at
		FROM operations WHERE order_id = ? AND idx = ?`), string(key.OrderID), key.Index)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", production.ErrInvalidOperationIndex, key)
	}
	return op, err
}

func (t *ledgerTx) SaveOperation(ctx context.Context, op production.Operation) error {
	tx, err := t.begin(ctx)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, t.s.q(`
		UPDATE operations
		SET completed_qty = ?, rejected_qty = ?, reported = ?,
		    reported_by = ?, reported_by_name = ?, reported_at = ?
		WHERE order_id = ? AND idx = ?`),
		op.CompletedQty.String(), op.RejectedQty.String(), op.Reported,
		op.ReportedBy, op.ReportedByName, formatTime(op.ReportedAt),
		string(op.OrderID), op.Index,
	)
	if err != nil {
		return fmt.Errorf("failed to save operation %s: %w", op.Key(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: operation %s", generic.ErrTransactionFailed, op.Key())
	}
	return nil
}

func (t *ledgerTx) SetProducedQty(ctx context.Context, id production.OrderID, qty generic.Quantity) error {
	tx, err := t.begin(ctx)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, t.s.q(`UPDATE orders SET produced_qty = ? WHERE id = ?`), qty.String(), string(id))
	if err != nil {
		return fmt.Errorf("failed to set produced quantity of %s: %w", id, err)
	}
	return nil
}

// ClaimAudit flips processed inside the ledger transaction. Zero rows
// affected means another commit got there first.
func (t *ledgerTx) ClaimAudit(ctx context.Context, auditID string) (bool, error) {
	tx, err := t.begin(ctx)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, t.s.q(`
		UPDATE audit_entries SET processed = TRUE WHERE id = ? AND processed = FALSE`), auditID)
	if err != nil {
		return false, fmt.Errorf("failed to claim audit entry %s: %w", auditID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var exists int
	err = tx.QueryRowContext(ctx, t.s.q(`SELECT COUNT(*) FROM audit_entries WHERE id = ?`), auditID).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, fmt.Errorf("%w: %s", production.ErrAuditEntryNotFound, auditID)
	}
	return false, nil
}

func (t *ledgerTx) Abort() error {
	var err error
	if t.tx != nil {
		err = t.tx.Rollback()
		t.tx = nil
	}
	t.aborted = true
	return err
}

// =============================================================================
// WORK RECORDS (production.WorkRecordStore)
// =============================================================================

const recordColumns = `id, order_id, op_idx, workstation, state, for_qty, created_at, completed_at`

func (s *Store) OpenRecord(ctx context.Context, key production.OperationKey) (*production.WorkRecord, error) {
	return s.oneRecord(ctx, `
		SELECT `+recordColumns+` FROM work_records
		WHERE order_id = ? AND op_idx = ? AND state <> ?
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		string(key.OrderID), key.Index, string(production.RecordCompleted))
}

func (s *Store) LatestCompleted(ctx context.Context, key production.OperationKey) (*production.WorkRecord, error) {
	return s.oneRecord(ctx, `
		SELECT `+recordColumns+` FROM work_records
		WHERE order_id = ? AND op_idx = ? AND state = ?
		ORDER BY completed_at DESC, id DESC LIMIT 1`,
		string(key.OrderID), key.Index, string(production.RecordCompleted))
}

func (s *Store) FindByAudit(ctx context.Context, auditID string) (*production.WorkRecord, error) {
	return s.oneRecord(ctx, `
		SELECT `+recordColumns+` FROM work_records
		WHERE id = (SELECT record_id FROM work_entries WHERE audit_id = ? LIMIT 1)`, auditID)
}

// oneRecord returns nil, nil when nothing matches.
func (s *Store) oneRecord(ctx context.Context, query string, args ...any) (*production.WorkRecord, error) {
	recs, err := s.queryRecords(ctx, query, args...)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func (s *Store) ListRecords(ctx context.Context, key production.OperationKey) ([]production.WorkRecord, error) {
	return s.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM work_records
		WHERE order_id = ? AND op_idx = ?
		ORDER BY created_at, id`, string(key.OrderID), key.Index)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]production.WorkRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query work records: %w", err)
	}
	var recs []production.WorkRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		recs = append(recs, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range recs {
		entries, err := s.loadEntries(ctx, recs[i].ID)
		if err != nil {
			return nil, err
		}
		recs[i].Entries = entries
	}
	return recs, nil
}

func (s *Store) loadEntries(ctx context.Context, recordID string) ([]production.WorkEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT seq, audit_id, actor_id, actor_name, from_at, to_at, minutes, produced, rejected
		FROM work_entries WHERE record_id = ? ORDER BY seq`), recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query work entries: %w", err)
	}
	defer rows.Close()

	var entries []production.WorkEntry
	for rows.Next() {
		var (
			e                  production.WorkEntry
			from, to           string
			produced, rejected string
		)
		if err := rows.Scan(&e.Seq, &e.AuditID, &e.ActorID, &e.ActorName, &from, &to,
			&e.Minutes, &produced, &rejected); err != nil {
			return nil, fmt.Errorf("failed to scan work entry: %w", err)
		}
		e.From, e.To = parseTime(from), parseTime(to)
		e.Produced, e.Rejected = parseQty(produced), parseQty(rejected)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) CreateRecord(ctx context.Context, rec production.WorkRecord) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO work_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, string(rec.OrderID), rec.OperationIndex, rec.Workstation, string(rec.State),
		rec.ForQuantity.String(), formatTime(rec.CreatedAt), formatTime(rec.CompletedAt),
	)
	return s.translate(err, "work record "+rec.ID)
}

func (s *Store) AppendEntry(ctx context.Context, recordID string, entry production.WorkEntry) error {
	if err := s.requireMutable(ctx, recordID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO work_entries (record_id, seq, audit_id, actor_id, actor_name, from_at, to_at,
		                          minutes, produced, rejected)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		recordID, entry.Seq, entry.AuditID, entry.ActorID, entry.ActorName,
		formatTime(entry.From), formatTime(entry.To), entry.Minutes,
		entry.Produced.String(), entry.Rejected.String(),
	)
	return s.translate(err, "work entry "+entry.AuditID)
}

func (s *Store) RemoveEntry(ctx context.Context, recordID, auditID string) error {
	if err := s.requireMutable(ctx, recordID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM work_entries WHERE record_id = ? AND audit_id = ?`),
		recordID, auditID)
	if err != nil {
		return fmt.Errorf("failed to remove work entry %s: %w", auditID, err)
	}
	return nil
}

func (s *Store) requireMutable(ctx context.Context, recordID string) error {
	var state string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT state FROM work_records WHERE id = ?`), recordID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("work record %s: %w", recordID, generic.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if production.WorkRecordState(state).Terminal() {
		return fmt.Errorf("%w: %s", production.ErrWorkRecordImmutable, recordID)
	}
	return nil
}

func (s *Store) SetRecordState(ctx context.Context, recordID string, state production.WorkRecordState, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE work_records SET state = ?, completed_at = ? WHERE id = ?`),
		string(state), formatTime(at), recordID)
	if err != nil {
		return fmt.Errorf("failed to set work record %s to %s: %w", recordID, state, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("work record %s: %w", recordID, generic.ErrNotFound)
	}
	return nil
}

// =============================================================================
// AUDIT LOG (production.AuditLog)
// =============================================================================

const auditColumns = `id, order_id, op_idx, op_name, actor_id, actor_name, produced, rejected,
	complete, posting_time, processed, compensated, created_at`

func (s *Store) Record(ctx context.Context, e production.AuditEntry) (string, error) {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO audit_entries (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE, FALSE, ?)`),
		e.ID, string(e.OrderID), e.OperationIndex, e.OperationName, e.ActorID, e.ActorName,
		e.Produced.String(), e.Rejected.String(), e.Complete,
		formatTime(e.PostingTime), formatTime(e.CreatedAt),
	)
	if err != nil {
		return "", s.translate(err, "audit entry "+e.ID)
	}
	return e.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (*production.AuditEntry, error) {
	entries, err := s.queryAudit(ctx, `SELECT `+auditColumns+` FROM audit_entries WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", production.ErrAuditEntryNotFound, id)
	}
	return &entries[0], nil
}

func (s *Store) MarkCompensated(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE audit_entries SET compensated = TRUE WHERE id = ? AND processed = FALSE`), id)
	if err != nil {
		return fmt.Errorf("failed to compensate audit entry %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("audit entry %s already processed: %w", id, generic.ErrConcurrentModification)
}

func (s *Store) UnprocessedSum(ctx context.Context, key production.OperationKey) (generic.Quantity, generic.Quantity, error) {
	entries, err := s.queryAudit(ctx, `
		SELECT `+auditColumns+` FROM audit_entries
		WHERE order_id = ? AND op_idx = ? AND processed = FALSE AND compensated = FALSE`,
		string(key.OrderID), key.Index)
	if err != nil {
		return generic.ZeroQuantity, generic.ZeroQuantity, err
	}
	produced, rejected := generic.ZeroQuantity, generic.ZeroQuantity
	for _, e := range entries {
		produced = produced.Add(e.Produced)
		rejected = rejected.Add(e.Rejected)
	}
	return produced, rejected, nil
}

func (s *Store) Unprocessed(ctx context.Context, before time.Time) ([]production.AuditEntry, error) {
	return s.queryAudit(ctx, `
		SELECT `+auditColumns+` FROM audit_entries
		WHERE processed = FALSE AND compensated = FALSE AND created_at < ?
		ORDER BY created_at, id`, formatTime(before))
}

func (s *Store) History(ctx context.Context, id production.OrderID) ([]production.AuditEntry, error) {
	return s.queryAudit(ctx, `
		SELECT `+auditColumns+` FROM audit_entries
		WHERE order_id = ?
		ORDER BY op_idx, posting_time, created_at`, string(id))
}

func (s *Store) queryAudit(ctx context.Context, query string, args ...any) ([]production.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var out []production.AuditEntry
	for rows.Next() {
		var (
			e                  production.AuditEntry
			orderID            string
			produced, rejected string
			posting, created   string
		)
		if err := rows.Scan(&e.ID, &orderID, &e.OperationIndex, &e.OperationName, &e.ActorID, &e.ActorName,
			&produced, &rejected, &e.Complete, &posting, &e.Processed, &e.Compensated, &created); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.OrderID = production.OrderID(orderID)
		e.Produced, e.Rejected = parseQty(produced), parseQty(rejected)
		e.PostingTime, e.CreatedAt = parseTime(posting), parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// MASTER DATA (identity.Registry)
// =============================================================================

func (s *Store) EmployeeByNumber(ctx context.Context, number string) (*identity.Employee, error) {
	var e identity.Employee
	err := s.db.QueryRowContext(ctx, s.q(`SELECT number, name, active FROM employees WHERE number = ?`), number).
		Scan(&e.Number, &e.Name, &e.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("employee %s: %w", number, generic.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) Workstation(ctx context.Context, id string) (*identity.Workstation, error) {
	var (
		w          identity.Workstation
		authorized string
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, name, authorized_json FROM workstations WHERE id = ?`), id).
		Scan(&w.ID, &w.Name, &authorized)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workstation %s: %w", id, generic.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(authorized), &w.AuthorizedActors); err != nil {
		return nil, fmt.Errorf("workstation %s: decode authorized actors: %w", id, err)
	}
	return &w, nil
}

func (s *Store) SaveEmployee(ctx context.Context, e identity.Employee) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO employees (number, name, active) VALUES (?, ?, ?)
		ON CONFLICT (number) DO UPDATE SET name = excluded.name, active = excluded.active`),
		e.Number, e.Name, e.Active)
	if err != nil {
		return fmt.Errorf("failed to save employee %s: %w", e.Number, err)
	}
	return nil
}

func (s *Store) SaveWorkstation(ctx context.Context, w identity.Workstation) error {
	actors := w.AuthorizedActors
	if actors == nil {
		actors = []string{}
	}
	authorized, err := json.Marshal(actors)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO workstations (id, name, authorized_json) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, authorized_json = excluded.authorized_json`),
		w.ID, w.Name, string(authorized))
	if err != nil {
		return fmt.Errorf("failed to save workstation %s: %w", w.ID, err)
	}
	return nil
}

func (s *Store) ListEmployees(ctx context.Context) ([]identity.Employee, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT number, name, active FROM employees ORDER BY number`)
	if err != nil {
		return nil, fmt.Errorf("failed to query employees: %w", err)
	}
	defer rows.Close()

	var out []identity.Employee
	for rows.Next() {
		var e identity.Employee
		if err := rows.Scan(&e.Number, &e.Name, &e.Active); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*production.Order, error) {
	var (
		o                      production.Order
		id, status             string
		required, produced     string
		activatedAt, createdAt string
	)
	if err := row.Scan(&id, &o.Item, &required, &produced, &status, &o.MaterialsTransferred,
		&o.Workstation, &activatedAt, &createdAt); err != nil {
		return nil, err
	}
	o.ID = production.OrderID(id)
	o.Status = production.OrderStatus(status)
	o.RequiredQty, o.ProducedQty = parseQty(required), parseQty(produced)
	o.ActivatedAt, o.CreatedAt = parseTime(activatedAt), parseTime(createdAt)
	return &o, nil
}

func scanOperation(row scanner) (*production.Operation, error) {
	var (
		op                            production.Operation
		orderID                       string
		required, completed, rejected string
		reportedAt                    string
	)
	if err := row.Scan(&orderID, &op.Index, &op.Name, &op.Workstation, &required, &completed, &rejected,
		&op.Reported, &op.ReportedBy, &op.ReportedByName, &reportedAt); err != nil {
		return nil, err
	}
	op.OrderID = production.OrderID(orderID)
	op.RequiredQty = parseQty(required)
	op.CompletedQty, op.RejectedQty = parseQty(completed), parseQty(rejected)
	op.ReportedAt = parseTime(reportedAt)
	return &op, nil
}

func scanRecord(row scanner) (production.WorkRecord, error) {
	var (
		r                      production.WorkRecord
		orderID, state, forQty string
		createdAt, completedAt string
	)
	if err := row.Scan(&r.ID, &orderID, &r.OperationIndex, &r.Workstation, &state, &forQty,
		&createdAt, &completedAt); err != nil {
		return r, fmt.Errorf("failed to scan work record: %w", err)
	}
	r.OrderID = production.OrderID(orderID)
	r.State = production.WorkRecordState(state)
	r.ForQuantity = parseQty(forQty)
	r.CreatedAt, r.CompletedAt = parseTime(createdAt), parseTime(completedAt)
	return r, nil
}

// Helper functions

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t = generic.ParseTimestamp(s)
	}
	return t
}

func parseQty(s string) generic.Quantity {
	q, err := generic.ParseQuantity(s)
	if err != nil {
		return generic.ZeroQuantity
	}
	return q
}
