/*
store.go - Persistence interfaces for the punch engine

PURPOSE:
  Defines the boundary between the engine and its storage. The engine
  never sees SQL; every backend (memory, SQLite, PostgreSQL) implements
  the same interfaces.

KEY INTERFACES:
  OrderStore:      Orders and their operations (master side)
  LedgerStore:     Per-operation lock + transaction for ledger writes
  LedgerTx:        The authoritative read/write view inside that lock
  WorkRecordStore: Work records and their entries
  AuditLog:        Append-only punch audit trail

TRANSACTION BOUNDARY:
  Only the ledger totals, the order produced quantity and the audit
  processed flag are written through LedgerTx. Audit inserts and work
  record writes go through their own stores and survive a rolled back
  ledger transaction. That gap is what compensation and recovery close.

  Callers must call Abort before touching the other stores once a
  LedgerTx has written anything; single-connection backends cannot
  serve both at the same time.

IMPLEMENTATIONS:
  - production/store/memory.go: In-memory for testing
  - store/sqlite: SQLite with an in-process keyed lock
  - store/postgres: PostgreSQL with row locks and lock_timeout

SEE ALSO:
  - reporter.go: The only caller that opens a LedgerTx for punches
  - recovery.go: Opens a LedgerTx to compensate or replay
*/
package production

import (
	"context"
	"time"

	"github.com/warp/punch-ledger/generic"
)

// =============================================================================
// ORDERS
// =============================================================================

type OrderStore interface {
	// CreateOrder persists a new order with its operations.
	CreateOrder(ctx context.Context, order Order) error

	// GetOrder loads an order with operations. ErrOrderNotFound if missing.
	GetOrder(ctx context.Context, id OrderID) (*Order, error)

	ListOrders(ctx context.Context) ([]Order, error)

	// SetOrderStatus moves an order through its lifecycle. Activation stamps
	// activatedAt.
	SetOrderStatus(ctx context.Context, id OrderID, status OrderStatus, at time.Time) error

	SetMaterialsTransferred(ctx context.Context, id OrderID, transferred bool) error
}

// =============================================================================
// LEDGER
// =============================================================================

// LedgerStore runs fn while holding the lock for one operation. The lock
// wait is bounded by timeout; exceeding it returns generic.ErrLockTimeout.
// fn returning an error rolls back every LedgerTx write.
type LedgerStore interface {
	WithOperationLock(ctx context.Context, key OperationKey, timeout time.Duration, fn func(tx LedgerTx) error) error
}

type LedgerTx interface {
	// LoadOrder reads the order and its operations authoritatively.
	LoadOrder(ctx context.Context, id OrderID) (*Order, error)

	// Operation re-reads one operation's ledger fields.
	Operation(ctx context.Context, key OperationKey) (*Operation, error)

	// SaveOperation writes the ledger fields of op (totals, reported flags).
	SaveOperation(ctx context.Context, op Operation) error

	SetProducedQty(ctx context.Context, id OrderID, qty generic.Quantity) error

	// ClaimAudit flips the audit entry to processed. It returns false when the
	// entry was already processed, meaning its effect is already in the ledger.
	ClaimAudit(ctx context.Context, auditID string) (bool, error)

	// Abort rolls back every write made so far. Safe to call more than once.
	Abort() error
}

// =============================================================================
// WORK RECORDS
// =============================================================================

type WorkRecordStore interface {
	// OpenRecord returns the most recent non-completed record, or nil.
	OpenRecord(ctx context.Context, key OperationKey) (*WorkRecord, error)

	// LatestCompleted returns the most recently completed record, or nil.
	LatestCompleted(ctx context.Context, key OperationKey) (*WorkRecord, error)

	ListRecords(ctx context.Context, key OperationKey) ([]WorkRecord, error)

	CreateRecord(ctx context.Context, rec WorkRecord) error

	// AppendEntry fails with ErrWorkRecordImmutable on a completed record.
	AppendEntry(ctx context.Context, recordID string, entry WorkEntry) error

	// RemoveEntry deletes the entry appended for auditID.
	RemoveEntry(ctx context.Context, recordID, auditID string) error

	SetRecordState(ctx context.Context, recordID string, state WorkRecordState, at time.Time) error

	// FindByAudit returns the record holding the entry for auditID, or nil.
	FindByAudit(ctx context.Context, auditID string) (*WorkRecord, error)
}

// =============================================================================
// AUDIT LOG
// =============================================================================

type AuditLog interface {
	// Record appends an entry and returns its id. Never blocks on ledger locks.
	Record(ctx context.Context, entry AuditEntry) (string, error)

	Get(ctx context.Context, id string) (*AuditEntry, error)

	MarkCompensated(ctx context.Context, id string) error

	// UnprocessedSum totals in-flight entries for one operation.
	UnprocessedSum(ctx context.Context, key OperationKey) (produced, rejected generic.Quantity, err error)

	// Unprocessed lists in-flight entries created before the cutoff.
	Unprocessed(ctx context.Context, before time.Time) ([]AuditEntry, error)

	// History lists every entry for an order in posting order.
	History(ctx context.Context, id OrderID) ([]AuditEntry, error)
}

// Backend bundles every store the engine needs.
type Backend interface {
	OrderStore
	LedgerStore
	WorkRecordStore
	AuditLog
}
