/*
Package production implements the sequential-operation punch reconciliation engine.

PURPOSE:
  Records incremental production reports ("punches") against the ordered
  operations of a production order. Enforces the flow rule that operation i
  can never process more than operation i-1 has completed, keeps an
  idempotent ledger of completed/rejected quantity per operation, manages
  the work record each operation accumulates, and leaves an audit entry
  for every punch that passed validation.

KEY CONCEPTS IN THIS FILE (types.go):
  - Order:      Production order with an ordered chain of operations
  - Operation:  One step; carries the authoritative ledger totals
  - WorkRecord: Mutable per-operation artifact, immutable once completed
  - Punch:      One incremental report (not persisted directly)
  - AuditEntry: Append-only record of a punch and whether it was folded in

COMPONENTS:
  sequence.go:   Next reportable operation, available input
  validator.go:  Quantity rules against ledger + sequence
  workrecord.go: Work record lifecycle and compensation
  ledger.go:     Exactly-once application of a punch
  projector.go:  Order-level produced quantity
  reporter.go:   The ReportOperation entry point that ties them together
  recovery.go:   Sweeps audit entries whose effect never landed

SEE ALSO:
  - store.go: Persistence interfaces
  - errors.go: Error taxonomy
  - store/memory.go, store/sqlite, store/postgres: Backends
*/
package production

import (
	"strconv"
	"time"

	"github.com/warp/punch-ledger/generic"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OrderID string

// OperationKey addresses one operation of one order.
type OperationKey struct {
	OrderID OrderID
	Index   int
}

func (k OperationKey) String() string {
	return string(k.OrderID) + "/" + strconv.Itoa(k.Index)
}

// =============================================================================
// ORDER
// =============================================================================

type OrderStatus string

const (
	OrderDraft     OrderStatus = "draft"
	OrderActive    OrderStatus = "active"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
)

// Order is a production order. Only ProducedQty and the ledger fields of its
// operations change once it is active.
type Order struct {
	ID                   OrderID
	Item                 string
	RequiredQty          generic.Quantity
	ProducedQty          generic.Quantity
	Status               OrderStatus
	MaterialsTransferred bool
	Workstation          string
	ActivatedAt          time.Time
	CreatedAt            time.Time
	Operations           []Operation
}

// Operation returns the operation at index, or false when out of range.
func (o *Order) Operation(index int) (*Operation, bool) {
	if index < 0 || index >= len(o.Operations) {
		return nil, false
	}
	return &o.Operations[index], true
}

// EffectiveRequired is the operation's required quantity, falling back to the
// order quantity when the operation does not carry one.
func (o *Order) EffectiveRequired(op *Operation) generic.Quantity {
	if op.RequiredQty.IsPositive() {
		return op.RequiredQty
	}
	return o.RequiredQty
}

// WorkstationFor returns the operation's workstation or the order default.
func (o *Order) WorkstationFor(op *Operation) string {
	if op.Workstation != "" {
		return op.Workstation
	}
	return o.Workstation
}

// Terminal returns the last operation, or nil for an order without operations.
func (o *Order) Terminal() *Operation {
	if len(o.Operations) == 0 {
		return nil
	}
	return &o.Operations[len(o.Operations)-1]
}

// =============================================================================
// OPERATION
// =============================================================================

type Operation struct {
	OrderID        OrderID
	Index          int
	Name           string
	Workstation    string
	RequiredQty    generic.Quantity
	CompletedQty   generic.Quantity
	RejectedQty    generic.Quantity
	Reported       bool
	ReportedBy     string
	ReportedByName string
	ReportedAt     time.Time
}

// Done is completed + rejected.
func (op *Operation) Done() generic.Quantity {
	return op.CompletedQty.Add(op.RejectedQty)
}

func (op *Operation) Key() OperationKey {
	return OperationKey{OrderID: op.OrderID, Index: op.Index}
}

// =============================================================================
// WORK RECORD
// =============================================================================

type WorkRecordState string

const (
	RecordDraft      WorkRecordState = "draft"
	RecordInProgress WorkRecordState = "in_progress"
	RecordCompleted  WorkRecordState = "completed"
)

// Terminal reports whether the record can no longer change.
func (s WorkRecordState) Terminal() bool {
	return s == RecordCompleted
}

type WorkRecord struct {
	ID             string
	OrderID        OrderID
	OperationIndex int
	Workstation    string
	State          WorkRecordState
	ForQuantity    generic.Quantity
	Entries        []WorkEntry
	CreatedAt      time.Time
	CompletedAt    time.Time
}

// Totals sums the produced and rejected quantities of all entries.
func (r *WorkRecord) Totals() (produced, rejected generic.Quantity) {
	produced, rejected = generic.ZeroQuantity, generic.ZeroQuantity
	for _, e := range r.Entries {
		produced = produced.Add(e.Produced)
		rejected = rejected.Add(e.Rejected)
	}
	return produced, rejected
}

// LastEntry returns the most recent entry, or nil.
func (r *WorkRecord) LastEntry() *WorkEntry {
	if len(r.Entries) == 0 {
		return nil
	}
	return &r.Entries[len(r.Entries)-1]
}

// EntryFor returns the entry appended for an audit entry, or nil.
func (r *WorkRecord) EntryFor(auditID string) *WorkEntry {
	for i := range r.Entries {
		if r.Entries[i].AuditID == auditID {
			return &r.Entries[i]
		}
	}
	return nil
}

// WorkEntry is immutable once appended. It is only ever removed whole, by
// compensation.
type WorkEntry struct {
	Seq       int
	AuditID   string
	ActorID   string
	ActorName string
	From      time.Time
	To        time.Time
	Minutes   int64
	Produced  generic.Quantity
	Rejected  generic.Quantity
}

// =============================================================================
// PUNCH / ACTOR
// =============================================================================

// Actor is a resolved employee.
type Actor struct {
	ID   string
	Name string
}

// Punch is one incremental production report.
type Punch struct {
	OrderID        OrderID
	OperationIndex int
	Actor          Actor
	Produced       generic.Quantity
	Rejected       generic.Quantity
	PostingTime    time.Time
	Complete       bool
}

// Total is produced + rejected.
func (p Punch) Total() generic.Quantity {
	return p.Produced.Add(p.Rejected)
}

// =============================================================================
// AUDIT ENTRY
// =============================================================================

// AuditEntry is append-only. Processed flips exactly once, inside the ledger
// transaction that applies the punch. Compensated marks an entry whose
// partial effects were rolled back; it will never be processed.
type AuditEntry struct {
	ID             string
	OrderID        OrderID
	OperationIndex int
	OperationName  string
	ActorID        string
	ActorName      string
	Produced       generic.Quantity
	Rejected       generic.Quantity
	Complete       bool
	PostingTime    time.Time
	Processed      bool
	Compensated    bool
	CreatedAt      time.Time
}

// InFlight reports whether the entry's effect is neither applied nor undone.
func (e *AuditEntry) InFlight() bool {
	return !e.Processed && !e.Compensated
}

func (e *AuditEntry) Key() OperationKey {
	return OperationKey{OrderID: e.OrderID, Index: e.OperationIndex}
}
