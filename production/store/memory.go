// Package store provides an in-memory production.Backend.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/punch-ledger/generic"
	"github.com/warp/punch-ledger/identity"
	"github.com/warp/punch-ledger/production"
)

var errTxAborted = errors.New("ledger transaction aborted")

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	orders       map[production.OrderID]*production.Order
	orderIDs     []production.OrderID
	records      map[string]*production.WorkRecord
	recordIDs    []string
	audit        map[string]*production.AuditEntry
	auditIDs     []string
	employees    map[string]identity.Employee
	workstations map[string]identity.Workstation
	faults       Faults

	locks *generic.KeyedMutex
}

// Faults makes the next matching write fail with the given error. Each fault
// fires once. Tests use it to drive partial failures.
type Faults struct {
	SaveOperation  error
	SetProducedQty error
	ClaimAudit     error
	CompleteRecord error
	RemoveEntry    error
}

func NewMemory() *Memory {
	return &Memory{
		orders:       make(map[production.OrderID]*production.Order),
		records:      make(map[string]*production.WorkRecord),
		audit:        make(map[string]*production.AuditEntry),
		employees:    make(map[string]identity.Employee),
		workstations: make(map[string]identity.Workstation),
		locks:        generic.NewKeyedMutex(),
	}
}

// InjectFaults replaces the pending faults.
func (m *Memory) InjectFaults(f Faults) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = f
}

// takeFault returns and clears a fault. Caller holds m.mu.
func takeFault(slot *error) error {
	err := *slot
	*slot = nil
	return err
}

// =============================================================================
// ORDERS (production.OrderStore)
// =============================================================================

func (m *Memory) CreateOrder(_ context.Context, order production.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[order.ID]; exists {
		return fmt.Errorf("order %s: %w", order.ID, generic.ErrDuplicateKey)
	}
	o := copyOrder(&order)
	for i := range o.Operations {
		o.Operations[i].OrderID = o.ID
		o.Operations[i].Index = i
	}
	m.orders[o.ID] = o
	m.orderIDs = append(m.orderIDs, o.ID)
	return nil
}

func (m *Memory) GetOrder(_ context.Context, id production.OrderID) (*production.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getOrderLocked(id)
}

func (m *Memory) getOrderLocked(id production.OrderID) (*production.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", production.ErrOrderNotFound, id)
	}
	return copyOrder(o), nil
}

func (m *Memory) ListOrders(_ context.Context) ([]production.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]production.Order, 0, len(m.orderIDs))
	for _, id := range m.orderIDs {
		out = append(out, *copyOrder(m.orders[id]))
	}
	return out, nil
}

func (m *Memory) SetOrderStatus(_ context.Context, id production.OrderID, status production.OrderStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", production.ErrOrderNotFound, id)
	}
	o.Status = status
	if status == production.OrderActive && o.ActivatedAt.IsZero() {
		o.ActivatedAt = at
	}
	return nil
}

func (m *Memory) SetMaterialsTransferred(_ context.Context, id production.OrderID, transferred bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", production.ErrOrderNotFound, id)
	}
	o.MaterialsTransferred = transferred
	return nil
}

// =============================================================================
// LEDGER (production.LedgerStore)
// =============================================================================

// WithOperationLock stages ledger writes and applies them together when fn
// succeeds. Simulated with a staging area instead of a snapshot.
func (m *Memory) WithOperationLock(ctx context.Context, key production.OperationKey, timeout time.Duration, fn func(production.LedgerTx) error) error {
	release, err := m.locks.Lock(ctx, key.String(), timeout)
	if err != nil {
		return err
	}
	defer release()

	tx := &memoryTx{
		parent:   m,
		ops:      make(map[production.OperationKey]production.Operation),
		produced: make(map[production.OrderID]generic.Quantity),
		claims:   make(map[string]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.aborted {
		return nil
	}
	return m.apply(tx)
}

// apply checks every staged write before touching state, so a failed commit
// leaves nothing half applied.
func (m *Memory) apply(tx *memoryTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range tx.ops {
		o, ok := m.orders[key.OrderID]
		if !ok || key.Index < 0 || key.Index >= len(o.Operations) {
			return fmt.Errorf("%w: operation %s", generic.ErrTransactionFailed, key)
		}
	}
	for id := range tx.produced {
		if _, ok := m.orders[id]; !ok {
			return fmt.Errorf("%w: order %s", generic.ErrTransactionFailed, id)
		}
	}
	for id := range tx.claims {
		if _, ok := m.audit[id]; !ok {
			return fmt.Errorf("%w: audit entry %s", generic.ErrTransactionFailed, id)
		}
	}

	for key, op := range tx.ops {
		m.orders[key.OrderID].Operations[key.Index] = op
	}
	for id, qty := range tx.produced {
		m.orders[id].ProducedQty = qty
	}
	for id := range tx.claims {
		m.audit[id].Processed = true
	}
	return nil
}

type memoryTx struct {
	parent   *Memory
	ops      map[production.OperationKey]production.Operation
	produced map[production.OrderID]generic.Quantity
	claims   map[string]bool
	aborted  bool
}

func (tx *memoryTx) LoadOrder(_ context.Context, id production.OrderID) (*production.Order, error) {
	tx.parent.mu.RLock()
	o, err := tx.parent.getOrderLocked(id)
	tx.parent.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	for i := range o.Operations {
		if staged, ok := tx.ops[production.OperationKey{OrderID: id, Index: i}]; ok {
			o.Operations[i] = staged
		}
	}
	if qty, ok := tx.produced[id]; ok {
		o.ProducedQty = qty
	}
	return o, nil
}

func (tx *memoryTx) Operation(_ context.Context, key production.OperationKey) (*production.Operation, error) {
	if staged, ok := tx.ops[key]; ok {
		return &staged, nil
	}
	tx.parent.mu.RLock()
	defer tx.parent.mu.RUnlock()
	o, ok := tx.parent.orders[key.OrderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", production.ErrOrderNotFound, key.OrderID)
	}
	if key.Index < 0 || key.Index >= len(o.Operations) {
		return nil, fmt.Errorf("%w: %d", production.ErrInvalidOperationIndex, key.Index)
	}
	op := o.Operations[key.Index]
	return &op, nil
}

func (tx *memoryTx) SaveOperation(_ context.Context, op production.Operation) error {
	if tx.aborted {
		return errTxAborted
	}
	tx.parent.mu.Lock()
	fault := takeFault(&tx.parent.faults.SaveOperation)
	tx.parent.mu.Unlock()
	if fault != nil {
		return fault
	}
	tx.ops[op.Key()] = op
	return nil
}

func (tx *memoryTx) SetProducedQty(_ context.Context, id production.OrderID, qty generic.Quantity) error {
	if tx.aborted {
		return errTxAborted
	}
	tx.parent.mu.Lock()
	fault := takeFault(&tx.parent.faults.SetProducedQty)
	tx.parent.mu.Unlock()
	if fault != nil {
		return fault
	}
	tx.produced[id] = qty
	return nil
}

func (tx *memoryTx) ClaimAudit(_ context.Context, auditID string) (bool, error) {
	if tx.aborted {
		return false, errTxAborted
	}
	tx.parent.mu.Lock()
	defer tx.parent.mu.Unlock()

	if err := takeFault(&tx.parent.faults.ClaimAudit); err != nil {
		return false, err
	}
	if tx.claims[auditID] {
		return false, nil
	}
	e, ok := tx.parent.audit[auditID]
	if !ok {
		return false, fmt.Errorf("%w: %s", production.ErrAuditEntryNotFound, auditID)
	}
	if e.Processed {
		return false, nil
	}
	tx.claims[auditID] = true
	return true, nil
}

func (tx *memoryTx) Abort() error {
	tx.aborted = true
	tx.ops = make(map[production.OperationKey]production.Operation)
	tx.produced = make(map[production.OrderID]generic.Quantity)
	tx.claims = make(map[string]bool)
	return nil
}

// =============================================================================
// WORK RECORDS (production.WorkRecordStore)
// =============================================================================

func (m *Memory) OpenRecord(_ context.Context, key production.OperationKey) (*production.WorkRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.recordIDs) - 1; i >= 0; i-- {
		r := m.records[m.recordIDs[i]]
		if r.OrderID == key.OrderID && r.OperationIndex == key.Index && !r.State.Terminal() {
			return copyRecord(r), nil
		}
	}
	return nil, nil
}

func (m *Memory) LatestCompleted(_ context.Context, key production.OperationKey) (*production.WorkRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *production.WorkRecord
	for _, id := range m.recordIDs {
		r := m.records[id]
		if r.OrderID != key.OrderID || r.OperationIndex != key.Index || r.State != production.RecordCompleted {
			continue
		}
		if latest == nil || !r.CompletedAt.Before(latest.CompletedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copyRecord(latest), nil
}

func (m *Memory) ListRecords(_ context.Context, key production.OperationKey) ([]production.WorkRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []production.WorkRecord
	for _, id := range m.recordIDs {
		r := m.records[id]
		if r.OrderID == key.OrderID && r.OperationIndex == key.Index {
			out = append(out, *copyRecord(r))
		}
	}
	return out, nil
}

func (m *Memory) CreateRecord(_ context.Context, rec production.WorkRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.ID]; exists {
		return fmt.Errorf("work record %s: %w", rec.ID, generic.ErrDuplicateKey)
	}
	m.records[rec.ID] = copyRecord(&rec)
	m.recordIDs = append(m.recordIDs, rec.ID)
	return nil
}

func (m *Memory) AppendEntry(_ context.Context, recordID string, entry production.WorkEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[recordID]
	if !ok {
		return fmt.Errorf("work record %s: %w", recordID, generic.ErrNotFound)
	}
	if r.State.Terminal() {
		return fmt.Errorf("%w: %s", production.ErrWorkRecordImmutable, recordID)
	}
	r.Entries = append(r.Entries, entry)
	return nil
}

func (m *Memory) RemoveEntry(_ context.Context, recordID, auditID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := takeFault(&m.faults.RemoveEntry); err != nil {
		return err
	}
	r, ok := m.records[recordID]
	if !ok {
		return fmt.Errorf("work record %s: %w", recordID, generic.ErrNotFound)
	}
	if r.State.Terminal() {
		return fmt.Errorf("%w: %s", production.ErrWorkRecordImmutable, recordID)
	}
	kept := r.Entries[:0]
	for _, e := range r.Entries {
		if e.AuditID != auditID {
			kept = append(kept, e)
		}
	}
	r.Entries = kept
	return nil
}

func (m *Memory) SetRecordState(_ context.Context, recordID string, state production.WorkRecordState, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[recordID]
	if !ok {
		return fmt.Errorf("work record %s: %w", recordID, generic.ErrNotFound)
	}
	if state == production.RecordCompleted {
		if err := takeFault(&m.faults.CompleteRecord); err != nil {
			return err
		}
	}
	r.State = state
	r.CompletedAt = at
	return nil
}

func (m *Memory) FindByAudit(_ context.Context, auditID string) (*production.WorkRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.recordIDs {
		r := m.records[id]
		if r.EntryFor(auditID) != nil {
			return copyRecord(r), nil
		}
	}
	return nil, nil
}

// =============================================================================
// AUDIT LOG (production.AuditLog)
// =============================================================================

func (m *Memory) Record(_ context.Context, entry production.AuditEntry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.audit[entry.ID]; exists {
		return "", fmt.Errorf("audit entry %s: %w", entry.ID, generic.ErrDuplicateKey)
	}
	e := entry
	e.Processed = false
	e.Compensated = false
	m.audit[e.ID] = &e
	m.auditIDs = append(m.auditIDs, e.ID)
	return e.ID, nil
}

func (m *Memory) Get(_ context.Context, id string) (*production.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.audit[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", production.ErrAuditEntryNotFound, id)
	}
	copied := *e
	return &copied, nil
}

func (m *Memory) MarkCompensated(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.audit[id]
	if !ok {
		return fmt.Errorf("%w: %s", production.ErrAuditEntryNotFound, id)
	}
	if e.Processed {
		return fmt.Errorf("audit entry %s already processed: %w", id, generic.ErrConcurrentModification)
	}
	e.Compensated = true
	return nil
}

func (m *Memory) UnprocessedSum(_ context.Context, key production.OperationKey) (generic.Quantity, generic.Quantity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	produced, rejected := generic.ZeroQuantity, generic.ZeroQuantity
	for _, id := range m.auditIDs {
		e := m.audit[id]
		if e.Key() == key && e.InFlight() {
			produced = produced.Add(e.Produced)
			rejected = rejected.Add(e.Rejected)
		}
	}
	return produced, rejected, nil
}

func (m *Memory) Unprocessed(_ context.Context, before time.Time) ([]production.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []production.AuditEntry
	for _, id := range m.auditIDs {
		e := m.audit[id]
		if e.InFlight() && e.CreatedAt.Before(before) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *Memory) History(_ context.Context, id production.OrderID) ([]production.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []production.AuditEntry
	for _, aid := range m.auditIDs {
		if e := m.audit[aid]; e.OrderID == id {
			out = append(out, *e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].OperationIndex != out[j].OperationIndex {
			return out[i].OperationIndex < out[j].OperationIndex
		}
		return out[i].PostingTime.Before(out[j].PostingTime)
	})
	return out, nil
}

// =============================================================================
// MASTER DATA (identity.Registry)
// =============================================================================

func (m *Memory) EmployeeByNumber(_ context.Context, number string) (*identity.Employee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.employees[number]
	if !ok {
		return nil, fmt.Errorf("employee %s: %w", number, generic.ErrNotFound)
	}
	return &e, nil
}

func (m *Memory) Workstation(_ context.Context, id string) (*identity.Workstation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workstations[id]
	if !ok {
		return nil, fmt.Errorf("workstation %s: %w", id, generic.ErrNotFound)
	}
	w.AuthorizedActors = append([]string(nil), w.AuthorizedActors...)
	return &w, nil
}

func (m *Memory) SaveEmployee(_ context.Context, e identity.Employee) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.employees[e.Number] = e
	return nil
}

func (m *Memory) SaveWorkstation(_ context.Context, w identity.Workstation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w.AuthorizedActors = append([]string(nil), w.AuthorizedActors...)
	m.workstations[w.ID] = w
	return nil
}

func (m *Memory) ListEmployees(_ context.Context) ([]identity.Employee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]identity.Employee, 0, len(m.employees))
	for _, e := range m.employees {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// =============================================================================
// COPY HELPERS
// =============================================================================

func copyOrder(o *production.Order) *production.Order {
	c := *o
	c.Operations = append([]production.Operation(nil), o.Operations...)
	return &c
}

func copyRecord(r *production.WorkRecord) *production.WorkRecord {
	c := *r
	c.Entries = append([]production.WorkEntry(nil), r.Entries...)
	return &c
}
