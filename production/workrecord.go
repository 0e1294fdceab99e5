package production

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/warp/punch-ledger/generic"
)

// =============================================================================
// WORK RECORD MANAGER
// =============================================================================

// CompletionCheck can veto a draft -> completed transition, e.g. to require
// a minimum number of entries. A non-nil error fails the transition.
type CompletionCheck func(rec *WorkRecord) error

// WorkResult describes what ApplyPunch changed, so it can be reverted.
type WorkResult struct {
	Record    *WorkRecord
	Entry     WorkEntry
	Created   bool // a new draft was opened for this punch
	Started   bool // draft -> in_progress happened in this call
	Completed bool // in_progress -> completed happened in this call
	RolledUp  bool // operation totals were rewritten from completed records
}

// WorkRecordManager owns the per-operation work record lifecycle:
//
//	draft -> in_progress -> completed
//
// Entries are appended one per punch and carry the audit id that produced
// them, which is what compensation and recovery key on.
type WorkRecordManager struct {
	Store            WorkRecordStore
	Clock            generic.Clock
	MinEntryInterval time.Duration
	RollupOnComplete bool
	Audit            AuditLog // decides which entries the rollup may count
	Check            CompletionCheck
	Logger           *log.Logger
}

// ApplyPunch appends the punch to the operation's open record, creating one if
// needed, and completes the record when the punch asks for it.
func (m *WorkRecordManager) ApplyPunch(ctx context.Context, tx LedgerTx, order *Order, op *Operation, punch Punch, auditID string) (*WorkResult, error) {
	key := op.Key()
	rec, err := m.Store.OpenRecord(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load open work record: %w", err)
	}

	result := &WorkResult{}
	if rec == nil {
		workstation := order.WorkstationFor(op)
		if workstation == "" {
			return nil, fmt.Errorf("%w: operation %d of %s", ErrMissingResource, op.Index, order.ID)
		}
		rec = &WorkRecord{
			ID:             uuid.New().String(),
			OrderID:        order.ID,
			OperationIndex: op.Index,
			Workstation:    workstation,
			State:          RecordDraft,
			ForQuantity:    order.EffectiveRequired(op),
			CreatedAt:      m.now(),
		}
		if err := m.Store.CreateRecord(ctx, *rec); err != nil {
			return nil, fmt.Errorf("create work record: %w", err)
		}
		result.Created = true
	}
	result.Record = rec

	from, err := m.entryStart(ctx, order, op, rec, punch.PostingTime)
	if err != nil {
		return nil, err
	}
	entry := WorkEntry{
		Seq:       len(rec.Entries) + 1,
		AuditID:   auditID,
		ActorID:   punch.Actor.ID,
		ActorName: punch.Actor.Name,
		From:      from,
		To:        punch.PostingTime,
		Minutes:   generic.WholeMinutes(punch.PostingTime.Sub(from)),
		Produced:  punch.Produced,
		Rejected:  punch.Rejected,
	}
	if err := m.Store.AppendEntry(ctx, rec.ID, entry); err != nil {
		return nil, fmt.Errorf("append work entry: %w", err)
	}
	rec.Entries = append(rec.Entries, entry)
	result.Entry = entry

	if rec.State == RecordDraft {
		if err := m.Store.SetRecordState(ctx, rec.ID, RecordInProgress, time.Time{}); err != nil {
			return nil, m.failTransition(ctx, tx, result, auditID, err)
		}
		rec.State = RecordInProgress
		result.Started = true
	}

	if !punch.Complete {
		return result, nil
	}

	if m.Check != nil {
		if err := m.Check(rec); err != nil {
			return nil, m.failTransition(ctx, tx, result, auditID, err)
		}
	}
	completedAt := punch.PostingTime
	if err := m.Store.SetRecordState(ctx, rec.ID, RecordCompleted, completedAt); err != nil {
		return nil, m.failTransition(ctx, tx, result, auditID, err)
	}
	rec.State = RecordCompleted
	rec.CompletedAt = completedAt
	result.Completed = true

	if m.RollupOnComplete {
		if err := m.rollup(ctx, tx, key, auditID); err != nil {
			return nil, m.failTransition(ctx, tx, result, auditID, err)
		}
		result.RolledUp = true
	}

	return result, nil
}

// Revert undoes a WorkResult: reopens a completed record and removes the
// entry. A record created for the punch is left as an empty draft for reuse.
func (m *WorkRecordManager) Revert(ctx context.Context, result *WorkResult) error {
	if result == nil || result.Record == nil {
		return nil
	}
	var errs []error
	if result.Completed {
		if err := m.Store.SetRecordState(ctx, result.Record.ID, RecordInProgress, time.Time{}); err != nil {
			errs = append(errs, fmt.Errorf("reopen work record %s: %w", result.Record.ID, err))
		}
	}
	if err := m.Store.RemoveEntry(ctx, result.Record.ID, result.Entry.AuditID); err != nil {
		errs = append(errs, fmt.Errorf("remove work entry %s: %w", result.Entry.AuditID, err))
	}
	return errors.Join(errs...)
}

// RevertByAudit undoes whatever entry an audit id left behind, without the
// WorkResult that produced it. Used by recovery.
func (m *WorkRecordManager) RevertByAudit(ctx context.Context, auditID string) (bool, error) {
	rec, err := m.Store.FindByAudit(ctx, auditID)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	entry := rec.EntryFor(auditID)
	last := rec.LastEntry()
	if rec.State == RecordCompleted && last != nil && last.AuditID != auditID {
		// A later punch completed the record around this entry. The rollup
		// never counted it, so the ledger is unaffected by dropping it.
		return true, m.dropFromCompleted(ctx, rec, auditID)
	}
	result := &WorkResult{
		Record: rec,
		Entry:  *entry,
		// The completing punch is always the last entry of its record.
		Completed: rec.State == RecordCompleted && last != nil && last.AuditID == auditID,
	}
	return true, m.Revert(ctx, result)
}

// failTransition compensates the appended entry and wraps the cause.
func (m *WorkRecordManager) failTransition(ctx context.Context, tx LedgerTx, result *WorkResult, auditID string, cause error) error {
	if tx != nil {
		if err := tx.Abort(); err != nil {
			m.logger().Warn("abort ledger transaction", "audit", auditID, "err", err)
		}
	}
	failed := fmt.Errorf("%w: %w", ErrWorkRecordTransitionFailed, cause)
	if err := m.Revert(ctx, result); err != nil {
		return &CompensationError{AuditID: auditID, Cause: failed, Undo: err}
	}
	return failed
}

// dropFromCompleted removes an entry from a completed record and completes
// the record again with its original completion time.
func (m *WorkRecordManager) dropFromCompleted(ctx context.Context, rec *WorkRecord, auditID string) error {
	if err := m.Store.SetRecordState(ctx, rec.ID, RecordInProgress, time.Time{}); err != nil {
		return fmt.Errorf("reopen work record %s: %w", rec.ID, err)
	}
	var errs []error
	if err := m.Store.RemoveEntry(ctx, rec.ID, auditID); err != nil {
		errs = append(errs, fmt.Errorf("remove work entry %s: %w", auditID, err))
	}
	if err := m.Store.SetRecordState(ctx, rec.ID, RecordCompleted, rec.CompletedAt); err != nil {
		errs = append(errs, fmt.Errorf("restore completed work record %s: %w", rec.ID, err))
	}
	return errors.Join(errs...)
}

// rollup rewrites the operation totals from its completed records. This is
// the independent path the ledger re-reads after a completing punch. Only
// entries already folded into the ledger count, plus the completing punch
// itself; an entry whose compensation failed stays out until recovery
// replays or removes it.
func (m *WorkRecordManager) rollup(ctx context.Context, tx LedgerTx, key OperationKey, auditID string) error {
	records, err := m.Store.ListRecords(ctx, key)
	if err != nil {
		return err
	}
	produced, rejected := generic.ZeroQuantity, generic.ZeroQuantity
	for i := range records {
		if records[i].State != RecordCompleted {
			continue
		}
		for _, e := range records[i].Entries {
			counted, err := m.counted(ctx, e, auditID)
			if err != nil {
				return err
			}
			if counted {
				produced = produced.Add(e.Produced)
				rejected = rejected.Add(e.Rejected)
			}
		}
	}

	op, err := tx.Operation(ctx, key)
	if err != nil {
		return err
	}
	op.CompletedQty = produced
	op.RejectedQty = rejected
	return tx.SaveOperation(ctx, *op)
}

// counted reports whether a work entry is part of the ledger totals.
func (m *WorkRecordManager) counted(ctx context.Context, e WorkEntry, current string) (bool, error) {
	if m.Audit == nil || e.AuditID == "" || e.AuditID == current {
		return true, nil
	}
	entry, err := m.Audit.Get(ctx, e.AuditID)
	if err != nil {
		return false, fmt.Errorf("load audit entry %s: %w", e.AuditID, err)
	}
	return entry.Processed, nil
}

// entryStart picks the start of a new entry: the previous entry's end, else
// when the upstream operation finished, else when the order was activated.
func (m *WorkRecordManager) entryStart(ctx context.Context, order *Order, op *Operation, rec *WorkRecord, to time.Time) (time.Time, error) {
	var from time.Time

	if last := rec.LastEntry(); last != nil {
		from = last.To
	} else if op.Index > 0 {
		upstreamKey := OperationKey{OrderID: order.ID, Index: op.Index - 1}
		upstream, err := m.Store.LatestCompleted(ctx, upstreamKey)
		if err != nil {
			return time.Time{}, fmt.Errorf("load upstream work record: %w", err)
		}
		if upstream != nil && !upstream.CompletedAt.IsZero() {
			from = upstream.CompletedAt
		} else if prev, ok := order.Operation(op.Index - 1); ok && !prev.ReportedAt.IsZero() {
			from = prev.ReportedAt
		}
	}
	if from.IsZero() {
		from = order.ActivatedAt
	}

	if from.IsZero() || !from.Before(to) {
		from = to.Add(-m.minInterval())
	}
	return from, nil
}

func (m *WorkRecordManager) minInterval() time.Duration {
	if m.MinEntryInterval <= 0 {
		return time.Minute
	}
	return m.MinEntryInterval
}

func (m *WorkRecordManager) now() time.Time {
	if m.Clock == nil {
		return time.Now().UTC()
	}
	return m.Clock.Now()
}

func (m *WorkRecordManager) logger() *log.Logger {
	if m.Logger == nil {
		return log.Default()
	}
	return m.Logger
}
