package production

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/warp/punch-ledger/generic"
)

// =============================================================================
// RECONCILIATION LEDGER
// =============================================================================

// CommitInput is everything the ledger needs to fold one punch in.
type CommitInput struct {
	Order   *Order
	Before  Operation // ledger state the punch was validated against
	Punch   Punch
	AuditID string

	// Terminal is true when the work record reached completed in this call.
	// The operation totals may then have been rewritten by the rollup.
	Terminal bool
}

// Totals is the ledger state after a commit.
type Totals struct {
	Completed generic.Quantity
	Rejected  generic.Quantity
	Available generic.Quantity
	Pending   generic.Quantity
	Reported  bool
	Replayed  bool // the audit entry was already processed; nothing changed
}

// Ledger applies each punch's effect exactly once.
type Ledger struct {
	Sequence SequenceValidator
	Logger   *log.Logger
}

// Commit claims the audit entry and updates the operation totals. All
// writes go through tx and land together or not at all.
func (l *Ledger) Commit(ctx context.Context, tx LedgerTx, in CommitInput) (Totals, error) {
	totals, err := l.commit(ctx, tx, in)
	if err != nil {
		return Totals{}, fmt.Errorf("%w: %w", ErrLedgerCommitFailed, err)
	}
	return totals, nil
}

func (l *Ledger) commit(ctx context.Context, tx LedgerTx, in CommitInput) (Totals, error) {
	key := OperationKey{OrderID: in.Order.ID, Index: in.Punch.OperationIndex}

	claimed, err := tx.ClaimAudit(ctx, in.AuditID)
	if err != nil {
		return Totals{}, fmt.Errorf("claim audit %s: %w", in.AuditID, err)
	}

	current, err := tx.Operation(ctx, key)
	if err != nil {
		return Totals{}, err
	}
	available, err := l.Sequence.AvailableInput(ctx, tx, in.Order, key.Index)
	if err != nil {
		return Totals{}, err
	}

	if !claimed {
		l.logger().Info("punch already applied", "audit", in.AuditID, "operation", key.String())
		return l.totals(current, available, true), nil
	}

	expectedCompleted := in.Before.CompletedQty.Add(in.Punch.Produced)
	expectedRejected := in.Before.RejectedQty.Add(in.Punch.Rejected)

	op := *current
	switch {
	case in.Terminal && l.movedSince(in.Before, *current):
		// The completed record was rolled into the operation already; the
		// re-read value is authoritative.
		if !current.CompletedQty.Equal(expectedCompleted) || !current.RejectedQty.Equal(expectedRejected) {
			l.logger().Warn("ledger re-read differs from punch arithmetic",
				"operation", key.String(),
				"completed", current.CompletedQty, "expected_completed", expectedCompleted,
				"rejected", current.RejectedQty, "expected_rejected", expectedRejected)
		}
	default:
		op.CompletedQty = current.CompletedQty.Add(in.Punch.Produced)
		op.RejectedQty = current.RejectedQty.Add(in.Punch.Rejected)
	}

	remaining := available.Sub(op.Done())
	op.Reported = op.Reported || in.Punch.Complete || remaining.AtMost(generic.StrictEpsilon)
	op.ReportedBy = in.Punch.Actor.ID
	op.ReportedByName = in.Punch.Actor.Name
	op.ReportedAt = in.Punch.PostingTime

	if err := tx.SaveOperation(ctx, op); err != nil {
		return Totals{}, fmt.Errorf("save operation %s: %w", key, err)
	}

	return l.totals(&op, available, false), nil
}

// movedSince reports whether something other than this commit changed the
// operation totals after validation.
func (l *Ledger) movedSince(before, now Operation) bool {
	return !before.CompletedQty.Equal(now.CompletedQty) || !before.RejectedQty.Equal(now.RejectedQty)
}

func (l *Ledger) totals(op *Operation, available generic.Quantity, replayed bool) Totals {
	return Totals{
		Completed: op.CompletedQty,
		Rejected:  op.RejectedQty,
		Available: available,
		Pending:   available.Sub(op.Done()).ClampZero(),
		Reported:  op.Reported,
		Replayed:  replayed,
	}
}

func (l *Ledger) logger() *log.Logger {
	if l.Logger == nil {
		return log.Default()
	}
	return l.Logger
}
