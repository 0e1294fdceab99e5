package production

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/punch-ledger/generic"
)

// =============================================================================
// COMPLETION RULE
// =============================================================================

// CompletionRule decides what a punch with the complete flag must satisfy.
type CompletionRule string

const (
	// CompletionExact requires produced + rejected to equal pending.
	CompletionExact CompletionRule = "exact"
	// CompletionForce lets a closing punch leave capacity unused.
	CompletionForce CompletionRule = "force"
	// CompletionDisabled rejects the complete flag outright.
	CompletionDisabled CompletionRule = "disabled"
)

func (r CompletionRule) Valid() bool {
	switch r {
	case CompletionExact, CompletionForce, CompletionDisabled:
		return true
	}
	return false
}

// =============================================================================
// PUNCH VALIDATOR
// =============================================================================

// Pending is the capacity picture a punch was validated against.
type Pending struct {
	Available generic.Quantity // input the operation may process
	Done      generic.Quantity // completed + rejected in the ledger
	InFlight  generic.Quantity // unprocessed audit quantity, conservative mode only
	Remaining generic.Quantity // what the punch may still claim, never negative
}

// PunchValidator enforces quantity invariants. It never writes.
type PunchValidator struct {
	Sequence     SequenceValidator
	Audit        AuditLog
	Rule         CompletionRule
	Conservative bool
}

// Validate checks punch against the ledger state visible through tx.
func (v *PunchValidator) Validate(ctx context.Context, tx LedgerTx, order *Order, punch Punch) (Pending, error) {
	op, ok := order.Operation(punch.OperationIndex)
	if !ok {
		return Pending{}, fmt.Errorf("%w: %d not in [0, %d)",
			ErrInvalidOperationIndex, punch.OperationIndex, len(order.Operations))
	}

	first, ok := v.Sequence.FirstPending(order)
	if !ok {
		first = -1
	}
	if first != punch.OperationIndex {
		seqErr := &SequenceError{Requested: punch.OperationIndex, FirstPending: first}
		// A punch that lost the race for the last units of an operation sees
		// the operation closed. Report the capacity it no longer has as well.
		pending, err := v.pending(ctx, tx, order, op)
		if err != nil {
			return Pending{}, errors.Join(seqErr, err)
		}
		if punch.Total().ExceedsBy(pending.Remaining, generic.StrictEpsilon) {
			return pending, errors.Join(seqErr, &PendingError{
				Index:     punch.OperationIndex,
				Requested: punch.Total(),
				Pending:   pending.Remaining,
			})
		}
		return pending, seqErr
	}

	pending, err := v.pending(ctx, tx, order, op)
	if err != nil {
		return Pending{}, err
	}

	if punch.Total().ExceedsBy(pending.Remaining, generic.StrictEpsilon) {
		return pending, &PendingError{
			Index:     punch.OperationIndex,
			Requested: punch.Total(),
			Pending:   pending.Remaining,
		}
	}

	if punch.Complete {
		switch v.rule() {
		case CompletionDisabled:
			return pending, ErrCompletionDisabled
		case CompletionExact:
			if !punch.Total().WithinOf(pending.Remaining, generic.Epsilon) {
				return pending, &PendingError{
					Index:      punch.OperationIndex,
					Requested:  punch.Total(),
					Pending:    pending.Remaining,
					Completing: true,
				}
			}
		}
	}

	return pending, nil
}

// PendingFor computes remaining capacity for one operation.
func (v *PunchValidator) PendingFor(ctx context.Context, tx LedgerTx, order *Order, index int) (Pending, error) {
	op, ok := order.Operation(index)
	if !ok {
		return Pending{}, ErrInvalidOperationIndex
	}
	return v.pending(ctx, tx, order, op)
}

func (v *PunchValidator) pending(ctx context.Context, tx LedgerTx, order *Order, op *Operation) (Pending, error) {
	available, err := v.Sequence.AvailableInput(ctx, tx, order, op.Index)
	if err != nil {
		return Pending{}, err
	}

	current, err := tx.Operation(ctx, op.Key())
	if err != nil {
		return Pending{}, err
	}

	p := Pending{
		Available: available,
		Done:      current.Done(),
		InFlight:  generic.ZeroQuantity,
	}
	remaining := available.Sub(p.Done)

	if v.Conservative && v.Audit != nil {
		produced, rejected, err := v.Audit.UnprocessedSum(ctx, op.Key())
		if err != nil {
			return Pending{}, err
		}
		p.InFlight = produced.Add(rejected)
		remaining = remaining.Sub(p.InFlight)
	}

	p.Remaining = remaining.ClampZero()
	return p, nil
}

func (v *PunchValidator) rule() CompletionRule {
	if v.Rule == "" {
		return CompletionExact
	}
	return v.Rule
}
