package production

import (
	"context"

	"github.com/warp/punch-ledger/generic"
)

// =============================================================================
// SEQUENCE VALIDATOR
// =============================================================================

// SequenceValidator answers two questions: which operation may be reported
// next, and how much input an operation may legally process.
type SequenceValidator struct{}

// IsPending reports whether an operation still accepts punches.
func (SequenceValidator) IsPending(order *Order, op *Operation) bool {
	if op.Reported {
		return false
	}
	required := order.EffectiveRequired(op)
	return op.Done().Value.LessThan(required.Value.Sub(generic.StrictEpsilon))
}

// FirstPending returns the lowest-index pending operation. ok is false when
// every operation is reported or fully done.
func (v SequenceValidator) FirstPending(order *Order) (index int, ok bool) {
	for i := range order.Operations {
		if v.IsPending(order, &order.Operations[i]) {
			return i, true
		}
	}
	return -1, false
}

// AvailableInput is the most an operation can process: its required quantity
// for the first operation, otherwise the upstream completed quantity capped at
// required. The upstream value is re-read through tx, never taken from order.
func (SequenceValidator) AvailableInput(ctx context.Context, tx LedgerTx, order *Order, index int) (generic.Quantity, error) {
	op, ok := order.Operation(index)
	if !ok {
		return generic.ZeroQuantity, ErrInvalidOperationIndex
	}
	required := order.EffectiveRequired(op)
	if index == 0 {
		return required, nil
	}

	upstream, err := tx.Operation(ctx, OperationKey{OrderID: order.ID, Index: index - 1})
	if err != nil {
		return generic.ZeroQuantity, err
	}
	return required.Min(upstream.CompletedQty), nil
}
