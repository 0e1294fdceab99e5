package production

import (
	"context"

	"github.com/warp/punch-ledger/generic"
)

// Projector derives the order-level produced quantity from the terminal
// operation. It is pure and idempotent.
type Projector struct{}

// Project returns the terminal operation's completed quantity clamped to
// [0, order required].
func (Projector) Project(order *Order) generic.Quantity {
	terminal := order.Terminal()
	if terminal == nil {
		return generic.ZeroQuantity
	}
	return terminal.CompletedQty.Clamp(generic.ZeroQuantity, order.RequiredQty)
}

// Apply recomputes the projection from tx and writes it back.
func (p Projector) Apply(ctx context.Context, tx LedgerTx, id OrderID) (generic.Quantity, error) {
	order, err := tx.LoadOrder(ctx, id)
	if err != nil {
		return generic.ZeroQuantity, err
	}
	produced := p.Project(order)
	if err := tx.SetProducedQty(ctx, id, produced); err != nil {
		return generic.ZeroQuantity, err
	}
	return produced, nil
}
