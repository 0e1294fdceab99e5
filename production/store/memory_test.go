package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/punch-ledger/generic"
	"github.com/warp/punch-ledger/production"
	"github.com/warp/punch-ledger/production/store"
)

func newOrder(t *testing.T, mem *store.Memory) production.OrderID {
	t.Helper()
	order := production.Order{
		ID:          "WO-1",
		RequiredQty: generic.NewQuantity(10),
		Status:      production.OrderActive,
		Operations: []production.Operation{
			{Name: "cut", RequiredQty: generic.NewQuantity(10)},
		},
	}
	require.NoError(t, mem.CreateOrder(context.Background(), order))
	return order.ID
}

func TestWithOperationLock_FailedCommitAppliesNothing(t *testing.T) {
	// GIVEN: An order and a recorded audit entry
	ctx := context.Background()
	mem := store.NewMemory()
	id := newOrder(t, mem)
	_, err := mem.Record(ctx, production.AuditEntry{ID: "a-1", OrderID: id, Produced: generic.NewQuantity(4)})
	require.NoError(t, err)

	// WHEN: A transaction stages valid writes next to one for an operation that does not exist
	err = mem.WithOperationLock(ctx, production.OperationKey{OrderID: id}, time.Second, func(tx production.LedgerTx) error {
		op, err := tx.Operation(ctx, production.OperationKey{OrderID: id})
		require.NoError(t, err)
		op.CompletedQty = generic.NewQuantity(4)
		require.NoError(t, tx.SaveOperation(ctx, *op))
		require.NoError(t, tx.SaveOperation(ctx, production.Operation{OrderID: id, Index: 3}))
		require.NoError(t, tx.SetProducedQty(ctx, id, generic.NewQuantity(4)))
		claimed, err := tx.ClaimAudit(ctx, "a-1")
		require.NoError(t, err)
		require.True(t, claimed)
		return nil
	})

	// THEN: The commit fails and none of the staged writes landed
	assert.ErrorIs(t, err, generic.ErrTransactionFailed)

	order, err := mem.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.True(t, order.Operations[0].CompletedQty.IsZero())
	assert.True(t, order.ProducedQty.IsZero())

	entry, err := mem.Get(ctx, "a-1")
	require.NoError(t, err)
	assert.False(t, entry.Processed)
}

func TestWithOperationLock_CommitAppliesAllWrites(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	id := newOrder(t, mem)
	_, err := mem.Record(ctx, production.AuditEntry{ID: "a-1", OrderID: id, Produced: generic.NewQuantity(4)})
	require.NoError(t, err)

	err = mem.WithOperationLock(ctx, production.OperationKey{OrderID: id}, time.Second, func(tx production.LedgerTx) error {
		op, err := tx.Operation(ctx, production.OperationKey{OrderID: id})
		require.NoError(t, err)
		op.CompletedQty = generic.NewQuantity(4)
		require.NoError(t, tx.SaveOperation(ctx, *op))
		require.NoError(t, tx.SetProducedQty(ctx, id, generic.NewQuantity(4)))
		_, err = tx.ClaimAudit(ctx, "a-1")
		return err
	})
	require.NoError(t, err)

	order, err := mem.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.True(t, order.Operations[0].CompletedQty.Equal(generic.NewQuantity(4)))
	assert.True(t, order.ProducedQty.Equal(generic.NewQuantity(4)))

	entry, err := mem.Get(ctx, "a-1")
	require.NoError(t, err)
	assert.True(t, entry.Processed)
}
