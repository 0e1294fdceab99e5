package sqlite_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/punch-ledger/generic"
	"github.com/warp/punch-ledger/identity"
	"github.com/warp/punch-ledger/production"
	"github.com/warp/punch-ledger/store/sqlite"
	"github.com/warp/punch-ledger/store/sqlstore"
)

var shiftStart = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func setupStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func qty(v float64) generic.Quantity { return generic.NewQuantity(v) }

func seedOrder(t *testing.T, store *sqlstore.Store, id string, required ...float64) production.OrderID {
	t.Helper()
	ctx := context.Background()
	ops := make([]production.Operation, len(required))
	for i, r := range required {
		ops[i] = production.Operation{Name: "op", Workstation: "WS-1", RequiredQty: qty(r)}
	}
	require.NoError(t, store.CreateOrder(ctx, production.Order{
		ID: production.OrderID(id), Item: "BRACKET", RequiredQty: qty(required[0]),
		Status: production.OrderDraft, CreatedAt: shiftStart, Operations: ops,
	}))
	require.NoError(t, store.SetOrderStatus(ctx, production.OrderID(id), production.OrderActive, shiftStart))
	require.NoError(t, store.SetMaterialsTransferred(ctx, production.OrderID(id), true))
	return production.OrderID(id)
}

func newReporter(t *testing.T, store *sqlstore.Store) (*production.Reporter, *generic.FixedClock) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.SaveEmployee(ctx, identity.Employee{Number: "E-1", Name: "Ada", Active: true}))
	require.NoError(t, store.SaveWorkstation(ctx, identity.Workstation{ID: "WS-1", Name: "Saw"}))
	clock := generic.NewFixedClock(shiftStart)
	r := production.NewReporter(store, identity.NewDirectoryResolver(store), production.DefaultEngineConfig(),
		production.WithClock(clock),
		production.WithLogger(log.New(io.Discard)),
		production.WithAuthorizer(identity.NewWorkstationAuthorizer(store)),
	)
	return r, clock
}

// =============================================================================
// ORDERS
// =============================================================================

func TestOrders_RoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	id := seedOrder(t, store, "WO-1", 10, 8)

	order, err := store.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, production.OrderActive, order.Status)
	assert.True(t, order.MaterialsTransferred)
	assert.Equal(t, shiftStart, order.ActivatedAt)
	require.Len(t, order.Operations, 2)
	assert.Equal(t, 1, order.Operations[1].Index)
	assert.True(t, qty(8).Equal(order.Operations[1].RequiredQty))

	// Re-activating keeps the first activation time
	require.NoError(t, store.SetOrderStatus(ctx, id, production.OrderActive, shiftStart.Add(time.Hour)))
	order, err = store.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, shiftStart, order.ActivatedAt)

	orders, err := store.ListOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestOrders_Errors(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	seedOrder(t, store, "WO-1", 5)

	_, err := store.GetOrder(ctx, "nope")
	assert.ErrorIs(t, err, production.ErrOrderNotFound)

	err = store.SetMaterialsTransferred(ctx, "nope", true)
	assert.ErrorIs(t, err, production.ErrOrderNotFound)

	err = store.CreateOrder(ctx, production.Order{ID: "WO-1", RequiredQty: qty(1), Status: production.OrderDraft})
	assert.ErrorIs(t, err, generic.ErrDuplicateKey)
}

// =============================================================================
// LEDGER TRANSACTION
// =============================================================================

func TestLedger_CommitAndAbort(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	id := seedOrder(t, store, "WO-1", 10)
	key := production.OperationKey{OrderID: id, Index: 0}
	_, err := store.Record(ctx, production.AuditEntry{
		ID: "a-1", OrderID: id, ActorID: "E-1", Produced: qty(3), PostingTime: shiftStart, CreatedAt: shiftStart,
	})
	require.NoError(t, err)

	// Aborted writes vanish, reads fall back to committed state
	err = store.WithOperationLock(ctx, key, time.Second, func(tx production.LedgerTx) error {
		claimed, err := tx.ClaimAudit(ctx, "a-1")
		require.NoError(t, err)
		assert.True(t, claimed)
		op, err := tx.Operation(ctx, key)
		require.NoError(t, err)
		op.CompletedQty = qty(3)
		require.NoError(t, tx.SaveOperation(ctx, *op))
		require.NoError(t, tx.Abort())

		op, err = tx.Operation(ctx, key)
		require.NoError(t, err)
		assert.True(t, op.CompletedQty.IsZero())
		assert.Error(t, tx.SaveOperation(ctx, *op))
		return nil
	})
	require.NoError(t, err)

	entry, err := store.Get(ctx, "a-1")
	require.NoError(t, err)
	assert.False(t, entry.Processed)

	// Committed writes land together
	err = store.WithOperationLock(ctx, key, time.Second, func(tx production.LedgerTx) error {
		claimed, err := tx.ClaimAudit(ctx, "a-1")
		if err != nil || !claimed {
			return errors.New("claim failed")
		}
		op, err := tx.Operation(ctx, key)
		if err != nil {
			return err
		}
		op.CompletedQty = qty(3)
		if err := tx.SaveOperation(ctx, *op); err != nil {
			return err
		}
		return tx.SetProducedQty(ctx, id, qty(3))
	})
	require.NoError(t, err)

	order, err := store.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.True(t, qty(3).Equal(order.Operations[0].CompletedQty))
	assert.True(t, qty(3).Equal(order.ProducedQty))

	entry, err = store.Get(ctx, "a-1")
	require.NoError(t, err)
	assert.True(t, entry.Processed)

	// A processed entry is neither claimable nor compensable
	err = store.WithOperationLock(ctx, key, time.Second, func(tx production.LedgerTx) error {
		claimed, err := tx.ClaimAudit(ctx, "a-1")
		require.NoError(t, err)
		assert.False(t, claimed)
		_, err = tx.ClaimAudit(ctx, "missing")
		assert.ErrorIs(t, err, production.ErrAuditEntryNotFound)
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, store.MarkCompensated(ctx, "a-1"), generic.ErrConcurrentModification)
}

func TestLedger_FailedCallbackRollsBack(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	id := seedOrder(t, store, "WO-1", 10)
	key := production.OperationKey{OrderID: id}

	boom := errors.New("boom")
	err := store.WithOperationLock(ctx, key, time.Second, func(tx production.LedgerTx) error {
		if err := tx.SetProducedQty(ctx, id, qty(9)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	order, err := store.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.True(t, order.ProducedQty.IsZero())
}

// =============================================================================
// WORK RECORDS
// =============================================================================

func TestWorkRecords_Lifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	id := seedOrder(t, store, "WO-1", 10)
	key := production.OperationKey{OrderID: id}

	rec, err := store.OpenRecord(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, store.CreateRecord(ctx, production.WorkRecord{
		ID: "r-1", OrderID: id, Workstation: "WS-1", State: production.RecordDraft,
		ForQuantity: qty(10), CreatedAt: shiftStart,
	}))
	for i, aid := range []string{"a-1", "a-2"} {
		require.NoError(t, store.AppendEntry(ctx, "r-1", production.WorkEntry{
			Seq: i + 1, AuditID: aid, ActorID: "E-1",
			From: shiftStart, To: shiftStart.Add(10 * time.Minute), Minutes: 10, Produced: qty(2),
		}))
	}
	require.NoError(t, store.RemoveEntry(ctx, "r-1", "a-1"))

	found, err := store.FindByAudit(ctx, "a-2")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "r-1", found.ID)
	require.Len(t, found.Entries, 1)
	assert.Equal(t, int64(10), found.Entries[0].Minutes)
	assert.Equal(t, shiftStart.Add(10*time.Minute), found.Entries[0].To)

	done := shiftStart.Add(time.Hour)
	require.NoError(t, store.SetRecordState(ctx, "r-1", production.RecordCompleted, done))

	rec, err = store.OpenRecord(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, rec)
	latest, err := store.LatestCompleted(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, done, latest.CompletedAt)

	err = store.AppendEntry(ctx, "r-1", production.WorkEntry{Seq: 3, AuditID: "a-3", Produced: qty(1)})
	assert.ErrorIs(t, err, production.ErrWorkRecordImmutable)
	err = store.RemoveEntry(ctx, "r-1", "a-2")
	assert.ErrorIs(t, err, production.ErrWorkRecordImmutable)

	missing, err := store.FindByAudit(ctx, "a-1")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func TestAudit_InFlightQueries(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	id := seedOrder(t, store, "WO-1", 10)

	for i, e := range []production.AuditEntry{
		{ID: "a-1", Produced: qty(2), Rejected: qty(1)},
		{ID: "a-2", Produced: qty(3)},
		{ID: "a-3", Produced: qty(4)},
	} {
		e.OrderID, e.ActorID = id, "E-1"
		e.PostingTime = shiftStart.Add(time.Duration(i) * time.Minute)
		e.CreatedAt = e.PostingTime
		_, err := store.Record(ctx, e)
		require.NoError(t, err)
	}
	require.NoError(t, store.MarkCompensated(ctx, "a-3"))

	produced, rejected, err := store.UnprocessedSum(ctx, production.OperationKey{OrderID: id})
	require.NoError(t, err)
	assert.True(t, qty(5).Equal(produced))
	assert.True(t, qty(1).Equal(rejected))

	stale, err := store.Unprocessed(ctx, shiftStart.Add(30*time.Second))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "a-1", stale[0].ID)

	history, err := store.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.True(t, history[2].Compensated)

	_, err = store.Record(ctx, production.AuditEntry{ID: "a-1", OrderID: id, CreatedAt: shiftStart})
	assert.ErrorIs(t, err, generic.ErrDuplicateKey)
	_, err = store.Get(ctx, "zzz")
	assert.ErrorIs(t, err, production.ErrAuditEntryNotFound)
}

// =============================================================================
// MASTER DATA
// =============================================================================

func TestMasterData(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveEmployee(ctx, identity.Employee{Number: "E-1", Name: "Ada", Active: true}))
	require.NoError(t, store.SaveEmployee(ctx, identity.Employee{Number: "E-1", Name: "Ada L.", Active: false}))
	emp, err := store.EmployeeByNumber(ctx, "E-1")
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", emp.Name)
	assert.False(t, emp.Active)

	require.NoError(t, store.SaveWorkstation(ctx, identity.Workstation{ID: "WS-1", AuthorizedActors: []string{"E-1", "E-2"}}))
	ws, err := store.Workstation(ctx, "WS-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"E-1", "E-2"}, ws.AuthorizedActors)

	_, err = store.Workstation(ctx, "WS-9")
	assert.True(t, generic.IsNotFound(err))
	_, err = store.EmployeeByNumber(ctx, "E-9")
	assert.True(t, generic.IsNotFound(err))

	all, err := store.ListEmployees(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func TestEngine_PunchFlow(t *testing.T) {
	// GIVEN: A two-operation order on SQLite
	store := setupStore(t)
	ctx := context.Background()
	reporter, clock := newReporter(t, store)
	id := seedOrder(t, store, "WO-1", 10, 10)

	punch := func(idx int, p float64, complete bool) (*production.ReportResult, error) {
		clock.Advance(5 * time.Minute)
		return reporter.ReportOperation(ctx, production.ReportRequest{
			OrderID: id, OperationIndex: idx, ActorToken: "E-1", Produced: qty(p), Complete: complete,
		})
	}

	// WHEN: Partial, out of order, completing, downstream
	res, err := punch(0, 4, false)
	require.NoError(t, err)
	assert.True(t, qty(6).Equal(res.Remaining))

	_, err = punch(1, 1, false)
	assert.ErrorIs(t, err, production.ErrOperationOutOfOrder)

	res, err = punch(0, 6, true)
	require.NoError(t, err)
	assert.True(t, res.OperationCompleted)

	res, err = punch(1, 10, true)
	require.NoError(t, err)

	// THEN: Order produced follows the last operation; history has three punches
	assert.True(t, qty(10).Equal(res.OrderProduced))
	history, err := production.PunchHistory(ctx, store, id)
	require.NoError(t, err)
	assert.Len(t, history.Flatten(), 3)

	recs, err := store.ListRecords(ctx, production.OperationKey{OrderID: id})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, production.RecordCompleted, recs[0].State)
	assert.Len(t, recs[0].Entries, 2)
}

func TestEngine_ConcurrentPunches(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	reporter, _ := newReporter(t, store)
	id := seedOrder(t, store, "WO-1", 6)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reporter.ReportOperation(ctx, production.ReportRequest{
				OrderID: id, ActorToken: "E-1", Produced: qty(1),
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 6, ok)
	order, err := store.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.True(t, qty(6).Equal(order.Operations[0].CompletedQty))
	assert.True(t, order.Operations[0].Reported)
}
