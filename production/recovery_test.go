package production_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/punch-ledger/production"
	"github.com/warp/punch-ledger/production/store"
)

// stuckPunch leaves one in-flight audit entry of 3 on operation 0 whose work
// entry could not be removed.
func (f *fixture) stuckPunch(id production.OrderID) string {
	f.t.Helper()
	f.mem.InjectFaults(store.Faults{
		SaveOperation: errors.New("disk full"),
		RemoveEntry:   errors.New("disk still full"),
	})
	_, err := f.punch(id, 0, 3, 0, false)
	var compErr *production.CompensationError
	require.ErrorAs(f.t, err, &compErr)
	f.clock.Advance(time.Minute)
	return compErr.AuditID
}

func TestRecovery_Compensate(t *testing.T) {
	// GIVEN: A punch whose compensation failed
	f := defaultFixture(t)
	id := f.order("WO-1", 10, 10)
	auditID := f.stuckPunch(id)

	rc := production.NewRecoverer(f.reporter, production.RecoverCompensate, 0)
	pending, err := rc.Pending(f.ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// WHEN: Sweeping
	report, err := rc.Run(f.ctx)

	// THEN: Entry removed, audit entry compensated, ledger untouched
	require.NoError(t, err)
	assert.Equal(t, production.RecoveryReport{Scanned: 1, Compensated: 1}, report)

	entry, err := f.mem.Get(f.ctx, auditID)
	require.NoError(t, err)
	assert.True(t, entry.Compensated)
	assert.Empty(t, f.records(id, 0)[0].Entries)
	assertQty(t, 0, f.operation(id, 0).CompletedQty)

	// AND: A second sweep has nothing to do
	report, err = rc.Run(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
}

func TestRecovery_Replay(t *testing.T) {
	// GIVEN: A punch whose compensation failed
	f := defaultFixture(t)
	id := f.order("WO-1", 10, 10)
	auditID := f.stuckPunch(id)

	// WHEN: Sweeping in replay mode
	rc := production.NewRecoverer(f.reporter, production.RecoverReplay, 0)
	report, err := rc.Run(f.ctx)

	// THEN: The punch lands in the ledger exactly once
	require.NoError(t, err)
	assert.Equal(t, 1, report.Replayed)

	entry, err := f.mem.Get(f.ctx, auditID)
	require.NoError(t, err)
	assert.True(t, entry.Processed)
	assert.False(t, entry.Compensated)

	op := f.operation(id, 0)
	assertQty(t, 3, op.CompletedQty)
	require.Len(t, f.records(id, 0)[0].Entries, 1)

	order, err := f.mem.GetOrder(f.ctx, id)
	require.NoError(t, err)
	assertQty(t, 3, order.ProducedQty)

	history, err := production.PunchHistory(f.ctx, f.mem, id)
	require.NoError(t, err)
	assert.Len(t, history[0], 1)
}

func TestRecovery_ReplayFallsBackWhenCapacityGone(t *testing.T) {
	// GIVEN: A stuck punch of 3, then 8 more punched successfully
	f := defaultFixture(t)
	id := f.order("WO-1", 10, 10)
	auditID := f.stuckPunch(id)
	f.mustPunch(id, 0, 8, 0, false)
	f.clock.Advance(time.Minute)

	// WHEN: Replaying
	rc := production.NewRecoverer(f.reporter, production.RecoverReplay, 0)
	report, err := rc.Run(f.ctx)

	// THEN: Only 2 left, so the stuck punch is compensated instead
	require.NoError(t, err)
	assert.Equal(t, 1, report.Compensated)
	entry, err := f.mem.Get(f.ctx, auditID)
	require.NoError(t, err)
	assert.True(t, entry.Compensated)
	assertQty(t, 8, f.operation(id, 0).CompletedQty)

	recs := f.records(id, 0)
	require.Len(t, recs, 1)
	require.Len(t, recs[0].Entries, 1)
	assertQty(t, 8, recs[0].Entries[0].Produced)
}

func TestRecovery_GraceExcludesFreshEntries(t *testing.T) {
	f := defaultFixture(t)
	id := f.order("WO-1", 10, 10)
	f.stuckPunch(id)

	rc := production.NewRecoverer(f.reporter, production.RecoverCompensate, time.Hour)
	report, err := rc.Run(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)

	f.clock.Advance(2 * time.Hour)
	report, err = rc.Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Compensated)
}

func TestRecovery_EntryWithoutWorkEntry(t *testing.T) {
	// GIVEN: An audit entry recorded by a process that died before the work record
	f := defaultFixture(t)
	id := f.order("WO-1", 10, 10)
	_, err := f.mem.Record(f.ctx, production.AuditEntry{
		ID: "orphan", OrderID: id, OperationIndex: 0, ActorID: "E-100",
		Produced: qty(2), PostingTime: shiftStart, CreatedAt: shiftStart,
	})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	// WHEN: Replaying
	report, err := production.NewRecoverer(f.reporter, production.RecoverReplay, 0).Run(f.ctx)

	// THEN: Nothing to replay from; compensated
	require.NoError(t, err)
	assert.Equal(t, 1, report.Compensated)
	assertQty(t, 0, f.operation(id, 0).CompletedQty)
}

func TestRecovery_InvalidModeDefaultsToCompensate(t *testing.T) {
	f := defaultFixture(t)
	rc := production.NewRecoverer(f.reporter, "bogus", 0)
	assert.Equal(t, production.RecoverCompensate, rc.Mode)
}
