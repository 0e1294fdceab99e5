package production_test

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/warp/punch-ledger/generic"
	"github.com/warp/punch-ledger/identity"
	"github.com/warp/punch-ledger/production"
	"github.com/warp/punch-ledger/production/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var shiftStart = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fixture struct {
	t        *testing.T
	ctx      context.Context
	mem      *store.Memory
	clock    *generic.FixedClock
	reporter *production.Reporter
	cfg      production.EngineConfig
}

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func newFixture(t *testing.T, cfg production.EngineConfig, opts ...production.Option) *fixture {
	t.Helper()
	mem := store.NewMemory()
	ctx := context.Background()
	clock := generic.NewFixedClock(shiftStart)

	for _, e := range []identity.Employee{
		{Number: "E-100", Name: "Ada Weld", Active: true},
		{Number: "E-200", Name: "Lin Press", Active: true},
		{Number: "E-900", Name: "Former Staff", Active: false},
	} {
		require.NoError(t, mem.SaveEmployee(ctx, e))
	}
	require.NoError(t, mem.SaveWorkstation(ctx, identity.Workstation{ID: "WS-CUT", Name: "Cutting"}))
	require.NoError(t, mem.SaveWorkstation(ctx, identity.Workstation{
		ID: "WS-PAINT", Name: "Paint booth", AuthorizedActors: []string{"E-100"},
	}))

	base := []production.Option{
		production.WithClock(clock),
		production.WithLogger(quietLogger()),
		production.WithAuthorizer(identity.NewWorkstationAuthorizer(mem)),
	}
	reporter := production.NewReporter(mem, identity.NewDirectoryResolver(mem), cfg, append(base, opts...)...)

	return &fixture{t: t, ctx: ctx, mem: mem, clock: clock, reporter: reporter, cfg: cfg}
}

func defaultFixture(t *testing.T, opts ...production.Option) *fixture {
	return newFixture(t, production.DefaultEngineConfig(), opts...)
}

// order creates an active order with materials transferred. Each required
// quantity becomes one operation on WS-CUT.
func (f *fixture) order(id string, orderQty float64, required ...float64) production.OrderID {
	f.t.Helper()
	ops := make([]production.Operation, len(required))
	for i, r := range required {
		ops[i] = production.Operation{
			Name:        fmt.Sprintf("op-%d", i),
			Workstation: "WS-CUT",
			RequiredQty: generic.NewQuantity(r),
		}
	}
	order := production.Order{
		ID:          production.OrderID(id),
		Item:        "WIDGET",
		RequiredQty: generic.NewQuantity(orderQty),
		Status:      production.OrderDraft,
		CreatedAt:   shiftStart,
		Operations:  ops,
	}
	require.NoError(f.t, f.mem.CreateOrder(f.ctx, order))
	require.NoError(f.t, f.mem.SetOrderStatus(f.ctx, order.ID, production.OrderActive, shiftStart))
	require.NoError(f.t, f.mem.SetMaterialsTransferred(f.ctx, order.ID, true))
	return order.ID
}

func (f *fixture) punch(id production.OrderID, index int, produced, rejected float64, complete bool) (*production.ReportResult, error) {
	f.clock.Advance(10 * time.Minute)
	return f.reporter.ReportOperation(f.ctx, production.ReportRequest{
		OrderID:        id,
		OperationIndex: index,
		ActorToken:     "E-100",
		Produced:       generic.NewQuantity(produced),
		Rejected:       generic.NewQuantity(rejected),
		Complete:       complete,
	})
}

func (f *fixture) mustPunch(id production.OrderID, index int, produced, rejected float64, complete bool) *production.ReportResult {
	f.t.Helper()
	res, err := f.punch(id, index, produced, rejected, complete)
	require.NoError(f.t, err)
	return res
}

func (f *fixture) operation(id production.OrderID, index int) production.Operation {
	f.t.Helper()
	order, err := f.mem.GetOrder(f.ctx, id)
	require.NoError(f.t, err)
	return order.Operations[index]
}

func (f *fixture) history(id production.OrderID) []production.AuditEntry {
	f.t.Helper()
	entries, err := f.mem.History(f.ctx, id)
	require.NoError(f.t, err)
	return entries
}

func (f *fixture) records(id production.OrderID, index int) []production.WorkRecord {
	f.t.Helper()
	recs, err := f.mem.ListRecords(f.ctx, production.OperationKey{OrderID: id, Index: index})
	require.NoError(f.t, err)
	return recs
}

// recordingSink keeps published events.
type recordingSink struct {
	mu     sync.Mutex
	events []production.PunchEvent
	err    error
}

func (s *recordingSink) Publish(_ context.Context, e production.PunchEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	return nil
}

func qty(v float64) generic.Quantity { return generic.NewQuantity(v) }

func assertQty(t *testing.T, want float64, got generic.Quantity, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, qty(want).Equal(got), "want %v, got %s %v", want, got, msgAndArgs)
}
