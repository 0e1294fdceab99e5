package fixtures

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/punch-ledger/generic"
	"github.com/warp/punch-ledger/identity"
	"github.com/warp/punch-ledger/production"
	"github.com/warp/punch-ledger/production/store"
)

var loadTime = time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)

func newReporter(mem *store.Memory) *production.Reporter {
	return production.NewReporter(mem, identity.NewDirectoryResolver(mem), production.DefaultEngineConfig(),
		production.WithClock(generic.NewFixedClock(loadTime)),
		production.WithLogger(log.New(io.Discard)),
		production.WithAuthorizer(identity.NewWorkstationAuthorizer(mem)),
	)
}

func TestLoad_PlantFixture(t *testing.T) {
	f, err := Load("testdata/plant.yaml")
	require.NoError(t, err)

	assert.Equal(t, "plant-demo", f.Name)
	assert.Len(t, f.Employees, 3)
	require.Len(t, f.Orders, 2)
	assert.Len(t, f.Orders[0].Operations, 3)
	assert.Equal(t, []string{"E-100"}, f.Workstations[1].Authorized)
}

func TestApply_SeedsStoreAndReplaysPunches(t *testing.T) {
	// GIVEN: The plant fixture and an empty store
	ctx := context.Background()
	mem := store.NewMemory()
	f, err := Load("testdata/plant.yaml")
	require.NoError(t, err)

	// WHEN: Applying it
	sum, err := f.Apply(ctx, mem, newReporter(mem), loadTime)

	// THEN: Everything is written and punches reached the ledger
	require.NoError(t, err)
	assert.Equal(t, Summary{Employees: 3, Workstations: 2, Orders: 2, Punches: 3}, sum)

	emp, err := mem.EmployeeByNumber(ctx, "E-300")
	require.NoError(t, err)
	assert.False(t, emp.Active)

	order, err := mem.GetOrder(ctx, "WO-1001")
	require.NoError(t, err)
	assert.Equal(t, production.OrderActive, order.Status)
	assert.True(t, order.MaterialsTransferred)
	assert.Equal(t, loadTime, order.ActivatedAt)
	assert.True(t, order.Operations[0].Reported)
	assert.True(t, generic.NewQuantity(48).Equal(order.Operations[0].CompletedQty))
	assert.True(t, generic.NewQuantity(2).Equal(order.Operations[0].RejectedQty))
	assert.True(t, generic.NewQuantity(10).Equal(order.Operations[1].CompletedQty))
	assert.Equal(t, "WS-PAINT", order.Operations[2].Workstation)

	draft, err := mem.GetOrder(ctx, "WO-1002")
	require.NoError(t, err)
	assert.Equal(t, production.OrderDraft, draft.Status)
	assert.False(t, draft.MaterialsTransferred)
}

func TestApply_WithoutReporterSkipsPunches(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	f, err := Load("testdata/plant.yaml")
	require.NoError(t, err)

	sum, err := f.Apply(ctx, mem, nil, loadTime)

	require.NoError(t, err)
	assert.Zero(t, sum.Punches)
	order, err := mem.GetOrder(ctx, "WO-1001")
	require.NoError(t, err)
	assert.True(t, order.Operations[0].CompletedQty.IsZero())
}

func TestApply_RejectedPunchStopsLoading(t *testing.T) {
	// GIVEN: A punch on a draft order
	f, err := Parse([]byte(`
name: bad-punch
employees: [{number: E-1, name: One}]
workstations: [{id: WS, name: Station}]
orders:
  - {id: WO-1, item: X, quantity: 5, workstation: WS, operations: [{name: cut}]}
punches:
  - {order: WO-1, operation: 0, employee: E-1, produced: 1}
`))
	require.NoError(t, err)
	mem := store.NewMemory()

	// WHEN: Applying
	sum, err := f.Apply(context.Background(), mem, newReporter(mem), loadTime)

	// THEN: Master data and order exist, the punch failed
	assert.ErrorIs(t, err, production.ErrOrderNotActive)
	assert.Equal(t, 1, sum.Orders)
	assert.Zero(t, sum.Punches)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		errMsg string
	}{
		{"unknown field", "name: x\nemployes: []\n", "failed to parse YAML"},
		{"missing name", "employees: []\n", "name is required"},
		{"unknown authorized employee", "name: x\nworkstations: [{id: WS, authorized: [E-9]}]\n", "unknown employee"},
		{"zero quantity", "name: x\norders: [{id: WO, quantity: 0, operations: [{name: a}]}]\n", "quantity must be > 0"},
		{"no operations", "name: x\norders: [{id: WO, quantity: 1}]\n", "at least one operation"},
		{"bad status", "name: x\norders: [{id: WO, quantity: 1, status: done, operations: [{name: a}]}]\n", "invalid status"},
		{"unknown workstation", "name: x\norders: [{id: WO, quantity: 1, workstation: WS, operations: [{name: a}]}]\n", "unknown workstation"},
		{"duplicate order", "name: x\norders: [{id: WO, quantity: 1, operations: [{name: a}]}, {id: WO, quantity: 1, operations: [{name: a}]}]\n", "duplicate id"},
		{"punch unknown order", "name: x\npunches: [{order: WO, employee: E}]\n", "unknown order"},
		{"punch bad operation", "name: x\nemployees: [{number: E}]\norders: [{id: WO, quantity: 1, operations: [{name: a}]}]\npunches: [{order: WO, operation: 1, employee: E}]\n", "has no operation 1"},
		{"punch bad offset", "name: x\nemployees: [{number: E}]\norders: [{id: WO, quantity: 1, operations: [{name: a}]}]\npunches: [{order: WO, employee: E, after: soon}]\n", "invalid after"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
