/*
fixtures.go - YAML seed data for development and demos

PURPOSE:
  Populates a store with employees, workstations, orders and optional
  punches from one YAML file, so a fresh database can be exercised end to
  end without hand-written SQL.

FILE FORMAT:
  name: plant-demo
  employees:
    - {number: E-100, name: Ada Weld}
  workstations:
    - {id: WS-CUT, name: Cutting, authorized: [E-100]}
  orders:
    - id: WO-1
      item: BRACKET
      quantity: 50
      workstation: WS-CUT
      status: active            # draft | active
      materials_transferred: true
      operations:
        - {name: cut, required: 50}
        - {name: paint, workstation: WS-PAINT}
  punches:
    - {order: WO-1, operation: 0, employee: E-100, produced: 20}

HOW LOADING WORKS:
  1. Decode with unknown fields rejected (typos fail loudly)
  2. Validate references (orders -> workstations, punches -> orders)
  3. Save master data, create orders, activate and transfer materials
  4. Replay punches through the Reporter, so they hit the same
     validation and ledger path as live traffic

NOTE:
  Loading is additive. Saving an employee or workstation twice overwrites
  it; creating an order that already exists fails.

SEE ALSO:
  - api/handlers.go: POST /api/fixtures/load
  - cmd/server/main.go: seed command
*/
package fixtures

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warp/punch-ledger/generic"
	"github.com/warp/punch-ledger/identity"
	"github.com/warp/punch-ledger/production"
)

// =============================================================================
// FILE SHAPE
// =============================================================================

type Fixture struct {
	Name         string        `yaml:"name"`
	Description  string        `yaml:"description,omitempty"`
	Employees    []Employee    `yaml:"employees"`
	Workstations []Workstation `yaml:"workstations"`
	Orders       []Order       `yaml:"orders"`
	Punches      []Punch       `yaml:"punches,omitempty"`
}

type Employee struct {
	Number   string `yaml:"number"`
	Name     string `yaml:"name"`
	Inactive bool   `yaml:"inactive,omitempty"`
}

type Workstation struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	Authorized []string `yaml:"authorized,omitempty"`
}

type Order struct {
	ID                   string      `yaml:"id"`
	Item                 string      `yaml:"item"`
	Quantity             float64     `yaml:"quantity"`
	Workstation          string      `yaml:"workstation,omitempty"`
	Status               string      `yaml:"status,omitempty"`
	MaterialsTransferred bool        `yaml:"materials_transferred,omitempty"`
	Operations           []Operation `yaml:"operations"`
}

type Operation struct {
	Name        string  `yaml:"name"`
	Workstation string  `yaml:"workstation,omitempty"`
	Required    float64 `yaml:"required,omitempty"` // 0 falls back to the order quantity
}

type Punch struct {
	Order     string  `yaml:"order"`
	Operation int     `yaml:"operation"`
	Employee  string  `yaml:"employee"`
	Produced  float64 `yaml:"produced"`
	Rejected  float64 `yaml:"rejected,omitempty"`
	Complete  bool    `yaml:"complete,omitempty"`
	After     string  `yaml:"after,omitempty"` // offset from load time, e.g. "90m"
}

// =============================================================================
// DECODING
// =============================================================================

// Load reads and validates a fixture file.
func Load(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates fixture YAML.
func Parse(data []byte) (*Fixture, error) {
	var f Fixture
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fixture: %w", err)
	}
	return &f, nil
}

// Validate checks required fields and cross references.
func (f *Fixture) Validate() error {
	if f.Name == "" {
		return errors.New("name is required")
	}

	employees := map[string]bool{}
	for i, e := range f.Employees {
		if e.Number == "" {
			return fmt.Errorf("employees[%d]: number is required", i)
		}
		employees[e.Number] = true
	}

	stations := map[string]bool{}
	for i, w := range f.Workstations {
		if w.ID == "" {
			return fmt.Errorf("workstations[%d]: id is required", i)
		}
		for _, a := range w.Authorized {
			if !employees[a] {
				return fmt.Errorf("workstation %s: unknown employee %q", w.ID, a)
			}
		}
		stations[w.ID] = true
	}

	orders := map[string]*Order{}
	for i := range f.Orders {
		o := &f.Orders[i]
		if o.ID == "" {
			return fmt.Errorf("orders[%d]: id is required", i)
		}
		if orders[o.ID] != nil {
			return fmt.Errorf("order %s: duplicate id", o.ID)
		}
		if o.Quantity <= 0 {
			return fmt.Errorf("order %s: quantity must be > 0", o.ID)
		}
		switch o.Status {
		case "", string(production.OrderDraft), string(production.OrderActive):
		default:
			return fmt.Errorf("order %s: invalid status %q", o.ID, o.Status)
		}
		if len(o.Operations) == 0 {
			return fmt.Errorf("order %s: at least one operation is required", o.ID)
		}
		if o.Workstation != "" && !stations[o.Workstation] {
			return fmt.Errorf("order %s: unknown workstation %q", o.ID, o.Workstation)
		}
		for j, op := range o.Operations {
			if op.Name == "" {
				return fmt.Errorf("order %s operation %d: name is required", o.ID, j)
			}
			if op.Workstation != "" && !stations[op.Workstation] {
				return fmt.Errorf("order %s operation %d: unknown workstation %q", o.ID, j, op.Workstation)
			}
			if op.Required < 0 {
				return fmt.Errorf("order %s operation %d: required must be >= 0", o.ID, j)
			}
		}
		orders[o.ID] = o
	}

	for i, p := range f.Punches {
		o := orders[p.Order]
		if o == nil {
			return fmt.Errorf("punches[%d]: unknown order %q", i, p.Order)
		}
		if p.Operation < 0 || p.Operation >= len(o.Operations) {
			return fmt.Errorf("punches[%d]: order %s has no operation %d", i, p.Order, p.Operation)
		}
		if !employees[p.Employee] {
			return fmt.Errorf("punches[%d]: unknown employee %q", i, p.Employee)
		}
		if p.After != "" {
			if _, err := time.ParseDuration(p.After); err != nil {
				return fmt.Errorf("punches[%d]: invalid after: %w", i, err)
			}
		}
	}
	return nil
}

// =============================================================================
// APPLYING
// =============================================================================

// Target is what a fixture writes to.
type Target interface {
	production.OrderStore
	identity.Registry
}

// Summary counts what Apply wrote.
type Summary struct {
	Employees    int `json:"employees"`
	Workstations int `json:"workstations"`
	Orders       int `json:"orders"`
	Punches      int `json:"punches"`
}

// Apply writes the fixture. Punches go through reporter and are skipped when
// reporter is nil. Times are relative to now.
func (f *Fixture) Apply(ctx context.Context, target Target, reporter *production.Reporter, now time.Time) (Summary, error) {
	var sum Summary
	now = now.UTC()

	for _, e := range f.Employees {
		err := target.SaveEmployee(ctx, identity.Employee{Number: e.Number, Name: e.Name, Active: !e.Inactive})
		if err != nil {
			return sum, fmt.Errorf("save employee %s: %w", e.Number, err)
		}
		sum.Employees++
	}

	for _, w := range f.Workstations {
		err := target.SaveWorkstation(ctx, identity.Workstation{ID: w.ID, Name: w.Name, AuthorizedActors: w.Authorized})
		if err != nil {
			return sum, fmt.Errorf("save workstation %s: %w", w.ID, err)
		}
		sum.Workstations++
	}

	for _, o := range f.Orders {
		if err := createOrder(ctx, target, o, now); err != nil {
			return sum, fmt.Errorf("create order %s: %w", o.ID, err)
		}
		sum.Orders++
	}

	if reporter == nil {
		return sum, nil
	}
	for i, p := range f.Punches {
		at := now
		if p.After != "" {
			d, _ := time.ParseDuration(p.After)
			at = now.Add(d)
		}
		_, err := reporter.ReportOperation(ctx, production.ReportRequest{
			OrderID:        production.OrderID(p.Order),
			OperationIndex: p.Operation,
			ActorToken:     p.Employee,
			Produced:       generic.NewQuantity(p.Produced),
			Rejected:       generic.NewQuantity(p.Rejected),
			PostingTime:    at,
			Complete:       p.Complete,
		})
		if err != nil {
			return sum, fmt.Errorf("punches[%d]: %w", i, err)
		}
		sum.Punches++
	}
	return sum, nil
}

func createOrder(ctx context.Context, target Target, o Order, now time.Time) error {
	ops := make([]production.Operation, len(o.Operations))
	for i, op := range o.Operations {
		ops[i] = production.Operation{
			OrderID:     production.OrderID(o.ID),
			Index:       i,
			Name:        op.Name,
			Workstation: op.Workstation,
			RequiredQty: generic.NewQuantity(op.Required),
		}
	}
	order := production.Order{
		ID:          production.OrderID(o.ID),
		Item:        o.Item,
		RequiredQty: generic.NewQuantity(o.Quantity),
		Status:      production.OrderDraft,
		Workstation: o.Workstation,
		CreatedAt:   now,
		Operations:  ops,
	}
	if err := target.CreateOrder(ctx, order); err != nil {
		return err
	}
	if o.Status == string(production.OrderActive) {
		if err := target.SetOrderStatus(ctx, order.ID, production.OrderActive, now); err != nil {
			return err
		}
	}
	if o.MaterialsTransferred {
		return target.SetMaterialsTransferred(ctx, order.ID, true)
	}
	return nil
}
