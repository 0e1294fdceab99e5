/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes for the HTTP API, kept apart from the production types so
  field names can change without touching the engine.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

QUANTITIES:
  generic.Quantity marshals as a JSON number with exact decimal text, so
  quantities round-trip without float drift.

TIMES:
  RFC3339 strings in UTC. Empty when unset.

SEE ALSO:
  - handlers.go: Uses these types
  - production/types.go: Domain types
*/
package api

import (
	"errors"
	"time"

	"github.com/warp/punch-ledger/generic"
	"github.com/warp/punch-ledger/identity"
	"github.com/warp/punch-ledger/production"
)

// =============================================================================
// ORDERS
// =============================================================================

type OrderDTO struct {
	ID                   string           `json:"id"`
	Item                 string           `json:"item"`
	RequiredQty          generic.Quantity `json:"required_qty"`
	ProducedQty          generic.Quantity `json:"produced_qty"`
	Status               string           `json:"status"`
	MaterialsTransferred bool             `json:"materials_transferred"`
	Workstation          string           `json:"workstation,omitempty"`
	ActivatedAt          string           `json:"activated_at,omitempty"`
	CreatedAt            string           `json:"created_at,omitempty"`
	Operations           []OperationDTO   `json:"operations"`
}

type OperationDTO struct {
	Index          int              `json:"index"`
	Name           string           `json:"name"`
	Workstation    string           `json:"workstation,omitempty"`
	RequiredQty    generic.Quantity `json:"required_qty"`
	CompletedQty   generic.Quantity `json:"completed_qty"`
	RejectedQty    generic.Quantity `json:"rejected_qty"`
	Reported       bool             `json:"reported"`
	ReportedBy     string           `json:"reported_by,omitempty"`
	ReportedByName string           `json:"reported_by_name,omitempty"`
	ReportedAt     string           `json:"reported_at,omitempty"`
}

type CreateOrderRequest struct {
	ID          string                   `json:"id"`
	Item        string                   `json:"item"`
	Quantity    generic.Quantity         `json:"quantity"`
	Workstation string                   `json:"workstation"`
	Operations  []CreateOperationRequest `json:"operations"`
}

type CreateOperationRequest struct {
	Name        string           `json:"name"`
	Workstation string           `json:"workstation"`
	RequiredQty generic.Quantity `json:"required_qty"`
}

type MaterialsRequest struct {
	Transferred bool `json:"transferred"`
}

// CapacityDTO is the remaining capacity of one operation.
type CapacityDTO struct {
	OrderID   string           `json:"order_id"`
	Index     int              `json:"index"`
	Available generic.Quantity `json:"available"`
	Done      generic.Quantity `json:"done"`
	InFlight  generic.Quantity `json:"in_flight"`
	Remaining generic.Quantity `json:"remaining"`
}

// =============================================================================
// PUNCHES
// =============================================================================

// PunchRequest reports production against one operation. ActorToken may be
// omitted when the Authorization header carries a bearer token.
type PunchRequest struct {
	ActorToken  string           `json:"actor_token"`
	Produced    generic.Quantity `json:"produced"`
	Rejected    generic.Quantity `json:"rejected"`
	PostingTime string           `json:"posting_time"`
	Complete    bool             `json:"complete"`
}

type PunchResultDTO struct {
	AuditEntryID       string           `json:"audit_entry_id"`
	WorkRecordID       string           `json:"work_record_id"`
	Produced           generic.Quantity `json:"produced"`
	Rejected           generic.Quantity `json:"rejected"`
	Remaining          generic.Quantity `json:"remaining"`
	CompletedTotal     generic.Quantity `json:"completed_total"`
	RejectedTotal      generic.Quantity `json:"rejected_total"`
	OrderProduced      generic.Quantity `json:"order_produced"`
	OperationCompleted bool             `json:"operation_completed"`
}

type PunchRecordDTO struct {
	AuditEntryID   string           `json:"audit_entry_id"`
	OperationIndex int              `json:"operation_index"`
	OperationName  string           `json:"operation_name"`
	EmployeeNumber string           `json:"employee_number"`
	EmployeeName   string           `json:"employee_name"`
	Produced       generic.Quantity `json:"produced"`
	Rejected       generic.Quantity `json:"rejected"`
	PostingTime    string           `json:"posting_time"`
}

// HistoryDTO groups punches by operation index, ascending.
type HistoryDTO struct {
	OrderID    string                `json:"order_id"`
	Operations []OperationHistoryDTO `json:"operations"`
}

type OperationHistoryDTO struct {
	Index   int              `json:"index"`
	Punches []PunchRecordDTO `json:"punches"`
}

type ArchiveDTO struct {
	Location string `json:"location"`
}

// =============================================================================
// RECOVERY
// =============================================================================

type AuditEntryDTO struct {
	ID             string           `json:"id"`
	OrderID        string           `json:"order_id"`
	OperationIndex int              `json:"operation_index"`
	ActorID        string           `json:"actor_id"`
	Produced       generic.Quantity `json:"produced"`
	Rejected       generic.Quantity `json:"rejected"`
	Complete       bool             `json:"complete"`
	PostingTime    string           `json:"posting_time"`
	CreatedAt      string           `json:"created_at"`
}

type RecoveryReportDTO struct {
	Mode        string `json:"mode"`
	Scanned     int    `json:"scanned"`
	Compensated int    `json:"compensated"`
	Replayed    int    `json:"replayed"`
	Skipped     int    `json:"skipped"`
	Failed      int    `json:"failed"`
	RanAt       string `json:"ran_at,omitempty"`
}

// =============================================================================
// MASTER DATA
// =============================================================================

type EmployeeDTO struct {
	Number string `json:"number"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type WorkstationDTO struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Authorized []string `json:"authorized"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response. Code is production.Kind.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toOrderDTO(o *production.Order) OrderDTO {
	ops := make([]OperationDTO, len(o.Operations))
	for i := range o.Operations {
		op := &o.Operations[i]
		ops[i] = OperationDTO{
			Index:          op.Index,
			Name:           op.Name,
			Workstation:    o.WorkstationFor(op),
			RequiredQty:    o.EffectiveRequired(op),
			CompletedQty:   op.CompletedQty,
			RejectedQty:    op.RejectedQty,
			Reported:       op.Reported,
			ReportedBy:     op.ReportedBy,
			ReportedByName: op.ReportedByName,
			ReportedAt:     generic.FormatTimestamp(op.ReportedAt),
		}
	}
	return OrderDTO{
		ID:                   string(o.ID),
		Item:                 o.Item,
		RequiredQty:          o.RequiredQty,
		ProducedQty:          o.ProducedQty,
		Status:               string(o.Status),
		MaterialsTransferred: o.MaterialsTransferred,
		Workstation:          o.Workstation,
		ActivatedAt:          generic.FormatTimestamp(o.ActivatedAt),
		CreatedAt:            generic.FormatTimestamp(o.CreatedAt),
		Operations:           ops,
	}
}

func (req CreateOrderRequest) toOrder(now time.Time) (production.Order, error) {
	if req.ID == "" {
		return production.Order{}, errors.New("id is required")
	}
	if !req.Quantity.IsPositive() {
		return production.Order{}, errors.New("quantity must be > 0")
	}
	if len(req.Operations) == 0 {
		return production.Order{}, errors.New("at least one operation is required")
	}
	ops := make([]production.Operation, len(req.Operations))
	for i, op := range req.Operations {
		if op.Name == "" {
			return production.Order{}, errors.New("operation name is required")
		}
		if op.RequiredQty.IsNegative() {
			return production.Order{}, errors.New("operation required_qty must be >= 0")
		}
		ops[i] = production.Operation{
			OrderID:     production.OrderID(req.ID),
			Index:       i,
			Name:        op.Name,
			Workstation: op.Workstation,
			RequiredQty: op.RequiredQty,
		}
	}
	return production.Order{
		ID:          production.OrderID(req.ID),
		Item:        req.Item,
		RequiredQty: req.Quantity,
		Status:      production.OrderDraft,
		Workstation: req.Workstation,
		CreatedAt:   now,
		Operations:  ops,
	}, nil
}

func toPunchResultDTO(res *production.ReportResult) PunchResultDTO {
	return PunchResultDTO{
		AuditEntryID:       res.AuditEntryID,
		WorkRecordID:       res.WorkRecordID,
		Produced:           res.Produced,
		Rejected:           res.Rejected,
		Remaining:          res.Remaining,
		CompletedTotal:     res.Completed,
		RejectedTotal:      res.RejectedTotal,
		OrderProduced:      res.OrderProduced,
		OperationCompleted: res.OperationCompleted,
	}
}

func toHistoryDTO(id production.OrderID, h production.History) HistoryDTO {
	out := HistoryDTO{OrderID: string(id), Operations: []OperationHistoryDTO{}}
	for _, idx := range h.Indexes() {
		punches := make([]PunchRecordDTO, len(h[idx]))
		for i, p := range h[idx] {
			punches[i] = PunchRecordDTO{
				AuditEntryID:   p.AuditID,
				OperationIndex: p.OperationIndex,
				OperationName:  p.OperationName,
				EmployeeNumber: p.ActorID,
				EmployeeName:   p.ActorName,
				Produced:       p.Produced,
				Rejected:       p.Rejected,
				PostingTime:    generic.FormatTimestamp(p.PostingTime),
			}
		}
		out.Operations = append(out.Operations, OperationHistoryDTO{Index: idx, Punches: punches})
	}
	return out
}

func toAuditEntryDTO(e production.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:             e.ID,
		OrderID:        string(e.OrderID),
		OperationIndex: e.OperationIndex,
		ActorID:        e.ActorID,
		Produced:       e.Produced,
		Rejected:       e.Rejected,
		Complete:       e.Complete,
		PostingTime:    generic.FormatTimestamp(e.PostingTime),
		CreatedAt:      generic.FormatTimestamp(e.CreatedAt),
	}
}

func toRecoveryReportDTO(mode production.RecoveryMode, r production.RecoveryReport, at time.Time) RecoveryReportDTO {
	return RecoveryReportDTO{
		Mode:        string(mode),
		Scanned:     r.Scanned,
		Compensated: r.Compensated,
		Replayed:    r.Replayed,
		Skipped:     r.Skipped,
		Failed:      r.Failed,
		RanAt:       generic.FormatTimestamp(at),
	}
}

func toEmployeeDTO(e identity.Employee) EmployeeDTO {
	return EmployeeDTO{Number: e.Number, Name: e.Name, Active: e.Active}
}
