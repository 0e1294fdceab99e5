package production

import (
	"context"
	"time"

	"github.com/warp/punch-ledger/generic"
)

// PunchEvent is published after a punch is committed.
type PunchEvent struct {
	ID                 string           `json:"id"`
	OrderID            OrderID          `json:"order_id"`
	OperationIndex     int              `json:"operation_index"`
	OperationName      string           `json:"operation_name"`
	ActorID            string           `json:"actor_id"`
	ActorName          string           `json:"actor_name"`
	Produced           generic.Quantity `json:"produced"`
	Rejected           generic.Quantity `json:"rejected"`
	CompletedTotal     generic.Quantity `json:"completed_total"`
	RejectedTotal      generic.Quantity `json:"rejected_total"`
	Remaining          generic.Quantity `json:"remaining"`
	OrderProduced      generic.Quantity `json:"order_produced"`
	OperationCompleted bool             `json:"operation_completed"`
	WorkRecordID       string           `json:"work_record_id"`
	AuditEntryID       string           `json:"audit_entry_id"`
	PostingTime        time.Time        `json:"posting_time"`
}

// EventSink receives committed punches. Failures never change the outcome
// of the punch that produced the event.
type EventSink interface {
	Publish(ctx context.Context, event PunchEvent) error
}

// ActorResolver turns an opaque token into an employee.
type ActorResolver interface {
	ResolveActor(ctx context.Context, token string) (Actor, error)
}

// Authorizer decides whether an actor may report on a workstation.
type Authorizer interface {
	Authorized(ctx context.Context, workstationID, actorID string) (bool, error)
}
