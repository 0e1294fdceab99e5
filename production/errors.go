/*
errors.go - Error taxonomy for punch reconciliation

PURPOSE:
  Every way ReportOperation can fail, as sentinels usable with errors.Is,
  plus structured errors that carry the numbers a caller needs to explain
  the rejection.

ERROR CATEGORIES:
  1. Validation - No side effects (index, sequence, quantity, completion)
  2. Lookup - Actor, order or workstation missing
  3. Concurrency - Lock wait exceeded (retryable)
  4. Partial failure - Work record transition or ledger commit failed;
     compensation already ran before the error surfaced

SEE ALSO:
  - generic/errors.go: Store-level errors these wrap
  - api/handlers.go: HTTP status mapping via Kind
*/
package production

import (
	"errors"
	"fmt"

	"github.com/warp/punch-ledger/generic"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidOperationIndex      = errors.New("invalid operation index")
	ErrOperationOutOfOrder        = errors.New("operation out of order")
	ErrAllOperationsReported      = errors.New("all operations already reported")
	ErrQuantityExceedsPending     = errors.New("quantity exceeds pending")
	ErrIncompleteQuantityMismatch = errors.New("completing punch must equal pending quantity")
	ErrActorNotFound              = errors.New("actor not found")
	ErrMissingResource            = errors.New("no workstation for operation")
	ErrUnauthorized               = errors.New("actor not authorized for workstation")
	ErrOperationLocked            = errors.New("operation locked by another punch")
	ErrWorkRecordTransitionFailed = errors.New("work record transition failed")
	ErrLedgerCommitFailed         = errors.New("ledger commit failed")

	ErrInvalidQuantity         = errors.New("invalid quantity")
	ErrOrderNotFound           = errors.New("order not found")
	ErrOrderNotActive          = errors.New("order not active")
	ErrMaterialsNotTransferred = errors.New("materials not transferred to work in progress")
	ErrCompletionDisabled      = errors.New("completing punches are disabled")
	ErrCompensationFailed      = errors.New("compensation failed")
	ErrWorkRecordImmutable     = errors.New("work record is completed")
	ErrAuditEntryNotFound      = errors.New("audit entry not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// SequenceError is returned when a punch targets an operation other than the
// first pending one. FirstPending is -1 when nothing is pending.
type SequenceError struct {
	Requested    int
	FirstPending int
}

func (e *SequenceError) Error() string {
	if e.FirstPending < 0 {
		return fmt.Sprintf("operation %d: all operations already reported", e.Requested)
	}
	return fmt.Sprintf("operation %d out of order: next reportable operation is %d",
		e.Requested, e.FirstPending)
}

func (e *SequenceError) Unwrap() error {
	if e.FirstPending < 0 {
		return ErrAllOperationsReported
	}
	return ErrOperationOutOfOrder
}

// PendingError is returned when a punch asks for more than the operation can
// still accept, or a completing punch does not match what is left.
type PendingError struct {
	Index      int
	Requested  generic.Quantity
	Pending    generic.Quantity
	Completing bool
}

func (e *PendingError) Error() string {
	if e.Completing {
		return fmt.Sprintf("operation %d: completing punch of %s must equal pending %s",
			e.Index, e.Requested, e.Pending)
	}
	return fmt.Sprintf("operation %d: requested %s exceeds pending %s",
		e.Index, e.Requested, e.Pending)
}

func (e *PendingError) Unwrap() error {
	if e.Completing {
		return ErrIncompleteQuantityMismatch
	}
	return ErrQuantityExceedsPending
}

// CompensationError reports a failure that could not be fully rolled back.
// The audit entry stays unprocessed so recovery can finish the job.
type CompensationError struct {
	AuditID string
	Cause   error
	Undo    error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("audit %s: %v; compensation failed: %v", e.AuditID, e.Cause, e.Undo)
}

func (e *CompensationError) Unwrap() []error {
	return []error{ErrCompensationFailed, e.Cause, e.Undo}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the same punch might succeed later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrOperationLocked) || generic.IsRetryable(err)
}

// IsClientError returns true if the punch itself was invalid.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidOperationIndex) ||
		errors.Is(err, ErrOperationOutOfOrder) ||
		errors.Is(err, ErrAllOperationsReported) ||
		errors.Is(err, ErrQuantityExceedsPending) ||
		errors.Is(err, ErrIncompleteQuantityMismatch) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrOrderNotActive) ||
		errors.Is(err, ErrMaterialsNotTransferred) ||
		errors.Is(err, ErrCompletionDisabled)
}

// IsNotFound returns true if something the punch referenced does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrActorNotFound) ||
		errors.Is(err, ErrAuditEntryNotFound) ||
		generic.IsNotFound(err)
}

// Kind returns a stable machine-readable name for err.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCompensationFailed):
		return "compensation_failed"
	case errors.Is(err, ErrInvalidOperationIndex):
		return "invalid_operation_index"
	case errors.Is(err, ErrAllOperationsReported):
		return "all_operations_reported"
	case errors.Is(err, ErrOperationOutOfOrder):
		return "operation_out_of_order"
	case errors.Is(err, ErrQuantityExceedsPending):
		return "quantity_exceeds_pending"
	case errors.Is(err, ErrIncompleteQuantityMismatch):
		return "incomplete_quantity_mismatch"
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ErrActorNotFound):
		return "actor_not_found"
	case errors.Is(err, ErrOrderNotFound):
		return "order_not_found"
	case errors.Is(err, ErrOrderNotActive):
		return "order_not_active"
	case errors.Is(err, ErrMaterialsNotTransferred):
		return "materials_not_transferred"
	case errors.Is(err, ErrCompletionDisabled):
		return "completion_disabled"
	case errors.Is(err, ErrMissingResource):
		return "missing_resource"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrOperationLocked):
		return "operation_locked"
	case errors.Is(err, ErrWorkRecordTransitionFailed):
		return "work_record_transition_failed"
	case errors.Is(err, ErrLedgerCommitFailed):
		return "ledger_commit_failed"
	default:
		return "internal"
	}
}
