/*
errors.go - Store-level error types shared by every backend

PURPOSE:
  Errors that do not belong to the production domain: missing rows,
  lock timeouts, failed database transactions. Domain packages wrap
  these with context (see production/errors.go).

ERROR CATEGORIES:
  1. Lookup errors - Row does not exist
  2. Concurrency errors - Lock wait exceeded, concurrent modification
  3. Store errors - Database-level failures

USAGE:
  if errors.Is(err, generic.ErrLockTimeout) {
      // retry later
  }

SEE ALSO:
  - lock.go: Produces ErrLockTimeout
  - production/errors.go: Domain error taxonomy
*/
package generic

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLockTimeout is returned when a lock could not be acquired within its
	// bounded wait.
	ErrLockTimeout = errors.New("lock wait timeout")

	// ErrTransactionFailed is returned when a database transaction cannot be
	// begun or committed.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrConcurrentModification is returned when a conditional update finds the
	// row changed underneath it.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateKey is returned when an insert collides with an existing id.
	ErrDuplicateKey = errors.New("duplicate key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// LockTimeoutError names the key that could not be locked.
type LockTimeoutError struct {
	Key    string
	Waited time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock %q not acquired after %v", e.Key, e.Waited)
}

func (e *LockTimeoutError) Unwrap() error {
	return ErrLockTimeout
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrLockTimeout)
}

// IsNotFound returns true if the error indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
