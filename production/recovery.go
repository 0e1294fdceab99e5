package production

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/warp/punch-ledger/generic"
)

// =============================================================================
// RECOVERY - audit entries whose effect never landed
// =============================================================================

type RecoveryMode string

const (
	// RecoverCompensate undoes the work record entry and marks the audit
	// entry compensated.
	RecoverCompensate RecoveryMode = "compensate"
	// RecoverReplay folds the punch into the ledger if capacity still allows,
	// otherwise compensates.
	RecoverReplay RecoveryMode = "replay"
)

func (m RecoveryMode) Valid() bool {
	return m == RecoverCompensate || m == RecoverReplay
}

// RecoveryReport counts what one sweep did.
type RecoveryReport struct {
	Scanned     int
	Compensated int
	Replayed    int
	Skipped     int
	Failed      int
}

// Recoverer sweeps in-flight audit entries older than Grace. Each entry is
// handled under the same operation lock punches take.
type Recoverer struct {
	Backend     Backend
	Manager     *WorkRecordManager
	Ledger      *Ledger
	Validator   *PunchValidator
	Clock       generic.Clock
	Mode        RecoveryMode
	Grace       time.Duration
	LockTimeout time.Duration
	Logger      *log.Logger
}

// NewRecoverer shares the reporter's components and configuration.
func NewRecoverer(r *Reporter, mode RecoveryMode, grace time.Duration) *Recoverer {
	if !mode.Valid() {
		mode = RecoverCompensate
	}
	return &Recoverer{
		Backend:     r.backend,
		Manager:     r.manager,
		Ledger:      r.ledger,
		Validator:   r.validator,
		Clock:       r.clock,
		Mode:        mode,
		Grace:       grace,
		LockTimeout: r.cfg.LockTimeout,
		Logger:      r.logger,
	}
}

// Pending lists the entries the next sweep would look at.
func (rc *Recoverer) Pending(ctx context.Context) ([]AuditEntry, error) {
	return rc.Backend.Unprocessed(ctx, rc.Clock.Now().Add(-rc.Grace))
}

// Run sweeps once. Per-entry failures are counted and joined into the error;
// they never stop the sweep.
func (rc *Recoverer) Run(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	entries, err := rc.Pending(ctx)
	if err != nil {
		return report, fmt.Errorf("list unprocessed audit entries: %w", err)
	}

	var errs []error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		outcome, err := rc.recoverOne(ctx, entry)
		if err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("audit %s: %w", entry.ID, err))
			rc.logger().Error("recover audit entry", "audit", entry.ID, "err", err)
			continue
		}
		switch outcome {
		case RecoverCompensate:
			report.Compensated++
		case RecoverReplay:
			report.Replayed++
		default:
			report.Skipped++
		}
	}

	if report.Scanned > 0 {
		rc.logger().Info("recovery sweep",
			"scanned", report.Scanned, "compensated", report.Compensated,
			"replayed", report.Replayed, "skipped", report.Skipped, "failed", report.Failed)
	}
	return report, errors.Join(errs...)
}

func (rc *Recoverer) recoverOne(ctx context.Context, entry AuditEntry) (RecoveryMode, error) {
	var outcome RecoveryMode
	err := rc.Backend.WithOperationLock(ctx, entry.Key(), rc.LockTimeout, func(tx LedgerTx) error {
		current, err := rc.Backend.Get(ctx, entry.ID)
		if err != nil {
			return err
		}
		if !current.InFlight() {
			return nil
		}

		if rc.Mode == RecoverReplay {
			replayed, err := rc.replay(ctx, tx, current)
			if err != nil {
				return err
			}
			if replayed {
				outcome = RecoverReplay
				return nil
			}
			if err := tx.Abort(); err != nil {
				return err
			}
		}

		if _, err := rc.Manager.RevertByAudit(ctx, current.ID); err != nil {
			return err
		}
		if err := rc.Backend.MarkCompensated(ctx, current.ID); err != nil {
			return err
		}
		outcome = RecoverCompensate
		return nil
	})
	if errors.Is(err, generic.ErrLockTimeout) {
		return "", fmt.Errorf("%w: %w", ErrOperationLocked, err)
	}
	return outcome, err
}

// replay commits the entry through the ledger. It returns false when the
// punch can no longer be applied and should be compensated instead.
func (rc *Recoverer) replay(ctx context.Context, tx LedgerTx, entry *AuditEntry) (bool, error) {
	rec, err := rc.Backend.FindByAudit(ctx, entry.ID)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}

	order, err := tx.LoadOrder(ctx, entry.OrderID)
	if err != nil {
		return false, err
	}
	pending, err := rc.Validator.PendingFor(ctx, tx, order, entry.OperationIndex)
	if err != nil {
		return false, err
	}
	punch := Punch{
		OrderID:        entry.OrderID,
		OperationIndex: entry.OperationIndex,
		Actor:          Actor{ID: entry.ActorID, Name: entry.ActorName},
		Produced:       entry.Produced,
		Rejected:       entry.Rejected,
		PostingTime:    entry.PostingTime,
		Complete:       entry.Complete,
	}
	limit := pending.Available.Sub(pending.Done).Sub(pending.InFlight)
	if pending.InFlight.IsPositive() {
		// Conservative pending counted this very entry as in flight.
		limit = limit.Add(punch.Total())
	}
	limit = limit.ClampZero()
	if punch.Total().ExceedsBy(limit, generic.StrictEpsilon) {
		rc.logger().Warn("replay exceeds pending; compensating",
			"audit", entry.ID, "requested", punch.Total(), "pending", limit)
		return false, nil
	}

	before, err := tx.Operation(ctx, entry.Key())
	if err != nil {
		return false, err
	}
	last := rec.LastEntry()
	terminal := rec.State == RecordCompleted && last != nil && last.AuditID == entry.ID

	if _, err := rc.Ledger.Commit(ctx, tx, CommitInput{
		Order:    order,
		Before:   *before,
		Punch:    punch,
		AuditID:  entry.ID,
		Terminal: terminal,
	}); err != nil {
		return false, err
	}
	if _, err := (Projector{}).Apply(ctx, tx, order.ID); err != nil {
		return false, err
	}
	rc.logger().Info("audit entry replayed", "audit", entry.ID, "operation", entry.Key().String())
	return true, nil
}

func (rc *Recoverer) logger() *log.Logger {
	if rc.Logger == nil {
		return log.Default()
	}
	return rc.Logger
}
