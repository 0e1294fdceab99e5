/*
reporter.go - ReportOperation, the punch entry point

PURPOSE:
  Ties the components together for one punch and owns the failure
  handling between them.

FLOW:
  1. Quantity sanity (no lock, no reads)
  2. Actor resolution
  3. Operation lock with bounded wait
  4. Inside the lock:
     a. Load order, check it is active with materials transferred
     b. Authorization against the operation's workstation
     c. PunchValidator (sequence + capacity + completion rule)
     d. Audit entry recorded, processed=false
     e. WorkRecordManager appends the entry, completes the record if asked
     f. Ledger.Commit claims the audit entry and updates totals
     g. Projector rewrites the order produced quantity
  5. Remaining capacity re-read, event published

PARTIAL FAILURES:
  Validation failures have no side effects. If (e) fails the manager has
  already removed its entry. If (f) or (g) fails the ledger transaction is
  aborted and the work record change reverted while the lock is still
  held. Either way the audit entry is then marked compensated. When the
  revert itself fails the entry stays unprocessed and the recovery sweep
  picks it up.

SEE ALSO:
  - recovery.go: Finishes what a crashed or failed punch left behind
  - api/handlers.go: HTTP entry point
*/
package production

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/warp/punch-ledger/generic"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// EngineConfig tunes punch handling.
type EngineConfig struct {
	LockTimeout         time.Duration
	ConservativePending bool
	CompletionRule      CompletionRule
	RollupOnComplete    bool
	MinEntryInterval    time.Duration
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		LockTimeout:      5 * time.Second,
		CompletionRule:   CompletionExact,
		RollupOnComplete: true,
		MinEntryInterval: time.Minute,
	}
}

// =============================================================================
// REQUEST / RESULT
// =============================================================================

type ReportRequest struct {
	OrderID        OrderID
	OperationIndex int
	ActorToken     string
	Produced       generic.Quantity
	Rejected       generic.Quantity
	PostingTime    time.Time // zero means now
	Complete       bool
}

type ReportResult struct {
	Produced           generic.Quantity
	Rejected           generic.Quantity
	Remaining          generic.Quantity
	Completed          generic.Quantity
	RejectedTotal      generic.Quantity
	OrderProduced      generic.Quantity
	OperationCompleted bool
	WorkRecordID       string
	AuditEntryID       string
	Replayed           bool
}

// =============================================================================
// REPORTER
// =============================================================================

type Reporter struct {
	backend    Backend
	actors     ActorResolver
	authorizer Authorizer
	events     EventSink
	clock      generic.Clock
	cfg        EngineConfig
	logger     *log.Logger

	validator *PunchValidator
	manager   *WorkRecordManager
	ledger    *Ledger
	projector Projector
}

// Option customizes a Reporter.
type Option func(*Reporter)

func WithAuthorizer(a Authorizer) Option { return func(r *Reporter) { r.authorizer = a } }
func WithEventSink(s EventSink) Option { return func(r *Reporter) { r.events = s } }
func WithClock(c generic.Clock) Option { return func(r *Reporter) { r.clock = c } }
func WithLogger(l *log.Logger) Option { return func(r *Reporter) { r.logger = l } }

// WithCompletionCheck installs a veto on record completion.
func WithCompletionCheck(c CompletionCheck) Option {
	return func(r *Reporter) { r.manager.Check = c }
}

func NewReporter(backend Backend, actors ActorResolver, cfg EngineConfig, opts ...Option) *Reporter {
	if cfg.CompletionRule == "" {
		cfg.CompletionRule = CompletionExact
	}
	r := &Reporter{
		backend: backend,
		actors:  actors,
		clock:   generic.SystemClock{},
		cfg:     cfg,
		logger:  log.Default(),
	}
	r.validator = &PunchValidator{
		Audit:        backend,
		Rule:         cfg.CompletionRule,
		Conservative: cfg.ConservativePending,
	}
	r.manager = &WorkRecordManager{
		Store:            backend,
		MinEntryInterval: cfg.MinEntryInterval,
		RollupOnComplete: cfg.RollupOnComplete,
		Audit:            backend,
	}
	r.ledger = &Ledger{}
	for _, opt := range opts {
		opt(r)
	}
	r.manager.Clock = r.clock
	r.manager.Logger = r.logger
	r.ledger.Logger = r.logger
	return r
}

// Manager exposes the work record manager for recovery.
func (r *Reporter) Manager() *WorkRecordManager { return r.manager }

// Ledger exposes the ledger for recovery.
func (r *Reporter) Ledger() *Ledger { return r.ledger }

// Validator exposes the punch validator for recovery and read models.
func (r *Reporter) Validator() *PunchValidator { return r.validator }

// Config returns the engine configuration in use.
func (r *Reporter) Config() EngineConfig { return r.cfg }

// Capacity reads the remaining capacity of one operation under its lock.
func (r *Reporter) Capacity(ctx context.Context, key OperationKey) (Pending, error) {
	var pending Pending
	err := r.backend.WithOperationLock(ctx, key, r.cfg.LockTimeout, func(tx LedgerTx) error {
		order, err := tx.LoadOrder(ctx, key.OrderID)
		if err != nil {
			return err
		}
		pending, err = r.validator.PendingFor(ctx, tx, order, key.Index)
		return err
	})
	if errors.Is(err, generic.ErrLockTimeout) {
		return Pending{}, fmt.Errorf("%w: %w", ErrOperationLocked, err)
	}
	return pending, err
}

// ReportOperation records one punch. See the file header for the flow.
func (r *Reporter) ReportOperation(ctx context.Context, req ReportRequest) (*ReportResult, error) {
	if err := checkQuantities(req.Produced, req.Rejected); err != nil {
		return nil, err
	}

	actor, err := r.actors.ResolveActor(ctx, req.ActorToken)
	if err != nil {
		return nil, err
	}

	punch := Punch{
		OrderID:        req.OrderID,
		OperationIndex: req.OperationIndex,
		Actor:          actor,
		Produced:       req.Produced,
		Rejected:       req.Rejected,
		PostingTime:    stamp(req.PostingTime, r.clock).UTC(),
		Complete:       req.Complete,
	}
	key := OperationKey{OrderID: req.OrderID, Index: req.OperationIndex}

	var (
		result *ReportResult
		opName string
	)
	err = r.backend.WithOperationLock(ctx, key, r.cfg.LockTimeout, func(tx LedgerTx) error {
		res, name, err := r.apply(ctx, tx, punch)
		result, opName = res, name
		return err
	})
	if err != nil {
		if errors.Is(err, generic.ErrLockTimeout) {
			return nil, fmt.Errorf("%w: %w", ErrOperationLocked, err)
		}
		return nil, err
	}

	r.refreshRemaining(ctx, key, result)
	r.publish(ctx, punch, opName, result)

	r.logger.Info("punch recorded",
		"order", punch.OrderID, "operation", punch.OperationIndex,
		"actor", actor.ID, "produced", punch.Produced, "rejected", punch.Rejected,
		"remaining", result.Remaining, "completed", result.OperationCompleted)
	return result, nil
}

func (r *Reporter) apply(ctx context.Context, tx LedgerTx, punch Punch) (*ReportResult, string, error) {
	order, err := tx.LoadOrder(ctx, punch.OrderID)
	if err != nil {
		return nil, "", err
	}
	if order.Status != OrderActive {
		return nil, "", fmt.Errorf("%w: %s is %s", ErrOrderNotActive, order.ID, order.Status)
	}
	if !order.MaterialsTransferred {
		return nil, "", fmt.Errorf("%w: %s", ErrMaterialsNotTransferred, order.ID)
	}

	op, ok := order.Operation(punch.OperationIndex)
	if !ok {
		return nil, "", fmt.Errorf("%w: %d not in [0, %d)",
			ErrInvalidOperationIndex, punch.OperationIndex, len(order.Operations))
	}
	if err := r.authorize(ctx, order, op, punch.Actor); err != nil {
		return nil, op.Name, err
	}

	if _, err := r.validator.Validate(ctx, tx, order, punch); err != nil {
		return nil, op.Name, err
	}
	before := *op

	auditID, err := r.backend.Record(ctx, AuditEntry{
		ID:             uuid.New().String(),
		OrderID:        order.ID,
		OperationIndex: op.Index,
		OperationName:  op.Name,
		ActorID:        punch.Actor.ID,
		ActorName:      punch.Actor.Name,
		Produced:       punch.Produced,
		Rejected:       punch.Rejected,
		Complete:       punch.Complete,
		PostingTime:    punch.PostingTime,
		CreatedAt:      r.clock.Now(),
	})
	if err != nil {
		return nil, op.Name, fmt.Errorf("record audit entry: %w", err)
	}

	work, err := r.manager.ApplyPunch(ctx, tx, order, op, punch, auditID)
	if err != nil {
		r.abort(tx, auditID)
		if !errors.Is(err, ErrCompensationFailed) {
			r.markCompensated(ctx, auditID)
		}
		return nil, op.Name, err
	}

	totals, err := r.ledger.Commit(ctx, tx, CommitInput{
		Order:    order,
		Before:   before,
		Punch:    punch,
		AuditID:  auditID,
		Terminal: work.Completed,
	})
	if err != nil {
		return nil, op.Name, r.compensate(ctx, tx, work, auditID, err)
	}

	produced, err := r.projector.Apply(ctx, tx, order.ID)
	if err != nil {
		return nil, op.Name, r.compensate(ctx, tx, work, auditID,
			fmt.Errorf("%w: project order quantity: %w", ErrLedgerCommitFailed, err))
	}

	return &ReportResult{
		Produced:           punch.Produced,
		Rejected:           punch.Rejected,
		Remaining:          totals.Pending,
		Completed:          totals.Completed,
		RejectedTotal:      totals.Rejected,
		OrderProduced:      produced,
		OperationCompleted: totals.Reported,
		WorkRecordID:       work.Record.ID,
		AuditEntryID:       auditID,
		Replayed:           totals.Replayed,
	}, op.Name, nil
}

// compensate aborts the ledger transaction and undoes the work record change
// while the operation lock is still held.
func (r *Reporter) compensate(ctx context.Context, tx LedgerTx, work *WorkResult, auditID string, cause error) error {
	r.abort(tx, auditID)
	if err := r.manager.Revert(ctx, work); err != nil {
		r.logger.Error("compensation failed; audit entry left for recovery",
			"audit", auditID, "cause", cause, "err", err)
		return &CompensationError{AuditID: auditID, Cause: cause, Undo: err}
	}
	r.markCompensated(ctx, auditID)
	r.logger.Warn("punch compensated", "audit", auditID, "cause", cause)
	return cause
}

func (r *Reporter) abort(tx LedgerTx, auditID string) {
	if err := tx.Abort(); err != nil {
		r.logger.Warn("abort ledger transaction", "audit", auditID, "err", err)
	}
}

func (r *Reporter) markCompensated(ctx context.Context, auditID string) {
	if err := r.backend.MarkCompensated(ctx, auditID); err != nil {
		r.logger.Error("mark audit entry compensated", "audit", auditID, "err", err)
	}
}

func (r *Reporter) authorize(ctx context.Context, order *Order, op *Operation, actor Actor) error {
	if r.authorizer == nil {
		return nil
	}
	workstation := order.WorkstationFor(op)
	if workstation == "" {
		return nil
	}
	ok, err := r.authorizer.Authorized(ctx, workstation, actor.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrUnauthorized, actor.ID, workstation)
	}
	return nil
}

// refreshRemaining re-reads the operation after commit. On failure the value
// computed inside the transaction stands.
func (r *Reporter) refreshRemaining(ctx context.Context, key OperationKey, result *ReportResult) {
	order, err := r.backend.GetOrder(ctx, key.OrderID)
	if err != nil {
		r.logger.Warn("re-read remaining", "operation", key.String(), "err", err)
		return
	}
	op, ok := order.Operation(key.Index)
	if !ok {
		return
	}
	available := order.EffectiveRequired(op)
	if key.Index > 0 {
		available = available.Min(order.Operations[key.Index-1].CompletedQty)
	}
	remaining := available.Sub(op.Done())
	if r.cfg.ConservativePending {
		produced, rejected, err := r.backend.UnprocessedSum(ctx, key)
		if err != nil {
			r.logger.Warn("re-read in-flight quantity", "operation", key.String(), "err", err)
			return
		}
		remaining = remaining.Sub(produced.Add(rejected))
	}
	result.Remaining = remaining.ClampZero()
}

func (r *Reporter) publish(ctx context.Context, punch Punch, opName string, result *ReportResult) {
	if r.events == nil || result.Replayed {
		return
	}
	event := PunchEvent{
		ID:                 uuid.New().String(),
		OrderID:            punch.OrderID,
		OperationIndex:     punch.OperationIndex,
		OperationName:      opName,
		ActorID:            punch.Actor.ID,
		ActorName:          punch.Actor.Name,
		Produced:           punch.Produced,
		Rejected:           punch.Rejected,
		CompletedTotal:     result.Completed,
		RejectedTotal:      result.RejectedTotal,
		Remaining:          result.Remaining,
		OrderProduced:      result.OrderProduced,
		OperationCompleted: result.OperationCompleted,
		WorkRecordID:       result.WorkRecordID,
		AuditEntryID:       result.AuditEntryID,
		PostingTime:        punch.PostingTime,
	}
	if err := r.events.Publish(ctx, event); err != nil {
		r.logger.Warn("publish punch event", "order", punch.OrderID, "audit", result.AuditEntryID, "err", err)
	}
}

// checkQuantities enforces non-negative quantities with a positive sum.
func checkQuantities(produced, rejected generic.Quantity) error {
	if produced.IsNegative() || rejected.IsNegative() {
		return fmt.Errorf("%w: quantities must not be negative (produced %s, rejected %s)",
			ErrInvalidQuantity, produced, rejected)
	}
	if !produced.Add(rejected).IsPositive() {
		return fmt.Errorf("%w: produced + rejected must be greater than zero", ErrInvalidQuantity)
	}
	return nil
}

// stamp returns t, or the clock's now when t is zero.
func stamp(t time.Time, clock generic.Clock) time.Time {
	if !t.IsZero() {
		return t
	}
	return clock.Now()
}
