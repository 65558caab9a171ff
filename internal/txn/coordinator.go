package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/txflow/internal/core/classify"
	"github.com/vietddude/txflow/internal/core/domain"
	"github.com/vietddude/txflow/internal/emitter"
	"github.com/vietddude/txflow/internal/infra/storage"
	"github.com/vietddude/txflow/internal/metrics"
	"github.com/vietddude/txflow/internal/participant"
	"github.com/vietddude/txflow/internal/recovery"
	"github.com/vietddude/txflow/internal/rollback"
)

// Coordinator drives transactions through the two-phase lifecycle with state
// machine enforcement.
type Coordinator interface {
	// Begin opens a new transaction at the given isolation level.
	Begin(ctx context.Context, isolation domain.IsolationLevel) (*domain.TransactionContext, error)

	// Get returns a transaction by id, live or archived.
	Get(ctx context.Context, txID string) (*domain.TransactionContext, error)

	// Join enrolls registered participants into an active transaction.
	Join(ctx context.Context, txID string, participantIDs ...string) error

	// AddOperation appends an operation to an active transaction.
	AddOperation(ctx context.Context, txID string, op *domain.TransactionOperation) error

	// ExecuteOperations runs pending operations in dependency order through
	// the recovery executor. A failure that survives recovery aborts the
	// transaction before returning.
	ExecuteOperations(ctx context.Context, txID string) error

	// Prepare collects votes from every participant in registration order,
	// aborting on the first veto.
	Prepare(ctx context.Context, txID string) error

	// Commit makes a prepared transaction durable on every participant.
	Commit(ctx context.Context, txID string) error

	// Abort rolls back applied operations and participant reservations.
	Abort(ctx context.Context, txID string, reason string) (*domain.RollbackExecutionResult, error)

	// SetExecutionID links an active transaction to a workflow execution.
	SetExecutionID(ctx context.Context, txID, executionID string) error

	// Active returns the ids of transactions currently in flight.
	Active() []string

	// Resume reloads unfinished transactions from storage after a restart.
	Resume(ctx context.Context) ([]string, error)

	// SetStateChangeCallback registers callback for state changes.
	SetStateChangeCallback(fn func(txID string, t Transition))
}

// txHandle pairs a live transaction with the mutex that serializes its
// lifecycle methods and the participant locks it holds.
type txHandle struct {
	mu   sync.Mutex
	tc   *domain.TransactionContext
	held []string
}

// DefaultCoordinator implements Coordinator. Live transactions are kept in
// memory so runtime action bindings survive between calls; every mutation is
// mirrored to the repository for crash recovery.
type DefaultCoordinator struct {
	repo       storage.TransactionRepository
	audit      storage.RollbackRepository
	registry   *participant.Registry
	recovery   *recovery.Executor
	planner    *rollback.Planner
	rollback   *rollback.Executor
	classifier *classify.Classifier
	sink       emitter.Sink
	locks      Locker
	isolation  domain.IsolationLevel

	mu            sync.RWMutex
	active        map[string]*txHandle
	stateCallback func(string, Transition)
}

// Begin opens a new transaction at the given isolation level.
func (c *DefaultCoordinator) Begin(
	ctx context.Context,
	isolation domain.IsolationLevel,
) (*domain.TransactionContext, error) {
	if isolation == "" {
		isolation = c.isolation
	}

	now := time.Now().UTC()
	tc := &domain.TransactionContext{
		ID:         uuid.New().String(),
		Isolation:  isolation,
		State:      domain.TxStateCreated,
		Operations: make(map[string]*domain.TransactionOperation),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	h := &txHandle{tc: tc}

	c.mu.Lock()
	c.active[tc.ID] = h
	c.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := c.transition(ctx, tc, domain.TxStateActive, "transaction started"); err != nil {
		c.drop(tc.ID)
		return nil, err
	}
	metrics.ActiveTransactions.Inc()

	ev := domain.NewEvent(domain.EventTxStarted)
	ev.TransactionID = tc.ID
	ev.With("isolation", string(isolation))
	c.sink.Emit(ctx, ev)

	slog.Info("transaction started", "tx_id", tc.ID, "isolation", isolation)
	return tc, nil
}

// Get returns a transaction by id. Live transactions are returned directly
// and must be treated as read-only; terminal ones come from the archive.
func (c *DefaultCoordinator) Get(ctx context.Context, txID string) (*domain.TransactionContext, error) {
	c.mu.RLock()
	h, ok := c.active[txID]
	c.mu.RUnlock()
	if ok {
		return h.tc, nil
	}

	tc, err := c.repo.Get(ctx, txID)
	if err == nil {
		return tc, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	return c.repo.GetArchived(ctx, txID)
}

// Join enrolls registered participants into an active transaction.
// Registration order is preserved; joining twice is a no-op.
func (c *DefaultCoordinator) Join(ctx context.Context, txID string, participantIDs ...string) error {
	h, err := c.handle(ctx, txID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	tc := h.tc
	if tc.State != domain.TxStateActive {
		return fmt.Errorf("%w: cannot join participants in state %s", domain.ErrInvalidState, tc.State)
	}

	for _, id := range participantIDs {
		if _, err := c.registry.Get(id); err != nil {
			return err
		}
		enroll(tc, id)
	}
	tc.UpdatedAt = time.Now().UTC()
	return c.persist(ctx, tc)
}

// AddOperation appends an operation to an active transaction. Dependencies
// must reference operations already added, which keeps the graph acyclic by
// construction. The operation's participant is enrolled automatically.
func (c *DefaultCoordinator) AddOperation(
	ctx context.Context,
	txID string,
	op *domain.TransactionOperation,
) error {
	if op == nil {
		return errors.New("operation is nil")
	}

	h, err := c.handle(ctx, txID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	tc := h.tc
	if tc.State != domain.TxStateActive {
		return fmt.Errorf("%w: cannot add operations in state %s", domain.ErrInvalidState, tc.State)
	}

	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.Type == "" {
		op.Type = domain.OperationTypeCustom
	}
	if op.ParticipantID == "" {
		return errors.New("operation participant id is empty")
	}
	if _, ok := tc.Operations[op.ID]; ok {
		return fmt.Errorf("%w: operation %s", domain.ErrDuplicate, op.ID)
	}
	if _, err := c.registry.Get(op.ParticipantID); err != nil {
		return err
	}
	for _, dep := range op.DependsOn {
		if _, ok := tc.Operations[dep]; !ok {
			return fmt.Errorf("%w: dependency %s", domain.ErrNotFound, dep)
		}
	}

	op.Status = domain.OperationPending
	tc.Operations[op.ID] = op
	tc.OperationOrder = append(tc.OperationOrder, op.ID)
	enroll(tc, op.ParticipantID)
	tc.UpdatedAt = time.Now().UTC()
	return c.persist(ctx, tc)
}

// ExecuteOperations runs every pending operation through the recovery
// executor. Dependencies are validated at insertion time, so insertion order
// is already a valid execution order. The first failure that survives
// recovery aborts the transaction and is returned to the caller.
func (c *DefaultCoordinator) ExecuteOperations(ctx context.Context, txID string) error {
	h, err := c.handle(ctx, txID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	tc := h.tc
	if tc.State != domain.TxStateActive {
		return fmt.Errorf("%w: cannot execute operations in state %s", domain.ErrInvalidState, tc.State)
	}

	for _, id := range tc.OperationOrder {
		op := tc.Operations[id]
		if op.Status == domain.OperationCompleted {
			continue
		}
		if err := c.runOperation(ctx, h, op); err != nil {
			return err
		}
	}
	return nil
}

func (c *DefaultCoordinator) runOperation(
	ctx context.Context,
	h *txHandle,
	op *domain.TransactionOperation,
) error {
	tc := h.tc

	// No forward binding means the participant applies the effect out of
	// band. The operation still participates in rollback planning.
	if op.Actions == nil || op.Actions.Forward == nil {
		op.Status = domain.OperationCompleted
		op.CompletedAt = time.Now().UTC()
		return c.persist(ctx, tc)
	}

	op.Status = domain.OperationExecuting
	op.StartedAt = time.Now().UTC()
	if err := c.persist(ctx, tc); err != nil {
		return err
	}

	result, rec, err := c.recovery.ExecuteWithRecovery(ctx, recovery.Request{
		ExecutionID:   tc.ExecutionID,
		TransactionID: tc.ID,
		OperationID:   operationKey(op),
		ParticipantID: op.ParticipantID,
		Operation:     op.Actions.Forward,
		Parameters:    op.Parameters,
	})
	if err != nil {
		op.Status = domain.OperationFailed
		op.Error = err.Error()
		info := c.classifier.Describe(err, classify.Context{
			TransactionID: tc.ID,
			OperationID:   op.ID,
			ParticipantID: op.ParticipantID,
			RetryCount:    len(rec.Attempts),
		})
		tc.Errors = append(tc.Errors, info)
		metrics.OperationsTotal.WithLabelValues(op.ParticipantID, "failure").Inc()
		slog.Error("operation failed, aborting transaction",
			"tx_id", tc.ID,
			"operation_id", op.ID,
			"participant_id", op.ParticipantID,
			"category", info.Category,
			"error", err,
		)

		reason := fmt.Sprintf("operation %s failed", op.ID)
		if _, abortErr := c.completeAbort(context.WithoutCancel(ctx), h, reason); abortErr != nil {
			slog.Error("abort after operation failure did not complete",
				"tx_id", tc.ID, "error", abortErr)
		}
		return fmt.Errorf("operation %s failed: %w", op.ID, err)
	}

	op.Status = domain.OperationCompleted
	op.Result = result
	op.CompletedAt = time.Now().UTC()
	metrics.OperationsTotal.WithLabelValues(op.ParticipantID, "success").Inc()
	return c.persist(ctx, tc)
}

// Prepare collects votes from every participant in registration order. Above
// read committed, participant locks are acquired first and held until the
// transaction reaches a terminal state. The first veto aborts the
// transaction.
func (c *DefaultCoordinator) Prepare(ctx context.Context, txID string) error {
	h, err := c.handle(ctx, txID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	tc := h.tc
	if err := c.transition(ctx, tc, domain.TxStatePreparing, "prepare requested"); err != nil {
		return err
	}

	if tc.Isolation.Serialized() && len(tc.Participants) > 0 {
		held, err := c.locks.Acquire(ctx, tc.Participants)
		if err != nil {
			c.abortAfterFailure(ctx, h, "participant lock acquisition failed")
			return fmt.Errorf("prepare failed: %w", err)
		}
		h.held = held
	}

	pctx := ContextWithTransactionID(ctx, tc.ID)
	for _, pid := range tc.Participants {
		p, err := c.registry.Get(pid)
		if err == nil {
			err = p.Prepare(pctx)
		}
		if err != nil {
			c.recordParticipantError(tc, domain.CategoryPrepare, pid, err)
			slog.Warn("participant vetoed prepare", "tx_id", tc.ID, "participant_id", pid, "error", err)
			c.abortAfterFailure(ctx, h, fmt.Sprintf("participant %s vetoed prepare", pid))
			return fmt.Errorf("prepare failed at participant %s: %w", pid, err)
		}
	}

	return c.transition(ctx, tc, domain.TxStatePrepared, "all participants prepared")
}

// Commit makes a prepared transaction durable. Every participant gets its
// commit call even if an earlier one fails; any failure then aborts the
// transaction so already committed participants are compensated.
func (c *DefaultCoordinator) Commit(ctx context.Context, txID string) error {
	h, err := c.handle(ctx, txID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	tc := h.tc
	if err := c.transition(ctx, tc, domain.TxStateCommitting, "commit requested"); err != nil {
		return err
	}

	var firstErr error
	var failed string
	pctx := ContextWithTransactionID(ctx, tc.ID)
	for _, pid := range tc.Participants {
		p, err := c.registry.Get(pid)
		if err == nil {
			err = p.Commit(pctx)
		}
		if err != nil {
			c.recordParticipantError(tc, domain.CategoryCommit, pid, err)
			slog.Error("participant commit failed", "tx_id", tc.ID, "participant_id", pid, "error", err)
			if firstErr == nil {
				firstErr, failed = err, pid
			}
		}
	}
	if firstErr != nil {
		c.abortAfterFailure(ctx, h, fmt.Sprintf("participant %s failed to commit", failed))
		return fmt.Errorf("commit failed at participant %s: %w", failed, firstErr)
	}

	if err := c.transition(ctx, tc, domain.TxStateCommitted, "commit complete"); err != nil {
		return err
	}
	c.finalize(ctx, h, "committed")

	ev := domain.NewEvent(domain.EventTxCommitted)
	ev.TransactionID = tc.ID
	ev.With("operations", len(tc.OperationOrder))
	c.sink.Emit(ctx, ev)

	slog.Info("transaction committed", "tx_id", tc.ID, "operations", len(tc.OperationOrder))
	return nil
}

// Abort rolls back a non-terminal transaction.
func (c *DefaultCoordinator) Abort(
	ctx context.Context,
	txID string,
	reason string,
) (*domain.RollbackExecutionResult, error) {
	h, err := c.handle(ctx, txID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.tc.State.IsTerminal() {
		return nil, fmt.Errorf("%w: cannot abort from %s", domain.ErrInvalidStateTransition, h.tc.State)
	}
	if reason == "" {
		reason = "abort requested"
	}
	return c.completeAbort(ctx, h, reason)
}

// SetExecutionID links an active transaction to a workflow execution.
func (c *DefaultCoordinator) SetExecutionID(ctx context.Context, txID, executionID string) error {
	h, err := c.handle(ctx, txID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	tc := h.tc
	if tc.State != domain.TxStateActive {
		return fmt.Errorf("%w: cannot bind execution in state %s", domain.ErrInvalidState, tc.State)
	}
	tc.ExecutionID = executionID
	tc.UpdatedAt = time.Now().UTC()
	return c.persist(ctx, tc)
}

// Active returns the ids of transactions currently in flight, sorted.
func (c *DefaultCoordinator) Active() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.active))
	for id := range c.active {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Resume reloads unfinished transactions after a restart. Action bindings do
// not survive a restart, so resumed transactions are typically inspected and
// aborted; participant-level rollback still works through the registry.
func (c *DefaultCoordinator) Resume(ctx context.Context) ([]string, error) {
	txs, err := c.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active transactions: %w", err)
	}

	var resumed []string
	c.mu.Lock()
	for _, tc := range txs {
		if _, ok := c.active[tc.ID]; ok {
			continue
		}
		if tc.Operations == nil {
			tc.Operations = make(map[string]*domain.TransactionOperation)
		}
		c.active[tc.ID] = &txHandle{tc: tc}
		metrics.ActiveTransactions.Inc()
		resumed = append(resumed, tc.ID)
	}
	c.mu.Unlock()

	if len(resumed) > 0 {
		slog.Info("resumed unfinished transactions", "count", len(resumed))
	}
	return resumed, nil
}

// SetStateChangeCallback registers callback for state changes.
func (c *DefaultCoordinator) SetStateChangeCallback(fn func(txID string, t Transition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateCallback = fn
}

// completeAbort drives an in-flight transaction to Aborted: rollback plan
// over executed operations, participant rollbacks in reverse registration
// order, then archive. Caller holds h.mu.
func (c *DefaultCoordinator) completeAbort(
	ctx context.Context,
	h *txHandle,
	reason string,
) (*domain.RollbackExecutionResult, error) {
	tc := h.tc
	if tc.State != domain.TxStateAborting {
		if err := c.transition(ctx, tc, domain.TxStateAborting, reason); err != nil {
			return nil, err
		}
	}

	var result *domain.RollbackExecutionResult
	plan, err := c.planner.BuildPlan(tc)
	if err != nil {
		slog.Error("rollback planning failed", "tx_id", tc.ID, "error", err)
	} else if plan.Len() > 0 {
		if c.audit != nil {
			if err := c.audit.SavePlan(ctx, plan.Snapshot()); err != nil {
				slog.Warn("failed to persist rollback plan", "tx_id", tc.ID, "error", err)
			}
		}
		result, err = c.rollback.Execute(ctx, plan)
		if err != nil {
			slog.Error("rollback execution failed", "tx_id", tc.ID, "error", err)
		} else {
			for _, opRes := range result.Operations {
				if opRes.Outcome != domain.RollbackSuccess && opRes.Outcome != domain.RollbackCompensationApplied {
					continue
				}
				if op := tc.Operation(opRes.OperationID); op != nil {
					op.Status = domain.OperationRolledBack
				}
			}
			if c.audit != nil {
				if err := c.audit.SaveResult(ctx, result); err != nil {
					slog.Warn("failed to persist rollback result", "tx_id", tc.ID, "error", err)
				}
			}
		}
	}

	// Participant-level rollback runs in reverse registration order and is
	// best effort: every participant gets its call.
	pctx := ContextWithTransactionID(ctx, tc.ID)
	for i := len(tc.Participants) - 1; i >= 0; i-- {
		pid := tc.Participants[i]
		p, err := c.registry.Get(pid)
		if err != nil {
			slog.Warn("participant not registered for rollback", "tx_id", tc.ID, "participant_id", pid)
			continue
		}
		if err := p.Rollback(pctx); err != nil {
			c.recordParticipantError(tc, domain.CategoryRollback, pid, err)
			slog.Warn("participant rollback failed", "tx_id", tc.ID, "participant_id", pid, "error", err)
		}
	}

	if err := c.transition(ctx, tc, domain.TxStateAborted, reason); err != nil {
		return result, err
	}
	c.finalize(ctx, h, "aborted")

	ev := domain.NewEvent(domain.EventTxAborted)
	ev.TransactionID = tc.ID
	ev.With("reason", reason)
	if result != nil {
		ev.With("rollback_outcome", string(result.Outcome))
	}
	c.sink.Emit(ctx, ev)

	slog.Info("transaction aborted", "tx_id", tc.ID, "reason", reason)
	return result, nil
}

// abortAfterFailure completes an abort on a detached context so cleanup runs
// even when the caller's context is already cancelled.
func (c *DefaultCoordinator) abortAfterFailure(ctx context.Context, h *txHandle, reason string) {
	if _, err := c.completeAbort(context.WithoutCancel(ctx), h, reason); err != nil {
		slog.Error("abort did not complete", "tx_id", h.tc.ID, "reason", reason, "error", err)
	}
}

// finalize releases participant locks, archives the document and retires the
// live handle. Caller holds h.mu and the transaction is terminal.
func (c *DefaultCoordinator) finalize(ctx context.Context, h *txHandle, outcome string) {
	tc := h.tc
	c.locks.Release(h.held)
	h.held = nil

	if err := c.repo.Archive(ctx, tc); err != nil {
		slog.Error("failed to archive transaction", "tx_id", tc.ID, "error", err)
	}
	c.drop(tc.ID)

	metrics.ActiveTransactions.Dec()
	metrics.TransactionsTotal.WithLabelValues(outcome).Inc()
	metrics.TransactionDuration.WithLabelValues(outcome).Observe(time.Since(tc.CreatedAt).Seconds())
}

// transition applies a validated state change, persists it and notifies the
// state callback.
func (c *DefaultCoordinator) transition(
	ctx context.Context,
	tc *domain.TransactionContext,
	to State,
	reason string,
) error {
	if !CanTransition(tc.State, to) {
		return fmt.Errorf(
			"%w: cannot transition from %s to %s",
			domain.ErrInvalidStateTransition,
			tc.State,
			to,
		)
	}

	t := NewTransition(tc.State, to, reason)
	tc.State = to
	tc.UpdatedAt = time.Now().UTC()
	if to.IsTerminal() {
		tc.CompletedAt = tc.UpdatedAt
	}
	if err := c.persist(ctx, tc); err != nil {
		return err
	}

	c.mu.RLock()
	cb := c.stateCallback
	c.mu.RUnlock()
	if cb != nil {
		cb(tc.ID, t)
	}
	return nil
}

func (c *DefaultCoordinator) recordParticipantError(
	tc *domain.TransactionContext,
	category domain.ErrorCategory,
	pid string,
	err error,
) {
	terr := domain.NewTransactionError(category, string(category)+" "+pid, err)
	info := c.classifier.Describe(terr, classify.Context{
		TransactionID: tc.ID,
		ParticipantID: pid,
	})
	tc.Errors = append(tc.Errors, info)
}

// handle returns the live handle for txID. Transactions that exist only in
// storage cannot be mutated: terminal documents surface
// ErrInvalidStateTransition, everything else ErrNotFound.
func (c *DefaultCoordinator) handle(ctx context.Context, txID string) (*txHandle, error) {
	c.mu.RLock()
	h, ok := c.active[txID]
	c.mu.RUnlock()
	if ok {
		return h, nil
	}

	tc, err := c.repo.Get(ctx, txID)
	if err != nil && errors.Is(err, domain.ErrNotFound) {
		tc, err = c.repo.GetArchived(ctx, txID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, txID)
	}
	if tc.State.IsTerminal() {
		return nil, fmt.Errorf("%w: transaction %s is %s", domain.ErrInvalidStateTransition, txID, tc.State)
	}
	// Written by a previous process. Resume must adopt it before it can
	// be driven again.
	return nil, fmt.Errorf("%w: transaction %s is not resident", domain.ErrNotFound, txID)
}

func (c *DefaultCoordinator) drop(txID string) {
	c.mu.Lock()
	delete(c.active, txID)
	c.mu.Unlock()
}

func (c *DefaultCoordinator) persist(ctx context.Context, tc *domain.TransactionContext) error {
	if err := c.repo.Save(ctx, tc); err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}
	return nil
}

// operationKey is the logical identity used for breaker state and recovery
// config lookup. Names group attempts across transactions; ids are unique
// per operation.
func operationKey(op *domain.TransactionOperation) string {
	if op.Name != "" {
		return op.Name
	}
	return op.ID
}

func enroll(tc *domain.TransactionContext, pid string) {
	for _, existing := range tc.Participants {
		if existing == pid {
			return
		}
	}
	tc.Participants = append(tc.Participants, pid)
}
