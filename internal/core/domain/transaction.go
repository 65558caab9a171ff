package domain

import "time"

// TxState represents the lifecycle state of a transaction context.
type TxState string

const (
	TxStateCreated    TxState = "created"
	TxStateActive     TxState = "active"
	TxStatePreparing  TxState = "preparing"
	TxStatePrepared   TxState = "prepared"
	TxStateCommitting TxState = "committing"
	TxStateCommitted  TxState = "committed"
	TxStateAborting   TxState = "aborting"
	TxStateAborted    TxState = "aborted"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s TxState) IsTerminal() bool {
	return s == TxStateCommitted || s == TxStateAborted
}

// IsolationLevel controls visibility between concurrent transactions that
// touch overlapping participants.
type IsolationLevel string

const (
	IsolationReadCommitted  IsolationLevel = "read_committed"
	IsolationRepeatableRead IsolationLevel = "repeatable_read"
	IsolationSerializable   IsolationLevel = "serializable"
)

// Serialized reports whether overlapping participant sets must be serialized
// via per-participant locks at prepare time.
func (l IsolationLevel) Serialized() bool {
	return l == IsolationRepeatableRead || l == IsolationSerializable
}

// OperationStatus tracks a single operation inside a transaction.
type OperationStatus string

const (
	OperationPending    OperationStatus = "pending"
	OperationExecuting  OperationStatus = "executing"
	OperationCompleted  OperationStatus = "completed"
	OperationFailed     OperationStatus = "failed"
	OperationRolledBack OperationStatus = "rolled_back"
)

// OperationType distinguishes what kind of effect an operation has.
type OperationType string

const (
	OperationTypeInstall OperationType = "install"
	OperationTypeConfig  OperationType = "config"
	OperationTypeService OperationType = "service_call"
	OperationTypeCustom  OperationType = "custom"
)

// TransactionOperation is one step of a transaction. Operations form a DAG
// via DependsOn. The inverse/compensation binding is attached at runtime and
// must be safe to invoke more than once.
type TransactionOperation struct {
	ID            string          `json:"id"`
	Type          OperationType   `json:"type"`
	ParticipantID string          `json:"participant_id"`
	Name          string          `json:"name,omitempty"`
	Parameters    map[string]any  `json:"parameters,omitempty"`
	DependsOn     []string        `json:"depends_on,omitempty"`
	Status        OperationStatus `json:"status"`
	Result        any             `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	StartedAt     time.Time       `json:"started_at,omitzero"`
	CompletedAt   time.Time       `json:"completed_at,omitzero"`

	// Rollback traits, consumed when the operation is planned for undo.
	// Higher priority is undone earlier among independent operations.
	Priority      int  `json:"priority,omitempty"`
	Critical      bool `json:"critical,omitempty"`
	Compensatable bool `json:"compensatable,omitempty"`

	// Actions holds the forward/inverse bindings. Runtime only.
	Actions *OperationActions `json:"-"`
}

// TransactionContext is the unit of coordination. It is owned exclusively by
// the coordinator and mutated only through state-transition methods.
type TransactionContext struct {
	ID        string         `json:"id"`
	Isolation IsolationLevel `json:"isolation"`
	State     TxState        `json:"state"`

	// OperationOrder preserves insertion order; Operations is the arena
	// keyed by operation id.
	OperationOrder []string                         `json:"operation_order,omitempty"`
	Operations     map[string]*TransactionOperation `json:"operations,omitempty"`

	// Participants lists registered participant ids in registration order.
	Participants []string `json:"participants,omitempty"`

	// ExecutionID links this transaction to a workflow execution, if any.
	ExecutionID string `json:"execution_id,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`

	// Errors accumulates classified failures for audit.
	Errors []TransactionErrorInfo `json:"errors,omitempty"`
}

// ExecutedOperations returns the ids of operations that completed their
// forward action, in execution order. This is the input to rollback planning.
func (t *TransactionContext) ExecutedOperations() []string {
	out := make([]string, 0, len(t.OperationOrder))
	for _, id := range t.OperationOrder {
		op, ok := t.Operations[id]
		if !ok {
			continue
		}
		if op.Status == OperationCompleted {
			out = append(out, id)
		}
	}
	return out
}

// Operation returns the operation with the given id, or nil.
func (t *TransactionContext) Operation(id string) *TransactionOperation {
	if t.Operations == nil {
		return nil
	}
	return t.Operations[id]
}
