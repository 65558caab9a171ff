package domain

import "time"

// WorkflowState is the lifecycle of a workflow execution.
type WorkflowState string

const (
	WorkflowCreated   WorkflowState = "created"
	WorkflowRunning   WorkflowState = "running"
	WorkflowCompleted WorkflowState = "completed"
	WorkflowFailed    WorkflowState = "failed"
	WorkflowCancelled WorkflowState = "cancelled"
	WorkflowSuspended WorkflowState = "suspended"
)

// StepStatus tracks one workflow step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepState is the per-step entry inside an execution context.
type StepState struct {
	StepID      string         `json:"step_id"`
	Status      StepStatus     `json:"status"`
	Attempts    int            `json:"attempts,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at,omitzero"`
	CompletedAt time.Time      `json:"completed_at,omitzero"`
}

// WorkflowExecutionContext is the serializable snapshot unit checkpoints
// embed. Everything needed to resume from the last step boundary lives here.
type WorkflowExecutionContext struct {
	ExecutionID string        `json:"execution_id"`
	WorkflowID  string        `json:"workflow_id"`
	State       WorkflowState `json:"state"`
	CurrentStep string        `json:"current_step,omitempty"`

	Steps     map[string]*StepState `json:"steps,omitempty"`
	StepOrder []string              `json:"step_order,omitempty"`
	Variables map[string]any        `json:"variables,omitempty"`

	// TransactionID links the execution to a transactional region.
	TransactionID string `json:"transaction_id,omitempty"`
	// CompositeID links the execution to a parent composite workflow.
	CompositeID string `json:"composite_id,omitempty"`

	StartedAt time.Time `json:"started_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Clone deep-copies the context so a checkpoint is immune to later mutation.
func (c *WorkflowExecutionContext) Clone() *WorkflowExecutionContext {
	if c == nil {
		return nil
	}
	out := *c
	if c.Steps != nil {
		out.Steps = make(map[string]*StepState, len(c.Steps))
		for k, v := range c.Steps {
			s := *v
			if v.Output != nil {
				s.Output = make(map[string]any, len(v.Output))
				for ok, ov := range v.Output {
					s.Output[ok] = ov
				}
			}
			out.Steps[k] = &s
		}
	}
	if c.StepOrder != nil {
		out.StepOrder = append([]string(nil), c.StepOrder...)
	}
	if c.Variables != nil {
		out.Variables = make(map[string]any, len(c.Variables))
		for k, v := range c.Variables {
			out.Variables[k] = v
		}
	}
	return &out
}

// LastCompletedStep returns the id of the most recent completed step in
// StepOrder, or "" when none completed.
func (c *WorkflowExecutionContext) LastCompletedStep() string {
	last := ""
	for _, id := range c.StepOrder {
		s, ok := c.Steps[id]
		if !ok {
			continue
		}
		if s.Status == StepCompleted {
			last = id
		}
	}
	return last
}

// WorkflowCheckpoint is an immutable snapshot of an execution context.
type WorkflowCheckpoint struct {
	ID          string                    `json:"id"`
	ExecutionID string                    `json:"execution_id"`
	Context     *WorkflowExecutionContext `json:"context"`
	Metadata    map[string]string         `json:"metadata,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
}

// CheckpointRecoveryStrategy selects which checkpoint recovery restores from.
type CheckpointRecoveryStrategy string

const (
	RestoreFromLatest    CheckpointRecoveryStrategy = "restore_from_latest"
	RestoreFromSpecific  CheckpointRecoveryStrategy = "restore_from_specific"
	RestoreFromBest      CheckpointRecoveryStrategy = "restore_from_best"
	RestartFromBeginning CheckpointRecoveryStrategy = "restart_from_beginning"
)

// RecoveryOptions parameterize workflow recovery.
type RecoveryOptions struct {
	Strategy CheckpointRecoveryStrategy `json:"strategy"`
	// CheckpointID is required for RestoreFromSpecific.
	CheckpointID string `json:"checkpoint_id,omitempty"`
	// ValidateCheckpoint enables semantic validation on top of the always-on
	// structural checks.
	ValidateCheckpoint bool `json:"validate_checkpoint,omitempty"`
	// FallthroughOnInvalid tries the next-best checkpoint instead of
	// surfacing a validation failure.
	FallthroughOnInvalid bool `json:"fallthrough_on_invalid,omitempty"`
}
