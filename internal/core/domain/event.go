package domain

import "time"

// EventType enumerates everything the engine emits for external publication.
// Delivery (bus, log, metrics) is the sink's problem, not the engine's.
type EventType string

const (
	EventTxStarted   EventType = "transaction_started"
	EventTxCommitted EventType = "transaction_committed"
	EventTxAborted   EventType = "transaction_aborted"

	EventRollbackStarted     EventType = "rollback_started"
	EventRollbackOpCompleted EventType = "rollback_operation_completed"
	EventRollbackCompleted   EventType = "rollback_completed"

	EventRecoveryStarted          EventType = "recovery_started"
	EventRecoveryAttemptCompleted EventType = "recovery_attempt_completed"
	EventRecoveryCompleted        EventType = "recovery_completed"

	EventBreakerStateChanged EventType = "circuit_breaker_state_changed"

	EventCheckpointCreated EventType = "checkpoint_created"

	EventRecoveryConfigRegistered   EventType = "recovery_config_registered"
	EventRecoveryConfigUnregistered EventType = "recovery_config_unregistered"
)

// Event is one engine notification.
type Event struct {
	Type          EventType      `json:"type"`
	TransactionID string         `json:"transaction_id,omitempty"`
	ExecutionID   string         `json:"execution_id,omitempty"`
	OperationID   string         `json:"operation_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	EmittedAt     time.Time      `json:"emitted_at"`
}

// NewEvent stamps an event with the current time.
func NewEvent(t EventType) *Event {
	return &Event{Type: t, EmittedAt: time.Now(), Payload: map[string]any{}}
}

// With adds a payload field and returns the event for chaining.
func (e *Event) With(key string, value any) *Event {
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	e.Payload[key] = value
	return e
}
