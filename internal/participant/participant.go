package participant

import "context"

// Participant is a resource manager enrolled in two-phase commit. The
// coordinator drives all three phases; implementations must tolerate a phase
// being invoked more than once for the same transaction.
type Participant interface {
	// ID returns the stable identifier the participant registers under.
	ID() string

	// Prepare reserves whatever the participant needs to guarantee that a
	// later Commit cannot fail. Returning an error vetoes the transaction.
	Prepare(ctx context.Context) error

	// Commit makes the prepared work durable and visible.
	Commit(ctx context.Context) error

	// Rollback releases reservations and undoes any effects already applied.
	Rollback(ctx context.Context) error
}

// Funcs adapts plain functions to the Participant interface. A nil callback
// succeeds, so partial implementations stay cheap to declare.
type Funcs struct {
	Name       string
	OnPrepare  func(ctx context.Context) error
	OnCommit   func(ctx context.Context) error
	OnRollback func(ctx context.Context) error
}

// ID returns the participant name.
func (f *Funcs) ID() string {
	return f.Name
}

// Prepare runs the prepare callback, if any.
func (f *Funcs) Prepare(ctx context.Context) error {
	if f.OnPrepare == nil {
		return nil
	}
	return f.OnPrepare(ctx)
}

// Commit runs the commit callback, if any.
func (f *Funcs) Commit(ctx context.Context) error {
	if f.OnCommit == nil {
		return nil
	}
	return f.OnCommit(ctx)
}

// Rollback runs the rollback callback, if any.
func (f *Funcs) Rollback(ctx context.Context) error {
	if f.OnRollback == nil {
		return nil
	}
	return f.OnRollback(ctx)
}
