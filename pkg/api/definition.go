package api

import (
	"context"
	"log/slog"
	"time"
)

// StateFunc is the logic bound to a state. The returned string is the
// trigger used to pick the next transition unless the state declares a
// transition method. A non-nil error selects the "!" trigger.
type StateFunc func(ctx context.Context, sc *StateContext) (string, error)

// TransitionFunc computes the trigger for a state that declares a
// transition method (stateName:method in the table).
type TransitionFunc func(ctx context.Context, sc *StateContext) (string, error)

// TaskDefinition binds a state table to the functions that implement it.
//
// States maps state names to logic; a state without logic is a pass-through
// whose trigger is empty, so only its "*" rule can match. Transitions maps
// transition method names declared in the table to their implementation.
type TaskDefinition struct {
	Name    string
	Version string

	// Table is the textual state table.
	Table string

	States      map[string]StateFunc
	Transitions map[string]TransitionFunc

	// DefaultPriority and DefaultTimeout apply to enqueued tasks that leave
	// those fields unset.
	DefaultPriority Priority
	DefaultTimeout  time.Duration
}

// StateEnv gives state logic access to the stores behind the engine.
type StateEnv interface {
	ActiveSignals(ctx context.Context, taskID int64) ([]*Signal, error)
	ConsumeSignal(ctx context.Context, sig *Signal) error
	EnqueueChild(ctx context.Context, parent *Task, child *Task) (int64, error)
	Children(ctx context.Context, parentID int64) ([]*Task, error)
}

// StateContext is passed to StateFunc and TransitionFunc. It is only valid
// for the duration of one step.
type StateContext struct {
	Task   *Task
	State  string
	Logger *slog.Logger

	env StateEnv
}

// NewStateContext builds a StateContext for one step of task in state.
func NewStateContext(task *Task, state string, env StateEnv, logger *slog.Logger) *StateContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateContext{
		Task:   task,
		State:  state,
		Logger: logger,
		env:    env,
	}
}

// Data returns the persistent context map of the current state.
func (sc *StateContext) Data() map[string]any {
	return sc.Task.Snapshot.StateData(sc.State)
}

// Linked returns the context map of another state. The map is nil when that
// state has not stored anything.
func (sc *StateContext) Linked(state string) map[string]any {
	if sc.Task.Snapshot == nil {
		return nil
	}
	return sc.Task.Snapshot.Context[state]
}

// Signals returns the unconsumed signals addressed to the task, oldest first.
func (sc *StateContext) Signals(ctx context.Context) ([]*Signal, error) {
	return sc.env.ActiveSignals(ctx, sc.Task.ID)
}

// Consume marks a signal as consumed.
func (sc *StateContext) Consume(ctx context.Context, sig *Signal) error {
	return sc.env.ConsumeSignal(ctx, sig)
}

// AddChild enqueues child as a child task of the current task.
func (sc *StateContext) AddChild(ctx context.Context, child *Task) (int64, error) {
	return sc.env.EnqueueChild(ctx, sc.Task, child)
}

// Children returns the child tasks of the current task.
func (sc *StateContext) Children(ctx context.Context) ([]*Task, error) {
	return sc.env.Children(ctx, sc.Task.ID)
}

// SetExit records the exit status the task completes with when it reaches
// the finish state.
func (sc *StateContext) SetExit(status ExitStatus, message string) {
	sc.Task.ExitStatus = status
	sc.Task.ExitMessage = message
}

// StepOutcome describes what a single step did.
type StepOutcome string

const (
	// StepIdle means the task was not runnable and nothing changed.
	StepIdle StepOutcome = "IDLE"
	// StepAdvanced means the task moved to a non-terminal state.
	StepAdvanced StepOutcome = "ADVANCED"
	// StepCompleted means the task reached COMPLETE.
	StepCompleted StepOutcome = "COMPLETED"
)

// StepResult is returned by Engine.StepTask.
type StepResult struct {
	Outcome StepOutcome
	From    string
	Trigger string
	To      string

	// Err is the error raised by state logic, if any. It never aborts the step.
	Err error
}
