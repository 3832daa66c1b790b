package api

import (
	"context"
	"time"
)

// Engine is the high-level engine API.
type Engine interface {
	// RegisterTaskType parses and binds a task definition. Registering the
	// same name and version twice is allowed only with an identical table.
	RegisterTaskType(def TaskDefinition) error

	// Enqueue validates the task against its registered type, attaches a
	// fresh snapshot at the start state and persists it as NOT_STARTED.
	Enqueue(ctx context.Context, task *Task) (int64, error)

	// StepTask executes exactly one transition of an already loaded task.
	// Only storage errors are returned; logic errors are routed through the
	// state table and reported in StepResult.Err.
	StepTask(ctx context.Context, task *Task) (StepResult, error)

	// Step loads a task by ID and steps it.
	Step(ctx context.Context, id int64) (StepResult, error)

	GetTask(ctx context.Context, id int64) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	CountTasks(ctx context.Context, filter TaskFilter) (int, error)
	Children(ctx context.Context, parentID int64) ([]*Task, error)
	History(ctx context.Context, id int64) ([]StepEvent, error)

	// PauseTask, ResumeTask and TerminateTask are no-ops returning false when
	// owner is non-empty and differs from the task's UUID.
	PauseTask(ctx context.Context, id int64, owner string) (bool, error)
	ResumeTask(ctx context.Context, id int64, owner string) (bool, error)
	TerminateTask(ctx context.Context, id int64, owner string) (bool, error)

	PauseGroup(ctx context.Context, group string) error
	ResumeGroup(ctx context.Context, group string) error
	SetGroupLimit(ctx context.Context, group string, max int) error
	SetGlobalPause(ctx context.Context, mode PauseMode) error

	// SendSignal delivers a signal to a task.
	SendSignal(ctx context.Context, objectID int64, typ SignalType, data []byte) (*Signal, error)

	// ProcessStatus returns status documents for the tasks matching filter.
	ProcessStatus(ctx context.Context, filter TaskFilter) ([]ProcessStatus, error)

	// Prune removes completed tasks older than the given age together with
	// consumed signals and finished threads. It returns the number of tasks removed.
	Prune(ctx context.Context, olderThan time.Duration) (int, error)

	// RecoverStuckTasks returns every PROCESSING task to WAITING. It is meant
	// to be called on startup before any scheduler runs.
	RecoverStuckTasks(ctx context.Context) (int, error)
}
