package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/fsmawi/wip/pkg/api"
)

var (
	// ErrTaskNotFound is wrapped by the NotFoundError returned for unknown task IDs.
	ErrTaskNotFound = errors.New("task not found")

	// ErrServerNotFound is returned when a server is not found.
	ErrServerNotFound = errors.New("server not found")

	// ErrSignalNotFound is returned when a signal is not found.
	ErrSignalNotFound = errors.New("signal not found")
)

// TaskStore persists tasks and enforces claim semantics. All methods are
// safe for concurrent use by multiple schedulers.
type TaskStore interface {
	// Enqueue persists a new task, assigning an ID when ID is 0.
	Enqueue(ctx context.Context, task *api.Task) (int64, error)
	Get(ctx context.Context, id int64) (*api.Task, error)

	// Update persists the execution state of a task: status, exit status and
	// message, timestamps, wake time and snapshot. Operator flags (paused,
	// terminating) only change through PauseTask, ResumeTask and TerminateTask.
	Update(ctx context.Context, task *api.Task) error

	// ClaimNext atomically moves up to n eligible tasks to PROCESSING and
	// returns them in claim order. A task is never returned to two callers
	// for the same claim.
	ClaimNext(ctx context.Context, n int) ([]*api.Task, error)

	// ReleaseClaim returns a PROCESSING task to WAITING.
	ReleaseClaim(ctx context.Context, id int64) error

	Count(ctx context.Context, filter api.TaskFilter) (int, error)
	Load(ctx context.Context, filter api.TaskFilter) ([]*api.Task, error)
	GetChildren(ctx context.Context, parentID int64) ([]int64, error)

	PauseTask(ctx context.Context, id int64, owner string) (bool, error)
	ResumeTask(ctx context.Context, id int64, owner string) (bool, error)
	TerminateTask(ctx context.Context, id int64, owner string) (bool, error)

	PauseGroup(ctx context.Context, group string) error
	ResumeGroup(ctx context.Context, group string) error
	PausedGroups(ctx context.Context) ([]string, error)

	SetGlobalPause(ctx context.Context, mode api.PauseMode) error
	GlobalPause(ctx context.Context) (api.PauseMode, error)

	// SetGroupLimit caps the number of PROCESSING tasks of a group. max <= 0
	// removes the limit.
	SetGroupLimit(ctx context.Context, group string, max int) error
	GroupLimits(ctx context.Context) (map[string]int, error)

	// PruneCompleted deletes COMPLETE tasks whose completion is older than
	// the cutoff.
	PruneCompleted(ctx context.Context, before time.Time) (int, error)
	PruneObjects(ctx context.Context, ids []int64) (int, error)

	// CleanupConcurrencyGroups drops group slots held by tasks that are no
	// longer PROCESSING.
	CleanupConcurrencyGroups(ctx context.Context) (int, error)
}

// ServerStore registers worker hosts.
type ServerStore interface {
	// SaveServer inserts a server when ID is 0 and updates it otherwise.
	SaveServer(ctx context.Context, srv *api.Server) error
	GetServer(ctx context.Context, id int64) (*api.Server, error)
	GetServerByHostname(ctx context.Context, hostname string) (*api.Server, error)
	ListServers(ctx context.Context) ([]*api.Server, error)
	GetActiveServers(ctx context.Context) ([]*api.Server, error)
	DeleteServer(ctx context.Context, id int64) error
}

// ThreadStore tracks execution slot reservations.
type ThreadStore interface {
	Reserve(ctx context.Context, serverID, taskID int64) (*api.Thread, error)
	StartThread(ctx context.Context, id int64) error
	FinishThread(ctx context.Context, id int64) error

	// GetActive returns RESERVED and RUNNING threads of a server, or of all
	// servers when serverID is 0.
	GetActive(ctx context.Context, serverID int64) ([]*api.Thread, error)
	GetByTask(ctx context.Context, task *api.Task) (*api.Thread, error)
	PruneFinished(ctx context.Context, before time.Time) (int, error)
}

// SignalStore stores signals addressed to tasks.
type SignalStore interface {
	// Send persists a signal, assigning its ID and SentAt.
	Send(ctx context.Context, sig *api.Signal) (*api.Signal, error)

	// Consume stamps ConsumedAt exactly once. Later calls leave the stored
	// value unchanged and copy it into sig.
	Consume(ctx context.Context, sig *api.Signal) error

	LoadAllActive(ctx context.Context, objectID int64) ([]*api.Signal, error)
	GetSignal(ctx context.Context, id int64) (*api.Signal, error)
	PruneConsumed(ctx context.Context, before time.Time) (int, error)

	// DeleteSignals removes every signal addressed to the given tasks,
	// consumed or not.
	DeleteSignals(ctx context.Context, objectIDs []int64) error
}

func taskNotFound(id int64) error {
	return &api.NotFoundError{Kind: "task", ID: id}
}

func validateNewTask(task *api.Task) error {
	if task == nil {
		return &api.ValidationError{Field: "task", Reason: "must not be nil"}
	}
	if task.Snapshot == nil {
		return &api.ValidationError{Field: "snapshot", Reason: "task has no iterator snapshot"}
	}
	if task.TypeName == "" {
		return &api.ValidationError{Field: "type", Reason: "task type is required"}
	}
	return nil
}

func validateReserve(serverID, taskID int64) error {
	if serverID == 0 {
		return &api.ValidationError{Field: "server_id", Reason: "must be set"}
	}
	if taskID == 0 {
		return &api.ValidationError{Field: "task_id", Reason: "must be set"}
	}
	return nil
}

// ownerMatches reports whether owner may control a task. An empty owner
// controls every task.
func ownerMatches(task *api.Task, owner string) bool {
	return owner == "" || task.UUID == owner
}
