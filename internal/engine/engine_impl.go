package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fsmawi/wip/internal/persistence"
	"github.com/fsmawi/wip/pkg/api"
	"github.com/fsmawi/wip/pkg/statetable"
)

// engineImpl drives tasks through their state tables. It is safe for
// concurrent use; concurrent steps of the same task are prevented by the
// scheduler's claim and thread reservation, not by the engine.
type engineImpl struct {
	tasks   persistence.TaskStore
	threads persistence.ThreadStore
	signals persistence.SignalStore
	events  persistence.EventStore

	types    *typeRegistry
	observer api.Observer
	logger   *slog.Logger
	now      func() time.Time
}

var (
	_ api.Engine   = (*engineImpl)(nil)
	_ api.StateEnv = (*engineImpl)(nil)
)

// Config describes how to construct an engine.
type Config struct {
	Persistence persistence.Persistence
	Observer    api.Observer

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Clock defaults to time.Now. Tests replace it together with the clocks
	// of the stores.
	Clock func() time.Time
}

// NewEngineWithConfig creates a new Engine using the given configuration.
// Stores left nil in cfg.Persistence are served by a private in-memory store.
func NewEngineWithConfig(cfg Config) api.Engine {
	p := cfg.Persistence
	if p.Tasks == nil || p.Threads == nil || p.Signals == nil || p.Servers == nil {
		p = p.WithDefaults(persistence.NewInMemoryStore())
	} else {
		p = p.WithDefaults(nil)
	}

	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &engineImpl{
		tasks:    p.Tasks,
		threads:  p.Threads,
		signals:  p.Signals,
		events:   p.Events,
		types:    newTypeRegistry(),
		observer: obs,
		logger:   logger,
		now:      now,
	}
}

// NewEngine returns an Engine over p with default observer, logger and clock.
func NewEngine(p persistence.Persistence) api.Engine {
	return NewEngineWithConfig(Config{Persistence: p})
}

// NewInMemoryEngine returns an Engine whose stores live in process memory.
func NewInMemoryEngine() api.Engine {
	return NewEngine(persistence.NewInMemoryPersistence())
}

// NewSQLiteEngine returns an Engine storing everything in db.
func NewSQLiteEngine(db *sql.DB) (api.Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(persistence.Single(store)), nil
}

// NewPostgresEngine returns an Engine storing everything in db.
func NewPostgresEngine(db *sql.DB) (api.Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(persistence.Single(store)), nil
}

func (e *engineImpl) RegisterTaskType(def api.TaskDefinition) error {
	tt, err := e.types.Register(def)
	if err != nil {
		return err
	}
	e.logger.Info("task type registered",
		slog.String("type", tt.def.Name),
		slog.String("version", tt.def.Version),
		slog.Int("states", len(tt.table.States)),
	)
	return nil
}

func (e *engineImpl) iterator(tt *taskType) *Iterator {
	return &Iterator{
		typ:      tt,
		tasks:    e.tasks,
		signals:  e.signals,
		events:   e.events,
		env:      e,
		observer: e.observer,
		logger:   e.logger,
		now:      e.now,
	}
}

func (e *engineImpl) Enqueue(ctx context.Context, task *api.Task) (int64, error) {
	if task == nil {
		return 0, &api.ValidationError{Field: "task", Reason: "must not be nil"}
	}
	if task.TypeName == "" {
		return 0, &api.ValidationError{Field: "type", Reason: "task type is required"}
	}
	tt, err := e.types.Latest(task.TypeName)
	if err != nil {
		return 0, &api.ValidationError{Field: "type", Reason: err.Error()}
	}

	if task.Priority == 0 {
		task.Priority = tt.def.DefaultPriority
	}
	if task.Priority == 0 {
		task.Priority = api.PriorityMedium
	}
	if task.Priority < api.PriorityLow || task.Priority > api.PriorityCritical {
		return 0, &api.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %d", task.Priority)}
	}
	if task.Timeout < 0 {
		return 0, &api.ValidationError{Field: "timeout", Reason: "must not be negative"}
	}
	if task.Timeout == 0 {
		task.Timeout = tt.def.DefaultTimeout
	}
	if task.ParentID != 0 {
		if _, err := e.tasks.Get(ctx, task.ParentID); err != nil {
			if api.IsNotFound(err) {
				return 0, &api.ValidationError{Field: "parent_id", Reason: err.Error()}
			}
			return 0, err
		}
	}
	if task.UUID == "" {
		task.UUID = uuid.NewString()
	}
	if task.Name == "" {
		task.Name = task.TypeName
	}

	task.Status = api.StatusNotStarted
	task.ExitStatus = api.ExitNotFinished
	task.ExitMessage = ""
	task.IsTerminating = false
	task.Snapshot = api.NewSnapshot(tt.def.Name, tt.def.Version, statetable.StateStart)

	id, err := e.tasks.Enqueue(ctx, task)
	if err != nil {
		return 0, err
	}

	e.appendEvent(ctx, api.StepEvent{
		TaskID:  id,
		At:      e.now(),
		Type:    api.EventTaskEnqueued,
		ToState: statetable.StateStart,
		Detail:  tt.def.Name + "@" + tt.def.Version,
	})
	e.observer.OnTaskEnqueued(ctx, task)
	return id, nil
}

func (e *engineImpl) StepTask(ctx context.Context, task *api.Task) (api.StepResult, error) {
	if task == nil || task.ID == 0 {
		return api.StepResult{}, api.ErrNoTask
	}

	var (
		tt  *taskType
		err error
	)
	if task.Snapshot != nil {
		tt, err = e.types.Get(task.TypeName, task.Snapshot.TableVersion)
	} else {
		// The iterator rejects the missing snapshot; any version will do.
		tt, err = e.types.Latest(task.TypeName)
	}
	if err != nil {
		return api.StepResult{}, fmt.Errorf("step task %d: %w", task.ID, err)
	}
	return e.iterator(tt).Step(ctx, task)
}

func (e *engineImpl) Step(ctx context.Context, id int64) (api.StepResult, error) {
	task, err := e.tasks.Get(ctx, id)
	if err != nil {
		return api.StepResult{}, err
	}
	return e.StepTask(ctx, task)
}

func (e *engineImpl) GetTask(ctx context.Context, id int64) (*api.Task, error) {
	return e.tasks.Get(ctx, id)
}

func (e *engineImpl) ListTasks(ctx context.Context, filter api.TaskFilter) ([]*api.Task, error) {
	return e.tasks.Load(ctx, filter)
}

func (e *engineImpl) CountTasks(ctx context.Context, filter api.TaskFilter) (int, error) {
	return e.tasks.Count(ctx, filter)
}

func (e *engineImpl) Children(ctx context.Context, parentID int64) ([]*api.Task, error) {
	ids, err := e.tasks.GetChildren(ctx, parentID)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	return e.tasks.Load(ctx, api.TaskFilter{IDs: ids})
}

func (e *engineImpl) History(ctx context.Context, id int64) ([]api.StepEvent, error) {
	return e.events.ListEvents(ctx, id)
}

func (e *engineImpl) PauseTask(ctx context.Context, id int64, owner string) (bool, error) {
	ok, err := e.tasks.PauseTask(ctx, id, owner)
	if ok {
		e.appendEvent(ctx, api.StepEvent{TaskID: id, At: e.now(), Type: api.EventTaskPaused})
	}
	return ok, err
}

func (e *engineImpl) ResumeTask(ctx context.Context, id int64, owner string) (bool, error) {
	ok, err := e.tasks.ResumeTask(ctx, id, owner)
	if ok {
		e.appendEvent(ctx, api.StepEvent{TaskID: id, At: e.now(), Type: api.EventTaskResumed})
	}
	return ok, err
}

// TerminateTask flags the task; the next step completes it as TERMINATED.
func (e *engineImpl) TerminateTask(ctx context.Context, id int64, owner string) (bool, error) {
	ok, err := e.tasks.TerminateTask(ctx, id, owner)
	if ok {
		e.logger.InfoContext(ctx, "task termination requested", slog.Int64("task_id", id))
	}
	return ok, err
}

func (e *engineImpl) PauseGroup(ctx context.Context, group string) error {
	if group == "" {
		return &api.ValidationError{Field: "group", Reason: "must be set"}
	}
	return e.tasks.PauseGroup(ctx, group)
}

func (e *engineImpl) ResumeGroup(ctx context.Context, group string) error {
	if group == "" {
		return &api.ValidationError{Field: "group", Reason: "must be set"}
	}
	return e.tasks.ResumeGroup(ctx, group)
}

func (e *engineImpl) SetGroupLimit(ctx context.Context, group string, max int) error {
	if group == "" {
		return &api.ValidationError{Field: "group", Reason: "must be set"}
	}
	if max < 0 {
		return &api.ValidationError{Field: "max", Reason: "must not be negative"}
	}
	return e.tasks.SetGroupLimit(ctx, group, max)
}

func (e *engineImpl) SetGlobalPause(ctx context.Context, mode api.PauseMode) error {
	switch mode {
	case api.PauseNone, api.PauseSoft, api.PauseHard:
	default:
		return &api.ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown pause mode %q", mode)}
	}
	if err := e.tasks.SetGlobalPause(ctx, mode); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "global pause changed", slog.String("mode", string(mode)))
	return nil
}

// SendSignal stores a signal for the task. A TERMINATE signal also flags
// the task for termination so it stops even if its logic never reads
// signals.
func (e *engineImpl) SendSignal(ctx context.Context, objectID int64, typ api.SignalType, data []byte) (*api.Signal, error) {
	if objectID == 0 {
		return nil, &api.ValidationError{Field: "object_id", Reason: "must be set"}
	}
	if typ == "" {
		return nil, &api.ValidationError{Field: "type", Reason: "must be set"}
	}
	if _, err := e.tasks.Get(ctx, objectID); err != nil {
		return nil, err
	}

	sig, err := e.signals.Send(ctx, &api.Signal{ObjectID: objectID, Type: typ, Data: data})
	if err != nil {
		return nil, err
	}
	e.appendEvent(ctx, api.StepEvent{
		TaskID: objectID,
		At:     e.now(),
		Type:   api.EventSignalSent,
		Detail: string(typ),
	})

	if typ == api.SignalTerminate {
		if _, err := e.tasks.TerminateTask(ctx, objectID, ""); err != nil {
			return sig, err
		}
	}
	return sig, nil
}

func (e *engineImpl) ProcessStatus(ctx context.Context, filter api.TaskFilter) ([]api.ProcessStatus, error) {
	tasks, err := e.tasks.Load(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]api.ProcessStatus, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, api.StatusOf(t))
	}
	return out, nil
}

func (e *engineImpl) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, &api.ValidationError{Field: "older_than", Reason: "must not be negative"}
	}
	before := e.now().Add(-olderThan)

	done, err := e.tasks.Load(ctx, api.TaskFilter{
		Statuses:        []api.Status{api.StatusComplete},
		CompletedBefore: before,
	})
	if err != nil {
		return 0, err
	}
	ids := make([]int64, 0, len(done))
	for _, t := range done {
		ids = append(ids, t.ID)
	}

	n, err := e.tasks.PruneObjects(ctx, ids)
	if err != nil {
		return n, err
	}
	if err := e.events.DeleteEvents(ctx, ids); err != nil {
		return n, err
	}
	if err := e.signals.DeleteSignals(ctx, ids); err != nil {
		return n, err
	}
	if _, err := e.signals.PruneConsumed(ctx, before); err != nil {
		return n, err
	}
	if _, err := e.threads.PruneFinished(ctx, before); err != nil {
		return n, err
	}

	if n > 0 {
		e.logger.InfoContext(ctx, "pruned completed tasks", slog.Int("count", n))
	}
	return n, nil
}

func (e *engineImpl) RecoverStuckTasks(ctx context.Context) (int, error) {
	stuck, err := e.tasks.Load(ctx, api.TaskFilter{Statuses: []api.Status{api.StatusProcessing}})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, t := range stuck {
		if err := e.tasks.ReleaseClaim(ctx, t.ID); err != nil {
			if errors.Is(err, persistence.ErrTaskNotFound) || api.IsNotFound(err) {
				continue
			}
			return n, err
		}
		n++
	}
	if _, err := e.tasks.CleanupConcurrencyGroups(ctx); err != nil {
		return n, err
	}

	if n > 0 {
		e.logger.WarnContext(ctx, "recovered tasks left in PROCESSING", slog.Int("count", n))
	}
	return n, nil
}

//
// StateEnv
//

func (e *engineImpl) ActiveSignals(ctx context.Context, taskID int64) ([]*api.Signal, error) {
	return e.signals.LoadAllActive(ctx, taskID)
}

func (e *engineImpl) ConsumeSignal(ctx context.Context, sig *api.Signal) error {
	return e.signals.Consume(ctx, sig)
}

// EnqueueChild enqueues child under parent. The child inherits the parent's
// priority unless it sets its own.
func (e *engineImpl) EnqueueChild(ctx context.Context, parent *api.Task, child *api.Task) (int64, error) {
	if parent == nil || parent.ID == 0 {
		return 0, api.ErrNoTask
	}
	if child == nil {
		return 0, &api.ValidationError{Field: "task", Reason: "must not be nil"}
	}
	child.ParentID = parent.ID
	if child.Priority == 0 {
		child.Priority = parent.Priority
	}
	return e.Enqueue(ctx, child)
}

func (e *engineImpl) appendEvent(ctx context.Context, ev api.StepEvent) {
	recordEvent(ctx, e.events, e.logger, ev)
}

// recordEvent appends a history event. History is best effort: failures
// are logged and never fail the operation that produced the event.
func recordEvent(ctx context.Context, events persistence.EventStore, logger *slog.Logger, ev api.StepEvent) {
	if err := events.AppendEvent(ctx, ev); err != nil {
		logger.WarnContext(ctx, "append history event failed",
			slog.Int64("task_id", ev.TaskID),
			slog.String("event", string(ev.Type)),
			slog.Any("error", err),
		)
	}
}
