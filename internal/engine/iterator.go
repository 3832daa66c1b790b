package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsmawi/wip/internal/persistence"
	"github.com/fsmawi/wip/pkg/api"
	"github.com/fsmawi/wip/pkg/statetable"
)

// Iterator advances tasks of one bound type by exactly one transition per
// Step call. It holds no per-task state: everything it needs is in the task
// and its snapshot, and everything it changes is written back with a single
// TaskStore.Update.
type Iterator struct {
	typ      *taskType
	tasks    persistence.TaskStore
	signals  persistence.SignalStore
	events   persistence.EventStore
	env      api.StateEnv
	observer api.Observer
	logger   *slog.Logger
	now      func() time.Time
}

// step accumulates what happened during one Step call.
type step struct {
	start   time.Time
	from    string
	trigger string
	to      string
	err     error
}

// Step executes one transition of task. Errors raised by state logic are
// routed through the table and reported in StepResult.Err; the returned
// error is non-nil only when the outcome could not be persisted.
func (it *Iterator) Step(ctx context.Context, task *api.Task) (api.StepResult, error) {
	if task.Status == api.StatusComplete {
		return api.StepResult{Outcome: api.StepIdle}, nil
	}
	now := it.now()
	if task.Paused || task.WakeAt.After(now) {
		return api.StepResult{Outcome: api.StepIdle, From: currentState(task)}, nil
	}
	if task.StartedAt.IsZero() {
		task.StartedAt = now
	}

	st := &step{start: time.Now(), from: currentState(task)}
	it.observer.OnStepStart(ctx, task, st.from)

	state, err := it.resume(task)
	if err != nil {
		st.err = err
		it.complete(task, api.ExitErrorSystem, err.Error(), now)
		it.logger.ErrorContext(ctx, "task snapshot cannot be resumed",
			slog.Int64("task_id", task.ID),
			slog.String("type", task.TypeName),
			slog.Any("error", err),
		)
		return it.commit(ctx, task, st)
	}

	if task.IsTerminating {
		st.to = st.from
		it.complete(task, api.ExitTerminated, "terminated by operator", now)
		return it.commit(ctx, task, st)
	}

	expired := false
	if deadline, ok := task.Deadline(); ok && !now.Before(deadline) {
		expired = true
		st.trigger = statetable.TriggerError
	} else {
		st.trigger, st.err = it.evaluate(ctx, task, state)
	}

	rule := state.Match(st.trigger)
	if expired && !it.endsTask(st.from, rule) {
		it.failurePath(task, st, fmt.Errorf("%w: in state %q", api.ErrTaskTimeout, st.from), now)
		return it.commit(ctx, task, st)
	}
	if expired {
		st.err = api.ErrTaskTimeout
	}
	if rule == nil {
		it.failurePath(task, st, fmt.Errorf("%w: state %q trigger %q", api.ErrUndefinedTransition, st.from, st.trigger), now)
		return it.commit(ctx, task, st)
	}

	snap := task.Snapshot
	key := st.from + "|" + rule.Trigger
	count := 1
	if snap.LastTransition == key {
		count = snap.Attempts[key] + 1
	}
	if rule.Max > 0 && count > rule.Max {
		it.failurePath(task, st, fmt.Errorf("%w: %s fired %d times (max %d)", api.ErrMaxAttempts, key, count, rule.Max), now)
		return it.commit(ctx, task, st)
	}
	snap.Attempts = map[string]int{key: count}
	snap.LastTransition = key

	it.enter(task, st, rule.Target, rule.Wait, rule.Exec, now)
	return it.commit(ctx, task, st)
}

// endsTask reports whether following rule out of from leads the task to a
// terminal state or into the failure state.
func (it *Iterator) endsTask(from string, rule *statetable.Rule) bool {
	if rule == nil {
		return false
	}
	if rule.Target == statetable.StateFailure {
		return from != statetable.StateFailure
	}
	target := it.typ.table.State(rule.Target)
	return target != nil && target.Terminal()
}

func currentState(task *api.Task) string {
	if task.Snapshot == nil {
		return ""
	}
	return task.Snapshot.CurrentState
}

// resume validates the snapshot against the bound table and returns the
// current state.
func (it *Iterator) resume(task *api.Task) (*statetable.State, error) {
	snap := task.Snapshot
	switch {
	case snap == nil:
		return nil, fmt.Errorf("%w: task has no snapshot", api.ErrCorruptSnapshot)
	case snap.Version != api.SnapshotVersion:
		return nil, fmt.Errorf("%w: snapshot version %d, want %d", api.ErrCorruptSnapshot, snap.Version, api.SnapshotVersion)
	case snap.Table != it.typ.def.Name || snap.TableVersion != it.typ.def.Version:
		return nil, fmt.Errorf("%w: snapshot bound to %s@%s, not %s@%s", api.ErrCorruptSnapshot,
			snap.Table, snap.TableVersion, it.typ.def.Name, it.typ.def.Version)
	}
	state := it.typ.table.State(snap.CurrentState)
	if state == nil {
		return nil, fmt.Errorf("%w: unknown state %q", api.ErrCorruptSnapshot, snap.CurrentState)
	}
	return state, nil
}

// evaluate runs the state's logic and transition method and returns the
// trigger. Any error or panic yields the "!" trigger.
func (it *Iterator) evaluate(ctx context.Context, task *api.Task, state *statetable.State) (string, error) {
	logger := it.logger.With(slog.Int64("task_id", task.ID), slog.String("state", state.Name))
	sc := api.NewStateContext(task, state.Name, it.env, logger)

	trigger := ""
	skipLogic := task.Snapshot.SkipExec && state.TransitionMethod != ""
	if fn := it.typ.def.States[state.Name]; fn != nil && !skipLogic {
		out, err := protect(state.Name, func() (string, error) { return fn(ctx, sc) })
		if err != nil {
			return statetable.TriggerError, err
		}
		trigger = out
	}
	if state.TransitionMethod != "" {
		fn := it.typ.def.Transitions[state.TransitionMethod]
		out, err := protect(state.Name, func() (string, error) { return fn(ctx, sc) })
		if err != nil {
			return statetable.TriggerError, err
		}
		trigger = out
	}
	return trigger, nil
}

func protect(state string, fn func() (string, error)) (trigger string, err error) {
	defer func() {
		if r := recover(); r != nil {
			trigger, err = "", fmt.Errorf("panic in state %q: %v", state, r)
		}
	}()
	return fn()
}

// failurePath routes a task that cannot follow its table: to the failure
// state when one is declared and the task is not already there, otherwise
// straight to COMPLETE with ERROR_SYSTEM.
func (it *Iterator) failurePath(task *api.Task, st *step, cause error, now time.Time) {
	if st.err == nil {
		st.err = cause
	} else {
		st.err = errors.Join(st.err, cause)
	}
	task.Snapshot.Attempts = make(map[string]int)
	task.Snapshot.LastTransition = ""

	if it.typ.table.HasFailure() && st.from != statetable.StateFailure {
		it.enter(task, st, statetable.StateFailure, 0, true, now)
		return
	}
	st.to = st.from
	it.complete(task, api.ExitErrorSystem, cause.Error(), now)
}

// enter moves the task into target, completing it when target is terminal.
func (it *Iterator) enter(task *api.Task, st *step, target string, wait time.Duration, exec bool, now time.Time) {
	snap := task.Snapshot
	snap.CurrentState = target
	snap.SkipExec = !exec
	st.to = target

	task.WakeAt = time.Time{}
	if wait > 0 {
		task.WakeAt = now.Add(wait)
	}

	if target == statetable.StateFailure && !task.ExitStatus.Failed() {
		msg := ""
		if st.err != nil {
			msg = st.err.Error()
		}
		task.ExitStatus = api.ExitErrorSystem
		task.ExitMessage = msg
	}

	if it.typ.table.State(target).Terminal() {
		status := task.ExitStatus
		if status == "" || status == api.ExitNotFinished {
			status = api.ExitCompleted
		}
		it.complete(task, status, task.ExitMessage, now)
		return
	}
	task.Status = api.StatusWaiting
}

func (it *Iterator) complete(task *api.Task, status api.ExitStatus, msg string, now time.Time) {
	task.Status = api.StatusComplete
	task.CompletedAt = now
	task.WakeAt = time.Time{}
	task.ExitStatus = status
	task.ExitMessage = msg
}

// commit persists the task, records history and notifies observers and,
// for finished children, the parent.
func (it *Iterator) commit(ctx context.Context, task *api.Task, st *step) (api.StepResult, error) {
	res := api.StepResult{
		Outcome: api.StepAdvanced,
		From:    st.from,
		Trigger: st.trigger,
		To:      st.to,
		Err:     st.err,
	}
	completed := task.Status == api.StatusComplete
	if completed {
		res.Outcome = api.StepCompleted
	}
	if task.Snapshot != nil {
		task.Snapshot.Steps++
	}

	if err := it.tasks.Update(ctx, task); err != nil {
		return res, fmt.Errorf("persist task %d: %w", task.ID, err)
	}

	ev := api.StepEvent{
		TaskID:    task.ID,
		At:        it.now(),
		Type:      api.EventStepTransition,
		FromState: st.from,
		Trigger:   st.trigger,
		ToState:   st.to,
	}
	if st.err != nil {
		ev.Type = api.EventStepFailed
		ev.Error = st.err.Error()
	}
	it.appendEvent(ctx, ev)
	it.observer.OnStepCompleted(ctx, task, res, time.Since(st.start))

	if !completed {
		return res, nil
	}

	done := api.StepEvent{
		TaskID:  task.ID,
		At:      ev.At,
		Type:    api.EventTaskCompleted,
		ToState: st.to,
		Detail:  string(task.ExitStatus),
	}
	if task.ExitStatus == api.ExitTerminated {
		done.Type = api.EventTaskTerminated
	}
	it.appendEvent(ctx, done)
	it.observer.OnTaskCompleted(ctx, task)

	if task.ParentID != 0 {
		if err := it.notifyParent(ctx, task); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (it *Iterator) appendEvent(ctx context.Context, ev api.StepEvent) {
	recordEvent(ctx, it.events, it.logger, ev)
}

// notifyParent sends the COMPLETE signal a parent waits on.
func (it *Iterator) notifyParent(ctx context.Context, task *api.Task) error {
	payload, err := json.Marshal(api.ChildCompletion{
		TaskID:      task.ID,
		Name:        task.Name,
		ExitStatus:  task.ExitStatus,
		ExitMessage: task.ExitMessage,
	})
	if err != nil {
		return err
	}
	_, err = it.signals.Send(ctx, &api.Signal{
		ObjectID: task.ParentID,
		Type:     api.SignalComplete,
		Data:     payload,
	})
	if err != nil {
		return fmt.Errorf("notify parent %d of task %d: %w", task.ParentID, task.ID, err)
	}
	return nil
}
