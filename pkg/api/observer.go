package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay task execution.
type Observer interface {
	// OnTaskEnqueued is called after a task has been persisted by Enqueue.
	OnTaskEnqueued(ctx context.Context, task *Task)

	// OnStepStart is called before state logic runs.
	OnStepStart(ctx context.Context, task *Task, state string)

	// OnStepCompleted is called after the step has been persisted. res.Err
	// carries the logic error, if any.
	OnStepCompleted(ctx context.Context, task *Task, res StepResult, duration time.Duration)

	// OnTaskCompleted is called once when a task reaches COMPLETE.
	OnTaskCompleted(ctx context.Context, task *Task)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnTaskEnqueued(ctx context.Context, task *Task)                {}
func (NoopObserver) OnStepStart(ctx context.Context, task *Task, state string)     {}
func (NoopObserver) OnTaskCompleted(ctx context.Context, task *Task)               {}
func (NoopObserver) OnStepCompleted(ctx context.Context, task *Task, res StepResult, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnTaskEnqueued(ctx context.Context, task *Task) {
	for _, o := range c.observers {
		o.OnTaskEnqueued(ctx, task)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, task *Task, state string) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, task, state)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, task *Task, res StepResult, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, task, res, d)
	}
}

func (c *CompositeObserver) OnTaskCompleted(ctx context.Context, task *Task) {
	for _, o := range c.observers {
		o.OnTaskCompleted(ctx, task)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs task and step lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnTaskEnqueued(ctx context.Context, task *Task) {
	o.Logger.InfoContext(ctx, "task_enqueued",
		slog.Int64("task_id", task.ID),
		slog.String("type", task.TypeName),
		slog.String("group", task.GroupName),
		slog.Int64("parent_id", task.ParentID),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, task *Task, state string) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.Int64("task_id", task.ID),
		slog.String("type", task.TypeName),
		slog.String("state", state),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, task *Task, res StepResult, d time.Duration) {
	level := slog.LevelDebug
	if res.Err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.Int64("task_id", task.ID),
		slog.String("type", task.TypeName),
		slog.String("state", res.From),
		slog.String("trigger", res.Trigger),
		slog.String("next", res.To),
		slog.Duration("duration", d),
		slog.Any("error", res.Err),
	)
}

func (o *LoggingObserver) OnTaskCompleted(ctx context.Context, task *Task) {
	level := slog.LevelInfo
	if task.ExitStatus.Failed() {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "task_completed",
		slog.Int64("task_id", task.ID),
		slog.String("type", task.TypeName),
		slog.String("exit_status", string(task.ExitStatus)),
		slog.String("exit_message", task.ExitMessage),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	tasksEnqueued     atomic.Int64
	tasksCompleted    atomic.Int64
	tasksFailed       atomic.Int64
	stepsCompleted    atomic.Int64
	stepErrors        atomic.Int64
	totalStepDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	TasksEnqueued  int64
	TasksCompleted int64
	TasksFailed    int64
	PendingTasks   int64

	StepsCompleted  int64
	StepErrors      int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnTaskEnqueued(ctx context.Context, task *Task) {
	m.tasksEnqueued.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, task *Task, res StepResult, d time.Duration) {
	m.stepsCompleted.Add(1)
	m.totalStepDuration.Add(d.Nanoseconds())
	if res.Err != nil {
		m.stepErrors.Add(1)
	}
}

func (m *BasicMetrics) OnTaskCompleted(ctx context.Context, task *Task) {
	if task.ExitStatus.Failed() {
		m.tasksFailed.Add(1)
		return
	}
	m.tasksCompleted.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	enqueued := m.tasksEnqueued.Load()
	completed := m.tasksCompleted.Load()
	failed := m.tasksFailed.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		TasksEnqueued:   enqueued,
		TasksCompleted:  completed,
		TasksFailed:     failed,
		PendingTasks:    enqueued - completed - failed,
		StepsCompleted:  steps,
		StepErrors:      m.stepErrors.Load(),
		AvgStepDuration: avg,
	}
}
