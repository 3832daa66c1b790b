package api

import "time"

// EventType identifies a task history event.
type EventType string

const (
	EventTaskEnqueued   EventType = "task.enqueued"
	EventStepTransition EventType = "step.transition"
	EventStepFailed     EventType = "step.failed"
	EventTaskCompleted  EventType = "task.completed"
	EventTaskPaused     EventType = "task.paused"
	EventTaskResumed    EventType = "task.resumed"
	EventTaskTerminated EventType = "task.terminated"
	EventSignalSent     EventType = "signal.sent"
)

// StepEvent is a small append-only history record for audit and debugging.
type StepEvent struct {
	TaskID int64
	At     time.Time
	Type   EventType

	FromState string
	Trigger   string
	ToState   string

	// Detail and Error are short human-oriented strings. Payloads do not belong here.
	Detail string
	Error  string
}
