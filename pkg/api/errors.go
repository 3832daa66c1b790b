package api

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskTimeout is the step error recorded when a task runs past its deadline.
	ErrTaskTimeout = errors.New("task deadline exceeded")

	// ErrUndefinedTransition means no rule matched a trigger and no failure state is declared.
	ErrUndefinedTransition = errors.New("no transition defined for trigger")

	// ErrMaxAttempts means a rule fired more consecutive times than its max= allows.
	ErrMaxAttempts = errors.New("transition attempts exhausted")

	// ErrThreadConflict means the task already holds an active thread.
	ErrThreadConflict = errors.New("task already has an active thread")

	// ErrNoThread means no active thread exists for the task.
	ErrNoThread = errors.New("no active thread for task")

	// ErrNoTask means a task reference was required but the task has no ID.
	ErrNoTask = errors.New("task has no id")

	// ErrUnknownTaskType means the task type has not been registered with the engine.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrCorruptSnapshot means the stored iterator state cannot be resumed.
	ErrCorruptSnapshot = errors.New("corrupt task snapshot")
)

// MalformedStateTableError reports a state table that cannot be parsed or
// bound. Line is 1-based; 0 means the error is not tied to a line.
type MalformedStateTableError struct {
	Table  string
	State  string
	Line   int
	Reason string
}

func (e *MalformedStateTableError) Error() string {
	msg := "malformed state table"
	if e.Table != "" {
		msg += " " + fmt.Sprintf("%q", e.Table)
	}
	if e.Line > 0 {
		msg += fmt.Sprintf(" line %d", e.Line)
	}
	if e.State != "" {
		msg += fmt.Sprintf(" state %q", e.State)
	}
	return msg + ": " + e.Reason
}

// ValidationError is returned when an argument is rejected before any state changes.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NotFoundError is returned when a referenced object does not exist.
type NotFoundError struct {
	Kind string
	ID   int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Kind, e.ID)
}

// DuplicateServerError is returned when a hostname is already registered.
type DuplicateServerError struct {
	Hostname string
}

func (e *DuplicateServerError) Error() string {
	return fmt.Sprintf("server with hostname %q already exists", e.Hostname)
}

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
