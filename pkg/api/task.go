package api

import (
	"time"
)

// Status is the lifecycle status of a task.
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusWaiting    Status = "WAITING"
	StatusProcessing Status = "PROCESSING"
	StatusComplete   Status = "COMPLETE"
)

// Runnable reports whether a task in this status may be claimed.
func (s Status) Runnable() bool {
	return s == StatusNotStarted || s == StatusWaiting
}

// Priority orders claimable tasks; higher values are claimed first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityMedium   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ExitStatus is the final outcome of a task. It stays NOT_FINISHED until the
// task reaches COMPLETE.
type ExitStatus string

const (
	ExitNotFinished ExitStatus = "NOT_FINISHED"
	ExitCompleted   ExitStatus = "COMPLETED"
	ExitWarning     ExitStatus = "WARNING"
	ExitErrorUser   ExitStatus = "ERROR_USER"
	ExitErrorSystem ExitStatus = "ERROR_SYSTEM"
	ExitTerminated  ExitStatus = "TERMINATED"
)

// Code maps the exit status to the integer reported in status documents.
func (e ExitStatus) Code() int {
	switch e {
	case ExitCompleted:
		return 0
	case ExitWarning:
		return 1
	case ExitErrorUser:
		return 2
	case ExitErrorSystem:
		return 3
	case ExitTerminated:
		return 4
	default:
		return -1
	}
}

// Failed reports whether the exit status is an error outcome.
func (e ExitStatus) Failed() bool {
	return e == ExitErrorUser || e == ExitErrorSystem || e == ExitTerminated
}

// Task is the persistent record of one running state table.
//
// ID is assigned by the TaskStore on first persist. ParentID is 0 for root
// tasks. The deadline of a task is StartedAt+Timeout when Timeout > 0.
type Task struct {
	ID          int64
	UUID        string
	ParentID    int64
	GroupName   string
	Name        string
	TypeName    string
	ClientJobID string

	Priority    Priority
	Status      Status
	Paused      bool
	ExitStatus  ExitStatus
	ExitMessage string

	CreatedAt   time.Time
	StartedAt   time.Time
	ClaimedAt   time.Time
	CompletedAt time.Time
	WakeAt      time.Time

	Timeout       time.Duration
	IsTerminating bool

	Snapshot *Snapshot
}

// Deadline returns the time after which the task is timed out, and whether
// a deadline applies at all.
func (t *Task) Deadline() (time.Time, bool) {
	if t.Timeout <= 0 || t.StartedAt.IsZero() {
		return time.Time{}, false
	}
	return t.StartedAt.Add(t.Timeout), true
}

// Clone returns a deep copy of the task including its snapshot.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Snapshot = t.Snapshot.Clone()
	return &cp
}

// SnapshotVersion is the current layout version of Snapshot.
const SnapshotVersion = 1

// Snapshot is the serializable iterator state of a task. The state table is
// referenced by name and version so that stored snapshots survive restarts.
type Snapshot struct {
	Version      int
	Table        string
	TableVersion string
	CurrentState string

	// Attempts counts consecutive identical transitions keyed by LastTransition.
	Attempts       map[string]int
	LastTransition string

	// SkipExec is set when the rule that entered CurrentState carried exec=false.
	SkipExec bool

	// Context holds per-state data written by state logic, keyed by state name.
	Context map[string]map[string]any

	Steps int
}

// NewSnapshot returns a snapshot positioned at the start state of a table.
func NewSnapshot(table, version, start string) *Snapshot {
	return &Snapshot{
		Version:      SnapshotVersion,
		Table:        table,
		TableVersion: version,
		CurrentState: start,
		Attempts:     make(map[string]int),
		Context:      make(map[string]map[string]any),
	}
}

// Clone returns a copy of the snapshot. Context values are copied shallowly.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Attempts = make(map[string]int, len(s.Attempts))
	for k, v := range s.Attempts {
		cp.Attempts[k] = v
	}
	cp.Context = make(map[string]map[string]any, len(s.Context))
	for state, data := range s.Context {
		m := make(map[string]any, len(data))
		for k, v := range data {
			m[k] = v
		}
		cp.Context[state] = m
	}
	return &cp
}

// StateData returns the context map of a state, creating it when absent.
func (s *Snapshot) StateData(state string) map[string]any {
	if s.Context == nil {
		s.Context = make(map[string]map[string]any)
	}
	m, ok := s.Context[state]
	if !ok {
		m = make(map[string]any)
		s.Context[state] = m
	}
	return m
}

// TaskFilter selects tasks from a TaskStore. Zero-valued fields do not filter.
type TaskFilter struct {
	IDs        []int64
	Statuses   []Status
	ParentID   int64
	HasParent  *bool
	Group      string
	TypeName   string
	UUID       string
	Paused     *bool
	Priority   Priority
	ExitStatus ExitStatus

	Terminating *bool
	ClientJobID string

	CreatedAfter    time.Time
	CreatedBefore   time.Time
	CompletedAfter  time.Time
	CompletedBefore time.Time

	Limit  int
	Offset int
}

// Match reports whether a task satisfies the filter. Limit and Offset are
// not considered.
func (f TaskFilter) Match(t *Task) bool {
	if len(f.IDs) > 0 && !containsID(f.IDs, t.ID) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, t.Status) {
		return false
	}
	if f.ParentID != 0 && t.ParentID != f.ParentID {
		return false
	}
	if f.HasParent != nil && (t.ParentID != 0) != *f.HasParent {
		return false
	}
	if f.Group != "" && t.GroupName != f.Group {
		return false
	}
	if f.TypeName != "" && t.TypeName != f.TypeName {
		return false
	}
	if f.UUID != "" && t.UUID != f.UUID {
		return false
	}
	if f.Paused != nil && t.Paused != *f.Paused {
		return false
	}
	if f.Priority != 0 && t.Priority != f.Priority {
		return false
	}
	if f.ExitStatus != "" && t.ExitStatus != f.ExitStatus {
		return false
	}
	if f.Terminating != nil && t.IsTerminating != *f.Terminating {
		return false
	}
	if f.ClientJobID != "" && t.ClientJobID != f.ClientJobID {
		return false
	}
	if !f.CreatedAfter.IsZero() && !t.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !t.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if !f.CompletedAfter.IsZero() && (t.CompletedAt.IsZero() || !t.CompletedAt.After(f.CompletedAfter)) {
		return false
	}
	if !f.CompletedBefore.IsZero() && (t.CompletedAt.IsZero() || !t.CompletedAt.Before(f.CompletedBefore)) {
		return false
	}
	return true
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func containsStatus(statuses []Status, s Status) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}

// PauseMode is the global pause setting of a TaskStore.
type PauseMode string

const (
	// PauseNone lets every eligible task be claimed.
	PauseNone PauseMode = ""
	// PauseSoft only lets tasks that already started be claimed.
	PauseSoft PauseMode = "SOFT"
	// PauseHard stops all claims.
	PauseHard PauseMode = "HARD"
)

// Bool returns a pointer to b, for use in TaskFilter.
func Bool(b bool) *bool {
	return &b
}
