package api

import "time"

// ProcessStatus is the structured status document of a task consumed by
// operator and health-check tooling.
type ProcessStatus struct {
	TaskID       int64      `json:"task_id"`
	Name         string     `json:"name"`
	TypeName     string     `json:"type"`
	Group        string     `json:"group,omitempty"`
	ParentID     int64      `json:"parent_id,omitempty"`
	Priority     string     `json:"priority"`
	Status       Status     `json:"status"`
	ExitStatus   ExitStatus `json:"exit_status"`
	ExitCode     int        `json:"exit_code"`
	ExitMessage  string     `json:"exit_message,omitempty"`
	Paused       bool       `json:"paused"`
	Terminating  bool       `json:"terminating"`
	CurrentState string     `json:"current_state,omitempty"`
	Steps        int        `json:"steps"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	WakeAt       *time.Time `json:"wake_at,omitempty"`
}

// StatusOf builds the status document of a task.
func StatusOf(t *Task) ProcessStatus {
	ps := ProcessStatus{
		TaskID:      t.ID,
		Name:        t.Name,
		TypeName:    t.TypeName,
		Group:       t.GroupName,
		ParentID:    t.ParentID,
		Priority:    t.Priority.String(),
		Status:      t.Status,
		ExitStatus:  t.ExitStatus,
		ExitCode:    t.ExitStatus.Code(),
		ExitMessage: t.ExitMessage,
		Paused:      t.Paused,
		Terminating: t.IsTerminating,
		CreatedAt:   t.CreatedAt,
		StartedAt:   optionalTime(t.StartedAt),
		CompletedAt: optionalTime(t.CompletedAt),
		WakeAt:      optionalTime(t.WakeAt),
	}
	if t.Snapshot != nil {
		ps.CurrentState = t.Snapshot.CurrentState
		ps.Steps = t.Snapshot.Steps
	}
	return ps
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
