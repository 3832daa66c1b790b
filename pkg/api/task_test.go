package api

import (
	"testing"
	"time"
)

func TestSnapshotClone_IsIndependent(t *testing.T) {
	s := NewSnapshot("deploy", "v2", "start")
	s.Attempts["start|*"] = 2
	s.StateData("start")["host"] = "db-1"

	cp := s.Clone()
	cp.Attempts["start|*"] = 5
	cp.StateData("start")["host"] = "db-2"
	cp.StateData("wait")["n"] = 1

	if s.Attempts["start|*"] != 2 {
		t.Fatalf("attempts leaked into original: %v", s.Attempts)
	}
	if s.Context["start"]["host"] != "db-1" {
		t.Fatalf("context leaked into original: %v", s.Context)
	}
	if _, ok := s.Context["wait"]; ok {
		t.Fatalf("new state context leaked into original")
	}
}

func TestTaskDeadline(t *testing.T) {
	task := &Task{}
	if _, ok := task.Deadline(); ok {
		t.Fatalf("expected no deadline without timeout")
	}

	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	task.Timeout = time.Minute
	if _, ok := task.Deadline(); ok {
		t.Fatalf("expected no deadline before the task started")
	}

	task.StartedAt = start
	d, ok := task.Deadline()
	if !ok || !d.Equal(start.Add(time.Minute)) {
		t.Fatalf("unexpected deadline %v (ok=%v)", d, ok)
	}
}

func TestTaskFilterMatch(t *testing.T) {
	now := time.Now()
	task := &Task{
		ID:          7,
		ParentID:    3,
		GroupName:   "etl",
		TypeName:    "load",
		UUID:        "owner-a",
		Priority:    PriorityHigh,
		Status:      StatusWaiting,
		ExitStatus:  ExitNotFinished,
		ClientJobID: "job-9",
		CreatedAt:   now,
	}

	cases := []struct {
		name   string
		filter TaskFilter
		want   bool
	}{
		{"zero filter", TaskFilter{}, true},
		{"by id", TaskFilter{IDs: []int64{1, 7}}, true},
		{"by other id", TaskFilter{IDs: []int64{1}}, false},
		{"by status", TaskFilter{Statuses: []Status{StatusWaiting, StatusNotStarted}}, true},
		{"by wrong status", TaskFilter{Statuses: []Status{StatusComplete}}, false},
		{"by parent", TaskFilter{ParentID: 3}, true},
		{"roots only", TaskFilter{HasParent: Bool(false)}, false},
		{"by group and type", TaskFilter{Group: "etl", TypeName: "load"}, true},
		{"by owner", TaskFilter{UUID: "owner-b"}, false},
		{"by priority", TaskFilter{Priority: PriorityHigh}, true},
		{"by paused", TaskFilter{Paused: Bool(true)}, false},
		{"created window", TaskFilter{CreatedAfter: now.Add(-time.Minute), CreatedBefore: now.Add(time.Minute)}, true},
		{"completed window excludes running", TaskFilter{CompletedAfter: now.Add(-time.Hour)}, false},
		{"by client job", TaskFilter{ClientJobID: "job-9"}, true},
	}

	for _, tc := range cases {
		if got := tc.filter.Match(task); got != tc.want {
			t.Fatalf("%s: Match=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestStatusOf(t *testing.T) {
	task := newTestTask()
	task.Status = StatusComplete
	task.ExitStatus = ExitErrorUser
	task.CompletedAt = time.Now()

	ps := StatusOf(task)
	if ps.ExitCode != 2 || ps.CurrentState != "start" || ps.CompletedAt == nil || ps.StartedAt != nil {
		t.Fatalf("unexpected status document: %+v", ps)
	}
	if ps.Priority != "UNKNOWN" {
		t.Fatalf("expected UNKNOWN priority for unset priority, got %q", ps.Priority)
	}
}
