package api

import "time"

// ServerStatus tells whether a server accepts new work.
type ServerStatus string

const (
	ServerAvailable    ServerStatus = "AVAILABLE"
	ServerNotAvailable ServerStatus = "NOT_AVAILABLE"
)

// Server is a worker host with a fixed number of execution slots.
type Server struct {
	ID            int64
	Hostname      string
	TotalCapacity int
	Status        ServerStatus
	CreatedAt     time.Time
}

// ThreadStatus is the lifecycle status of a Thread.
type ThreadStatus string

const (
	ThreadReserved ThreadStatus = "RESERVED"
	ThreadRunning  ThreadStatus = "RUNNING"
	ThreadFinished ThreadStatus = "FINISHED"
)

// Active reports whether the thread occupies a slot on its server.
func (s ThreadStatus) Active() bool {
	return s == ThreadReserved || s == ThreadRunning
}

// Thread is one execution slot reservation binding a task to a server.
type Thread struct {
	ID        int64
	ServerID  int64
	TaskID    int64
	Status    ThreadStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SignalType classifies signals.
type SignalType string

const (
	// SignalComplete is sent to a parent task when a child completes.
	SignalComplete SignalType = "COMPLETE"
	// SignalData carries an arbitrary payload to a waiting task.
	SignalData SignalType = "DATA"
	// SignalTerminate asks a task to stop.
	SignalTerminate SignalType = "TERMINATE"
)

// Signal is a message addressed to a task. ConsumedAt is zero until consumed.
type Signal struct {
	ID         int64
	ObjectID   int64
	Type       SignalType
	Data       []byte
	SentAt     time.Time
	ConsumedAt time.Time
}

// Consumed reports whether the signal has been consumed.
func (s *Signal) Consumed() bool {
	return !s.ConsumedAt.IsZero()
}

// ChildCompletion is the JSON payload of a COMPLETE signal.
type ChildCompletion struct {
	TaskID      int64      `json:"task_id"`
	Name        string     `json:"name"`
	ExitStatus  ExitStatus `json:"exit_status"`
	ExitMessage string     `json:"exit_message,omitempty"`
}
