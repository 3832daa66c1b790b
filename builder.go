package wip

import (
	"fmt"
	"time"

	"github.com/fsmawi/wip/pkg/api"
)

// TaskTypeBuilder provides a fluent API for defining task types:
//
//	poll := wip.NewTaskType("poll").
//	    Table(`
//	        start { * wait }
//	        wait:check { ready finish, pending wait wait=5 exec=false }
//	    `).
//	    State("wait", fetchStatus).
//	    Transition("check", checkReady)
//
//	if err := poll.Register(engine); err != nil {
//	    log.Fatal(err)
//	}
//
//	id, err := wip.Enqueue(ctx, engine, poll.NewTask())
type TaskTypeBuilder struct {
	def api.TaskDefinition
}

// NewTaskType creates a builder for a task type with the given name.
func NewTaskType(name string) *TaskTypeBuilder {
	if name == "" {
		panic("wip: task type name must not be empty")
	}
	return &TaskTypeBuilder{
		def: api.TaskDefinition{
			Name:        name,
			States:      make(map[string]api.StateFunc),
			Transitions: make(map[string]api.TransitionFunc),
		},
	}
}

// Name returns the task type name.
func (b *TaskTypeBuilder) Name() string {
	return b.def.Name
}

// Definition returns the underlying TaskDefinition.
// Typically used when interacting with lower-level APIs.
func (b *TaskTypeBuilder) Definition() TaskDefinition {
	return b.def
}

// Version sets the table version. Unset versions default to "v1".
func (b *TaskTypeBuilder) Version(v string) *TaskTypeBuilder {
	b.def.Version = v
	return b
}

// Table sets the textual state table.
func (b *TaskTypeBuilder) Table(src string) *TaskTypeBuilder {
	b.def.Table = src
	return b
}

// State binds logic to a state of the table.
func (b *TaskTypeBuilder) State(name string, fn StateFunc) *TaskTypeBuilder {
	if name == "" {
		panic("wip: state name must not be empty")
	}
	if fn == nil {
		panic(fmt.Sprintf("wip: state %q has nil function", name))
	}
	b.def.States[name] = fn
	return b
}

// Transition binds a transition method declared as state:method in the table.
func (b *TaskTypeBuilder) Transition(method string, fn TransitionFunc) *TaskTypeBuilder {
	if method == "" {
		panic("wip: transition method name must not be empty")
	}
	if fn == nil {
		panic(fmt.Sprintf("wip: transition method %q has nil function", method))
	}
	b.def.Transitions[method] = fn
	return b
}

// Priority sets the priority of enqueued tasks that leave it unset.
func (b *TaskTypeBuilder) Priority(p Priority) *TaskTypeBuilder {
	b.def.DefaultPriority = p
	return b
}

// Timeout sets the deadline of enqueued tasks that leave it unset.
func (b *TaskTypeBuilder) Timeout(d time.Duration) *TaskTypeBuilder {
	b.def.DefaultTimeout = d
	return b
}

// NewTask returns an unsaved task of this type.
func (b *TaskTypeBuilder) NewTask() *Task {
	return &Task{TypeName: b.def.Name}
}

// Register registers the built task type with the given engine.
func (b *TaskTypeBuilder) Register(eng Engine) error {
	return eng.RegisterTaskType(b.def)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *TaskTypeBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}
