package wip

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fsmawi/wip/pkg/api"
)

func TestTaskTypeBuilder_BuildAndRegister(t *testing.T) {
	eng := NewInMemoryEngine()

	check := func(ctx context.Context, sc *StateContext) (string, error) { return "ready", nil }
	b := NewTaskType("builder-sample").
		Version("v2").
		Table(`
			start { * wait }
			wait:check { ready finish, pending wait wait=5 exec=false }
		`).
		State("wait", Pass("")).
		Transition("check", check).
		Priority(PriorityHigh).
		Timeout(time.Hour)

	require.NoError(t, b.Register(eng))
	require.Equal(t, "builder-sample", b.Name())

	def := b.Definition()
	require.Equal(t, "v2", def.Version)
	require.Len(t, def.States, 1)
	require.Len(t, def.Transitions, 1)

	id, err := Enqueue(context.Background(), eng, b.NewTask())
	require.NoError(t, err)

	task, err := GetTask(context.Background(), eng, id)
	require.NoError(t, err)
	require.Equal(t, PriorityHigh, task.Priority)
	require.Equal(t, time.Hour, task.Timeout)
	require.Equal(t, "v2", task.Snapshot.TableVersion)
}

func TestTaskTypeBuilder_RegisterReportsTableErrors(t *testing.T) {
	eng := NewInMemoryEngine()

	err := NewTaskType("broken").Table(`wait { * finish }`).Register(eng)
	var malformed *api.MalformedStateTableError
	require.True(t, errors.As(err, &malformed), "expected MalformedStateTableError, got %v", err)

	require.Panics(t, func() {
		NewTaskType("broken").Table(`start {`).MustRegister(eng)
	})
}

func TestTaskTypeBuilder_PanicsOnInvalidInput(t *testing.T) {
	require.Panics(t, func() { NewTaskType("") })
	require.Panics(t, func() { NewTaskType("x").State("", Pass("")) })
	require.Panics(t, func() { NewTaskType("x").State("a", nil) })
	require.Panics(t, func() { NewTaskType("x").Transition("", nil) })
	require.Panics(t, func() { NewTaskType("x").Transition("m", nil) })
}
