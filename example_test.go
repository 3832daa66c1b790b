package wip_test

import (
	"context"
	"fmt"
	"log"

	"github.com/fsmawi/wip"
)

// Example_taskType demonstrates defining a task type with the builder and
// driving one task to completion on an in-memory engine.
func Example_taskType() {
	ctx := context.Background()
	eng := wip.NewInMemoryEngine()

	wip.NewTaskType("countdown").
		Table(`
			start { * check }
			check { ready finish, pending check }
		`).
		State("check", wip.Typed("polls", func(ctx context.Context, sc *wip.StateContext, n int) (int, string, error) {
			n++
			if n < 3 {
				return n, "pending", nil
			}
			return n, "ready", nil
		})).
		MustRegister(eng)

	id, err := wip.Enqueue(ctx, eng, &wip.Task{TypeName: "countdown"})
	if err != nil {
		log.Fatal(err)
	}
	steps, err := wip.RunToCompletion(ctx, eng, id)
	if err != nil {
		log.Fatal(err)
	}

	task, err := wip.GetTask(ctx, eng, id)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s %s after %d steps in state %s\n",
		task.Status, task.ExitStatus, steps, task.Snapshot.CurrentState)
	// Output: COMPLETE COMPLETED after 4 steps in state finish
}

// Example_localRunner demonstrates using LocalRunner to execute tasks with
// an in-process engine and scheduler.
func Example_localRunner() {
	ctx := context.Background()

	runner := wip.NewLocalRunner()
	wip.NewTaskType("hello").
		Table(`start { * greet }
		       greet { done finish }`).
		State("greet", func(ctx context.Context, sc *wip.StateContext) (string, error) {
			sc.Logger.Info("hello from task", "task_id", sc.Task.ID)
			return "done", nil
		}).
		MustRegister(runner.Engine)

	if err := runner.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer runner.Stop()

	id, err := runner.Submit(ctx, &wip.Task{TypeName: "hello"})
	if err != nil {
		log.Fatal(err)
	}
	task, err := runner.Wait(ctx, id)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(task.ExitStatus)
}
