// Package wip provides an embeddable, resumable task engine driven by
// textual state tables.
//
// A task type is a small state machine written as a table. The engine
// executes exactly one transition of a task per step and persists the
// iterator state after every step, so any process holding the same stores
// can pick a task up where another one left it.
//
// # Core Concepts
//
// The wip programming model is intentionally small:
//
//  1. State table
//  2. Engine
//  3. Scheduler
//  4. TaskTypeBuilder
//  5. LocalRunner
//
// # State tables
//
// A table lists states and the trigger -> target rules leaving them:
//
//	start { * wait }
//	wait:check {
//	    ready    finish
//	    pending  wait   wait=5 exec=false
//	    !        failure
//	}
//	failure { }
//
// The logic bound to a state returns the trigger. A state declared as
// name:method takes its trigger from a transition method instead. Errors
// and panics in logic select the "!" trigger. Rules accept wait= (delay
// before the target runs), max= (maximum consecutive firings) and
// exec=false (run only the target's transition method on entry). Reaching
// "finish" or any state without rules completes the task.
//
// # Engine
//
// The Engine registers task types, enqueues tasks, steps them and exposes
// operator controls:
//   - pause, resume and terminate tasks or whole groups
//   - limit the number of concurrently running tasks per group
//   - deliver signals and read per-task history
//   - build status documents and prune old tasks
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//
// Signals and threads may additionally be moved to Redis with WithRedis,
// and servers and history to MongoDB with WithMongo.
//
// # Scheduler
//
// A Scheduler manages one or more servers with a fixed number of slots. It
// claims runnable tasks, reserves a thread per task and steps the tasks in
// parallel, one transition per poll. Any number of schedulers can share the
// same stores; the task store guarantees each runnable task is claimed by
// at most one of them.
//
// # TaskTypeBuilder
//
// TaskTypeBuilder is the fluent API used to define task types:
//
//	wip.NewTaskType("approval").
//	    Table(`start { * approve }
//	           approve { approved finish, waiting approve wait=30 }`).
//	    State("approve", wip.WaitForSignal(wip.SignalData, "approved", "waiting")).
//	    MustRegister(engine)
//
// The helpers Pass, WaitForSignal, WaitForChildren and Typed cover the
// common cases of state logic.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine and a scheduler into a single,
// process-local helper useful for development and unit testing. It is
// intentionally not crash-durable; NewSQLiteBundle provides the same
// convenience on a durable store.
//
// For examples, see the /examples directory.
package wip
