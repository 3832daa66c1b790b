// Package worker provides the Scheduler that drives wip tasks forward.
//
// A Scheduler manages one or more servers, each with a fixed number of
// execution slots. Every poll it computes the free slots of its AVAILABLE
// servers, claims that many runnable tasks from the task store, reserves a
// thread for each claimed task and steps the tasks in parallel. One poll
// performs exactly one transition per claimed task; the task store persists
// the result before the thread is released, so a scheduler can crash between
// polls without losing progress.
//
// # Concurrency guarantees
//
// Two mechanisms keep a task from being stepped by more than one goroutine:
//
//   - ClaimNext moves a task to PROCESSING with a conditional update, so
//     concurrent schedulers never receive the same task.
//   - The thread store allows at most one active thread per task.
//
// A scheduler that restarts calls Recover before its first poll. Threads
// still active on its servers are finished and their tasks return to
// WAITING.
//
// # Configuration
//
// Config selects the managed hostnames, the per-server capacity, the poll
// interval and the exponential backoff applied after storage errors. It
// also controls periodic housekeeping: stale concurrency group slots are
// cleaned up every CleanupInterval and, when PruneAfter is set, old
// completed tasks are pruned.
//
// # Usage
//
// Most applications build a Scheduler through the wip package:
//
//	sched := wip.NewScheduler(eng, p, worker.Config{Capacity: 8})
//	go sched.Run(ctx)
//	...
//	cancel()
//	_ = sched.DrainAndWait(context.Background())
//
// Run returns after ctx is canceled and marks the managed servers
// NOT_AVAILABLE so other tooling stops counting their capacity.
package worker
