package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fsmawi/wip/pkg/api"
)

// clockedStore is a full backend whose clock can be pinned by tests.
type clockedStore interface {
	Store
	SetClock(now func() time.Time)
}

type storeFactory func(t *testing.T) clockedStore

type clockedThreads interface {
	ThreadStore
	SetClock(now func() time.Time)
}

type clockedSignals interface {
	SignalStore
	SetClock(now func() time.Time)
}

// fakeClock is a settable time source shared with the store under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTask(typ string) *api.Task {
	return &api.Task{
		Name:     typ + "-task",
		TypeName: typ,
		Priority: api.PriorityMedium,
		Snapshot: api.NewSnapshot(typ, "v1", "start"),
	}
}

// runStoreContract exercises the behavior every backend must share.
func runStoreContract(t *testing.T, factory storeFactory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s clockedStore, clock *fakeClock)
	}{
		{"EnqueueGetUpdate", testEnqueueGetUpdate},
		{"UpdatePreservesOperatorFlags", testUpdatePreservesOperatorFlags},
		{"ClaimOrder", testClaimOrder},
		{"ClaimSkipsSleepingAndPaused", testClaimSkipsSleepingAndPaused},
		{"GlobalPauseModes", testGlobalPauseModes},
		{"GroupLimitAndSlots", testGroupLimitAndSlots},
		{"ConcurrentClaimsAreExclusive", testConcurrentClaimsAreExclusive},
		{"OwnerChecks", testOwnerChecks},
		{"FilterCountChildren", testFilterCountChildren},
		{"PruneCompleted", testPruneCompleted},
		{"Servers", testServers},
		{"Threads", func(t *testing.T, s clockedStore, c *fakeClock) { testThreads(t, s, c) }},
		{"Signals", func(t *testing.T, s clockedStore, c *fakeClock) { testSignals(t, s, c) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := factory(t)
			clock := newFakeClock()
			s.SetClock(clock.Now)
			tc.fn(t, s, clock)
		})
	}
}

func mustEnqueue(t *testing.T, s TaskStore, task *api.Task) int64 {
	t.Helper()
	id, err := s.Enqueue(context.Background(), task)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return id
}

func claimIDs(t *testing.T, s TaskStore, n int) []int64 {
	t.Helper()
	tasks, err := s.ClaimNext(context.Background(), n)
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	ids := make([]int64, len(tasks))
	for i, task := range tasks {
		if task.Status != api.StatusProcessing {
			t.Fatalf("claimed task %d has status %s", task.ID, task.Status)
		}
		ids[i] = task.ID
	}
	return ids
}

func testEnqueueGetUpdate(t *testing.T, s clockedStore, clock *fakeClock) {
	ctx := context.Background()

	task := newTestTask("poll")
	task.UUID = "owner-1"
	task.Timeout = 5 * time.Minute
	task.Snapshot.StateData("start")["host"] = "db-1"
	id := mustEnqueue(t, s, task)
	if id == 0 || task.ID != id {
		t.Fatalf("expected assigned ID, got %d (task.ID=%d)", id, task.ID)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != api.StatusNotStarted || got.ExitStatus != api.ExitNotFinished {
		t.Fatalf("unexpected initial status: %s / %s", got.Status, got.ExitStatus)
	}
	if got.UUID != "owner-1" || got.Timeout != 5*time.Minute || !got.CreatedAt.Equal(clock.Now()) {
		t.Fatalf("unexpected stored task: %+v", got)
	}
	if got.Snapshot.StateData("start")["host"] != "db-1" {
		t.Fatalf("snapshot context not persisted: %+v", got.Snapshot.Context)
	}

	got.Status = api.StatusWaiting
	got.WakeAt = clock.Now().Add(time.Minute)
	got.Snapshot.CurrentState = "wait"
	got.Snapshot.Attempts["wait|pending"] = 2
	if err := s.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	again, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get after update failed: %v", err)
	}
	if again.Status != api.StatusWaiting || !again.WakeAt.Equal(got.WakeAt) {
		t.Fatalf("unexpected task after update: %+v", again)
	}
	if again.Snapshot.CurrentState != "wait" || again.Snapshot.Attempts["wait|pending"] != 2 {
		t.Fatalf("unexpected snapshot after update: %+v", again.Snapshot)
	}

	_, err = s.Get(ctx, 9999)
	if !api.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if err := s.Update(ctx, &api.Task{ID: 9999, Snapshot: api.NewSnapshot("x", "v1", "start")}); !api.IsNotFound(err) {
		t.Fatalf("expected NotFoundError from Update, got %v", err)
	}

	var verr *api.ValidationError
	if _, err := s.Enqueue(ctx, &api.Task{TypeName: "poll"}); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for missing snapshot, got %v", err)
	}
}

func testUpdatePreservesOperatorFlags(t *testing.T, s clockedStore, _ *fakeClock) {
	ctx := context.Background()
	id := mustEnqueue(t, s, newTestTask("poll"))

	stale, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok, err := s.PauseTask(ctx, id, ""); err != nil || !ok {
		t.Fatalf("PauseTask = %v, %v", ok, err)
	}
	if ok, err := s.TerminateTask(ctx, id, ""); err != nil || !ok {
		t.Fatalf("TerminateTask = %v, %v", ok, err)
	}

	stale.Status = api.StatusWaiting
	if err := s.Update(ctx, stale); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Paused || !got.IsTerminating {
		t.Fatalf("operator flags lost by Update: paused=%v terminating=%v", got.Paused, got.IsTerminating)
	}
}

func testClaimOrder(t *testing.T, s clockedStore, clock *fakeClock) {
	low := newTestTask("a")
	low.Priority = api.PriorityLow
	lowID := mustEnqueue(t, s, low)
	clock.Advance(time.Second)

	first := newTestTask("b")
	first.Priority = api.PriorityHigh
	firstID := mustEnqueue(t, s, first)
	clock.Advance(time.Second)

	second := newTestTask("c")
	second.Priority = api.PriorityHigh
	secondID := mustEnqueue(t, s, second)

	ids := claimIDs(t, s, 2)
	if len(ids) != 2 || ids[0] != firstID || ids[1] != secondID {
		t.Fatalf("expected claim order [%d %d], got %v", firstID, secondID, ids)
	}
	ids = claimIDs(t, s, 5)
	if len(ids) != 1 || ids[0] != lowID {
		t.Fatalf("expected remaining low priority task %d, got %v", lowID, ids)
	}
	if ids := claimIDs(t, s, 5); len(ids) != 0 {
		t.Fatalf("expected nothing left to claim, got %v", ids)
	}

	got, err := s.Get(context.Background(), firstID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.StartedAt.IsZero() || got.ClaimedAt.IsZero() {
		t.Fatalf("expected StartedAt and ClaimedAt after claim: %+v", got)
	}
}

func testClaimSkipsSleepingAndPaused(t *testing.T, s clockedStore, clock *fakeClock) {
	ctx := context.Background()

	sleeping := newTestTask("sleep")
	sleeping.Status = api.StatusWaiting
	sleeping.WakeAt = clock.Now().Add(30 * time.Second)
	sleepID := mustEnqueue(t, s, sleeping)

	pausedID := mustEnqueue(t, s, newTestTask("paused"))
	if _, err := s.PauseTask(ctx, pausedID, ""); err != nil {
		t.Fatalf("PauseTask failed: %v", err)
	}

	grouped := newTestTask("grouped")
	grouped.GroupName = "batch"
	groupedID := mustEnqueue(t, s, grouped)
	if err := s.PauseGroup(ctx, "batch"); err != nil {
		t.Fatalf("PauseGroup failed: %v", err)
	}

	if ids := claimIDs(t, s, 10); len(ids) != 0 {
		t.Fatalf("expected no claimable tasks, got %v", ids)
	}

	clock.Advance(time.Minute)
	if _, err := s.ResumeTask(ctx, pausedID, ""); err != nil {
		t.Fatalf("ResumeTask failed: %v", err)
	}
	if err := s.ResumeGroup(ctx, "batch"); err != nil {
		t.Fatalf("ResumeGroup failed: %v", err)
	}
	groups, err := s.PausedGroups(ctx)
	if err != nil || len(groups) != 0 {
		t.Fatalf("PausedGroups = %v, %v", groups, err)
	}

	ids := claimIDs(t, s, 10)
	if len(ids) != 3 {
		t.Fatalf("expected 3 claimable tasks, got %v", ids)
	}
	seen := map[int64]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	if !seen[sleepID] || !seen[pausedID] || !seen[groupedID] {
		t.Fatalf("unexpected claim set %v", ids)
	}
}

func testGlobalPauseModes(t *testing.T, s clockedStore, _ *fakeClock) {
	ctx := context.Background()

	freshID := mustEnqueue(t, s, newTestTask("fresh"))
	waiting := newTestTask("waiting")
	waiting.Status = api.StatusWaiting
	waitingID := mustEnqueue(t, s, waiting)

	if err := s.SetGlobalPause(ctx, api.PauseHard); err != nil {
		t.Fatalf("SetGlobalPause failed: %v", err)
	}
	if mode, err := s.GlobalPause(ctx); err != nil || mode != api.PauseHard {
		t.Fatalf("GlobalPause = %q, %v", mode, err)
	}
	if ids := claimIDs(t, s, 10); len(ids) != 0 {
		t.Fatalf("hard pause must block all claims, got %v", ids)
	}

	if err := s.SetGlobalPause(ctx, api.PauseSoft); err != nil {
		t.Fatalf("SetGlobalPause failed: %v", err)
	}
	ids := claimIDs(t, s, 10)
	if len(ids) != 1 || ids[0] != waitingID {
		t.Fatalf("soft pause should only claim started work, got %v", ids)
	}

	if err := s.SetGlobalPause(ctx, api.PauseNone); err != nil {
		t.Fatalf("SetGlobalPause failed: %v", err)
	}
	ids = claimIDs(t, s, 10)
	if len(ids) != 1 || ids[0] != freshID {
		t.Fatalf("expected fresh task after unpause, got %v", ids)
	}
}

func testGroupLimitAndSlots(t *testing.T, s clockedStore, _ *fakeClock) {
	ctx := context.Background()

	if err := s.SetGroupLimit(ctx, "io", 1); err != nil {
		t.Fatalf("SetGroupLimit failed: %v", err)
	}
	limits, err := s.GroupLimits(ctx)
	if err != nil || limits["io"] != 1 {
		t.Fatalf("GroupLimits = %v, %v", limits, err)
	}

	for i := 0; i < 3; i++ {
		task := newTestTask("io")
		task.GroupName = "io"
		mustEnqueue(t, s, task)
	}

	ids := claimIDs(t, s, 3)
	if len(ids) != 1 {
		t.Fatalf("group limit 1 should allow one claim, got %v", ids)
	}
	if more := claimIDs(t, s, 3); len(more) != 0 {
		t.Fatalf("group slot should still be held, got %v", more)
	}

	// Finishing a step with a non-PROCESSING status frees the slot.
	task, err := s.Get(ctx, ids[0])
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	task.Status = api.StatusWaiting
	if err := s.Update(ctx, task); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	next := claimIDs(t, s, 3)
	if len(next) != 1 {
		t.Fatalf("expected one claim after slot release, got %v", next)
	}

	if err := s.ReleaseClaim(ctx, next[0]); err != nil {
		t.Fatalf("ReleaseClaim failed: %v", err)
	}
	released, err := s.Get(ctx, next[0])
	if err != nil || released.Status != api.StatusWaiting {
		t.Fatalf("expected WAITING after ReleaseClaim, got %+v, %v", released, err)
	}

	if n, err := s.CleanupConcurrencyGroups(ctx); err != nil || n != 0 {
		t.Fatalf("CleanupConcurrencyGroups = %d, %v", n, err)
	}

	if err := s.SetGroupLimit(ctx, "io", 0); err != nil {
		t.Fatalf("SetGroupLimit(0) failed: %v", err)
	}
	if all := claimIDs(t, s, 5); len(all) != 3 {
		t.Fatalf("expected all three tasks once the limit is removed, got %v", all)
	}
}

func testConcurrentClaimsAreExclusive(t *testing.T, s clockedStore, _ *fakeClock) {
	const tasks = 20
	for i := 0; i < tasks; i++ {
		mustEnqueue(t, s, newTestTask("race"))
	}

	var (
		mu      sync.Mutex
		claimed = map[int64]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := s.ClaimNext(context.Background(), 1)
				if err != nil {
					t.Errorf("ClaimNext failed: %v", err)
					return
				}
				if len(got) == 0 {
					return
				}
				mu.Lock()
				claimed[got[0].ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != tasks {
		t.Fatalf("expected %d distinct claims, got %d", tasks, len(claimed))
	}
	for id, n := range claimed {
		if n != 1 {
			t.Fatalf("task %d claimed %d times", id, n)
		}
	}
}

func testOwnerChecks(t *testing.T, s clockedStore, _ *fakeClock) {
	ctx := context.Background()

	task := newTestTask("owned")
	task.UUID = "alice"
	id := mustEnqueue(t, s, task)

	if ok, err := s.PauseTask(ctx, id, "bob"); err != nil || ok {
		t.Fatalf("PauseTask by non-owner = %v, %v", ok, err)
	}
	if ok, err := s.TerminateTask(ctx, id, "bob"); err != nil || ok {
		t.Fatalf("TerminateTask by non-owner = %v, %v", ok, err)
	}
	if ok, err := s.PauseTask(ctx, id, "alice"); err != nil || !ok {
		t.Fatalf("PauseTask by owner = %v, %v", ok, err)
	}
	if ok, err := s.ResumeTask(ctx, id, ""); err != nil || !ok {
		t.Fatalf("ResumeTask without owner = %v, %v", ok, err)
	}
	if _, err := s.PauseTask(ctx, 4242, ""); !api.IsNotFound(err) {
		t.Fatalf("expected NotFoundError for unknown task, got %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Paused || got.IsTerminating {
		t.Fatalf("unexpected flags: paused=%v terminating=%v", got.Paused, got.IsTerminating)
	}
}

func testFilterCountChildren(t *testing.T, s clockedStore, clock *fakeClock) {
	ctx := context.Background()

	parent := newTestTask("parent")
	parent.ClientJobID = "job-7"
	parentID := mustEnqueue(t, s, parent)

	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		child := newTestTask("child")
		child.ParentID = parentID
		child.GroupName = "kids"
		mustEnqueue(t, s, child)
	}

	children, err := s.GetChildren(ctx, parentID)
	if err != nil || len(children) != 3 {
		t.Fatalf("GetChildren = %v, %v", children, err)
	}
	if ids, err := s.GetChildren(ctx, 0); err != nil || len(ids) != 0 {
		t.Fatalf("GetChildren(0) = %v, %v", ids, err)
	}

	n, err := s.Count(ctx, api.TaskFilter{HasParent: api.Bool(true)})
	if err != nil || n != 3 {
		t.Fatalf("Count(HasParent) = %d, %v", n, err)
	}
	n, err = s.Count(ctx, api.TaskFilter{ClientJobID: "job-7"})
	if err != nil || n != 1 {
		t.Fatalf("Count(ClientJobID) = %d, %v", n, err)
	}

	page, err := s.Load(ctx, api.TaskFilter{Group: "kids", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(page) != 2 || page[0].ID != children[1] || page[1].ID != children[2] {
		t.Fatalf("unexpected page: %v", page)
	}

	tail, err := s.Load(ctx, api.TaskFilter{Group: "kids", Offset: 2})
	if err != nil || len(tail) != 1 || tail[0].ID != children[2] {
		t.Fatalf("Load with offset only = %v, %v", tail, err)
	}

	recent, err := s.Load(ctx, api.TaskFilter{
		TypeName:     "child",
		CreatedAfter: clock.Now().Add(-500 * time.Millisecond),
	})
	if err != nil || len(recent) != 1 {
		t.Fatalf("Load(CreatedAfter) = %v, %v", recent, err)
	}
}

func testPruneCompleted(t *testing.T, s clockedStore, clock *fakeClock) {
	ctx := context.Background()

	old := newTestTask("old")
	oldID := mustEnqueue(t, s, old)
	old.Status = api.StatusComplete
	old.ExitStatus = api.ExitCompleted
	old.CompletedAt = clock.Now()
	if err := s.Update(ctx, old); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := s.AppendEvent(ctx, api.StepEvent{TaskID: oldID, Type: api.EventTaskCompleted}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	orphan, err := s.Send(ctx, &api.Signal{ObjectID: oldID, Type: api.SignalComplete})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	liveID := mustEnqueue(t, s, newTestTask("live"))
	liveSig, err := s.Send(ctx, &api.Signal{ObjectID: liveID, Type: api.SignalData})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	clock.Advance(time.Hour)
	n, err := s.PruneCompleted(ctx, clock.Now().Add(-time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("PruneCompleted = %d, %v", n, err)
	}
	if _, err := s.Get(ctx, oldID); !api.IsNotFound(err) {
		t.Fatalf("expected pruned task to be gone, got %v", err)
	}
	if evs, err := s.ListEvents(ctx, oldID); err != nil || len(evs) != 0 {
		t.Fatalf("expected pruned task history to be gone, got %v, %v", evs, err)
	}
	if _, err := s.GetSignal(ctx, orphan.ID); !errors.Is(err, ErrSignalNotFound) {
		t.Fatalf("expected unconsumed signal of pruned task to be gone, got %v", err)
	}
	if _, err := s.GetSignal(ctx, liveSig.ID); err != nil {
		t.Fatalf("signal of a live task must survive: %v", err)
	}

	n, err = s.PruneObjects(ctx, []int64{liveID, 777})
	if err != nil || n != 1 {
		t.Fatalf("PruneObjects = %d, %v", n, err)
	}
	if active, err := s.LoadAllActive(ctx, liveID); err != nil || len(active) != 0 {
		t.Fatalf("expected no signals for pruned task, got %v, %v", active, err)
	}
}

func testServers(t *testing.T, s clockedStore, _ *fakeClock) {
	ctx := context.Background()

	a := &api.Server{Hostname: "node-a", TotalCapacity: 4}
	if err := s.SaveServer(ctx, a); err != nil {
		t.Fatalf("SaveServer failed: %v", err)
	}
	if a.ID == 0 || a.Status != api.ServerAvailable {
		t.Fatalf("unexpected saved server: %+v", a)
	}

	var dup *api.DuplicateServerError
	if err := s.SaveServer(ctx, &api.Server{Hostname: "node-a", TotalCapacity: 1}); !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateServerError, got %v", err)
	}

	b := &api.Server{Hostname: "node-b", TotalCapacity: 2}
	if err := s.SaveServer(ctx, b); err != nil {
		t.Fatalf("SaveServer failed: %v", err)
	}
	b.Status = api.ServerNotAvailable
	if err := s.SaveServer(ctx, b); err != nil {
		t.Fatalf("SaveServer update failed: %v", err)
	}

	active, err := s.GetActiveServers(ctx)
	if err != nil || len(active) != 1 || active[0].ID != a.ID {
		t.Fatalf("GetActiveServers = %v, %v", active, err)
	}
	all, err := s.ListServers(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListServers = %v, %v", all, err)
	}
	byName, err := s.GetServerByHostname(ctx, "node-b")
	if err != nil || byName.ID != b.ID || byName.TotalCapacity != 2 {
		t.Fatalf("GetServerByHostname = %+v, %v", byName, err)
	}

	if err := s.DeleteServer(ctx, a.ID); err != nil {
		t.Fatalf("DeleteServer failed: %v", err)
	}
	if _, err := s.GetServer(ctx, a.ID); !errors.Is(err, ErrServerNotFound) {
		t.Fatalf("expected ErrServerNotFound, got %v", err)
	}
}

func testThreads(t *testing.T, s clockedThreads, clock *fakeClock) {
	ctx := context.Background()
	task := &api.Task{ID: 42}

	th, err := s.Reserve(ctx, 1, task.ID)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if th.Status != api.ThreadReserved {
		t.Fatalf("expected RESERVED, got %s", th.Status)
	}
	if _, err := s.Reserve(ctx, 2, task.ID); !errors.Is(err, api.ErrThreadConflict) {
		t.Fatalf("expected ErrThreadConflict, got %v", err)
	}
	if err := s.StartThread(ctx, th.ID); err != nil {
		t.Fatalf("StartThread failed: %v", err)
	}

	byTask, err := s.GetByTask(ctx, task)
	if err != nil || byTask.ID != th.ID || byTask.Status != api.ThreadRunning {
		t.Fatalf("GetByTask = %+v, %v", byTask, err)
	}
	active, err := s.GetActive(ctx, 1)
	if err != nil || len(active) != 1 {
		t.Fatalf("GetActive = %v, %v", active, err)
	}
	if other, err := s.GetActive(ctx, 2); err != nil || len(other) != 0 {
		t.Fatalf("GetActive(other server) = %v, %v", other, err)
	}

	if err := s.FinishThread(ctx, th.ID); err != nil {
		t.Fatalf("FinishThread failed: %v", err)
	}
	if _, err := s.GetByTask(ctx, task); !errors.Is(err, api.ErrNoThread) {
		t.Fatalf("expected ErrNoThread after finish, got %v", err)
	}
	if _, err := s.GetByTask(ctx, nil); !errors.Is(err, api.ErrNoTask) {
		t.Fatalf("expected ErrNoTask, got %v", err)
	}
	if err := s.StartThread(ctx, 98765); !errors.Is(err, api.ErrNoThread) {
		t.Fatalf("expected ErrNoThread for unknown thread, got %v", err)
	}

	// The task can be reserved again once its previous thread finished.
	if _, err := s.Reserve(ctx, 2, task.ID); err != nil {
		t.Fatalf("Reserve after finish failed: %v", err)
	}

	clock.Advance(time.Hour)
	n, err := s.PruneFinished(ctx, clock.Now())
	if err != nil || n != 1 {
		t.Fatalf("PruneFinished = %d, %v", n, err)
	}
}

func testSignals(t *testing.T, s clockedSignals, clock *fakeClock) {
	ctx := context.Background()

	first, err := s.Send(ctx, &api.Signal{ObjectID: 10, Type: api.SignalData, Data: []byte("one")})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	second, err := s.Send(ctx, &api.Signal{ObjectID: 10, Type: api.SignalComplete})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := s.Send(ctx, &api.Signal{ObjectID: 11, Type: api.SignalData}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	active, err := s.LoadAllActive(ctx, 10)
	if err != nil || len(active) != 2 || active[0].ID != first.ID || string(active[0].Data) != "one" {
		t.Fatalf("LoadAllActive = %v, %v", active, err)
	}

	clock.Advance(time.Second)
	if err := s.Consume(ctx, first); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	consumedAt := first.ConsumedAt
	if consumedAt.IsZero() {
		t.Fatalf("expected ConsumedAt to be set")
	}

	clock.Advance(time.Second)
	again := &api.Signal{ID: first.ID}
	if err := s.Consume(ctx, again); err != nil {
		t.Fatalf("second Consume failed: %v", err)
	}
	if !again.ConsumedAt.Equal(consumedAt) {
		t.Fatalf("ConsumedAt changed on second consume: %v != %v", again.ConsumedAt, consumedAt)
	}

	active, err = s.LoadAllActive(ctx, 10)
	if err != nil || len(active) != 1 || active[0].ID != second.ID {
		t.Fatalf("LoadAllActive after consume = %v, %v", active, err)
	}
	if err := s.Consume(ctx, &api.Signal{ID: 5555}); !errors.Is(err, ErrSignalNotFound) {
		t.Fatalf("expected ErrSignalNotFound, got %v", err)
	}

	clock.Advance(time.Hour)
	n, err := s.PruneConsumed(ctx, clock.Now())
	if err != nil || n != 1 {
		t.Fatalf("PruneConsumed = %d, %v", n, err)
	}
	if _, err := s.GetSignal(ctx, first.ID); !errors.Is(err, ErrSignalNotFound) {
		t.Fatalf("expected pruned signal to be gone, got %v", err)
	}

	if err := s.DeleteSignals(ctx, []int64{10}); err != nil {
		t.Fatalf("DeleteSignals failed: %v", err)
	}
	if _, err := s.GetSignal(ctx, second.ID); !errors.Is(err, ErrSignalNotFound) {
		t.Fatalf("expected deleted signal to be gone, got %v", err)
	}
	if active, err := s.LoadAllActive(ctx, 11); err != nil || len(active) != 1 {
		t.Fatalf("signals of other tasks must survive: %v, %v", active, err)
	}
}
