package engine

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fsmawi/wip/internal/persistence"
	"github.com/fsmawi/wip/pkg/api"
)

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

type backend struct {
	name string
	open func(t *testing.T, clock *fakeClock) persistence.Persistence
}

var backends = []backend{
	{"in-memory", func(t *testing.T, clock *fakeClock) persistence.Persistence {
		mem := persistence.NewInMemoryStore()
		mem.SetClock(clock.Now)
		return persistence.Single(mem)
	}},
	{"sqlite", func(t *testing.T, clock *fakeClock) persistence.Persistence {
		db, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			t.Fatalf("sql.Open failed: %v", err)
		}
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { _ = db.Close() })

		store, err := persistence.NewSQLiteStore(db)
		if err != nil {
			t.Fatalf("NewSQLiteStore failed: %v", err)
		}
		store.SetClock(clock.Now)
		return persistence.Single(store)
	}},
}

// forEachBackend runs fn against a fresh engine on every embedded backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, e *engineImpl, clock *fakeClock)) {
	t.Helper()
	for _, b := range backends {
		b := b
		t.Run(b.name, func(t *testing.T) {
			clock := newFakeClock()
			fn(t, newTestEngine(b.open(t, clock), clock, nil), clock)
		})
	}
}

func newTestEngine(p persistence.Persistence, clock *fakeClock, obs api.Observer) *engineImpl {
	return NewEngineWithConfig(Config{
		Persistence: p,
		Observer:    obs,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:       clock.Now,
	}).(*engineImpl)
}

func mustRegister(t *testing.T, e *engineImpl, def api.TaskDefinition) {
	t.Helper()
	if err := e.RegisterTaskType(def); err != nil {
		t.Fatalf("RegisterTaskType(%s) failed: %v", def.Name, err)
	}
}

func mustEnqueue(t *testing.T, e *engineImpl, task *api.Task) int64 {
	t.Helper()
	id, err := e.Enqueue(context.Background(), task)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return id
}

func mustStep(t *testing.T, e *engineImpl, id int64) api.StepResult {
	t.Helper()
	res, err := e.Step(context.Background(), id)
	if err != nil {
		t.Fatalf("Step(%d) failed: %v", id, err)
	}
	return res
}

func mustGet(t *testing.T, e *engineImpl, id int64) *api.Task {
	t.Helper()
	task, err := e.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask(%d) failed: %v", id, err)
	}
	return task
}

// calls counts logic invocations per state.
type calls map[string]int

// count returns a StateFunc that records its invocation and yields trigger.
func (c calls) count(state, trigger string) api.StateFunc {
	return func(ctx context.Context, sc *api.StateContext) (string, error) {
		c[state]++
		return trigger, nil
	}
}

// script returns a function that yields the given triggers in order and
// repeats the last one once exhausted.
func script(triggers ...string) func(ctx context.Context, sc *api.StateContext) (string, error) {
	i := 0
	return func(ctx context.Context, sc *api.StateContext) (string, error) {
		tr := triggers[i]
		if i < len(triggers)-1 {
			i++
		}
		return tr, nil
	}
}

func assertState(t *testing.T, task *api.Task, status api.Status, state string) {
	t.Helper()
	if task.Status != status {
		t.Fatalf("expected status %s, got %s", status, task.Status)
	}
	if got := task.Snapshot.CurrentState; got != state {
		t.Fatalf("expected current state %q, got %q", state, got)
	}
}
