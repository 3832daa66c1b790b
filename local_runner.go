package wip

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fsmawi/wip/internal/engine"
	"github.com/fsmawi/wip/pkg/api"
	"github.com/fsmawi/wip/pkg/worker"
)

// LocalRunner bundles an in-memory Engine and a Scheduler to provide a
// simple "local runner" for development and debugging.
//
// Typical usage:
//
//	runner := wip.NewLocalRunner()
//	wip.NewTaskType("poll").Table(src).State("wait", fetch).MustRegister(runner.Engine)
//
//	_ = runner.Start(ctx)
//	id, _ := runner.Submit(ctx, &wip.Task{TypeName: "poll"})
//	task, err := runner.Wait(ctx, id)
//	...
//	runner.Stop()
type LocalRunner struct {
	// Engine is the task engine used by this runner.
	Engine Engine

	// Persistence holds the stores shared by Engine and the scheduler.
	Persistence Persistence

	cfg SchedulerConfig

	mu        sync.Mutex
	cancel    context.CancelFunc
	scheduler *worker.Scheduler
	errc      chan error
}

// NewLocalRunner constructs a LocalRunner backed by in-memory stores and a
// scheduler polling every 10ms with the default capacity.
//
// This is intended for local development, tests, and simple single-process
// deployments.
func NewLocalRunner() *LocalRunner {
	return NewLocalRunnerWithConfig(NewInMemoryPersistence(), nil, SchedulerConfig{
		Hostnames:    []string{"local"},
		PollInterval: 10 * time.Millisecond,
	})
}

// NewLocalRunnerWithConfig builds a LocalRunner on p. obs may be nil.
func NewLocalRunnerWithConfig(p Persistence, obs Observer, cfg SchedulerConfig) *LocalRunner {
	return &LocalRunner{
		Engine:      engine.NewEngineWithConfig(engine.Config{Persistence: p, Observer: obs, Logger: cfg.Logger}),
		Persistence: p,
		cfg:         cfg,
	}
}

// Start runs a scheduler in the background until Stop is called or ctx is
// canceled.
//
// If Start is called more than once without Stop, it returns an error.
func (r *LocalRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.scheduler != nil {
		return errors.New("wip: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	sched := worker.New(r.Engine, r.Persistence, r.cfg)
	errc := make(chan error, 1)
	go func() {
		errc <- sched.Run(ctx)
	}()

	r.cancel = cancel
	r.scheduler = sched
	r.errc = errc
	return nil
}

// Stop cancels the scheduler started by Start and waits for it to exit. It
// returns the error the scheduler stopped with, if any.
func (r *LocalRunner) Stop() error {
	r.mu.Lock()
	cancel, errc := r.cancel, r.errc
	r.cancel, r.errc, r.scheduler = nil, nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	return <-errc
}

// Submit enqueues a task for the background scheduler.
func (r *LocalRunner) Submit(ctx context.Context, task *Task) (int64, error) {
	return r.Engine.Enqueue(ctx, task)
}

// Wait polls the task until it is COMPLETE and returns it.
func (r *LocalRunner) Wait(ctx context.Context, id int64) (*Task, error) {
	interval := r.cfg.PollInterval
	if interval <= 0 {
		interval = worker.DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := r.Engine.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status == api.StatusComplete {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}
