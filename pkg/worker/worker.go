package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fsmawi/wip/internal/persistence"
	"github.com/fsmawi/wip/pkg/api"
)

// Config controls a Scheduler. Zero values select the defaults below.
type Config struct {
	// Hostnames are the servers this scheduler manages. Defaults to the
	// machine hostname.
	Hostnames []string

	// Capacity is the number of concurrent steps per server. Defaults to 4.
	Capacity int

	// PollInterval is the sleep between polls that found no work and the
	// initial backoff after a storage error. Defaults to 500ms.
	PollInterval time.Duration

	// MaxBackoff caps the exponential backoff after storage errors.
	// Defaults to 30s.
	MaxBackoff time.Duration

	// CleanupInterval is how often stale concurrency group slots are
	// removed. Defaults to one minute.
	CleanupInterval time.Duration

	// PruneAfter removes completed tasks older than this during cleanup.
	// Zero disables pruning.
	PruneAfter time.Duration

	Logger *slog.Logger
}

const (
	DefaultCapacity        = 4
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultMaxBackoff      = 30 * time.Second
	DefaultCleanupInterval = time.Minute
)

func (c Config) withDefaults() Config {
	if len(c.Hostnames) == 0 {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "localhost"
		}
		c.Hostnames = []string{host}
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.PollInterval {
		c.MaxBackoff = c.PollInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Scheduler claims runnable tasks and steps each of them once per poll on a
// reserved thread of one of its servers.
type Scheduler struct {
	ID uuid.UUID

	engine  api.Engine
	tasks   persistence.TaskStore
	servers persistence.ServerStore
	threads persistence.ThreadStore
	cfg     Config
	logger  *slog.Logger

	mu          sync.Mutex
	serverIDs   []int64
	lastCleanup time.Time

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a Scheduler stepping tasks with eng. p must be the
// persistence eng was built on.
func New(eng api.Engine, p persistence.Persistence, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	id := uuid.New()
	return &Scheduler{
		ID:      id,
		engine:  eng,
		tasks:   p.Tasks,
		servers: p.Servers,
		threads: p.Threads,
		cfg:     cfg,
		logger:  cfg.Logger.With("scheduler_id", id.String()),
		done:    make(chan struct{}),
	}
}

// Run registers the scheduler's servers, recovers work they held before a
// restart and polls until ctx is canceled. On exit the servers are marked
// NOT_AVAILABLE. It returns nil after a cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.doneOnce.Do(func() { close(s.done) })

	if err := s.Register(ctx); err != nil {
		return err
	}
	defer s.retire()

	if _, err := s.Recover(ctx); err != nil {
		return err
	}

	s.logger.Info("scheduler starting",
		"servers", s.cfg.Hostnames,
		"capacity", s.cfg.Capacity,
		"poll_interval", s.cfg.PollInterval)

	backoff := s.cfg.PollInterval
	for {
		if ctx.Err() != nil {
			s.logger.Info("scheduler stopping")
			return nil
		}

		n, err := s.RunOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			s.logger.Error("poll failed", "err", err, "backoff", backoff)
			sleep(ctx, backoff)
			backoff = min(backoff*2, s.cfg.MaxBackoff)
		case n == 0:
			backoff = s.cfg.PollInterval
			sleep(ctx, s.cfg.PollInterval)
		default:
			backoff = s.cfg.PollInterval
		}
	}
}

// DrainAndWait blocks until Run has returned or ctx is done.
func (s *Scheduler) DrainAndWait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Register creates or refreshes the server records of the configured
// hostnames and marks them AVAILABLE.
func (s *Scheduler) Register(ctx context.Context) error {
	ids := make([]int64, 0, len(s.cfg.Hostnames))
	for _, host := range s.cfg.Hostnames {
		srv, err := s.servers.GetServerByHostname(ctx, host)
		switch {
		case errors.Is(err, persistence.ErrServerNotFound):
			srv = &api.Server{Hostname: host}
		case err != nil:
			return fmt.Errorf("look up server %q: %w", host, err)
		}
		srv.TotalCapacity = s.cfg.Capacity
		srv.Status = api.ServerAvailable
		if err := s.servers.SaveServer(ctx, srv); err != nil {
			return fmt.Errorf("register server %q: %w", host, err)
		}
		ids = append(ids, srv.ID)
		s.logger.Info("server registered", "server_id", srv.ID, "hostname", host)
	}

	s.mu.Lock()
	s.serverIDs = ids
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) managed() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.serverIDs...)
}

// Recover finishes threads left active on this scheduler's servers by a
// previous process and returns their tasks to WAITING. It must run before
// the first poll.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	n := 0
	for _, serverID := range s.managed() {
		stale, err := s.threads.GetActive(ctx, serverID)
		if err != nil {
			return n, err
		}
		for _, th := range stale {
			if err := s.threads.FinishThread(ctx, th.ID); err != nil && !errors.Is(err, api.ErrNoThread) {
				return n, err
			}
			if err := s.tasks.ReleaseClaim(ctx, th.TaskID); err != nil && !api.IsNotFound(err) {
				return n, err
			}
			n++
		}
	}
	if n > 0 {
		s.logger.Warn("recovered stale threads", "count", n)
	}
	return n, nil
}

// retire marks the managed servers NOT_AVAILABLE.
func (s *Scheduler) retire() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, id := range s.managed() {
		srv, err := s.servers.GetServer(ctx, id)
		if err != nil {
			s.logger.Warn("retire server failed", "server_id", id, "err", err)
			continue
		}
		srv.Status = api.ServerNotAvailable
		if err := s.servers.SaveServer(ctx, srv); err != nil {
			s.logger.Warn("retire server failed", "server_id", id, "err", err)
		}
	}
}

// Capacity returns the free slots of each managed server. Servers that are
// not AVAILABLE have none.
func (s *Scheduler) Capacity(ctx context.Context) (map[int64]int, error) {
	out := make(map[int64]int)
	for _, id := range s.managed() {
		srv, err := s.servers.GetServer(ctx, id)
		if err != nil {
			return nil, err
		}
		if srv.Status != api.ServerAvailable {
			out[id] = 0
			continue
		}
		active, err := s.threads.GetActive(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = max(srv.TotalCapacity-len(active), 0)
	}
	return out, nil
}

// RunOnce claims as many tasks as there are free slots, steps each claimed
// task once in parallel and waits for the steps to finish. It returns the
// number of tasks dispatched.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	if err := s.maintain(ctx); err != nil {
		return 0, err
	}

	free, err := s.Capacity(ctx)
	if err != nil {
		return 0, err
	}
	var slots []int64
	for _, id := range s.managed() {
		for i := 0; i < free[id]; i++ {
			slots = append(slots, id)
		}
	}
	if len(slots) == 0 {
		return 0, nil
	}

	claimed, err := s.tasks.ClaimNext(ctx, len(slots))
	if err != nil {
		return 0, fmt.Errorf("claim tasks: %w", err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	dispatched := 0
	for i, task := range claimed {
		th, err := s.reserve(ctx, slots[i], task)
		if err != nil {
			record(err)
			continue
		}
		if th == nil {
			continue
		}
		dispatched++

		wg.Add(1)
		go func(task *api.Task, th *api.Thread) {
			defer wg.Done()
			if err := s.step(ctx, task, th); err != nil {
				record(err)
			}
		}(task, th)
	}
	wg.Wait()

	return dispatched, errors.Join(errs...)
}

// reserve binds task to a thread on serverID. A nil thread without error
// means the task was skipped and its claim released.
func (s *Scheduler) reserve(ctx context.Context, serverID int64, task *api.Task) (*api.Thread, error) {
	cleanup := context.WithoutCancel(ctx)

	th, err := s.threads.Reserve(ctx, serverID, task.ID)
	if err != nil {
		if relErr := s.tasks.ReleaseClaim(cleanup, task.ID); relErr != nil {
			err = errors.Join(err, relErr)
		}
		if errors.Is(err, api.ErrThreadConflict) {
			s.logger.Warn("task already holds a thread", "task_id", task.ID, "server_id", serverID)
			return nil, nil
		}
		return nil, fmt.Errorf("reserve thread for task %d: %w", task.ID, err)
	}
	if err := s.threads.StartThread(ctx, th.ID); err != nil {
		_ = s.threads.FinishThread(cleanup, th.ID)
		_ = s.tasks.ReleaseClaim(cleanup, task.ID)
		return nil, fmt.Errorf("start thread %d: %w", th.ID, err)
	}
	return th, nil
}

// step runs one transition of task on th and always finishes the thread.
func (s *Scheduler) step(ctx context.Context, task *api.Task, th *api.Thread) error {
	cleanup := context.WithoutCancel(ctx)
	log := s.logger.With("task_id", task.ID, "server_id", th.ServerID, "thread_id", th.ID)

	defer func() {
		if err := s.threads.FinishThread(cleanup, th.ID); err != nil {
			log.Error("finish thread failed", "err", err)
		}
	}()

	res, err := s.engine.StepTask(ctx, task)
	switch {
	case errors.Is(err, api.ErrUnknownTaskType):
		// Park the task instead of claiming it again on every poll.
		log.Error("task type not registered with this scheduler; pausing task", "type", task.TypeName, "err", err)
		if relErr := s.tasks.ReleaseClaim(cleanup, task.ID); relErr != nil {
			return relErr
		}
		_, pauseErr := s.tasks.PauseTask(cleanup, task.ID, "")
		return pauseErr
	case err != nil:
		log.Error("step failed", "err", err)
		if relErr := s.tasks.ReleaseClaim(cleanup, task.ID); relErr != nil {
			err = errors.Join(err, relErr)
		}
		return err
	case res.Outcome == api.StepIdle:
		return s.tasks.ReleaseClaim(cleanup, task.ID)
	}

	log.Debug("task stepped", "from", res.From, "trigger", res.Trigger, "to", res.To, "outcome", res.Outcome)
	return nil
}

// maintain runs periodic housekeeping at most once per CleanupInterval.
func (s *Scheduler) maintain(ctx context.Context) error {
	s.mu.Lock()
	due := time.Since(s.lastCleanup) >= s.cfg.CleanupInterval
	if due {
		s.lastCleanup = time.Now()
	}
	s.mu.Unlock()
	if !due {
		return nil
	}

	n, err := s.tasks.CleanupConcurrencyGroups(ctx)
	if err != nil {
		return fmt.Errorf("cleanup concurrency groups: %w", err)
	}
	if n > 0 {
		s.logger.Info("released stale group slots", "count", n)
	}
	if s.cfg.PruneAfter > 0 {
		if _, err := s.engine.Prune(ctx, s.cfg.PruneAfter); err != nil {
			return fmt.Errorf("prune: %w", err)
		}
	}
	return nil
}
