package persistence

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/fsmawi/wip/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe implementation of every store
// interface backed by maps. Values are copied on the way in and out so
// callers never share memory with the store.
type InMemoryStore struct {
	mu  sync.RWMutex
	now func() time.Time

	byID       map[int64]*api.Task
	nextTaskID int64

	pausedGroups map[string]bool
	groupLimits  map[string]int
	groupSlots   map[int64]string
	pauseMode    api.PauseMode

	servers      map[int64]*api.Server
	nextServerID int64

	threads      map[int64]*api.Thread
	nextThreadID int64

	signals      map[int64]*api.Signal
	nextSignalID int64

	events map[int64][]api.StepEvent
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		now:          time.Now,
		byID:         make(map[int64]*api.Task),
		pausedGroups: make(map[string]bool),
		groupLimits:  make(map[string]int),
		groupSlots:   make(map[int64]string),
		servers:      make(map[int64]*api.Server),
		threads:      make(map[int64]*api.Thread),
		signals:      make(map[int64]*api.Signal),
		events:       make(map[int64][]api.StepEvent),
	}
}

// SetClock replaces the time source used for claim eligibility and timestamps.
func (s *InMemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Ensure InMemoryStore implements the interfaces.
var (
	_ TaskStore   = (*InMemoryStore)(nil)
	_ ServerStore = (*InMemoryStore)(nil)
	_ ThreadStore = (*InMemoryStore)(nil)
	_ SignalStore = (*InMemoryStore)(nil)
	_ EventStore  = (*InMemoryStore)(nil)
)

//
// TaskStore
//

func (s *InMemoryStore) Enqueue(ctx context.Context, task *api.Task) (int64, error) {
	if err := validateNewTask(task); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == 0 {
		s.nextTaskID++
		task.ID = s.nextTaskID
	} else if task.ID > s.nextTaskID {
		s.nextTaskID = task.ID
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now()
	}
	if task.Status == "" {
		task.Status = api.StatusNotStarted
	}
	if task.ExitStatus == "" {
		task.ExitStatus = api.ExitNotFinished
	}
	s.byID[task.ID] = task.Clone()
	return task.ID, nil
}

func (s *InMemoryStore) Get(ctx context.Context, id int64) (*api.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.byID[id]
	if !ok {
		return nil, taskNotFound(id)
	}
	return t.Clone(), nil
}

func (s *InMemoryStore) Update(ctx context.Context, task *api.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[task.ID]
	if !ok {
		return taskNotFound(task.ID)
	}
	next := task.Clone()
	next.Paused = cur.Paused
	next.IsTerminating = cur.IsTerminating
	s.byID[task.ID] = next
	if next.Status != api.StatusProcessing {
		delete(s.groupSlots, task.ID)
	}
	return nil
}

func (s *InMemoryStore) ClaimNext(ctx context.Context, n int) ([]*api.Task, error) {
	if n <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pauseMode == api.PauseHard {
		return nil, nil
	}
	now := s.now()

	var candidates []*api.Task
	for _, t := range s.byID {
		if s.claimable(t, now) {
			candidates = append(candidates, t)
		}
	}
	sortClaimOrder(candidates)

	running := make(map[string]int)
	for _, g := range s.groupSlots {
		running[g]++
	}

	var out []*api.Task
	for _, t := range candidates {
		if len(out) == n {
			break
		}
		if g := t.GroupName; g != "" {
			if limit := s.groupLimits[g]; limit > 0 && running[g] >= limit {
				continue
			}
			running[g]++
			s.groupSlots[t.ID] = g
		}
		t.Status = api.StatusProcessing
		if t.StartedAt.IsZero() {
			t.StartedAt = now
		}
		t.ClaimedAt = now
		out = append(out, t.Clone())
	}
	return out, nil
}

func (s *InMemoryStore) claimable(t *api.Task, now time.Time) bool {
	if !t.Status.Runnable() || t.Paused || s.pausedGroups[t.GroupName] {
		return false
	}
	if t.WakeAt.After(now) {
		return false
	}
	if s.pauseMode == api.PauseSoft && t.Status != api.StatusWaiting {
		return false
	}
	return true
}

// sortClaimOrder orders tasks by priority desc, creation time asc, id asc.
func sortClaimOrder(tasks []*api.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (s *InMemoryStore) ReleaseClaim(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[id]
	if !ok {
		return taskNotFound(id)
	}
	if t.Status == api.StatusProcessing {
		t.Status = api.StatusWaiting
		delete(s.groupSlots, id)
	}
	return nil
}

func (s *InMemoryStore) Count(ctx context.Context, filter api.TaskFilter) (int, error) {
	filter.Limit, filter.Offset = 0, 0
	tasks, err := s.Load(ctx, filter)
	return len(tasks), err
}

func (s *InMemoryStore) Load(ctx context.Context, filter api.TaskFilter) ([]*api.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.Task
	for _, t := range s.byID {
		if filter.Match(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	res := make([]*api.Task, len(out))
	for i, t := range out {
		res[i] = t.Clone()
	}
	return res, nil
}

func (s *InMemoryStore) GetChildren(ctx context.Context, parentID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for id, t := range s.byID {
		if t.ParentID == parentID && parentID != 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *InMemoryStore) setFlag(id int64, owner string, apply func(t *api.Task)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[id]
	if !ok {
		return false, taskNotFound(id)
	}
	if !ownerMatches(t, owner) {
		return false, nil
	}
	apply(t)
	return true, nil
}

func (s *InMemoryStore) PauseTask(ctx context.Context, id int64, owner string) (bool, error) {
	return s.setFlag(id, owner, func(t *api.Task) { t.Paused = true })
}

func (s *InMemoryStore) ResumeTask(ctx context.Context, id int64, owner string) (bool, error) {
	return s.setFlag(id, owner, func(t *api.Task) { t.Paused = false })
}

func (s *InMemoryStore) TerminateTask(ctx context.Context, id int64, owner string) (bool, error) {
	return s.setFlag(id, owner, func(t *api.Task) {
		if t.Status != api.StatusComplete {
			t.IsTerminating = true
		}
	})
}

func (s *InMemoryStore) PauseGroup(ctx context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pausedGroups[group] = true
	return nil
}

func (s *InMemoryStore) ResumeGroup(ctx context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pausedGroups, group)
	return nil
}

func (s *InMemoryStore) PausedGroups(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.pausedGroups))
	for g := range s.pausedGroups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemoryStore) SetGlobalPause(ctx context.Context, mode api.PauseMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauseMode = mode
	return nil
}

func (s *InMemoryStore) GlobalPause(ctx context.Context) (api.PauseMode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pauseMode, nil
}

func (s *InMemoryStore) SetGroupLimit(ctx context.Context, group string, max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max <= 0 {
		delete(s.groupLimits, group)
		return nil
	}
	s.groupLimits[group] = max
	return nil
}

func (s *InMemoryStore) GroupLimits(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int, len(s.groupLimits))
	for g, n := range s.groupLimits {
		out[g] = n
	}
	return out, nil
}

func (s *InMemoryStore) PruneCompleted(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, t := range s.byID {
		if t.Status == api.StatusComplete && t.CompletedAt.Before(before) {
			s.deleteTaskLocked(id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) PruneObjects(ctx context.Context, ids []int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range ids {
		if _, ok := s.byID[id]; ok {
			s.deleteTaskLocked(id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) deleteTaskLocked(id int64) {
	delete(s.byID, id)
	delete(s.groupSlots, id)
	delete(s.events, id)
	for sid, sig := range s.signals {
		if sig.ObjectID == id {
			delete(s.signals, sid)
		}
	}
}

func (s *InMemoryStore) CleanupConcurrencyGroups(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id := range s.groupSlots {
		if t, ok := s.byID[id]; !ok || t.Status != api.StatusProcessing {
			delete(s.groupSlots, id)
			n++
		}
	}
	return n, nil
}

//
// ServerStore
//

func (s *InMemoryStore) SaveServer(ctx context.Context, srv *api.Server) error {
	if srv.Hostname == "" {
		return &api.ValidationError{Field: "hostname", Reason: "must be set"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, other := range s.servers {
		if other.Hostname == srv.Hostname && id != srv.ID {
			return &api.DuplicateServerError{Hostname: srv.Hostname}
		}
	}
	if srv.ID == 0 {
		s.nextServerID++
		srv.ID = s.nextServerID
		if srv.CreatedAt.IsZero() {
			srv.CreatedAt = s.now()
		}
	} else if _, ok := s.servers[srv.ID]; !ok {
		return ErrServerNotFound
	}
	if srv.Status == "" {
		srv.Status = api.ServerAvailable
	}
	cp := *srv
	s.servers[srv.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetServer(ctx context.Context, id int64) (*api.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	srv, ok := s.servers[id]
	if !ok {
		return nil, ErrServerNotFound
	}
	cp := *srv
	return &cp, nil
}

func (s *InMemoryStore) GetServerByHostname(ctx context.Context, hostname string) (*api.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, srv := range s.servers {
		if srv.Hostname == hostname {
			cp := *srv
			return &cp, nil
		}
	}
	return nil, ErrServerNotFound
}

func (s *InMemoryStore) ListServers(ctx context.Context) ([]*api.Server, error) {
	return s.listServers(func(*api.Server) bool { return true }), nil
}

func (s *InMemoryStore) GetActiveServers(ctx context.Context) ([]*api.Server, error) {
	return s.listServers(func(srv *api.Server) bool { return srv.Status == api.ServerAvailable }), nil
}

func (s *InMemoryStore) listServers(keep func(*api.Server) bool) []*api.Server {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.Server
	for _, srv := range s.servers {
		if keep(srv) {
			cp := *srv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *InMemoryStore) DeleteServer(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.servers[id]; !ok {
		return ErrServerNotFound
	}
	delete(s.servers, id)
	return nil
}

//
// ThreadStore
//

func (s *InMemoryStore) Reserve(ctx context.Context, serverID, taskID int64) (*api.Thread, error) {
	if err := validateReserve(serverID, taskID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, th := range s.threads {
		if th.TaskID == taskID && th.Status.Active() {
			return nil, api.ErrThreadConflict
		}
	}
	now := s.now()
	s.nextThreadID++
	th := &api.Thread{
		ID:        s.nextThreadID,
		ServerID:  serverID,
		TaskID:    taskID,
		Status:    api.ThreadReserved,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.threads[th.ID] = th
	cp := *th
	return &cp, nil
}

func (s *InMemoryStore) setThreadStatus(id int64, status api.ThreadStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.threads[id]
	if !ok {
		return api.ErrNoThread
	}
	th.Status = status
	th.UpdatedAt = s.now()
	return nil
}

func (s *InMemoryStore) StartThread(ctx context.Context, id int64) error {
	return s.setThreadStatus(id, api.ThreadRunning)
}

func (s *InMemoryStore) FinishThread(ctx context.Context, id int64) error {
	return s.setThreadStatus(id, api.ThreadFinished)
}

func (s *InMemoryStore) GetActive(ctx context.Context, serverID int64) ([]*api.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.Thread
	for _, th := range s.threads {
		if th.Status.Active() && (serverID == 0 || th.ServerID == serverID) {
			cp := *th
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) GetByTask(ctx context.Context, task *api.Task) (*api.Thread, error) {
	if task == nil || task.ID == 0 {
		return nil, api.ErrNoTask
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, th := range s.threads {
		if th.TaskID == task.ID && th.Status.Active() {
			cp := *th
			return &cp, nil
		}
	}
	return nil, api.ErrNoThread
}

func (s *InMemoryStore) PruneFinished(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, th := range s.threads {
		if th.Status == api.ThreadFinished && th.UpdatedAt.Before(before) {
			delete(s.threads, id)
			n++
		}
	}
	return n, nil
}

//
// SignalStore
//

func (s *InMemoryStore) Send(ctx context.Context, sig *api.Signal) (*api.Signal, error) {
	if sig.ObjectID == 0 {
		return nil, &api.ValidationError{Field: "object_id", Reason: "must be set"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSignalID++
	stored := *sig
	stored.ID = s.nextSignalID
	stored.SentAt = s.now()
	stored.ConsumedAt = time.Time{}
	s.signals[stored.ID] = &stored

	out := stored
	return &out, nil
}

func (s *InMemoryStore) Consume(ctx context.Context, sig *api.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.signals[sig.ID]
	if !ok {
		return ErrSignalNotFound
	}
	if stored.ConsumedAt.IsZero() {
		stored.ConsumedAt = s.now()
	}
	sig.ConsumedAt = stored.ConsumedAt
	return nil
}

func (s *InMemoryStore) LoadAllActive(ctx context.Context, objectID int64) ([]*api.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.Signal
	for _, sig := range s.signals {
		if sig.ObjectID == objectID && sig.ConsumedAt.IsZero() {
			cp := *sig
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) GetSignal(ctx context.Context, id int64) (*api.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sig, ok := s.signals[id]
	if !ok {
		return nil, ErrSignalNotFound
	}
	cp := *sig
	return &cp, nil
}

func (s *InMemoryStore) PruneConsumed(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, sig := range s.signals {
		if !sig.ConsumedAt.IsZero() && sig.ConsumedAt.Before(before) {
			delete(s.signals, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) DeleteSignals(ctx context.Context, objectIDs []int64) error {
	if len(objectIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sig := range s.signals {
		if slices.Contains(objectIDs, sig.ObjectID) {
			delete(s.signals, id)
		}
	}
	return nil
}

//
// EventStore
//

func (s *InMemoryStore) AppendEvent(ctx context.Context, ev api.StepEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.At.IsZero() {
		ev.At = s.now()
	}
	s.events[ev.TaskID] = append(s.events[ev.TaskID], ev)
	return nil
}

func (s *InMemoryStore) ListEvents(ctx context.Context, taskID int64) ([]api.StepEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[taskID]
	out := make([]api.StepEvent, len(evs))
	copy(out, evs)
	return out, nil
}

func (s *InMemoryStore) DeleteEvents(ctx context.Context, taskIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range taskIDs {
		delete(s.events, id)
	}
	return nil
}
