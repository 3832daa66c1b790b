package persistence

// Persistence bundles the store interfaces so the engine and the scheduler
// can depend on a single value. Each store may use a different backend.
type Persistence struct {
	Tasks   TaskStore
	Threads ThreadStore
	Servers ServerStore
	Signals SignalStore
	Events  EventStore
}

// WithDefaults fills nil stores: Events with NoopEventStore and every other
// nil store with mem, which may itself be nil.
func (p Persistence) WithDefaults(mem *InMemoryStore) Persistence {
	if p.Events == nil {
		p.Events = NoopEventStore{}
	}
	if mem == nil {
		return p
	}
	if p.Tasks == nil {
		p.Tasks = mem
	}
	if p.Threads == nil {
		p.Threads = mem
	}
	if p.Servers == nil {
		p.Servers = mem
	}
	if p.Signals == nil {
		p.Signals = mem
	}
	return p
}

// Store is implemented by backends that can hold every kind of record.
type Store interface {
	TaskStore
	ThreadStore
	ServerStore
	SignalStore
	EventStore
}

// Single returns a Persistence whose stores are all s.
func Single(s Store) Persistence {
	return Persistence{
		Tasks:   s,
		Threads: s,
		Servers: s,
		Signals: s,
		Events:  s,
	}
}

// NewInMemoryPersistence returns a Persistence whose stores all share one InMemoryStore.
func NewInMemoryPersistence() Persistence {
	return Single(NewInMemoryStore())
}
