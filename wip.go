package wip

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/fsmawi/wip/internal/engine"
	"github.com/fsmawi/wip/internal/persistence"
	"github.com/fsmawi/wip/pkg/api"
	"github.com/fsmawi/wip/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	EngineConfig         = engine.Config
	Persistence          = persistence.Persistence
	Task                 = api.Task
	TaskDefinition       = api.TaskDefinition
	TaskFilter           = api.TaskFilter
	Snapshot             = api.Snapshot
	StateFunc            = api.StateFunc
	TransitionFunc       = api.TransitionFunc
	StateContext         = api.StateContext
	StepResult           = api.StepResult
	StepEvent            = api.StepEvent
	Signal               = api.Signal
	SignalType           = api.SignalType
	ChildCompletion      = api.ChildCompletion
	ProcessStatus        = api.ProcessStatus
	Status               = api.Status
	ExitStatus           = api.ExitStatus
	Priority             = api.Priority
	PauseMode            = api.PauseMode
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	Scheduler            = worker.Scheduler
	SchedulerConfig      = worker.Config
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status values for convenience.

const (
	StatusNotStarted = api.StatusNotStarted
	StatusWaiting    = api.StatusWaiting
	StatusProcessing = api.StatusProcessing
	StatusComplete   = api.StatusComplete

	ExitNotFinished = api.ExitNotFinished
	ExitCompleted   = api.ExitCompleted
	ExitWarning     = api.ExitWarning
	ExitErrorUser   = api.ExitErrorUser
	ExitErrorSystem = api.ExitErrorSystem
	ExitTerminated  = api.ExitTerminated

	PriorityLow      = api.PriorityLow
	PriorityMedium   = api.PriorityMedium
	PriorityHigh     = api.PriorityHigh
	PriorityCritical = api.PriorityCritical

	SignalComplete  = api.SignalComplete
	SignalData      = api.SignalData
	SignalTerminate = api.SignalTerminate
)

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewEngine returns an Engine built from cfg. Nil stores fall back to one
// shared in-memory store.
func NewEngine(cfg EngineConfig) Engine {
	return engine.NewEngineWithConfig(cfg)
}

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine() Engine {
	return engine.NewInMemoryEngine()
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given Observer.
func NewInMemoryEngineWithObserver(obs Observer) Engine {
	return engine.NewEngineWithConfig(engine.Config{Observer: obs})
}

// NewSQLiteEngine returns an Engine that keeps every record in a SQLite
// database. Task types are kept in-memory and must be registered again
// after a restart.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return engine.NewSQLiteEngine(db)
}

// NewPostgresEngine returns an Engine that keeps every record in PostgreSQL.
func NewPostgresEngine(db *sql.DB) (Engine, error) {
	return engine.NewPostgresEngine(db)
}

// Persistence constructors

// NewInMemoryPersistence returns a Persistence whose stores share one
// in-memory store.
func NewInMemoryPersistence() Persistence {
	return persistence.NewInMemoryPersistence()
}

// NewSQLitePersistence creates the schema in db and returns a Persistence
// whose stores all use it.
func NewSQLitePersistence(db *sql.DB) (Persistence, error) {
	s, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return Persistence{}, err
	}
	return persistence.Single(s), nil
}

// NewPostgresPersistence is NewSQLitePersistence for PostgreSQL.
func NewPostgresPersistence(db *sql.DB) (Persistence, error) {
	s, err := persistence.NewPostgresStore(db)
	if err != nil {
		return Persistence{}, err
	}
	return persistence.Single(s), nil
}

// WithRedis moves the signal and thread stores of p to Redis. Keys are
// namespaced by prefix.
func WithRedis(p Persistence, client *redis.Client, prefix string) Persistence {
	p.Signals = persistence.NewRedisSignalStore(client, prefix)
	p.Threads = persistence.NewRedisThreadStore(client, prefix)
	return p
}

// WithMongo moves the server and event stores of p to MongoDB, creating
// the required indexes in db.
func WithMongo(ctx context.Context, p Persistence, db *mongo.Database) (Persistence, error) {
	servers, err := persistence.NewMongoServerStore(ctx, db)
	if err != nil {
		return Persistence{}, err
	}
	events, err := persistence.NewMongoEventStore(ctx, db)
	if err != nil {
		return Persistence{}, err
	}
	p.Servers = servers
	p.Events = events
	return p, nil
}

// NewScheduler returns a Scheduler stepping the tasks of eng. p must be the
// Persistence eng was built on.
func NewScheduler(eng Engine, p Persistence, cfg SchedulerConfig) *Scheduler {
	return worker.New(eng, p, cfg)
}

// Convenience helpers that just forward to the underlying Engine.

// Enqueue persists a new task of a registered type and returns its ID.
func Enqueue(ctx context.Context, eng Engine, task *Task) (int64, error) {
	return eng.Enqueue(ctx, task)
}

// GetTask fetches a task by ID.
func GetTask(ctx context.Context, eng Engine, id int64) (*Task, error) {
	return eng.GetTask(ctx, id)
}

// ListTasks lists tasks matching filter.
func ListTasks(ctx context.Context, eng Engine, filter TaskFilter) ([]*Task, error) {
	return eng.ListTasks(ctx, filter)
}

// SendData delivers a DATA signal carrying payload to a task.
func SendData(ctx context.Context, eng Engine, id int64, payload []byte) (*Signal, error) {
	return eng.SendSignal(ctx, id, api.SignalData, payload)
}

// RunToCompletion steps a task until it completes or becomes idle, for
// tests and tools that drive tasks without a scheduler. It returns the
// number of steps that made progress. A table that loops without waiting
// runs until ctx is done.
func RunToCompletion(ctx context.Context, eng Engine, id int64) (int, error) {
	steps := 0
	for {
		if err := ctx.Err(); err != nil {
			return steps, err
		}
		res, err := eng.Step(ctx, id)
		if err != nil {
			return steps, err
		}
		if res.Outcome == api.StepIdle {
			return steps, nil
		}
		steps++
		if res.Outcome == api.StepCompleted {
			return steps, nil
		}
	}
}

// RecoverStuckTasks delegates to eng.RecoverStuckTasks.
//
// It is typically called on process startup before starting any scheduler:
//
//	count, err := wip.RecoverStuckTasks(ctx, engine)
func RecoverStuckTasks(ctx context.Context, eng Engine) (int, error) {
	return eng.RecoverStuckTasks(ctx)
}
