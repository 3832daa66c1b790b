package wip

import (
	"database/sql"

	"github.com/fsmawi/wip/internal/engine"
	workerpkg "github.com/fsmawi/wip/pkg/worker"
)

// WorkerBundle wires together an Engine, the Persistence it runs on and a
// Scheduler stepping its tasks.
//
// For now, we only provide a SQLite-backed bundle.
type WorkerBundle struct {
	Engine      Engine
	Persistence Persistence
	Scheduler   *workerpkg.Scheduler
}

// NewSQLiteBundle constructs a durable Engine + Scheduler combo sharing the
// same SQLite database. Tasks, threads, servers, signals and history are all
// persisted in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:wip.db?_pragma=journal_mode(WAL)")
//	bundle, err := wip.NewSQLiteBundle(db, nil, worker.Config{Capacity: 8})
//	// register task types on bundle.Engine
//	go bundle.Scheduler.Run(ctx)
func NewSQLiteBundle(db *sql.DB, obs Observer, cfg workerpkg.Config) (*WorkerBundle, error) {
	p, err := NewSQLitePersistence(db)
	if err != nil {
		return nil, err
	}

	eng := engine.NewEngineWithConfig(engine.Config{
		Persistence: p,
		Observer:    obs,
		Logger:      cfg.Logger,
	})

	return &WorkerBundle{
		Engine:      eng,
		Persistence: p,
		Scheduler:   workerpkg.New(eng, p, cfg),
	}, nil
}
