package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/fsmawi/wip"
	"github.com/fsmawi/wip/internal/config"
)

// openPersistence builds the stores selected by cfg. The returned function
// closes every connection that was opened.
func openPersistence(ctx context.Context, cfg config.Config, logger *slog.Logger) (wip.Persistence, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (wip.Persistence, func(), error) {
		closeAll()
		return wip.Persistence{}, func() {}, err
	}

	var p wip.Persistence
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		p = wip.NewInMemoryPersistence()
	case config.DriverSQLite, config.DriverPostgres:
		db, err := openDB(ctx, cfg.Storage)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = db.Close() })
		if cfg.Storage.Driver == config.DriverSQLite {
			p, err = wip.NewSQLitePersistence(db)
		} else {
			p, err = wip.NewPostgresPersistence(db)
		}
		if err != nil {
			return fail(err)
		}
	default:
		return fail(fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver))
	}
	logger.Info("task store ready", "driver", cfg.Storage.Driver)

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("ping redis: %w", err))
		}
		p = wip.WithRedis(p, client, cfg.Redis.Prefix)
		logger.Info("signals and threads stored in redis", "addr", cfg.Redis.Addr)
	}

	if cfg.Mongo.URI != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return fail(fmt.Errorf("connect mongo: %w", err))
		}
		closers = append(closers, func() { _ = client.Disconnect(context.Background()) })
		if err := client.Ping(connectCtx, nil); err != nil {
			return fail(fmt.Errorf("ping mongo: %w", err))
		}
		p, err = wip.WithMongo(connectCtx, p, client.Database(cfg.Mongo.Database))
		if err != nil {
			return fail(err)
		}
		logger.Info("servers and history stored in mongo", "database", cfg.Mongo.Database)
	}

	return p, closeAll, nil
}

func openDB(ctx context.Context, cfg config.StorageConfig) (*sql.DB, error) {
	driver := "pgx"
	if cfg.Driver == config.DriverSQLite {
		driver = "sqlite"
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == config.DriverSQLite {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	return db, nil
}
