package persistence

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	_ "modernc.org/sqlite"

	"github.com/fsmawi/wip/internal/testutil"
	"github.com/fsmawi/wip/pkg/api"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return store
}

func TestSQLiteStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) clockedStore {
		return newSQLiteStore(t)
	})
}

func TestSQLiteStore_SchemaIsIdempotent(t *testing.T) {
	store := newSQLiteStore(t)
	if _, err := NewSQLiteStore(store.db); err != nil {
		t.Fatalf("second NewSQLiteStore on the same database failed: %v", err)
	}
}

func TestSQLiteStore_CorruptSnapshotSurfaces(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	id := mustEnqueue(t, store, newTestTask("poll"))
	if _, err := store.db.ExecContext(ctx, "UPDATE wip_tasks SET snapshot = ? WHERE id = ?", []byte("garbage"), id); err != nil {
		t.Fatalf("corrupting snapshot: %v", err)
	}
	if _, err := store.Get(ctx, id); err == nil || !strings.Contains(err.Error(), api.ErrCorruptSnapshot.Error()) {
		t.Fatalf("expected corrupt snapshot error, got %v", err)
	}
}

func TestPostgresDialect_Rebind(t *testing.T) {
	got := postgresDialect{}.rebind("SELECT * FROM t WHERE a = ? AND b IN (?, ?)")
	want := "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)"
	if got != want {
		t.Fatalf("rebind = %q, want %q", got, want)
	}
}

type PostgresStoreTestSuite struct {
	suite.Suite
	db *sql.DB
}

func TestPostgresStoreTestSuite(t *testing.T) {
	dsn := testutil.GetPostgresDSN(t)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	suite.Run(t, &PostgresStoreTestSuite{db: db})
}

func (p *PostgresStoreTestSuite) newStore(t *testing.T) clockedStore {
	store, err := NewPostgresStore(p.db)
	require.NoError(t, err, "NewPostgresStore")

	_, err = p.db.Exec(`TRUNCATE wip_tasks, wip_paused_groups, wip_group_limits, wip_group_slots,
		wip_settings, wip_servers, wip_threads, wip_signals, wip_events RESTART IDENTITY`)
	require.NoError(t, err, "truncate tables")
	return store
}

func (p *PostgresStoreTestSuite) TestContract() {
	runStoreContract(p.T(), p.newStore)
}
