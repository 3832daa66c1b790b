package persistence

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// dialect captures the differences between the SQL backends. Queries are
// written with '?' placeholders and rebound per dialect.
type dialect interface {
	name() string
	rebind(query string) string
	// claimLock is appended to the candidate SELECT of ClaimNext.
	claimLock() string
	isUniqueViolation(err error) bool
	schema() string
}

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS wip_tasks (
	id             {{id}},
	uuid           TEXT NOT NULL DEFAULT '',
	parent_id      BIGINT NOT NULL DEFAULT 0,
	group_name     TEXT NOT NULL DEFAULT '',
	name           TEXT NOT NULL DEFAULT '',
	type_name      TEXT NOT NULL,
	client_job_id  TEXT NOT NULL DEFAULT '',
	priority       INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL,
	paused         INTEGER NOT NULL DEFAULT 0,
	exit_status    TEXT NOT NULL,
	exit_message   TEXT NOT NULL DEFAULT '',
	created_at     BIGINT NOT NULL,
	started_at     BIGINT NOT NULL DEFAULT 0,
	claimed_at     BIGINT NOT NULL DEFAULT 0,
	completed_at   BIGINT NOT NULL DEFAULT 0,
	wake_at        BIGINT NOT NULL DEFAULT 0,
	timeout_ns     BIGINT NOT NULL DEFAULT 0,
	is_terminating INTEGER NOT NULL DEFAULT 0,
	snapshot       {{blob}}
);
CREATE INDEX IF NOT EXISTS wip_tasks_claim ON wip_tasks(status, priority, created_at);
CREATE INDEX IF NOT EXISTS wip_tasks_parent ON wip_tasks(parent_id);
CREATE TABLE IF NOT EXISTS wip_paused_groups (
	group_name TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS wip_group_limits (
	group_name  TEXT PRIMARY KEY,
	max_running INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS wip_group_slots (
	task_id    BIGINT PRIMARY KEY,
	group_name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS wip_settings (
	name  TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS wip_servers (
	id             {{id}},
	hostname       TEXT NOT NULL UNIQUE,
	total_capacity INTEGER NOT NULL,
	status         TEXT NOT NULL,
	created_at     BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS wip_threads (
	id         {{id}},
	server_id  BIGINT NOT NULL,
	task_id    BIGINT NOT NULL,
	status     TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS wip_threads_active_task ON wip_threads(task_id) WHERE status <> 'FINISHED';
CREATE INDEX IF NOT EXISTS wip_threads_server ON wip_threads(server_id, status);
CREATE TABLE IF NOT EXISTS wip_signals (
	id          {{id}},
	object_id   BIGINT NOT NULL,
	type        TEXT NOT NULL,
	data        {{blob}},
	sent_at     BIGINT NOT NULL,
	consumed_at BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS wip_signals_object ON wip_signals(object_id, consumed_at);
CREATE TABLE IF NOT EXISTS wip_events (
	id           {{id}},
	task_id      BIGINT NOT NULL,
	at           BIGINT NOT NULL,
	type         TEXT NOT NULL,
	from_state   TEXT NOT NULL DEFAULT '',
	trigger_name TEXT NOT NULL DEFAULT '',
	to_state     TEXT NOT NULL DEFAULT '',
	detail       TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS wip_events_task ON wip_events(task_id, id);
`

// sqliteDialect targets modernc.org/sqlite. SQLite serializes writers, so
// ClaimNext relies on the conditional UPDATE alone.
type sqliteDialect struct{}

func (sqliteDialect) name() string               { return "sqlite" }
func (sqliteDialect) rebind(query string) string { return query }
func (sqliteDialect) claimLock() string          { return "" }

func (sqliteDialect) schema() string {
	return strings.NewReplacer(
		"{{id}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{blob}}", "BLOB",
	).Replace(schemaTemplate)
}

func (sqliteDialect) isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// postgresDialect targets PostgreSQL through the pgx stdlib driver.
type postgresDialect struct{}

func (postgresDialect) name() string      { return "postgres" }
func (postgresDialect) claimLock() string { return " FOR UPDATE SKIP LOCKED" }

func (postgresDialect) schema() string {
	return strings.NewReplacer(
		"{{id}}", "BIGSERIAL PRIMARY KEY",
		"{{blob}}", "BYTEA",
	).Replace(schemaTemplate)
}

func (postgresDialect) rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (postgresDialect) isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
