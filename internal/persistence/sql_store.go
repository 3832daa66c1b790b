package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsmawi/wip/pkg/api"
)

// SQLStore implements every store interface on top of database/sql.
//
// It expects an *sql.DB opened with a driver matching the constructor:
//
//	import _ "modernc.org/sqlite"          // NewSQLiteStore
//	import _ "github.com/jackc/pgx/v5/stdlib" // NewPostgresStore
//
// Timestamps are stored as Unix nanoseconds; 0 means unset.
type SQLStore struct {
	db  *sql.DB
	d   dialect
	now func() time.Time
}

var (
	_ TaskStore   = (*SQLStore)(nil)
	_ ServerStore = (*SQLStore)(nil)
	_ ThreadStore = (*SQLStore)(nil)
	_ SignalStore = (*SQLStore)(nil)
	_ EventStore  = (*SQLStore)(nil)
)

// NewSQLiteStore initializes the schema in a SQLite database and returns a
// store backed by it. In-memory databases must be limited to a single
// connection (db.SetMaxOpenConns(1)) so every query sees the same database.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, sqliteDialect{})
}

// NewPostgresStore initializes the schema in a PostgreSQL database and
// returns a store backed by it. Claims use FOR UPDATE SKIP LOCKED so several
// schedulers can share the database.
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, postgresDialect{})
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, d: d, now: time.Now}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("init %s schema: %w", d.name(), err)
	}
	return s, nil
}

// SetClock replaces the time source used for claim eligibility and timestamps.
func (s *SQLStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(s.d.schema(), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.d.rebind(query), args...)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const taskColumns = `id, uuid, parent_id, group_name, name, type_name, client_job_id, priority, status, paused,
	exit_status, exit_message, created_at, started_at, claimed_at, completed_at, wake_at, timeout_ns,
	is_terminating, snapshot`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*api.Task, error) {
	var (
		t                                           api.Task
		status, exitStatus                          string
		priority, paused, terminating               int
		created, started, claimed, completed, wake  int64
		timeout                                     int64
		snapshot                                    []byte
	)
	if err := row.Scan(&t.ID, &t.UUID, &t.ParentID, &t.GroupName, &t.Name, &t.TypeName, &t.ClientJobID,
		&priority, &status, &paused, &exitStatus, &t.ExitMessage, &created, &started, &claimed,
		&completed, &wake, &timeout, &terminating, &snapshot); err != nil {
		return nil, err
	}
	t.Priority = api.Priority(priority)
	t.Status = api.Status(status)
	t.Paused = paused != 0
	t.ExitStatus = api.ExitStatus(exitStatus)
	t.CreatedAt = fromNanos(created)
	t.StartedAt = fromNanos(started)
	t.ClaimedAt = fromNanos(claimed)
	t.CompletedAt = fromNanos(completed)
	t.WakeAt = fromNanos(wake)
	t.Timeout = time.Duration(timeout)
	t.IsTerminating = terminating != 0

	snap, err := DecodeSnapshot(snapshot)
	if err != nil {
		return nil, fmt.Errorf("task %d: %w", t.ID, err)
	}
	t.Snapshot = snap
	return &t, nil
}

//
// TaskStore
//

func (s *SQLStore) Enqueue(ctx context.Context, task *api.Task) (int64, error) {
	if err := validateNewTask(task); err != nil {
		return 0, err
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
	snap, err := EncodeSnapshot(task.Snapshot)
	if err != nil {
		return 0, err
	}

	cols := `uuid, parent_id, group_name, name, type_name, client_job_id, priority, status, paused,
		exit_status, exit_message, created_at, started_at, claimed_at, completed_at, wake_at, timeout_ns,
		is_terminating, snapshot`
	args := []any{task.UUID, task.ParentID, task.GroupName, task.Name, task.TypeName, task.ClientJobID,
		int(task.Priority), string(task.Status), boolInt(task.Paused), string(task.ExitStatus), task.ExitMessage,
		toNanos(task.CreatedAt), toNanos(task.StartedAt), toNanos(task.ClaimedAt), toNanos(task.CompletedAt),
		toNanos(task.WakeAt), int64(task.Timeout), boolInt(task.IsTerminating), snap}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")
	if task.ID != 0 {
		cols = "id, " + cols
		args = append([]any{task.ID}, args...)
		placeholders = "?, " + placeholders
	}

	var id int64
	err = s.db.QueryRowContext(ctx, s.d.rebind(
		"INSERT INTO wip_tasks ("+cols+") VALUES ("+placeholders+") RETURNING id"), args...).Scan(&id)
	if err != nil {
		if s.d.isUniqueViolation(err) {
			return 0, &api.ValidationError{Field: "id", Reason: fmt.Sprintf("task %d already exists", task.ID)}
		}
		return 0, err
	}
	task.ID = id
	return id, nil
}

func (s *SQLStore) Get(ctx context.Context, id int64) (*api.Task, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind("SELECT "+taskColumns+" FROM wip_tasks WHERE id = ?"), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, taskNotFound(id)
	}
	return t, err
}

func (s *SQLStore) Update(ctx context.Context, task *api.Task) error {
	snap, err := EncodeSnapshot(task.Snapshot)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := s.exec(ctx, tx, `
		UPDATE wip_tasks
		SET name = ?, group_name = ?, priority = ?, status = ?, exit_status = ?, exit_message = ?,
		    started_at = ?, claimed_at = ?, completed_at = ?, wake_at = ?, timeout_ns = ?, snapshot = ?
		WHERE id = ?`,
		task.Name, task.GroupName, int(task.Priority), string(task.Status), string(task.ExitStatus), task.ExitMessage,
		toNanos(task.StartedAt), toNanos(task.ClaimedAt), toNanos(task.CompletedAt), toNanos(task.WakeAt),
		int64(task.Timeout), snap, task.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return taskNotFound(task.ID)
	}
	if task.Status != api.StatusProcessing {
		if _, err := s.exec(ctx, tx, "DELETE FROM wip_group_slots WHERE task_id = ?", task.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) ClaimNext(ctx context.Context, n int) ([]*api.Task, error) {
	if n <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	mode, err := s.globalPause(ctx, tx)
	if err != nil {
		return nil, err
	}
	if mode == api.PauseHard {
		return nil, nil
	}

	limits, err := s.groupLimits(ctx, tx)
	if err != nil {
		return nil, err
	}
	running, err := s.runningPerGroup(ctx, tx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	statuses := "'NOT_STARTED', 'WAITING'"
	if mode == api.PauseSoft {
		statuses = "'WAITING'"
	}
	// Over-fetch so tasks of groups at their limit do not starve the claim.
	rows, err := tx.QueryContext(ctx, s.d.rebind(`
		SELECT id, group_name FROM wip_tasks
		WHERE status IN (`+statuses+`)
		  AND paused = 0
		  AND wake_at <= ?
		  AND group_name NOT IN (SELECT group_name FROM wip_paused_groups)
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT ?`+s.d.claimLock()), toNanos(now), n*4+16)
	if err != nil {
		return nil, err
	}
	type candidate struct {
		id    int64
		group string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.group); err != nil {
			_ = rows.Close()
			return nil, err
		}
		candidates = append(candidates, c)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []int64
	for _, c := range candidates {
		if len(claimed) == n {
			break
		}
		if c.group != "" {
			if limit := limits[c.group]; limit > 0 && running[c.group] >= limit {
				continue
			}
		}
		res, err := s.exec(ctx, tx, `
			UPDATE wip_tasks
			SET status = 'PROCESSING',
			    started_at = CASE WHEN started_at = 0 THEN ? ELSE started_at END,
			    claimed_at = ?
			WHERE id = ? AND status IN ('NOT_STARTED', 'WAITING') AND paused = 0`,
			toNanos(now), toNanos(now), c.id)
		if err != nil {
			return nil, err
		}
		if affected, err := res.RowsAffected(); err != nil {
			return nil, err
		} else if affected == 0 {
			continue
		}
		if c.group != "" {
			if _, err := s.exec(ctx, tx,
				"INSERT INTO wip_group_slots (task_id, group_name) VALUES (?, ?)", c.id, c.group); err != nil {
				return nil, err
			}
			running[c.group]++
		}
		claimed = append(claimed, c.id)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	out := make([]*api.Task, 0, len(claimed))
	for _, id := range claimed {
		t, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *SQLStore) runningPerGroup(ctx context.Context, q execer) (map[string]int, error) {
	rows, err := q.QueryContext(ctx, "SELECT group_name, COUNT(*) FROM wip_group_slots GROUP BY group_name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var g string
		var n int
		if err := rows.Scan(&g, &n); err != nil {
			return nil, err
		}
		out[g] = n
	}
	return out, rows.Err()
}

func (s *SQLStore) ReleaseClaim(ctx context.Context, id int64) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := s.exec(ctx, tx,
		"UPDATE wip_tasks SET status = 'WAITING' WHERE id = ? AND status = 'PROCESSING'", id); err != nil {
		return err
	}
	if _, err := s.exec(ctx, tx, "DELETE FROM wip_group_slots WHERE task_id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

// whereClause renders a TaskFilter as a WHERE clause with '?' placeholders.
func whereClause(f api.TaskFilter) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, vals ...any) {
		clauses = append(clauses, clause)
		args = append(args, vals...)
	}

	if len(f.IDs) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?, ", len(f.IDs)), ", ")
		vals := make([]any, len(f.IDs))
		for i, id := range f.IDs {
			vals[i] = id
		}
		add("id IN ("+ph+")", vals...)
	}
	if len(f.Statuses) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?, ", len(f.Statuses)), ", ")
		vals := make([]any, len(f.Statuses))
		for i, st := range f.Statuses {
			vals[i] = string(st)
		}
		add("status IN ("+ph+")", vals...)
	}
	if f.ParentID != 0 {
		add("parent_id = ?", f.ParentID)
	}
	if f.HasParent != nil {
		if *f.HasParent {
			add("parent_id <> 0")
		} else {
			add("parent_id = 0")
		}
	}
	if f.Group != "" {
		add("group_name = ?", f.Group)
	}
	if f.TypeName != "" {
		add("type_name = ?", f.TypeName)
	}
	if f.UUID != "" {
		add("uuid = ?", f.UUID)
	}
	if f.Paused != nil {
		add("paused = ?", boolInt(*f.Paused))
	}
	if f.Priority != 0 {
		add("priority = ?", int(f.Priority))
	}
	if f.ExitStatus != "" {
		add("exit_status = ?", string(f.ExitStatus))
	}
	if f.Terminating != nil {
		add("is_terminating = ?", boolInt(*f.Terminating))
	}
	if f.ClientJobID != "" {
		add("client_job_id = ?", f.ClientJobID)
	}
	if !f.CreatedAfter.IsZero() {
		add("created_at > ?", toNanos(f.CreatedAfter))
	}
	if !f.CreatedBefore.IsZero() {
		add("created_at < ?", toNanos(f.CreatedBefore))
	}
	if !f.CompletedAfter.IsZero() {
		add("completed_at > ?", toNanos(f.CompletedAfter))
	}
	if !f.CompletedBefore.IsZero() {
		add("completed_at <> 0 AND completed_at < ?", toNanos(f.CompletedBefore))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *SQLStore) Count(ctx context.Context, filter api.TaskFilter) (int, error) {
	where, args := whereClause(filter)
	var n int
	err := s.db.QueryRowContext(ctx, s.d.rebind("SELECT COUNT(*) FROM wip_tasks"+where), args...).Scan(&n)
	return n, err
}

func (s *SQLStore) Load(ctx context.Context, filter api.TaskFilter) ([]*api.Task, error) {
	where, args := whereClause(filter)
	query := "SELECT " + taskColumns + " FROM wip_tasks" + where + " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			// SQLite requires LIMIT before OFFSET; -1 is unbounded there and
			// ALL is unbounded in PostgreSQL.
			if s.d.name() == "sqlite" {
				query += " LIMIT -1"
			} else {
				query += " LIMIT ALL"
			}
		}
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetChildren(ctx context.Context, parentID int64) ([]int64, error) {
	if parentID == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind("SELECT id FROM wip_tasks WHERE parent_id = ? ORDER BY id"), parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// setFlag runs a flag update for a task whose owner matches. An unknown task
// is an error; an owner mismatch is reported as (false, nil).
func (s *SQLStore) setFlag(ctx context.Context, id int64, owner, set string) (bool, error) {
	query := "UPDATE wip_tasks SET " + set + " WHERE id = ?"
	args := []any{id}
	if owner != "" {
		query += " AND uuid = ?"
		args = append(args, owner)
	}
	res, err := s.exec(ctx, s.db, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLStore) PauseTask(ctx context.Context, id int64, owner string) (bool, error) {
	return s.setFlag(ctx, id, owner, "paused = 1")
}

func (s *SQLStore) ResumeTask(ctx context.Context, id int64, owner string) (bool, error) {
	return s.setFlag(ctx, id, owner, "paused = 0")
}

func (s *SQLStore) TerminateTask(ctx context.Context, id int64, owner string) (bool, error) {
	return s.setFlag(ctx, id, owner, "is_terminating = CASE WHEN status = 'COMPLETE' THEN is_terminating ELSE 1 END")
}

func (s *SQLStore) PauseGroup(ctx context.Context, group string) error {
	_, err := s.exec(ctx, s.db,
		"INSERT INTO wip_paused_groups (group_name) VALUES (?) ON CONFLICT (group_name) DO NOTHING", group)
	return err
}

func (s *SQLStore) ResumeGroup(ctx context.Context, group string) error {
	_, err := s.exec(ctx, s.db, "DELETE FROM wip_paused_groups WHERE group_name = ?", group)
	return err
}

func (s *SQLStore) PausedGroups(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT group_name FROM wip_paused_groups ORDER BY group_name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

const settingPauseMode = "pause_mode"

func (s *SQLStore) SetGlobalPause(ctx context.Context, mode api.PauseMode) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO wip_settings (name, value) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value`, settingPauseMode, string(mode))
	return err
}

func (s *SQLStore) GlobalPause(ctx context.Context) (api.PauseMode, error) {
	return s.globalPause(ctx, s.db)
}

func (s *SQLStore) globalPause(ctx context.Context, q execer) (api.PauseMode, error) {
	var v string
	err := q.QueryRowContext(ctx, s.d.rebind("SELECT value FROM wip_settings WHERE name = ?"), settingPauseMode).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return api.PauseNone, nil
	}
	return api.PauseMode(v), err
}

func (s *SQLStore) SetGroupLimit(ctx context.Context, group string, max int) error {
	if max <= 0 {
		_, err := s.exec(ctx, s.db, "DELETE FROM wip_group_limits WHERE group_name = ?", group)
		return err
	}
	_, err := s.exec(ctx, s.db, `
		INSERT INTO wip_group_limits (group_name, max_running) VALUES (?, ?)
		ON CONFLICT (group_name) DO UPDATE SET max_running = excluded.max_running`, group, max)
	return err
}

func (s *SQLStore) GroupLimits(ctx context.Context) (map[string]int, error) {
	return s.groupLimits(ctx, s.db)
}

func (s *SQLStore) groupLimits(ctx context.Context, q execer) (map[string]int, error) {
	rows, err := q.QueryContext(ctx, "SELECT group_name, max_running FROM wip_group_limits")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var g string
		var n int
		if err := rows.Scan(&g, &n); err != nil {
			return nil, err
		}
		out[g] = n
	}
	return out, rows.Err()
}

func (s *SQLStore) PruneCompleted(ctx context.Context, before time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		"SELECT id FROM wip_tasks WHERE status = 'COMPLETE' AND completed_at < ?"), toNanos(before))
	if err != nil {
		return 0, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	return s.PruneObjects(ctx, ids)
}

func (s *SQLStore) PruneObjects(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	n := 0
	for _, id := range ids {
		res, err := s.exec(ctx, tx, "DELETE FROM wip_tasks WHERE id = ?", id)
		if err != nil {
			return 0, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		n += int(affected)
		if _, err := s.exec(ctx, tx, "DELETE FROM wip_group_slots WHERE task_id = ?", id); err != nil {
			return 0, err
		}
		if _, err := s.exec(ctx, tx, "DELETE FROM wip_events WHERE task_id = ?", id); err != nil {
			return 0, err
		}
		if _, err := s.exec(ctx, tx, "DELETE FROM wip_signals WHERE object_id = ?", id); err != nil {
			return 0, err
		}
	}
	return n, tx.Commit()
}

func (s *SQLStore) CleanupConcurrencyGroups(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM wip_group_slots
		WHERE task_id NOT IN (SELECT id FROM wip_tasks WHERE status = 'PROCESSING')`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
