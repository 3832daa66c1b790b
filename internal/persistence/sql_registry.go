package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/fsmawi/wip/pkg/api"
)

//
// ServerStore
//

func (s *SQLStore) SaveServer(ctx context.Context, srv *api.Server) error {
	if srv.Hostname == "" {
		return &api.ValidationError{Field: "hostname", Reason: "must be set"}
	}
	if srv.Status == "" {
		srv.Status = api.ServerAvailable
	}

	if srv.ID == 0 {
		if srv.CreatedAt.IsZero() {
			srv.CreatedAt = s.now()
		}
		err := s.db.QueryRowContext(ctx, s.d.rebind(`
			INSERT INTO wip_servers (hostname, total_capacity, status, created_at)
			VALUES (?, ?, ?, ?) RETURNING id`),
			srv.Hostname, srv.TotalCapacity, string(srv.Status), toNanos(srv.CreatedAt),
		).Scan(&srv.ID)
		if err != nil && s.d.isUniqueViolation(err) {
			return &api.DuplicateServerError{Hostname: srv.Hostname}
		}
		return err
	}

	res, err := s.exec(ctx, s.db, `
		UPDATE wip_servers SET hostname = ?, total_capacity = ?, status = ? WHERE id = ?`,
		srv.Hostname, srv.TotalCapacity, string(srv.Status), srv.ID)
	if err != nil {
		if s.d.isUniqueViolation(err) {
			return &api.DuplicateServerError{Hostname: srv.Hostname}
		}
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrServerNotFound
	}
	return nil
}

const serverColumns = "id, hostname, total_capacity, status, created_at"

func scanServer(row rowScanner) (*api.Server, error) {
	var (
		srv     api.Server
		status  string
		created int64
	)
	if err := row.Scan(&srv.ID, &srv.Hostname, &srv.TotalCapacity, &status, &created); err != nil {
		return nil, err
	}
	srv.Status = api.ServerStatus(status)
	srv.CreatedAt = fromNanos(created)
	return &srv, nil
}

func (s *SQLStore) getServer(ctx context.Context, where string, arg any) (*api.Server, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind("SELECT "+serverColumns+" FROM wip_servers WHERE "+where), arg)
	srv, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrServerNotFound
	}
	return srv, err
}

func (s *SQLStore) GetServer(ctx context.Context, id int64) (*api.Server, error) {
	return s.getServer(ctx, "id = ?", id)
}

func (s *SQLStore) GetServerByHostname(ctx context.Context, hostname string) (*api.Server, error) {
	return s.getServer(ctx, "hostname = ?", hostname)
}

func (s *SQLStore) ListServers(ctx context.Context) ([]*api.Server, error) {
	return s.listServers(ctx, "")
}

func (s *SQLStore) GetActiveServers(ctx context.Context) ([]*api.Server, error) {
	return s.listServers(ctx, " WHERE status = 'AVAILABLE'")
}

func (s *SQLStore) listServers(ctx context.Context, where string) ([]*api.Server, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+serverColumns+" FROM wip_servers"+where+" ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteServer(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, s.db, "DELETE FROM wip_servers WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrServerNotFound
	}
	return nil
}

//
// ThreadStore
//

func (s *SQLStore) Reserve(ctx context.Context, serverID, taskID int64) (*api.Thread, error) {
	if err := validateReserve(serverID, taskID); err != nil {
		return nil, err
	}
	now := s.now()
	th := &api.Thread{
		ServerID:  serverID,
		TaskID:    taskID,
		Status:    api.ThreadReserved,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.QueryRowContext(ctx, s.d.rebind(`
		INSERT INTO wip_threads (server_id, task_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?) RETURNING id`),
		serverID, taskID, string(th.Status), toNanos(now), toNanos(now),
	).Scan(&th.ID)
	if err != nil {
		if s.d.isUniqueViolation(err) {
			return nil, api.ErrThreadConflict
		}
		return nil, err
	}
	return th, nil
}

func (s *SQLStore) setThreadStatus(ctx context.Context, id int64, status api.ThreadStatus) error {
	res, err := s.exec(ctx, s.db, "UPDATE wip_threads SET status = ?, updated_at = ? WHERE id = ?",
		string(status), toNanos(s.now()), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return api.ErrNoThread
	}
	return nil
}

func (s *SQLStore) StartThread(ctx context.Context, id int64) error {
	return s.setThreadStatus(ctx, id, api.ThreadRunning)
}

func (s *SQLStore) FinishThread(ctx context.Context, id int64) error {
	return s.setThreadStatus(ctx, id, api.ThreadFinished)
}

const threadColumns = "id, server_id, task_id, status, created_at, updated_at"

func scanThread(row rowScanner) (*api.Thread, error) {
	var (
		th               api.Thread
		status           string
		created, updated int64
	)
	if err := row.Scan(&th.ID, &th.ServerID, &th.TaskID, &status, &created, &updated); err != nil {
		return nil, err
	}
	th.Status = api.ThreadStatus(status)
	th.CreatedAt = fromNanos(created)
	th.UpdatedAt = fromNanos(updated)
	return &th, nil
}

func (s *SQLStore) GetActive(ctx context.Context, serverID int64) ([]*api.Thread, error) {
	query := "SELECT " + threadColumns + " FROM wip_threads WHERE status <> 'FINISHED'"
	var args []any
	if serverID != 0 {
		query += " AND server_id = ?"
		args = append(args, serverID)
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(query+" ORDER BY id"), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Thread
	for rows.Next() {
		th, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, th)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetByTask(ctx context.Context, task *api.Task) (*api.Thread, error) {
	if task == nil || task.ID == 0 {
		return nil, api.ErrNoTask
	}
	row := s.db.QueryRowContext(ctx, s.d.rebind(
		"SELECT "+threadColumns+" FROM wip_threads WHERE task_id = ? AND status <> 'FINISHED'"), task.ID)
	th, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrNoThread
	}
	return th, err
}

func (s *SQLStore) PruneFinished(ctx context.Context, before time.Time) (int, error) {
	res, err := s.exec(ctx, s.db, "DELETE FROM wip_threads WHERE status = 'FINISHED' AND updated_at < ?", toNanos(before))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

//
// SignalStore
//

func (s *SQLStore) Send(ctx context.Context, sig *api.Signal) (*api.Signal, error) {
	if sig.ObjectID == 0 {
		return nil, &api.ValidationError{Field: "object_id", Reason: "must be set"}
	}
	out := *sig
	out.SentAt = s.now()
	out.ConsumedAt = time.Time{}
	err := s.db.QueryRowContext(ctx, s.d.rebind(`
		INSERT INTO wip_signals (object_id, type, data, sent_at, consumed_at)
		VALUES (?, ?, ?, ?, 0) RETURNING id`),
		out.ObjectID, string(out.Type), out.Data, toNanos(out.SentAt),
	).Scan(&out.ID)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *SQLStore) Consume(ctx context.Context, sig *api.Signal) error {
	if _, err := s.exec(ctx, s.db,
		"UPDATE wip_signals SET consumed_at = ? WHERE id = ? AND consumed_at = 0", toNanos(s.now()), sig.ID); err != nil {
		return err
	}
	stored, err := s.GetSignal(ctx, sig.ID)
	if err != nil {
		return err
	}
	sig.ConsumedAt = stored.ConsumedAt
	return nil
}

const signalColumns = "id, object_id, type, data, sent_at, consumed_at"

func scanSignal(row rowScanner) (*api.Signal, error) {
	var (
		sig            api.Signal
		typ            string
		sent, consumed int64
	)
	if err := row.Scan(&sig.ID, &sig.ObjectID, &typ, &sig.Data, &sent, &consumed); err != nil {
		return nil, err
	}
	sig.Type = api.SignalType(typ)
	sig.SentAt = fromNanos(sent)
	sig.ConsumedAt = fromNanos(consumed)
	return &sig, nil
}

func (s *SQLStore) LoadAllActive(ctx context.Context, objectID int64) ([]*api.Signal, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		"SELECT "+signalColumns+" FROM wip_signals WHERE object_id = ? AND consumed_at = 0 ORDER BY id"), objectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetSignal(ctx context.Context, id int64) (*api.Signal, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind("SELECT "+signalColumns+" FROM wip_signals WHERE id = ?"), id)
	sig, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSignalNotFound
	}
	return sig, err
}

func (s *SQLStore) PruneConsumed(ctx context.Context, before time.Time) (int, error) {
	res, err := s.exec(ctx, s.db,
		"DELETE FROM wip_signals WHERE consumed_at <> 0 AND consumed_at < ?", toNanos(before))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLStore) DeleteSignals(ctx context.Context, objectIDs []int64) error {
	for _, id := range objectIDs {
		if _, err := s.exec(ctx, s.db, "DELETE FROM wip_signals WHERE object_id = ?", id); err != nil {
			return err
		}
	}
	return nil
}

//
// EventStore
//

func (s *SQLStore) AppendEvent(ctx context.Context, ev api.StepEvent) error {
	at := ev.At
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.exec(ctx, s.db, `
		INSERT INTO wip_events (task_id, at, type, from_state, trigger_name, to_state, detail, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.TaskID,
		at.UnixNano(),
		string(ev.Type),
		ev.FromState,
		ev.Trigger,
		ev.ToState,
		ev.Detail,
		ev.Error,
	)
	return err
}

func (s *SQLStore) ListEvents(ctx context.Context, taskID int64) ([]api.StepEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`
		SELECT task_id, at, type, from_state, trigger_name, to_state, detail, error
		FROM wip_events
		WHERE task_id = ?
		ORDER BY id ASC`), taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.StepEvent
	for rows.Next() {
		var (
			ev  api.StepEvent
			atN int64
			typ string
		)
		if err := rows.Scan(&ev.TaskID, &atN, &typ, &ev.FromState, &ev.Trigger, &ev.ToState, &ev.Detail, &ev.Error); err != nil {
			return nil, err
		}
		ev.At = time.Unix(0, atN)
		ev.Type = api.EventType(typ)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteEvents(ctx context.Context, taskIDs []int64) error {
	for _, id := range taskIDs {
		if _, err := s.exec(ctx, s.db, "DELETE FROM wip_events WHERE task_id = ?", id); err != nil {
			return err
		}
	}
	return nil
}
