package persistence

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fsmawi/wip/pkg/api"
)

// DefaultRedisPrefix namespaces every key written by the Redis stores.
const DefaultRedisPrefix = "wip:"

// RedisSignalStore is a SignalStore backed by Redis.
// It uses the following key structure:
//
//	<prefix>seq:signal                 => INCR counter for signal IDs
//	<prefix>signal:<id>                => HASH of the signal fields
//	<prefix>signals:active:<objectID>  => ZSET of unconsumed signal IDs (score = id)
//	<prefix>signals:consumed           => ZSET of consumed signal IDs (score = consumed_at)
//
// Consumption runs in a Lua script so the consumed timestamp is set once.
type RedisSignalStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ SignalStore = (*RedisSignalStore)(nil)

// NewRedisSignalStore creates a RedisSignalStore. An empty prefix selects
// DefaultRedisPrefix.
func NewRedisSignalStore(client *redis.Client, prefix string) *RedisSignalStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisSignalStore{client: client, prefix: prefix, now: time.Now}
}

// SetClock replaces the time source used for signal timestamps.
func (s *RedisSignalStore) SetClock(now func() time.Time) { s.now = now }

func (s *RedisSignalStore) keySeq() string             { return s.prefix + "seq:signal" }
func (s *RedisSignalStore) keySignal(id int64) string  { return s.prefix + "signal:" + itoa(id) }
func (s *RedisSignalStore) keyActive(obj int64) string { return s.prefix + "signals:active:" + itoa(obj) }
func (s *RedisSignalStore) keyConsumed() string        { return s.prefix + "signals:consumed" }

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

const (
	// Stamps consumed_at when unset and moves the signal between indexes.
	// Returns the stored consumed_at, or -1 when the signal does not exist.
	redisConsumeSignalLua = `
local sig = KEYS[1]
local active = KEYS[2]
local consumed = KEYS[3]
local id = ARGV[1]
local now = ARGV[2]

if redis.call('EXISTS', sig) == 0 then
	return -1
end
local cur = redis.call('HGET', sig, 'consumed_at')
if cur and cur ~= '0' then
	return tonumber(cur)
end
redis.call('HSET', sig, 'consumed_at', now)
redis.call('ZREM', active, id)
redis.call('ZADD', consumed, now, id)
return tonumber(now)
`
)

func (s *RedisSignalStore) Send(ctx context.Context, sig *api.Signal) (*api.Signal, error) {
	if sig.ObjectID == 0 {
		return nil, &api.ValidationError{Field: "object_id", Reason: "must be set"}
	}
	id, err := s.client.Incr(ctx, s.keySeq()).Result()
	if err != nil {
		return nil, err
	}

	out := *sig
	out.ID = id
	out.SentAt = s.now()
	out.ConsumedAt = time.Time{}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.keySignal(id), map[string]any{
		"object_id":   out.ObjectID,
		"type":        string(out.Type),
		"data":        out.Data,
		"sent_at":     out.SentAt.UnixNano(),
		"consumed_at": 0,
	})
	pipe.ZAdd(ctx, s.keyActive(out.ObjectID), redis.Z{Score: float64(id), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *RedisSignalStore) Consume(ctx context.Context, sig *api.Signal) error {
	objectID, err := s.client.HGet(ctx, s.keySignal(sig.ID), "object_id").Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrSignalNotFound
		}
		return err
	}

	res, err := s.client.Eval(ctx, redisConsumeSignalLua,
		[]string{s.keySignal(sig.ID), s.keyActive(objectID), s.keyConsumed()},
		sig.ID, s.now().UnixNano(),
	).Result()
	if err != nil {
		return err
	}
	var at int64
	switch v := res.(type) {
	case int64:
		at = v
	case int:
		at = int64(v)
	case string:
		at, _ = strconv.ParseInt(v, 10, 64)
	}
	if at < 0 {
		return ErrSignalNotFound
	}
	sig.ConsumedAt = time.Unix(0, at)
	return nil
}

func (s *RedisSignalStore) LoadAllActive(ctx context.Context, objectID int64) ([]*api.Signal, error) {
	ids, err := s.client.ZRange(ctx, s.keyActive(objectID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*api.Signal, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		sig, err := s.GetSignal(ctx, id)
		if errors.Is(err, ErrSignalNotFound) {
			// Pruned between the index read and the load.
			continue
		}
		if err != nil {
			return nil, err
		}
		if !sig.Consumed() {
			out = append(out, sig)
		}
	}
	return out, nil
}

func (s *RedisSignalStore) GetSignal(ctx context.Context, id int64) (*api.Signal, error) {
	fields, err := s.client.HGetAll(ctx, s.keySignal(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrSignalNotFound
	}

	sig := &api.Signal{
		ID:       id,
		ObjectID: parseInt(fields["object_id"]),
		Type:     api.SignalType(fields["type"]),
		SentAt:   fromNanos(parseInt(fields["sent_at"])),
	}
	if data := fields["data"]; data != "" {
		sig.Data = []byte(data)
	}
	sig.ConsumedAt = fromNanos(parseInt(fields["consumed_at"]))
	return sig, nil
}

func (s *RedisSignalStore) PruneConsumed(ctx context.Context, before time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.keyConsumed(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + itoa(before.UnixNano()),
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	for _, raw := range ids {
		id, _ := strconv.ParseInt(raw, 10, 64)
		pipe.Del(ctx, s.keySignal(id))
		pipe.ZRem(ctx, s.keyConsumed(), raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DeleteSignals removes the unconsumed signals of the given tasks. Consumed
// signals are left to PruneConsumed, since they are indexed by time only.
func (s *RedisSignalStore) DeleteSignals(ctx context.Context, objectIDs []int64) error {
	for _, obj := range objectIDs {
		ids, err := s.client.ZRange(ctx, s.keyActive(obj), 0, -1).Result()
		if err != nil {
			return err
		}
		pipe := s.client.TxPipeline()
		for _, raw := range ids {
			id, _ := strconv.ParseInt(raw, 10, 64)
			pipe.Del(ctx, s.keySignal(id))
		}
		pipe.Del(ctx, s.keyActive(obj))
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// RedisThreadStore is a ThreadStore backed by Redis.
// It uses the following key structure:
//
//	<prefix>seq:thread                 => INCR counter for thread IDs
//	<prefix>thread:<id>                => HASH of the thread fields
//	<prefix>thread:task:<taskID>       => ID of the active thread holding the task
//	<prefix>threads:server:<serverID>  => SET of active thread IDs of a server
//	<prefix>threads:active             => SET of all active thread IDs
//	<prefix>threads:finished           => ZSET of finished thread IDs (score = updated_at)
//
// The per-task key is taken with SETNX inside a Lua script, so at most one
// active thread exists per task across every scheduler sharing the server.
type RedisThreadStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ ThreadStore = (*RedisThreadStore)(nil)

// NewRedisThreadStore creates a RedisThreadStore. An empty prefix selects
// DefaultRedisPrefix.
func NewRedisThreadStore(client *redis.Client, prefix string) *RedisThreadStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisThreadStore{client: client, prefix: prefix, now: time.Now}
}

// SetClock replaces the time source used for thread timestamps.
func (s *RedisThreadStore) SetClock(now func() time.Time) { s.now = now }

func (s *RedisThreadStore) keySeq() string             { return s.prefix + "seq:thread" }
func (s *RedisThreadStore) keyThread(id int64) string  { return s.prefix + "thread:" + itoa(id) }
func (s *RedisThreadStore) keyTask(task int64) string  { return s.prefix + "thread:task:" + itoa(task) }
func (s *RedisThreadStore) keyServer(srv int64) string { return s.prefix + "threads:server:" + itoa(srv) }
func (s *RedisThreadStore) keyActive() string          { return s.prefix + "threads:active" }
func (s *RedisThreadStore) keyFinished() string        { return s.prefix + "threads:finished" }

const (
	// Returns 1 when the reservation was created, 0 when the task already
	// has an active thread.
	redisReserveThreadLua = `
local task = KEYS[1]
local thread = KEYS[2]
local server = KEYS[3]
local active = KEYS[4]
local id = ARGV[1]

if redis.call('SETNX', task, id) == 0 then
	return 0
end
redis.call('HSET', thread,
	'server_id', ARGV[2], 'task_id', ARGV[3], 'status', 'RESERVED',
	'created_at', ARGV[4], 'updated_at', ARGV[4])
redis.call('SADD', server, id)
redis.call('SADD', active, id)
return 1
`

	// Returns 1 when the thread exists, 0 otherwise. Finishing is idempotent.
	redisSetThreadStatusLua = `
local thread = KEYS[1]
local task = KEYS[2]
local server = KEYS[3]
local active = KEYS[4]
local finished = KEYS[5]
local id = ARGV[1]
local status = ARGV[2]
local now = ARGV[3]

if redis.call('EXISTS', thread) == 0 then
	return 0
end
if redis.call('HGET', thread, 'status') == 'FINISHED' then
	return 1
end
redis.call('HSET', thread, 'status', status, 'updated_at', now)
if status == 'FINISHED' then
	if redis.call('GET', task) == id then
		redis.call('DEL', task)
	end
	redis.call('SREM', server, id)
	redis.call('SREM', active, id)
	redis.call('ZADD', finished, now, id)
end
return 1
`
)

func evalBool(res any) bool {
	switch v := res.(type) {
	case int64:
		return v == 1
	case int:
		return v == 1
	case string:
		return v == "1"
	default:
		return false
	}
}

func (s *RedisThreadStore) Reserve(ctx context.Context, serverID, taskID int64) (*api.Thread, error) {
	if err := validateReserve(serverID, taskID); err != nil {
		return nil, err
	}
	id, err := s.client.Incr(ctx, s.keySeq()).Result()
	if err != nil {
		return nil, err
	}
	now := s.now()

	res, err := s.client.Eval(ctx, redisReserveThreadLua,
		[]string{s.keyTask(taskID), s.keyThread(id), s.keyServer(serverID), s.keyActive()},
		id, serverID, taskID, now.UnixNano(),
	).Result()
	if err != nil {
		return nil, err
	}
	if !evalBool(res) {
		return nil, api.ErrThreadConflict
	}
	return &api.Thread{
		ID:        id,
		ServerID:  serverID,
		TaskID:    taskID,
		Status:    api.ThreadReserved,
		CreatedAt: time.Unix(0, now.UnixNano()),
		UpdatedAt: time.Unix(0, now.UnixNano()),
	}, nil
}

func (s *RedisThreadStore) setStatus(ctx context.Context, id int64, status api.ThreadStatus) error {
	th, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	res, err := s.client.Eval(ctx, redisSetThreadStatusLua,
		[]string{s.keyThread(id), s.keyTask(th.TaskID), s.keyServer(th.ServerID), s.keyActive(), s.keyFinished()},
		id, string(status), s.now().UnixNano(),
	).Result()
	if err != nil {
		return err
	}
	if !evalBool(res) {
		return api.ErrNoThread
	}
	return nil
}

func (s *RedisThreadStore) StartThread(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, api.ThreadRunning)
}

func (s *RedisThreadStore) FinishThread(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, api.ThreadFinished)
}

func (s *RedisThreadStore) get(ctx context.Context, id int64) (*api.Thread, error) {
	fields, err := s.client.HGetAll(ctx, s.keyThread(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, api.ErrNoThread
	}
	return &api.Thread{
		ID:        id,
		ServerID:  parseInt(fields["server_id"]),
		TaskID:    parseInt(fields["task_id"]),
		Status:    api.ThreadStatus(fields["status"]),
		CreatedAt: fromNanos(parseInt(fields["created_at"])),
		UpdatedAt: fromNanos(parseInt(fields["updated_at"])),
	}, nil
}

func (s *RedisThreadStore) GetActive(ctx context.Context, serverID int64) ([]*api.Thread, error) {
	key := s.keyActive()
	if serverID != 0 {
		key = s.keyServer(serverID)
	}
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*api.Thread, 0, len(members))
	for _, raw := range members {
		th, err := s.get(ctx, parseInt(raw))
		if errors.Is(err, api.ErrNoThread) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if th.Status.Active() {
			out = append(out, th)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *RedisThreadStore) GetByTask(ctx context.Context, task *api.Task) (*api.Thread, error) {
	if task == nil || task.ID == 0 {
		return nil, api.ErrNoTask
	}
	id, err := s.client.Get(ctx, s.keyTask(task.ID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, api.ErrNoThread
		}
		return nil, err
	}
	return s.get(ctx, id)
}

func (s *RedisThreadStore) PruneFinished(ctx context.Context, before time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.keyFinished(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + itoa(before.UnixNano()),
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	for _, raw := range ids {
		pipe.Del(ctx, s.keyThread(parseInt(raw)))
		pipe.ZRem(ctx, s.keyFinished(), raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}
