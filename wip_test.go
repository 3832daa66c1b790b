package wip

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fsmawi/wip/internal/testutil"
	"github.com/fsmawi/wip/pkg/api"
)

func TestRunToCompletionStopsWhenIdle(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()
	NewTaskType("sleepy").
		Table(`
			start { * nap wait=60 }
			nap { * finish }
		`).
		MustRegister(eng)

	id, err := Enqueue(ctx, eng, &Task{TypeName: "sleepy"})
	require.NoError(t, err)

	steps, err := RunToCompletion(ctx, eng, id)
	require.NoError(t, err)
	require.Equal(t, 1, steps)

	task, err := GetTask(ctx, eng, id)
	require.NoError(t, err)
	require.Equal(t, StatusWaiting, task.Status)
	require.False(t, task.WakeAt.IsZero())
}

func TestRunToCompletionHonorsContext(t *testing.T) {
	eng := NewInMemoryEngine()
	NewTaskType("spinner").
		Table(`start { * start }`).
		MustRegister(eng)

	id, err := Enqueue(context.Background(), eng, &Task{TypeName: "spinner"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	steps, err := RunToCompletion(ctx, eng, id)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Positive(t, steps)
}

func TestListTasksAndInMemoryObserver(t *testing.T) {
	ctx := context.Background()
	metrics := &BasicMetrics{}
	eng := NewInMemoryEngineWithObserver(metrics)
	NewTaskType("quick").Table(`start { * finish }`).MustRegister(eng)

	for i := 0; i < 3; i++ {
		id, err := Enqueue(ctx, eng, &Task{TypeName: "quick", GroupName: "batch"})
		require.NoError(t, err)
		_, err = RunToCompletion(ctx, eng, id)
		require.NoError(t, err)
	}

	tasks, err := ListTasks(ctx, eng, TaskFilter{Group: "batch", Statuses: []Status{StatusComplete}})
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	snap := metrics.Snapshot()
	require.EqualValues(t, 3, snap.TasksEnqueued)
	require.EqualValues(t, 3, snap.TasksCompleted)
	require.Zero(t, snap.PendingTasks)
}

// TestMixedBackends runs a scheduler over tasks in Postgres, signals and
// threads in Redis and servers and history in MongoDB.
func TestMixedBackends(t *testing.T) {
	pgDSN := testutil.GetPostgresDSN(t)
	redisAddr := testutil.GetRedisAddress(t)
	mongoURI := testutil.GetMongoURI(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := sql.Open("pgx", pgDSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	t.Cleanup(func() { _ = rdb.Close() })

	mc, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mc.Disconnect(context.Background()) })
	mdb := mc.Database("wip_mixed_test")
	require.NoError(t, mdb.Drop(ctx))

	p, err := NewPostgresPersistence(db)
	require.NoError(t, err)
	p = WithRedis(p, rdb, "wip-mixed-"+time.Now().Format("150405.000"))
	p, err = WithMongo(ctx, p, mdb)
	require.NoError(t, err)

	eng := NewEngine(EngineConfig{Persistence: p})
	NewTaskType("mixed-approval").
		Table(`
			start { * approve }
			approve { approved finish, waiting approve wait=50ms }
		`).
		State("approve", WaitForSignal(SignalData, "approved", "waiting")).
		MustRegister(eng)

	id, err := Enqueue(ctx, eng, &Task{TypeName: "mixed-approval"})
	require.NoError(t, err)

	sched := NewScheduler(eng, p, SchedulerConfig{
		Hostnames:    []string{"mixed-host"},
		PollInterval: 10 * time.Millisecond,
	})
	runCtx, stop := context.WithCancel(ctx)
	go func() { _ = sched.Run(runCtx) }()
	defer func() {
		stop()
		_ = sched.DrainAndWait(context.Background())
	}()

	require.Eventually(t, func() bool {
		task, err := GetTask(ctx, eng, id)
		return err == nil && task.Snapshot.CurrentState == "approve"
	}, 10*time.Second, 20*time.Millisecond)

	_, err = SendData(ctx, eng, id, []byte("ok"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, err := GetTask(ctx, eng, id)
		return err == nil && task.Status == StatusComplete
	}, 10*time.Second, 20*time.Millisecond)

	history, err := eng.History(ctx, id)
	require.NoError(t, err)
	require.Equal(t, api.EventTaskEnqueued, history[0].Type)
	require.Equal(t, api.EventTaskCompleted, history[len(history)-1].Type)

	servers, err := p.Servers.ListServers(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 1)
}
