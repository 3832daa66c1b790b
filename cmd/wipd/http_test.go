package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/fsmawi/wip"
	"github.com/fsmawi/wip/internal/config"
	"github.com/fsmawi/wip/pkg/api"
)

func newTestServer(t *testing.T) (*httptest.Server, wip.Engine, *wip.Scheduler) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := wip.NewInMemoryPersistence()
	eng := wip.NewEngine(wip.EngineConfig{Persistence: p, Logger: logger})
	if err := registerBuiltinTypes(eng); err != nil {
		t.Fatalf("registerBuiltinTypes failed: %v", err)
	}
	sched := wip.NewScheduler(eng, p, wip.SchedulerConfig{Hostnames: []string{"test-host"}, Logger: logger})
	if err := sched.Register(context.Background()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	srv := httptest.NewServer(newMux(eng, sched, logger))
	t.Cleanup(srv.Close)
	return srv, eng, sched
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		raw, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(raw, &out)
	}
	return resp, out
}

func TestEnqueueSignalAndStatus(t *testing.T) {
	srv, eng, sched := newTestServer(t)
	ctx := context.Background()

	resp, body := do(t, http.MethodPost, srv.URL+"/tasks", `{"type":"await-signal","group":"smoke","priority":3}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	id := int64(body["task_id"].(float64))

	// start -> await, then one poll without a signal.
	for i := 0; i < 2; i++ {
		if _, err := sched.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce failed: %v", err)
		}
	}

	resp, _ = do(t, http.MethodPost, srv.URL+"/tasks/"+itoa(id)+"/signal", `{"data":"hello"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	// The waiting rule delays the next step by a second; step directly.
	res, err := eng.Step(ctx, id)
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if res.Outcome != api.StepIdle {
		t.Fatalf("expected the task to be waiting, got %s", res.Outcome)
	}
	task, err := eng.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Priority != api.PriorityHigh || task.GroupName != "smoke" {
		t.Fatalf("unexpected task fields: %+v", task)
	}

	statusResp, err := http.Get(srv.URL + "/status?group=smoke")
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	defer statusResp.Body.Close()
	var docs []api.ProcessStatus
	if err := json.NewDecoder(statusResp.Body).Decode(&docs); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(docs) != 1 || docs[0].CurrentState != "await" {
		t.Fatalf("unexpected status documents: %+v", docs)
	}

	histResp, err := http.Get(srv.URL + "/tasks/" + itoa(id) + "/history")
	if err != nil {
		t.Fatalf("GET history failed: %v", err)
	}
	defer histResp.Body.Close()
	var events []api.StepEvent
	if err := json.NewDecoder(histResp.Body).Decode(&events); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(events) == 0 || events[0].Type != api.EventTaskEnqueued {
		t.Fatalf("unexpected history: %+v", events)
	}
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	srv, _, _ := newTestServer(t)

	cases := []struct {
		body string
		code int
	}{
		{`not json`, http.StatusBadRequest},
		{`{"type":"missing"}`, http.StatusBadRequest},
		{`{"type":"noop","priority":9}`, http.StatusBadRequest},
		{`{"type":"noop","timeout":"soon"}`, http.StatusBadRequest},
		{`{"type":"noop","timeout":"1m"}`, http.StatusCreated},
	}
	for _, tc := range cases {
		resp, _ := do(t, http.MethodPost, srv.URL+"/tasks", tc.body)
		if resp.StatusCode != tc.code {
			t.Fatalf("body %s: expected %d, got %d", tc.body, tc.code, resp.StatusCode)
		}
	}
}

func TestControlEndpoints(t *testing.T) {
	srv, eng, _ := newTestServer(t)
	ctx := context.Background()

	id, err := eng.Enqueue(ctx, &api.Task{TypeName: "noop"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	resp, body := do(t, http.MethodPost, srv.URL+"/tasks/"+itoa(id)+"/pause?owner=someone-else", "")
	if resp.StatusCode != http.StatusOK || body["changed"] != false {
		t.Fatalf("foreign owner must not pause: %d %v", resp.StatusCode, body)
	}
	resp, body = do(t, http.MethodPost, srv.URL+"/tasks/"+itoa(id)+"/pause", "")
	if resp.StatusCode != http.StatusOK || body["changed"] != true {
		t.Fatalf("expected pause to apply: %d %v", resp.StatusCode, body)
	}
	task, _ := eng.GetTask(ctx, id)
	if !task.Paused {
		t.Fatalf("expected task to be paused")
	}

	resp, _ = do(t, http.MethodPost, srv.URL+"/tasks/"+itoa(id)+"/explode", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown action: expected 404, got %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/tasks/abc/pause", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400, got %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/tasks/9999/signal", `{"data":"x"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing task: expected 404, got %d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["free_slots"].(float64) != 4 {
		t.Fatalf("expected 4 free slots, got %v", body["free_slots"])
	}

	metrics, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	metrics.Body.Close()
	if metrics.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", metrics.StatusCode)
	}
}

func TestOpenPersistenceMemoryAndSQLite(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default()
	cfg.Storage = config.StorageConfig{Driver: config.DriverMemory}
	p, closeStores, err := openPersistence(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("memory persistence failed: %v", err)
	}
	closeStores()
	if p.Tasks == nil || p.Signals == nil {
		t.Fatalf("expected all stores to be set")
	}

	cfg.Storage = config.StorageConfig{Driver: config.DriverSQLite, DSN: "file:" + t.TempDir() + "/wipd.db"}
	p, closeStores, err = openPersistence(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("sqlite persistence failed: %v", err)
	}
	defer closeStores()
	eng := wip.NewEngine(wip.EngineConfig{Persistence: p, Logger: logger})
	if err := registerBuiltinTypes(eng); err != nil {
		t.Fatalf("registerBuiltinTypes failed: %v", err)
	}
	id, err := eng.Enqueue(ctx, &api.Task{TypeName: "noop"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := wip.RunToCompletion(ctx, eng, id); err != nil {
		t.Fatalf("RunToCompletion failed: %v", err)
	}
	task, _ := eng.GetTask(ctx, id)
	if task.ExitStatus != api.ExitCompleted {
		t.Fatalf("expected COMPLETED, got %s", task.ExitStatus)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func TestGroupAndGlobalControls(t *testing.T) {
	srv, eng, sched := newTestServer(t)
	ctx := context.Background()

	id, err := eng.Enqueue(ctx, &api.Task{TypeName: "noop", GroupName: "batch"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	resp, _ := do(t, http.MethodPost, srv.URL+"/groups/batch/pause", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause group: expected 200, got %d", resp.StatusCode)
	}
	if n, err := sched.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("paused group must not be dispatched: n=%d err=%v", n, err)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/groups/batch/resume", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume group: expected 200, got %d", resp.StatusCode)
	}

	resp, _ = do(t, http.MethodPost, srv.URL+"/pause?mode=hard", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("global pause: expected 200, got %d", resp.StatusCode)
	}
	if n, err := sched.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("hard pause must stop dispatch: n=%d err=%v", n, err)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/pause?mode=none", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("global resume: expected 200, got %d", resp.StatusCode)
	}
	if n, err := sched.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("expected one dispatch after resuming, n=%d err=%v", n, err)
	}
	task, _ := eng.GetTask(ctx, id)
	if task.Status != api.StatusComplete {
		t.Fatalf("expected noop task to complete, got %s", task.Status)
	}

	resp, _ = do(t, http.MethodPost, srv.URL+"/pause?mode=sideways", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad mode: expected 400, got %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/groups/batch/limit?max=2", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("group limit: expected 200, got %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/groups/batch/limit?max=-1", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative limit: expected 400, got %d", resp.StatusCode)
	}
}
