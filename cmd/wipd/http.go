package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fsmawi/wip"
	"github.com/fsmawi/wip/pkg/api"
)

// handler serves the operator endpoints of wipd.
type handler struct {
	eng    wip.Engine
	sched  *wip.Scheduler
	logger *slog.Logger
}

func newMux(eng wip.Engine, sched *wip.Scheduler, logger *slog.Logger) *http.ServeMux {
	h := &handler{eng: eng, sched: sched, logger: logger}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /status", h.status)
	mux.HandleFunc("POST /tasks", h.enqueue)
	mux.HandleFunc("GET /tasks/{id}/history", h.history)
	mux.HandleFunc("POST /tasks/{id}/signal", h.signal)
	mux.HandleFunc("POST /tasks/{id}/{action}", h.control)
	mux.HandleFunc("POST /groups/{group}/limit", h.groupLimit)
	mux.HandleFunc("POST /groups/{group}/{action}", h.groupControl)
	mux.HandleFunc("POST /pause", h.globalPause)
	return mux
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	capacity, err := h.sched.Capacity(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	free := 0
	for _, n := range capacity {
		free += n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"version":      version,
		"scheduler_id": h.sched.ID.String(),
		"free_slots":   free,
	})
}

// status: GET /status?group=g&type=t&status=WAITING&parent=1&limit=50
func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := api.TaskFilter{
		Group:    q.Get("group"),
		TypeName: q.Get("type"),
		Limit:    100,
	}
	if s := q.Get("status"); s != "" {
		filter.Statuses = []api.Status{api.Status(s)}
	}
	if v := q.Get("parent"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid parent", http.StatusBadRequest)
			return
		}
		filter.ParentID = id
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "limit must be within 1..1000", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	docs, err := h.eng.ProcessStatus(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

type enqueueRequest struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Group       string `json:"group"`
	Priority    int    `json:"priority"`
	ClientJobID string `json:"client_job_id"`
	Timeout     string `json:"timeout"`
}

// enqueue: POST /tasks
func (h *handler) enqueue(w http.ResponseWriter, r *http.Request) {
	var in enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	task := &api.Task{
		TypeName:    in.Type,
		Name:        in.Name,
		GroupName:   in.Group,
		Priority:    api.Priority(in.Priority),
		ClientJobID: in.ClientJobID,
	}
	if in.Timeout != "" {
		d, err := time.ParseDuration(in.Timeout)
		if err != nil {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		task.Timeout = d
	}

	id, err := h.eng.Enqueue(r.Context(), task)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"task_id": id, "uuid": task.UUID})
}

// history: GET /tasks/{id}/history
func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	events, err := h.eng.History(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// signal: POST /tasks/{id}/signal with {"type": "DATA", "data": "..."}
func (h *handler) signal(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	var in struct {
		Type string `json:"type"`
		Data string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if in.Type == "" {
		in.Type = string(api.SignalData)
	}
	sig, err := h.eng.SendSignal(r.Context(), id, api.SignalType(in.Type), []byte(in.Data))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"signal_id": sig.ID})
}

// control: POST /tasks/{id}/pause|resume|terminate?owner=uuid
func (h *handler) control(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	owner := r.URL.Query().Get("owner")

	var (
		changed bool
		err     error
	)
	switch r.PathValue("action") {
	case "pause":
		changed, err = h.eng.PauseTask(r.Context(), id, owner)
	case "resume":
		changed, err = h.eng.ResumeTask(r.Context(), id, owner)
	case "terminate":
		changed, err = h.eng.TerminateTask(r.Context(), id, owner)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "changed": changed})
}

// groupControl: POST /groups/{group}/pause|resume
func (h *handler) groupControl(w http.ResponseWriter, r *http.Request) {
	group := r.PathValue("group")
	var err error
	switch r.PathValue("action") {
	case "pause":
		err = h.eng.PauseGroup(r.Context(), group)
	case "resume":
		err = h.eng.ResumeGroup(r.Context(), group)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group": group, "action": r.PathValue("action")})
}

// groupLimit: POST /groups/{group}/limit?max=N, where 0 removes the limit.
func (h *handler) groupLimit(w http.ResponseWriter, r *http.Request) {
	group := r.PathValue("group")
	max, err := strconv.Atoi(r.URL.Query().Get("max"))
	if err != nil {
		http.Error(w, "invalid max", http.StatusBadRequest)
		return
	}
	if err := h.eng.SetGroupLimit(r.Context(), group, max); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group": group, "max": max})
}

// globalPause: POST /pause?mode=NONE|SOFT|HARD
func (h *handler) globalPause(w http.ResponseWriter, r *http.Request) {
	mode := api.PauseMode(strings.ToUpper(r.URL.Query().Get("mode")))
	if mode == "NONE" {
		mode = api.PauseNone
	}
	if err := h.eng.SetGlobalPause(r.Context(), mode); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": mode})
}

func taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// fail maps engine errors to HTTP status codes.
func (h *handler) fail(w http.ResponseWriter, err error) {
	var validation *api.ValidationError
	switch {
	case errors.As(err, &validation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case api.IsNotFound(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		h.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
