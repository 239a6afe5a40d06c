package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/dshills/taskgraph-go/agent/pool"
	"github.com/dshills/taskgraph-go/agent/registry"
	"github.com/dshills/taskgraph-go/agent/supervisor"
	"github.com/dshills/taskgraph-go/agent/task"
)

// Handlers serves task, agent and pool endpoints.
type Handlers struct {
	sup      *supervisor.Supervisor
	registry *registry.Registry
	pool     *pool.Pool
	logger   *zap.Logger
}

// NewHandlers creates the handlers. pool may be nil, in which case
// /api/v1/pool reports 503.
func NewHandlers(sup *supervisor.Supervisor, reg *registry.Registry, p *pool.Pool, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		sup:      sup,
		registry: reg,
		pool:     p,
		logger:   logger.With(zap.String("component", "api")),
	}
}

// Health handles GET /healthz.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// TaskRequest is one task in a submission. Timeout uses Go duration syntax,
// e.g. "30s".
type TaskRequest struct {
	supervisor.TaskSpec
	Timeout string `json:"timeout,omitempty"`
}

// SubmitRequest is the body of POST /api/v1/tasks. Either a single task or
// a batch under "tasks" is accepted; a batch is all-or-nothing.
type SubmitRequest struct {
	TaskRequest
	Tasks []TaskRequest `json:"tasks,omitempty"`
}

// SubmitResponse lists the IDs of the submitted tasks in request order.
type SubmitResponse struct {
	IDs []string `json:"ids"`
}

// SubmitTasks handles POST /api/v1/tasks.
func (h *Handlers) SubmitTasks(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	reqs := req.Tasks
	if len(reqs) == 0 {
		reqs = []TaskRequest{req.TaskRequest}
	}
	specs := make([]supervisor.TaskSpec, len(reqs))
	for i, tr := range reqs {
		spec := tr.TaskSpec
		if tr.Timeout != "" {
			d, err := time.ParseDuration(tr.Timeout)
			if err != nil {
				h.respondError(w, http.StatusBadRequest, "invalid timeout", err)
				return
			}
			spec.Timeout = d
		}
		specs[i] = spec
	}

	ids, err := h.sup.SubmitTasks(r.Context(), specs)
	if len(ids) == 0 && err != nil {
		h.respondError(w, statusFor(err), "failed to submit tasks", err)
		return
	}
	h.respondJSON(w, http.StatusCreated, SubmitResponse{IDs: ids})
}

// ListTasks handles GET /api/v1/tasks?status=&type=&agent=&limit=.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := task.Filter{Type: q.Get("type"), AssignedTo: q.Get("agent")}
	for _, s := range q["status"] {
		st := task.Status(s)
		if !st.Valid() {
			h.respondError(w, http.StatusBadRequest, "invalid status filter", fmt.Errorf("unknown status %q", s))
			return
		}
		f.Statuses = append(f.Statuses, st)
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			h.respondError(w, http.StatusBadRequest, "invalid limit", fmt.Errorf("limit %q", l))
			return
		}
		f.Limit = n
	}
	h.respondJSON(w, http.StatusOK, h.sup.ListTasks(r.Context(), f))
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	status, err := h.sup.GetTaskStatus(r.Context(), id)
	if err != nil {
		h.respondError(w, statusFor(err), "failed to get task", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(status)})
}

// GetTaskResult handles GET /api/v1/tasks/{id}/result.
func (h *Handlers) GetTaskResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.sup.GetTaskResult(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, statusFor(err), "failed to get task result", err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

// CancelTask handles DELETE /api/v1/tasks/{id}. It answers 202 while the
// assigned agent has yet to acknowledge.
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	status, err := h.sup.CancelTask(r.Context(), id)
	if err != nil {
		h.respondError(w, statusFor(err), "failed to cancel task", err)
		return
	}
	code := http.StatusOK
	if status == task.StatusInProgress {
		code = http.StatusAccepted
	}
	h.respondJSON(w, code, map[string]string{"id": id, "status": string(status)})
}

// Statistics handles GET /api/v1/stats.
func (h *Handlers) Statistics(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.sup.GetStatistics(r.Context()))
}

// ListAgents handles GET /api/v1/agents?capability=.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	if c := r.URL.Query().Get("capability"); c != "" {
		h.respondJSON(w, http.StatusOK, h.registry.FindByCapability(r.Context(), c))
		return
	}
	h.respondJSON(w, http.StatusOK, h.registry.List(r.Context()))
}

// PoolStatusResponse describes pool load.
type PoolStatusResponse struct {
	Strategy pool.Strategy        `json:"strategy"`
	Snapshot pool.Snapshot        `json:"snapshot"`
	Workers  []registry.AgentInfo `json:"workers"`
}

// PoolStatus handles GET /api/v1/pool.
func (h *Handlers) PoolStatus(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		h.respondError(w, http.StatusServiceUnavailable, "pool not running", errors.New("no pool configured"))
		return
	}
	h.respondJSON(w, http.StatusOK, PoolStatusResponse{
		Strategy: h.pool.Config().Strategy,
		Snapshot: h.pool.Snapshot(),
		Workers:  h.pool.Workers(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrDuplicateTask):
		return http.StatusConflict
	case errors.Is(err, task.ErrInvalidTask),
		errors.Is(err, task.ErrUnknownDependency),
		errors.Is(err, task.ErrDependencyCycle):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.Int("status", status), zap.Error(err))
	} else {
		h.logger.Debug(message, zap.Int("status", status), zap.Error(err))
	}
	h.respondJSON(w, status, map[string]string{
		"error":   message,
		"details": err.Error(),
	})
}
