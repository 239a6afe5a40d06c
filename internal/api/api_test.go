package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dshills/taskgraph-go/agent/bus"
	"github.com/dshills/taskgraph-go/agent/pool"
	"github.com/dshills/taskgraph-go/agent/registry"
	"github.com/dshills/taskgraph-go/agent/supervisor"
	"github.com/dshills/taskgraph-go/agent/task"
)

type apiFixture struct {
	srv   *httptest.Server
	queue *task.Queue
	reg   *registry.Registry
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	reg := registry.New(registry.DefaultConfig(), zap.NewNop())
	q := task.NewQueue(nil, nil, zap.NewNop())
	b := bus.New(bus.NewMemoryTransport(0), reg, zap.NewNop())
	t.Cleanup(func() { _ = b.Close() })

	metricsReg := prometheus.NewRegistry()
	p, err := pool.New(pool.DefaultConfig(), reg, q, b, zap.NewNop(), pool.WithMetrics(pool.NewMetrics(metricsReg)))
	require.NoError(t, err)
	sup := supervisor.New(q, p, supervisor.Config{}, zap.NewNop())

	h := NewHandlers(sup, reg, p, zap.NewNop())
	srv := httptest.NewServer(NewServer(h, "/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{})).Router())
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, queue: q, reg: reg}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestAPI_Health(t *testing.T) {
	f := newAPI(t)
	resp, body := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestAPI_SubmitAndQuery(t *testing.T) {
	f := newAPI(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"id":      "t1",
		"type":    "ocr",
		"input":   map[string]string{"file": "scan.png"},
		"timeout": "30s",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var sub SubmitResponse
	require.NoError(t, json.Unmarshal(body, &sub))
	assert.Equal(t, []string{"t1"}, sub.IDs)

	got, err := f.queue.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "30s", got.Timeout.String())

	resp, body = f.do(t, http.MethodGet, "/api/v1/tasks/t1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"id":"t1","status":"pending"}`, string(body))

	resp, body = f.do(t, http.MethodGet, "/api/v1/tasks/t1/result", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var res supervisor.TaskResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.False(t, res.Done)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_SubmitBatch(t *testing.T) {
	f := newAPI(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"tasks": []map[string]any{
			{"id": "a", "type": "x"},
			{"id": "b", "type": "x", "depends_on": []string{"a"}},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = f.do(t, http.MethodGet, "/api/v1/tasks?status=blocked", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed []task.Task
	require.NoError(t, json.Unmarshal(body, &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "b", listed[0].ID)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"id": "a", "type": "x"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"tasks": []map[string]any{{"id": "c", "type": "x", "depends_on": []string{"ghost"}}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/tasks?status=lost", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_Cancel(t *testing.T) {
	f := newAPI(t)
	_, err := f.queue.Enqueue(context.Background(), task.Task{ID: "t1", Type: "x"})
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodDelete, "/api/v1/tasks/t1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"id":"t1","status":"cancelled"}`, string(body))

	resp, body = f.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats supervisor.Statistics
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Counts[task.StatusCancelled])
}

func TestAPI_AgentsAndPool(t *testing.T) {
	f := newAPI(t)
	_, err := f.reg.Register(context.Background(), registry.AgentInfo{ID: "ocr-1", Capabilities: []string{"ocr"}})
	require.NoError(t, err)
	_, err = f.reg.Register(context.Background(), registry.AgentInfo{ID: "writer", Capabilities: []string{"text"}})
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodGet, "/api/v1/agents?capability=ocr", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var agents []registry.AgentInfo
	require.NoError(t, json.Unmarshal(body, &agents))
	require.Len(t, agents, 1)
	assert.Equal(t, "ocr-1", agents[0].ID)

	resp, body = f.do(t, http.MethodGet, "/api/v1/pool", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status PoolStatusResponse
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, pool.RoundRobin, status.Strategy)

	resp, body = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "taskgraph_pool_pending_tasks")
}
