package server

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/lensopt/internal/config"
	apperrors "github.com/copyleftdev/lensopt/internal/errors"
	"github.com/copyleftdev/lensopt/internal/logging"
	"github.com/copyleftdev/lensopt/internal/metrics"
)

// singlet is a plano-convex N-BK7 lens whose focal length is R/(n-1), so a
// 100 mm target puts the optimum at R = 51.68.
const singlet = `
name: singlet
lens:
  surfaces:
    - {}
    - {radius: 50, thickness: 5, material: N-BK7, stop: true}
    - {thickness: 95}
    - {}
operands:
  - {kind: f2, target: 100, weight: 1}
variables:
  - {kind: radius, surface: 1, min: 20, max: 500}
optimizer:
  strategy: interior_point
`

// endless runs differential evolution long enough to be cancelled.
const endless = `
lens:
  surfaces:
    - {}
    - {radius: 50, thickness: 5, material: N-BK7}
    - {thickness: 95}
    - {}
operands:
  - {kind: f2, target: 100, weight: 1}
variables:
  - {kind: radius, surface: 1, min: 20, max: 500}
optimizer:
  strategy: differential_evolution
  max_iterations: 100000000
  tolerance: 1e-300
  workers: 1
  seed: 1
  evolution: {stagnation: 100000000, population_factor: 100}
`

// testConfig creates a test configuration with default values
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Environment: "test",
	}

	// Set up HTTP config
	cfg.HTTP.Port = 8080
	cfg.HTTP.ReadTimeout = 30 * time.Second
	cfg.HTTP.WriteTimeout = 30 * time.Second
	cfg.HTTP.IdleTimeout = 120 * time.Second
	cfg.HTTP.ShutdownTimeout = 30 * time.Second
	cfg.HTTP.MaxBodyBytes = 1 << 20

	// Set up logging
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "console"
	cfg.Logging.Output = "stdout"

	// Set up optimization
	cfg.Optimization.WorkerCount = 2
	cfg.Optimization.MaxIterations = 1000
	cfg.Optimization.Tolerance = 1e-8
	cfg.Optimization.MaxJobs = 2

	require.NoError(t, cfg.Validate())
	return cfg
}

type harness struct {
	srv    *Server
	router chi.Router
	reg    *prometheus.Registry
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	reg := prometheus.NewRegistry()
	collector, err := metrics.New(reg)
	require.NoError(t, err)

	srv := NewServer(cfg, logging.Nop(), collector)
	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	t.Cleanup(func() { assert.NoError(t, srv.Close()) })
	return &harness{srv: srv, router: r, reg: reg}
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func (h *harness) start(t *testing.T, doc string) string {
	t.Helper()
	rr := h.do(t, http.MethodPost, "/api/v1/optimize", doc)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var resp StartResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, StatusPending, resp.Status)
	require.NotEmpty(t, resp.OptimizationID)
	return resp.OptimizationID
}

func (h *harness) status(t *testing.T, id string) (map[string]interface{}, error) {
	rr := h.do(t, http.MethodGet, "/api/v1/status/"+id, "")
	var resp map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// active returns the number of jobs holding a slot.
func (h *harness) active() int {
	h.srv.optimizationsMu.RLock()
	defer h.srv.optimizationsMu.RUnlock()
	return h.srv.activeLocked()
}

// waitFor polls the status endpoint until the job reaches want.
func (h *harness) waitFor(t *testing.T, id string, want Status) map[string]interface{} {
	t.Helper()
	var last map[string]interface{}
	require.Eventually(t, func() bool {
		resp, err := h.status(t, id)
		if err != nil {
			return false
		}
		last = resp
		return resp["status"] == string(want)
	}, 10*time.Second, 10*time.Millisecond)
	return last
}

func TestRegisterRoutes(t *testing.T) {
	h := newHarness(t, testConfig(t))

	tests := []struct {
		method      string
		path        string
		shouldExist bool
	}{
		{"POST", "/api/v1/optimize", true},
		{"GET", "/api/v1/status/123", true},
		{"DELETE", "/api/v1/optimization/123", true},
		{"POST", "/rpc", true},
		{"GET", "/healthz", false}, // Not registered by server package
		{"GET", "/nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rr := h.do(t, tt.method, tt.path, "")
			// Unknown jobs answer 404 with a JSON body; unknown routes with
			// chi's plain text 404.
			isJSON := strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json")
			if tt.shouldExist {
				assert.True(t, rr.Code != http.StatusNotFound || isJSON, "route should exist")
			} else {
				assert.Equal(t, http.StatusNotFound, rr.Code)
				assert.False(t, isJSON)
			}
		})
	}
}

func TestOptimizeCompletes(t *testing.T) {
	h := newHarness(t, testConfig(t))
	id := h.start(t, singlet)

	resp := h.waitFor(t, id, StatusCompleted)
	assert.Equal(t, "singlet", resp["name"])
	assert.Equal(t, "interior_point", resp["strategy"])
	assert.Equal(t, 1.0, resp["progress"])
	assert.NotEmpty(t, resp["end_time"])
	assert.InDelta(t, 3.25, resp["initial_merit"], 0.01)

	result, ok := resp["result"].(map[string]interface{})
	require.True(t, ok, "result should be present")
	assert.Less(t, result["final_merit"], 1e-3)
	assert.Len(t, result["x"], 1)

	report, ok := resp["report"].(map[string]interface{})
	require.True(t, ok, "report should be present")
	variables := report["variables"].([]interface{})
	require.Len(t, variables, 1)
	radius := variables[0].(map[string]interface{})
	assert.InDelta(t, 51.68, radius["value"], 0.01)
	assert.Equal(t, 20.0, radius["min"])

	assert.Contains(t, resp["document"], "radius:")

	n, err := testutil.GatherAndCount(h.reg, "lensopt_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOptimizeAcceptsJSON(t *testing.T) {
	h := newHarness(t, testConfig(t))
	id := h.start(t, `{
		"lens": {"surfaces": [{}, {"radius": 50, "thickness": 5, "material": "N-BK7"}, {"thickness": 95}, {}]},
		"operands": [{"kind": "f2", "target": 100, "weight": 1}],
		"variables": [{"kind": "radius", "surface": 1, "min": 20, "max": 500}]
	}`)
	h.waitFor(t, id, StatusCompleted)
}

func TestOptimizeRejects(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.MaxBodyBytes = 2048
	h := newHarness(t, cfg)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty", "", http.StatusBadRequest},
		{"malformed", "lens: [", http.StatusBadRequest},
		{"unknown strategy", strings.Replace(singlet, "interior_point", "simplex", 1), http.StatusBadRequest},
		{"unknown material", strings.Replace(singlet, "N-BK7", "unobtainium", 1), http.StatusBadRequest},
		{"too large", singlet + "# " + strings.Repeat("x", 4096) + "\n", http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := h.do(t, http.MethodPost, "/api/v1/optimize", tt.body)
			assert.Equal(t, tt.want, rr.Code)

			var resp map[string]interface{}
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
			assert.NotEmpty(t, resp["error"])
		})
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t, testConfig(t))
	id := h.start(t, endless)

	rr := h.do(t, http.MethodDelete, "/api/v1/optimization/"+id, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	resp := h.waitFor(t, id, StatusCancelled)
	assert.NotEmpty(t, resp["end_time"])

	// Cancelling a finished job conflicts; unknown jobs are not found.
	rr = h.do(t, http.MethodDelete, "/api/v1/optimization/"+id, "")
	assert.Equal(t, http.StatusConflict, rr.Code)
	rr = h.do(t, http.MethodDelete, "/api/v1/optimization/missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMaxJobs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Optimization.MaxJobs = 1
	h := newHarness(t, cfg)

	id := h.start(t, endless)
	rr := h.do(t, http.MethodPost, "/api/v1/optimize", singlet)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	require.Equal(t, http.StatusOK, h.do(t, http.MethodDelete, "/api/v1/optimization/"+id, "").Code)

	// The cancelled job keeps its slot until its worker returns.
	require.Eventually(t, func() bool { return h.active() == 0 }, 10*time.Second, 10*time.Millisecond)
	h.start(t, singlet)
}

func TestCancelledJobHoldsSlotUntilWorkerReturns(t *testing.T) {
	cfg := testConfig(t)
	cfg.Optimization.MaxJobs = 1
	srv := NewServer(cfg, logging.Nop(), nil)
	t.Cleanup(func() { assert.NoError(t, srv.Close()) })

	stopping := &OptimizationState{ID: "stopping", Status: StatusCancelled, CancelFunc: func() {}, working: true}
	srv.optimizationsMu.Lock()
	srv.optimizations[stopping.ID] = stopping
	srv.optimizationsMu.Unlock()

	_, err := srv.startOptimization([]byte(singlet))
	assert.ErrorIs(t, err, apperrors.ErrUnavailable)

	srv.optimizationsMu.Lock()
	stopping.working = false
	srv.optimizationsMu.Unlock()

	resp, err := srv.startOptimization([]byte(singlet))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, resp.Status)
}

func TestClose(t *testing.T) {
	srv := NewServer(testConfig(t), logging.Nop(), nil)
	resp, err := srv.startOptimization([]byte(endless))
	require.NoError(t, err)

	require.NoError(t, srv.Close())

	status, err := srv.status(resp.OptimizationID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, status.Status)
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (h *harness) rpc(t *testing.T, body string) rpcResponse {
	t.Helper()
	rr := h.do(t, http.MethodPost, "/rpc", body)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp rpcResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	return resp
}

func TestJSONRPC(t *testing.T) {
	h := newHarness(t, testConfig(t))

	projectJSON, err := json.Marshal(map[string]interface{}{
		"lens": map[string]interface{}{"surfaces": []interface{}{
			map[string]interface{}{},
			map[string]interface{}{"radius": 50, "thickness": 5, "material": "N-BK7"},
			map[string]interface{}{"thickness": 95},
			map[string]interface{}{},
		}},
		"operands":  []interface{}{map[string]interface{}{"kind": "f2", "target": 100, "weight": 1}},
		"variables": []interface{}{map[string]interface{}{"kind": "radius", "surface": 1, "min": 20, "max": 500}},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	buf.WriteString(`{"jsonrpc": "2.0", "id": 1, "method": "optimization.start", "params": {"project": `)
	buf.Write(projectJSON)
	buf.WriteString(`}}`)

	resp := h.rpc(t, buf.String())
	require.Nil(t, resp.Error)
	assert.Equal(t, float64(1), resp.ID)

	var started StartResponse
	require.NoError(t, json.Unmarshal(resp.Result, &started))
	id := started.OptimizationID

	statusReq := `{"jsonrpc": "2.0", "id": "s", "method": "optimization.status", "params": [{"optimization_id": "` + id + `"}]}`
	require.Eventually(t, func() bool {
		rr := h.do(t, http.MethodPost, "/rpc", statusReq)
		var resp rpcResponse
		if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil || resp.Error != nil {
			return false
		}
		var status StatusResponse
		if err := json.Unmarshal(resp.Result, &status); err != nil {
			return false
		}
		return status.Status == StatusCompleted
	}, 10*time.Second, 10*time.Millisecond)

	resp = h.rpc(t, `{"jsonrpc": "2.0", "id": 2, "method": "optimization.cancel", "params": {"optimization_id": "`+id+`"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcConflict, resp.Error.Code)
}

func TestJSONRPCErrors(t *testing.T) {
	h := newHarness(t, testConfig(t))

	tests := []struct {
		name string
		body string
		code int
	}{
		{"parse error", `{"jsonrpc": `, rpcParseError},
		{"wrong version", `{"jsonrpc": "1.0", "id": 1, "method": "optimization.status"}`, rpcInvalidRequest},
		{"unknown method", `{"jsonrpc": "2.0", "id": 1, "method": "optimization.pause"}`, rpcMethodNotFound},
		{"missing params", `{"jsonrpc": "2.0", "id": 1, "method": "optimization.status"}`, rpcInvalidParams},
		{"missing id", `{"jsonrpc": "2.0", "id": 1, "method": "optimization.status", "params": {}}`, rpcInvalidParams},
		{"unknown job", `{"jsonrpc": "2.0", "id": 1, "method": "optimization.cancel", "params": {"optimization_id": "nope"}}`, rpcNotFound},
		{"missing project", `{"jsonrpc": "2.0", "id": 1, "method": "optimization.start", "params": {}}`, rpcInvalidParams},
		{"invalid project", `{"jsonrpc": "2.0", "id": 1, "method": "optimization.start", "params": {"project": {"lens": {}}}}`, rpcInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.rpc(t, tt.body)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.NotEmpty(t, resp.Error.Message)
		})
	}
}

func TestNumberEncoding(t *testing.T) {
	data, err := json.Marshal([]number{1.5, number(math.Inf(1)), number(math.Inf(-1))})
	require.NoError(t, err)
	assert.JSONEq(t, `[1.5, "inf", "-inf"]`, string(data))
}
