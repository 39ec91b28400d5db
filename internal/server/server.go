package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/copyleftdev/lensopt/internal/config"
	apperrors "github.com/copyleftdev/lensopt/internal/errors"
	"github.com/copyleftdev/lensopt/internal/logging"
	"github.com/copyleftdev/lensopt/internal/metrics"
	"github.com/copyleftdev/lensopt/internal/optimization"
	"github.com/copyleftdev/lensopt/internal/project"
)

// Logger defines the logging interface used by the server.
// Zap exposes the structured logger handed to the numerical packages.
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
	Zap() *zap.Logger
}

// Status of an optimization job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a job in status s will not change any more.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// OptimizationState represents the state of an optimization job.
// All fields are guarded by Server.optimizationsMu.
type OptimizationState struct {
	ID           string
	Name         string
	Strategy     string
	Status       Status
	StartTime    time.Time
	EndTime      *time.Time
	LastUpdated  time.Time
	InitialMerit float64
	Progress     optimization.Progress
	Result       *optimization.Result
	Report       *optimization.Report
	Document     []byte
	Error        string

	MaxIterations int
	CancelFunc    context.CancelFunc

	// working is set while the job's goroutine runs, including after a
	// cancel until the optimizer returns.
	working bool
}

// Server implements the HTTP and JSON-RPC server for the optimization service.
// It manages optimization jobs and provides endpoints to start, monitor, and cancel them.
type Server struct {
	cfg     *config.Config
	logger  Logger
	metrics *metrics.Collector

	// Optimization state management
	optimizations   map[string]*OptimizationState
	optimizationsMu sync.RWMutex // Protects the optimizations map and its states
	wg              sync.WaitGroup
}

// NewServer creates a new server instance. A nil collector records metrics
// into collectors that are not registered anywhere.
func NewServer(cfg *config.Config, logger Logger, collector *metrics.Collector) *Server {
	if collector == nil {
		collector, _ = metrics.New(nil)
	}
	return &Server{
		cfg:           cfg,
		logger:        logger,
		metrics:       collector,
		optimizations: make(map[string]*OptimizationState),
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/optimize", s.handleOptimize)
		r.Get("/status/{id}", s.handleStatus)
		r.Delete("/optimization/{id}", s.handleCancel)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// JSON-RPC 2.0 error codes.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcServerError    = -32000
	rpcNotFound       = -32001
	rpcConflict       = -32002
	rpcUnavailable    = -32003
	rpcEvaluation     = -32004
)

// rpcCode maps an error to a JSON-RPC error code.
func rpcCode(err error) int {
	switch apperrors.StatusCode(err) {
	case http.StatusBadRequest:
		return rpcInvalidParams
	case http.StatusNotFound:
		return rpcNotFound
	case http.StatusConflict:
		return rpcConflict
	case http.StatusServiceUnavailable:
		return rpcUnavailable
	case http.StatusUnprocessableEntity:
		return rpcEvaluation
	default:
		return rpcServerError
	}
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      interface{}     `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}

	body := http.MaxBytesReader(w, r.Body, s.cfg.HTTP.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&request); err != nil {
		s.respondWithError(w, rpcParseError, "Parse error", nil)
		return
	}

	// Validate JSON-RPC 2.0 request
	if request.JSONRPC != "2.0" || request.Method == "" {
		s.respondWithError(w, rpcInvalidRequest, "Invalid Request", request.ID)
		return
	}

	// Route to appropriate handler
	var result interface{}
	var err error

	switch request.Method {
	case "optimization.start":
		result, err = s.handleOptimizeStart(request.Params)
	case "optimization.status":
		result, err = s.handleOptimizationStatus(request.Params)
	case "optimization.cancel":
		result, err = s.handleOptimizationCancel(request.Params)
	default:
		s.respondWithError(w, rpcMethodNotFound, "Method not found", request.ID)
		return
	}

	if err != nil {
		s.respondWithError(w, rpcCode(err), err.Error(), request.ID)
		return
	}

	// Send successful response
	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("encoding response", map[string]interface{}{"error": err.Error()})
	}
}

// decodeParams decodes JSON-RPC params into dst. Both the by-name form
// {"key": ...} and a one-element positional array [{"key": ...}] are accepted.
func decodeParams(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return apperrors.Wrap(apperrors.ErrBadRequest, "missing required parameters")
	}
	if raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil || len(list) != 1 {
			return apperrors.Wrap(apperrors.ErrBadRequest, "invalid parameter format, expected one object")
		}
		raw = list[0]
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperrors.Wrap(apperrors.ErrBadRequest, "invalid parameter format, expected object")
	}
	return nil
}

// idParams is the parameter object of optimization.status and
// optimization.cancel.
type idParams struct {
	OptimizationID string `json:"optimization_id"`
}

func (p idParams) validate() error {
	if p.OptimizationID == "" {
		return apperrors.Wrap(apperrors.ErrBadRequest, "optimization_id is required")
	}
	return nil
}

// StartResponse is returned when a job is accepted.
type StartResponse struct {
	OptimizationID string `json:"optimization_id"`
	Status         Status `json:"status"`
}

// handleOptimizeStart handles the optimization.start JSON-RPC method.
// Expected parameters: {"project": <project document>}
// Returns: {"optimization_id": "...", "status": "pending"}
func (s *Server) handleOptimizeStart(raw json.RawMessage) (interface{}, error) {
	var params struct {
		Project json.RawMessage `json:"project"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if len(params.Project) == 0 || string(params.Project) == "null" {
		return nil, apperrors.Wrap(apperrors.ErrBadRequest, "project is required")
	}
	return s.startOptimization(params.Project)
}

// startOptimization parses, builds and starts a job from a project
// document in YAML or JSON.
func (s *Server) startOptimization(data []byte) (*StartResponse, error) {
	doc, err := project.Parse(data)
	if err != nil {
		return nil, err
	}
	doc.ApplyDefaults(s.cfg.RunDefaults())
	if doc.Optimizer.Seed == 0 {
		doc.Optimizer.Seed = s.cfg.Optimization.Seed
	}

	id := uuid.NewString()
	session, err := project.Build(doc, s.logger.Zap().With(zap.String("optimization_id", id)))
	if err != nil {
		return nil, err
	}
	initial, err := session.Problem.Evaluate()
	if err != nil {
		return nil, apperrors.Wrap(err, "evaluating start point").
			WithOperation("startOptimization").WithComponent("server")
	}

	// Create a cancellable context
	ctx, cancel := context.WithCancel(context.Background())

	now := time.Now()
	state := &OptimizationState{
		ID:            id,
		Name:          doc.Name,
		Strategy:      session.Optimizer.Name(),
		Status:        StatusPending,
		StartTime:     now,
		LastUpdated:   now,
		InitialMerit:  initial,
		MaxIterations: doc.Optimizer.MaxIterations,
		CancelFunc:    cancel,
		working:       true,
	}

	// Store the optimization state
	s.optimizationsMu.Lock()
	if active := s.activeLocked(); active >= s.cfg.Optimization.MaxJobs {
		s.optimizationsMu.Unlock()
		cancel()
		return nil, apperrors.Wrapf(apperrors.ErrUnavailable, "%d optimizations already running", active)
	}
	s.optimizations[id] = state
	s.wg.Add(1)
	s.optimizationsMu.Unlock()

	s.logger.Info("optimization accepted", map[string]interface{}{
		"optimization_id": id,
		"strategy":        state.Strategy,
		"variables":       session.Problem.NumVariables(),
		"operands":        len(session.Problem.Operands()),
		"initial_merit":   initial,
	})

	// Start optimization in a goroutine
	go s.runOptimization(ctx, state, session)

	return &StartResponse{OptimizationID: id, Status: StatusPending}, nil
}

// activeLocked counts jobs whose goroutine has not returned. A cancelled
// job keeps counting until its optimizer stops.
func (s *Server) activeLocked() int {
	n := 0
	for _, state := range s.optimizations {
		if state.working {
			n++
		}
	}
	return n
}

// StatusResponse describes a job.
type StatusResponse struct {
	OptimizationID string      `json:"optimization_id"`
	Name           string      `json:"name,omitempty"`
	Strategy       string      `json:"strategy"`
	Status         Status      `json:"status"`
	Progress       float64     `json:"progress"`
	Iteration      int         `json:"iteration"`
	Evaluations    int         `json:"evaluations"`
	InitialMerit   number      `json:"initial_merit"`
	BestMerit      *number     `json:"best_merit,omitempty"`
	StartTime      time.Time   `json:"start_time"`
	EndTime        *time.Time  `json:"end_time,omitempty"`
	LastUpdate     time.Time   `json:"last_update"`
	Result         *resultView `json:"result,omitempty"`
	Report         *reportView `json:"report,omitempty"`
	// Document is the project with the lens at its optimized state, as YAML.
	Document string `json:"document,omitempty"`
	Error    string `json:"error,omitempty"`
}

// handleOptimizationStatus handles the optimization.status JSON-RPC method.
// Expected parameters: {"optimization_id": "..."}
func (s *Server) handleOptimizationStatus(raw json.RawMessage) (interface{}, error) {
	var params idParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	return s.status(params.OptimizationID)
}

func (s *Server) status(id string) (*StatusResponse, error) {
	s.optimizationsMu.RLock()
	defer s.optimizationsMu.RUnlock()

	state, exists := s.optimizations[id]
	if !exists {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "optimization %s not found", id)
	}

	resp := &StatusResponse{
		OptimizationID: state.ID,
		Name:           state.Name,
		Strategy:       state.Strategy,
		Status:         state.Status,
		Iteration:      state.Progress.Iteration,
		Evaluations:    state.Progress.Evaluations,
		InitialMerit:   number(state.InitialMerit),
		StartTime:      state.StartTime,
		EndTime:        state.EndTime,
		LastUpdate:     state.LastUpdated,
		Error:          state.Error,
	}
	if state.MaxIterations > 0 {
		resp.Progress = math.Min(1, float64(state.Progress.Iteration)/float64(state.MaxIterations))
	}
	if state.Status == StatusCompleted {
		resp.Progress = 1
	}
	if state.Progress.Iteration > 0 {
		best := number(state.Progress.BestMerit)
		resp.BestMerit = &best
	}
	if state.Result != nil {
		resp.Result = newResultView(state.Result)
	}
	if state.Report != nil {
		resp.Report = newReportView(state.Report)
	}
	resp.Document = string(state.Document)
	return resp, nil
}

// handleOptimizationCancel handles the optimization.cancel JSON-RPC method.
// Expected parameters: {"optimization_id": "..."}
func (s *Server) handleOptimizationCancel(raw json.RawMessage) (interface{}, error) {
	var params idParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	if err := s.cancel(params.OptimizationID); err != nil {
		return nil, err
	}
	return map[string]string{"status": "cancellation requested"}, nil
}

func (s *Server) cancel(id string) error {
	s.optimizationsMu.Lock()
	defer s.optimizationsMu.Unlock()

	state, exists := s.optimizations[id]
	if !exists {
		return apperrors.Wrapf(apperrors.ErrNotFound, "optimization %s not found", id)
	}
	if state.Status.Terminal() {
		return apperrors.Wrapf(apperrors.ErrConflict, "cannot cancel optimization with status %s", state.Status)
	}

	// Cancel the optimization; the worker keeps the status and stores the
	// partial result when it returns.
	state.CancelFunc()
	state.Status = StatusCancelled
	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now

	s.logger.Info("optimization cancelled", map[string]interface{}{
		"optimization_id": id,
	})
	return nil
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Warn("rpc error", map[string]interface{}{
		"code":    code,
		"message": message,
	})

	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// runOptimization executes the optimization process in a goroutine
func (s *Server) runOptimization(ctx context.Context, state *OptimizationState, session *project.Session) {
	defer s.wg.Done()

	// Update state to running unless the job was cancelled while pending
	s.optimizationsMu.Lock()
	if state.Status == StatusPending {
		state.Status = StatusRunning
		state.LastUpdated = time.Now()
	}
	s.optimizationsMu.Unlock()

	run := s.metrics.Start(state.Strategy)
	cfg := session.RunConfig(func(p optimization.Progress) {
		run.Progress(p)
		s.optimizationsMu.Lock()
		state.Progress = p
		state.LastUpdated = time.Now()
		s.optimizationsMu.Unlock()
	})

	result, err := session.Optimizer.Optimize(ctx, cfg)
	outcome := run.Finish(result, err)

	report, reportErr := session.Problem.Report()
	document, docErr := session.Updated().Marshal()

	// Update state with results
	s.optimizationsMu.Lock()
	defer s.optimizationsMu.Unlock()

	switch {
	case state.Status == StatusCancelled || outcome == metrics.OutcomeCancelled:
		state.Status = StatusCancelled
	case err != nil:
		state.Status = StatusFailed
		state.Error = err.Error()
		fields := map[string]interface{}{
			"optimization_id": state.ID,
			"error":           err.Error(),
		}
		if oe, ok := optimization.IsOptimizationError(err); ok {
			fields["op"] = oe.Op
			fields["component"] = oe.Component
		}
		s.logger.Error("optimization failed", fields)
	default:
		state.Status = StatusCompleted
		s.logger.Info("optimization finished", map[string]interface{}{
			"optimization_id": state.ID,
			"outcome":         outcome,
			"message":         result.Message,
			"final_merit":     result.FinalMerit,
			"iterations":      result.Iterations,
			"evaluations":     result.Evaluations,
		})
	}

	state.Result = result
	if reportErr == nil {
		state.Report = report
	}
	if docErr == nil {
		state.Document = document
	} else {
		s.logger.Warn("encoding optimized document", map[string]interface{}{
			"optimization_id": state.ID,
			"error":           docErr.Error(),
		})
	}

	now := time.Now()
	if state.EndTime == nil {
		state.EndTime = &now
	}
	state.LastUpdated = now
	state.working = false
	state.CancelFunc()
}

// Close cancels all running optimizations and waits for them to return.
func (s *Server) Close() error {
	s.optimizationsMu.Lock()
	for _, opt := range s.optimizations {
		if opt.working {
			opt.CancelFunc()
		}
	}
	s.optimizationsMu.Unlock()

	s.wg.Wait()
	return nil
}

// handleOptimize handles POST /api/v1/optimize. The body is a project
// document in YAML or JSON.
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.HTTP.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if apperrors.As(err, &tooLarge) {
			s.respondHTTPError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.respondHTTPError(w, http.StatusBadRequest, fmt.Sprintf("reading request body: %v", err))
		return
	}

	result, err := s.startOptimization(data)
	if err != nil {
		s.respondHTTPError(w, apperrors.StatusCode(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusAccepted, result)
}

// handleStatus handles GET /api/v1/status/{id}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.status(chi.URLParam(r, "id"))
	if err != nil {
		s.respondHTTPError(w, apperrors.StatusCode(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// handleCancel handles DELETE /api/v1/optimization/{id}.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.cancel(chi.URLParam(r, "id")); err != nil {
		s.respondHTTPError(w, apperrors.StatusCode(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status": "cancellation requested",
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encoding response", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Server) respondHTTPError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, map[string]interface{}{
		"error": message,
	})
}
