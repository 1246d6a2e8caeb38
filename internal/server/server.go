// Package server exposes LABS/PSL searches as background jobs over JSON-RPC
// 2.0 and a small REST API.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/copyleftdev/labsearch/internal/config"
	"github.com/copyleftdev/labsearch/internal/ensemble"
	apperrors "github.com/copyleftdev/labsearch/internal/errors"
	"github.com/copyleftdev/labsearch/internal/logging"
	"github.com/copyleftdev/labsearch/internal/optimization"
	"github.com/copyleftdev/labsearch/internal/optimization/labs"
)

// Logger defines the logging interface used by the server.
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

var (
	ErrInvalidParams = apperrors.New("invalid params")
	ErrLimitExceeded = apperrors.New("request exceeds server limits")
	ErrJobNotFound   = apperrors.New("job not found")
	ErrTooManyJobs   = apperrors.New("too many running jobs")
	ErrJobFinished   = apperrors.New("job already finished")
)

// JSON-RPC 2.0 error codes
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeJobNotFound    = -32001
	codeTooManyJobs    = -32002
	codeJobFinished    = -32003
)

// Option customises a Server.
type Option func(*Server)

// WithObserver attaches an observer, typically a metrics recorder, to every
// search the server runs. It must be safe for concurrent use.
func WithObserver(observer labs.Observer) Option {
	return func(s *Server) {
		s.observer = observer
	}
}

// Server manages search jobs and provides endpoints to start, monitor and
// cancel them.
type Server struct {
	cfg      *config.Config
	logger   Logger
	observer labs.Observer
	starts   *rate.Limiter

	jobs   map[string]*Job
	jobsMu sync.RWMutex
	wg     sync.WaitGroup
}

// NewServer creates a new server instance with the given config and logger.
func NewServer(cfg *config.Config, logger Logger, opts ...Option) *Server {
	limit := rate.Inf
	if cfg.Search.StartRate > 0 {
		limit = rate.Limit(cfg.Search.StartRate)
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
		starts: rate.NewLimiter(limit, cfg.Search.StartBurst),
		jobs:   make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterRoutes mounts the REST and JSON-RPC endpoints on r.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/search", s.handleSearch)
		r.Get("/status/{id}", s.handleStatus)
		r.Delete("/search/{id}", s.handleCancel)
		r.Get("/search/{id}/watch", s.handleWatch)
		r.Post("/evaluate", s.handleEvaluate)
	})

	r.Post("/rpc", s.handleJSONRPC)
}

// SearchRequest are the parameters of search.start. Zero values take the
// configured defaults.
type SearchRequest struct {
	Objective string `json:"objective"`
	Strategy  string `json:"strategy"`
	Length    int    `json:"length"`
	Budget    int    `json:"nfes"`
	Seed      *int64 `json:"seed"`
	Workers   int    `json:"workers"`
	Runs      int    `json:"runs"`
}

type jobRequest struct {
	ID string `json:"id"`
}

type evaluateRequest struct {
	Sequence string `json:"sequence"`
}

// EvaluateResponse describes a scored sequence.
type EvaluateResponse struct {
	Length       int     `json:"length"`
	Energy       int     `json:"energy"`
	PSL          int     `json:"psl"`
	MeritFactor  float64 `json:"merit_factor"`
	Correlations []int   `json:"correlations"`
}

// searchConfig applies defaults and server limits to req.
func (s *Server) searchConfig(req SearchRequest) (labs.Config, int, error) {
	defaults := s.cfg.Search

	objective := req.Objective
	if objective == "" {
		objective = defaults.Objective
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = defaults.Strategy
	}
	obj, err := optimization.ParseObjective(objective)
	if err != nil {
		return labs.Config{}, 0, err
	}
	strat, err := optimization.ParseStrategy(strategy)
	if err != nil {
		return labs.Config{}, 0, err
	}

	cfg := labs.Config{
		Objective: obj,
		Strategy:  strat,
		Length:    orDefault(req.Length, defaults.Length),
		Budget:    orDefault(req.Budget, defaults.Budget),
		Seed:      defaults.Seed,
		Workers:   orDefault(req.Workers, defaults.Workers),
	}
	if req.Seed != nil {
		cfg.Seed = *req.Seed
	}
	runs := orDefault(req.Runs, defaults.Runs)

	if err := cfg.Validate(); err != nil {
		return labs.Config{}, 0, err
	}
	if runs < 1 {
		return labs.Config{}, 0, apperrors.Wrapf(ensemble.ErrInvalidRuns, "runs %d", runs)
	}
	if cfg.Length > defaults.MaxLength {
		return labs.Config{}, 0, apperrors.Wrapf(ErrLimitExceeded, "length %d above %d", cfg.Length, defaults.MaxLength)
	}
	if cfg.Budget > defaults.MaxBudget {
		return labs.Config{}, 0, apperrors.Wrapf(ErrLimitExceeded, "nfes %d above %d", cfg.Budget, defaults.MaxBudget)
	}
	if runs > defaults.MaxRuns {
		return labs.Config{}, 0, apperrors.Wrapf(ErrLimitExceeded, "runs %d above %d", runs, defaults.MaxRuns)
	}
	return cfg, runs, nil
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// StartSearch validates req and starts a background job.
func (s *Server) StartSearch(req SearchRequest) (JobView, error) {
	cfg, runs, err := s.searchConfig(req)
	if err != nil {
		return JobView{}, err
	}
	if !s.starts.Allow() {
		return JobView{}, apperrors.Wrap(ErrTooManyJobs, "start rate exceeded")
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := newJob(uuid.NewString(), cfg, runs, cancel)

	s.jobsMu.Lock()
	s.evictLocked(time.Now())
	running := 0
	for _, j := range s.jobs {
		j.mu.Lock()
		if !j.status.Terminal() {
			running++
		}
		j.mu.Unlock()
	}
	if running >= s.cfg.Search.MaxJobs {
		s.jobsMu.Unlock()
		cancel()
		return JobView{}, apperrors.Wrapf(ErrTooManyJobs, "%d running", running)
	}
	s.jobs[job.ID] = job
	s.wg.Add(1)
	s.jobsMu.Unlock()

	go s.runJob(ctx, job)

	s.logger.Info("search started", map[string]interface{}{
		"job_id":    job.ID,
		"objective": cfg.Objective.String(),
		"strategy":  cfg.Strategy.String(),
		"length":    cfg.Length,
		"nfes":      cfg.Budget,
		"runs":      runs,
	})
	return job.snapshot(), nil
}

// evictLocked drops finished jobs older than the TTL, then the oldest
// finished jobs beyond the retention count. The caller holds jobsMu.
func (s *Server) evictLocked(now time.Time) {
	ttl := s.cfg.Search.JobTTL
	var finished []*Job
	for id, job := range s.jobs {
		job.mu.Lock()
		terminal, ended := job.status.Terminal(), job.endTime
		job.mu.Unlock()
		if !terminal {
			continue
		}
		if ttl > 0 && now.Sub(ended) > ttl {
			delete(s.jobs, id)
			continue
		}
		finished = append(finished, job)
	}

	excess := len(finished) - s.cfg.Search.RetainJobs
	if excess <= 0 {
		return
	}
	sort.Slice(finished, func(a, b int) bool {
		return finished[a].ended().Before(finished[b].ended())
	})
	for _, job := range finished[:excess] {
		delete(s.jobs, job.ID)
	}
	s.logger.Debug("evicted finished jobs", map[string]interface{}{"count": excess})
}

// runJob executes the job's runs and records the outcome.
func (s *Server) runJob(ctx context.Context, job *Job) {
	defer s.wg.Done()
	job.setRunning()

	jobLogger := s.logger.WithFields(map[string]interface{}{"job_id": job.ID})
	// Restarts and improvements are too frequent for the service log.
	driverLogger := logging.NewZapLogger(jobLogger, zap.IncreaseLevel(zap.InfoLevel))
	opts := []labs.Option{labs.WithLogger(driverLogger)}
	if s.observer != nil {
		opts = append(opts, labs.WithObserver(s.observer))
	}

	summary, err := ensemble.Run(ctx, ensemble.Config{
		Search:      job.Config,
		Runs:        job.Runs,
		RunObserver: job.observer,
	}, opts...)

	status := job.finish(summary, err)
	fields := map[string]interface{}{
		"status":      string(status),
		"evaluations": job.Evaluations(),
	}
	switch status {
	case StatusFailed:
		fields["error"] = err.Error()
		jobLogger.Error("search failed", fields)
	case StatusCompleted:
		fields["best_score"] = summary.Best.Result.Score
		jobLogger.Info("search completed", fields)
	default:
		jobLogger.Info("search stopped", fields)
	}
}

// Job returns the job with the given id.
func (s *Server) Job(id string) (*Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.Wrapf(ErrJobNotFound, "id %q", id)
	}
	return job, nil
}

// Status returns a snapshot of the job.
func (s *Server) Status(id string) (JobView, error) {
	job, err := s.Job(id)
	if err != nil {
		return JobView{}, err
	}
	return job.snapshot(), nil
}

// Cancel stops a pending or running job.
func (s *Server) Cancel(id string) (JobView, error) {
	job, err := s.Job(id)
	if err != nil {
		return JobView{}, err
	}
	if status, ok := job.requestCancel(); !ok {
		return JobView{}, apperrors.Wrapf(ErrJobFinished, "status %s", status)
	}
	s.logger.Info("search cancelled", map[string]interface{}{"job_id": id})
	return job.snapshot(), nil
}

// Evaluate scores a sequence given as +/- glyphs or a list of 1 and -1.
func (s *Server) Evaluate(text string) (EvaluateResponse, error) {
	seq, err := optimization.ParseSequence(text)
	if err != nil {
		return EvaluateResponse{}, err
	}
	if len(seq) < 2 {
		return EvaluateResponse{}, apperrors.Wrapf(optimization.ErrInvalidLength, "length %d", len(seq))
	}
	if len(seq) > s.cfg.Search.MaxLength {
		return EvaluateResponse{}, apperrors.Wrapf(ErrLimitExceeded, "length %d above %d", len(seq), s.cfg.Search.MaxLength)
	}

	cache := labs.FullEval(seq)
	view := cache.View()
	energy := labs.EnergyScorer{}.Score(view)
	return EvaluateResponse{
		Length:       len(seq),
		Energy:       energy,
		PSL:          labs.PSLScorer{}.Score(view),
		MeritFactor:  labs.MeritFactor(len(seq), energy),
		Correlations: cache.Correlations()[1:],
	}, nil
}

// Close cancels every live job and waits for the searches to return.
func (s *Server) Close() error {
	s.jobsMu.RLock()
	for _, job := range s.jobs {
		job.requestCancel()
	}
	s.jobsMu.RUnlock()

	s.wg.Wait()
	return nil
}

// errorCode maps an error to a JSON-RPC code and an HTTP status.
func errorCode(err error) (int, int) {
	switch {
	case optimization.IsPrecondition(err),
		apperrors.Is(err, optimization.ErrInvalidSequence),
		apperrors.Is(err, ensemble.ErrInvalidRuns),
		apperrors.Is(err, ErrInvalidParams),
		apperrors.Is(err, ErrLimitExceeded):
		return codeInvalidParams, http.StatusBadRequest
	case apperrors.Is(err, ErrJobNotFound):
		return codeJobNotFound, http.StatusNotFound
	case apperrors.Is(err, ErrTooManyJobs):
		return codeTooManyJobs, http.StatusTooManyRequests
	case apperrors.Is(err, ErrJobFinished):
		return codeJobFinished, http.StatusConflict
	default:
		return codeServerError, http.StatusInternalServerError
	}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

// decodeParams accepts params as an object or as a one element array
// holding the object.
func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return apperrors.Wrap(ErrInvalidParams, "missing params")
	}
	if raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil || len(list) != 1 {
			return apperrors.Wrap(ErrInvalidParams, "expected a single params object")
		}
		raw = list[0]
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.Wrap(ErrInvalidParams, err.Error())
	}
	return nil
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondRPCError(w, nil, codeParseError, "Parse error", nil)
		return
	}
	if request.JSONRPC != "2.0" || request.Method == "" {
		s.respondRPCError(w, request.ID, codeInvalidRequest, "Invalid Request", nil)
		return
	}

	var (
		result interface{}
		err    error
	)
	switch request.Method {
	case "search.start":
		var p SearchRequest
		if err = decodeParams(request.Params, &p); err == nil {
			result, err = s.StartSearch(p)
		}
	case "search.status":
		var p jobRequest
		if err = decodeParams(request.Params, &p); err == nil {
			result, err = s.Status(p.ID)
		}
	case "search.cancel":
		var p jobRequest
		if err = decodeParams(request.Params, &p); err == nil {
			result, err = s.Cancel(p.ID)
		}
	case "sequence.evaluate":
		var p evaluateRequest
		if err = decodeParams(request.Params, &p); err == nil {
			result, err = s.Evaluate(p.Sequence)
		}
	default:
		s.respondRPCError(w, request.ID, codeMethodNotFound, "Method not found", nil)
		return
	}

	if err != nil {
		code, _ := errorCode(err)
		s.respondRPCError(w, request.ID, code, rpcMessage(code), err)
		return
	}

	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: request.ID, Result: result})
}

func rpcMessage(code int) string {
	switch code {
	case codeInvalidParams:
		return "Invalid params"
	case codeJobNotFound:
		return "Job not found"
	case codeTooManyJobs:
		return "Too many jobs"
	case codeJobFinished:
		return "Job already finished"
	default:
		return "Server error"
	}
}

// respondRPCError sends a JSON-RPC 2.0 error response
func (s *Server) respondRPCError(w http.ResponseWriter, id interface{}, code int, message string, err error) {
	fields := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	resp := rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
	if err != nil {
		fields["error"] = err.Error()
		resp.Error.Data = err.Error()
	}
	if code == codeServerError {
		s.logger.Error("rpc error", fields)
	} else {
		s.logger.Debug("rpc error", fields)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	_, status := errorCode(err)
	writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}

// handleSearch handles POST /api/v1/search
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, apperrors.Wrap(ErrInvalidParams, fmt.Sprintf("invalid request body: %v", err)))
		return
	}

	view, err := s.StartSearch(req)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

// handleStatus handles GET /api/v1/status/{id}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.Status(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleCancel handles DELETE /api/v1/search/{id}
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	view, err := s.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleEvaluate handles POST /api/v1/evaluate
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, apperrors.Wrap(ErrInvalidParams, fmt.Sprintf("invalid request body: %v", err)))
		return
	}

	resp, err := s.Evaluate(req.Sequence)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
