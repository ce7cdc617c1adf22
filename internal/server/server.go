// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AP2611/Chakra-final/internal/analytics"
	"github.com/AP2611/Chakra-final/internal/ollama"
	"github.com/AP2611/Chakra-final/internal/orchestrator"
	"github.com/AP2611/Chakra-final/internal/stream"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultPort is the API port when none is configured.
	DefaultPort = 8000

	// DefaultMaxBodyBytes caps request bodies at 1MB. A task prompt has no
	// business being larger.
	DefaultMaxBodyBytes = 1 << 20

	// DefaultRatePerSec and DefaultRateBurst are the per-client rate limit.
	DefaultRatePerSec = 5.0
	DefaultRateBurst  = 10

	// Defaults for the per-run knobs when the request omits them.
	DefaultMaxIterations  = 3
	DefaultMinImprovement = 0.05
	DefaultScoreCeiling   = 0.95

	// healthPingTimeout bounds the model probe inside the health check so a
	// hung endpoint cannot stall liveness polling.
	healthPingTimeout = 2 * time.Second

	// Connection timeouts. WriteTimeout is deliberately absent: an SSE
	// stream stays open for the whole run and a write deadline would cut
	// it mid-frame.
	readTimeout = 30 * time.Second
	idleTimeout = 120 * time.Second
)

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================

// Runner executes one refinement run, emitting its events to emit.
// *orchestrator.Controller is the production implementation.
type Runner interface {
	Run(ctx context.Context, task orchestrator.Task, params orchestrator.Params, emit stream.Emitter) (*orchestrator.Result, error)
}

// StatsReader is the run-history read surface behind the /analytics routes.
type StatsReader interface {
	Metrics(ctx context.Context) (analytics.Metrics, error)
	QualityImprovement(ctx context.Context, limit int) ([]analytics.QualityPoint, error)
	PerformanceHistory(ctx context.Context, hours int) ([]analytics.HistoryPoint, error)
	RecentTasks(ctx context.Context, limit int) ([]analytics.RecentTask, error)
}

// Pinger probes the model endpoint for the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// =============================================================================
// SERVER
// =============================================================================

// Server is the HTTP front end for the refinement pipeline.
type Server struct {
	host string
	port int

	router *http.ServeMux
	server *http.Server

	runner Runner
	stats  StatsReader
	pinger Pinger

	defaults     orchestrator.Params
	maxBodyBytes int64
	ratePerSec   float64
	rateBurst    int
	cors         CORSConfig
	limiter      *RateLimiter
}

// NewServer creates a server with defaults suitable for local use.
// Collaborators are attached with the With methods before Start.
func NewServer(port int, runner Runner) *Server {
	if port <= 0 {
		port = DefaultPort
	}
	s := &Server{
		host:   "0.0.0.0",
		port:   port,
		router: http.NewServeMux(),
		runner: runner,
		defaults: orchestrator.Params{
			MaxIterations:  DefaultMaxIterations,
			MinImprovement: DefaultMinImprovement,
			ScoreCeiling:   DefaultScoreCeiling,
		},
		maxBodyBytes: DefaultMaxBodyBytes,
		ratePerSec:   DefaultRatePerSec,
		rateBurst:    DefaultRateBurst,
		cors:         DefaultCORSConfig(),
	}
	s.setupRoutes()
	return s
}

// WithHost sets the bind address.
func (s *Server) WithHost(host string) *Server {
	if host != "" {
		s.host = host
	}
	return s
}

// WithStats attaches the analytics read surface.
func (s *Server) WithStats(stats StatsReader) *Server {
	s.stats = stats
	return s
}

// WithPinger attaches the model endpoint probe used by /health.
func (s *Server) WithPinger(p Pinger) *Server {
	s.pinger = p
	return s
}

// WithRunDefaults sets the per-run knobs used when a request omits them.
func (s *Server) WithRunDefaults(p orchestrator.Params) *Server {
	s.defaults = p
	return s
}

// WithMaxBodyBytes sets the request body cap.
func (s *Server) WithMaxBodyBytes(n int64) *Server {
	if n > 0 {
		s.maxBodyBytes = n
	}
	return s
}

// WithRateLimit sets the per-client token refill rate and burst.
func (s *Server) WithRateLimit(perSec float64, burst int) *Server {
	if perSec > 0 {
		s.ratePerSec = perSec
	}
	if burst > 0 {
		s.rateBurst = burst
	}
	return s
}

// WithAllowedOrigins replaces the CORS origin allowlist.
func (s *Server) WithAllowedOrigins(origins []string) *Server {
	if len(origins) > 0 {
		s.cors.AllowedOrigins = origins
	}
	return s
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// setupRoutes registers all endpoints. Method patterns make the mux reject
// wrong-method requests with 405 before any handler runs.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /{$}", s.handleRoot)
	s.router.HandleFunc("GET /health", s.handleHealth)

	s.router.HandleFunc("POST /process", s.handleProcess)
	s.router.HandleFunc("POST /process-stream", s.handleProcessStream)
	// Alias kept for older dashboard builds.
	s.router.HandleFunc("POST /process/stream", s.handleProcessStream)

	s.router.HandleFunc("GET /analytics/metrics", s.handleAnalyticsMetrics)
	s.router.HandleFunc("GET /analytics/quality-improvement", s.handleQualityImprovement)
	s.router.HandleFunc("GET /analytics/performance-history", s.handlePerformanceHistory)
	s.router.HandleFunc("GET /analytics/recent-tasks", s.handleRecentTasks)
}

// =============================================================================
// REQUEST PARSING
// =============================================================================

// processRequest is the body shared by the blocking and streaming endpoints.
// Pointer fields tell an omitted key apart from an explicit zero value, so
// is_code and use_memory can default to true.
type processRequest struct {
	Task           string   `json:"task"`
	Context        string   `json:"context"`
	IsCode         *bool    `json:"is_code"`
	UseMemory      *bool    `json:"use_memory"`
	UseRAG         *bool    `json:"use_rag"`
	MaxIterations  *int     `json:"max_iterations"`
	MinImprovement *float64 `json:"min_improvement_threshold"`
}

// parseProcessRequest decodes the body, applies defaults for omitted fields,
// and validates the resulting run parameters. Validation happens here, before
// any response bytes are written, so a bad request never sees a half-started
// stream.
func (s *Server) parseProcessRequest(w http.ResponseWriter, r *http.Request) (orchestrator.Task, orchestrator.Params, error) {
	var req processRequest
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return orchestrator.Task{}, orchestrator.Params{}, fmt.Errorf("invalid request body: %w", err)
	}
	if strings.TrimSpace(req.Task) == "" {
		return orchestrator.Task{}, orchestrator.Params{}, errors.New("task is required")
	}

	task := orchestrator.Task{
		Task:      req.Task,
		Context:   req.Context,
		IsCode:    boolOr(req.IsCode, true),
		UseMemory: boolOr(req.UseMemory, true),
		UseRAG:    boolOr(req.UseRAG, false),
	}

	params := s.defaults
	if req.MaxIterations != nil {
		params.MaxIterations = *req.MaxIterations
	}
	if req.MinImprovement != nil {
		params.MinImprovement = *req.MinImprovement
	}
	if err := params.Validate(); err != nil {
		return orchestrator.Task{}, orchestrator.Params{}, err
	}
	return task, params, nil
}

func boolOr(p *bool, fallback bool) bool {
	if p == nil {
		return fallback
	}
	return *p
}

// queryInt parses an integer query parameter, falling back on bad input.
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// =============================================================================
// PIPELINE HANDLERS
// =============================================================================

// handleProcess runs the pipeline to completion and returns the full result,
// iteration records included.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	task, params, err := s.parseProcessRequest(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.runner.Run(r.Context(), task, params, stream.Discard)
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away mid-run. Nothing left to write to.
			return
		}
		var pe *orchestrator.ParamError
		switch {
		case errors.As(err, &pe):
			s.writeError(w, http.StatusBadRequest, pe.Error())
		case ollama.IsUnavailable(err):
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleProcessStream runs the pipeline and relays its events as SSE frames.
//
// Each event is written as "data: {json}\n\n" and flushed individually so
// tokens reach the client as the model produces them. The run itself emits
// the terminal complete or error event; this handler only moves frames.
func (s *Server) handleProcessStream(w http.ResponseWriter, r *http.Request) {
	task, params, err := s.parseProcessRequest(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	// Tells nginx-style proxies not to buffer the stream.
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sink := stream.NewSink(0)
	done := make(chan error, 1)
	go func() {
		defer sink.Close()
		_, err := s.runner.Run(ctx, task, params, sink)
		done <- err
	}()

	for ev := range sink.Events() {
		data, err := json.Marshal(ev)
		if err != nil {
			log.Printf("SSE_ENCODE_ERROR | type=%s error=%v", ev.Type, err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			// Client is gone. Cancel the run, then drain whatever it emits
			// before noticing, so the goroutine never blocks on a full sink.
			cancel()
			for range sink.Events() {
			}
			break
		}
		flusher.Flush()
	}

	if err := <-done; err != nil && ctx.Err() == nil {
		log.Printf("STREAM_RUN_FAILED | error=%v", err)
	}
}

// =============================================================================
// STATUS HANDLERS
// =============================================================================

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"message": "Agent System API",
		"status":  "running",
	})
}

// healthResponse reports liveness plus model endpoint reachability.
type healthResponse struct {
	Status string `json:"status"`
	Ollama string `json:"ollama,omitempty"`
}

// handleHealth always reports healthy while the process serves requests.
// Model reachability is advisory: a down model endpoint degrades runs but
// does not make the API itself unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy"}
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			resp.Ollama = "unreachable"
		} else {
			resp.Ollama = "reachable"
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// ANALYTICS HANDLERS
// =============================================================================

// handleAnalyticsMetrics serves the aggregate dashboard card values.
func (s *Server) handleAnalyticsMetrics(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		s.writeError(w, http.StatusServiceUnavailable, "analytics not configured")
		return
	}
	m, err := s.stats.Metrics(r.Context())
	if err != nil {
		log.Printf("ANALYTICS_QUERY_FAILED | route=metrics error=%v", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load metrics")
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

// handleQualityImprovement serves before/after scores for the latest tasks.
func (s *Server) handleQualityImprovement(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		s.writeError(w, http.StatusServiceUnavailable, "analytics not configured")
		return
	}
	limit := queryInt(r, "limit", 10)
	points, err := s.stats.QualityImprovement(r.Context(), limit)
	if err != nil {
		log.Printf("ANALYTICS_QUERY_FAILED | route=quality-improvement error=%v", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load quality data")
		return
	}
	if points == nil {
		points = []analytics.QualityPoint{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"data": points})
}

// handlePerformanceHistory serves hourly latency and accuracy buckets.
func (s *Server) handlePerformanceHistory(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		s.writeError(w, http.StatusServiceUnavailable, "analytics not configured")
		return
	}
	hours := queryInt(r, "hours", 24)
	points, err := s.stats.PerformanceHistory(r.Context(), hours)
	if err != nil {
		log.Printf("ANALYTICS_QUERY_FAILED | route=performance-history error=%v", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if points == nil {
		points = []analytics.HistoryPoint{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"data": points})
}

// handleRecentTasks serves the formatted recent run list.
func (s *Server) handleRecentTasks(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		s.writeError(w, http.StatusServiceUnavailable, "analytics not configured")
		return
	}
	limit := queryInt(r, "limit", 10)
	tasks, err := s.stats.RecentTasks(r.Context(), limit)
	if err != nil {
		log.Printf("ANALYTICS_QUERY_FAILED | route=recent-tasks error=%v", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load recent tasks")
		return
	}
	if tasks == nil {
		tasks = []analytics.RecentTask{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

// writeJSON writes v as the response body.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("RESPONSE_ENCODE_ERROR | error=%v", err)
	}
}

// writeError writes the error envelope shared by every endpoint.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errorTypeForStatus(status),
			"code":    status,
		},
	})
}

func errorTypeForStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start assembles the middleware chain and serves until the listener closes.
// It returns http.ErrServerClosed after a clean Shutdown.
func (s *Server) Start() error {
	s.limiter = NewRateLimiter(s.ratePerSec, s.rateBurst)

	chain := Chain(
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(),
		RateLimitMiddleware(s.limiter),
		CORSMiddleware(s.cors),
	)

	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	s.server = &http.Server{
		Addr:        addr,
		Handler:     chain(s.router),
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	log.Printf("SERVER_START | addr=%s", addr)
	return s.server.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests until
// ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	log.Printf("SERVER_SHUTDOWN | addr=%s", s.server.Addr)
	if s.limiter != nil {
		s.limiter.Stop()
	}
	return s.server.Shutdown(ctx)
}
