// Package server exposes a node's admin and call surface over HTTP: health
// probes, ring and leadership introspection, rebalance plan history, module
// invocation and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/devrev/shardroute/internal/election"
	routeerr "github.com/devrev/shardroute/internal/errors"
	"github.com/devrev/shardroute/internal/model"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Node is the part of a shard node the server reports on
type Node interface {
	Invoke(ctx context.Context, moduleName, methodName string, args [][]byte) ([]byte, error)
	Ring() *model.RingSnapshot
	LeaderTerm() model.LeaderTerm
	ElectionState() election.State
	Members() []model.NodeID
	PendingCalls() int
	CurrentPlan() *model.RebalancePlan
	Plans(ctx context.Context, limit int) ([]*model.RebalancePlan, error)
}

// Config holds admin server configuration
type Config struct {
	Port            int
	MetricsPath     string
	Gatherer        prometheus.Gatherer
	InvokeTimeout   time.Duration
	InvokeRateLimit float64
	InvokeBurst     int
}

// Server is the admin HTTP server of a node
type Server struct {
	cfg        Config
	router     *mux.Router
	httpServer *http.Server
	node       Node
	logger     *zap.Logger
}

// NewServer creates the server; call SetupRoutes before Start
func NewServer(cfg *Config, node Node, logger *zap.Logger) *Server {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = 10 * time.Second
	}
	if cfg.InvokeBurst <= 0 {
		cfg.InvokeBurst = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	return &Server{
		cfg:    *cfg,
		router: router,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		node:   node,
		logger: logger,
	}
}

// SetupRoutes configures all HTTP routes
func (s *Server) SetupRoutes() {
	s.router.Use(Chain(
		Recovery(s.logger),
		RequestID,
		Logging(s.logger),
	))

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	if s.cfg.Gatherer != nil {
		s.router.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/ring", s.handleRing).Methods(http.MethodGet)
	v1.HandleFunc("/leader", s.handleLeader).Methods(http.MethodGet)
	v1.HandleFunc("/plans", s.handlePlans).Methods(http.MethodGet)
	v1.HandleFunc("/plans/current", s.handleCurrentPlan).Methods(http.MethodGet)

	invoke := http.Handler(http.HandlerFunc(s.handleInvoke))
	if s.cfg.InvokeRateLimit > 0 {
		invoke = NewRateLimiter(s.cfg.InvokeRateLimit, s.cfg.InvokeBurst, s.logger).Limit(invoke)
	}
	v1.Handle("/invoke/{module}/{method}", invoke).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
}

// Start serves until Shutdown
func (s *Server) Start() error {
	s.logger.Info("Starting admin server", zap.Int("port", s.cfg.Port))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start admin server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down admin server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

type healthResponse struct {
	Status string `json:"status"`
}

type readyResponse struct {
	Status      string            `json:"status"`
	RingVersion string            `json:"ring_version,omitempty"`
	Leader      model.NodeID      `json:"leader,omitempty"`
	Checks      map[string]string `json:"checks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy"})
}

// handleReady reports ready once a ring with every vnode assigned is held
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	resp := readyResponse{Status: "ready", Checks: map[string]string{}}
	status := http.StatusOK

	snap := s.node.Ring()
	switch {
	case snap == nil:
		resp.Checks["ring"] = "missing"
		status = http.StatusServiceUnavailable
	case len(snap.VNodesOf(model.NoOwner)) > 0:
		resp.Checks["ring"] = "incomplete"
		resp.RingVersion = snap.Version.String()
		status = http.StatusServiceUnavailable
	default:
		resp.Checks["ring"] = "ok"
		resp.RingVersion = snap.Version.String()
	}

	lt := s.node.LeaderTerm()
	if lt.Leader == "" {
		resp.Checks["leader"] = "unknown"
	} else {
		resp.Checks["leader"] = "ok"
		resp.Leader = lt.Leader
	}

	if status != http.StatusOK {
		resp.Status = "not_ready"
	}
	writeJSON(w, status, resp)
}

type ringResponse struct {
	Version string               `json:"version"`
	Term    uint64               `json:"term"`
	Seq     uint64               `json:"seq"`
	Owners  []model.NodeID       `json:"owners"`
	Counts  map[model.NodeID]int `json:"counts"`
}

func (s *Server) handleRing(w http.ResponseWriter, _ *http.Request) {
	snap := s.node.Ring()
	if snap == nil {
		writeError(w, http.StatusNotFound, "no_ring", "no ring published yet")
		return
	}
	writeJSON(w, http.StatusOK, ringResponse{
		Version: snap.Version.String(),
		Term:    snap.Version.Term,
		Seq:     snap.Version.Seq,
		Owners:  snap.Owners,
		Counts:  snap.CountByNode(),
	})
}

type leaderResponse struct {
	model.LeaderTerm
	State        election.State `json:"state"`
	Members      []model.NodeID `json:"members"`
	PendingCalls int            `json:"pending_calls"`
}

func (s *Server) handleLeader(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, leaderResponse{
		LeaderTerm:   s.node.LeaderTerm(),
		State:        s.node.ElectionState(),
		Members:      s.node.Members(),
		PendingCalls: s.node.PendingCalls(),
	})
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	plans, err := s.node.Plans(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list plans", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "failed to list plans")
		return
	}
	if plans == nil {
		plans = []*model.RebalancePlan{}
	}
	writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handleCurrentPlan(w http.ResponseWriter, _ *http.Request) {
	plan := s.node.CurrentPlan()
	if plan == nil {
		writeError(w, http.StatusNotFound, "no_plan", "this node is not running a plan")
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// invokeRequest carries call arguments as strings
type invokeRequest struct {
	Args []string `json:"args"`
}

type invokeResponse struct {
	Value string `json:"value"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req invokeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
	}
	args := make([][]byte, len(req.Args))
	for i, arg := range req.Args {
		args[i] = []byte(arg)
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.InvokeTimeout)
	defer cancel()

	value, err := s.node.Invoke(ctx, vars["module"], vars["method"], args)
	if err != nil {
		code := routeerr.GetCode(err)
		s.logger.Debug("Invoke failed",
			zap.String("module", vars["module"]),
			zap.String("method", vars["method"]),
			zap.String("code", code.String()),
			zap.Error(err))
		writeError(w, httpStatus(code), code.String(), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, invokeResponse{Value: string(value)})
}

// httpStatus maps a call outcome to an HTTP status
func httpStatus(code routeerr.ErrorCode) int {
	switch code {
	case routeerr.ErrCodeUnknownMethod:
		return http.StatusNotFound
	case routeerr.ErrCodeNoOwnerAvailable:
		return http.StatusServiceUnavailable
	case routeerr.ErrCodeDispatchFailed:
		return http.StatusBadGateway
	case routeerr.ErrCodeRequestTimedOut:
		return http.StatusGatewayTimeout
	case routeerr.ErrCodeCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Status: "error", ErrorCode: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
