// Package handlers exposes the orchestrator over HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/trustscore/internal/alerts"
	"github.com/ocx/trustscore/internal/core"
	"github.com/ocx/trustscore/internal/metrics"
	"github.com/ocx/trustscore/internal/middleware"
	"github.com/ocx/trustscore/internal/orchestrator"
)

// Engines resolves the orchestrator serving a tenant.
type Engines interface {
	For(tenantID string) (*orchestrator.Orchestrator, error)
}

type single struct{ o *orchestrator.Orchestrator }

func (s single) For(string) (*orchestrator.Orchestrator, error) { return s.o, nil }

// Single serves every tenant from one orchestrator.
func Single(o *orchestrator.Orchestrator) Engines { return single{o: o} }

// Options are the optional collaborators of a Server.
type Options struct {
	Auth        *ReviewerAuth
	Limiter     *middleware.RateLimiter
	Stream      *alerts.StreamHub
	Metrics     *metrics.Metrics
	KnownTenant func(tenantID string) bool
	Logger      *slog.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	engines Engines
	opts    Options
	logger  *slog.Logger
	started time.Time
}

func NewServer(engines Engines, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engines: engines,
		opts:    opts,
		logger:  logger.With("component", "http"),
		started: time.Now(),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	if s.opts.Metrics != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.opts.Metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if s.opts.Stream != nil {
		router.HandleFunc("/ws", s.opts.Stream.HandleWebSocket)
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Tenant(s.opts.KnownTenant))

	var submit http.Handler = http.HandlerFunc(s.submitValidation)
	if s.opts.Limiter != nil {
		submit = s.opts.Limiter.Middleware(func(r *http.Request) string { return mux.Vars(r)["agentID"] })(submit)
	}
	api.Handle("/agents/{agentID}/validations", submit).Methods(http.MethodPost)

	api.HandleFunc("/validations/{validationID}", s.getValidation).Methods(http.MethodGet)
	api.HandleFunc("/validations/{validationID}", s.cancelValidation).Methods(http.MethodDelete)
	api.HandleFunc("/agents/{agentID}/trust-score", s.getTrustScore).Methods(http.MethodGet)
	api.HandleFunc("/agents/{agentID}/badges", s.getBadges).Methods(http.MethodGet)
	api.HandleFunc("/agents/{agentID}/monitoring", s.registerMonitoring).Methods(http.MethodPut)
	api.HandleFunc("/agents/{agentID}/monitoring", s.unregisterMonitoring).Methods(http.MethodDelete)
	api.HandleFunc("/monitoring", s.listMonitoring).Methods(http.MethodGet)
	api.HandleFunc("/escalations/{caseID}", s.getEscalation).Methods(http.MethodGet)

	hitl := api.PathPrefix("/hitl").Subrouter()
	if s.opts.Auth != nil {
		hitl.Use(s.opts.Auth.Middleware)
	} else {
		s.logger.Warn("HITL callbacks are not authenticated; set auth.hitl_secret")
	}
	hitl.HandleFunc("/escalations/{caseID}/resolve", s.resolveEscalation).Methods(http.MethodPost)
	hitl.HandleFunc("/escalations/{caseID}/status", s.updateEscalationStatus).Methods(http.MethodPost)

	return router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	if s.opts.Stream != nil {
		body["stream_clients"] = s.opts.Stream.Clients()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) engine(w http.ResponseWriter, r *http.Request) (*orchestrator.Orchestrator, bool) {
	o, err := s.engines.For(middleware.TenantFromContext(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return o, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps error kinds onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, core.ErrStaleTrustScore):
		return http.StatusConflict, "stale_trust_score"
	case errors.Is(err, core.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, core.ErrInsufficientData), errors.Is(err, core.ErrUndeterminable):
		return http.StatusUnprocessableEntity, "insufficient_data"
	case errors.Is(err, orchestrator.ErrShutdown):
		return http.StatusServiceUnavailable, "shutting_down"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: "invalid_request"})
}
