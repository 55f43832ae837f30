package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/trustscore/internal/middleware"
	"github.com/ocx/trustscore/internal/orchestrator"
)

// maxWait caps how long GET /validations/{id}?wait= may block.
const maxWait = 30 * time.Second

// SubmitRequest is the body of POST /api/v1/agents/{agentID}/validations.
type SubmitRequest struct {
	Payload             map[string]interface{} `json:"payload,omitempty"`
	Validators          []string               `json:"validators,omitempty"`
	Strategy            string                 `json:"strategy,omitempty"`
	PerValidatorTimeout string                 `json:"per_validator_timeout,omitempty"`
	Deadline            *time.Time             `json:"deadline,omitempty"`
}

func (req SubmitRequest) toRequest(agentID, tenantID string) (orchestrator.Request, error) {
	out := orchestrator.Request{
		AgentID:    agentID,
		TenantID:   tenantID,
		Payload:    req.Payload,
		Validators: req.Validators,
		Options:    orchestrator.Options{Strategy: req.Strategy},
	}
	if req.PerValidatorTimeout != "" {
		d, err := time.ParseDuration(req.PerValidatorTimeout)
		if err != nil {
			return out, err
		}
		out.Options.PerValidatorTimeout = d
	}
	if req.Deadline != nil {
		out.Options.Deadline = *req.Deadline
	}
	return out, nil
}

// SubmitResponse is returned with 202 Accepted.
type SubmitResponse struct {
	ValidationID string `json:"validation_id"`
	StatusURL    string `json:"status_url"`
}

func (s *Server) submitValidation(w http.ResponseWriter, r *http.Request) {
	o, ok := s.engine(w, r)
	if !ok {
		return
	}
	var body SubmitRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			badRequest(w, "Invalid request body")
			return
		}
	}
	tenantID := middleware.TenantFromContext(r.Context())
	req, err := body.toRequest(mux.Vars(r)["agentID"], tenantID)
	if err != nil {
		badRequest(w, "per_validator_timeout: "+err.Error())
		return
	}

	id, err := o.SubmitValidation(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{
		ValidationID: id,
		StatusURL:    "/api/v1/validations/" + id,
	})
}

// getValidation returns the request status. With ?wait=<duration> it blocks
// until the request is terminal or the wait elapses.
func (s *Server) getValidation(w http.ResponseWriter, r *http.Request) {
	o, ok := s.engine(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["validationID"]

	if raw := r.URL.Query().Get("wait"); raw != "" {
		wait, err := time.ParseDuration(raw)
		if err != nil || wait <= 0 {
			badRequest(w, "wait must be a positive duration")
			return
		}
		if wait > maxWait {
			wait = maxWait
		}
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		st, err := o.Wait(ctx, id)
		if err != nil && ctx.Err() == nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
		return
	}

	st, err := o.GetValidation(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) cancelValidation(w http.ResponseWriter, r *http.Request) {
	o, ok := s.engine(w, r)
	if !ok {
		return
	}
	if err := o.Cancel(mux.Vars(r)["validationID"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) getTrustScore(w http.ResponseWriter, r *http.Request) {
	o, ok := s.engine(w, r)
	if !ok {
		return
	}
	ts, err := o.GetTrustScore(r.Context(), mux.Vars(r)["agentID"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (s *Server) getBadges(w http.ResponseWriter, r *http.Request) {
	o, ok := s.engine(w, r)
	if !ok {
		return
	}
	agentID := mux.Vars(r)["agentID"]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id": agentID,
		"badges":   o.ActiveBadges(r.Context(), agentID),
	})
}

// MonitoringRequest is the body of PUT /api/v1/agents/{agentID}/monitoring.
type MonitoringRequest struct {
	Interval   string                 `json:"interval"`
	Validators []string               `json:"validators,omitempty"`
	Strategy   string                 `json:"strategy,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

func (s *Server) registerMonitoring(w http.ResponseWriter, r *http.Request) {
	o, ok := s.engine(w, r)
	if !ok {
		return
	}
	var body MonitoringRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	interval, err := time.ParseDuration(body.Interval)
	if err != nil {
		badRequest(w, "interval must be a duration such as 15m")
		return
	}

	agentID := mux.Vars(r)["agentID"]
	template := orchestrator.Request{
		TenantID:   middleware.TenantFromContext(r.Context()),
		Payload:    body.Payload,
		Validators: body.Validators,
		Options:    orchestrator.Options{Strategy: body.Strategy},
	}
	if err := o.RegisterAgentForMonitoring(agentID, interval, template); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) unregisterMonitoring(w http.ResponseWriter, r *http.Request) {
	o, ok := s.engine(w, r)
	if !ok {
		return
	}
	if !o.UnregisterAgent(mux.Vars(r)["agentID"]) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "agent is not monitored", Code: "not_found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listMonitoring(w http.ResponseWriter, r *http.Request) {
	o, ok := s.engine(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": o.Monitored()})
}
