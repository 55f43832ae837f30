package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/trustscore/internal/core"
)

// ResolveRequest is the reviewer callback body.
type ResolveRequest struct {
	Decision         string   `json:"decision"`
	Notes            string   `json:"notes,omitempty"`
	AdjustmentFactor *float64 `json:"adjustment_factor,omitempty"`
	Reviewer         string   `json:"reviewer,omitempty"`
}

// StatusRequest moves a case between PENDING and IN_REVIEW.
type StatusRequest struct {
	Status   string `json:"status"`
	Reviewer string `json:"reviewer,omitempty"`
}

// reviewer prefers the token subject over any name in the body.
func reviewer(r *http.Request, fromBody string) string {
	if id, ok := ReviewerFromContext(r.Context()); ok {
		return id
	}
	return fromBody
}

func (s *Server) getEscalation(w http.ResponseWriter, r *http.Request) {
	o, ok := s.engine(w, r)
	if !ok {
		return
	}
	c, err := o.GetEscalation(r.Context(), mux.Vars(r)["caseID"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) resolveEscalation(w http.ResponseWriter, r *http.Request) {
	o, ok := s.engine(w, r)
	if !ok {
		return
	}
	var body ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	decision := core.ReviewDecision(strings.ToUpper(body.Decision))
	switch decision {
	case core.ReviewApprove, core.ReviewReject, core.ReviewAdjust:
	default:
		badRequest(w, "decision must be APPROVE, REJECT or ADJUST")
		return
	}

	outcome := core.ReviewOutcome{
		Decision:         decision,
		Reviewer:         reviewer(r, body.Reviewer),
		Notes:            body.Notes,
		AdjustmentFactor: body.AdjustmentFactor,
		ResolvedAt:       time.Now().UTC(),
	}
	caseID := mux.Vars(r)["caseID"]
	ts, err := o.ResolveEscalation(r.Context(), caseID, outcome)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("escalation resolved", "case_id", caseID, "decision", decision, "reviewer", outcome.Reviewer)
	writeJSON(w, http.StatusOK, ts)
}

func (s *Server) updateEscalationStatus(w http.ResponseWriter, r *http.Request) {
	o, ok := s.engine(w, r)
	if !ok {
		return
	}
	var body StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	status := core.EscalationStatus(strings.ToUpper(body.Status))
	c, err := o.UpdateEscalationStatus(r.Context(), mux.Vars(r)["caseID"], status, reviewer(r, body.Reviewer))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
