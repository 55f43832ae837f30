package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ocx/trustscore/internal/alerts"
	"github.com/ocx/trustscore/internal/badge"
	"github.com/ocx/trustscore/internal/core"
)

// ResolveEscalation records a reviewer's terminal outcome for caseID. The
// outcome is applied to the agent's latest score and persisted as a new
// record that supersedes it. The adjusted score is returned.
func (o *Orchestrator) ResolveEscalation(ctx context.Context, caseID string, outcome core.ReviewOutcome) (*core.TrustScore, error) {
	c, err := o.deps.Store.GetEscalation(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Status == core.EscalationResolved {
		return nil, core.NewError(core.ErrInvalidTransition, c.AgentID, c.ValidationID,
			fmt.Errorf("escalation %s is already resolved", caseID))
	}
	if outcome.ResolvedAt.IsZero() {
		outcome.ResolvedAt = o.now()
	}

	prior, err := o.deps.Store.LatestTrustScore(ctx, c.AgentID)
	if errors.Is(err, core.ErrNotFound) {
		prior, err = &c.TrustScore, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load score for %s: %w", c.AgentID, err)
	}

	adjusted, err := o.deps.Calculator.Adjust(prior, caseID, outcome)
	if err != nil {
		return nil, err
	}

	validationID := uuid.New().String()
	adjusted.ValidationID = validationID
	rs := core.ResultSet{AgentID: c.AgentID, Status: core.ResultSetComplete}
	if priorRec, err := o.deps.Store.GetRecord(ctx, prior.ValidationID); err == nil {
		rs = copyResultSet(priorRec.ResultSet)
	}
	rs.ValidationID = validationID

	o.restoreBadges(ctx, c.AgentID)
	badges := badge.Assign(adjusted, o.deps.Catalogue)
	rec := &core.ValidationRecord{
		ValidationID:  validationID,
		AgentID:       c.AgentID,
		TenantID:      c.TenantID,
		State:         core.StatePersisted,
		ResultSet:     rs,
		TrustScore:    adjusted,
		Badges:        badges,
		RevokedBadges: o.deps.Ledger.Preview(c.AgentID, badges),
		CreatedAt:     outcome.ResolvedAt,
	}

	c.Status = core.EscalationResolved
	c.Outcome = &outcome
	if outcome.Reviewer != "" {
		c.AssignedReviewer = outcome.Reviewer
	}
	c.UpdatedAt = outcome.ResolvedAt

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()
	if err := o.deps.Store.ResolveEscalation(pctx, rec, *c); err != nil {
		if errors.Is(err, core.ErrInvalidTransition) {
			return nil, err
		}
		o.deps.Metrics.ObservePersistFailure()
		return nil, fmt.Errorf("resolve escalation %s: %w", caseID, err)
	}

	revoked := o.deps.Ledger.Apply(c.AgentID, badges)
	o.deps.Metrics.ObserveBadges(badgeNames(badges), badgeNames(revoked))
	if o.deps.Cache != nil {
		if err := o.deps.Cache.Set(ctx, adjusted); err != nil {
			o.logger.Warn("score cache update failed", "agent_id", c.AgentID, "error", err)
		}
	}
	o.archive(ctx, rec)

	o.alert(alerts.EscalationAlert(alerts.TypeEscalationUpdated, *c))
	if len(revoked) > 0 {
		o.alert(alerts.BadgeRevokedAlert(c.TenantID, c.AgentID, validationID, revoked, outcome.ResolvedAt))
	}
	o.recordStatus(ctx, *c)

	o.logger.Info("escalation resolved",
		"case_id", caseID,
		"agent_id", c.AgentID,
		"decision", outcome.Decision,
		"reviewer", outcome.Reviewer,
		"prior_score", prior.OverallScore,
		"adjusted_score", adjusted.OverallScore,
		"validation_id", validationID,
	)
	return adjusted, nil
}

// UpdateEscalationStatus records a non-terminal status change reported by the
// HITL collaborator, e.g. a reviewer picking up the case.
func (o *Orchestrator) UpdateEscalationStatus(ctx context.Context, caseID string, status core.EscalationStatus, reviewer string) (*core.EscalationCase, error) {
	c, err := o.deps.Store.GetEscalation(ctx, caseID)
	if err != nil {
		return nil, err
	}
	switch {
	case status == core.EscalationResolved:
		return nil, core.NewError(core.ErrInvalidRequest, c.AgentID, c.ValidationID,
			errors.New("resolve a case with a review outcome"))
	case c.Status == core.EscalationResolved:
		return nil, core.NewError(core.ErrInvalidTransition, c.AgentID, c.ValidationID,
			fmt.Errorf("escalation %s is already resolved", caseID))
	case status != core.EscalationPending && status != core.EscalationInReview:
		return nil, core.NewError(core.ErrInvalidRequest, c.AgentID, c.ValidationID,
			fmt.Errorf("unknown escalation status %q", status))
	}

	c.Status = status
	if reviewer != "" {
		c.AssignedReviewer = reviewer
	}
	c.UpdatedAt = o.now()
	if err := o.deps.Store.UpdateEscalation(ctx, *c); err != nil {
		return nil, err
	}
	o.recordStatus(ctx, *c)
	o.alert(alerts.EscalationAlert(alerts.TypeEscalationUpdated, *c))
	return c, nil
}

func copyResultSet(rs core.ResultSet) core.ResultSet {
	out := rs
	out.Results = append([]core.ValidationResult(nil), rs.Results...)
	out.Failures = append([]core.ValidatorFailure(nil), rs.Failures...)
	return out
}

func (o *Orchestrator) recordStatus(ctx context.Context, c core.EscalationCase) {
	if o.deps.Submitter == nil {
		return
	}
	if err := o.deps.Submitter.RecordStatus(ctx, c); err != nil {
		o.logger.Warn("review queue status update failed", "case_id", c.ID, "status", c.Status, "error", err)
	}
}

// GetEscalation returns an escalation case by ID.
func (o *Orchestrator) GetEscalation(ctx context.Context, caseID string) (*core.EscalationCase, error) {
	return o.deps.Store.GetEscalation(ctx, caseID)
}
