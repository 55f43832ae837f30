package escalation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/trustscore/internal/core"
	"github.com/ocx/trustscore/internal/database"
)

// ReviewTable is the subset of database.SupabaseClient the queue needs.
type ReviewTable interface {
	InsertReview(ctx context.Context, row *database.ReviewRow) error
	UpdateReviewStatus(ctx context.Context, reviewID, status, reviewer, decision string) error
}

// SupabaseReviewQueue queues escalation cases as rows in the hitl_reviews
// table, where the review console picks them up.
type SupabaseReviewQueue struct {
	table ReviewTable
}

func NewSupabaseReviewQueue(table ReviewTable) *SupabaseReviewQueue {
	return &SupabaseReviewQueue{table: table}
}

// SubmitForReview inserts a PENDING row and returns its review ID as the handle.
func (q *SupabaseReviewQueue) SubmitForReview(ctx context.Context, c core.EscalationCase) (string, error) {
	row := &database.ReviewRow{
		ReviewID:     uuid.New().String(),
		CaseID:       c.ID,
		TenantID:     c.TenantID,
		AgentID:      c.AgentID,
		ValidationID: c.ValidationID,
		Reasons:      c.Reasons,
		Summary:      c.Reason,
		OverallScore: c.TrustScore.OverallScore,
		RiskLevel:    string(c.TrustScore.RiskLevel),
		Status:       string(core.EscalationPending),
		Payload: map[string]interface{}{
			"confidence_interval": c.TrustScore.ConfidenceInterval,
			"component_scores":    c.TrustScore.ComponentScores,
			"trust_level":         c.TrustScore.TrustLevel,
		},
		CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339),
	}
	if c.DriftEvent != nil {
		z := c.DriftEvent.DriftScore
		row.DriftScore = &z
	}
	if err := q.table.InsertReview(ctx, row); err != nil {
		return "", err
	}
	return row.ReviewID, nil
}

// RecordStatus mirrors a case's status change onto its review row.
func (q *SupabaseReviewQueue) RecordStatus(ctx context.Context, c core.EscalationCase) error {
	if c.ReviewHandle == "" {
		return nil
	}
	var reviewer, decision string
	if c.Outcome != nil {
		reviewer = c.Outcome.Reviewer
		decision = string(c.Outcome.Decision)
	} else {
		reviewer = c.AssignedReviewer
	}
	return q.table.UpdateReviewStatus(ctx, c.ReviewHandle, string(c.Status), reviewer, decision)
}
