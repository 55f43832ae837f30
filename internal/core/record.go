package core

import "time"

// PipelineState is a validation request's position in the orchestration pipeline.
type PipelineState string

const (
	StateReceived   PipelineState = "RECEIVED"
	StateCollecting PipelineState = "COLLECTING"
	StateScoring    PipelineState = "SCORING"
	StateClassify   PipelineState = "CLASSIFYING"
	StateDriftCheck PipelineState = "DRIFT_CHECK"
	StateEscalated  PipelineState = "ESCALATED"
	StateComplete   PipelineState = "COMPLETE"
	StatePersisted  PipelineState = "PERSISTED"
	StateFailed     PipelineState = "FAILED"
)

// IsTerminal returns true for PERSISTED and FAILED.
func (s PipelineState) IsTerminal() bool {
	return s == StatePersisted || s == StateFailed
}

// ValidationRecord is the unit of persistence: everything one validation run
// produced, written atomically so a TrustScore never exists without the
// ResultSet behind it.
type ValidationRecord struct {
	ValidationID  string          `json:"validation_id"`
	AgentID       string          `json:"agent_id"`
	TenantID      string          `json:"tenant_id,omitempty"`
	State         PipelineState   `json:"state"`
	ResultSet     ResultSet       `json:"result_set"`
	TrustScore    *TrustScore     `json:"trust_score,omitempty"`
	Badges        []Badge         `json:"badges,omitempty"`
	RevokedBadges []Badge         `json:"revoked_badges,omitempty"`
	DriftEvent    *DriftEvent     `json:"drift_event,omitempty"`
	Escalation    *EscalationCase `json:"escalation,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
