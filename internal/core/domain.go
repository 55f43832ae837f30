package core

import (
	"math"
	"time"
)

// RiskLevel classifies how risky it is to trust an agent automatically.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// TrustLevel is the certification tier derived from score and risk.
type TrustLevel string

const (
	TrustUnverified TrustLevel = "UNVERIFIED"
	TrustBasic      TrustLevel = "BASIC"
	TrustValidated  TrustLevel = "VALIDATED"
	TrustCertified  TrustLevel = "CERTIFIED"
	TrustPremium    TrustLevel = "PREMIUM"
)

// Rank orders trust levels from UNVERIFIED (0) to PREMIUM (4).
func (t TrustLevel) Rank() int {
	switch t {
	case TrustBasic:
		return 1
	case TrustValidated:
		return 2
	case TrustCertified:
		return 3
	case TrustPremium:
		return 4
	default:
		return 0
	}
}

// FailureReason explains why a validator produced no result.
type FailureReason string

const (
	FailureTimeout FailureReason = "TIMEOUT"
	FailureError   FailureReason = "ERROR"
)

// ResultSetStatus summarizes a collection run.
type ResultSetStatus string

const (
	ResultSetComplete         ResultSetStatus = "COMPLETE"
	ResultSetDegraded         ResultSetStatus = "DEGRADED"
	ResultSetInsufficientData ResultSetStatus = "INSUFFICIENT_DATA"
)

// DriftSeverity grades how far a drift score is past the threshold.
type DriftSeverity string

const (
	DriftModerate DriftSeverity = "MODERATE"
	DriftSevere   DriftSeverity = "SEVERE"
)

// EscalationStatus tracks a human review.
type EscalationStatus string

const (
	EscalationPending  EscalationStatus = "PENDING"
	EscalationInReview EscalationStatus = "IN_REVIEW"
	EscalationResolved EscalationStatus = "RESOLVED"
)

// ValidationResult is one validator's verdict on an agent. Immutable once created.
type ValidationResult struct {
	ValidatorID string                 `json:"validator_id"`
	Kind        string                 `json:"kind"`
	Score       float64                `json:"score"`      // 0.0 - 1.0
	Confidence  float64                `json:"confidence"` // 0.0 - 1.0
	Weight      float64                `json:"weight"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	ProducedAt  time.Time              `json:"produced_at"`
}

// ValidatorFailure records a validator that timed out or errored.
type ValidatorFailure struct {
	ValidatorID string        `json:"validator_id"`
	Kind        string        `json:"kind,omitempty"`
	Weight      float64       `json:"weight,omitempty"`
	Reason      FailureReason `json:"reason"`
	Detail      string        `json:"detail,omitempty"`
}

// ResultSet is the outcome of one collection run. Every requested validator
// appears exactly once, either in Results or in Failures.
type ResultSet struct {
	ValidationID string             `json:"validation_id"`
	AgentID      string             `json:"agent_id"`
	Results      []ValidationResult `json:"results"`
	Failures     []ValidatorFailure `json:"failures"`
	Status       ResultSetStatus    `json:"status"`
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   time.Time          `json:"finished_at"`
}

// Total returns the number of validators the set accounts for.
func (rs *ResultSet) Total() int {
	return len(rs.Results) + len(rs.Failures)
}

// Succeeded reports whether at least one validator returned a result.
func (rs *ResultSet) Succeeded() bool {
	return len(rs.Results) > 0
}

// Interval is a closed confidence interval within [0,1].
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Width returns Upper - Lower.
func (i Interval) Width() float64 {
	return i.Upper - i.Lower
}

// Contains reports whether v lies inside the interval.
func (i Interval) Contains(v float64) bool {
	return v >= i.Lower && v <= i.Upper
}

// HumanAdjustment is the factor a resolved review applied to a score.
type HumanAdjustment struct {
	CaseID     string    `json:"case_id"`
	Factor     float64   `json:"factor"`
	Reviewer   string    `json:"reviewer,omitempty"`
	AppliedAt  time.Time `json:"applied_at"`
	PriorScore float64   `json:"prior_score"`
}

// TrustScore is the aggregated, calibrated trust of an agent. Read-only after
// creation; the next computation for the same agent supersedes it.
type TrustScore struct {
	AgentID            string             `json:"agent_id"`
	ValidationID       string             `json:"validation_id"`
	OverallScore       float64            `json:"overall_score"`
	ConfidenceInterval Interval           `json:"confidence_interval"`
	ComponentScores    map[string]float64 `json:"component_scores"`
	KindScores         map[string]float64 `json:"kind_scores,omitempty"`
	RiskLevel          RiskLevel          `json:"risk_level"`
	TrustLevel         TrustLevel         `json:"trust_level"`
	Strategy           string             `json:"strategy"`
	SampleSize         int                `json:"sample_size"`
	HumanAdjustment    *HumanAdjustment   `json:"human_adjustment,omitempty"`
	ComputedAt         time.Time          `json:"computed_at"`
	ValidUntil         time.Time          `json:"valid_until"`
}

// IsStale reports whether the score must be recomputed before being served.
func (ts *TrustScore) IsStale(now time.Time) bool {
	return !ts.ValidUntil.IsZero() && now.After(ts.ValidUntil)
}

// Badge is a discrete certification derived from a TrustScore.
type Badge struct {
	Name             string             `json:"name"`
	AgentID          string             `json:"agent_id"`
	CriteriaSnapshot map[string]float64 `json:"criteria_snapshot"`
	AssignedAt       time.Time          `json:"assigned_at"`
	ExpiresAt        time.Time          `json:"expires_at"`
}

// BaselineProfile holds rolling statistics of an agent's trust history.
type BaselineProfile struct {
	AgentID     string    `json:"agent_id"`
	Mean        float64   `json:"mean"`
	Variance    float64   `json:"variance"`
	SampleCount int64     `json:"sample_count"`
	Recent      []float64 `json:"recent"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StdDev returns the square root of the variance.
func (b *BaselineProfile) StdDev() float64 {
	if b.Variance <= 0 {
		return 0
	}
	return math.Sqrt(b.Variance)
}

// DriftEvent is emitted when a new score deviates significantly from baseline.
type DriftEvent struct {
	ID           string          `json:"id"`
	AgentID      string          `json:"agent_id"`
	ValidationID string          `json:"validation_id,omitempty"`
	DriftScore   float64         `json:"drift_score"`
	Baseline     BaselineProfile `json:"baseline_snapshot"`
	CurrentScore float64         `json:"current_score"`
	Severity     DriftSeverity   `json:"severity"`
	DetectedAt   time.Time       `json:"detected_at"`
}

// ReviewDecision is a reviewer's verdict on an escalated case.
type ReviewDecision string

const (
	ReviewApprove ReviewDecision = "APPROVE"
	ReviewReject  ReviewDecision = "REJECT"
	ReviewAdjust  ReviewDecision = "ADJUST"
)

// ReviewOutcome is the terminal result delivered by the HITL collaborator.
type ReviewOutcome struct {
	Decision         ReviewDecision `json:"decision"`
	Reviewer         string         `json:"reviewer"`
	Notes            string         `json:"notes,omitempty"`
	AdjustmentFactor *float64       `json:"adjustment_factor,omitempty"`
	ResolvedAt       time.Time      `json:"resolved_at"`
}

// EscalationCase packages a validation outcome for human review.
type EscalationCase struct {
	ID               string           `json:"id"`
	AgentID          string           `json:"agent_id"`
	ValidationID     string           `json:"validation_id"`
	TenantID         string           `json:"tenant_id,omitempty"`
	TrustScore       TrustScore       `json:"trust_score"`
	DriftEvent       *DriftEvent      `json:"drift_event,omitempty"`
	Reasons          []string         `json:"reasons"`
	Reason           string           `json:"reason"`
	AssignedReviewer string           `json:"assigned_reviewer,omitempty"`
	ReviewHandle     string           `json:"review_handle,omitempty"`
	Status           EscalationStatus `json:"status"`
	Outcome          *ReviewOutcome   `json:"outcome,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}
