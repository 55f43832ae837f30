package trust

import "time"

// Level is an agent's trust level.
type Level string

const (
	LevelUnverified Level = "UNVERIFIED"
	LevelBasic      Level = "BASIC"
	LevelValidated  Level = "VALIDATED"
	LevelCertified  Level = "CERTIFIED"
	LevelPremium    Level = "PREMIUM"
)

var levelRank = map[Level]int{
	LevelUnverified: 0,
	LevelBasic:      1,
	LevelValidated:  2,
	LevelCertified:  3,
	LevelPremium:    4,
}

// AtLeast reports whether l is min or higher. Unknown levels rank lowest.
func (l Level) AtLeast(min Level) bool {
	return levelRank[l] >= levelRank[min]
}

// Interval is a confidence interval around a score.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Score mirrors the service's trust score.
type Score struct {
	AgentID            string             `json:"agent_id"`
	ValidationID       string             `json:"validation_id"`
	OverallScore       float64            `json:"overall_score"`
	ComponentScores    map[string]float64 `json:"component_scores,omitempty"`
	ConfidenceInterval Interval           `json:"confidence_interval"`
	RiskLevel          string             `json:"risk_level"`
	TrustLevel         Level              `json:"trust_level"`
	Strategy           string             `json:"strategy,omitempty"`
	SampleSize         int                `json:"sample_size"`
	ComputedAt         time.Time          `json:"computed_at"`
	ValidUntil         time.Time          `json:"valid_until"`
}

// Badge is an active credential.
type Badge struct {
	Name       string    `json:"name"`
	AssignedAt time.Time `json:"assigned_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Validation is the status of one validation request.
type Validation struct {
	ValidationID string   `json:"validation_id"`
	AgentID      string   `json:"agent_id"`
	State        string   `json:"state"`
	Warnings     []string `json:"warnings,omitempty"`
	Error        string   `json:"error,omitempty"`
	Record       *struct {
		TrustScore *Score  `json:"trust_score,omitempty"`
		Badges     []Badge `json:"badges,omitempty"`
	} `json:"record,omitempty"`
}

// Done reports whether the validation reached a terminal state.
func (v *Validation) Done() bool {
	return v.State == "PERSISTED" || v.State == "FAILED"
}

// Decision is a reviewer's resolution of an escalation case.
type Decision struct {
	Decision         string   `json:"decision"` // APPROVE, REJECT or ADJUST
	Notes            string   `json:"notes,omitempty"`
	AdjustmentFactor *float64 `json:"adjustment_factor,omitempty"`
}
