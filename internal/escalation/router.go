// Package escalation decides which validation outcomes need a human reviewer
// and delivers those cases to the HITL queue.
package escalation

import (
	"fmt"

	"github.com/ocx/trustscore/internal/core"
)

// Escalation reasons, listed on a case in this order.
const (
	ReasonHighRisk     = "HIGH_RISK"
	ReasonLowConfident = "LOW_CONFIDENCE"
	ReasonSevereDrift  = "SEVERE_DRIFT"
)

// Config holds routing thresholds.
type Config struct {
	// MaxIntervalWidth is the widest confidence interval trusted without review.
	MaxIntervalWidth float64 `yaml:"max_interval_width"`
}

func DefaultConfig() Config {
	return Config{MaxIntervalWidth: 0.4}
}

// Router is a pure function of a TrustScore and an optional DriftEvent.
type Router struct {
	cfg Config
}

func NewRouter(cfg Config) Router {
	if cfg.MaxIntervalWidth <= 0 {
		cfg.MaxIntervalWidth = DefaultConfig().MaxIntervalWidth
	}
	return Router{cfg: cfg}
}

// Route returns a PENDING case when the score needs human review, nil
// otherwise. ID and timestamps are left for the caller to assign.
func (r Router) Route(score *core.TrustScore, event *core.DriftEvent) *core.EscalationCase {
	if score == nil {
		return nil
	}

	var reasons []string
	var details []string
	if score.RiskLevel == core.RiskHigh || score.RiskLevel == core.RiskCritical {
		reasons = append(reasons, ReasonHighRisk)
		details = append(details, fmt.Sprintf("risk level %s (score %.3f)", score.RiskLevel, score.OverallScore))
	}
	if w := score.ConfidenceInterval.Width(); w > r.cfg.MaxIntervalWidth {
		reasons = append(reasons, ReasonLowConfident)
		details = append(details, fmt.Sprintf("confidence interval width %.3f exceeds %.3f", w, r.cfg.MaxIntervalWidth))
	}
	if event != nil && event.Severity == core.DriftSevere {
		reasons = append(reasons, ReasonSevereDrift)
		details = append(details, fmt.Sprintf("severe drift z=%.2f from baseline mean %.3f", event.DriftScore, event.Baseline.Mean))
	}
	if len(reasons) == 0 {
		return nil
	}

	c := &core.EscalationCase{
		AgentID:      score.AgentID,
		ValidationID: score.ValidationID,
		TrustScore:   *score,
		Reasons:      reasons,
		Reason:       joinDetails(details),
		Status:       core.EscalationPending,
	}
	if event != nil {
		e := *event
		c.DriftEvent = &e
	}
	return c
}

func joinDetails(details []string) string {
	out := details[0]
	for _, d := range details[1:] {
		out += "; " + d
	}
	return out
}
