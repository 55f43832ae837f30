package trust

import (
	"errors"
	"fmt"
	"math"

	"github.com/ocx/trustscore/internal/core"
)

// AdjustmentPolicy converts a reviewer's outcome into a multiplicative factor
// for the prior overall score.
type AdjustmentPolicy interface {
	Factor(outcome core.ReviewOutcome) (float64, error)
}

// ClampedMultiplier uses the reviewer's factor, bounded to [Min, Max].
// APPROVE without a factor keeps the score; REJECT without one applies RejectFactor.
type ClampedMultiplier struct {
	Min          float64 `yaml:"min"`
	Max          float64 `yaml:"max"`
	RejectFactor float64 `yaml:"reject_factor"`
}

// DefaultAdjustmentPolicy bounds human adjustments to [0.5, 1.5].
func DefaultAdjustmentPolicy() ClampedMultiplier {
	return ClampedMultiplier{Min: 0.5, Max: 1.5, RejectFactor: 0.5}
}

func (p ClampedMultiplier) Factor(outcome core.ReviewOutcome) (float64, error) {
	var f float64
	switch outcome.Decision {
	case core.ReviewApprove:
		f = 1
		if outcome.AdjustmentFactor != nil {
			f = *outcome.AdjustmentFactor
		}
	case core.ReviewReject:
		f = p.RejectFactor
		if outcome.AdjustmentFactor != nil {
			f = *outcome.AdjustmentFactor
		}
	case core.ReviewAdjust:
		if outcome.AdjustmentFactor == nil {
			return 0, errors.New("ADJUST decision requires an adjustment factor")
		}
		f = *outcome.AdjustmentFactor
	default:
		return 0, fmt.Errorf("unknown review decision %q", outcome.Decision)
	}
	if math.IsNaN(f) || f < 0 {
		return 0, fmt.Errorf("invalid adjustment factor %v", f)
	}
	return math.Max(p.Min, math.Min(p.Max, f)), nil
}

// Adjust returns a new TrustScore superseding prior with the reviewer's
// factor applied. The interval is shifted with the score and levels are
// re-derived; prior is not modified.
func (c *Calculator) Adjust(prior *core.TrustScore, caseID string, outcome core.ReviewOutcome) (*core.TrustScore, error) {
	if prior == nil {
		return nil, core.NewError(core.ErrNotFound, "", "", errors.New("no trust score to adjust"))
	}
	factor, err := c.adjust.Factor(outcome)
	if err != nil {
		return nil, core.NewError(core.ErrInvalidRequest, prior.AgentID, prior.ValidationID, err)
	}

	next := *prior
	next.ComponentScores = copyScores(prior.ComponentScores)
	next.KindScores = copyScores(prior.KindScores)

	next.OverallScore = clamp01(prior.OverallScore * factor)
	delta := next.OverallScore - prior.OverallScore
	next.ConfidenceInterval = core.Interval{
		Lower: clamp01(math.Min(prior.ConfidenceInterval.Lower+delta, next.OverallScore)),
		Upper: clamp01(math.Max(prior.ConfidenceInterval.Upper+delta, next.OverallScore)),
	}
	next.RiskLevel = RiskFor(next.OverallScore)
	next.TrustLevel = TrustLevelFor(next.OverallScore, next.RiskLevel)
	next.HumanAdjustment = &core.HumanAdjustment{
		CaseID:     caseID,
		Factor:     factor,
		Reviewer:   outcome.Reviewer,
		AppliedAt:  outcome.ResolvedAt,
		PriorScore: prior.OverallScore,
	}
	next.ComputedAt = outcome.ResolvedAt
	next.ValidUntil = outcome.ResolvedAt.Add(c.cfg.RefreshInterval)
	return &next, nil
}

func copyScores(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
